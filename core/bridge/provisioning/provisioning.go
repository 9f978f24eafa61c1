// Package provisioning serves the HTTP API integration managers use to
// list, create, update and remove room connections.
package provisioning

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/cordum/hookbridge/core/bridge/connections"
	"github.com/cordum/hookbridge/core/bridge/grants"
	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/httpserver"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/metrics"
)

// Error codes returned in the errcode field.
const (
	ErrCodeUnauthorized     = "HB_UNAUTHORIZED"
	ErrCodePermissionDenied = "HB_PERMISSION_DENIED"
	ErrCodeNotFound         = "HB_NOT_FOUND"
	ErrCodeBadValue         = "HB_BAD_VALUE"
	ErrCodeGrantRejected    = "HB_GRANT_REJECTED"
	ErrCodeUnknown          = "HB_UNKNOWN"
)

const (
	maxRequestBytes = 64 << 10
	tapBuffer       = 100
)

// Provisioner is the connection management surface exposed over HTTP.
type Provisioner interface {
	ListConnections(roomID, userID string, withSecrets bool) ([]connections.Description, error)
	GetConnection(roomID, userID, connectionID string, withSecrets bool) (connections.Description, error)
	CreateConnection(ctx context.Context, roomID, userID, eventType string, content json.RawMessage) (connections.Description, error)
	UpdateConnection(ctx context.Context, roomID, userID, connectionID string, patch json.RawMessage) (connections.Description, error)
	RemoveConnection(ctx context.Context, roomID, userID, connectionID string) error
}

// Grants is the persisted grant surface. Admins may grant a connection
// ahead of creation or revoke it so no live access check can restore it.
type Grants interface {
	Lookup(ctx context.Context, roomID, connectionID string) (grants.Record, bool, error)
	Grant(ctx context.Context, roomID, connectionID string) error
	Revoke(ctx context.Context, roomID, connectionID string) error
}

// GrantStatus is the body returned by the grant routes.
type GrantStatus struct {
	ConnectionID string `json:"connectionId"`
	Granted      bool   `json:"granted"`
	Recorded     bool   `json:"recorded"`
	TS           int64  `json:"ts,omitempty"`
}

type apiError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// ConnectionType describes a connection type clients may create.
type ConnectionType struct {
	EventType string `json:"eventType"`
	Service   string `json:"service"`
	Name      string `json:"name"`
}

var upgrader = websocket.Upgrader{
	// The bearer secret already authenticates the caller.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server implements the provisioning API.
type Server struct {
	config  func() *config.BridgeConfig
	conns   Provisioner
	perms   *permissions.Engine
	grants  Grants
	bus     bus.MessageBus
	metrics metrics.HTTPMetrics
}

// New builds a Server. b may be nil, which disables the bus tap; g may be
// nil, which disables the grant routes.
func New(cfg func() *config.BridgeConfig, conns Provisioner, perms *permissions.Engine, g Grants, b bus.MessageBus, hm metrics.HTTPMetrics) *Server {
	if hm == nil {
		hm = metrics.Noop{}
	}
	return &Server{config: cfg, conns: conns, perms: perms, grants: g, bus: b, metrics: hm}
}

// Handler returns the provisioning routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/connectiontypes", s.route("/v1/connectiontypes", s.handleTypes))
	mux.HandleFunc("GET /v1/{roomId}/connections", s.route("/v1/{roomId}/connections", s.handleList))
	mux.HandleFunc("GET /v1/{roomId}/connections/{id...}", s.route("/v1/{roomId}/connections/{id}", s.handleGet))
	mux.HandleFunc("PUT /v1/{roomId}/connections/{type}", s.route("/v1/{roomId}/connections/{type}", s.handleCreate))
	mux.HandleFunc("PATCH /v1/{roomId}/connections/{id...}", s.route("/v1/{roomId}/connections/{id}", s.handleUpdate))
	mux.HandleFunc("DELETE /v1/{roomId}/connections/{id...}", s.route("/v1/{roomId}/connections/{id}", s.handleDelete))
	mux.HandleFunc("GET /v1/{roomId}/grants/{id...}", s.route("/v1/{roomId}/grants/{id}", s.handleGrantGet))
	mux.HandleFunc("PUT /v1/{roomId}/grants/{id...}", s.route("/v1/{roomId}/grants/{id}", s.handleGrantPut))
	mux.HandleFunc("DELETE /v1/{roomId}/grants/{id...}", s.route("/v1/{roomId}/grants/{id}", s.handleGrantDelete))
	mux.HandleFunc("GET /v1/bus/tap", s.route("/v1/bus/tap", s.handleTap))
	return mux
}

func (s *Server) route(name string, fn func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return httpserver.Instrumented(s.metrics, name, func(w http.ResponseWriter, r *http.Request) {
		var expected string
		if cfg := s.config(); cfg != nil && cfg.Provisioning != nil {
			expected = cfg.Provisioning.Secret
		}
		if expected == "" {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "provisioning is not enabled")
			return
		}
		auth := r.Header.Get("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if !strings.HasPrefix(auth, "Bearer ") || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "bad provisioning token")
			return
		}
		userID := strings.TrimSpace(r.URL.Query().Get("userId"))
		if userID == "" {
			writeError(w, http.StatusBadRequest, ErrCodeBadValue, "userId is required")
			return
		}
		fn(w, r, userID)
	})
}

func (s *Server) handleTypes(w http.ResponseWriter, _ *http.Request, _ string) {
	types := connections.Types()
	out := make([]ConnectionType, 0, len(types))
	for _, t := range types {
		out = append(out, ConnectionType{EventType: t.EventType, Service: t.Service, Name: t.Name})
	}
	httpserver.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request, userID string) {
	list, err := s.conns.ListConnections(r.PathValue("roomId"), userID, wantSecrets(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, list)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request, userID string) {
	desc, err := s.conns.GetConnection(r.PathValue("roomId"), userID, r.PathValue("id"), wantSecrets(r))
	if err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, desc)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, userID string) {
	body, ok := readObject(w, r)
	if !ok {
		return
	}
	desc, err := s.conns.CreateConnection(r.Context(), r.PathValue("roomId"), userID, r.PathValue("type"), body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, desc)
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, userID string) {
	body, ok := readObject(w, r)
	if !ok {
		return
	}
	desc, err := s.conns.UpdateConnection(r.Context(), r.PathValue("roomId"), userID, r.PathValue("id"), body)
	if err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, desc)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, userID string) {
	if err := s.conns.RemoveConnection(r.Context(), r.PathValue("roomId"), userID, r.PathValue("id")); err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// grantTarget resolves the room and connection of a grant route and checks
// the caller is admin for the connection's service.
func (s *Server) grantTarget(w http.ResponseWriter, r *http.Request, userID string) (string, string, bool) {
	if s.grants == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "grants are not available")
		return "", "", false
	}
	connID := r.PathValue("id")
	service, rest, ok := strings.Cut(connID, ":")
	if !ok || service == "" || rest == "" {
		writeError(w, http.StatusBadRequest, ErrCodeBadValue, "connection id must be service:resource")
		return "", "", false
	}
	if s.perms == nil || !s.perms.Check(userID, service, permissions.LevelAdmin) {
		writeError(w, http.StatusForbidden, ErrCodePermissionDenied, "managing grants requires admin")
		return "", "", false
	}
	return r.PathValue("roomId"), connID, true
}

func (s *Server) handleGrantGet(w http.ResponseWriter, r *http.Request, userID string) {
	roomID, connID, ok := s.grantTarget(w, r, userID)
	if !ok {
		return
	}
	rec, found, err := s.grants.Lookup(r.Context(), roomID, connID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, GrantStatus{ConnectionID: connID, Granted: rec.Granted, Recorded: found, TS: rec.TS})
}

func (s *Server) handleGrantPut(w http.ResponseWriter, r *http.Request, userID string) {
	s.writeGrant(w, r, userID, true)
}

func (s *Server) handleGrantDelete(w http.ResponseWriter, r *http.Request, userID string) {
	s.writeGrant(w, r, userID, false)
}

func (s *Server) writeGrant(w http.ResponseWriter, r *http.Request, userID string, granted bool) {
	roomID, connID, ok := s.grantTarget(w, r, userID)
	if !ok {
		return
	}
	write := s.grants.Revoke
	if granted {
		write = s.grants.Grant
	}
	if err := write(r.Context(), roomID, connID); err != nil {
		writeFailure(w, err)
		return
	}
	logging.Info("provisioning", "grant updated", "room", roomID, "connection", connID, "granted", granted, "user", userID)
	rec, found, err := s.grants.Lookup(r.Context(), roomID, connID)
	if err != nil {
		writeFailure(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, GrantStatus{ConnectionID: connID, Granted: rec.Granted, Recorded: found, TS: rec.TS})
}

// handleTap streams bus envelopes matching pattern to an admin's websocket.
// Slow readers lose envelopes rather than stall the bus.
func (s *Server) handleTap(w http.ResponseWriter, r *http.Request, userID string) {
	if s.bus == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "bus tap is not available")
		return
	}
	if s.perms == nil || !s.perms.Check(userID, permissions.AnyService, permissions.LevelAdmin) {
		writeError(w, http.StatusForbidden, ErrCodePermissionDenied, "bus tap requires admin")
		return
	}
	pattern := strings.TrimSpace(r.URL.Query().Get("pattern"))
	if pattern == "" {
		pattern = "**"
	}
	if !bus.ValidPattern(pattern) {
		writeError(w, http.StatusBadRequest, ErrCodeBadValue, "invalid pattern")
		return
	}

	envCh := make(chan bus.Envelope, tapBuffer)
	off, err := s.bus.Tap(pattern, func(_ context.Context, env bus.Envelope) {
		select {
		case envCh <- env:
		default:
		}
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadValue, err.Error())
		return
	}
	defer off()
	if err := s.bus.Subscribe(pattern); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeUnknown, err.Error())
		return
	}
	defer func() {
		if err := s.bus.Unsubscribe(pattern); err != nil {
			logging.Warn("provisioning", "tap unsubscribe failed", "pattern", pattern, "error", err)
		}
	}()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Error("provisioning", "ws upgrade failed", "error", err)
		return
	}
	defer ws.Close()
	logging.Info("provisioning", "bus tap connected", "user", userID, "pattern", pattern, "remote", r.RemoteAddr)

	// Reads only detect the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case env := <-envCh:
			data, err := json.Marshal(env)
			if err != nil {
				logging.Error("provisioning", "envelope marshal failed", "error", err)
				continue
			}
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func wantSecrets(r *http.Request) bool {
	v := strings.ToLower(r.URL.Query().Get("secrets"))
	return v == "true" || v == "1"
}

func readObject(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadValue, "failed to read body")
		return nil, false
	}
	if len(body) > maxRequestBytes {
		writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadValue, "body too large")
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadValue, "body must be a JSON object")
		return nil, false
	}
	return body, true
}

func writeFailure(w http.ResponseWriter, err error) {
	var verr *connections.ValidationError
	switch {
	case errors.Is(err, permissions.ErrPermissionDenied):
		writeError(w, http.StatusForbidden, ErrCodePermissionDenied, err.Error())
	case errors.Is(err, grants.ErrGrantRejected):
		writeError(w, http.StatusForbidden, ErrCodeGrantRejected, err.Error())
	case errors.Is(err, connections.ErrNotFound), errors.Is(err, connections.ErrUnknownType):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, connections.ErrExists):
		writeError(w, http.StatusConflict, ErrCodeBadValue, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, ErrCodeBadValue, verr.Error())
	default:
		logging.Error("provisioning", "request failed", "error", err)
		writeError(w, http.StatusInternalServerError, ErrCodeUnknown, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	httpserver.WriteJSON(w, status, apiError{ErrCode: code, Error: msg})
}
