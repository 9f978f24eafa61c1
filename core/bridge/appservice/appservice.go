// Package appservice receives homeserver transactions and routes room
// events into the bridge.
package appservice

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cordum/hookbridge/core/bridge/connections"
	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/httpserver"
	"github.com/cordum/hookbridge/core/infra/locks"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/metrics"
	"github.com/cordum/hookbridge/core/infra/state"
)

const (
	eventTypeMessage = "m.room.message"
	eventTypeMember  = "m.room.member"
	msgTypeText      = "m.text"

	errCodeUnauthorized = "M_UNAUTHORIZED"
	errCodeForbidden    = "M_FORBIDDEN"
	errCodeNotFound     = "M_NOT_FOUND"
	errCodeBadJSON      = "M_NOT_JSON"

	txnTTL = 24 * time.Hour
)

// ChatDispatcher receives room messages.
type ChatDispatcher interface {
	DispatchChatMessage(ctx context.Context, msg connections.ChatMessage) bool
}

// StateHandler reacts to connection state changes.
type StateHandler interface {
	OnStateEvent(ctx context.Context, roomID, eventType, stateKey, sender string) error
}

// Event is one room event of a transaction.
type Event struct {
	Type     string          `json:"type"`
	RoomID   string          `json:"room_id"`
	Sender   string          `json:"sender"`
	EventID  string          `json:"event_id"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
}

// Transaction is the body of a transactions push.
type Transaction struct {
	Events []Event `json:"events"`
}

type matrixError struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

// Server implements the application service API.
type Server struct {
	config     func() *config.BridgeConfig
	store      state.Store
	dispatcher ChatDispatcher
	states     StateHandler
	members    *permissions.Members
	metrics    metrics.HTTPMetrics
	claims     locks.Store
}

// Options wires a Server.
type Options struct {
	Config     func() *config.BridgeConfig
	Store      state.Store
	Dispatcher ChatDispatcher
	States     StateHandler
	Members    *permissions.Members
	Metrics    metrics.HTTPMetrics
	// Claims dedupes transaction ids; nil keeps them in process.
	Claims locks.Store
}

// New builds a Server.
func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop{}
	}
	if opts.Claims == nil {
		opts.Claims = locks.NewMemoryStore()
	}
	return &Server{
		config:     opts.Config,
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		states:     opts.States,
		members:    opts.Members,
		metrics:    opts.Metrics,
		claims:     opts.Claims,
	}
}

// Handler returns the appservice routes, including the legacy unprefixed
// paths some homeservers still call.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	for _, prefix := range []string{"/_matrix/app/v1", ""} {
		mux.HandleFunc("PUT "+prefix+"/transactions/{txnId}",
			httpserver.Instrumented(s.metrics, "/transactions/{txnId}", s.authed(s.handleTransaction)))
		mux.HandleFunc("GET "+prefix+"/users/{userId}",
			httpserver.Instrumented(s.metrics, "/users/{userId}", s.authed(s.handleUserQuery)))
		mux.HandleFunc("GET "+prefix+"/rooms/{alias}",
			httpserver.Instrumented(s.metrics, "/rooms/{alias}", s.authed(s.handleRoomQuery)))
	}
	return mux
}

func (s *Server) authed(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.URL.Query().Get("access_token")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if token == "" {
			httpserver.WriteJSON(w, http.StatusUnauthorized, matrixError{ErrCode: errCodeUnauthorized, Error: "missing token"})
			return
		}
		expected := s.config().Bridge.HSToken
		if expected == "" || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			httpserver.WriteJSON(w, http.StatusForbidden, matrixError{ErrCode: errCodeForbidden, Error: "bad token"})
			return
		}
		fn(w, r)
	}
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	txnID := r.PathValue("txnId")
	var txn Transaction
	if err := json.NewDecoder(r.Body).Decode(&txn); err != nil {
		httpserver.WriteJSON(w, http.StatusBadRequest, matrixError{ErrCode: errCodeBadJSON, Error: "invalid transaction"})
		return
	}
	if !s.markTransaction(r.Context(), txnID) {
		logging.Debug("appservice", "duplicate transaction", "txn", txnID)
		httpserver.WriteJSON(w, http.StatusOK, struct{}{})
		return
	}
	for _, ev := range txn.Events {
		s.HandleEvent(r.Context(), ev)
	}
	httpserver.WriteJSON(w, http.StatusOK, struct{}{})
}

// markTransaction claims txnID and reports whether it is new. A claim
// store failure processes the transaction.
func (s *Server) markTransaction(ctx context.Context, txnID string) bool {
	ok, err := s.claims.Claim(ctx, "txn:"+txnID, txnTTL)
	if err != nil {
		logging.Warn("appservice", "transaction claim failed", "txn", txnID, "error", err)
		return true
	}
	return ok
}

// HandleEvent routes one room event. Membership is always tracked; other
// events sent by bridge users are ignored. Failures are logged and the
// transaction is still acknowledged.
func (s *Server) HandleEvent(ctx context.Context, ev Event) {
	if ev.Type == eventTypeMember && ev.StateKey != nil {
		s.handleMembership(ev)
		return
	}
	if s.config().Bridge.IsBridgeUser(ev.Sender) {
		return
	}
	switch {
	case ev.StateKey != nil:
		s.handleState(ctx, ev)
	case ev.Type == eventTypeMessage:
		s.handleMessage(ctx, ev)
	}
}

func (s *Server) handleMembership(ev Event) {
	if s.members == nil {
		return
	}
	var content struct {
		Membership string `json:"membership"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil {
		return
	}
	s.members.Apply(ev.RoomID, *ev.StateKey, content.Membership)
}

func (s *Server) handleState(ctx context.Context, ev Event) {
	if _, ok := connections.LookupType(ev.Type); !ok {
		return
	}
	if s.store != nil {
		if err := s.store.SetState(ctx, ev.RoomID, ev.Type, *ev.StateKey, ev.Content); err != nil {
			logging.Error("appservice", "failed to store state", "room", ev.RoomID, "type", ev.Type, "error", err)
			return
		}
	}
	if s.states == nil {
		return
	}
	if err := s.states.OnStateEvent(ctx, ev.RoomID, ev.Type, *ev.StateKey, ev.Sender); err != nil {
		logging.Warn("appservice", "connection state rejected", "room", ev.RoomID, "type", ev.Type, "state_key", *ev.StateKey, "sender", ev.Sender, "error", err)
	}
}

func (s *Server) handleMessage(ctx context.Context, ev Event) {
	if s.dispatcher == nil {
		return
	}
	var content struct {
		MsgType string `json:"msgtype"`
		Body    string `json:"body"`
	}
	if err := json.Unmarshal(ev.Content, &content); err != nil || content.MsgType != msgTypeText {
		return
	}
	s.dispatcher.DispatchChatMessage(ctx, connections.ChatMessage{
		RoomID:  ev.RoomID,
		EventID: ev.EventID,
		Sender:  ev.Sender,
		Body:    content.Body,
	})
}

func (s *Server) handleUserQuery(w http.ResponseWriter, r *http.Request) {
	if s.config().Bridge.IsBridgeUser(r.PathValue("userId")) {
		httpserver.WriteJSON(w, http.StatusOK, struct{}{})
		return
	}
	httpserver.WriteJSON(w, http.StatusNotFound, matrixError{ErrCode: errCodeNotFound, Error: "unknown user"})
}

func (s *Server) handleRoomQuery(w http.ResponseWriter, _ *http.Request) {
	httpserver.WriteJSON(w, http.StatusNotFound, matrixError{ErrCode: errCodeNotFound, Error: "room aliases are not provisioned"})
}
