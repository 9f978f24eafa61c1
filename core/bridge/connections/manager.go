package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/bridge/grants"
	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/state"
)

// BusSender identifies the bridge role on the bus.
const BusSender = "hookbridge-bridge"

const (
	hookNotFound   = "Unknown hook"
	hookFailed     = "Failed to process webhook"
	hookBadRequest = "Invalid hook request"
)

// Manager creates, updates and removes connections from persisted room
// state and serves the bus-facing side of the bridge role.
type Manager struct {
	registry   *Registry
	dispatcher *Dispatcher
	deps       Deps
	grants     *grants.Checker
	perms      *permissions.Engine
}

// NewManager wires a manager.
func NewManager(registry *Registry, dispatcher *Dispatcher, deps Deps, grantChecker *grants.Checker, perms *permissions.Engine) *Manager {
	return &Manager{
		registry:   registry,
		dispatcher: dispatcher,
		deps:       deps.withDefaults(),
		grants:     grantChecker,
		perms:      perms,
	}
}

// Registry returns the live connection registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Start loads every recognized connection from the state store. Rooms and
// connections that fail to load are logged and skipped.
func (m *Manager) Start(ctx context.Context) error {
	rooms, err := m.deps.Store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}
	loaded := 0
	for _, roomID := range rooms {
		evts, err := m.deps.Store.ListState(ctx, roomID)
		if err != nil {
			logging.Warn("manager", "failed to list room state", "room", roomID, "error", err)
			continue
		}
		for _, ev := range evts {
			if _, ok := LookupType(ev.Type); !ok {
				continue
			}
			if err := m.applyState(ctx, ev.RoomID, ev.Type, ev.StateKey, ev.Content, ""); err != nil {
				logging.Warn("manager", "failed to load connection", "room", ev.RoomID, "type", ev.Type, "state_key", ev.StateKey, "error", err)
				continue
			}
			loaded++
		}
	}
	logging.Info("manager", "connections loaded", "rooms", len(rooms), "connections", loaded)
	return nil
}

// OnStateEvent reacts to a live state change. The content is re-read from
// the store rather than taken from the event.
func (m *Manager) OnStateEvent(ctx context.Context, roomID, eventType, stateKey, sender string) error {
	if _, ok := LookupType(eventType); !ok {
		return nil
	}
	content, err := m.deps.Store.GetState(ctx, roomID, eventType, stateKey)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("read state: %w", err)
	}
	return m.applyState(ctx, roomID, eventType, stateKey, content, sender)
}

// applyState creates, updates or removes the connection for one state
// event. Creation requires a grant for the connection in the room.
func (m *Manager) applyState(ctx context.Context, roomID, eventType, stateKey string, content json.RawMessage, sender string) error {
	t, ok := LookupType(eventType)
	if !ok {
		return ErrUnknownType
	}
	id := Identity{RoomID: roomID, Type: eventType, StateKey: stateKey}
	existing, exists := m.registry.Get(id)
	if isEmptyState(content) {
		if exists {
			return m.teardown(ctx, existing)
		}
		return nil
	}
	if exists {
		if err := t.Validate(content); err != nil {
			return err
		}
		return existing.HandleStateUpdate(ctx, content)
	}
	connID, err := t.ConnectionID(stateKey, content)
	if err != nil {
		return err
	}
	if m.grants != nil {
		if err := m.grants.AssertGranted(ctx, roomID, connID, sender); err != nil {
			return err
		}
	}
	conn, err := t.Build(ctx, m.deps, roomID, stateKey, content)
	if err != nil {
		return err
	}
	m.registry.Insert(conn)
	logging.Info("manager", "connection created", "room", roomID, "connection", conn.ID())
	return nil
}

// teardown reverses external side effects then drops the instance.
func (m *Manager) teardown(ctx context.Context, conn Connection) error {
	err := conn.OnRemove(ctx)
	if err != nil && !errors.Is(err, ErrNotHandled) {
		logging.Warn("manager", "connection teardown failed", "connection", conn.ID(), "error", err)
	}
	m.registry.Remove(identityOf(conn))
	conn.Close()
	logging.Info("manager", "connection removed", "room", conn.RoomID(), "connection", conn.ID())
	if errors.Is(err, ErrNotHandled) {
		return nil
	}
	return err
}

// ListConnections describes the connections of roomID. Secrets require
// admin for the connection's service.
func (m *Manager) ListConnections(roomID, userID string, withSecrets bool) ([]Description, error) {
	conns := m.registry.ForRoom(roomID)
	out := make([]Description, 0, len(conns))
	for _, conn := range conns {
		if err := m.require(userID, conn.Service(), permissions.LevelManageConnections); err != nil {
			continue
		}
		secrets := withSecrets && m.require(userID, conn.Service(), permissions.LevelAdmin) == nil
		out = append(out, conn.Describe(secrets))
	}
	return out, nil
}

// GetConnection describes one connection.
func (m *Manager) GetConnection(roomID, userID, connectionID string, withSecrets bool) (Description, error) {
	conn, ok := m.registry.GetByID(roomID, connectionID)
	if !ok {
		return Description{}, ErrNotFound
	}
	if err := m.require(userID, conn.Service(), permissions.LevelManageConnections); err != nil {
		return Description{}, err
	}
	if withSecrets {
		if err := m.require(userID, conn.Service(), permissions.LevelAdmin); err != nil {
			return Description{}, err
		}
	}
	return conn.Describe(withSecrets), nil
}

// CreateConnection provisions a connection of eventType in roomID on
// behalf of userID.
func (m *Manager) CreateConnection(ctx context.Context, roomID, userID, eventType string, content json.RawMessage) (Description, error) {
	t, ok := LookupType(eventType)
	if !ok {
		return Description{}, ErrUnknownType
	}
	if err := m.require(userID, t.Service, permissions.LevelManageConnections); err != nil {
		return Description{}, err
	}
	if err := t.CheckNew(m.deps, content); err != nil {
		return Description{}, err
	}
	stateKey, err := t.StateKey(content)
	if err != nil {
		return Description{}, err
	}
	if stateKey == "" {
		return Description{}, invalid("", "could not derive a state key")
	}
	if _, exists := m.registry.Get(Identity{RoomID: roomID, Type: eventType, StateKey: stateKey}); exists {
		return Description{}, ErrExists
	}
	connID, err := t.ConnectionID(stateKey, content)
	if err != nil {
		return Description{}, err
	}
	if m.grants != nil {
		if err := m.grants.AssertGranted(ctx, roomID, connID, userID); err != nil {
			return Description{}, err
		}
	}
	conn, err := t.Build(ctx, m.deps, roomID, stateKey, content)
	if err != nil {
		return Description{}, err
	}
	if err := m.deps.Store.SetState(ctx, roomID, eventType, stateKey, content); err != nil {
		conn.Close()
		return Description{}, fmt.Errorf("persist connection: %w", err)
	}
	m.registry.Insert(conn)
	logging.Info("manager", "connection provisioned", "room", roomID, "connection", conn.ID(), "user", userID)
	return conn.Describe(false), nil
}

// UpdateConnection merges patch into the connection's configuration.
func (m *Manager) UpdateConnection(ctx context.Context, roomID, userID, connectionID string, patch json.RawMessage) (Description, error) {
	conn, ok := m.registry.GetByID(roomID, connectionID)
	if !ok {
		return Description{}, ErrNotFound
	}
	if err := m.require(userID, conn.Service(), permissions.LevelManageConnections); err != nil {
		return Description{}, err
	}
	t, ok := LookupType(conn.Type())
	if !ok {
		return Description{}, ErrUnknownType
	}
	current, err := m.deps.Store.GetState(ctx, roomID, conn.Type(), conn.StateKey())
	if err != nil {
		return Description{}, fmt.Errorf("read connection state: %w", err)
	}
	merged, err := mergeJSON(current, patch)
	if err != nil {
		return Description{}, invalid("", "%v", err)
	}
	if err := t.CheckNew(m.deps, merged); err != nil {
		return Description{}, err
	}
	if err := conn.HandleStateUpdate(ctx, merged); err != nil {
		return Description{}, err
	}
	if err := m.deps.Store.SetState(ctx, roomID, conn.Type(), conn.StateKey(), merged); err != nil {
		// The live connection must not run on config that was never stored.
		if rerr := conn.HandleStateUpdate(ctx, current); rerr != nil {
			logging.Error("manager", "connection rollback failed", "connection", conn.ID(), "room", roomID, "error", rerr)
		}
		return Description{}, fmt.Errorf("persist connection: %w", err)
	}
	return conn.Describe(false), nil
}

// RemoveConnection tears down and deletes a connection.
func (m *Manager) RemoveConnection(ctx context.Context, roomID, userID, connectionID string) error {
	conn, ok := m.registry.GetByID(roomID, connectionID)
	if !ok {
		return ErrNotFound
	}
	if err := m.require(userID, conn.Service(), permissions.LevelManageConnections); err != nil {
		return err
	}
	if err := m.deps.Store.DeleteState(ctx, roomID, conn.Type(), conn.StateKey()); err != nil {
		return fmt.Errorf("delete connection state: %w", err)
	}
	return m.teardown(ctx, conn)
}

func (m *Manager) require(userID, service string, level permissions.Level) error {
	if m.perms == nil {
		return permissions.ErrPermissionDenied
	}
	return m.perms.Require(userID, service, level)
}

// mergeJSON applies a shallow JSON merge patch; null removes a key.
func mergeJSON(current, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]any{}
	if len(current) > 0 {
		if err := json.Unmarshal(current, &base); err != nil {
			return nil, fmt.Errorf("decode current state: %w", err)
		}
	}
	var delta map[string]any
	if err := json.Unmarshal(patch, &delta); err != nil {
		return nil, fmt.Errorf("decode patch: %w", err)
	}
	for k, v := range delta {
		if v == nil {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	return json.Marshal(base)
}

// FindHook returns the generic connection owning hookID.
func (m *Manager) FindHook(hookID string) (*GenericConnection, bool) {
	hookID = strings.TrimSpace(hookID)
	if hookID == "" {
		return nil, false
	}
	for _, conn := range m.registry.All() {
		if g, ok := conn.(*GenericConnection); ok && g.HookID() == hookID {
			return g, true
		}
	}
	return nil, false
}

// HandleGenericHook processes one generic hook request.
func (m *Manager) HandleGenericHook(ctx context.Context, req events.GenericHookRequest) events.GenericHookResponse {
	conn, ok := m.FindHook(req.HookID)
	if !ok {
		return events.GenericHookResponse{NotFound: true, Error: hookNotFound}
	}
	if conn.Expired() {
		return events.GenericHookResponse{NotFound: true, Error: ErrHookExpired.Error()}
	}
	if !conn.WaitForComplete() {
		go func() {
			if err := conn.HandleWebhook(context.WithoutCancel(ctx), req.Data); err != nil {
				logging.Warn("manager", "generic hook failed", "connection", conn.ID(), "room", conn.RoomID(), "error", err)
			}
		}()
		return events.GenericHookResponse{}
	}
	if err := conn.HandleWebhook(ctx, req.Data); err != nil {
		if errors.Is(err, ErrHookExpired) {
			return events.GenericHookResponse{NotFound: true, Error: err.Error()}
		}
		logging.Warn("manager", "generic hook failed", "connection", conn.ID(), "room", conn.RoomID(), "error", err)
		return events.GenericHookResponse{Successful: events.Bool(false), Error: hookFailed}
	}
	return events.GenericHookResponse{Successful: events.Bool(true)}
}

// ProviderEventNames lists every provider event the bridge listens for.
func ProviderEventNames() []string {
	out := make([]string, 0, len(GitHubEvents)+len(GitLabEvents))
	out = append(out, GitHubEvents...)
	return append(out, GitLabEvents...)
}

// Attach subscribes the bridge role to provider and generic hook events on
// b. The returned function removes the listeners.
func (m *Manager) Attach(b bus.MessageBus) (func(), error) {
	patterns := []string{events.ServiceGitHub + ".**", events.ServiceGitLab + ".**", events.GenericWebhook}
	for _, pattern := range patterns {
		if err := b.Subscribe(pattern); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", pattern, err)
		}
	}
	var offs []func()
	for _, name := range ProviderEventNames() {
		offs = append(offs, b.On(name, m.onProviderEnvelope))
	}
	offs = append(offs, b.On(events.GenericWebhook, func(ctx context.Context, env bus.Envelope) {
		m.onGenericHookEnvelope(ctx, b, env)
	}))
	return func() {
		for _, off := range offs {
			off()
		}
		for _, pattern := range patterns {
			_ = b.Unsubscribe(pattern)
		}
	}, nil
}

func (m *Manager) onProviderEnvelope(ctx context.Context, env bus.Envelope) {
	var ev ProviderEvent
	if err := env.Decode(&ev); err != nil {
		logging.Warn("manager", "dropping malformed provider event", "event", env.EventName, "error", err)
		return
	}
	ev.EventName = env.EventName
	if ev.Service == "" {
		ev.Service, _, _ = strings.Cut(env.EventName, ".")
	}
	report := m.dispatcher.DispatchProviderEvent(ctx, ev)
	logging.Debug("manager", "provider event dispatched", "event", ev.EventName, "matched", report.Matched, "failed", report.Failed)
}

func (m *Manager) onGenericHookEnvelope(ctx context.Context, b bus.MessageBus, env bus.Envelope) {
	var req events.GenericHookRequest
	resp := events.GenericHookResponse{Successful: events.Bool(false), Error: hookBadRequest}
	if err := env.Decode(&req); err == nil {
		resp = m.HandleGenericHook(ctx, req)
	} else {
		logging.Warn("manager", "malformed generic hook request", "error", err)
	}
	if err := bus.Respond(ctx, b, env, BusSender, resp, nil); err != nil {
		logging.Error("manager", "failed to respond to generic hook", "message_id", env.MessageID, "error", err)
	}
}
