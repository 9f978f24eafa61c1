package connections

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/state"
)

type sentMessage struct {
	kind   string
	roomID string
	text   string
	html   string
}

type stubMessenger struct {
	mu        sync.Mutex
	messages  []sentMessage
	reactions []string
	fail      error
}

func (s *stubMessenger) record(m sentMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return "", s.fail
	}
	s.messages = append(s.messages, m)
	return "$evt", nil
}

func (s *stubMessenger) SendText(_ context.Context, roomID, _, text, html string) (string, error) {
	return s.record(sentMessage{kind: "text", roomID: roomID, text: text, html: html})
}

func (s *stubMessenger) SendNotice(_ context.Context, roomID, _, text, html string) (string, error) {
	return s.record(sentMessage{kind: "notice", roomID: roomID, text: text, html: html})
}

func (s *stubMessenger) SendMessage(_ context.Context, roomID, _, msgType, text, html string) (string, error) {
	kind := msgType
	switch msgType {
	case "m.text":
		kind = "text"
	case "m.notice":
		kind = "notice"
	}
	return s.record(sentMessage{kind: kind, roomID: roomID, text: text, html: html})
}

func (s *stubMessenger) SendReaction(_ context.Context, _, _, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reactions = append(s.reactions, key)
	return "$react", nil
}

func (s *stubMessenger) snapshot() ([]sentMessage, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sentMessage(nil), s.messages...), append([]string(nil), s.reactions...)
}

func (s *stubMessenger) waitForMessages(t *testing.T, n int) []sentMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs, _ := s.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	msgs, _ := s.snapshot()
	t.Fatalf("expected %d messages, got %d", n, len(msgs))
	return nil
}

// stubConn is a configurable Connection for registry and dispatch tests.
type stubConn struct {
	id       Identity
	connID   string
	service  string
	priority int
	interest func(eventName, routingKey string) bool
	handle   func(ctx context.Context, ev ProviderEvent) error
	prefix   string
	commands map[string]Command

	mu      sync.Mutex
	handled []string
	closed  bool
	removed bool
}

func (c *stubConn) ID() string       { return c.connID }
func (c *stubConn) Type() string     { return c.id.Type }
func (c *stubConn) Service() string  { return c.service }
func (c *stubConn) RoomID() string   { return c.id.RoomID }
func (c *stubConn) StateKey() string { return c.id.StateKey }
func (c *stubConn) Priority() int    { return c.priority }

func (c *stubConn) InterestedIn(eventName, routingKey string) bool {
	if c.interest == nil {
		return false
	}
	return c.interest(eventName, routingKey)
}

func (c *stubConn) HandleProviderEvent(ctx context.Context, ev ProviderEvent) error {
	c.mu.Lock()
	c.handled = append(c.handled, ev.EventName)
	c.mu.Unlock()
	if c.handle != nil {
		return c.handle(ctx, ev)
	}
	return nil
}

func (c *stubConn) HandleChatMessage(context.Context, ChatMessage) (bool, error) {
	return false, ErrNotHandled
}

func (c *stubConn) CommandPrefix() string        { return c.prefix }
func (c *stubConn) Commands() map[string]Command { return c.commands }

func (c *stubConn) HandleStateUpdate(context.Context, json.RawMessage) error {
	return errors.New("not supported")
}

func (c *stubConn) OnRemove(context.Context) error {
	c.mu.Lock()
	c.removed = true
	c.mu.Unlock()
	return nil
}

func (c *stubConn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *stubConn) Describe(bool) Description {
	return Description{ID: c.connID, Type: c.id.Type, RoomID: c.id.RoomID, StateKey: c.id.StateKey}
}

func (c *stubConn) handledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handled)
}

func (c *stubConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

const testRoom = "!room:example.org"

func testDeps(store state.Store, messenger Messenger, cfg *config.BridgeConfig) Deps {
	if cfg == nil {
		cfg = &config.BridgeConfig{}
	}
	return Deps{
		Store:     store,
		Messenger: messenger,
		Config:    func() *config.BridgeConfig { return cfg },
	}
}

func adminEngine(users ...string) *permissions.Engine {
	rules := make([]permissions.Rule, 0, len(users))
	for _, u := range users {
		rules = append(rules, permissions.Rule{Actor: u, Services: []permissions.ServiceLevel{{Service: permissions.AnyService, Level: permissions.LevelAdmin}}})
	}
	return permissions.NewEngine(rules, nil)
}
