package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/hookbridge/core/bridge/connections"
	"github.com/cordum/hookbridge/core/bridge/grants"
	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/bridge/sender"
	"github.com/cordum/hookbridge/core/bridge/webhooks"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/state"
)

type roomEvent struct {
	roomID    string
	eventType string
	content   sender.MessageContent
}

type recordingHomeserver struct {
	mu   sync.Mutex
	sent []roomEvent
}

func (h *recordingHomeserver) SendEvent(_ context.Context, roomID, eventType, _ string, content any) (string, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return "", err
	}
	var msg sender.MessageContent
	_ = json.Unmarshal(raw, &msg)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, roomEvent{roomID: roomID, eventType: eventType, content: msg})
	return "$sent", nil
}

func (h *recordingHomeserver) JoinRoom(context.Context, string, string) error { return nil }

func (h *recordingHomeserver) events() []roomEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]roomEvent(nil), h.sent...)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestGenericHookThroughTheBus runs an inbound hook request through the
// webhook server, the bridge role and the sender role on one local bus.
func TestGenericHookThroughTheBus(t *testing.T) {
	const (
		room  = "!room:example.org"
		admin = "@admin:example.org"
	)
	ctx := context.Background()
	b := bus.NewLocalBus(nil)
	t.Cleanup(func() { _ = b.Close() })

	cfg := &config.BridgeConfig{
		Generic: config.GenericConfig{Enabled: true, WaitForComplete: true},
		Webhook: config.WebhookConfig{RatePerSecond: 1000, Burst: 1000, MaxBodyBytes: 1 << 16, AwaitTimeout: "5s"},
	}
	cfgFn := func() *config.BridgeConfig { return cfg }
	clock := &manualClock{now: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}

	homeserver := &recordingHomeserver{}
	detachSender, err := sender.NewMatrixSender(homeserver).Attach(b)
	if err != nil {
		t.Fatalf("attach sender: %v", err)
	}
	t.Cleanup(detachSender)

	perms := permissions.NewEngine([]permissions.Rule{{
		Actor:    admin,
		Services: []permissions.ServiceLevel{{Service: permissions.AnyService, Level: permissions.LevelAdmin}},
	}}, nil)
	store := state.NewMemoryStore()
	checker := grants.NewChecker(store, nil, PermissionAccess(perms))
	messenger := sender.NewMessageClient(b, connections.BusSender, 5*time.Second)
	registry := connections.NewRegistry()
	deps := connections.Deps{Store: store, Messenger: messenger, Config: cfgFn, Now: clock.Now}
	manager := connections.NewManager(registry, connections.NewDispatcher(registry, perms, messenger, nil, 0), deps, checker, perms)
	detachBridge, err := manager.Attach(b)
	if err != nil {
		t.Fatalf("attach bridge: %v", err)
	}
	t.Cleanup(detachBridge)

	expiry := clock.Now().Add(2 * time.Hour).Format(time.RFC3339)
	content := json.RawMessage(`{"name":"deploys","expirationDate":"` + expiry + `"}`)
	if _, err := manager.CreateConnection(ctx, room, admin, connections.TypeGeneric, content); err != nil {
		t.Fatalf("create hook: %v", err)
	}
	conn, ok := registry.GetByID(room, "generic:deploys")
	if !ok {
		t.Fatalf("hook not registered")
	}
	hookID := conn.(*connections.GenericConnection).HookID()

	srv := httptest.NewServer(webhooks.New(b, cfgFn, nil, nil, nil).Handler())
	t.Cleanup(srv.Close)
	put := func() (int, string) {
		t.Helper()
		req, _ := http.NewRequest(http.MethodPut, srv.URL+"/webhook/"+hookID, strings.NewReader("Hello world"))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("put: %v", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, strings.TrimSpace(string(body))
	}

	if code, body := put(); code != http.StatusOK || body != `{"ok":true}` {
		t.Fatalf("live hook: %d %s", code, body)
	}
	sent := homeserver.events()
	if len(sent) != 1 {
		t.Fatalf("expected one message, got %+v", sent)
	}
	msg := sent[0]
	if msg.roomID != room || msg.eventType != "m.room.message" || msg.content.MsgType != sender.MsgTypeNotice || msg.content.Body != "Received webhook data: Hello world" {
		t.Fatalf("unexpected message %+v", msg)
	}

	clock.Advance(3 * time.Hour)
	if code, body := put(); code != http.StatusNotFound || body != `{"ok":false,"error":"This hook has expired"}` {
		t.Fatalf("expired hook: %d %s", code, body)
	}
	if got := len(homeserver.events()); got != 1 {
		t.Fatalf("expired hook must not post, got %d messages", got)
	}
}
