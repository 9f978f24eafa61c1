package appservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cordum/hookbridge/core/bridge/connections"
	"github.com/cordum/hookbridge/core/bridge/permissions"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/state"
)

const (
	hsToken  = "hs-secret"
	testRoom = "!room:example.org"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	msgs []connections.ChatMessage
}

func (d *recordingDispatcher) DispatchChatMessage(_ context.Context, msg connections.ChatMessage) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgs = append(d.msgs, msg)
	return true
}

type stateCall struct {
	roomID, eventType, stateKey, sender string
}

type recordingStates struct {
	calls []stateCall
}

func (s *recordingStates) OnStateEvent(_ context.Context, roomID, eventType, stateKey, sender string) error {
	s.calls = append(s.calls, stateCall{roomID, eventType, stateKey, sender})
	return nil
}

type fixture struct {
	server     *Server
	handler    http.Handler
	store      *state.MemoryStore
	dispatcher *recordingDispatcher
	states     *recordingStates
	members    *permissions.Members
}

func newFixture() *fixture {
	cfg := &config.BridgeConfig{Bridge: config.BridgeSection{
		Domain:      "example.org",
		HSToken:     hsToken,
		BotUsername: "hookbridge",
		UserPrefix:  "_hookbridge_",
	}}
	f := &fixture{
		store:      state.NewMemoryStore(),
		dispatcher: &recordingDispatcher{},
		states:     &recordingStates{},
		members:    permissions.NewMembers(),
	}
	f.server = New(Options{
		Config:     func() *config.BridgeConfig { return cfg },
		Store:      f.store,
		Dispatcher: f.dispatcher,
		States:     f.states,
		Members:    f.members,
	})
	f.handler = f.server.Handler()
	return f
}

func (f *fixture) push(t *testing.T, path, token string, txn Transaction) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(txn)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPut, path, strings.NewReader(string(body)))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func ptr(s string) *string { return &s }

func TestTransactionAuth(t *testing.T) {
	f := newFixture()
	if rec := f.push(t, "/_matrix/app/v1/transactions/1", "", Transaction{}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	rec := f.push(t, "/_matrix/app/v1/transactions/1", "wrong", Transaction{})
	if rec.Code != http.StatusForbidden || !strings.Contains(rec.Body.String(), "M_FORBIDDEN") {
		t.Fatalf("bad token: expected 403 M_FORBIDDEN, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.push(t, "/_matrix/app/v1/transactions/1", hsToken, Transaction{}); rec.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPut, "/transactions/2?access_token="+hsToken, strings.NewReader(`{"events":[]}`))
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("legacy path with query token: expected 200, got %d", rec.Code)
	}
}

func TestTransactionRoutesEvents(t *testing.T) {
	f := newFixture()
	txn := Transaction{Events: []Event{
		{Type: "m.room.message", RoomID: testRoom, Sender: "@alice:example.org", EventID: "$1",
			Content: json.RawMessage(`{"msgtype":"m.text","body":"!gh status"}`)},
		{Type: "m.room.message", RoomID: testRoom, Sender: "@alice:example.org", EventID: "$2",
			Content: json.RawMessage(`{"msgtype":"m.notice","body":"ignored notice"}`)},
		{Type: "m.room.message", RoomID: testRoom, Sender: "@_hookbridge_gh:example.org", EventID: "$3",
			Content: json.RawMessage(`{"msgtype":"m.text","body":"from a puppet"}`)},
		{Type: connections.TypeGitHubRepo, RoomID: testRoom, Sender: "@alice:example.org", EventID: "$4",
			StateKey: ptr("acme/widgets"), Content: json.RawMessage(`{"org":"acme","repo":"widgets"}`)},
		{Type: "m.room.topic", RoomID: testRoom, Sender: "@alice:example.org", EventID: "$5",
			StateKey: ptr(""), Content: json.RawMessage(`{"topic":"x"}`)},
		{Type: "m.room.member", RoomID: testRoom, Sender: "@bob:example.org", EventID: "$6",
			StateKey: ptr("@bob:example.org"), Content: json.RawMessage(`{"membership":"join"}`)},
	}}
	if rec := f.push(t, "/_matrix/app/v1/transactions/t1", hsToken, txn); rec.Code != http.StatusOK {
		t.Fatalf("unexpected code %d", rec.Code)
	}

	if len(f.dispatcher.msgs) != 1 || f.dispatcher.msgs[0].Body != "!gh status" || f.dispatcher.msgs[0].EventID != "$1" {
		t.Fatalf("unexpected dispatched messages %+v", f.dispatcher.msgs)
	}
	if len(f.states.calls) != 1 || f.states.calls[0] != (stateCall{testRoom, connections.TypeGitHubRepo, "acme/widgets", "@alice:example.org"}) {
		t.Fatalf("unexpected state calls %+v", f.states.calls)
	}
	raw, err := f.store.GetState(context.Background(), testRoom, connections.TypeGitHubRepo, "acme/widgets")
	if err != nil || !strings.Contains(string(raw), `"repo":"widgets"`) {
		t.Fatalf("state not stored: %s %v", raw, err)
	}
	if _, err := f.store.GetState(context.Background(), testRoom, "m.room.topic", ""); err == nil {
		t.Fatalf("unrelated state must not be stored")
	}
	if !f.members.Contains(testRoom, "@bob:example.org") {
		t.Fatalf("membership not applied")
	}
}

func TestTransactionDeduplicated(t *testing.T) {
	f := newFixture()
	txn := Transaction{Events: []Event{{Type: "m.room.message", RoomID: testRoom, Sender: "@alice:example.org", EventID: "$1",
		Content: json.RawMessage(`{"msgtype":"m.text","body":"hi"}`)}}}
	for i := 0; i < 2; i++ {
		if rec := f.push(t, "/_matrix/app/v1/transactions/same", hsToken, txn); rec.Code != http.StatusOK {
			t.Fatalf("unexpected code %d", rec.Code)
		}
	}
	if len(f.dispatcher.msgs) != 1 {
		t.Fatalf("duplicate transaction processed twice: %d", len(f.dispatcher.msgs))
	}
}

func TestTransactionRejectsMalformedBody(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodPut, "/_matrix/app/v1/transactions/x", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+hsToken)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestUserQuery(t *testing.T) {
	f := newFixture()
	cases := map[string]int{
		"@_hookbridge_gh:example.org": http.StatusOK,
		"@hookbridge:example.org":     http.StatusOK,
		"@alice:example.org":          http.StatusNotFound,
	}
	for user, code := range cases {
		req := httptest.NewRequest(http.MethodGet, "/_matrix/app/v1/users/"+user, nil)
		req.Header.Set("Authorization", "Bearer "+hsToken)
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)
		if rec.Code != code {
			t.Fatalf("%s: expected %d, got %d", user, code, rec.Code)
		}
	}
}
