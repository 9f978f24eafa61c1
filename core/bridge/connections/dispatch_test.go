package connections

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cordum/hookbridge/core/bridge/permissions"
)

type countingMetrics struct {
	mu       sync.Mutex
	dispatch map[string]int
	commands map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{dispatch: map[string]int{}, commands: map[string]int{}}
}

func (m *countingMetrics) IncDispatch(_, outcome string) {
	m.mu.Lock()
	m.dispatch[outcome]++
	m.mu.Unlock()
}

func (m *countingMetrics) IncCommand(_, outcome string) {
	m.mu.Lock()
	m.commands[outcome]++
	m.mu.Unlock()
}

func TestDispatchProviderEventIsolatesFailures(t *testing.T) {
	reg := NewRegistry()
	all := func(string, string) bool { return true }
	healthy := &stubConn{id: Identity{RoomID: testRoom, Type: "t", StateKey: "ok"}, connID: "ok", service: "github", interest: all}
	failing := &stubConn{id: Identity{RoomID: testRoom, Type: "t", StateKey: "err"}, connID: "err", service: "github", interest: all,
		handle: func(context.Context, ProviderEvent) error { return errors.New("boom") }}
	panicking := &stubConn{id: Identity{RoomID: testRoom, Type: "t", StateKey: "panic"}, connID: "panic", service: "github", interest: all,
		handle: func(context.Context, ProviderEvent) error { panic("kaboom") }}
	skipping := &stubConn{id: Identity{RoomID: testRoom, Type: "t", StateKey: "skip"}, connID: "skip", service: "github", interest: all,
		handle: func(context.Context, ProviderEvent) error { return ErrNotHandled }}
	for _, c := range []*stubConn{healthy, failing, panicking, skipping} {
		reg.Insert(c)
	}
	metrics := newCountingMetrics()
	d := NewDispatcher(reg, nil, &stubMessenger{}, metrics, 2)

	report := d.DispatchProviderEvent(context.Background(), ProviderEvent{Service: "github", EventName: "github.push", RoutingKey: "acme/widgets"})
	if report.Matched != 4 || report.Failed != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	for _, c := range []*stubConn{healthy, failing, panicking, skipping} {
		if c.handledCount() != 1 {
			t.Fatalf("connection %s handled %d events", c.connID, c.handledCount())
		}
	}
	if metrics.dispatch[OutcomeOK] != 1 || metrics.dispatch[OutcomeError] != 1 || metrics.dispatch[OutcomePanic] != 1 || metrics.dispatch[OutcomeSkipped] != 1 {
		t.Fatalf("unexpected dispatch outcomes %v", metrics.dispatch)
	}
}

func TestDispatchProviderEventNoMatches(t *testing.T) {
	d := NewDispatcher(NewRegistry(), nil, nil, nil, 0)
	if report := d.DispatchProviderEvent(context.Background(), ProviderEvent{Service: "github", EventName: "github.push"}); report.Matched != 0 {
		t.Fatalf("expected no matches, got %+v", report)
	}
}

func commandConn(run func(context.Context, CommandRequest) (string, error)) *stubConn {
	return &stubConn{
		id:      Identity{RoomID: testRoom, Type: "t", StateKey: "cmd"},
		connID:  "cmd",
		service: "github",
		prefix:  "!gh",
		commands: map[string]Command{
			"status": {Level: permissions.LevelCommands, Run: run},
			"ignore": {Level: permissions.LevelManageConnections, Run: run},
		},
	}
}

func commandEngine() *permissions.Engine {
	return permissions.NewEngine([]permissions.Rule{
		{Actor: "*", Services: []permissions.ServiceLevel{{Service: permissions.AnyService, Level: permissions.LevelCommands}}},
		{Actor: "@admin:example.org", Services: []permissions.ServiceLevel{{Service: "github", Level: permissions.LevelAdmin}}},
	}, nil)
}

func TestDispatchChatMessageCommands(t *testing.T) {
	cases := []struct {
		name     string
		sender   string
		body     string
		run      func(context.Context, CommandRequest) (string, error)
		handled  bool
		notice   string
		reaction string
	}{
		{
			name:     "success",
			sender:   "@bob:example.org",
			body:     "!gh status",
			run:      func(context.Context, CommandRequest) (string, error) { return "", nil },
			handled:  true,
			reaction: ReactionSuccess,
		},
		{
			name:     "custom reaction",
			sender:   "@bob:example.org",
			body:     "!gh status",
			run:      func(context.Context, CommandRequest) (string, error) { return "👀", nil },
			handled:  true,
			reaction: "👀",
		},
		{
			name:     "denied",
			sender:   "@bob:example.org",
			body:     "!gh ignore push",
			run:      func(context.Context, CommandRequest) (string, error) { t.Fatalf("denied command ran"); return "", nil },
			handled:  true,
			notice:   noticeDenied,
			reaction: ReactionDenied,
		},
		{
			name:     "failed",
			sender:   "@admin:example.org",
			body:     "!gh ignore push",
			run:      func(context.Context, CommandRequest) (string, error) { return "", humanError("repo is archived") },
			handled:  true,
			notice:   "Failed to handle command: repo is archived",
			reaction: ReactionFailed,
		},
		{
			name:     "panicking",
			sender:   "@admin:example.org",
			body:     "!gh status",
			run:      func(context.Context, CommandRequest) (string, error) { panic("bad") },
			handled:  true,
			notice:   noticeFailed,
			reaction: ReactionFailed,
		},
		{
			name:    "unknown command",
			sender:  "@admin:example.org",
			body:    "!gh frobnicate",
			run:     func(context.Context, CommandRequest) (string, error) { return "", nil },
			handled: false,
		},
		{
			name:    "plain chat",
			sender:  "@admin:example.org",
			body:    "hello everyone",
			run:     func(context.Context, CommandRequest) (string, error) { return "", nil },
			handled: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			reg.Insert(commandConn(tc.run))
			messenger := &stubMessenger{}
			d := NewDispatcher(reg, commandEngine(), messenger, nil, 0)
			handled := d.DispatchChatMessage(context.Background(), ChatMessage{RoomID: testRoom, EventID: "$msg", Sender: tc.sender, Body: tc.body})
			if handled != tc.handled {
				t.Fatalf("handled = %v, want %v", handled, tc.handled)
			}
			msgs, reactions := messenger.snapshot()
			if tc.notice == "" && len(msgs) != 0 {
				t.Fatalf("unexpected notices %+v", msgs)
			}
			if tc.notice != "" && (len(msgs) != 1 || msgs[0].text != tc.notice || msgs[0].kind != "notice") {
				t.Fatalf("unexpected notices %+v", msgs)
			}
			if tc.reaction == "" && len(reactions) != 0 {
				t.Fatalf("unexpected reactions %v", reactions)
			}
			if tc.reaction != "" && (len(reactions) != 1 || reactions[0] != tc.reaction) {
				t.Fatalf("unexpected reactions %v", reactions)
			}
		})
	}
}

func TestDispatchChatMessageWithoutPermissionsDenies(t *testing.T) {
	reg := NewRegistry()
	ran := false
	reg.Insert(commandConn(func(context.Context, CommandRequest) (string, error) { ran = true; return "", nil }))
	messenger := &stubMessenger{}
	d := NewDispatcher(reg, nil, messenger, nil, 0)
	if !d.DispatchChatMessage(context.Background(), ChatMessage{RoomID: testRoom, EventID: "$m", Sender: "@x:y", Body: "!gh status"}) {
		t.Fatalf("command should be handled")
	}
	if ran {
		t.Fatalf("command must not run without a permission engine")
	}
	if _, reactions := messenger.snapshot(); len(reactions) != 1 || reactions[0] != ReactionDenied {
		t.Fatalf("expected denial reaction, got %v", reactions)
	}
}
