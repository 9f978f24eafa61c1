package sender

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/matrix"
)

type sentEvent struct {
	roomID    string
	eventType string
	asUser    string
	content   json.RawMessage
}

type stubHomeserver struct {
	mu      sync.Mutex
	sent    []sentEvent
	joined  map[string]bool
	strict  bool
	failAll error
}

func (h *stubHomeserver) SendEvent(_ context.Context, roomID, eventType, asUser string, content any) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.failAll != nil {
		return "", h.failAll
	}
	if h.strict && asUser != "" && !h.joined[asUser] {
		return "", &matrix.MatrixError{Code: matrix.ErrCodeForbidden, Message: "not in room", StatusCode: 403}
	}
	raw, _ := json.Marshal(content)
	h.sent = append(h.sent, sentEvent{roomID: roomID, eventType: eventType, asUser: asUser, content: raw})
	return "$event" + string(rune('0'+len(h.sent))), nil
}

func (h *stubHomeserver) JoinRoom(_ context.Context, _ string, asUser string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.joined == nil {
		h.joined = map[string]bool{}
	}
	h.joined[asUser] = true
	return nil
}

func (h *stubHomeserver) events() []sentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sentEvent(nil), h.sent...)
}

func attached(t *testing.T, hs *stubHomeserver) (*MessageClient, func()) {
	t.Helper()
	b := bus.NewLocalBus(nil)
	detach, err := NewMatrixSender(hs).Attach(b)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return NewMessageClient(b, "test", 2*time.Second), func() {
		detach()
		_ = b.Close()
	}
}

func TestMessageClientSendsNoticeWithRenderedHTML(t *testing.T) {
	hs := &stubHomeserver{}
	client, done := attached(t, hs)
	defer done()

	eventID, err := client.SendNotice(context.Background(), "!room:example.org", "", "**octocat** opened an issue", "")
	if err != nil {
		t.Fatalf("send notice: %v", err)
	}
	if eventID != "$event1" {
		t.Fatalf("unexpected event id %q", eventID)
	}
	sent := hs.events()
	if len(sent) != 1 || sent[0].eventType != "m.room.message" || sent[0].roomID != "!room:example.org" {
		t.Fatalf("unexpected events %+v", sent)
	}
	var content MessageContent
	if err := json.Unmarshal(sent[0].content, &content); err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if content.MsgType != MsgTypeNotice || content.Body != "**octocat** opened an issue" {
		t.Fatalf("unexpected content %+v", content)
	}
	if content.Format != FormatHTML || content.FormattedBody != "<p><strong>octocat</strong> opened an issue</p>" {
		t.Fatalf("unexpected html %+v", content)
	}
}

func TestMessageClientKeepsExplicitHTML(t *testing.T) {
	hs := &stubHomeserver{}
	client, done := attached(t, hs)
	defer done()

	if _, err := client.SendText(context.Background(), "!room:example.org", "@_hookbridge_bot:example.org", "plain", "<b>rich</b>"); err != nil {
		t.Fatalf("send text: %v", err)
	}
	sent := hs.events()
	var content MessageContent
	_ = json.Unmarshal(sent[0].content, &content)
	if content.MsgType != MsgTypeText || content.FormattedBody != "<b>rich</b>" || sent[0].asUser != "@_hookbridge_bot:example.org" {
		t.Fatalf("unexpected send %+v %+v", sent[0], content)
	}
}

func TestMessageClientReaction(t *testing.T) {
	hs := &stubHomeserver{}
	client, done := attached(t, hs)
	defer done()

	if _, err := client.SendReaction(context.Background(), "!room:example.org", "$cmd", "✅"); err != nil {
		t.Fatalf("react: %v", err)
	}
	sent := hs.events()
	if len(sent) != 1 || sent[0].eventType != "m.reaction" {
		t.Fatalf("unexpected events %+v", sent)
	}
	if !strings.Contains(string(sent[0].content), `"rel_type":"m.annotation"`) || !strings.Contains(string(sent[0].content), `"event_id":"$cmd"`) {
		t.Fatalf("unexpected reaction content %s", sent[0].content)
	}
}

func TestMessageClientReportsRemoteFailure(t *testing.T) {
	hs := &stubHomeserver{failAll: errors.New("homeserver unavailable")}
	client, done := attached(t, hs)
	defer done()

	_, err := client.SendNotice(context.Background(), "!room:example.org", "", "hi", "")
	var remote *bus.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Message, "homeserver unavailable") {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestMessageClientTimesOutWithoutSender(t *testing.T) {
	b := bus.NewLocalBus(nil)
	defer b.Close()
	client := NewMessageClient(b, "test", 50*time.Millisecond)
	if _, err := client.SendNotice(context.Background(), "!room:example.org", "", "hi", ""); !errors.Is(err, bus.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
}

func TestMatrixSenderJoinsAndRetries(t *testing.T) {
	hs := &stubHomeserver{strict: true}
	s := NewMatrixSender(hs)
	req := events.MatrixMessageRequest{
		RoomID:  "!room:example.org",
		Sender:  "@_hookbridge_gh:example.org",
		Type:    "m.room.message",
		Content: json.RawMessage(`{"msgtype":"m.notice","body":"hi"}`),
	}
	eventID, err := s.Send(context.Background(), req)
	if err != nil || eventID == "" {
		t.Fatalf("send: %q %v", eventID, err)
	}
	if !hs.joined["@_hookbridge_gh:example.org"] {
		t.Fatalf("virtual user should have joined")
	}

	req.Sender = ""
	hs.strict = false
	if _, err := s.Send(context.Background(), req); err != nil {
		t.Fatalf("bot send: %v", err)
	}
}

func TestMatrixSenderValidatesRequests(t *testing.T) {
	s := NewMatrixSender(&stubHomeserver{})
	if _, err := s.Send(context.Background(), events.MatrixMessageRequest{Type: "m.room.message"}); err == nil {
		t.Fatalf("expected missing room error")
	}
	if _, err := s.Send(context.Background(), events.MatrixMessageRequest{RoomID: "!r:x"}); err == nil {
		t.Fatalf("expected missing type error")
	}
}

func TestRenderMarkdown(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"plain":               "<p>plain</p>",
		"[link](https://x.y)": `<p><a href="https://x.y">link</a></p>`,
		"`code`":              "<p><code>code</code></p>",
	}
	for input, want := range cases {
		got, err := RenderMarkdown(input)
		if err != nil || got != want {
			t.Fatalf("RenderMarkdown(%q) = %q, %v; want %q", input, got, err, want)
		}
	}
	got, _ := RenderMarkdown("<script>alert(1)</script>")
	if strings.Contains(got, "<script>") {
		t.Fatalf("raw html must not pass through: %q", got)
	}
}
