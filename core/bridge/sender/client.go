package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/logging"
)

// Message types and formats of room messages.
const (
	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"
	FormatHTML    = "org.matrix.custom.html"

	eventTypeMessage  = "m.room.message"
	eventTypeReaction = "m.reaction"
)

const defaultSendTimeout = 30 * time.Second

// MessageContent is the content of an m.room.message event.
type MessageContent struct {
	MsgType       string `json:"msgtype"`
	Body          string `json:"body"`
	Format        string `json:"format,omitempty"`
	FormattedBody string `json:"formatted_body,omitempty"`
}

// MessageClient sends chat messages through the sender role. It is what
// connections use to talk to rooms.
type MessageClient struct {
	bus     bus.MessageBus
	source  string
	timeout time.Duration
}

// NewMessageClient returns a client publishing on b as source. A zero
// timeout selects the default.
func NewMessageClient(b bus.MessageBus, source string, timeout time.Duration) *MessageClient {
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &MessageClient{bus: b, source: source, timeout: timeout}
}

// SendText posts an m.text message. Empty html is rendered from text.
func (c *MessageClient) SendText(ctx context.Context, roomID, sender, text, html string) (string, error) {
	return c.SendMessage(ctx, roomID, sender, MsgTypeText, text, html)
}

// SendNotice posts an m.notice message. Empty html is rendered from text.
func (c *MessageClient) SendNotice(ctx context.Context, roomID, sender, text, html string) (string, error) {
	return c.SendMessage(ctx, roomID, sender, MsgTypeNotice, text, html)
}

// SendReaction annotates eventID with key as the bridge bot.
func (c *MessageClient) SendReaction(ctx context.Context, roomID, eventID, key string) (string, error) {
	content := map[string]any{
		"m.relates_to": map[string]any{
			"rel_type": "m.annotation",
			"event_id": eventID,
			"key":      key,
		},
	}
	return c.Send(ctx, roomID, "", eventTypeReaction, content)
}

// SendMessage posts an m.room.message with the given msgtype, such as
// m.emote. Empty html is rendered from text.
func (c *MessageClient) SendMessage(ctx context.Context, roomID, sender, msgType, text, html string) (string, error) {
	if msgType == "" {
		msgType = MsgTypeText
	}
	content := MessageContent{MsgType: msgType, Body: text}
	if html == "" {
		rendered, err := RenderMarkdown(text)
		if err != nil {
			logging.Warn("sender", "markdown render failed", "room", roomID, "error", err)
		}
		html = rendered
	}
	if html != "" {
		content.Format = FormatHTML
		content.FormattedBody = html
	}
	return c.Send(ctx, roomID, sender, eventTypeMessage, content)
}

// Send publishes one event for the sender role and waits for its event id.
func (c *MessageClient) Send(ctx context.Context, roomID, sender, eventType string, content any) (string, error) {
	if c == nil || c.bus == nil {
		return "", errors.New("sender: no message bus")
	}
	raw, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("sender: encode content: %w", err)
	}
	env, err := bus.NewEnvelope(events.MatrixMessage, c.source, events.MatrixMessageRequest{
		RoomID:  roomID,
		Sender:  sender,
		Type:    eventType,
		Content: raw,
	})
	if err != nil {
		return "", err
	}
	data, err := c.bus.PublishAndAwait(ctx, env, c.timeout)
	if err != nil {
		return "", fmt.Errorf("sender: send %s to %s: %w", eventType, roomID, err)
	}
	var resp events.MatrixMessageResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("sender: decode response: %w", err)
	}
	return resp.EventID, nil
}
