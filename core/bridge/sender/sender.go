// Package sender implements the chat-sending role and the bus client the
// bridge uses to reach it.
package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/matrix"
)

// BusSender identifies the sender role on the bus.
const BusSender = "hookbridge-sender"

// Homeserver is the subset of the Matrix client the sender needs.
type Homeserver interface {
	SendEvent(ctx context.Context, roomID, eventType, asUser string, content any) (string, error)
	JoinRoom(ctx context.Context, roomID, asUser string) error
}

// MatrixSender consumes matrix.message requests and sends them to the
// homeserver.
type MatrixSender struct {
	homeserver Homeserver
}

// NewMatrixSender returns a sender backed by homeserver.
func NewMatrixSender(homeserver Homeserver) *MatrixSender {
	return &MatrixSender{homeserver: homeserver}
}

// Attach subscribes the sender to b. The returned function detaches it.
func (s *MatrixSender) Attach(b bus.MessageBus) (func(), error) {
	if err := b.Subscribe(events.MatrixMessage); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", events.MatrixMessage, err)
	}
	off := b.On(events.MatrixMessage, func(ctx context.Context, env bus.Envelope) {
		s.handle(ctx, b, env)
	})
	return func() {
		off()
		_ = b.Unsubscribe(events.MatrixMessage)
	}, nil
}

func (s *MatrixSender) handle(ctx context.Context, b bus.MessageBus, env bus.Envelope) {
	var req events.MatrixMessageRequest
	var (
		resp    events.MatrixMessageResponse
		failure error
	)
	if err := env.Decode(&req); err != nil {
		failure = fmt.Errorf("malformed message request: %w", err)
	} else {
		resp.EventID, failure = s.Send(ctx, req)
	}
	if failure != nil {
		logging.Warn("sender", "failed to send message", "room", req.RoomID, "type", req.Type, "error", failure)
	}
	if err := bus.Respond(ctx, b, env, BusSender, resp, failure); err != nil {
		logging.Error("sender", "failed to respond", "message_id", env.MessageID, "error", err)
	}
}

// Send delivers one request. A virtual user that is not yet in the room is
// joined and the send retried once.
func (s *MatrixSender) Send(ctx context.Context, req events.MatrixMessageRequest) (string, error) {
	if strings.TrimSpace(req.RoomID) == "" {
		return "", errors.New("roomId is required")
	}
	if strings.TrimSpace(req.Type) == "" {
		return "", errors.New("type is required")
	}
	content := json.RawMessage(req.Content)
	if len(content) == 0 {
		content = json.RawMessage(`{}`)
	}
	eventID, err := s.homeserver.SendEvent(ctx, req.RoomID, req.Type, req.Sender, content)
	if err == nil || req.Sender == "" || !matrix.IsMatrixError(err, matrix.ErrCodeForbidden) {
		return eventID, err
	}
	logging.Info("sender", "joining room before retry", "room", req.RoomID, "user", req.Sender)
	if joinErr := s.homeserver.JoinRoom(ctx, req.RoomID, req.Sender); joinErr != nil {
		return "", fmt.Errorf("%w (join failed: %v)", err, joinErr)
	}
	return s.homeserver.SendEvent(ctx, req.RoomID, req.Type, req.Sender, content)
}
