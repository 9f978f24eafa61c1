// Package connections owns the live connection instances of every room and
// routes provider events and chat commands to them.
package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/cordum/hookbridge/core/bridge/events"
)

var (
	// ErrNotHandled is returned by a connection for a capability it lacks.
	ErrNotHandled = errors.New("not handled")
	// ErrNotFound is returned when no connection matches a lookup.
	ErrNotFound = errors.New("connection not found")
	// ErrExists is returned when creating a connection whose identity is taken.
	ErrExists = errors.New("connection already exists")
	// ErrUnknownType is returned for an unrecognized connection event type.
	ErrUnknownType = errors.New("unknown connection type")
)

// ValidationError rejects a connection configuration. The previous
// configuration of an existing connection stays in force.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid configuration: " + e.Message
	}
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Identity names one connection. Exactly one live instance exists per
// identity.
type Identity struct {
	RoomID   string
	Type     string
	StateKey string
}

func (id Identity) String() string {
	return id.RoomID + "/" + id.Type + "/" + id.StateKey
}

// ProviderEvent is a normalized provider webhook event.
type ProviderEvent = events.ProviderEvent

// ChatMessage is a message posted in a room.
type ChatMessage struct {
	RoomID  string
	EventID string
	Sender  string
	Body    string
}

// Description is the provisioning view of a connection.
type Description struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Service  string         `json:"service"`
	RoomID   string         `json:"roomId"`
	StateKey string         `json:"stateKey"`
	Priority int            `json:"priority,omitempty"`
	Config   map[string]any `json:"config"`
	Secrets  map[string]any `json:"secrets,omitempty"`
}

// Connection binds one room to one external resource. Every method is
// present; a connection without a capability returns ErrNotHandled, false
// or an empty value.
type Connection interface {
	ID() string
	Type() string
	Service() string
	RoomID() string
	StateKey() string
	Priority() int

	InterestedIn(eventName, routingKey string) bool
	HandleProviderEvent(ctx context.Context, ev ProviderEvent) error
	HandleChatMessage(ctx context.Context, msg ChatMessage) (bool, error)

	CommandPrefix() string
	Commands() map[string]Command

	// HandleStateUpdate validates and applies new configuration, or returns
	// a *ValidationError leaving the prior state intact.
	HandleStateUpdate(ctx context.Context, content json.RawMessage) error
	// OnRemove reverses external side effects on explicit removal.
	OnRemove(ctx context.Context) error
	// Close releases in-memory resources before the instance is replaced.
	Close()
	Describe(withSecrets bool) Description
}

func identityOf(c Connection) Identity {
	return Identity{RoomID: c.RoomID(), Type: c.Type(), StateKey: c.StateKey()}
}

// Messenger sends chat messages on behalf of connections.
type Messenger interface {
	SendText(ctx context.Context, roomID, sender, text, html string) (string, error)
	SendNotice(ctx context.Context, roomID, sender, text, html string) (string, error)
	SendReaction(ctx context.Context, roomID, eventID, key string) (string, error)
	SendMessage(ctx context.Context, roomID, sender, msgType, text, html string) (string, error)
}

// decodeState unmarshals connection state, mapping JSON errors to
// ValidationError.
func decodeState(content json.RawMessage, out any) error {
	if len(strings.TrimSpace(string(content))) == 0 {
		return invalid("", "empty state")
	}
	if err := json.Unmarshal(content, out); err != nil {
		return invalid("", "%v", err)
	}
	return nil
}

// isEmptyState reports whether content is absent or an empty object, which
// marks a removed connection.
func isEmptyState(content json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(content))
	if trimmed == "" || trimmed == "null" {
		return true
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(content, &m); err != nil {
		return false
	}
	return len(m) == 0
}

// toMap converts a state struct to a generic map for descriptions.
func toMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	_ = json.Unmarshal(raw, &out)
	return out
}
