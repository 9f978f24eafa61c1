package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ResponsePrefix is prepended to an event name to form the name of its
// correlated response.
const ResponsePrefix = "response."

// DefaultAwaitTimeout bounds PublishAndAwait when the caller passes zero.
const DefaultAwaitTimeout = 30 * time.Second

var (
	// ErrTimeout is returned by PublishAndAwait when no response arrives in time.
	ErrTimeout = errors.New("timeout waiting for message queue response")
	// ErrClosed is returned when publishing on a closed bus.
	ErrClosed = errors.New("message bus closed")
	// ErrDuplicateMessageID is returned when a messageId already has a pending waiter.
	ErrDuplicateMessageID = errors.New("message id already awaiting a response")

	errEmptyEventName = errors.New("empty event name")
	errNilHandler     = errors.New("nil handler")
	errBadPattern     = errors.New("invalid subscription pattern")
)

// RemoteError carries a failure reported by the responder of a request.
type RemoteError struct {
	EventName string
	MessageID string
	Message   string
}

func (e *RemoteError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("remote failure for %s (%s): %s", e.EventName, e.MessageID, e.Message)
}

// Envelope is one unit on the bus.
type Envelope struct {
	EventName string          `json:"eventName"`
	Sender    string          `json:"sender"`
	Data      json.RawMessage `json:"data,omitempty"`
	MessageID string          `json:"messageId"`
	SentAt    int64           `json:"ts"`
	// Error is only set on response envelopes.
	Error string `json:"error,omitempty"`
}

// NewEnvelope marshals data into an envelope for the given event.
func NewEnvelope(eventName, sender string, data any) (Envelope, error) {
	env := Envelope{EventName: eventName, Sender: sender}
	if data == nil {
		return env, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		env.Data = raw
		return env, nil
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventName, err)
	}
	env.Data = encoded
	return env, nil
}

// Decode unmarshals the envelope payload into out.
func (e Envelope) Decode(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.EventName)
	}
	if err := json.Unmarshal(e.Data, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", e.EventName, err)
	}
	return nil
}

// ResponseName returns the event name a responder replies on.
func ResponseName(eventName string) string {
	return ResponsePrefix + eventName
}

// prepare validates the envelope and fills in the correlation id and timestamp.
func prepare(env Envelope) (Envelope, error) {
	env.EventName = strings.TrimSpace(env.EventName)
	if env.EventName == "" {
		return Envelope{}, errEmptyEventName
	}
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	if env.SentAt == 0 {
		env.SentAt = time.Now().UnixMilli()
	}
	return env, nil
}

// family returns the first segment of an event name, used as a bounded
// metrics label.
func family(eventName string) string {
	name := strings.TrimPrefix(eventName, ResponsePrefix)
	if idx := strings.Index(name, segmentSeparator); idx > 0 {
		name = name[:idx]
	}
	if strings.HasPrefix(eventName, ResponsePrefix) {
		return "response." + name
	}
	return name
}
