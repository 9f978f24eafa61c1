package connections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/bridge/sandbox"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/state"
)

// TypeGeneric is the state event type of generic webhook connections.
const TypeGeneric = "org.hookbridge.generic.hook"

// HookIDKeyPrefix prefixes the account data key holding a hook's secret id.
const HookIDKeyPrefix = "org.hookbridge.generic.hookid."

// ErrHookExpired is returned for requests to a hook past its expiration date.
var ErrHookExpired = errors.New("This hook has expired")

const (
	noticeTransformFailed = "Webhook received but failed to process via transformation function"
	receivedDataPrefix    = "Received webhook data: "
	msgTypeNotice         = "m.notice"
)

// GenericState is the persisted configuration.
type GenericState struct {
	Name                   string `json:"name"`
	TransformationFunction string `json:"transformationFunction,omitempty"`
	WaitForComplete        *bool  `json:"waitForComplete,omitempty"`
	ExpirationDate         string `json:"expirationDate,omitempty"`
	Priority               int    `json:"priority,omitempty"`
}

type parsedGeneric struct {
	state     GenericState
	script    *sandbox.Script
	expiresAt time.Time
}

func parseGeneric(stateKey string, content json.RawMessage) (parsedGeneric, error) {
	var s GenericState
	if err := decodeState(content, &s); err != nil {
		return parsedGeneric{}, err
	}
	if strings.TrimSpace(s.Name) == "" {
		return parsedGeneric{}, invalid("name", "must not be empty")
	}
	out := parsedGeneric{state: s}
	if s.ExpirationDate != "" {
		t, err := time.Parse(time.RFC3339, s.ExpirationDate)
		if err != nil {
			return parsedGeneric{}, invalid("expirationDate", "must be an RFC 3339 timestamp")
		}
		out.expiresAt = t
	}
	if strings.TrimSpace(s.TransformationFunction) != "" {
		script, err := sandbox.Compile("hook:"+stateKey, s.TransformationFunction)
		if err != nil {
			return parsedGeneric{}, invalid("transformationFunction", "%v", err)
		}
		out.script = script
	}
	return out, nil
}

// checkGenericNew applies the rules for freshly submitted configuration:
// an expiration date must lie in the future and within the configured
// maximum.
func checkGenericNew(deps Deps, content json.RawMessage) error {
	parsed, err := parseGeneric("new", content)
	if err != nil {
		return err
	}
	cfg := deps.Config()
	if parsed.script != nil && (cfg == nil || !cfg.Generic.AllowTransformationFunctions) {
		return invalid("transformationFunction", "transformation functions are not allowed")
	}
	if parsed.expiresAt.IsZero() {
		return nil
	}
	now := deps.Now()
	if !parsed.expiresAt.After(now) {
		return invalid("expirationDate", "must be in the future")
	}
	if cfg != nil {
		if maxExpiry := cfg.Generic.MaxExpiry(); maxExpiry > 0 && parsed.expiresAt.After(now.Add(maxExpiry)) {
			return invalid("expirationDate", "must be within %s", maxExpiry)
		}
	}
	return nil
}

func init() {
	registerType(&Type{
		EventType:  TypeGeneric,
		Service:    events.ServiceGeneric,
		Name:       "Generic webhook",
		schemaFile: "schema/generic.schema.json",
		stateKey: func(content json.RawMessage) (string, error) {
			var s GenericState
			if err := decodeState(content, &s); err != nil {
				return "", err
			}
			return strings.TrimSpace(s.Name), nil
		},
		connectionID: func(stateKey string, _ json.RawMessage) (string, error) {
			return "generic:" + stateKey, nil
		},
		checkNew: checkGenericNew,
		build: func(ctx context.Context, deps Deps, roomID, stateKey string, content json.RawMessage) (Connection, error) {
			return NewGenericConnection(ctx, deps, roomID, stateKey, content)
		},
	})
}

// GenericConnection posts data received on a secret hook URL.
type GenericConnection struct {
	deps     Deps
	roomID   string
	stateKey string
	hookID   string

	mu        sync.RWMutex
	state     GenericState
	script    *sandbox.Script
	expiresAt time.Time
	closed    atomic.Bool
}

// NewGenericConnection builds a connection, creating its hook id in room
// account data when none exists.
func NewGenericConnection(ctx context.Context, deps Deps, roomID, stateKey string, content json.RawMessage) (*GenericConnection, error) {
	deps = deps.withDefaults()
	parsed, err := parseGeneric(stateKey, content)
	if err != nil {
		return nil, err
	}
	hookID, err := ensureHookID(ctx, deps.Store, roomID, stateKey)
	if err != nil {
		return nil, err
	}
	return &GenericConnection{
		deps:      deps,
		roomID:    roomID,
		stateKey:  stateKey,
		hookID:    hookID,
		state:     parsed.state,
		script:    parsed.script,
		expiresAt: parsed.expiresAt,
	}, nil
}

type hookIDRecord struct {
	HookID string `json:"hookId"`
}

func ensureHookID(ctx context.Context, store state.Store, roomID, stateKey string) (string, error) {
	if store == nil {
		return "", errors.New("generic hook: no state store")
	}
	key := HookIDKeyPrefix + stateKey
	var rec hookIDRecord
	found, err := state.GetJSON(ctx, store, roomID, key, &rec)
	if err != nil {
		return "", fmt.Errorf("read hook id: %w", err)
	}
	if found && rec.HookID != "" {
		return rec.HookID, nil
	}
	rec.HookID = uuid.NewString()
	if err := state.SetJSON(ctx, store, roomID, key, rec); err != nil {
		return "", fmt.Errorf("store hook id: %w", err)
	}
	return rec.HookID, nil
}

func (c *GenericConnection) ID() string       { return "generic:" + c.stateKey }
func (c *GenericConnection) Type() string     { return TypeGeneric }
func (c *GenericConnection) Service() string  { return events.ServiceGeneric }
func (c *GenericConnection) RoomID() string   { return c.roomID }
func (c *GenericConnection) StateKey() string { return c.stateKey }

// HookID is the secret path component of the hook URL.
func (c *GenericConnection) HookID() string { return c.hookID }

func (c *GenericConnection) Priority() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Priority
}

func (c *GenericConnection) InterestedIn(string, string) bool { return false }

func (c *GenericConnection) HandleProviderEvent(context.Context, ProviderEvent) error {
	return ErrNotHandled
}

func (c *GenericConnection) HandleChatMessage(context.Context, ChatMessage) (bool, error) {
	return false, ErrNotHandled
}

func (c *GenericConnection) CommandPrefix() string        { return "" }
func (c *GenericConnection) Commands() map[string]Command { return nil }

func (c *GenericConnection) HandleStateUpdate(_ context.Context, content json.RawMessage) error {
	parsed, err := parseGeneric(c.stateKey, content)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state = parsed.state
	c.script = parsed.script
	c.expiresAt = parsed.expiresAt
	c.mu.Unlock()
	return nil
}

// OnRemove deletes the hook id so the URL stops working.
func (c *GenericConnection) OnRemove(ctx context.Context) error {
	if err := c.deps.Store.DeleteAccountData(ctx, c.roomID, HookIDKeyPrefix+c.stateKey); err != nil {
		return fmt.Errorf("delete hook id: %w", err)
	}
	return nil
}

func (c *GenericConnection) Close() { c.closed.Store(true) }

// Expired reports whether the hook is past its expiration date.
func (c *GenericConnection) Expired() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.expiresAt.IsZero() && !c.deps.Now().Before(c.expiresAt)
}

// WaitForComplete reports whether callers wait for the message to be sent.
func (c *GenericConnection) WaitForComplete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state.WaitForComplete != nil {
		return *c.state.WaitForComplete
	}
	cfg := c.deps.Config()
	return cfg != nil && cfg.Generic.WaitForComplete
}

func (c *GenericConnection) Describe(withSecrets bool) Description {
	c.mu.RLock()
	cfg := toMap(c.state)
	priority := c.state.Priority
	c.mu.RUnlock()
	if redacted, changed := c.deps.Redactor.Redact(cfg); changed {
		cfg, _ = redacted.(map[string]any)
	}
	desc := Description{
		ID:       c.ID(),
		Type:     TypeGeneric,
		Service:  events.ServiceGeneric,
		RoomID:   c.roomID,
		StateKey: c.stateKey,
		Priority: priority,
		Config:   cfg,
	}
	if withSecrets {
		desc.Secrets = map[string]any{"hookId": c.hookID}
		if bridgeCfg := c.deps.Config(); bridgeCfg != nil && bridgeCfg.Generic.URLPrefix != "" {
			desc.Secrets["url"] = strings.TrimRight(bridgeCfg.Generic.URLPrefix, "/") + "/" + c.hookID
		}
	}
	return desc
}

// HandleWebhook renders data and posts it to the room. Expired hooks
// return ErrHookExpired.
func (c *GenericConnection) HandleWebhook(ctx context.Context, data json.RawMessage) error {
	if c.Expired() {
		return ErrHookExpired
	}
	if c.closed.Load() {
		return nil
	}
	var value any
	if len(data) > 0 {
		if err := json.Unmarshal(data, &value); err != nil {
			return fmt.Errorf("decode hook data: %w", err)
		}
	}
	msg, ok := c.render(ctx, value)
	if !ok {
		return nil
	}
	if c.deps.Messenger == nil {
		return errors.New("generic hook: no messenger configured")
	}
	msgType := msg.msgType
	if msgType == "" {
		msgType = msgTypeNotice
	}
	if _, err := c.deps.Messenger.SendMessage(ctx, c.roomID, "", msgType, msg.plain, msg.html); err != nil {
		return fmt.Errorf("send hook message: %w", err)
	}
	return nil
}

type hookMessage struct {
	plain   string
	html    string
	msgType string
}

// render returns the message for value, or false when the transformation
// deliberately produced none.
func (c *GenericConnection) render(ctx context.Context, value any) (hookMessage, bool) {
	c.mu.RLock()
	script := c.script
	c.mu.RUnlock()
	cfg := c.deps.Config()
	if script != nil && cfg != nil && cfg.Generic.AllowTransformationFunctions {
		res, err := c.deps.Sandbox.Run(ctx, script, value)
		if err != nil {
			logging.Warn("generic", "transformation failed", "connection", c.ID(), "room", c.roomID, "error", err)
			return hookMessage{plain: noticeTransformFailed, msgType: msgTypeNotice}, true
		}
		if res.Empty {
			return hookMessage{}, false
		}
		return hookMessage{plain: res.Plain, html: res.HTML, msgType: res.MsgType}, true
	}
	return renderHookData(value), true
}

func renderHookData(value any) hookMessage {
	switch v := value.(type) {
	case string:
		return hookMessage{plain: receivedDataPrefix + v, msgType: msgTypeNotice}
	case map[string]any:
		if text, ok := v["text"].(string); ok {
			msg := hookMessage{plain: text, msgType: msgTypeNotice}
			if body, ok := v["html"].(string); ok {
				msg.html = body
			}
			if username, ok := v["username"].(string); ok && username != "" {
				msg.plain = fmt.Sprintf("**%s**: %s", username, text)
				if msg.html != "" {
					msg.html = fmt.Sprintf("<strong>%s</strong>: %s", html.EscapeString(username), msg.html)
				}
			}
			return msg
		}
	}
	pretty, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		pretty = []byte(fmt.Sprint(value))
	}
	return hookMessage{plain: "Received webhook data:\n\n```json\n" + string(pretty) + "\n```", msgType: msgTypeNotice}
}
