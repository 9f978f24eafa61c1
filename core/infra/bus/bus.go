package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/cordum/hookbridge/core/infra/logging"
)

// Handler receives envelopes delivered for an event name.
type Handler func(ctx context.Context, env Envelope)

// MessageBus is the contract shared by every backend.
type MessageBus interface {
	Subscribe(pattern string) error
	Unsubscribe(pattern string) error
	On(eventName string, handler Handler) (off func())
	Publish(ctx context.Context, env Envelope) error
	PublishAndAwait(ctx context.Context, env Envelope, timeout time.Duration) (json.RawMessage, error)
	// Tap listens to every delivered envelope matching pattern.
	Tap(pattern string, handler Handler) (off func(), err error)
	Close() error
}

// Metrics captures bus counters.
type Metrics interface {
	IncBusPublished(backend, family string)
	IncBusAwait(family, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) IncBusPublished(string, string) {}
func (noopMetrics) IncBusAwait(string, string)     {}

// Await outcomes reported to Metrics.
const (
	AwaitOK          = "ok"
	AwaitTimeout     = "timeout"
	AwaitRemoteError = "remote_error"
	AwaitCancelled   = "cancelled"
	AwaitPublishFail = "publish_failed"
)

// core holds the pieces every backend shares: the subscription set, local
// listeners and the table of pending awaits.
type core struct {
	backend string
	metrics Metrics

	subMu sync.RWMutex
	subs  map[string]int

	listenMu  sync.RWMutex
	listeners map[string]map[uint64]Handler
	taps      map[uint64]tap
	nextID    uint64

	waitMu  sync.Mutex
	waiters map[string]chan Envelope

	respMu    sync.Mutex
	responses map[string]bool

	closeOnce sync.Once
	closed    chan struct{}
}

func newCore(backend string, metrics Metrics) *core {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &core{
		backend:   backend,
		metrics:   metrics,
		subs:      make(map[string]int),
		listeners: make(map[string]map[uint64]Handler),
		taps:      make(map[uint64]tap),
		waiters:   make(map[string]chan Envelope),
		responses: make(map[string]bool),
		closed:    make(chan struct{}),
	}
}

// addSubscription records a pattern and reports whether it is new.
func (c *core) addSubscription(pattern string) (string, bool, error) {
	pattern = strings.TrimSpace(pattern)
	if !ValidPattern(pattern) {
		return "", false, fmt.Errorf("%w: %q", errBadPattern, pattern)
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.subs[pattern]++
	return pattern, c.subs[pattern] == 1, nil
}

// removeSubscription drops one reference. It reports whether the pattern
// was subscribed and whether this was its last reference.
func (c *core) removeSubscription(pattern string) (string, bool, bool) {
	pattern = strings.TrimSpace(pattern)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	count, ok := c.subs[pattern]
	if !ok {
		return pattern, false, false
	}
	if count <= 1 {
		delete(c.subs, pattern)
		return pattern, true, true
	}
	c.subs[pattern] = count - 1
	return pattern, true, false
}

func (c *core) subscribed(eventName string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for pattern := range c.subs {
		if MatchPattern(pattern, eventName) {
			return true
		}
	}
	return false
}

func (c *core) patterns() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for pattern := range c.subs {
		out = append(out, pattern)
	}
	return out
}

// On registers a listener for an exact event name.
func (c *core) On(eventName string, handler Handler) func() {
	if handler == nil || strings.TrimSpace(eventName) == "" {
		return func() {}
	}
	c.listenMu.Lock()
	c.nextID++
	id := c.nextID
	if c.listeners[eventName] == nil {
		c.listeners[eventName] = make(map[uint64]Handler)
	}
	c.listeners[eventName][id] = handler
	c.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenMu.Lock()
			defer c.listenMu.Unlock()
			delete(c.listeners[eventName], id)
			if len(c.listeners[eventName]) == 0 {
				delete(c.listeners, eventName)
			}
		})
	}
}

type tap struct {
	pattern string
	handler Handler
}

// Tap registers a listener for every delivered envelope whose event name
// matches pattern. It does not subscribe; callers pair it with Subscribe.
func (c *core) Tap(pattern string, handler Handler) (func(), error) {
	pattern = strings.TrimSpace(pattern)
	if !ValidPattern(pattern) {
		return nil, fmt.Errorf("%w: %q", errBadPattern, pattern)
	}
	if handler == nil {
		return nil, errNilHandler
	}
	c.listenMu.Lock()
	c.nextID++
	id := c.nextID
	c.taps[id] = tap{pattern: pattern, handler: handler}
	c.listenMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.listenMu.Lock()
			delete(c.taps, id)
			c.listenMu.Unlock()
		})
	}, nil
}

// dispatch hands an envelope to every listener of its event name and to
// matching taps. A panicking listener is logged and does not affect the
// others.
func (c *core) dispatch(ctx context.Context, env Envelope) {
	c.listenMu.RLock()
	handlers := make([]Handler, 0, len(c.listeners[env.EventName]))
	for _, handler := range c.listeners[env.EventName] {
		handlers = append(handlers, handler)
	}
	for _, t := range c.taps {
		if MatchPattern(t.pattern, env.EventName) {
			handlers = append(handlers, t.handler)
		}
	}
	c.listenMu.RUnlock()

	for _, handler := range handlers {
		c.invoke(ctx, handler, env)
	}
}

func (c *core) invoke(ctx context.Context, handler Handler, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("bus", "listener panic",
				"event", env.EventName,
				"message_id", env.MessageID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	handler(ctx, env)
}

func (c *core) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *core) markClosed() bool {
	first := false
	c.closeOnce.Do(func() {
		close(c.closed)
		first = true
	})
	return first
}

// routeResponse resolves the pending waiter for a response, if any. The
// waiter entry is removed here or by the waiting call, whichever runs first.
func (c *core) routeResponse(_ context.Context, env Envelope) {
	c.waitMu.Lock()
	ch, ok := c.waiters[env.MessageID]
	if ok {
		delete(c.waiters, env.MessageID)
	}
	c.waitMu.Unlock()
	if !ok {
		logging.Debug("bus", "dropping unmatched response", "event", env.EventName, "message_id", env.MessageID)
		return
	}
	ch <- env
}

func (c *core) register(messageID string) (chan Envelope, error) {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	if _, exists := c.waiters[messageID]; exists {
		return nil, ErrDuplicateMessageID
	}
	ch := make(chan Envelope, 1)
	c.waiters[messageID] = ch
	return ch, nil
}

func (c *core) deregister(messageID string) {
	c.waitMu.Lock()
	delete(c.waiters, messageID)
	c.waitMu.Unlock()
}

func (c *core) pending() int {
	c.waitMu.Lock()
	defer c.waitMu.Unlock()
	return len(c.waiters)
}

// ensureResponseRoute installs, once per event name, the listener and
// subscription that feed responses into the waiter table.
func (c *core) ensureResponseRoute(responseName string, subscribe func(string) error) error {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	if c.responses[responseName] {
		return nil
	}
	if err := subscribe(responseName); err != nil {
		return err
	}
	c.On(responseName, c.routeResponse)
	c.responses[responseName] = true
	return nil
}

// await implements PublishAndAwait on top of a backend's publish and
// subscribe functions.
func (c *core) await(
	ctx context.Context,
	env Envelope,
	timeout time.Duration,
	subscribe func(string) error,
	publish func(context.Context, Envelope) error,
) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = DefaultAwaitTimeout
	}
	env, err := prepare(env)
	if err != nil {
		return nil, err
	}
	fam := family(env.EventName)
	if err := c.ensureResponseRoute(ResponseName(env.EventName), subscribe); err != nil {
		return nil, fmt.Errorf("subscribe for response: %w", err)
	}
	ch, err := c.register(env.MessageID)
	if err != nil {
		return nil, err
	}
	defer c.deregister(env.MessageID)

	if err := publish(ctx, env); err != nil {
		c.metrics.IncBusAwait(fam, AwaitPublishFail)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Error != "" {
			c.metrics.IncBusAwait(fam, AwaitRemoteError)
			return nil, &RemoteError{EventName: env.EventName, MessageID: env.MessageID, Message: resp.Error}
		}
		c.metrics.IncBusAwait(fam, AwaitOK)
		return resp.Data, nil
	case <-timer.C:
		c.metrics.IncBusAwait(fam, AwaitTimeout)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, env.EventName, timeout)
	case <-ctx.Done():
		c.metrics.IncBusAwait(fam, AwaitCancelled)
		return nil, ctx.Err()
	case <-c.closed:
		return nil, ErrClosed
	}
}

// Respond publishes the correlated response to a request envelope. A non-nil
// failure is reported to the awaiting caller as a RemoteError.
func Respond(ctx context.Context, b MessageBus, request Envelope, sender string, data any, failure error) error {
	resp, err := NewEnvelope(ResponseName(request.EventName), sender, data)
	if err != nil {
		return err
	}
	resp.MessageID = request.MessageID
	if failure != nil {
		resp.Error = failure.Error()
		if resp.Error == "" {
			resp.Error = "unknown failure"
		}
	}
	return b.Publish(ctx, resp)
}
