package bus

import (
	"context"
	"encoding/json"
	"time"
)

// BackendLocal names the in-process backend.
const BackendLocal = "local"

// LocalBus delivers envelopes to listeners inside the current process.
// Each publish is delivered on its own goroutine so a listener may itself
// publish and await without stalling the publisher.
type LocalBus struct {
	*core
}

// NewLocalBus returns an in-process bus.
func NewLocalBus(metrics Metrics) *LocalBus {
	return &LocalBus{core: newCore(BackendLocal, metrics)}
}

// Subscribe adds a glob pattern to the set of delivered event names.
func (b *LocalBus) Subscribe(pattern string) error {
	_, _, err := b.addSubscription(pattern)
	return err
}

// Unsubscribe removes one reference to a pattern.
func (b *LocalBus) Unsubscribe(pattern string) error {
	b.removeSubscription(pattern)
	return nil
}

// Publish delivers env to local listeners when a subscribed pattern matches
// its event name. Envelopes nobody subscribed to are dropped.
func (b *LocalBus) Publish(ctx context.Context, env Envelope) error {
	if b == nil || b.core == nil {
		return ErrClosed
	}
	if b.isClosed() {
		return ErrClosed
	}
	env, err := prepare(env)
	if err != nil {
		return err
	}
	b.metrics.IncBusPublished(b.backend, family(env.EventName))
	if !b.subscribed(env.EventName) {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	deliverCtx := context.WithoutCancel(ctx)
	go b.dispatch(deliverCtx, env)
	return nil
}

// PublishAndAwait publishes env and waits for the correlated response.
func (b *LocalBus) PublishAndAwait(ctx context.Context, env Envelope, timeout time.Duration) (json.RawMessage, error) {
	if b == nil || b.core == nil {
		return nil, ErrClosed
	}
	return b.await(ctx, env, timeout, b.Subscribe, b.Publish)
}

// Close stops delivery; pending awaits fail with ErrClosed.
func (b *LocalBus) Close() error {
	if b == nil || b.core == nil {
		return nil
	}
	b.markClosed()
	return nil
}
