package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingMetrics struct {
	mu        sync.Mutex
	published map[string]int
	awaits    map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{published: map[string]int{}, awaits: map[string]int{}}
}

func (m *countingMetrics) IncBusPublished(backend, fam string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[backend+"/"+fam]++
}

func (m *countingMetrics) IncBusAwait(fam, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.awaits[fam+"/"+outcome]++
}

func (m *countingMetrics) await(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.awaits[key]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestLocalPublishReachesMatchingSubscriber(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	if err := b.Subscribe("notifications.user.*"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := make(chan Envelope, 1)
	b.On("notifications.user.created", func(_ context.Context, env Envelope) { got <- env })

	env, _ := NewEnvelope("notifications.user.created", "test", map[string]string{"id": "1"})
	if err := b.Publish(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case delivered := <-got:
		if delivered.MessageID == "" || delivered.SentAt == 0 {
			t.Fatalf("expected messageId and ts to be filled: %+v", delivered)
		}
		var payload map[string]string
		if err := delivered.Decode(&payload); err != nil || payload["id"] != "1" {
			t.Fatalf("unexpected payload %v err=%v", payload, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("envelope not delivered")
	}
	if env.MessageID != "" {
		t.Fatalf("publish must not mutate the caller envelope")
	}
}

func TestLocalPublishWithoutMatchingSubscriptionIsDropped(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	if err := b.Subscribe("notifications.user.*"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var calls int32
	b.On("notifications.room.created", func(context.Context, Envelope) { atomic.AddInt32(&calls, 1) })
	if err := b.Publish(context.Background(), Envelope{EventName: "notifications.room.created"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("unsubscribed event delivered")
	}
}

func TestLocalUnsubscribeIsRefCounted(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	_ = b.Subscribe("a.*")
	_ = b.Subscribe("a.*")
	_ = b.Unsubscribe("a.*")
	if !b.subscribed("a.b") {
		t.Fatalf("expected subscription to survive one unsubscribe")
	}
	_ = b.Unsubscribe("a.*")
	if b.subscribed("a.b") {
		t.Fatalf("expected subscription removed")
	}
}

func TestLocalSubscribeRejectsBadPattern(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	if err := b.Subscribe("a..b"); err == nil {
		t.Fatalf("expected error for empty segment")
	}
}

func TestPublishRejectsEmptyEventName(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	if err := b.Publish(context.Background(), Envelope{EventName: "  "}); err == nil {
		t.Fatalf("expected error for empty event name")
	}
}

func TestOffIsIdempotent(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	_ = b.Subscribe("x")
	var calls int32
	off := b.On("x", func(context.Context, Envelope) { atomic.AddInt32(&calls, 1) })
	off()
	off()
	_ = b.Publish(context.Background(), Envelope{EventName: "x"})
	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("listener called after off")
	}
}

func TestListenerPanicDoesNotStopSiblings(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	_ = b.Subscribe("x")
	done := make(chan struct{})
	b.On("x", func(context.Context, Envelope) { panic("boom") })
	b.On("x", func(context.Context, Envelope) { close(done) })
	_ = b.Publish(context.Background(), Envelope{EventName: "x"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("sibling listener not called")
	}
}

// responder answers every request on eventName with fn's result.
func responder(b MessageBus, eventName string, fn func(Envelope) (any, error)) func() {
	_ = b.Subscribe(eventName)
	return b.On(eventName, func(ctx context.Context, env Envelope) {
		data, err := fn(env)
		_ = Respond(ctx, b, env, "responder", data, err)
	})
}

func TestPublishAndAwaitResolves(t *testing.T) {
	metrics := newCountingMetrics()
	b := NewLocalBus(metrics)
	defer b.Close()
	responder(b, "matrix.message", func(env Envelope) (any, error) {
		return map[string]string{"eventId": "$" + env.MessageID}, nil
	})

	raw, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "matrix.message", MessageID: "m1"}, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	var out map[string]string
	if err := json.Unmarshal(raw, &out); err != nil || out["eventId"] != "$m1" {
		t.Fatalf("unexpected response %s err=%v", raw, err)
	}
	if b.pending() != 0 {
		t.Fatalf("waiter leaked")
	}
	if metrics.await("matrix/ok") != 1 {
		t.Fatalf("expected ok outcome recorded, got %v", metrics.awaits)
	}
}

func TestPublishAndAwaitTimeout(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()

	_, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "nobody.home"}, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		t.Fatalf("timeout must not look like a remote failure")
	}
	if b.pending() != 0 {
		t.Fatalf("waiter leaked after timeout")
	}
}

func TestPublishAndAwaitRemoteError(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	responder(b, "matrix.message", func(Envelope) (any, error) {
		return nil, fmt.Errorf("room not joined")
	})

	_, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "matrix.message"}, time.Second)
	var remote *RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Message != "room not joined" {
		t.Fatalf("unexpected remote message %q", remote.Message)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("remote failure must not look like a timeout")
	}
}

func TestPublishAndAwaitDuplicateResponseIgnored(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	var answered int32
	_ = b.Subscribe("echo")
	b.On("echo", func(ctx context.Context, env Envelope) {
		atomic.AddInt32(&answered, 1)
		_ = Respond(ctx, b, env, "r", "first", nil)
		_ = Respond(ctx, b, env, "r", "second", nil)
	})

	raw, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "echo", MessageID: "dup"}, time.Second)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if string(raw) != `"first"` && string(raw) != `"second"` {
		t.Fatalf("unexpected payload %s", raw)
	}
	time.Sleep(30 * time.Millisecond)
	if b.pending() != 0 {
		t.Fatalf("waiter leaked")
	}
	if atomic.LoadInt32(&answered) != 1 {
		t.Fatalf("expected one request")
	}
}

func TestPublishAndAwaitLateResponseDiscarded(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	release := make(chan struct{})
	_ = b.Subscribe("slow")
	b.On("slow", func(ctx context.Context, env Envelope) {
		<-release
		_ = Respond(ctx, b, env, "r", "late", nil)
	})

	_, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "slow", MessageID: "late-1"}, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	close(release)
	time.Sleep(30 * time.Millisecond)
	if b.pending() != 0 {
		t.Fatalf("late response re-created a waiter")
	}
}

func TestPublishAndAwaitDuplicateMessageID(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	_ = b.Subscribe("hold")
	release := make(chan struct{})
	b.On("hold", func(ctx context.Context, env Envelope) {
		<-release
		_ = Respond(ctx, b, env, "r", "ok", nil)
	})

	first := make(chan error, 1)
	go func() {
		_, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "hold", MessageID: "same"}, time.Second)
		first <- err
	}()
	waitFor(t, time.Second, func() bool { return b.pending() == 1 })
	if _, err := b.PublishAndAwait(context.Background(), Envelope{EventName: "hold", MessageID: "same"}, time.Second); !errors.Is(err, ErrDuplicateMessageID) {
		t.Fatalf("expected ErrDuplicateMessageID, got %v", err)
	}
	close(release)
	if err := <-first; err != nil {
		t.Fatalf("first await: %v", err)
	}
}

func TestConcurrentAwaitsDoNotBlockEachOther(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	_ = b.Subscribe("work")
	b.On("work", func(ctx context.Context, env Envelope) {
		var delay int
		_ = env.Decode(&delay)
		time.Sleep(time.Duration(delay) * time.Millisecond)
		_ = Respond(ctx, b, env, "r", delay, nil)
	})

	slowDone := make(chan struct{})
	go func() {
		defer close(slowDone)
		env, _ := NewEnvelope("work", "t", 300)
		_, _ = b.PublishAndAwait(context.Background(), env, time.Second)
	}()

	start := time.Now()
	env, _ := NewEnvelope("work", "t", 1)
	raw, err := b.PublishAndAwait(context.Background(), env, time.Second)
	if err != nil {
		t.Fatalf("fast await: %v", err)
	}
	if string(raw) != "1" {
		t.Fatalf("fast await got wrong response %s", raw)
	}
	if time.Since(start) > 200*time.Millisecond {
		t.Fatalf("fast await blocked behind slow one")
	}
	<-slowDone
	if b.pending() != 0 {
		t.Fatalf("waiters leaked")
	}
}

func TestPublishAndAwaitContextCancel(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := b.PublishAndAwait(ctx, Envelope{EventName: "never"}, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if b.pending() != 0 {
		t.Fatalf("waiter leaked after cancel")
	}
}

func TestAwaitDoesNotRemoveExplicitResponseSubscription(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	if err := b.Subscribe("response.ping"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, _ = b.PublishAndAwait(context.Background(), Envelope{EventName: "ping"}, 10*time.Millisecond)
	if !b.subscribed("response.ping") {
		t.Fatalf("explicit subscription lost")
	}
}

func TestClosedBusRejectsPublish(t *testing.T) {
	b := NewLocalBus(nil)
	_ = b.Close()
	if err := b.Publish(context.Background(), Envelope{EventName: "x"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestFamily(t *testing.T) {
	cases := map[string]string{
		"github.issues.opened":    "github",
		"response.matrix.message": "response.matrix",
		"single":                  "single",
	}
	for name, want := range cases {
		if got := family(name); got != want {
			t.Fatalf("family(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestTapSeesMatchingEnvelopes(t *testing.T) {
	b := NewLocalBus(nil)
	defer b.Close()
	if err := b.Subscribe("github.**"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var hits atomic.Int32
	off, err := b.Tap("github.issues.*", func(context.Context, Envelope) { hits.Add(1) })
	if err != nil {
		t.Fatalf("tap: %v", err)
	}
	for _, name := range []string{"github.issues.opened", "github.push", "github.issues.closed"} {
		env, _ := NewEnvelope(name, "test", nil)
		if err := b.Publish(context.Background(), env); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	waitFor(t, time.Second, func() bool { return hits.Load() == 2 })

	off()
	env, _ := NewEnvelope("github.issues.reopened", "test", nil)
	_ = b.Publish(context.Background(), env)
	time.Sleep(50 * time.Millisecond)
	if hits.Load() != 2 {
		t.Fatalf("tap still delivering after off: %d", hits.Load())
	}
	if _, err := b.Tap("github..issues", func(context.Context, Envelope) {}); err == nil {
		t.Fatalf("expected invalid pattern error")
	}
}
