package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/redisutil"
)

const (
	// BackendRedis names the redis pub/sub backend.
	BackendRedis = "redis"
	// DefaultRedisPrefix namespaces bus channels inside a shared redis.
	DefaultRedisPrefix = "hookbridge.bus:"

	redisOpTimeout = 5 * time.Second
)

// RedisBus carries envelopes over redis PUBLISH / PSUBSCRIBE. Every process
// sharing the prefix sees every envelope it has a matching subscription for.
// Delivery is at-most-once: envelopes published while no subscriber is
// connected are lost.
type RedisBus struct {
	*core
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	pubsub     *redis.PubSub

	patMu     sync.Mutex
	redisPats map[string]int

	loopDone chan struct{}
}

// NewRedisBus connects to url and starts the receive loop.
func NewRedisBus(ctx context.Context, url string, metrics Metrics) (*RedisBus, error) {
	client, err := redisutil.Connect(ctx, url)
	if err != nil {
		return nil, err
	}
	b, err := NewRedisBusFromClient(ctx, client, DefaultRedisPrefix, metrics)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	b.ownsClient = true
	return b, nil
}

// NewRedisBusFromClient builds a bus on an existing client. The client is
// not closed by Close.
func NewRedisBusFromClient(ctx context.Context, client redis.UniversalClient, prefix string, metrics Metrics) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis bus: nil client")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	b := &RedisBus{
		core:      newCore(BackendRedis, metrics),
		client:    client,
		prefix:    prefix,
		redisPats: make(map[string]int),
		loopDone:  make(chan struct{}),
	}

	// The response wildcard is subscribed up front and confirmed before any
	// await can publish, so a fast responder cannot beat the subscription.
	responses := b.responseWildcard()
	b.pubsub = client.PSubscribe(ctx, responses)
	rctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if _, err := b.pubsub.Receive(rctx); err != nil {
		_ = b.pubsub.Close()
		return nil, fmt.Errorf("redis bus subscribe: %w", err)
	}
	b.redisPats[responses] = 1

	go b.receive(b.pubsub.Channel())
	return b, nil
}

func (b *RedisBus) responseWildcard() string {
	return b.prefix + ResponsePrefix + "*"
}

// redisPatterns maps a local dot-segment pattern to the redis globs that
// together receive a superset of it. Redis "*" crosses dots but never
// matches a missing segment, so each "**" segment yields a "*" variant and a
// variant with the segment dropped. Local matching is re-applied on receipt.
func (b *RedisBus) redisPatterns(pattern string) []string {
	if strings.HasPrefix(pattern, ResponsePrefix) {
		return []string{b.responseWildcard()}
	}
	variants := [][]string{nil}
	for _, segment := range strings.Split(pattern, segmentSeparator) {
		next := make([][]string, 0, 2*len(variants))
		for _, v := range variants {
			if segment == "**" {
				next = append(next, v, append(v[:len(v):len(v)], "*"))
				continue
			}
			next = append(next, append(v[:len(v):len(v)], segment))
		}
		variants = next
	}
	seen := make(map[string]struct{}, len(variants))
	out := make([]string, 0, len(variants))
	for _, v := range variants {
		if len(v) == 0 {
			continue
		}
		glob := b.prefix + strings.Join(v, segmentSeparator)
		if _, ok := seen[glob]; ok {
			continue
		}
		seen[glob] = struct{}{}
		out = append(out, glob)
	}
	sort.Strings(out)
	return out
}

// Subscribe adds a local pattern and, when needed, the redis patterns feeding it.
func (b *RedisBus) Subscribe(pattern string) error {
	if b.isClosed() {
		return ErrClosed
	}
	pattern, _, err := b.addSubscription(pattern)
	if err != nil {
		return err
	}
	globs := b.redisPatterns(pattern)
	b.patMu.Lock()
	defer b.patMu.Unlock()
	var added []string
	for _, glob := range globs {
		b.redisPats[glob]++
		if b.redisPats[glob] == 1 {
			added = append(added, glob)
		}
	}
	if len(added) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := b.pubsub.PSubscribe(ctx, added...); err != nil {
		for _, glob := range globs {
			if b.redisPats[glob]--; b.redisPats[glob] <= 0 {
				delete(b.redisPats, glob)
			}
		}
		b.removeSubscription(pattern)
		return fmt.Errorf("redis psubscribe %s: %w", strings.Join(added, ","), err)
	}
	return nil
}

// Unsubscribe drops one reference to pattern.
func (b *RedisBus) Unsubscribe(pattern string) error {
	pattern, found, _ := b.removeSubscription(pattern)
	if !found {
		return nil
	}
	b.patMu.Lock()
	defer b.patMu.Unlock()
	var dropped []string
	for _, glob := range b.redisPatterns(pattern) {
		count, ok := b.redisPats[glob]
		if !ok {
			continue
		}
		if count > 1 {
			b.redisPats[glob] = count - 1
			continue
		}
		// The response wildcard stays for the life of the bus.
		if glob == b.responseWildcard() {
			continue
		}
		delete(b.redisPats, glob)
		dropped = append(dropped, glob)
	}
	if len(dropped) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := b.pubsub.PUnsubscribe(ctx, dropped...); err != nil {
		return fmt.Errorf("redis punsubscribe %s: %w", strings.Join(dropped, ","), err)
	}
	return nil
}

// Publish encodes env as JSON and publishes it on <prefix><eventName>.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) error {
	if b == nil || b.core == nil || b.isClosed() {
		return ErrClosed
	}
	env, err := prepare(env)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	if err := b.client.Publish(pctx, b.prefix+env.EventName, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", env.EventName, err)
	}
	b.metrics.IncBusPublished(b.backend, family(env.EventName))
	return nil
}

// PublishAndAwait publishes env and waits for the correlated response.
func (b *RedisBus) PublishAndAwait(ctx context.Context, env Envelope, timeout time.Duration) (json.RawMessage, error) {
	if b == nil || b.core == nil {
		return nil, ErrClosed
	}
	return b.await(ctx, env, timeout, b.Subscribe, b.Publish)
}

// Close stops the receive loop. Pending awaits fail with ErrClosed.
func (b *RedisBus) Close() error {
	if b == nil || b.core == nil {
		return nil
	}
	if !b.markClosed() {
		return nil
	}
	err := b.pubsub.Close()
	<-b.loopDone
	if b.ownsClient {
		if cerr := b.client.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (b *RedisBus) receive(ch <-chan *redis.Message) {
	defer close(b.loopDone)
	for msg := range ch {
		b.handle(msg)
	}
}

func (b *RedisBus) handle(msg *redis.Message) {
	name := strings.TrimPrefix(msg.Channel, b.prefix)
	if name == msg.Channel {
		return
	}
	// A channel matching several redis patterns arrives once per pattern;
	// only the delivery through the lowest owning pattern is kept.
	if owner := b.owningPattern(msg.Channel, name); owner == "" || owner != msg.Pattern {
		return
	}
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		logging.Warn("bus", "dropping malformed envelope", "channel", msg.Channel, "error", err)
		return
	}
	if env.EventName != name {
		logging.Warn("bus", "envelope name does not match channel", "channel", msg.Channel, "event", env.EventName)
		return
	}
	go b.dispatch(context.Background(), env)
}

func (b *RedisBus) owningPattern(channel, eventName string) string {
	owner := ""
	for _, pattern := range b.patterns() {
		if !MatchPattern(pattern, eventName) {
			continue
		}
		for _, candidate := range b.redisPatterns(pattern) {
			if ok, _ := path.Match(candidate, channel); !ok {
				continue
			}
			if owner == "" || candidate < owner {
				owner = candidate
			}
		}
	}
	return owner
}
