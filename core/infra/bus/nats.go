package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cordum/hookbridge/core/infra/logging"
)

const (
	// BackendNATS names the NATS backend.
	BackendNATS = "nats"
	// DefaultNATSPrefix is the first subject token of every bus subject.
	DefaultNATSPrefix = "hookbridge"

	envNATSTLSCA         = "NATS_TLS_CA"
	envNATSTLSCert       = "NATS_TLS_CERT"
	envNATSTLSKey        = "NATS_TLS_KEY"
	envNATSTLSInsecure   = "NATS_TLS_INSECURE"
	envNATSTLSServerName = "NATS_TLS_SERVER_NAME"

	natsFlushTimeout = 2 * time.Second
)

var errNilConn = errors.New("nats bus not initialized")

// NatsOptions tunes the NATS backend.
type NatsOptions struct {
	// Prefix replaces DefaultNATSPrefix.
	Prefix string
	// Queue, when set, joins non-response subscriptions to a queue group so
	// replicas of one role share the load.
	Queue string
	Name  string
}

type natsSub struct {
	sub  *nats.Subscription
	refs int
}

// NatsBus carries JSON envelopes over core NATS subjects. Like the redis
// backend it is at-most-once.
type NatsBus struct {
	*core
	nc     *nats.Conn
	prefix string
	queue  string

	subMuN sync.Mutex
	nsubs  map[string]*natsSub
}

// NewNatsBus dials NATS at url.
func NewNatsBus(url string, opts NatsOptions, metrics Metrics) (*NatsBus, error) {
	name := opts.Name
	if name == "" {
		name = "hookbridge-bus"
	}
	natsOpts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logging.Warn("bus", "disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info("bus", "reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logging.Info("bus", "nats connection closed")
		}),
	}
	tlsConfig, err := natsTLSConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if tlsConfig != nil {
		natsOpts = append(natsOpts, nats.Secure(tlsConfig))
	}
	nc, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	b, err := newNatsBusFromConn(nc, opts, metrics)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return b, nil
}

func newNatsBusFromConn(nc *nats.Conn, opts NatsOptions, metrics Metrics) (*NatsBus, error) {
	if nc == nil {
		return nil, errNilConn
	}
	prefix := strings.Trim(opts.Prefix, ".")
	if prefix == "" {
		prefix = DefaultNATSPrefix
	}
	b := &NatsBus{
		core:   newCore(BackendNATS, metrics),
		nc:     nc,
		prefix: prefix,
		queue:  strings.TrimSpace(opts.Queue),
		nsubs:  make(map[string]*natsSub),
	}
	responses := b.responseSubject()
	sub, err := nc.Subscribe(responses, b.receive)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", responses, err)
	}
	if err := nc.FlushTimeout(natsFlushTimeout); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	b.nsubs[responses] = &natsSub{sub: sub, refs: 1}
	return b, nil
}

func (b *NatsBus) responseSubject() string {
	return b.prefix + "." + ResponsePrefix + ">"
}

// subjectsFor translates a local pattern into the NATS subjects that receive
// a superset of it. NATS wildcards only cover whole tokens, so partial globs
// widen to "*" and "**" widens to ">" plus the bare head for its
// zero-segment case.
func (b *NatsBus) subjectsFor(pattern string) []string {
	if strings.HasPrefix(pattern, ResponsePrefix) {
		return []string{b.responseSubject()}
	}
	segments := strings.Split(pattern, segmentSeparator)
	out := make([]string, 0, len(segments))
	for i, segment := range segments {
		if segment == "**" {
			head := strings.Join(out, segmentSeparator)
			subjects := []string{joinSubject(b.prefix, head, ">")}
			if head != "" && i == len(segments)-1 {
				subjects = append(subjects, joinSubject(b.prefix, head))
			}
			return subjects
		}
		if strings.ContainsAny(segment, "*?[\\") {
			segment = "*"
		}
		out = append(out, segment)
	}
	return []string{joinSubject(b.prefix, strings.Join(out, segmentSeparator))}
}

func joinSubject(parts ...string) string {
	kept := parts[:0:0]
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, ".")
}

// subjectMatches reports whether a NATS subscription subject matches a
// concrete subject.
func subjectMatches(filter, subject string) bool {
	ft := strings.Split(filter, ".")
	st := strings.Split(subject, ".")
	for i, token := range ft {
		if token == ">" {
			return len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if token != "*" && token != st[i] {
			return false
		}
	}
	return len(ft) == len(st)
}

// Subscribe adds a local pattern and the NATS subscriptions feeding it.
func (b *NatsBus) Subscribe(pattern string) error {
	if b.isClosed() {
		return ErrClosed
	}
	pattern, _, err := b.addSubscription(pattern)
	if err != nil {
		return err
	}
	b.subMuN.Lock()
	defer b.subMuN.Unlock()
	added := make([]string, 0, 2)
	for _, subject := range b.subjectsFor(pattern) {
		if existing, ok := b.nsubs[subject]; ok {
			existing.refs++
			added = append(added, subject)
			continue
		}
		var sub *nats.Subscription
		if b.queue != "" {
			sub, err = b.nc.QueueSubscribe(subject, b.queue, b.receive)
		} else {
			sub, err = b.nc.Subscribe(subject, b.receive)
		}
		if err != nil {
			b.releaseLocked(added)
			b.removeSubscription(pattern)
			return fmt.Errorf("nats subscribe %s: %w", subject, err)
		}
		b.nsubs[subject] = &natsSub{sub: sub, refs: 1}
		added = append(added, subject)
	}
	if err := b.nc.FlushTimeout(natsFlushTimeout); err != nil {
		logging.Warn("bus", "nats flush after subscribe failed", "pattern", pattern, "error", err)
	}
	return nil
}

// Unsubscribe drops one reference to pattern.
func (b *NatsBus) Unsubscribe(pattern string) error {
	pattern, found, _ := b.removeSubscription(pattern)
	if !found {
		return nil
	}
	b.subMuN.Lock()
	defer b.subMuN.Unlock()
	return b.releaseLocked(b.subjectsFor(pattern))
}

func (b *NatsBus) releaseLocked(subjects []string) error {
	var firstErr error
	for _, subject := range subjects {
		entry, ok := b.nsubs[subject]
		if !ok {
			continue
		}
		entry.refs--
		if entry.refs > 0 || subject == b.responseSubject() {
			if entry.refs < 1 {
				entry.refs = 1
			}
			continue
		}
		delete(b.nsubs, subject)
		if err := entry.sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("nats unsubscribe %s: %w", subject, err)
		}
	}
	return firstErr
}

// Publish encodes env as JSON on subject <prefix>.<eventName>.
func (b *NatsBus) Publish(_ context.Context, env Envelope) error {
	if b == nil || b.core == nil || b.nc == nil {
		return errNilConn
	}
	if b.isClosed() {
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
	if err := b.nc.Publish(b.prefix+"."+env.EventName, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", env.EventName, err)
	}
	b.metrics.IncBusPublished(b.backend, family(env.EventName))
	return nil
}

// PublishAndAwait publishes env and waits for the correlated response.
func (b *NatsBus) PublishAndAwait(ctx context.Context, env Envelope, timeout time.Duration) (json.RawMessage, error) {
	if b == nil || b.core == nil {
		return nil, errNilConn
	}
	return b.await(ctx, env, timeout, b.Subscribe, b.Publish)
}

// Close drains nothing; in-flight envelopes are dropped.
func (b *NatsBus) Close() error {
	if b == nil || b.core == nil {
		return nil
	}
	if !b.markClosed() {
		return nil
	}
	if b.nc != nil {
		b.nc.Close()
	}
	return nil
}

// IsConnected reports the NATS connection state.
func (b *NatsBus) IsConnected() bool {
	return b != nil && b.nc != nil && b.nc.IsConnected()
}

func (b *NatsBus) receive(msg *nats.Msg) {
	name := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if name == msg.Subject {
		return
	}
	if owner := b.owningSubject(name, msg.Subject); owner == "" || msg.Sub == nil || owner != msg.Sub.Subject {
		return
	}
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		logging.Warn("bus", "dropping malformed envelope", "subject", msg.Subject, "error", err)
		return
	}
	if env.EventName != name {
		return
	}
	go b.dispatch(context.Background(), env)
}

// owningSubject picks one subscription subject per delivered message so
// overlapping subscriptions do not double-dispatch.
func (b *NatsBus) owningSubject(eventName, subject string) string {
	owner := ""
	for _, pattern := range b.patterns() {
		if !MatchPattern(pattern, eventName) {
			continue
		}
		for _, candidate := range b.subjectsFor(pattern) {
			if !subjectMatches(candidate, subject) {
				continue
			}
			if owner == "" || candidate < owner {
				owner = candidate
			}
		}
	}
	return owner
}

func natsTLSConfigFromEnv() (*tls.Config, error) {
	caPath := strings.TrimSpace(os.Getenv(envNATSTLSCA))
	certPath := strings.TrimSpace(os.Getenv(envNATSTLSCert))
	keyPath := strings.TrimSpace(os.Getenv(envNATSTLSKey))
	serverName := strings.TrimSpace(os.Getenv(envNATSTLSServerName))
	insecure := parseBoolEnv(envNATSTLSInsecure)

	if caPath == "" && certPath == "" && keyPath == "" && serverName == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: serverName}
	if insecure {
		// #nosec G402 -- operator opt-in.
		cfg.InsecureSkipVerify = true
	}
	if caPath != "" {
		// #nosec G304 -- CA path is operator-provided.
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("nats tls ca read: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("nats tls ca parse: %s", caPath)
		}
		cfg.RootCAs = pool
	}
	if certPath != "" || keyPath != "" {
		if certPath == "" || keyPath == "" {
			return nil, fmt.Errorf("nats tls cert/key must be set together")
		}
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("nats tls keypair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func parseBoolEnv(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
