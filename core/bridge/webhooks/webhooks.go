// Package webhooks is the HTTP ingress role. It verifies provider
// deliveries and publishes them on the bus; it never touches rooms.
package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cordum/hookbridge/core/bridge/events"
	"github.com/cordum/hookbridge/core/infra/bus"
	"github.com/cordum/hookbridge/core/infra/config"
	"github.com/cordum/hookbridge/core/infra/httpserver"
	"github.com/cordum/hookbridge/core/infra/locks"
	"github.com/cordum/hookbridge/core/infra/logging"
	"github.com/cordum/hookbridge/core/infra/metrics"
)

// BusSender identifies the webhook role on the bus.
const BusSender = "hookbridge-webhooks"

const (
	deliveryTTL = time.Hour
	okBody      = "OK"
)

var errBodyTooLarge = errors.New("request body too large")

// Metrics counts webhook requests per provider and status.
type Metrics interface {
	IncWebhook(provider, status string)
}

// Server handles inbound provider webhooks.
type Server struct {
	bus         bus.MessageBus
	config      func() *config.BridgeConfig
	metrics     Metrics
	httpMetrics metrics.HTTPMetrics
	claims      locks.Store

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New builds a Server publishing on b. cfg returns the current bridge
// config so reloads take effect without a restart. claims dedupes
// deliveries; nil keeps them in process.
func New(b bus.MessageBus, cfg func() *config.BridgeConfig, claims locks.Store, m Metrics, hm metrics.HTTPMetrics) *Server {
	if claims == nil {
		claims = locks.NewMemoryStore()
	}
	if m == nil {
		m = metrics.Noop{}
	}
	if hm == nil {
		hm = metrics.Noop{}
	}
	return &Server{
		bus:         b,
		config:      cfg,
		metrics:     m,
		httpMetrics: hm,
		claims:      claims,
		limiters:    make(map[string]*rate.Limiter),
	}
}

// Handler returns the webhook routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(okBody))
	})
	mux.HandleFunc("POST /github", s.route(events.ServiceGitHub, "/github", s.handleGitHub))
	mux.HandleFunc("POST /gitlab", s.route(events.ServiceGitLab, "/gitlab", s.handleGitLab))
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut} {
		mux.HandleFunc(method+" /webhook/{hookId}", s.route(events.ServiceGeneric, "/webhook/{hookId}", s.handleGeneric))
	}
	return mux
}

// route applies rate limiting, metrics and the body limit to a provider
// handler.
func (s *Server) route(provider, pattern string, fn http.HandlerFunc) http.HandlerFunc {
	return httpserver.Instrumented(s.httpMetrics, pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &codeRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() { s.metrics.IncWebhook(provider, strconv.Itoa(rec.status)) }()
		if !s.limiter(provider).Allow() {
			http.Error(rec, "rate limited", http.StatusTooManyRequests)
			return
		}
		if limit := s.config().Webhook.MaxBodyBytes; limit > 0 {
			r.Body = http.MaxBytesReader(rec, r.Body, limit)
		}
		fn(rec, r)
	})
}

// limiter returns the provider's limiter, tracking config reloads.
func (s *Server) limiter(provider string) *rate.Limiter {
	cfg := s.config().Webhook
	limit := rate.Limit(cfg.RatePerSecond)
	if cfg.RatePerSecond <= 0 {
		limit = rate.Inf
	}
	s.limitersMu.Lock()
	defer s.limitersMu.Unlock()
	l, ok := s.limiters[provider]
	if !ok {
		l = rate.NewLimiter(limit, cfg.Burst)
		s.limiters[provider] = l
		return l
	}
	if l.Limit() != limit {
		l.SetLimit(limit)
	}
	if l.Burst() != cfg.Burst {
		l.SetBurst(cfg.Burst)
	}
	return l
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	return body, nil
}

func writeBodyError(w http.ResponseWriter, err error) {
	if errors.Is(err, errBodyTooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, "failed to read body", http.StatusBadRequest)
}

// publish sends a verified provider event. Failures are logged and
// reported as 500 so the provider retries.
func (s *Server) publish(ctx context.Context, w http.ResponseWriter, ev events.ProviderEvent) bool {
	env, err := bus.NewEnvelope(ev.EventName, BusSender, ev)
	if err != nil {
		logging.Error("webhooks", "failed to build envelope", "event", ev.EventName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return false
	}
	if err := s.bus.Publish(ctx, env); err != nil {
		logging.Error("webhooks", "failed to publish event", "event", ev.EventName, "error", err)
		http.Error(w, "failed to queue event", http.StatusInternalServerError)
		return false
	}
	logging.Debug("webhooks", "event published", "event", ev.EventName, "routing_key", ev.RoutingKey, "delivery", ev.DeliveryID)
	return true
}

type codeRecorder struct {
	http.ResponseWriter
	status int
}

func (r *codeRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// claim reports whether delivery has not been seen by any replica. A
// claim store failure lets the delivery through.
func (s *Server) claim(ctx context.Context, provider, delivery string) bool {
	if delivery == "" {
		return true
	}
	ok, err := s.claims.Claim(ctx, provider+":"+delivery, deliveryTTL)
	if err != nil {
		logging.Warn("webhooks", "delivery claim failed", "provider", provider, "delivery", delivery, "error", err)
		return true
	}
	return ok
}

// unclaim drops a claim so a failed delivery can be retried.
func (s *Server) unclaim(ctx context.Context, provider, delivery string) {
	if delivery == "" {
		return
	}
	if err := s.claims.Release(context.WithoutCancel(ctx), provider+":"+delivery); err != nil {
		logging.Warn("webhooks", "delivery release failed", "provider", provider, "delivery", delivery, "error", err)
	}
}
