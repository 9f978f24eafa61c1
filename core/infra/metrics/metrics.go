package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines the bridge counters. It satisfies the narrower metrics
// interfaces of the bus, webhook, connection and sandbox packages.
type Metrics interface {
	IncBusPublished(backend, family string)
	IncBusAwait(family, outcome string)
	IncWebhook(provider, status string)
	IncDispatch(service, outcome string)
	IncCommand(service, outcome string)
	ObserveTransform(outcome string, durationSeconds float64)
}

// HTTPMetrics captures request metrics for the HTTP listeners.
type HTTPMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics and HTTPMetrics without emitting anything.
type Noop struct{}

func (Noop) IncBusPublished(string, string)                 {}
func (Noop) IncBusAwait(string, string)                     {}
func (Noop) IncWebhook(string, string)                      {}
func (Noop) IncDispatch(string, string)                     {}
func (Noop) IncCommand(string, string)                      {}
func (Noop) ObserveTransform(string, float64)               {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	busPublished *prometheus.CounterVec
	busAwaits    *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	commands     *prometheus.CounterVec
	transforms   *prometheus.HistogramVec
	once         sync.Once
}

// NewProm registers the bridge collectors on the default registerer.
func NewProm(namespace string) *Prom {
	p := &Prom{
		busPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_published_total",
			Help:      "Envelopes published by backend and event family",
		}, []string{"backend", "family"}),
		busAwaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_awaits_total",
			Help:      "Request/await calls by event family and outcome",
		}, []string{"family", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_requests_total",
			Help:      "Inbound webhook requests by provider and status code",
		}, []string{"provider", "status"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_dispatch_total",
			Help:      "Provider events handed to connections by service and outcome",
		}, []string{"service", "outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat commands by service and outcome",
		}, []string{"service", "outcome"}),
		transforms: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transform_duration_seconds",
			Help:      "Transformation function runs by outcome",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"outcome"}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.busPublished, p.busAwaits, p.webhooks, p.dispatches, p.commands, p.transforms)
	})
}

func (p *Prom) IncBusPublished(backend, family string) {
	p.busPublished.WithLabelValues(backend, family).Inc()
}

func (p *Prom) IncBusAwait(family, outcome string) {
	p.busAwaits.WithLabelValues(family, outcome).Inc()
}

func (p *Prom) IncWebhook(provider, status string) {
	p.webhooks.WithLabelValues(provider, status).Inc()
}

func (p *Prom) IncDispatch(service, outcome string) {
	p.dispatches.WithLabelValues(service, outcome).Inc()
}

func (p *Prom) IncCommand(service, outcome string) {
	p.commands.WithLabelValues(service, outcome).Inc()
}

func (p *Prom) ObserveTransform(outcome string, durationSeconds float64) {
	p.transforms.WithLabelValues(outcome).Observe(durationSeconds)
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- HTTP listener metrics ---

type httpProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewHTTPProm constructs HTTPMetrics with counters/histograms. listener
// distinguishes the webhook, appservice and provisioning servers.
func NewHTTPProm(namespace, listener string) HTTPMetrics {
	h := &httpProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "HTTP requests by method/route/status",
			ConstLabels: prometheus.Labels{"listener": listener},
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency by method/route",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: prometheus.Labels{"listener": listener},
		}, []string{"method", "route"}),
	}
	h.once.Do(func() {
		prometheus.MustRegister(h.requests, h.latency)
	})
	return h
}

func (h *httpProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	h.requests.WithLabelValues(method, route, status).Inc()
	h.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
