package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chenpipi0807/PIP-Assistant/internal/segment"
)

const namespace = "pipassist"

// Metrics collects Prometheus metrics for the server. Each instance owns its
// registry so tests and multiple runtimes do not collide.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal       *prometheus.CounterVec
	turnDuration     *prometheus.HistogramVec
	eventsTotal      *prometheus.CounterVec
	storeSize        prometheus.Gauge
	evictionsTotal   prometheus.Counter
	persistFailures  prometheus.Counter
	rateLimitedTotal prometheus.Counter
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

// NewMetrics creates a Metrics collector with Go runtime and process
// collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Ask turns by outcome",
		}, []string{"outcome"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Ask turn duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		eventsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "chat",
			Name:      "events_total",
			Help:      "Stream events delivered to clients by type",
		}, []string{"type"}),
		storeSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "conversations",
			Help:      "Conversations currently stored",
		}),
		evictionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "evictions_total",
			Help:      "Conversations removed by the retention sweep",
		}),
		persistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "persist_failures_total",
			Help:      "Snapshot writes that failed",
		}),
		rateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter",
		}),
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// StoreSize records the number of stored conversations.
func (m *Metrics) StoreSize(n int) { m.storeSize.Set(float64(n)) }

// PersistFailed counts a failed snapshot write.
func (m *Metrics) PersistFailed() { m.persistFailures.Inc() }

// Evicted counts conversations removed by a sweep.
func (m *Metrics) Evicted(n int) { m.evictionsTotal.Add(float64(n)) }

// TurnFinished records the outcome and duration of an ask turn.
func (m *Metrics) TurnFinished(outcome string, d time.Duration) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.turnDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// EventEmitted counts one delivered stream event.
func (m *Metrics) EventEmitted(t segment.EventType) {
	m.eventsTotal.WithLabelValues(string(t)).Inc()
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(string) { m.rateLimitedTotal.Inc() }

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(d.Seconds())
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler that serves Prometheus-format metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
