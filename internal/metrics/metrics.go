package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "logbook"

// Metrics owns a private registry so tests and multiple servers in one
// process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight    prometheus.Gauge
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	prunedOverrides prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sections",
			Name:      "cache_lookups_total",
			Help:      "Resolved-section cache lookups by result.",
		}, []string{"result"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sections",
			Name:      "override_mutations_total",
			Help:      "Override writes through the mutation gateway.",
		}, []string{"page_type", "outcome"}),
		prunedOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "pruned_overrides_total",
			Help:      "Stale overrides deleted by the maintenance job.",
		}),
	}
	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.cacheLookups,
		m.mutations,
		m.prunedOverrides,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) RequestStarted() {
	m.httpInFlight.Inc()
}

// RequestFinished records a request under its route pattern rather than the
// raw path to keep label cardinality bounded.
func (m *Metrics) RequestFinished(method, route string, status int, elapsed time.Duration) {
	m.httpInFlight.Dec()
	if route == "" {
		route = "unmatched"
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) CacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) OverrideMutation(pageType, outcome string) {
	m.mutations.WithLabelValues(pageType, outcome).Inc()
}

func (m *Metrics) OverridesPruned(n int) {
	m.prunedOverrides.Add(float64(n))
}
