package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the delivery engine.
// Every method is a no-op on a nil *Metrics, so components can run without
// metrics in tests.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	sessionsStarted     prometheus.Counter
	sessionsEnded       prometheus.Counter
	sessionsReaped      prometheus.Counter
	supervisionFailures prometheus.Counter
	teardownTimeouts    prometheus.Counter
	segmentsDelivered   *prometheus.CounterVec
	qualitySwitches     *prometheus.CounterVec
	bufferEvents        prometheus.Counter
	activeSessions      prometheus.Gauge
	activeStreams       prometheus.Gauge
	cacheEntries        prometheus.Gauge
	cacheHits           prometheus.Gauge
	cacheMisses         prometheus.Gauge
	cacheEvictions      prometheus.Gauge
}

// New creates and registers Prometheus metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_sessions_started_total",
			Help: "Total number of viewing sessions started",
		}),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_sessions_ended_total",
			Help: "Total number of viewing sessions ended",
		}),
		sessionsReaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_sessions_reaped_total",
			Help: "Total number of idle sessions ended by the reaper",
		}),
		supervisionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_supervision_failures_total",
			Help: "Total number of sessions ended because a monitoring task failed",
		}),
		teardownTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_teardown_timeouts_total",
			Help: "Total number of session teardowns that exceeded the grace period",
		}),
		segmentsDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_segments_delivered_total",
			Help: "Total number of segments delivered, by cache result",
		}, []string{"cache"}),
		qualitySwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_quality_switches_total",
			Help: "Total number of quality switches, by reason",
		}, []string{"reason"}),
		bufferEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "abr_buffer_events_total",
			Help: "Total number of playback stalls detected",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_active_sessions",
			Help: "Number of live viewing sessions",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_active_streams",
			Help: "Number of open delivery streams",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_cache_entries",
			Help: "Number of segments held in the cache",
		}),
		cacheHits: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_cache_hits",
			Help: "Cache hits since start",
		}),
		cacheMisses: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_cache_misses",
			Help: "Cache misses since start",
		}),
		cacheEvictions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "abr_cache_evictions",
			Help: "Cache evictions since start",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.sessionsStarted,
		m.sessionsEnded,
		m.sessionsReaped,
		m.supervisionFailures,
		m.teardownTimeouts,
		m.segmentsDelivered,
		m.qualitySwitches,
		m.bufferEvents,
		m.activeSessions,
		m.activeStreams,
		m.cacheEntries,
		m.cacheHits,
		m.cacheMisses,
		m.cacheEvictions,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m != nil {
		m.requestsTotal.Inc()
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m != nil {
		m.errorsTotal.Inc()
	}
}

// IncSessionsStarted increments the sessions started counter.
func (m *Metrics) IncSessionsStarted() {
	if m != nil {
		m.sessionsStarted.Inc()
	}
}

// IncSessionsEnded increments the sessions ended counter.
func (m *Metrics) IncSessionsEnded() {
	if m != nil {
		m.sessionsEnded.Inc()
	}
}

// IncSessionsReaped increments the reaped sessions counter.
func (m *Metrics) IncSessionsReaped() {
	if m != nil {
		m.sessionsReaped.Inc()
	}
}

// IncSupervisionFailures increments the supervision failure counter.
func (m *Metrics) IncSupervisionFailures() {
	if m != nil {
		m.supervisionFailures.Inc()
	}
}

// IncTeardownTimeouts increments the teardown timeout counter.
func (m *Metrics) IncTeardownTimeouts() {
	if m != nil {
		m.teardownTimeouts.Inc()
	}
}

// IncSegmentsDelivered counts one delivered segment.
func (m *Metrics) IncSegmentsDelivered(cacheHit bool) {
	if m == nil {
		return
	}
	label := "miss"
	if cacheHit {
		label = "hit"
	}
	m.segmentsDelivered.WithLabelValues(label).Inc()
}

// IncQualitySwitches counts one quality switch with the given reason.
func (m *Metrics) IncQualitySwitches(reason string) {
	if m != nil {
		m.qualitySwitches.WithLabelValues(reason).Inc()
	}
}

// IncBufferEvents increments the stall counter.
func (m *Metrics) IncBufferEvents() {
	if m != nil {
		m.bufferEvents.Inc()
	}
}

// AddActiveStreams moves the open streams gauge by delta.
func (m *Metrics) AddActiveStreams(delta int) {
	if m != nil {
		m.activeStreams.Add(float64(delta))
	}
}

// SetActiveSessions sets the live sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m != nil {
		m.activeSessions.Set(float64(n))
	}
}

// SetCache sets the cache gauges.
func (m *Metrics) SetCache(entries int, hits, misses, evictions int64) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(entries))
	m.cacheHits.Set(float64(hits))
	m.cacheMisses.Set(float64(misses))
	m.cacheEvictions.Set(float64(evictions))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
