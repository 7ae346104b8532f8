// Package metrics exposes the counters, histograms, and gauges spec
// section 4.8 requires, registered against a private Prometheus
// registry (rather than the global default) so multiple Metrics
// instances can coexist in tests without a "duplicate metrics
// collector registration" panic.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the router publishes. All fields are
// safe for concurrent use; construct with New.
type Metrics struct {
	registry *prometheus.Registry

	MessagesReceived   *prometheus.CounterVec
	MessagesDispatched *prometheus.CounterVec
	HandlerErrors      *prometheus.CounterVec
	DedupHits          prometheus.Counter
	StreamChunksFlush  prometheus.Counter
	StreamChunksDrop   prometheus.Counter
	Publishes          *prometheus.CounterVec

	DispatchLatency     *prometheus.HistogramVec
	HandlerLatency      *prometheus.HistogramVec
	StreamFlushInterval prometheus.Histogram
	BrokerReconnects    prometheus.Counter

	ServiceHealth    *prometheus.GaugeVec
	WakeSessionState prometheus.Gauge
	StreamQueueDepth *prometheus.GaugeVec
}

// New creates a Metrics instance and registers all collectors against
// a fresh private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_router_messages_received_total",
			Help: "Messages received from the broker, by topic.",
		}, []string{"topic"}),

		MessagesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_router_messages_dispatched_total",
			Help: "Messages successfully fanned out to at least one handler, by topic.",
		}, []string{"topic"}),

		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_router_handler_errors_total",
			Help: "Handler panics or timeouts, by topic.",
		}, []string{"topic"}),

		DedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_router_dedup_hits_total",
			Help: "Inbound messages suppressed because their envelope id was already seen.",
		}),

		StreamChunksFlush: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_router_stream_chunks_flushed_total",
			Help: "Stream assembler chunks flushed to tts/say.",
		}),

		StreamChunksDrop: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_router_stream_chunks_dropped_total",
			Help: "Stream assembler chunks dropped due to queue overflow.",
		}),

		Publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tars_router_publishes_total",
			Help: "Outbound publishes, by topic and result (ok/error).",
		}, []string{"topic", "result"}),

		DispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tars_router_dispatch_latency_ms",
			Help:    "Time from message arrival to handler fan-out, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"topic"}),

		HandlerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tars_router_handler_latency_ms",
			Help:    "Handler execution duration, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}, []string{"topic"}),

		StreamFlushInterval: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tars_router_stream_flush_interval_ms",
			Help:    "Time between successive stream assembler flushes for a correlation.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),

		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tars_router_broker_reconnects_total",
			Help: "Broker connection re-establishments observed by OnConnectionUp.",
		}),

		ServiceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tars_router_service_health",
			Help: "Per-service health, 1=ok 0=not ok, from the health registry.",
		}, []string{"service"}),

		WakeSessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tars_router_wake_session_state",
			Help: "Current wake-state machine state: 0=Idle 1=Listening 2=Responding.",
		}),

		StreamQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tars_router_stream_queue_depth",
			Help: "Current bounded-FIFO depth per active stream correlation.",
		}, []string{"correlate"}),
	}

	m.registry.MustRegister(
		m.MessagesReceived, m.MessagesDispatched, m.HandlerErrors, m.DedupHits,
		m.StreamChunksFlush, m.StreamChunksDrop, m.Publishes,
		m.DispatchLatency, m.HandlerLatency, m.StreamFlushInterval, m.BrokerReconnects,
		m.ServiceHealth, m.WakeSessionState, m.StreamQueueDepth,
	)

	return m
}

// Handler returns the Prometheus scrape handler for this instance's
// private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Timer is a helper for observing elapsed durations against a
// millisecond-bucketed histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() Timer {
	return Timer{start: time.Now()}
}

// ObserveMillis records the elapsed time in milliseconds to observer.
func (t Timer) ObserveMillis(observer prometheus.Observer) {
	observer.Observe(float64(time.Since(t.start)) / float64(time.Millisecond))
}
