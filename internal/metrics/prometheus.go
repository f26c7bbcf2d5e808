package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oriys/pulsar/internal/protocol"
)

// PrometheusMetrics wraps the prometheus collectors for the relay.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	// Counters
	requestsTotal        *prometheus.CounterVec
	cacheHitsTotal       prometheus.Counter
	queuedTotal          prometheus.Counter
	heartbeatMissesTotal *prometheus.CounterVec
	reloadsTotal         *prometheus.CounterVec
	protocolErrorsTotal  *prometheus.CounterVec

	// Histograms
	requestDuration *prometheus.HistogramVec

	// Gauges
	uptime              prometheus.GaugeFunc
	connectionsActive   *prometheus.GaugeVec
	instancesRegistered prometheus.Gauge
	queueDepth          *prometheus.GaugeVec
}

// Default histogram buckets for dispatch duration (in milliseconds)
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total client requests by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		cacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Requests answered from the idempotency cache",
			},
		),

		queuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queued_requests_total",
				Help:      "Requests that waited in an instance queue",
			},
		),

		heartbeatMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "heartbeat_misses_total",
				Help:      "Liveness probes that went unanswered",
			},
			[]string{"instance"},
		),

		reloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reloads_total",
				Help:      "Reload windows by outcome (started, resumed, expired)",
			},
			[]string{"outcome"},
		),

		protocolErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "protocol_errors_total",
				Help:      "Fatal framing errors by code",
			},
			[]string{"code"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_milliseconds",
				Help:      "Dispatch duration in milliseconds, cache hits excluded",
				Buckets:   buckets,
			},
			[]string{"command"},
		),

		connectionsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_active",
				Help:      "Open connections by role (editor, client)",
			},
			[]string{"role"},
		),

		instancesRegistered: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "instances_registered",
				Help:      "Editor instances currently registered",
			},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current queue depth by instance",
			},
			[]string{"instance"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the relay started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.requestsTotal,
		pm.cacheHitsTotal,
		pm.queuedTotal,
		pm.heartbeatMissesTotal,
		pm.reloadsTotal,
		pm.protocolErrorsTotal,
		pm.requestDuration,
		pm.uptime,
		pm.connectionsActive,
		pm.instancesRegistered,
		pm.queueDepth,
	)

	promMetrics = pm
}

// RecordPrometheusRequest records one terminal response in the collectors.
func RecordPrometheusRequest(command string, durationMs int64, code protocol.ErrorCode, fromCache bool) {
	if promMetrics == nil {
		return
	}
	outcome := "success"
	if code != "" {
		outcome = string(code)
	}
	promMetrics.requestsTotal.WithLabelValues(command, outcome).Inc()
	if fromCache {
		promMetrics.cacheHitsTotal.Inc()
		return
	}
	promMetrics.requestDuration.WithLabelValues(command).Observe(float64(durationMs))
}

// RecordPrometheusQueued counts a queued request.
func RecordPrometheusQueued() {
	if promMetrics == nil {
		return
	}
	promMetrics.queuedTotal.Inc()
}

// RecordHeartbeatMiss counts an unanswered probe.
func RecordHeartbeatMiss(instanceID string) {
	if promMetrics == nil {
		return
	}
	promMetrics.heartbeatMissesTotal.WithLabelValues(instanceID).Inc()
}

// RecordReload counts a reload window event: started, resumed or expired.
func RecordReload(outcome string) {
	if promMetrics == nil {
		return
	}
	promMetrics.reloadsTotal.WithLabelValues(outcome).Inc()
}

// RecordProtocolError counts a fatal framing error.
func RecordProtocolError(code protocol.ErrorCode) {
	if promMetrics == nil {
		return
	}
	promMetrics.protocolErrorsTotal.WithLabelValues(string(code)).Inc()
}

// IncConnections increments the active connection gauge for a role.
func IncConnections(role string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsActive.WithLabelValues(role).Inc()
}

// DecConnections decrements the active connection gauge for a role.
func DecConnections(role string) {
	if promMetrics == nil {
		return
	}
	promMetrics.connectionsActive.WithLabelValues(role).Dec()
}

// SetInstances sets the registered instance gauge.
func SetInstances(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.instancesRegistered.Set(float64(count))
}

// SetQueueDepth sets the queue depth gauge for an instance.
func SetQueueDepth(instanceID string, depth int) {
	if promMetrics == nil {
		return
	}
	promMetrics.queueDepth.WithLabelValues(instanceID).Set(float64(depth))
}

// PrometheusHandler returns an HTTP handler for Prometheus scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
