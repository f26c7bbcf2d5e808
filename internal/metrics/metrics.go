// Package metrics collects relay runtime counters. A lock-free atomic
// snapshot backs the JSON endpoint; every recording is bridged into the
// Prometheus collectors when those are initialized.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/pulsar/internal/protocol"
)

// Metrics aggregates relay-wide request counters.
type Metrics struct {
	TotalRequests  atomic.Int64
	SuccessCount   atomic.Int64
	FailureCount   atomic.Int64
	TimeoutCount   atomic.Int64
	CacheHits      atomic.Int64
	QueuedRequests atomic.Int64

	// Dispatch latency in milliseconds, cache hits excluded.
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64
	DispatchCount  atomic.Int64

	// Per-command counters
	commandMetrics sync.Map // command -> *CommandMetrics

	startTime time.Time
}

// CommandMetrics tracks counters for a single command name.
type CommandMetrics struct {
	Requests  atomic.Int64
	Successes atomic.Int64
	Failures  atomic.Int64
	CacheHits atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1))
}

// Global returns the process-wide metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time the metrics system came up.
func StartTime() time.Time {
	return global.startTime
}

// RecordRequest records one terminal response. code is empty on success;
// fromCache marks idempotent replays, which do not count toward dispatch
// latency.
func (m *Metrics) RecordRequest(command string, durationMs int64, code protocol.ErrorCode, fromCache bool) {
	m.TotalRequests.Add(1)
	if code == "" {
		m.SuccessCount.Add(1)
	} else {
		m.FailureCount.Add(1)
		if code == protocol.CodeTimeout {
			m.TimeoutCount.Add(1)
		}
	}
	if fromCache {
		m.CacheHits.Add(1)
	} else {
		m.DispatchCount.Add(1)
		m.TotalLatencyMs.Add(durationMs)
		updateMin(&m.MinLatencyMs, durationMs)
		updateMax(&m.MaxLatencyMs, durationMs)
	}

	cm := m.getCommandMetrics(command)
	cm.Requests.Add(1)
	if code == "" {
		cm.Successes.Add(1)
	} else {
		cm.Failures.Add(1)
	}
	if fromCache {
		cm.CacheHits.Add(1)
	} else {
		cm.TotalMs.Add(durationMs)
		updateMin(&cm.MinMs, durationMs)
		updateMax(&cm.MaxMs, durationMs)
	}

	RecordPrometheusRequest(command, durationMs, code, fromCache)
}

// RecordQueued counts a request that waited in an instance queue.
func (m *Metrics) RecordQueued() {
	m.QueuedRequests.Add(1)
	RecordPrometheusQueued()
}

func (m *Metrics) getCommandMetrics(command string) *CommandMetrics {
	if v, ok := m.commandMetrics.Load(command); ok {
		return v.(*CommandMetrics)
	}
	cm := &CommandMetrics{}
	cm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.commandMetrics.LoadOrStore(command, cm)
	return actual.(*CommandMetrics)
}

// Snapshot returns a point-in-time view of all counters.
func (m *Metrics) Snapshot() map[string]interface{} {
	dispatched := m.DispatchCount.Load()
	avgLatency := float64(0)
	if dispatched > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(dispatched)
	}
	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"requests": map[string]interface{}{
			"total":      m.TotalRequests.Load(),
			"success":    m.SuccessCount.Load(),
			"failed":     m.FailureCount.Load(),
			"timeouts":   m.TimeoutCount.Load(),
			"cache_hits": m.CacheHits.Load(),
			"queued":     m.QueuedRequests.Load(),
		},
		"dispatch_latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
	}
}

// CommandStats returns per-command counters.
func (m *Metrics) CommandStats() map[string]interface{} {
	result := make(map[string]interface{})
	m.commandMetrics.Range(func(key, value interface{}) bool {
		command := key.(string)
		cm := value.(*CommandMetrics)

		dispatched := cm.Requests.Load() - cm.CacheHits.Load()
		avgMs := float64(0)
		if dispatched > 0 {
			avgMs = float64(cm.TotalMs.Load()) / float64(dispatched)
		}
		minMs := cm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[command] = map[string]interface{}{
			"requests":   cm.Requests.Load(),
			"successes":  cm.Successes.Load(),
			"failures":   cm.Failures.Load(),
			"cache_hits": cm.CacheHits.Load(),
			"avg_ms":     avgMs,
			"min_ms":     minMs,
			"max_ms":     cm.MaxMs.Load(),
		}
		return true
	})
	return result
}

// JSONHandler exposes the snapshot plus per-command stats as JSON.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["commands"] = m.CommandStats()
		json.NewEncoder(w).Encode(result)
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
