package relay

import (
	"time"

	"github.com/oriys/pulsar/internal/logging"
)

type Option func(*Relay)

// WithQueue enables or disables per-instance queueing and sets its capacity.
func WithQueue(enabled bool, capacity int) Option {
	return func(r *Relay) {
		r.queueEnabled = enabled
		if capacity > 0 {
			r.queueCapacity = capacity
		}
	}
}

// WithHeartbeat sets the probe interval and the consecutive-miss threshold.
func WithHeartbeat(interval time.Duration, maxMissed int) Option {
	return func(r *Relay) {
		if interval > 0 {
			r.heartbeatInterval = interval
		}
		if maxMissed > 0 {
			r.maxMissedPings = maxMissed
		}
	}
}

// WithReloadGrace sets how long a reloading instance may stay away before
// its held requests fail.
func WithReloadGrace(grace time.Duration) Option {
	return func(r *Relay) {
		if grace > 0 {
			r.reloadGrace = grace
		}
	}
}

// WithDefaultTimeout sets the per-request deadline used when a REQUEST
// carries no timeout_ms.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(r *Relay) {
		if timeout > 0 {
			r.defaultTimeout = timeout
		}
	}
}

// WithCacheTTL sets the idempotency window.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Relay) {
		if ttl > 0 {
			r.cacheTTL = ttl
		}
	}
}

// WithFirstFrameTimeout bounds how long a fresh connection may stay silent
// before role discrimination gives up on it.
func WithFirstFrameTimeout(timeout time.Duration) Option {
	return func(r *Relay) {
		if timeout > 0 {
			r.firstFrameTimeout = timeout
		}
	}
}

// WithRequestLogger routes the per-request audit trail.
func WithRequestLogger(rl *logging.RequestLogger) Option {
	return func(r *Relay) {
		r.reqlog = rl
	}
}

// safeGo runs f in a new goroutine with panic recovery so one bad
// connection never takes the relay down.
func safeGo(f func()) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Op().Error("recovered panic in connection handler", "panic", rec)
			}
		}()
		f()
	}()
}
