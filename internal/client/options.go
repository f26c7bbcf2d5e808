package client

import "time"

// Option adjusts client construction.
type Option func(*Client)

// WithDialTimeout bounds each TCP connect attempt.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = d
	}
}

// WithDefaultTimeout sets the per-call deadline used when a call does not
// carry its own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithDefaultInstance targets every call at the given instance unless the
// call overrides it. An empty id routes to the relay's default instance.
func WithDefaultInstance(id string) Option {
	return func(c *Client) {
		c.defaultInstance = id
	}
}

// WithRetryPolicy overrides the backoff base and cap, and the total time
// budget across attempts of one call.
func WithRetryPolicy(base, max, budget time.Duration) Option {
	return func(c *Client) {
		c.retryBase = base
		c.retryMax = max
		c.retryBudget = budget
	}
}

// WithRetryNotify installs a retry observer inherited by every call.
func WithRetryNotify(fn RetryFunc) Option {
	return func(c *Client) {
		c.onRetry = fn
	}
}

// callSettings are the per-call knobs, seeded from the client defaults.
type callSettings struct {
	instance string
	timeout  time.Duration
	onRetry  RetryFunc
}

// CallOption adjusts a single Call.
type CallOption func(*callSettings)

// WithInstance targets the call at a specific instance instead of the
// relay's default.
func WithInstance(id string) CallOption {
	return func(s *callSettings) {
		s.instance = id
	}
}

// WithTimeout overrides the deadline forwarded to the relay for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(s *callSettings) {
		s.timeout = d
	}
}

// WithOnRetry observes retry decisions for this call only.
func WithOnRetry(fn RetryFunc) CallOption {
	return func(s *callSettings) {
		s.onRetry = fn
	}
}
