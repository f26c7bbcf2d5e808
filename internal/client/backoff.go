package client

import "time"

// backoff produces the retry delay schedule: base, 2x, 4x ... capped at max.
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.max {
		d = b.max
	}
	b.attempt++
	return d
}
