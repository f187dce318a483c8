package scheduler

import "time"

// Backoff computes retry delays as Base * 2^attempt, capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff returns the default retry backoff: 30s doubling up to one hour.
func DefaultBackoff() Backoff {
	return Backoff{
		Base: 30 * time.Second,
		Max:  time.Hour,
	}
}

// Delay returns the wait before retrying an item that has failed attempt
// times. It is non-decreasing in attempt and never exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			return b.Max
		}
		// Stop doubling before the duration overflows.
		if d >= time.Duration(1<<62) {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}
