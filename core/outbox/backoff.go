package outbox

import "time"

// Backoff computes retry delays as base * 2^attempts, capped at max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait before the next attempt, given the number of
// attempts already made.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	// past 62 shifts the duration would overflow; the cap applies anyway
	if attempts > 62 {
		return b.Max
	}
	d := b.Base << uint(attempts)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}
