package conn

import (
	"math/rand/v2"
	"time"
)

// Backoff computes reconnect delays: min(Base*2^attempt, Max) plus jitter in [0, Jitter).
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter time.Duration
}

// Delay is the deterministic part of the delay for a zero-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := b.Base
	for range attempt {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return min(d, b.Max)
}

// Next is Delay plus random jitter.
func (b Backoff) Next(attempt int) time.Duration {
	d := b.Delay(attempt)
	if b.Jitter > 0 {
		d += time.Duration(rand.Int64N(int64(b.Jitter)))
	}
	return d
}
