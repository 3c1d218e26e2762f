package sync

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * factor^(attempt-1), full jitter in
// [delay/2, delay], capped at Max. Attempt counting starts at 1.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Max    time.Duration
	Jitter bool
}

// NewBackoff builds a Backoff from the configured retry fields
func NewBackoff(baseSeconds, maxSeconds int, factor float64) Backoff {
	if baseSeconds <= 0 {
		baseSeconds = 1
	}
	if factor < 1 {
		factor = 2
	}
	if maxSeconds <= 0 {
		maxSeconds = 600
	}
	return Backoff{
		Base:   time.Duration(baseSeconds) * time.Second,
		Factor: factor,
		Max:    time.Duration(maxSeconds) * time.Second,
		Jitter: true,
	}
}

// Delay returns the wait before the given retry attempt
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	d := time.Duration(delay)
	if b.Jitter && d > 0 {
		half := d / 2
		d = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	return d
}
