package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff computes exponential reconnect delays.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter adds up to Jitter*Base of random delay.
	Jitter float64
	// Rand returns a value in [0, 1); defaults to math/rand.
	Rand func() float64
}

// DefaultMaxDelay caps the delay when Max is unset.
const DefaultMaxDelay = 30 * time.Second

// Delay returns the wait before the given zero-based attempt. It never
// exceeds Max, or DefaultMaxDelay when Max is not positive.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	limit := b.Max
	if limit <= 0 {
		limit = DefaultMaxDelay
	}
	r := b.Rand
	if r == nil {
		r = rand.Float64
	}
	d := float64(b.Base)*math.Pow(2, float64(attempt)) + r()*float64(b.Base)*b.Jitter
	if math.IsNaN(d) || d < 0 || d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}
