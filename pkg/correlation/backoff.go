package correlation

import (
	"math"
	"time"
)

// Backoff is a capped exponential poll schedule.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// Next returns the wait before poll number attempt (zero based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 || b.Factor <= 1 {
		return b.capped(b.Base)
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if b.Max > 0 && d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

func (b Backoff) capped(d time.Duration) time.Duration {
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// MaxPolls bounds the number of store reads for a window: one per base interval plus the
// final read at the deadline.
func (b Backoff) MaxPolls(window time.Duration) int {
	if b.Base <= 0 || window <= 0 {
		return 1
	}
	return int(math.Ceil(float64(window)/float64(b.Base))) + 1
}
