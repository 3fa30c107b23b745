package quota

import (
	"math"
	"time"
)

// BackoffParams parameterizes the exponential backoff strategy applied after
// upstream-reported throttling. One parameter set exists per provider kind;
// the arithmetic is shared.
type BackoffParams struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoffParams is the conservative fallback for unknown provider kinds.
var DefaultBackoffParams = BackoffParams{
	Initial:    5 * time.Minute,
	Max:        60 * time.Minute,
	Multiplier: 2,
}

// Duration returns the cooldown for the given consecutive error count.
// errorCount is 1-based: the first throttle event yields Initial.
func (p BackoffParams) Duration(errorCount int) time.Duration {
	if errorCount < 1 {
		errorCount = 1
	}
	initial := p.Initial
	if initial <= 0 {
		initial = DefaultBackoffParams.Initial
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := time.Duration(float64(initial) * math.Pow(mult, float64(errorCount-1)))
	if p.Max > 0 && (d > p.Max || d < 0) {
		// Negative means the float math overflowed time.Duration
		d = p.Max
	}
	return d
}
