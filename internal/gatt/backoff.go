package gatt

import "time"

// expBackoff produces the delay to sleep before each retry attempt.
// The first call returns zero so the initial attempt is never delayed.
// Subsequent delays grow by an accelerating step and are capped at max.
// Every request owns its own instance so unrelated operations do not
// share or reset each other's pacing.
type expBackoff struct {
	step       time.Duration
	multiplier float64
	max        time.Duration
	pending    time.Duration
}

func newExpBackoff(p Params) *expBackoff {
	return &expBackoff{
		step:       p.InitialBackoffStep,
		multiplier: p.BackoffMultiplier,
		max:        p.MaxBackoff,
	}
}

// next returns the delay to sleep before the next attempt and advances the
// internal state. The returned sequence is non-decreasing and bounded by max.
func (b *expBackoff) next() time.Duration {
	d := b.pending
	grow := b.pending + b.step
	if grow > b.max {
		grow = b.max
	}
	b.pending += grow
	if b.pending > b.max {
		b.pending = b.max
	}
	b.step = time.Duration(float64(b.step) * b.multiplier)
	return d
}
