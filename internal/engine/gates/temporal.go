package gates

import "time"

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// TemporalGate opens once the clock reaches the activation time.
type TemporalGate struct {
	Clock Clock // nil = SystemClock
}

// IsOpen reports whether now >= target.
func (g TemporalGate) IsOpen(target time.Time) bool {
	clock := g.Clock
	if clock == nil {
		clock = SystemClock{}
	}
	return !clock.Now().Before(target)
}
