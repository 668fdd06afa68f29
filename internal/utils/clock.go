package utils

import "time"

// Clock abstracts wall-clock reads. Minute buckets, billing-month
// boundaries and token expiry windows all derive from it, so tests can
// inject fixed instants instead of sleeping against real time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// NewRealClock returns a Clock backed by time.Now.
func NewRealClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

// FixedClock always reports the same instant.
type FixedClock struct {
	Instant time.Time
}

func (c FixedClock) Now() time.Time {
	return c.Instant
}
