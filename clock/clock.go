// Package clock abstracts the passage of time so scheduling, cooldown,
// quiet-hours, and hysteresis logic can be driven deterministically in
// tests instead of calling time.Now() directly.
package clock

import "time"

// Clock is the minimal time source used throughout this module.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
}

type systemClock struct{}

// System returns the real wall-clock Clock.
func System() Clock { return systemClock{} }

func (systemClock) Now() time.Time                  { return time.Now() }
func (systemClock) Since(t time.Time) time.Duration { return time.Since(t) }
func (systemClock) Sleep(d time.Duration)           { time.Sleep(d) }
