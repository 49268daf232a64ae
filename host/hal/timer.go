package hal

import (
	"time"

	"k8s.io/utils/clock"
)

// Timer is a single-shot timer armed through [Timers].
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired
	// or was stopped.
	Stop() bool
}

// Timers is the timer service consumed by the engine.
type Timers interface {
	// AfterFunc arms a timer that calls f once after d elapses. f may run
	// on any goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// ClockTimers adapts a k8s.io/utils clock to [Timers].
type ClockTimers struct {
	Clock clock.WithDelayedExecution
}

// NewClockTimers returns a timer service backed by the wall clock.
func NewClockTimers() ClockTimers {
	return ClockTimers{Clock: clock.RealClock{}}
}

// AfterFunc implements [Timers].
func (c ClockTimers) AfterFunc(d time.Duration, f func()) Timer {
	return c.Clock.AfterFunc(d, f)
}
