// Package sched abstracts timer scheduling and wall-clock access so that
// time-driven engine behaviour (fallback finalization, debounced threshold
// recomputes) is deterministic under test.
//
// Production code uses [Wall]; tests use the virtual-time implementation in
// the mock subpackage and advance time explicitly. Nothing in the engine ever
// sleeps — every delay is a scheduled callback that can be cancelled the
// moment the awaited event arrives.
package sched

import "time"

// Timer is a handle to one scheduled callback.
type Timer interface {
	// Stop cancels the pending callback. Stopping an already-fired or
	// already-stopped timer is a no-op; Stop reports whether the callback
	// was prevented from running.
	Stop() bool
}

// Scheduler schedules callbacks and reports the current time.
type Scheduler interface {
	// AfterFunc arranges for fn to run after d elapses and returns a handle
	// that can cancel it. fn runs at most once.
	AfterFunc(d time.Duration, fn func()) Timer

	// Now returns the scheduler's current time.
	Now() time.Time
}

// Wall is the production [Scheduler] backed by the runtime timer wheel and
// the system clock.
type Wall struct{}

var _ Scheduler = Wall{}

// AfterFunc wraps [time.AfterFunc].
func (Wall) AfterFunc(d time.Duration, fn func()) Timer {
	return wallTimer{time.AfterFunc(d, fn)}
}

// Now wraps [time.Now].
func (Wall) Now() time.Time { return time.Now() }

type wallTimer struct{ t *time.Timer }

func (w wallTimer) Stop() bool { return w.t.Stop() }
