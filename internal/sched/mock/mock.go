// Package mock provides a deterministic virtual-time [sched.Scheduler] for
// tests. Time never moves on its own; call [Scheduler.Advance] to run due
// callbacks in scheduling order.
package mock

import (
	"sort"
	"sync"
	"time"

	"github.com/attunelabs/attune/internal/sched"
)

// Compile-time assertion that Scheduler satisfies the sched interface.
var _ sched.Scheduler = (*Scheduler)(nil)

// Scheduler is a virtual-time scheduler. The zero value starts at the Unix
// epoch; use [New] to pick a start time. Safe for concurrent use, though
// tests typically drive it from a single goroutine.
type Scheduler struct {
	mu     sync.Mutex
	now    time.Time
	nextID int
	timers []*timer
}

type timer struct {
	s       *Scheduler
	id      int
	due     time.Time
	fn      func()
	stopped bool
	fired   bool
}

// New creates a Scheduler whose clock starts at start.
func New(start time.Time) *Scheduler {
	return &Scheduler{now: start}
}

// Now returns the current virtual time.
func (s *Scheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc schedules fn to run when virtual time passes the deadline.
// Non-positive delays still require an Advance call to fire, which keeps
// test control flow explicit.
func (s *Scheduler) AfterFunc(d time.Duration, fn func()) sched.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &timer{s: s, id: s.nextID, due: s.now.Add(d), fn: fn}
	s.nextID++
	s.timers = append(s.timers, t)
	return t
}

// Advance moves virtual time forward by d and runs every callback that
// becomes due, in (deadline, scheduling order). Callbacks run without the
// scheduler lock held, so they may schedule or stop other timers.
func (s *Scheduler) Advance(d time.Duration) {
	s.mu.Lock()
	s.now = s.now.Add(d)
	target := s.now
	s.mu.Unlock()

	for {
		t := s.popDue(target)
		if t == nil {
			return
		}
		t.fn()
	}
}

// Pending returns the number of timers that are scheduled and not yet fired
// or stopped.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			n++
		}
	}
	return n
}

// popDue removes and returns the earliest due, still-live timer at or before
// target, or nil when none remains.
func (s *Scheduler) popDue(target time.Time) *timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.timers[:0]
	for _, t := range s.timers {
		if !t.fired && !t.stopped {
			live = append(live, t)
		}
	}
	s.timers = live

	sort.SliceStable(s.timers, func(i, j int) bool {
		if !s.timers[i].due.Equal(s.timers[j].due) {
			return s.timers[i].due.Before(s.timers[j].due)
		}
		return s.timers[i].id < s.timers[j].id
	})

	for _, t := range s.timers {
		if !t.due.After(target) {
			t.fired = true
			return t
		}
	}
	return nil
}

// Stop implements [sched.Timer]. Idempotent.
func (t *timer) Stop() bool {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}
