// Package tick implements TickSource (spec.md §4.1): a monotonic
// millisecond counter used to derive timeouts, delays, and timestamps.
//
// The original firmware packed the counter into 48 bits and read it back
// via a torn-read-safe retry loop to avoid disabling interrupts on the read
// path. Per spec.md §9's redesign note, a 32-/64-bit target with atomic
// word operations replaces that with a single atomic load — here, a
// clockwork.Clock sampled through time.Since, which is itself already
// torn-read-safe on every architecture Go supports.
package tick

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Ticks is a count of milliseconds since the Source was created.
type Ticks int64

// Never is the deadline value that Deadline.SetNever sets: "not before the
// heat death of the universe," per spec.md §4.1.
const Never Ticks = 1<<63 - 1

// Source is a monotonic millisecond tick counter. The zero value is not
// usable; construct with NewSource.
type Source struct {
	clock clockwork.Clock
	start time.Time
}

// NewSource starts a tick counter against clock. Pass clockwork.NewRealClock()
// in production and clockwork.NewFakeClock() in tests.
func NewSource(clock clockwork.Clock) *Source {
	return &Source{clock: clock, start: clock.Now()}
}

// Now returns the current tick count. spec.md §4.1 treats counter overflow
// (~8,900 years at 1ms resolution for the original 48-bit counter) as
// fatal; the 64-bit millisecond counter here cannot overflow within any
// reachable uptime, but the panic is kept as a documented invariant rather
// than silently wrapping, matching the original's "stop the system" policy
// (spec.md §7).
func (s *Source) Now() Ticks {
	elapsed := s.clock.Since(s.start)
	ms := elapsed.Milliseconds()
	if ms < 0 {
		panic("tick: monotonic counter overflow")
	}
	return Ticks(ms)
}

// MicroDelay sleeps (via the clock's Sleep, not a busy-wait) for the given duration. The
// original used a hardware sub-tick counter tolerant of rollover under its
// reload value; clockwork.Clock.Sleep has no analogous rollover to tolerate.
func (s *Source) MicroDelay(d time.Duration) {
	s.clock.Sleep(d)
}

// Deadline is a tick-valued timeout, set by SetTimeout/Postpone and
// observed by Expired. The zero value is already-expired (deadline 0),
// matching TMR_SetTimeout(&deadline, 0) at construction in the original.
type Deadline struct {
	v atomic.Int64
}

// SetTimeout arms the deadline to now + delay.
func (s *Source) SetTimeout(d *Deadline, delay Ticks) {
	d.v.Store(int64(s.Now()) + int64(delay))
}

// Postpone extends an already-armed deadline by add ticks.
func (s *Source) Postpone(d *Deadline, add Ticks) {
	d.v.Add(int64(add))
}

// Expire fires the deadline immediately.
func (d *Deadline) Expire() { d.v.Store(0) }

// SetNever disarms the deadline so it will not expire in practice.
func (d *Deadline) SetNever() { d.v.Store(int64(Never)) }

// Expired reports whether now has reached or passed the deadline.
func (s *Source) Expired(d *Deadline) bool {
	return s.Now() >= Ticks(d.v.Load())
}

// Value returns the raw deadline tick value (test/diagnostic use).
func (d *Deadline) Value() Ticks { return Ticks(d.v.Load()) }
