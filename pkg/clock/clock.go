// Package clock provides time sources for identifier generation and age
// measurement.
//
// Every component that mints identifiers or measures age takes a [Clock] at
// construction. There is no package-level default instance.
//
// Variants:
//   - [System]: wall clock, milliseconds since the Unix epoch
//   - [Nano]: monotonic nanoseconds since the clock was created
//   - [Settable]: externally controlled clock for tests
//   - [AlwaysIncreasing]: wrapper whose readings never go backwards
package clock

import (
	"math"
	"sync/atomic"
	"time"
)

// Clock is a time source. Now never blocks and never fails.
//
// The unit is defined by the implementation. [System] and [Settable] use
// milliseconds, [Nano] uses nanoseconds.
type Clock interface {
	Now() int64
}

// System reads the wall clock in milliseconds since the Unix epoch.
//
// Readings may go backwards (NTP step, VM migration). Wrap it in
// [AlwaysIncreasing] when ordering matters.
type System struct{}

// NewSystem returns a wall clock.
func NewSystem() System {
	return System{}
}

// Now returns the current wall time in milliseconds.
func (System) Now() int64 {
	return time.Now().UnixMilli()
}

// Nano reads a monotonic nanosecond counter whose zero is the moment the
// clock was created.
type Nano struct {
	epoch time.Time
}

// NewNano returns a nanosecond clock starting at zero.
func NewNano() *Nano {
	return &Nano{epoch: time.Now()}
}

// Now returns nanoseconds elapsed since the clock was created.
// Uses the runtime's monotonic reading, so it is unaffected by wall clock steps.
func (n *Nano) Now() int64 {
	return time.Since(n.epoch).Nanoseconds()
}

// Settable is a clock whose value is set explicitly. Safe for concurrent use.
type Settable struct {
	now atomic.Int64
}

// NewSettable returns a clock reading start.
func NewSettable(start int64) *Settable {
	c := &Settable{}
	c.now.Store(start)

	return c
}

// Now returns the current value.
func (c *Settable) Now() int64 {
	return c.now.Load()
}

// Set replaces the current value. Going backwards is allowed.
func (c *Settable) Set(v int64) {
	c.now.Store(v)
}

// Advance moves the clock by d and returns the new value. d may be negative.
func (c *Settable) Advance(d int64) int64 {
	return c.now.Add(d)
}

// AlwaysIncreasing publishes max(last published, base.Now()).
//
// When the base clock regresses, AlwaysIncreasing keeps returning the last
// published value until the base catches up. It does not track how far the
// base moved backwards.
type AlwaysIncreasing struct {
	base Clock
	last atomic.Int64
}

// NewAlwaysIncreasing wraps base. Wrapping an AlwaysIncreasing returns it
// unchanged.
func NewAlwaysIncreasing(base Clock) *AlwaysIncreasing {
	if base == nil {
		panic("clock: base is nil")
	}

	if ai, ok := base.(*AlwaysIncreasing); ok {
		return ai
	}

	c := &AlwaysIncreasing{base: base}
	c.last.Store(math.MinInt64)

	return c
}

// Now returns a reading that is never smaller than any previous reading.
func (c *AlwaysIncreasing) Now() int64 {
	for {
		prev := c.last.Load()
		cur := c.base.Now()

		if cur <= prev {
			return prev
		}

		if c.last.CompareAndSwap(prev, cur) {
			return cur
		}
	}
}

// Last returns the high-water mark without reading the base clock.
// Before the first call to Now it returns [math.MinInt64].
func (c *AlwaysIncreasing) Last() int64 {
	return c.last.Load()
}

// Base returns the wrapped clock.
func (c *AlwaysIncreasing) Base() Clock {
	return c.base
}
