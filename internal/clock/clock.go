// Package clock re-exports clockwork.Clock so every manager in this module
// takes time as a dependency instead of calling time.Now directly. Tests use
// a FakeClock to advance sliding windows, heartbeat deadlines, and ban
// expiry deterministically instead of sleeping.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the time source every manager depends on.
type Clock = clockwork.Clock

// FakeClock is the deterministic clock used by tests.
type FakeClock = clockwork.FakeClock

// New returns the real wall-clock time source, used in production.
func New() Clock {
	return clockwork.NewRealClock()
}

// NewFake returns a FakeClock pinned to an arbitrary fixed instant, for tests.
func NewFake() FakeClock {
	return clockwork.NewFakeClock()
}
