// Package clock provides the time source for all duration math.
package clock

import "github.com/jonboulle/clockwork"

// Clock is the injectable time source. Tests use clockwork.NewFakeClock.
type Clock = clockwork.Clock

// Real returns the wall clock.
func Real() Clock {
	return clockwork.NewRealClock()
}
