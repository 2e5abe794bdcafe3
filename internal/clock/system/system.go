// Package system provides the wall clock used for verdict timestamps.
package system

import "time"

// Clock implements monitor.Clock with UTC wall time.
type Clock struct{}

// New returns a wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds so values
// round-trip unchanged through the SQL stores.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
