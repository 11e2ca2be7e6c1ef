// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements mdwn.Clock on top of time.Now. Readings are UTC so cache
// expiry and event timestamps compare without zone conversions.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (*Clock) Now() time.Time {
	return time.Now().UTC()
}
