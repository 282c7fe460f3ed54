// Package system provides the wall clock used for lease timestamps.
package system

import "time"

// Precision matches the microsecond resolution of the ledger's timestamp
// columns, so in-memory and SQL ledgers compare lease ages identically.
const Precision = time.Microsecond

// Clock implements capture.Clock on top of time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to Precision.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
