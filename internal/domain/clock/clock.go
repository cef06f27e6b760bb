// Package clock provides the wall clock used for stored timestamps.
package clock

import "time"

// Precision is the resolution Postgres keeps for timestamptz.
const Precision = time.Microsecond

// Now returns the current UTC time truncated to Precision, so a value held in
// memory orders the same way as its stored copy.
func Now() time.Time {
	return time.Now().UTC().Truncate(Precision)
}
