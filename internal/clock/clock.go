// Package clock provides the single source of timestamps used across memoscore.
package clock

import "time"

// Clock returns the current time as milliseconds since the Unix epoch.
//
// Implementations must be safe for concurrent use.
type Clock interface {
	NowMillis() int64
}

// System is the default Clock, backed by the wall clock.
type System struct{}

// NowMillis returns time.Now() in milliseconds since the Unix epoch.
func (System) NowMillis() int64 {
	return time.Now().UnixMilli()
}

var _ Clock = System{}

// Fixed is a Clock that always returns the same instant. Useful in tests
// that need to assert exact timestamp values without racing time.Now().
type Fixed int64

// NowMillis returns the fixed instant.
func (f Fixed) NowMillis() int64 {
	return int64(f)
}

var _ Clock = Fixed(0)
