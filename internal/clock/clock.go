package clock

import "time"

// Clock supplies the reference time for date-driven computations.
type Clock interface {
	Now() time.Time
}

// System reads the wall clock in the configured location.
type System struct {
	Location *time.Location
}

func (s System) Now() time.Time {
	if s.Location == nil {
		return time.Now()
	}

	return time.Now().In(s.Location)
}

// Fixed always returns the same instant.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }
