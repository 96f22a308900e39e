// Package clock provides an injectable clock and business-timezone day
// math. Service dates are compared against "today" in the operator's
// timezone, never the server locale.
package clock

import "time"

// Clock supplies the current instant. Workers and stores take a Clock so
// tests can pin time.
type Clock interface {
	Now() time.Time
}

// System is the wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Business wraps a Clock with the fixed business timezone.
type Business struct {
	clock Clock
	loc   *time.Location
}

// NewBusiness creates business-calendar helpers over the given clock.
func NewBusiness(c Clock, loc *time.Location) *Business {
	return &Business{clock: c, loc: loc}
}

// Now returns the current instant.
func (b *Business) Now() time.Time { return b.clock.Now() }

// Location returns the business timezone.
func (b *Business) Location() *time.Location { return b.loc }

// Today returns the current civil date in the business timezone as
// "YYYY-MM-DD".
func (b *Business) Today() string {
	return b.clock.Now().In(b.loc).Format("2006-01-02")
}

// IsToday reports whether the civil date equals today in the business
// timezone. Unparseable dates are never today.
func (b *Business) IsToday(date string) bool {
	return date != "" && date == b.Today()
}

// IsPast reports whether the civil date is strictly before today.
func (b *Business) IsPast(date string) bool {
	d, err := time.ParseInLocation("2006-01-02", date, b.loc)
	if err != nil {
		return false
	}
	today, _ := time.ParseInLocation("2006-01-02", b.Today(), b.loc)
	return d.Before(today)
}

// AtHour returns the UTC instant of the given local hour on the civil date.
func (b *Business) AtHour(date string, hour int) (time.Time, error) {
	d, err := time.ParseInLocation("2006-01-02", date, b.loc)
	if err != nil {
		return time.Time{}, err
	}
	return d.Add(time.Duration(hour) * time.Hour).UTC(), nil
}
