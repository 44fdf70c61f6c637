/*
Package calendar provides local civil-date arithmetic and slot expansion.

PURPOSE:
  Bookings are keyed by a local calendar date ("YYYY-MM-DD") plus an hour.
  A Date here is a plain (year, month, day) triple: it never carries a
  clock time or a location, so it can never shift by a day when it is
  serialized or compared across timezones.

KEY TYPES:
  Date:  civil calendar date
  Slot:  (Date, Hour) cell, the unit of capacity and conflict arbitration

WEEK START:
  Weeks start on Monday. WeekStart is used by the booking resolver to
  decide whether a slot is too far in the past.

SEE ALSO:
  - expand.go: booking request to slot list expansion
  - booking/conflict.go: consumes Slot lists
*/
package calendar

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

// =============================================================================
// DATE
// =============================================================================

const dateLayout = "2006-01-02"

// Date is a civil calendar date without time or location.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// NewDate normalizes out-of-range fields (e.g. Feb 30 becomes Mar 2).
func NewDate(year int, month time.Month, day int) Date {
	return DateOf(time.Date(year, month, day, 0, 0, 0, 0, time.UTC))
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Today returns the current date in loc. A nil loc means time.Local.
func Today(loc *time.Location) Date {
	if loc == nil {
		loc = time.Local
	}
	return DateOf(time.Now().In(loc))
}

// ParseDate parses a "YYYY-MM-DD" string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, errors.Newf("%w: date %q: expected YYYY-MM-DD", ErrInvalidRequest, s)
	}
	return DateOf(t), nil
}

// MustParseDate is ParseDate for constants and tests.
func MustParseDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

func (d Date) IsZero() bool { return d == Date{} }

// midnight is only used for arithmetic; UTC avoids DST gaps.
func (d Date) midnight() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// Arithmetic
func (d Date) AddDays(n int) Date       { return DateOf(d.midnight().AddDate(0, 0, n)) }
func (d Date) Weekday() time.Weekday    { return d.midnight().Weekday() }
func (d Date) Before(other Date) bool   { return d.Compare(other) < 0 }
func (d Date) After(other Date) bool    { return d.Compare(other) > 0 }
func (d Date) DaysUntil(other Date) int { return int(other.midnight().Sub(d.midnight()).Hours() / 24) }

// Compare returns -1, 0 or +1.
func (d Date) Compare(other Date) int {
	switch {
	case d.Year != other.Year:
		return sign(d.Year - other.Year)
	case d.Month != other.Month:
		return sign(int(d.Month) - int(other.Month))
	default:
		return sign(d.Day - other.Day)
	}
}

// WeekStart returns the Monday on or before d.
func (d Date) WeekStart() Date {
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDays(-offset)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	}
	return 0
}

// =============================================================================
// SLOT
// =============================================================================

// Slot is one bookable hour on one date.
type Slot struct {
	Date Date `json:"date"`
	Hour int  `json:"hour"`
}

// Key returns the slot key used by indexes and labels ("2026-02-09_17").
func (s Slot) Key() string { return SlotKey(s.Date, s.Hour) }

func (s Slot) String() string { return fmt.Sprintf("%s %02d:00", s.Date, s.Hour) }

// SlotKey builds the "YYYY-MM-DD_HH" key for a date and hour.
func SlotKey(d Date, hour int) string {
	return fmt.Sprintf("%s_%02d", d, hour)
}

// ValidHour reports whether h is a bookable hour of the day.
func ValidHour(h int) bool { return h >= 0 && h <= 23 }
