package calendar

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrInvalidRequest is returned for malformed expansion input.
var ErrInvalidRequest = errors.New("invalid booking request")

// MaxRepeatWeeks is the largest number of extra weekly occurrences.
const MaxRepeatWeeks = 3

// Mode selects which hours a booking covers.
type Mode int

const (
	ModeSingle Mode = iota
	ModeFullDay
	ModeWorkingHours
	ModeOvernight
)

const (
	workingStart   = 9
	workingEnd     = 16
	overnightStart = 17
	overnightEnd   = 8
)

func (m Mode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeFullDay:
		return "fullDay"
	case ModeWorkingHours:
		return "workingHours"
	case ModeOvernight:
		return "overnight"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// ParseMode accepts the names produced by Mode.String. Empty means single.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "single":
		return ModeSingle, nil
	case "fullDay":
		return ModeFullDay, nil
	case "workingHours":
		return ModeWorkingHours, nil
	case "overnight":
		return ModeOvernight, nil
	}
	return ModeSingle, errors.Newf("%w: unknown mode %q", ErrInvalidRequest, s)
}

// ModeFromFlags maps the three booking-form toggles onto a Mode.
// At most one flag may be set.
func ModeFromFlags(fullDay, workingHours, overnight bool) (Mode, error) {
	set := 0
	mode := ModeSingle
	if fullDay {
		set++
		mode = ModeFullDay
	}
	if workingHours {
		set++
		mode = ModeWorkingHours
	}
	if overnight {
		set++
		mode = ModeOvernight
	}
	if set > 1 {
		return ModeSingle, errors.Newf("%w: fullDay, workingHours and overnight are mutually exclusive", ErrInvalidRequest)
	}
	return mode, nil
}

// ExpandRequest describes the temporal shape of one booking request.
type ExpandRequest struct {
	StartDate   Date
	StartHour   int
	RepeatWeeks int
	Mode        Mode
}

// Validate checks the request without expanding it.
func (r ExpandRequest) Validate() error {
	if r.StartDate.IsZero() {
		return errors.Newf("%w: start date is required", ErrInvalidRequest)
	}
	if r.Mode == ModeSingle && !ValidHour(r.StartHour) {
		return errors.Newf("%w: hour %d out of range 0..23", ErrInvalidRequest, r.StartHour)
	}
	if r.RepeatWeeks < 0 || r.RepeatWeeks > MaxRepeatWeeks {
		return errors.Newf("%w: repeat count %d out of range 0..%d", ErrInvalidRequest, r.RepeatWeeks, MaxRepeatWeeks)
	}
	if r.Mode < ModeSingle || r.Mode > ModeOvernight {
		return errors.Newf("%w: unknown mode %d", ErrInvalidRequest, int(r.Mode))
	}
	return nil
}

// Expand turns a request into its ordered slot list. Occurrence i is the
// base pattern shifted by 7*i days; within an occurrence slots are in
// chronological order.
func Expand(r ExpandRequest) ([]Slot, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	pattern := r.pattern()
	slots := make([]Slot, 0, len(pattern)*(r.RepeatWeeks+1))
	for week := 0; week <= r.RepeatWeeks; week++ {
		for _, s := range pattern {
			slots = append(slots, Slot{Date: s.Date.AddDays(7 * week), Hour: s.Hour})
		}
	}
	return slots, nil
}

// pattern returns the slots of the first occurrence.
func (r ExpandRequest) pattern() []Slot {
	switch r.Mode {
	case ModeFullDay:
		return hourRange(r.StartDate, 0, 23)
	case ModeWorkingHours:
		return hourRange(r.StartDate, workingStart, workingEnd)
	case ModeOvernight:
		evening := hourRange(r.StartDate, overnightStart, 23)
		return append(evening, hourRange(r.StartDate.AddDays(1), 0, overnightEnd)...)
	default:
		return []Slot{{Date: r.StartDate, Hour: r.StartHour}}
	}
}

func hourRange(d Date, from, to int) []Slot {
	out := make([]Slot, 0, to-from+1)
	for h := from; h <= to; h++ {
		out = append(out, Slot{Date: d, Hour: h})
	}
	return out
}
