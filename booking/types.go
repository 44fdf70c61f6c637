/*
Package booking implements the lab instrument booking engine.

PURPOSE:
  Members reserve hourly slots on shared instruments. Each reservation is
  one Booking row for exactly one (instrument, date, hour) cell. The engine
  keeps a per-slot Aggregate ledger in step with the bookings so that
  capacity and cross-instrument conflicts can be checked inside a single
  transaction.

DATA FLOW:
  calendar.Expand     -> candidate slots
  Precheck            -> optimistic report against loaded state
  Engine.Commit       -> re-check inside a transaction, write rows + ledger
  Engine.Cancel       -> delete a whole booking group, rewrite ledger
  feed.Apply          -> propagate changes to every live view

KEY TYPES:
  Instrument:  bookable equipment owned by a lab
  Booking:     one slot reservation (quantity units of one instrument-hour)
  Aggregate:   ledger record, exists only while UsedQuantity > 0
  LogEntry:    usage log row written with every commit/cancel

SEE ALSO:
  - store.go: persistence contract
  - conflict.go: resolver
  - commit.go / cancel.go: transactional engine
*/
package booking

import (
	"strings"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
)

// =============================================================================
// INSTRUMENT
// =============================================================================

// Instrument is a bookable piece of lab equipment.
type Instrument struct {
	ID               string   `json:"id"`
	Lab              string   `json:"lab"`
	Name             string   `json:"name"`
	Location         string   `json:"location,omitempty"`
	Color            string   `json:"color,omitempty"`
	MaxCapacity      int      `json:"maxCapacity"`
	Conflicts        []string `json:"conflicts,omitempty"`
	UnderMaintenance bool     `json:"isUnderMaintenance"`
	Units            []string `json:"units,omitempty"`
}

// Capacity returns MaxCapacity, treating unset values as a single unit.
func (i Instrument) Capacity() int {
	if i.MaxCapacity < 1 {
		return 1
	}
	return i.MaxCapacity
}

// Validate checks the fields an admin must provide.
func (i Instrument) Validate() error {
	switch {
	case strings.TrimSpace(i.Lab) == "":
		return &ValidationError{Field: "lab", Reason: "is required"}
	case strings.TrimSpace(i.ID) == "":
		return &ValidationError{Field: "id", Reason: "is required"}
	case strings.TrimSpace(i.Name) == "":
		return &ValidationError{Field: "name", Reason: "is required"}
	case i.MaxCapacity < 1:
		return &ValidationError{Field: "maxCapacity", Reason: "must be at least 1"}
	}
	for _, c := range i.Conflicts {
		if c == i.ID {
			return &ValidationError{Field: "conflicts", Reason: "instrument cannot conflict with itself"}
		}
	}
	return nil
}

// =============================================================================
// BOOKING
// =============================================================================

// Booking is one reservation of Quantity units in one slot.
// Rows are never mutated; they are created by Commit and removed by Cancel.
type Booking struct {
	ID             string        `json:"id"`
	Lab            string        `json:"labName"`
	InstrumentID   string        `json:"instrumentId"`
	InstrumentName string        `json:"instrumentName"`
	Date           calendar.Date `json:"date"`
	Hour           int           `json:"hour"`
	UserName       string        `json:"userName"`
	OwnerAuthID    string        `json:"ownerAuthId,omitempty"`
	Quantity       int           `json:"requestedQuantity"`
	GroupID        string        `json:"bookingGroupId,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
}

func (b Booking) Slot() calendar.Slot { return calendar.Slot{Date: b.Date, Hour: b.Hour} }

// Units is the capacity the row consumes. Rows written before quantities
// existed have no quantity and count as one unit.
func (b Booking) Units() int {
	if b.Quantity < 1 {
		return 1
	}
	return b.Quantity
}

// CheckShape reports rows that cannot be attributed to a ledger slot.
func (b Booking) CheckShape() error {
	var missing []string
	if b.InstrumentID == "" {
		missing = append(missing, "instrumentId")
	}
	if b.Date.IsZero() {
		missing = append(missing, "date")
	}
	if !calendar.ValidHour(b.Hour) {
		missing = append(missing, "hour")
	}
	if len(missing) > 0 {
		return errors.Newf("%w: booking %s: bad %s", ErrMalformedRecord, b.ID, strings.Join(missing, ", "))
	}
	return nil
}

// Group is the result of one commit: every row shares GroupID when the
// request spans more than one slot.
type Group struct {
	ID       string    `json:"bookingGroupId,omitempty"`
	Bookings []Booking `json:"bookings"`
}

// =============================================================================
// LEDGER
// =============================================================================

// Aggregate is the ledger record for one (lab, instrument, date, hour).
type Aggregate struct {
	ID           string        `json:"id"`
	Lab          string        `json:"labName"`
	InstrumentID string        `json:"instrumentId"`
	Date         calendar.Date `json:"date"`
	Hour         int           `json:"hour"`
	UsedQuantity int           `json:"usedQuantity"`
	BookingCount int           `json:"bookingCount"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func (a Aggregate) Slot() calendar.Slot { return calendar.Slot{Date: a.Date, Hour: a.Hour} }

// =============================================================================
// USAGE LOG
// =============================================================================

type LogAction string

const (
	LogBooked    LogAction = "booked"
	LogCancelled LogAction = "cancelled"
)

// LogEntry records one commit or cancel.
type LogEntry struct {
	ID             string        `json:"id"`
	Lab            string        `json:"labName"`
	Action         LogAction     `json:"action"`
	InstrumentID   string        `json:"instrumentId"`
	InstrumentName string        `json:"instrumentName"`
	UserName       string        `json:"userName"`
	GroupID        string        `json:"bookingGroupId,omitempty"`
	FirstSlot      calendar.Slot `json:"firstSlot"`
	Slots          int           `json:"slots"`
	Quantity       int           `json:"quantity"`
	At             time.Time     `json:"at"`
}

// =============================================================================
// IDENTITY
// =============================================================================

// Identity is the acting member. Name is the stable display name; AuthID is
// an opaque session token that may rotate for anonymous members.
type Identity struct {
	Name   string `json:"name"`
	AuthID string `json:"authId,omitempty"`
}
