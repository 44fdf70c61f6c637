package booking

import (
	"context"
	"fmt"
	"net/url"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
	"github.com/shopspring/decimal"
)

// =============================================================================
// AGGREGATE LEDGER
// =============================================================================

// AggregateID is the deterministic ledger key for one slot. Lab and
// instrument are path-escaped, so "|" never appears inside a part.
func AggregateID(lab, instrumentID string, date calendar.Date, hour int) string {
	return fmt.Sprintf("%s|%s|%s|%02d", url.PathEscape(lab), url.PathEscape(instrumentID), date, hour)
}

// AggregateState reads the ledger record of one slot. When no record
// exists it recomputes the state from the slot's bookings.
func AggregateState(ctx context.Context, tx Tx, lab, instrumentID string, slot calendar.Slot) (SlotState, error) {
	agg, err := tx.Aggregate(ctx, AggregateID(lab, instrumentID, slot.Date, slot.Hour))
	switch {
	case err == nil:
		return SlotState{UsedQuantity: agg.UsedQuantity, BookingCount: agg.BookingCount}, nil
	case !errors.Is(err, ErrNotFound):
		return SlotState{}, errors.Wrapf(err, "read aggregate %s/%s", instrumentID, slot)
	}

	rows, err := tx.SlotBookings(ctx, lab, instrumentID, slot)
	if err != nil {
		return SlotState{}, errors.Wrapf(err, "recompute %s/%s", instrumentID, slot)
	}
	return IndexBookings(rows).State(instrumentID, slot), nil
}

// occupancy reads the state and, when occupied, the booker names used in
// conflict labels.
func occupancy(ctx context.Context, tx Tx, lab, instrumentID string, slot calendar.Slot) (SlotState, error) {
	st, err := AggregateState(ctx, tx, lab, instrumentID, slot)
	if err != nil || !st.Occupied() {
		return st, err
	}
	rows, err := tx.SlotBookings(ctx, lab, instrumentID, slot)
	if err != nil {
		return SlotState{}, errors.Wrapf(err, "read bookers %s/%s", instrumentID, slot)
	}
	st.Bookers = nil
	for _, b := range rows {
		if b.UserName != "" {
			st.Bookers = append(st.Bookers, b.UserName)
		}
	}
	return st, nil
}

// =============================================================================
// AVAILABILITY VIEW
// =============================================================================

// SlotUsage is one hour of an instrument's day.
type SlotUsage struct {
	Hour         int  `json:"hour"`
	UsedQuantity int  `json:"usedQuantity"`
	BookingCount int  `json:"bookingCount"`
	Capacity     int  `json:"capacity"`
	Remaining    int  `json:"remaining"`
	Full         bool `json:"full"`
}

// Utilization is UsedQuantity/Capacity rounded to four places.
func (u SlotUsage) Utilization() decimal.Decimal {
	if u.Capacity == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(u.UsedQuantity)).
		Div(decimal.NewFromInt(int64(u.Capacity))).
		Round(4)
}

// DayUsage is the 24-hour ledger view of one instrument.
type DayUsage struct {
	Instrument Instrument    `json:"instrument"`
	Date       calendar.Date `json:"date"`
	Hours      []SlotUsage   `json:"hours"`
}

// Utilization averages the hourly utilization over the day.
func (d DayUsage) Utilization() decimal.Decimal {
	if len(d.Hours) == 0 {
		return decimal.Zero
	}
	total := decimal.Zero
	for _, h := range d.Hours {
		total = total.Add(h.Utilization())
	}
	return total.Div(decimal.NewFromInt(int64(len(d.Hours)))).Round(4)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Drift describes one ledger record that disagreed with its bookings.
type Drift struct {
	AggregateID string        `json:"aggregateId"`
	Slot        calendar.Slot `json:"slot"`
	Recorded    SlotState     `json:"recorded"`
	Actual      SlotState     `json:"actual"`
}

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Lab      string        `json:"lab"`
	From     calendar.Date `json:"from"`
	To       calendar.Date `json:"to"`
	Checked  int           `json:"checked"`
	Repaired int           `json:"repaired"`
	Removed  int           `json:"removed"`
	Drift    []Drift       `json:"drift,omitempty"`
}
