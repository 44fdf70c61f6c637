package booking

import (
	"context"
	"sort"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
)

// MaxReconcileDays bounds one reconciliation window.
const MaxReconcileDays = 62

// Reconcile recomputes every ledger record of a lab between from and to
// (inclusive) from the bookings, rewriting records that drifted and
// deleting stale ones. The candidate set comes from outside the
// transaction; each candidate is re-read inside it.
func (e *Engine) Reconcile(ctx context.Context, lab string, from, to calendar.Date) (*ReconcileReport, error) {
	if lab == "" {
		return nil, &ValidationError{Field: "lab", Reason: "is required"}
	}
	if to.Before(from) {
		return nil, &ValidationError{Field: "to", Reason: "is before from"}
	}
	if from.DaysUntil(to) > MaxReconcileDays {
		return nil, &ValidationError{Field: "to", Reason: "window is too large"}
	}

	bookings, err := e.store.BookingsInRange(ctx, lab, from, to)
	if err != nil {
		return nil, e.classify("reconcile", err)
	}
	aggregates, err := e.store.AggregatesInRange(ctx, lab, from, to)
	if err != nil {
		return nil, e.classify("reconcile", err)
	}

	type cell struct {
		instrumentID string
		slot         calendar.Slot
	}
	cells := make(map[string]cell)
	for _, b := range bookings {
		if b.CheckShape() == nil {
			cells[AggregateID(lab, b.InstrumentID, b.Date, b.Hour)] = cell{b.InstrumentID, b.Slot()}
		}
	}
	for _, a := range aggregates {
		cells[a.ID] = cell{a.InstrumentID, a.Slot()}
	}
	ids := make([]string, 0, len(cells))
	for id := range cells {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var report *ReconcileReport
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		report = &ReconcileReport{Lab: lab, From: from, To: to}

		type pending struct {
			id      string
			cell    cell
			present bool
			actual  SlotState
		}
		var fixes []pending
		for _, id := range ids {
			c := cells[id]
			recorded, err := tx.Aggregate(ctx, id)
			present := err == nil
			if err != nil && !errors.Is(err, ErrNotFound) {
				return errors.Wrapf(err, "read aggregate %s", id)
			}
			rows, err := tx.SlotBookings(ctx, lab, c.instrumentID, c.slot)
			if err != nil {
				return errors.Wrapf(err, "read slot %s", id)
			}
			actual := IndexBookings(rows).State(c.instrumentID, c.slot)
			actual.Bookers = nil
			report.Checked++

			if present && recorded.UsedQuantity == actual.UsedQuantity && recorded.BookingCount == actual.BookingCount {
				continue
			}
			if !present && !actual.Occupied() {
				continue
			}
			report.Drift = append(report.Drift, Drift{
				AggregateID: id,
				Slot:        c.slot,
				Recorded:    SlotState{UsedQuantity: recorded.UsedQuantity, BookingCount: recorded.BookingCount},
				Actual:      actual,
			})
			fixes = append(fixes, pending{id: id, cell: c, present: present, actual: actual})
		}

		now := e.now()
		for _, f := range fixes {
			if !f.actual.Occupied() {
				if err := tx.DeleteAggregate(ctx, f.id); err != nil {
					return errors.Wrapf(err, "delete aggregate %s", f.id)
				}
				report.Removed++
				continue
			}
			err := tx.PutAggregate(ctx, Aggregate{
				ID:           f.id,
				Lab:          lab,
				InstrumentID: f.cell.instrumentID,
				Date:         f.cell.slot.Date,
				Hour:         f.cell.slot.Hour,
				UsedQuantity: f.actual.UsedQuantity,
				BookingCount: f.actual.BookingCount,
				UpdatedAt:    now,
			})
			if err != nil {
				return errors.Wrapf(err, "write aggregate %s", f.id)
			}
			report.Repaired++
		}
		return nil
	})
	if err != nil {
		return nil, e.classify("reconcile", err)
	}

	if len(report.Drift) > 0 {
		e.log.Warn().
			Str("lab", lab).
			Int("repaired", report.Repaired).
			Int("removed", report.Removed).
			Msg("ledger drift repaired")
	}
	return report, nil
}
