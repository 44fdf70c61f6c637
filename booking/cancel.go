/*
cancel.go - Cancel engine

TARGET RESOLUTION:
  GroupID set:   every row the store holds for that group, plus matching
                 rows from the caller's loaded set.
  BookingID set: the row's whole group when it has one, else that row.
  Rows are re-read inside the transaction and a row whose stored group
  differs from the resolved group is skipped.

PROTOCOL (one transaction):
  READ PHASE
    1. Every target row; missing rows were already cancelled and are
       skipped, rows of another group or malformed rows are logged and
       skipped
    2. Ownership on the fresh rows
    3. Every affected aggregate (recomputed when absent)
  WRITE PHASE
    4. Delete the rows
    5. Rewrite each aggregate, or delete it when it would reach zero
    6. Append a usage log entry

  Cancelling something already cancelled returns 0 without error.
*/
package booking

import (
	"context"
	"sort"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
)

// CancelRequest identifies what to cancel. Loaded is the caller's live
// booking set, used to resolve groups without a query.
type CancelRequest struct {
	Lab       string
	BookingID string
	GroupID   string
	Actor     Identity
	Loaded    []Booking
}

type slotDelta struct {
	instrumentID string
	slot         calendar.Slot
	quantity     int
	count        int
	state        SlotState
}

// Cancel removes a booking or a whole group and returns how many rows
// were removed.
func (e *Engine) Cancel(ctx context.Context, req CancelRequest) (int, error) {
	if req.Lab == "" {
		return 0, &ValidationError{Field: "lab", Reason: "is required"}
	}
	if req.BookingID == "" && req.GroupID == "" {
		return 0, &ValidationError{Field: "bookingId", Reason: "or bookingGroupId is required"}
	}

	groupID, ids, err := e.resolveTargets(ctx, req)
	if err != nil {
		return 0, e.classify("cancel", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var (
		cancelled int
		legacy    bool
	)
	err = e.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		cancelled, legacy = 0, false

		rows := make([]Booking, 0, len(ids))
		for _, id := range ids {
			b, err := tx.Booking(ctx, req.Lab, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return errors.Wrapf(err, "read booking %s", id)
			}
			if groupID != "" && b.GroupID != groupID {
				e.log.Warn().Str("lab", req.Lab).Str("booking", id).Str("group", groupID).Msg("skipping booking outside group")
				continue
			}
			if err := b.CheckShape(); err != nil {
				e.log.Warn().Err(err).Str("lab", req.Lab).Str("booking", id).Msg("skipping malformed booking")
				continue
			}
			rows = append(rows, b)
		}
		if len(rows) == 0 {
			return nil
		}

		denied, viaLegacy := e.authorizeCancel(req.Actor, rows)
		if denied != "" {
			return &OwnershipError{Actor: req.Actor, BookingID: denied}
		}
		legacy = viaLegacy

		deltas := make(map[string]*slotDelta)
		for _, b := range rows {
			id := AggregateID(req.Lab, b.InstrumentID, b.Date, b.Hour)
			d, ok := deltas[id]
			if !ok {
				d = &slotDelta{instrumentID: b.InstrumentID, slot: b.Slot()}
				deltas[id] = d
			}
			d.quantity += b.Units()
			d.count++
		}
		aggIDs := make([]string, 0, len(deltas))
		for id := range deltas {
			aggIDs = append(aggIDs, id)
		}
		sort.Strings(aggIDs)

		for _, id := range aggIDs {
			d := deltas[id]
			st, err := AggregateState(ctx, tx, req.Lab, d.instrumentID, d.slot)
			if err != nil {
				return err
			}
			d.state = st
		}

		// Write phase.
		for _, b := range rows {
			if err := tx.DeleteBooking(ctx, req.Lab, b.ID); err != nil {
				return errors.Wrapf(err, "delete booking %s", b.ID)
			}
		}
		now := e.now()
		for _, id := range aggIDs {
			d := deltas[id]
			used := d.state.UsedQuantity - d.quantity
			count := d.state.BookingCount - d.count
			if used <= 0 || count <= 0 {
				if err := tx.DeleteAggregate(ctx, id); err != nil {
					return errors.Wrapf(err, "delete aggregate %s", id)
				}
				continue
			}
			err := tx.PutAggregate(ctx, Aggregate{
				ID:           id,
				Lab:          req.Lab,
				InstrumentID: d.instrumentID,
				Date:         d.slot.Date,
				Hour:         d.slot.Hour,
				UsedQuantity: used,
				BookingCount: count,
				UpdatedAt:    now,
			})
			if err != nil {
				return errors.Wrapf(err, "write aggregate %s", id)
			}
		}

		first := rows[0]
		quantity := 0
		for _, b := range rows {
			quantity += b.Units()
		}
		entry := LogEntry{
			ID:             e.newID(),
			Lab:            req.Lab,
			Action:         LogCancelled,
			InstrumentID:   first.InstrumentID,
			InstrumentName: first.InstrumentName,
			UserName:       req.Actor.Name,
			GroupID:        first.GroupID,
			FirstSlot:      first.Slot(),
			Slots:          len(rows),
			Quantity:       quantity,
			At:             now,
		}
		if err := tx.AppendLog(ctx, entry); err != nil {
			return errors.Wrap(err, "append usage log")
		}
		cancelled = len(rows)
		return nil
	})
	if err != nil {
		return 0, e.classify("cancel", err)
	}

	ev := e.log.Info()
	if legacy {
		ev = e.log.Warn().Bool("legacyOwnerless", true)
	}
	ev.Str("lab", req.Lab).
		Str("group", groupID).
		Str("booking", req.BookingID).
		Int("cancelled", cancelled).
		Str("user", req.Actor.Name).
		Msg("booking cancelled")
	return cancelled, nil
}

// resolveTargets returns the group being cancelled, if any, and the ids
// of the rows to cancel in a stable order. The store is authoritative for
// group membership; loaded rows only add candidates, which the
// transaction checks against the stored group.
func (e *Engine) resolveTargets(ctx context.Context, req CancelRequest) (string, []string, error) {
	groupID := req.GroupID
	if groupID == "" {
		b, err := e.lookupBooking(ctx, req.Lab, req.BookingID)
		if errors.Is(err, ErrNotFound) {
			return "", []string{req.BookingID}, nil
		}
		if err != nil {
			return "", nil, err
		}
		if b.GroupID == "" {
			return "", []string{b.ID}, nil
		}
		groupID = b.GroupID
	}

	rows, err := e.store.BookingsByGroup(ctx, req.Lab, groupID)
	if err != nil {
		return "", nil, errors.Wrapf(err, "query group %s", groupID)
	}
	ids := make([]string, 0, len(rows))
	for _, b := range rows {
		ids = append(ids, b.ID)
	}
	for _, b := range req.Loaded {
		if b.GroupID == groupID && b.Lab == req.Lab {
			ids = append(ids, b.ID)
		}
	}
	if req.BookingID != "" {
		ids = append(ids, req.BookingID)
	}
	sort.Strings(ids)
	return groupID, dedupe(ids), nil
}

func (e *Engine) lookupBooking(ctx context.Context, lab, id string) (Booking, error) {
	var b Booking
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		b, err = tx.Booking(ctx, lab, id)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return Booking{}, errors.Wrapf(err, "read booking %s", id)
	}
	return b, err
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
