/*
commit.go - Transactional commit engine

PROTOCOL (one transaction, retried by the store on contention):
  READ PHASE
    1. Target instrument        missing -> ResourceMissingError (not retried)
    2. Lab instruments          -> symmetric conflict graph
    3. For every slot:
         target aggregate (recomputed from bookings when absent)
         every conflicting instrument's aggregate, plus bookers if occupied
  CHECK
    4. Precheck against the fresh state; any violation aborts everything
  WRITE PHASE
    5. One booking row per slot (shared group id when > 1 slot)
    6. Upsert one aggregate per slot
    7. Append a usage log entry

  Nothing is written unless every check passes, so a rejected request
  leaves no rows and no ledger changes.
*/
package booking

import (
	"context"
	"strings"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
)

// CommitRequest books Quantity units of one instrument in every slot.
type CommitRequest struct {
	Lab          string
	InstrumentID string
	Quantity     int
	Slots        []calendar.Slot
	Actor        Identity
}

func (r CommitRequest) validate(today calendar.Date) error {
	if err := validateSlots(r.Lab, r.InstrumentID, r.Quantity, r.Slots); err != nil {
		return err
	}
	if strings.TrimSpace(r.Actor.Name) == "" {
		return &ValidationError{Field: "userName", Reason: "is required"}
	}
	weekStart := today.WeekStart()
	for _, s := range r.Slots {
		if s.Date.Before(weekStart) {
			return &ValidationError{Field: "slots", Reason: "include " + s.String() + " (too far in the past)"}
		}
	}
	return nil
}

// Commit atomically books every slot of the request or none of them.
func (e *Engine) Commit(ctx context.Context, req CommitRequest) (*Group, error) {
	today := e.Today()
	if err := req.validate(today); err != nil {
		return nil, err
	}

	var group *Group
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		group = nil

		target, err := tx.Instrument(ctx, req.Lab, req.InstrumentID)
		if errors.Is(err, ErrNotFound) {
			return &ResourceMissingError{Kind: "instrument", ID: req.InstrumentID}
		}
		if err != nil {
			return errors.Wrap(err, "read instrument")
		}
		if target.UnderMaintenance {
			return &ValidationError{Field: "instrument", Reason: target.Name + " is under maintenance"}
		}

		instruments, err := tx.Instruments(ctx, req.Lab)
		if err != nil {
			return errors.Wrap(err, "read instruments")
		}
		graph := NewConflictGraph(append(instruments, target))
		neighbors := graph.Neighbors(target.ID)

		live := NewSlotIndex()
		for _, slot := range req.Slots {
			st, err := AggregateState(ctx, tx, req.Lab, target.ID, slot)
			if err != nil {
				return err
			}
			live.Set(target.ID, slot, st)
			for _, n := range neighbors {
				nst, err := occupancy(ctx, tx, req.Lab, n, slot)
				if err != nil {
					return err
				}
				live.Set(n, slot, nst)
			}
		}

		if report := Precheck(target, graph, req.Quantity, req.Slots, live, today); !report.OK() {
			return reportError(report)
		}

		g, err := e.write(ctx, tx, req, target, live)
		if err != nil {
			return err
		}
		group = g
		return nil
	})
	if err != nil {
		return nil, e.classify("booking", err)
	}

	e.log.Info().
		Str("lab", req.Lab).
		Str("instrument", req.InstrumentID).
		Str("group", group.ID).
		Int("slots", len(group.Bookings)).
		Int("quantity", req.Quantity).
		Str("user", req.Actor.Name).
		Msg("booking committed")
	return group, nil
}

// write is the write phase of Commit. live holds the states read in the
// read phase.
func (e *Engine) write(ctx context.Context, tx Tx, req CommitRequest, target Instrument, live *SlotIndex) (*Group, error) {
	now := e.now()
	group := &Group{Bookings: make([]Booking, 0, len(req.Slots))}
	if len(req.Slots) > 1 {
		group.ID = e.newID()
	}

	for _, slot := range req.Slots {
		b := Booking{
			ID:             e.newID(),
			Lab:            req.Lab,
			InstrumentID:   target.ID,
			InstrumentName: target.Name,
			Date:           slot.Date,
			Hour:           slot.Hour,
			UserName:       strings.TrimSpace(req.Actor.Name),
			OwnerAuthID:    req.Actor.AuthID,
			Quantity:       req.Quantity,
			GroupID:        group.ID,
			CreatedAt:      now,
		}
		if err := tx.PutBooking(ctx, b); err != nil {
			return nil, errors.Wrapf(err, "write booking %s", slot)
		}
		group.Bookings = append(group.Bookings, b)
	}

	for _, slot := range req.Slots {
		st := live.State(target.ID, slot)
		agg := Aggregate{
			ID:           AggregateID(req.Lab, target.ID, slot.Date, slot.Hour),
			Lab:          req.Lab,
			InstrumentID: target.ID,
			Date:         slot.Date,
			Hour:         slot.Hour,
			UsedQuantity: st.UsedQuantity + req.Quantity,
			BookingCount: st.BookingCount + 1,
			UpdatedAt:    now,
		}
		if err := tx.PutAggregate(ctx, agg); err != nil {
			return nil, errors.Wrapf(err, "write aggregate %s", slot)
		}
	}

	entry := LogEntry{
		ID:             e.newID(),
		Lab:            req.Lab,
		Action:         LogBooked,
		InstrumentID:   target.ID,
		InstrumentName: target.Name,
		UserName:       strings.TrimSpace(req.Actor.Name),
		GroupID:        group.ID,
		FirstSlot:      req.Slots[0],
		Slots:          len(req.Slots),
		Quantity:       req.Quantity,
		At:             now,
	}
	if err := tx.AppendLog(ctx, entry); err != nil {
		return nil, errors.Wrap(err, "append usage log")
	}
	return group, nil
}
