package booking

import (
	"context"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// =============================================================================
// ENGINE
// =============================================================================

// Config tunes an Engine. The zero value is usable.
type Config struct {
	// Location is the lab's local timezone, used to decide "today".
	Location *time.Location
	// Now defaults to time.Now.
	Now func() time.Time
	// NewID defaults to random UUIDs.
	NewID func() string
	// DisableLegacyOwnerless turns off LegacyOwnerlessGroup once legacy
	// rows have been migrated.
	DisableLegacyOwnerless bool
	Logger                 zerolog.Logger
}

// Engine runs the transactional commit/cancel protocol against a Store.
type Engine struct {
	store       Store
	loc         *time.Location
	now         func() time.Time
	newID       func() string
	allowLegacy bool
	log         zerolog.Logger
}

func NewEngine(store Store, cfg Config) *Engine {
	e := &Engine{
		store:       store,
		loc:         cfg.Location,
		now:         cfg.Now,
		newID:       cfg.NewID,
		allowLegacy: !cfg.DisableLegacyOwnerless,
		log:         cfg.Logger.With().Str("component", "booking").Logger(),
	}
	if e.loc == nil {
		e.loc = time.Local
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.NewString() }
	}
	return e
}

// Store returns the underlying store.
func (e *Engine) Store() Store { return e.store }

// Today is the current date in the engine's location.
func (e *Engine) Today() calendar.Date {
	return calendar.DateOf(e.now().In(e.loc))
}

// classify maps a transaction error to what the caller sees: domain errors
// unchanged, everything else a TransientStoreError.
func (e *Engine) classify(op string, err error) error {
	if err == nil || isDomainError(err) {
		return err
	}
	e.log.Error().Err(err).Str("op", op).Msg("transaction failed")
	return &TransientStoreError{Op: op, Err: err}
}

// =============================================================================
// PRECHECK AGAINST LOADED STATE
// =============================================================================

// PrecheckRequest is an optimistic check that does not take a transaction.
type PrecheckRequest struct {
	Lab          string
	InstrumentID string
	Quantity     int
	Slots        []calendar.Slot
}

// PrecheckLive loads the lab's instruments and the bookings covering the
// slots, then runs Precheck.
func (e *Engine) PrecheckLive(ctx context.Context, req PrecheckRequest) (Report, error) {
	if err := validateSlots(req.Lab, req.InstrumentID, req.Quantity, req.Slots); err != nil {
		return Report{}, err
	}
	instruments, err := e.store.Instruments(ctx, req.Lab)
	if err != nil {
		return Report{}, e.classify("precheck", err)
	}
	var target *Instrument
	for i := range instruments {
		if instruments[i].ID == req.InstrumentID {
			target = &instruments[i]
		}
	}
	if target == nil {
		return Report{}, &ResourceMissingError{Kind: "instrument", ID: req.InstrumentID}
	}

	from, to := slotSpan(req.Slots)
	live, err := e.store.BookingsInRange(ctx, req.Lab, from, to)
	if err != nil {
		return Report{}, e.classify("precheck", err)
	}
	return Precheck(*target, NewConflictGraph(instruments), req.Quantity, req.Slots, IndexBookings(live), e.Today()), nil
}

func slotSpan(slots []calendar.Slot) (from, to calendar.Date) {
	for i, s := range slots {
		if i == 0 || s.Date.Before(from) {
			from = s.Date
		}
		if i == 0 || s.Date.After(to) {
			to = s.Date
		}
	}
	return from, to
}

func validateSlots(lab, instrumentID string, qty int, slots []calendar.Slot) error {
	switch {
	case lab == "":
		return &ValidationError{Field: "lab", Reason: "is required"}
	case instrumentID == "":
		return &ValidationError{Field: "instrumentId", Reason: "is required"}
	case qty < 1:
		return &ValidationError{Field: "quantity", Reason: "must be at least 1"}
	case len(slots) == 0:
		return &ValidationError{Field: "slots", Reason: "must not be empty"}
	}
	seen := make(map[string]bool, len(slots))
	for _, s := range slots {
		if s.Date.IsZero() || !calendar.ValidHour(s.Hour) {
			return &ValidationError{Field: "slots", Reason: "contain an invalid slot " + s.String()}
		}
		if seen[s.Key()] {
			return &ValidationError{Field: "slots", Reason: "contain " + s.String() + " twice"}
		}
		seen[s.Key()] = true
	}
	return nil
}

// =============================================================================
// AVAILABILITY
// =============================================================================

// Availability returns the ledger view of one instrument's day, reading
// aggregates with the recompute fallback inside a read-only transaction.
func (e *Engine) Availability(ctx context.Context, lab, instrumentID string, date calendar.Date) (*DayUsage, error) {
	var usage *DayUsage
	err := e.store.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		inst, err := tx.Instrument(ctx, lab, instrumentID)
		if errors.Is(err, ErrNotFound) {
			return &ResourceMissingError{Kind: "instrument", ID: instrumentID}
		}
		if err != nil {
			return err
		}
		day := &DayUsage{Instrument: inst, Date: date, Hours: make([]SlotUsage, 0, 24)}
		for h := 0; h < 24; h++ {
			st, err := AggregateState(ctx, tx, lab, instrumentID, calendar.Slot{Date: date, Hour: h})
			if err != nil {
				return err
			}
			remaining := inst.Capacity() - st.UsedQuantity
			if remaining < 0 {
				remaining = 0
			}
			day.Hours = append(day.Hours, SlotUsage{
				Hour:         h,
				UsedQuantity: st.UsedQuantity,
				BookingCount: st.BookingCount,
				Capacity:     inst.Capacity(),
				Remaining:    remaining,
				Full:         remaining == 0,
			})
		}
		usage = day
		return nil
	})
	if err != nil {
		return nil, e.classify("availability", err)
	}
	return usage, nil
}
