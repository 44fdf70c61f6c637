package booking_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking/store"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const lab = "Chem Lab"

// Wednesday; the current week starts on 2026-02-09.
var now = time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

var (
	alice = booking.Identity{Name: "Alice", AuthID: "tok-alice"}
	bob   = booking.Identity{Name: "Bob", AuthID: "tok-bob"}
)

func newTestEngine(t *testing.T, cfg booking.Config) (*booking.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })

	var seq atomic.Int64
	cfg.Location = time.UTC
	cfg.Now = func() time.Time { return now }
	cfg.NewID = func() string { return fmt.Sprintf("id-%03d", seq.Add(1)) }
	cfg.Logger = zerolog.Nop()
	return booking.NewEngine(mem, cfg), mem
}

func seedInstruments(t *testing.T, mem *store.Memory, instruments ...booking.Instrument) {
	t.Helper()
	for _, inst := range instruments {
		if inst.Lab == "" {
			inst.Lab = lab
		}
		require.NoError(t, mem.SaveInstrument(context.Background(), inst))
	}
}

func inLab(inst booking.Instrument) booking.Instrument {
	inst.Lab = lab
	return inst
}

func slot(date string, hour int) calendar.Slot {
	return calendar.Slot{Date: calendar.MustParseDate(date), Hour: hour}
}

func commitReq(instrumentID string, qty int, actor booking.Identity, slots ...calendar.Slot) booking.CommitRequest {
	return booking.CommitRequest{Lab: lab, InstrumentID: instrumentID, Quantity: qty, Slots: slots, Actor: actor}
}

func allBookings(t *testing.T, mem *store.Memory) []booking.Booking {
	t.Helper()
	rows, err := mem.BookingsInRange(context.Background(), lab,
		calendar.MustParseDate("2026-01-01"), calendar.MustParseDate("2026-12-31"))
	require.NoError(t, err)
	return rows
}

// aggregate reads one ledger record; ok is false when it does not exist.
func aggregate(t *testing.T, mem *store.Memory, instrumentID string, s calendar.Slot) (booking.Aggregate, bool) {
	t.Helper()
	var (
		agg booking.Aggregate
		ok  bool
	)
	err := mem.RunTransaction(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		a, err := tx.Aggregate(ctx, booking.AggregateID(lab, instrumentID, s.Date, s.Hour))
		if errors.Is(err, booking.ErrNotFound) {
			return nil
		}
		agg, ok = a, err == nil
		return err
	})
	require.NoError(t, err)
	return agg, ok
}

var (
	hplc       = booking.Instrument{ID: "hplc", Name: "HPLC", MaxCapacity: 1}
	centrifuge = booking.Instrument{ID: "centrifuge", Name: "Centrifuge", MaxCapacity: 3}
	confocal   = booking.Instrument{ID: "confocal", Name: "Confocal", MaxCapacity: 1, Conflicts: []string{"laser"}}
	laser      = booking.Instrument{ID: "laser", Name: "Laser Cutter", MaxCapacity: 1}
)

// =============================================================================
// COMMIT
// =============================================================================

func TestCommit_SingleSlot(t *testing.T) {
	// GIVEN: an empty instrument
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)

	// WHEN: booking two units at 10:00
	group, err := engine.Commit(context.Background(), commitReq("centrifuge", 2, alice, slot("2026-02-12", 10)))

	// THEN: one row without a group id and a matching aggregate
	require.NoError(t, err)
	require.Len(t, group.Bookings, 1)
	assert.Empty(t, group.ID)
	b := group.Bookings[0]
	assert.Equal(t, "Centrifuge", b.InstrumentName)
	assert.Equal(t, "Alice", b.UserName)
	assert.Equal(t, "tok-alice", b.OwnerAuthID)
	assert.Equal(t, now, b.CreatedAt)

	agg, ok := aggregate(t, mem, "centrifuge", slot("2026-02-12", 10))
	require.True(t, ok)
	assert.Equal(t, 2, agg.UsedQuantity)
	assert.Equal(t, 1, agg.BookingCount)
}

func TestCommit_MultiSlotSharesGroupID(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)

	slots, err := calendar.Expand(calendar.ExpandRequest{
		StartDate: calendar.MustParseDate("2026-02-12"),
		Mode:      calendar.ModeOvernight,
	})
	require.NoError(t, err)

	group, err := engine.Commit(context.Background(), commitReq("hplc", 1, alice, slots...))
	require.NoError(t, err)

	require.Len(t, group.Bookings, 16)
	require.NotEmpty(t, group.ID)
	for _, b := range group.Bookings {
		assert.Equal(t, group.ID, b.GroupID)
	}
	assert.Len(t, allBookings(t, mem), 16)

	logs, err := mem.Logs(context.Background(), lab, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, booking.LogBooked, logs[0].Action)
	assert.Equal(t, 16, logs[0].Slots)
}

func TestCommit_CapacityExceeded_AllOrNothing(t *testing.T) {
	// GIVEN: 12:00 is already taken on a single-unit instrument
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	ctx := context.Background()
	_, err := engine.Commit(ctx, commitReq("hplc", 1, bob, slot("2026-02-12", 12)))
	require.NoError(t, err)

	// WHEN: booking working hours 9..16 the same day
	slots, err := calendar.Expand(calendar.ExpandRequest{
		StartDate: calendar.MustParseDate("2026-02-12"),
		Mode:      calendar.ModeWorkingHours,
	})
	require.NoError(t, err)
	_, err = engine.Commit(ctx, commitReq("hplc", 1, alice, slots...))

	// THEN: typed capacity error naming the slot, and nothing was written
	var capErr *booking.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.ErrorIs(t, err, booking.ErrCapacityExceeded)
	assert.Equal(t, booking.CodeCapacityExceeded, capErr.Code())
	assert.Equal(t, "2026-02-12 12:00 (Full)", capErr.Violation.Label)
	assert.Equal(t, 1, capErr.Violation.Used)

	assert.Len(t, allBookings(t, mem), 1)
	_, ok := aggregate(t, mem, "hplc", slot("2026-02-12", 9))
	assert.False(t, ok)
	agg, _ := aggregate(t, mem, "hplc", slot("2026-02-12", 12))
	assert.Equal(t, 1, agg.UsedQuantity)
}

func TestCommit_QuantityAboveCapacity(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)

	_, err := engine.Commit(context.Background(), commitReq("centrifuge", 4, alice, slot("2026-02-12", 10)))
	assert.ErrorIs(t, err, booking.ErrCapacityExceeded)
}

func TestCommit_SymmetricConflict(t *testing.T) {
	// GIVEN: Confocal declares a conflict with Laser Cutter; Laser does not
	tests := []struct {
		name, first, second string
	}{
		{"declared side blocked", "laser", "confocal"},
		{"undeclared side blocked", "confocal", "laser"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine, mem := newTestEngine(t, booking.Config{})
			seedInstruments(t, mem, confocal, laser)
			ctx := context.Background()

			_, err := engine.Commit(ctx, commitReq(tt.first, 1, bob, slot("2026-02-12", 14)))
			require.NoError(t, err)

			// WHEN: booking the other instrument in the same slot
			_, err = engine.Commit(ctx, commitReq(tt.second, 1, alice, slot("2026-02-12", 14)))

			// THEN: conflict naming the blocking instrument and its booker
			var confErr *booking.ConflictDetectedError
			require.ErrorAs(t, err, &confErr)
			assert.Equal(t, booking.CodeConflictDetected, confErr.Code())
			assert.Equal(t, []string{"Bob"}, confErr.Violation.Bookers)
			assert.Contains(t, confErr.Violation.Label, "by Bob")

			// A different hour is fine.
			_, err = engine.Commit(ctx, commitReq(tt.second, 1, alice, slot("2026-02-12", 15)))
			assert.NoError(t, err)
		})
	}
}

func TestCommit_PastSlotRejectedBeforeIO(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)

	// Sunday before the current week.
	_, err := engine.Commit(context.Background(), commitReq("centrifuge", 1, alice, slot("2026-02-08", 10)))
	var vErr *booking.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "too far in the past")

	// Monday of the current week is still bookable.
	_, err = engine.Commit(context.Background(), commitReq("centrifuge", 1, alice, slot("2026-02-09", 10)))
	assert.NoError(t, err)
}

func TestCommit_Validation(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	s := slot("2026-02-12", 10)

	tests := map[string]booking.CommitRequest{
		"no slots":       commitReq("centrifuge", 1, alice),
		"zero quantity":  commitReq("centrifuge", 0, alice, s),
		"no user":        commitReq("centrifuge", 1, booking.Identity{}, s),
		"duplicate slot": commitReq("centrifuge", 1, alice, s, s),
		"bad hour":       commitReq("centrifuge", 1, alice, slot("2026-02-12", 24)),
		"no instrument":  commitReq("", 1, alice, s),
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := engine.Commit(context.Background(), req)
			assert.ErrorIs(t, err, booking.ErrValidation)
		})
	}
	assert.Empty(t, allBookings(t, mem))
}

func TestCommit_InstrumentMissing(t *testing.T) {
	engine, _ := newTestEngine(t, booking.Config{})

	_, err := engine.Commit(context.Background(), commitReq("ghost", 1, alice, slot("2026-02-12", 10)))

	var missing *booking.ResourceMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, booking.CodeInstrumentMissing, missing.Code())
	assert.Equal(t, "ghost", missing.ID)
}

func TestCommit_UnderMaintenance(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	broken := centrifuge
	broken.UnderMaintenance = true
	seedInstruments(t, mem, broken)

	_, err := engine.Commit(context.Background(), commitReq("centrifuge", 1, alice, slot("2026-02-12", 10)))
	assert.ErrorIs(t, err, booking.ErrValidation)
	assert.Empty(t, allBookings(t, mem))
}

func TestCommit_SelfHealsMissingAggregate(t *testing.T) {
	// GIVEN: a booking whose aggregate record was lost
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	ctx := context.Background()
	s := slot("2026-02-12", 10)
	_, err := engine.Commit(ctx, commitReq("hplc", 1, bob, s))
	require.NoError(t, err)
	require.NoError(t, mem.RunTransaction(ctx, func(ctx context.Context, tx booking.Tx) error {
		return tx.DeleteAggregate(ctx, booking.AggregateID(lab, "hplc", s.Date, s.Hour))
	}))

	// WHEN: booking the same slot again
	_, err = engine.Commit(ctx, commitReq("hplc", 1, alice, s))

	// THEN: capacity is still enforced from the recomputed state
	assert.ErrorIs(t, err, booking.ErrCapacityExceeded)
}

func TestCommit_ConcurrentLastUnit(t *testing.T) {
	// GIVEN: two members racing for the only unit of one slot
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	s := slot("2026-02-12", 10)

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		full      atomic.Int32
	)
	start := make(chan struct{})
	for _, who := range []booking.Identity{alice, bob} {
		wg.Add(1)
		go func(who booking.Identity) {
			defer wg.Done()
			<-start
			_, err := engine.Commit(context.Background(), commitReq("hplc", 1, who, s))
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, booking.ErrCapacityExceeded):
				full.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(who)
	}
	close(start)
	wg.Wait()

	// THEN: exactly one wins
	assert.Equal(t, int32(1), successes.Load())
	assert.Equal(t, int32(1), full.Load())
	agg, _ := aggregate(t, mem, "hplc", s)
	assert.Equal(t, 1, agg.UsedQuantity)
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_GroupFromLoadedSet(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	ctx := context.Background()

	group, err := engine.Commit(ctx, commitReq("hplc", 1, alice, slot("2026-02-12", 10), slot("2026-02-12", 11)))
	require.NoError(t, err)

	n, err := engine.Cancel(ctx, booking.CancelRequest{
		Lab: lab, GroupID: group.ID, Actor: alice, Loaded: allBookings(t, mem),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, allBookings(t, mem))

	_, ok := aggregate(t, mem, "hplc", slot("2026-02-12", 10))
	assert.False(t, ok, "aggregate must be deleted, not zeroed")
}

func TestCancel_GroupFallsBackToQuery(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	ctx := context.Background()

	group, err := engine.Commit(ctx, commitReq("hplc", 1, alice, slot("2026-02-12", 10), slot("2026-02-19", 10)))
	require.NoError(t, err)

	// Nothing loaded on the client.
	n, err := engine.Cancel(ctx, booking.CancelRequest{Lab: lab, GroupID: group.ID, Actor: alice})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCancel_GroupWithPartialLoadedSet(t *testing.T) {
	// GIVEN: a repeating group whose second week is outside the client's window
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	ctx := context.Background()

	group, err := engine.Commit(ctx, commitReq("hplc", 1, alice, slot("2026-02-12", 10), slot("2026-02-19", 10)))
	require.NoError(t, err)

	// WHEN: cancelling with only the first week loaded
	n, err := engine.Cancel(ctx, booking.CancelRequest{
		Lab: lab, GroupID: group.ID, Actor: alice, Loaded: group.Bookings[:1],
	})

	// THEN: the whole group is gone
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, allBookings(t, mem))
	_, ok := aggregate(t, mem, "hplc", slot("2026-02-19", 10))
	assert.False(t, ok)
}

func TestCancel_GroupIgnoresLoadedRowsOfOtherGroups(t *testing.T) {
	// GIVEN: a group and an unrelated booking of the same user
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc, centrifuge)
	ctx := context.Background()

	group, err := engine.Commit(ctx, commitReq("hplc", 1, alice, slot("2026-02-12", 10), slot("2026-02-12", 11)))
	require.NoError(t, err)
	other, err := engine.Commit(ctx, commitReq("centrifuge", 1, alice, slot("2026-02-13", 9)))
	require.NoError(t, err)

	// WHEN: the loaded set tags the unrelated booking with the group id
	retagged := other.Bookings[0]
	retagged.GroupID = group.ID
	n, err := engine.Cancel(ctx, booking.CancelRequest{
		Lab: lab, GroupID: group.ID, Actor: alice, Loaded: []booking.Booking{retagged},
	})

	// THEN: the group is cancelled and the unrelated booking survives
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	remaining := allBookings(t, mem)
	require.Len(t, remaining, 1)
	assert.Equal(t, other.Bookings[0].ID, remaining[0].ID)
	agg, ok := aggregate(t, mem, "centrifuge", slot("2026-02-13", 9))
	require.True(t, ok)
	assert.Equal(t, 1, agg.UsedQuantity)
}

func TestCancel_BookingIDCancelsWholeGroup(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, hplc)
	ctx := context.Background()

	group, err := engine.Commit(ctx, commitReq("hplc", 1, alice,
		slot("2026-02-12", 10), slot("2026-02-12", 11), slot("2026-02-12", 12)))
	require.NoError(t, err)

	n, err := engine.Cancel(ctx, booking.CancelRequest{Lab: lab, BookingID: group.Bookings[1].ID, Actor: alice})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Empty(t, allBookings(t, mem))

	logs, err := mem.Logs(ctx, lab, 1)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, booking.LogCancelled, logs[0].Action)
	assert.Equal(t, 3, logs[0].Slots)
	assert.Equal(t, group.ID, logs[0].GroupID)
}

func TestCancel_BookingIDWithoutGroup(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	putRows(t, mem,
		booking.Booking{ID: "solo", Lab: lab, InstrumentID: "centrifuge", Date: calendar.MustParseDate("2026-02-12"), Hour: 10, UserName: "Alice", Quantity: 1},
		booking.Booking{ID: "other", Lab: lab, InstrumentID: "centrifuge", Date: calendar.MustParseDate("2026-02-12"), Hour: 10, UserName: "Alice", Quantity: 1},
	)

	n, err := engine.Cancel(context.Background(), booking.CancelRequest{Lab: lab, BookingID: "solo", Actor: alice})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	remaining := allBookings(t, mem)
	require.Len(t, remaining, 1)
	assert.Equal(t, "other", remaining[0].ID)
}

func TestCancel_Idempotent(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	ctx := context.Background()

	g1, err := engine.Commit(ctx, commitReq("centrifuge", 1, alice, slot("2026-02-12", 10)))
	require.NoError(t, err)
	_, err = engine.Commit(ctx, commitReq("centrifuge", 2, bob, slot("2026-02-12", 10)))
	require.NoError(t, err)

	req := booking.CancelRequest{Lab: lab, BookingID: g1.Bookings[0].ID, Actor: alice}
	n, err := engine.Cancel(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// WHEN: cancelling again
	n, err = engine.Cancel(ctx, req)

	// THEN: zero cancelled, ledger unchanged
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	agg, ok := aggregate(t, mem, "centrifuge", slot("2026-02-12", 10))
	require.True(t, ok)
	assert.Equal(t, 2, agg.UsedQuantity)
	assert.Equal(t, 1, agg.BookingCount)
}

func TestCancel_Ownership(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	ctx := context.Background()

	g, err := engine.Commit(ctx, commitReq("centrifuge", 1, alice, slot("2026-02-12", 10)))
	require.NoError(t, err)
	id := g.Bookings[0].ID

	_, err = engine.Cancel(ctx, booking.CancelRequest{Lab: lab, BookingID: id, Actor: bob})
	var ownErr *booking.OwnershipError
	require.ErrorAs(t, err, &ownErr)
	assert.Equal(t, id, ownErr.BookingID)
	assert.Len(t, allBookings(t, mem), 1)

	// Same display name with different case and spacing, new session token.
	n, err := engine.Cancel(ctx, booking.CancelRequest{
		Lab: lab, BookingID: id, Actor: booking.Identity{Name: "  alice ", AuthID: "rotated"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCancel_OwnershipByToken(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	ctx := context.Background()

	g, err := engine.Commit(ctx, commitReq("centrifuge", 1, alice, slot("2026-02-12", 10)))
	require.NoError(t, err)

	n, err := engine.Cancel(ctx, booking.CancelRequest{
		Lab: lab, BookingID: g.Bookings[0].ID, Actor: booking.Identity{Name: "Alice Renamed", AuthID: "tok-alice"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// putRows writes raw rows and matching aggregates, bypassing Commit.
func putRows(t *testing.T, mem *store.Memory, rows ...booking.Booking) {
	t.Helper()
	require.NoError(t, mem.RunTransaction(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		counts := map[string]booking.Aggregate{}
		for _, b := range rows {
			if err := tx.PutBooking(ctx, b); err != nil {
				return err
			}
			if b.CheckShape() != nil {
				continue
			}
			id := booking.AggregateID(b.Lab, b.InstrumentID, b.Date, b.Hour)
			a := counts[id]
			a.ID, a.Lab, a.InstrumentID, a.Date, a.Hour = id, b.Lab, b.InstrumentID, b.Date, b.Hour
			a.UsedQuantity += b.Units()
			a.BookingCount++
			counts[id] = a
		}
		for _, a := range counts {
			if err := tx.PutAggregate(ctx, a); err != nil {
				return err
			}
		}
		return nil
	}))
}

func legacyRow(id, user string, s calendar.Slot) booking.Booking {
	return booking.Booking{
		ID: id, Lab: lab, InstrumentID: "centrifuge", InstrumentName: "Centrifuge",
		Date: s.Date, Hour: s.Hour, UserName: user, GroupID: "legacy-group",
	}
}

func TestCancel_LegacyOwnerlessGroup(t *testing.T) {
	rows := []booking.Booking{
		legacyRow("old-1", "", slot("2026-02-12", 10)),
		legacyRow("old-2", "", slot("2026-02-12", 11)),
	}

	t.Run("allowed by default", func(t *testing.T) {
		engine, mem := newTestEngine(t, booking.Config{})
		seedInstruments(t, mem, centrifuge)
		putRows(t, mem, rows...)

		n, err := engine.Cancel(context.Background(), booking.CancelRequest{Lab: lab, GroupID: "legacy-group", Actor: bob})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("denied when disabled", func(t *testing.T) {
		engine, mem := newTestEngine(t, booking.Config{DisableLegacyOwnerless: true})
		seedInstruments(t, mem, centrifuge)
		putRows(t, mem, rows...)

		_, err := engine.Cancel(context.Background(), booking.CancelRequest{Lab: lab, GroupID: "legacy-group", Actor: bob})
		assert.ErrorIs(t, err, booking.ErrNotOwner)
	})

	t.Run("named owner blocks fallback", func(t *testing.T) {
		engine, mem := newTestEngine(t, booking.Config{})
		seedInstruments(t, mem, centrifuge)
		putRows(t, mem, legacyRow("old-1", "", slot("2026-02-12", 10)), legacyRow("old-2", "Alice", slot("2026-02-12", 11)))

		_, err := engine.Cancel(context.Background(), booking.CancelRequest{Lab: lab, GroupID: "legacy-group", Actor: bob})
		assert.ErrorIs(t, err, booking.ErrNotOwner)
	})
}

func TestCancel_SkipsMalformedRows(t *testing.T) {
	// GIVEN: a group where one row lost its instrument id
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	good := legacyRow("row-1", "Alice", slot("2026-02-12", 10))
	bad := legacyRow("row-2", "Alice", slot("2026-02-12", 11))
	bad.InstrumentID = ""
	putRows(t, mem, good, bad)

	// WHEN: cancelling the group
	n, err := engine.Cancel(context.Background(), booking.CancelRequest{Lab: lab, GroupID: "legacy-group", Actor: alice})

	// THEN: only the valid row is cancelled and its aggregate removed
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, ok := aggregate(t, mem, "centrifuge", slot("2026-02-12", 10))
	assert.False(t, ok)
	remaining := allBookings(t, mem)
	require.Len(t, remaining, 1)
	assert.Equal(t, "row-2", remaining[0].ID)
}

func TestCancel_RequiresTarget(t *testing.T) {
	engine, _ := newTestEngine(t, booking.Config{})
	_, err := engine.Cancel(context.Background(), booking.CancelRequest{Lab: lab, Actor: alice})
	assert.ErrorIs(t, err, booking.ErrValidation)
}

// =============================================================================
// LEDGER INVARIANT
// =============================================================================

func TestLedger_MatchesBookingsOverSequence(t *testing.T) {
	engine, mem := newTestEngine(t, booking.Config{})
	seedInstruments(t, mem, centrifuge)
	ctx := context.Background()
	s := slot("2026-02-13", 9)

	check := func() {
		t.Helper()
		sum, count := 0, 0
		for _, b := range allBookings(t, mem) {
			sum += b.Quantity
			count++
		}
		agg, ok := aggregate(t, mem, "centrifuge", s)
		if count == 0 {
			assert.False(t, ok)
			return
		}
		require.True(t, ok)
		assert.Equal(t, sum, agg.UsedQuantity)
		assert.Equal(t, count, agg.BookingCount)
		assert.LessOrEqual(t, agg.UsedQuantity, centrifuge.MaxCapacity)
	}

	users := []booking.Identity{alice, bob, {Name: "Carol"}}
	var ids []string
	for i, qty := range []int{1, 2, 1, 1} {
		g, err := engine.Commit(ctx, commitReq("centrifuge", qty, users[i%len(users)], s))
		if err != nil {
			assert.ErrorIs(t, err, booking.ErrCapacityExceeded)
		} else {
			ids = append(ids, g.Bookings[0].ID)
		}
		check()
	}
	require.Len(t, ids, 2)

	for i, id := range ids {
		_, err := engine.Cancel(ctx, booking.CancelRequest{Lab: lab, BookingID: id, Actor: users[i]})
		require.NoError(t, err)
		check()
	}
}

// =============================================================================
// INFRASTRUCTURE FAILURES
// =============================================================================

type failingStore struct {
	*store.Memory
	err error
}

func (f failingStore) RunTransaction(context.Context, booking.TxFunc) error { return f.err }

func TestCommit_InfrastructureErrorIsTransient(t *testing.T) {
	mem := store.NewMemory()
	require.NoError(t, mem.SaveInstrument(context.Background(), inLab(hplc)))
	engine := booking.NewEngine(failingStore{Memory: mem, err: errors.New("connection reset")}, booking.Config{
		Now: func() time.Time { return now }, Location: time.UTC, Logger: zerolog.Nop(),
	})

	_, err := engine.Commit(context.Background(), commitReq("hplc", 1, alice, slot("2026-02-12", 10)))

	var tErr *booking.TransientStoreError
	require.ErrorAs(t, err, &tErr)
	assert.ErrorIs(t, err, booking.ErrTransient)
	assert.Equal(t, "booking failed, please retry", err.Error())
	assert.Equal(t, booking.CodeRetry, tErr.Code())
}

func TestMemory_ReadAfterWriteRejected(t *testing.T) {
	mem := store.NewMemory()
	err := mem.RunTransaction(context.Background(), func(ctx context.Context, tx booking.Tx) error {
		if err := tx.DeleteAggregate(ctx, "x"); err != nil {
			return err
		}
		_, err := tx.Aggregate(ctx, "x")
		return err
	})
	assert.ErrorIs(t, err, booking.ErrReadAfterWrite)
}

func TestMemory_ContentionExhausted(t *testing.T) {
	mem := store.NewMemory()
	mem.SetMaxAttempts(2)
	ctx := context.Background()
	require.NoError(t, mem.SaveInstrument(ctx, inLab(hplc)))

	attempts := 0
	err := mem.RunTransaction(ctx, func(ctx context.Context, tx booking.Tx) error {
		attempts++
		if _, err := tx.Instrument(ctx, lab, "hplc"); err != nil {
			return err
		}
		// A concurrent admin edit lands between read and commit.
		return mem.SaveInstrument(ctx, inLab(hplc))
	})
	assert.ErrorIs(t, err, booking.ErrContention)
	assert.Equal(t, 2, attempts)
}
