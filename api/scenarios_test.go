/*
scenarios_test.go - Unit tests for demo scenarios

PURPOSE:
	Tests that each scenario correctly sets up the expected state:
	- Instruments are created in the requested lab
	- Bookings go through the engine and land in the ledger
	- Reloading a scenario skips what no longer fits
	- Legacy rows are reconciled and follow the ownerless policy
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking/store"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupScenarioHandler(t *testing.T, cfg booking.Config) *Handler {
	t.Helper()
	mem := store.NewMemory()
	t.Cleanup(func() { mem.Close() })
	cfg.Now = func() time.Time { return now }
	cfg.Location = time.UTC
	cfg.Logger = zerolog.Nop()
	return NewHandler(booking.NewEngine(mem, cfg), nil, zerolog.Nop())
}

func TestScenario_SharedCore(t *testing.T) {
	// GIVEN: An empty lab
	// WHEN: Loading the shared-core scenario twice
	// THEN: The first load books everything, the second skips every booking

	h := setupScenarioHandler(t, booking.Config{})
	ctx := context.Background()

	result, err := h.loadSharedCoreScenario(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Instruments)
	assert.Equal(t, 29, result.Bookings)
	assert.Zero(t, result.Skipped)

	instruments, err := h.Store.Instruments(ctx, lab)
	require.NoError(t, err)
	require.Len(t, instruments, 4)
	graph := booking.NewConflictGraph(instruments)
	assert.True(t, graph.Conflicts("laser-1", "confocal-1"))

	again, err := h.loadSharedCoreScenario(ctx, lab)
	require.NoError(t, err)
	assert.Zero(t, again.Bookings)
	assert.Equal(t, 5, again.Skipped)

	logs, err := h.Store.Logs(ctx, lab, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 5)
}

func TestScenario_BusyWeek(t *testing.T) {
	h := setupScenarioHandler(t, booking.Config{})
	ctx := context.Background()

	result, err := h.loadBusyWeekScenario(ctx, lab)
	require.NoError(t, err)
	assert.Zero(t, result.Skipped)

	// Three of four rotors are taken during working hours.
	day, err := h.Engine.Availability(ctx, lab, "centrifuge-4", calendar.MustParseDate("2026-02-11"))
	require.NoError(t, err)
	assert.Equal(t, 3, day.Hours[9].UsedQuantity)
	assert.Equal(t, 1, day.Hours[9].Remaining)
	assert.Equal(t, 0, day.Hours[17].UsedQuantity)
}

func TestScenario_LegacyImport(t *testing.T) {
	// GIVEN: Ownerless rows written without ledger records
	// WHEN: Loading the legacy-import scenario
	// THEN: The ledger is rebuilt and any member may cancel the group

	h := setupScenarioHandler(t, booking.Config{})
	ctx := context.Background()

	result, err := h.loadLegacyImportScenario(ctx, lab)
	require.NoError(t, err)
	assert.Equal(t, 8, result.Bookings)

	day, err := h.Engine.Availability(ctx, lab, "nmr-1", calendar.MustParseDate("2026-02-11"))
	require.NoError(t, err)
	assert.True(t, day.Hours[9].Full)
	assert.Equal(t, 1, day.Hours[16].BookingCount)

	n, err := h.Engine.Cancel(ctx, booking.CancelRequest{
		Lab:     lab,
		GroupID: "legacy-import-" + lab,
		Actor:   booking.Identity{Name: "Bob Smith"},
	})
	require.NoError(t, err)
	assert.Equal(t, 8, n)

	aggregates, err := h.Store.AggregatesInRange(ctx, lab, calendar.MustParseDate("2026-02-09"), calendar.MustParseDate("2026-02-15"))
	require.NoError(t, err)
	assert.Empty(t, aggregates)
}

func TestScenario_LegacyImportWithoutOwnerlessPolicy(t *testing.T) {
	h := setupScenarioHandler(t, booking.Config{DisableLegacyOwnerless: true})
	ctx := context.Background()

	_, err := h.loadLegacyImportScenario(ctx, lab)
	require.NoError(t, err)

	_, err = h.Engine.Cancel(ctx, booking.CancelRequest{
		Lab:     lab,
		GroupID: "legacy-import-" + lab,
		Actor:   booking.Identity{Name: "Bob Smith"},
	})
	assert.ErrorIs(t, err, booking.ErrNotOwner)
}

func TestScenario_LoadViaAPI(t *testing.T) {
	env := newTestEnv(t, nil, RouterConfig{})

	rec := env.do(t, http.MethodPost, "/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, "admin")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/scenarios/load", LoadScenarioRequest{ScenarioID: "busy-week"}, "admin")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	result := decode[ScenarioResult](t, rec)
	assert.Equal(t, "loaded", result.Status)
	assert.Equal(t, lab, result.Lab)

	rec = env.do(t, http.MethodGet, "/scenarios/current", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "busy-week", decode[ScenarioDTO](t, rec).ID)
}
