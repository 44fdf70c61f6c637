/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate a lab with realistic
	instruments and bookings for demos and manual testing. Each scenario
	creates instruments, then books the current week through the engine so
	the ledger and usage log stay consistent.

AVAILABLE SCENARIOS:

	shared-core:    Core facility with a conflicting confocal/laser pair
	busy-week:      Multi-unit centrifuge booked close to capacity
	legacy-import:  Ownerless rows from an old import, ledger rebuilt by
	                reconciliation

HOW SCENARIOS WORK:
 1. Save instruments (create or replace)
 2. Commit bookings relative to the current week
 3. Bookings that no longer fit (scenario already loaded) are skipped
 4. legacy-import writes rows directly and runs Engine.Reconcile

USAGE VIA API:

	POST /api/labs/{lab}/scenarios/load
	{"scenario_id": "shared-core"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' slice with ID, name, description
 2. Create loader function: loadXxxScenario(ctx, lab)
 3. Add case to LoadScenario handler

NOTE:

	Scenarios add to whatever the lab already holds. Only use in
	development/demo environments.

SEE ALSO:
  - handlers.go: Instrument and booking handlers
  - booking/reconcile.go: Ledger repair used by legacy-import
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/cockroachdb/errors"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "shared-core",
		Name:        "Shared Core Facility",
		Description: "HPLC, centrifuge and a confocal that cannot run alongside the laser cutter",
		Category:    "conflicts",
	},
	{
		ID:          "busy-week",
		Name:        "Busy Week",
		Description: "Four-rotor centrifuge booked for working hours all week",
		Category:    "capacity",
	},
	{
		ID:          "legacy-import",
		Name:        "Legacy Import",
		Description: "Ownerless rows without quantities, ledger rebuilt by reconciliation",
		Category:    "ledger",
	},
}

// scenarioBooking is one commit, placed relative to the current Monday.
type scenarioBooking struct {
	user       string
	instrument string
	day        int
	hour       int
	mode       calendar.Mode
	quantity   int
	repeat     int
}

// ScenarioResult summarizes one load.
type ScenarioResult struct {
	Status      string `json:"status"`
	Scenario    string `json:"scenario"`
	Lab         string `json:"lab"`
	Instruments int    `json:"instruments"`
	Bookings    int    `json:"bookings"`
	Skipped     int    `json:"skipped"`
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the scenario last loaded into the lab, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario[labParam(r)]
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current, Description: "Currently loaded scenario"})
}

// LoadScenario loads a predefined scenario into the lab.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	lab := labParam(r)

	var (
		result *ScenarioResult
		err    error
	)
	switch req.ScenarioID {
	case "shared-core":
		result, err = h.loadSharedCoreScenario(ctx, lab)
	case "busy-week":
		result, err = h.loadBusyWeekScenario(ctx, lab)
	case "legacy-import":
		result, err = h.loadLegacyImportScenario(ctx, lab)
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	h.mu.Lock()
	h.currentScenario[lab] = req.ScenarioID
	h.mu.Unlock()

	result.Status = "loaded"
	result.Scenario = req.ScenarioID
	writeJSON(w, http.StatusOK, result)
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadSharedCoreScenario(ctx context.Context, lab string) (*ScenarioResult, error) {
	instruments := []booking.Instrument{
		{ID: "hplc-1", Name: "HPLC", Location: "Room 2.14", Color: "#1f77b4", MaxCapacity: 1},
		{ID: "centrifuge-1", Name: "Centrifuge", Location: "Room 2.10", Color: "#ff7f0e", MaxCapacity: 2,
			Units: []string{"Rotor A", "Rotor B"}},
		{ID: "confocal-1", Name: "Confocal Microscope", Location: "Imaging Suite", Color: "#2ca02c", MaxCapacity: 1,
			Conflicts: []string{"laser-1"}},
		{ID: "laser-1", Name: "Laser Cutter", Location: "Imaging Suite", Color: "#d62728", MaxCapacity: 1},
	}
	bookings := []scenarioBooking{
		{user: "Alice Johnson", instrument: "hplc-1", day: 1, mode: calendar.ModeWorkingHours},
		{user: "Bob Smith", instrument: "centrifuge-1", day: 2, hour: 10, mode: calendar.ModeSingle, quantity: 2},
		{user: "Carol White", instrument: "laser-1", day: 3, hour: 14, mode: calendar.ModeSingle},
		{user: "Dan Brown", instrument: "confocal-1", day: 3, mode: calendar.ModeOvernight},
		{user: "Alice Johnson", instrument: "confocal-1", day: 4, hour: 9, mode: calendar.ModeSingle, repeat: 2},
	}
	return h.loadScenario(ctx, lab, instruments, bookings)
}

func (h *Handler) loadBusyWeekScenario(ctx context.Context, lab string) (*ScenarioResult, error) {
	instruments := []booking.Instrument{
		{ID: "centrifuge-4", Name: "Ultracentrifuge", Location: "Room 1.02", Color: "#9467bd", MaxCapacity: 4,
			Units: []string{"Rotor 1", "Rotor 2", "Rotor 3", "Rotor 4"}},
		{ID: "pcr-1", Name: "PCR Cycler", Location: "Room 1.04", Color: "#8c564b", MaxCapacity: 1},
	}
	var bookings []scenarioBooking
	users := []string{"Alice Johnson", "Bob Smith", "Carol White"}
	for day := 0; day < 5; day++ {
		bookings = append(bookings,
			scenarioBooking{user: users[day%len(users)], instrument: "centrifuge-4", day: day, mode: calendar.ModeWorkingHours, quantity: 2},
			scenarioBooking{user: users[(day+1)%len(users)], instrument: "centrifuge-4", day: day, mode: calendar.ModeWorkingHours, quantity: 1},
			scenarioBooking{user: users[(day+2)%len(users)], instrument: "pcr-1", day: day, mode: calendar.ModeOvernight},
		)
	}
	return h.loadScenario(ctx, lab, instruments, bookings)
}

// loadLegacyImportScenario writes rows the way an old import left them: no
// owner, no quantity, no ledger records. Reconciliation then rebuilds the
// ledger, and the ownerless group stays cancellable by any member while
// the legacy policy is enabled.
func (h *Handler) loadLegacyImportScenario(ctx context.Context, lab string) (*ScenarioResult, error) {
	inst := booking.Instrument{ID: "nmr-1", Lab: lab, Name: "NMR Spectrometer", Location: "Basement", Color: "#17becf", MaxCapacity: 1}
	if err := h.Store.SaveInstrument(ctx, inst); err != nil {
		return nil, err
	}

	weekStart := h.Engine.Today().WeekStart()
	legacy, err := calendar.Expand(calendar.ExpandRequest{
		StartDate: weekStart.AddDays(2),
		Mode:      calendar.ModeWorkingHours,
	})
	if err != nil {
		return nil, err
	}
	groupID := "legacy-import-" + lab
	err = h.Store.RunTransaction(ctx, func(ctx context.Context, tx booking.Tx) error {
		for _, s := range legacy {
			b := booking.Booking{
				ID:             "legacy-" + s.Key(),
				Lab:            lab,
				InstrumentID:   inst.ID,
				InstrumentName: inst.Name,
				Date:           s.Date,
				Hour:           s.Hour,
				GroupID:        groupID,
			}
			if err := tx.PutBooking(ctx, b); err != nil {
				return errors.Wrapf(err, "write legacy booking %s", b.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := h.Engine.Reconcile(ctx, lab, weekStart, weekStart.AddDays(6)); err != nil {
		return nil, err
	}
	return &ScenarioResult{Lab: lab, Instruments: 1, Bookings: len(legacy)}, nil
}

// loadScenario saves the instruments, then commits each booking. Bookings
// rejected by arbitration are counted as skipped, so loading twice is safe.
func (h *Handler) loadScenario(ctx context.Context, lab string, instruments []booking.Instrument, bookings []scenarioBooking) (*ScenarioResult, error) {
	result := &ScenarioResult{Lab: lab}
	for _, inst := range instruments {
		inst.Lab = lab
		if err := h.Store.SaveInstrument(ctx, inst); err != nil {
			return nil, err
		}
		result.Instruments++
	}

	weekStart := h.Engine.Today().WeekStart()
	for i, sb := range bookings {
		slots, err := calendar.Expand(calendar.ExpandRequest{
			StartDate:   weekStart.AddDays(sb.day),
			StartHour:   sb.hour,
			RepeatWeeks: sb.repeat,
			Mode:        sb.mode,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "scenario booking %d", i)
		}
		qty := sb.quantity
		if qty == 0 {
			qty = 1
		}
		group, err := h.Engine.Commit(ctx, booking.CommitRequest{
			Lab:          lab,
			InstrumentID: sb.instrument,
			Quantity:     qty,
			Slots:        slots,
			Actor:        booking.Identity{Name: sb.user},
		})
		switch {
		case errors.Is(err, booking.ErrCapacityExceeded), errors.Is(err, booking.ErrConflict):
			result.Skipped++
		case err != nil:
			return nil, errors.Wrapf(err, "scenario booking %d", i)
		default:
			result.Bookings += len(group.Bookings)
		}
	}
	return result, nil
}
