/*
handlers.go - HTTP API handlers for the lab booking engine

PURPOSE:
  Exposes the booking engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the booking package.

ENDPOINTS:
  Instruments:
    GET    /api/labs/{lab}/instruments              List instruments
    POST   /api/labs/{lab}/instruments              Create or replace instrument
    DELETE /api/labs/{lab}/instruments/{id}         Delete instrument
    GET    /api/labs/{lab}/instruments/{id}/availability?date=
                                                    24-hour ledger view

  Bookings:
    POST   /api/labs/{lab}/slots/expand             Expand a request into slots
    POST   /api/labs/{lab}/bookings/precheck        Report every violation
    POST   /api/labs/{lab}/bookings                 Commit a booking group
    GET    /api/labs/{lab}/bookings?from=&to=       Bookings in a date window
    DELETE /api/labs/{lab}/bookings/{id}            Cancel a booking and its group
    DELETE /api/labs/{lab}/groups/{groupID}         Cancel a whole group

  Ledger:
    GET    /api/labs/{lab}/logs?limit=              Usage log, newest first
    POST   /api/labs/{lab}/ledger/reconcile         Repair aggregate drift

  Feed:
    GET    /api/labs/{lab}/feed?from=&to=           Websocket change feed

  Scenarios:
    GET    /api/scenarios                           List demo scenarios
    GET    /api/labs/{lab}/scenarios/current        Scenario last loaded
    POST   /api/labs/{lab}/scenarios/load           Load a demo scenario

IDENTITY:
  The acting member is taken from X-User-Name and X-Auth-ID. Membership
  and lab passwords are checked by the gateway in front of this service.

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 403: Cancelling someone else's booking
  - 404: Instrument or record not found
  - 409: Capacity exceeded or instrument conflict (details list every slot)
  - 503: Transient store failure, safe to retry
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - ws.go: Websocket feed
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	HeaderUserName = "X-User-Name"
	HeaderAuthID   = "X-Auth-ID"

	defaultLogLimit = 100
	maxWindowDays   = 62
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Feed streams committed booking changes for one lab.
type Feed interface {
	Subscribe(ctx context.Context, lab string) (<-chan []feed.Change[booking.Booking], error)
}

// HubFeed serves subscriptions from a hub, typically the output of a
// feed.RedisBridge.
type HubFeed struct {
	Hub *feed.Hub[booking.Booking]
}

func (f HubFeed) Subscribe(ctx context.Context, lab string) (<-chan []feed.Change[booking.Booking], error) {
	return f.Hub.Subscribe(ctx, booking.LabFilter(lab)), nil
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine *booking.Engine
	Store  booking.Store
	Feed   Feed
	log    zerolog.Logger

	mu              sync.Mutex
	currentScenario map[string]string // lab -> scenario id
}

// NewHandler creates a handler. A nil feed subscribes to the store directly.
func NewHandler(engine *booking.Engine, changes Feed, log zerolog.Logger) *Handler {
	if changes == nil {
		changes = engine.Store()
	}
	return &Handler{
		Engine: engine,
		Store:  engine.Store(),
		Feed:   changes,
		log:    log,

		currentScenario: make(map[string]string),
	}
}

func labParam(r *http.Request) string {
	return chi.URLParam(r, "lab")
}

func actorFrom(r *http.Request) booking.Identity {
	return booking.Identity{
		Name:   strings.TrimSpace(r.Header.Get(HeaderUserName)),
		AuthID: strings.TrimSpace(r.Header.Get(HeaderAuthID)),
	}
}

// =============================================================================
// INSTRUMENT HANDLERS
// =============================================================================

// ListInstruments returns every instrument of the lab.
func (h *Handler) ListInstruments(w http.ResponseWriter, r *http.Request) {
	instruments, err := h.Store.Instruments(r.Context(), labParam(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if instruments == nil {
		instruments = []booking.Instrument{}
	}
	writeJSON(w, http.StatusOK, instruments)
}

// SaveInstrument creates or replaces an instrument.
func (h *Handler) SaveInstrument(w http.ResponseWriter, r *http.Request) {
	var req InstrumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	inst := req.instrument(labParam(r))
	if err := h.Store.SaveInstrument(r.Context(), inst); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

func (h *Handler) DeleteInstrument(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.DeleteInstrument(r.Context(), labParam(r), chi.URLParam(r, "id")); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetAvailability returns the 24-hour ledger view of one instrument.
func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	date := h.Engine.Today()
	if s := r.URL.Query().Get("date"); s != "" {
		d, err := calendar.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date", err)
			return
		}
		date = d
	}
	day, err := h.Engine.Availability(r.Context(), labParam(r), chi.URLParam(r, "id"), date)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAvailabilityResponse(day))
}

// =============================================================================
// BOOKING HANDLERS
// =============================================================================

// ExpandSlots previews the slots a request covers.
func (h *Handler) ExpandSlots(w http.ResponseWriter, r *http.Request) {
	var req ExpandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	slots, err := req.expand()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toExpandResponse(slots))
}

// PrecheckBooking reports every violation of a request against live state.
// A failing precheck is still 200; the report is the answer.
func (h *Handler) PrecheckBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	slots, err := req.slots()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	report, err := h.Engine.PrecheckLive(r.Context(), booking.PrecheckRequest{
		Lab:          labParam(r),
		InstrumentID: req.InstrumentID,
		Quantity:     req.quantity(),
		Slots:        slots,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	violations := report.Violations
	if violations == nil {
		violations = []booking.Violation{}
	}
	writeJSON(w, http.StatusOK, PrecheckResponse{
		OK:         report.OK(),
		Slots:      slots,
		Violations: violations,
		Labels:     report.Labels(),
	})
}

// CreateBooking commits a booking group all-or-nothing.
func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req BookingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	slots, err := req.slots()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	group, err := h.Engine.Commit(r.Context(), booking.CommitRequest{
		Lab:          labParam(r),
		InstrumentID: req.InstrumentID,
		Quantity:     req.quantity(),
		Slots:        slots,
		Actor:        actorFrom(r),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

// ListBookings returns bookings in [from, to], defaulting to the current
// week.
func (h *Handler) ListBookings(w http.ResponseWriter, r *http.Request) {
	from, to, err := h.window(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date window", err)
		return
	}
	rows, err := h.Store.BookingsInRange(r.Context(), labParam(r), from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if rows == nil {
		rows = []booking.Booking{}
	}
	writeJSON(w, http.StatusOK, BookingListResponse{From: from, To: to, Bookings: rows})
}

// CancelBooking cancels a booking together with every row of its group.
func (h *Handler) CancelBooking(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, booking.CancelRequest{
		Lab:       labParam(r),
		BookingID: chi.URLParam(r, "id"),
		Actor:     actorFrom(r),
	})
}

// CancelGroup cancels every row of a booking group. The body may carry
// the client's loaded bookings.
func (h *Handler) CancelGroup(w http.ResponseWriter, r *http.Request) {
	var body CancelRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid JSON", err)
			return
		}
	}
	h.cancel(w, r, booking.CancelRequest{
		Lab:     labParam(r),
		GroupID: chi.URLParam(r, "groupID"),
		Actor:   actorFrom(r),
		Loaded:  body.Loaded,
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, req booking.CancelRequest) {
	n, err := h.Engine.Cancel(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{Cancelled: n})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// ListLogs returns the usage log, newest first.
func (h *Handler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit := defaultLogLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		limit = n
	}
	logs, err := h.Store.Logs(r.Context(), labParam(r), limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	if logs == nil {
		logs = []booking.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// ReconcileLedger recomputes aggregates from bookings over a window.
func (h *Handler) ReconcileLedger(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON", err)
		return
	}
	from, err := calendar.ParseDate(req.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from date", err)
		return
	}
	to, err := calendar.ParseDate(req.To)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to date", err)
		return
	}
	report, err := h.Engine.Reconcile(r.Context(), labParam(r), from, to)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

// window parses ?from=&to=. Missing bounds default to the current week.
func (h *Handler) window(r *http.Request) (calendar.Date, calendar.Date, error) {
	from := h.Engine.Today().WeekStart()
	to := from.AddDays(6)
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		d, err := calendar.ParseDate(s)
		if err != nil {
			return from, to, err
		}
		from, to = d, d.AddDays(6)
	}
	if s := q.Get("to"); s != "" {
		d, err := calendar.ParseDate(s)
		if err != nil {
			return from, to, err
		}
		to = d
	}
	if to.Before(from) || from.DaysUntil(to) > maxWindowDays {
		return from, to, errors.Newf("window %s..%s must be ordered and at most %d days", from, to, maxWindowDays)
	}
	return from, to, nil
}

// writeDomainError maps engine errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		capErr  *booking.CapacityExceededError
		confErr *booking.ConflictDetectedError
		coder   booking.Coder
	)
	code := ""
	if errors.As(err, &coder) {
		code = coder.Code()
	}

	switch {
	case errors.As(err, &capErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: code, Details: capErr.All})
	case errors.As(err, &confErr):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: code, Details: confErr.All})
	case errors.Is(err, booking.ErrValidation), errors.Is(err, calendar.ErrInvalidRequest):
		if code == "" {
			code = booking.CodeValidation
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: code})
	case errors.Is(err, booking.ErrNotOwner):
		writeJSON(w, http.StatusForbidden, ErrorResponse{Error: err.Error(), Code: code})
	case errors.Is(err, booking.ErrResourceMissing), errors.Is(err, booking.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: code})
	case errors.Is(err, booking.ErrTransient):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: booking.CodeRetry})
	default:
		hlog.FromRequest(r).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
