package api

import (
	"strings"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
)

// =============================================================================
// INSTRUMENT DTOs
// =============================================================================

// InstrumentRequest creates or replaces an instrument. The lab comes from
// the URL.
type InstrumentRequest struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Location         string   `json:"location,omitempty"`
	Color            string   `json:"color,omitempty"`
	MaxCapacity      int      `json:"maxCapacity"`
	Conflicts        []string `json:"conflicts,omitempty"`
	UnderMaintenance bool     `json:"isUnderMaintenance"`
	Units            []string `json:"units,omitempty"`
}

func (r InstrumentRequest) instrument(lab string) booking.Instrument {
	return booking.Instrument{
		ID:               strings.TrimSpace(r.ID),
		Lab:              lab,
		Name:             strings.TrimSpace(r.Name),
		Location:         r.Location,
		Color:            r.Color,
		MaxCapacity:      r.MaxCapacity,
		Conflicts:        r.Conflicts,
		UnderMaintenance: r.UnderMaintenance,
		Units:            r.Units,
	}
}

// =============================================================================
// SLOT DTOs
// =============================================================================

// ExpandRequest is the temporal shape of a booking request. Mode may be
// given by name or through the legacy boolean flags.
type ExpandRequest struct {
	Date           string `json:"date"`
	StartHour      int    `json:"startHour"`
	RepeatWeeks    int    `json:"repeatWeeks"`
	Mode           string `json:"mode,omitempty"`
	IsFullDay      bool   `json:"isFullDay,omitempty"`
	IsWorkingHours bool   `json:"isWorkingHours,omitempty"`
	IsOvernight    bool   `json:"isOvernight,omitempty"`
}

func (r ExpandRequest) expand() ([]calendar.Slot, error) {
	date, err := calendar.ParseDate(r.Date)
	if err != nil {
		return nil, err
	}
	var mode calendar.Mode
	if r.Mode != "" {
		mode, err = calendar.ParseMode(r.Mode)
	} else {
		mode, err = calendar.ModeFromFlags(r.IsFullDay, r.IsWorkingHours, r.IsOvernight)
	}
	if err != nil {
		return nil, err
	}
	return calendar.Expand(calendar.ExpandRequest{
		StartDate:   date,
		StartHour:   r.StartHour,
		RepeatWeeks: r.RepeatWeeks,
		Mode:        mode,
	})
}

// ExpandResponse lists the slots of a request in commit order.
type ExpandResponse struct {
	Slots []calendar.Slot `json:"slots"`
	Keys  []string        `json:"keys"`
}

func toExpandResponse(slots []calendar.Slot) ExpandResponse {
	keys := make([]string, len(slots))
	for i, s := range slots {
		keys[i] = s.Key()
	}
	return ExpandResponse{Slots: slots, Keys: keys}
}

// =============================================================================
// BOOKING DTOs
// =============================================================================

// BookingRequest commits or prechecks a booking. Slots may be listed
// explicitly or expanded from the embedded request.
type BookingRequest struct {
	InstrumentID string          `json:"instrumentId"`
	Quantity     int             `json:"quantity"`
	Slots        []calendar.Slot `json:"slots,omitempty"`
	ExpandRequest
}

func (r BookingRequest) slots() ([]calendar.Slot, error) {
	if len(r.Slots) > 0 {
		return r.Slots, nil
	}
	return r.expand()
}

func (r BookingRequest) quantity() int {
	if r.Quantity == 0 {
		return 1
	}
	return r.Quantity
}

// PrecheckResponse reports every violation without writing.
type PrecheckResponse struct {
	OK         bool                `json:"ok"`
	Slots      []calendar.Slot     `json:"slots"`
	Violations []booking.Violation `json:"violations"`
	Labels     []string            `json:"labels"`
}

// BookingListResponse is a window of bookings.
type BookingListResponse struct {
	From     calendar.Date     `json:"from"`
	To       calendar.Date     `json:"to"`
	Bookings []booking.Booking `json:"bookings"`
}

// CancelRequest optionally carries the bookings the client has loaded so
// a group cancel needs no extra query.
type CancelRequest struct {
	Loaded []booking.Booking `json:"loaded,omitempty"`
}

type CancelResponse struct {
	Cancelled int `json:"cancelled"`
}

// =============================================================================
// LEDGER DTOs
// =============================================================================

type AvailabilityResponse struct {
	*booking.DayUsage
	Utilization string   `json:"utilization"`
	Hourly      []string `json:"hourlyUtilization"`
}

func toAvailabilityResponse(day *booking.DayUsage) AvailabilityResponse {
	hourly := make([]string, len(day.Hours))
	for i, h := range day.Hours {
		hourly[i] = h.Utilization().StringFixed(4)
	}
	return AvailabilityResponse{
		DayUsage:    day,
		Utilization: day.Utilization().StringFixed(4),
		Hourly:      hourly,
	}
}

type ReconcileRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// =============================================================================
// FEED DTOs
// =============================================================================

const (
	MessageSnapshot = "snapshot"
	MessageChanges  = "changes"
	MessageResync   = "resync"
)

// FeedMessage is one websocket frame. A resync frame means the server
// dropped the subscription and the client must reconnect.
type FeedMessage struct {
	Type     string                         `json:"type"`
	Bookings []booking.Booking              `json:"bookings,omitempty"`
	Changes  []feed.Change[booking.Booking] `json:"changes,omitempty"`
}

// =============================================================================
// SCENARIO DTOs
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category,omitempty"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}
