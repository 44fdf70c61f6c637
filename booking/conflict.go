/*
conflict.go - Capacity and cross-instrument conflict resolver

PURPOSE:
  Decides, for every candidate slot, whether the target instrument still
  has room and whether any conflicting instrument is occupied. The same
  Precheck runs optimistically against loaded state and again inside the
  commit transaction against freshly read ledger state.

CONFLICT GRAPH:
  Instruments declare conflicts one way; the relationship is symmetric.
  NewConflictGraph computes the closure once per instrument set so slot
  checks are map lookups.

PAST SLOTS:
  A slot dated before Monday of the current week is always rejected with
  its own reason, whatever the capacity.

LABELS:
  "2026-02-09 10:00 (Full)"
  "2026-02-09 10:00 (too far in the past)"
  "2026-02-09 10:00 (Conflict: Confocal, HPLC by alice, bob)"
  Names are deduplicated and sorted so labels are stable.
*/
package booking

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
)

// =============================================================================
// CONFLICT GRAPH
// =============================================================================

// ConflictGraph is the symmetric closure of declared instrument conflicts.
type ConflictGraph struct {
	adj   map[string]map[string]struct{}
	names map[string]string
}

func NewConflictGraph(instruments []Instrument) *ConflictGraph {
	g := &ConflictGraph{
		adj:   make(map[string]map[string]struct{}),
		names: make(map[string]string),
	}
	for _, inst := range instruments {
		g.names[inst.ID] = inst.Name
		for _, other := range inst.Conflicts {
			if other == "" || other == inst.ID {
				continue
			}
			g.link(inst.ID, other)
			g.link(other, inst.ID)
		}
	}
	return g
}

func (g *ConflictGraph) link(a, b string) {
	if g.adj[a] == nil {
		g.adj[a] = make(map[string]struct{})
	}
	g.adj[a][b] = struct{}{}
}

// Neighbors returns the sorted ids conflicting with id.
func (g *ConflictGraph) Neighbors(id string) []string {
	out := make([]string, 0, len(g.adj[id]))
	for n := range g.adj[id] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Conflicts reports whether a and b may not be booked in the same slot.
func (g *ConflictGraph) Conflicts(a, b string) bool {
	_, ok := g.adj[a][b]
	return ok
}

// Name returns the display name of id, or id itself when unknown.
func (g *ConflictGraph) Name(id string) string {
	if n := g.names[id]; n != "" {
		return n
	}
	return id
}

// =============================================================================
// SLOT INDEX
// =============================================================================

// SlotState is the occupancy of one instrument in one slot.
type SlotState struct {
	UsedQuantity int      `json:"usedQuantity"`
	BookingCount int      `json:"bookingCount"`
	Bookers      []string `json:"bookers,omitempty"`
}

func (s SlotState) Occupied() bool { return s.UsedQuantity > 0 || s.BookingCount > 0 }

type cellKey struct {
	instrumentID string
	slot         string
}

// SlotIndex answers occupancy questions for (instrument, slot) cells.
type SlotIndex struct {
	cells map[cellKey]SlotState
}

func NewSlotIndex() *SlotIndex {
	return &SlotIndex{cells: make(map[cellKey]SlotState)}
}

// IndexBookings builds an index from a live booking set.
func IndexBookings(bookings []Booking) *SlotIndex {
	idx := NewSlotIndex()
	for _, b := range bookings {
		if b.CheckShape() != nil {
			continue
		}
		k := cellKey{b.InstrumentID, b.Slot().Key()}
		st := idx.cells[k]
		st.UsedQuantity += b.Units()
		st.BookingCount++
		if b.UserName != "" {
			st.Bookers = append(st.Bookers, b.UserName)
		}
		idx.cells[k] = st
	}
	return idx
}

// Set replaces the state of one cell.
func (x *SlotIndex) Set(instrumentID string, slot calendar.Slot, st SlotState) {
	x.cells[cellKey{instrumentID, slot.Key()}] = st
}

func (x *SlotIndex) State(instrumentID string, slot calendar.Slot) SlotState {
	return x.cells[cellKey{instrumentID, slot.Key()}]
}

// =============================================================================
// PRECHECK
// =============================================================================

type Reason string

const (
	ReasonPast     Reason = "past"
	ReasonFull     Reason = "full"
	ReasonConflict Reason = "conflict"
)

// Violation is one reason one slot cannot be booked.
type Violation struct {
	Slot        calendar.Slot `json:"slot"`
	Reason      Reason        `json:"reason"`
	Used        int           `json:"used,omitempty"`
	Requested   int           `json:"requested,omitempty"`
	Capacity    int           `json:"capacity,omitempty"`
	Instruments []string      `json:"instruments,omitempty"`
	Bookers     []string      `json:"bookers,omitempty"`
	Label       string        `json:"label"`
}

// Report lists every violation of a request. Any violation aborts the
// whole request.
type Report struct {
	Violations []Violation `json:"violations"`
}

func (r Report) OK() bool { return len(r.Violations) == 0 }

// First returns the first violation with the given reason.
func (r Report) First(reason Reason) (Violation, bool) {
	for _, v := range r.Violations {
		if v.Reason == reason {
			return v, true
		}
	}
	return Violation{}, false
}

// Labels returns the display labels in slot order.
func (r Report) Labels() []string {
	out := make([]string, len(r.Violations))
	for i, v := range r.Violations {
		out[i] = v.Label
	}
	return out
}

// Precheck evaluates every slot for target. today decides which slots are
// too far in the past.
func Precheck(target Instrument, graph *ConflictGraph, qty int, slots []calendar.Slot, live *SlotIndex, today calendar.Date) Report {
	var report Report
	weekStart := today.WeekStart()
	neighbors := graph.Neighbors(target.ID)

	for _, slot := range slots {
		if slot.Date.Before(weekStart) {
			report.Violations = append(report.Violations, Violation{
				Slot:   slot,
				Reason: ReasonPast,
				Label:  slot.String() + " (too far in the past)",
			})
			continue
		}

		st := live.State(target.ID, slot)
		if st.UsedQuantity+qty > target.Capacity() {
			report.Violations = append(report.Violations, Violation{
				Slot:      slot,
				Reason:    ReasonFull,
				Used:      st.UsedQuantity,
				Requested: qty,
				Capacity:  target.Capacity(),
				Label:     slot.String() + " (Full)",
			})
		}

		var names, bookers []string
		for _, n := range neighbors {
			nst := live.State(n, slot)
			if !nst.Occupied() {
				continue
			}
			names = append(names, graph.Name(n))
			bookers = append(bookers, nst.Bookers...)
		}
		if len(names) > 0 {
			names = sortedUnique(names)
			bookers = sortedUnique(bookers)
			report.Violations = append(report.Violations, Violation{
				Slot:        slot,
				Reason:      ReasonConflict,
				Instruments: names,
				Bookers:     bookers,
				Label:       conflictLabel(slot, names, bookers),
			})
		}
	}
	return report
}

func conflictLabel(slot calendar.Slot, names, bookers []string) string {
	if len(bookers) == 0 {
		return fmt.Sprintf("%s (Conflict: %s)", slot, strings.Join(names, ", "))
	}
	return fmt.Sprintf("%s (Conflict: %s by %s)", slot, strings.Join(names, ", "), strings.Join(bookers, ", "))
}

func sortedUnique(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
