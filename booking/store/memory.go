// Package store provides the in-memory booking.Store.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
	"github.com/cockroachdb/errors"
)

// DefaultMaxAttempts bounds optimistic retries per transaction.
const DefaultMaxAttempts = 5

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory store with optimistic transactions: every read
// records the version it saw, and commit fails if any of those versions
// moved. The transaction function is then run again from scratch.
type Memory struct {
	mu          sync.RWMutex
	instruments map[docKey]booking.Instrument
	bookings    map[docKey]booking.Booking
	aggregates  map[string]booking.Aggregate
	logs        []booking.LogEntry
	versions    map[string]uint64

	hub         *feed.Hub[booking.Booking]
	maxAttempts int
}

type docKey struct {
	Lab string
	ID  string
}

func NewMemory() *Memory {
	return &Memory{
		instruments: make(map[docKey]booking.Instrument),
		bookings:    make(map[docKey]booking.Booking),
		aggregates:  make(map[string]booking.Aggregate),
		versions:    make(map[string]uint64),
		hub:         feed.NewHub[booking.Booking](feed.DefaultBuffer),
		maxAttempts: DefaultMaxAttempts,
	}
}

// SetMaxAttempts changes the retry bound. n < 1 means one attempt.
func (m *Memory) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	m.maxAttempts = n
}

// Version paths. Collection-level paths catch phantoms in range reads.
func instrumentPath(lab, id string) string { return "instrument/" + lab + "/" + id }
func instrumentsPath(lab string) string    { return "instruments/" + lab }
func bookingPath(lab, id string) string    { return "booking/" + lab + "/" + id }
func aggregatePath(id string) string       { return "aggregate/" + id }
func slotPath(lab, instrumentID string, s calendar.Slot) string {
	return "slot/" + lab + "/" + instrumentID + "/" + s.Key()
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type opKind int

const (
	opPutBooking opKind = iota
	opDeleteBooking
	opPutAggregate
	opDeleteAggregate
	opAppendLog
)

type op struct {
	kind      opKind
	key       docKey
	booking   booking.Booking
	aggregate booking.Aggregate
	log       booking.LogEntry
}

type memTx struct {
	m     *Memory
	reads map[string]uint64
	ops   []op
}

// RunTransaction runs fn against a fresh view, validates its reads and
// applies its buffered writes atomically. On a version conflict fn is run
// again, up to the retry bound.
func (m *Memory) RunTransaction(ctx context.Context, fn booking.TxFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		tx := &memTx{m: m, reads: make(map[string]uint64)}
		if err := fn(ctx, tx); err != nil {
			return err
		}

		changes, ok := m.commit(tx)
		if ok {
			m.hub.Publish(changes)
			return nil
		}
		if attempt >= m.maxAttempts {
			return errors.Wrapf(booking.ErrContention, "memory store: gave up after %d attempts", attempt)
		}
	}
}

func (m *Memory) commit(tx *memTx) ([]feed.Change[booking.Booking], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, seen := range tx.reads {
		if m.versions[path] != seen {
			return nil, false
		}
	}

	var changes []feed.Change[booking.Booking]
	for _, o := range tx.ops {
		switch o.kind {
		case opPutBooking:
			b := o.booking
			_, existed := m.bookings[o.key]
			m.bookings[o.key] = b
			m.bump(bookingPath(b.Lab, b.ID), slotPath(b.Lab, b.InstrumentID, b.Slot()))
			kind := feed.Added
			if existed {
				kind = feed.Modified
			}
			changes = append(changes, feed.Change[booking.Booking]{Type: kind, ID: b.ID, Doc: b})
		case opDeleteBooking:
			b, ok := m.bookings[o.key]
			if !ok {
				continue
			}
			delete(m.bookings, o.key)
			m.bump(bookingPath(b.Lab, b.ID), slotPath(b.Lab, b.InstrumentID, b.Slot()))
			changes = append(changes, feed.Change[booking.Booking]{Type: feed.Removed, ID: b.ID, Doc: b})
		case opPutAggregate:
			m.aggregates[o.aggregate.ID] = o.aggregate
			m.bump(aggregatePath(o.aggregate.ID))
		case opDeleteAggregate:
			delete(m.aggregates, o.key.ID)
			m.bump(aggregatePath(o.key.ID))
		case opAppendLog:
			m.logs = append(m.logs, o.log)
		}
	}
	return changes, true
}

func (m *Memory) bump(paths ...string) {
	for _, p := range paths {
		m.versions[p]++
	}
}

// read records the version of path. Reads after the first write are
// rejected.
func (t *memTx) read(ctx context.Context, paths ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(t.ops) > 0 {
		return booking.ErrReadAfterWrite
	}
	for _, p := range paths {
		if _, seen := t.reads[p]; !seen {
			t.reads[p] = t.m.versions[p]
		}
	}
	return nil
}

func (t *memTx) Instrument(ctx context.Context, lab, id string) (booking.Instrument, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if err := t.read(ctx, instrumentPath(lab, id)); err != nil {
		return booking.Instrument{}, err
	}
	inst, ok := t.m.instruments[docKey{lab, id}]
	if !ok {
		return booking.Instrument{}, booking.ErrNotFound
	}
	return cloneInstrument(inst), nil
}

func (t *memTx) Instruments(ctx context.Context, lab string) ([]booking.Instrument, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if err := t.read(ctx, instrumentsPath(lab)); err != nil {
		return nil, err
	}
	return t.m.instrumentsLocked(lab), nil
}

func (t *memTx) Booking(ctx context.Context, lab, id string) (booking.Booking, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if err := t.read(ctx, bookingPath(lab, id)); err != nil {
		return booking.Booking{}, err
	}
	b, ok := t.m.bookings[docKey{lab, id}]
	if !ok {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, nil
}

func (t *memTx) SlotBookings(ctx context.Context, lab, instrumentID string, slot calendar.Slot) ([]booking.Booking, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if err := t.read(ctx, slotPath(lab, instrumentID, slot)); err != nil {
		return nil, err
	}
	var out []booking.Booking
	for k, b := range t.m.bookings {
		if k.Lab == lab && b.InstrumentID == instrumentID && b.Date == slot.Date && b.Hour == slot.Hour {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (t *memTx) Aggregate(ctx context.Context, id string) (booking.Aggregate, error) {
	t.m.mu.RLock()
	defer t.m.mu.RUnlock()
	if err := t.read(ctx, aggregatePath(id)); err != nil {
		return booking.Aggregate{}, err
	}
	a, ok := t.m.aggregates[id]
	if !ok {
		return booking.Aggregate{}, booking.ErrNotFound
	}
	return a, nil
}

func (t *memTx) PutBooking(_ context.Context, b booking.Booking) error {
	t.ops = append(t.ops, op{kind: opPutBooking, key: docKey{b.Lab, b.ID}, booking: b})
	return nil
}

func (t *memTx) DeleteBooking(_ context.Context, lab, id string) error {
	t.ops = append(t.ops, op{kind: opDeleteBooking, key: docKey{lab, id}})
	return nil
}

func (t *memTx) PutAggregate(_ context.Context, a booking.Aggregate) error {
	if a.UsedQuantity <= 0 || a.BookingCount <= 0 {
		return errors.Newf("memory store: refusing empty aggregate %s", a.ID)
	}
	t.ops = append(t.ops, op{kind: opPutAggregate, aggregate: a})
	return nil
}

func (t *memTx) DeleteAggregate(_ context.Context, id string) error {
	t.ops = append(t.ops, op{kind: opDeleteAggregate, key: docKey{ID: id}})
	return nil
}

func (t *memTx) AppendLog(_ context.Context, e booking.LogEntry) error {
	t.ops = append(t.ops, op{kind: opAppendLog, log: e})
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (m *Memory) Labs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := make(map[string]bool)
	var labs []string
	for k := range m.instruments {
		if !seen[k.Lab] {
			seen[k.Lab] = true
			labs = append(labs, k.Lab)
		}
	}
	sort.Strings(labs)
	return labs, nil
}

func (m *Memory) Instruments(_ context.Context, lab string) ([]booking.Instrument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instrumentsLocked(lab), nil
}

func (m *Memory) instrumentsLocked(lab string) []booking.Instrument {
	var out []booking.Instrument
	for k, inst := range m.instruments {
		if k.Lab == lab {
			out = append(out, cloneInstrument(inst))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) SaveInstrument(_ context.Context, inst booking.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instruments[docKey{inst.Lab, inst.ID}] = cloneInstrument(inst)
	m.bump(instrumentPath(inst.Lab, inst.ID), instrumentsPath(inst.Lab))
	return nil
}

func (m *Memory) DeleteInstrument(_ context.Context, lab, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instruments[docKey{lab, id}]; !ok {
		return booking.ErrNotFound
	}
	delete(m.instruments, docKey{lab, id})
	m.bump(instrumentPath(lab, id), instrumentsPath(lab))
	return nil
}

func (m *Memory) BookingsByGroup(_ context.Context, lab, groupID string) ([]booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []booking.Booking
	for k, b := range m.bookings {
		if k.Lab == lab && groupID != "" && b.GroupID == groupID {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (m *Memory) BookingsInRange(_ context.Context, lab string, from, to calendar.Date) ([]booking.Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []booking.Booking
	for k, b := range m.bookings {
		if k.Lab == lab && !b.Date.Before(from) && !b.Date.After(to) {
			out = append(out, b)
		}
	}
	sortBookings(out)
	return out, nil
}

func (m *Memory) AggregatesInRange(_ context.Context, lab string, from, to calendar.Date) ([]booking.Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []booking.Aggregate
	for _, a := range m.aggregates {
		if a.Lab == lab && !a.Date.Before(from) && !a.Date.After(to) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Logs returns the newest entries first.
func (m *Memory) Logs(_ context.Context, lab string, limit int) ([]booking.LogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []booking.LogEntry
	for i := len(m.logs) - 1; i >= 0; i-- {
		if m.logs[i].Lab != lab {
			continue
		}
		out = append(out, m.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Subscribe(ctx context.Context, lab string) (<-chan []feed.Change[booking.Booking], error) {
	return m.hub.Subscribe(ctx, booking.LabFilter(lab)), nil
}

func (m *Memory) Close() error {
	m.hub.Close()
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func cloneInstrument(inst booking.Instrument) booking.Instrument {
	inst.Conflicts = append([]string(nil), inst.Conflicts...)
	inst.Units = append([]string(nil), inst.Units...)
	return inst
}

func sortBookings(bs []booking.Booking) {
	sort.Slice(bs, func(i, j int) bool {
		a, b := bs[i], bs[j]
		if c := a.Date.Compare(b.Date); c != 0 {
			return c < 0
		}
		if a.Hour != b.Hour {
			return a.Hour < b.Hour
		}
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		return a.ID < b.ID
	})
}
