/*
Package sqlite provides a SQLite-backed booking.Store.

PURPOSE:
  Persists instruments, bookings, the aggregate ledger and the usage log
  in SQLite. Bookings and aggregates for one commit or cancel are written
  in one SQL transaction.

KEY TABLES:
  instruments:  lab-owned equipment, conflicts/units stored as JSON
  bookings:     one row per (instrument, date, hour) reservation
  aggregates:   ledger, one row per occupied slot; CHECK forbids zero rows
  usage_logs:   append-only commit/cancel log

INDEXES:
  - idx_bookings_slot:  slot recomputation and conflict booker lookup (hot path)
  - idx_bookings_group: cancel-by-group fallback query
  - idx_bookings_date:  range loads for prechecks and reconciliation

CONCURRENCY:
  Transactions are serialized: one connection, a process mutex, and
  BEGIN IMMEDIATE so another process holding the write lock surfaces as
  SQLITE_BUSY before any read. Busy/locked errors are retried with
  exponential backoff and jitter; the transaction function runs again
  from scratch on each attempt.

WAL MODE:
  Opened with WAL so readers in other processes are not blocked.

CHANGE FEED:
  Committed booking writes are published to an in-process hub after
  COMMIT succeeds.

USAGE:
  store, err := sqlite.New("./data/labbook.db", logger)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := booking.NewEngine(store, booking.Config{...})

SEE ALSO:
  - booking/store.go: interface definitions
  - booking/store/memory.go: in-memory implementation for tests
  - store/mongodb: document database implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
	"github.com/cockroachdb/errors"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	maxRetries  = 3
	backoffBase = 20 * time.Millisecond
)

// Store implements booking.Store using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	hub *feed.Hub[booking.Booking]
	log zerolog.Logger
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// A single connection keeps ":memory:" databases shared and
	// serializes writers inside this process.
	db.SetMaxOpenConns(1)

	store := &Store{
		db:  db,
		hub: feed.NewHub[booking.Booking](feed.DefaultBuffer),
		log: log.With().Str("store", "sqlite").Logger(),
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return store, nil
}

// Close closes the database connection and drops feed subscribers.
func (s *Store) Close() error {
	s.hub.Close()
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS instruments (
		lab TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		location TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT '',
		max_capacity INTEGER NOT NULL CHECK (max_capacity >= 1),
		conflicts_json TEXT NOT NULL DEFAULT '[]',
		under_maintenance INTEGER NOT NULL DEFAULT 0,
		units_json TEXT NOT NULL DEFAULT '[]',
		PRIMARY KEY (lab, id)
	);

	CREATE TABLE IF NOT EXISTS bookings (
		lab TEXT NOT NULL,
		id TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		instrument_name TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		hour INTEGER NOT NULL,
		user_name TEXT NOT NULL DEFAULT '',
		owner_auth_id TEXT NOT NULL DEFAULT '',
		quantity INTEGER NOT NULL DEFAULT 1,
		group_id TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (lab, id)
	);

	CREATE INDEX IF NOT EXISTS idx_bookings_slot
		ON bookings(lab, instrument_id, date, hour);
	CREATE INDEX IF NOT EXISTS idx_bookings_group
		ON bookings(lab, group_id) WHERE group_id IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_bookings_date
		ON bookings(lab, date);

	-- Ledger rows exist only while the slot is occupied.
	CREATE TABLE IF NOT EXISTS aggregates (
		id TEXT PRIMARY KEY,
		lab TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		date TEXT NOT NULL,
		hour INTEGER NOT NULL,
		used_quantity INTEGER NOT NULL CHECK (used_quantity > 0),
		booking_count INTEGER NOT NULL CHECK (booking_count > 0),
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_aggregates_lab_date
		ON aggregates(lab, date);

	CREATE TABLE IF NOT EXISTS usage_logs (
		id TEXT PRIMARY KEY,
		lab TEXT NOT NULL,
		action TEXT NOT NULL,
		instrument_id TEXT NOT NULL,
		instrument_name TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		group_id TEXT,
		first_date TEXT NOT NULL,
		first_hour INTEGER NOT NULL,
		slots INTEGER NOT NULL,
		quantity INTEGER NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_logs_lab_at
		ON usage_logs(lab, at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// RunTransaction executes fn within a database transaction, retrying
// busy/locked failures.
func (s *Store) RunTransaction(ctx context.Context, fn booking.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; ; attempt++ {
		changes, err := s.runOnce(ctx, fn)
		if err == nil {
			s.hub.Publish(changes)
			return nil
		}
		if !isBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return errors.Mark(errors.Wrapf(err, "sqlite: gave up after %d attempts", attempt+1), booking.ErrContention)
		}

		wait := calculateBackoff(attempt, backoffBase)
		s.log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("retrying busy transaction")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Store) runOnce(ctx context.Context, fn booking.TxFunc) ([]feed.Change[booking.Booking], error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer sqlTx.Rollback()

	view := &txView{tx: sqlTx}
	if err := fn(ctx, view); err != nil {
		return nil, err
	}
	if err := sqlTx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit transaction")
	}
	return view.changes, nil
}

func calculateBackoff(attempt int, base time.Duration) time.Duration {
	wait := time.Duration(1<<attempt) * base
	return wait + time.Duration(rand.Int63n(int64(wait/5)+1))
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// txView is the booking.Tx over one *sql.Tx.
type txView struct {
	tx      *sql.Tx
	wrote   bool
	changes []feed.Change[booking.Booking]
}

func (v *txView) beforeRead() error {
	if v.wrote {
		return booking.ErrReadAfterWrite
	}
	return nil
}

func (v *txView) Instrument(ctx context.Context, lab, id string) (booking.Instrument, error) {
	if err := v.beforeRead(); err != nil {
		return booking.Instrument{}, err
	}
	row := v.tx.QueryRowContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE lab = ? AND id = ?`, lab, id)
	inst, err := scanInstrument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Instrument{}, booking.ErrNotFound
	}
	return inst, err
}

func (v *txView) Instruments(ctx context.Context, lab string) ([]booking.Instrument, error) {
	if err := v.beforeRead(); err != nil {
		return nil, err
	}
	return queryInstruments(ctx, v.tx, lab)
}

func (v *txView) Booking(ctx context.Context, lab, id string) (booking.Booking, error) {
	if err := v.beforeRead(); err != nil {
		return booking.Booking{}, err
	}
	row := v.tx.QueryRowContext(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE lab = ? AND id = ?`, lab, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Booking{}, booking.ErrNotFound
	}
	return b, err
}

func (v *txView) SlotBookings(ctx context.Context, lab, instrumentID string, slot calendar.Slot) ([]booking.Booking, error) {
	if err := v.beforeRead(); err != nil {
		return nil, err
	}
	return queryBookings(ctx, v.tx, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE lab = ? AND instrument_id = ? AND date = ? AND hour = ?
		ORDER BY id`, lab, instrumentID, slot.Date.String(), slot.Hour)
}

func (v *txView) Aggregate(ctx context.Context, id string) (booking.Aggregate, error) {
	if err := v.beforeRead(); err != nil {
		return booking.Aggregate{}, err
	}
	row := v.tx.QueryRowContext(ctx, `SELECT `+aggregateColumns+` FROM aggregates WHERE id = ?`, id)
	a, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return booking.Aggregate{}, booking.ErrNotFound
	}
	return a, err
}

func (v *txView) PutBooking(ctx context.Context, b booking.Booking) error {
	v.wrote = true
	_, err := v.tx.ExecContext(ctx, `
		INSERT INTO bookings
		(lab, id, instrument_id, instrument_name, date, hour, user_name, owner_auth_id, quantity, group_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lab, id) DO UPDATE SET
			instrument_id = excluded.instrument_id,
			instrument_name = excluded.instrument_name,
			date = excluded.date,
			hour = excluded.hour,
			user_name = excluded.user_name,
			owner_auth_id = excluded.owner_auth_id,
			quantity = excluded.quantity,
			group_id = excluded.group_id`,
		b.Lab, b.ID, b.InstrumentID, b.InstrumentName, dateString(b.Date), b.Hour,
		b.UserName, b.OwnerAuthID, b.Quantity, nullString(b.GroupID),
		b.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrap(err, "failed to write booking")
	}
	v.changes = append(v.changes, feed.Change[booking.Booking]{Type: feed.Added, ID: b.ID, Doc: b})
	return nil
}

func (v *txView) DeleteBooking(ctx context.Context, lab, id string) error {
	v.wrote = true
	row := v.tx.QueryRowContext(ctx, `DELETE FROM bookings WHERE lab = ? AND id = ? RETURNING `+bookingColumns, lab, id)
	b, err := scanBooking(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "failed to delete booking")
	}
	v.changes = append(v.changes, feed.Change[booking.Booking]{Type: feed.Removed, ID: b.ID, Doc: b})
	return nil
}

func (v *txView) PutAggregate(ctx context.Context, a booking.Aggregate) error {
	v.wrote = true
	_, err := v.tx.ExecContext(ctx, `
		INSERT INTO aggregates (id, lab, instrument_id, date, hour, used_quantity, booking_count, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			used_quantity = excluded.used_quantity,
			booking_count = excluded.booking_count,
			updated_at = excluded.updated_at`,
		a.ID, a.Lab, a.InstrumentID, dateString(a.Date), a.Hour, a.UsedQuantity, a.BookingCount,
		a.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "failed to write aggregate")
}

func (v *txView) DeleteAggregate(ctx context.Context, id string) error {
	v.wrote = true
	_, err := v.tx.ExecContext(ctx, `DELETE FROM aggregates WHERE id = ?`, id)
	return errors.Wrap(err, "failed to delete aggregate")
}

func (v *txView) AppendLog(ctx context.Context, e booking.LogEntry) error {
	v.wrote = true
	_, err := v.tx.ExecContext(ctx, `
		INSERT INTO usage_logs
		(id, lab, action, instrument_id, instrument_name, user_name, group_id, first_date, first_hour, slots, quantity, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Lab, string(e.Action), e.InstrumentID, e.InstrumentName, e.UserName, nullString(e.GroupID),
		dateString(e.FirstSlot.Date), e.FirstSlot.Hour, e.Slots, e.Quantity, e.At.UTC().Format(time.RFC3339Nano),
	)
	return errors.Wrap(err, "failed to append usage log")
}

// =============================================================================
// INSTRUMENTS
// =============================================================================

const instrumentColumns = `lab, id, name, location, color, max_capacity, conflicts_json, under_maintenance, units_json`

func (s *Store) Labs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT lab FROM instruments ORDER BY lab`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query labs")
	}
	defer rows.Close()

	var labs []string
	for rows.Next() {
		var lab string
		if err := rows.Scan(&lab); err != nil {
			return nil, err
		}
		labs = append(labs, lab)
	}
	return labs, rows.Err()
}

func (s *Store) Instruments(ctx context.Context, lab string) ([]booking.Instrument, error) {
	return queryInstruments(ctx, s.db, lab)
}

// SaveInstrument creates or replaces an instrument.
func (s *Store) SaveInstrument(ctx context.Context, inst booking.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	conflicts, _ := json.Marshal(nonNil(inst.Conflicts))
	units, _ := json.Marshal(nonNil(inst.Units))

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instruments (`+instrumentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lab, id) DO UPDATE SET
			name = excluded.name,
			location = excluded.location,
			color = excluded.color,
			max_capacity = excluded.max_capacity,
			conflicts_json = excluded.conflicts_json,
			under_maintenance = excluded.under_maintenance,
			units_json = excluded.units_json`,
		inst.Lab, inst.ID, inst.Name, inst.Location, inst.Color, inst.MaxCapacity,
		string(conflicts), inst.UnderMaintenance, string(units),
	)
	return errors.Wrap(err, "failed to save instrument")
}

func (s *Store) DeleteInstrument(ctx context.Context, lab, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM instruments WHERE lab = ? AND id = ?`, lab, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete instrument")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return booking.ErrNotFound
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

const bookingColumns = `lab, id, instrument_id, instrument_name, date, hour, user_name, owner_auth_id, quantity, group_id, created_at`

const aggregateColumns = `id, lab, instrument_id, date, hour, used_quantity, booking_count, updated_at`

func (s *Store) BookingsByGroup(ctx context.Context, lab, groupID string) ([]booking.Booking, error) {
	return queryBookings(ctx, s.db, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE lab = ? AND group_id = ?
		ORDER BY date, hour, instrument_id, id`, lab, groupID)
}

func (s *Store) BookingsInRange(ctx context.Context, lab string, from, to calendar.Date) ([]booking.Booking, error) {
	return queryBookings(ctx, s.db, `
		SELECT `+bookingColumns+` FROM bookings
		WHERE lab = ? AND date >= ? AND date <= ?
		ORDER BY date, hour, instrument_id, id`, lab, from.String(), to.String())
}

func (s *Store) AggregatesInRange(ctx context.Context, lab string, from, to calendar.Date) ([]booking.Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+aggregateColumns+` FROM aggregates
		WHERE lab = ? AND date >= ? AND date <= ?
		ORDER BY id`, lab, from.String(), to.String())
	if err != nil {
		return nil, errors.Wrap(err, "failed to query aggregates")
	}
	defer rows.Close()

	var out []booking.Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Logs returns the newest entries first.
func (s *Store) Logs(ctx context.Context, lab string, limit int) ([]booking.LogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lab, action, instrument_id, instrument_name, user_name, group_id,
		       first_date, first_hour, slots, quantity, at
		FROM usage_logs WHERE lab = ?
		ORDER BY at DESC, rowid DESC
		LIMIT ?`, lab, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage logs")
	}
	defer rows.Close()

	var out []booking.LogEntry
	for rows.Next() {
		var (
			e         booking.LogEntry
			action    string
			groupID   sql.NullString
			firstDate string
			at        string
		)
		if err := rows.Scan(&e.ID, &e.Lab, &action, &e.InstrumentID, &e.InstrumentName, &e.UserName,
			&groupID, &firstDate, &e.FirstSlot.Hour, &e.Slots, &e.Quantity, &at); err != nil {
			return nil, errors.Wrap(err, "failed to scan usage log")
		}
		e.Action = booking.LogAction(action)
		e.GroupID = groupID.String
		e.FirstSlot.Date = parseDate(firstDate)
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Subscribe(ctx context.Context, lab string) (<-chan []feed.Change[booking.Booking], error) {
	return s.hub.Subscribe(ctx, booking.LabFilter(lab)), nil
}

// =============================================================================
// SCANNING
// =============================================================================

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func queryInstruments(ctx context.Context, q queryer, lab string) ([]booking.Instrument, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+instrumentColumns+` FROM instruments WHERE lab = ? ORDER BY id`, lab)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query instruments")
	}
	defer rows.Close()

	var out []booking.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstrument(row scanner) (booking.Instrument, error) {
	var (
		inst      booking.Instrument
		conflicts string
		units     string
	)
	err := row.Scan(&inst.Lab, &inst.ID, &inst.Name, &inst.Location, &inst.Color, &inst.MaxCapacity,
		&conflicts, &inst.UnderMaintenance, &units)
	if err != nil {
		return inst, err
	}
	if err := json.Unmarshal([]byte(conflicts), &inst.Conflicts); err != nil {
		return inst, errors.Wrapf(err, "instrument %s: decode conflicts", inst.ID)
	}
	if err := json.Unmarshal([]byte(units), &inst.Units); err != nil {
		return inst, errors.Wrapf(err, "instrument %s: decode units", inst.ID)
	}
	if len(inst.Conflicts) == 0 {
		inst.Conflicts = nil
	}
	if len(inst.Units) == 0 {
		inst.Units = nil
	}
	return inst, nil
}

func queryBookings(ctx context.Context, q queryer, query string, args ...any) ([]booking.Booking, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bookings")
	}
	defer rows.Close()

	var out []booking.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// scanBooking never rejects a row for bad field values; an unparseable
// date comes back zero so the engine can report the row as malformed.
func scanBooking(row scanner) (booking.Booking, error) {
	var (
		b         booking.Booking
		date      string
		groupID   sql.NullString
		createdAt string
	)
	err := row.Scan(&b.Lab, &b.ID, &b.InstrumentID, &b.InstrumentName, &date, &b.Hour,
		&b.UserName, &b.OwnerAuthID, &b.Quantity, &groupID, &createdAt)
	if err != nil {
		return b, err
	}
	b.Date = parseDate(date)
	b.GroupID = groupID.String
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return b, nil
}

func scanAggregate(row scanner) (booking.Aggregate, error) {
	var (
		a         booking.Aggregate
		date      string
		updatedAt string
	)
	err := row.Scan(&a.ID, &a.Lab, &a.InstrumentID, &date, &a.Hour, &a.UsedQuantity, &a.BookingCount, &updatedAt)
	if err != nil {
		return a, err
	}
	a.Date = parseDate(date)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return a, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func dateString(d calendar.Date) string {
	if d.IsZero() {
		return ""
	}
	return d.String()
}

func parseDate(s string) calendar.Date {
	d, err := calendar.ParseDate(s)
	if err != nil {
		return calendar.Date{}
	}
	return d
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
