package booking

import (
	"context"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

// Tx is the read-then-write view handed to a transaction function.
//
// All reads must be issued before the first write. Implementations may
// reject a read after a write with ErrReadAfterWrite. Single-record reads
// return ErrNotFound when the record does not exist.
type Tx interface {
	Instrument(ctx context.Context, lab, id string) (Instrument, error)
	Instruments(ctx context.Context, lab string) ([]Instrument, error)
	Booking(ctx context.Context, lab, id string) (Booking, error)
	SlotBookings(ctx context.Context, lab, instrumentID string, slot calendar.Slot) ([]Booking, error)
	Aggregate(ctx context.Context, id string) (Aggregate, error)

	PutBooking(ctx context.Context, b Booking) error
	DeleteBooking(ctx context.Context, lab, id string) error
	PutAggregate(ctx context.Context, a Aggregate) error
	DeleteAggregate(ctx context.Context, id string) error
	AppendLog(ctx context.Context, e LogEntry) error
}

// TxFunc is run by Store.RunTransaction. It may be invoked more than once
// when the store retries on contention, so it must not leak state between
// attempts.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the persistence and change-feed substrate.
type Store interface {
	// RunTransaction executes fn atomically. Contention is retried by the
	// store up to an implementation-defined bound. An error returned by fn
	// aborts the transaction with no writes and is returned unchanged.
	RunTransaction(ctx context.Context, fn TxFunc) error

	Labs(ctx context.Context) ([]string, error)
	Instruments(ctx context.Context, lab string) ([]Instrument, error)
	SaveInstrument(ctx context.Context, inst Instrument) error
	DeleteInstrument(ctx context.Context, lab, id string) error

	BookingsByGroup(ctx context.Context, lab, groupID string) ([]Booking, error)
	BookingsInRange(ctx context.Context, lab string, from, to calendar.Date) ([]Booking, error)
	AggregatesInRange(ctx context.Context, lab string, from, to calendar.Date) ([]Aggregate, error)
	Logs(ctx context.Context, lab string, limit int) ([]LogEntry, error)

	// Subscribe streams committed booking changes for one lab, or for all
	// labs when lab is empty, until ctx is done. A closed channel means the
	// subscriber fell behind and must reload.
	Subscribe(ctx context.Context, lab string) (<-chan []feed.Change[Booking], error)

	Close() error
}

// BookingKey is the feed key for bookings.
func BookingKey(b Booking) string { return b.ID }

// LabFilter passes booking changes of one lab, or of every lab when lab
// is empty. Removals whose document could not be recovered pass every
// filter; removing an unknown id is a no-op for the reducer.
func LabFilter(lab string) func(feed.Change[Booking]) bool {
	return func(c feed.Change[Booking]) bool {
		if lab == "" {
			return true
		}
		if c.Type == feed.Removed && c.Doc.Lab == "" {
			return true
		}
		return c.Doc.Lab == lab
	}
}
