package mongodb

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const lab = "Physics Lab"

var now = time.Date(2026, 2, 11, 10, 0, 0, 0, time.UTC)

// =============================================================================
// DOCUMENT MAPPING
// =============================================================================

func TestBookingDoc_LegacyFields(t *testing.T) {
	doc := bookingDoc{ID: "b1", Lab: lab, InstrumentID: "xrd", Date: "not-a-date", Hour: 9}

	b := doc.booking()

	assert.True(t, b.Date.IsZero())
	assert.Equal(t, 1, b.Units())
	assert.ErrorIs(t, b.CheckShape(), booking.ErrMalformedRecord)
}

func TestBookingDoc_RoundTrip(t *testing.T) {
	b := booking.Booking{
		ID: "b1", Lab: lab, InstrumentID: "xrd", InstrumentName: "XRD",
		Date: calendar.MustParseDate("2026-02-12"), Hour: 23, UserName: "Kim",
		Quantity: 2, GroupID: "g1", CreatedAt: now,
	}
	assert.Equal(t, b, toBookingDoc(b).booking())
}

func TestInstrumentKey_Escaped(t *testing.T) {
	assert.Equal(t, "Physics%20Lab|xrd", instrumentKey(lab, "xrd"))
	assert.NotEqual(t, instrumentKey("a|b", "c"), instrumentKey("a", "b|c"))
}

func TestChangeEvent_Conversion(t *testing.T) {
	doc := &bookingDoc{ID: "b1", Lab: lab, InstrumentID: "xrd", Date: "2026-02-12", Hour: 9}

	tests := []struct {
		name   string
		ev     changeEvent
		want   feed.ChangeType
		wantOK bool
		lab    string
	}{
		{"insert", changeEvent{OperationType: "insert", FullDocument: doc}, feed.Added, true, lab},
		{"replace", changeEvent{OperationType: "replace", FullDocument: doc}, feed.Modified, true, lab},
		{"delete with pre-image", changeEvent{OperationType: "delete", FullDocumentBeforeChange: doc}, feed.Removed, true, lab},
		{"delete without pre-image", changeEvent{OperationType: "delete"}, feed.Removed, true, ""},
		{"update without lookup", changeEvent{OperationType: "update"}, "", false, ""},
		{"drop", changeEvent{OperationType: "drop"}, "", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.ev.DocumentKey.ID = "b1"

			c, ok := tt.ev.change()

			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want, c.Type)
			assert.Equal(t, "b1", c.ID)
			assert.Equal(t, "b1", c.Doc.ID)
			assert.Equal(t, tt.lab, c.Doc.Lab)
			assert.True(t, booking.LabFilter(lab)(c))
		})
	}
}

// =============================================================================
// INTEGRATION
// =============================================================================

// newIntegrationStore needs a replica set, e.g.
// MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := New(ctx, uri, "labbook_test_"+uuid.NewString()[:8], zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.db.Drop(context.Background())
		s.Close()
	})
	return s
}

func TestIntegration_CommitCancelAndFeed(t *testing.T) {
	s := newIntegrationStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	require.NoError(t, s.SaveInstrument(ctx, booking.Instrument{ID: "xrd", Lab: lab, Name: "XRD", MaxCapacity: 1}))
	changes, err := s.Subscribe(ctx, lab)
	require.NoError(t, err)

	n := 0
	engine := booking.NewEngine(s, booking.Config{
		Location: time.UTC,
		Now:      func() time.Time { return now },
		NewID: func() string {
			n++
			return fmt.Sprintf("mg-%02d", n)
		},
		Logger: zerolog.Nop(),
	})
	actor := booking.Identity{Name: "Kim"}
	req := booking.CommitRequest{
		Lab: lab, InstrumentID: "xrd", Quantity: 1, Actor: actor,
		Slots: []calendar.Slot{{Date: calendar.MustParseDate("2026-02-12"), Hour: 9}},
	}

	group, err := engine.Commit(ctx, req)
	require.NoError(t, err)
	_, err = engine.Commit(ctx, req)
	assert.ErrorIs(t, err, booking.ErrCapacityExceeded)

	select {
	case batch := <-changes:
		require.Len(t, batch, 1)
		assert.Equal(t, feed.Added, batch[0].Type)
	case <-time.After(10 * time.Second):
		t.Fatal("no change received")
	}

	cancelled, err := engine.Cancel(ctx, booking.CancelRequest{Lab: lab, BookingID: group.Bookings[0].ID, Actor: actor})
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)

	d := calendar.MustParseDate("2026-02-12")
	aggs, err := s.AggregatesInRange(ctx, lab, d, d)
	require.NoError(t, err)
	assert.Empty(t, aggs)
}
