/*
Package mongodb provides a MongoDB-backed booking.Store.

COLLECTIONS:
  instruments:  _id = escaped "lab|id"
  bookings:     _id = booking id
  aggregates:   _id = booking.AggregateID
  usage_logs:   append-only
  slot_locks:   one counter document per (lab, instrument, date, hour)

TRANSACTIONS:
  RunTransaction uses a session and WithTransaction, which retries
  transient transaction errors and unknown commit results. MongoDB
  snapshot isolation alone allows write skew between two commits that
  read the same empty slot, so every slot read inside a transaction also
  increments that slot's lock document. Two transactions touching the
  same slot then write the same document and one of them aborts and
  retries.

  Requires a replica set (transactions and change streams).

CHANGE FEED:
  Subscribe opens a change stream on bookings. Pre-images are enabled on
  a best-effort basis so removals carry the deleted document; without
  them a removal carries only the id and passes every lab filter.
*/
package mongodb

import (
	"context"
	"net/url"
	"time"

	"github.com/AuthieY/Booking-Lab-Equipment-sub000/booking"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/calendar"
	"github.com/AuthieY/Booking-Lab-Equipment-sub000/feed"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	colInstruments = "instruments"
	colBookings    = "bookings"
	colAggregates  = "aggregates"
	colLogs        = "usage_logs"
	colSlotLocks   = "slot_locks"
)

// Store implements booking.Store on MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    zerolog.Logger
}

// New connects to uri and prepares indexes in database.
func New(ctx context.Context, uri, database string, log zerolog.Logger) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongo")
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "failed to ping mongo")
	}

	s := &Store{
		client: client,
		db:     client.Database(database),
		log:    log.With().Str("store", "mongo").Logger(),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	s.enablePreImages(ctx)
	return s, nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		colInstruments: {
			{Keys: bson.D{{Key: "lab", Value: 1}, {Key: "instrumentId", Value: 1}}, Options: options.Index().SetName("lab_instrument")},
		},
		colBookings: {
			{Keys: bson.D{{Key: "lab", Value: 1}, {Key: "instrumentId", Value: 1}, {Key: "date", Value: 1}, {Key: "hour", Value: 1}}, Options: options.Index().SetName("slot")},
			{Keys: bson.D{{Key: "lab", Value: 1}, {Key: "groupId", Value: 1}}, Options: options.Index().SetName("group").SetSparse(true)},
			{Keys: bson.D{{Key: "lab", Value: 1}, {Key: "date", Value: 1}}, Options: options.Index().SetName("lab_date")},
		},
		colAggregates: {
			{Keys: bson.D{{Key: "lab", Value: 1}, {Key: "date", Value: 1}}, Options: options.Index().SetName("lab_date")},
		},
		colLogs: {
			{Keys: bson.D{{Key: "lab", Value: 1}, {Key: "at", Value: -1}}, Options: options.Index().SetName("lab_at")},
		},
	}
	for col, models := range indexes {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "failed to create indexes on %s", col)
		}
	}
	return nil
}

// enablePreImages turns on change stream pre-images for bookings. Servers
// older than 6.0 reject the command; removals then carry only the id.
func (s *Store) enablePreImages(ctx context.Context) {
	if err := s.db.CreateCollection(ctx, colBookings); err != nil {
		var cmdErr mongo.CommandError
		if !errors.As(err, &cmdErr) || cmdErr.Name != "NamespaceExists" {
			s.log.Warn().Err(err).Msg("create bookings collection")
		}
	}
	err := s.db.RunCommand(ctx, bson.D{
		{Key: "collMod", Value: colBookings},
		{Key: "changeStreamPreAndPostImages", Value: bson.M{"enabled": true}},
	}).Err()
	if err != nil {
		s.log.Warn().Err(err).Msg("change stream pre-images unavailable")
	}
}

// =============================================================================
// DOCUMENTS
// =============================================================================

type instrumentDoc struct {
	Key              string   `bson:"_id"`
	Lab              string   `bson:"lab"`
	ID               string   `bson:"instrumentId"`
	Name             string   `bson:"name"`
	Location         string   `bson:"location,omitempty"`
	Color            string   `bson:"color,omitempty"`
	MaxCapacity      int      `bson:"maxCapacity"`
	Conflicts        []string `bson:"conflicts,omitempty"`
	UnderMaintenance bool     `bson:"isUnderMaintenance"`
	Units            []string `bson:"units,omitempty"`
}

func instrumentKey(lab, id string) string {
	return url.PathEscape(lab) + "|" + url.PathEscape(id)
}

func toInstrumentDoc(i booking.Instrument) instrumentDoc {
	return instrumentDoc{
		Key: instrumentKey(i.Lab, i.ID), Lab: i.Lab, ID: i.ID, Name: i.Name,
		Location: i.Location, Color: i.Color, MaxCapacity: i.MaxCapacity,
		Conflicts: i.Conflicts, UnderMaintenance: i.UnderMaintenance, Units: i.Units,
	}
}

func (d instrumentDoc) instrument() booking.Instrument {
	return booking.Instrument{
		ID: d.ID, Lab: d.Lab, Name: d.Name, Location: d.Location, Color: d.Color,
		MaxCapacity: d.MaxCapacity, Conflicts: d.Conflicts, UnderMaintenance: d.UnderMaintenance, Units: d.Units,
	}
}

// bookingDoc stores dates as "YYYY-MM-DD" strings so range queries sort
// lexically. Legacy documents may lack quantity or carry a bad date.
type bookingDoc struct {
	ID             string    `bson:"_id"`
	Lab            string    `bson:"lab"`
	InstrumentID   string    `bson:"instrumentId"`
	InstrumentName string    `bson:"instrumentName,omitempty"`
	Date           string    `bson:"date"`
	Hour           int       `bson:"hour"`
	UserName       string    `bson:"userName,omitempty"`
	OwnerAuthID    string    `bson:"ownerAuthId,omitempty"`
	Quantity       int       `bson:"requestedQuantity,omitempty"`
	GroupID        string    `bson:"groupId,omitempty"`
	CreatedAt      time.Time `bson:"createdAt"`
}

func toBookingDoc(b booking.Booking) bookingDoc {
	return bookingDoc{
		ID: b.ID, Lab: b.Lab, InstrumentID: b.InstrumentID, InstrumentName: b.InstrumentName,
		Date: dateString(b.Date), Hour: b.Hour, UserName: b.UserName, OwnerAuthID: b.OwnerAuthID,
		Quantity: b.Quantity, GroupID: b.GroupID, CreatedAt: b.CreatedAt.UTC(),
	}
}

func (d bookingDoc) booking() booking.Booking {
	return booking.Booking{
		ID: d.ID, Lab: d.Lab, InstrumentID: d.InstrumentID, InstrumentName: d.InstrumentName,
		Date: parseDate(d.Date), Hour: d.Hour, UserName: d.UserName, OwnerAuthID: d.OwnerAuthID,
		Quantity: d.Quantity, GroupID: d.GroupID, CreatedAt: d.CreatedAt,
	}
}

type aggregateDoc struct {
	ID           string    `bson:"_id"`
	Lab          string    `bson:"lab"`
	InstrumentID string    `bson:"instrumentId"`
	Date         string    `bson:"date"`
	Hour         int       `bson:"hour"`
	UsedQuantity int       `bson:"usedQuantity"`
	BookingCount int       `bson:"bookingCount"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

func (d aggregateDoc) aggregate() booking.Aggregate {
	return booking.Aggregate{
		ID: d.ID, Lab: d.Lab, InstrumentID: d.InstrumentID, Date: parseDate(d.Date), Hour: d.Hour,
		UsedQuantity: d.UsedQuantity, BookingCount: d.BookingCount, UpdatedAt: d.UpdatedAt,
	}
}

type logDoc struct {
	ID             string    `bson:"_id"`
	Lab            string    `bson:"lab"`
	Action         string    `bson:"action"`
	InstrumentID   string    `bson:"instrumentId"`
	InstrumentName string    `bson:"instrumentName"`
	UserName       string    `bson:"userName"`
	GroupID        string    `bson:"groupId,omitempty"`
	FirstDate      string    `bson:"firstDate"`
	FirstHour      int       `bson:"firstHour"`
	Slots          int       `bson:"slots"`
	Quantity       int       `bson:"quantity"`
	At             time.Time `bson:"at"`
}

func (d logDoc) entry() booking.LogEntry {
	return booking.LogEntry{
		ID: d.ID, Lab: d.Lab, Action: booking.LogAction(d.Action), InstrumentID: d.InstrumentID,
		InstrumentName: d.InstrumentName, UserName: d.UserName, GroupID: d.GroupID,
		FirstSlot: calendar.Slot{Date: parseDate(d.FirstDate), Hour: d.FirstHour},
		Slots:     d.Slots, Quantity: d.Quantity, At: d.At,
	}
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) RunTransaction(ctx context.Context, fn booking.TxFunc) error {
	sess, err := s.client.StartSession()
	if err != nil {
		return errors.Wrap(err, "failed to start session")
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		view := &txView{store: s, locked: make(map[string]bool)}
		return nil, fn(sc, view)
	})
	return err
}

type txView struct {
	store  *Store
	wrote  bool
	locked map[string]bool
}

func (v *txView) beforeRead() error {
	if v.wrote {
		return booking.ErrReadAfterWrite
	}
	return nil
}

// lockSlot bumps the slot's lock document once per transaction.
func (v *txView) lockSlot(ctx context.Context, id string) error {
	if v.locked[id] {
		return nil
	}
	_, err := v.store.db.Collection(colSlotLocks).UpdateOne(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"n": 1}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errors.Wrap(err, "failed to lock slot")
	}
	v.locked[id] = true
	return nil
}

func (v *txView) Instrument(ctx context.Context, lab, id string) (booking.Instrument, error) {
	if err := v.beforeRead(); err != nil {
		return booking.Instrument{}, err
	}
	var doc instrumentDoc
	err := v.store.db.Collection(colInstruments).FindOne(ctx, bson.M{"_id": instrumentKey(lab, id)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return booking.Instrument{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.Instrument{}, errors.Wrap(err, "failed to read instrument")
	}
	return doc.instrument(), nil
}

func (v *txView) Instruments(ctx context.Context, lab string) ([]booking.Instrument, error) {
	if err := v.beforeRead(); err != nil {
		return nil, err
	}
	return v.store.Instruments(ctx, lab)
}

func (v *txView) Booking(ctx context.Context, lab, id string) (booking.Booking, error) {
	if err := v.beforeRead(); err != nil {
		return booking.Booking{}, err
	}
	var doc bookingDoc
	err := v.store.db.Collection(colBookings).FindOne(ctx, bson.M{"_id": id, "lab": lab}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return booking.Booking{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.Booking{}, errors.Wrap(err, "failed to read booking")
	}
	return doc.booking(), nil
}

func (v *txView) SlotBookings(ctx context.Context, lab, instrumentID string, slot calendar.Slot) ([]booking.Booking, error) {
	if err := v.beforeRead(); err != nil {
		return nil, err
	}
	if err := v.lockSlot(ctx, booking.AggregateID(lab, instrumentID, slot.Date, slot.Hour)); err != nil {
		return nil, err
	}
	return v.store.findBookings(ctx, bson.M{
		"lab": lab, "instrumentId": instrumentID, "date": slot.Date.String(), "hour": slot.Hour,
	})
}

func (v *txView) Aggregate(ctx context.Context, id string) (booking.Aggregate, error) {
	if err := v.beforeRead(); err != nil {
		return booking.Aggregate{}, err
	}
	if err := v.lockSlot(ctx, id); err != nil {
		return booking.Aggregate{}, err
	}
	var doc aggregateDoc
	err := v.store.db.Collection(colAggregates).FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return booking.Aggregate{}, booking.ErrNotFound
	}
	if err != nil {
		return booking.Aggregate{}, errors.Wrap(err, "failed to read aggregate")
	}
	return doc.aggregate(), nil
}

func (v *txView) PutBooking(ctx context.Context, b booking.Booking) error {
	v.wrote = true
	_, err := v.store.db.Collection(colBookings).ReplaceOne(ctx,
		bson.M{"_id": b.ID}, toBookingDoc(b), options.Replace().SetUpsert(true))
	return errors.Wrap(err, "failed to write booking")
}

func (v *txView) DeleteBooking(ctx context.Context, lab, id string) error {
	v.wrote = true
	_, err := v.store.db.Collection(colBookings).DeleteOne(ctx, bson.M{"_id": id, "lab": lab})
	return errors.Wrap(err, "failed to delete booking")
}

func (v *txView) PutAggregate(ctx context.Context, a booking.Aggregate) error {
	v.wrote = true
	if a.UsedQuantity <= 0 || a.BookingCount <= 0 {
		return errors.Newf("aggregate %s: refusing to store an empty ledger record", a.ID)
	}
	doc := aggregateDoc{
		ID: a.ID, Lab: a.Lab, InstrumentID: a.InstrumentID, Date: dateString(a.Date), Hour: a.Hour,
		UsedQuantity: a.UsedQuantity, BookingCount: a.BookingCount, UpdatedAt: a.UpdatedAt.UTC(),
	}
	_, err := v.store.db.Collection(colAggregates).ReplaceOne(ctx,
		bson.M{"_id": a.ID}, doc, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "failed to write aggregate")
}

func (v *txView) DeleteAggregate(ctx context.Context, id string) error {
	v.wrote = true
	_, err := v.store.db.Collection(colAggregates).DeleteOne(ctx, bson.M{"_id": id})
	return errors.Wrap(err, "failed to delete aggregate")
}

func (v *txView) AppendLog(ctx context.Context, e booking.LogEntry) error {
	v.wrote = true
	_, err := v.store.db.Collection(colLogs).InsertOne(ctx, logDoc{
		ID: e.ID, Lab: e.Lab, Action: string(e.Action), InstrumentID: e.InstrumentID,
		InstrumentName: e.InstrumentName, UserName: e.UserName, GroupID: e.GroupID,
		FirstDate: dateString(e.FirstSlot.Date), FirstHour: e.FirstSlot.Hour,
		Slots: e.Slots, Quantity: e.Quantity, At: e.At.UTC(),
	})
	return errors.Wrap(err, "failed to append usage log")
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Store) Labs(ctx context.Context) ([]string, error) {
	values, err := s.db.Collection(colInstruments).Distinct(ctx, "lab", bson.M{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list labs")
	}
	labs := make([]string, 0, len(values))
	for _, v := range values {
		if lab, ok := v.(string); ok {
			labs = append(labs, lab)
		}
	}
	return labs, nil
}

func (s *Store) Instruments(ctx context.Context, lab string) ([]booking.Instrument, error) {
	cur, err := s.db.Collection(colInstruments).Find(ctx, bson.M{"lab": lab},
		options.Find().SetSort(bson.D{{Key: "instrumentId", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query instruments")
	}
	var docs []instrumentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode instruments")
	}
	out := make([]booking.Instrument, len(docs))
	for i, d := range docs {
		out[i] = d.instrument()
	}
	return out, nil
}

func (s *Store) SaveInstrument(ctx context.Context, inst booking.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	doc := toInstrumentDoc(inst)
	_, err := s.db.Collection(colInstruments).ReplaceOne(ctx,
		bson.M{"_id": doc.Key}, doc, options.Replace().SetUpsert(true))
	return errors.Wrap(err, "failed to save instrument")
}

func (s *Store) DeleteInstrument(ctx context.Context, lab, id string) error {
	res, err := s.db.Collection(colInstruments).DeleteOne(ctx, bson.M{"_id": instrumentKey(lab, id)})
	if err != nil {
		return errors.Wrap(err, "failed to delete instrument")
	}
	if res.DeletedCount == 0 {
		return booking.ErrNotFound
	}
	return nil
}

var bookingOrder = bson.D{
	{Key: "date", Value: 1}, {Key: "hour", Value: 1}, {Key: "instrumentId", Value: 1}, {Key: "_id", Value: 1},
}

func (s *Store) findBookings(ctx context.Context, filter bson.M) ([]booking.Booking, error) {
	cur, err := s.db.Collection(colBookings).Find(ctx, filter, options.Find().SetSort(bookingOrder))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query bookings")
	}
	var docs []bookingDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode bookings")
	}
	out := make([]booking.Booking, len(docs))
	for i, d := range docs {
		out[i] = d.booking()
	}
	return out, nil
}

func (s *Store) BookingsByGroup(ctx context.Context, lab, groupID string) ([]booking.Booking, error) {
	return s.findBookings(ctx, bson.M{"lab": lab, "groupId": groupID})
}

func (s *Store) BookingsInRange(ctx context.Context, lab string, from, to calendar.Date) ([]booking.Booking, error) {
	return s.findBookings(ctx, bson.M{
		"lab":  lab,
		"date": bson.M{"$gte": from.String(), "$lte": to.String()},
	})
}

func (s *Store) AggregatesInRange(ctx context.Context, lab string, from, to calendar.Date) ([]booking.Aggregate, error) {
	cur, err := s.db.Collection(colAggregates).Find(ctx, bson.M{
		"lab":  lab,
		"date": bson.M{"$gte": from.String(), "$lte": to.String()},
	}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to query aggregates")
	}
	var docs []aggregateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode aggregates")
	}
	out := make([]booking.Aggregate, len(docs))
	for i, d := range docs {
		out[i] = d.aggregate()
	}
	return out, nil
}

func (s *Store) Logs(ctx context.Context, lab string, limit int) ([]booking.LogEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := s.db.Collection(colLogs).Find(ctx, bson.M{"lab": lab}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query usage logs")
	}
	var docs []logDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode usage logs")
	}
	out := make([]booking.LogEntry, len(docs))
	for i, d := range docs {
		out[i] = d.entry()
	}
	return out, nil
}

// =============================================================================
// CHANGE FEED
// =============================================================================

type changeEvent struct {
	OperationType string `bson:"operationType"`
	DocumentKey   struct {
		ID string `bson:"_id"`
	} `bson:"documentKey"`
	FullDocument             *bookingDoc `bson:"fullDocument"`
	FullDocumentBeforeChange *bookingDoc `bson:"fullDocumentBeforeChange"`
}

// change converts a stream event; ok is false for events the feed ignores.
func (ev changeEvent) change() (feed.Change[booking.Booking], bool) {
	switch ev.OperationType {
	case "insert", "replace", "update":
		if ev.FullDocument == nil {
			return feed.Change[booking.Booking]{}, false
		}
		kind := feed.Modified
		if ev.OperationType == "insert" {
			kind = feed.Added
		}
		return feed.Change[booking.Booking]{Type: kind, ID: ev.DocumentKey.ID, Doc: ev.FullDocument.booking()}, true
	case "delete":
		c := feed.Change[booking.Booking]{Type: feed.Removed, ID: ev.DocumentKey.ID}
		if ev.FullDocumentBeforeChange != nil {
			c.Doc = ev.FullDocumentBeforeChange.booking()
		}
		c.Doc.ID = ev.DocumentKey.ID
		return c, true
	}
	return feed.Change[booking.Booking]{}, false
}

// Subscribe streams booking changes for lab. The channel is closed when
// ctx ends, the stream fails, or the subscriber falls behind.
func (s *Store) Subscribe(ctx context.Context, lab string) (<-chan []feed.Change[booking.Booking], error) {
	opts := options.ChangeStream().
		SetFullDocument(options.UpdateLookup).
		SetFullDocumentBeforeChange(options.WhenAvailable)
	stream, err := s.db.Collection(colBookings).Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open change stream")
	}

	out := make(chan []feed.Change[booking.Booking], feed.DefaultBuffer)
	filter := booking.LabFilter(lab)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var ev changeEvent
			if err := stream.Decode(&ev); err != nil {
				s.log.Warn().Err(err).Msg("undecodable change event")
				continue
			}
			c, ok := ev.change()
			if !ok || !filter(c) {
				continue
			}
			select {
			case out <- []feed.Change[booking.Booking]{c}:
			default:
				s.log.Warn().Str("lab", lab).Msg("dropping slow change stream subscriber")
				return
			}
		}
		if err := stream.Err(); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("change stream ended")
		}
	}()
	return out, nil
}

// Helper functions

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
