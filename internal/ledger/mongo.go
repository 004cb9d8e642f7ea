package ledger

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo is the MongoDB Store backend
type Mongo struct {
	client     *mongo.Client
	payments   *mongo.Collection
	flights    *mongo.Collection
	watermarks *mongo.Collection
}

type watermarkDoc struct {
	Source    string    `bson:"source"`
	Position  time.Time `bson:"position"`
	UpdatedAt time.Time `bson:"updatedAt"`
}

// NewMongo connects to MongoDB and ensures the unique indexes exist
func NewMongo(ctx context.Context, uri, database string) (*Mongo, error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}

	if err := client.Ping(connectCtx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	db := client.Database(database)
	m := &Mongo{
		client:     client,
		payments:   db.Collection("payments"),
		flights:    db.Collection("flights"),
		watermarks: db.Collection("watermarks"),
	}

	if err := m.ensureIndexes(connectCtx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.M{"externalId": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "pilotId", Value: 1}, {Key: "receivedAt", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = m.flights.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.M{"flightId": 1}, Options: options.Index().SetUnique(true)},
		{Keys: bson.M{"pilotId": 1}},
		{Keys: bson.D{{Key: "paymentStatus", Value: 1}, {Key: "uploadedAt", Value: 1}}},
	})
	if err != nil {
		return err
	}

	_, err = m.watermarks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.M{"source": 1},
		Options: options.Index().SetUnique(true),
	})
	return err
}

// Close disconnects the client
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}

// --- Payments ---

func (m *Mongo) InsertPayment(ctx context.Context, p *Payment) (bool, error) {
	_, err := m.payments.InsertOne(ctx, p)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("insert payment", err)
	}
	return true, nil
}

func (m *Mongo) GetPayment(ctx context.Context, externalID string) (*Payment, error) {
	var p Payment
	err := m.payments.FindOne(ctx, bson.M{"externalId": externalID}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get payment", err)
	}
	p.ReceivedAt = p.ReceivedAt.UTC()
	return &p, nil
}

func (m *Mongo) AssignPaymentPilot(ctx context.Context, externalID, pilotID string) (bool, error) {
	result, err := m.payments.UpdateOne(ctx,
		bson.M{"externalId": externalID, "pilotId": ""},
		bson.M{"$set": bson.M{"pilotId": pilotID}},
	)
	if err != nil {
		return false, storageErr("assign payment pilot", err)
	}
	return result.ModifiedCount > 0, nil
}

func (m *Mongo) PaymentsByPilot(ctx context.Context, pilotID string, receivedBefore time.Time) ([]Payment, error) {
	filter := bson.M{"pilotId": pilotID, "receivedAt": bson.M{"$lte": receivedBefore}}
	payments, err := m.findPayments(ctx, filter)
	if err != nil {
		return nil, storageErr("payments by pilot", err)
	}
	return payments, nil
}

func (m *Mongo) UnassignedPayments(ctx context.Context) ([]Payment, error) {
	payments, err := m.findPayments(ctx, bson.M{"pilotId": ""})
	if err != nil {
		return nil, storageErr("unassigned payments", err)
	}
	return payments, nil
}

func (m *Mongo) findPayments(ctx context.Context, filter bson.M) ([]Payment, error) {
	cursor, err := m.payments.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "receivedAt", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var payments []Payment
	if err := cursor.All(ctx, &payments); err != nil {
		return nil, err
	}
	for i := range payments {
		payments[i].ReceivedAt = payments[i].ReceivedAt.UTC()
	}
	return payments, nil
}

// --- Flights ---

func (m *Mongo) InsertFlight(ctx context.Context, f *Flight) (bool, error) {
	doc := *f
	if doc.Status == "" {
		doc.Status = StatusUnknown
	}
	doc.UpdatedAt = time.Now()

	_, err := m.flights.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("insert flight", err)
	}
	return true, nil
}

func (m *Mongo) GetFlight(ctx context.Context, flightID string) (*Flight, error) {
	var f Flight
	err := m.flights.FindOne(ctx, bson.M{"flightId": flightID}).Decode(&f)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get flight", err)
	}
	f.UploadedAt = f.UploadedAt.UTC()
	return &f, nil
}

func (m *Mongo) TransitionFlight(ctx context.Context, flightID string, from, to PaymentStatus) (bool, error) {
	if err := checkTransition(from, to); err != nil {
		return false, err
	}

	result, err := m.flights.UpdateOne(ctx,
		bson.M{"flightId": flightID, "paymentStatus": from},
		bson.M{"$set": bson.M{"paymentStatus": to, "updatedAt": time.Now()}},
	)
	if err != nil {
		return false, storageErr("transition flight", err)
	}
	return result.ModifiedCount > 0, nil
}

func (m *Mongo) FlightsByPilot(ctx context.Context, pilotID string, statuses ...PaymentStatus) ([]Flight, error) {
	filter := bson.M{"pilotId": pilotID}
	if len(statuses) > 0 {
		filter["paymentStatus"] = bson.M{"$in": statuses}
	}

	flights, err := m.findFlights(ctx, filter)
	if err != nil {
		return nil, storageErr("flights by pilot", err)
	}
	return flights, nil
}

func (m *Mongo) FlightsByStatus(ctx context.Context, status PaymentStatus) ([]Flight, error) {
	flights, err := m.findFlights(ctx, bson.M{"paymentStatus": status})
	if err != nil {
		return nil, storageErr("flights by status", err)
	}
	return flights, nil
}

func (m *Mongo) findFlights(ctx context.Context, filter bson.M) ([]Flight, error) {
	sort := bson.D{{Key: "uploadedAt", Value: 1}, {Key: "flightId", Value: 1}}
	cursor, err := m.flights.Find(ctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var flights []Flight
	if err := cursor.All(ctx, &flights); err != nil {
		return nil, err
	}
	for i := range flights {
		flights[i].UploadedAt = flights[i].UploadedAt.UTC()
	}
	return flights, nil
}

func (m *Mongo) PilotIDs(ctx context.Context) ([]string, error) {
	values, err := m.flights.Distinct(ctx, "pilotId", bson.M{})
	if err != nil {
		return nil, storageErr("pilot ids", err)
	}

	ids := make([]string, 0, len(values))
	for _, v := range values {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// --- Watermarks ---

func (m *Mongo) Watermark(ctx context.Context, source string) (time.Time, error) {
	var doc watermarkDoc
	err := m.watermarks.FindOne(ctx, bson.M{"source": source}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, storageErr("get watermark", err)
	}
	return doc.Position.UTC(), nil
}

func (m *Mongo) SetWatermark(ctx context.Context, source string, position time.Time) error {
	_, err := m.watermarks.UpdateOne(ctx,
		bson.M{"source": source},
		bson.M{"$set": bson.M{"position": position, "updatedAt": time.Now()}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return storageErr("set watermark", err)
	}
	return nil
}
