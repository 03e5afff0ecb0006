package metadata

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// MongoIndex stores documents in the dicom_metadata collection.
type MongoIndex struct {
	client *mongo.Client
	coll   *mongo.Collection
}

// NewMongoIndex connects to uri and ensures the collection indexes.
func NewMongoIndex(ctx context.Context, uri, database string) (*MongoIndex, error) {
	client, err := mongo.Connect(ctx, options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10*time.Second).
		SetServerSelectionTimeout(10*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	idx := &MongoIndex{client: client, coll: client.Database(database).Collection(CollectionName)}
	if err := idx.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return idx, nil
}

func (m *MongoIndex) ensureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "sop_instance_uid", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "patient_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create metadata indexes: %w", err)
	}
	return nil
}

func (m *MongoIndex) Upsert(ctx context.Context, doc Document) error {
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = time.Now().UTC()
	}
	_, err := m.coll.ReplaceOne(ctx,
		bson.M{"sop_instance_uid": doc.SOPInstanceUID},
		doc,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upsert metadata %s: %w", doc.SOPInstanceUID, err)
	}
	return nil
}

func (m *MongoIndex) FindAll(ctx context.Context) ([]Document, error) {
	return m.find(ctx, bson.M{})
}

func (m *MongoIndex) FindByPatient(ctx context.Context, patientID string) ([]Document, error) {
	return m.find(ctx, bson.M{"patient_id": patientID})
}

func (m *MongoIndex) find(ctx context.Context, filter bson.M) ([]Document, error) {
	opts := options.Find().
		SetProjection(bson.M{"_id": 0}).
		SetSort(bson.D{
			{Key: "study_uid", Value: 1},
			{Key: "series_uid", Value: 1},
			{Key: "sop_instance_uid", Value: 1},
		})
	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find metadata: %w", err)
	}
	docs := []Document{}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return docs, nil
}

// Ping satisfies db.Checker.
func (m *MongoIndex) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, readpref.Primary())
}

func (m *MongoIndex) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
