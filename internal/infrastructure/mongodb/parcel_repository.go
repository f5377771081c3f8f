// Package mongodb implements the persistence ports on MongoDB.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/metrics"
)

// ParcelRepository implements domain.ParcelSource and domain.ParcelArchive
// on the parcels collection. The working set lives in memory; this
// collection holds parcels that already left the line.
type ParcelRepository struct {
	collection *mongo.Collection
	metrics    *metrics.Metrics
}

// NewParcelRepository creates a new ParcelRepository
func NewParcelRepository(db *mongo.Database, m *metrics.Metrics) *ParcelRepository {
	repo := &ParcelRepository{
		collection: db.Collection("parcels"),
		metrics:    m,
	}
	repo.ensureIndexes(context.Background())
	return repo
}

func (r *ParcelRepository) ensureIndexes(ctx context.Context) {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "parcelId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "barcode", Value: 1}}},
		{Keys: bson.D{{Key: "stage", Value: 1}}},
		{Keys: bson.D{{Key: "targetChute", Value: 1}}},
		{Keys: bson.D{{Key: "createdAt", Value: -1}}},
	}
	r.collection.Indexes().CreateMany(ctx, indexes)
}

// LoadByID returns the archived parcel with the given id, or nil when absent
func (r *ParcelRepository) LoadByID(ctx context.Context, parcelID string) (*domain.Parcel, error) {
	start := time.Now()

	var parcel domain.Parcel
	err := r.collection.FindOne(ctx, bson.M{"parcelId": parcelID}).Decode(&parcel)
	r.metrics.RecordMongoDBOperation("parcels", "findOne", err == nil || err == mongo.ErrNoDocuments, time.Since(start))

	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load parcel: %w", err)
	}
	return &parcel, nil
}

// Archive upserts a terminal parcel into the collection
func (r *ParcelRepository) Archive(ctx context.Context, parcel *domain.Parcel) error {
	start := time.Now()

	opts := options.Update().SetUpsert(true)
	filter := bson.M{"parcelId": parcel.ParcelID}
	_, err := r.collection.UpdateOne(ctx, filter, bson.M{"$set": parcel}, opts)
	r.metrics.RecordMongoDBOperation("parcels", "upsert", err == nil, time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to archive parcel: %w", err)
	}
	return nil
}

// FindRecent returns the most recently created archived parcels
func (r *ParcelRepository) FindRecent(ctx context.Context, limit int) ([]*domain.Parcel, error) {
	start := time.Now()

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetLimit(int64(limit))
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		r.metrics.RecordMongoDBOperation("parcels", "find", false, time.Since(start))
		return nil, err
	}
	defer cursor.Close(ctx)

	var parcels []*domain.Parcel
	err = cursor.All(ctx, &parcels)
	r.metrics.RecordMongoDBOperation("parcels", "find", err == nil, time.Since(start))
	return parcels, err
}
