package mongodb

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

// windowDocument is the persisted shape of the binding window. Durations
// are stored as milliseconds.
type windowDocument struct {
	ConfigID         string `bson:"configId"`
	MinWaitMs        int64  `bson:"minWaitMs"`
	MaxWaitMs        int64  `bson:"maxWaitMs"`
	ExceptionChuteID string `bson:"exceptionChuteId"`
	Enabled          bool   `bson:"enabled"`
}

const windowConfigID = "binding-window"

// WindowRepository implements the binding window source backed by MongoDB.
// Current reads an in-memory snapshot so the correlation hot path never
// touches the database; Update persists first, then swaps the snapshot.
type WindowRepository struct {
	collection *mongo.Collection
	metrics    *metrics.Metrics
	logger     *logging.Logger

	current atomic.Pointer[domain.BindingWindow]
}

// NewWindowRepository creates a WindowRepository seeded with the given
// default, then overlays whatever is persisted
func NewWindowRepository(ctx context.Context, db *mongo.Database, def domain.BindingWindow, m *metrics.Metrics, logger *logging.Logger) (*WindowRepository, error) {
	repo := &WindowRepository{
		collection: db.Collection("line_config"),
		metrics:    m,
		logger:     logger.WithComponent("window-repository"),
	}
	repo.current.Store(&def)

	if err := repo.load(ctx); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *WindowRepository) load(ctx context.Context) error {
	start := time.Now()

	var doc windowDocument
	err := r.collection.FindOne(ctx, bson.M{"configId": windowConfigID}).Decode(&doc)
	r.metrics.RecordMongoDBOperation("line_config", "findOne", err == nil || err == mongo.ErrNoDocuments, time.Since(start))

	if err == mongo.ErrNoDocuments {
		// First boot: persist the seeded default
		return r.persist(ctx, *r.current.Load())
	}
	if err != nil {
		return fmt.Errorf("failed to load binding window: %w", err)
	}

	window := fromDocument(doc)
	if err := window.Validate(); err != nil {
		r.logger.WithError(err).Error("Persisted binding window invalid, keeping default")
		return nil
	}
	r.current.Store(&window)
	return nil
}

// Current returns the active binding window
func (r *WindowRepository) Current() domain.BindingWindow {
	return *r.current.Load()
}

// Update persists the window and makes it visible to subsequent readers
func (r *WindowRepository) Update(ctx context.Context, window domain.BindingWindow) error {
	if err := window.Validate(); err != nil {
		return err
	}
	if err := r.persist(ctx, window); err != nil {
		return err
	}
	r.current.Store(&window)
	return nil
}

func (r *WindowRepository) persist(ctx context.Context, window domain.BindingWindow) error {
	start := time.Now()

	doc := toDocument(window)
	opts := options.Update().SetUpsert(true)
	_, err := r.collection.UpdateOne(ctx, bson.M{"configId": windowConfigID}, bson.M{"$set": doc}, opts)
	r.metrics.RecordMongoDBOperation("line_config", "upsert", err == nil, time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to persist binding window: %w", err)
	}
	return nil
}

func toDocument(w domain.BindingWindow) windowDocument {
	return windowDocument{
		ConfigID:         windowConfigID,
		MinWaitMs:        w.MinWait.Milliseconds(),
		MaxWaitMs:        w.MaxWait.Milliseconds(),
		ExceptionChuteID: w.ExceptionChuteID,
		Enabled:          w.Enabled,
	}
}

func fromDocument(doc windowDocument) domain.BindingWindow {
	return domain.BindingWindow{
		MinWait:          time.Duration(doc.MinWaitMs) * time.Millisecond,
		MaxWait:          time.Duration(doc.MaxWaitMs) * time.Millisecond,
		ExceptionChuteID: doc.ExceptionChuteID,
		Enabled:          doc.Enabled,
	}
}
