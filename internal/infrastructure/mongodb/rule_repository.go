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

// RuleRepository implements domain.RuleSource on the sorting_rules
// collection
type RuleRepository struct {
	collection *mongo.Collection
	metrics    *metrics.Metrics
}

// NewRuleRepository creates a new RuleRepository
func NewRuleRepository(db *mongo.Database, m *metrics.Metrics) *RuleRepository {
	repo := &RuleRepository{
		collection: db.Collection("sorting_rules"),
		metrics:    m,
	}
	repo.ensureIndexes(context.Background())
	return repo
}

func (r *RuleRepository) ensureIndexes(ctx context.Context) {
	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "ruleId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "enabled", Value: 1}, {Key: "priority", Value: 1}}},
	}
	r.collection.Indexes().CreateMany(ctx, indexes)
}

// LoadEnabledRulesOrderedByPriority returns every enabled rule sorted by
// ascending priority. The sort happens here so the evaluation hot path can
// trust the order.
func (r *RuleRepository) LoadEnabledRulesOrderedByPriority(ctx context.Context) ([]domain.SortingRule, error) {
	start := time.Now()

	opts := options.Find().SetSort(bson.D{{Key: "priority", Value: 1}})
	cursor, err := r.collection.Find(ctx, bson.M{"enabled": true}, opts)
	if err != nil {
		r.metrics.RecordMongoDBOperation("sorting_rules", "find", false, time.Since(start))
		return nil, fmt.Errorf("failed to load sorting rules: %w", err)
	}
	defer cursor.Close(ctx)

	var ruleSet []domain.SortingRule
	err = cursor.All(ctx, &ruleSet)
	r.metrics.RecordMongoDBOperation("sorting_rules", "find", err == nil, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("failed to decode sorting rules: %w", err)
	}
	return ruleSet, nil
}

// Save upserts a rule by id
func (r *RuleRepository) Save(ctx context.Context, rule domain.SortingRule) error {
	start := time.Now()

	opts := options.Update().SetUpsert(true)
	_, err := r.collection.UpdateOne(ctx, bson.M{"ruleId": rule.RuleID}, bson.M{"$set": rule}, opts)
	r.metrics.RecordMongoDBOperation("sorting_rules", "upsert", err == nil, time.Since(start))

	if err != nil {
		return fmt.Errorf("failed to save sorting rule: %w", err)
	}
	return nil
}
