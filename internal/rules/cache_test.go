package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortline/sortline/internal/domain"
	"github.com/sortline/sortline/pkg/logging"
	"github.com/sortline/sortline/pkg/metrics"
)

type manualClock struct {
	now time.Time
}

func (c *manualClock) Now() time.Time { return c.now }

func (c *manualClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type fakeRuleSource struct {
	rules []domain.SortingRule
	err   error
	loads int
}

func (f *fakeRuleSource) LoadEnabledRulesOrderedByPriority(ctx context.Context) ([]domain.SortingRule, error) {
	f.loads++
	if f.err != nil {
		return nil, f.err
	}
	return f.rules, nil
}

func testLogger() *logging.Logger {
	cfg := logging.DefaultConfig("sortline-test")
	cfg.Level = logging.LevelError
	return logging.New(cfg)
}

func testMetrics() *metrics.Metrics {
	return metrics.New(metrics.DefaultConfig("sortline-test"))
}

func someRules() []domain.SortingRule {
	return []domain.SortingRule{
		{RuleID: "R-1", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^A", TargetChute: "CH-1", Enabled: true},
		{RuleID: "R-2", Priority: 2, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^B", TargetChute: "CH-2", Enabled: true},
	}
}

func TestCacheLoadsOnceWhileWarm(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{rules: someRules()}
	cache := NewCache(source, clock, DefaultCacheConfig(), testLogger(), testMetrics())

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		rules, err := cache.GetRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 2)
		clock.advance(time.Minute)
	}

	assert.Equal(t, 1, source.loads, "warm accesses must not hit the source")
}

func TestCacheSlidingExpiration(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{rules: someRules()}
	cache := NewCache(source, clock, CacheConfig{
		SlidingExpiration:  5 * time.Minute,
		AbsoluteExpiration: time.Hour,
	}, testLogger(), testMetrics())

	ctx := context.Background()

	_, err := cache.GetRules(ctx)
	require.NoError(t, err)

	// Idle past the sliding window
	clock.advance(6 * time.Minute)

	_, err = cache.GetRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)
}

func TestCacheAbsoluteExpirationUnderConstantTraffic(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{rules: someRules()}
	cache := NewCache(source, clock, CacheConfig{
		SlidingExpiration:  5 * time.Minute,
		AbsoluteExpiration: 30 * time.Minute,
	}, testLogger(), testMetrics())

	ctx := context.Background()

	// Access every minute: sliding never expires, absolute eventually does
	for i := 0; i < 31; i++ {
		_, err := cache.GetRules(ctx)
		require.NoError(t, err)
		clock.advance(time.Minute)
	}

	assert.Equal(t, 2, source.loads)
}

func TestCacheServesStaleOnSourceFailure(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{rules: someRules()}
	cache := NewCache(source, clock, CacheConfig{
		SlidingExpiration:  5 * time.Minute,
		AbsoluteExpiration: 30 * time.Minute,
	}, testLogger(), testMetrics())

	ctx := context.Background()

	_, err := cache.GetRules(ctx)
	require.NoError(t, err)

	source.err = errors.New("connection refused")
	clock.advance(10 * time.Minute)

	rules, err := cache.GetRules(ctx)
	require.NoError(t, err, "stale rules keep serving while the source is down")
	assert.Len(t, rules, 2)
}

func TestCacheFailsClosedWhenColdAndSourceDown(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{err: errors.New("connection refused")}
	cache := NewCache(source, clock, DefaultCacheConfig(), testLogger(), testMetrics())

	_, err := cache.GetRules(context.Background())
	require.ErrorIs(t, err, domain.ErrNoRulesLoaded)
}

func TestCacheInvalidateForcesReload(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{rules: someRules()}
	cache := NewCache(source, clock, DefaultCacheConfig(), testLogger(), testMetrics())

	ctx := context.Background()

	_, err := cache.GetRules(ctx)
	require.NoError(t, err)
	require.True(t, cache.Info().Warm)

	source.rules = someRules()[:1]
	cache.Invalidate()
	assert.False(t, cache.Info().Warm)

	rules, err := cache.GetRules(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 1, "post-invalidate access sees the fresh rule set")
	assert.Equal(t, 2, source.loads)
}
