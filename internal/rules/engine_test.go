package rules

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sortline/sortline/internal/domain"
)

func newEngine(t *testing.T, ruleSet []domain.SortingRule) *Engine {
	t.Helper()
	clock := &manualClock{now: time.Now()}
	cache := NewCache(&fakeRuleSource{rules: ruleSet}, clock, DefaultCacheConfig(), testLogger(), testMetrics())
	return NewEngine(cache, testLogger(), testMetrics())
}

func testParcel(barcode string) *domain.Parcel {
	p := domain.NewParcel("P-1", "CART-7", barcode, time.Now())
	return p
}

func TestFirstMatchWins(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-1", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^JD", TargetChute: "CH-1", Enabled: true},
		{RuleID: "R-2", Priority: 2, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^JD88", TargetChute: "CH-2", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	chute, matched, err := engine.Evaluate(context.Background(), testParcel("JD8812"), nil, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-1", chute, "evaluation stops at the first matching rule")
}

func TestDisabledRulesSkipped(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-1", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^JD", TargetChute: "CH-1", Enabled: false},
		{RuleID: "R-2", Priority: 2, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^JD", TargetChute: "CH-2", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	chute, matched, err := engine.Evaluate(context.Background(), testParcel("JD1"), nil, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-2", chute)
}

func TestNoMatchIsNotAnError(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-1", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^SF", TargetChute: "CH-1", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	chute, matched, err := engine.Evaluate(context.Background(), testParcel("JD1"), nil, nil)
	require.NoError(t, err)
	assert.False(t, matched)
	assert.Empty(t, chute)
}

func TestInvalidRuleDisqualifiesOnlyItself(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-BAD", Priority: 1, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "([", TargetChute: "CH-1", Enabled: true},
		{RuleID: "R-OK", Priority: 2, MatchingMethod: domain.MatchBarcodeRegex, ConditionExpression: "^JD", TargetChute: "CH-2", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	chute, matched, err := engine.Evaluate(context.Background(), testParcel("JD1"), nil, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-2", chute, "a broken rule must not halt evaluation")
}

func TestWeightMatch(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-HEAVY", Priority: 1, MatchingMethod: domain.MatchWeight, ConditionExpression: ">= 30000", TargetChute: "CH-HEAVY", Enabled: true},
		{RuleID: "R-LIGHT", Priority: 2, MatchingMethod: domain.MatchWeight, ConditionExpression: "< 30000", TargetChute: "CH-LIGHT", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	reading := &domain.DwsReading{Weight: decimal.NewFromInt(45000)}
	chute, matched, err := engine.Evaluate(context.Background(), testParcel(""), reading, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-HEAVY", chute)

	reading = &domain.DwsReading{Weight: decimal.RequireFromString("29999.99")}
	chute, matched, err = engine.Evaluate(context.Background(), testParcel(""), reading, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-LIGHT", chute)

	// No reading means weight rules cannot match
	_, matched, err = engine.Evaluate(context.Background(), testParcel(""), nil, nil)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestVolumeMatchExactDecimal(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-V", Priority: 1, MatchingMethod: domain.MatchVolume, ConditionExpression: "== 0.1", TargetChute: "CH-V", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	// 0.1 survives exactly; no float representation drift
	reading := &domain.DwsReading{Volume: decimal.RequireFromString("0.1")}
	chute, matched, err := engine.Evaluate(context.Background(), testParcel(""), reading, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-V", chute)
}

func TestOcrMatch(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-OCR", Priority: 1, MatchingMethod: domain.MatchOcr, ConditionExpression: "fragile", TargetChute: "CH-FRAGILE", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	third := domain.ThirdPartyData{"ocrText": "Handle With Care FRAGILE glass"}
	chute, matched, err := engine.Evaluate(context.Background(), testParcel(""), nil, third)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-FRAGILE", chute)

	_, matched, err = engine.Evaluate(context.Background(), testParcel(""), nil, nil)
	require.NoError(t, err)
	assert.False(t, matched, "absent third-party payload means no match")
}

func TestApiResponseMatch(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{RuleID: "R-API", Priority: 1, MatchingMethod: domain.MatchApiResponse, ConditionExpression: "destination=NORTH", TargetChute: "CH-N", Enabled: true},
	}
	engine := newEngine(t, ruleSet)

	third := domain.ThirdPartyData{"destination": "north"}
	chute, matched, err := engine.Evaluate(context.Background(), testParcel(""), nil, third)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-N", chute)
}

func TestLowCodeExpression(t *testing.T) {
	ruleSet := []domain.SortingRule{
		{
			RuleID:              "R-LC",
			Priority:            1,
			MatchingMethod:      domain.MatchLowCodeExpression,
			ConditionExpression: `weight > 1000 && barcode startswith "JD"`,
			TargetChute:         "CH-LC",
			Enabled:             true,
		},
	}
	engine := newEngine(t, ruleSet)

	reading := &domain.DwsReading{Weight: decimal.NewFromInt(1500), Barcode: "JD77"}
	chute, matched, err := engine.Evaluate(context.Background(), testParcel(""), reading, nil)
	require.NoError(t, err)
	require.True(t, matched)
	assert.Equal(t, "CH-LC", chute)

	// One failing clause fails the whole expression
	reading = &domain.DwsReading{Weight: decimal.NewFromInt(500), Barcode: "JD77"}
	_, matched, err = engine.Evaluate(context.Background(), testParcel(""), reading, nil)
	require.NoError(t, err)
	assert.False(t, matched)
}

func TestEvaluateFailsClosedWithoutRules(t *testing.T) {
	clock := &manualClock{now: time.Now()}
	source := &fakeRuleSource{err: context.DeadlineExceeded}
	cache := NewCache(source, clock, DefaultCacheConfig(), testLogger(), testMetrics())
	engine := NewEngine(cache, testLogger(), testMetrics())

	_, _, err := engine.Evaluate(context.Background(), testParcel("JD1"), nil, nil)
	require.ErrorIs(t, err, domain.ErrNoRulesLoaded)
}
