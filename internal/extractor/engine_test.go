package extractor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// spyStrategy records invocations and returns a canned output.
type spyStrategy struct {
	calls  int
	output Output
	err    error
}

func (s *spyStrategy) Execute(_ context.Context, _ Context, _ siteconfig.StrategyConfig) (Output, error) {
	s.calls++
	if s.err != nil {
		return Output{}, s.err
	}
	return s.output, nil
}

func chainStore(t *testing.T, field string, chain []siteconfig.StrategyConfig) siteconfig.Store {
	t.Helper()
	store := siteconfig.NewMemoryStore()
	cfg := siteconfig.Defaults("auctions.example.com")
	cfg.FieldStrategies = map[string][]siteconfig.StrategyConfig{field: chain}
	require.NoError(t, store.Upsert(context.Background(), cfg))
	return store
}

func testContext(field string) Context {
	return Context{
		Field:    field,
		HTML:     "<html><body></body></html>",
		URL:      "https://auctions.example.com/lot/1",
		SiteName: "auctions.example.com",
	}
}

func TestFirstStrategyClearingThresholdShortCircuits(t *testing.T) {
	store := chainStore(t, "make", []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: 0.80},
		{Strategy: "ml", Threshold: 0.70},
		{Strategy: "llm", Threshold: 0.0},
	})

	selector := &spyStrategy{output: Output{Value: "Toyota", Confidence: 0.9, SourceTag: ".make"}}
	ml := &spyStrategy{output: Output{Value: "Toyota", Confidence: 0.99}}
	llm := &spyStrategy{output: Output{Value: "Toyota", Confidence: 0.99}}

	engine := NewEngine(store)
	engine.Register("selector", selector)
	engine.Register("ml", ml)
	engine.Register("llm", llm)

	result, prov := engine.ExtractField(context.Background(), testContext("make"))

	assert.Equal(t, "selector", result.Strategy)
	assert.Equal(t, DriftNone, result.Drift)
	assert.Equal(t, 1, selector.calls)
	assert.Equal(t, 0, ml.calls, "chain must short-circuit before ml")
	assert.Equal(t, 0, llm.calls, "chain must short-circuit before llm")
	assert.True(t, prov.Valid)
	assert.Equal(t, Version, prov.ExtractorVersion)
}

func TestFallbackToMLSetsDriftSwitched(t *testing.T) {
	// Selector confidence 0.6 is below its 0.80 threshold; ml at 0.75 clears 0.70.
	store := chainStore(t, "make", []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: 0.80},
		{Strategy: "ml", Threshold: 0.70},
	})

	selector := &spyStrategy{output: Output{Value: "Toy", Confidence: 0.6}}
	ml := &spyStrategy{output: Output{Value: "Toyota", Confidence: 0.75}}

	engine := NewEngine(store)
	engine.Register("selector", selector)
	engine.Register("ml", ml)

	result, prov := engine.ExtractField(context.Background(), testContext("make"))

	assert.Equal(t, "ml", result.Strategy)
	assert.Equal(t, DriftSwitched, result.Drift)
	assert.Equal(t, "Toyota", result.Value)
	assert.InDelta(t, 0.75, result.Confidence, 0.001)
	assert.Equal(t, 1, result.Retries)
	assert.True(t, prov.Valid)
}

func TestExhaustedChainMarksHumanReview(t *testing.T) {
	store := chainStore(t, "vin", []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: 0.80},
		{Strategy: "ml", Threshold: 0.70},
	})

	selector := &spyStrategy{err: errors.New("selector blew up")}
	ml := &spyStrategy{output: Output{Value: "maybe-a-vin", Confidence: 0.4}}

	engine := NewEngine(store)
	engine.Register("selector", selector)
	engine.Register("ml", ml)

	result, prov := engine.ExtractField(context.Background(), testContext("vin"))

	assert.Equal(t, StrategyHuman, result.Strategy)
	assert.Equal(t, 0.0, result.Confidence)
	assert.Equal(t, DriftManualOverride, result.Drift)
	assert.Equal(t, 2, result.Retries)
	assert.False(t, prov.Valid)
	assert.Equal(t, StrategyHuman, prov.Strategy)
}

func TestStrategyErrorFallsThrough(t *testing.T) {
	store := chainStore(t, "model", []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: 0.80},
		{Strategy: "llm", Threshold: 0.0},
	})

	selector := &spyStrategy{err: errors.New("parse failure")}
	llm := &spyStrategy{output: Output{Value: "Corolla", Confidence: 0.3}}

	engine := NewEngine(store)
	engine.Register("selector", selector)
	engine.Register("llm", llm)

	result, _ := engine.ExtractField(context.Background(), testContext("model"))

	assert.Equal(t, "llm", result.Strategy)
	assert.Equal(t, DriftSwitched, result.Drift)
	assert.Equal(t, "Corolla", result.Value)
}

func TestValidatorZeroesConfidenceBeforeThreshold(t *testing.T) {
	store := chainStore(t, "vin", []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: 0.80},
	})

	// Confident extraction of a malformed VIN must not clear the threshold
	selector := &spyStrategy{output: Output{Value: "NOT-A-REAL-VIN", Confidence: 0.95}}

	engine := NewEngine(store)
	engine.Register("selector", selector)

	result, prov := engine.ExtractField(context.Background(), testContext("vin"))

	assert.Equal(t, StrategyHuman, result.Strategy)
	assert.False(t, prov.Valid)
}

func TestUnconfiguredSiteUsesDefaultChain(t *testing.T) {
	// A nil-config site must never cause an unhandled failure.
	engine := NewEngine(siteconfig.NewMemoryStore())
	selector := &spyStrategy{output: Output{Value: "2019", Confidence: 0.95}}
	engine.Register("selector", selector)
	engine.Register("ml", &spyStrategy{output: Output{Confidence: 0}})
	engine.Register("llm", &spyStrategy{output: Output{Confidence: 0}})

	result, _ := engine.ExtractField(context.Background(), testContext("year"))

	assert.Equal(t, "selector", result.Strategy)
	assert.Equal(t, "2019", result.Value)
}

func TestUnknownStrategyInChainIsSkipped(t *testing.T) {
	store := chainStore(t, "make", []siteconfig.StrategyConfig{
		{Strategy: "quantum", Threshold: 0.5},
		{Strategy: "llm", Threshold: 0.0},
	})

	llm := &spyStrategy{output: Output{Value: "Honda", Confidence: 0.6}}
	engine := NewEngine(store)
	engine.Register("llm", llm)

	result, _ := engine.ExtractField(context.Background(), testContext("make"))

	assert.Equal(t, "llm", result.Strategy)
	assert.Equal(t, 1, llm.calls)
}

func TestEveryExtractionYieldsProvenance(t *testing.T) {
	store := chainStore(t, "make", []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: 0.80},
	})

	engine := NewEngine(store)
	engine.Register("selector", &spyStrategy{err: errors.New("down")})

	_, prov := engine.ExtractField(context.Background(), testContext("make"))

	assert.Equal(t, "make", prov.Field)
	assert.Equal(t, "https://auctions.example.com/lot/1", prov.ListingURL)
	assert.False(t, prov.ExtractedAt.IsZero())
	assert.Equal(t, Version, prov.ExtractorVersion)
}
