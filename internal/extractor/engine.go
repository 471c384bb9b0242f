package extractor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// Default thresholds when a site has no configured chain. The llm step
// accepts anything; it is the last resort before human review.
const (
	DefaultSelectorThreshold = 0.80
	DefaultMLThreshold       = 0.70
	DefaultLLMThreshold      = 0.0
)

// Engine runs the fallback chain for a field. Strategies are registered by
// name; per-site chains come from the config store, with a built-in default
// chain for unconfigured sites.
type Engine struct {
	store siteconfig.Store

	mu         sync.RWMutex
	strategies map[string]Strategy
}

// NewEngine creates an engine reading chains from the given store.
func NewEngine(store siteconfig.Store) *Engine {
	return &Engine{
		store:      store,
		strategies: make(map[string]Strategy),
	}
}

// Register adds a strategy implementation under a name. New strategies plug
// in without touching the chain loop.
func (e *Engine) Register(name string, s Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies[name] = s
}

func (e *Engine) strategy(name string) (Strategy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.strategies[name]
	return s, ok
}

// ExtractField runs the fallback chain for one field of one page. It never
// returns an error: extraction failure is a structured result (strategy
// "human", confidence 0) rather than an exception. Exactly one Provenance is
// produced per call.
func (e *Engine) ExtractField(ctx context.Context, ec Context) (Result, Provenance) {
	chain := e.chainFor(ctx, ec)

	retries := 0
	for i, step := range chain {
		strategy, ok := e.strategy(step.Strategy)
		if !ok {
			log.Warn().
				Str("strategy", step.Strategy).
				Str("field", ec.Field).
				Msg("Unknown extraction strategy in chain, skipping")
			continue
		}

		out, err := strategy.Execute(ctx, ec, step)
		if err != nil {
			log.Debug().
				Err(err).
				Str("strategy", step.Strategy).
				Str("field", ec.Field).
				Str("url", ec.URL).
				Msg("Extraction strategy failed")
			retries++
			continue
		}

		confidence := out.Confidence
		if !validateValue(ec.Field, out.Value) {
			confidence = 0
		}

		if confidence >= step.Threshold {
			drift := DriftNone
			if i > 0 {
				drift = DriftSwitched
			}
			result := Result{
				Value:      out.Value,
				Confidence: confidence,
				Strategy:   step.Strategy,
				Provenance: out.SourceTag,
				Retries:    retries,
				Drift:      drift,
			}
			return result, e.provenance(ec, result)
		}

		retries++
	}

	// Chain exhausted: terminal human-review state, not a retryable error.
	result := Result{
		Strategy:   StrategyHuman,
		Confidence: 0,
		Retries:    retries,
		Drift:      DriftManualOverride,
	}
	return result, e.provenance(ec, result)
}

func (e *Engine) provenance(ec Context, r Result) Provenance {
	return Provenance{
		Field:            ec.Field,
		ListingURL:       ec.URL,
		Strategy:         r.Strategy,
		Confidence:       r.Confidence,
		SourceTag:        r.Provenance,
		ClusterID:        ec.ClusterID,
		Retries:          r.Retries,
		Valid:            r.Confidence > 0.5,
		Drift:            r.Drift,
		ExtractorVersion: Version,
		ExtractedAt:      time.Now().UTC(),
	}
}

// chainFor returns the configured chain for (site, field), or the built-in
// default chain. Config lookup failures degrade to defaults; extraction must
// never fail because a site is unconfigured.
func (e *Engine) chainFor(ctx context.Context, ec Context) []siteconfig.StrategyConfig {
	var cfg *siteconfig.SiteConfig
	if e.store != nil {
		loaded, err := e.store.Get(ctx, ec.SiteName)
		if err != nil {
			log.Warn().
				Err(err).
				Str("site", ec.SiteName).
				Msg("Failed to load site config, using default chain")
		} else {
			cfg = loaded
		}
	}

	if cfg != nil {
		if chain, ok := cfg.FieldStrategies[ec.Field]; ok && len(chain) > 0 {
			return chain
		}
		// No explicit chain: build the default one around the configured selector
		if selector, ok := cfg.Selectors[ec.Field]; ok && selector != "" {
			return defaultChain(selector, ec.Field)
		}
	}

	return defaultChain(fmt.Sprintf("[data-field=%q]", ec.Field), ec.Field)
}

func defaultChain(selector, field string) []siteconfig.StrategyConfig {
	return []siteconfig.StrategyConfig{
		{Strategy: "selector", Threshold: DefaultSelectorThreshold, Selector: selector},
		{Strategy: "ml", Threshold: DefaultMLThreshold, ModelID: "field-extractor-v2"},
		{Strategy: "llm", Threshold: DefaultLLMThreshold, ModelID: "listing-parse-large"},
	}
}
