// Package extractor turns raw page content into confidence-scored field
// values. Strategies are tried in fallback order until one clears its
// threshold; every attempt leaves a provenance record.
package extractor

import (
	"context"
	"time"

	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// Version stamps provenance records so extractions can be traced back to the
// code that produced them.
const Version = "1.4.0"

// DriftDecision classifies why a non-primary strategy produced the value.
type DriftDecision string

const (
	DriftNone           DriftDecision = "none"
	DriftSwitched       DriftDecision = "switched"
	DriftFallback       DriftDecision = "fallback"
	DriftManualOverride DriftDecision = "manual_override"
)

// StrategyHuman marks a field that exhausted the chain and needs review.
const StrategyHuman = "human"

// Context carries everything a strategy needs to extract one field from one page.
type Context struct {
	Field     string
	HTML      string
	ClusterID string
	URL       string
	SiteName  string
}

// Result is the outcome of one extraction call. Results are derived values,
// never mutated after creation; a re-extraction produces a new Result.
type Result struct {
	Value      string
	Confidence float64
	Strategy   string
	Provenance string
	Retries    int
	Drift      DriftDecision
}

// Provenance is the immutable audit record binding a Result to the method,
// source and time that produced it. Exactly one exists per extraction.
type Provenance struct {
	Field            string
	ListingURL       string
	Strategy         string
	Confidence       float64
	SourceTag        string // CSS selector or model identifier
	ClusterID        string
	Retries          int
	Valid            bool
	Drift            DriftDecision
	ExtractorVersion string
	ExtractedAt      time.Time
}

// Output is what a strategy returns to the engine.
type Output struct {
	Value      string
	Confidence float64
	SourceTag  string
}

// Strategy is the single capability every extraction method implements. The
// engine never inspects strategy internals beyond this interface.
type Strategy interface {
	Execute(ctx context.Context, ec Context, cfg siteconfig.StrategyConfig) (Output, error)
}
