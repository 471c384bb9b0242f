package extractor

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// SelectorStrategy extracts a field with a CSS selector. Confidence reflects
// how cleanly the selector matched: a single match with text scores high,
// ambiguity and empty matches score low.
type SelectorStrategy struct{}

// NewSelectorStrategy creates the CSS-selector extraction strategy.
func NewSelectorStrategy() *SelectorStrategy {
	return &SelectorStrategy{}
}

// Execute implements Strategy.
func (s *SelectorStrategy) Execute(_ context.Context, ec Context, cfg siteconfig.StrategyConfig) (Output, error) {
	if cfg.Selector == "" {
		return Output{}, fmt.Errorf("no selector configured for field %s", ec.Field)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(ec.HTML))
	if err != nil {
		return Output{}, fmt.Errorf("failed to parse HTML: %w", err)
	}

	matches := doc.Find(cfg.Selector)
	if matches.Length() == 0 {
		return Output{Confidence: 0, SourceTag: cfg.Selector}, nil
	}

	first := matches.First()
	var value string
	if cfg.Attribute != "" {
		value = first.AttrOr(cfg.Attribute, "")
	} else {
		value = strings.TrimSpace(first.Text())
	}

	if cfg.Pattern != "" {
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return Output{}, fmt.Errorf("invalid pattern %q: %w", cfg.Pattern, err)
		}
		if m := re.FindStringSubmatch(value); len(m) > 1 {
			value = m[1]
		} else if m != nil {
			value = m[0]
		} else {
			value = ""
		}
	}

	confidence := selectorConfidence(value, matches.Length())
	return Output{Value: value, Confidence: confidence, SourceTag: cfg.Selector}, nil
}

func selectorConfidence(value string, matchCount int) float64 {
	if value == "" {
		return 0
	}
	// A unique match is a strong signal; multiple matches mean the selector
	// is ambiguous and we may have grabbed the wrong node.
	if matchCount == 1 {
		return 0.95
	}
	if matchCount <= 3 {
		return 0.75
	}
	return 0.5
}
