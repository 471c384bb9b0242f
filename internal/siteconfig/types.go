// Package siteconfig owns per-site crawl settings: headers, selectors,
// extraction strategy chains, rate limits and page budgets. The scheduler and
// extraction engine read from here; only operators and crawl-outcome
// transitions write.
package siteconfig

import "time"

// SiteStatus tracks a site's operational state.
type SiteStatus string

const (
	StatusActive      SiteStatus = "active"
	StatusBlocked     SiteStatus = "blocked"
	StatusMaintenance SiteStatus = "maintenance"
	StatusError       SiteStatus = "error"
)

// Outcome of a crawl against a site, used to drive status transitions.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

// Consecutive failures before a site is flagged as errored.
const ErrorStreakThreshold = 3

// StrategyConfig configures one step of a field's extraction fallback chain.
type StrategyConfig struct {
	Strategy  string  `json:"strategy"`
	Threshold float64 `json:"threshold"`
	Selector  string  `json:"selector,omitempty"`
	Attribute string  `json:"attribute,omitempty"`
	Pattern   string  `json:"pattern,omitempty"`
	ModelID   string  `json:"model_id,omitempty"`
}

// SiteConfig holds everything the pipeline needs to crawl one site.
type SiteConfig struct {
	SiteID          int
	Name            string
	BaseURL         string
	Enabled         bool
	Status          SiteStatus
	Category        string
	Priority        int // 1-10
	RateLimitMs     int
	MaxPages        int
	FailureStreak   int
	LastCrawledAt   time.Time
	Headers         map[string]string
	Selectors       map[string]string           // field -> CSS selector
	FieldStrategies map[string][]StrategyConfig // field -> ordered fallback chain
	IndexSelector   string                      // selector for listing links on the index page
}

// Defaults returns a usable config for a site with nothing configured.
// Unconfigured sites degrade to defaults rather than failing.
func Defaults(name string) *SiteConfig {
	return &SiteConfig{
		Name:          name,
		Enabled:       true,
		Status:        StatusActive,
		Priority:      5,
		RateLimitMs:   2000,
		MaxPages:      50,
		Headers:       map[string]string{},
		Selectors:     map[string]string{},
		IndexSelector: "a[href*='/lot/'], a[href*='/listing/']",
	}
}
