// Package predictor estimates the profit potential of a listing so the
// scheduler can prioritise high-value pages. The scoring model runs behind
// an HTTP service; a static heuristic covers offline and test setups.
package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// ListingSignals is the feature set sent to the scoring model.
type ListingSignals struct {
	URL        string  `json:"url"`
	SiteName   string  `json:"site_name"`
	Make       string  `json:"make,omitempty"`
	Model      string  `json:"model,omitempty"`
	Year       int     `json:"year,omitempty"`
	Mileage    int     `json:"mileage,omitempty"`
	CurrentBid float64 `json:"current_bid,omitempty"`
}

// ProfitPredictor estimates expected profit in dollars for a listing.
// Implementations must never return a negative estimate.
type ProfitPredictor interface {
	Predict(ctx context.Context, signals ListingSignals) (float64, error)
}

// HTTPPredictor calls an external scoring endpoint.
type HTTPPredictor struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPPredictor creates a predictor backed by a remote scoring service.
func NewHTTPPredictor(endpoint, apiKey string, timeout time.Duration) *HTTPPredictor {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPPredictor{
		endpoint: endpoint,
		apiKey:   apiKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Predict posts the listing signals and returns the estimated profit,
// clamped to zero.
func (p *HTTPPredictor) Predict(ctx context.Context, signals ListingSignals) (float64, error) {
	body, err := json.Marshal(signals)
	if err != nil {
		return 0, fmt.Errorf("failed to encode prediction request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to create prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, fmt.Errorf("prediction service returned status %d", resp.StatusCode)
	}

	var result struct {
		EstimatedProfit float64 `json:"estimated_profit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode prediction response: %w", err)
	}

	if result.EstimatedProfit < 0 {
		log.Debug().
			Str("url", signals.URL).
			Float64("estimate", result.EstimatedProfit).
			Msg("Clamping negative profit estimate to zero")
		return 0, nil
	}
	return result.EstimatedProfit, nil
}

// StaticPredictor is a heuristic fallback used when no scoring service is
// configured. Newer vehicles with active bidding score higher.
type StaticPredictor struct{}

func (StaticPredictor) Predict(_ context.Context, signals ListingSignals) (float64, error) {
	estimate := 500.0

	if signals.Year >= 2015 {
		estimate += float64(signals.Year-2015) * 300
	}
	if signals.Mileage > 0 && signals.Mileage < 80000 {
		estimate += float64(80000-signals.Mileage) / 100
	}
	if signals.CurrentBid > 0 {
		// A live bid under typical resale value suggests margin.
		estimate += signals.CurrentBid * 0.05
	}
	if premiumMake(signals.Make) {
		estimate *= 1.5
	}

	return estimate, nil
}

func premiumMake(make string) bool {
	switch strings.ToLower(make) {
	case "bmw", "mercedes-benz", "audi", "lexus", "porsche", "tesla":
		return true
	default:
		return false
	}
}
