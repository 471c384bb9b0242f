package extractor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// Remote model strategies call an external inference endpoint. The endpoint
// is a contract, not a backend: anything accepting the request shape below
// and returning {value, confidence} will do.

// maxHTMLPayload bounds the HTML sent to remote models.
const maxHTMLPayload = 64 * 1024

// RemoteConfig configures an HTTP-backed strategy.
type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// RemoteStrategy executes field extraction against a remote model endpoint.
// It serves both the "ml" and "llm" chain steps; only the endpoint and the
// configured model differ.
type RemoteStrategy struct {
	name   string
	cfg    RemoteConfig
	client *http.Client
}

// NewRemoteStrategy creates an HTTP-backed strategy. Calls are external I/O
// and always bounded by the configured timeout.
func NewRemoteStrategy(name string, cfg RemoteConfig) *RemoteStrategy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &RemoteStrategy{
		name: name,
		cfg:  cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type remoteRequest struct {
	Field    string `json:"field"`
	HTML     string `json:"html"`
	URL      string `json:"url"`
	SiteName string `json:"site_name"`
	ModelID  string `json:"model_id,omitempty"`
}

type remoteResponse struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Execute implements Strategy.
func (r *RemoteStrategy) Execute(ctx context.Context, ec Context, cfg siteconfig.StrategyConfig) (Output, error) {
	if r.cfg.Endpoint == "" {
		return Output{}, fmt.Errorf("%s strategy has no endpoint configured", r.name)
	}

	html := ec.HTML
	if len(html) > maxHTMLPayload {
		html = html[:maxHTMLPayload]
	}

	payload, err := json.Marshal(remoteRequest{
		Field:    ec.Field,
		HTML:     html,
		URL:      ec.URL,
		SiteName: ec.SiteName,
		ModelID:  cfg.ModelID,
	})
	if err != nil {
		return Output{}, fmt.Errorf("failed to marshal %s request: %w", r.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Output{}, fmt.Errorf("failed to build %s request: %w", r.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Output{}, fmt.Errorf("%s request failed: %w", r.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Output{}, fmt.Errorf("%s endpoint returned status %d", r.name, resp.StatusCode)
	}

	var decoded remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Output{}, fmt.Errorf("failed to decode %s response: %w", r.name, err)
	}

	tag := cfg.ModelID
	if tag == "" {
		tag = r.name
	}
	return Output{Value: decoded.Value, Confidence: decoded.Confidence, SourceTag: tag}, nil
}
