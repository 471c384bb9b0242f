// Package fetcher retrieves pages with browser-like headers, optional proxy
// routing and a shared courtesy rate limit, and flags responses that hit
// bot protection.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/gavelhound/gavelhound/internal/antibot"
	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// Config holds fetcher settings.
type Config struct {
	UserAgent      string
	DefaultTimeout time.Duration
	// GlobalRate caps outbound requests per second across all sites,
	// independent of per-site limits.
	GlobalRate float64
}

// DefaultConfig returns the standard fetcher configuration.
func DefaultConfig() *Config {
	return &Config{
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		DefaultTimeout: 30 * time.Second,
		GlobalRate:     20,
	}
}

// Page is the outcome of a single fetch.
type Page struct {
	URL        string
	FinalURL   string
	HTML       string
	StatusCode int
	Headers    http.Header
	ElapsedMs  int64
	// Blocked is true when the response indicates bot protection rather
	// than content: a blocking status code or a challenge page.
	Blocked   bool
	Detection antibot.Detection
}

// Fetcher performs page retrievals.
type Fetcher struct {
	config   *Config
	colly    *colly.Collector
	limiter  *rate.Limiter
	detector *antibot.Detector
}

// New creates a fetcher. The detector may be nil, in which case only status
// codes are used for block detection.
func New(config *Config, detector *antibot.Detector) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.Async(true),
		colly.AllowURLRevisit(),
	)
	c.SetClient(&http.Client{
		Timeout: config.DefaultTimeout,
		Transport: &http.Transport{
			MaxIdleConnsPerHost: 25,
			MaxConnsPerHost:     50,
			IdleConnTimeout:     120 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	})

	globalRate := config.GlobalRate
	if globalRate <= 0 {
		globalRate = DefaultConfig().GlobalRate
	}

	return &Fetcher{
		config:   config,
		colly:    c,
		limiter:  rate.NewLimiter(rate.Limit(globalRate), int(globalRate)),
		detector: detector,
	}
}

// validateFetchURL rejects malformed or relative URLs before any network work.
func validateFetchURL(ctx context.Context, targetURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return err
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL format: %s", targetURL)
	}
	return nil
}

// Fetch retrieves a single page. Site header overrides are applied on top of
// the browser-like defaults, and the request is routed through p when given.
// A blocked page is returned with Blocked set, not as an error; errors mean
// the request itself failed.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, site *siteconfig.SiteConfig, p *proxy.Proxy) (*Page, error) {
	if err := validateFetchURL(ctx, targetURL); err != nil {
		return nil, err
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	page := &Page{URL: targetURL}

	clone := f.colly.Clone()
	if p != nil {
		if err := clone.SetProxy(p.URL()); err != nil {
			return nil, fmt.Errorf("failed to set proxy %s: %w", p.Key(), err)
		}
	}

	clone.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
		r.Headers.Set("Accept-Encoding", "gzip, deflate, br")
		if site != nil {
			for key, value := range site.Headers {
				r.Headers.Set(key, value)
			}
		}
	})

	var fetchErr error
	handleResponse := func(r *colly.Response) {
		page.StatusCode = r.StatusCode
		page.HTML = string(r.Body)
		page.Headers = r.Headers.Clone()
		page.FinalURL = r.Request.URL.String()
	}

	clone.OnResponse(handleResponse)
	clone.OnError(func(r *colly.Response, err error) {
		// Blocking statuses arrive here because colly treats non-2xx as
		// errors. Keep the body so challenge pages can be fingerprinted.
		if r != nil && r.StatusCode > 0 {
			handleResponse(r)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		if err := clone.Visit(targetURL); err != nil {
			done <- err
			return
		}
		clone.Wait()
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil && page.StatusCode == 0 {
			fetchErr = err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	page.ElapsedMs = time.Since(start).Milliseconds()

	if fetchErr != nil {
		log.Error().
			Err(fetchErr).
			Str("url", targetURL).
			Int64("elapsed_ms", page.ElapsedMs).
			Msg("Page fetch failed")
		return nil, fetchErr
	}

	if f.detector != nil {
		page.Detection = f.detector.Detect(page.Headers, []byte(page.HTML))
	}
	page.Blocked = isBlockingStatus(page.StatusCode) || page.Detection.Challenged

	if page.Blocked {
		log.Warn().
			Str("url", targetURL).
			Int("status", page.StatusCode).
			Strs("vendors", page.Detection.Vendors).
			Msg("Fetch blocked by bot protection")
	} else {
		log.Debug().
			Str("url", targetURL).
			Int("status", page.StatusCode).
			Int("bytes", len(page.HTML)).
			Int64("elapsed_ms", page.ElapsedMs).
			Msg("Page fetched")
	}

	return page, nil
}

// isBlockingStatus reports whether a status code signals bot mitigation.
func isBlockingStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// UserAgent returns the configured user agent string.
func (f *Fetcher) UserAgent() string {
	return f.config.UserAgent
}
