// Package scrape runs the per-site pipeline: fetch the index page, resolve
// listing links, fetch each listing, extract fields through the fallback
// chain, and persist listings with provenance. It is the Operation the batch
// processor executes for every site.
package scrape

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gavelhound/gavelhound/internal/batch"
	"github.com/gavelhound/gavelhound/internal/extractor"
	"github.com/gavelhound/gavelhound/internal/fetcher"
	"github.com/gavelhound/gavelhound/internal/observability"
	"github.com/gavelhound/gavelhound/internal/predictor"
	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/results"
	"github.com/gavelhound/gavelhound/internal/riskscore"
	"github.com/gavelhound/gavelhound/internal/scheduler"
	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// listingFields are extracted for every listing, in storage order.
var listingFields = []string{
	"auction_end", "year", "make", "model", "trim",
	"mileage", "current_bid", "location", "state", "vin",
	"photo_url", "description",
}

// Fetcher is the page retrieval surface the service depends on.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, site *siteconfig.SiteConfig, p *proxy.Proxy) (*fetcher.Page, error)
}

// Storer is the persistence surface the service depends on.
type Storer interface {
	StoreListings(ctx context.Context, listings []results.Listing) (int, error)
	StoreProvenance(ctx context.Context, records []extractor.Provenance) error
}

// Config bounds one site's scrape.
type Config struct {
	// MaxListingsPerRun caps detail fetches per site per batch, on top of
	// the site's own MaxPages budget.
	MaxListingsPerRun int
	// ListingDelay spaces detail-page fetches within a site.
	ListingDelay time.Duration
}

// DefaultConfig returns standard per-site scrape bounds.
func DefaultConfig() Config {
	return Config{
		MaxListingsPerRun: 40,
		ListingDelay:      500 * time.Millisecond,
	}
}

// Service executes the site pipeline.
type Service struct {
	cfg     Config
	fetch   Fetcher
	engine  *extractor.Engine
	store   Storer
	risk    *riskscore.Tracker
	sched   *scheduler.Scheduler
	predict predictor.ProfitPredictor
}

// New creates a scrape service. The risk tracker, scheduler and predictor
// may be nil; the pipeline then skips feedback, re-queueing and profit
// estimation respectively.
func New(cfg Config, fetch Fetcher, engine *extractor.Engine, store Storer, risk *riskscore.Tracker, sched *scheduler.Scheduler, predict predictor.ProfitPredictor) *Service {
	if cfg.MaxListingsPerRun <= 0 {
		cfg.MaxListingsPerRun = DefaultConfig().MaxListingsPerRun
	}
	return &Service{
		cfg:     cfg,
		fetch:   fetch,
		engine:  engine,
		store:   store,
		risk:    risk,
		sched:   sched,
		predict: predict,
	}
}

// Operation adapts the service to the batch processor's operation signature.
func (s *Service) Operation() batch.Operation {
	return s.ScrapeSite
}

// ScrapeSite runs the full pipeline for one site. A blocked response is
// reported through the outcome, not as an error.
func (s *Service) ScrapeSite(ctx context.Context, site *siteconfig.SiteConfig, prx *proxy.Proxy) (batch.Outcome, error) {
	ctx, span := observability.StartSiteScrapeSpan(ctx, observability.SiteScrapeSpanInfo{
		SiteName: site.Name,
		Proxied:  prx != nil,
	})
	defer span.End()
	start := time.Now()

	outcome, err := s.scrape(ctx, site, prx)

	status := "success"
	switch {
	case outcome.Blocked:
		status = "blocked"
	case err != nil:
		status = "error"
	}
	observability.RecordSiteScrape(ctx, observability.SiteScrapeMetrics{
		SiteName: site.Name,
		Status:   status,
		Duration: time.Since(start),
	})

	return outcome, err
}

func (s *Service) scrape(ctx context.Context, site *siteconfig.SiteConfig, prx *proxy.Proxy) (batch.Outcome, error) {
	var outcome batch.Outcome

	indexURL := site.BaseURL
	if indexURL == "" {
		indexURL = "https://" + site.Name
	}

	index, err := s.fetch.Fetch(ctx, indexURL, site, prx)
	if err != nil {
		return outcome, fmt.Errorf("failed to fetch index page: %w", err)
	}
	if index.Blocked {
		outcome.Blocked = true
		return outcome, nil
	}
	s.recordStatus(site.Name, index.StatusCode)

	urls, err := fetcher.ParseListingIndex(index, site.IndexSelector)
	if err != nil {
		return outcome, fmt.Errorf("failed to parse index page: %w", err)
	}
	outcome.ListingsFound = len(urls)

	budget := s.cfg.MaxListingsPerRun
	if site.MaxPages > 0 && site.MaxPages < budget {
		budget = site.MaxPages
	}
	if len(urls) > budget {
		urls = urls[:budget]
	}

	var (
		listings   []results.Listing
		provenance []extractor.Provenance
	)
	for i, listingURL := range urls {
		if i > 0 && s.cfg.ListingDelay > 0 {
			select {
			case <-time.After(s.cfg.ListingDelay):
			case <-ctx.Done():
				return outcome, ctx.Err()
			}
		}

		page, err := s.fetch.Fetch(ctx, listingURL, site, prx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("site", site.Name).
				Str("url", listingURL).
				Msg("Skipping listing, fetch failed")
			continue
		}
		if page.Blocked {
			outcome.Blocked = true
			break
		}
		s.recordStatus(site.Name, page.StatusCode)
		if page.StatusCode >= 400 {
			log.Debug().
				Str("site", site.Name).
				Str("url", listingURL).
				Int("status", page.StatusCode).
				Msg("Skipping listing, non-success status")
			continue
		}

		listing, records := s.extractListing(ctx, site, page)
		listings = append(listings, listing)
		provenance = append(provenance, records...)
	}

	if len(listings) > 0 {
		stored, err := s.store.StoreListings(ctx, listings)
		outcome.ListingsStored = stored
		if err != nil {
			// Partial storage. The failed batches are already logged and
			// skipped; the surviving listings still count.
			log.Error().
				Err(err).
				Str("site", site.Name).
				Int("stored", stored).
				Msg("Some listing batches failed to store")
		}
		if err := s.store.StoreProvenance(ctx, provenance); err != nil {
			return outcome, err
		}
		observability.RecordListingsStored(ctx, site.Name, stored)
		s.queueRescrapes(ctx, site, listings)
	}

	return outcome, nil
}

// extractListing runs the fallback chain for every listing field.
func (s *Service) extractListing(ctx context.Context, site *siteconfig.SiteConfig, page *fetcher.Page) (results.Listing, []extractor.Provenance) {
	listing := results.Listing{
		SourceSite: site.Name,
		ListingURL: page.FinalURL,
		Metadata:   map[string]any{"fetched_at": time.Now().UTC().Format(time.RFC3339)},
	}
	if listing.ListingURL == "" {
		listing.ListingURL = page.URL
	}

	strategies := make(map[string]string, len(listingFields))
	records := make([]extractor.Provenance, 0, len(listingFields))

	for _, field := range listingFields {
		result, prov := s.engine.ExtractField(ctx, extractor.Context{
			Field:    field,
			HTML:     page.HTML,
			URL:      listing.ListingURL,
			SiteName: site.Name,
		})
		records = append(records, prov)
		strategies[field] = result.Strategy
		observability.RecordExtraction(ctx, result.Strategy, string(result.Drift))

		if result.Confidence > 0 {
			setField(&listing, field, result.Value)
		}
	}
	listing.Metadata["strategies"] = strategies

	return listing, records
}

// setField writes an extracted value into its listing slot, converting
// numerics. Values already passed field validation in the engine.
func setField(l *results.Listing, field, value string) {
	switch field {
	case "auction_end":
		l.AuctionEnd = value
	case "year":
		l.Year = parseInt(value)
	case "make":
		l.Make = value
	case "model":
		l.Model = value
	case "trim":
		l.Trim = value
	case "mileage":
		l.Mileage = parseInt(value)
	case "current_bid":
		l.CurrentBid = parseFloat(value)
	case "location":
		l.Location = value
	case "state":
		l.State = value
	case "vin":
		l.VIN = strings.ToUpper(value)
	case "photo_url":
		l.PhotoURL = value
	case "description":
		l.Description = value
	}
}

func parseInt(value string) int {
	n, err := strconv.Atoi(cleanNumeric(value))
	if err != nil {
		return 0
	}
	return n
}

func parseFloat(value string) float64 {
	f, err := strconv.ParseFloat(cleanNumeric(value), 64)
	if err != nil {
		return 0
	}
	return f
}

// cleanNumeric strips currency symbols, separators and units.
func cleanNumeric(value string) string {
	var b strings.Builder
	for _, r := range value {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// recordStatus feeds response codes into the risk tracker.
func (s *Service) recordStatus(siteName string, statusCode int) {
	if s.risk == nil {
		return
	}
	switch {
	case statusCode >= 500:
		s.risk.RecordServerError(siteName)
	case statusCode >= 200 && statusCode < 300:
		s.risk.RecordSuccess(siteName)
	}
}

// queueRescrapes feeds stored listings back to the scheduler so active
// auctions are revisited, scored by predicted profit.
func (s *Service) queueRescrapes(ctx context.Context, site *siteconfig.SiteConfig, listings []results.Listing) {
	if s.sched == nil {
		return
	}

	targets := make([]scheduler.Target, 0, len(listings))
	for _, l := range listings {
		profit := 0.0
		if s.predict != nil {
			estimate, err := s.predict.Predict(ctx, predictor.ListingSignals{
				URL:        l.ListingURL,
				SiteName:   site.Name,
				Make:       l.Make,
				Model:      l.Model,
				Year:       l.Year,
				Mileage:    l.Mileage,
				CurrentBid: l.CurrentBid,
			})
			if err != nil {
				log.Debug().
					Err(err).
					Str("url", l.ListingURL).
					Msg("Profit prediction failed, scheduling with zero estimate")
			} else {
				profit = estimate
			}
		}

		targets = append(targets, scheduler.Target{
			URL:             l.ListingURL,
			SiteName:        site.Name,
			LastChangeHours: 0,
			SitePriority:    site.Priority,
			PredictedProfit: profit,
		})
	}

	s.sched.AddTargets(targets)
}
