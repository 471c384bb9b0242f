// Package results persists scraped listings and their extraction provenance,
// tracks scraping job progress, and aggregates batch summaries.
package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gavelhound/gavelhound/internal/db"
	"github.com/gavelhound/gavelhound/internal/extractor"
)

// upsertBatchSize is how many listings go into one multi-row INSERT.
const upsertBatchSize = 100

// listingColumns is the column count of the listings upsert; keep in sync
// with buildUpsert.
const listingColumns = 15

// Listing is a normalised auction listing ready for storage. ListingURL is
// the natural key; re-scraping the same URL updates in place.
type Listing struct {
	SourceSite  string
	ListingURL  string
	AuctionEnd  string
	Year        int
	Make        string
	Model       string
	Trim        string
	Mileage     int
	CurrentBid  float64
	Location    string
	State       string
	VIN         string
	PhotoURL    string
	Description string
	// Metadata captures scrape context (strategies used, timing) as JSON.
	Metadata map[string]any
}

// Handler writes listings, provenance and job state through the shared
// database queue.
type Handler struct {
	dbQueue *db.DbQueue
	now     func() time.Time
}

// NewHandler creates a result handler.
func NewHandler(dbQueue *db.DbQueue) *Handler {
	return &Handler{dbQueue: dbQueue, now: time.Now}
}

// StoreListings upserts listings in batches keyed on listing_url. Storing the
// same listings twice produces updates, never duplicate rows. A failed batch
// is logged and skipped so later batches still store; the returned error is
// an aggregate the caller should log rather than treat as fatal. Returns the
// number of listings written.
func (h *Handler) StoreListings(ctx context.Context, listings []Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}

	stored := 0
	failedBatches := 0
	var lastErr error
	for start := 0; start < len(listings); start += upsertBatchSize {
		end := start + upsertBatchSize
		if end > len(listings) {
			end = len(listings)
		}
		batch := listings[start:end]

		err := h.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
			query, args, err := buildUpsert(batch)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, query, args...)
			return err
		})
		if err != nil {
			failedBatches++
			lastErr = err
			log.Error().
				Err(err).
				Int("batch_start", start).
				Int("batch_size", len(batch)).
				Msg("Failed to store listing batch, skipping")
			continue
		}
		stored += len(batch)
	}

	log.Info().Int("listings", stored).Msg("Stored listings")
	if failedBatches > 0 {
		return stored, fmt.Errorf("failed to store %d listing batch(es): %w", failedBatches, lastErr)
	}
	return stored, nil
}

// buildUpsert renders a multi-row upsert for one batch.
func buildUpsert(batch []Listing) (string, []any, error) {
	values := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*listingColumns)

	for i, l := range batch {
		metadata, err := json.Marshal(l.Metadata)
		if err != nil {
			return "", nil, fmt.Errorf("failed to encode metadata for %s: %w", l.ListingURL, err)
		}
		if l.Metadata == nil {
			metadata = []byte("{}")
		}

		base := i * listingColumns
		placeholders := make([]string, listingColumns)
		for j := range placeholders {
			placeholders[j] = fmt.Sprintf("$%d", base+j+1)
		}
		values = append(values, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			l.SourceSite, l.ListingURL, l.AuctionEnd,
			nullableInt(l.Year), l.Make, l.Model, l.Trim,
			nullableInt(l.Mileage), nullableFloat(l.CurrentBid),
			l.Location, l.State, l.VIN, l.PhotoURL, l.Description,
			string(metadata),
		)
	}

	query := `
		INSERT INTO listings (
			source_site, listing_url, auction_end,
			year, make, model, trim,
			mileage, current_bid,
			location, state, vin, photo_url, description,
			scrape_metadata
		) VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (listing_url) DO UPDATE SET
			source_site = EXCLUDED.source_site,
			auction_end = EXCLUDED.auction_end,
			year = EXCLUDED.year,
			make = EXCLUDED.make,
			model = EXCLUDED.model,
			trim = EXCLUDED.trim,
			mileage = EXCLUDED.mileage,
			current_bid = EXCLUDED.current_bid,
			location = EXCLUDED.location,
			state = EXCLUDED.state,
			vin = EXCLUDED.vin,
			photo_url = EXCLUDED.photo_url,
			description = EXCLUDED.description,
			scrape_metadata = EXCLUDED.scrape_metadata,
			updated_at = NOW()`

	return query, args, nil
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

// StoreProvenance appends extraction audit records. Provenance is append
// only; corrections come from new extractions, never edits.
func (h *Handler) StoreProvenance(ctx context.Context, records []extractor.Provenance) error {
	if len(records) == 0 {
		return nil
	}

	return h.dbQueue.Execute(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO field_provenance (
				listing_url, field, strategy, confidence, source_tag,
				cluster_id, retries, valid, drift_decision,
				extractor_version, extracted_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range records {
			if _, err := stmt.ExecContext(ctx,
				r.ListingURL, r.Field, r.Strategy, r.Confidence, r.SourceTag,
				r.ClusterID, r.Retries, r.Valid, string(r.Drift),
				r.ExtractorVersion, r.ExtractedAt,
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// SiteSummary aggregates one site's contribution to a batch.
type SiteSummary struct {
	SiteName       string  `json:"site_name"`
	ListingsStored int     `json:"listings_stored"`
	Failed         bool    `json:"failed"`
	Blocked        bool    `json:"blocked,omitempty"`
	Error          string  `json:"error,omitempty"`
	DurationMs     int64   `json:"duration_ms"`
	AvgConfidence  float64 `json:"avg_confidence,omitempty"`
}

// BatchSummary is the roll-up of one batch run.
type BatchSummary struct {
	TotalSites     int           `json:"total_sites"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Blocked        int           `json:"blocked"`
	ListingsStored int           `json:"listings_stored"`
	AvgDurationMs  int64         `json:"avg_duration_ms"`
	Sites          []SiteSummary `json:"sites"`
}

// GenerateSummary aggregates per-site summaries into a batch roll-up. Pure;
// no storage access.
func GenerateSummary(sites []SiteSummary) BatchSummary {
	summary := BatchSummary{TotalSites: len(sites), Sites: sites}
	var totalMs int64
	for _, s := range sites {
		totalMs += s.DurationMs
		if s.Blocked {
			summary.Blocked++
		}
		if s.Failed {
			summary.Failed++
			continue
		}
		summary.Succeeded++
		summary.ListingsStored += s.ListingsStored
	}
	if len(sites) > 0 {
		summary.AvgDurationMs = totalMs / int64(len(sites))
	}
	return summary
}
