package siteconfig

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gavelhound/gavelhound/internal/db"
)

// Store is the read surface the scheduler and extraction engine depend on.
// Upsert is the single write path for operator changes.
type Store interface {
	Get(ctx context.Context, siteName string) (*SiteConfig, error)
	List(ctx context.Context) ([]*SiteConfig, error)
	Upsert(ctx context.Context, cfg *SiteConfig) error
	RecordOutcome(ctx context.Context, siteName string, outcome Outcome) error
}

// PGStore reads site configs from PostgreSQL through an in-memory cache.
// Cache entries are invalidated by the NOTIFY listener or expire after TTL.
type PGStore struct {
	db    *sql.DB
	queue *db.DbQueue
	cache *configCache
}

// NewPGStore creates a Postgres-backed store with a five-minute cache TTL.
func NewPGStore(database *sql.DB, queue *db.DbQueue) *PGStore {
	return &PGStore{
		db:    database,
		queue: queue,
		cache: newConfigCache(5 * time.Minute),
	}
}

// Get returns the site's configuration, falling back to built-in defaults
// when the site is unknown. Missing configuration is never an error.
func (s *PGStore) Get(ctx context.Context, siteName string) (*SiteConfig, error) {
	if cfg, ok := s.cache.get(siteName); ok {
		return cfg, nil
	}

	cfg, err := s.load(ctx, siteName)
	if err == sql.ErrNoRows {
		log.Debug().Str("site", siteName).Msg("No config for site, using defaults")
		cfg = Defaults(siteName)
		s.cache.set(siteName, cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config for %s: %w", siteName, err)
	}

	s.cache.set(siteName, cfg)
	return cfg, nil
}

func (s *PGStore) load(ctx context.Context, siteName string) (*SiteConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT s.id, s.name, s.base_url, s.enabled, s.status, COALESCE(s.category, ''),
			s.priority, s.rate_limit_ms, s.max_pages, s.failure_streak,
			COALESCE(s.last_crawled_at, 'epoch'::timestamptz),
			COALESCE(c.headers, '{}'), COALESCE(c.selectors, '{}'),
			COALESCE(c.field_strategies, '{}'), COALESCE(c.index_selector, '')
		FROM sites s
		LEFT JOIN site_configs c ON c.site_name = s.name
		WHERE s.name = $1
	`, siteName)

	return scanConfig(row)
}

// List returns configs for every enabled site.
func (s *PGStore) List(ctx context.Context) ([]*SiteConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.base_url, s.enabled, s.status, COALESCE(s.category, ''),
			s.priority, s.rate_limit_ms, s.max_pages, s.failure_streak,
			COALESCE(s.last_crawled_at, 'epoch'::timestamptz),
			COALESCE(c.headers, '{}'), COALESCE(c.selectors, '{}'),
			COALESCE(c.field_strategies, '{}'), COALESCE(c.index_selector, '')
		FROM sites s
		LEFT JOIN site_configs c ON c.site_name = s.name
		WHERE s.enabled = TRUE
		ORDER BY s.priority DESC, s.name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list site configs: %w", err)
	}
	defer rows.Close()

	var configs []*SiteConfig
	for rows.Next() {
		cfg, err := scanConfig(rows)
		if err != nil {
			log.Error().Err(err).Msg("Failed to scan site config row")
			continue
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConfig(row rowScanner) (*SiteConfig, error) {
	var cfg SiteConfig
	var headersJSON, selectorsJSON, strategiesJSON []byte

	err := row.Scan(
		&cfg.SiteID, &cfg.Name, &cfg.BaseURL, &cfg.Enabled, &cfg.Status, &cfg.Category,
		&cfg.Priority, &cfg.RateLimitMs, &cfg.MaxPages, &cfg.FailureStreak,
		&cfg.LastCrawledAt,
		&headersJSON, &selectorsJSON, &strategiesJSON, &cfg.IndexSelector,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(headersJSON, &cfg.Headers); err != nil {
		cfg.Headers = map[string]string{}
	}
	if err := json.Unmarshal(selectorsJSON, &cfg.Selectors); err != nil {
		cfg.Selectors = map[string]string{}
	}
	if err := json.Unmarshal(strategiesJSON, &cfg.FieldStrategies); err != nil {
		cfg.FieldStrategies = map[string][]StrategyConfig{}
	}
	if cfg.IndexSelector == "" {
		cfg.IndexSelector = Defaults(cfg.Name).IndexSelector
	}

	return &cfg, nil
}

// Upsert writes the site row and its config in one transaction.
func (s *PGStore) Upsert(ctx context.Context, cfg *SiteConfig) error {
	headersJSON, err := json.Marshal(cfg.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}
	selectorsJSON, err := json.Marshal(cfg.Selectors)
	if err != nil {
		return fmt.Errorf("failed to marshal selectors: %w", err)
	}
	strategiesJSON, err := json.Marshal(cfg.FieldStrategies)
	if err != nil {
		return fmt.Errorf("failed to marshal field strategies: %w", err)
	}

	err = s.queue.Execute(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sites (name, base_url, enabled, status, category, priority, rate_limit_ms, max_pages, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
			ON CONFLICT (name) DO UPDATE SET
				base_url = EXCLUDED.base_url,
				enabled = EXCLUDED.enabled,
				status = EXCLUDED.status,
				category = EXCLUDED.category,
				priority = EXCLUDED.priority,
				rate_limit_ms = EXCLUDED.rate_limit_ms,
				max_pages = EXCLUDED.max_pages,
				updated_at = NOW()
		`, cfg.Name, cfg.BaseURL, cfg.Enabled, cfg.Status, cfg.Category,
			cfg.Priority, cfg.RateLimitMs, cfg.MaxPages)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO site_configs (site_name, headers, selectors, field_strategies, index_selector, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (site_name) DO UPDATE SET
				headers = EXCLUDED.headers,
				selectors = EXCLUDED.selectors,
				field_strategies = EXCLUDED.field_strategies,
				index_selector = EXCLUDED.index_selector,
				updated_at = NOW()
		`, cfg.Name, headersJSON, selectorsJSON, strategiesJSON, cfg.IndexSelector)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert site config: %w", err)
	}

	s.cache.invalidate(cfg.Name)
	return nil
}

// RecordOutcome applies a crawl outcome to the site's status: success
// reactivates, blocked flags immediately, a failure streak flags error.
// Operator-set maintenance is never overwritten by outcomes.
func (s *PGStore) RecordOutcome(ctx context.Context, siteName string, outcome Outcome) error {
	err := s.queue.Execute(ctx, func(tx *sql.Tx) error {
		var query string
		switch outcome {
		case OutcomeSuccess:
			query = `
				UPDATE sites
				SET status = 'active', failure_streak = 0, last_crawled_at = NOW(), updated_at = NOW()
				WHERE name = $1 AND status != 'maintenance'
			`
		case OutcomeBlocked:
			query = `
				UPDATE sites
				SET status = 'blocked', failure_streak = failure_streak + 1, updated_at = NOW()
				WHERE name = $1 AND status != 'maintenance'
			`
		default:
			query = fmt.Sprintf(`
				UPDATE sites
				SET failure_streak = failure_streak + 1,
					status = CASE WHEN failure_streak + 1 >= %d THEN 'error' ELSE status END,
					updated_at = NOW()
				WHERE name = $1 AND status != 'maintenance'
			`, ErrorStreakThreshold)
		}
		_, err := tx.ExecContext(ctx, query, siteName)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to record %s outcome for %s: %w", outcome, siteName, err)
	}

	s.cache.invalidate(siteName)
	return nil
}

// Invalidate drops a site from the cache. The NOTIFY listener calls this when
// another process changes a config.
func (s *PGStore) Invalidate(siteName string) {
	s.cache.invalidate(siteName)
}
