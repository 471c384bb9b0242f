package db

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// GetDB returns the underlying sql.DB handle
func (d *DB) GetDB() *sql.DB {
	return d.client
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// Config holds PostgreSQL connection configuration
type Config struct {
	Host         string        // Database host
	Port         string        // Database port
	User         string        // Database user
	Password     string        // Database password
	Database     string        // Database name
	SSLMode      string        // SSL mode (disable, require, verify-ca, verify-full)
	MaxIdleConns int           // Maximum number of idle connections
	MaxOpenConns int           // Maximum number of open connections
	MaxLifetime  time.Duration // Maximum lifetime of a connection
	DatabaseURL  string        // Original DATABASE_URL if used
}

// ConnectionString returns the PostgreSQL connection string
func (c *Config) ConnectionString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// New creates a new PostgreSQL database connection
func New(config *Config) (*DB, error) {
	if config.Host == "" && config.DatabaseURL == "" {
		return nil, fmt.Errorf("database host is required")
	}
	if config.SSLMode == "" {
		config.SSLMode = "disable"
	}
	if config.MaxIdleConns == 0 {
		config.MaxIdleConns = 30
	}
	if config.MaxOpenConns == 0 {
		config.MaxOpenConns = 75
	}
	if config.MaxLifetime == 0 {
		config.MaxLifetime = 20 * time.Minute
	}

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(client); err != nil {
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().Str("database", config.Database).Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// InitFromEnv creates a PostgreSQL connection using environment variables
func InitFromEnv() (*DB, error) {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return New(&Config{DatabaseURL: url, Host: "from-url"})
	}

	config := &Config{
		Host:     os.Getenv("POSTGRES_HOST"),
		Port:     os.Getenv("POSTGRES_PORT"),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  os.Getenv("POSTGRES_SSL_MODE"),
	}

	if config.Host == "" {
		config.Host = "localhost"
	}
	if config.Port == "" {
		config.Port = "5432"
	}
	if config.User == "" {
		config.User = "postgres"
	}
	if config.Database == "" {
		config.Database = "gavelhound"
	}

	return New(config)
}

// setupSchema creates the pipeline tables in PostgreSQL. Setup is idempotent;
// existing tables are never altered here.
func setupSchema(db *sql.DB) error {
	statements := []struct {
		name string
		sql  string
	}{
		{"sites", `
			CREATE TABLE IF NOT EXISTS sites (
				id SERIAL PRIMARY KEY,
				name TEXT NOT NULL UNIQUE,
				base_url TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT TRUE,
				status TEXT NOT NULL DEFAULT 'active',
				category TEXT,
				priority INTEGER NOT NULL DEFAULT 5,
				rate_limit_ms INTEGER NOT NULL DEFAULT 2000,
				max_pages INTEGER NOT NULL DEFAULT 50,
				failure_streak INTEGER NOT NULL DEFAULT 0,
				last_crawled_at TIMESTAMPTZ,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`},
		{"site_configs", `
			CREATE TABLE IF NOT EXISTS site_configs (
				site_name TEXT PRIMARY KEY REFERENCES sites(name) ON DELETE CASCADE,
				headers JSONB NOT NULL DEFAULT '{}',
				selectors JSONB NOT NULL DEFAULT '{}',
				field_strategies JSONB NOT NULL DEFAULT '{}',
				index_selector TEXT,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`},
		{"listings", `
			CREATE TABLE IF NOT EXISTS listings (
				id SERIAL PRIMARY KEY,
				source_site TEXT NOT NULL,
				listing_url TEXT NOT NULL UNIQUE,
				auction_end TEXT,
				year INTEGER,
				make TEXT,
				model TEXT,
				trim TEXT,
				mileage INTEGER,
				current_bid NUMERIC(12,2),
				location TEXT,
				state TEXT,
				vin TEXT,
				photo_url TEXT,
				description TEXT,
				scrape_metadata JSONB NOT NULL DEFAULT '{}',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`},
		{"field_provenance", `
			CREATE TABLE IF NOT EXISTS field_provenance (
				id SERIAL PRIMARY KEY,
				listing_url TEXT NOT NULL,
				field TEXT NOT NULL,
				strategy TEXT NOT NULL,
				confidence DOUBLE PRECISION NOT NULL,
				source_tag TEXT,
				cluster_id TEXT,
				retries INTEGER NOT NULL DEFAULT 0,
				valid BOOLEAN NOT NULL,
				drift_decision TEXT NOT NULL,
				extractor_version TEXT NOT NULL,
				extracted_at TIMESTAMPTZ NOT NULL
			)
		`},
		{"extraction_strategies", `
			CREATE TABLE IF NOT EXISTS extraction_strategies (
				id SERIAL PRIMARY KEY,
				site_name TEXT NOT NULL,
				field TEXT NOT NULL,
				cluster_id TEXT,
				fallback_order INTEGER NOT NULL,
				strategy TEXT NOT NULL,
				threshold DOUBLE PRECISION NOT NULL,
				config JSONB NOT NULL DEFAULT '{}',
				UNIQUE (site_name, field, cluster_id, fallback_order)
			)
		`},
		{"scraping_jobs", `
			CREATE TABLE IF NOT EXISTS scraping_jobs (
				id UUID PRIMARY KEY,
				status TEXT NOT NULL DEFAULT 'pending',
				progress DOUBLE PRECISION NOT NULL DEFAULT 0,
				total_sites INTEGER NOT NULL DEFAULT 0,
				completed_sites INTEGER NOT NULL DEFAULT 0,
				failed_sites INTEGER NOT NULL DEFAULT 0,
				listings_found INTEGER NOT NULL DEFAULT 0,
				error_message TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				started_at TIMESTAMPTZ,
				completed_at TIMESTAMPTZ
			)
		`},
		{"proxy_events", `
			CREATE TABLE IF NOT EXISTS proxy_events (
				id SERIAL PRIMARY KEY,
				proxy_key TEXT NOT NULL,
				event TEXT NOT NULL,
				site_name TEXT,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)
		`},
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt.sql); err != nil {
			return fmt.Errorf("failed to create %s table: %w", stmt.name, err)
		}
	}

	// Notify config listeners when a site config changes
	_, err := db.Exec(`
		CREATE OR REPLACE FUNCTION notify_site_config_changed() RETURNS trigger AS $$
		BEGIN
			PERFORM pg_notify('site_config_changed', NEW.site_name);
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS site_config_changed_trigger ON site_configs;
		CREATE TRIGGER site_config_changed_trigger
			AFTER INSERT OR UPDATE ON site_configs
			FOR EACH ROW EXECUTE FUNCTION notify_site_config_changed();
	`)
	if err != nil {
		return fmt.Errorf("failed to create site config trigger: %w", err)
	}

	return nil
}
