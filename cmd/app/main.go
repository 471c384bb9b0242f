package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gavelhound/gavelhound/internal/antibot"
	"github.com/gavelhound/gavelhound/internal/batch"
	"github.com/gavelhound/gavelhound/internal/db"
	"github.com/gavelhound/gavelhound/internal/extractor"
	"github.com/gavelhound/gavelhound/internal/fetcher"
	"github.com/gavelhound/gavelhound/internal/notifications"
	"github.com/gavelhound/gavelhound/internal/observability"
	"github.com/gavelhound/gavelhound/internal/predictor"
	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/ratelimit"
	"github.com/gavelhound/gavelhound/internal/results"
	"github.com/gavelhound/gavelhound/internal/riskscore"
	"github.com/gavelhound/gavelhound/internal/scheduler"
	"github.com/gavelhound/gavelhound/internal/scrape"
	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// Config holds the application configuration loaded from environment variables
type Config struct {
	Env                  string // Environment (development/production)
	SentryDSN            string // Sentry DSN for error tracking
	LogLevel             string // Log level (debug, info, warn, error)
	ObservabilityEnabled bool   // Toggle OpenTelemetry + Prometheus exporters
	MetricsAddr          string // Address for Prometheus metrics endpoint (":9464" style)
	OTLPEndpoint         string // OTLP HTTP endpoint for trace export
	OTLPHeaders          string // Comma separated headers for OTLP exporter
	OTLPInsecure         bool   // Disable TLS verification for OTLP exporter

	CrawlInterval    time.Duration // Time between batch runs
	BatchSize        int           // Targets drawn from the scheduler per run
	BatchConcurrency int           // Sites scraped in parallel
	ProxyList        string        // Comma separated proxies "http://host:port"
	SlackToken       string        // Bot token for operator alerts
	SlackChannel     string        // Channel for operator alerts
	PredictorURL     string        // Profit scoring service endpoint
	PredictorAPIKey  string
	MLEndpoint       string // ML field extraction endpoint
	LLMEndpoint      string // LLM field extraction endpoint
	ExtractorAPIKey  string
}

func loadConfig() *Config {
	return &Config{
		Env:                  getEnvWithDefault("APP_ENV", "development"),
		SentryDSN:            os.Getenv("SENTRY_DSN"),
		LogLevel:             getEnvWithDefault("LOG_LEVEL", "info"),
		ObservabilityEnabled: getEnvWithDefault("OBSERVABILITY_ENABLED", "true") == "true",
		MetricsAddr:          getEnvWithDefault("METRICS_ADDR", ":9464"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPHeaders:          os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"),
		OTLPInsecure:         getEnvWithDefault("OTEL_EXPORTER_OTLP_INSECURE", "false") == "true",

		CrawlInterval:    getEnvDuration("CRAWL_INTERVAL", 15*time.Minute),
		BatchSize:        getEnvInt("BATCH_SIZE", 20),
		BatchConcurrency: getEnvInt("BATCH_CONCURRENCY", 4),
		ProxyList:        os.Getenv("PROXY_LIST"),
		SlackToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SlackChannel:     os.Getenv("SLACK_ALERT_CHANNEL"),
		PredictorURL:     os.Getenv("PREDICTOR_URL"),
		PredictorAPIKey:  os.Getenv("PREDICTOR_API_KEY"),
		MLEndpoint:       os.Getenv("EXTRACTOR_ML_ENDPOINT"),
		LLMEndpoint:      os.Getenv("EXTRACTOR_LLM_ENDPOINT"),
		ExtractorAPIKey:  os.Getenv("EXTRACTOR_API_KEY"),
	}
}

func main() {
	// .env.local takes priority for development
	godotenv.Load(".env.local", ".env")

	config := loadConfig()
	setupLogging(config)

	if config.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.SentryDSN,
			Environment: config.Env,
			TracesSampleRate: func() float64 {
				if config.Env == "production" {
					return 0.1
				}
				return 1.0
			}(),
			AttachStacktrace: true,
			Debug:            config.Env == "development",
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise Sentry")
		} else {
			log.Info().Str("environment", config.Env).Msg("Sentry initialised successfully")
			defer sentry.Flush(2 * time.Second)
		}
	} else {
		log.Warn().Msg("Sentry DSN not configured, error tracking disabled")
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		obsProviders *observability.Providers
		metricsSrv   *http.Server
		err          error
	)

	if config.ObservabilityEnabled {
		obsProviders, err = observability.Init(rootCtx, observability.Config{
			Enabled:        true,
			ServiceName:    "gavelhound",
			Environment:    config.Env,
			OTLPEndpoint:   strings.TrimSpace(config.OTLPEndpoint),
			OTLPHeaders:    parseOTLPHeaders(config.OTLPHeaders),
			OTLPInsecure:   config.OTLPInsecure,
			MetricsAddress: config.MetricsAddr,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialise observability providers")
		} else if obsProviders != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := obsProviders.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to flush telemetry providers cleanly")
				}
			}()

			if obsProviders.MetricsHandler != nil && config.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", obsProviders.MetricsHandler)
				mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					fmt.Fprintln(w, "ok")
				})
				metricsSrv = &http.Server{
					Addr:              config.MetricsAddr,
					Handler:           mux,
					ReadHeaderTimeout: 5 * time.Second,
				}

				go func() {
					log.Info().Str("addr", config.MetricsAddr).Msg("Metrics server listening")
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						sentry.CaptureException(err)
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()

				defer func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := metricsSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn().Err(err).Msg("Graceful shutdown of metrics server failed")
					}
				}()
			}
		}
	}

	// Connect to PostgreSQL with startup retry
	pgDB, err := db.InitFromEnvWithRetry(rootCtx)
	if err != nil {
		sentry.CaptureException(err)
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL database")
	}
	defer pgDB.Close()

	dbQueue := db.NewDbQueue(pgDB.GetDB())

	// Site config store with LISTEN/NOTIFY cache invalidation
	siteStore := siteconfig.NewPGStore(pgDB.GetDB(), dbQueue)
	listener := siteconfig.NewListener(pgDB.GetConfig().ConnectionString(), siteStore)
	go listener.Start(rootCtx)

	// Risk tracking and the adaptive per-site rate limiter
	risk := riskscore.NewTracker()
	limiter := ratelimit.New(ratelimit.Config{
		Algorithm:   ratelimit.Adaptive,
		MaxRequests: getEnvInt("SITE_RATE_MAX_REQUESTS", 30),
		Window:      getEnvDuration("SITE_RATE_WINDOW", time.Minute),
	}, risk.Score)
	go limiter.StartGC(rootCtx)

	// Proxy pool
	proxies := proxy.NewManager(proxy.DefaultConfig(), parseProxyList(config.ProxyList))
	if stats := proxies.PoolStats(); stats.Total > 0 {
		log.Info().Int("proxies", stats.Total).Msg("Proxy pool loaded")
	} else {
		log.Info().Msg("No proxies configured, all requests go direct")
	}

	// Page fetcher with anti-bot detection
	detector, err := antibot.New()
	if err != nil {
		log.Warn().Err(err).Msg("Bot-protection detector unavailable, using status codes only")
	}
	pageFetcher := fetcher.New(fetcher.DefaultConfig(), detector)

	// Extraction engine with its fallback strategies
	engine := extractor.NewEngine(siteStore)
	engine.Register("selector", &extractor.SelectorStrategy{})
	if config.MLEndpoint != "" {
		engine.Register("ml", extractor.NewRemoteStrategy("ml", extractor.RemoteConfig{
			Endpoint: config.MLEndpoint,
			APIKey:   config.ExtractorAPIKey,
		}))
	}
	if config.LLMEndpoint != "" {
		engine.Register("llm", extractor.NewRemoteStrategy("llm", extractor.RemoteConfig{
			Endpoint: config.LLMEndpoint,
			APIKey:   config.ExtractorAPIKey,
		}))
	}

	// Profit predictor drives scheduling priority
	var profit predictor.ProfitPredictor
	if config.PredictorURL != "" {
		profit = predictor.NewHTTPPredictor(config.PredictorURL, config.PredictorAPIKey, 10*time.Second)
	} else {
		log.Info().Msg("No predictor endpoint configured, using static heuristic")
		profit = predictor.StaticPredictor{}
	}

	resultHandler := results.NewHandler(dbQueue)
	sched := scheduler.New(scheduler.DefaultConfig())
	notifier := notifications.New(config.SlackToken, config.SlackChannel)

	scrapeSvc := scrape.New(scrape.DefaultConfig(), pageFetcher, engine, resultHandler, risk, sched, profit)

	batchCfg := batch.DefaultConfig()
	batchCfg.Concurrency = config.BatchConcurrency
	processor := batch.New(batchCfg, siteStore, limiter, proxies, risk, notifier)

	log.Info().
		Dur("interval", config.CrawlInterval).
		Int("batch_size", config.BatchSize).
		Int("concurrency", config.BatchConcurrency).
		Msg("Starting crawl loop")

	runCrawlLoop(rootCtx, config, siteStore, sched, processor, scrapeSvc, resultHandler, notifier)

	log.Info().Msg("Crawl loop stopped, shutting down")
}

// runCrawlLoop seeds the scheduler from site configs and works batches until
// the context is cancelled. One run per interval tick, plus one immediately
// on startup.
func runCrawlLoop(ctx context.Context, config *Config, siteStore siteconfig.Store, sched *scheduler.Scheduler, processor *batch.Processor, scrapeSvc *scrape.Service, resultHandler *results.Handler, notifier *notifications.Notifier) {
	ticker := time.NewTicker(config.CrawlInterval)
	defer ticker.Stop()

	runBatch(ctx, config, siteStore, sched, processor, scrapeSvc, resultHandler, notifier)

	for {
		select {
		case <-ticker.C:
			runBatch(ctx, config, siteStore, sched, processor, scrapeSvc, resultHandler, notifier)
		case <-ctx.Done():
			return
		}
	}
}

func runBatch(ctx context.Context, config *Config, siteStore siteconfig.Store, sched *scheduler.Scheduler, processor *batch.Processor, scrapeSvc *scrape.Service, resultHandler *results.Handler, notifier *notifications.Notifier) {
	if err := seedTargets(ctx, siteStore, sched); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to seed crawl targets")
		return
	}

	targets := sched.NextBatch(config.BatchSize)
	if len(targets) == 0 {
		log.Debug().Msg("No crawl targets due")
		return
	}

	siteNames := uniqueSites(targets)
	job, err := resultHandler.CreateJob(ctx, len(siteNames))
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("Failed to create scraping job")
		return
	}
	if err := resultHandler.StartJob(ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
	}

	siteResults := processor.Run(ctx, siteNames, scrapeSvc.Operation())

	var completed, failed, listingsFound int
	summaries := make([]results.SiteSummary, 0, len(siteResults))
	for _, r := range siteResults {
		if r.Failed() {
			failed++
		} else {
			completed++
			listingsFound += r.Outcome.ListingsStored
		}
		summaries = append(summaries, results.SiteSummary{
			SiteName:       r.SiteName,
			ListingsStored: r.Outcome.ListingsStored,
			Failed:         r.Failed(),
			Blocked:        r.Outcome.Blocked,
			Error:          r.Error,
			DurationMs:     r.Duration.Milliseconds(),
		})
	}

	if err := resultHandler.UpdateJobProgress(ctx, job.ID, completed, failed, listingsFound); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to update job progress")
	}

	var jobErr string
	if ctx.Err() != nil {
		jobErr = ctx.Err().Error()
	} else if completed == 0 && failed > 0 {
		jobErr = "all sites in batch failed"
		notifier.BatchFailed(ctx, job.ID, jobErr)
	}
	if err := resultHandler.CompleteJob(ctx, job.ID, jobErr); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to complete job")
	}

	summary := results.GenerateSummary(summaries)
	log.Info().
		Str("job_id", job.ID).
		Int("sites", summary.TotalSites).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("listings", summary.ListingsStored).
		Msg("Batch run finished")
}

// seedTargets queues every enabled site's index page, scored by how long ago
// it was crawled.
func seedTargets(ctx context.Context, siteStore siteconfig.Store, sched *scheduler.Scheduler) error {
	sites, err := siteStore.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sites: %w", err)
	}

	targets := make([]scheduler.Target, 0, len(sites))
	for _, site := range sites {
		if site.Status == siteconfig.StatusMaintenance {
			continue
		}

		hours := 0.0
		if !site.LastCrawledAt.IsZero() {
			hours = time.Since(site.LastCrawledAt).Hours()
		}
		indexURL := site.BaseURL
		if indexURL == "" {
			indexURL = "https://" + site.Name
		}
		targets = append(targets, scheduler.Target{
			URL:             indexURL,
			SiteName:        site.Name,
			LastChangeHours: hours,
			SitePriority:    site.Priority,
		})
	}

	sched.AddTargets(targets)
	return nil
}

// uniqueSites extracts site names from targets, preserving score order.
func uniqueSites(targets []scheduler.Target) []string {
	seen := make(map[string]bool, len(targets))
	names := make([]string, 0, len(targets))
	for _, t := range targets {
		if t.SiteName == "" || seen[t.SiteName] {
			continue
		}
		seen[t.SiteName] = true
		names = append(names, t.SiteName)
	}
	return names
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt retrieves an environment variable as an integer or returns a default value if not set or invalid
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	result, err := strconv.Atoi(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Int("default", defaultValue).
			Msg("Invalid integer in environment variable, using default")
		return defaultValue
	}
	return result
}

// getEnvDuration retrieves an environment variable as a duration ("15m", "1h")
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		log.Warn().
			Str("key", key).
			Str("value", value).
			Dur("default", defaultValue).
			Msg("Invalid duration in environment variable, using default")
		return defaultValue
	}
	return d
}

func parseOTLPHeaders(raw string) map[string]string {
	headers := make(map[string]string)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return headers
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}

		headers[key] = value
	}

	return headers
}

// parseProxyList parses PROXY_LIST entries of the form "http://host:port",
// optionally suffixed with a country ("http://host:port;US").
func parseProxyList(raw string) []proxy.Proxy {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var proxies []proxy.Proxy
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		country := ""
		if idx := strings.Index(entry, ";"); idx >= 0 {
			country = strings.TrimSpace(entry[idx+1:])
			entry = entry[:idx]
		}

		scheme := "http"
		if idx := strings.Index(entry, "://"); idx >= 0 {
			scheme = entry[:idx]
			entry = entry[idx+3:]
		}

		host, portStr, found := strings.Cut(entry, ":")
		if !found || host == "" {
			log.Warn().Str("entry", entry).Msg("Skipping malformed proxy entry")
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			log.Warn().Str("entry", entry).Msg("Skipping proxy entry with invalid port")
			continue
		}

		proxies = append(proxies, proxy.Proxy{
			IP:      host,
			Port:    port,
			Type:    scheme,
			Country: country,
		})
	}
	return proxies
}

// setupLogging configures the logging system
func setupLogging(config *Config) {
	level, err := zerolog.ParseLevel(config.LogLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Str("service", "gavelhound").
			Logger()
	}
}
