// Package batch runs per-site scraping operations concurrently with bounded
// parallelism, per-site rate limiting, proxy assignment and outcome feedback.
// One site's failure never aborts the rest of the batch.
package batch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/gavelhound/gavelhound/internal/proxy"
	"github.com/gavelhound/gavelhound/internal/ratelimit"
	"github.com/gavelhound/gavelhound/internal/riskscore"
	"github.com/gavelhound/gavelhound/internal/siteconfig"
)

// Outcome is what a site operation reports back on completion.
type Outcome struct {
	ListingsFound  int
	ListingsStored int
	// Blocked means the site served bot protection instead of content.
	Blocked bool
}

// Operation scrapes one site. The proxy is nil when the request should go
// direct.
type Operation func(ctx context.Context, site *siteconfig.SiteConfig, p *proxy.Proxy) (Outcome, error)

// SiteResult is the per-site record in a batch report.
type SiteResult struct {
	SiteName string
	Outcome  Outcome
	Error    string
	Duration time.Duration
}

// Failed reports whether the site's operation did not complete cleanly.
func (r SiteResult) Failed() bool {
	return r.Error != ""
}

// Alerter receives operator notifications. Implementations must tolerate a
// nil receiver so alerting stays optional.
type Alerter interface {
	SiteBlocked(ctx context.Context, siteName, detail string)
	ProxyPoolExhausted(ctx context.Context)
}

// Config controls batch execution.
type Config struct {
	Concurrency     int
	OpTimeout       time.Duration
	InterChunkDelay time.Duration
	// RetryAfterCap bounds how long a rate-limited site is waited on before
	// it is recorded as a failure for this batch.
	RetryAfterCap time.Duration
}

// DefaultConfig returns conservative batch settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		OpTimeout:       5 * time.Minute,
		InterChunkDelay: 2 * time.Second,
		RetryAfterCap:   10 * time.Second,
	}
}

// Processor executes batches of site operations.
type Processor struct {
	cfg     Config
	store   siteconfig.Store
	limiter *ratelimit.Limiter
	proxies *proxy.Manager
	risk    *riskscore.Tracker
	alerter Alerter
}

// New creates a batch processor. The proxy manager and alerter may be nil.
func New(cfg Config, store siteconfig.Store, limiter *ratelimit.Limiter, proxies *proxy.Manager, risk *riskscore.Tracker, alerter Alerter) *Processor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Processor{
		cfg:     cfg,
		store:   store,
		limiter: limiter,
		proxies: proxies,
		risk:    risk,
		alerter: alerter,
	}
}

// Run processes every site and returns one result per site, in input order.
// Sites are worked in chunks of the concurrency limit; each chunk settles
// fully before the next starts. Cancellation turns unstarted sites into
// failures rather than dropping them from the report.
func (p *Processor) Run(ctx context.Context, siteNames []string, op Operation) []SiteResult {
	results := make([]SiteResult, len(siteNames))
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))

	log.Info().
		Int("sites", len(siteNames)).
		Int("concurrency", p.cfg.Concurrency).
		Msg("Starting batch")

	for chunkStart := 0; chunkStart < len(siteNames); chunkStart += p.cfg.Concurrency {
		chunkEnd := chunkStart + p.cfg.Concurrency
		if chunkEnd > len(siteNames) {
			chunkEnd = len(siteNames)
		}

		for i := chunkStart; i < chunkEnd; i++ {
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = SiteResult{SiteName: siteNames[i], Error: err.Error()}
				continue
			}
			go func(i int) {
				defer sem.Release(1)
				results[i] = p.runSite(ctx, siteNames[i], op)
			}(i)
		}

		// Settle the chunk before moving on.
		if err := sem.Acquire(ctx, int64(p.cfg.Concurrency)); err != nil {
			// Wait for in-flight operations without the context so their
			// results are not lost, then fail the remaining sites.
			sem.Acquire(context.Background(), int64(p.cfg.Concurrency))
			sem.Release(int64(p.cfg.Concurrency))
			for i := chunkEnd; i < len(siteNames); i++ {
				results[i] = SiteResult{SiteName: siteNames[i], Error: ctx.Err().Error()}
			}
			return results
		}
		sem.Release(int64(p.cfg.Concurrency))

		if chunkEnd < len(siteNames) && p.cfg.InterChunkDelay > 0 {
			select {
			case <-time.After(p.cfg.InterChunkDelay):
			case <-ctx.Done():
				for i := chunkEnd; i < len(siteNames); i++ {
					results[i] = SiteResult{SiteName: siteNames[i], Error: ctx.Err().Error()}
				}
				return results
			}
		}
	}

	p.logSummary(results)
	return results
}

// runSite executes one site operation with rate limiting, proxy assignment
// and outcome feedback.
func (p *Processor) runSite(ctx context.Context, siteName string, op Operation) SiteResult {
	start := time.Now()
	result := SiteResult{SiteName: siteName}

	site, err := p.store.Get(ctx, siteName)
	if err != nil {
		result.Error = fmt.Sprintf("failed to load site config: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	if !p.waitForRateLimit(ctx, siteName) {
		result.Error = "rate limited: per-site allowance exhausted"
		result.Duration = time.Since(start)
		return result
	}

	var prx *proxy.Proxy
	if p.proxies != nil {
		prx = p.proxies.GetNext(siteName)
		if prx == nil && p.proxies.PoolStats().Total > 0 {
			if p.alerter != nil {
				p.alerter.ProxyPoolExhausted(ctx)
			}
			log.Warn().Str("site", siteName).Msg("Proxy pool exhausted, fetching direct")
		}
	}

	outcome, opErr := p.execute(ctx, site, prx, op)
	result.Outcome = outcome
	result.Duration = time.Since(start)

	p.feedback(ctx, siteName, prx, outcome, opErr)

	if opErr != nil {
		result.Error = opErr.Error()
	} else if outcome.Blocked {
		result.Error = "blocked by bot protection"
	}
	return result
}

// waitForRateLimit checks the site's allowance, sleeping through a short
// retry hint once. Returns false when the site stays over its limit.
func (p *Processor) waitForRateLimit(ctx context.Context, siteName string) bool {
	if p.limiter == nil {
		return true
	}

	decision := p.limiter.Check(siteName, 1)
	if decision.Allowed {
		return true
	}
	if decision.RetryAfter <= 0 || decision.RetryAfter > p.cfg.RetryAfterCap {
		return false
	}

	select {
	case <-time.After(decision.RetryAfter):
	case <-ctx.Done():
		return false
	}
	return p.limiter.Check(siteName, 1).Allowed
}

// execute runs the operation under a timeout, converting panics into errors
// so one bad site handler cannot take down the batch.
func (p *Processor) execute(ctx context.Context, site *siteconfig.SiteConfig, prx *proxy.Proxy, op Operation) (outcome Outcome, err error) {
	opCtx, cancel := context.WithTimeout(ctx, p.cfg.OpTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			log.Error().
				Str("site", site.Name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Recovered from panic in site operation")
			err = fmt.Errorf("panic in site operation: %v", r)
		}
	}()

	return op(opCtx, site, prx)
}

// feedback propagates the outcome to the proxy pool, the risk tracker and
// the site config store.
func (p *Processor) feedback(ctx context.Context, siteName string, prx *proxy.Proxy, outcome Outcome, opErr error) {
	switch {
	case outcome.Blocked:
		if prx != nil && p.proxies != nil {
			p.proxies.MarkBlocked(prx.Key())
		}
		if p.risk != nil {
			p.risk.RecordBlock(siteName)
		}
		p.recordOutcome(ctx, siteName, siteconfig.OutcomeBlocked)
		if p.alerter != nil {
			p.alerter.SiteBlocked(ctx, siteName, "bot protection challenge during batch")
		}
	case opErr != nil:
		if prx != nil && p.proxies != nil {
			p.proxies.RecordFailure(prx.Key())
		}
		p.recordOutcome(ctx, siteName, siteconfig.OutcomeFailure)
	default:
		if prx != nil && p.proxies != nil {
			p.proxies.RecordSuccess(prx.Key())
		}
		if p.risk != nil {
			p.risk.RecordSuccess(siteName)
		}
		p.recordOutcome(ctx, siteName, siteconfig.OutcomeSuccess)
	}
}

func (p *Processor) recordOutcome(ctx context.Context, siteName string, outcome siteconfig.Outcome) {
	if err := p.store.RecordOutcome(ctx, siteName, outcome); err != nil {
		log.Error().
			Err(err).
			Str("site", siteName).
			Str("outcome", string(outcome)).
			Msg("Failed to record site outcome")
	}
}

func (p *Processor) logSummary(results []SiteResult) {
	var succeeded, failed, listings int
	for _, r := range results {
		if r.Failed() {
			failed++
			continue
		}
		succeeded++
		listings += r.Outcome.ListingsStored
	}
	log.Info().
		Int("succeeded", succeeded).
		Int("failed", failed).
		Int("listings_stored", listings).
		Msg("Batch complete")
}
