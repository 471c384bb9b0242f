// Package ratelimit bounds outbound request rates per logical key (site,
// global, or proxy IP). Four algorithms share one external contract so the
// batch workers never care which discipline a key uses.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Algorithm selects the rate-limiting discipline for a limiter instance.
type Algorithm string

const (
	FixedWindow   Algorithm = "fixed_window"
	SlidingWindow Algorithm = "sliding_window"
	TokenBucket   Algorithm = "token_bucket"
	Adaptive      Algorithm = "adaptive"
)

// RiskFunc reports an externally tracked risk score in [0,100] for a key.
// The adaptive algorithm scales its allowance down as risk climbs.
type RiskFunc func(key string) float64

// Config controls a Limiter instance.
type Config struct {
	Algorithm   Algorithm
	MaxRequests int           // Requests (or tokens) allowed per window
	Window      time.Duration // Window length
	GCInterval  time.Duration // How often idle keys are swept
}

// DefaultConfig returns token-bucket limiting at 10 requests per 10 seconds.
func DefaultConfig() Config {
	return Config{
		Algorithm:   TokenBucket,
		MaxRequests: 10,
		Window:      10 * time.Second,
		GCInterval:  5 * time.Minute,
	}
}

// Decision is the structured outcome of a limit check. A denial is not an
// error; callers back off for RetryAfter and try again.
type Decision struct {
	Allowed    bool
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// bucket holds per-key state. Which fields are used depends on the algorithm.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	resetAt    time.Time
	count      int         // fixed-window hit count
	stamps     []time.Time // sliding-window timestamps
	lastTouch  time.Time
}

// Limiter implements per-key throttling. Safe for concurrent use; the bucket
// map is the only shared state and every mutation happens under the mutex.
type Limiter struct {
	cfg  Config
	risk RiskFunc

	mu      sync.Mutex
	buckets map[string]*bucket

	now func() time.Time
}

// New creates a Limiter. riskFn may be nil unless the algorithm is Adaptive,
// in which case a nil riskFn is treated as zero risk.
func New(cfg Config, riskFn RiskFunc) *Limiter {
	if cfg.MaxRequests < 1 {
		cfg.MaxRequests = DefaultConfig().MaxRequests
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if cfg.GCInterval <= 0 {
		cfg.GCInterval = DefaultConfig().GCInterval
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = TokenBucket
	}

	return &Limiter{
		cfg:     cfg,
		risk:    riskFn,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Check reports whether the key may spend the requested number of tokens now.
func (l *Limiter) Check(key string, tokens int) Decision {
	if tokens < 1 {
		tokens = 1
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.getOrCreate(key, now)
	b.lastTouch = now

	switch l.cfg.Algorithm {
	case FixedWindow:
		return l.checkFixedWindow(b, now, tokens, l.cfg.MaxRequests)
	case SlidingWindow:
		return l.checkSlidingWindow(b, now, tokens, l.cfg.MaxRequests)
	case Adaptive:
		return l.checkSlidingWindow(b, now, tokens, l.adjustedMax(key))
	default:
		return l.checkTokenBucket(b, now, tokens)
	}
}

// adjustedMax scales MaxRequests down proportionally to the key's risk score:
// adjustedMax = floor(max * (1 - risk/200)), never below 1.
func (l *Limiter) adjustedMax(key string) int {
	risk := 0.0
	if l.risk != nil {
		risk = l.risk(key)
	}
	if risk < 0 {
		risk = 0
	}
	if risk > 100 {
		risk = 100
	}
	adjusted := int(math.Floor(float64(l.cfg.MaxRequests) * (1 - risk/200)))
	if adjusted < 1 {
		adjusted = 1
	}
	return adjusted
}

func (l *Limiter) getOrCreate(key string, now time.Time) *bucket {
	if b, ok := l.buckets[key]; ok {
		return b
	}
	b := &bucket{
		tokens:     float64(l.cfg.MaxRequests),
		lastRefill: now,
		resetAt:    now.Add(l.cfg.Window),
	}
	l.buckets[key] = b
	return b
}

func (l *Limiter) checkTokenBucket(b *bucket, now time.Time, tokens int) Decision {
	maxTokens := float64(l.cfg.MaxRequests)
	refillPerMs := maxTokens / float64(l.cfg.Window.Milliseconds())

	// Hard window reset guards against permanent starvation under clock skew.
	if !now.Before(b.resetAt) {
		b.tokens = maxTokens
		b.lastRefill = now
		b.resetAt = now.Add(l.cfg.Window)
	} else {
		elapsedMs := float64(now.Sub(b.lastRefill).Milliseconds())
		toAdd := math.Floor(elapsedMs * refillPerMs)
		if toAdd > 0 {
			b.tokens = math.Min(maxTokens, b.tokens+toAdd)
			// Only advance lastRefill when tokens were actually added,
			// otherwise frequent zero-token ticks would drift the refill.
			b.lastRefill = now
		}
	}

	if b.tokens >= float64(tokens) {
		b.tokens -= float64(tokens)
		return Decision{
			Allowed:   true,
			Remaining: int(b.tokens),
			ResetAt:   b.resetAt,
		}
	}

	deficit := float64(tokens) - b.tokens
	retryMs := math.Ceil(deficit / refillPerMs)
	return Decision{
		Allowed:    false,
		Remaining:  int(b.tokens),
		ResetAt:    b.resetAt,
		RetryAfter: time.Duration(retryMs) * time.Millisecond,
	}
}

func (l *Limiter) checkFixedWindow(b *bucket, now time.Time, tokens, maxRequests int) Decision {
	if !now.Before(b.resetAt) {
		b.count = 0
		b.resetAt = now.Add(l.cfg.Window)
	}

	if b.count+tokens <= maxRequests {
		b.count += tokens
		return Decision{
			Allowed:   true,
			Remaining: maxRequests - b.count,
			ResetAt:   b.resetAt,
		}
	}

	return Decision{
		Allowed:    false,
		Remaining:  maxRequests - b.count,
		ResetAt:    b.resetAt,
		RetryAfter: b.resetAt.Sub(now),
	}
}

func (l *Limiter) checkSlidingWindow(b *bucket, now time.Time, tokens, maxRequests int) Decision {
	cutoff := now.Add(-l.cfg.Window)

	// Drop timestamps outside the trailing window
	kept := b.stamps[:0]
	for _, ts := range b.stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.stamps = kept

	if len(b.stamps)+tokens <= maxRequests {
		for i := 0; i < tokens; i++ {
			b.stamps = append(b.stamps, now)
		}
		return Decision{
			Allowed:   true,
			Remaining: remaining(maxRequests, len(b.stamps)),
			ResetAt:   now.Add(l.cfg.Window),
		}
	}

	retryAfter := l.cfg.Window
	if len(b.stamps) > 0 {
		retryAfter = b.stamps[0].Add(l.cfg.Window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
	}
	return Decision{
		Allowed:    false,
		Remaining:  remaining(maxRequests, len(b.stamps)),
		ResetAt:    now.Add(l.cfg.Window),
		RetryAfter: retryAfter,
	}
}

// remaining clamps at zero. The adaptive mode can shrink the allowance below
// the number of stamps already recorded in the window.
func remaining(maxRequests, used int) int {
	if used >= maxRequests {
		return 0
	}
	return maxRequests - used
}

// StartGC sweeps idle keys periodically until the context is cancelled.
// Anything untouched beyond twice the window is dropped.
func (l *Limiter) StartGC(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.cfg.GCInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := l.sweep()
				if removed > 0 {
					log.Debug().
						Int("removed", removed).
						Msg("Swept idle rate-limit buckets")
				}
			}
		}
	}()
}

func (l *Limiter) sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-2 * l.cfg.Window)
	removed := 0
	for key, b := range l.buckets {
		if b.lastTouch.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys. Used by tests and diagnostics.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
