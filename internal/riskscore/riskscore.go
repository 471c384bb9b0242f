// Package riskscore tracks a per-site defensive-pressure score in [0,100].
// Block signals and server-error streaks push the score up; clean successes
// and elapsed time pull it back down. The adaptive rate-limit mode reads the
// score to shrink its allowance before a site starts hard-blocking.
package riskscore

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxScore          = 100.0
	blockBump         = 25.0
	serverErrorBump   = 10.0
	successStep       = 1.0
	decayPerMinute    = 1.0
	serverErrorStreak = 3
)

type siteRisk struct {
	score       float64
	errorStreak int
	updatedAt   time.Time
}

// Tracker holds per-site risk state. Safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex
	sites map[string]*siteRisk

	now func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		sites: make(map[string]*siteRisk),
		now:   time.Now,
	}
}

// RecordBlock registers a block signal (challenge page, 403/429) for a site.
func (t *Tracker) RecordBlock(site string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.decayed(site)
	s.errorStreak = 0
	s.score += blockBump
	if s.score > maxScore {
		s.score = maxScore
	}

	log.Warn().
		Str("site", site).
		Float64("risk", s.score).
		Msg("Block signal raised site risk")
}

// RecordServerError registers a 5xx outcome. Only a streak of them bumps the
// score; isolated server hiccups are not a defensive signal.
func (t *Tracker) RecordServerError(site string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.decayed(site)
	s.errorStreak++
	if s.errorStreak >= serverErrorStreak {
		s.errorStreak = 0
		s.score += serverErrorBump
		if s.score > maxScore {
			s.score = maxScore
		}
	}
}

// RecordSuccess registers a clean response, easing the score down.
func (t *Tracker) RecordSuccess(site string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.decayed(site)
	s.errorStreak = 0
	s.score -= successStep
	if s.score < 0 {
		s.score = 0
	}
}

// Score returns the site's current risk in [0,100] after time decay.
func (t *Tracker) Score(site string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.decayed(site).score
}

// decayed returns the site's state with time decay applied.
// Caller must hold the mutex.
func (t *Tracker) decayed(site string) *siteRisk {
	now := t.now()
	s, ok := t.sites[site]
	if !ok {
		s = &siteRisk{updatedAt: now}
		t.sites[site] = s
		return s
	}

	minutes := now.Sub(s.updatedAt).Minutes()
	if minutes > 0 {
		s.score -= minutes * decayPerMinute
		if s.score < 0 {
			s.score = 0
		}
	}
	s.updatedAt = now
	return s
}
