// Package scheduler decides what to crawl next. Targets are classified into
// new/changed/stale queues, scored by recency, predicted value and site
// priority, and emitted as ranked batches.
package scheduler

import (
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Category is the freshness queue a target lives in.
type Category string

const (
	CategoryNew     Category = "new"
	CategoryChanged Category = "changed"
	CategoryStale   Category = "stale"
)

// Target is a candidate page queued for (re-)fetching.
type Target struct {
	URL             string
	SiteName        string
	LastChangeHours float64
	SitePriority    int // 1-10; 0 means unknown
	PredictedProfit float64
	Category        Category
	Score           float64

	seq int // insertion order, breaks score ties deterministically
}

// Config holds scoring weights and queue limits.
type Config struct {
	RecencyWeight  float64
	ProfitWeight   float64
	PriorityWeight float64
	ProfitCap      float64

	NewThresholdHours   float64
	StaleThresholdHours float64

	MaxQueueSize int

	// Batch allocation across queues, must sum to 1.
	NewShare     float64
	ChangedShare float64
	StaleShare   float64
}

// DefaultConfig returns the standard scoring weights and a 50/30/20 batch split.
func DefaultConfig() Config {
	return Config{
		RecencyWeight:       0.4,
		ProfitWeight:        0.4,
		PriorityWeight:      0.2,
		ProfitCap:           50000,
		NewThresholdHours:   1,
		StaleThresholdHours: 48,
		MaxQueueSize:        3000,
		NewShare:            0.5,
		ChangedShare:        0.3,
		StaleShare:          0.2,
	}
}

// defaultPriority is assumed for targets with missing priority context.
const defaultPriority = 5

// Score computes a target's crawl priority. Pure and deterministic given its
// inputs: recency decays exponentially with a 24h half-life-ish constant,
// profit saturates at the cap, priority is linear.
func Score(t Target, cfg Config) float64 {
	priority := t.SitePriority
	if priority <= 0 {
		priority = defaultPriority
	}
	profit := t.PredictedProfit
	if profit < 0 {
		profit = 0
	}

	recency := math.Exp(-t.LastChangeHours / 24)
	profitTerm := math.Min(1, profit/cfg.ProfitCap)
	priorityTerm := float64(priority) / 10

	return cfg.RecencyWeight*recency + cfg.ProfitWeight*profitTerm + cfg.PriorityWeight*priorityTerm
}

// Scheduler owns queue membership and scores. Queues are normally mutated
// between batches only, but all access is guarded so a concurrent config
// update cannot corrupt them.
type Scheduler struct {
	mu      sync.RWMutex
	cfg     Config
	queues  map[Category][]*Target
	queued  map[string]bool // URLs currently in any queue
	nextSeq int
}

// New creates a scheduler with the given config.
func New(cfg Config) *Scheduler {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	return &Scheduler{
		cfg: cfg,
		queues: map[Category][]*Target{
			CategoryNew:     {},
			CategoryChanged: {},
			CategoryStale:   {},
		},
		queued: make(map[string]bool),
	}
}

// classify places a target in its freshness queue.
func classify(t Target, cfg Config) Category {
	switch {
	case t.LastChangeHours <= cfg.NewThresholdHours:
		return CategoryNew
	case t.LastChangeHours <= cfg.StaleThresholdHours:
		return CategoryChanged
	default:
		return CategoryStale
	}
}

// AddTargets classifies, scores and inserts targets. Incomplete targets are
// degraded to defaults, never rejected. URLs already queued are skipped, so
// re-seeding sites every tick does not pile up duplicates. Queues over budget
// evict their lowest-scoring entries after a full stable sort.
func (s *Scheduler) AddTargets(targets []Target) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range targets {
		if t.URL != "" && s.queued[t.URL] {
			continue
		}
		t.Category = classify(t, s.cfg)
		t.Score = Score(t, s.cfg)
		t.seq = s.nextSeq
		s.nextSeq++

		queued := t
		s.queues[t.Category] = append(s.queues[t.Category], &queued)
		if t.URL != "" {
			s.queued[t.URL] = true
		}
	}

	perQueueCap := s.cfg.MaxQueueSize / 3
	for category, queue := range s.queues {
		if len(queue) <= perQueueCap {
			continue
		}
		// Never evict without sorting: dropping arbitrary entries could
		// starve high-value targets.
		sortQueue(queue)
		evicted := len(queue) - perQueueCap
		for _, t := range queue[perQueueCap:] {
			delete(s.queued, t.URL)
		}
		s.queues[category] = queue[:perQueueCap]
		log.Debug().
			Str("queue", string(category)).
			Int("evicted", evicted).
			Msg("Evicted lowest-scoring crawl targets")
	}
}

// sortQueue orders descending by score, ties broken by insertion order.
func sortQueue(queue []*Target) {
	sort.SliceStable(queue, func(i, j int) bool {
		if queue[i].Score != queue[j].Score {
			return queue[i].Score > queue[j].Score
		}
		return queue[i].seq < queue[j].seq
	})
}

// NextBatch removes and returns up to batchSize targets, allocated across
// queues by the configured shares (rounded up per queue), best scores first.
func (s *Scheduler) NextBatch(batchSize int) []Target {
	if batchSize <= 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	allocations := []struct {
		category Category
		share    float64
	}{
		{CategoryNew, s.cfg.NewShare},
		{CategoryChanged, s.cfg.ChangedShare},
		{CategoryStale, s.cfg.StaleShare},
	}

	var batch []Target
	for _, alloc := range allocations {
		want := int(math.Ceil(float64(batchSize) * alloc.share))
		queue := s.queues[alloc.category]
		if len(queue) == 0 {
			continue
		}
		sortQueue(queue)

		take := want
		if take > len(queue) {
			take = len(queue)
		}
		for _, t := range queue[:take] {
			batch = append(batch, *t)
			delete(s.queued, t.URL)
		}
		s.queues[alloc.category] = queue[take:]
	}

	// Per-queue ceil rounding can overshoot; truncate and return the surplus.
	if len(batch) > batchSize {
		for _, t := range batch[batchSize:] {
			returned := t
			s.queues[t.Category] = append(s.queues[t.Category], &returned)
			if returned.URL != "" {
				s.queued[returned.URL] = true
			}
		}
		batch = batch[:batchSize]
	}

	return batch
}

// UpdateConfig re-scores and re-classifies every queued target atomically.
// This is a full rebuild; readers never observe a partially updated state.
func (s *Scheduler) UpdateConfig(cfg Config) {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*Target
	for _, queue := range s.queues {
		all = append(all, queue...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })

	s.cfg = cfg
	s.queues = map[Category][]*Target{
		CategoryNew:     {},
		CategoryChanged: {},
		CategoryStale:   {},
	}

	for _, t := range all {
		t.Category = classify(*t, cfg)
		t.Score = Score(*t, cfg)
		s.queues[t.Category] = append(s.queues[t.Category], t)
	}

	log.Info().Int("targets", len(all)).Msg("Rebuilt scheduler queues after config update")
}

// Depths reports queue sizes for the job status channel and diagnostics.
type Depths struct {
	New     int
	Changed int
	Stale   int
}

// Snapshot returns current queue depths.
func (s *Scheduler) Snapshot() Depths {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Depths{
		New:     len(s.queues[CategoryNew]),
		Changed: len(s.queues[CategoryChanged]),
		Stale:   len(s.queues[CategoryStale]),
	}
}
