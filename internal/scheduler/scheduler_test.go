package scheduler

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		hours    float64
		expected Category
	}{
		{0, CategoryNew},
		{0.5, CategoryNew},
		{1, CategoryNew},
		{1.01, CategoryChanged},
		{30, CategoryChanged},
		{48, CategoryChanged},
		{48.01, CategoryStale},
		{100, CategoryStale},
	}

	for _, tc := range tests {
		t.Run(fmt.Sprintf("%vh", tc.hours), func(t *testing.T) {
			got := classify(Target{LastChangeHours: tc.hours}, cfg)
			assert.Equal(t, tc.expected, got)
		})
	}
}

func TestScoreBounds(t *testing.T) {
	cfg := DefaultConfig()

	// Best possible target: just changed, profit at cap, priority 10.
	best := Score(Target{LastChangeHours: 0, PredictedProfit: 50000, SitePriority: 10}, cfg)
	assert.InDelta(t, 1.0, best, 0.0001)

	// Worst realistic target still has a positive priority term.
	worst := Score(Target{LastChangeHours: 10000, PredictedProfit: 0, SitePriority: 1}, cfg)
	assert.Greater(t, worst, 0.0)
	assert.Less(t, worst, 0.1)
}

func TestScoreMonotonicity(t *testing.T) {
	cfg := DefaultConfig()
	base := Target{LastChangeHours: 10, PredictedProfit: 5000, SitePriority: 5}

	fresher := base
	fresher.LastChangeHours = 5
	assert.Greater(t, Score(fresher, cfg), Score(base, cfg), "fresher change should score higher")

	richer := base
	richer.PredictedProfit = 20000
	assert.Greater(t, Score(richer, cfg), Score(base, cfg), "higher profit should score higher")

	hotter := base
	hotter.SitePriority = 9
	assert.Greater(t, Score(hotter, cfg), Score(base, cfg), "higher priority should score higher")
}

func TestScoreProfitSaturates(t *testing.T) {
	cfg := DefaultConfig()
	atCap := Target{LastChangeHours: 10, PredictedProfit: 50000, SitePriority: 5}
	overCap := atCap
	overCap.PredictedProfit = 500000
	assert.Equal(t, Score(atCap, cfg), Score(overCap, cfg))
}

func TestScoreDefaultsForMissingContext(t *testing.T) {
	cfg := DefaultConfig()
	missing := Target{LastChangeHours: 10}
	explicit := Target{LastChangeHours: 10, SitePriority: 5}
	assert.Equal(t, Score(explicit, cfg), Score(missing, cfg))

	negative := Target{LastChangeHours: 10, SitePriority: 5, PredictedProfit: -100}
	assert.Equal(t, Score(explicit, cfg), Score(negative, cfg))
}

func TestNextBatchSplit(t *testing.T) {
	s := New(DefaultConfig())

	var targets []Target
	for i := 0; i < 20; i++ {
		targets = append(targets,
			Target{URL: fmt.Sprintf("https://a.com/lot/%d", i), LastChangeHours: 0.5},
			Target{URL: fmt.Sprintf("https://b.com/lot/%d", i), LastChangeHours: 24},
			Target{URL: fmt.Sprintf("https://c.com/lot/%d", i), LastChangeHours: 100},
		)
	}
	s.AddTargets(targets)

	batch := s.NextBatch(10)
	require.Len(t, batch, 10)

	counts := map[Category]int{}
	for _, tgt := range batch {
		counts[tgt.Category]++
	}
	assert.Equal(t, 5, counts[CategoryNew])
	assert.Equal(t, 3, counts[CategoryChanged])
	assert.Equal(t, 2, counts[CategoryStale])
}

func TestNextBatchNeverExceedsSize(t *testing.T) {
	s := New(DefaultConfig())

	var targets []Target
	for i := 0; i < 50; i++ {
		targets = append(targets, Target{URL: fmt.Sprintf("https://a.com/%d", i), LastChangeHours: 0.1})
	}
	s.AddTargets(targets)

	for _, size := range []int{1, 3, 7, 10} {
		batch := s.NextBatch(size)
		assert.LessOrEqual(t, len(batch), size)
	}
}

func TestNextBatchWithOnlyStaleTargets(t *testing.T) {
	s := New(DefaultConfig())

	// Only stale targets exist; the batch should still come back non-empty.
	var targets []Target
	for i := 0; i < 10; i++ {
		targets = append(targets, Target{URL: fmt.Sprintf("https://a.com/%d", i), LastChangeHours: 100})
	}
	s.AddTargets(targets)

	batch := s.NextBatch(10)
	assert.NotEmpty(t, batch)
	for _, tgt := range batch {
		assert.Equal(t, CategoryStale, tgt.Category)
	}
}

func TestNextBatchOrderedByScore(t *testing.T) {
	s := New(DefaultConfig())
	s.AddTargets([]Target{
		{URL: "https://a.com/low", LastChangeHours: 0.5, PredictedProfit: 100},
		{URL: "https://a.com/high", LastChangeHours: 0.5, PredictedProfit: 40000},
		{URL: "https://a.com/mid", LastChangeHours: 0.5, PredictedProfit: 10000},
	})

	batch := s.NextBatch(3)
	require.Len(t, batch, 3)
	assert.Equal(t, "https://a.com/high", batch[0].URL)
	assert.Equal(t, "https://a.com/mid", batch[1].URL)
	assert.Equal(t, "https://a.com/low", batch[2].URL)
}

func TestNextBatchDrainsQueues(t *testing.T) {
	s := New(DefaultConfig())
	s.AddTargets([]Target{{URL: "https://a.com/1", LastChangeHours: 0.5}})

	first := s.NextBatch(10)
	require.Len(t, first, 1)
	second := s.NextBatch(10)
	assert.Empty(t, second)
}

func TestAddTargetsDedupesQueuedURLs(t *testing.T) {
	s := New(DefaultConfig())

	seed := []Target{
		{URL: "https://a.com", SiteName: "a.com", LastChangeHours: 0.5},
		{URL: "https://b.com", SiteName: "b.com", LastChangeHours: 0.5},
	}
	s.AddTargets(seed)
	s.AddTargets(seed) // next tick re-seeds the same sites
	s.AddTargets(seed)

	depths := s.Snapshot()
	assert.Equal(t, 2, depths.New, "re-seeding must not accumulate duplicates")
}

func TestDrainedURLCanBeRequeued(t *testing.T) {
	s := New(DefaultConfig())
	target := Target{URL: "https://a.com", LastChangeHours: 0.5}

	s.AddTargets([]Target{target})
	require.Len(t, s.NextBatch(10), 1)

	s.AddTargets([]Target{target})
	assert.Len(t, s.NextBatch(10), 1)
}

func TestEvictionKeepsHighestScoring(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 9 // per-queue cap of 3
	s := New(cfg)

	var targets []Target
	for i := 0; i < 10; i++ {
		targets = append(targets, Target{
			URL:             fmt.Sprintf("https://a.com/%d", i),
			LastChangeHours: 0.5,
			PredictedProfit: float64(i * 1000),
		})
	}
	s.AddTargets(targets)

	depths := s.Snapshot()
	assert.Equal(t, 3, depths.New)

	batch := s.NextBatch(3)
	require.Len(t, batch, 3)
	assert.Equal(t, "https://a.com/9", batch[0].URL)
	assert.Equal(t, "https://a.com/8", batch[1].URL)
	assert.Equal(t, "https://a.com/7", batch[2].URL)
}

func TestUpdateConfigRescoresAndReclassifies(t *testing.T) {
	s := New(DefaultConfig())
	s.AddTargets([]Target{
		{URL: "https://a.com/1", LastChangeHours: 30}, // changed under defaults
	})

	depths := s.Snapshot()
	require.Equal(t, 1, depths.Changed)

	cfg := DefaultConfig()
	cfg.StaleThresholdHours = 24 // 30h is now stale
	s.UpdateConfig(cfg)

	depths = s.Snapshot()
	assert.Equal(t, 0, depths.Changed)
	assert.Equal(t, 1, depths.Stale)
}

func TestEndToEndClassification(t *testing.T) {
	s := New(DefaultConfig())
	s.AddTargets([]Target{
		{URL: "https://a.com/fresh", LastChangeHours: 0.5},
		{URL: "https://a.com/recent", LastChangeHours: 30},
		{URL: "https://a.com/old", LastChangeHours: 100},
	})

	batch := s.NextBatch(3)
	require.Len(t, batch, 3)
	assert.Equal(t, "https://a.com/fresh", batch[0].URL)
	assert.Equal(t, CategoryNew, batch[0].Category)
	assert.Equal(t, CategoryChanged, batch[1].Category)
	assert.Equal(t, CategoryStale, batch[2].Category)
}
