package siteconfig

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store used by tests and single-process runs
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*SiteConfig
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*SiteConfig)}
}

// Get returns the site's config or built-in defaults when unknown.
func (m *MemoryStore) Get(_ context.Context, siteName string) (*SiteConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if cfg, ok := m.configs[siteName]; ok {
		copied := *cfg
		return &copied, nil
	}
	return Defaults(siteName), nil
}

// List returns every enabled site config.
func (m *MemoryStore) List(_ context.Context) ([]*SiteConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configs := make([]*SiteConfig, 0, len(m.configs))
	for _, cfg := range m.configs {
		if !cfg.Enabled {
			continue
		}
		copied := *cfg
		configs = append(configs, &copied)
	}
	return configs, nil
}

// Upsert stores or replaces a config.
func (m *MemoryStore) Upsert(_ context.Context, cfg *SiteConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *cfg
	m.configs[cfg.Name] = &copied
	return nil
}

// RecordOutcome applies the same status transitions as the Postgres store.
func (m *MemoryStore) RecordOutcome(_ context.Context, siteName string, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[siteName]
	if !ok {
		return nil
	}
	if cfg.Status == StatusMaintenance {
		return nil
	}

	switch outcome {
	case OutcomeSuccess:
		cfg.Status = StatusActive
		cfg.FailureStreak = 0
	case OutcomeBlocked:
		cfg.Status = StatusBlocked
		cfg.FailureStreak++
	default:
		cfg.FailureStreak++
		if cfg.FailureStreak >= ErrorStreakThreshold {
			cfg.Status = StatusError
		}
	}
	return nil
}
