// Package proxy manages the outbound proxy pool: selection by health score,
// blocking with automatic cooldown recovery, and incremental success-rate
// adjustment from request outcomes.
package proxy

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Status of a proxy within the pool.
type Status string

const (
	StatusActive   Status = "active"
	StatusBlocked  Status = "blocked"
	StatusRotating Status = "rotating"
)

// Proxy describes a single outbound proxy.
type Proxy struct {
	IP          string
	Port        int
	Type        string // http, https, socks5
	Country     string
	Status      Status
	SuccessRate float64 // 0-100
	LastUsed    time.Time
}

// Key returns the pool key for the proxy.
func (p *Proxy) Key() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// URL returns the proxy address in scheme://host:port form for transports.
func (p *Proxy) URL() string {
	scheme := p.Type
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, p.IP, p.Port)
}

const (
	blockPenalty   = 20.0
	successReward  = 1.0
	failurePenalty = 2.0
	maxSuccessRate = 100.0
)

// Config controls pool behaviour.
type Config struct {
	Cooldown time.Duration // How long a blocked proxy stays excluded
}

// DefaultConfig returns the standard five-minute block cooldown.
func DefaultConfig() Config {
	return Config{Cooldown: 5 * time.Minute}
}

// Manager owns the proxy pool. All mutation goes through its API; the pool is
// shared by concurrent batch workers so every method takes the mutex.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	proxies map[string]*Proxy
	blocked map[string]time.Time // key -> unblock deadline

	now func() time.Time
}

// NewManager creates a Manager seeded with the given proxies.
func NewManager(cfg Config, proxies []Proxy) *Manager {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}

	m := &Manager{
		cfg:     cfg,
		proxies: make(map[string]*Proxy, len(proxies)),
		blocked: make(map[string]time.Time),
		now:     time.Now,
	}
	for i := range proxies {
		p := proxies[i]
		if p.Status == "" {
			p.Status = StatusActive
		}
		if p.SuccessRate == 0 {
			p.SuccessRate = maxSuccessRate
		}
		m.proxies[p.Key()] = &p
	}
	return m
}

// GetNext selects the healthiest available proxy for a site. Returns nil when
// no proxy is available; callers proceed without a proxy, it is never fatal.
func (m *Manager) GetNext(siteKey string) *Proxy {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.releaseExpired(now)

	var best *Proxy
	bestScore := -1.0
	for key, p := range m.proxies {
		if p.Status != StatusActive {
			continue
		}
		if _, isBlocked := m.blocked[key]; isBlocked {
			continue
		}
		score := p.SuccessRate - recencyPenalty(now.Sub(p.LastUsed))
		if score > bestScore {
			bestScore = score
			best = p
		}
	}

	if best == nil {
		log.Debug().Str("site", siteKey).Msg("No proxy available, proceeding direct")
		return nil
	}

	best.LastUsed = now
	selected := *best
	return &selected
}

// recencyPenalty discourages hammering the same exit in quick succession.
func recencyPenalty(sinceLastUse time.Duration) float64 {
	switch {
	case sinceLastUse < 10*time.Second:
		return 15
	case sinceLastUse < time.Minute:
		return 5
	default:
		return 0
	}
}

// MarkBlocked excludes a proxy immediately and schedules automatic recovery
// after the cooldown. This is self-healing, not a permanent ban.
func (m *Manager) MarkBlocked(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.proxies[key]
	if !ok {
		return
	}

	p.Status = StatusBlocked
	p.SuccessRate -= blockPenalty
	if p.SuccessRate < 0 {
		p.SuccessRate = 0
	}
	m.blocked[key] = m.now().Add(m.cfg.Cooldown)

	log.Warn().
		Str("proxy", key).
		Float64("success_rate", p.SuccessRate).
		Dur("cooldown", m.cfg.Cooldown).
		Msg("Proxy marked as blocked")
}

// RecordSuccess nudges the proxy's success rate up after a clean request.
func (m *Manager) RecordSuccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.proxies[key]; ok {
		p.SuccessRate += successReward
		if p.SuccessRate > maxSuccessRate {
			p.SuccessRate = maxSuccessRate
		}
	}
}

// RecordFailure nudges the proxy's success rate down. Single failures are
// noisy, so the decrement is small rather than a reset.
func (m *Manager) RecordFailure(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.proxies[key]; ok {
		p.SuccessRate -= failurePenalty
		if p.SuccessRate < 0 {
			p.SuccessRate = 0
		}
	}
}

// releaseExpired reactivates proxies whose cooldown has elapsed.
// Caller must hold the mutex.
func (m *Manager) releaseExpired(now time.Time) {
	for key, deadline := range m.blocked {
		if now.Before(deadline) {
			continue
		}
		delete(m.blocked, key)
		if p, ok := m.proxies[key]; ok && p.Status == StatusBlocked {
			p.Status = StatusActive
			log.Info().Str("proxy", key).Msg("Proxy cooldown elapsed, reactivated")
		}
	}
}

// Stats summarises the pool for run summaries and diagnostics.
type Stats struct {
	Total   int
	Active  int
	Blocked int
}

// PoolStats returns a snapshot of pool health.
func (m *Manager) PoolStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseExpired(m.now())

	s := Stats{Total: len(m.proxies)}
	for _, p := range m.proxies {
		switch p.Status {
		case StatusBlocked:
			s.Blocked++
		default:
			s.Active++
		}
	}
	return s
}
