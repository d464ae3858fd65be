package ratelimit

import (
	"strings"
	"sync"
)

// Manager hands out one Limiter per (provider, user). Limiters share nothing
// in memory; the persisted row is the coordination point, so handing the
// same pair to two processes is safe.
type Manager struct {
	store Store
	cfg   Config

	mu       sync.Mutex
	limiters map[string]*Limiter
}

func NewManager(store Store, cfg Config) *Manager {
	return &Manager{
		store:    store,
		cfg:      cfg,
		limiters: make(map[string]*Limiter),
	}
}

func (m *Manager) Get(provider, userID string) *Limiter {
	key := strings.ToLower(provider) + "|" + userID
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.limiters[key]; ok {
		return l
	}
	l := NewLimiter(m.store, strings.ToLower(provider), userID, m.cfg)
	m.limiters[key] = l
	return l
}
