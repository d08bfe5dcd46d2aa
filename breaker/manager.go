package breaker

import "sync"

// Manager holds one breaker per provider and creates them on demand
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	configs  map[string]Config
	fallback Config
}

// NewManager creates a manager. Per-name configs override the
// fallback for providers tuned individually.
func NewManager(fallback Config, configs map[string]Config) *Manager {
	if fallback.MinimumCalls <= 0 {
		fallback = DefaultConfig()
	}
	return &Manager{
		breakers: make(map[string]*Breaker),
		configs:  configs,
		fallback: fallback,
	}
}

// Get returns the breaker for a provider, creating it if needed
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[name]; ok {
		return b
	}
	cfg := m.fallback
	if c, ok := m.configs[name]; ok {
		cfg = c
	}
	b = New(name, cfg)
	m.breakers[name] = b
	return b
}

// Snapshot returns stats for every breaker seen so far
func (m *Manager) Snapshot() []Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Stats, 0, len(m.breakers))
	for _, b := range m.breakers {
		out = append(out, b.Stats())
	}
	return out
}
