package circuitbreaker

import (
	"maps"
	"slices"
	"sync"
)

// Registry holds one breaker per key (a node id, a hook host). Breakers are
// created on first use and share one config, including its OnStateChange hook.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewRegistry creates a registry whose breakers use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   cfg,
	}
}

// Get returns the breaker for key, creating it closed if needed.
func (r *Registry) Get(key string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[key]
	if !ok {
		b = NewNamed(key, r.config)
		r.breakers[key] = b
	}
	return b
}

// Stats counts breakers per state.
type Stats struct {
	Total    int
	Open     int
	HalfOpen int
	Closed   int
	OpenKeys []string // keys of open breakers, sorted
}

// Stats returns a point-in-time view of all breakers.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	snapshot := maps.Clone(r.breakers)
	r.mu.Unlock()

	stats := Stats{Total: len(snapshot)}
	for key, b := range snapshot {
		switch b.State() {
		case Open:
			stats.Open++
			stats.OpenKeys = append(stats.OpenKeys, key)
		case HalfOpen:
			stats.HalfOpen++
		default:
			stats.Closed++
		}
	}
	slices.Sort(stats.OpenKeys)
	return stats
}
