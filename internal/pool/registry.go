package pool

import "sync"

// Registry holds one Pool per configured broker. It is built at startup
// and read-only afterwards except for shutdown.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*Pool)}
}

// Add registers a broker's pool.
func (r *Registry) Add(p *Pool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[p.BrokerID()] = p
}

// Get returns the pool for a broker id.
func (r *Registry) Get(brokerID string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[brokerID]
	return p, ok
}

// StopAll shuts down every pool.
func (r *Registry) StopAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pools {
		p.Stop()
	}
}

// StatsAll returns stats for every pool.
func (r *Registry) StatsAll() []Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stats, 0, len(r.pools))
	for _, p := range r.pools {
		out = append(out, p.GetStats())
	}
	return out
}
