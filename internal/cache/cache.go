// Package cache keeps the last normalized tick per canonical key plus a
// short ring of recent ticks. The gateway replays the last tick to a
// client immediately after subscribe so it does not wait for the next
// upstream update; the ops API reads the rings for debugging.
package cache

import (
	"sync"
	"time"

	"tickrelay/pkg/types"
)

// Layer provides thread-safe last-value caching for ticks.
type Layer struct {
	mu       sync.RWMutex
	last     map[types.CanonicalKey]*types.Tick
	recent   map[types.CanonicalKey]*tickRing
	ringSize int
}

// tickRing is a fixed-size ring buffer of recent ticks for one key.
type tickRing struct {
	mu    sync.RWMutex
	ticks []*types.Tick
	head  int
	count int
}

func newTickRing(size int) *tickRing {
	return &tickRing{ticks: make([]*types.Tick, size)}
}

func (rb *tickRing) add(tick *types.Tick) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.ticks[rb.head] = tick
	rb.head = (rb.head + 1) % len(rb.ticks)
	if rb.count < len(rb.ticks) {
		rb.count++
	}
}

func (rb *tickRing) getRecent(n int) []*types.Tick {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if n > rb.count {
		n = rb.count
	}
	result := make([]*types.Tick, n)
	for i := 0; i < n; i++ {
		idx := (rb.head - n + i + len(rb.ticks)) % len(rb.ticks)
		result[i] = rb.ticks[idx]
	}
	return result
}

// NewLayer creates a cache layer keeping ringSize recent ticks per key.
func NewLayer(ringSize int) *Layer {
	if ringSize <= 0 {
		ringSize = 16
	}
	return &Layer{
		last:     make(map[types.CanonicalKey]*types.Tick),
		recent:   make(map[types.CanonicalKey]*tickRing),
		ringSize: ringSize,
	}
}

// Update stores tick as the latest value for its key.
func (l *Layer) Update(tick *types.Tick) {
	key := tick.Key()

	l.mu.Lock()
	l.last[key] = tick
	ring, ok := l.recent[key]
	if !ok {
		ring = newTickRing(l.ringSize)
		l.recent[key] = ring
	}
	l.mu.Unlock()

	ring.add(tick)
}

// Last returns the most recent tick for key.
func (l *Layer) Last(key types.CanonicalKey) (*types.Tick, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tick, ok := l.last[key]
	return tick, ok
}

// Recent returns up to n recent ticks for key, oldest first.
func (l *Layer) Recent(key types.CanonicalKey, n int) []*types.Tick {
	l.mu.RLock()
	ring, ok := l.recent[key]
	l.mu.RUnlock()

	if !ok {
		return nil
	}
	return ring.getRecent(n)
}

// Keys returns every cached canonical key.
func (l *Layer) Keys() []types.CanonicalKey {
	l.mu.RLock()
	defer l.mu.RUnlock()

	keys := make([]types.CanonicalKey, 0, len(l.last))
	for key := range l.last {
		keys = append(keys, key)
	}
	return keys
}

// Cleanup removes entries whose last tick is older than staleThreshold.
func (l *Layer) Cleanup(staleThreshold time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for key, tick := range l.last {
		if now.Sub(tick.Timestamp) > staleThreshold {
			delete(l.last, key)
			delete(l.recent, key)
		}
	}
}

// Stats returns cache statistics.
type Stats struct {
	CachedKeys int
}

// GetStats returns current cache statistics.
func (l *Layer) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{CachedKeys: len(l.last)}
}
