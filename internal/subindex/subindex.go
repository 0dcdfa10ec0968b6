// Package subindex maintains the mapping between canonical keys and the
// client sessions interested in them. It is the single source of truth
// for "who wants what": the refcount it keeps per key gates upstream
// subscribe and unsubscribe calls.
package subindex

import (
	"sync"

	"tickrelay/pkg/types"
)

// Index is the bidirectional subscription index. All methods are safe
// for concurrent use; a single mutex covers both directions so that
// disconnect cleanup is atomic with respect to concurrent subscribes.
type Index struct {
	mu      sync.RWMutex
	forward map[types.CanonicalKey]map[string]struct{}
	reverse map[string]map[types.CanonicalKey]struct{}
}

// New creates an empty index.
func New() *Index {
	return &Index{
		forward: make(map[types.CanonicalKey]map[string]struct{}),
		reverse: make(map[string]map[types.CanonicalKey]struct{}),
	}
}

// AddInterest registers clientID's interest in key. It returns true
// exactly when the key's refcount transitions 0 to 1, in which case the
// caller must issue the upstream subscribe. Re-adding an existing
// (client, key) pair is a no-op.
func (ix *Index) AddInterest(key types.CanonicalKey, clientID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	subs, ok := ix.forward[key]
	if !ok {
		subs = make(map[string]struct{})
		ix.forward[key] = subs
	}
	if _, dup := subs[clientID]; dup {
		return false
	}
	subs[clientID] = struct{}{}

	keys, ok := ix.reverse[clientID]
	if !ok {
		keys = make(map[types.CanonicalKey]struct{})
		ix.reverse[clientID] = keys
	}
	keys[key] = struct{}{}

	return len(subs) == 1
}

// RemoveInterest drops clientID's interest in key. It returns true
// exactly when the key's refcount transitions 1 to 0, in which case the
// caller must issue the upstream unsubscribe. Removing interest that was
// never registered is a no-op.
func (ix *Index) RemoveInterest(key types.CanonicalKey, clientID string) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	return ix.removeLocked(key, clientID)
}

func (ix *Index) removeLocked(key types.CanonicalKey, clientID string) bool {
	subs, ok := ix.forward[key]
	if !ok {
		return false
	}
	if _, had := subs[clientID]; !had {
		return false
	}
	delete(subs, clientID)

	if keys, ok := ix.reverse[clientID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(ix.reverse, clientID)
		}
	}

	if len(subs) == 0 {
		delete(ix.forward, key)
		return true
	}
	return false
}

// RemoveClient atomically drops every interest held by clientID and
// returns the keys whose refcount hit zero. The caller issues one
// upstream unsubscribe per returned key.
func (ix *Index) RemoveClient(clientID string) []types.CanonicalKey {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	keys, ok := ix.reverse[clientID]
	if !ok {
		return nil
	}

	var orphaned []types.CanonicalKey
	for key := range keys {
		subs := ix.forward[key]
		delete(subs, clientID)
		if len(subs) == 0 {
			delete(ix.forward, key)
			orphaned = append(orphaned, key)
		}
	}
	delete(ix.reverse, clientID)

	return orphaned
}

// Subscribers returns the ids of every client interested in key. The
// returned slice is a copy owned by the caller.
func (ix *Index) Subscribers(key types.CanonicalKey) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	subs, ok := ix.forward[key]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Refcount returns the number of clients interested in key.
func (ix *Index) Refcount(key types.CanonicalKey) int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.forward[key])
}

// KeysOf returns the keys clientID is subscribed to.
func (ix *Index) KeysOf(clientID string) []types.CanonicalKey {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	keys, ok := ix.reverse[clientID]
	if !ok {
		return nil
	}
	out := make([]types.CanonicalKey, 0, len(keys))
	for key := range keys {
		out = append(out, key)
	}
	return out
}

// Stats returns index-level counters for the ops surface.
type Stats struct {
	ActiveKeys    int
	ActiveClients int
	TotalInterest int
}

// GetStats returns current index statistics.
func (ix *Index) GetStats() Stats {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	total := 0
	for _, subs := range ix.forward {
		total += len(subs)
	}
	return Stats{
		ActiveKeys:    len(ix.forward),
		ActiveClients: len(ix.reverse),
		TotalInterest: total,
	}
}
