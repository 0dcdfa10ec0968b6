package gateway

import (
	"sync"

	"tickrelay/pkg/types"
)

// keyedMutex serializes the upstream subscribe/unsubscribe transitions
// of a single canonical key. Holding the key's lock across the index
// update and the pool call keeps the refcount and the upstream
// subscription in step: a subscriber that loses the 0-to-1 race waits
// here, and if the winner rolls back it becomes the new first holder
// and issues its own upstream subscribe.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[types.CanonicalKey]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[types.CanonicalKey]*keyLock)}
}

// Lock acquires key's mutex and returns the matching unlock. Lock
// entries are reference counted so the map only holds contended keys.
func (km *keyedMutex) Lock(key types.CanonicalKey) func() {
	km.mu.Lock()
	l, ok := km.locks[key]
	if !ok {
		l = &keyLock{}
		km.locks[key] = l
	}
	l.refs++
	km.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		km.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(km.locks, key)
		}
		km.mu.Unlock()
	}
}
