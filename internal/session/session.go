// Package session owns client connection state: identity, the bounded
// outbound queue with its drop-oldest overflow policy, and the registry
// the dispatcher resolves client ids against.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"tickrelay/internal/models"
	"tickrelay/pkg/types"
)

// Session is one authenticated client connection. The gateway owns its
// lifecycle; the dispatcher only ever touches Enqueue.
type Session struct {
	ID   string
	Auth *models.AuthContext

	send chan interface{}
	done chan struct{}

	warnOnDrop bool
	onDrop     func()
	dropped    atomic.Int64
	lastActive atomic.Int64 // unix nano
	lastWarn   atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
}

// warnInterval rate-limits slow-consumer warning frames per session.
const warnInterval = 5 * time.Second

// New creates a session with a bounded outbound queue.
func New(id string, auth *models.AuthContext, queueSize int, warnOnDrop bool) *Session {
	s := &Session{
		ID:         id,
		Auth:       auth,
		send:       make(chan interface{}, queueSize),
		done:       make(chan struct{}),
		warnOnDrop: warnOnDrop,
	}
	s.Touch()
	return s
}

// OnDrop registers a callback invoked once per dropped frame. Must be
// set before the session is shared.
func (s *Session) OnDrop(fn func()) {
	s.onDrop = fn
}

func (s *Session) drop() {
	s.dropped.Add(1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

// Enqueue queues a wire frame for the client without ever blocking the
// caller. On overflow the oldest queued frame is dropped first; ticks
// are ephemeral, so the freshest data wins. A rate-limited warning frame
// tells the client it is falling behind.
func (s *Session) Enqueue(frame interface{}) {
	if s.closed.Load() {
		return
	}
	select {
	case s.send <- frame:
		return
	default:
	}

	// Queue full: evict the oldest, then retry once.
	select {
	case <-s.send:
		s.drop()
	default:
	}
	select {
	case s.send <- frame:
	default:
		s.drop()
	}

	s.maybeWarn()
}

func (s *Session) maybeWarn() {
	if !s.warnOnDrop {
		return
	}
	now := time.Now().UnixNano()
	last := s.lastWarn.Load()
	if now-last < int64(warnInterval) {
		return
	}
	if !s.lastWarn.CompareAndSwap(last, now) {
		return
	}
	warn := types.Event{
		Type:    types.EventWarning,
		Message: "slow consumer: oldest ticks dropped",
		Dropped: s.dropped.Load(),
	}
	select {
	case s.send <- warn:
		return
	default:
	}
	// The warning outranks a stale tick.
	select {
	case <-s.send:
		s.drop()
	default:
	}
	select {
	case s.send <- warn:
	default:
	}
}

// Send exposes the outbound queue to the session's writer goroutine.
func (s *Session) Send() <-chan interface{} { return s.send }

// Done is closed when the session is shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close shuts the session down and reports whether this call was the
// one that closed it. Callers use the return value to gate teardown
// that must run exactly once.
func (s *Session) Close() bool {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.closed.Store(true)
		close(s.done)
	})
	return first
}

// Closed reports whether the session has been shut down.
func (s *Session) Closed() bool { return s.closed.Load() }

// Touch records activity; the zombie sweep skips recently active
// sessions.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// Dropped returns how many frames overflowed this session's queue.
func (s *Session) Dropped() int64 { return s.dropped.Load() }

// Registry is the live-session table. The gateway mutates it; the
// dispatcher reads it on the hot path.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Add inserts a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove deletes a session by id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get returns the session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// CleanupZombies removes sessions idle beyond timeout and returns them.
// The sessions are left open: the gateway's disconnect path closes them
// so that teardown has a single owner.
func (r *Registry) CleanupZombies(timeout time.Duration) []*Session {
	cutoff := time.Now().Add(-timeout).UnixNano()

	r.mu.Lock()
	defer r.mu.Unlock()

	var zombies []*Session
	for id, s := range r.sessions {
		if s.lastActive.Load() < cutoff {
			delete(r.sessions, id)
			zombies = append(zombies, s)
		}
	}
	return zombies
}
