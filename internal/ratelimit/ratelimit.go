// Package ratelimit bounds client command rates and concurrent sessions
// per API key using token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter provides per-key limiting.
type Limiter struct {
	limiters        map[string]*ClientLimiter
	mu              sync.RWMutex
	defaultRPS      int
	defaultBurst    int
	cleanupInterval time.Duration
}

// ClientLimiter holds the limiters for a single API key.
type ClientLimiter struct {
	RPS        *rate.Limiter // commands per second
	Sessions   *SessionLimiter
	LastAccess time.Time
}

// SessionLimiter caps concurrent sessions per key.
type SessionLimiter struct {
	maxSessions    int
	activeSessions int
	mu             sync.Mutex
}

// NewSessionLimiter creates a new session limiter.
func NewSessionLimiter(maxSessions int) *SessionLimiter {
	return &SessionLimiter{maxSessions: maxSessions}
}

// Acquire tries to claim a session slot.
func (sl *SessionLimiter) Acquire() bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.maxSessions > 0 && sl.activeSessions >= sl.maxSessions {
		return false
	}
	sl.activeSessions++
	return true
}

// Release frees a session slot.
func (sl *SessionLimiter) Release() {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.activeSessions > 0 {
		sl.activeSessions--
	}
}

// ensureMax installs the plan ceiling the first time it is seen. A zero
// ceiling means unlimited.
func (sl *SessionLimiter) ensureMax(max int) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.maxSessions == 0 && max > 0 {
		sl.maxSessions = max
	}
}

// ActiveCount returns the number of active sessions.
func (sl *SessionLimiter) ActiveCount() int {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.activeSessions
}

// Config holds rate limiter configuration.
type Config struct {
	DefaultRPS      int           `mapstructure:"default_rps"`
	BurstMultiplier float64       `mapstructure:"burst_multiplier"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// NewLimiter creates a new rate limiter.
func NewLimiter(cfg *Config) *Limiter {
	if cfg.BurstMultiplier < 1 {
		cfg.BurstMultiplier = 2.0
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}

	l := &Limiter{
		limiters:        make(map[string]*ClientLimiter),
		defaultRPS:      cfg.DefaultRPS,
		defaultBurst:    int(float64(cfg.DefaultRPS) * cfg.BurstMultiplier),
		cleanupInterval: cfg.CleanupInterval,
	}

	go l.cleanupLoop()

	return l
}

// Allow checks if a command is allowed for the given key. rps overrides
// the default when positive.
func (l *Limiter) Allow(key string, rps int) bool {
	limiter := l.getOrCreate(key, rps, 0)
	limiter.LastAccess = time.Now()
	return limiter.RPS.Allow()
}

// AcquireSession tries to claim a session slot for the given key.
func (l *Limiter) AcquireSession(key string, maxSessions int) bool {
	limiter := l.getOrCreate(key, 0, maxSessions)
	limiter.LastAccess = time.Now()
	limiter.Sessions.ensureMax(maxSessions)
	return limiter.Sessions.Acquire()
}

// ActiveSessions returns the live session count for the given key.
func (l *Limiter) ActiveSessions(key string) int {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if !ok {
		return 0
	}
	return limiter.Sessions.ActiveCount()
}

// ReleaseSession frees a session slot for the given key.
func (l *Limiter) ReleaseSession(key string) {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if ok && limiter.Sessions != nil {
		limiter.Sessions.Release()
	}
}

// getOrCreate gets or creates a limiter for a key.
func (l *Limiter) getOrCreate(key string, rps, maxSessions int) *ClientLimiter {
	l.mu.RLock()
	limiter, ok := l.limiters[key]
	l.mu.RUnlock()

	if ok {
		return limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, ok = l.limiters[key]; ok {
		return limiter
	}

	if rps <= 0 {
		rps = l.defaultRPS
	}
	burst := l.defaultBurst
	if burst < rps {
		burst = rps * 2
	}
	limiter = &ClientLimiter{
		RPS:        rate.NewLimiter(rate.Limit(rps), burst),
		Sessions:   NewSessionLimiter(maxSessions),
		LastAccess: time.Now(),
	}
	l.limiters[key] = limiter
	return limiter
}

// cleanupLoop periodically removes inactive limiters.
func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		l.cleanup()
	}
}

// cleanup removes limiters that haven't been accessed recently.
func (l *Limiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanupInterval * 2)
	for key, limiter := range l.limiters {
		if limiter.LastAccess.Before(threshold) && limiter.Sessions.ActiveCount() == 0 {
			delete(l.limiters, key)
		}
	}
}

// Stats returns overall rate limiter statistics.
type Stats struct {
	TotalKeys     int
	TotalSessions int
}

// GetStats returns overall statistics.
func (l *Limiter) GetStats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	totalSessions := 0
	for _, limiter := range l.limiters {
		totalSessions += limiter.Sessions.ActiveCount()
	}

	return Stats{
		TotalKeys:     len(l.limiters),
		TotalSessions: totalSessions,
	}
}
