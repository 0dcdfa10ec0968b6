// Package usage buffers per-API-key feed usage in memory and flushes it
// to MySQL as a daily rollup.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Collector collects and aggregates usage statistics.
type Collector struct {
	db            *sql.DB
	buffer        map[string]*Buffer
	mu            sync.RWMutex
	flushInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// Buffer holds buffered usage data for a single API key.
type Buffer struct {
	UserID        int64
	APIKeyID      int64
	MessagesSent  atomic.Int64
	FramesDropped atomic.Int64
	Errors        atomic.Int64
	PeakSessions  atomic.Int32
}

// Config holds usage collector configuration.
type Config struct {
	FlushInterval time.Duration
}

// NewCollector creates a new usage collector and starts its flush loop.
// db may be nil, in which case counters only accumulate in memory.
func NewCollector(db *sql.DB, cfg *Config) *Collector {
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		db:            db,
		buffer:        make(map[string]*Buffer),
		flushInterval: cfg.FlushInterval,
		ctx:           ctx,
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop()

	return c
}

// RecordMessages adds n sent messages for a key.
func (c *Collector) RecordMessages(userID, apiKeyID int64, n int64) {
	c.get(userID, apiKeyID).MessagesSent.Add(n)
}

// RecordDrops adds n dropped frames for a key.
func (c *Collector) RecordDrops(userID, apiKeyID int64, n int64) {
	c.get(userID, apiKeyID).FramesDropped.Add(n)
}

// RecordError adds one error for a key.
func (c *Collector) RecordError(userID, apiKeyID int64) {
	c.get(userID, apiKeyID).Errors.Add(1)
}

// RecordSessions tracks the peak concurrent session count for a key.
func (c *Collector) RecordSessions(userID, apiKeyID int64, current int32) {
	buf := c.get(userID, apiKeyID)
	for {
		peak := buf.PeakSessions.Load()
		if current <= peak || buf.PeakSessions.CompareAndSwap(peak, current) {
			return
		}
	}
}

func (c *Collector) get(userID, apiKeyID int64) *Buffer {
	key := bufferKey(userID, apiKeyID)

	c.mu.RLock()
	buf, ok := c.buffer[key]
	c.mu.RUnlock()
	if ok {
		return buf
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if buf, ok = c.buffer[key]; ok {
		return buf
	}
	buf = &Buffer{UserID: userID, APIKeyID: apiKeyID}
	c.buffer[key] = buf
	return buf
}

func bufferKey(userID, apiKeyID int64) string {
	return fmt.Sprintf("%d:%d", userID, apiKeyID)
}

func (c *Collector) flushLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(c.ctx)
		}
	}
}

// Flush writes and resets the buffered counters. Visible for shutdown
// and tests.
func (c *Collector) Flush(ctx context.Context) error {
	if c.db == nil {
		return nil
	}

	c.mu.Lock()
	snapshot := c.buffer
	c.buffer = make(map[string]*Buffer)
	c.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	query := `
		INSERT INTO usage_daily
			(user_id, api_key_id, usage_date, messages_sent, frames_dropped, error_count, peak_sessions)
		VALUES (?, ?, CURDATE(), ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			messages_sent = messages_sent + VALUES(messages_sent),
			frames_dropped = frames_dropped + VALUES(frames_dropped),
			error_count = error_count + VALUES(error_count),
			peak_sessions = GREATEST(peak_sessions, VALUES(peak_sessions))
	`

	for _, buf := range snapshot {
		_, err := c.db.ExecContext(ctx, query,
			buf.UserID, buf.APIKeyID,
			buf.MessagesSent.Load(), buf.FramesDropped.Load(),
			buf.Errors.Load(), buf.PeakSessions.Load(),
		)
		if err != nil {
			return errors.Wrap(err, "failed to flush usage")
		}
	}
	return nil
}

// Snapshot returns the current in-memory counters for a key, for tests
// and the ops surface.
func (c *Collector) Snapshot(userID, apiKeyID int64) (messages, drops, errs int64) {
	c.mu.RLock()
	buf, ok := c.buffer[bufferKey(userID, apiKeyID)]
	c.mu.RUnlock()
	if !ok {
		return 0, 0, 0
	}
	return buf.MessagesSent.Load(), buf.FramesDropped.Load(), buf.Errors.Load()
}

// Peak returns the buffered peak session count for a key.
func (c *Collector) Peak(userID, apiKeyID int64) int32 {
	c.mu.RLock()
	buf, ok := c.buffer[bufferKey(userID, apiKeyID)]
	c.mu.RUnlock()
	if !ok {
		return 0
	}
	return buf.PeakSessions.Load()
}

// Stop flushes once more and halts the loop.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}
