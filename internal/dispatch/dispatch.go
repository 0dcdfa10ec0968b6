// Package dispatch consumes the internal bus and fans ticks out to
// subscribed client sessions. Per (client, key) it enforces a throttle
// window: at most one outbound message per window, keeping only the most
// recent tick when several arrive inside one window. Ticks for
// different keys that become ready in the same window are flushed to a
// client as one batched frame.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"tickrelay/internal/bus"
	"tickrelay/internal/metrics"
	"tickrelay/internal/session"
	"tickrelay/internal/subindex"
	"tickrelay/pkg/types"
)

// Dispatcher routes normalized ticks to client queues.
type Dispatcher struct {
	bus      *bus.Bus
	index    *subindex.Index
	sessions *session.Registry
	window   time.Duration
	workers  *ants.Pool
	metrics  *metrics.Metrics
	log      *zap.Logger

	mu     sync.Mutex
	states map[string]*clientState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// clientState is the throttle ledger for one session.
type clientState struct {
	mu       sync.Mutex
	lastSent map[types.CanonicalKey]time.Time
	pending  map[types.CanonicalKey]*types.Tick
}

// Options configures a dispatcher.
type Options struct {
	Bus      *bus.Bus
	Index    *subindex.Index
	Sessions *session.Registry
	Window   time.Duration
	Workers  *ants.Pool
	Metrics  *metrics.Metrics // may be nil
	Logger   *zap.Logger
}

// New creates a dispatcher. Call Start to begin consuming the bus.
func New(opts Options) *Dispatcher {
	window := opts.Window
	if window <= 0 {
		window = 50 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		bus:      opts.Bus,
		index:    opts.Index,
		sessions: opts.Sessions,
		window:   window,
		workers:  opts.Workers,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		states:   make(map[string]*clientState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches one consumer per bus shard plus the flush loop. Shard
// affinity keeps per-key delivery ordered.
func (d *Dispatcher) Start() {
	for _, shard := range d.bus.Shards() {
		shard := shard
		d.wg.Add(1)
		d.submit(func() {
			defer d.wg.Done()
			for {
				select {
				case <-d.ctx.Done():
					return
				case tick := <-shard:
					d.route(tick)
				}
			}
		})
	}

	d.wg.Add(1)
	d.submit(func() {
		defer d.wg.Done()
		d.flushLoop()
	})
}

// Stop halts consumption. Ticks already queued on sessions still drain
// through their writers.
func (d *Dispatcher) Stop() {
	d.cancel()
	d.wg.Wait()
}

// route delivers one tick to every interested session, throttled.
func (d *Dispatcher) route(tick *types.Tick) {
	key := tick.Key()
	subscribers := d.index.Subscribers(key)
	if len(subscribers) == 0 {
		return
	}

	now := time.Now()
	for _, clientID := range subscribers {
		sess, ok := d.sessions.Get(clientID)
		if !ok {
			continue
		}

		st := d.state(clientID)
		st.mu.Lock()
		last := st.lastSent[key]
		_, queued := st.pending[key]
		if !queued && now.Sub(last) >= d.window {
			// Window open: send straight through.
			st.lastSent[key] = now
			st.mu.Unlock()
			sess.Enqueue(tick.Frame())
			if d.metrics != nil {
				d.metrics.RecordTickDelivered(tick.Exchange, string(tick.Mode))
			}
			continue
		}
		// Inside the window: coalesce, newest wins.
		st.pending[key] = tick
		st.mu.Unlock()
		if d.metrics != nil {
			d.metrics.RecordTickCoalesced(tick.Exchange)
		}
	}
}

// flushLoop drains coalesced ticks once per window. Everything ready for
// one client goes out as a single batched frame.
func (d *Dispatcher) flushLoop() {
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.flush()
		}
	}
}

func (d *Dispatcher) flush() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.states))
	for id := range d.states {
		ids = append(ids, id)
	}
	d.mu.Unlock()

	now := time.Now()
	stale := now.Add(-10 * d.window)

	for _, id := range ids {
		sess, alive := d.sessions.Get(id)
		if !alive {
			d.DropClient(id)
			continue
		}

		st := d.state(id)
		st.mu.Lock()
		if len(st.pending) == 0 {
			// Opportunistic ledger pruning for idle keys.
			for key, ts := range st.lastSent {
				if ts.Before(stale) {
					delete(st.lastSent, key)
				}
			}
			st.mu.Unlock()
			continue
		}
		frames := make([]interface{}, 0, len(st.pending))
		for key, tick := range st.pending {
			st.lastSent[key] = now
			frames = append(frames, tick.Frame())
			delete(st.pending, key)
		}
		st.mu.Unlock()

		if len(frames) == 1 {
			sess.Enqueue(frames[0])
		} else {
			sess.Enqueue(frames)
		}
		if d.metrics != nil {
			d.metrics.RecordBatchFlushed(len(frames))
		}
	}
}

// DropClient discards the throttle ledger of a disconnected session.
func (d *Dispatcher) DropClient(clientID string) {
	d.mu.Lock()
	delete(d.states, clientID)
	d.mu.Unlock()
}

func (d *Dispatcher) state(clientID string) *clientState {
	d.mu.Lock()
	defer d.mu.Unlock()

	st, ok := d.states[clientID]
	if !ok {
		st = &clientState{
			lastSent: make(map[types.CanonicalKey]time.Time),
			pending:  make(map[types.CanonicalKey]*types.Tick),
		}
		d.states[clientID] = st
	}
	return st
}

func (d *Dispatcher) submit(task func()) {
	if d.workers != nil {
		if err := d.workers.Submit(task); err == nil {
			return
		}
	}
	go task()
}
