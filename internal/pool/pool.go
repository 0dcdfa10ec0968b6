// Package pool manages the physical connections to one broker. It
// assigns canonical keys to connections first-fit under the broker's
// per-connection symbol ceiling, grows the pool up to its connection
// ceiling, and drives reconnection so that subscriptions outlive any
// individual socket.
package pool

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tickrelay/internal/broker"
	"tickrelay/internal/config"
	"tickrelay/pkg/types"
)

// Sentinel errors surfaced to the gateway.
var (
	// ErrCapacityExceeded means the pool is at MaxConnections and every
	// connection is full. No partial state is left behind.
	ErrCapacityExceeded = errors.New("subscription limit exceeded for broker")
	// ErrBrokerUnavailable means the subscribe could not reach the broker;
	// the connection state machine retries internally.
	ErrBrokerUnavailable = errors.New("broker temporarily unavailable")
)

// Pool owns every connection to one broker.
type Pool struct {
	brokerID   string
	limits     config.PoolLimits
	reconnect  config.ReconnectConfig
	newAdapter  func() (broker.Adapter, error)
	onTick      broker.TickHandler
	onDown      func(brokerID string)
	onReconnect func(brokerID string)
	onConnCount func(brokerID string, n int)
	workers     *ants.Pool
	log         *zap.Logger

	mu     sync.Mutex
	conns  []*Conn
	assign map[types.CanonicalKey]*Conn
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
}

// Conn is one physical upstream socket. Its key set and state are
// guarded by the owning pool's mutex; the adapter pointer is swapped
// during reconnection under the same lock.
type Conn struct {
	id      string
	adapter broker.Adapter
	state   types.ConnState
	keys    map[types.CanonicalKey]struct{}
	closed  bool

	reconnects int
}

// Options configures a pool.
type Options struct {
	BrokerID   string
	Limits     config.PoolLimits
	Reconnect  config.ReconnectConfig
	NewAdapter func() (broker.Adapter, error)
	OnTick     broker.TickHandler
	// OnDown is invoked when a connection exhausts its reconnect budget
	// and its keys cannot all be rehomed. May be nil.
	OnDown func(brokerID string)
	// OnReconnect is invoked after a connection is restored on a fresh
	// adapter. May be nil.
	OnReconnect func(brokerID string)
	// OnConnCount is invoked with the live connection count whenever it
	// changes. May be nil.
	OnConnCount func(brokerID string, n int)
	Workers     *ants.Pool
	Logger      *zap.Logger
}

// New creates a pool. No connection is opened until the first subscribe.
func New(opts Options) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		brokerID:    opts.BrokerID,
		limits:      opts.Limits,
		reconnect:   opts.Reconnect,
		newAdapter:  opts.NewAdapter,
		onTick:      opts.OnTick,
		onDown:      opts.OnDown,
		onReconnect: opts.OnReconnect,
		onConnCount: opts.OnConnCount,
		workers:     opts.Workers,
		log:         opts.Logger.With(zap.String("broker", opts.BrokerID)),
		assign:      make(map[types.CanonicalKey]*Conn),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// BrokerID returns the broker this pool serves.
func (p *Pool) BrokerID() string { return p.brokerID }

// Subscribe activates key on some connection with spare capacity,
// opening a new connection when allowed. Idempotent for keys already
// active. Per-symbol rejections come back wrapped around
// broker.ErrSymbolNotFound.
func (p *Pool) Subscribe(ctx context.Context, key types.CanonicalKey) error {
	p.mu.Lock()
	if _, active := p.assign[key]; active {
		p.mu.Unlock()
		return nil
	}

	conn, err := p.pickLocked()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	// Reserve the slot before releasing the lock so a concurrent
	// subscribe cannot overfill the connection.
	conn.keys[key] = struct{}{}
	p.assign[key] = conn
	adapter := conn.adapter
	p.mu.Unlock()

	results, err := adapter.SubscribeSymbols(ctx, []types.CanonicalKey{key})
	if err != nil {
		p.release(key, conn)
		return errors.Wrap(ErrBrokerUnavailable, err.Error())
	}
	for _, res := range results {
		if res.Err != nil {
			p.release(key, conn)
			return res.Err
		}
	}
	return nil
}

// Unsubscribe routes the upstream unsubscribe to the connection that
// owns key and frees its slot. Empty surplus connections are retired.
func (p *Pool) Unsubscribe(ctx context.Context, key types.CanonicalKey) error {
	p.mu.Lock()
	conn, ok := p.assign[key]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	delete(p.assign, key)
	delete(conn.keys, key)
	adapter := conn.adapter
	retire := len(conn.keys) == 0 && len(p.conns) > 1
	if retire {
		p.dropConnLocked(conn)
	}
	p.mu.Unlock()

	if err := adapter.UnsubscribeSymbols(ctx, []types.CanonicalKey{key}); err != nil {
		// The connection may be mid-reconnect; resubscription simply
		// won't include the key anymore.
		p.log.Debug("upstream unsubscribe failed",
			zap.String("key", key.String()), zap.Error(err))
	}
	if retire {
		adapter.Close()
		p.log.Info("retired empty connection", zap.String("conn", conn.id))
	}
	return nil
}

// release undoes a tentative assignment after a failed subscribe.
func (p *Pool) release(key types.CanonicalKey, conn *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.assign[key] == conn {
		delete(p.assign, key)
	}
	delete(conn.keys, key)
}

// pickLocked finds a connected socket with spare capacity first-fit, or
// opens a new one within MaxConnections.
func (p *Pool) pickLocked() (*Conn, error) {
	for _, conn := range p.conns {
		if conn.state == types.ConnConnected && len(conn.keys) < p.limits.MaxSymbolsPerConnection {
			return conn, nil
		}
	}
	if len(p.conns) >= p.limits.MaxConnections {
		return nil, ErrCapacityExceeded
	}
	return p.openLocked()
}

// openLocked dials a fresh connection and starts its watch loop.
func (p *Pool) openLocked() (*Conn, error) {
	adapter, err := p.newAdapter()
	if err != nil {
		return nil, errors.Wrap(ErrBrokerUnavailable, err.Error())
	}
	adapter.OnTick(p.onTick)

	p.nextID++
	conn := &Conn{
		id:      p.connID(p.nextID),
		adapter: adapter,
		state:   types.ConnConnecting,
		keys:    make(map[types.CanonicalKey]struct{}),
	}

	if err := adapter.Connect(p.ctx); err != nil {
		adapter.Close()
		return nil, errors.Wrap(ErrBrokerUnavailable, err.Error())
	}
	conn.state = types.ConnConnected
	p.conns = append(p.conns, conn)
	p.notifyConnCount(len(p.conns))
	p.log.Info("opened broker connection", zap.String("conn", conn.id))

	p.submit(func() { p.watch(conn) })
	return conn, nil
}

func (p *Pool) connID(n int) string {
	return fmt.Sprintf("%s-%d", p.brokerID, n)
}

// watch blocks until the connection's socket dies, then runs the
// reconnect state machine. One watch goroutine exists per Conn for its
// whole lifetime, across adapter swaps.
func (p *Pool) watch(conn *Conn) {
	for {
		p.mu.Lock()
		adapter := conn.adapter
		p.mu.Unlock()

		select {
		case <-p.ctx.Done():
			return
		case <-adapter.Done():
		}

		p.mu.Lock()
		retired := conn.closed
		p.mu.Unlock()
		if retired || p.ctx.Err() != nil {
			return
		}

		if !p.reconnectConn(conn) {
			p.failConn(conn)
			return
		}
	}
}

// reconnectConn runs bounded exponential backoff with jitter, dialing a
// fresh adapter each attempt and replaying the connection's key set.
// Returns false when the attempt budget is exhausted.
func (p *Pool) reconnectConn(conn *Conn) bool {
	p.setState(conn, types.ConnReconnecting)

	for attempt := 1; attempt <= p.reconnect.MaxAttempts; attempt++ {
		delay := p.backoff(attempt)
		p.log.Warn("connection lost, reconnecting",
			zap.String("conn", conn.id),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-p.ctx.Done():
			return true // shutdown, not a failure
		case <-time.After(delay):
		}

		adapter, err := p.newAdapter()
		if err != nil {
			continue
		}
		adapter.OnTick(p.onTick)
		if err := adapter.Connect(p.ctx); err != nil {
			adapter.Close()
			continue
		}

		p.mu.Lock()
		conn.adapter = adapter
		conn.state = types.ConnResubscribing
		conn.reconnects++
		keys := make([]types.CanonicalKey, 0, len(conn.keys))
		for key := range conn.keys {
			keys = append(keys, key)
		}
		p.mu.Unlock()

		if err := p.resubscribe(conn, adapter, keys); err != nil {
			p.log.Warn("resubscribe failed", zap.String("conn", conn.id), zap.Error(err))
			adapter.Close()
			continue
		}

		p.setState(conn, types.ConnConnected)
		if p.onReconnect != nil {
			p.onReconnect(p.brokerID)
		}
		p.log.Info("connection restored",
			zap.String("conn", conn.id),
			zap.Int("keys", len(keys)))
		return true
	}
	return false
}

// resubscribe replays keys on a fresh adapter. Per-symbol rejections
// (the instrument disappeared while we were down) release the key; a
// transport error fails the whole attempt.
func (p *Pool) resubscribe(conn *Conn, adapter broker.Adapter, keys []types.CanonicalKey) error {
	if len(keys) == 0 {
		return nil
	}
	results, err := adapter.SubscribeSymbols(p.ctx, keys)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Err != nil {
			p.log.Warn("symbol lost on resubscribe",
				zap.String("key", res.Key.String()), zap.Error(res.Err))
			p.release(res.Key, conn)
		}
	}
	return nil
}

// failConn tears down a connection whose reconnect budget is exhausted
// and rehomes its keys onto other or new connections. Keys that cannot
// be rehomed mark the broker unavailable.
func (p *Pool) failConn(conn *Conn) {
	p.mu.Lock()
	conn.state = types.ConnFailed
	p.dropConnLocked(conn)
	stranded := make([]types.CanonicalKey, 0, len(conn.keys))
	for key := range conn.keys {
		delete(p.assign, key)
		stranded = append(stranded, key)
	}
	conn.keys = make(map[types.CanonicalKey]struct{})
	p.mu.Unlock()

	conn.adapter.Close()
	p.log.Error("connection failed permanently",
		zap.String("conn", conn.id),
		zap.Int("stranded_keys", len(stranded)))

	lost := 0
	for _, key := range stranded {
		if err := p.Subscribe(p.ctx, key); err != nil {
			lost++
			p.log.Error("could not rehome key",
				zap.String("key", key.String()), zap.Error(err))
		}
	}
	if lost > 0 && p.onDown != nil {
		p.onDown(p.brokerID)
	}
}

func (p *Pool) dropConnLocked(conn *Conn) {
	conn.closed = true
	for i, c := range p.conns {
		if c == conn {
			p.conns = append(p.conns[:i], p.conns[i+1:]...)
			p.notifyConnCount(len(p.conns))
			return
		}
	}
}

func (p *Pool) notifyConnCount(n int) {
	if p.onConnCount != nil {
		p.onConnCount(p.brokerID, n)
	}
}

func (p *Pool) setState(conn *Conn, s types.ConnState) {
	p.mu.Lock()
	conn.state = s
	p.mu.Unlock()
}

// backoff is base * 2^(attempt-1) capped at MaxDelay, with ±10% jitter.
func (p *Pool) backoff(attempt int) time.Duration {
	base := p.reconnect.BaseDelay
	if base == 0 {
		base = time.Second
	}
	max := p.reconnect.MaxDelay
	if max == 0 {
		max = 16 * time.Second
	}

	delay := base * time.Duration(1<<uint(attempt-1))
	if delay > max {
		delay = max
	}
	jitter := time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1))
	return delay + jitter
}

func (p *Pool) submit(task func()) {
	if p.workers != nil {
		if err := p.workers.Submit(task); err == nil {
			return
		}
	}
	go task()
}

// Stop cancels every watch loop and closes every connection. Key
// assignments are released.
func (p *Pool) Stop() {
	p.cancel()

	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.assign = make(map[types.CanonicalKey]*Conn)
	p.notifyConnCount(0)
	p.mu.Unlock()

	for _, conn := range conns {
		conn.adapter.Close()
	}
}

// Stats describes pool occupancy for the ops surface.
type Stats struct {
	Broker          string
	Connections     int
	ActiveKeys      int
	TotalReconnects int
}

// GetStats returns current pool statistics.
func (p *Pool) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	reconnects := 0
	for _, conn := range p.conns {
		reconnects += conn.reconnects
	}
	return Stats{
		Broker:          p.brokerID,
		Connections:     len(p.conns),
		ActiveKeys:      len(p.assign),
		TotalReconnects: reconnects,
	}
}

// snapshot helpers used by tests.

// ConnCount returns the number of live connections.
func (p *Pool) ConnCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// KeysOnConn returns how many keys each connection carries, in pool
// order.
func (p *Pool) KeysOnConn() []int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]int, len(p.conns))
	for i, conn := range p.conns {
		out[i] = len(conn.keys)
	}
	return out
}

// Owns reports whether key is assigned to any connection.
func (p *Pool) Owns(key types.CanonicalKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.assign[key]
	return ok
}
