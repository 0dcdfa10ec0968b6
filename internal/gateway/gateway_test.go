package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"tickrelay/internal/auth"
	"tickrelay/internal/broker"
	"tickrelay/internal/bus"
	"tickrelay/internal/cache"
	"tickrelay/internal/config"
	"tickrelay/internal/dispatch"
	"tickrelay/internal/models"
	"tickrelay/internal/pool"
	"tickrelay/internal/ratelimit"
	"tickrelay/internal/session"
	"tickrelay/internal/subindex"
	"tickrelay/internal/usage"
	"tickrelay/pkg/types"
)

type fixture struct {
	gw      *Gateway
	index   *subindex.Index
	sim     *broker.Sim
	pool    *pool.Pool
	cache   *cache.Layer
	reg     *session.Registry
	limiter *ratelimit.Limiter
	usage   *usage.Collector
}

// newFixture wires a gateway against a sim broker. The sim instance is
// shared across dials so tests can inspect upstream traffic.
func newFixture(t *testing.T, limits config.PoolLimits) *fixture {
	t.Helper()

	sim := broker.NewSim()
	index := subindex.New()
	registry := session.NewRegistry()
	cacheLyr := cache.NewLayer(8)
	tickBus := bus.New(2, 64)

	p := pool.New(pool.Options{
		BrokerID:   "simbroker",
		Limits:     limits,
		Reconnect:  config.ReconnectConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		NewAdapter: func() (broker.Adapter, error) { return sim, nil },
		OnTick:     func(tick *types.Tick) { tickBus.Publish(tick) },
		Logger:     zap.NewNop(),
	})
	t.Cleanup(p.Stop)

	pools := pool.NewRegistry()
	pools.Add(p)

	d := dispatch.New(dispatch.Options{
		Bus:      tickBus,
		Index:    index,
		Sessions: registry,
		Window:   time.Millisecond,
		Logger:   zap.NewNop(),
	})

	limiter := ratelimit.NewLimiter(&ratelimit.Config{DefaultRPS: 100, BurstMultiplier: 2})
	collector := usage.NewCollector(nil, &usage.Config{FlushInterval: time.Hour})
	t.Cleanup(collector.Stop)

	gw := New(Options{
		Config:     config.GatewayConfig{ReadLimit: 1 << 20, WriteTimeout: time.Second},
		Session:    config.SessionConfig{QueueSize: 64},
		Index:      index,
		Pools:      pools,
		Sessions:   registry,
		Dispatcher: d,
		Cache:      cacheLyr,
		Limiter:    limiter,
		Usage:      collector,
		Logger:     zap.NewNop(),
	})

	return &fixture{
		gw: gw, index: index, sim: sim, pool: p, cache: cacheLyr,
		reg: registry, limiter: limiter, usage: collector,
	}
}

func (f *fixture) newSession(id string) *session.Session {
	authCtx := &models.AuthContext{
		UserID: 1, APIKeyID: 10, Broker: "simbroker", UserStatus: "active",
	}
	s := session.New(id, authCtx, 64, false)
	f.reg.Add(s)
	return s
}

func refs(symbols ...string) []types.SymbolRef {
	out := make([]types.SymbolRef, len(symbols))
	for i, sym := range symbols {
		out[i] = types.SymbolRef{Symbol: sym, Exchange: "NSE"}
	}
	return out
}

func TestSubscribeAck(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	ack := f.gw.HandleSubscribe(sess, refs("SBIN", "TCS"), types.ModeLTP)
	assert.Equal(t, types.StatusSubscribed, ack.Status)
	assert.Equal(t, 2, ack.Count)
	assert.Empty(t, ack.Errors)

	assert.Len(t, f.sim.ActiveKeys(), 2)
	assert.Equal(t, 2, f.index.GetStats().ActiveKeys)
}

func TestSubscribeDefaultsToLTP(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	ack := f.gw.HandleSubscribe(sess, refs("SBIN"), "")
	require.Equal(t, 1, ack.Count)
	assert.True(t, f.pool.Owns(types.CanonicalKey{Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeLTP}))
}

func TestSubscribeRejectsBadMode(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	ack := f.gw.HandleSubscribe(sess, refs("SBIN"), "FULL")
	assert.Equal(t, types.StatusError, ack.Status)
	assert.Zero(t, f.index.GetStats().ActiveKeys)
}

// A batch with one unknown symbol succeeds for the rest: count covers
// the valid keys, the bad one gets a per-symbol error and no state.
func TestSubscribeBatchPartialFailure(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	// Prime the connection so the symbol universe can be restricted.
	f.gw.HandleSubscribe(sess, refs("SBIN"), types.ModeLTP)
	f.sim.SetKnownSymbols(
		types.SymbolRef{Symbol: "SBIN", Exchange: "NSE"},
		types.SymbolRef{Symbol: "TCS", Exchange: "NSE"},
		types.SymbolRef{Symbol: "INFY", Exchange: "NSE"},
		types.SymbolRef{Symbol: "HDFC", Exchange: "NSE"},
	)

	ack := f.gw.HandleSubscribe(sess, refs("TCS", "INFY", "BOGUS", "HDFC"), types.ModeLTP)
	assert.Equal(t, types.StatusSubscribed, ack.Status)
	assert.Equal(t, 3, ack.Count)
	require.Len(t, ack.Errors, 1)
	assert.Equal(t, "BOGUS", ack.Errors[0].Symbol)

	bogus := types.CanonicalKey{Symbol: "BOGUS", Exchange: "NSE", Mode: types.ModeLTP}
	assert.False(t, f.pool.Owns(bogus), "failed key leaves no pool state")
	assert.Zero(t, f.index.Refcount(bogus), "failed key leaves no index state")
	assert.Len(t, f.sim.ActiveKeys(), 4)
}

func TestSubscribeCapacityPerSymbolError(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 1, MaxConnections: 1})
	sess := f.newSession("c1")

	ack := f.gw.HandleSubscribe(sess, refs("SBIN", "TCS"), types.ModeLTP)
	assert.Equal(t, 1, ack.Count)
	require.Len(t, ack.Errors, 1)
	assert.Contains(t, ack.Errors[0].Message, "subscription limit exceeded")

	tcs := types.CanonicalKey{Symbol: "TCS", Exchange: "NSE", Mode: types.ModeLTP}
	assert.Zero(t, f.index.Refcount(tcs))
}

func TestSubscribeEmptySymbolRef(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	ack := f.gw.HandleSubscribe(sess, []types.SymbolRef{{Symbol: "", Exchange: "NSE"}}, types.ModeLTP)
	assert.Zero(t, ack.Count)
	require.Len(t, ack.Errors, 1)
}

func TestSubscribePlanLimit(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")
	sess.Auth.MaxSubscriptions = 2

	ack := f.gw.HandleSubscribe(sess, refs("A", "B", "C"), types.ModeLTP)
	assert.Equal(t, 2, ack.Count)
	require.Len(t, ack.Errors, 1)
	assert.Contains(t, ack.Errors[0].Message, "plan subscription limit")
}

func TestSubscribeReplaysCachedTick(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	f.cache.Update(&types.Tick{
		Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeLTP,
		LTP: 601.5, Timestamp: time.Now(),
	})

	sess := f.newSession("c1")
	f.gw.HandleSubscribe(sess, refs("SBIN"), types.ModeLTP)

	select {
	case frame := <-sess.Send():
		ltp, ok := frame.(types.LTPFrame)
		require.True(t, ok)
		assert.Equal(t, 601.5, ltp.LTP)
	default:
		t.Fatal("expected last-tick replay on subscribe")
	}
}

// Scenario: two clients share a key. Exactly one upstream subscribe
// happens; the unsubscribe only fires when the last client leaves.
func TestSharedKeyRefcountGatesUpstream(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	c1 := f.newSession("c1")
	c2 := f.newSession("c2")

	f.gw.HandleSubscribe(c1, refs("SBIN"), types.ModeLTP)
	f.gw.HandleSubscribe(c2, refs("SBIN"), types.ModeLTP)

	key := types.CanonicalKey{Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeLTP}
	assert.Equal(t, 2, f.index.Refcount(key))
	assert.Len(t, f.sim.SubscribeBatches, 1, "exactly one upstream subscribe")

	f.gw.HandleDisconnect(c1, "test")
	assert.Equal(t, 1, f.index.Refcount(key))
	assert.Empty(t, f.sim.UnsubscribeBatches, "no upstream unsubscribe while a subscriber remains")

	f.gw.HandleDisconnect(c2, "test")
	assert.Zero(t, f.index.Refcount(key))
	assert.Len(t, f.sim.UnsubscribeBatches, 1, "exactly one upstream unsubscribe")
}

func TestUnsubscribeAck(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	f.gw.HandleSubscribe(sess, refs("SBIN", "TCS"), types.ModeLTP)
	ack := f.gw.HandleUnsubscribe(sess, refs("SBIN"), types.ModeLTP)

	assert.Equal(t, types.StatusUnsubscribed, ack.Status)
	assert.Equal(t, 1, ack.Count)
	assert.Len(t, f.sim.ActiveKeys(), 1)
	assert.Equal(t, 1, f.index.GetStats().ActiveKeys)
}

func TestUnsubscribeNotSubscribedIsNoop(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")

	ack := f.gw.HandleUnsubscribe(sess, refs("NEVER"), types.ModeLTP)
	assert.Equal(t, types.StatusUnsubscribed, ack.Status)
	assert.Empty(t, f.sim.UnsubscribeBatches)
}

func TestDisconnectCleansAllState(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	sess := f.newSession("c1")
	f.gw.HandleSubscribe(sess, refs("SBIN", "TCS"), types.ModeLTP)

	f.gw.HandleDisconnect(sess, "test")

	assert.True(t, sess.Closed())
	assert.Equal(t, 0, f.reg.Count())
	assert.Zero(t, f.index.GetStats().ActiveKeys)
	assert.Empty(t, f.sim.ActiveKeys(), "orphaned keys unsubscribed upstream")

	// Second call must be harmless.
	f.gw.HandleDisconnect(sess, "test")
}

func TestNotifyBrokerDownTargetsBoundSessions(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})
	bound := f.newSession("c1")
	other := f.newSession("c2")
	other.Auth = &models.AuthContext{UserID: 2, APIKeyID: 11, Broker: "elsewhere"}

	f.gw.NotifyBrokerDown("simbroker")

	select {
	case frame := <-bound.Send():
		ev, ok := frame.(types.Event)
		require.True(t, ok)
		assert.Equal(t, types.EventBrokerStatus, ev.Type)
		assert.Equal(t, "simbroker", ev.Broker)
		assert.Equal(t, "unavailable", ev.Status)
	default:
		t.Fatal("bound session got no broker_status event")
	}

	select {
	case <-other.Send():
		t.Fatal("session on another broker must not be notified")
	default:
	}
}

// newAdapterFixture wires a gateway over a caller-supplied adapter so
// upstream behavior can be scripted.
func newAdapterFixture(t *testing.T, adapter broker.Adapter) *fixture {
	t.Helper()

	index := subindex.New()
	registry := session.NewRegistry()
	tickBus := bus.New(2, 64)

	p := pool.New(pool.Options{
		BrokerID:   "simbroker",
		Limits:     config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1},
		Reconnect:  config.ReconnectConfig{MaxAttempts: 1, BaseDelay: time.Millisecond},
		NewAdapter: func() (broker.Adapter, error) { return adapter, nil },
		OnTick:     func(*types.Tick) {},
		Logger:     zap.NewNop(),
	})
	t.Cleanup(p.Stop)

	pools := pool.NewRegistry()
	pools.Add(p)

	d := dispatch.New(dispatch.Options{
		Bus:      tickBus,
		Index:    index,
		Sessions: registry,
		Window:   time.Millisecond,
		Logger:   zap.NewNop(),
	})

	limiter := ratelimit.NewLimiter(&ratelimit.Config{DefaultRPS: 100, BurstMultiplier: 2})

	gw := New(Options{
		Config:     config.GatewayConfig{WriteTimeout: time.Second},
		Session:    config.SessionConfig{QueueSize: 8},
		Index:      index,
		Pools:      pools,
		Sessions:   registry,
		Dispatcher: d,
		Limiter:    limiter,
		Logger:     zap.NewNop(),
	})

	return &fixture{gw: gw, index: index, pool: p, reg: registry, limiter: limiter}
}

// gateAdapter parks subscribe calls until release is closed and fails
// the first batch it sees, accepting later ones.
type gateAdapter struct {
	entered chan struct{}
	release chan struct{}
	failed  atomic.Bool
	done    chan struct{}
}

func newGateAdapter() *gateAdapter {
	return &gateAdapter{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (a *gateAdapter) Connect(context.Context) error { return nil }
func (a *gateAdapter) Close() error                  { return nil }
func (a *gateAdapter) OnTick(broker.TickHandler)     {}
func (a *gateAdapter) Done() <-chan struct{}         { return a.done }

func (a *gateAdapter) UnsubscribeSymbols(context.Context, []types.CanonicalKey) error {
	return nil
}

func (a *gateAdapter) SubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) ([]broker.SymbolResult, error) {
	select {
	case a.entered <- struct{}{}:
	default:
	}
	<-a.release

	fail := !a.failed.Swap(true)
	out := make([]broker.SymbolResult, len(keys))
	for i, k := range keys {
		out[i] = broker.SymbolResult{Key: k}
		if fail {
			out[i].Err = broker.ErrSymbolNotFound
		}
	}
	return out, nil
}

// Two clients race to subscribe the same key while the first upstream
// subscribe is in flight and ultimately fails. The surviving holder
// must end up with its own live upstream subscription, never a live
// refcount over a dead key.
func TestConcurrentSubscribeFailoverToSecondHolder(t *testing.T) {
	adapter := newGateAdapter()
	f := newAdapterFixture(t, adapter)

	c1 := session.New("c1", &models.AuthContext{UserID: 1, APIKeyID: 10, Broker: "simbroker"}, 8, false)
	c2 := session.New("c2", &models.AuthContext{UserID: 2, APIKeyID: 11, Broker: "simbroker"}, 8, false)

	var ack1, ack2 types.Ack
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ack1 = f.gw.HandleSubscribe(c1, refs("SBIN"), types.ModeLTP)
	}()
	<-adapter.entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		ack2 = f.gw.HandleSubscribe(c2, refs("SBIN"), types.ModeLTP)
	}()
	time.Sleep(20 * time.Millisecond)
	close(adapter.release)
	wg.Wait()

	assert.Zero(t, ack1.Count)
	require.Len(t, ack1.Errors, 1)
	assert.Equal(t, 1, ack2.Count)
	assert.Empty(t, ack2.Errors)

	key := types.CanonicalKey{Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeLTP}
	assert.Equal(t, 1, f.index.Refcount(key))
	assert.True(t, f.pool.Owns(key), "surviving holder has a live upstream subscription")
}

// ctxAdapter records the context state seen by upstream unsubscribes.
type ctxAdapter struct {
	mu          sync.Mutex
	unsubCtxErr []error
	done        chan struct{}
}

func (a *ctxAdapter) Connect(context.Context) error { return nil }
func (a *ctxAdapter) Close() error                  { return nil }
func (a *ctxAdapter) OnTick(broker.TickHandler)     {}
func (a *ctxAdapter) Done() <-chan struct{}         { return a.done }

func (a *ctxAdapter) SubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) ([]broker.SymbolResult, error) {
	out := make([]broker.SymbolResult, len(keys))
	for i, k := range keys {
		out[i] = broker.SymbolResult{Key: k}
	}
	return out, nil
}

func (a *ctxAdapter) UnsubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) error {
	a.mu.Lock()
	a.unsubCtxErr = append(a.unsubCtxErr, ctx.Err())
	a.mu.Unlock()
	return nil
}

func TestShutdownUnsubscribesOnLiveContext(t *testing.T) {
	adapter := &ctxAdapter{done: make(chan struct{})}
	f := newAdapterFixture(t, adapter)

	sess := session.New("c1", &models.AuthContext{UserID: 1, APIKeyID: 10, Broker: "simbroker"}, 8, false)
	f.reg.Add(sess)
	require.Equal(t, 1, f.gw.HandleSubscribe(sess, refs("SBIN"), types.ModeLTP).Count)

	require.NoError(t, f.gw.Shutdown(context.Background()))

	assert.True(t, sess.Closed())
	assert.Equal(t, 0, f.reg.Count())

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Len(t, adapter.unsubCtxErr, 1)
	assert.NoError(t, adapter.unsubCtxErr[0], "final unsubscribe must not run on a canceled context")
}

func TestPeakSessionsTrackedPerKey(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})

	a1 := &models.AuthContext{UserID: 1, APIKeyID: 10, Broker: "simbroker"}
	a2 := &models.AuthContext{UserID: 2, APIKeyID: 11, Broker: "simbroker"}

	_, err := f.gw.newSession(a1)
	require.NoError(t, err)
	_, err = f.gw.newSession(a1)
	require.NoError(t, err)
	_, err = f.gw.newSession(a2)
	require.NoError(t, err)

	assert.EqualValues(t, 2, f.usage.Peak(1, 10))
	assert.EqualValues(t, 1, f.usage.Peak(2, 11),
		"another key's sessions must not inflate this key's peak")
}

func TestConcurrentDisconnectReleasesSlotOnce(t *testing.T) {
	f := newFixture(t, config.PoolLimits{MaxSymbolsPerConnection: 10, MaxConnections: 1})

	authCtx := &models.AuthContext{UserID: 1, APIKeyID: 10, Broker: "simbroker"}
	s1, err := f.gw.newSession(authCtx)
	require.NoError(t, err)
	_, err = f.gw.newSession(authCtx)
	require.NoError(t, err)
	require.Equal(t, 2, f.limiter.ActiveSessions(limiterKey(authCtx)))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.gw.HandleDisconnect(s1, "test")
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.limiter.ActiveSessions(limiterKey(authCtx)),
		"one disconnect frees exactly one slot")
}

func TestAuthFailureClassification(t *testing.T) {
	assert.Equal(t, "invalid_key", authFailureReason(auth.ErrInvalidAPIKey))
	assert.Equal(t, "expired_key", authFailureReason(auth.ErrExpiredAPIKey))
	assert.Equal(t, "suspended_user", authFailureReason(auth.ErrSuspendedUser))
	assert.Equal(t, "internal", authFailureReason(assert.AnError))

	assert.Equal(t, auth.ErrRevokedAPIKey.Error(), authMessage(auth.ErrRevokedAPIKey))
	assert.Equal(t, "authentication failed", authMessage(assert.AnError),
		"internal errors are not leaked to clients")
}
