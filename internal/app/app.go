// Package app assembles the service: storage handles, the tick
// pipeline (pools, bus, dispatcher), the client gateway and the ops
// server, with one place owning startup and teardown order.
package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tickrelay/internal/api"
	"tickrelay/internal/auth"
	"tickrelay/internal/broker"
	"tickrelay/internal/bus"
	"tickrelay/internal/cache"
	"tickrelay/internal/config"
	"tickrelay/internal/dispatch"
	"tickrelay/internal/gateway"
	"tickrelay/internal/metrics"
	"tickrelay/internal/pool"
	"tickrelay/internal/ratelimit"
	"tickrelay/internal/session"
	"tickrelay/internal/subindex"
	"tickrelay/internal/usage"
	"tickrelay/pkg/types"
)

// App is the assembled service.
type App struct {
	cfg *config.Config
	log *zap.Logger

	metrics    *metrics.Metrics
	cache      *cache.Layer
	bus        *bus.Bus
	index      *subindex.Index
	sessions   *session.Registry
	limiter    *ratelimit.Limiter
	usage      *usage.Collector
	auth       *auth.Service
	pools      *pool.Registry
	dispatcher *dispatch.Dispatcher
	gw         *gateway.Gateway
	ops        *api.Server
	workers    *ants.Pool

	ctx    context.Context
	cancel context.CancelFunc
	errs   chan error
}

// New wires every component. db is required; redisClient may be nil.
func New(cfg *config.Config, db *sql.DB, redisClient *redis.Client, log *zap.Logger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:    cfg,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		errs:   make(chan error, 2),
	}

	workers, err := ants.NewPool(cfg.Dispatch.WorkerPoolSize)
	if err != nil {
		cancel()
		return nil, err
	}
	a.workers = workers

	a.metrics = metrics.NewMetrics()
	a.cache = cache.NewLayer(cfg.Cache.RingSize)
	a.bus = bus.New(cfg.Bus.ShardCount, cfg.Bus.BufferSize)
	a.index = subindex.New()
	a.sessions = session.NewRegistry()
	a.limiter = ratelimit.NewLimiter(&ratelimit.Config{
		DefaultRPS:      cfg.Rate.DefaultRPS,
		BurstMultiplier: cfg.Rate.BurstMultiplier,
	})
	a.usage = usage.NewCollector(db, &usage.Config{
		FlushInterval: cfg.Usage.FlushInterval,
	})
	a.auth = auth.NewService(db, redisClient, &auth.Config{
		CacheTTL: cfg.Auth.CacheTTL,
	})

	a.pools = pool.NewRegistry()
	for id, bc := range cfg.Brokers.Configured {
		a.pools.Add(a.buildPool(id, bc))
	}

	a.dispatcher = dispatch.New(dispatch.Options{
		Bus:      a.bus,
		Index:    a.index,
		Sessions: a.sessions,
		Window:   cfg.Dispatch.ThrottleWindow,
		Workers:  a.workers,
		Metrics:  a.metrics,
		Logger:   log,
	})

	a.gw = gateway.New(gateway.Options{
		Config:         cfg.Gateway,
		Session:        cfg.Session,
		Auth:           a.auth,
		Index:          a.index,
		Pools:          a.pools,
		Sessions:       a.sessions,
		Dispatcher:     a.dispatcher,
		Cache:          a.cache,
		Limiter:        a.limiter,
		Usage:          a.usage,
		Metrics:        a.metrics,
		MetricsHandler: metrics.Handler(),
		Logger:         log,
	})

	a.ops = api.NewServer(cfg.Ops, a.index, a.pools, a.bus,
		a.sessions, a.cache, a.limiter, log)

	return a, nil
}

// buildPool wires one broker's connection pool into the tick pipeline.
func (a *App) buildPool(id string, bc config.BrokerConfig) *pool.Pool {
	return pool.New(pool.Options{
		BrokerID:  id,
		Limits:    a.cfg.Brokers.LimitsFor(id),
		Reconnect: a.cfg.Brokers.Reconnect,
		NewAdapter: func() (broker.Adapter, error) {
			return broker.New(bc, a.log)
		},
		OnTick: a.onTick(id),
		OnDown: func(brokerID string) {
			a.metrics.RecordUpstreamFailure(brokerID)
			a.gw.NotifyBrokerDown(brokerID)
		},
		OnReconnect: a.metrics.RecordUpstreamReconnect,
		OnConnCount: func(brokerID string, n int) {
			a.metrics.PoolConnections.WithLabelValues(brokerID).Set(float64(n))
		},
		Workers: a.workers,
		Logger:  a.log,
	})
}

func (a *App) onTick(brokerID string) broker.TickHandler {
	return func(tick *types.Tick) {
		a.cache.Update(tick)
		a.metrics.RecordUpstreamTick(brokerID)
		if !a.bus.Publish(tick) {
			a.metrics.BusDropped.Inc()
		}
	}
}

// Start launches the dispatcher and both servers. Server errors surface
// on Errs.
func (a *App) Start() {
	a.dispatcher.Start()

	go func() {
		if err := a.gw.Start(); err != nil {
			a.errs <- err
		}
	}()
	go func() {
		if err := a.ops.Start(); err != nil {
			a.errs <- err
		}
	}()
	go a.cacheJanitor()

	a.log.Info("service started",
		zap.Int("gateway_port", a.cfg.Gateway.Port),
		zap.Int("ops_port", a.cfg.Ops.Port),
		zap.Int("brokers", len(a.cfg.Brokers.Configured)))
}

// Errs surfaces fatal server errors.
func (a *App) Errs() <-chan error { return a.errs }

// cacheJanitor evicts ticks for keys that stopped updating.
func (a *App) cacheJanitor() {
	stale := a.cfg.Cache.StaleAfter
	if stale <= 0 {
		return
	}
	ticker := time.NewTicker(stale / 2)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.cache.Cleanup(stale)
		}
	}
}

// Shutdown tears the service down: stop accepting clients, drain the
// pipeline, close upstreams, flush usage.
func (a *App) Shutdown(ctx context.Context) {
	a.cancel()

	if err := a.gw.Shutdown(ctx); err != nil {
		a.log.Error("gateway shutdown error", zap.Error(err))
	}
	if err := a.ops.Shutdown(); err != nil {
		a.log.Error("ops server shutdown error", zap.Error(err))
	}

	a.dispatcher.Stop()
	a.pools.StopAll()
	a.usage.Stop()
	a.workers.Release()
}
