// Package gateway terminates client WebSocket connections. It
// authenticates each connection, parses subscribe/unsubscribe commands,
// drives the subscription index and the broker pools, and owns every
// client session's lifecycle.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tickrelay/internal/cache"
	"tickrelay/internal/config"
	"tickrelay/internal/dispatch"
	"tickrelay/internal/metrics"
	"tickrelay/internal/models"
	"tickrelay/internal/pool"
	"tickrelay/internal/ratelimit"
	"tickrelay/internal/session"
	"tickrelay/internal/subindex"
	"tickrelay/internal/usage"
	"tickrelay/pkg/types"
)

// Authenticator validates an API key. Implemented by the auth service;
// stubbed in tests.
type Authenticator interface {
	Authenticate(ctx context.Context, apiKey string) (*models.AuthContext, error)
}

// Gateway is the client-facing WebSocket server.
type Gateway struct {
	cfg        config.GatewayConfig
	auth       Authenticator
	index      *subindex.Index
	pools      *pool.Registry
	sessions   *session.Registry
	dispatcher *dispatch.Dispatcher
	cache      *cache.Layer
	limiter    *ratelimit.Limiter
	usage      *usage.Collector // may be nil
	metrics    *metrics.Metrics // may be nil
	log        *zap.Logger

	queueSize     int
	warnOnDrop    bool
	zombieTimeout time.Duration

	keyMu *keyedMutex

	server   *http.Server
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options wires the gateway's collaborators.
type Options struct {
	Config         config.GatewayConfig
	Session        config.SessionConfig
	Auth           Authenticator
	Index          *subindex.Index
	Pools          *pool.Registry
	Sessions       *session.Registry
	Dispatcher     *dispatch.Dispatcher
	Cache          *cache.Layer
	Limiter        *ratelimit.Limiter
	Usage          *usage.Collector
	Metrics        *metrics.Metrics
	MetricsHandler http.Handler // mounted at /metrics when non-nil
	Logger         *zap.Logger
}

// New creates the gateway.
func New(opts Options) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	g := &Gateway{
		cfg:           opts.Config,
		auth:          opts.Auth,
		index:         opts.Index,
		pools:         opts.Pools,
		sessions:      opts.Sessions,
		dispatcher:    opts.Dispatcher,
		cache:         opts.Cache,
		limiter:       opts.Limiter,
		usage:         opts.Usage,
		metrics:       opts.Metrics,
		log:           opts.Logger,
		queueSize:     opts.Session.QueueSize,
		warnOnDrop:    opts.Session.WarnOnDrop,
		zombieTimeout: opts.Session.ZombieTimeout,
		keyMu:         newKeyedMutex(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleWS)
	if opts.MetricsHandler != nil {
		mux.Handle("/metrics", opts.MetricsHandler)
	}
	g.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", opts.Config.Host, opts.Config.Port),
		Handler: mux,
	}

	return g
}

// Start begins serving. It blocks until shutdown, mirroring
// http.Server.ListenAndServe.
func (g *Gateway) Start() error {
	if g.zombieTimeout > 0 {
		g.wg.Add(1)
		go g.zombieLoop()
	}

	g.log.Info("gateway listening", zap.String("addr", g.server.Addr))
	err := g.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown closes the listener, then every live session. The gateway
// context stays alive until the disconnects finish so the final
// upstream unsubscribes still go out.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	for _, sess := range g.sessions.All() {
		g.HandleDisconnect(sess, "shutdown")
	}
	g.cancel()
	g.wg.Wait()
	return err
}

// handleWS upgrades the connection and runs its read loop. Every
// connection must authenticate before anything else.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := &client{gw: g, conn: conn}
	c.run()
}

// authenticate resolves the first frame of a connection into a session.
func (g *Gateway) authenticate(ctx context.Context, apiKey string) (*models.AuthContext, error) {
	authCtx, err := g.auth.Authenticate(ctx, apiKey)
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordAuthFailure(authFailureReason(err))
		}
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.RecordAuthSuccess()
	}
	return authCtx, nil
}

// newSession registers a fresh session for an authenticated identity,
// enforcing the plan's concurrent-session ceiling.
func (g *Gateway) newSession(authCtx *models.AuthContext) (*session.Session, error) {
	keyID := limiterKey(authCtx)
	if !g.limiter.AcquireSession(keyID, authCtx.MaxSessions) {
		return nil, errSessionLimit
	}

	sess := session.New(newSessionID(), authCtx, g.queueSize, g.warnOnDrop)
	if g.metrics != nil {
		sess.OnDrop(g.metrics.FramesDropped.Inc)
	}
	g.sessions.Add(sess)

	if g.metrics != nil {
		g.metrics.ActiveSessions.Inc()
	}
	if g.usage != nil {
		g.usage.RecordSessions(authCtx.UserID, authCtx.APIKeyID,
			int32(g.limiter.ActiveSessions(keyID)))
	}
	g.log.Info("session opened",
		zap.String("session", sess.ID),
		zap.Int64("user", authCtx.UserID),
		zap.String("broker", authCtx.Broker))
	return sess, nil
}

// HandleDisconnect tears down all state owned by a session: its index
// entries, the upstream subscriptions it was the last holder of, its
// throttle ledger and its limiter slot. Concurrent calls are safe;
// only the call that wins the close runs the teardown.
func (g *Gateway) HandleDisconnect(sess *session.Session, reason string) {
	if !sess.Close() {
		return
	}
	g.sessions.Remove(sess.ID)

	orphaned := g.index.RemoveClient(sess.ID)
	g.unsubscribeUpstream(sess.Auth.Broker, orphaned)

	g.dispatcher.DropClient(sess.ID)
	g.limiter.ReleaseSession(limiterKey(sess.Auth))

	if g.metrics != nil {
		g.metrics.ActiveSessions.Dec()
		g.metrics.SessionsDropped.WithLabelValues(reason).Inc()
		g.metrics.ActiveKeys.Set(float64(g.index.GetStats().ActiveKeys))
	}
	if g.usage != nil && sess.Dropped() > 0 {
		g.usage.RecordDrops(sess.Auth.UserID, sess.Auth.APIKeyID, sess.Dropped())
	}

	g.log.Info("session closed",
		zap.String("session", sess.ID),
		zap.String("reason", reason),
		zap.Int("orphaned_keys", len(orphaned)))
}

func (g *Gateway) unsubscribeUpstream(brokerID string, keys []types.CanonicalKey) {
	if len(keys) == 0 {
		return
	}
	p, ok := g.pools.Get(brokerID)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
	defer cancel()
	for _, key := range keys {
		unlock := g.keyMu.Lock(key)
		if g.index.Refcount(key) > 0 {
			// A new holder arrived since the refcount hit zero; the
			// upstream subscription stays where it is.
			unlock()
			continue
		}
		err := p.Unsubscribe(ctx, key)
		unlock()
		if err != nil {
			g.log.Warn("upstream unsubscribe failed",
				zap.String("key", key.String()), zap.Error(err))
		}
	}
}

// NotifyBrokerDown pushes a broker_status event to every session bound
// to the failed broker.
func (g *Gateway) NotifyBrokerDown(brokerID string) {
	event := types.Event{
		Type:   types.EventBrokerStatus,
		Broker: brokerID,
		Status: "unavailable",
	}
	for _, sess := range g.sessions.All() {
		if sess.Auth.Broker == brokerID {
			sess.Enqueue(event)
		}
	}
}

// zombieLoop sweeps idle sessions that stopped answering pings.
func (g *Gateway) zombieLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(g.zombieTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range g.sessions.CleanupZombies(g.zombieTimeout) {
				g.log.Warn("reaped zombie session", zap.String("session", sess.ID))
				g.HandleDisconnect(sess, "zombie")
			}
		}
	}
}

func limiterKey(authCtx *models.AuthContext) string {
	return fmt.Sprintf("key-%d", authCtx.APIKeyID)
}

func newSessionID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}
