// Package api exposes the operational HTTP surface: health, service
// statistics and recent-tick lookups for debugging.
package api

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"tickrelay/internal/bus"
	"tickrelay/internal/cache"
	"tickrelay/internal/config"
	"tickrelay/internal/pool"
	"tickrelay/internal/ratelimit"
	"tickrelay/internal/session"
	"tickrelay/internal/subindex"
	"tickrelay/pkg/types"
)

// Server is the ops HTTP server.
type Server struct {
	app      *fiber.App
	cfg      config.OpsConfig
	index    *subindex.Index
	pools    *pool.Registry
	bus      *bus.Bus
	sessions *session.Registry
	cache    *cache.Layer
	limiter  *ratelimit.Limiter
	logger   *zap.Logger
	started  time.Time
}

// NewServer creates the ops server.
func NewServer(
	cfg config.OpsConfig,
	index *subindex.Index,
	pools *pool.Registry,
	tickBus *bus.Bus,
	sessions *session.Registry,
	cacheLyr *cache.Layer,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		AppName:      "tickrelay ops",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	})

	s := &Server{
		app:      app,
		cfg:      cfg,
		index:    index,
		pools:    pools,
		bus:      tickBus,
		sessions: sessions,
		cache:    cacheLyr,
		limiter:  limiter,
		logger:   logger,
		started:  time.Now(),
	}

	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/health", s.handleHealth)
	app.Get("/stats", s.handleStats)

	v1 := app.Group("/v1")
	v1.Get("/last", s.handleLast)
	v1.Get("/recent", s.handleRecent)

	return s
}

// Start begins serving. It blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.logger.Info("ops server listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status": "ok",
		"uptime": time.Since(s.started).String(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStats(c *fiber.Ctx) error {
	indexStats := s.index.GetStats()
	busStats := s.bus.GetStats()
	cacheStats := s.cache.GetStats()
	limiterStats := s.limiter.GetStats()

	poolStats := make([]fiber.Map, 0)
	for _, ps := range s.pools.StatsAll() {
		poolStats = append(poolStats, fiber.Map{
			"broker":      ps.Broker,
			"connections": ps.Connections,
			"active_keys": ps.ActiveKeys,
			"reconnects":  ps.TotalReconnects,
		})
	}

	return c.JSON(fiber.Map{
		"subscriptions": fiber.Map{
			"active_keys":    indexStats.ActiveKeys,
			"active_clients": indexStats.ActiveClients,
			"total_interest": indexStats.TotalInterest,
		},
		"sessions": fiber.Map{
			"active": s.sessions.Count(),
		},
		"bus": fiber.Map{
			"shards":    busStats.Shards,
			"published": busStats.Published,
			"dropped":   busStats.Dropped,
		},
		"pools": poolStats,
		"cache": fiber.Map{
			"cached_keys": cacheStats.CachedKeys,
		},
		"ratelimit": fiber.Map{
			"total_keys":     limiterStats.TotalKeys,
			"total_sessions": limiterStats.TotalSessions,
		},
	})
}

// handleLast returns the cached last tick for one key.
func (s *Server) handleLast(c *fiber.Ctx) error {
	key, err := queryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	tick, ok := s.cache.Last(key)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no tick cached for key",
		})
	}
	return c.JSON(tick.Frame())
}

// handleRecent returns the most recent cached ticks for one key.
func (s *Server) handleRecent(c *fiber.Ctx) error {
	key, err := queryKey(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	count := c.QueryInt("count", 20)
	if count > 100 {
		count = 100
	}

	ticks := s.cache.Recent(key, count)
	frames := make([]interface{}, 0, len(ticks))
	for _, t := range ticks {
		frames = append(frames, t.Frame())
	}
	return c.JSON(fiber.Map{
		"key":   key.String(),
		"ticks": frames,
	})
}

func queryKey(c *fiber.Ctx) (types.CanonicalKey, error) {
	symbol := c.Query("symbol")
	exchange := c.Query("exchange")
	if symbol == "" || exchange == "" {
		return types.CanonicalKey{}, fmt.Errorf("symbol and exchange are required")
	}
	mode := types.Mode(c.Query("mode", string(types.ModeLTP)))
	if !mode.Valid() {
		return types.CanonicalKey{}, fmt.Errorf("invalid mode: %s", mode)
	}
	return types.CanonicalKey{Symbol: symbol, Exchange: exchange, Mode: mode}, nil
}
