package api

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
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

func newTestServer() *Server {
	return NewServer(
		config.OpsConfig{Host: "127.0.0.1", Port: 0},
		subindex.New(),
		pool.NewRegistry(),
		bus.New(2, 16),
		session.NewRegistry(),
		cache.NewLayer(4),
		ratelimit.NewLimiter(&ratelimit.Config{DefaultRPS: 10, BurstMultiplier: 2}),
		zap.NewNop(),
	)
}

func TestHealth(t *testing.T) {
	s := newTestServer()

	resp, err := s.app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.Equal(t, "ok", payload["status"])
}

func TestStatsShape(t *testing.T) {
	s := newTestServer()
	s.index.AddInterest(types.CanonicalKey{Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeLTP}, "c1")

	resp, err := s.app.Test(httptest.NewRequest("GET", "/stats", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &payload))

	subs, ok := payload["subscriptions"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(1), subs["active_keys"])
	assert.Contains(t, payload, "bus")
	assert.Contains(t, payload, "pools")
	assert.Contains(t, payload, "sessions")
}

func TestLastRequiresKey(t *testing.T) {
	s := newTestServer()

	resp, err := s.app.Test(httptest.NewRequest("GET", "/v1/last", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestLastNotFound(t *testing.T) {
	s := newTestServer()

	resp, err := s.app.Test(httptest.NewRequest("GET", "/v1/last?symbol=SBIN&exchange=NSE", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestLastReturnsCachedFrame(t *testing.T) {
	s := newTestServer()
	s.cache.Update(&types.Tick{
		Symbol: "SBIN", Exchange: "NSE", Mode: types.ModeLTP,
		LTP: 601.5, Timestamp: time.Now(),
	})

	resp, err := s.app.Test(httptest.NewRequest("GET", "/v1/last?symbol=SBIN&exchange=NSE&mode=LTP", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	var frame types.LTPFrame
	require.NoError(t, json.Unmarshal(body, &frame))
	assert.Equal(t, 601.5, frame.LTP)
}

func TestRecentBadMode(t *testing.T) {
	s := newTestServer()

	resp, err := s.app.Test(httptest.NewRequest("GET", "/v1/recent?symbol=SBIN&exchange=NSE&mode=FULL", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}
