package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/zap"

	"tickrelay/internal/auth"
	"tickrelay/internal/pool"
	"tickrelay/internal/session"
	"tickrelay/pkg/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errSessionLimit = errors.New("session limit exceeded for this API key")

const authDeadline = 10 * time.Second

// client pairs one WebSocket connection with its session. The read loop
// runs on the HTTP handler goroutine; writePump is the only goroutine
// that writes to the socket.
type client struct {
	gw   *Gateway
	conn *websocket.Conn
	sess *session.Session
}

func (c *client) run() {
	defer c.conn.Close()

	if !c.handshake() {
		return
	}

	go c.writePump()
	c.readLoop()
	c.gw.HandleDisconnect(c.sess, "disconnect")
}

// handshake waits for the authenticate frame. Nothing else is accepted
// on a fresh connection.
func (c *client) handshake() bool {
	g := c.gw

	c.conn.SetReadLimit(g.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(authDeadline))

	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}

	var req types.Request
	if err := json.Unmarshal(data, &req); err != nil {
		c.writeDirect(types.ErrorAck("malformed message"))
		return false
	}
	if req.Action != types.ActionAuthenticate {
		c.writeDirect(types.ErrorAck("authentication required"))
		return false
	}
	if req.APIKey == "" {
		c.writeDirect(types.ErrorAck(auth.ErrMissingAPIKey.Error()))
		return false
	}

	ctx, cancel := context.WithTimeout(g.ctx, authDeadline)
	defer cancel()
	authCtx, err := g.authenticate(ctx, req.APIKey)
	if err != nil {
		c.writeDirect(types.ErrorAck(authMessage(err)))
		return false
	}

	sess, err := g.newSession(authCtx)
	if err != nil {
		c.writeDirect(types.ErrorAck(err.Error()))
		return false
	}
	c.sess = sess

	c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.sess.Touch()
		c.conn.SetReadDeadline(time.Now().Add(g.cfg.PongTimeout))
		return nil
	})

	c.writeDirect(types.Ack{Status: types.StatusAuthenticated})
	return true
}

func (c *client) readLoop() {
	g := c.gw

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.sess.Touch()

		var req types.Request
		if err := json.Unmarshal(data, &req); err != nil {
			if g.metrics != nil {
				g.metrics.MalformedTotal.Inc()
			}
			c.sess.Enqueue(types.ErrorAck("malformed message"))
			continue
		}

		if g.metrics != nil {
			g.metrics.RecordCommand(req.Action)
		}
		if !g.limiter.Allow(limiterKey(c.sess.Auth), c.sess.Auth.MaxRPS) {
			c.sess.Enqueue(types.ErrorAck("rate limit exceeded"))
			continue
		}

		switch req.Action {
		case types.ActionSubscribe:
			c.sess.Enqueue(g.HandleSubscribe(c.sess, req.Symbols, req.Mode))
		case types.ActionUnsubscribe:
			c.sess.Enqueue(g.HandleUnsubscribe(c.sess, req.Symbols, req.Mode))
		case types.ActionAuthenticate:
			c.sess.Enqueue(types.ErrorAck("already authenticated"))
		default:
			if g.metrics != nil {
				g.metrics.MalformedTotal.Inc()
			}
			c.sess.Enqueue(types.ErrorAck("unknown action: " + req.Action))
		}
	}
}

// writePump drains the session queue onto the socket and keeps the
// connection alive with pings.
func (c *client) writePump() {
	g := c.gw

	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	var sent int64
	defer func() {
		if g.usage != nil && sent > 0 {
			g.usage.RecordMessages(c.sess.Auth.UserID, c.sess.Auth.APIKeyID, sent)
		}
	}()

	for {
		select {
		case frame, ok := <-c.sess.Send():
			if !ok {
				return
			}
			if err := c.write(frame); err != nil {
				return
			}
			sent++
		case <-c.sess.Done():
			c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(g.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// write encodes a frame through a pooled buffer and sends it.
func (c *client) write(frame interface{}) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(frame); err != nil {
		c.gw.log.Error("frame encode failed", zap.Error(err))
		return nil
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// writeDirect is for the handshake phase, before writePump exists.
func (c *client) writeDirect(frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.gw.cfg.WriteTimeout))
	c.conn.WriteMessage(websocket.TextMessage, data)
}

// HandleSubscribe registers interest for each symbol and opens upstream
// subscriptions for keys nobody held before. Per-symbol failures roll
// back that key only; the rest of the batch proceeds.
func (g *Gateway) HandleSubscribe(sess *session.Session, refs []types.SymbolRef, mode types.Mode) types.Ack {
	if mode == "" {
		mode = types.ModeLTP
	}
	if !mode.Valid() {
		return types.ErrorAck("invalid mode: " + string(mode))
	}
	if len(refs) == 0 {
		return types.ErrorAck("no symbols given")
	}

	maxSubs := sess.Auth.MaxSubscriptions
	ack := types.Ack{Status: types.StatusSubscribed}

	for _, ref := range refs {
		if ref.Symbol == "" || ref.Exchange == "" {
			ack.Errors = append(ack.Errors, types.SymbolError{
				Symbol: ref.Symbol, Exchange: ref.Exchange,
				Message: "symbol and exchange are required",
			})
			continue
		}
		if maxSubs > 0 && len(g.index.KeysOf(sess.ID)) >= maxSubs {
			ack.Errors = append(ack.Errors, types.SymbolError{
				Symbol: ref.Symbol, Exchange: ref.Exchange,
				Message: "plan subscription limit reached",
			})
			continue
		}

		// The key's lock is held across the index update and the pool
		// call so the refcount never outlives the upstream subscription:
		// a concurrent subscriber waits here, and if this one rolls back
		// it becomes the first holder and subscribes itself.
		key := ref.Key(mode)
		unlock := g.keyMu.Lock(key)
		if !g.index.AddInterest(key, sess.ID) {
			// Shared or repeated key; upstream is already live.
			unlock()
			ack.Count++
			g.replay(sess, key)
			continue
		}

		if err := g.subscribeUpstream(sess.Auth.Broker, key); err != nil {
			g.index.RemoveInterest(key, sess.ID)
			unlock()
			ack.Errors = append(ack.Errors, types.SymbolError{
				Symbol: ref.Symbol, Exchange: ref.Exchange,
				Message: subscribeMessage(err),
			})
			if g.metrics != nil {
				g.metrics.SymbolErrors.Inc()
				if errors.Is(err, pool.ErrCapacityExceeded) {
					g.metrics.CapacityFails.Inc()
				}
			}
			continue
		}
		unlock()

		ack.Count++
		g.replay(sess, key)
		if g.metrics != nil {
			g.metrics.RecordSubscribe("subscribe", ref.Exchange)
		}
	}

	if g.metrics != nil {
		g.metrics.ActiveKeys.Set(float64(g.index.GetStats().ActiveKeys))
	}
	return ack
}

// HandleUnsubscribe drops interest and closes upstream subscriptions
// for keys whose last holder just left. Unknown keys are a no-op.
func (g *Gateway) HandleUnsubscribe(sess *session.Session, refs []types.SymbolRef, mode types.Mode) types.Ack {
	if mode == "" {
		mode = types.ModeLTP
	}
	if !mode.Valid() {
		return types.ErrorAck("invalid mode: " + string(mode))
	}
	if len(refs) == 0 {
		return types.ErrorAck("no symbols given")
	}

	ack := types.Ack{Status: types.StatusUnsubscribed}
	for _, ref := range refs {
		if ref.Symbol == "" || ref.Exchange == "" {
			continue
		}
		key := ref.Key(mode)
		if g.index.RemoveInterest(key, sess.ID) {
			g.unsubscribeUpstream(sess.Auth.Broker, []types.CanonicalKey{key})
		}
		ack.Count++
		if g.metrics != nil {
			g.metrics.RecordSubscribe("unsubscribe", ref.Exchange)
		}
	}

	if g.metrics != nil {
		g.metrics.ActiveKeys.Set(float64(g.index.GetStats().ActiveKeys))
	}
	return ack
}

func (g *Gateway) subscribeUpstream(brokerID string, key types.CanonicalKey) error {
	p, ok := g.pools.Get(brokerID)
	if !ok {
		return pool.ErrBrokerUnavailable
	}
	ctx, cancel := context.WithTimeout(g.ctx, 5*time.Second)
	defer cancel()
	return p.Subscribe(ctx, key)
}

// replay pushes the cached last tick so a fresh subscriber gets a value
// without waiting for the next upstream update.
func (g *Gateway) replay(sess *session.Session, key types.CanonicalKey) {
	if g.cache == nil {
		return
	}
	if tick, ok := g.cache.Last(key); ok {
		sess.Enqueue(tick.Frame())
	}
}

func subscribeMessage(err error) string {
	switch {
	case errors.Is(err, pool.ErrCapacityExceeded):
		return "subscription limit exceeded for broker"
	case errors.Is(err, pool.ErrBrokerUnavailable):
		return "broker temporarily unavailable"
	default:
		return err.Error()
	}
}

func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingAPIKey),
		errors.Is(err, auth.ErrInvalidAPIKey),
		errors.Is(err, auth.ErrExpiredAPIKey),
		errors.Is(err, auth.ErrRevokedAPIKey),
		errors.Is(err, auth.ErrSuspendedUser):
		return err.Error()
	default:
		return "authentication failed"
	}
}

func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingAPIKey):
		return "missing_key"
	case errors.Is(err, auth.ErrInvalidAPIKey):
		return "invalid_key"
	case errors.Is(err, auth.ErrExpiredAPIKey):
		return "expired_key"
	case errors.Is(err, auth.ErrRevokedAPIKey):
		return "revoked_key"
	case errors.Is(err, auth.ErrSuspendedUser):
		return "suspended_user"
	default:
		return "internal"
	}
}
