package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"tickrelay/internal/config"
	"tickrelay/pkg/types"
)

// wsFeed is a generic JSON-over-WebSocket adapter for brokers that speak
// the common feed protocol: op-tagged frames, id-correlated acks, tick
// pushes. Broker-specific dialects get their own adapter package; this
// one covers the brokers bridged through a feed translator.
type wsFeed struct {
	cfg  config.BrokerConfig
	log  *zap.Logger
	conn *websocket.Conn

	onTick TickHandler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex
	pendMu  sync.Mutex
	pending map[int64]chan []types.SymbolError
	nextID  atomic.Int64
}

func init() {
	Register("wsfeed", func(cfg config.BrokerConfig, log *zap.Logger) (Adapter, error) {
		if cfg.Endpoint == "" {
			return nil, errors.New("wsfeed: endpoint is required")
		}
		return &wsFeed{
			cfg:     cfg,
			log:     log.With(zap.String("adapter", "wsfeed")),
			done:    make(chan struct{}),
			pending: make(map[int64]chan []types.SymbolError),
		}, nil
	})
}

// wsRequest is an outbound frame to the upstream feed.
type wsRequest struct {
	Op      string            `json:"op"`
	ID      int64             `json:"id,omitempty"`
	Token   string            `json:"token,omitempty"`
	Symbols []types.SymbolRef `json:"symbols,omitempty"`
	Mode    types.Mode        `json:"mode,omitempty"`
}

// wsFrame is any inbound frame: a correlated ack or a tick push.
type wsFrame struct {
	Op     string              `json:"op"`
	ID     int64               `json:"id,omitempty"`
	Errors []types.SymbolError `json:"errors,omitempty"`

	Symbol    string       `json:"symbol,omitempty"`
	Exchange  string       `json:"exchange,omitempty"`
	Mode      types.Mode   `json:"mode,omitempty"`
	LTP       float64      `json:"ltp,omitempty"`
	Quote     *types.Quote `json:"quote,omitempty"`
	Depth     *types.Depth `json:"depth,omitempty"`
	Timestamp int64        `json:"timestamp,omitempty"`
}

func (a *wsFeed) OnTick(fn TickHandler) {
	a.onTick = fn
}

func (a *wsFeed) Connect(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, a.cfg.Endpoint, nil)
	if err != nil {
		return errors.Wrap(err, "wsfeed: dial")
	}
	conn.SetReadLimit(1 << 20)
	a.conn = conn
	a.ctx, a.cancel = context.WithCancel(context.Background())

	if a.cfg.Token != "" {
		if err := a.write(ctx, wsRequest{Op: "auth", Token: a.cfg.Token}); err != nil {
			conn.Close(websocket.StatusInternalError, "auth write failed")
			return errors.Wrap(err, "wsfeed: auth")
		}
	}

	go a.readLoop()
	return nil
}

func (a *wsFeed) Close() error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.conn != nil {
		return a.conn.Close(websocket.StatusNormalClosure, "shutdown")
	}
	return nil
}

func (a *wsFeed) Done() <-chan struct{} {
	return a.done
}

func (a *wsFeed) SubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) ([]SymbolResult, error) {
	if a.conn == nil {
		return nil, ErrNotConnected
	}

	results := make([]SymbolResult, 0, len(keys))
	for mode, refs := range groupByMode(keys) {
		errsBySymbol, err := a.request(ctx, "subscribe", refs, mode)
		if err != nil {
			return nil, err
		}
		for _, ref := range refs {
			res := SymbolResult{Key: ref.Key(mode)}
			if msg, bad := errsBySymbol[ref]; bad {
				res.Err = errors.Wrap(ErrSymbolNotFound, msg)
			}
			results = append(results, res)
		}
	}
	return results, nil
}

func (a *wsFeed) UnsubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) error {
	if a.conn == nil {
		return ErrNotConnected
	}
	for mode, refs := range groupByMode(keys) {
		if _, err := a.request(ctx, "unsubscribe", refs, mode); err != nil {
			return err
		}
	}
	return nil
}

// request writes an id-correlated frame and waits for its ack. The
// returned map holds the per-symbol failure messages, if any.
func (a *wsFeed) request(ctx context.Context, op string, refs []types.SymbolRef, mode types.Mode) (map[types.SymbolRef]string, error) {
	id := a.nextID.Add(1)
	ack := make(chan []types.SymbolError, 1)

	a.pendMu.Lock()
	a.pending[id] = ack
	a.pendMu.Unlock()
	defer func() {
		a.pendMu.Lock()
		delete(a.pending, id)
		a.pendMu.Unlock()
	}()

	req := wsRequest{Op: op, ID: id, Symbols: refs, Mode: mode}
	if err := a.write(ctx, req); err != nil {
		return nil, errors.Wrapf(err, "wsfeed: %s write", op)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.done:
		return nil, ErrNotConnected
	case symErrs := <-ack:
		out := make(map[types.SymbolRef]string, len(symErrs))
		for _, se := range symErrs {
			out[types.SymbolRef{Symbol: se.Symbol, Exchange: se.Exchange}] = se.Message
		}
		return out, nil
	}
}

func (a *wsFeed) write(ctx context.Context, req wsRequest) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return wsjson.Write(ctx, a.conn, req)
}

// readLoop consumes inbound frames until the socket dies, then closes
// done so the owning pool connection can start its reconnect cycle.
func (a *wsFeed) readLoop() {
	defer close(a.done)

	for {
		var frame wsFrame
		if err := wsjson.Read(a.ctx, a.conn, &frame); err != nil {
			if a.ctx.Err() == nil {
				a.log.Warn("upstream read failed", zap.Error(err))
			}
			return
		}

		switch frame.Op {
		case "ack":
			a.pendMu.Lock()
			ch, ok := a.pending[frame.ID]
			a.pendMu.Unlock()
			if ok {
				ch <- frame.Errors
			}
		case "tick":
			a.handleTick(&frame)
		default:
			a.log.Debug("dropping unknown frame", zap.String("op", frame.Op))
		}
	}
}

func (a *wsFeed) handleTick(frame *wsFrame) {
	if frame.Symbol == "" || frame.Exchange == "" || !frame.Mode.Valid() {
		// Malformed frames never reach clients.
		a.log.Warn("dropping malformed tick",
			zap.String("symbol", frame.Symbol),
			zap.String("exchange", frame.Exchange),
			zap.String("mode", string(frame.Mode)))
		return
	}

	tick := &types.Tick{
		Symbol:   frame.Symbol,
		Exchange: frame.Exchange,
		Mode:     frame.Mode,
		LTP:      frame.LTP,
		Quote:    frame.Quote,
		Depth:    frame.Depth,
	}
	if frame.Timestamp > 0 {
		tick.Timestamp = time.UnixMilli(frame.Timestamp)
	} else {
		tick.Timestamp = time.Now()
	}
	tick.Truncate()

	if a.onTick != nil {
		a.onTick(tick)
	}
}

func groupByMode(keys []types.CanonicalKey) map[types.Mode][]types.SymbolRef {
	groups := make(map[types.Mode][]types.SymbolRef)
	for _, key := range keys {
		groups[key.Mode] = append(groups[key.Mode], types.SymbolRef{Symbol: key.Symbol, Exchange: key.Exchange})
	}
	return groups
}
