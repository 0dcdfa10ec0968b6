package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"tickrelay/internal/config"
	"tickrelay/pkg/types"
)

// Sim is an in-memory adapter used in development and tests. It accepts
// every symbol unless a known-symbol universe is set, records subscribe
// traffic, and emits ticks on demand.
type Sim struct {
	mu        sync.Mutex
	known     map[types.SymbolRef]struct{} // nil means every symbol exists
	active    map[types.CanonicalKey]struct{}
	onTick    TickHandler
	done      chan struct{}
	closed    bool
	connected bool

	// Call counters observed by tests.
	SubscribeBatches   [][]types.CanonicalKey
	UnsubscribeBatches [][]types.CanonicalKey
}

func init() {
	Register("sim", func(cfg config.BrokerConfig, log *zap.Logger) (Adapter, error) {
		return NewSim(), nil
	})
}

// NewSim creates a simulated adapter.
func NewSim() *Sim {
	return &Sim{
		active: make(map[types.CanonicalKey]struct{}),
		done:   make(chan struct{}),
	}
}

// SetKnownSymbols restricts the accepted universe; refs outside it fail
// per-symbol with ErrSymbolNotFound.
func (s *Sim) SetKnownSymbols(refs ...types.SymbolRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[types.SymbolRef]struct{}, len(refs))
	for _, r := range refs {
		s.known[r] = struct{}{}
	}
}

func (s *Sim) OnTick(fn TickHandler) { s.onTick = fn }

func (s *Sim) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrUnavailable
	}
	s.connected = true
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.connected = false
		close(s.done)
	}
	return nil
}

func (s *Sim) Done() <-chan struct{} { return s.done }

// Drop simulates the physical socket dying.
func (s *Sim) Drop() { s.Close() }

func (s *Sim) SubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) ([]SymbolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, ErrNotConnected
	}

	batch := make([]types.CanonicalKey, len(keys))
	copy(batch, keys)
	s.SubscribeBatches = append(s.SubscribeBatches, batch)

	results := make([]SymbolResult, 0, len(keys))
	for _, key := range keys {
		res := SymbolResult{Key: key}
		ref := types.SymbolRef{Symbol: key.Symbol, Exchange: key.Exchange}
		if s.known != nil {
			if _, ok := s.known[ref]; !ok {
				res.Err = ErrSymbolNotFound
				results = append(results, res)
				continue
			}
		}
		s.active[key] = struct{}{}
		results = append(results, res)
	}
	return results, nil
}

func (s *Sim) UnsubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrNotConnected
	}

	batch := make([]types.CanonicalKey, len(keys))
	copy(batch, keys)
	s.UnsubscribeBatches = append(s.UnsubscribeBatches, batch)

	for _, key := range keys {
		delete(s.active, key)
	}
	return nil
}

// ActiveKeys returns the keys currently subscribed on this adapter.
func (s *Sim) ActiveKeys() []types.CanonicalKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.CanonicalKey, 0, len(s.active))
	for key := range s.active {
		out = append(out, key)
	}
	return out
}

// Emit delivers a tick through the registered handler, stamping arrival
// time when unset.
func (s *Sim) Emit(tick *types.Tick) {
	if tick.Timestamp.IsZero() {
		tick.Timestamp = time.Now()
	}
	if s.onTick != nil {
		s.onTick(tick)
	}
}
