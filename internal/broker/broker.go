// Package broker defines the adapter interface every broker integration
// implements, and the registry through which adapters are discovered by
// broker id. One adapter instance owns exactly one physical upstream
// socket; pooling of adapters is the pool package's job.
package broker

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tickrelay/internal/config"
	"tickrelay/pkg/types"
)

// TickHandler receives normalized ticks from an adapter. Adapters must
// never deliver malformed or partially filled ticks; frames that fail to
// normalize are dropped and logged inside the adapter.
type TickHandler func(tick *types.Tick)

// SymbolResult reports the outcome of one symbol within a subscribe
// batch. A batch with invalid symbols still succeeds for the rest.
type SymbolResult struct {
	Key types.CanonicalKey
	Err error
}

// Adapter is one broker's wire protocol behind a fixed surface. All
// methods except OnTick and Done may block on network I/O and honor ctx.
//
// OnTick must be called exactly once, before Connect. Done is closed
// when the physical connection dies for any reason; it is how the owning
// pool connection observes failure without polling.
type Adapter interface {
	Connect(ctx context.Context) error
	Close() error
	SubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) ([]SymbolResult, error)
	UnsubscribeSymbols(ctx context.Context, keys []types.CanonicalKey) error
	OnTick(fn TickHandler)
	Done() <-chan struct{}
}

// Sentinel errors shared by all adapters.
var (
	ErrSymbolNotFound = errors.New("symbol not known to broker")
	ErrNotConnected   = errors.New("adapter is not connected")
	ErrUnavailable    = errors.New("broker unavailable")
)

// Factory builds a fresh adapter, one per physical connection.
type Factory func(cfg config.BrokerConfig, log *zap.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes an adapter implementation available under name.
// Typically called from an implementation package's init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New instantiates the adapter registered under cfg.Adapter.
func New(cfg config.BrokerConfig, log *zap.Logger) (Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Adapter]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.Errorf("unknown broker adapter %q", cfg.Adapter)
	}
	return factory(cfg, log)
}
