// Package bus decouples broker adapters from the dispatcher. Adapters
// publish normalized ticks; the dispatcher consumes them from a fixed
// set of shards. Publishing never blocks: when a shard's buffer is full
// the tick is dropped and counted, which keeps a stalled consumer from
// backing up into the broker read loops. Ticks for one key always land
// on the same shard, so per-key order survives end to end.
package bus

import (
	"hash/fnv"
	"sync/atomic"

	"github.com/olebedev/emitter"

	"tickrelay/pkg/types"
)

// Bus is the in-process tick transport.
type Bus struct {
	shards    []chan *types.Tick
	emitter   *emitter.Emitter
	published atomic.Int64
	dropped   atomic.Int64
}

// New creates a bus with shardCount shards of bufferSize capacity each.
func New(shardCount, bufferSize int) *Bus {
	if shardCount <= 0 {
		shardCount = 1
	}
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	shards := make([]chan *types.Tick, shardCount)
	for i := range shards {
		shards[i] = make(chan *types.Tick, bufferSize)
	}
	return &Bus{
		shards:  shards,
		emitter: emitter.New(uint(bufferSize)),
	}
}

// Publish routes the tick to its key's shard without ever blocking. A
// full shard drops the tick and Publish reports false; a fresher one
// follows.
func (b *Bus) Publish(tick *types.Tick) bool {
	shard := b.shards[b.shardFor(tick.Key())]
	ok := true
	select {
	case shard <- tick:
		b.published.Add(1)
	default:
		b.dropped.Add(1)
		ok = false
	}

	// Observer taps (stats, recorders). Never on the delivery path.
	b.emitter.Emit(tick.Key().String(), tick)
	return ok
}

// Shards exposes the consumer side, one ordered stream per shard.
func (b *Bus) Shards() []<-chan *types.Tick {
	out := make([]<-chan *types.Tick, len(b.shards))
	for i, ch := range b.shards {
		out[i] = ch
	}
	return out
}

// On registers an observer for a key pattern (supports wildcards).
// Observers should pass emitter.Skip to avoid ever blocking a publish.
func (b *Bus) On(pattern string, middlewares ...func(*emitter.Event)) <-chan emitter.Event {
	return b.emitter.On(pattern, middlewares...)
}

// Off removes an observer registered with On.
func (b *Bus) Off(pattern string, ch <-chan emitter.Event) {
	b.emitter.Off(pattern, ch)
}

func (b *Bus) shardFor(key types.CanonicalKey) int {
	h := fnv.New32a()
	h.Write([]byte(key.Symbol))
	h.Write([]byte{0})
	h.Write([]byte(key.Exchange))
	h.Write([]byte{0})
	h.Write([]byte(key.Mode))
	return int(h.Sum32()) % len(b.shards)
}

// Stats returns bus counters.
type Stats struct {
	Shards    int
	Published int64
	Dropped   int64
}

// GetStats returns current bus statistics.
func (b *Bus) GetStats() Stats {
	return Stats{
		Shards:    len(b.shards),
		Published: b.published.Load(),
		Dropped:   b.dropped.Load(),
	}
}
