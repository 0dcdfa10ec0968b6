package subindex

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickrelay/pkg/types"
)

func key(symbol string) types.CanonicalKey {
	return types.CanonicalKey{Symbol: symbol, Exchange: "NSE", Mode: types.ModeLTP}
}

func TestAddInterestRefcountEdges(t *testing.T) {
	ix := New()
	k := key("RELIANCE")

	assert.True(t, ix.AddInterest(k, "c1"), "first subscriber must trigger upstream subscribe")
	assert.False(t, ix.AddInterest(k, "c2"), "second subscriber must not")
	assert.False(t, ix.AddInterest(k, "c1"), "re-adding the same pair is a no-op")
	assert.Equal(t, 2, ix.Refcount(k))
}

func TestRemoveInterestRefcountEdges(t *testing.T) {
	ix := New()
	k := key("TCS")

	ix.AddInterest(k, "c1")
	ix.AddInterest(k, "c2")

	assert.False(t, ix.RemoveInterest(k, "c1"), "a subscriber remains")
	assert.True(t, ix.RemoveInterest(k, "c2"), "last subscriber must trigger upstream unsubscribe")
	assert.False(t, ix.RemoveInterest(k, "c2"), "removing again is a no-op")
	assert.Equal(t, 0, ix.Refcount(k))
}

func TestModesAreDistinctKeys(t *testing.T) {
	ix := New()
	ltp := types.CanonicalKey{Symbol: "INFY", Exchange: "NSE", Mode: types.ModeLTP}
	depth := types.CanonicalKey{Symbol: "INFY", Exchange: "NSE", Mode: types.ModeDepth}

	assert.True(t, ix.AddInterest(ltp, "c1"))
	assert.True(t, ix.AddInterest(depth, "c1"), "same symbol under another mode is a fresh key")
	assert.True(t, ix.RemoveInterest(ltp, "c1"))
	assert.Equal(t, 1, ix.Refcount(depth))
}

func TestRemoveClientReturnsOnlyOrphanedKeys(t *testing.T) {
	ix := New()
	shared := key("SBIN")
	exclusive := key("HDFC")

	ix.AddInterest(shared, "c1")
	ix.AddInterest(shared, "c2")
	ix.AddInterest(exclusive, "c1")

	orphaned := ix.RemoveClient("c1")
	require.Len(t, orphaned, 1)
	assert.Equal(t, exclusive, orphaned[0])

	assert.Equal(t, 1, ix.Refcount(shared))
	assert.Empty(t, ix.KeysOf("c1"))
}

func TestRemoveClientUnknownIsNoop(t *testing.T) {
	ix := New()
	assert.Nil(t, ix.RemoveClient("ghost"))
}

func TestSubscribersReturnsCopy(t *testing.T) {
	ix := New()
	k := key("WIPRO")
	ix.AddInterest(k, "c1")

	subs := ix.Subscribers(k)
	require.Equal(t, []string{"c1"}, subs)
	subs[0] = "mutated"
	assert.Equal(t, []string{"c1"}, ix.Subscribers(k))
}

// Two clients subscribing and unsubscribing the same symbol must leave
// exactly one upstream subscribe and one upstream unsubscribe.
func TestSharedKeyLifecycle(t *testing.T) {
	ix := New()
	k := key("NIFTY")

	upstreamSubs, upstreamUnsubs := 0, 0
	if ix.AddInterest(k, "a") {
		upstreamSubs++
	}
	if ix.AddInterest(k, "b") {
		upstreamSubs++
	}
	if ix.RemoveInterest(k, "a") {
		upstreamUnsubs++
	}
	if ix.RemoveInterest(k, "b") {
		upstreamUnsubs++
	}

	assert.Equal(t, 1, upstreamSubs)
	assert.Equal(t, 1, upstreamUnsubs)
}

func TestGetStats(t *testing.T) {
	ix := New()
	ix.AddInterest(key("A"), "c1")
	ix.AddInterest(key("A"), "c2")
	ix.AddInterest(key("B"), "c1")

	stats := ix.GetStats()
	assert.Equal(t, 2, stats.ActiveKeys)
	assert.Equal(t, 2, stats.ActiveClients)
	assert.Equal(t, 3, stats.TotalInterest)
}

func TestConcurrentAddRemove(t *testing.T) {
	ix := New()
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			clientID := fmt.Sprintf("c%d", n)
			for j := 0; j < 100; j++ {
				k := key(fmt.Sprintf("SYM%d", j%7))
				ix.AddInterest(k, clientID)
				ix.RemoveInterest(k, clientID)
			}
			ix.RemoveClient(clientID)
		}(i)
	}
	wg.Wait()

	stats := ix.GetStats()
	assert.Equal(t, 0, stats.ActiveKeys)
	assert.Equal(t, 0, stats.ActiveClients)
}
