package orderbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBuildMeta_BestBidBestAsk(t *testing.T) {
	bids := []Level{{Price: 100, Size: 1}, {Price: 99, Size: 2}}
	asks := []Level{{Price: 101, Size: 1}, {Price: 102, Size: 3}}

	meta := buildMeta(bids, asks)

	require.Equal(t, 100.0, meta.BestBid)
	require.Equal(t, 101.0, meta.BestAsk)
	require.Equal(t, 2, meta.BidCount)
	require.Equal(t, 2, meta.AskCount)
}

func TestBuildMeta_ScenarioFourSnapshotThenDelta(t *testing.T) {
	// Scenario 4 from the testable-properties list, applied at the pure
	// sort/merge layer: snapshot bids [(100,1),(99,2)] asks [(101,1)];
	// deltas (bid,99,0) and (ask,102,3). Final get_full returns
	// bids [(100,1)], asks [(101,1),(102,3)], best_bid=100, best_ask=101.
	bids := map[float64]float64{100: 1, 99: 2}
	asks := map[float64]float64{101: 1}

	delete(bids, 99)
	asks[102] = 3

	var bidLevels, askLevels []Level
	for p, s := range bids {
		bidLevels = append(bidLevels, Level{Price: p, Size: s})
	}
	for p, s := range asks {
		askLevels = append(askLevels, Level{Price: p, Size: s})
	}

	meta := buildMeta(bidLevels, askLevels)
	require.Equal(t, 1, len(bidLevels))
	require.Equal(t, 100.0, bidLevels[0].Price)
	require.Equal(t, 100.0, meta.BestBid)
	require.Equal(t, 101.0, meta.BestAsk)
}

func TestTopLevelsHash_StableForSameInput(t *testing.T) {
	bids := []Level{{Price: 100, Size: 1}}
	asks := []Level{{Price: 101, Size: 1}}

	h1 := topLevelsHash(bids, asks)
	h2 := topLevelsHash(bids, asks)
	require.Equal(t, h1, h2)

	h3 := topLevelsHash([]Level{{Price: 99, Size: 1}}, asks)
	require.NotEqual(t, h1, h3)
}

func TestEngine_HasChanged_TrueWhenAbsent(t *testing.T) {
	e := New(nil, zap.NewNop())
	require.True(t, e.HasChanged("BTC-USD"))
}

func TestEngine_HasChanged_FalseWithinTTL(t *testing.T) {
	e := New(nil, zap.NewNop())
	e.snapshotCache["BTC-USD"] = cacheEntry{hash: "h", timestamp: time.Now()}
	require.False(t, e.HasChanged("BTC-USD"))
}

func TestEngine_HasChanged_TrueAfterTTL(t *testing.T) {
	e := New(nil, zap.NewNop())
	e.snapshotCache["BTC-USD"] = cacheEntry{hash: "h", timestamp: time.Now().Add(-10 * time.Second)}
	require.True(t, e.HasChanged("BTC-USD"))
}

func TestEngine_ShouldThrottle_BlocksWithinWindow(t *testing.T) {
	e := New(nil, zap.NewNop())
	require.False(t, e.ShouldThrottle("BTC-USD"), "first call should never be throttled")
	require.True(t, e.ShouldThrottle("BTC-USD"), "second call within the 100ms window should be throttled")
}

func TestEngine_ShouldThrottle_AllowsAfterWindow(t *testing.T) {
	e := New(nil, zap.NewNop())
	require.False(t, e.ShouldThrottle("BTC-USD"))

	e.mu.Lock()
	entry := e.throttleTimestamp["BTC-USD"]
	entry.last = time.Now().Add(-200 * time.Millisecond)
	e.throttleTimestamp["BTC-USD"] = entry
	e.mu.Unlock()

	require.False(t, e.ShouldThrottle("BTC-USD"))
}

func TestEngine_Prune_EvictsStaleEntries(t *testing.T) {
	e := New(nil, zap.NewNop())
	e.snapshotCache["fresh"] = cacheEntry{timestamp: time.Now()}
	e.snapshotCache["stale"] = cacheEntry{timestamp: time.Now().Add(-time.Minute)}

	e.prune()

	_, freshOK := e.snapshotCache["fresh"]
	_, staleOK := e.snapshotCache["stale"]
	require.True(t, freshOK)
	require.False(t, staleOK)
}

func TestEngine_Prune_EvictsOverCapacityByOldest(t *testing.T) {
	e := New(nil, zap.NewNop())
	for i := 0; i < maxSnapshotCacheSize+5; i++ {
		key := string(rune('a' + i%26))
		e.snapshotCache[key+string(rune(i))] = cacheEntry{timestamp: time.Now().Add(time.Duration(i) * time.Millisecond)}
	}

	e.prune()

	require.LessOrEqual(t, len(e.snapshotCache), maxSnapshotCacheSize)

	// i=0 carries the oldest timestamp and must be among those evicted; the
	// last key inserted carries the newest and must survive.
	last := maxSnapshotCacheSize + 4
	_, oldestKept := e.snapshotCache["a"+string(rune(0))]
	_, newestKept := e.snapshotCache[string(rune('a'+last%26))+string(rune(last))]
	require.False(t, oldestKept)
	require.True(t, newestKept)
}

func TestEngine_GetFull_ErrorsWithoutRedis(t *testing.T) {
	e := New(nil, zap.NewNop())
	_, err := e.GetFull(nil, "BTC-USD") //nolint:staticcheck // explicit nil ctx acceptable: short-circuits before any I/O
	require.Error(t, err)
}
