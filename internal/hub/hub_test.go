package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"coinstream/internal/candle"
	"coinstream/internal/granularity"
	"coinstream/internal/orderbook"
	"coinstream/internal/registry"
	"coinstream/internal/updater"
	"coinstream/internal/upstream"
	"coinstream/pkg/broadcaster"
)

type fakeSink struct {
	mu  sync.Mutex
	got [][]byte
}

func (f *fakeSink) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	f.got = append(f.got, cp)
	return nil
}

func (f *fakeSink) received() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

type failingSink struct{}

func (failingSink) Send([]byte) error { return errors.New("queue full") }

func newTestHub(t *testing.T) (*Hub, *broadcaster.Broadcaster, *registry.Registry) {
	t.Helper()
	b := broadcaster.New(zap.NewNop())
	r := registry.New(zap.NewNop())
	h := New(b, r, time.Second, nil, zap.NewNop())
	t.Cleanup(h.Close)
	return h, b, r
}

func TestHandleCandleEvent_DropsWhenGLabelUnknown(t *testing.T) {
	h, b, _ := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)

	h.HandleCandleEvent(candle.CandleEvent{
		Product:            "BTC-USD",
		GranularitySeconds: 60,
		Type:               candle.Complete,
		Candle:             candle.Candle{Product: "BTC-USD", Granularity: granularity.Min1, OpenTS: 100},
	})

	require.Empty(t, sink.received(), "no client is subscribed, so GLabelFor has nothing to resolve")
}

func TestHandleCandleEvent_DeliversToSubscribedClient(t *testing.T) {
	h, b, r := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)
	r.Add("c1", "BTC-USD", granularity.Min1)

	h.HandleCandleEvent(candle.CandleEvent{
		Product:            "BTC-USD",
		GranularitySeconds: 60,
		Type:               candle.Complete,
		Candle: candle.Candle{
			Product:     "BTC-USD",
			Granularity: granularity.Min1,
			OpenTS:      100,
			OHLCV:       candle.OHLCV{Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 10},
		},
	})

	got := sink.received()
	require.Len(t, got, 1)

	var frame candleFrame
	require.NoError(t, json.Unmarshal(got[0], &frame))
	require.Equal(t, "candle", frame.Type)
	require.Equal(t, "BTC-USD", frame.Pair)
	require.Equal(t, "complete", frame.CandleType)
	require.Equal(t, 1.5, frame.Close)
}

func TestHandleCandleEvent_ThrottlesIncompleteWithinWindow(t *testing.T) {
	h, b, r := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)
	r.Add("c1", "BTC-USD", granularity.Min1)

	ev := candle.CandleEvent{
		Product:            "BTC-USD",
		GranularitySeconds: 60,
		Type:               candle.Incomplete,
		Candle:             candle.Candle{Product: "BTC-USD", Granularity: granularity.Min1, OpenTS: 100},
	}
	h.HandleCandleEvent(ev)
	h.HandleCandleEvent(ev)

	require.Len(t, sink.received(), 1, "second incomplete emission within the window should be throttled")
}

func TestHandleCandleEvent_NeverThrottlesComplete(t *testing.T) {
	h, b, r := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)
	r.Add("c1", "BTC-USD", granularity.Min1)

	ev := candle.CandleEvent{
		Product:            "BTC-USD",
		GranularitySeconds: 60,
		Type:               candle.Complete,
		Candle:             candle.Candle{Product: "BTC-USD", Granularity: granularity.Min1, OpenTS: 100},
	}
	h.HandleCandleEvent(ev)
	h.HandleCandleEvent(ev)

	require.Len(t, sink.received(), 2, "complete candles always use a 0ms throttle window")
}

func TestHandleCandleEvent_GapEventNeverReachesClients(t *testing.T) {
	h, b, _ := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)

	require.NotPanics(t, func() {
		h.HandleCandleEvent(candle.GapEvent{Product: "BTC-USD", GranularitySeconds: 60, FirstMissingTS: 100, Count: 2})
	})
	require.Empty(t, sink.received())
}

func TestHandleTicker_FansOutToAnyGranularitySubscriber(t *testing.T) {
	h, b, r := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)
	r.Add("c1", "BTC-USD", granularity.Hour1)

	h.HandleTicker(upstream.Ticker{ProductID: "BTC-USD", Price: 100, BestBid: 99, BestAsk: 101, TsSeconds: 1, Volume24h: 5000})

	got := sink.received()
	require.Len(t, got, 1)
	var frame tickerFrame
	require.NoError(t, json.Unmarshal(got[0], &frame))
	require.Equal(t, "ticker", frame.Type)
	require.Equal(t, "BTC-USD", frame.Data.ProductID)
}

func TestHandleTicker_SkipsUnsubscribedProduct(t *testing.T) {
	h, b, r := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)
	r.Add("c1", "ETH-USD", granularity.Min1)

	h.HandleTicker(upstream.Ticker{ProductID: "BTC-USD", Price: 100})

	require.Empty(t, sink.received())
}

func TestHandleBookSnapshot_CachesAndBroadcasts(t *testing.T) {
	h, b, _ := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)

	h.HandleBookSnapshot(upstream.BookSnapshot{
		Product: "BTC-USD",
		Bids:    []upstream.Level{{Price: 99, Size: 1}},
		Asks:    []upstream.Level{{Price: 101, Size: 2}},
	})

	got := sink.received()
	require.Len(t, got, 1)
	var frame level2Frame
	require.NoError(t, json.Unmarshal(got[0], &frame))
	require.Equal(t, "snapshot", frame.Data.Type)
	require.Equal(t, "BTC-USD", frame.Data.ProductID)

	cached, ok := h.CachedSnapshot("BTC-USD")
	require.True(t, ok)
	require.Equal(t, got[0], cached)

	_, ok = h.CachedSnapshot("ETH-USD")
	require.False(t, ok)
}

func TestHandleBookUpdate_DoesNotMutateCachedSnapshot(t *testing.T) {
	h, b, _ := newTestHub(t)
	b.Register("c1", &fakeSink{})

	h.HandleBookSnapshot(upstream.BookSnapshot{Product: "BTC-USD", Bids: []upstream.Level{{Price: 1, Size: 1}}})
	snapshot, _ := h.CachedSnapshot("BTC-USD")

	h.HandleBookUpdate(upstream.BookUpdate{Product: "BTC-USD", Bids: []upstream.Level{{Price: 2, Size: 1}}})
	stillCached, _ := h.CachedSnapshot("BTC-USD")

	require.Equal(t, snapshot, stillCached)
}

func TestHandlePubSubDelta_BroadcastsDecodedPayload(t *testing.T) {
	h, b, _ := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)

	payload, err := json.Marshal(orderbook.DeltaPayload{
		Product: "BTC-USD",
		TsMS:    123,
		Bids:    []orderbook.Level{{Price: 10, Size: 1}},
	})
	require.NoError(t, err)

	h.HandlePubSubDelta("orderbook:BTC-USD:delta", payload)

	got := sink.received()
	require.Len(t, got, 1)
	var frame orderbookDeltaFrame
	require.NoError(t, json.Unmarshal(got[0], &frame))
	require.Equal(t, "orderbook-delta", frame.Type)
	require.Equal(t, "orderbook:BTC-USD:delta", frame.Channel)
	require.Equal(t, "BTC-USD", frame.Data.ProductID)
}

func TestHandlePubSubDelta_IgnoresMalformedPayload(t *testing.T) {
	h, b, _ := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)

	require.NotPanics(t, func() { h.HandlePubSubDelta("orderbook:BTC-USD:delta", []byte("not json")) })
	require.Empty(t, sink.received())
}

func TestHandleDatabaseActivity_BatchesBeforeBroadcasting(t *testing.T) {
	h, b, _ := newTestHub(t)
	sink := &fakeSink{}
	b.Register("c1", sink)

	h.HandleDatabaseActivity(updater.DatabaseActivity{Type: updater.StoreComplete, Product: "BTC-USD", Granularity: "ONE_MINUTE", Count: 20, LatestPrice: 100})

	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, time.Second, 10*time.Millisecond)

	var batch struct {
		Type  string                  `json:"type"`
		Count int                     `json:"count"`
		Batch []databaseActivityData `json:"batch"`
	}
	require.NoError(t, json.Unmarshal(sink.received()[0], &batch))
	require.Equal(t, "database_activity", batch.Type)
	require.Equal(t, 1, batch.Count)
	require.Equal(t, "BTC-USD", batch.Batch[0].Pair)
}

func TestHandleCandleEvent_IsolatesPerClientSendFailure(t *testing.T) {
	h, b, r := newTestHub(t)
	b.Register("bad", failingSink{})
	good := &fakeSink{}
	b.Register("good", good)
	r.Add("bad", "BTC-USD", granularity.Min1)
	r.Add("good", "BTC-USD", granularity.Min1)

	require.NotPanics(t, func() {
		h.HandleCandleEvent(candle.CandleEvent{
			Product:            "BTC-USD",
			GranularitySeconds: 60,
			Type:               candle.Complete,
			Candle:             candle.Candle{Product: "BTC-USD", Granularity: granularity.Min1, OpenTS: 1},
		})
	})
	require.Len(t, good.received(), 1)
}
