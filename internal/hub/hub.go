// Package hub is the Broadcast Hub: it consumes candle, ticker, order-book,
// and continuous-updater events and turns them into per-client filtered or
// fan-out WebSocket frames, delegating actual delivery to pkg/broadcaster
// and pkg/batcher.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"coinstream/internal/candle"
	"coinstream/internal/metrics"
	"coinstream/internal/orderbook"
	"coinstream/internal/registry"
	"coinstream/internal/updater"
	"coinstream/internal/upstream"
	"coinstream/pkg/batcher"
	"coinstream/pkg/broadcaster"
)

const (
	activityBatchMaxSize  = 50
	activityBatchTimeout  = 200 * time.Millisecond
	activityBatchMaxBytes = 65536

	defaultIncompleteWindow = time.Second
)

// Hub wires the subscription Registry and client Broadcaster together:
// Registry decides WHO should receive an event, Broadcaster delivers it.
type Hub struct {
	logger      *zap.Logger
	broadcaster *broadcaster.Broadcaster
	registry    *registry.Registry
	activity    *batcher.MessageBatcher
	metrics     *metrics.PrometheusMetrics

	incompleteWindow time.Duration

	mu        sync.Mutex
	bookCache map[string][]byte
}

// New constructs a Hub over an existing Broadcaster/Registry pair. If
// incompleteWindow is <= 0 it defaults to 1s, matching the spec's
// configurable-but-defaulted throttle for incomplete candles. m may be nil,
// in which case metrics recording is skipped.
func New(b *broadcaster.Broadcaster, reg *registry.Registry, incompleteWindow time.Duration, m *metrics.PrometheusMetrics, logger *zap.Logger) *Hub {
	if incompleteWindow <= 0 {
		incompleteWindow = defaultIncompleteWindow
	}
	log := logger.Named("hub")
	h := &Hub{
		logger:           log,
		broadcaster:      b,
		registry:         reg,
		metrics:          m,
		incompleteWindow: incompleteWindow,
		bookCache:        make(map[string][]byte),
		activity:         batcher.NewMessageBatcher(log, "database_activity", activityBatchMaxSize, activityBatchTimeout, activityBatchMaxBytes),
	}

	go h.drainActivityBatches()
	return h
}

// Close flushes and stops the activity batcher. It does not touch the
// Broadcaster or Registry, which outlive the Hub's own event-handling loops.
func (h *Hub) Close() {
	h.activity.Close()
}

func (h *Hub) drainActivityBatches() {
	for data := range h.activity.Start() {
		h.broadcaster.Broadcast(data)
		if h.metrics != nil {
			h.metrics.RecordBroadcastFrame("database_activity", 0)
		}
	}
}

// HandleCandleEvent dispatches one Aggregator event. GapEvent carries no
// client-facing frame today; it is logged for operational visibility only.
func (h *Hub) HandleCandleEvent(ev candle.Event) {
	switch e := ev.(type) {
	case candle.CandleEvent:
		h.handleCandle(e)
	case candle.GapEvent:
		h.logger.Warn("candle gap detected",
			zap.String("product", e.Product),
			zap.Int64("granularity_seconds", e.GranularitySeconds),
			zap.Int64("first_missing_ts", e.FirstMissingTS),
			zap.Int64("count", e.Count))
		if h.metrics != nil {
			if label, ok := h.registry.GLabelFor(e.Product, e.GranularitySeconds); ok {
				h.metrics.RecordCandleGap(e.Product, string(label), e.Count)
			}
		}
	}
}

func (h *Hub) handleCandle(e candle.CandleEvent) {
	label, ok := h.registry.GLabelFor(e.Product, e.GranularitySeconds)
	if !ok {
		return
	}
	if h.metrics != nil {
		h.metrics.RecordCandleEmitted(e.Product, string(label), string(e.Type))
	}

	clients := h.registry.Subscribers(e.Product, label)
	if len(clients) == 0 {
		return
	}

	start := time.Now()
	window := h.incompleteWindow
	if e.Type == candle.Complete {
		window = 0
	}

	frame := candleFrame{
		Type:        "candle",
		Pair:        e.Product,
		Granularity: string(label),
		Time:        e.Candle.OpenTS,
		Open:        e.Candle.OHLCV.Open,
		High:        e.Candle.OHLCV.High,
		Low:         e.Candle.OHLCV.Low,
		Close:       e.Candle.OHLCV.Close,
		Volume:      e.Candle.OHLCV.Volume,
		CandleType:  string(e.Type),
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal candle frame", zap.Error(err))
		return
	}

	for _, client := range clients {
		if !h.registry.ShouldEmit(client, e.Product, label, window) {
			continue
		}
		if err := h.broadcaster.Send(client, data); err != nil {
			h.logger.Debug("dropped candle frame", zap.String("client_id", client), zap.Error(err))
			continue
		}
		if h.metrics != nil {
			h.metrics.RecordBroadcastFrame("candle", time.Since(start))
		}
	}
}

// HandleTicker fans a ticker update out to every client subscribed to
// product at any granularity; unlike candles this is never throttled.
func (h *Hub) HandleTicker(t upstream.Ticker) {
	ids := h.registry.SubscribersAnyGranularity(t.ProductID)
	if len(ids) == 0 {
		return
	}
	frame := tickerFrame{
		Type: "ticker",
		Data: tickerData{
			ProductID: t.ProductID,
			Price:     t.Price,
			BestBid:   t.BestBid,
			BestAsk:   t.BestAsk,
			Time:      t.TsSeconds,
			Volume24h: t.Volume24h,
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal ticker frame", zap.Error(err))
		return
	}
	h.broadcaster.SendTo(ids, data)
	if h.metrics != nil {
		h.metrics.RecordBroadcastFrame("ticker", 0)
	}
}

// HandleBookSnapshot caches the full book and fans it to every connected
// client unconditionally, per spec: book events have no per-client filter.
func (h *Hub) HandleBookSnapshot(ev upstream.BookSnapshot) {
	frame := level2Frame{
		Type: "level2",
		Data: level2Data{
			Type:      "snapshot",
			ProductID: ev.Product,
			Bids:      toLevelFramesUpstream(ev.Bids),
			Asks:      toLevelFramesUpstream(ev.Asks),
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal book snapshot frame", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.bookCache[ev.Product] = data
	h.mu.Unlock()

	h.broadcaster.Broadcast(data)
	if h.metrics != nil {
		h.metrics.RecordBookUpdate(ev.Product, "snapshot")
		h.metrics.RecordBroadcastFrame("level2", 0)
	}
}

// HandleBookUpdate fans an incremental book change to every client. It does
// not touch the cached snapshot; a reconnecting client always hydrates from
// the last full snapshot, not a patched one.
func (h *Hub) HandleBookUpdate(ev upstream.BookUpdate) {
	frame := level2Frame{
		Type: "level2",
		Data: level2Data{
			Type:      "update",
			ProductID: ev.Product,
			Bids:      toLevelFramesUpstream(ev.Bids),
			Asks:      toLevelFramesUpstream(ev.Asks),
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal book update frame", zap.Error(err))
		return
	}
	h.broadcaster.Broadcast(data)
	if h.metrics != nil {
		h.metrics.RecordBookUpdate(ev.Product, "update")
		h.metrics.RecordBroadcastFrame("level2", 0)
	}
}

// CachedSnapshot returns the last level2 snapshot frame published for
// product, if any, for immediate delivery to a newly connected client.
func (h *Hub) CachedSnapshot(product string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	data, ok := h.bookCache[product]
	return data, ok
}

// HandlePubSubDelta decodes one orderbook:{product}:delta Redis pub/sub
// message and broadcasts it to every client, parsing the payload exactly
// once regardless of client count.
func (h *Hub) HandlePubSubDelta(channel string, raw []byte) {
	var payload orderbook.DeltaPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		h.logger.Error("failed to decode orderbook delta payload", zap.String("channel", channel), zap.Error(err))
		return
	}

	frame := orderbookDeltaFrame{
		Type:    "orderbook-delta",
		Channel: channel,
		Data: orderbookDeltaData{
			ProductID: payload.Product,
			Timestamp: payload.TsMS,
			Bids:      toLevelFrames(payload.Bids),
			Asks:      toLevelFrames(payload.Asks),
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("failed to marshal orderbook delta frame", zap.Error(err))
		return
	}
	h.broadcaster.Broadcast(data)
	if h.metrics != nil {
		h.metrics.RecordBroadcastFrame("orderbook-delta", 0)
	}
}

// HandleDatabaseActivity enqueues one continuous-updater tick's outcome into
// the activity batcher rather than broadcasting it directly; bursty ticks
// across many (product, granularity) loops coalesce into one frame.
func (h *Hub) HandleDatabaseActivity(ev updater.DatabaseActivity) {
	data := databaseActivityData{
		Type:        string(ev.Type),
		Pair:        ev.Product,
		Granularity: ev.Granularity,
		Operation:   "continuous_update",
		Count:       ev.Count,
		LatestPrice: ev.LatestPrice,
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}
	h.activity.AddMessage(data)
}

func toLevelFrames(levels []orderbook.Level) []levelFrame {
	out := make([]levelFrame, len(levels))
	for i, l := range levels {
		out[i] = levelFrame{Price: l.Price, Size: l.Size}
	}
	return out
}

func toLevelFramesUpstream(levels []upstream.Level) []levelFrame {
	out := make([]levelFrame, len(levels))
	for i, l := range levels {
		out[i] = levelFrame{Price: l.Price, Size: l.Size}
	}
	return out
}
