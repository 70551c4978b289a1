// Package orderbook maintains per-product bid/ask price→size maps in Redis,
// applying snapshots and deltas, publishing deltas, and enforcing
// change-detection and rate-limit throttling ahead of each write.
package orderbook

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"coinstream/internal/coreerr"
	"coinstream/pkg/redis"
)

const (
	bookTTL              = time.Hour
	snapshotCacheTTL     = 5 * time.Second
	throttleWindow       = 10 * time.Second
	maxSnapshotCacheSize = 50
	maxThrottleCacheSize = 100
	pruneInterval        = 60 * time.Second
	deltaPublishDepth    = 50
)

type cacheEntry struct {
	hash      string
	timestamp time.Time
}

type throttleEntry struct {
	last      time.Time
	timestamp time.Time
}

// Engine is the Redis-backed order-book engine for every product it serves.
type Engine struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu                sync.Mutex
	snapshotCache     map[string]cacheEntry
	throttleTimestamp map[string]throttleEntry
	throttleRate      float64 // updates per second
}

// New constructs an Engine with the default 10/s throttle rate.
func New(rdb *redis.Client, logger *zap.Logger) *Engine {
	return &Engine{
		rdb:               rdb,
		logger:            logger.Named("orderbook"),
		snapshotCache:     make(map[string]cacheEntry),
		throttleTimestamp: make(map[string]throttleEntry),
		throttleRate:      10,
	}
}

// RunPruneLoop evicts stale/overflowing in-memory cache entries every
// pruneInterval until done is closed.
func (e *Engine) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			e.prune()
		}
	}
}

func (e *Engine) prune() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, v := range e.snapshotCache {
		if now.Sub(v.timestamp) > snapshotCacheTTL {
			delete(e.snapshotCache, k)
		}
	}
	evictOverCap(e.snapshotCache, maxSnapshotCacheSize)

	for k, v := range e.throttleTimestamp {
		if now.Sub(v.timestamp) > throttleWindow {
			delete(e.throttleTimestamp, k)
		}
	}
	evictThrottleOverCap(e.throttleTimestamp, maxThrottleCacheSize)
}

func evictOverCap(m map[string]cacheEntry, maxSize int) {
	if len(m) <= maxSize {
		return
	}
	type kv struct {
		key string
		ts  time.Time
	}
	entries := make([]kv, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv{k, v.timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	for _, e := range entries[:len(entries)-maxSize] {
		delete(m, e.key)
	}
}

func evictThrottleOverCap(m map[string]throttleEntry, maxSize int) {
	if len(m) <= maxSize {
		return
	}
	type kv struct {
		key string
		ts  time.Time
	}
	entries := make([]kv, 0, len(m))
	for k, v := range m {
		entries = append(entries, kv{k, v.timestamp})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Before(entries[j].ts) })
	for _, e := range entries[:len(entries)-maxSize] {
		delete(m, e.key)
	}
}

func keyBids(product string) string { return fmt.Sprintf("book:%s:bids", product) }
func keyAsks(product string) string { return fmt.Sprintf("book:%s:asks", product) }
func keyMeta(product string) string { return fmt.Sprintf("book:%s:meta", product) }
func deltaChannel(product string) string { return fmt.Sprintf("orderbook:%s:delta", product) }

func priceField(price float64) string {
	return strconv.FormatFloat(price, 'f', -1, 64)
}

// ApplySnapshot atomically replaces a product's book with bids/asks via a
// single Redis pipeline: DEL both sides, HSET every level, HSET meta, EXPIRE
// all three keys. Updates the in-memory change-detection cache.
func (e *Engine) ApplySnapshot(ctx context.Context, product string, bids, asks []Level) error {
	if e.rdb == nil {
		return coreerr.ErrRedisUnavailable
	}

	pipe := e.rdb.Raw().TxPipeline()
	pipe.Del(ctx, keyBids(product), keyAsks(product))

	if len(bids) > 0 {
		fields := make(map[string]interface{}, len(bids))
		for _, l := range bids {
			fields[priceField(l.Price)] = l.Size
		}
		pipe.HSet(ctx, keyBids(product), fields)
	}
	if len(asks) > 0 {
		fields := make(map[string]interface{}, len(asks))
		for _, l := range asks {
			fields[priceField(l.Price)] = l.Size
		}
		pipe.HSet(ctx, keyAsks(product), fields)
	}

	meta := buildMeta(bids, asks)
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	pipe.HSet(ctx, keyMeta(product), map[string]interface{}{"data": metaJSON})

	pipe.Expire(ctx, keyBids(product), bookTTL)
	pipe.Expire(ctx, keyAsks(product), bookTTL)
	pipe.Expire(ctx, keyMeta(product), bookTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: apply_snapshot exec: %v", coreerr.ErrRedisUnavailable, err)
	}

	e.mu.Lock()
	e.snapshotCache[product] = cacheEntry{hash: topLevelsHash(bids, asks), timestamp: time.Now()}
	e.mu.Unlock()

	return nil
}

// ApplyDelta applies incremental changes to a product's book: HDEL if a
// change's size is zero, else HSET. Updates meta.lastUpdate and invalidates
// the change-detection cache for this product.
func (e *Engine) ApplyDelta(ctx context.Context, product string, changes []Change) error {
	if e.rdb == nil {
		return coreerr.ErrRedisUnavailable
	}
	if len(changes) == 0 {
		return nil
	}

	pipe := e.rdb.Pipeline()
	for _, ch := range changes {
		key := keyBids(product)
		if ch.Side == Ask {
			key = keyAsks(product)
		}
		if ch.Size == 0 {
			pipe.HDel(ctx, key, priceField(ch.Price))
		} else {
			pipe.HSet(ctx, key, priceField(ch.Price), ch.Size)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: apply_delta exec: %v", coreerr.ErrRedisUnavailable, err)
	}

	full, err := e.GetFull(ctx, product)
	if err == nil {
		meta := buildMeta(full.Bids, full.Asks)
		metaJSON, _ := json.Marshal(meta)
		if err := e.rdb.Raw().HSet(ctx, keyMeta(product), map[string]interface{}{"data": metaJSON}).Err(); err != nil {
			e.logger.Warn("failed to refresh meta after delta", zap.Error(err))
		}
	}

	e.mu.Lock()
	delete(e.snapshotCache, product)
	e.mu.Unlock()

	return nil
}

// GetFull returns the complete book for a product, bids sorted descending
// and asks ascending by price.
func (e *Engine) GetFull(ctx context.Context, product string) (Full, error) {
	if e.rdb == nil {
		return Full{Product: product}, coreerr.ErrRedisUnavailable
	}

	bids, err := e.readSide(ctx, keyBids(product))
	if err != nil {
		return Full{}, err
	}
	asks, err := e.readSide(ctx, keyAsks(product))
	if err != nil {
		return Full{}, err
	}

	sort.Slice(bids, func(i, j int) bool { return bids[i].Price > bids[j].Price })
	sort.Slice(asks, func(i, j int) bool { return asks[i].Price < asks[j].Price })

	return Full{
		Product: product,
		Bids:    bids,
		Asks:    asks,
		Meta:    buildMeta(bids, asks),
	}, nil
}

// GetRange returns the book levels priced within depth of the mid price
// (the best bid when there are no asks), sorted as GetFull sorts them.
func (e *Engine) GetRange(ctx context.Context, product string, depth float64) (Full, error) {
	full, err := e.GetFull(ctx, product)
	if err != nil {
		return Full{}, err
	}
	mid := full.Meta.BestBid
	if full.Meta.BestAsk > 0 {
		mid = (full.Meta.BestBid + full.Meta.BestAsk) / 2
	}

	filter := func(levels []Level) []Level {
		var out []Level
		for _, l := range levels {
			if l.Price >= mid-depth && l.Price <= mid+depth {
				out = append(out, l)
			}
		}
		return out
	}

	full.Bids = filter(full.Bids)
	full.Asks = filter(full.Asks)
	return full, nil
}

// GetTop returns the top n levels per side (n capped at 50).
func (e *Engine) GetTop(ctx context.Context, product string, n int) (Full, error) {
	if n > 50 {
		n = 50
	}
	full, err := e.GetFull(ctx, product)
	if err != nil {
		return Full{}, err
	}
	if len(full.Bids) > n {
		full.Bids = full.Bids[:n]
	}
	if len(full.Asks) > n {
		full.Asks = full.Asks[:n]
	}
	return full, nil
}

func (e *Engine) readSide(ctx context.Context, key string) ([]Level, error) {
	raw, err := e.rdb.Raw().HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", coreerr.ErrRedisUnavailable, err)
	}
	levels := make([]Level, 0, len(raw))
	for priceStr, sizeStr := range raw {
		price, perr := strconv.ParseFloat(priceStr, 64)
		size, serr := strconv.ParseFloat(sizeStr, 64)
		if perr != nil || serr != nil {
			continue
		}
		levels = append(levels, Level{Price: price, Size: size})
	}
	return levels, nil
}

// PublishDelta publishes up to deltaPublishDepth levels per side to
// orderbook:{p}:delta.
func (e *Engine) PublishDelta(ctx context.Context, product string, bids, asks []Level) error {
	if e.rdb == nil {
		return coreerr.ErrRedisUnavailable
	}
	if len(bids) > deltaPublishDepth {
		bids = bids[:deltaPublishDepth]
	}
	if len(asks) > deltaPublishDepth {
		asks = asks[:deltaPublishDepth]
	}

	payload := DeltaPayload{
		Product: product,
		TsMS:    time.Now().UnixMilli(),
		Bids:    bids,
		Asks:    asks,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal delta payload: %w", err)
	}
	return e.rdb.Publish(ctx, deltaChannel(product), data)
}

// HasChanged reports whether product's change-detection cache is absent or
// older than snapshotCacheTTL, in which case the caller should proceed with a
// write; otherwise it returns false and the caller should skip the update.
func (e *Engine) HasChanged(product string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.snapshotCache[product]
	if !ok {
		return true
	}
	return time.Since(entry.timestamp) > snapshotCacheTTL
}

// ShouldThrottle reports whether a write for product arrived within the
// minimum inter-update interval implied by the configured rate; true means
// the caller should skip this update. Checked before any Redis write.
func (e *Engine) ShouldThrottle(product string) bool {
	minInterval := time.Duration(float64(time.Second) / e.throttleRate)

	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	entry, ok := e.throttleTimestamp[product]
	if ok && now.Sub(entry.last) < minInterval {
		entry.timestamp = now
		e.throttleTimestamp[product] = entry
		return true
	}
	e.throttleTimestamp[product] = throttleEntry{last: now, timestamp: now}
	return false
}

func buildMeta(bids, asks []Level) Meta {
	meta := Meta{LastUpdateMS: time.Now().UnixMilli(), BidCount: len(bids), AskCount: len(asks)}
	for _, l := range bids {
		if l.Price > meta.BestBid {
			meta.BestBid = l.Price
		}
	}
	for i, l := range asks {
		if i == 0 || l.Price < meta.BestAsk {
			meta.BestAsk = l.Price
		}
	}
	return meta
}

func topLevelsHash(bids, asks []Level) string {
	top := func(levels []Level, n int) []Level {
		if len(levels) > n {
			return levels[:n]
		}
		return levels
	}
	b, _ := json.Marshal(top(bids, 10))
	a, _ := json.Marshal(top(asks, 10))
	sum := md5.Sum(append(append([]byte{}, b...), append([]byte("|"), a...)...))
	return fmt.Sprintf("%x", sum)
}
