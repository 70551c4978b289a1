package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"coinstream/internal/coreerr"
	"coinstream/internal/granularity"
	"coinstream/internal/orderbook"
)

const orderbookFetchTimeout = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// handleOrderbook serves /api/orderbook/{product}[/range|/top].
func (s *Server) handleOrderbook(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/orderbook/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeJSON(w, http.StatusBadRequest, restEnvelope{Success: false, Error: "missing product"})
		return
	}
	product := parts[0]
	mode := ""
	if len(parts) > 1 {
		mode = parts[1]
	}

	ctx, cancel := context.WithTimeout(r.Context(), orderbookFetchTimeout)
	defer cancel()

	var (
		full   orderbook.Full
		err    error
		cached = true
	)
	switch mode {
	case "range":
		depth := parseFloatParam(r, "depth", 100)
		full, err = s.deps.Orderbook.GetRange(ctx, product, depth)
	case "top":
		count := parseIntParam(r, "count", 20)
		full, err = s.deps.Orderbook.GetTop(ctx, product, count)
	case "":
		full, err = s.deps.Orderbook.GetFull(ctx, product)
	default:
		writeJSON(w, http.StatusNotFound, restEnvelope{Success: false, Error: "unknown orderbook endpoint"})
		return
	}

	if ctx.Err() != nil {
		// Timed out against Redis: respond with an empty, uncached payload
		// rather than blocking the caller past the 2s budget.
		writeJSON(w, http.StatusOK, restEnvelope{Success: true, Data: orderbook.Full{Product: product}, Cached: false})
		return
	}
	if err != nil {
		s.logger.Error("orderbook fetch failed", zap.String("product", product), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, restEnvelope{Success: false, Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, restEnvelope{Success: true, Data: full, Cached: cached})
}

// handleCandles serves /api/candles/{pair}/{granularity}?hours=H. On a cache
// miss it synchronously backfills from the upstream REST API and stores the
// result before replying, per spec.
func (s *Server) handleCandles(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/candles/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		writeJSON(w, http.StatusBadRequest, restEnvelope{Success: false, Error: "usage: /api/candles/{pair}/{granularity}"})
		return
	}
	product, gran := parts[0], parts[1]
	label := granularity.Label(gran)
	seconds, ok := granularity.Seconds(label)
	if !ok {
		writeJSON(w, http.StatusBadRequest, restEnvelope{Success: false, Error: "unknown granularity"})
		return
	}

	hours := parseFloatParam(r, "hours", 24)
	endTS := time.Now().Unix()
	startTS := endTS - int64(hours*3600)

	ctx := r.Context()
	candles, err := s.deps.Candles.GetRange(ctx, product, label, startTS, endTS)
	if err != nil && err != coreerr.ErrRedisUnavailable {
		writeJSON(w, http.StatusInternalServerError, restEnvelope{Success: false, Error: err.Error()})
		return
	}

	if len(candles) == 0 && s.deps.RESTClient != nil {
		limit := int((endTS-startTS)/seconds) + 1
		if limit < 1 {
			limit = 1
		}
		fetched, ferr := s.deps.RESTClient.FetchCandles(ctx, product, label, limit)
		if ferr != nil {
			s.logger.Warn("upstream candle backfill failed", zap.String("product", product), zap.Error(ferr))
		} else if len(fetched) > 0 {
			if serr := s.deps.Candles.Store(ctx, product, label, fetched); serr != nil {
				s.logger.Warn("failed to persist backfilled candles", zap.String("product", product), zap.Error(serr))
			}
			candles = fetched
		}
	}

	meta, _ := s.deps.Candles.GetMetadata(ctx, product, label)
	var totalCount int64
	if meta != nil {
		totalCount = meta.TotalCandles
	}

	items := make([]candleListItem, len(candles))
	for i, c := range candles {
		items[i] = candleListItem{
			Time:   c.OpenTS,
			Open:   c.OHLCV.Open,
			High:   c.OHLCV.High,
			Low:    c.OHLCV.Low,
			Close:  c.OHLCV.Close,
			Volume: c.OHLCV.Volume,
		}
	}

	writeJSON(w, http.StatusOK, candleListResponse{
		Success:     true,
		Pair:        product,
		Granularity: gran,
		Count:       len(items),
		TimeRange:   timeRange{StartTS: startTS, EndTS: endTS},
		Metadata:    candleListMeta{TotalDatabaseCount: totalCount, StorageMetadata: meta},
		Data:        items,
	})
}

func (s *Server) handleTime(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, timeResponse{
		TimestampMS: now.UnixMilli(),
		UnixTimeS:   now.Unix(),
		ISO:         now.Format(time.RFC3339),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	s.mu.Lock()
	uptime := time.Since(s.startedAt).Seconds()
	clientCount := len(s.conns)
	s.mu.Unlock()

	upstreamState := "unknown"
	if s.deps.Upstream != nil {
		upstreamState = s.deps.Upstream.State().String()
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:          "healthy",
		Service:         "coinstream",
		UptimeSeconds:   uptime,
		MemoryAllocMB:   float64(mem.Alloc) / (1024 * 1024),
		UpstreamState:   upstreamState,
		ConnectedClient: clientCount,
	})
}

func parseIntParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func parseFloatParam(r *http.Request, name string, def float64) float64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
