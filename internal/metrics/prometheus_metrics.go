package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics handles all Prometheus metrics for coinstream.
type PrometheusMetrics struct {
	// Candle Aggregation Metrics
	CandlesEmitted *prometheus.CounterVec
	CandleGaps     *prometheus.CounterVec
	GapSizes       *prometheus.HistogramVec

	// Order-Book Metrics
	BookUpdatesProcessed *prometheus.CounterVec
	BookThrottledWrites  *prometheus.CounterVec

	// Broadcast Hub Metrics
	BroadcastFramesSent *prometheus.CounterVec
	BroadcastLatency    *prometheus.HistogramVec
	ConnectedClients    *prometheus.GaugeVec

	// Upstream Connection Metrics
	UpstreamStatus     *prometheus.GaugeVec
	UpstreamReconnects *prometheus.CounterVec

	// Service Health
	ServiceUptime   *prometheus.GaugeVec
	RedisOperations *prometheus.CounterVec

	server *http.Server
}

// NewPrometheusMetrics creates a new Prometheus metrics instance.
func NewPrometheusMetrics() *PrometheusMetrics {
	metrics := &PrometheusMetrics{
		CandlesEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_candles_emitted_total",
				Help: "Total number of candle events emitted by the aggregator",
			},
			[]string{"product", "granularity", "candle_type"},
		),

		CandleGaps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_candle_gaps_detected_total",
				Help: "Total number of missing-bucket gaps detected between trades",
			},
			[]string{"product", "granularity"},
		),

		GapSizes: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinstream_candle_gap_sizes",
				Help:    "Distribution of gap sizes (missing buckets) detected",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"product", "granularity"},
		),

		BookUpdatesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_book_updates_processed_total",
				Help: "Total number of order-book snapshot/delta updates processed",
			},
			[]string{"product", "kind"},
		),

		BookThrottledWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_book_throttled_writes_total",
				Help: "Total number of order-book Redis writes skipped by the throttle window",
			},
			[]string{"product"},
		),

		BroadcastFramesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_broadcast_frames_sent_total",
				Help: "Total number of frames delivered to clients by the Broadcast Hub",
			},
			[]string{"frame_type"},
		),

		BroadcastLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coinstream_broadcast_latency_seconds",
				Help:    "Time from event receipt to client delivery",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
			},
			[]string{"frame_type"},
		),

		ConnectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coinstream_connected_clients",
				Help: "Number of currently connected WebSocket clients",
			},
			[]string{"service"},
		),

		UpstreamStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coinstream_upstream_status",
				Help: "Upstream connection status (1=connected, 0=disconnected)",
			},
			[]string{"product"},
		),

		UpstreamReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_upstream_reconnects_total",
				Help: "Total number of upstream WebSocket reconnections",
			},
			[]string{"product", "reason"},
		),

		ServiceUptime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "coinstream_service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
			[]string{"service"},
		),

		RedisOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coinstream_redis_operations_total",
				Help: "Total number of Redis operations",
			},
			[]string{"operation", "status"},
		),
	}

	prometheus.MustRegister(
		metrics.CandlesEmitted,
		metrics.CandleGaps,
		metrics.GapSizes,
		metrics.BookUpdatesProcessed,
		metrics.BookThrottledWrites,
		metrics.BroadcastFramesSent,
		metrics.BroadcastLatency,
		metrics.ConnectedClients,
		metrics.UpstreamStatus,
		metrics.UpstreamReconnects,
		metrics.ServiceUptime,
		metrics.RedisOperations,
	)

	return metrics
}

// Start starts the Prometheus metrics HTTP server.
func (m *PrometheusMetrics) Start(port string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	log.Printf("starting prometheus metrics server on port %s", port)

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("prometheus server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the Prometheus metrics server.
func (m *PrometheusMetrics) Stop() error {
	if m.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return m.server.Shutdown(ctx)
}

// RecordCandleEmitted records a candle event emitted by the aggregator.
func (m *PrometheusMetrics) RecordCandleEmitted(product, granularity, candleType string) {
	m.CandlesEmitted.WithLabelValues(product, granularity, candleType).Inc()
}

// RecordCandleGap records a detected gap and its size in missing buckets.
func (m *PrometheusMetrics) RecordCandleGap(product, granularity string, gapSize int64) {
	m.CandleGaps.WithLabelValues(product, granularity).Inc()
	m.GapSizes.WithLabelValues(product, granularity).Observe(float64(gapSize))
}

// RecordBookUpdate records an order-book snapshot or delta processed for product.
func (m *PrometheusMetrics) RecordBookUpdate(product, kind string) {
	m.BookUpdatesProcessed.WithLabelValues(product, kind).Inc()
}

// RecordBookThrottled records a book write skipped by the per-product throttle window.
func (m *PrometheusMetrics) RecordBookThrottled(product string) {
	m.BookThrottledWrites.WithLabelValues(product).Inc()
}

// RecordBroadcastFrame records one frame delivered by the Broadcast Hub and its latency.
func (m *PrometheusMetrics) RecordBroadcastFrame(frameType string, latency time.Duration) {
	m.BroadcastFramesSent.WithLabelValues(frameType).Inc()
	m.BroadcastLatency.WithLabelValues(frameType).Observe(latency.Seconds())
}

// SetConnectedClients sets the number of currently connected WebSocket clients.
func (m *PrometheusMetrics) SetConnectedClients(service string, count int) {
	m.ConnectedClients.WithLabelValues(service).Set(float64(count))
}

// SetUpstreamStatus sets the upstream connection status for product.
func (m *PrometheusMetrics) SetUpstreamStatus(product string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	m.UpstreamStatus.WithLabelValues(product).Set(status)
}

// RecordUpstreamReconnect records an upstream WebSocket reconnection.
func (m *PrometheusMetrics) RecordUpstreamReconnect(product, reason string) {
	m.UpstreamReconnects.WithLabelValues(product, reason).Inc()
}

// SetServiceUptime sets the service uptime.
func (m *PrometheusMetrics) SetServiceUptime(service string, uptime time.Duration) {
	m.ServiceUptime.WithLabelValues(service).Set(uptime.Seconds())
}

// RecordRedisOperation records a Redis operation outcome.
func (m *PrometheusMetrics) RecordRedisOperation(operation, status string) {
	m.RedisOperations.WithLabelValues(operation, status).Inc()
}
