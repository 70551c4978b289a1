package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"coinstream/internal/botbridge"
	"coinstream/internal/candle"
	"coinstream/internal/candlestore"
	"coinstream/internal/config"
	"coinstream/internal/coreerr"
	"coinstream/internal/granularity"
	"coinstream/internal/hub"
	"coinstream/internal/metrics"
	"coinstream/internal/orderbook"
	"coinstream/internal/registry"
	"coinstream/internal/server"
	"coinstream/internal/supervisor"
	"coinstream/internal/token"
	"coinstream/internal/updater"
	"coinstream/internal/upstream"
	"coinstream/pkg/broadcaster"
	"coinstream/pkg/redis"
)

// App is coinstream's process: the token minter, the upstream feed client,
// one candle aggregator per product, the order-book engine, the candle
// store, the continuous updater, the subscription registry, the broadcast
// hub and the local client-facing server, all wired together and supervised.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	supervisor  *supervisor.Supervisor
	broadcaster *broadcaster.Broadcaster
	redis       *redis.Client
	metrics     *metrics.PrometheusMetrics

	minter     *token.Minter
	upstream   *upstream.Client
	registry   *registry.Registry
	orderbook  *orderbook.Engine
	candles    *candlestore.Store
	restClient *updater.RESTClient
	updater    *updater.Updater
	hub        *hub.Hub
	botBridge  *botbridge.Bridge
	server     *server.Server

	aggregators map[string]*candle.Aggregator
	products    []string
	granLabels  []granularity.Label
}

func main() {
	fmt.Println("coinstream starting")

	app := &App{}

	if err := app.initialize(); err != nil {
		fmt.Printf("failed to initialize coinstream: %v\n", err)
		os.Exit(1)
	}

	if err := app.start(); err != nil {
		fmt.Printf("failed to start coinstream: %v\n", err)
		os.Exit(1)
	}

	app.waitForShutdown()

	if err := app.shutdown(); err != nil {
		fmt.Printf("error during shutdown: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("coinstream stopped gracefully")
}

// initialize constructs every component but starts nothing.
func (app *App) initialize() error {
	var err error
	app.logger, err = app.setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	app.logger.Info("initializing coinstream")

	execPath, _ := os.Executable()
	execDir := filepath.Dir(execPath)
	configPath := filepath.Join(execDir, "configs", "config_render.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		configPath = filepath.Join(execDir, "configs", "config.yaml")
	}

	app.cfg, err = config.NewConfigLoader().LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := app.cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrFatal, err)
	}

	app.products = app.cfg.EnabledProducts()
	app.granLabels = parseGranularities(app.cfg.Granularities, app.logger)

	app.broadcaster = broadcaster.New(app.logger)
	app.supervisor = supervisor.NewSupervisor(app.logger)

	app.redis, err = redis.NewClient(redis.ClientConfig{
		Addr:         app.cfg.GetRedisAddress(),
		DB:           app.cfg.GetRedisDatabase(),
		Password:     app.cfg.Redis.Password,
		PoolSize:     app.cfg.Redis.PoolSize,
		RetryBackoff: 100 * time.Millisecond,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	if app.cfg.Monitoring.MetricsEnabled {
		app.metrics = metrics.NewPrometheusMetrics()
	}

	app.minter, err = token.New(
		app.cfg.Token.KeyName,
		app.cfg.Token.PrivateKeyPEM,
		config.GranularityDuration(app.cfg.Token.TokenLifetime, 120*time.Second),
		app.logger,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrFatal, err)
	}

	app.upstream = upstream.New(upstream.Config{
		URL:                  app.cfg.Upstream.WebSocketURL,
		ConnectTimeout:       config.GranularityDuration(app.cfg.Upstream.ConnectTimeout, 10*time.Second),
		InitialBackoff:       config.GranularityDuration(app.cfg.Upstream.InitialBackoff, 500*time.Millisecond),
		MaxBackoff:           config.GranularityDuration(app.cfg.Upstream.MaxBackoff, 30*time.Second),
		BackoffFactor:        app.cfg.Upstream.BackoffFactor,
		MaxReconnectAttempts: app.cfg.Upstream.MaxReconnectAttempts,
	}, app.minter, app.logger)

	app.registry = registry.New(app.logger)
	app.orderbook = orderbook.New(app.redis, app.logger)
	app.candles = candlestore.New(app.redis, app.logger)
	app.restClient = updater.NewRESTClient(app.cfg.Upstream.RESTBaseURL)
	app.updater = updater.New(
		app.restClient,
		app.candles,
		config.GranularityDuration(app.cfg.Updater.MinRequestGap, 100*time.Millisecond),
		config.GranularityDuration(app.cfg.Updater.RateLimitBackoff, 2*time.Second),
		app.logger,
	)
	app.hub = hub.New(app.broadcaster, app.registry, defaultIncompleteWindow, app.metrics, app.logger)
	app.botBridge = botbridge.New(app.cfg.Server.BotBridgeURL, app.logger)

	app.aggregators = make(map[string]*candle.Aggregator, len(app.products))
	for _, product := range app.products {
		app.aggregators[product] = candle.NewAggregator(product, app.granLabels, app.logger)
	}

	corsOrigins := []string{}
	if app.cfg.Security.CORS.Enabled {
		corsOrigins = app.cfg.Security.CORS.AllowedOrigins
	}
	app.server = server.New(server.Config{
		Addr:             fmt.Sprintf("%s:%d", app.cfg.Server.Host, app.cfg.Server.Port),
		ClientSendQueue:  app.cfg.Server.ClientSendQueue,
		ShutdownWatchdog: config.GranularityDuration(app.cfg.Server.ShutdownWatchdog, 5*time.Second),
		BotBridgeURL:     app.cfg.Server.BotBridgeURL,
		CORSOrigins:      corsOrigins,
	}, server.Deps{
		Broadcaster: app.broadcaster,
		Registry:    app.registry,
		Hub:         app.hub,
		Orderbook:   app.orderbook,
		Candles:     app.candles,
		RESTClient:  app.restClient,
		Upstream:    app.upstream,
		BotBridge:   app.botBridge,
	}, app.logger)

	app.logger.Info("core components initialized",
		zap.Int("products", len(app.products)),
		zap.Int("granularities", len(app.granLabels)))
	return nil
}

const defaultIncompleteWindow = time.Second

func (app *App) setupLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	cfg.OutputPaths = []string{"stdout"}
	return cfg.Build()
}

func parseGranularities(values []string, logger *zap.Logger) []granularity.Label {
	labels := make([]granularity.Label, 0, len(values))
	for _, v := range values {
		label := granularity.Label(v)
		if _, ok := granularity.Seconds(label); !ok {
			logger.Warn("ignoring unknown configured granularity", zap.String("value", v))
			continue
		}
		labels = append(labels, label)
	}
	return labels
}

// start registers every long-running worker with the supervisor and brings
// up the local server and metrics HTTP listeners directly, mirroring the
// teacher's convention of running its own HTTP-serving goroutines outside
// the supervisor while letting it own every retry-on-failure worker.
func (app *App) start() error {
	app.logger.Info("starting coinstream")

	go app.runServer()

	if app.metrics != nil {
		if err := app.metrics.Start(strconv.Itoa(app.cfg.Monitoring.MetricsPort)); err != nil {
			app.logger.Error("failed to start metrics server", zap.Error(err))
		}
	}

	if err := app.registerWorkers(); err != nil {
		return fmt.Errorf("failed to register workers: %w", err)
	}

	if err := app.supervisor.Start(); err != nil {
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	app.printStartupSummary()
	return nil
}

func (app *App) runServer() {
	if err := app.server.Start(); err != nil {
		app.logger.Error("local server stopped", zap.Error(err))
	}
}

// registerWorkers adds every background loop to the supervisor. Each
// WorkerFunc blocks until the supervisor's own internal context is canceled
// (by Stop), at which point it returns nil; the supervisor only retries a
// worker that returns a non-nil, non-cancellation error.
func (app *App) registerWorkers() error {
	workers := []struct {
		name   string
		labels map[string]string
		fn     supervisor.WorkerFunc
	}{
		{"upstream-client", nil, app.runUpstreamClient},
		{"upstream-dispatch", nil, app.runUpstreamDispatch},
		{"continuous-updater", nil, app.runContinuousUpdater},
		{"updater-activity-relay", nil, app.runUpdaterActivityRelay},
		{"orderbook-prune", nil, app.runOrderbookPrune},
		{"orderbook-delta-subscriber", nil, app.runOrderbookDeltaSubscriber},
		{"registry-expiry-sweep", nil, app.runRegistryExpirySweep},
		{"token-renewal", nil, app.runTokenRenewal},
	}
	for product, agg := range app.aggregators {
		workers = append(workers, struct {
			name   string
			labels map[string]string
			fn     supervisor.WorkerFunc
		}{"candle-relay-" + product, map[string]string{"product": product}, app.candleRelayFor(agg)})
	}

	for _, w := range workers {
		if err := app.supervisor.AddWorker(supervisor.WorkerConfig{
			Name:           w.name,
			Labels:         w.labels,
			MaxRetries:     0,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2.0,
		}, w.fn); err != nil {
			return err
		}
	}
	return nil
}

func (app *App) runUpstreamClient(ctx context.Context) error {
	app.upstream.Run(ctx)
	return ctx.Err()
}

// runUpstreamDispatch is the single consumer of the upstream client's event
// channel: it feeds trades into the matching product's candle aggregator and
// turns ticker/book events into both an immediate in-process broadcast (via
// the hub) and a persisted, throttled Redis write (via the order-book
// engine) for REST queries and cross-process pub/sub fan-out.
func (app *App) runUpstreamDispatch(ctx context.Context) error {
	events := app.upstream.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			app.dispatchUpstreamEvent(ctx, ev)
		}
	}
}

func (app *App) dispatchUpstreamEvent(ctx context.Context, ev upstream.Event) {
	switch e := ev.(type) {
	case upstream.Trade:
		if agg, ok := app.aggregators[e.Product]; ok {
			agg.ProcessTrade(e.Price, e.Size, e.TsSeconds)
		}
	case upstream.Ticker:
		if app.metrics != nil {
			app.metrics.SetUpstreamStatus(e.ProductID, true)
		}
		app.hub.HandleTicker(e)
	case upstream.BookSnapshot:
		app.hub.HandleBookSnapshot(e)
		if app.orderbook.HasChanged(e.Product) {
			if err := app.orderbook.ApplySnapshot(ctx, e.Product, toOrderbookLevels(e.Bids), toOrderbookLevels(e.Asks)); err != nil {
				app.logger.Warn("failed to persist book snapshot", zap.String("product", e.Product), zap.Error(err))
			}
		}
	case upstream.BookUpdate:
		app.hub.HandleBookUpdate(e)
		app.persistBookUpdate(ctx, e)
	case upstream.GaveUp:
		app.logger.Error("upstream exhausted its reconnect budget", zap.Int("attempts", e.Attempts))
	case upstream.SubscriptionsAck:
		app.logger.Debug("upstream acked subscription change",
			zap.String("channel", string(e.Channel)), zap.Strings("products", e.ProductIDs))
	}
}

func (app *App) persistBookUpdate(ctx context.Context, e upstream.BookUpdate) {
	if app.orderbook.ShouldThrottle(e.Product) {
		if app.metrics != nil {
			app.metrics.RecordBookThrottled(e.Product)
		}
		return
	}
	changes := toOrderbookChanges(e.Bids, e.Asks)
	if err := app.orderbook.ApplyDelta(ctx, e.Product, changes); err != nil {
		app.logger.Warn("failed to persist book delta", zap.String("product", e.Product), zap.Error(err))
		return
	}
	full, err := app.orderbook.GetTop(ctx, e.Product, 50)
	if err != nil {
		return
	}
	if err := app.orderbook.PublishDelta(ctx, e.Product, full.Bids, full.Asks); err != nil {
		app.logger.Warn("failed to publish book delta", zap.String("product", e.Product), zap.Error(err))
	}
}

func toOrderbookLevels(levels []upstream.Level) []orderbook.Level {
	out := make([]orderbook.Level, len(levels))
	for i, l := range levels {
		out[i] = orderbook.Level{Price: l.Price, Size: l.Size}
	}
	return out
}

func toOrderbookChanges(bids, asks []upstream.Level) []orderbook.Change {
	changes := make([]orderbook.Change, 0, len(bids)+len(asks))
	for _, l := range bids {
		changes = append(changes, orderbook.Change{Side: orderbook.Bid, Price: l.Price, Size: l.Size})
	}
	for _, l := range asks {
		changes = append(changes, orderbook.Change{Side: orderbook.Ask, Price: l.Price, Size: l.Size})
	}
	return changes
}

// candleRelayFor forwards one aggregator's candle/gap events to the hub. One
// worker per product, since each Aggregator owns its own Events channel.
func (app *App) candleRelayFor(agg *candle.Aggregator) supervisor.WorkerFunc {
	return func(ctx context.Context) error {
		events := agg.Events()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case ev, ok := <-events:
				if !ok {
					return ctx.Err()
				}
				app.hub.HandleCandleEvent(ev)
			}
		}
	}
}

func (app *App) runContinuousUpdater(ctx context.Context) error {
	if !app.cfg.Updater.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}
	app.updater.Run(ctx, app.products, app.granLabels)
	return ctx.Err()
}

func (app *App) runUpdaterActivityRelay(ctx context.Context) error {
	events := app.updater.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			app.hub.HandleDatabaseActivity(ev)
		}
	}
}

func (app *App) runOrderbookPrune(ctx context.Context) error {
	app.orderbook.RunPruneLoop(ctx.Done())
	return ctx.Err()
}

func (app *App) runRegistryExpirySweep(ctx context.Context) error {
	app.registry.RunExpirySweep(ctx.Done())
	return ctx.Err()
}

func (app *App) runTokenRenewal(ctx context.Context) error {
	app.minter.RunRenewalLoop(ctx.Done(), config.GranularityDuration(app.cfg.Token.RenewInterval, 90*time.Second))
	return ctx.Err()
}

// runOrderbookDeltaSubscriber relays Redis-published book deltas back into
// the hub. In a single-process deployment this just echoes what
// runUpstreamDispatch already persisted; it earns its keep once more than
// one coinstream process shares the same Redis order-book state and needs
// every replica's locally-connected clients to see every other replica's
// book deltas.
func (app *App) runOrderbookDeltaSubscriber(ctx context.Context) error {
	channels := make([]string, 0, len(app.products))
	for _, product := range app.products {
		channels = append(channels, fmt.Sprintf("orderbook:%s:delta", product))
	}
	if len(channels) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	msgs, err := app.redis.Subscribe(ctx, channels...)
	if err != nil {
		return fmt.Errorf("subscribe to orderbook delta channels: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ctx.Err()
			}
			app.hub.HandlePubSubDelta(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (app *App) printStartupSummary() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("coinstream started")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("products:            %d\n", len(app.products))
	fmt.Printf("granularities:       %d\n", len(app.granLabels))
	fmt.Printf("local server:        ws://%s:%d/ws\n", app.cfg.Server.Host, app.cfg.Server.Port)
	if app.metrics != nil {
		fmt.Printf("metrics:             :%d/metrics\n", app.cfg.Monitoring.MetricsPort)
	}
	fmt.Println(strings.Repeat("=", 80))
}

func (app *App) waitForShutdown() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	app.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
}

// shutdown tears the process down leaves-inward: stop the continuous
// updater, cancel the token minter's renewal loop, and close the upstream
// connection (all owned by the supervisor), then flush the hub's activity
// batcher, drain the local server's client sockets, stop metrics, and close
// Redis last.
func (app *App) shutdown() error {
	app.logger.Info("shutting down coinstream")

	var errs []error

	if err := app.supervisor.Stop(); err != nil {
		app.logger.Error("error stopping supervisor", zap.Error(err))
		errs = append(errs, err)
	}

	app.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("error shutting down local server", zap.Error(err))
		errs = append(errs, err)
	}

	if app.metrics != nil {
		if err := app.metrics.Stop(); err != nil {
			app.logger.Error("error stopping metrics server", zap.Error(err))
			errs = append(errs, err)
		}
	}

	if err := app.redis.Close(); err != nil {
		app.logger.Error("error closing redis client", zap.Error(err))
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("coinstream: shutdown: %w", err)
	}

	app.logger.Info("coinstream shutdown complete")
	return nil
}
