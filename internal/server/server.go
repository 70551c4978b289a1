// Package server is the Local Server: it terminates client WebSocket
// connections, routes subscribe/unsubscribe/snapshot-request frames against
// the subscription Registry and Broadcast Hub, relays opaque bot frames to
// the bot bridge, and serves the REST surface used for one-shot queries.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coinstream/internal/botbridge"
	"coinstream/internal/candlestore"
	"coinstream/internal/granularity"
	"coinstream/internal/orderbook"
	"coinstream/internal/registry"
	"coinstream/internal/updater"
	"coinstream/internal/upstream"
	"coinstream/pkg/broadcaster"
)

// lifecycleState is the Local Server's own coarse process state, independent
// of any one connection's state.
type lifecycleState int

const (
	stateStarting lifecycleState = iota
	stateRunning
	stateDraining
	stateStopped
)

const shutdownWatchdogDefault = 5 * time.Second

// Config configures the Local Server's HTTP surface and client handling.
type Config struct {
	Addr             string
	ClientSendQueue  int
	ShutdownWatchdog time.Duration
	BotBridgeURL     string
	CORSOrigins      []string
}

// Deps bundles every component the Local Server routes requests against.
type Deps struct {
	Broadcaster *broadcaster.Broadcaster
	Registry    *registry.Registry
	Hub         hubHandle
	Orderbook   *orderbook.Engine
	Candles     *candlestore.Store
	RESTClient  *updater.RESTClient
	Upstream    *upstream.Client
	BotBridge   *botbridge.Bridge
}

// hubHandle is the slice of *hub.Hub the server needs; declared locally so
// server_test.go can exercise REST/WS routing with a stub instead of a full
// Hub and its activity batcher goroutine.
type hubHandle interface {
	CachedSnapshot(product string) ([]byte, bool)
}

// Server is the Local Server.
type Server struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	mux    *http.ServeMux
	http   *http.Server
	up     websocket.Upgrader

	startedAt time.Time

	mu     sync.Mutex
	state  lifecycleState
	conns  map[string]*clientConn
	wg     sync.WaitGroup
}

// New constructs a Server. Call Start to begin accepting connections.
func New(cfg Config, deps Deps, logger *zap.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("server"),
		mux:    http.NewServeMux(),
		conns:  make(map[string]*clientConn),
		state:  stateStarting,
		up: websocket.Upgrader{
			CheckOrigin:       func(r *http.Request) bool { return true },
			EnableCompression: true,
		},
	}
	s.routes()
	s.http = &http.Server{Addr: cfg.Addr, Handler: s.mux}
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/orderbook/", s.handleOrderbook)
	s.mux.HandleFunc("/api/candles/", s.handleCandles)
	s.mux.HandleFunc("/api/time", s.handleTime)
	s.mux.HandleFunc("/health", s.handleHealth)
}

// Start begins serving HTTP/WebSocket traffic. It blocks until the listener
// fails or Shutdown is called, matching the teacher's ListenAndServe-in-a-
// goroutine convention at the call site, not inside Start itself.
func (s *Server) Start() error {
	s.mu.Lock()
	s.state = stateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Info("local server starting", zap.String("addr", s.cfg.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains every open connection with close code 1001 ("going away")
// and stops accepting new ones, force-returning after the shutdown watchdog
// elapses if draining stalls.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.state = stateDraining
	conns := make([]*clientConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var closing sync.WaitGroup
	for _, c := range conns {
		closing.Add(1)
		go func(c *clientConn) {
			defer closing.Done()
			c.closeWithCode(websocket.CloseGoingAway, "server shutting down")
		}(c)
	}
	closing.Wait()

	watchdog := s.cfg.ShutdownWatchdog
	if watchdog <= 0 {
		watchdog = shutdownWatchdogDefault
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, watchdog)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.http.Shutdown(shutdownCtx)
	}()

	var shutdownErr error
	select {
	case err := <-done:
		if err != nil {
			shutdownErr = fmt.Errorf("server: shutdown: %w", err)
		} else {
			s.logger.Info("local server drained cleanly")
		}
	case <-shutdownCtx.Done():
		s.logger.Warn("shutdown watchdog elapsed, forcing close")
		if err := s.http.Close(); err != nil {
			s.logger.Error("error force-closing http server", zap.Error(err))
		}
		shutdownErr = fmt.Errorf("server: shutdown watchdog elapsed after %s", watchdog)
	}

	s.mu.Lock()
	s.state = stateStopped
	s.conns = make(map[string]*clientConn)
	s.mu.Unlock()
	return shutdownErr
}

// ConnectedClients returns the number of currently connected clients.
func (s *Server) ConnectedClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.up.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	clientID := uuid.NewString()
	cc := newClientConn(clientID, conn, s.cfg.ClientSendQueue, s.logger)

	s.mu.Lock()
	s.conns[clientID] = cc
	s.mu.Unlock()
	s.deps.Broadcaster.Register(clientID, cc)

	s.logger.Info("client connected", zap.String("client_id", clientID))
	s.send(cc, connectedFrame{Type: "connected", ClientID: clientID, Message: "welcome"})

	defer s.dropClient(clientID, cc)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Warn("client disconnected unexpectedly", zap.String("client_id", clientID), zap.Error(err))
			} else {
				s.logger.Info("client disconnected", zap.String("client_id", clientID))
			}
			return
		}
		s.route(r.Context(), clientID, cc, message)
	}
}

func (s *Server) dropClient(clientID string, cc *clientConn) {
	s.mu.Lock()
	delete(s.conns, clientID)
	s.mu.Unlock()

	s.deps.Broadcaster.Unregister(clientID)
	cc.Close()

	becameInactive := s.deps.Registry.DropClient(clientID)
	for _, sub := range becameInactive {
		if !s.deps.Registry.HasActiveSubscriptions(sub.Product) {
			s.unsubscribeUpstream(sub.Product)
		}
	}
}

func (s *Server) route(ctx context.Context, clientID string, cc *clientConn, message []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.logger.Debug("dropping malformed client frame", zap.String("client_id", clientID), zap.Error(err))
		return
	}

	switch frame.Type {
	case "subscribe":
		s.handleSubscribe(clientID, cc, frame)
	case "unsubscribe":
		s.handleUnsubscribe(clientID, cc, frame)
	case "requestLevel2Snapshot":
		s.handleSnapshotRequest(cc, frame)
	default:
		s.forwardToBotBridge(ctx, cc, message)
	}
}

func (s *Server) handleSubscribe(clientID string, cc *clientConn, frame inboundFrame) {
	product := frame.product()
	if product == "" {
		s.send(cc, errorFrame{Type: "error", Message: "subscribe requires a pair"})
		return
	}

	label := granularity.Label(frame.Granularity)
	if frame.Granularity != "" {
		if _, ok := granularity.Seconds(label); !ok {
			s.send(cc, errorFrame{Type: "error", Message: fmt.Sprintf("unknown granularity %q", frame.Granularity)})
			return
		}
		if s.deps.Registry.Add(clientID, product, label) {
			s.subscribeUpstreamCandle(product)
		}
	} else {
		// No granularity means a ticker/book-only subscription: use the
		// registry's Min1 bucket purely to track refcounting for the
		// upstream ticker/book channels, which aren't granularity-scoped.
		if s.deps.Registry.Add(clientID, product, granularity.Min1) {
			s.subscribeUpstreamCandle(product)
		}
	}

	if cached, ok := s.deps.Hub.CachedSnapshot(product); ok {
		cc.Send(cached)
	}

	s.send(cc, subscribedFrame{Type: "subscribed", Pair: product, Granularity: frame.Granularity})
}

func (s *Server) handleUnsubscribe(clientID string, cc *clientConn, frame inboundFrame) {
	product := frame.product()
	if product == "" {
		s.send(cc, errorFrame{Type: "error", Message: "unsubscribe requires a pair"})
		return
	}

	label := granularity.Min1
	if frame.Granularity != "" {
		label = granularity.Label(frame.Granularity)
	}
	if s.deps.Registry.Remove(clientID, product, label) && !s.deps.Registry.HasActiveSubscriptions(product) {
		s.unsubscribeUpstream(product)
	}

	s.send(cc, unsubscribedFrame{Type: "unsubscribed", Pair: product, Granularity: frame.Granularity})
}

func (s *Server) handleSnapshotRequest(cc *clientConn, frame inboundFrame) {
	product := frame.product()
	cached, ok := s.deps.Hub.CachedSnapshot(product)
	if !ok {
		s.send(cc, errorFrame{Type: "error", Message: fmt.Sprintf("no cached snapshot for %s", product)})
		return
	}
	cc.Send(cached)
}

func (s *Server) forwardToBotBridge(ctx context.Context, cc *clientConn, message []byte) {
	resp, err := s.deps.BotBridge.Forward(ctx, message)
	if err != nil {
		s.logger.Debug("bot bridge forward failed", zap.Error(err))
		return
	}
	cc.Send(resp)
}

// subscribeUpstreamCandle is the (product, granularity) 0→1 transition hook:
// it asks the upstream client for the product's trades, ticker and book
// channels. Those channels are not granularity-scoped, so a later transition
// for another granularity of the same product requests the same channels
// again. Upstream may be nil in tests that only exercise
// registry/broadcaster routing.
func (s *Server) subscribeUpstreamCandle(product string) {
	if s.deps.Upstream == nil {
		return
	}
	if err := s.deps.Upstream.SubscribeTrades(product); err != nil {
		s.logger.Error("upstream trades subscribe failed", zap.String("product", product), zap.Error(err))
	}
	if err := s.deps.Upstream.SubscribeTicker(product); err != nil {
		s.logger.Error("upstream ticker subscribe failed", zap.String("product", product), zap.Error(err))
	}
	if err := s.deps.Upstream.SubscribeBook(product); err != nil {
		s.logger.Error("upstream book subscribe failed", zap.String("product", product), zap.Error(err))
	}
}

// unsubscribeUpstream tears down every upstream channel for product. Callers
// must first confirm via Registry.HasActiveSubscriptions that no granularity
// is still keeping product's shared trades/ticker/book channels open.
func (s *Server) unsubscribeUpstream(product string) {
	if s.deps.Upstream == nil {
		return
	}
	if err := s.deps.Upstream.Unsubscribe(product, upstream.ChannelMarketTrades); err != nil {
		s.logger.Error("upstream trades unsubscribe failed", zap.String("product", product), zap.Error(err))
	}
	if err := s.deps.Upstream.Unsubscribe(product, upstream.ChannelTicker); err != nil {
		s.logger.Error("upstream ticker unsubscribe failed", zap.String("product", product), zap.Error(err))
	}
	if err := s.deps.Upstream.Unsubscribe(product, upstream.ChannelL2Data); err != nil {
		s.logger.Error("upstream book unsubscribe failed", zap.String("product", product), zap.Error(err))
	}
}

func (s *Server) send(cc *clientConn, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal outbound frame", zap.Error(err))
		return
	}
	cc.Send(data)
}
