// Package upstream maintains the single authenticated WebSocket connection to
// the exchange feed: connect/reconnect state machine, subscription
// bookkeeping, and typed frame decode/dispatch.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coinstream/internal/coreerr"
	"coinstream/internal/token"
)

// Config configures the upstream client's connection and backoff behavior.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	BackoffFactor        float64
	MaxReconnectAttempts int
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	return c
}

// Client is a single supervised connection to the exchange WebSocket feed.
type Client struct {
	cfg    Config
	minter *token.Minter
	logger *zap.Logger

	events chan Event

	mu      sync.RWMutex
	state   State
	conn    *websocket.Conn
	subs    map[subKey]struct{}
	attempt int

	writeMu sync.Mutex
}

// New constructs a Client. minter supplies the bearer token carried on
// subscribe frames.
func New(cfg Config, minter *token.Minter, logger *zap.Logger) *Client {
	return &Client{
		cfg:    cfg.withDefaults(),
		minter: minter,
		logger: logger.Named("upstream"),
		events: make(chan Event, 4096),
		state:  StateIdle,
		subs:   make(map[subKey]struct{}),
	}
}

// Events returns the channel of decoded upstream events.
func (c *Client) Events() <-chan Event {
	return c.events
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run drives the connect → serve → reconnect loop until ctx is canceled or
// the reconnect budget is exhausted, in which case a GaveUp event is emitted
// and Run returns; the caller may call Run again to restart from Idle.
func (c *Client) Run(ctx context.Context) {
	c.mu.Lock()
	c.attempt = 0
	c.mu.Unlock()

	authRetried := false
	for {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		c.setState(StateConnecting)
		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return
		}

		if err == coreerr.ErrAuthRejected && !authRetried {
			authRetried = true
			c.logger.Warn("upstream auth rejected, refreshing token and reconnecting once")
			if _, tokErr := c.minter.Token(); tokErr != nil {
				c.logger.Error("token refresh after auth rejection failed", zap.Error(tokErr))
			}
			continue
		}

		c.setState(StateFailed)

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			c.logger.Error("upstream gave up after exhausting reconnect attempts",
				zap.Int("attempts", attempt-1))
			c.events <- GaveUp{Attempts: attempt - 1}
			return
		}

		backoff := calculateBackoff(attempt, c.cfg)
		c.setState(StateBackoff)
		c.logger.Info("upstream reconnecting after backoff",
			zap.Duration("backoff", backoff), zap.Int("attempt", attempt))

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.setState(StateClosed)
			return
		}
	}
}

// calculateBackoff computes exponential backoff delay, capped at MaxBackoff.
func calculateBackoff(attempt int, cfg Config) time.Duration {
	backoff := cfg.InitialBackoff
	for i := 0; i < attempt-1; i++ {
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return backoff
}

func (c *Client) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.ConnectTimeout,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, _, err := dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", coreerr.ErrTransientUpstream, err)
	}

	conn.SetReadLimit(655350)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateOpen)
	c.logger.Info("upstream connected", zap.String("url", c.cfg.URL))

	c.resubscribeAll()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingDone := make(chan struct{})
	go c.pingLoop(connCtx, conn, pingDone)

	readErr := c.readLoop(conn)

	cancel()
	<-pingDone

	conn.Close()
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	return readErr
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: %v", coreerr.ErrTransientUpstream, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		if authErr := detectAuthRejection(message); authErr != nil {
			return authErr
		}

		events, err := decodeFrame(message)
		if err != nil {
			c.logger.Debug("dropping undecodable upstream frame", zap.Error(err))
			continue
		}
		for _, ev := range events {
			select {
			case c.events <- ev:
			default:
				c.logger.Warn("upstream event channel full, dropping event")
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, []byte{})
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("upstream ping failed", zap.Error(err))
			}
		}
	}
}

type errorWireMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func detectAuthRejection(message []byte) error {
	var e errorWireMessage
	if err := json.Unmarshal(message, &e); err != nil || e.Type != "error" {
		return nil
	}
	lower := strings.ToLower(e.Message)
	if strings.Contains(lower, "401") || strings.Contains(lower, "403") ||
		strings.Contains(lower, "unauthorized") || strings.Contains(lower, "forbidden") {
		return coreerr.ErrAuthRejected
	}
	return nil
}

// SubscribeTrades records and, if connected, sends a market_trades subscription.
func (c *Client) SubscribeTrades(product string) error {
	return c.setSubscription(product, ChannelMarketTrades, true)
}

// SubscribeBook records and, if connected, sends an l2_data subscription.
func (c *Client) SubscribeBook(product string) error {
	return c.setSubscription(product, ChannelL2Data, true)
}

// SubscribeTicker records and, if connected, sends a ticker subscription.
func (c *Client) SubscribeTicker(product string) error {
	return c.setSubscription(product, ChannelTicker, true)
}

// Unsubscribe removes a subscription and, if connected, sends the unsubscribe frame.
func (c *Client) Unsubscribe(product string, channel Channel) error {
	return c.setSubscription(product, channel, false)
}

func (c *Client) setSubscription(product string, channel Channel, subscribe bool) error {
	key := subKey{product: product, channel: channel}

	c.mu.Lock()
	if subscribe {
		c.subs[key] = struct{}{}
	} else {
		delete(c.subs, key)
	}
	open := c.state == StateOpen
	c.mu.Unlock()

	if !open {
		return nil
	}
	return c.sendSubscriptionFrame(product, channel, subscribe)
}

func (c *Client) resubscribeAll() {
	c.mu.RLock()
	keys := make([]subKey, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	c.mu.RUnlock()

	for _, k := range keys {
		if err := c.sendSubscriptionFrame(k.product, k.channel, true); err != nil {
			c.logger.Error("resubscribe failed", zap.String("product", k.product),
				zap.String("channel", string(k.channel)), zap.Error(err))
		}
	}
}

type subscribeFrame struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channel    string   `json:"channel"`
	JWT        string   `json:"jwt,omitempty"`
}

func (c *Client) sendSubscriptionFrame(product string, channel Channel, subscribe bool) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return coreerr.ErrTransientUpstream
	}

	frame := subscribeFrame{
		ProductIDs: []string{product},
		Channel:    string(channel),
	}
	if subscribe {
		frame.Type = "subscribe"
	} else {
		frame.Type = "unsubscribe"
	}

	if channel == ChannelL2Data {
		tok, err := c.minter.Token()
		if err != nil {
			return fmt.Errorf("mint token for book subscription: %w", err)
		}
		frame.JWT = tok
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal subscription frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}
