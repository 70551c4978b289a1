package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"coinstream/internal/coreerr"
)

const (
	defaultSendQueueSize = 256
	writeWait            = 10 * time.Second
	pingInterval         = 20 * time.Second
	closeGracePeriod     = time.Second
)

// queuedFrame is one outbound frame sitting in a clientConn's send queue.
// droppable frames (incomplete candles) are evicted first under backpressure
// instead of forcing the connection closed.
type queuedFrame struct {
	data      []byte
	droppable bool
}

// clientConn is one local WebSocket connection's write side: a bounded,
// priority-aware send queue drained by a single writer goroutine, since
// *websocket.Conn permits only one writer at a time. It implements
// broadcaster.Sink so the Hub and Broadcaster can address it by client id
// without knowing it's a socket underneath.
type clientConn struct {
	id     string
	conn   *websocket.Conn
	logger *zap.Logger

	mu       sync.Mutex
	queue    []queuedFrame
	capacity int
	closed   bool
	wake     chan struct{}
	done     chan struct{}
}

func newClientConn(id string, conn *websocket.Conn, capacity int, logger *zap.Logger) *clientConn {
	if capacity <= 0 {
		capacity = defaultSendQueueSize
	}
	c := &clientConn{
		id:       id,
		conn:     conn,
		logger:   logger.With(zap.String("client_id", id)),
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go c.writePump()
	return c
}

// isDroppable reports whether a frame is an incomplete candle update, the
// one message class the spec allows to be sacrificed under backpressure
// rather than forcing a disconnect.
func isDroppable(data []byte) bool {
	var probe struct {
		Type       string `json:"type"`
		CandleType string `json:"candleType"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return false
	}
	return probe.Type == "candle" && probe.CandleType == "incomplete"
}

// Send enqueues data for delivery. If the queue is full it first evicts the
// oldest droppable frame to make room; if none exists, the connection is
// closed with code 1013 ("try again later") and ErrBackpressure is returned.
func (c *clientConn) Send(data []byte) error {
	frame := queuedFrame{data: data, droppable: isDroppable(data)}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return coreerr.ErrBackpressure
	}
	if len(c.queue) >= c.capacity {
		if !c.evictOneDroppableLocked() {
			c.closed = true
			c.mu.Unlock()
			c.closeWithCode(websocket.CloseTryAgainLater, "send queue full")
			return coreerr.ErrBackpressure
		}
	}
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
	return nil
}

func (c *clientConn) evictOneDroppableLocked() bool {
	for i, f := range c.queue {
		if f.droppable {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return true
		}
	}
	return false
}

func (c *clientConn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer close(c.done)

	for {
		select {
		case <-c.wake:
			c.drainQueue()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed, closing connection", zap.Error(err))
				return
			}
		case <-c.stopSignal():
			return
		}
	}
}

func (c *clientConn) stopSignal() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return nil
}

func (c *clientConn) drainQueue() {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.closed {
			c.mu.Unlock()
			return
		}
		frame := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame.data); err != nil {
			c.logger.Debug("write failed, closing connection", zap.Error(err))
			c.Close()
			return
		}
	}
}

// Close tears down the connection and stops its writer goroutine. Safe to
// call more than once.
func (c *clientConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.conn.Close()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *clientConn) closeWithCode(code int, reason string) {
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	time.Sleep(closeGracePeriod)
	c.conn.Close()
}
