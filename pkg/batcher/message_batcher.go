// Package batcher coalesces bursty, non-latency-critical messages into a
// single JSON frame on a size/timeout trigger, so a flood of small updates
// (e.g. continuous-updater activity) doesn't become one client write per
// message.
package batcher

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatchedMessage is the wire frame a MessageBatcher emits.
type BatchedMessage struct {
	Type      string        `json:"type"`
	Batch     []interface{} `json:"batch"`
	Count     int           `json:"count"`
	Timestamp int64         `json:"timestamp"`
}

// MessageBatcher accumulates messages of one logical kind and flushes them
// as a single frame once maxSize is reached or timeout elapses since the
// first unflushed message, whichever comes first.
type MessageBatcher struct {
	logger    *zap.Logger
	batchType string
	messages  []interface{}
	mu        sync.Mutex
	timer     *time.Timer
	maxSize   int
	timeout   time.Duration
	maxBytes  int
	outputCh  chan []byte
}

// NewMessageBatcher creates a MessageBatcher. batchType becomes every
// flushed frame's "type" field.
func NewMessageBatcher(logger *zap.Logger, batchType string, maxSize int, timeout time.Duration, maxBytes int) *MessageBatcher {
	return &MessageBatcher{
		logger:    logger.Named("batcher").With(zap.String("batch_type", batchType)),
		batchType: batchType,
		messages:  make([]interface{}, 0, maxSize),
		maxSize:   maxSize,
		timeout:   timeout,
		maxBytes:  maxBytes,
		outputCh:  make(chan []byte, 100),
	}
}

// Start returns the channel of flushed, JSON-encoded batch frames.
func (mb *MessageBatcher) Start() <-chan []byte {
	return mb.outputCh
}

// AddMessage adds a message to the current batch, flushing immediately if
// maxSize is reached and arming a timeout flush otherwise.
func (mb *MessageBatcher) AddMessage(message interface{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.messages = append(mb.messages, message)

	if len(mb.messages) >= mb.maxSize {
		mb.flushBatch()
		return
	}

	if mb.timer == nil {
		mb.timer = time.AfterFunc(mb.timeout, func() {
			mb.mu.Lock()
			defer mb.mu.Unlock()
			mb.flushBatch()
		})
	}
}

// flushBatch sends the current batch. Must be called with mu held.
func (mb *MessageBatcher) flushBatch() {
	if len(mb.messages) == 0 {
		return
	}

	if mb.timer != nil {
		mb.timer.Stop()
		mb.timer = nil
	}

	batch := BatchedMessage{
		Type:      mb.batchType,
		Batch:     make([]interface{}, len(mb.messages)),
		Count:     len(mb.messages),
		Timestamp: time.Now().UnixMilli(),
	}
	copy(batch.Batch, mb.messages)
	mb.messages = mb.messages[:0]

	data, err := json.Marshal(batch)
	if err != nil {
		mb.logger.Error("failed to marshal batch", zap.Error(err))
		return
	}

	if len(data) > mb.maxBytes {
		mb.logger.Warn("batch exceeds max size, splitting", zap.Int("size", len(data)), zap.Int("max", mb.maxBytes), zap.Int("count", batch.Count))
		mb.splitAndFlush(batch.Batch)
		return
	}

	select {
	case mb.outputCh <- data:
	default:
		mb.logger.Warn("output channel full, dropping batch")
	}
}

func (mb *MessageBatcher) splitAndFlush(messages []interface{}) {
	chunkSize := mb.maxSize / 2
	if chunkSize == 0 {
		chunkSize = 1
	}

	for i := 0; i < len(messages); i += chunkSize {
		end := i + chunkSize
		if end > len(messages) {
			end = len(messages)
		}

		chunk := BatchedMessage{
			Type:      mb.batchType,
			Batch:     messages[i:end],
			Count:     end - i,
			Timestamp: time.Now().UnixMilli(),
		}

		data, err := json.Marshal(chunk)
		if err != nil {
			mb.logger.Error("failed to marshal chunk", zap.Error(err))
			continue
		}

		select {
		case mb.outputCh <- data:
		default:
			mb.logger.Warn("output channel full, dropping chunk")
		}
	}
}

// Close flushes any pending messages and closes the output channel.
func (mb *MessageBatcher) Close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	mb.flushBatch()
	close(mb.outputCh)
}
