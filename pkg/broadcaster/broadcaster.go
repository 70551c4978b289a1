// Package broadcaster is the per-client delivery registry the Broadcast Hub
// sits on top of: every connected client is a named Sink, reachable either
// individually (filtered, throttled delivery) or as a fan-out (ticker, book,
// pub/sub delta, batched activity).
package broadcaster

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Sink is anything that can accept one outbound frame for a client. The
// Local Server implements this over a bounded per-connection send queue; a
// Sink returning an error means its queue is full or its socket is gone.
type Sink interface {
	Send(data []byte) error
}

// Broadcaster is a clientID-keyed registry of Sinks with isolated
// per-client error handling: one client's failure never aborts delivery to
// the rest.
type Broadcaster struct {
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[string]Sink
}

// New constructs an empty Broadcaster.
func New(logger *zap.Logger) *Broadcaster {
	return &Broadcaster{
		logger:  logger.Named("broadcaster"),
		clients: make(map[string]Sink),
	}
}

// Register adds clientID's Sink to the registry, replacing any prior Sink
// registered under the same id.
func (b *Broadcaster) Register(clientID string, sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.clients[clientID] = sink
}

// Unregister removes clientID from the registry.
func (b *Broadcaster) Unregister(clientID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, clientID)
}

// Count returns the number of registered clients.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Send delivers data to one client by id. Returns an error if the client
// isn't registered or its Sink rejects the send.
func (b *Broadcaster) Send(clientID string, data []byte) error {
	b.mu.RLock()
	sink, ok := b.clients[clientID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("broadcaster: client %s not registered", clientID)
	}
	return sink.Send(data)
}

// Broadcast delivers data to every registered client. Per-client send
// failures are logged and otherwise ignored; they never abort delivery to
// the remaining clients.
func (b *Broadcaster) Broadcast(data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for clientID, sink := range b.clients {
		if err := sink.Send(data); err != nil {
			b.logger.Warn("failed to deliver broadcast frame", zap.String("client_id", clientID), zap.Error(err))
		}
	}
}

// SendTo delivers data to every client in ids, isolating per-client failures
// the same way Broadcast does. Used for filtered fan-out to a subscriber
// subset rather than every connected client.
func (b *Broadcaster) SendTo(ids []string, data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, clientID := range ids {
		sink, ok := b.clients[clientID]
		if !ok {
			continue
		}
		if err := sink.Send(data); err != nil {
			b.logger.Warn("failed to deliver filtered frame", zap.String("client_id", clientID), zap.Error(err))
		}
	}
}
