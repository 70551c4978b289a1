// Package registry tracks which local clients are subscribed to which
// (product, granularity) streams, refcounts upstream channel ownership, and
// throttles per-client candle emission.
package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"coinstream/internal/granularity"
)

const (
	expirySweepInterval = time.Minute
	gMapMaxAge          = time.Hour
)

// Registry is the single mutex-guarded home for every subscription map,
// mirroring the teacher's map-plus-mutex convention (Worker.mu,
// OrderBookState.mutex) rather than splitting state across goroutines.
type Registry struct {
	mu     sync.Mutex
	logger *zap.Logger

	clientSubs    map[string]map[Sub]struct{}
	active        map[string]map[granularity.Label]int
	gMap          map[gKey]granularity.Label
	gMapCreatedAt map[gKey]time.Time
	lastEmit      map[emitKey]time.Time
}

// New constructs an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		logger:        logger.Named("registry"),
		clientSubs:    make(map[string]map[Sub]struct{}),
		active:        make(map[string]map[granularity.Label]int),
		gMap:          make(map[gKey]granularity.Label),
		gMapCreatedAt: make(map[gKey]time.Time),
		lastEmit:      make(map[emitKey]time.Time),
	}
}

// Add records client's subscription to (product, label), upserts the
// g_map/g_map_created_at entry for the matching second count, and reports
// whether the upstream channel's refcount transitioned 0→1 — the caller
// should request an upstream subscribe in that case.
func (r *Registry) Add(client, product string, label granularity.Label) bool {
	seconds, ok := granularity.Seconds(label)
	if !ok {
		r.logger.Error("add: unknown granularity", zap.String("label", string(label)))
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.clientSubs[client]
	if !ok {
		subs = make(map[Sub]struct{})
		r.clientSubs[client] = subs
	}
	sub := Sub{Product: product, Label: label}
	if _, already := subs[sub]; already {
		return false
	}
	subs[sub] = struct{}{}

	if r.active[product] == nil {
		r.active[product] = make(map[granularity.Label]int)
	}
	prevCount := r.active[product][label]
	r.active[product][label] = prevCount + 1

	key := gKey{Product: product, Seconds: seconds}
	r.gMap[key] = label
	r.gMapCreatedAt[key] = time.Now()

	return prevCount == 0
}

// Remove is the symmetric counterpart of Add. It reports whether the
// upstream channel's refcount transitioned 1→0 — the caller should request
// an upstream unsubscribe and the g_map entry is evicted in that case.
func (r *Registry) Remove(client, product string, label granularity.Label) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.clientSubs[client]
	if !ok {
		return false
	}
	sub := Sub{Product: product, Label: label}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(r.clientSubs, client)
	}

	r.purgeEmitLocked(client, product, label)

	counts := r.active[product]
	if counts == nil || counts[label] == 0 {
		return false
	}
	counts[label]--
	becameInactive := counts[label] == 0
	if becameInactive {
		delete(counts, label)
		if len(counts) == 0 {
			delete(r.active, product)
		}
		if seconds, ok := granularity.Seconds(label); ok {
			delete(r.gMap, gKey{Product: product, Seconds: seconds})
			delete(r.gMapCreatedAt, gKey{Product: product, Seconds: seconds})
		}
	}
	return becameInactive
}

// DropClient removes every subscription belonging to client, decrementing
// refcounts and evicting any upstream channel whose refcount reaches zero.
// It returns the (product, label) pairs that became inactive, so the caller
// can issue the matching upstream unsubscribes.
func (r *Registry) DropClient(client string) []Sub {
	r.mu.Lock()
	subs, ok := r.clientSubs[client]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	pairs := make([]Sub, 0, len(subs))
	for sub := range subs {
		pairs = append(pairs, sub)
	}
	r.mu.Unlock()

	var becameInactive []Sub
	for _, sub := range pairs {
		if r.Remove(client, sub.Product, sub.Label) {
			becameInactive = append(becameInactive, sub)
		}
	}
	return becameInactive
}

// HasActiveSubscriptions reports whether any client remains subscribed to
// product at any granularity. Callers use this after Remove/DropClient
// report a refcount transition to 0 for one granularity, to decide whether
// the shared upstream trades/ticker/book channels for product can actually
// be torn down or whether another granularity is still keeping them open.
func (r *Registry) HasActiveSubscriptions(product string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts, ok := r.active[product]
	return ok && len(counts) > 0
}

// GLabelFor resolves (product, seconds) to its g_map label, if any client is
// currently subscribed to it.
func (r *Registry) GLabelFor(product string, seconds int64) (granularity.Label, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	label, ok := r.gMap[gKey{Product: product, Seconds: seconds}]
	return label, ok
}

// Subscribers returns every client currently subscribed to (product, label).
func (r *Registry) Subscribers(product string, label granularity.Label) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub := Sub{Product: product, Label: label}
	var clients []string
	for client, subs := range r.clientSubs {
		if _, ok := subs[sub]; ok {
			clients = append(clients, client)
		}
	}
	return clients
}

// SubscribersAnyGranularity returns every client subscribed to product at any
// granularity, for fan-out events (ticker) that aren't granularity-scoped.
func (r *Registry) SubscribersAnyGranularity(product string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var clients []string
	for client, subs := range r.clientSubs {
		for sub := range subs {
			if sub.Product == product {
				clients = append(clients, client)
				break
			}
		}
	}
	return clients
}

// ShouldEmit reports whether enough time has elapsed since the last emission
// to (client, product, label) given window, updating last_emit as a side
// effect when it returns true.
func (r *Registry) ShouldEmit(client, product string, label granularity.Label, window time.Duration) bool {
	key := emitKey{Client: client, Product: product, Label: label}

	r.mu.Lock()
	defer r.mu.Unlock()

	last, ok := r.lastEmit[key]
	now := time.Now()
	if ok && now.Sub(last) < window {
		return false
	}
	r.lastEmit[key] = now
	return true
}

func (r *Registry) purgeEmitLocked(client, product string, label granularity.Label) {
	delete(r.lastEmit, emitKey{Client: client, Product: product, Label: label})
}

// RunExpirySweep expires g_map entries older than gMapMaxAge with a zero
// refcount, every expirySweepInterval, until done is closed.
func (r *Registry) RunExpirySweep(done <-chan struct{}) {
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Registry) sweep() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, createdAt := range r.gMapCreatedAt {
		if now.Sub(createdAt) < gMapMaxAge {
			continue
		}
		label, ok := r.gMap[key]
		if !ok {
			delete(r.gMapCreatedAt, key)
			continue
		}
		if r.active[key.Product][label] != 0 {
			continue
		}
		delete(r.gMap, key)
		delete(r.gMapCreatedAt, key)
	}
}
