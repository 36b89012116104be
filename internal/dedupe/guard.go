// ABOUTME: TTL-bounded idempotency guard for generation start requests.
// ABOUTME: Remembers recently seen request keys so retried POSTs are rejected.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	seenAt  time.Time
	element *list.Element
}

// Guard tracks recently seen idempotency keys. A key stays remembered for
// the TTL or until evicted by capacity, whichever comes first. Eviction is
// oldest-first via a doubly-linked list, O(1).
type Guard struct {
	mu      sync.Mutex
	keys    map[string]*entry
	order   *list.List // keys in insertion order, oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

// NewGuard creates a guard with the given TTL and maximum tracked keys.
// A background goroutine periodically drops expired entries.
func NewGuard(ttl time.Duration, maxSize int) *Guard {
	g := &Guard{
		keys:    make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go g.cleanup()
	return g
}

// Duplicate atomically checks whether key was seen within the TTL, marking
// it if not. Returns true when the key is a duplicate and the request should
// be rejected.
func (g *Guard) Duplicate(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.keys[key]; ok && time.Since(e.seenAt) < g.ttl {
		return true
	}

	now := time.Now()
	if e, ok := g.keys[key]; ok {
		// Expired entry: refresh in place.
		e.seenAt = now
		g.order.MoveToBack(e.element)
		return false
	}

	if len(g.keys) >= g.maxSize {
		g.evictOldest()
	}
	elem := g.order.PushBack(key)
	g.keys[key] = &entry{seenAt: now, element: elem}
	return false
}

// evictOldest must be called with mu held.
func (g *Guard) evictOldest() {
	front := g.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	g.order.Remove(front)
	delete(g.keys, key)
}

func (g *Guard) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.dropExpired()
		case <-g.done:
			return
		}
	}
}

func (g *Guard) dropExpired() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	for key, e := range g.keys {
		if now.Sub(e.seenAt) > g.ttl {
			g.order.Remove(e.element)
			delete(g.keys, key)
		}
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (g *Guard) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.closed {
		close(g.done)
		g.closed = true
	}
}
