// ABOUTME: One-shot deadline-bounded gate used for approval and auth pauses
// ABOUTME: First resolution wins; expiry resolves to a caller-supplied fallback

package generation

import (
	"context"
	"sync"
	"time"
)

// Gate is a single-use synchronization point between a blocked worker and an
// external resolver. It resolves exactly once: either by an explicit Resolve
// call or, when the timeout elapses first, with the fallback value. Later
// Resolve calls report false and are otherwise ignored.
type Gate[T any] struct {
	mu       sync.Mutex
	value    T
	fallback T
	resolved bool
	done     chan struct{}
	timer    *time.Timer
}

// NewGate creates a gate that auto-resolves to fallback after timeout.
// A timeout of zero or less means no deadline.
func NewGate[T any](timeout time.Duration, fallback T) *Gate[T] {
	g := &Gate[T]{
		fallback: fallback,
		done:     make(chan struct{}),
	}
	if timeout > 0 {
		g.timer = time.AfterFunc(timeout, func() {
			g.Resolve(fallback)
		})
	}
	return g
}

// Resolve delivers the gate's value. It returns true if this call won the
// race, false if the gate was already resolved (by a prior call or expiry).
func (g *Gate[T]) Resolve(v T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.resolved {
		return false
	}
	g.resolved = true
	g.value = v
	if g.timer != nil {
		g.timer.Stop()
	}
	close(g.done)
	return true
}

// Await blocks until the gate resolves or ctx is cancelled. On context
// cancellation it returns the fallback without resolving the gate.
func (g *Gate[T]) Await(ctx context.Context) T {
	select {
	case <-g.done:
		g.mu.Lock()
		defer g.mu.Unlock()
		return g.value
	case <-ctx.Done():
		return g.fallback
	}
}

// Resolved reports whether the gate has already been resolved.
func (g *Gate[T]) Resolved() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.resolved
}
