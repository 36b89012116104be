// ABOUTME: Fan-out event channel with full-history replay per generation
// ABOUTME: Publishers never block; each subscriber drains at its own pace

package generation

import (
	"context"
	"sync"
)

// EventChannel is the live event stream of one generation. Events are
// appended to an in-memory history and every subscriber walks that history
// with its own cursor, so a late subscriber replays everything from the
// first event and a slow subscriber delays nobody but itself.
type EventChannel struct {
	mu      sync.Mutex
	cond    *sync.Cond
	history []*Event
	closed  bool
	done    chan struct{}
	buffer  int
}

// NewEventChannel creates a channel whose subscriber channels carry buffer
// pending events each.
func NewEventChannel(buffer int) *EventChannel {
	if buffer <= 0 {
		buffer = 1
	}
	c := &EventChannel{
		done:   make(chan struct{}),
		buffer: buffer,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Publish appends an event to the history and wakes all subscribers.
// Publishing after Close is a silent no-op.
func (c *EventChannel) Publish(ev *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.history = append(c.history, ev)
	c.cond.Broadcast()
}

// Close marks the stream complete. Subscribers drain the remaining history
// and then their channels close.
func (c *EventChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.cond.Broadcast()
}

// Closed reports whether the stream has been completed.
func (c *EventChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of events published so far.
func (c *EventChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

// Subscribe returns a channel that replays the full history and then follows
// the live stream. The channel closes after the last event once the stream is
// complete, or when ctx is cancelled.
func (c *EventChannel) Subscribe(ctx context.Context) <-chan *Event {
	out := make(chan *Event, c.buffer)

	// cond.Wait cannot observe ctx, so a watcher wakes the cursor loop
	// when the subscriber goes away.
	go func() {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.cond.Broadcast()
			c.mu.Unlock()
		case <-c.done:
		}
	}()

	go func() {
		defer close(out)
		cursor := 0
		for {
			c.mu.Lock()
			for cursor >= len(c.history) && !c.closed && ctx.Err() == nil {
				c.cond.Wait()
			}
			if ctx.Err() != nil {
				c.mu.Unlock()
				return
			}
			if cursor >= len(c.history) && c.closed {
				c.mu.Unlock()
				return
			}
			ev := c.history[cursor]
			cursor++
			c.mu.Unlock()

			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

// replayChannel builds a finished stream from already-known events. Used for
// subscriptions to generations that no longer have a live worker.
func replayChannel(events []*Event) <-chan *Event {
	out := make(chan *Event, len(events))
	for _, ev := range events {
		out <- ev
	}
	close(out)
	return out
}
