// ABOUTME: Tests for the fan-out event channel
// ABOUTME: Covers ordering, late-subscriber replay, slow subscribers, and close

package generation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func textEvent(s string) *Event {
	return &Event{Type: EventText, Text: &TextEvent{Content: s}}
}

func drainAll(t *testing.T, ch <-chan *Event) []*Event {
	t.Helper()
	var out []*Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out draining channel after %d events", len(out))
		}
	}
}

func TestEventChannelDeliversInOrder(t *testing.T) {
	c := NewEventChannel(8)
	sub := c.Subscribe(t.Context())

	c.Publish(textEvent("a"))
	c.Publish(textEvent("b"))
	c.Publish(textEvent("c"))
	c.Close()

	events := drainAll(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Text.Content)
	assert.Equal(t, "b", events[1].Text.Content)
	assert.Equal(t, "c", events[2].Text.Content)
}

func TestEventChannelLateSubscriberReplaysHistory(t *testing.T) {
	c := NewEventChannel(8)

	c.Publish(textEvent("a"))
	c.Publish(textEvent("b"))

	sub := c.Subscribe(t.Context())
	c.Publish(textEvent("c"))
	c.Close()

	events := drainAll(t, sub)
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].Text.Content)
	assert.Equal(t, "c", events[2].Text.Content)
}

func TestEventChannelSubscribeAfterClose(t *testing.T) {
	c := NewEventChannel(8)
	c.Publish(textEvent("a"))
	c.Close()

	events := drainAll(t, c.Subscribe(t.Context()))
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Text.Content)
}

func TestEventChannelSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	c := NewEventChannel(1)

	// Never read from this subscription until the end.
	slow := c.Subscribe(t.Context())
	fast := c.Subscribe(t.Context())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			c.Publish(textEvent("x"))
		}
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked by slow subscriber")
	}

	assert.Len(t, drainAll(t, fast), 100)
	assert.Len(t, drainAll(t, slow), 100)
}

func TestEventChannelSubscriberContextCancel(t *testing.T) {
	c := NewEventChannel(8)
	ctx, cancel := context.WithCancel(t.Context())
	sub := c.Subscribe(ctx)

	c.Publish(textEvent("a"))
	cancel()

	// The subscription channel closes without the stream ending.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-sub:
			if !ok {
				assert.False(t, c.Closed())
				return
			}
		case <-timeout:
			t.Fatal("subscription did not close on context cancel")
		}
	}
}

func TestEventChannelPublishAfterCloseIsNoop(t *testing.T) {
	c := NewEventChannel(8)
	c.Publish(textEvent("a"))
	c.Close()
	c.Publish(textEvent("b"))

	assert.Equal(t, 1, c.Len())
}
