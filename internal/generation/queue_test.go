// ABOUTME: Tests for the durable follow-up message queue
// ABOUTME: Uses the in-memory mock store

package generation

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/store"
)

func newTestQueue() *Queue {
	return NewQueue(store.NewMockStore(), slog.Default())
}

func TestQueueEnqueueAndConsume(t *testing.T) {
	q := newTestQueue()
	ctx := t.Context()

	first, err := q.Enqueue(ctx, "conv-1", "first", nil, nil, false)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "conv-1", "second", nil, []string{"gmail"}, false)
	require.NoError(t, err)

	msgs, err := q.List(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, first.ID, msgs[0].ID)
	assert.Equal(t, second.ID, msgs[1].ID)

	got, err := q.ConsumeNext(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.Content)

	got, err = q.ConsumeNext(ctx, "conv-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Content)
	assert.Equal(t, []string{"gmail"}, got.Capabilities)

	got, err = q.ConsumeNext(ctx, "conv-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestQueueEnqueueRejectsEmptyContent(t *testing.T) {
	q := newTestQueue()

	_, err := q.Enqueue(t.Context(), "conv-1", "", nil, nil, false)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestQueueReplaceExisting(t *testing.T) {
	q := newTestQueue()
	ctx := t.Context()

	_, err := q.Enqueue(ctx, "conv-1", "stale", nil, nil, false)
	require.NoError(t, err)
	replacement, err := q.Enqueue(ctx, "conv-1", "fresh", nil, nil, true)
	require.NoError(t, err)

	msgs, err := q.List(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, replacement.ID, msgs[0].ID)
	assert.Equal(t, "fresh", msgs[0].Content)
}

func TestQueueRemoveIsIdempotent(t *testing.T) {
	q := newTestQueue()
	ctx := t.Context()

	msg, err := q.Enqueue(ctx, "conv-1", "hello", nil, nil, false)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, msg.ID))
	require.NoError(t, q.Remove(ctx, msg.ID))
	require.NoError(t, q.Remove(ctx, "never-existed"))

	msgs, err := q.List(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
