// ABOUTME: Durable per-conversation follow-up message queue
// ABOUTME: FIFO; consumed one at a time when a generation reaches a terminal state

package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/loom/internal/store"
)

// Queue manages follow-up messages for busy conversations. Messages are
// durable: they survive a restart and are drained oldest-first.
type Queue struct {
	store  store.Store
	logger *slog.Logger
}

// NewQueue creates a queue backed by st.
func NewQueue(st store.Store, logger *slog.Logger) *Queue {
	return &Queue{store: st, logger: logger.With("component", "queue")}
}

// Enqueue adds a message to the conversation's queue. With replaceExisting
// set, any messages already queued for the conversation are dropped first.
func (q *Queue) Enqueue(ctx context.Context, conversationID, content string, attachments []store.Attachment, capabilities []string, replaceExisting bool) (*store.QueuedMessage, error) {
	if content == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidRequest)
	}
	if replaceExisting {
		if err := q.store.DeleteQueuedByConversation(ctx, conversationID); err != nil {
			return nil, fmt.Errorf("replacing queued messages: %w", err)
		}
	}

	msg := &store.QueuedMessage{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Content:        content,
		Attachments:    attachments,
		Capabilities:   capabilities,
		Status:         store.QueuedMessageQueued,
		CreatedAt:      time.Now().UTC(),
	}
	if err := q.store.EnqueueMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueueing message: %w", err)
	}
	q.logger.Debug("message queued", "conversation_id", conversationID, "queued_id", msg.ID, "replace", replaceExisting)
	return msg, nil
}

// List returns the conversation's queued messages, oldest first.
func (q *Queue) List(ctx context.Context, conversationID string) ([]*store.QueuedMessage, error) {
	return q.store.ListQueuedMessages(ctx, conversationID)
}

// Remove deletes a queued message. Removing an unknown ID succeeds.
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.store.RemoveQueuedMessage(ctx, id)
}

// ConsumeNext atomically dequeues the oldest queued message, or returns
// (nil, nil) when the queue is empty.
func (q *Queue) ConsumeNext(ctx context.Context, conversationID string) (*store.QueuedMessage, error) {
	msg, err := q.store.ConsumeNextQueuedMessage(ctx, conversationID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consuming queued message: %w", err)
	}
	return msg, nil
}
