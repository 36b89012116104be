// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	generations   map[string]*Generation
	messages      map[string][]*Message       // keyed by conversationID
	queued        map[string]*QueuedMessage   // keyed by message ID
	connections   map[string]*IntegrationConnection // keyed by "userID:integration"
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		generations:   make(map[string]*Generation),
		messages:      make(map[string][]*Message),
		queued:        make(map[string]*QueuedMessage),
		connections:   make(map[string]*IntegrationConnection),
	}
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conv.ID]; exists {
		return ErrDuplicate
	}
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conv
	return &c, nil
}

// UpdateConversationGeneration updates the conversation's generation view.
func (m *MockStore) UpdateConversationGeneration(ctx context.Context, id string, status ConversationStatus, currentGenerationID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.GenerationStatus = status
	conv.CurrentGenerationID = currentGenerationID
	conv.UpdatedAt = time.Now()
	return nil
}

// SetConversationAutoApprove toggles auto-approve.
func (m *MockStore) SetConversationAutoApprove(ctx context.Context, id string, autoApprove bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	conv.AutoApprove = autoApprove
	conv.UpdatedAt = time.Now()
	return nil
}

// CreateGeneration stores a new generation.
func (m *MockStore) CreateGeneration(ctx context.Context, gen *Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.generations[gen.ID]; exists {
		return ErrDuplicate
	}
	m.generations[gen.ID] = copyGeneration(gen)
	return nil
}

// GetGeneration retrieves a generation by ID.
func (m *MockStore) GetGeneration(ctx context.Context, id string) (*Generation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	gen, ok := m.generations[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyGeneration(gen), nil
}

// UpdateGeneration replaces the stored generation.
func (m *MockStore) UpdateGeneration(ctx context.Context, gen *Generation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.generations[gen.ID]; !ok {
		return ErrNotFound
	}
	m.generations[gen.ID] = copyGeneration(gen)
	return nil
}

// SaveMessage stores a message.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *msg
	c.ContentParts = append([]ContentPart(nil), msg.ContentParts...)
	m.messages[c.ConversationID] = append(m.messages[c.ConversationID], &c)
	return nil
}

// ListConversationMessages returns messages in creation order.
func (m *MockStore) ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	out := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		c := *msg
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnqueueMessage stores a queued message.
func (m *MockStore) EnqueueMessage(ctx context.Context, msg *QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.queued[msg.ID]; exists {
		return ErrDuplicate
	}
	c := *msg
	m.queued[c.ID] = &c
	return nil
}

// ListQueuedMessages returns still-queued messages, oldest first.
func (m *MockStore) ListQueuedMessages(ctx context.Context, conversationID string) ([]*QueuedMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*QueuedMessage
	for _, msg := range m.queued {
		if msg.ConversationID == conversationID && msg.Status == QueuedMessageQueued {
			c := *msg
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RemoveQueuedMessage deletes a queued message; unknown IDs are a no-op.
func (m *MockStore) RemoveQueuedMessage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.queued, id)
	return nil
}

// DeleteQueuedByConversation removes all queued messages for a conversation.
func (m *MockStore) DeleteQueuedByConversation(ctx context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, msg := range m.queued {
		if msg.ConversationID == conversationID && msg.Status == QueuedMessageQueued {
			delete(m.queued, id)
		}
	}
	return nil
}

// ConsumeNextQueuedMessage dequeues the oldest queued message.
func (m *MockStore) ConsumeNextQueuedMessage(ctx context.Context, conversationID string) (*QueuedMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *QueuedMessage
	for _, msg := range m.queued {
		if msg.ConversationID != conversationID || msg.Status != QueuedMessageQueued {
			continue
		}
		if oldest == nil || msg.CreatedAt.Before(oldest.CreatedAt) {
			oldest = msg
		}
	}
	if oldest == nil {
		return nil, ErrNotFound
	}
	oldest.Status = QueuedMessageConsumed
	c := *oldest
	return &c, nil
}

// GetIntegrationConnection returns the stored connection for a user/integration.
func (m *MockStore) GetIntegrationConnection(ctx context.Context, userID, integration string) (*IntegrationConnection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conn, ok := m.connections[userID+":"+integration]
	if !ok {
		return nil, ErrNotFound
	}
	c := *conn
	return &c, nil
}

// UpsertIntegrationConnection inserts or replaces a connection.
func (m *MockStore) UpsertIntegrationConnection(ctx context.Context, conn *IntegrationConnection) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *conn
	m.connections[c.UserID+":"+c.Integration] = &c
	return nil
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}

// copyGeneration deep-copies the mutable slices and pointers of a generation.
func copyGeneration(gen *Generation) *Generation {
	c := *gen
	c.ContentParts = append([]ContentPart(nil), gen.ContentParts...)
	if gen.PendingApproval != nil {
		pa := *gen.PendingApproval
		c.PendingApproval = &pa
	}
	if gen.PendingAuth != nil {
		pa := *gen.PendingAuth
		pa.Integrations = append([]string(nil), gen.PendingAuth.Integrations...)
		pa.Connected = append([]string(nil), gen.PendingAuth.Connected...)
		c.PendingAuth = &pa
	}
	if gen.CancelRequested != nil {
		t := *gen.CancelRequested
		c.CancelRequested = &t
	}
	if gen.CompletedAt != nil {
		t := *gen.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
