// ABOUTME: Store interface and data types for loom persistence
// ABOUTME: Defines Conversation, Generation, QueuedMessage structs and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when inserting an entity whose ID already exists
var ErrDuplicate = errors.New("already exists")

// GenerationStatus is the lifecycle state of a single generation.
type GenerationStatus string

const (
	GenerationRunning          GenerationStatus = "running"
	GenerationAwaitingApproval GenerationStatus = "awaiting_approval"
	GenerationAwaitingAuth     GenerationStatus = "awaiting_auth"
	GenerationPaused           GenerationStatus = "paused"
	GenerationCompleted        GenerationStatus = "completed"
	GenerationCancelled        GenerationStatus = "cancelled"
	GenerationError            GenerationStatus = "error"
)

// IsTerminal reports whether the status is final. A generation row becomes
// immutable once a terminal status is persisted.
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case GenerationCompleted, GenerationCancelled, GenerationError:
		return true
	}
	return false
}

// ConversationStatus is the coarser generation view stored on the conversation.
type ConversationStatus string

const (
	ConversationIdle             ConversationStatus = "idle"
	ConversationGenerating       ConversationStatus = "generating"
	ConversationAwaitingApproval ConversationStatus = "awaiting_approval"
	ConversationAwaitingAuth     ConversationStatus = "awaiting_auth"
	ConversationPaused           ConversationStatus = "paused"
	ConversationComplete         ConversationStatus = "complete"
	ConversationError            ConversationStatus = "error"
)

// ConversationStatusFor maps a generation status onto the conversation's view.
func ConversationStatusFor(s GenerationStatus) ConversationStatus {
	switch s {
	case GenerationRunning:
		return ConversationGenerating
	case GenerationAwaitingApproval:
		return ConversationAwaitingApproval
	case GenerationAwaitingAuth:
		return ConversationAwaitingAuth
	case GenerationPaused:
		return ConversationPaused
	case GenerationCompleted:
		return ConversationComplete
	case GenerationCancelled:
		return ConversationIdle
	case GenerationError:
		return ConversationError
	}
	return ConversationIdle
}

// Content part types stored in a generation's content_parts column.
const (
	PartTypeText       = "text"
	PartTypeToolUse    = "tool_use"
	PartTypeToolResult = "tool_result"
	PartTypeThinking   = "thinking"
	PartTypeSystem     = "system"
)

// ContentPart is one typed fragment of a generation's output.
type ContentPart struct {
	Type        string          `json:"type"`
	Content     string          `json:"content,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ThinkingID  string          `json:"thinking_id,omitempty"`
	Integration string          `json:"integration,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	IsWrite     bool            `json:"is_write,omitempty"`
}

// Attachment references a file in object storage.
type Attachment struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mime_type,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

// ExecutionPolicy is the snapshot a worker needs to (re)drive a generation:
// the prompt, the model, the integrations the agent may touch, and whether
// write operations are auto-approved.
type ExecutionPolicy struct {
	Content             string       `json:"content"`
	Model               string       `json:"model,omitempty"`
	AllowedIntegrations []string     `json:"allowed_integrations,omitempty"`
	AutoApprove         bool         `json:"auto_approve,omitempty"`
	Attachments         []Attachment `json:"attachments,omitempty"`
}

// PendingApproval records an approval gate awaiting a human decision.
type PendingApproval struct {
	ToolUseID   string          `json:"tool_use_id"`
	ToolName    string          `json:"tool_name"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Integration string          `json:"integration,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Command     string          `json:"command,omitempty"`
	RequestedAt time.Time       `json:"requested_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Decision    *string         `json:"decision,omitempty"` // "approved" | "denied" once resolved
}

// PendingAuth records an auth gate awaiting OAuth connections.
type PendingAuth struct {
	Integrations []string  `json:"integrations"`
	Connected    []string  `json:"connected,omitempty"`
	RequestedAt  time.Time `json:"requested_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Reason       string    `json:"reason,omitempty"`
}

// Usage holds token and cost counters for one generation.
type Usage struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Generation is one run of the agent answering a single user turn.
// Mutated only by the worker driving it; immutable once terminal.
type Generation struct {
	ID              string
	ConversationID  string
	Status          GenerationStatus
	ContentParts    []ContentPart
	PendingApproval *PendingApproval
	PendingAuth     *PendingAuth
	Policy          ExecutionPolicy
	SandboxID       string
	Usage           Usage
	StartedAt       time.Time
	CancelRequested *time.Time
	CompletedAt     *time.Time
	ErrorMessage    string
}

// Conversation is the durable thread owning a sequence of generations.
type Conversation struct {
	ID                  string
	UserID              string
	GenerationStatus    ConversationStatus
	CurrentGenerationID *string
	AutoApprove         bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a persisted conversation turn (user prompt or final assistant
// output assembled from a generation's content parts).
type Message struct {
	ID             string
	ConversationID string
	GenerationID   *string
	Role           string // "user" | "assistant"
	ContentParts   []ContentPart
	CreatedAt      time.Time
}

// Queued message status values.
const (
	QueuedMessageQueued   = "queued"
	QueuedMessageConsumed = "consumed"
)

// QueuedMessage is a follow-up user message deferred until the active
// generation finishes.
type QueuedMessage struct {
	ID             string
	ConversationID string
	Content        string
	Attachments    []Attachment
	Capabilities   []string
	Status         string
	CreatedAt      time.Time
}

// IntegrationConnection is the stored OAuth connection state for one
// (user, integration) pair. Token exchange itself happens elsewhere; the
// engine only reads validity and hands tokens back to the runtime.
type IntegrationConnection struct {
	UserID       string
	Integration  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// Valid reports whether the connection can be used right now.
func (c *IntegrationConnection) Valid(now time.Time) bool {
	if c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// Store defines the interface for loom persistence
type Store interface {
	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	// UpdateConversationGeneration updates the conversation's coarse view of
	// its current generation in one write.
	UpdateConversationGeneration(ctx context.Context, id string, status ConversationStatus, currentGenerationID *string) error
	SetConversationAutoApprove(ctx context.Context, id string, autoApprove bool) error

	// Generations
	CreateGeneration(ctx context.Context, gen *Generation) error
	GetGeneration(ctx context.Context, id string) (*Generation, error)
	// UpdateGeneration persists the full mutable portion of a generation row
	// (status, content parts, pending gates, sandbox id, usage, timestamps).
	UpdateGeneration(ctx context.Context, gen *Generation) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	ListConversationMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Queued messages
	EnqueueMessage(ctx context.Context, msg *QueuedMessage) error
	ListQueuedMessages(ctx context.Context, conversationID string) ([]*QueuedMessage, error)
	RemoveQueuedMessage(ctx context.Context, id string) error
	// DeleteQueuedByConversation removes all queued messages for a
	// conversation; used by enqueue with replace_existing.
	DeleteQueuedByConversation(ctx context.Context, conversationID string) error
	// ConsumeNextQueuedMessage atomically dequeues the oldest queued message,
	// marking it consumed. Returns ErrNotFound when the queue is empty.
	ConsumeNextQueuedMessage(ctx context.Context, conversationID string) (*QueuedMessage, error)

	// Integration connections
	GetIntegrationConnection(ctx context.Context, userID, integration string) (*IntegrationConnection, error)
	UpsertIntegrationConnection(ctx context.Context, conn *IntegrationConnection) error

	// Close releases any resources held by the store
	Close() error
}
