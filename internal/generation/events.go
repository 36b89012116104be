// ABOUTME: Typed event payloads published on a generation's event stream
// ABOUTME: Discriminated by Type; exhaustively matched at the publish boundary

package generation

import (
	"encoding/json"
)

// EventType discriminates the event payloads on a generation stream.
type EventType string

const (
	EventText            EventType = "text"
	EventToolUse         EventType = "tool_use"
	EventToolResult      EventType = "tool_result"
	EventThinking        EventType = "thinking"
	EventPendingApproval EventType = "pending_approval"
	EventApprovalResult  EventType = "approval_result"
	EventAuthNeeded      EventType = "auth_needed"
	EventAuthProgress    EventType = "auth_progress"
	EventAuthResult      EventType = "auth_result"
	EventDone            EventType = "done"
	EventError           EventType = "error"
	EventCancelled       EventType = "cancelled"
	EventStatusChange    EventType = "status_change"
	EventSandboxFile     EventType = "sandbox_file"
)

// Event is one entry on a generation's ordered stream. Type selects which
// payload pointer is set; exactly one is non-nil (none for cancelled).
type Event struct {
	Type            EventType
	Text            *TextEvent
	ToolUse         *ToolUseEvent
	ToolResult      *ToolResultEvent
	Thinking        *ThinkingEvent
	PendingApproval *PendingApprovalEvent
	ApprovalResult  *ApprovalResultEvent
	AuthNeeded      *AuthNeededEvent
	AuthProgress    *AuthProgressEvent
	AuthResult      *AuthResultEvent
	Done            *DoneEvent
	Error           *ErrorEvent
	StatusChange    *StatusChangeEvent
	SandboxFile     *SandboxFileEvent
}

// Terminal reports whether this event ends the stream.
func (e *Event) Terminal() bool {
	switch e.Type {
	case EventDone, EventError, EventCancelled:
		return true
	}
	return false
}

// Payload returns the wire payload for the event's type. The switch is
// exhaustive over EventType; unknown types map to an empty object.
func (e *Event) Payload() any {
	switch e.Type {
	case EventText:
		return e.Text
	case EventToolUse:
		return e.ToolUse
	case EventToolResult:
		return e.ToolResult
	case EventThinking:
		return e.Thinking
	case EventPendingApproval:
		return e.PendingApproval
	case EventApprovalResult:
		return e.ApprovalResult
	case EventAuthNeeded:
		return e.AuthNeeded
	case EventAuthProgress:
		return e.AuthProgress
	case EventAuthResult:
		return e.AuthResult
	case EventDone:
		return e.Done
	case EventError:
		return e.Error
	case EventCancelled:
		return struct{}{}
	case EventStatusChange:
		return e.StatusChange
	case EventSandboxFile:
		return e.SandboxFile
	}
	return struct{}{}
}

// TextEvent carries one streamed chunk of assistant text.
type TextEvent struct {
	Content string `json:"content"`
}

// ToolUseEvent announces an agent tool invocation.
type ToolUseEvent struct {
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	ToolUseID   string          `json:"toolUseId,omitempty"`
	Integration string          `json:"integration,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	IsWrite     bool            `json:"isWrite,omitempty"`
}

// ToolResultEvent carries the outcome of a tool invocation.
type ToolResultEvent struct {
	ToolName string `json:"toolName"`
	Result   string `json:"result"`
}

// ThinkingEvent carries a chunk of model reasoning.
type ThinkingEvent struct {
	Content    string `json:"content"`
	ThinkingID string `json:"thinkingId"`
}

// PendingApprovalEvent tells subscribers a write tool call is paused on a
// human decision.
type PendingApprovalEvent struct {
	GenerationID   string          `json:"generationId"`
	ConversationID string          `json:"conversationId"`
	ToolUseID      string          `json:"toolUseId"`
	ToolName       string          `json:"toolName"`
	ToolInput      json.RawMessage `json:"toolInput,omitempty"`
	Integration    string          `json:"integration,omitempty"`
	Operation      string          `json:"operation,omitempty"`
	Command        string          `json:"command,omitempty"`
}

// ApprovalResultEvent reports how an approval gate resolved.
type ApprovalResultEvent struct {
	ToolUseID string `json:"toolUseId"`
	Decision  string `json:"decision"` // "approved" | "denied"
}

// AuthNeededEvent tells subscribers the generation is paused on OAuth.
type AuthNeededEvent struct {
	GenerationID   string   `json:"generationId"`
	ConversationID string   `json:"conversationId"`
	Integrations   []string `json:"integrations"`
	Reason         string   `json:"reason,omitempty"`
}

// AuthProgressEvent reports partial progress through a multi-integration
// auth gate.
type AuthProgressEvent struct {
	Connected []string `json:"connected"`
	Remaining []string `json:"remaining"`
}

// AuthResultEvent reports how an auth gate resolved.
type AuthResultEvent struct {
	Success      bool     `json:"success"`
	Integrations []string `json:"integrations,omitempty"`
}

// UsageSummary is the token/cost accounting attached to a done event.
type UsageSummary struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	TotalCostUSD float64 `json:"totalCostUsd"`
}

// DoneEvent is the normal terminal event.
type DoneEvent struct {
	GenerationID   string       `json:"generationId"`
	ConversationID string       `json:"conversationId"`
	MessageID      string       `json:"messageId"`
	Usage          UsageSummary `json:"usage"`
}

// ErrorEvent is the terminal event for an unrecoverable fault.
type ErrorEvent struct {
	Message string `json:"message"`
}

// StatusChangeEvent reports a persisted state-machine transition.
type StatusChangeEvent struct {
	Status string `json:"status"`
}

// SandboxFileEvent announces a file the sandbox produced.
type SandboxFileEvent struct {
	FileID    string `json:"fileId"`
	Path      string `json:"path"`
	Filename  string `json:"filename"`
	MimeType  string `json:"mimeType,omitempty"`
	SizeBytes int64  `json:"sizeBytes,omitempty"`
}
