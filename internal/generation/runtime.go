// ABOUTME: Runtime contract between the engine and the sandboxed agent driver
// ABOUTME: The driver streams events and blocks on approval/auth callbacks

package generation

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/loom/internal/store"
)

// ErrRunCancelled is returned by a Runtime when the engine asked it to stop
// mid-run. The worker treats it as a clean cancellation, not a fault.
var ErrRunCancelled = errors.New("generation run cancelled")

// Decision is the outcome of an approval gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

// RuntimeEventType discriminates callbacks streamed by a Runtime.
type RuntimeEventType string

const (
	RuntimeEventText        RuntimeEventType = "text"
	RuntimeEventThinking    RuntimeEventType = "thinking"
	RuntimeEventToolUse     RuntimeEventType = "tool_use"
	RuntimeEventToolResult  RuntimeEventType = "tool_result"
	RuntimeEventSandboxFile RuntimeEventType = "sandbox_file"
)

// RuntimeEvent is one incremental output from the sandboxed agent.
type RuntimeEvent struct {
	Type        RuntimeEventType  `json:"type"`
	Content     string            `json:"content,omitempty"`
	ThinkingID  string            `json:"thinkingId,omitempty"`
	ToolName    string            `json:"toolName,omitempty"`
	ToolInput   json.RawMessage   `json:"toolInput,omitempty"`
	ToolUseID   string            `json:"toolUseId,omitempty"`
	Integration string            `json:"integration,omitempty"`
	Operation   string            `json:"operation,omitempty"`
	Result      string            `json:"result,omitempty"`
	File        *SandboxFileEvent `json:"file,omitempty"`
}

// ApprovalRequest asks for a human decision on a write-capable tool call.
type ApprovalRequest struct {
	ToolUseID   string          `json:"toolUseId"`
	ToolName    string          `json:"toolName"`
	ToolInput   json.RawMessage `json:"toolInput,omitempty"`
	Integration string          `json:"integration,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	Command     string          `json:"command,omitempty"`
}

// AuthRequest asks for OAuth connections the agent is missing.
type AuthRequest struct {
	Integrations []string `json:"integrations"`
	Reason       string   `json:"reason,omitempty"`
}

// AuthResult is the outcome of an auth gate. On success Tokens holds a valid
// connection per requested integration.
type AuthResult struct {
	Success bool
	UserID  string
	Tokens  map[string]*store.IntegrationConnection
}

// Hooks is the engine-side surface a Runtime calls back into while a run is
// in flight. All methods are synchronous: RequestApproval and RequestAuth
// block the run until the gate resolves and never fail, resolving to the
// safe default (deny, auth failure) on timeout.
type Hooks interface {
	// OnEvent delivers one incremental output. A non-nil error tells the
	// runtime to stop; ErrRunCancelled means the user cancelled.
	OnEvent(ctx context.Context, ev *RuntimeEvent) error
	RequestApproval(ctx context.Context, req *ApprovalRequest) Decision
	RequestAuth(ctx context.Context, req *AuthRequest) *AuthResult
}

// RunRequest describes one generation run handed to a Runtime.
type RunRequest struct {
	GenerationID   string
	ConversationID string
	UserID         string
	SandboxID      string
	Policy         store.ExecutionPolicy
	History        []*store.Message
}

// RunResult is the final accounting of a successful run.
type RunResult struct {
	SandboxID string
	Usage     store.Usage
}

// Runtime drives a sandboxed agent for one generation. Run blocks until the
// agent finishes, streaming output through hooks as it goes.
type Runtime interface {
	Run(ctx context.Context, req *RunRequest, hooks Hooks) (*RunResult, error)
}
