// ABOUTME: HTTP client driving the sandbox runtime service for one run
// ABOUTME: Reads an NDJSON frame stream and relays gate results back

package runtime

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/2389/loom/internal/generation"
	"github.com/2389/loom/internal/store"
)

// maxFrameBytes bounds a single NDJSON frame from the runtime.
const maxFrameBytes = 4 << 20

// Client implements generation.Runtime against the sandbox runtime's HTTP
// API. A run is one long-lived POST whose response body is a stream of
// newline-delimited JSON frames; approval and auth pauses are relayed back
// with short follow-up POSTs.
type Client struct {
	endpoint string
	secret   string
	http     *http.Client
	logger   *slog.Logger
}

// NewClient creates a runtime client for the service at endpoint. The
// secret authenticates loom to the runtime on every request.
func NewClient(endpoint, secret string, logger *slog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		secret:   secret,
		// No overall timeout: a run legitimately lasts minutes and is
		// bounded by its context instead.
		http:   &http.Client{},
		logger: logger.With("component", "runtime"),
	}
}

// frame is one NDJSON line from the runtime.
type frame struct {
	Type     string                      `json:"type"`
	Event    *generation.RuntimeEvent    `json:"event,omitempty"`
	Approval *generation.ApprovalRequest `json:"approval,omitempty"`
	Auth     *generation.AuthRequest     `json:"auth,omitempty"`
	Done     *doneFrame                  `json:"done,omitempty"`
	Error    *errorFrame                 `json:"error,omitempty"`
}

const (
	frameEvent    = "event"
	frameApproval = "approval_request"
	frameAuth     = "auth_request"
	frameDone     = "done"
	frameError    = "error"
)

type doneFrame struct {
	SandboxID string      `json:"sandboxId"`
	Usage     store.Usage `json:"usage"`
}

type errorFrame struct {
	Message string `json:"message"`
}

// runBody is the request that opens a run stream.
type runBody struct {
	GenerationID   string                `json:"generationId"`
	ConversationID string                `json:"conversationId"`
	UserID         string                `json:"userId"`
	SandboxID      string                `json:"sandboxId,omitempty"`
	Policy         store.ExecutionPolicy `json:"policy"`
	History        []historyMessage      `json:"history,omitempty"`
}

type historyMessage struct {
	Role         string              `json:"role"`
	ContentParts []store.ContentPart `json:"contentParts"`
}

// approvalResultBody relays an approval decision back to the runtime.
type approvalResultBody struct {
	ToolUseID string `json:"toolUseId"`
	Decision  string `json:"decision"` // "allow" | "deny"
}

// WireDecision maps an engine decision onto the runtime protocol vocabulary.
func WireDecision(d generation.Decision) string {
	if d == generation.DecisionApproved {
		return "allow"
	}
	return "deny"
}

// authResultBody relays an auth outcome back to the runtime. Tokens are
// keyed by integration.
type authResultBody struct {
	Success bool                  `json:"success"`
	Tokens  map[string]tokenGrant `json:"tokens,omitempty"`
}

type tokenGrant struct {
	AccessToken string `json:"accessToken"`
}

// Run opens the run stream and relays frames until the runtime reports done
// or error, the stream breaks, or hooks ask it to stop.
func (c *Client) Run(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
	history := make([]historyMessage, 0, len(req.History))
	for _, msg := range req.History {
		history = append(history, historyMessage{Role: msg.Role, ContentParts: msg.ContentParts})
	}
	body := &runBody{
		GenerationID:   req.GenerationID,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		SandboxID:      req.SandboxID,
		Policy:         req.Policy,
		History:        history,
	}

	resp, err := c.post(ctx, "/v1/runs", body)
	if err != nil {
		return nil, fmt.Errorf("opening run stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("runtime rejected run: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			return nil, fmt.Errorf("decoding runtime frame: %w", err)
		}

		switch f.Type {
		case frameEvent:
			if f.Event == nil {
				continue
			}
			if err := hooks.OnEvent(ctx, f.Event); err != nil {
				c.cancelRun(req.GenerationID)
				return nil, err
			}

		case frameApproval:
			if f.Approval == nil {
				continue
			}
			decision := hooks.RequestApproval(ctx, f.Approval)
			if err := c.sendApproval(ctx, req.GenerationID, f.Approval.ToolUseID, decision); err != nil {
				return nil, fmt.Errorf("relaying approval decision: %w", err)
			}

		case frameAuth:
			if f.Auth == nil {
				continue
			}
			result := hooks.RequestAuth(ctx, f.Auth)
			if err := c.sendAuthResult(ctx, req.GenerationID, result); err != nil {
				return nil, fmt.Errorf("relaying auth result: %w", err)
			}

		case frameDone:
			if f.Done == nil {
				return nil, errors.New("runtime sent done frame without payload")
			}
			return &generation.RunResult{SandboxID: f.Done.SandboxID, Usage: f.Done.Usage}, nil

		case frameError:
			msg := "runtime error"
			if f.Error != nil && f.Error.Message != "" {
				msg = f.Error.Message
			}
			return nil, errors.New(msg)

		default:
			c.logger.Warn("unknown runtime frame type", "type", f.Type)
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading run stream: %w", err)
	}
	return nil, errors.New("run stream ended without done frame")
}

// sendApproval posts an approval decision to the runtime.
func (c *Client) sendApproval(ctx context.Context, generationID, toolUseID string, decision generation.Decision) error {
	resp, err := c.post(ctx, "/v1/runs/"+generationID+"/approval", &approvalResultBody{
		ToolUseID: toolUseID,
		Decision:  WireDecision(decision),
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("runtime rejected approval result: status %d", resp.StatusCode)
	}
	return nil
}

// sendAuthResult posts an auth outcome, with tokens on success.
func (c *Client) sendAuthResult(ctx context.Context, generationID string, result *generation.AuthResult) error {
	body := &authResultBody{Success: result.Success}
	if result.Success && len(result.Tokens) > 0 {
		body.Tokens = make(map[string]tokenGrant, len(result.Tokens))
		for integration, conn := range result.Tokens {
			body.Tokens[integration] = tokenGrant{AccessToken: conn.AccessToken}
		}
	}
	resp, err := c.post(ctx, "/v1/runs/"+generationID+"/auth", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("runtime rejected auth result: status %d", resp.StatusCode)
	}
	return nil
}

// cancelRun tells the runtime to stop a run. Best effort: the engine has
// already decided to stop, so failures are only logged.
func (c *Client) cancelRun(generationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.post(ctx, "/v1/runs/"+generationID+"/cancel", struct{}{})
	if err != nil {
		c.logger.Warn("failed to cancel runtime run", "generation_id", generationID, "error", err)
		return
	}
	resp.Body.Close()
}

// post sends a JSON request with the shared secret attached.
func (c *Client) post(ctx context.Context, path string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Runtime-Secret", c.secret)
	return c.http.Do(req)
}
