// ABOUTME: Tests for the runtime HTTP client against a scripted NDJSON server
// ABOUTME: Covers event relay, gate round-trips, error frames, and cancellation

package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/generation"
	"github.com/2389/loom/internal/store"
)

// recordingHooks captures everything the client relays to the engine.
type recordingHooks struct {
	mu        sync.Mutex
	events    []*generation.RuntimeEvent
	onEvent   func(ev *generation.RuntimeEvent) error
	approval  generation.Decision
	authOK    bool
	authToken string
}

func (h *recordingHooks) OnEvent(ctx context.Context, ev *generation.RuntimeEvent) error {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
	if h.onEvent != nil {
		return h.onEvent(ev)
	}
	return nil
}

func (h *recordingHooks) RequestApproval(ctx context.Context, req *generation.ApprovalRequest) generation.Decision {
	return h.approval
}

func (h *recordingHooks) RequestAuth(ctx context.Context, req *generation.AuthRequest) *generation.AuthResult {
	res := &generation.AuthResult{Success: h.authOK}
	if h.authOK {
		res.Tokens = map[string]*store.IntegrationConnection{
			req.Integrations[0]: {Integration: req.Integrations[0], AccessToken: h.authToken},
		}
	}
	return res
}

func (h *recordingHooks) eventContents() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Content
	}
	return out
}

func writeFrames(t *testing.T, w http.ResponseWriter, frames ...string) {
	t.Helper()
	flusher, ok := w.(http.Flusher)
	require.True(t, ok)
	for _, f := range frames {
		_, err := fmt.Fprintln(w, f)
		require.NoError(t, err)
		flusher.Flush()
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunStreamsEventsAndFinishes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/runs", r.URL.Path)
		require.Equal(t, "shhh", r.Header.Get("X-Runtime-Secret"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gen-1", body["generationId"])

		writeFrames(t, w,
			`{"type":"event","event":{"type":"text","content":"hello "}}`,
			`{"type":"event","event":{"type":"text","content":"world"}}`,
			`{"type":"done","done":{"sandboxId":"sbx-9","usage":{"input_tokens":7,"output_tokens":3,"total_cost_usd":0.002}}}`,
		)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	hooks := &recordingHooks{}

	res, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1", ConversationID: "conv-1"}, hooks)
	require.NoError(t, err)
	assert.Equal(t, "sbx-9", res.SandboxID)
	assert.Equal(t, int64(7), res.Usage.InputTokens)
	assert.Equal(t, []string{"hello ", "world"}, hooks.eventContents())
}

func TestRunRelaysApprovalDecision(t *testing.T) {
	var approvalBody map[string]string
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"approval_request","approval":{"toolUseId":"tu-1","toolName":"send_email"}}`,
			`{"type":"done","done":{"sandboxId":"sbx-1","usage":{}}}`,
		)
	})
	mux.HandleFunc("/v1/runs/gen-1/approval", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&approvalBody))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	hooks := &recordingHooks{approval: generation.DecisionApproved}

	_, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1"}, hooks)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "tu-1", approvalBody["toolUseId"])
	assert.Equal(t, "allow", approvalBody["decision"])
}

func TestRunRelaysAuthTokens(t *testing.T) {
	var authBody struct {
		Success bool `json:"success"`
		Tokens  map[string]struct {
			AccessToken string `json:"accessToken"`
		} `json:"tokens"`
	}
	var mu sync.Mutex

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"auth_request","auth":{"integrations":["gmail"],"reason":"inbox"}}`,
			`{"type":"done","done":{"sandboxId":"sbx-1","usage":{}}}`,
		)
	})
	mux.HandleFunc("/v1/runs/gen-1/auth", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&authBody))
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	hooks := &recordingHooks{authOK: true, authToken: "tok-gmail"}

	_, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1"}, hooks)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, authBody.Success)
	assert.Equal(t, "tok-gmail", authBody.Tokens["gmail"].AccessToken)
}

func TestRunErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w, `{"type":"error","error":{"message":"sandbox crashed"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	_, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1"}, &recordingHooks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox crashed")
}

func TestRunStreamEndsWithoutDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w, `{"type":"event","event":{"type":"text","content":"partial"}}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	_, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1"}, &recordingHooks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without done")
}

func TestRunCancelledByHooks(t *testing.T) {
	cancelPosted := make(chan struct{}, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/runs", func(w http.ResponseWriter, r *http.Request) {
		writeFrames(t, w,
			`{"type":"event","event":{"type":"text","content":"one"}}`,
			`{"type":"event","event":{"type":"text","content":"two"}}`,
		)
	})
	mux.HandleFunc("/v1/runs/gen-1/cancel", func(w http.ResponseWriter, r *http.Request) {
		cancelPosted <- struct{}{}
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	hooks := &recordingHooks{onEvent: func(ev *generation.RuntimeEvent) error {
		return generation.ErrRunCancelled
	}}

	_, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1"}, hooks)
	assert.ErrorIs(t, err, generation.ErrRunCancelled)
	<-cancelPosted
}

func TestRunRejectedByRuntime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no capacity", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "shhh", testLogger())
	_, err := c.Run(t.Context(), &generation.RunRequest{GenerationID: "gen-1"}, &recordingHooks{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}
