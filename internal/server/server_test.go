// ABOUTME: Handler tests for the HTTP API using httptest and a scripted runtime
// ABOUTME: Covers auth enforcement, lifecycle endpoints, SSE replay, and callbacks

package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/config"
	"github.com/2389/loom/internal/generation"
	"github.com/2389/loom/internal/store"
)

type scriptedRuntime struct {
	run func(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error)
}

func (f *scriptedRuntime) Run(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
	return f.run(ctx, req, hooks)
}

func echoRuntime(text string) *scriptedRuntime {
	return &scriptedRuntime{run: func(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
		if err := hooks.OnEvent(ctx, &generation.RuntimeEvent{Type: generation.RuntimeEventText, Content: text}); err != nil {
			return nil, err
		}
		return &generation.RunResult{SandboxID: "sbx-1", Usage: store.Usage{InputTokens: 3, OutputTokens: 2}}, nil
	}}
}

type testEnv struct {
	server   *Server
	manager  *generation.Manager
	store    *store.MockStore
	verifier *auth.JWTVerifier
}

func newTestEnv(t *testing.T, rt generation.Runtime) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMockStore()
	m := generation.NewManager(generation.Options{
		Store:           st,
		Runtime:         rt,
		Logger:          logger,
		ApprovalTimeout: time.Minute,
		AuthTimeout:     time.Minute,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})

	cfg := &config.Config{}
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Auth.JWTSecret = "test-jwt-secret"
	cfg.Auth.RuntimeSecret = "test-runtime-secret"
	cfg.Database.Path = ":memory:"
	cfg.Runtime.Endpoint = "http://runtime.invalid"

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	return &testEnv{
		server:   New(cfg, m, verifier, nil, logger),
		manager:  m,
		store:    st,
		verifier: verifier,
	}
}

func (e *testEnv) token(t *testing.T, userID string) string {
	t.Helper()
	token, err := e.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) startGeneration(t *testing.T, userID string) StartGenerationResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/generations", e.token(t, userID), StartGenerationRequest{Content: "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp StartGenerationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func (e *testEnv) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return e.manager.Registry().Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAPIRequiresAuth(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	rec := e.do(t, http.MethodPost, "/api/generations", "", StartGenerationRequest{Content: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/generations/some-id", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStartAndGetGeneration(t *testing.T) {
	e := newTestEnv(t, echoRuntime("streamed text"))

	resp := e.startGeneration(t, "user-1")
	e.waitIdle(t)

	rec := e.do(t, http.MethodGet, "/api/generations/"+resp.GenerationID, e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var gen GenerationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&gen))
	assert.Equal(t, "completed", gen.Status)
	assert.Equal(t, resp.ConversationID, gen.ConversationID)
	require.NotEmpty(t, gen.ContentParts)
	assert.Equal(t, "streamed text", gen.ContentParts[0].Content)
	assert.False(t, gen.Live)
}

func TestGetGenerationOwnership(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	resp := e.startGeneration(t, "user-1")
	e.waitIdle(t)

	rec := e.do(t, http.MethodGet, "/api/generations/"+resp.GenerationID, e.token(t, "intruder"), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/generations/never-existed", e.token(t, "user-1"), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamEventsReplaysSSE(t *testing.T) {
	e := newTestEnv(t, echoRuntime("chunk"))

	resp := e.startGeneration(t, "user-1")
	e.waitIdle(t)

	rec := e.do(t, http.MethodGet, "/api/generations/"+resp.GenerationID+"/events", e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	var eventNames []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			eventNames = append(eventNames, name)
		}
	}
	assert.Contains(t, eventNames, "text")
	assert.Equal(t, "done", eventNames[len(eventNames)-1])
}

func TestCancelEndpoint(t *testing.T) {
	release := make(chan struct{})
	rt := &scriptedRuntime{run: func(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
		for {
			select {
			case <-release:
				return &generation.RunResult{}, nil
			case <-time.After(5 * time.Millisecond):
				if err := hooks.OnEvent(ctx, &generation.RuntimeEvent{Type: generation.RuntimeEventText, Content: "x"}); err != nil {
					return nil, err
				}
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}}
	e := newTestEnv(t, rt)

	resp := e.startGeneration(t, "user-1")

	rec := e.do(t, http.MethodPost, "/api/generations/"+resp.GenerationID+"/cancel", e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelResp CancelGenerationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cancelResp))
	assert.True(t, cancelResp.Cancelled)

	e.waitIdle(t)

	rec = e.do(t, http.MethodPost, "/api/generations/"+resp.GenerationID+"/cancel", e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelResp = CancelGenerationResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&cancelResp))
	assert.False(t, cancelResp.Cancelled)

	close(release)
}

func TestResumeEndpointConflictOnTerminal(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	resp := e.startGeneration(t, "user-1")
	e.waitIdle(t)

	rec := e.do(t, http.MethodPost, "/api/generations/"+resp.GenerationID+"/resume", e.token(t, "user-1"), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestApprovalEndpoint(t *testing.T) {
	decisions := make(chan generation.Decision, 1)
	rt := &scriptedRuntime{run: func(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
		decisions <- hooks.RequestApproval(ctx, &generation.ApprovalRequest{ToolUseID: "tu-1", ToolName: "send_email"})
		return &generation.RunResult{}, nil
	}}
	e := newTestEnv(t, rt)

	resp := e.startGeneration(t, "user-1")

	// Wait until the gate is open.
	require.Eventually(t, func() bool {
		gen, err := e.store.GetGeneration(t.Context(), resp.GenerationID)
		return err == nil && gen.Status == store.GenerationAwaitingApproval
	}, 5*time.Second, 10*time.Millisecond)

	rec := e.do(t, http.MethodPost, "/api/generations/"+resp.GenerationID+"/approval", e.token(t, "user-1"), SubmitApprovalRequest{
		ToolUseID: "tu-1",
		Decision:  "approved",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var submit SubmitResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&submit))
	assert.True(t, submit.Accepted)
	assert.Equal(t, generation.DecisionApproved, <-decisions)

	// Unknown decision values are rejected.
	rec = e.do(t, http.MethodPost, "/api/generations/"+resp.GenerationID+"/approval", e.token(t, "user-1"), SubmitApprovalRequest{
		ToolUseID: "tu-1",
		Decision:  "maybe",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueEndpoints(t *testing.T) {
	release := make(chan struct{})
	rt := &scriptedRuntime{run: func(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &generation.RunResult{}, nil
	}}
	e := newTestEnv(t, rt)

	resp := e.startGeneration(t, "user-1")
	token := e.token(t, "user-1")

	rec := e.do(t, http.MethodPost, "/api/conversations/"+resp.ConversationID+"/queue", token, EnqueueMessageRequest{Content: "follow-up"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var queued QueuedMessageResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&queued))
	require.NotEmpty(t, queued.ID)

	rec = e.do(t, http.MethodGet, "/api/conversations/"+resp.ConversationID+"/queue", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list ListQueueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Messages, 1)
	assert.Equal(t, "follow-up", list.Messages[0].Content)

	rec = e.do(t, http.MethodDelete, "/api/conversations/"+resp.ConversationID+"/queue/"+queued.ID, token, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/conversations/"+resp.ConversationID+"/queue", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = ListQueueResponse{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	assert.Empty(t, list.Messages)

	close(release)
}

func TestActiveGenerationEndpoint(t *testing.T) {
	release := make(chan struct{})
	rt := &scriptedRuntime{run: func(ctx context.Context, req *generation.RunRequest, hooks generation.Hooks) (*generation.RunResult, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return &generation.RunResult{}, nil
	}}
	e := newTestEnv(t, rt)

	resp := e.startGeneration(t, "user-1")

	rec := e.do(t, http.MethodGet, "/api/conversations/"+resp.ConversationID+"/generation", e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var gen GenerationResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&gen))
	assert.Equal(t, resp.GenerationID, gen.GenerationID)
	assert.True(t, gen.Live)

	close(release)
	e.waitIdle(t)

	// Once the conversation is idle the endpoint answers with null fields,
	// not an error.
	rec = e.do(t, http.MethodGet, "/api/conversations/"+resp.ConversationID+"/generation", e.token(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var idle map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&idle))
	assert.Contains(t, idle, "generation_id")
	assert.Nil(t, idle["generation_id"])
	assert.Nil(t, idle["status"])
}

func TestRuntimeCallbacksRequireSecret(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	req := httptest.NewRequest(http.MethodPost, "/internal/runtime/approval", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRuntimeApprovalCallbackSafeDefault(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	// Unknown generation: safe default is denied, never an error.
	body := fmt.Sprintf(`{"generation_id":%q,"approval":{"toolUseId":"tu-1","toolName":"rm"}}`, "never-existed")
	req := httptest.NewRequest(http.MethodPost, "/internal/runtime/approval", strings.NewReader(body))
	req.Header.Set("X-Runtime-Secret", "test-runtime-secret")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RuntimeApprovalResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "deny", resp.Decision)
}

func TestRuntimeAuthCallbackSafeDefault(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	req := httptest.NewRequest(http.MethodPost, "/internal/runtime/auth", strings.NewReader(`{"generation_id":"never-existed","auth":{"integrations":["gmail"]}}`))
	req.Header.Set("X-Runtime-Secret", "test-runtime-secret")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp RuntimeAuthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.False(t, resp.Success)
}

func TestStartGenerationIdempotencyKey(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))
	token := e.token(t, "user-1")

	body, err := json.Marshal(StartGenerationRequest{Content: "hello"})
	require.NoError(t, err)

	send := func(userToken string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/generations", bytes.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+userToken)
		req.Header.Set("Idempotency-Key", "req-1")
		rec := httptest.NewRecorder()
		e.server.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := send(token)
	assert.Equal(t, http.StatusCreated, rec.Code)
	e.waitIdle(t)

	rec = send(token)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Keys are scoped per user.
	rec = send(e.token(t, "user-2"))
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	e := newTestEnv(t, echoRuntime("x"))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
