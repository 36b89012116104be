// ABOUTME: HTTP API handlers for the generation lifecycle and queue
// ABOUTME: Streams generation events to clients via SSE

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/loom/internal/auth"
	"github.com/2389/loom/internal/generation"
	"github.com/2389/loom/internal/store"
)

// StartGenerationRequest is the JSON request body for POST /api/generations.
type StartGenerationRequest struct {
	ConversationID string             `json:"conversation_id,omitempty"`
	Content        string             `json:"content"`
	Model          string             `json:"model,omitempty"`
	Capabilities   []string           `json:"capabilities,omitempty"`
	Attachments    []store.Attachment `json:"attachments,omitempty"`
	AutoApprove    *bool              `json:"auto_approve,omitempty"`
}

// StartGenerationResponse is the JSON response for POST /api/generations.
type StartGenerationResponse struct {
	GenerationID   string `json:"generation_id"`
	ConversationID string `json:"conversation_id"`
}

// GenerationResponse is the JSON view of a generation snapshot.
type GenerationResponse struct {
	GenerationID    string                 `json:"generation_id"`
	ConversationID  string                 `json:"conversation_id"`
	Status          string                 `json:"status"`
	ContentParts    []store.ContentPart    `json:"content_parts,omitempty"`
	PendingApproval *store.PendingApproval `json:"pending_approval,omitempty"`
	PendingAuth     *store.PendingAuth     `json:"pending_auth,omitempty"`
	Usage           store.Usage            `json:"usage"`
	StartedAt       string                 `json:"started_at"`
	CompletedAt     string                 `json:"completed_at,omitempty"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	Live            bool                   `json:"live"`
}

// CancelGenerationResponse is the JSON response for cancel requests.
type CancelGenerationResponse struct {
	Cancelled bool `json:"cancelled"`
}

// ResumeGenerationResponse is the JSON response for resume requests.
type ResumeGenerationResponse struct {
	Status string `json:"status"`
}

// SubmitApprovalRequest is the JSON request body for approval submissions.
type SubmitApprovalRequest struct {
	ToolUseID string `json:"tool_use_id"`
	Decision  string `json:"decision"` // "approved" | "denied"
}

// SubmitAuthResultRequest is the JSON request body for auth submissions.
type SubmitAuthResultRequest struct {
	Integration string `json:"integration"`
	Success     bool   `json:"success"`
}

// SubmitResponse reports whether a gate submission was applied.
type SubmitResponse struct {
	Accepted bool `json:"accepted"`
}

// EnqueueMessageRequest is the JSON request body for queueing a follow-up.
type EnqueueMessageRequest struct {
	Content         string             `json:"content"`
	Attachments     []store.Attachment `json:"attachments,omitempty"`
	Capabilities    []string           `json:"capabilities,omitempty"`
	ReplaceExisting bool               `json:"replace_existing,omitempty"`
}

// QueuedMessageResponse is the JSON view of one queued message.
type QueuedMessageResponse struct {
	ID           string   `json:"id"`
	Content      string   `json:"content"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

// ListQueueResponse is the JSON response for GET .../queue.
type ListQueueResponse struct {
	Messages []QueuedMessageResponse `json:"messages"`
}

// handleStartGeneration handles POST /api/generations. An optional
// Idempotency-Key header guards against client retries starting a second
// generation; keys are scoped per user.
func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	var req StartGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if key := r.Header.Get("Idempotency-Key"); key != "" {
		if s.starts.Duplicate(auth.UserID(r.Context()) + ":" + key) {
			s.sendJSONError(w, http.StatusConflict, "duplicate request")
			return
		}
	}

	resp, err := s.manager.StartGeneration(r.Context(), &generation.StartRequest{
		ConversationID: req.ConversationID,
		UserID:         auth.UserID(r.Context()),
		Content:        req.Content,
		Model:          req.Model,
		Capabilities:   req.Capabilities,
		Attachments:    req.Attachments,
		AutoApprove:    req.AutoApprove,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, StartGenerationResponse{
		GenerationID:   resp.GenerationID,
		ConversationID: resp.ConversationID,
	})
}

// handleGetGeneration handles GET /api/generations/{id}.
func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.GetGenerationStatus(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleStreamEvents handles GET /api/generations/{id}/events. It replays
// the generation's full history and then follows the live stream as SSE.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("streaming not supported")
		s.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	events, err := s.manager.SubscribeToGeneration(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.writeSSEEvent(w, string(ev.Type), ev.Payload())
			flusher.Flush()
		}
	}
}

// handleCancelGeneration handles POST /api/generations/{id}/cancel.
func (s *Server) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.manager.CancelGeneration(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, CancelGenerationResponse{Cancelled: cancelled})
}

// handleResumeGeneration handles POST /api/generations/{id}/resume.
func (s *Server) handleResumeGeneration(w http.ResponseWriter, r *http.Request) {
	status, err := s.manager.ResumeGeneration(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, ResumeGenerationResponse{Status: string(status)})
}

// handleSubmitApproval handles POST /api/generations/{id}/approval.
func (s *Server) handleSubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req SubmitApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToolUseID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "tool_use_id is required")
		return
	}

	accepted, err := s.manager.SubmitApproval(r.Context(), r.PathValue("id"), req.ToolUseID, generation.Decision(req.Decision), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SubmitResponse{Accepted: accepted})
}

// handleSubmitAuthResult handles POST /api/generations/{id}/auth.
func (s *Server) handleSubmitAuthResult(w http.ResponseWriter, r *http.Request) {
	var req SubmitAuthResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Integration == "" {
		s.sendJSONError(w, http.StatusBadRequest, "integration is required")
		return
	}

	accepted, err := s.manager.SubmitAuthResult(r.Context(), r.PathValue("id"), req.Integration, req.Success, auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, SubmitResponse{Accepted: accepted})
}

// idleGenerationResponse is the body for an idle conversation: null fields,
// not an error.
type idleGenerationResponse struct {
	GenerationID *string `json:"generation_id"`
	Status       *string `json:"status"`
}

// handleGetActiveGeneration handles GET /api/conversations/{id}/generation.
// An idle conversation is a normal answer with null fields, never an error.
func (s *Server) handleGetActiveGeneration(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.GetActiveGeneration(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if snap == nil {
		s.writeJSON(w, http.StatusOK, idleGenerationResponse{})
		return
	}
	s.writeJSON(w, http.StatusOK, snapshotResponse(snap))
}

// handleEnqueueMessage handles POST /api/conversations/{id}/queue.
func (s *Server) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req EnqueueMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	msg, err := s.manager.EnqueueConversationMessage(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), req.Content, req.Attachments, req.Capabilities, req.ReplaceExisting)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, queuedResponse(msg))
}

// handleListQueue handles GET /api/conversations/{id}/queue.
func (s *Server) handleListQueue(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.manager.ListConversationQueuedMessages(r.Context(), r.PathValue("id"), auth.UserID(r.Context()))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := ListQueueResponse{Messages: make([]QueuedMessageResponse, len(msgs))}
	for i, msg := range msgs {
		resp.Messages[i] = queuedResponse(msg)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRemoveQueued handles DELETE /api/conversations/{id}/queue/{messageID}.
func (s *Server) handleRemoveQueued(w http.ResponseWriter, r *http.Request) {
	err := s.manager.RemoveConversationQueuedMessage(r.Context(), r.PathValue("id"), auth.UserID(r.Context()), r.PathValue("messageID"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health and GET /health/ready.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"active_generations": s.manager.Registry().Len(),
	})
}

func snapshotResponse(snap *generation.Snapshot) GenerationResponse {
	resp := GenerationResponse{
		GenerationID:    snap.GenerationID,
		ConversationID:  snap.ConversationID,
		Status:          string(snap.Status),
		ContentParts:    snap.ContentParts,
		PendingApproval: snap.PendingApproval,
		PendingAuth:     snap.PendingAuth,
		Usage:           snap.Usage,
		StartedAt:       snap.StartedAt.Format(time.RFC3339),
		ErrorMessage:    snap.ErrorMessage,
		Live:            snap.Live,
	}
	if snap.CompletedAt != nil {
		resp.CompletedAt = snap.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

func queuedResponse(msg *store.QueuedMessage) QueuedMessageResponse {
	return QueuedMessageResponse{
		ID:           msg.ID,
		Content:      msg.Content,
		Capabilities: msg.Capabilities,
		CreatedAt:    msg.CreatedAt.Format(time.RFC3339),
	}
}

// writeEngineError maps engine sentinel errors onto HTTP status codes.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, generation.ErrNotFound):
		s.sendJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, generation.ErrAccessDenied):
		s.sendJSONError(w, http.StatusForbidden, "access denied")
	case errors.Is(err, generation.ErrConflict):
		s.sendJSONError(w, http.StatusConflict, err.Error())
	case errors.Is(err, generation.ErrInvalidRequest):
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

// writeSSEEvent writes a single SSE event to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeJSON writes a JSON response with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
