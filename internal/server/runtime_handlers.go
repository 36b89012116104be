// ABOUTME: Internal callback endpoints for a remote sandbox runtime
// ABOUTME: Block on gates and always answer with the safe default on faults

package server

import (
	"encoding/json"
	"net/http"

	"github.com/2389/loom/internal/generation"
	"github.com/2389/loom/internal/runtime"
)

// RuntimeApprovalRequest is the callback body when the runtime needs a
// write-tool decision.
type RuntimeApprovalRequest struct {
	GenerationID string                     `json:"generation_id"`
	Approval     generation.ApprovalRequest `json:"approval"`
}

// RuntimeApprovalResponse carries the resolved decision in the runtime
// protocol vocabulary.
type RuntimeApprovalResponse struct {
	Decision string `json:"decision"` // "allow" | "deny"
}

// RuntimeAuthRequest is the callback body when the runtime is missing OAuth
// connections.
type RuntimeAuthRequest struct {
	GenerationID string                 `json:"generation_id"`
	Auth         generation.AuthRequest `json:"auth"`
}

// RuntimeAuthResponse carries the resolved outcome, with tokens on success.
type RuntimeAuthResponse struct {
	Success bool                    `json:"success"`
	Tokens  map[string]RuntimeToken `json:"tokens,omitempty"`
}

// RuntimeToken is one integration's access token.
type RuntimeToken struct {
	AccessToken string `json:"access_token"`
}

// handleRuntimeApproval handles POST /internal/runtime/approval. The call
// blocks until the gate resolves; a malformed request resolves to denied
// rather than erroring, so the runtime can always proceed.
func (s *Server) handleRuntimeApproval(w http.ResponseWriter, r *http.Request) {
	var req RuntimeApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GenerationID == "" {
		s.logger.Warn("malformed runtime approval callback", "error", err)
		s.writeJSON(w, http.StatusOK, RuntimeApprovalResponse{Decision: runtime.WireDecision(generation.DecisionDenied)})
		return
	}

	decision := s.manager.WaitForApproval(r.Context(), req.GenerationID, &req.Approval)
	s.writeJSON(w, http.StatusOK, RuntimeApprovalResponse{Decision: runtime.WireDecision(decision)})
}

// handleRuntimeAuth handles POST /internal/runtime/auth. Blocks until every
// required integration connects or the gate fails; never errors outward.
func (s *Server) handleRuntimeAuth(w http.ResponseWriter, r *http.Request) {
	var req RuntimeAuthRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GenerationID == "" {
		s.logger.Warn("malformed runtime auth callback", "error", err)
		s.writeJSON(w, http.StatusOK, RuntimeAuthResponse{Success: false})
		return
	}

	result := s.manager.WaitForAuth(r.Context(), req.GenerationID, &req.Auth)
	resp := RuntimeAuthResponse{Success: result.Success}
	if result.Success && len(result.Tokens) > 0 {
		resp.Tokens = make(map[string]RuntimeToken, len(result.Tokens))
		for integration, conn := range result.Tokens {
			resp.Tokens[integration] = RuntimeToken{AccessToken: conn.AccessToken}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}
