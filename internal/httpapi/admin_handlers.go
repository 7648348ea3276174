package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notno/agentcom/internal/svc"
	"github.com/notno/agentcom/internal/tokenregistry"
	"github.com/notno/agentcom/internal/wsagent"
)

type generateTokenRequest struct {
	AgentID string `json:"agent_id"`
}

type generateTokenResponse struct {
	AgentID string `json:"agent_id"`
	Token   string `json:"token"`
}

// generateTokenHandler handles the admin-gated POST /admin/tokens. When
// agent_id is omitted, a fresh opaque id is minted (spec.md §6: "admin
// endpoints for token generate/revoke/list").
func generateTokenHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req generateTokenRequest
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				BadRequest(w, "invalid request body: "+err.Error())
				return
			}
		}
		agentID := req.AgentID
		if agentID == "" {
			agentID = wsagent.NewAgentID()
		}
		token, err := s.Tokens.Generate(agentID)
		if err != nil {
			if errors.Is(err, tokenregistry.ErrAlreadyRegistered) {
				ErrorWithCode(w, http.StatusConflict, err.Error())
				return
			}
			InternalError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, generateTokenResponse{AgentID: agentID, Token: token})
	}
}

// revokeTokenHandler handles the admin-gated DELETE /admin/tokens/:agentID.
func revokeTokenHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentID")
		if err := s.Tokens.Revoke(agentID); err != nil {
			if errors.Is(err, tokenregistry.ErrUnknownAgent) {
				NotFound(w, err.Error())
				return
			}
			InternalError(w, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// listTokensHandler handles the admin-gated GET /admin/tokens.
func listTokensHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OkJSON(w, s.Tokens.List())
	}
}
