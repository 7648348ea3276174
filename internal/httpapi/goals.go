package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notno/agentcom/internal/goal"
	"github.com/notno/agentcom/internal/svc"
)

type submitGoalRequest struct {
	Title           string `json:"title"`
	Description     string `json:"description"`
	SuccessCriteria string `json:"success_criteria"`
	Priority        string `json:"priority"`
}

// submitGoalHandler handles POST /goals (spec.md §4.8, §6).
func submitGoalHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitGoalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body: "+err.Error())
			return
		}
		g, err := s.Goals.Submit(goal.SubmitFields{
			Title:           req.Title,
			Description:     req.Description,
			SuccessCriteria: req.SuccessCriteria,
			Priority:        req.Priority,
		})
		if err != nil {
			if errors.Is(err, goal.ErrValidation) {
				BadRequest(w, err.Error())
				return
			}
			InternalError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, g)
	}
}

// listGoalsHandler handles GET /goals.
func listGoalsHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OkJSON(w, s.Goals.List())
	}
}

// getGoalHandler handles GET /goals/:id.
func getGoalHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		g, err := s.Goals.Get(id)
		if err != nil {
			if errors.Is(err, goal.ErrNotFound) {
				NotFound(w, "goal not found")
				return
			}
			InternalError(w, err.Error())
			return
		}
		OkJSON(w, g)
	}
}
