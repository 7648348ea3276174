package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notno/agentcom/internal/svc"
	"github.com/notno/agentcom/internal/taskqueue"
)

type submitTaskRequest struct {
	Description        string         `json:"description"`
	Priority           string         `json:"priority"`
	NeededCapabilities []string       `json:"needed_capabilities"`
	MaxRetries         int            `json:"max_retries"`
	Metadata           map[string]any `json:"metadata"`
	DependsOn          []string       `json:"depends_on"`
	GoalID             string         `json:"goal_id"`
	ComplexityTier     string         `json:"complexity_tier"`
	VerificationSteps  []string       `json:"verification_steps"`
}



// submitTaskHandler handles POST /tasks (spec.md §6).
func submitTaskHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req submitTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			BadRequest(w, "invalid request body: "+err.Error())
			return
		}

		t, err := s.Tasks.Submit(taskqueue.SubmitFields{
			Description:        req.Description,
			Priority:           taskqueue.ParsePriority(req.Priority),
			NeededCapabilities: req.NeededCapabilities,
			MaxRetries:         req.MaxRetries,
			Metadata:           req.Metadata,
			DependsOn:          req.DependsOn,
			GoalID:             req.GoalID,
			ComplexityTier:     taskqueue.ComplexityTier(req.ComplexityTier),
			VerificationSteps:  req.VerificationSteps,
		})
		if err != nil {
			if errors.Is(err, taskqueue.ErrValidation) {
				BadRequest(w, err.Error())
				return
			}
			InternalError(w, err.Error())
			return
		}
		WriteJSON(w, http.StatusCreated, t)
	}
}

// listTasksHandler handles GET /tasks{?status,priority,assigned_to}.
func listTasksHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := taskqueue.Filter{
			Status:     taskqueue.Status(q.Get("status")),
			AssignedTo: q.Get("assigned_to"),
		}
		if raw := q.Get("priority"); raw != "" {
			p := taskqueue.ParsePriority(raw)
			f.Priority = &p
		}
		OkJSON(w, s.Tasks.List(f))
	}
}

// getTaskHandler handles GET /tasks/:id.
func getTaskHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		t, err := s.Tasks.Get(id)
		if err != nil {
			if errors.Is(err, taskqueue.ErrNotFound) {
				NotFound(w, "task not found")
				return
			}
			InternalError(w, err.Error())
			return
		}
		OkJSON(w, t)
	}
}
