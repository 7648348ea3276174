package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notno/agentcom/internal/agentfsm"
	"github.com/notno/agentcom/internal/svc"
)

type agentView struct {
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name"`
	Capabilities  []string `json:"capabilities"`
	FSMState      string   `json:"fsm_state"`
	CurrentTaskID string   `json:"current_task_id,omitempty"`
	Flags         []string `json:"flags,omitempty"`
}

// listAgentsHandler handles GET /agents, reporting every currently present
// agent from the C3 presence cache.
func listAgentsHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := s.Presence.All()
		out := make([]agentView, 0, len(snaps))
		for _, snap := range snaps {
			out = append(out, agentView{
				AgentID:       snap.AgentID,
				Name:          snap.Name,
				Capabilities:  snap.Capabilities,
				FSMState:      snap.FSMState,
				CurrentTaskID: snap.CurrentTaskID,
				Flags:         snap.Flags,
			})
		}
		OkJSON(w, out)
	}
}

// getAgentStateHandler handles GET /agents/:id/state.
func getAgentStateHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		snap, ok := s.Presence.Get(id)
		if !ok {
			NotFound(w, "agent not present")
			return
		}
		OkJSON(w, agentView{
			AgentID:       snap.AgentID,
			Name:          snap.Name,
			Capabilities:  snap.Capabilities,
			FSMState:      snap.FSMState,
			CurrentTaskID: snap.CurrentTaskID,
			Flags:         snap.Flags,
		})
	}
}

// restartAgentHandler handles the admin-gated POST /agents/:id/restart. The
// core's only corrective action for a live machine is clearing a blocked
// state (spec.md §4.4's "operator or hub intervention" on ClearBlock) — a
// fully offline agent is not "restarted" here, since its session is already
// gone and reconnecting creates a fresh machine.
func restartAgentHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, ok := s.Supervisor.Lookup(id)
		if !ok {
			NotFound(w, "agent not connected")
			return
		}
		if m.State() != agentfsm.StateBlocked {
			ErrorWithCode(w, http.StatusConflict, "agent is not blocked")
			return
		}
		if err := m.ClearBlock(); err != nil {
			InternalError(w, err.Error())
			return
		}
		OkJSON(w, map[string]string{"agent_id": id, "state": string(m.State())})
	}
}
