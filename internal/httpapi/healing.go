package httpapi

import (
	"net/http"

	"github.com/notno/agentcom/internal/hubfsm"
	"github.com/notno/agentcom/internal/ratelimit"
	"github.com/notno/agentcom/internal/svc"
)

// healingHistoryHandler handles GET /healing-history: every recorded hub
// transition into or out of the healing state (spec.md §4.7, §6).
func healingHistoryHandler(s *svc.ServiceContext) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := s.Hub.History()
		out := make([]hubfsm.Transition, 0, len(all))
		for _, t := range all {
			if t.To == hubfsm.StateHealing || t.From == hubfsm.StateHealing {
				out = append(out, t)
			}
		}
		OkJSON(w, out)
	}
}

// schemasHandler handles GET /schemas: the agent frame schemas agents use
// for introspection before identifying (spec.md §4.10, §6).
func schemasHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		OkJSON(w, ratelimit.AgentFrameSchemas)
	}
}
