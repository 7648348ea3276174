package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/notno/agentcom/internal/svc"
)

// New builds the HTTP control surface (spec.md §6) as a chi.Mux, grounded
// on NeboLoop's internal/browser/relay.go Handler() construction: a router
// built directly against the real go-chi dependency rather than a
// framework-owned server type.
func New(s *svc.ServiceContext) http.Handler {
	return newWithRegisterer(s, nil)
}

func newWithRegisterer(s *svc.ServiceContext, reg prometheus.Registerer) http.Handler {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	metricsHandler := registerMetrics(s, reg)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	admin := func(h http.HandlerFunc) http.HandlerFunc {
		return requireAdmin(s.Config.Admin.JWTSecret, h)
	}

	r.Get("/metrics", metricsHandler.ServeHTTP)

	r.Route("/tasks", func(tr chi.Router) {
		tr.Post("/", submitTaskHandler(s))
		tr.Get("/", listTasksHandler(s))
		tr.Get("/{id}", getTaskHandler(s))
	})

	r.Route("/agents", func(ar chi.Router) {
		ar.Get("/", listAgentsHandler(s))
		ar.Get("/{id}/state", getAgentStateHandler(s))
		ar.Post("/{id}/restart", admin(restartAgentHandler(s)))
	})

	r.Route("/goals", func(gr chi.Router) {
		gr.Post("/", submitGoalHandler(s))
		gr.Get("/", listGoalsHandler(s))
		gr.Get("/{id}", getGoalHandler(s))
	})

	r.Get("/healing-history", healingHistoryHandler(s))
	r.Get("/schemas", schemasHandler())

	r.Route("/admin/tokens", func(tr chi.Router) {
		tr.Post("/", admin(generateTokenHandler(s)))
		tr.Get("/", admin(listTokensHandler(s)))
		tr.Delete("/{agentID}", admin(revokeTokenHandler(s)))
	})

	return r
}
