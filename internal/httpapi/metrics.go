package httpapi

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/hubfsm"
	"github.com/notno/agentcom/internal/svc"
	"github.com/notno/agentcom/internal/taskqueue"
)

var hubStates = []hubfsm.State{
	hubfsm.StateResting,
	hubfsm.StateExecuting,
	hubfsm.StateImproving,
	hubfsm.StateContemplating,
	hubfsm.StateHealing,
}

// registerMetrics wires the ambient gauges/counters the metrics endpoint
// supplement names (SPEC_FULL.md): task assignments, queue depth, and the
// hub FSM's current state, alongside the cost ledger's own counters
// (internal/costledger), all scraped at GET /metrics. It returns the
// handler that serves exactly this registerer's collectors, so a
// caller-supplied registry (e.g. in tests, or the same one passed to
// svc.Options.Registerer) is reflected on /metrics rather than the process
// default.
func registerMetrics(s *svc.ServiceContext, reg prometheus.Registerer) http.Handler {
	tasksAssigned := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "agentcom_tasks_assigned_total",
		Help: "Total tasks assigned to an agent by the scheduler.",
	})
	queueDepth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "agentcom_queue_depth",
		Help: "Current number of queued tasks awaiting assignment.",
	}, func() float64 {
		return float64(len(s.Tasks.List(taskqueue.Filter{Status: taskqueue.StatusQueued})))
	})
	hubState := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agentcom_hub_state",
		Help: "1 for the hub FSM's current state, 0 for all others.",
	}, []string{"state"})

	reg.MustRegister(tasksAssigned, queueDepth, hubState)

	for _, st := range hubStates {
		hubState.WithLabelValues(string(st)).Set(0)
	}
	hubState.WithLabelValues(string(s.Hub.State())).Set(1)

	events.Subscribe(s.Bus, events.TopicTaskAssigned, func(ctx context.Context, _ events.TaskEvent) error {
		tasksAssigned.Inc()
		return nil
	})
	events.Subscribe(s.Bus, events.TopicHubTransition, func(ctx context.Context, t hubfsm.Transition) error {
		hubState.WithLabelValues(string(t.From)).Set(0)
		hubState.WithLabelValues(string(t.To)).Set(1)
		return nil
	})

	gatherer, ok := reg.(prometheus.Gatherer)
	if !ok {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// MetricsHandler serves the process-wide default Prometheus gatherer.
// Exported so cmd/agentcomd can also mount it on the dedicated metrics port
// (spec.md §9's metrics_port) without going through New's chi.Mux.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
