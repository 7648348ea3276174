// Package health implements C13: an aggregator of critical health signals
// (table corruption, degraded-mode tables, and other subsystem-reported
// critical conditions) that produces an overall status and the remediation
// actions the Hub FSM should take (spec.md §4 summary row, §4.1 "critical
// signal raised", §4.7 "healing" state).
package health

import (
	"context"
	"sync"
	"time"

	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
)

// Status is the aggregate hub health level.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusCritical Status = "critical"
)

// Issue is one recorded critical signal.
type Issue struct {
	Source    string
	Reason    string
	Timestamp time.Time
}

// RemediationAction describes what the Hub FSM's healing state should do
// about an open issue. AgentCom's own remediation is minimal — acknowledge
// and clear once the source reports recovery — richer remediation policy
// (restart a subsystem, page an operator) is left to C-ext.
type RemediationAction struct {
	Issue  Issue
	Action string
}

// Aggregator collects critical signals from the event bus and exposes an
// overall status and pending remediation actions.
type Aggregator struct {
	mu     sync.Mutex
	issues map[string]Issue // keyed by source; latest issue per source

	bus  *events.Subject
	log  logging.Logger
	subs []events.Subscription
}

// New constructs an Aggregator. Call Start to begin subscribing.
func New(bus *events.Subject) *Aggregator {
	return &Aggregator{
		issues: make(map[string]Issue),
		bus:    bus,
		log:    logging.Component("health"),
	}
}

// Start subscribes to the critical-signal topics.
func (a *Aggregator) Start() {
	a.subs = append(a.subs,
		events.Subscribe(a.bus, events.TopicHealthCritical, func(ctx context.Context, e events.HealthEvent) error {
			a.record(e.Source, e.Reason)
			return nil
		}),
		events.Subscribe(a.bus, events.TopicTableCorrupted, func(ctx context.Context, e events.TableCorruptedEvent) error {
			a.record("store."+e.Table, e.Reason)
			return nil
		}),
	)
}

// Stop unsubscribes from the event bus.
func (a *Aggregator) Stop() {
	for _, s := range a.subs {
		s.Unsubscribe()
	}
	a.subs = nil
}

func (a *Aggregator) record(source, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.issues[source] = Issue{Source: source, Reason: reason, Timestamp: time.Now()}
	a.log.Errorf("health issue recorded source=%s reason=%s", source, reason)
}

// Clear removes an issue once its source reports recovery.
func (a *Aggregator) Clear(source string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.issues, source)
}

// Status reports the current aggregate status.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.issues) > 0 {
		return StatusCritical
	}
	return StatusHealthy
}

// OpenIssues returns every currently unresolved issue.
func (a *Aggregator) OpenIssues() []Issue {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Issue, 0, len(a.issues))
	for _, i := range a.issues {
		out = append(out, i)
	}
	return out
}

// RemediationPlan returns one remediation action per open issue.
// AgentCom's default action is "acknowledge" — external collaborators
// (operators, dashboards) that want more muscular remediation subscribe to
// the same underlying events directly.
func (a *Aggregator) RemediationPlan() []RemediationAction {
	issues := a.OpenIssues()
	out := make([]RemediationAction, 0, len(issues))
	for _, i := range issues {
		out = append(out, RemediationAction{Issue: i, Action: "acknowledge"})
	}
	return out
}
