// Package hubfsm implements C11, the process-wide Hub FSM: a single state
// machine gating autonomous behavior (resting/executing/improving/
// contemplating/healing), driven by tick evaluation and health-critical
// events, gated by the cost ledger's budget verdicts (spec.md §4.7).
//
// Per spec.md §9's "Cyclic graph avoidance" design note, the FSM never
// holds references to the goal orchestrator, improvement scanner, or
// healing remediator directly — callers supply small probe functions (the
// Hooks struct) that answer its transition predicates, and the FSM reports
// its own transitions back out over the event bus.
package hubfsm

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/notno/agentcom/internal/costledger"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/health"
	"github.com/notno/agentcom/internal/logging"
)

// State is one of the Hub FSM's five states.
type State string

const (
	StateResting       State = "resting"
	StateExecuting     State = "executing"
	StateImproving     State = "improving"
	StateContemplating State = "contemplating"
	StateHealing       State = "healing"
)

const historyLimit = 100

// Transition is one recorded state change.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// Hooks are the small probes the FSM uses to evaluate its transition
// predicates without holding a direct reference to the goal orchestrator,
// improvement scanner, or healing remediator.
type Hooks struct {
	// PendingGoals returns the number of goals not yet terminal.
	PendingGoals func() int
	// ActiveGoals returns the number of goals currently executing.
	ActiveGoals func() int
	// GoalSubmittedMidCycle reports whether a new goal arrived while in
	// improving/contemplating, which interrupts the cycle.
	GoalSubmittedMidCycle func() bool
	// ScanComplete reports whether the improvement scan has finished and,
	// if so, how many findings it produced.
	ScanComplete func() (done bool, findings int)
	// ContemplationComplete reports whether a contemplating cycle finished
	// producing its proposal/analysis documents.
	ContemplationComplete func() bool
	// RemediationComplete reports whether the healing state's remediation
	// has finished.
	RemediationComplete func() bool
}

func zeroInt() int                        { return 0 }
func falseBool() bool                     { return false }
func doneFalse() (bool, int)              { return false, 0 }
func defaultHooks() Hooks {
	return Hooks{
		PendingGoals:           zeroInt,
		ActiveGoals:            zeroInt,
		GoalSubmittedMidCycle:  falseBool,
		ScanComplete:           doneFalse,
		ContemplationComplete: falseBool,
		RemediationComplete:    falseBool,
	}
}

// FSM is the Hub FSM actor.
type FSM struct {
	mu      sync.Mutex
	state   State
	history []Transition
	paused  bool

	improvementDue bool
	healingSince   time.Time

	hooks           Hooks
	ledger          *costledger.Ledger
	healthAgg       *health.Aggregator
	bus             *events.Subject
	healingWatchdog time.Duration
	log             logging.Logger

	cronSpec string
	cronRun  *cron.Cron
	subs     []events.Subscription
}

// New constructs an FSM starting in resting. Any Hooks field left nil uses
// a conservative default (reports no pending work).
func New(hooks Hooks, ledger *costledger.Ledger, healthAgg *health.Aggregator, bus *events.Subject, improvementCronSpec string, healingWatchdog time.Duration) *FSM {
	merged := defaultHooks()
	if hooks.PendingGoals != nil {
		merged.PendingGoals = hooks.PendingGoals
	}
	if hooks.ActiveGoals != nil {
		merged.ActiveGoals = hooks.ActiveGoals
	}
	if hooks.GoalSubmittedMidCycle != nil {
		merged.GoalSubmittedMidCycle = hooks.GoalSubmittedMidCycle
	}
	if hooks.ScanComplete != nil {
		merged.ScanComplete = hooks.ScanComplete
	}
	if hooks.ContemplationComplete != nil {
		merged.ContemplationComplete = hooks.ContemplationComplete
	}
	if hooks.RemediationComplete != nil {
		merged.RemediationComplete = hooks.RemediationComplete
	}

	return &FSM{
		state:           StateResting,
		hooks:           merged,
		ledger:          ledger,
		healthAgg:       healthAgg,
		bus:             bus,
		healingWatchdog: healingWatchdog,
		cronSpec:        improvementCronSpec,
		log:             logging.Component("hubfsm"),
	}
}

// Start begins the improvement-tick cron schedule and subscribes to
// critical health signals for immediate healing transitions.
func (f *FSM) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(f.cronSpec, f.markImprovementDue); err != nil {
		return err
	}
	c.Start()
	f.cronRun = c

	if f.bus != nil {
		f.subs = append(f.subs, events.Subscribe(f.bus, events.TopicHealthCritical, func(ctx context.Context, _ events.HealthEvent) error {
			f.transition(StateHealing, "critical health signal")
			return nil
		}))
	}
	return nil
}

// Stop halts the cron schedule and unsubscribes from the event bus.
func (f *FSM) Stop() {
	if f.cronRun != nil {
		f.cronRun.Stop()
	}
	for _, s := range f.subs {
		s.Unsubscribe()
	}
	f.subs = nil
}

func (f *FSM) markImprovementDue() {
	f.mu.Lock()
	f.improvementDue = true
	f.mu.Unlock()
}

// Pause disables autonomous transitions; external submissions still queue
// (spec.md §4.7: "pausable").
func (f *FSM) Pause() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

// Resume re-enables autonomous transitions.
func (f *FSM) Resume() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = false
}

// State returns the current state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// History returns the bounded transition ring, oldest first.
func (f *FSM) History() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transition(nil), f.history...)
}

func (f *FSM) budgetOK(state State) bool {
	if f.ledger == nil {
		return true
	}
	return f.ledger.CheckBudget(string(state)) == costledger.VerdictOK
}

// transition performs from->to if not already there, recording it and
// publishing hub.transition.
func (f *FSM) transition(to State, reason string) {
	f.mu.Lock()
	from := f.state
	if from == to {
		f.mu.Unlock()
		return
	}
	f.state = to
	if to == StateHealing {
		f.healingSince = time.Now()
	}
	t := Transition{From: from, To: to, Reason: reason, Timestamp: time.Now()}
	f.history = append(f.history, t)
	if len(f.history) > historyLimit {
		f.history = f.history[len(f.history)-historyLimit:]
	}
	f.mu.Unlock()

	f.log.Infof("transition %s -> %s (%s)", from, to, reason)
	if f.bus != nil {
		_ = events.Emit(f.bus, events.TopicHubTransition, t)
	}
}

// Tick evaluates the transition table once against current hook state. It
// should be called periodically (e.g. every few seconds) by the hub's
// driving goroutine; it is a no-op while paused.
func (f *FSM) Tick() {
	f.mu.Lock()
	paused := f.paused
	state := f.state
	improvementDue := f.improvementDue
	healingSince := f.healingSince
	f.mu.Unlock()

	if paused {
		return
	}

	switch state {
	case StateResting:
		if improvementDue && f.budgetOK(StateImproving) {
			f.mu.Lock()
			f.improvementDue = false
			f.mu.Unlock()
			f.transition(StateImproving, "scheduled improvement tick")
			return
		}
		if f.hooks.PendingGoals() > 0 && f.budgetOK(StateExecuting) {
			f.transition(StateExecuting, "pending goals and budget available")
		}

	case StateExecuting:
		if f.hooks.PendingGoals()+f.hooks.ActiveGoals() == 0 {
			f.transition(StateResting, "goal backlog drained")
			return
		}
		if !f.budgetOK(StateExecuting) {
			f.transition(StateResting, "budget exhausted")
		}

	case StateImproving:
		if f.hooks.GoalSubmittedMidCycle() {
			f.transition(StateExecuting, "goals submitted mid-cycle")
			return
		}
		if !f.budgetOK(StateImproving) {
			f.transition(StateResting, "budget exhausted")
			return
		}
		if done, findings := f.hooks.ScanComplete(); done {
			if findings == 0 && f.budgetOK(StateContemplating) {
				f.transition(StateContemplating, "scan produced zero findings")
			} else {
				f.transition(StateResting, "improvement cycle complete")
			}
		}

	case StateContemplating:
		if f.hooks.GoalSubmittedMidCycle() {
			f.transition(StateExecuting, "goals submitted mid-cycle")
			return
		}
		if !f.budgetOK(StateContemplating) {
			f.transition(StateResting, "budget exhausted")
			return
		}
		if f.hooks.ContemplationComplete() {
			f.transition(StateResting, "contemplation cycle complete")
		}

	case StateHealing:
		if f.hooks.RemediationComplete() {
			f.transition(StateResting, "remediation complete")
			return
		}
		if time.Since(healingSince) > f.healingWatchdog {
			f.transition(StateResting, "healing watchdog timeout")
		}
	}
}

// Run blocks, ticking on the given interval until ctx is canceled.
func (f *FSM) Run(ctx context.Context, tickInterval time.Duration) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.Tick()
		}
	}
}
