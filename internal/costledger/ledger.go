// Package costledger implements C10: thread-safe counters of external-LLM
// invocation counts and token spend, keyed by (bucket, state), with rolling
// window eviction and budget verdicts gating the hub FSM (spec.md §4.9).
package costledger

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notno/agentcom/internal/config"
)

// Verdict is the result of a budget check.
type Verdict string

const (
	VerdictOK        Verdict = "ok"
	VerdictExhausted Verdict = "exhausted"
)

type invocation struct {
	at           time.Time
	inputTokens  int64
	outputTokens int64
	cost         float64
}

type bucket struct {
	invocations []invocation
}

// Snapshot reports the current rolling-window totals for one state.
type Snapshot struct {
	State        string
	Invocations  int
	InputTokens  int64
	OutputTokens int64
	Cost         float64
	Verdict      Verdict
}

// Ledger is the process-wide cost ledger singleton (spec.md §9 "Global
// mutable state" — explicit init/teardown, one instance per hub).
type Ledger struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	budgets map[string]config.BudgetWindow
	nowFunc func() time.Time

	invocationsTotal *prometheus.CounterVec
	tokensTotal      *prometheus.CounterVec
	costTotal        *prometheus.CounterVec
}

// New constructs a Ledger from the configured per-state budgets, registering
// its counters with reg (pass a fresh prometheus.Registry in tests to avoid
// collisions with the process-wide default registry).
func New(budgets map[string]config.BudgetWindow, reg prometheus.Registerer) *Ledger {
	l := &Ledger{
		buckets: make(map[string]*bucket),
		budgets: budgets,
		nowFunc: time.Now,
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_llm_invocations_total",
			Help: "Total external LLM invocations recorded by the cost ledger.",
		}, []string{"state"}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_llm_tokens_total",
			Help: "Total input/output tokens recorded by the cost ledger.",
		}, []string{"state", "direction"}),
		costTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentcom_llm_cost_total",
			Help: "Total estimated cost recorded by the cost ledger.",
		}, []string{"state"}),
	}
	if reg != nil {
		reg.MustRegister(l.invocationsTotal, l.tokensTotal, l.costTotal)
	}
	return l
}

// Record logs one external-LLM invocation against state's bucket.
func (l *Ledger) Record(state string, inputTokens, outputTokens int64, costEstimate float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bucketFor(state)
	b.invocations = append(b.invocations, invocation{
		at:           l.nowFunc(),
		inputTokens:  inputTokens,
		outputTokens: outputTokens,
		cost:         costEstimate,
	})

	l.invocationsTotal.WithLabelValues(state).Inc()
	l.tokensTotal.WithLabelValues(state, "input").Add(float64(inputTokens))
	l.tokensTotal.WithLabelValues(state, "output").Add(float64(outputTokens))
	l.costTotal.WithLabelValues(state).Add(costEstimate)
}

func (l *Ledger) bucketFor(state string) *bucket {
	b, ok := l.buckets[state]
	if !ok {
		b = &bucket{}
		l.buckets[state] = b
	}
	return b
}

// evict drops invocations outside state's rolling window. Caller must hold
// l.mu.
func (l *Ledger) evict(state string) {
	budget, ok := l.budgets[state]
	if !ok {
		return
	}
	b := l.bucketFor(state)
	cutoff := l.nowFunc().Add(-time.Duration(budget.WindowMs) * time.Millisecond)
	kept := b.invocations[:0]
	for _, inv := range b.invocations {
		if inv.at.After(cutoff) {
			kept = append(kept, inv)
		}
	}
	b.invocations = kept
}

// CheckBudget evaluates state's current rolling-window totals against its
// configured budget, running eviction first.
func (l *Ledger) CheckBudget(state string) Verdict {
	snap := l.Snapshot(state)
	return snap.Verdict
}

// Snapshot returns state's current rolling-window totals and verdict.
func (l *Ledger) Snapshot(state string) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.evict(state)
	b := l.bucketFor(state)

	var input, output int64
	var cost float64
	for _, inv := range b.invocations {
		input += inv.inputTokens
		output += inv.outputTokens
		cost += inv.cost
	}

	snap := Snapshot{
		State:        state,
		Invocations:  len(b.invocations),
		InputTokens:  input,
		OutputTokens: output,
		Cost:         cost,
		Verdict:      VerdictOK,
	}

	budget, hasBudget := l.budgets[state]
	if hasBudget {
		if budget.MaxInvocationsPerWindow > 0 && snap.Invocations >= budget.MaxInvocationsPerWindow {
			snap.Verdict = VerdictExhausted
		}
		if budget.MaxCostPerWindow > 0 && snap.Cost >= budget.MaxCostPerWindow {
			snap.Verdict = VerdictExhausted
		}
	}
	return snap
}
