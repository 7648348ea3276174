// Package svc wires AgentCom's components into one ServiceContext, the way
// NeboLoop's internal/svc.ServiceContext wires its daemon together: one
// struct built once at startup and threaded through the wire-surface
// bindings (internal/wsagent, internal/httpapi) and the CLI entrypoint.
package svc

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notno/agentcom/internal/agentfsm"
	"github.com/notno/agentcom/internal/config"
	"github.com/notno/agentcom/internal/costledger"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/goal"
	"github.com/notno/agentcom/internal/health"
	"github.com/notno/agentcom/internal/hubfsm"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/ratelimit"
	"github.com/notno/agentcom/internal/router"
	"github.com/notno/agentcom/internal/scheduler"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/supervisor"
	"github.com/notno/agentcom/internal/taskqueue"
	"github.com/notno/agentcom/internal/tokenregistry"
)

// ServiceContext holds every wired AgentCom component. It is constructed
// once at startup and handed to the wire-surface bindings.
type ServiceContext struct {
	Config config.Config
	Bus    *events.Subject

	Tokens      *tokenregistry.Registry
	Presence    *presence.Cache
	Tasks       *taskqueue.Queue
	Goals       *goal.Orchestrator
	Supervisor  *supervisor.Supervisor
	Scheduler   *scheduler.Scheduler
	StuckSweep  *scheduler.StuckSweeper
	Router      *router.Router
	RateLimiter *ratelimit.Limiter
	Validator   *ratelimit.Validator
	Ledger      *costledger.Ledger
	Health      *health.Aggregator
	Hub         *hubfsm.FSM
	Coordinator *store.Coordinator

	tables []*store.Table
}

// BuildFrame renders a taskqueue.Task into the outbound push_task wire frame
// (spec.md §6). Supplied by the wsagent binding so this package stays free
// of wire-format concerns.
type BuildFrame func(taskqueue.Task) any

// Options configures New beyond the parsed config file.
type Options struct {
	LLM        goal.LLMTransport
	BuildFrame BuildFrame
	Registerer prometheus.Registerer // nil uses prometheus.DefaultRegisterer
}

// New opens every C1 table, rebuilds every in-memory component from it, and
// wires the hub together. Call Start to begin the background loops
// (backup/compaction, scheduler triggers, stuck sweeps, the hub FSM ticker,
// the improvement cron) and Close to release file handles.
func New(cfg config.Config, opts Options) (*ServiceContext, error) {
	bus := events.NewSubject()

	tokensTbl, err := store.OpenTable(cfg.DataDir, "tokens")
	if err != nil {
		return nil, err
	}
	tasksTbl, err := store.OpenTable(cfg.DataDir, "tasks")
	if err != nil {
		return nil, err
	}
	goalsTbl, err := store.OpenTable(cfg.DataDir, "goals")
	if err != nil {
		return nil, err
	}
	mailboxTbl, err := store.OpenTable(cfg.DataDir, "mailbox")
	if err != nil {
		return nil, err
	}
	tables := []*store.Table{tokensTbl, tasksTbl, goalsTbl, mailboxTbl}

	coord := store.NewCoordinator(cfg.DataDir, cfg.BackupDir, cfg.BackupRetention, bus)
	for _, t := range tables {
		coord.Register(t)
	}

	tokens, err := tokenregistry.New(tokensTbl)
	if err != nil {
		return nil, err
	}

	cache := presence.New()

	tasks, err := taskqueue.New(tasksTbl, bus)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(tasks, cache, bus, cfg.AcceptanceTimeout())

	buildFrame := opts.BuildFrame
	if buildFrame == nil {
		buildFrame = func(t taskqueue.Task) any { return t }
	}
	sched := scheduler.New(tasks, sup, bus, scheduler.PushFrame(buildFrame))
	sweeper := scheduler.NewStuckSweeper(tasks, cfg.StuckSweepInterval(), cfg.StuckThreshold())

	rtr, err := router.New(mailboxTbl, sup)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimitTiers)
	validator := ratelimit.NewValidator(ratelimit.AgentFrameSchemas...)

	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ledger := costledger.New(cfg.DefaultBudgets, reg)

	healthAgg := health.New(bus)

	llm := opts.LLM
	if llm == nil {
		llm = noopLLM{}
	}
	repoRoot := cfg.RepoRoot
	fileExists := func(path string) bool {
		_, err := os.Stat(joinRepoPath(repoRoot, path))
		return err == nil
	}
	goals, err := goal.New(goalsTbl, tasks, bus, llm, fileExists, cfg.GoalMaxAttempts, cfg.LLMCallTimeout())
	if err != nil {
		return nil, err
	}

	hooks := hubfsm.Hooks{
		PendingGoals: func() int { return countGoalsByStatus(goals, goal.StatusSubmitted, goal.StatusDecomposing) },
		ActiveGoals:  func() int { return countGoalsByStatus(goals, goal.StatusExecuting, goal.StatusVerifying) },
	}
	hub := hubfsm.New(hooks, ledger, healthAgg, bus, cfg.ImprovementCronSpec, cfg.HealingWatchdog())

	return &ServiceContext{
		Config:      cfg,
		Bus:         bus,
		Tokens:      tokens,
		Presence:    cache,
		Tasks:       tasks,
		Goals:       goals,
		Supervisor:  sup,
		Scheduler:   sched,
		StuckSweep:  sweeper,
		Router:      rtr,
		RateLimiter: limiter,
		Validator:   validator,
		Ledger:      ledger,
		Health:      healthAgg,
		Hub:         hub,
		Coordinator: coord,
		tables:      tables,
	}, nil
}

func joinRepoPath(root, path string) string {
	if path == "" {
		return root
	}
	if root == "" || root == "." {
		return path
	}
	return root + string(os.PathSeparator) + path
}

func countGoalsByStatus(o *goal.Orchestrator, statuses ...goal.Status) int {
	want := make(map[goal.Status]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	n := 0
	for _, g := range o.List() {
		if want[g.Status] {
			n++
		}
	}
	return n
}

// noopLLM is the placeholder LLMTransport used when no real transport is
// configured — the decomposition/verification call sites are exercised,
// but every call fails fast rather than hanging, since the external LLM
// invocation transport is out of scope for the core (spec.md §1).
type noopLLM struct{}

func (noopLLM) Decompose(ctx context.Context, req goal.DecompositionRequest) (goal.DecompositionResult, error) {
	return goal.DecompositionResult{}, errNoLLMConfigured
}

func (noopLLM) Verify(ctx context.Context, req goal.VerificationRequest) (goal.VerificationResult, error) {
	return goal.VerificationResult{}, errNoLLMConfigured
}

var errNoLLMConfigured = errors.New("no LLM transport configured")

// Start begins every background loop: health/scheduler event subscriptions,
// the backup and compaction coordinators, the stuck-task sweeper, and the
// hub FSM's cron schedule and tick loop.
func (svc *ServiceContext) Start(ctx context.Context) error {
	svc.Health.Start()
	svc.Scheduler.Start()
	svc.Goals.Start()
	if err := svc.Hub.Start(); err != nil {
		return err
	}

	go svc.Coordinator.RunBackupLoop(ctx, svc.Config.BackupInterval())
	go svc.Coordinator.RunCompactionLoop(ctx, svc.Config.CompactionInterval(), svc.Config.CompactionThreshold)
	go svc.StuckSweep.Run(ctx)
	go svc.Hub.Run(ctx, 5*time.Second)

	logging.Info("agentcom service context started")
	return nil
}

// Stop unsubscribes every component and closes every table.
func (svc *ServiceContext) Stop() {
	svc.Scheduler.Stop()
	svc.Goals.Stop()
	svc.Health.Stop()
	svc.Hub.Stop()
	svc.Bus.Close()
	for _, t := range svc.tables {
		if err := t.Close(); err != nil {
			logging.Errorf("closing table %s: %v", t.Name(), err)
		}
	}
}

// Agents is a convenience accessor matching the C5 naming used elsewhere in
// the wire-surface bindings.
func (svc *ServiceContext) Agents() []*agentfsm.Machine { return svc.Supervisor.ListAll() }
