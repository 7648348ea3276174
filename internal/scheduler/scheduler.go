// Package scheduler implements C7: an event-driven matcher pairing queued
// tasks with idle, capable agents. It holds no cached state — every pass
// re-queries the task queue and agent supervisor (spec.md §4.6).
package scheduler

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/notno/agentcom/internal/agentfsm"
	"github.com/notno/agentcom/internal/capability"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/supervisor"
	"github.com/notno/agentcom/internal/taskqueue"
)

// PushFrame builds the outbound push_task frame for one assignment. The
// wire-surface package supplies this so the scheduler stays free of frame
// shape details.
type PushFrame func(task taskqueue.Task) any

// Scheduler is the single C7 actor. Construct one per hub.
type Scheduler struct {
	queue      *taskqueue.Queue
	supervisor *supervisor.Supervisor
	bus        *events.Subject
	buildFrame PushFrame
	log        logging.Logger

	// runMu serializes scheduling passes onto one logical actor even though
	// triggers arrive concurrently from the event bus; pending merges every
	// trigger that arrives while a pass is already waiting to run into that
	// one pass (spec.md §5 "triggers are coalesced").
	runMu   sync.Mutex
	pending atomic.Bool

	subs []events.Subscription
}

// Stats summarizes one scheduling pass, used for telemetry counters.
type Stats struct {
	Considered int
	Assigned   int
	Skipped    int
}

// New constructs a Scheduler. buildFrame is used to render the push_task
// notification for a newly matched task.
func New(queue *taskqueue.Queue, sup *supervisor.Supervisor, bus *events.Subject, buildFrame PushFrame) *Scheduler {
	return &Scheduler{
		queue:      queue,
		supervisor: sup,
		bus:        bus,
		buildFrame: buildFrame,
		log:        logging.Component("scheduler"),
	}
}

var triggerTopics = []string{
	events.TopicTaskSubmitted,
	events.TopicTaskReclaimed,
	events.TopicTaskRetried,
	events.TopicTaskCompleted,
	events.TopicAgentJoined,
	events.TopicAgentIdle,
}

// Start subscribes to every trigger topic named in spec.md §4.6. Deliberately
// NOT subscribed: task.assigned (would loop) and task.dead_letter (nothing
// to schedule).
func (s *Scheduler) Start() {
	for _, topic := range triggerTopics {
		sub := events.Subscribe(s.bus, topic, func(ctx context.Context, _ any) error {
			if s.pending.Swap(true) {
				return nil // the waiting pass has not snapshotted yet and will see this change
			}
			s.RunPass()
			return nil
		})
		s.subs = append(s.subs, sub)
	}
}

// Stop unsubscribes from all trigger topics.
func (s *Scheduler) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
	s.subs = nil
}

// RunPass executes one greedy scheduling pass: snapshot idle agents,
// snapshot dependency-resolved queued tasks ordered by (priority DESC,
// submitted_at ASC), then greedily match.
func (s *Scheduler) RunPass() Stats {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.pending.Store(false)

	idle := s.idleMachines()
	tasks := s.queue.ReadyQueued() // already ordered priority DESC, submitted_at ASC

	stats := Stats{Considered: len(tasks)}
	for _, task := range tasks {
		agentIdx := s.firstMatch(idle, task.NeededCapabilities)
		if agentIdx < 0 {
			stats.Skipped++
			continue // capability miss: skip, do not block later tasks
		}
		m := idle[agentIdx]

		assigned, err := s.queue.AssignTask(task.ID, m.AgentID())
		if err != nil {
			// Lost the race (e.g. reclaimed concurrently); move on.
			stats.Skipped++
			continue
		}

		frame := s.buildFrame(assigned)
		if err := m.PushTask(assigned.ID, assigned.Generation, frame); err != nil {
			s.log.Errorf("push_task delivery failed task=%s agent=%s: %v", assigned.ID, m.AgentID(), err)
			if rerr := s.queue.Reclaim(assigned.ID); rerr != nil {
				s.log.Errorf("reclaim after failed push failed task=%s: %v", assigned.ID, rerr)
			}
			stats.Skipped++
			continue
		}

		// Remove the agent from this pass's pool.
		idle = append(idle[:agentIdx], idle[agentIdx+1:]...)
		stats.Assigned++
	}
	return stats
}

func (s *Scheduler) idleMachines() []*agentfsm.Machine {
	all := s.supervisor.ListAll()
	out := make([]*agentfsm.Machine, 0, len(all))
	for _, m := range all {
		if m.State() == agentfsm.StateIdle {
			out = append(out, m)
		}
	}
	// Stable order makes the greedy pass deterministic for tests.
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID() < out[j].AgentID() })
	return out
}

func (s *Scheduler) firstMatch(idle []*agentfsm.Machine, needed []string) int {
	for i, m := range idle {
		if capability.Satisfies(m.Capabilities(), needed) {
			return i
		}
	}
	return -1
}

// StuckSweeper runs the 30s periodic safety-net sweep that reclaims
// assigned/working tasks whose last update exceeds threshold.
type StuckSweeper struct {
	queue     *taskqueue.Queue
	interval  time.Duration
	threshold time.Duration
	log       logging.Logger
}

// NewStuckSweeper constructs a sweeper. Typical defaults: interval=30s,
// threshold=5m (spec.md §4.6).
func NewStuckSweeper(queue *taskqueue.Queue, interval, threshold time.Duration) *StuckSweeper {
	return &StuckSweeper{queue: queue, interval: interval, threshold: threshold, log: logging.Component("scheduler.stuck_sweep")}
}

// Run blocks, sweeping on the configured interval until ctx is canceled.
func (sw *StuckSweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stuck := sw.queue.StuckSweep(sw.threshold)
			if len(stuck) > 0 {
				sw.log.Infof("stuck sweep reclaimed %d tasks", len(stuck))
			}
		}
	}
}
