package goal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/taskqueue"
)

// ErrNotFound is returned when a goal id does not exist.
var ErrNotFound = errors.New("goal not found")

// ErrValidation marks a rejected-at-boundary goal submission (spec.md §7).
var ErrValidation = errors.New("validation error")

// Orchestrator is the C12 actor: a store.Table-backed set of goals, each
// advanced by an isolated goroutine per active goal rather than blocking
// the actor's own mutex (spec.md §9 "Coroutine control flow" — "the
// orchestrator is itself an actor whose state is a map of goal → progress
// record").
type Orchestrator struct {
	mu        sync.Mutex
	table     *store.Table
	goals     map[string]*Goal
	childGoal map[string]string // task id -> goal id, while that task is outstanding

	queue       *taskqueue.Queue
	llm         LLMTransport
	fileExists  FileExists
	bus         *events.Subject
	nowFunc     func() time.Time
	maxAttempts int
	callTimeout time.Duration
	log         logging.Logger
	subs        []events.Subscription
}

// New loads an Orchestrator from table, rebuilding its in-memory index.
func New(table *store.Table, queue *taskqueue.Queue, bus *events.Subject, llm LLMTransport, fileExists FileExists, maxAttempts int, callTimeout time.Duration) (*Orchestrator, error) {
	o := &Orchestrator{
		table:       table,
		goals:       make(map[string]*Goal),
		childGoal:   make(map[string]string),
		queue:       queue,
		llm:         llm,
		fileExists:  fileExists,
		bus:         bus,
		nowFunc:     time.Now,
		maxAttempts: maxAttempts,
		callTimeout: callTimeout,
		log:         logging.Component("goal"),
	}

	recs, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("load goals: %w", err)
	}
	for _, rec := range recs {
		var g Goal
		if err := json.Unmarshal(rec.Value, &g); err != nil {
			o.log.Errorf("skipping unreadable goal record key=%s: %v", rec.Key, err)
			continue
		}
		gg := g
		o.goals[gg.ID] = &gg
		for _, tid := range gg.ChildTaskIDs {
			o.childGoal[tid] = gg.ID
		}
	}
	return o, nil
}

// Start subscribes to task lifecycle events so in-flight decompositions can
// advance their goal as child tasks terminate.
func (o *Orchestrator) Start() {
	o.subs = append(o.subs,
		events.Subscribe(o.bus, events.TopicTaskCompleted, func(ctx context.Context, e events.TaskEvent) error {
			o.onChildTerminal(e.TaskID)
			return nil
		}),
		events.Subscribe(o.bus, events.TopicTaskDeadLetter, func(ctx context.Context, e events.TaskEvent) error {
			o.onChildTerminal(e.TaskID)
			return nil
		}),
	)
}

// Stop unsubscribes from the event bus.
func (o *Orchestrator) Stop() {
	for _, s := range o.subs {
		s.Unsubscribe()
	}
	o.subs = nil
}

func (o *Orchestrator) nowMs() int64 { return o.nowFunc().UnixMilli() }

func (o *Orchestrator) persist(g *Goal) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("encode goal %s: %w", g.ID, err)
	}
	return o.table.Insert(g.ID, data)
}

func (o *Orchestrator) publish(topic string, evt events.GoalEvent) {
	if o.bus == nil {
		return
	}
	if err := events.Emit(o.bus, topic, evt); err != nil {
		o.log.Debugf("publish %s failed: %v", topic, err)
	}
}

// Get returns one goal by id.
func (o *Orchestrator) Get(id string) (Goal, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.goals[id]
	if !ok {
		return Goal{}, ErrNotFound
	}
	return g.clone(), nil
}

// List returns every tracked goal, oldest first.
func (o *Orchestrator) List() []Goal {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Goal, 0, len(o.goals))
	for _, g := range o.goals {
		out = append(out, g.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt < out[j].SubmittedAt })
	return out
}

// Submit accepts a new goal and kicks off its decomposition in a detached
// goroutine, returning immediately with the submitted record (spec.md §9:
// "long LLM calls... are modeled as isolated tasks with a completion
// message").
func (o *Orchestrator) Submit(f SubmitFields) (Goal, error) {
	if f.Title == "" || f.SuccessCriteria == "" {
		return Goal{}, fmt.Errorf("%w: title and success_criteria are required", ErrValidation)
	}

	now := o.nowMs()
	g := &Goal{
		ID:              uuid.NewString(),
		Title:           f.Title,
		Description:     f.Description,
		SuccessCriteria: f.SuccessCriteria,
		Priority:        f.Priority,
		Status:          StatusSubmitted,
		SubmittedAt:     now,
		UpdatedAt:       now,
	}

	o.mu.Lock()
	if err := o.persist(g); err != nil {
		o.mu.Unlock()
		return Goal{}, err
	}
	o.goals[g.ID] = g
	o.mu.Unlock()

	o.publish(events.TopicGoalSubmitted, events.GoalEvent{GoalID: g.ID, Status: string(StatusSubmitted)})
	go o.runDecomposition(g.ID, "")
	return g.clone(), nil
}

// setStatus mutates and persists a tracked goal's status under lock.
func (o *Orchestrator) setStatus(id string, status Status, mutate func(*Goal)) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.goals[id]
	if !ok {
		return ErrNotFound
	}
	g.Status = status
	g.UpdatedAt = o.nowMs()
	if mutate != nil {
		mutate(g)
	}
	return o.persist(g)
}

func (o *Orchestrator) fail(id, reason string) {
	if err := o.setStatus(id, StatusFailed, func(g *Goal) { g.FailureReason = reason }); err != nil {
		o.log.Errorf("failing goal %s: %v", id, err)
		return
	}
	o.log.Infof("goal %s failed: %s", id, reason)
	o.publish(events.TopicGoalFailed, events.GoalEvent{GoalID: id, Status: string(StatusFailed)})
}

// runDecomposition drives step 1 of spec.md §4.8. failureNotes is non-empty
// on a revision pass following a failed verification.
func (o *Orchestrator) runDecomposition(id, failureNotes string) {
	o.mu.Lock()
	g, ok := o.goals[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	req := DecompositionRequest{
		GoalID:          g.ID,
		Title:           g.Title,
		Description:     g.Description,
		SuccessCriteria: g.SuccessCriteria,
		FailureNotes:    failureNotes,
	}
	o.mu.Unlock()

	if err := o.setStatus(id, StatusDecomposing, nil); err != nil {
		o.log.Errorf("marking goal %s decomposing: %v", id, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.callTimeout)
	defer cancel()
	result, err := o.llm.Decompose(ctx, req)
	if err != nil {
		o.fail(id, fmt.Sprintf("decomposition call failed: %v", err))
		return
	}
	if len(result.Tasks) == 0 {
		o.fail(id, "decomposition produced no tasks")
		return
	}

	for _, ct := range result.Tasks {
		for _, path := range ct.TouchesFiles {
			if o.fileExists != nil && !o.fileExists(path) {
				o.fail(id, fmt.Sprintf("decomposition referenced missing file %q", path))
				return
			}
		}
	}

	childIDs := make([]string, len(result.Tasks))
	for i, ct := range result.Tasks {
		deps := make([]string, 0, len(ct.DependsOn))
		for _, depIdx := range ct.DependsOn {
			if depIdx < 0 || depIdx >= len(childIDs) || childIDs[depIdx] == "" {
				o.fail(id, fmt.Sprintf("decomposition task %d references unresolved dependency index %d", i, depIdx))
				return
			}
			deps = append(deps, childIDs[depIdx])
		}
		t, err := o.queue.Submit(taskqueue.SubmitFields{
			Description:        ct.Description,
			Priority:           taskqueue.ParsePriority(g.Priority),
			SubmittedBy:        "goal:" + g.ID,
			NeededCapabilities: ct.NeededCapabilities,
			DependsOn:          deps,
			GoalID:             g.ID,
			ComplexityTier:     taskqueue.ComplexityTier(ct.ComplexityTier),
			VerificationSteps:  ct.VerificationSteps,
		})
		if err != nil {
			o.fail(id, fmt.Sprintf("submitting decomposed task failed: %v", err))
			return
		}
		childIDs[i] = t.ID
	}

	o.mu.Lock()
	g.ChildTaskIDs = append(g.ChildTaskIDs, childIDs...)
	g.Status = StatusExecuting
	g.UpdatedAt = o.nowMs()
	for _, tid := range childIDs {
		o.childGoal[tid] = g.ID
	}
	perr := o.persist(g)
	o.mu.Unlock()
	if perr != nil {
		o.log.Errorf("persisting goal %s after decomposition: %v", id, perr)
	}
}

// onChildTerminal is invoked off the event bus whenever a task completes or
// dead-letters. It advances the owning goal to verification once every
// child task has terminated (spec.md §4.8 step 2). The executing ->
// verifying transition happens here, under the same lock as the allTerminal
// check, so that two child tasks terminating concurrently can't both
// observe StatusExecuting and both spawn runVerification.
func (o *Orchestrator) onChildTerminal(taskID string) {
	o.mu.Lock()
	goalID, tracked := o.childGoal[taskID]
	if !tracked {
		o.mu.Unlock()
		return
	}
	g, ok := o.goals[goalID]
	if !ok || g.Status != StatusExecuting {
		o.mu.Unlock()
		return
	}
	allTerminal := true
	for _, tid := range g.ChildTaskIDs {
		t, err := o.queue.Get(tid)
		if err != nil {
			continue
		}
		if t.Status != taskqueue.StatusCompleted && t.Status != taskqueue.StatusDeadLetter {
			allTerminal = false
			break
		}
	}
	if !allTerminal {
		o.mu.Unlock()
		return
	}

	g.Status = StatusVerifying
	g.UpdatedAt = o.nowMs()
	perr := o.persist(g)
	o.mu.Unlock()
	if perr != nil {
		o.log.Errorf("marking goal %s verifying: %v", goalID, perr)
		return
	}

	go o.runVerification(goalID)
}

// runVerification drives steps 3-4 of spec.md §4.8.
func (o *Orchestrator) runVerification(id string) {
	o.mu.Lock()
	g, ok := o.goals[id]
	if !ok {
		o.mu.Unlock()
		return
	}
	childIDs := append([]string(nil), g.ChildTaskIDs...)
	successCriteria := g.SuccessCriteria
	o.mu.Unlock()

	// status is already StatusVerifying: onChildTerminal set it under lock
	// before spawning this goroutine, so only one caller ever reaches here
	// per goal.

	outcomes := make([]TaskOutcome, 0, len(childIDs))
	for _, tid := range childIDs {
		t, err := o.queue.Get(tid)
		if err != nil {
			continue
		}
		var result map[string]any
		if t.Metadata != nil {
			if r, ok := t.Metadata["result"].(map[string]any); ok {
				result = r
			}
		}
		outcomes = append(outcomes, TaskOutcome{
			TaskID:      t.ID,
			Description: t.Description,
			Status:      string(t.Status),
			Result:      result,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.callTimeout)
	defer cancel()
	verdict, err := o.llm.Verify(ctx, VerificationRequest{
		GoalID:          id,
		SuccessCriteria: successCriteria,
		Outcomes:        outcomes,
	})
	if err != nil {
		o.fail(id, fmt.Sprintf("verification call failed: %v", err))
		return
	}

	if verdict.Pass {
		if err := o.setStatus(id, StatusComplete, nil); err != nil {
			o.log.Errorf("completing goal %s: %v", id, err)
			return
		}
		o.publish(events.TopicGoalCompleted, events.GoalEvent{GoalID: id, Status: string(StatusComplete)})
		return
	}

	o.mu.Lock()
	attempt := g.AttemptCount + 1
	o.mu.Unlock()

	if attempt >= o.maxAttempts {
		o.fail(id, fmt.Sprintf("verification failed after %d attempts: %s", attempt, verdict.Reasoning))
		return
	}

	if err := o.setStatus(id, StatusDecomposing, func(g *Goal) { g.AttemptCount = attempt }); err != nil {
		o.log.Errorf("recording goal %s revision attempt: %v", id, err)
		return
	}
	go o.runDecomposition(id, verdict.Reasoning)
}
