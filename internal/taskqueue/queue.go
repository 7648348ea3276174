package taskqueue

import (
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
)

// ErrNotQueued is returned by AssignTask when the task is not currently
// queued.
var ErrNotQueued = errors.New("task is not queued")

// ErrStaleGeneration is returned when an operation's generation does not
// match the task's current generation (spec.md §7 "Stale generation").
var ErrStaleGeneration = errors.New("stale generation")

// ErrNotFound is returned when the task id does not exist.
var ErrNotFound = errors.New("task not found")

// SubmitFields are the caller-supplied fields for a new task.
type SubmitFields struct {
	Description        string
	Priority           Priority
	SubmittedBy        string
	NeededCapabilities []string
	MaxRetries         int
	Metadata           map[string]any
	DependsOn          []string
	GoalID             string
	ComplexityTier     ComplexityTier
	VerificationSteps  []string
}

// Filter selects a subset of tasks for List.
type Filter struct {
	Status     Status // zero value means "any"
	Priority   *Priority
	AssignedTo string
}

// Queue is the task queue actor (C6): a store.Table-backed durable set of
// tasks plus an in-memory priority-lane index. All public methods serialize
// through mu, modeling the single-actor scheduling rule of spec.md §5.
type Queue struct {
	mu      sync.Mutex
	table   *store.Table
	tasks   map[string]Task
	lanes   map[Priority][]string // task ids in FIFO submission order per lane
	bus     *events.Subject
	nowFunc func() time.Time
	log     logging.Logger
}

// New loads a Queue from table, rebuilding its in-memory index.
func New(table *store.Table, bus *events.Subject) (*Queue, error) {
	q := &Queue{
		table:   table,
		tasks:   make(map[string]Task),
		lanes:   make(map[Priority][]string),
		bus:     bus,
		nowFunc: time.Now,
		log:     logging.Component("taskqueue"),
	}
	recs, err := table.Scan(nil)
	if err != nil {
		return nil, fmt.Errorf("load task queue: %w", err)
	}
	loaded := make([]Task, 0, len(recs))
	for _, rec := range recs {
		var t Task
		if err := json.Unmarshal(rec.Value, &t); err != nil {
			q.log.Errorf("skipping unreadable task record key=%s: %v", rec.Key, err)
			continue
		}
		loaded = append(loaded, t)
	}
	sort.Slice(loaded, func(i, j int) bool { return loaded[i].SubmittedAt < loaded[j].SubmittedAt })
	for _, t := range loaded {
		q.tasks[t.ID] = t
		if t.Status == StatusQueued {
			q.lanes[t.Priority] = append(q.lanes[t.Priority], t.ID)
		}
	}
	return q, nil
}

func (q *Queue) nowMs() int64 { return q.nowFunc().UnixMilli() }

func (q *Queue) persist(t Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	return q.table.Insert(t.ID, data)
}

func (q *Queue) publish(topic string, evt events.TaskEvent) {
	if q.bus == nil {
		return
	}
	if err := events.Emit(q.bus, topic, evt); err != nil {
		q.log.Debugf("publish %s failed: %v", topic, err)
	}
}

func (q *Queue) laneRemove(priority Priority, id string) {
	lane := q.lanes[priority]
	for i, tid := range lane {
		if tid == id {
			q.lanes[priority] = append(lane[:i], lane[i+1:]...)
			return
		}
	}
}

// Submit validates and stores a new task, status=queued, generation=0.
func (q *Queue) Submit(f SubmitFields) (Task, error) {
	if f.Description == "" {
		return Task{}, fmt.Errorf("%w: description is required", ErrValidation)
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.nowMs()
	t := Task{
		ID:                 uuid.NewString(),
		Description:        f.Description,
		Priority:           f.Priority,
		Status:             StatusQueued,
		SubmittedBy:        f.SubmittedBy,
		SubmittedAt:        now,
		UpdatedAt:          now,
		Generation:         0,
		NeededCapabilities: f.NeededCapabilities,
		MaxRetries:         f.MaxRetries,
		Metadata:           f.Metadata,
		DependsOn:          f.DependsOn,
		GoalID:             f.GoalID,
		ComplexityTier:     f.ComplexityTier,
		VerificationSteps:  f.VerificationSteps,
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 3
	}

	if err := q.persist(t); err != nil {
		return Task{}, err
	}
	q.tasks[t.ID] = t
	q.lanes[t.Priority] = append(q.lanes[t.Priority], t.ID)

	q.publish(events.TopicTaskSubmitted, events.TaskEvent{TaskID: t.ID, Generation: t.Generation})
	return t.Clone(), nil
}

// ErrValidation marks a rejected-at-boundary input error (spec.md §7).
var ErrValidation = errors.New("validation error")

// Get returns one task by id.
func (q *Queue) Get(id string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

// List returns every task matching filter.
func (q *Queue) List(f Filter) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0)
	for _, t := range q.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Priority != nil && t.Priority != *f.Priority {
			continue
		}
		if f.AssignedTo != "" && t.AssignedTo != f.AssignedTo {
			continue
		}
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt < out[j].SubmittedAt })
	return out
}

// dependenciesResolved reports whether every id in deps is a completed task.
// Caller must hold q.mu.
func (q *Queue) dependenciesResolved(deps []string) bool {
	for _, id := range deps {
		dep, ok := q.tasks[id]
		if !ok || dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// ReadyQueued returns queued tasks whose dependencies are all resolved,
// ordered by (priority DESC, submitted_at ASC) — the order the scheduler
// (C7) consumes (spec.md §4.6). It walks the lanes index rather than
// rescanning and sorting every task: each lane is already FIFO by
// submission order, and lanes themselves run PriorityUrgent down to
// PriorityLow.
func (q *Queue) ReadyQueued() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0)
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		for _, id := range q.lanes[p] {
			t, ok := q.tasks[id]
			if !ok || t.Status != StatusQueued {
				continue
			}
			if !q.dependenciesResolved(t.DependsOn) {
				continue
			}
			out = append(out, t.Clone())
		}
	}
	return out
}

// AssignTask atomically assigns a queued task to agentID, incrementing
// generation and broadcasting task.assigned.
func (q *Queue) AssignTask(id, agentID string) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if t.Status != StatusQueued {
		return Task{}, ErrNotQueued
	}

	now := q.nowMs()
	t.Status = StatusAssigned
	t.AssignedTo = agentID
	t.AssignedAt = now
	t.UpdatedAt = now
	t.Generation++

	if err := q.persist(t); err != nil {
		return Task{}, err
	}
	q.tasks[id] = t
	q.laneRemove(t.Priority, id)

	q.publish(events.TopicTaskAssigned, events.TaskEvent{TaskID: id, Generation: t.Generation, AgentID: agentID})
	return t.Clone(), nil
}

// MarkWorking records that the agent has accepted the task, rejecting a
// stale generation.
func (q *Queue) MarkWorking(id, agentID string, generation int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Generation != generation {
		q.log.Infof("discarding stale task_accepted task=%s got_gen=%d current_gen=%d", id, generation, t.Generation)
		return ErrStaleGeneration
	}

	t.Status = StatusWorking
	t.UpdatedAt = q.nowMs()
	if err := q.persist(t); err != nil {
		return err
	}
	q.tasks[id] = t
	return nil
}

// Complete marks a task completed, rejecting a stale generation.
func (q *Queue) Complete(id string, generation int, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Generation != generation {
		q.log.Infof("discarding stale task_complete task=%s got_gen=%d current_gen=%d", id, generation, t.Generation)
		return ErrStaleGeneration
	}

	t.Status = StatusCompleted
	t.UpdatedAt = q.nowMs()
	if t.Metadata == nil && result != nil {
		t.Metadata = map[string]any{}
	}
	if result != nil {
		t.Metadata["result"] = result
	}
	if err := q.persist(t); err != nil {
		return err
	}
	q.tasks[id] = t

	q.publish(events.TopicTaskCompleted, events.TaskEvent{TaskID: id, Generation: t.Generation, AgentID: t.AssignedTo})
	return nil
}

// Fail records a failed attempt. If retries remain, the task is requeued
// with incremented retry_count and generation; otherwise it moves to
// dead_letter.
func (q *Queue) Fail(id string, generation int, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Generation != generation {
		q.log.Infof("discarding stale task_failed task=%s got_gen=%d current_gen=%d", id, generation, t.Generation)
		return ErrStaleGeneration
	}

	now := q.nowMs()
	if t.RetryCount < t.MaxRetries {
		t.Status = StatusQueued
		t.AssignedTo = ""
		t.AssignedAt = 0
		t.RetryCount++
		t.Generation++
		t.UpdatedAt = now
		if err := q.persist(t); err != nil {
			return err
		}
		q.tasks[id] = t
		q.lanes[t.Priority] = append(q.lanes[t.Priority], id)
		q.publish(events.TopicTaskRetried, events.TaskEvent{TaskID: id, Generation: t.Generation, Reason: reason})
		return nil
	}

	t.Status = StatusDeadLetter
	t.UpdatedAt = now
	if err := q.persist(t); err != nil {
		return err
	}
	q.tasks[id] = t
	q.publish(events.TopicTaskDeadLetter, events.TaskEvent{TaskID: id, Generation: t.Generation, Reason: reason})
	q.publish(events.TopicTaskFailed, events.TaskEvent{TaskID: id, Generation: t.Generation, Reason: reason})
	return nil
}

// Reclaim idempotently returns an assigned/working task to the queue,
// incrementing generation. A reclaim of an already-queued task is a no-op.
func (q *Queue) Reclaim(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusAssigned && t.Status != StatusWorking {
		return nil // idempotent no-op
	}

	t.Status = StatusQueued
	t.AssignedTo = ""
	t.AssignedAt = 0
	t.Generation++
	t.UpdatedAt = q.nowMs()
	if err := q.persist(t); err != nil {
		return err
	}
	q.tasks[id] = t
	q.lanes[t.Priority] = append(q.lanes[t.Priority], id)

	q.publish(events.TopicTaskReclaimed, events.TaskEvent{TaskID: id, Generation: t.Generation})
	return nil
}

// DeadLetterRetry requeues a dead-lettered task with retry_count reset.
func (q *Queue) DeadLetterRetry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusDeadLetter {
		return fmt.Errorf("task %s is not dead_letter", id)
	}

	t.Status = StatusQueued
	t.RetryCount = 0
	t.Generation++
	t.UpdatedAt = q.nowMs()
	if err := q.persist(t); err != nil {
		return err
	}
	q.tasks[id] = t
	q.lanes[t.Priority] = append(q.lanes[t.Priority], id)

	q.publish(events.TopicTaskRetried, events.TaskEvent{TaskID: id, Generation: t.Generation, Reason: "dead_letter_retry"})
	return nil
}

// StuckSweep reclaims every assigned/working task whose updated_at is older
// than threshold, returning the reclaimed task ids (spec.md §4.6).
func (q *Queue) StuckSweep(threshold time.Duration) []string {
	q.mu.Lock()
	cutoff := q.nowMs() - threshold.Milliseconds()
	var stuck []string
	for _, t := range q.tasks {
		if (t.Status == StatusAssigned || t.Status == StatusWorking) && t.UpdatedAt < cutoff {
			stuck = append(stuck, t.ID)
		}
	}
	q.mu.Unlock()

	for _, id := range stuck {
		if err := q.Reclaim(id); err != nil {
			q.log.Errorf("stuck sweep reclaim failed task=%s err=%v", id, err)
		}
	}
	return stuck
}
