package taskqueue

import (
	"testing"

	"github.com/notno/agentcom/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	tbl, err := store.OpenTable(t.TempDir(), "tasks")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	q, err := New(tbl, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return q
}

func TestSubmitGetAssignCompleteLifecycle(t *testing.T) {
	q := newTestQueue(t)

	task, err := q.Submit(SubmitFields{Description: "do x", Priority: PriorityNormal})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != StatusQueued || task.Generation != 0 {
		t.Fatalf("new task = %+v, want queued/gen0", task)
	}

	got, err := q.Get(task.ID)
	if err != nil || got.Description != "do x" {
		t.Fatalf("Get = %+v, %v", got, err)
	}

	assigned, err := q.AssignTask(task.ID, "agent-1")
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if assigned.Status != StatusAssigned || assigned.Generation != 1 || assigned.AssignedTo != "agent-1" {
		t.Fatalf("assigned = %+v", assigned)
	}

	if _, err := q.AssignTask(task.ID, "agent-2"); err != ErrNotQueued {
		t.Fatalf("double assign = %v, want ErrNotQueued", err)
	}

	if err := q.MarkWorking(task.ID, "agent-1", 1); err != nil {
		t.Fatalf("MarkWorking: %v", err)
	}
	if err := q.Complete(task.ID, 1, map[string]any{"ok": true}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	final, _ := q.Get(task.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("final status = %s, want completed", final.Status)
	}
}

func TestStaleGenerationDiscarded(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit(SubmitFields{Description: "x"})
	a1, _ := q.AssignTask(task.ID, "a")
	if err := q.Reclaim(task.ID); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	a2, _ := q.AssignTask(task.ID, "b")
	if a2.Generation <= a1.Generation {
		t.Fatalf("expected generation to advance, got %d -> %d", a1.Generation, a2.Generation)
	}

	if err := q.Complete(task.ID, a1.Generation, nil); err != ErrStaleGeneration {
		t.Fatalf("Complete with stale generation = %v, want ErrStaleGeneration", err)
	}
	cur, _ := q.Get(task.ID)
	if cur.Status != StatusAssigned || cur.AssignedTo != "b" {
		t.Fatalf("stale complete must not affect current assignment, got %+v", cur)
	}
}

func TestReclaimIsIdempotent(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit(SubmitFields{Description: "x"})
	q.AssignTask(task.ID, "a")

	if err := q.Reclaim(task.ID); err != nil {
		t.Fatalf("Reclaim: %v", err)
	}
	afterFirst, _ := q.Get(task.ID)

	if err := q.Reclaim(task.ID); err != nil {
		t.Fatalf("second Reclaim: %v", err)
	}
	afterSecond, _ := q.Get(task.ID)

	if afterFirst.Generation != afterSecond.Generation {
		t.Fatalf("reclaiming an already-queued task must be a no-op: %d != %d", afterFirst.Generation, afterSecond.Generation)
	}
}

func TestFailExhaustsRetriesToDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit(SubmitFields{Description: "x", MaxRetries: 1})

	a, _ := q.AssignTask(task.ID, "a")
	if err := q.Fail(task.ID, a.Generation, "boom"); err != nil {
		t.Fatalf("Fail 1: %v", err)
	}
	after1, _ := q.Get(task.ID)
	if after1.Status != StatusQueued || after1.RetryCount != 1 {
		t.Fatalf("after first failure = %+v", after1)
	}

	b, _ := q.AssignTask(task.ID, "b")
	if err := q.Fail(task.ID, b.Generation, "boom again"); err != nil {
		t.Fatalf("Fail 2: %v", err)
	}
	final, _ := q.Get(task.ID)
	if final.Status != StatusDeadLetter {
		t.Fatalf("final status = %s, want dead_letter", final.Status)
	}
}

func TestDependencyFiltering(t *testing.T) {
	q := newTestQueue(t)
	dep, _ := q.Submit(SubmitFields{Description: "dependency"})
	blocked, _ := q.Submit(SubmitFields{Description: "blocked", DependsOn: []string{dep.ID}})

	ready := q.ReadyQueued()
	for _, r := range ready {
		if r.ID == blocked.ID {
			t.Fatalf("blocked task must not be ready while its dependency is unresolved")
		}
	}

	a, _ := q.AssignTask(dep.ID, "a")
	q.MarkWorking(dep.ID, "a", a.Generation)
	q.Complete(dep.ID, a.Generation, nil)

	ready = q.ReadyQueued()
	found := false
	for _, r := range ready {
		if r.ID == blocked.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("task should become ready once its dependency completes")
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := newTestQueue(t)
	low, _ := q.Submit(SubmitFields{Description: "low", Priority: PriorityLow})
	urgent, _ := q.Submit(SubmitFields{Description: "urgent", Priority: PriorityUrgent})

	ready := q.ReadyQueued()
	if len(ready) != 2 || ready[0].ID != urgent.ID || ready[1].ID != low.ID {
		t.Fatalf("expected urgent before low, got %+v", ready)
	}
}
