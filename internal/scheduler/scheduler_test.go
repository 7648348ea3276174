package scheduler

import (
	"testing"
	"time"

	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/supervisor"
	"github.com/notno/agentcom/internal/taskqueue"
)

type fakeSession struct {
	done   chan struct{}
	pushed []any
}

func newFakeSession() *fakeSession { return &fakeSession{done: make(chan struct{})} }
func (f *fakeSession) Push(v any) error {
	f.pushed = append(f.pushed, v)
	return nil
}
func (f *fakeSession) Done() <-chan struct{} { return f.done }

func newHarness(t *testing.T) (*taskqueue.Queue, *supervisor.Supervisor) {
	t.Helper()
	tbl, err := store.OpenTable(t.TempDir(), "tasks")
	if err != nil {
		t.Fatalf("OpenTable: %v", err)
	}
	t.Cleanup(func() { tbl.Close() })
	q, err := taskqueue.New(tbl, nil)
	if err != nil {
		t.Fatalf("taskqueue.New: %v", err)
	}
	sup := supervisor.New(q, presence.New(), nil, time.Minute)
	return q, sup
}

func buildFrame(t taskqueue.Task) any { return map[string]any{"task_id": t.ID, "gen": t.Generation} }

func TestRunPassCapabilityMatch(t *testing.T) {
	q, sup := newHarness(t)
	sup.Start("d", "D", []string{"code", "git"}, newFakeSession())

	t3, _ := q.Submit(taskqueue.SubmitFields{Description: "needs python", NeededCapabilities: []string{"python"}})
	t4, _ := q.Submit(taskqueue.SubmitFields{Description: "any caps"})

	sched := New(q, sup, nil, buildFrame)
	stats := sched.RunPass()

	if stats.Assigned != 1 {
		t.Fatalf("Assigned = %d, want 1", stats.Assigned)
	}

	got3, _ := q.Get(t3.ID)
	if got3.Status != taskqueue.StatusQueued {
		t.Fatalf("t3 should remain queued (capability miss), got %s", got3.Status)
	}
	got4, _ := q.Get(t4.ID)
	if got4.Status != taskqueue.StatusAssigned || got4.AssignedTo != "d" {
		t.Fatalf("t4 should be assigned to d, got %+v", got4)
	}

	sup.Start("e", "E", []string{"python"}, newFakeSession())
	sched.RunPass()
	got3, _ = q.Get(t3.ID)
	if got3.Status != taskqueue.StatusAssigned || got3.AssignedTo != "e" {
		t.Fatalf("t3 should now be assigned to e, got %+v", got3)
	}
}

func TestRunPassNoDoubleAssignment(t *testing.T) {
	q, sup := newHarness(t)
	sup.Start("a", "A", nil, newFakeSession())

	q.Submit(taskqueue.SubmitFields{Description: "1"})
	q.Submit(taskqueue.SubmitFields{Description: "2"})

	sched := New(q, sup, nil, buildFrame)
	stats := sched.RunPass()
	if stats.Assigned != 1 {
		t.Fatalf("Assigned = %d, want exactly 1 (only one idle agent)", stats.Assigned)
	}
}

func TestPriorityOrderingInPass(t *testing.T) {
	q, sup := newHarness(t)
	low, _ := q.Submit(taskqueue.SubmitFields{Description: "low", Priority: taskqueue.PriorityLow})
	urgent, _ := q.Submit(taskqueue.SubmitFields{Description: "urgent", Priority: taskqueue.PriorityUrgent})
	sup.Start("a", "A", nil, newFakeSession())

	sched := New(q, sup, nil, buildFrame)
	sched.RunPass()

	gotUrgent, _ := q.Get(urgent.ID)
	gotLow, _ := q.Get(low.ID)
	if gotUrgent.Status != taskqueue.StatusAssigned {
		t.Fatalf("urgent task should have been assigned first, got %+v", gotUrgent)
	}
	if gotLow.Status != taskqueue.StatusQueued {
		t.Fatalf("low task should remain queued with only one agent available, got %+v", gotLow)
	}
}

func TestStuckSweeper(t *testing.T) {
	q, sup := newHarness(t)
	sup.Start("a", "A", nil, newFakeSession())
	task, _ := q.Submit(taskqueue.SubmitFields{Description: "x"})
	q.AssignTask(task.ID, "a")

	time.Sleep(2 * time.Millisecond)
	stuck := q.StuckSweep(0) // threshold 0: anything assigned before this millisecond looks stuck
	if len(stuck) != 1 || stuck[0] != task.ID {
		t.Fatalf("StuckSweep = %v, want [%s]", stuck, task.ID)
	}
	got, _ := q.Get(task.ID)
	if got.Status != taskqueue.StatusQueued {
		t.Fatalf("status after sweep = %s, want queued", got.Status)
	}
}
