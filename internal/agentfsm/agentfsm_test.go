package agentfsm

import (
	"testing"
	"time"

	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/taskqueue"
)

type fakeSession struct {
	done    chan struct{}
	pushed  []any
	failPsh bool
}

func newFakeSession() *fakeSession {
	return &fakeSession{done: make(chan struct{})}
}

func (f *fakeSession) Push(v any) error {
	f.pushed = append(f.pushed, v)
	return nil
}

func (f *fakeSession) Done() <-chan struct{} { return f.done }

func (f *fakeSession) Close() { close(f.done) }

func newTestQueue(t *testing.T) *taskqueue.Queue {
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
	return q
}

func TestPushAcceptComplete(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit(taskqueue.SubmitFields{Description: "x"})
	assigned, _ := q.AssignTask(task.ID, "a1")

	cache := presence.New()
	sess := newFakeSession()
	m := New("a1", "worker", []string{"code"}, sess, q, cache, nil, time.Minute, nil)

	if m.State() != StateIdle {
		t.Fatalf("initial state = %s, want idle", m.State())
	}

	if err := m.PushTask(task.ID, assigned.Generation, map[string]any{"task_id": task.ID}); err != nil {
		t.Fatalf("PushTask: %v", err)
	}
	if m.State() != StateAssigned {
		t.Fatalf("state after push = %s, want assigned", m.State())
	}
	if len(sess.pushed) != 1 {
		t.Fatalf("expected one pushed frame, got %d", len(sess.pushed))
	}

	if err := m.TaskAccepted(task.ID, assigned.Generation); err != nil {
		t.Fatalf("TaskAccepted: %v", err)
	}
	if m.State() != StateWorking {
		t.Fatalf("state after accept = %s, want working", m.State())
	}

	if err := m.TaskComplete(task.ID, assigned.Generation); err != nil {
		t.Fatalf("TaskComplete: %v", err)
	}
	if m.State() != StateIdle {
		t.Fatalf("state after complete = %s, want idle", m.State())
	}

	snap, ok := cache.Get("a1")
	if !ok || snap.FSMState != "idle" {
		t.Fatalf("presence snapshot = %+v, ok=%v", snap, ok)
	}
}

func TestAcceptanceTimeoutReclaimsAndFlags(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit(taskqueue.SubmitFields{Description: "x"})
	assigned, _ := q.AssignTask(task.ID, "a1")

	cache := presence.New()
	sess := newFakeSession()
	m := New("a1", "worker", nil, sess, q, cache, nil, 20*time.Millisecond, nil)

	if err := m.PushTask(task.ID, assigned.Generation, "frame"); err != nil {
		t.Fatalf("PushTask: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if m.State() != StateIdle {
		t.Fatalf("state after timeout = %s, want idle", m.State())
	}
	snap, _ := cache.Get("a1")
	found := false
	for _, f := range snap.Flags {
		if f == FlagUnresponsive {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected unresponsive flag, got %v", snap.Flags)
	}

	reclaimed, err := q.Get(task.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if reclaimed.Status != taskqueue.StatusQueued {
		t.Fatalf("task status after timeout = %s, want queued", reclaimed.Status)
	}
}

func TestSessionClosedReclaimsCurrentTaskAndTerminates(t *testing.T) {
	q := newTestQueue(t)
	task, _ := q.Submit(taskqueue.SubmitFields{Description: "x"})
	assigned, _ := q.AssignTask(task.ID, "a1")

	cache := presence.New()
	sess := newFakeSession()
	terminated := make(chan string, 1)
	m := New("a1", "worker", nil, sess, q, cache, nil, time.Minute, func(id string, _ *Machine) { terminated <- id })

	if err := m.PushTask(task.ID, assigned.Generation, "frame"); err != nil {
		t.Fatalf("PushTask: %v", err)
	}

	sess.Close()

	select {
	case id := <-terminated:
		if id != "a1" {
			t.Fatalf("terminated id = %s", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected termination callback")
	}

	if _, ok := cache.Get("a1"); ok {
		t.Fatalf("expected presence entry removed on disconnect")
	}
	reclaimed, _ := q.Get(task.ID)
	if reclaimed.Status != taskqueue.StatusQueued {
		t.Fatalf("task status after disconnect = %s, want queued", reclaimed.Status)
	}
}
