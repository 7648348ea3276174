package router

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

func newHarness(t *testing.T) (*supervisor.Supervisor, *store.Table) {
	t.Helper()
	dir := t.TempDir()
	taskTbl, err := store.OpenTable(dir, "tasks")
	if err != nil {
		t.Fatalf("OpenTable tasks: %v", err)
	}
	t.Cleanup(func() { taskTbl.Close() })
	q, err := taskqueue.New(taskTbl, nil)
	if err != nil {
		t.Fatalf("taskqueue.New: %v", err)
	}
	sup := supervisor.New(q, presence.New(), nil, time.Minute)

	mailTbl, err := store.OpenTable(dir, "mailbox")
	if err != nil {
		t.Fatalf("OpenTable mailbox: %v", err)
	}
	t.Cleanup(func() { mailTbl.Close() })
	return sup, mailTbl
}

func identityFrame(e Entry) any { return e }

func TestSendDirectToConnectedAgent(t *testing.T) {
	sup, tbl := newHarness(t)
	sess := newFakeSession()
	sup.Start("a1", "A", nil, sess)

	r, err := New(tbl, sup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.SendDirect("a2", "a1", map[string]any{"hi": true}, "", identityFrame); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}
	if len(sess.pushed) != 1 {
		t.Fatalf("expected direct delivery, got %d pushed", len(sess.pushed))
	}

	entries, maxSeq, err := r.Poll("a1", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 0 || maxSeq != 0 {
		t.Fatalf("expected no mailbox entries for a live delivery, got %v maxSeq=%d", entries, maxSeq)
	}
}

func TestSendDirectFallsBackToMailboxWhenOffline(t *testing.T) {
	sup, tbl := newHarness(t)
	r, err := New(tbl, sup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := r.SendDirect("a2", "a1", map[string]any{"hi": true}, "thread-1", identityFrame); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	entries, maxSeq, err := r.Poll("a1", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 1 || entries[0].From != "a2" || maxSeq != 1 {
		t.Fatalf("expected one mailbox entry, got %+v maxSeq=%d", entries, maxSeq)
	}

	more, maxSeq2, err := r.Poll("a1", maxSeq)
	if err != nil {
		t.Fatalf("Poll since: %v", err)
	}
	if len(more) != 0 {
		t.Fatalf("expected no new entries since max seq, got %v", more)
	}
	_ = maxSeq2
}

func TestChannelDeliveryToSubscribers(t *testing.T) {
	sup, tbl := newHarness(t)
	sess1 := newFakeSession()
	sup.Start("a1", "A", nil, sess1)

	r, err := New(tbl, sup)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Subscribe("team", "a1")
	r.Subscribe("team", "a2") // offline

	r.SendChannel("sender", "team", map[string]any{"x": 1}, "", identityFrame)

	if len(sess1.pushed) != 1 {
		t.Fatalf("expected live subscriber to receive directly, got %d", len(sess1.pushed))
	}
	entries, _, err := r.Poll("a2", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected offline subscriber to get mailbox entry, got %v", entries)
	}
}

func TestRetentionCapEvictsOldest(t *testing.T) {
	sup, tbl := newHarness(t)
	r, err := New(tbl, sup, WithRetention(24*time.Hour, 3))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := r.SendDirect("s", "a1", map[string]any{"n": i}, "", identityFrame); err != nil {
			t.Fatalf("SendDirect %d: %v", i, err)
		}
	}
	entries, _, err := r.Poll("a1", 0)
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected cap of 3 entries, got %d", len(entries))
	}
	if entries[0].Seq != 3 || entries[2].Seq != 5 {
		t.Fatalf("expected the two oldest entries evicted, leaving seqs 3..5, got %+v", entries)
	}
}
