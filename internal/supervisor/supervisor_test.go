package supervisor

import (
	"testing"
	"time"

	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/store"
	"github.com/notno/agentcom/internal/taskqueue"
)

type fakeSession struct{ done chan struct{} }

func newFakeSession() *fakeSession    { return &fakeSession{done: make(chan struct{})} }
func (f *fakeSession) Push(any) error { return nil }
func (f *fakeSession) Done() <-chan struct{} { return f.done }
func (f *fakeSession) Close()                { close(f.done) }

func newTestSupervisor(t *testing.T) *Supervisor {
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
	return New(q, presence.New(), nil, time.Minute)
}

func TestStartLookupStop(t *testing.T) {
	s := newTestSupervisor(t)
	sess := newFakeSession()
	m := s.Start("a1", "worker", []string{"code"}, sess)
	if m.AgentID() != "a1" {
		t.Fatalf("AgentID = %s", m.AgentID())
	}

	got, ok := s.Lookup("a1")
	if !ok || got != m {
		t.Fatalf("Lookup failed, ok=%v", ok)
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}

	if err := s.Stop("a1"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, ok := s.Lookup("a1"); ok {
		t.Fatalf("expected machine gone after Stop")
	}
}

func TestSessionCloseRemovesFromSupervision(t *testing.T) {
	s := newTestSupervisor(t)
	sess := newFakeSession()
	s.Start("a1", "worker", nil, sess)

	sess.Close()
	time.Sleep(50 * time.Millisecond)

	if _, ok := s.Lookup("a1"); ok {
		t.Fatalf("expected machine removed after session close")
	}
}

func TestStartReplacesExisting(t *testing.T) {
	s := newTestSupervisor(t)
	sess1 := newFakeSession()
	m1 := s.Start("a1", "worker", nil, sess1)

	sess2 := newFakeSession()
	m2 := s.Start("a1", "worker", nil, sess2)

	got, ok := s.Lookup("a1")
	if !ok || got != m2 {
		t.Fatalf("expected lookup to return the replacement machine")
	}
	if m1 == m2 {
		t.Fatalf("expected a distinct machine instance")
	}
}

func TestStaleSessionCloseDoesNotEvictReplacement(t *testing.T) {
	s := newTestSupervisor(t)
	sess1 := newFakeSession()
	s.Start("a1", "worker", nil, sess1)

	sess2 := newFakeSession()
	m2 := s.Start("a1", "worker", nil, sess2)

	// sess1's delayed close fires after the reconnect already registered m2.
	sess1.Close()
	time.Sleep(50 * time.Millisecond)

	got, ok := s.Lookup("a1")
	if !ok {
		t.Fatalf("expected replacement machine to remain supervised")
	}
	if got != m2 {
		t.Fatalf("expected lookup to still return the replacement machine")
	}
}
