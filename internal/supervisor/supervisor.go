// Package supervisor implements C5: a keyed map of agent id to C4 state
// machine handle, with a temporary restart policy — a machine that
// terminates is never restarted, since its session is gone and a
// reconnect creates a fresh one (spec.md §4.4).
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/notno/agentcom/internal/agentfsm"
	"github.com/notno/agentcom/internal/capability"
	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/taskqueue"
)

// Supervisor owns the live set of per-agent state machines.
type Supervisor struct {
	mu       sync.RWMutex
	machines map[string]*agentfsm.Machine

	queue             *taskqueue.Queue
	cache             *presence.Cache
	bus               *events.Subject
	acceptanceTimeout time.Duration
	log               logging.Logger
}

// New constructs a Supervisor wired to the task queue, presence cache, and
// event bus its managed machines will use.
func New(queue *taskqueue.Queue, cache *presence.Cache, bus *events.Subject, acceptanceTimeout time.Duration) *Supervisor {
	return &Supervisor{
		machines:          make(map[string]*agentfsm.Machine),
		queue:             queue,
		cache:             cache,
		bus:               bus,
		acceptanceTimeout: acceptanceTimeout,
		log:               logging.Component("supervisor"),
	}
}

// Start creates and registers a new state machine for agentID. If a machine
// already exists for this id, it is stopped first (a fresh connection
// replaces a stale one, per spec.md §4.4).
func (s *Supervisor) Start(agentID, name string, rawCapabilities []string, session agentfsm.Session) *agentfsm.Machine {
	caps := capability.NormalizeStrings(rawCapabilities)

	s.mu.Lock()
	if _, ok := s.machines[agentID]; ok {
		s.log.Infof("replacing existing machine for agent=%s", agentID)
		delete(s.machines, agentID)
		// the old machine stays alive in memory until its own session closes
		// and calls onTerminate; onTerminate checks machine identity so that
		// delayed cleanup never evicts the replacement registered below.
	}
	s.mu.Unlock()

	m := agentfsm.New(agentID, name, caps, session, s.queue, s.cache, s.bus, s.acceptanceTimeout, s.onTerminate)

	s.mu.Lock()
	s.machines[agentID] = m
	s.mu.Unlock()
	return m
}

// onTerminate is the callback a Machine invokes on session closure; it
// removes the machine from the supervised set (restart policy: temporary).
// It only deletes the entry if m is still the currently registered machine
// for agentID — otherwise this is a stale session's delayed close firing
// after a reconnect already registered a replacement, and must not evict it.
func (s *Supervisor) onTerminate(agentID string, m *agentfsm.Machine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, ok := s.machines[agentID]; ok && current == m {
		delete(s.machines, agentID)
	}
}

// Stop forcibly removes a machine's handle from supervision. It does not
// close the underlying session; callers that want a clean disconnect should
// close the session first and let onTerminate do the bookkeeping.
func (s *Supervisor) Stop(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.machines[agentID]; !ok {
		return fmt.Errorf("no machine for agent %s", agentID)
	}
	delete(s.machines, agentID)
	return nil
}

// Lookup returns the machine handle for agentID, if any.
func (s *Supervisor) Lookup(agentID string) (*agentfsm.Machine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.machines[agentID]
	return m, ok
}

// ListAll returns every currently supervised machine.
func (s *Supervisor) ListAll() []*agentfsm.Machine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*agentfsm.Machine, 0, len(s.machines))
	for _, m := range s.machines {
		out = append(out, m)
	}
	return out
}

// Count returns the number of currently supervised machines.
func (s *Supervisor) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.machines)
}
