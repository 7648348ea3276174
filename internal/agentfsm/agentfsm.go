// Package agentfsm implements C4, the per-agent state machine: one instance
// per connected agent, pinned to its session handle, enforcing acceptance
// timeouts and pushing presence snapshots on every state change
// (spec.md §4.3).
//
// Per spec.md §9's design note on per-agent actors, the session object is
// never owned by the machine — it only observes the session's closure via
// a one-shot channel, grounded on the watchdog-timer idiom in Nebo's
// internal/agenthub/lane.go (time.AfterFunc force-cancellation).
package agentfsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/notno/agentcom/internal/events"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/presence"
	"github.com/notno/agentcom/internal/taskqueue"
)

// State is one of the agent lifecycle states.
type State string

const (
	StateOffline  State = "offline"
	StateIdle     State = "idle"
	StateAssigned State = "assigned"
	StateWorking  State = "working"
	StateBlocked  State = "blocked"
)

// FlagUnresponsive marks an agent that missed an acceptance timeout. It is
// advisory and never prevents future assignments (spec.md §4.3).
const FlagUnresponsive = "unresponsive"

// Session is the minimal surface C4 needs from the wire-layer session
// handle: the ability to push a frame, and a one-shot closure signal. C4
// never owns this handle; the session driver (outside the core) does.
type Session interface {
	Push(v any) error
	Done() <-chan struct{}
}

// Machine is one agent's state machine actor. Exported methods serialize
// through mu; a session-closed watcher goroutine and the acceptance-timeout
// timer are the only other writers of machine state.
type Machine struct {
	agentID      string
	name         string
	capabilities []string

	mu            sync.Mutex
	state         State
	currentTaskID string
	currentGen    int
	flags         map[string]struct{}
	connectedAt   time.Time
	terminated    bool

	acceptanceTimer *time.Timer
	acceptanceDur   time.Duration

	session Session
	queue   *taskqueue.Queue
	cache   *presence.Cache
	bus     *events.Subject
	log     logging.Logger

	onTerminate func(agentID string, m *Machine) // notifies C5 to drop this handle, identifying which machine
}

// New constructs a Machine in state idle (the spec models construction as
// the post-authentication "connect" transition landing directly in idle)
// and pushes its first presence snapshot. onTerminate receives the Machine
// itself alongside the agentID so the supervisor can tell a superseded
// machine's delayed termination apart from its live replacement's.
func New(agentID, name string, capabilities []string, session Session, queue *taskqueue.Queue, cache *presence.Cache, bus *events.Subject, acceptanceTimeout time.Duration, onTerminate func(string, *Machine)) *Machine {
	m := &Machine{
		agentID:       agentID,
		name:          name,
		capabilities:  capabilities,
		state:         StateIdle,
		flags:         make(map[string]struct{}),
		connectedAt:   time.Now(),
		acceptanceDur: acceptanceTimeout,
		session:       session,
		queue:         queue,
		cache:         cache,
		bus:           bus,
		log:           logging.Component("agentfsm").With("agent_id", agentID),
		onTerminate:   onTerminate,
	}
	m.pushSnapshot()
	m.publishAgentEvent(events.TopicAgentJoined)
	go m.watchSession()
	return m
}

func (m *Machine) watchSession() {
	<-m.session.Done()
	m.onSessionClosed()
}

// pushSnapshot must be called with mu held or immediately after a state
// change with no competing writer (construction, termination).
func (m *Machine) pushSnapshot() {
	flags := make([]string, 0, len(m.flags))
	for f := range m.flags {
		flags = append(flags, f)
	}
	m.cache.Put(presence.Snapshot{
		AgentID:       m.agentID,
		Name:          m.name,
		Capabilities:  append([]string(nil), m.capabilities...),
		FSMState:      string(m.state),
		CurrentTaskID: m.currentTaskID,
		Flags:         flags,
		ConnectedAt:   m.connectedAt,
	})
}

func (m *Machine) publishAgentEvent(topic string) {
	if m.bus == nil {
		return
	}
	_ = events.Emit(m.bus, topic, events.AgentEvent{AgentID: m.agentID, Name: m.name})
}

// State returns the current FSM state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AgentID returns the agent's id.
func (m *Machine) AgentID() string { return m.agentID }

// Push sends an arbitrary frame to the agent's live session — used by the
// message router (C8) for direct/broadcast/channel delivery, as opposed to
// PushTask's task-assignment-specific transition.
func (m *Machine) Push(v any) error {
	return m.session.Push(v)
}

// Capabilities returns the agent's normalized capability set.
func (m *Machine) Capabilities() []string {
	return append([]string(nil), m.capabilities...)
}

// PushTask transitions idle -> assigned, arms the acceptance timer, and
// notifies the session.
func (m *Machine) PushTask(taskID string, generation int, frame any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateIdle {
		return fmt.Errorf("agent %s not idle (state=%s)", m.agentID, m.state)
	}

	m.state = StateAssigned
	m.currentTaskID = taskID
	m.currentGen = generation
	m.armAcceptanceTimer()
	m.pushSnapshot()

	if err := m.session.Push(frame); err != nil {
		return fmt.Errorf("push task to agent %s: %w", m.agentID, err)
	}
	return nil
}

func (m *Machine) armAcceptanceTimer() {
	m.stopAcceptanceTimerLocked()
	taskID := m.currentTaskID
	gen := m.currentGen
	m.acceptanceTimer = time.AfterFunc(m.acceptanceDur, func() {
		m.onAcceptanceTimeout(taskID, gen)
	})
}

func (m *Machine) stopAcceptanceTimerLocked() {
	if m.acceptanceTimer != nil {
		m.acceptanceTimer.Stop()
		m.acceptanceTimer = nil
	}
}

func (m *Machine) onAcceptanceTimeout(taskID string, generation int) {
	m.mu.Lock()
	if m.state != StateAssigned || m.currentTaskID != taskID || m.currentGen != generation {
		m.mu.Unlock()
		return // already progressed past this assignment
	}
	m.state = StateIdle
	m.currentTaskID = ""
	m.flags[FlagUnresponsive] = struct{}{}
	m.pushSnapshot()
	m.mu.Unlock()

	m.log.Infof("acceptance timeout task=%s gen=%d; reclaiming and flagging unresponsive", taskID, generation)
	if err := m.queue.Reclaim(taskID); err != nil {
		m.log.Errorf("reclaim after acceptance timeout failed task=%s: %v", taskID, err)
	}
}

// TaskAccepted transitions assigned -> working, rejecting a stale
// generation.
func (m *Machine) TaskAccepted(taskID string, generation int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateAssigned || m.currentTaskID != taskID || m.currentGen != generation {
		return fmt.Errorf("stale or mismatched task_accepted for %s gen=%d", taskID, generation)
	}
	m.stopAcceptanceTimerLocked()
	m.state = StateWorking
	m.pushSnapshot()
	return nil
}

// TaskComplete transitions working -> idle after a completed task.
func (m *Machine) TaskComplete(taskID string, generation int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTaskID != taskID || m.currentGen != generation {
		return fmt.Errorf("stale or mismatched task_complete for %s gen=%d", taskID, generation)
	}
	m.state = StateIdle
	m.currentTaskID = ""
	m.pushSnapshot()
	m.publishAgentEvent(events.TopicAgentIdle)
	return nil
}

// TaskFailed transitions working -> blocked (non-retryable failure reported
// by the agent itself; the task queue's own retry policy is independent).
func (m *Machine) TaskFailed(taskID string, generation int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentTaskID != taskID || m.currentGen != generation {
		return fmt.Errorf("stale or mismatched task_failed for %s gen=%d", taskID, generation)
	}
	m.state = StateBlocked
	m.pushSnapshot()
	return nil
}

// ClearBlock transitions blocked -> idle (operator or hub intervention).
func (m *Machine) ClearBlock() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateBlocked {
		return fmt.Errorf("agent %s is not blocked (state=%s)", m.agentID, m.state)
	}
	m.state = StateIdle
	m.currentTaskID = ""
	m.pushSnapshot()
	m.publishAgentEvent(events.TopicAgentIdle)
	return nil
}

// onSessionClosed handles the one-shot session-closed signal: mark offline,
// reclaim any current task, and request termination from the supervisor.
func (m *Machine) onSessionClosed() {
	m.mu.Lock()
	m.stopAcceptanceTimerLocked()
	m.state = StateOffline
	taskID := m.currentTaskID
	m.currentTaskID = ""
	m.terminated = true
	m.mu.Unlock()

	m.cache.Remove(m.agentID)
	m.publishAgentEvent(events.TopicAgentOffline)

	if taskID != "" {
		if err := m.queue.Reclaim(taskID); err != nil {
			m.log.Errorf("reclaim on disconnect failed task=%s: %v", taskID, err)
		}
	}
	if m.onTerminate != nil {
		m.onTerminate(m.agentID, m)
	}
}

// Terminated reports whether the machine has processed a session-closed
// signal and is ready for removal from the supervisor.
func (m *Machine) Terminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}
