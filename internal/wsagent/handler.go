package wsagent

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/notno/agentcom/internal/agentfsm"
	"github.com/notno/agentcom/internal/capability"
	"github.com/notno/agentcom/internal/logging"
	"github.com/notno/agentcom/internal/ratelimit"
	"github.com/notno/agentcom/internal/router"
	"github.com/notno/agentcom/internal/supervisor"
	"github.com/notno/agentcom/internal/taskqueue"
	"github.com/notno/agentcom/internal/tokenregistry"
)

const identifyTimeout = 10 * time.Second

// Handler upgrades incoming HTTP requests to the agent session WebSocket
// and dispatches every inbound frame to the relevant component.
type Handler struct {
	tokens     *tokenregistry.Registry
	supervisor *supervisor.Supervisor
	tasks      *taskqueue.Queue
	router     *router.Router
	limiter    *ratelimit.Limiter
	validator  *ratelimit.Validator

	upgrader websocket.Upgrader
	log      logging.Logger
}

// New constructs a Handler wired to the hub's shared components.
func New(tokens *tokenregistry.Registry, sup *supervisor.Supervisor, tasks *taskqueue.Queue, rtr *router.Router, limiter *ratelimit.Limiter, validator *ratelimit.Validator) *Handler {
	return &Handler{
		tokens:     tokens,
		supervisor: sup,
		tasks:      tasks,
		router:     rtr,
		limiter:    limiter,
		validator:  validator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: logging.Component("wsagent"),
	}
}

// ServeHTTP upgrades the connection, authenticates the bearer token in the
// query string, and begins the session's read/write pumps. The agent must
// send identify within identifyTimeout or the connection is dropped
// (spec.md §6).
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	agentID, ok := h.tokens.Verify(token)
	if !ok {
		http.Error(w, "invalid or missing token", http.StatusUnauthorized)
		return
	}

	if allowed, retryAfter := h.limiter.Allow(agentID, "agent"); !allowed {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())))
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("upgrade failed for agent %s: %v", agentID, err)
		return
	}

	conn := newConn(ws, agentID)
	sess := &session{h: h, conn: conn, agentID: agentID}

	go conn.writePump()
	go sess.awaitIdentify()
	conn.readLoop(sess.handle)
}

// session tracks per-connection dispatch state between identify and the
// eventual machine lookup.
type session struct {
	h       *Handler
	conn    *Conn
	agentID string
	machine *agentfsm.Machine
}

func (s *session) awaitIdentify() {
	select {
	case <-time.After(identifyTimeout):
		if s.machine == nil {
			s.h.log.Warnf("agent %s never sent identify, closing", s.agentID)
			s.conn.Close()
		}
	case <-s.conn.Done():
	}
}

func (s *session) sendError(code, details string) {
	_ = s.conn.Push(Frame{Type: "error", Code: code, Details: details})
}

func (s *session) handle(f Frame) error {
	switch f.Type {
	case "identify":
		return s.onIdentify(f)
	case "task_accepted":
		return s.onTaskAccepted(f)
	case "task_complete":
		return s.onTaskComplete(f)
	case "task_failed":
		return s.onTaskFailed(f)
	case "state_report":
		return s.onStateReport(f)
	case "heartbeat":
		s.h.limiter.Reset(s.agentID, "agent")
		return nil
	case "wake_result":
		s.h.log.Infof("wake_result task=%s agent=%s success=%v error=%s", f.TaskID, s.agentID, f.Success, f.Error)
		return nil
	default:
		s.sendError("unknown_frame_type", f.Type)
		return nil
	}
}

func (s *session) onIdentify(f Frame) error {
	if err := s.h.validator.Validate("identify", map[string]any{"agent_id": f.AgentID, "name": f.Name}); err != nil {
		s.sendError("validation_error", err.Error())
		return nil
	}
	caps := capability.Normalize(f.Capabilities)
	s.machine = s.h.supervisor.Start(s.agentID, f.Name, caps, s.conn)
	return s.conn.Push(Frame{Type: "identified", AgentID: s.agentID})
}

func (s *session) onTaskAccepted(f Frame) error {
	if s.machine == nil {
		s.sendError("not_identified", "identify before task_accepted")
		return nil
	}
	if err := s.machine.TaskAccepted(f.TaskID, f.Generation); err != nil {
		s.sendError("stale_generation", err.Error())
	}
	return nil
}

func (s *session) onTaskComplete(f Frame) error {
	if s.machine == nil {
		s.sendError("not_identified", "identify before task_complete")
		return nil
	}
	if err := s.h.tasks.Complete(f.TaskID, f.Generation, f.Result); err != nil {
		s.sendError("stale_generation", err.Error())
		return nil
	}
	if err := s.machine.TaskComplete(f.TaskID, f.Generation); err != nil {
		s.h.log.Debugf("machine TaskComplete after queue complete: %v", err)
	}
	return nil
}

func (s *session) onTaskFailed(f Frame) error {
	if s.machine == nil {
		s.sendError("not_identified", "identify before task_failed")
		return nil
	}
	if err := s.h.tasks.Fail(f.TaskID, f.Generation, f.Reason); err != nil {
		s.sendError("stale_generation", err.Error())
		return nil
	}
	if err := s.machine.TaskFailed(f.TaskID, f.Generation); err != nil {
		s.h.log.Debugf("machine TaskFailed after queue fail: %v", err)
	}
	return nil
}

// onStateReport reconciles a reconnecting agent's reported state against
// the hub's authoritative generation (spec.md §6): matching agent+
// generation continues the task; otherwise the hub tells the agent to
// abort and clears its own stale assignment.
func (s *session) onStateReport(f Frame) error {
	if s.machine == nil {
		s.sendError("not_identified", "identify before state_report")
		return nil
	}
	if f.ActiveTaskID == "" {
		return s.conn.Push(Frame{Type: "state_report_ack", Decision: "continue"})
	}

	t, err := s.h.tasks.Get(f.ActiveTaskID)
	if err != nil || t.AssignedTo != s.agentID || t.Generation != f.Generation {
		if err == nil {
			_ = s.h.tasks.Reclaim(f.ActiveTaskID)
		}
		return s.conn.Push(Frame{Type: "state_report_ack", Decision: "abort"})
	}
	return s.conn.Push(Frame{Type: "state_report_ack", Decision: "continue"})
}

// BuildPushTaskFrame renders a task into the outbound push_task wire frame,
// matching the svc.BuildFrame hook signature. wake_command has no
// first-class Task field, since only tasks targeting a dormant/batch agent
// carry one; it rides in Metadata["wake_command"] instead (spec.md §6).
func BuildPushTaskFrame(t taskqueue.Task) any {
	wakeCmd, _ := t.Metadata["wake_command"].(string)
	return Frame{
		Type:               "push_task",
		TaskID:             t.ID,
		Description:        t.Description,
		Generation:         t.Generation,
		Metadata:           t.Metadata,
		NeededCapabilities: t.NeededCapabilities,
		VerificationSteps:  t.VerificationSteps,
		WakeCommand:        wakeCmd,
	}
}

// NewAgentID generates an opaque id for an agent not yet known to the
// token registry (used by the admin token-generate endpoint).
func NewAgentID() string { return uuid.NewString() }
