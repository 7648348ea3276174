// Package taskqueue implements C6, the durable task queue: a store.Table-
// backed set of Tasks plus an in-memory priority-lane index, with the full
// status-transition and generation-counter model from spec.md §4.5.
package taskqueue

// Priority is an ordered task priority lane. Higher values sort first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// ParsePriority converts a wire priority string to Priority, defaulting to
// normal for unrecognized values.
func ParsePriority(s string) Priority {
	switch s {
	case "urgent":
		return PriorityUrgent
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String renders the priority as its wire form.
func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// Status is a task's lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusAssigned   Status = "assigned"
	StatusWorking    Status = "working"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeadLetter Status = "dead_letter"
)

// ComplexityTier is an optional hint consumed by the goal orchestrator when
// picking verification depth.
type ComplexityTier string

const (
	ComplexityTrivial  ComplexityTier = "trivial"
	ComplexityStandard ComplexityTier = "standard"
	ComplexityComplex  ComplexityTier = "complex"
	ComplexityUnknown  ComplexityTier = "unknown"
)

// Task is the durable unit of work routed to exactly one agent at a time
// (spec.md §3 Data Model).
type Task struct {
	ID                 string         `json:"id"`
	Description        string         `json:"description"`
	Priority           Priority       `json:"priority"`
	Status             Status         `json:"status"`
	SubmittedBy        string         `json:"submitted_by"`
	SubmittedAt        int64          `json:"submitted_at"`
	AssignedTo         string         `json:"assigned_to,omitempty"`
	AssignedAt         int64          `json:"assigned_at,omitempty"`
	UpdatedAt          int64          `json:"updated_at"`
	Generation         int            `json:"generation"`
	NeededCapabilities []string       `json:"needed_capabilities,omitempty"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	DependsOn          []string       `json:"depends_on,omitempty"`
	GoalID             string         `json:"goal_id,omitempty"`
	ComplexityTier     ComplexityTier `json:"complexity_tier,omitempty"`
	VerificationSteps  []string       `json:"verification_steps,omitempty"`
}

// Clone returns a deep-enough copy safe to hand to a caller outside the
// queue actor.
func (t Task) Clone() Task {
	cp := t
	cp.NeededCapabilities = append([]string(nil), t.NeededCapabilities...)
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.VerificationSteps = append([]string(nil), t.VerificationSteps...)
	if t.Metadata != nil {
		cp.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			cp.Metadata[k] = v
		}
	}
	return cp
}
