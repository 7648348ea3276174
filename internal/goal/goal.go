// Package goal implements C12, the Goal Orchestrator: it accepts goals,
// decomposes them into dependency-linked tasks via an external LLM
// transport, watches C6 for their completion, and verifies the result
// against the goal's success criteria before marking it complete or failed
// (spec.md §4.8).
//
// The LLM invocation transport is explicitly out of scope (spec.md §1,
// "Out of scope... LLM invocation transport") — the orchestrator depends
// only on the LLMTransport interface below; a collaborator supplies the
// implementation.
package goal

import (
	"context"
)

// Status is a goal's lifecycle state (spec.md §3 Data Model).
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusDecomposing Status = "decomposing"
	StatusExecuting   Status = "executing"
	StatusVerifying   Status = "verifying"
	StatusComplete    Status = "complete"
	StatusFailed      Status = "failed"
)

// Goal is the durable record tracked by the orchestrator.
type Goal struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	SuccessCriteria string   `json:"success_criteria"`
	Priority        string   `json:"priority"`
	Status          Status   `json:"status"`
	ChildTaskIDs    []string `json:"child_task_ids,omitempty"`
	AttemptCount    int      `json:"attempt_count"`
	SubmittedAt     int64    `json:"submitted_at"`
	UpdatedAt       int64    `json:"updated_at"`
	FailureReason   string   `json:"failure_reason,omitempty"`
}

func (g Goal) clone() Goal {
	cp := g
	cp.ChildTaskIDs = append([]string(nil), g.ChildTaskIDs...)
	return cp
}

// SubmitFields are the caller-supplied fields for a new goal.
type SubmitFields struct {
	Title           string
	Description     string
	SuccessCriteria string
	Priority        string
}

// CandidateTask is one task proposed by the decomposition call. DependsOn
// holds indices into the same CandidateTask slice, not task ids — the
// orchestrator resolves indices to real ids as it submits tasks to C6.
type CandidateTask struct {
	Description        string
	DependsOn          []int
	NeededCapabilities []string
	ComplexityTier     string
	VerificationSteps  []string
	TouchesFiles       []string
}

// DecompositionRequest is passed to LLMTransport.Decompose. FailureNotes is
// populated on a revision pass following a failed verification.
type DecompositionRequest struct {
	GoalID          string
	Title           string
	Description     string
	SuccessCriteria string
	FailureNotes    string
}

// DecompositionResult is the ordered candidate-task list an LLM transport
// returns for a decomposition request.
type DecompositionResult struct {
	Tasks []CandidateTask
}

// TaskOutcome summarizes one terminated child task for verification.
type TaskOutcome struct {
	TaskID      string
	Description string
	Status      string
	Result      map[string]any
}

// VerificationRequest is passed to LLMTransport.Verify.
type VerificationRequest struct {
	GoalID          string
	SuccessCriteria string
	Outcomes        []TaskOutcome
}

// VerificationResult is an LLM transport's verdict on a goal's outcomes.
type VerificationResult struct {
	Pass      bool
	Reasoning string
}

// LLMTransport is the external collaborator that performs decomposition and
// verification calls. AgentCom core only calls through this interface; the
// wire protocol, model selection, and retry policy belong to the
// implementation (spec.md §1).
type LLMTransport interface {
	Decompose(ctx context.Context, req DecompositionRequest) (DecompositionResult, error)
	Verify(ctx context.Context, req VerificationRequest) (VerificationResult, error)
}

// FileExists reports whether path exists in the repo tree the orchestrator
// validates decomposition output against. Supplied by the caller so the
// orchestrator itself carries no filesystem-root configuration.
type FileExists func(path string) bool
