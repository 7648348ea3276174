// Package wsagent is the reference binding for the agent session wire
// surface (spec.md §6): a persistent, authenticated, bidirectional
// WebSocket channel per agent, grounded on NeboLoop's
// internal/agenthub/hub.go connection/frame/readPump/writePump pattern.
//
// The wire surface is named in spec.md §1 as an external collaborator —
// the core (C1-C13) exposes the agentfsm.Session interface and the
// taskqueue/router/supervisor operations this package calls; this package
// is one concrete binding of that interface to gorilla/websocket.
package wsagent

import "encoding/json"

// Frame is the single wire envelope for every inbound and outbound agent
// session message (spec.md §6).
type Frame struct {
	Type string `json:"type"`

	// Inbound: identify
	AgentID      string            `json:"agent_id,omitempty"`
	Token        string            `json:"token,omitempty"`
	Name         string            `json:"name,omitempty"`
	Capabilities []json.RawMessage `json:"capabilities,omitempty"`

	// Inbound: task_accepted / task_complete / task_failed / state_report
	TaskID             string         `json:"task_id,omitempty"`
	Generation         int            `json:"generation,omitempty"`
	Result             map[string]any `json:"result,omitempty"`
	VerificationReport map[string]any `json:"verification_report,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	ActiveTaskID       string         `json:"active_task_id,omitempty"`
	Status             string         `json:"status,omitempty"`

	// Inbound: wake_result
	Success bool   `json:"success,omitempty"`
	Error   string `json:"error,omitempty"`

	// Outbound: push_task
	Description        string         `json:"description,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	NeededCapabilities []string       `json:"needed_capabilities,omitempty"`
	VerificationSteps  []string       `json:"verification_steps,omitempty"`
	WakeCommand        string         `json:"wake_command,omitempty"`

	// Outbound: state_report_ack
	Decision string `json:"decision,omitempty"`

	// Outbound: error
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}
