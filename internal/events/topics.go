package events

// Topic names published across the hub. The scheduler (C7) subscribes to
// the subset named in spec.md §4.6; other components may subscribe for
// telemetry or health purposes without the publisher knowing about them.
const (
	TopicTaskSubmitted  = "task.submitted"
	TopicTaskAssigned   = "task.assigned"
	TopicTaskReclaimed  = "task.reclaimed"
	TopicTaskRetried    = "task.retried"
	TopicTaskCompleted  = "task.completed"
	TopicTaskFailed     = "task.failed"
	TopicTaskDeadLetter = "task.dead_letter"

	TopicAgentJoined       = "agent.joined"
	TopicAgentIdle         = "agent.idle"
	TopicAgentOffline      = "agent.offline"
	TopicAgentUnresponsive = "agent.unresponsive"

	TopicGoalSubmitted = "goal.submitted"
	TopicGoalCompleted = "goal.completed"
	TopicGoalFailed    = "goal.failed"

	TopicHealthCritical = "health.critical"
	TopicHubTransition  = "hub.transition"

	TopicTableCorrupted = "store.table_corrupted"
)

// TaskEvent is the payload published for every task lifecycle topic.
type TaskEvent struct {
	TaskID     string
	Generation int
	AgentID    string
	Reason     string
}

// AgentEvent is the payload published for agent lifecycle topics.
type AgentEvent struct {
	AgentID string
	Name    string
}

// GoalEvent is the payload published for goal lifecycle topics.
type GoalEvent struct {
	GoalID string
	Status string
}

// HealthEvent is the payload published when a critical health signal fires.
type HealthEvent struct {
	Source string
	Reason string
}

// TableCorruptedEvent is published by a C1 table owner when a hot-path
// operation detects corruption.
type TableCorruptedEvent struct {
	Table  string
	Reason string
}
