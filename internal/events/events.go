// Package events carries the typed lifecycle event stream for one session.
package events

import (
	"time"
)

// Event types, the full outbound vocabulary.
const (
	SessionStarted     = "session_started"
	PlanningStarted    = "planning_started"
	PlanReady          = "plan_ready"
	TaskStarted        = "task_started"
	TaskCompleted      = "task_completed"
	TaskFailed         = "task_failed"
	AgentSpawned       = "agent_spawned"
	AgentStatus        = "agent_status"
	AgentOutput        = "agent_output"
	AgentMessage       = "agent_message"
	AgentQuestion      = "agent_question"
	ToolUse            = "tool_use"
	ToolResult         = "tool_result"
	CodeGenerated      = "code_generated"
	CodeReviewStarted  = "code_review_started"
	CodeReviewComplete = "code_review_complete"
	TestStarted        = "test_started"
	TestResult         = "test_result"
	TestPhaseComplete  = "test_phase_complete"
	DeployStarted      = "deploy_started"
	DeployProgress     = "deploy_progress"
	DeployComplete     = "deploy_complete"
	TeachingMoment     = "teaching_moment"
	WorkspaceCreated   = "workspace_created"
	CommitCreated      = "commit_created"
	JudgeStarted       = "judge_started"
	JudgeResult        = "judge_result"
	HumanGate          = "human_gate"
	SessionComplete    = "session_complete"
	Error              = "error"
)

// GateJudge is the reserved human_gate task id for judge override.
const GateJudge = "__judge__"

// Event is one outbound message. Data fields are flattened into the JSON
// document next to type/session_id/task_id when serialized to the wire.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with the current timestamp.
func New(eventType string, data map[string]any) Event {
	return Event{Type: eventType, Timestamp: time.Now(), Data: data}
}

// WithTask returns a copy of the event tagged with a task id.
func (e Event) WithTask(taskID string) Event {
	e.TaskID = taskID
	return e
}

// Terminal reports whether no further events may follow this one.
func (e Event) Terminal() bool {
	if e.Type == SessionComplete {
		return true
	}
	if e.Type != Error {
		return false
	}
	recoverable, ok := e.Data["recoverable"].(bool)
	return ok && !recoverable
}
