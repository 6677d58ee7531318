// Package task models the planned dependency graph and its scheduler.
package task

// Task statuses.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Agent statuses.
const (
	AgentIdle    = "idle"
	AgentWorking = "working"
	AgentDone    = "done"
	AgentError   = "error"
)

// FailPredecessor is the failure reason recorded on tasks skipped because a
// predecessor failed terminally.
const FailPredecessor = "predecessor_failed"

// Task is one node in the dependency graph, assigned to one agent.
type Task struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Description        string   `json:"description"`
	Status             string   `json:"status"`
	AgentName          string   `json:"agent_name"`
	Dependencies       []string `json:"dependencies"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`

	// FailReason is set when Status is failed.
	FailReason string `json:"fail_reason,omitempty"`
	// RetryCount is the number of dispatch retries consumed.
	RetryCount int `json:"retry_count,omitempty"`
}

// Terminal reports whether the task can no longer change status in this run.
func (t *Task) Terminal() bool {
	return t.Status == StatusDone || t.Status == StatusFailed
}

// Agent is a role-typed persona whose prompts are dispatched to the model.
type Agent struct {
	Name    string `json:"name"`
	Role    string `json:"role"`
	Persona string `json:"persona"`
	Status  string `json:"status"`
}
