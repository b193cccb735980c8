package schemas

// -- Result Schemas --

import "time"

// TaskStatus tracks a task attempt through its state machine:
// PENDING -> RUNNING -> (SUCCEEDED | FAILED), with RETRYING -> RUNNING
// loops bounded by the task's retry budget.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskRetrying  TaskStatus = "RETRYING"
	TaskSucceeded TaskStatus = "SUCCEEDED"
	TaskFailed    TaskStatus = "FAILED"
)

// ErrorKind classifies a task failure for the caller. Using a custom type
// ensures only predefined constants can appear in a result.
type ErrorKind string

const (
	// ErrKindStartup - the browser process failed to initialize.
	ErrKindStartup ErrorKind = "STARTUP_ERROR"
	// ErrKindPoolExhausted - no session became available within the
	// acquire wait budget.
	ErrKindPoolExhausted ErrorKind = "POOL_EXHAUSTED"
	// ErrKindTimeout - a step or task deadline was exceeded after retries.
	ErrKindTimeout ErrorKind = "TIMEOUT_ERROR"
	// ErrKindLogic - the target content or structure did not match
	// expectations. Never retried.
	ErrKindLogic ErrorKind = "LOGIC_ERROR"
	// ErrKindInfrastructure - recurring browser crashes exhausted the
	// retry budget.
	ErrKindInfrastructure ErrorKind = "INFRASTRUCTURE_ERROR"
	// ErrKindEnvironment - a precondition from the packaging layer is
	// missing (e.g. no Chromium binary). Never retried.
	ErrKindEnvironment ErrorKind = "ENVIRONMENT_ERROR"
)

// TaskResult is the outcome of a task: either SUCCEEDED with a payload, or
// FAILED with an error kind and enough diagnostic context to triage
// without rerunning.
type TaskResult struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`

	// Payload holds the values produced by extract/render/screenshot steps,
	// keyed by each step's Output name.
	Payload map[string]string `json:"payload,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`

	// FailedStep is the index of the step that caused the failure, or -1
	// when no step is attributable (validation, acquisition, zero steps).
	FailedStep int `json:"failed_step"`

	// Attempts is the number of attempts consumed, retries included.
	Attempts int `json:"attempts"`

	// Snapshot references a captured page screenshot taken at the point of
	// failure, when one could be obtained.
	Snapshot string `json:"snapshot,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Succeeded reports whether the task completed its full step sequence.
func (r TaskResult) Succeeded() bool {
	return r.Status == TaskSucceeded
}
