package models

import "time"

// JobState is the lifecycle state of a Job (spec §3, §4.B).
type JobState string

const (
	JobPending    JobState = "pending"
	JobAssigned   JobState = "assigned"
	JobRunning    JobState = "running"
	JobCancelling JobState = "cancelling"
	JobCompleted  JobState = "completed"
	JobFailed     JobState = "failed"
	JobCancelled  JobState = "cancelled"
	JobTimedOut   JobState = "timed_out"
	JobDeadLetter JobState = "dead_letter"
)

// Terminal reports whether the state has no further transitions (the job's
// assignment has been released and it will never be reclaimed by the
// dispatcher under this job_id).
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut, JobDeadLetter:
		return true
	default:
		return false
	}
}

// JobError is the structured failure recorded on a job (spec §3: "kind +
// message + optional stack").
type JobError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// Job is a request to execute one workflow (spec §3).
type Job struct {
	JobID                string            `json:"job_id"`
	WorkflowID           string            `json:"workflow_id"`
	WorkflowPayload      []byte            `json:"-"`
	Priority             int               `json:"priority"`
	Environment          string            `json:"environment"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	TargetRobotID        string            `json:"target_robot_id,omitempty"`
	TriggerContext       map[string]string `json:"trigger_context,omitempty"`
	DeduplicationKey     string            `json:"deduplication_key,omitempty"`

	State             JobState  `json:"state"`
	RetryCount        int       `json:"retry_count"`
	MaxRetries        int       `json:"max_retries"`
	TimeoutSecs       int       `json:"timeout_seconds"`
	CreatedAt         time.Time `json:"created_at"`
	ClaimedAt         time.Time `json:"claimed_at,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	CompletedAt       time.Time `json:"completed_at,omitempty"`
	CancelRequestedAt time.Time `json:"cancel_requested_at,omitempty"`
	NextAttemptAt     time.Time `json:"next_attempt_at,omitempty"`
	AssignedRobotID   string    `json:"assigned_robot_id,omitempty"`

	Result   map[string]any `json:"result,omitempty"`
	Error    *JobError      `json:"error,omitempty"`
	Progress *JobProgress   `json:"progress,omitempty"`
}

// JobProgress is the last-seen progress snapshot for a running job. It is
// not required to be durable (spec §4.B): the queue manager may keep this
// only in memory/fan-out, never persisting it to the store.
type JobProgress struct {
	Percent   int       `json:"percent"`
	NodeID    string    `json:"node_id,omitempty"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Retriable error kinds per spec §4.B ("Timeout, WorkerLost, Transient").
var RetriableErrorKinds = map[string]bool{
	"Timeout":    true,
	"WorkerLost": true,
	"Transient":  true,
}

// SubmitOptions captures the optional fields accepted by queue.Manager.Submit.
type SubmitOptions struct {
	Priority             int
	Environment          string
	RequiredCapabilities []string
	TargetRobotID        string
	TriggerContext       map[string]string
	MaxRetries           int
	TimeoutSeconds       int
	DeduplicationKey     string
}

// DefaultMaxRetries and DefaultTimeoutSeconds are spec §4.B defaults.
const (
	DefaultMaxRetries     = 3
	DefaultTimeoutSeconds = 3600
	MaxWorkflowBytes      = 10 * 1024 * 1024
	MaxWorkflowNodes      = 1000
	MinPriority           = 0
	MaxPriority           = 20
)

// JobEvent is broadcast through the Event Fan-out component on job state
// changes (spec §4.G, topic "jobs").
type JobEvent struct {
	Type      string    `json:"type"`
	Job       *Job      `json:"job"`
	Timestamp time.Time `json:"timestamp"`
}
