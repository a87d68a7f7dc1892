package models

import "encoding/json"

// FrameType identifies the message kind of a worker session frame (spec §4.E, §6).
type FrameType string

// Ingress — sent by a worker.
const (
	FrameRegister     FrameType = "register"
	FrameHeartbeat    FrameType = "heartbeat"
	FrameJobAccept    FrameType = "job_accept"
	FrameJobReject    FrameType = "job_reject"
	FrameJobProgress  FrameType = "job_progress"
	FrameJobComplete  FrameType = "job_complete"
	FrameJobFailed    FrameType = "job_failed"
	FrameJobLog       FrameType = "job_log"
)

// Egress — sent to a worker.
const (
	FrameAssign   FrameType = "assign"
	FrameCancel   FrameType = "cancel"
	FrameDrain    FrameType = "drain"
	FrameShutdown FrameType = "shutdown"
)

// Frame is the wire envelope exchanged over a worker session (spec §6:
// "{type, seq, robot_id, payload}"). Payload is re-decoded per Type by the
// session layer into one of the typed payload structs below.
type Frame struct {
	Type    FrameType       `json:"type"`
	Seq     uint64          `json:"seq"`
	RobotID string          `json:"robot_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RegisterPayload is the first frame a worker must send on a fresh session.
type RegisterPayload struct {
	Capabilities      []string `json:"capabilities"`
	Environment       string   `json:"environment"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
	Name              string   `json:"name,omitempty"`
}

// HeartbeatPayload carries liveness and capacity telemetry.
type HeartbeatPayload struct {
	Status          RobotStatus    `json:"status"`
	CurrentJobCount int            `json:"current_job_count"`
	CurrentJobIDs   []string       `json:"current_job_ids,omitempty"`
	Telemetry       map[string]any `json:"telemetry,omitempty"`
}

// JobAcceptPayload / JobRejectPayload acknowledge an Assign frame.
type JobAcceptPayload struct {
	JobID string `json:"job_id"`
}

type JobRejectPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason"`
}

// JobProgressPayload carries an in-flight progress update.
type JobProgressPayload struct {
	JobID   string `json:"job_id"`
	Percent int    `json:"percent"`
	NodeID  string `json:"node_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// JobCompletePayload / JobFailedPayload carry terminal outcomes.
type JobCompletePayload struct {
	JobID  string         `json:"job_id"`
	Result map[string]any `json:"result,omitempty"`
}

type JobFailedPayload struct {
	JobID string   `json:"job_id"`
	Error JobError `json:"error"`
}

// JobLogPayload carries a worker-emitted log line for a job.
type JobLogPayload struct {
	JobID   string `json:"job_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AssignPayload is sent to a worker to hand it a job.
type AssignPayload struct {
	Job            *Job  `json:"job"`
	DeadlineUnixMS int64 `json:"deadline_unix_ms"`
}

// CancelPayload is sent to a worker to request cancellation of a job.
type CancelPayload struct {
	JobID string `json:"job_id"`
}
