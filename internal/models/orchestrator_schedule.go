package models

import "time"

// ExecutionMode controls how a schedule's fire is turned into a job.
type ExecutionMode string

const (
	ExecutionModeNormal ExecutionMode = "normal"
)

// Schedule is a recurring job source (spec §3, §4.F). WorkflowPayload,
// Environment, RequiredCapabilities and TriggerContext are carried on the
// schedule itself (rather than looked up elsewhere) so each fire can
// materialize a complete Job without any other moving part.
type Schedule struct {
	ScheduleID           string            `json:"schedule_id"`
	WorkflowID           string            `json:"workflow_id"`
	WorkflowPayload      []byte            `json:"-"`
	CronExpr             string            `json:"cron_expr"`
	Timezone             string            `json:"timezone"`
	Enabled              bool              `json:"enabled"`
	NextFireAt           time.Time         `json:"next_fire_at"`
	LastFireAt           time.Time         `json:"last_fire_at,omitempty"`
	RunCount             int               `json:"run_count"`
	FailureCount         int               `json:"failure_count"`
	MissedFireCount      int               `json:"missed_fire_count"`
	Priority             int               `json:"priority"`
	Environment          string            `json:"environment,omitempty"`
	RequiredCapabilities []string          `json:"required_capabilities,omitempty"`
	TriggerContext       map[string]string `json:"trigger_context,omitempty"`
	ExecutionMode        ExecutionMode     `json:"execution_mode"`
	CreatedAt            time.Time         `json:"created_at"`
}

// AuditEntry is an immutable record of a state transition (spec §3).
type AuditEntry struct {
	EntryID   string         `json:"entry_id"`
	EntityKind string        `json:"entity_kind"` // "job", "robot", "schedule"
	EntityID  string         `json:"entity_id"`
	Action    string         `json:"action"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
