// Package storage defines the durable store contract (spec §4.A) implemented
// by internal/storage/postgres. Every method takes a context and returns
// *errs.Error so callers can branch on Kind without type assertions.
package storage

import (
	"context"
	"time"

	"github.com/casarerpa/orchestrator/internal/models"
)

// JobStore persists jobs and exposes the atomic claim operation the
// dispatcher depends on for exactly-one-claimant semantics.
type JobStore interface {
	// InsertJob persists a new job in JobPending state. If job carries a
	// DeduplicationKey that collides with a non-terminal job, InsertJob
	// returns the existing job and an *errs.Error of Kind Duplicate.
	InsertJob(ctx context.Context, job *models.Job) (*models.Job, error)

	// GetJob fetches a job by id.
	GetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ListJobs returns jobs matching the given filter, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)

	// PeekPending returns the single highest-priority, oldest pending job
	// without claiming it, so the dispatcher can pick a candidate robot
	// based on the job's own target/capabilities before claiming (spec
	// §4.D). It takes no row lock; the subsequent ClaimOnePending call is
	// what makes the claim atomic. Returns nil, nil if the queue is empty.
	PeekPending(ctx context.Context) (*models.Job, error)

	// ClaimOnePending atomically selects and marks JobAssigned the single
	// highest-priority, oldest pending job that robotID is eligible for
	// (target_robot_id, environment and capabilities match), using
	// SELECT ... FOR UPDATE SKIP LOCKED so concurrent dispatchers never
	// double-claim the same row. Returns nil, nil if nothing is eligible.
	ClaimOnePending(ctx context.Context, robotID string, capabilities []string, environment string) (*models.Job, error)

	// UpdateJobState performs a compare-and-swap state transition: it only
	// applies if the job's current state in the store equals expectedState.
	// On mismatch it returns an *errs.Error of Kind StaleTransition.
	UpdateJobState(ctx context.Context, jobID string, expectedState, newState models.JobState, mutate func(*models.Job)) (*models.Job, error)

	// RequeueJobsOfRobot transitions every JobAssigned/JobRunning job
	// currently assigned to robotID back to JobPending (incrementing
	// retry_count), or to JobDeadLetter/JobFailed if retries are exhausted.
	// Used on robot liveness loss (spec §4.C, §4.D).
	RequeueJobsOfRobot(ctx context.Context, robotID string, kind string) (int, error)

	// SweepTimedOutJobs moves every JobRunning job whose deadline has elapsed
	// back to JobPending, or to JobDeadLetter once retries are exhausted,
	// returning the count moved. JobTimedOut is not written.
	SweepTimedOutJobs(ctx context.Context, now time.Time) (int, error)

	// SweepCancellingJobs transitions every JobCancelling job whose
	// cancel_requested_at is older than deadline to JobCancelled (via the
	// terminal JobTimedOut state), releasing the robot's assignment.
	// Covers a worker that never acks a cancel request (spec §4.B).
	SweepCancellingJobs(ctx context.Context, deadline time.Time) (int, error)

	// PushDLQ records a terminally failed job in the dead-letter queue.
	PushDLQ(ctx context.Context, job *models.Job) error

	// ListDLQ returns dead-lettered jobs, newest first.
	ListDLQ(ctx context.Context, limit int) ([]*models.Job, error)
}

// JobFilter narrows ListJobs results. Zero values mean "no filter".
type JobFilter struct {
	State       models.JobState
	Environment string
	RobotID     string
	WorkflowID  string
	Limit       int
	Offset      int
}

// RobotStore persists robot registrations and heartbeats.
type RobotStore interface {
	// UpsertRobot inserts or updates a robot's registration record,
	// recording a SHA-256 fingerprint of its session token rather than the
	// token itself.
	UpsertRobot(ctx context.Context, robot *models.Robot) error

	GetRobot(ctx context.Context, robotID string) (*models.Robot, error)

	ListRobots(ctx context.Context, environment string) ([]*models.Robot, error)

	// RecordHeartbeat updates last_heartbeat_at, status and current job
	// accounting for a robot and appends a heartbeats row, in one
	// transaction.
	RecordHeartbeat(ctx context.Context, hb *models.Heartbeat) error

	// MarkStaleRobots transitions every robot whose last_heartbeat_at is
	// older than cutoff to RobotOffline, returning the affected robot IDs
	// so the caller can requeue their in-flight jobs.
	MarkStaleRobots(ctx context.Context, cutoff time.Time) ([]string, error)

	// UpdateRobotJobAssignment adds or removes jobID from a robot's
	// current_job_ids, keeping Status consistent with occupancy.
	UpdateRobotJobAssignment(ctx context.Context, robotID, jobID string, add bool) error
}

// ScheduleStore persists cron schedules and performs CAS fire advancement.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, sched *models.Schedule) error

	GetSchedule(ctx context.Context, scheduleID string) (*models.Schedule, error)

	ListSchedules(ctx context.Context, enabledOnly bool) ([]*models.Schedule, error)

	// ScheduleLookupDue returns every enabled schedule whose next_fire_at
	// is <= asOf.
	ScheduleLookupDue(ctx context.Context, asOf time.Time) ([]*models.Schedule, error)

	// AdvanceSchedule performs a compare-and-swap update of next_fire_at:
	// it only applies if the stored next_fire_at still equals
	// expectedNextFireAt, guaranteeing a schedule fires exactly once across
	// a fleet of replicas racing the same sweep tick (spec §4.F). missedRuns
	// is added to the schedule's recorded missed-fire count when a gap
	// larger than one interval was skipped rather than caught up.
	AdvanceSchedule(ctx context.Context, scheduleID string, expectedNextFireAt, newNextFireAt time.Time, fired bool, missedRuns int) (bool, error)

	SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error
}

// AuditStore records immutable audit entries.
type AuditStore interface {
	RecordAudit(ctx context.Context, entry *models.AuditEntry) error
	ListAudit(ctx context.Context, entityKind, entityID string, limit int) ([]*models.AuditEntry, error)
}

// Store is the full durable store contract, satisfied by
// internal/storage/postgres.Store.
type Store interface {
	JobStore
	RobotStore
	ScheduleStore
	AuditStore

	// Close releases underlying connections.
	Close() error

	// Ping verifies connectivity, used by health checks.
	Ping(ctx context.Context) error
}
