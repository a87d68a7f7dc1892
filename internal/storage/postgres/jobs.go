package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/storage"
)

const jobColumns = `job_id, workflow_id, workflow_payload, priority, environment,
	required_capabilities, target_robot_id, trigger_context, deduplication_key,
	state, retry_count, max_retries, timeout_seconds, created_at, claimed_at,
	started_at, completed_at, cancel_requested_at, next_attempt_at, assigned_robot_id, result, error_kind,
	error_message, error_stack`

// InsertJob persists a new job. A deduplication key colliding with a
// non-terminal job of the same key returns the existing job with a
// Duplicate error, per spec §4.B.
func (s *Store) InsertJob(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.State == "" {
		job.State = models.JobPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = models.DefaultMaxRetries
	}
	if job.TimeoutSecs == 0 {
		job.TimeoutSecs = models.DefaultTimeoutSeconds
	}

	triggerCtx, err := json.Marshal(job.TriggerContext)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "failed to marshal trigger_context", err)
	}
	requiredCaps, err := json.Marshal(nonNilStrings(job.RequiredCapabilities))
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "failed to marshal required_capabilities", err)
	}

	query := `INSERT INTO jobs (job_id, workflow_id, workflow_payload, priority, environment,
		required_capabilities, target_robot_id, trigger_context, deduplication_key, state,
		retry_count, max_retries, timeout_seconds, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = s.db.ExecContext(ctx, query,
		job.JobID, job.WorkflowID, job.WorkflowPayload, job.Priority, job.Environment,
		requiredCaps, job.TargetRobotID, triggerCtx, job.DeduplicationKey,
		job.State, job.RetryCount, job.MaxRetries, job.TimeoutSecs, job.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			existing, getErr := s.getJobByDedupKey(ctx, job.DeduplicationKey)
			if getErr != nil {
				return nil, errs.Wrap(errs.Duplicate, "deduplicate key collision", err)
			}
			return existing, errs.New(errs.Duplicate, "job with this deduplication_key is already in flight")
		}
		return nil, errs.Wrap(errs.Fatal, "failed to insert job", err)
	}

	return job, nil
}

func (s *Store) getJobByDedupKey(ctx context.Context, key string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE deduplication_key = $1 AND state NOT IN ('completed', 'failed', 'cancelled', 'timed_out', 'dead_letter')
		LIMIT 1`
	row := s.db.QueryRowContext(ctx, query, key)
	return scanJob(row)
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`
	row := s.db.QueryRowContext(ctx, query, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "job not found")
	}
	return job, err
}

// ListJobs returns jobs matching filter, newest first.
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any
	n := 1

	if filter.State != "" {
		query += fmt.Sprintf(" AND state = $%d", n)
		args = append(args, filter.State)
		n++
	}
	if filter.Environment != "" {
		query += fmt.Sprintf(" AND environment = $%d", n)
		args = append(args, filter.Environment)
		n++
	}
	if filter.RobotID != "" {
		query += fmt.Sprintf(" AND assigned_robot_id = $%d", n)
		args = append(args, filter.RobotID)
		n++
	}
	if filter.WorkflowID != "" {
		query += fmt.Sprintf(" AND workflow_id = $%d", n)
		args = append(args, filter.WorkflowID)
		n++
	}

	query += " ORDER BY created_at DESC"
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to list jobs", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan job row", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PeekPending returns the single highest-priority, oldest pending job
// without locking or claiming it (spec §4.D: the dispatcher looks at the
// job before picking a candidate robot for it).
func (s *Store) PeekPending(ctx context.Context) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		ORDER BY priority ASC, created_at ASC
		LIMIT 1`

	row := s.db.QueryRowContext(ctx, query)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to peek pending job", err)
	}
	return job, nil
}

// ClaimOnePending atomically claims the single highest-priority, oldest
// eligible pending job using SELECT ... FOR UPDATE SKIP LOCKED, so that
// concurrent dispatcher goroutines (or replicas) never claim the same row
// twice (spec §4.A, §4.D).
func (s *Store) ClaimOnePending(ctx context.Context, robotID string, capabilities []string, environment string) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to begin claim transaction", err)
	}
	defer tx.Rollback()

	capsJSON, err := json.Marshal(nonNilStrings(capabilities))
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "failed to marshal robot capabilities", err)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state = 'pending'
		  AND (next_attempt_at IS NULL OR next_attempt_at <= now())
		  AND (target_robot_id = '' OR target_robot_id = $1)
		  AND (environment = '' OR $2 = '' OR environment = $2)
		  AND required_capabilities <@ $3::jsonb
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`

	row := tx.QueryRowContext(ctx, query, robotID, environment, capsJSON)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to select claim candidate", err)
	}

	now := time.Now().UTC()
	update := `UPDATE jobs SET state = 'assigned', assigned_robot_id = $1, claimed_at = $2 WHERE job_id = $3`
	if _, err := tx.ExecContext(ctx, update, robotID, now, job.JobID); err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to mark job assigned", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to commit claim", err)
	}

	job.State = models.JobAssigned
	job.AssignedRobotID = robotID
	job.ClaimedAt = now
	return job, nil
}

// UpdateJobState performs a compare-and-swap transition: the UPDATE only
// applies WHERE state = expectedState, and ErrNoRows on the subsequent
// re-fetch (RowsAffected() == 0) means another writer already moved the job,
// surfaced as a StaleTransition error.
func (s *Store) UpdateJobState(ctx context.Context, jobID string, expectedState, newState models.JobState, mutate func(*models.Job)) (*models.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to begin update transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE job_id = $1 FOR UPDATE`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "job not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to fetch job for update", err)
	}
	if job.State != expectedState {
		return nil, errs.New(errs.StaleTransition, fmt.Sprintf("expected state %s, found %s", expectedState, job.State))
	}

	job.State = newState
	if mutate != nil {
		mutate(job)
	}

	resultJSON, err := json.Marshal(job.Result)
	if err != nil {
		return nil, errs.Wrap(errs.Invalid, "failed to marshal result", err)
	}

	errKind, errMsg, errStack := "", "", ""
	if job.Error != nil {
		errKind, errMsg, errStack = job.Error.Kind, job.Error.Message, job.Error.Stack
	}

	update := `UPDATE jobs SET state = $1, retry_count = $2, started_at = $3, completed_at = $4,
		cancel_requested_at = $5, next_attempt_at = $6, assigned_robot_id = $7, result = $8, error_kind = $9,
		error_message = $10, error_stack = $11
		WHERE job_id = $12 AND state = $13`
	res, err := tx.ExecContext(ctx, update,
		job.State, job.RetryCount, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		nullTime(job.CancelRequestedAt), nullTime(job.NextAttemptAt), job.AssignedRobotID, resultJSON, errKind, errMsg, errStack, jobID, expectedState)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to apply job state update", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return nil, errs.New(errs.StaleTransition, "job state changed concurrently")
	}

	if err := tx.Commit(); err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to commit job state update", err)
	}
	return job, nil
}

// RequeueJobsOfRobot moves every non-terminal job assigned to robotID back
// to pending (bumping retry_count), or to dead_letter if retries are
// exhausted, per spec §4.C "on robot loss, requeue its in-flight jobs".
func (s *Store) RequeueJobsOfRobot(ctx context.Context, robotID string, kind string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to begin requeue transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs
		WHERE assigned_robot_id = $1 AND state IN ('assigned', 'running') FOR UPDATE`, robotID)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to select robot's jobs", err)
	}
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.Fatal, "failed to scan job row", err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()

	count := 0
	for _, job := range jobs {
		if job.RetryCount >= job.MaxRetries {
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'dead_letter', error_kind = $1,
				error_message = 'robot lost, retries exhausted', assigned_robot_id = ''
				WHERE job_id = $2`, kind, job.JobID)
			if err != nil {
				return count, errs.Wrap(errs.Fatal, "failed to dead-letter job", err)
			}
			if err := insertDLQ(ctx, tx, job, kind, "robot lost, retries exhausted"); err != nil {
				return count, err
			}
		} else {
			_, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'pending', retry_count = retry_count + 1,
				assigned_robot_id = '', claimed_at = NULL, started_at = NULL WHERE job_id = $1`, job.JobID)
			if err != nil {
				return count, errs.Wrap(errs.Fatal, "failed to requeue job", err)
			}
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to commit requeue", err)
	}
	return count, nil
}

// SweepTimedOutJobs moves running jobs whose deadline has elapsed back to
// pending (bumping retry_count), or to dead_letter with error kind Timeout
// once retries are exhausted, like RequeueJobsOfRobot. The timed_out state
// is not written, and no cancel is sent to the worker.
func (s *Store) SweepTimedOutJobs(ctx context.Context, now time.Time) (int, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs
		WHERE state = 'running' AND started_at IS NOT NULL
		  AND started_at + (timeout_seconds || ' seconds')::interval < $1
		FOR UPDATE SKIP LOCKED`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to begin timeout sweep transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, query, now)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to select timed out jobs", err)
	}
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.Fatal, "failed to scan job row", err)
		}
		jobs = append(jobs, job)
	}
	rows.Close()

	count := 0
	for _, job := range jobs {
		if job.RetryCount >= job.MaxRetries {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'dead_letter', error_kind = 'Timeout',
				error_message = 'job exceeded timeout_seconds', assigned_robot_id = ''
				WHERE job_id = $1`, job.JobID); err != nil {
				return count, errs.Wrap(errs.Fatal, "failed to dead-letter timed out job", err)
			}
			if err := insertDLQ(ctx, tx, job, "Timeout", "job exceeded timeout_seconds"); err != nil {
				return count, err
			}
		} else {
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'pending', retry_count = retry_count + 1,
				assigned_robot_id = '', claimed_at = NULL, started_at = NULL WHERE job_id = $1`, job.JobID); err != nil {
				return count, errs.Wrap(errs.Fatal, "failed to requeue timed out job", err)
			}
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to commit timeout sweep", err)
	}
	return count, nil
}

// SweepCancellingJobs moves every Cancelling job whose cancel_requested_at
// is older than deadline to Cancelled, via the terminal TimedOut state
// (mirroring the Failed->DeadLetter two-stage transition in Fail), and
// releases the robot's assignment. A worker that never acks a cancel
// request (spec §4.B) cannot hold a job in Cancelling forever.
func (s *Store) SweepCancellingJobs(ctx context.Context, deadline time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to begin cancel sweep transaction", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT job_id, assigned_robot_id FROM jobs
		WHERE state = 'cancelling' AND cancel_requested_at IS NOT NULL AND cancel_requested_at < $1
		FOR UPDATE SKIP LOCKED`, deadline)
	if err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to select overdue cancelling jobs", err)
	}
	var jobIDs, robotIDs []string
	for rows.Next() {
		var jobID, robotID string
		if err := rows.Scan(&jobID, &robotID); err != nil {
			rows.Close()
			return 0, errs.Wrap(errs.Fatal, "failed to scan cancelling job row", err)
		}
		jobIDs = append(jobIDs, jobID)
		robotIDs = append(robotIDs, robotID)
	}
	rows.Close()

	count := 0
	for i, jobID := range jobIDs {
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'timed_out', error_kind = 'Timeout',
			error_message = 'cancel not acknowledged by worker', assigned_robot_id = ''
			WHERE job_id = $1`, jobID); err != nil {
			return count, errs.Wrap(errs.Fatal, "failed to mark unacked cancel as timed out", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET state = 'cancelled', completed_at = $1
			WHERE job_id = $2`, time.Now().UTC(), jobID); err != nil {
			return count, errs.Wrap(errs.Fatal, "failed to complete unacked cancel", err)
		}
		if robotIDs[i] != "" {
			if _, err := tx.ExecContext(ctx, `UPDATE robots SET current_job_ids = current_job_ids - $1,
				status = CASE WHEN (current_job_ids - $1) = '[]'::jsonb THEN 'idle' ELSE status END
				WHERE robot_id = $2`, jobID, robotIDs[i]); err != nil {
				return count, errs.Wrap(errs.Fatal, "failed to release robot assignment after cancel timeout", err)
			}
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.Fatal, "failed to commit cancel sweep", err)
	}
	return count, nil
}

func insertDLQ(ctx context.Context, tx *sql.Tx, job *models.Job, kind, msg string) error {
	original, err := json.Marshal(job)
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal job for dlq", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO dlq (job_id, workflow_id, error_kind, error_message, retry_count, original)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (job_id) DO UPDATE SET
		error_kind = EXCLUDED.error_kind, error_message = EXCLUDED.error_message,
		retry_count = EXCLUDED.retry_count, original = EXCLUDED.original, dead_lettered_at = now()`,
		job.JobID, job.WorkflowID, kind, msg, job.RetryCount, original)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to insert dlq row", err)
	}
	return nil
}

// PushDLQ records a terminally failed job directly (used by the queue
// manager when Fail() exhausts retries outside of a sweep).
func (s *Store) PushDLQ(ctx context.Context, job *models.Job) error {
	kind, msg := "Fatal", "job failed, retries exhausted"
	if job.Error != nil {
		kind, msg = job.Error.Kind, job.Error.Message
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to begin dlq transaction", err)
	}
	defer tx.Rollback()
	if err := insertDLQ(ctx, tx, job, kind, msg); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Fatal, "failed to commit dlq push", err)
	}
	return nil
}

// ListDLQ returns dead-lettered jobs, newest first.
func (s *Store) ListDLQ(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT original FROM dlq ORDER BY dead_lettered_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to list dlq", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan dlq row", err)
		}
		var job models.Job
		if err := json.Unmarshal(raw, &job); err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to unmarshal dlq job", err)
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row *sql.Row) (*models.Job, error) {
	return scanJobScanner(row)
}

func scanJobRows(rows *sql.Rows) (*models.Job, error) {
	return scanJobScanner(rows)
}

func scanJobScanner(row scanner) (*models.Job, error) {
	var job models.Job
	var triggerCtx, result, requiredCaps []byte
	var claimedAt, startedAt, completedAt, cancelRequestedAt, nextAttemptAt sql.NullTime
	var errKind, errMsg, errStack string

	err := row.Scan(
		&job.JobID, &job.WorkflowID, &job.WorkflowPayload, &job.Priority, &job.Environment,
		&requiredCaps, &job.TargetRobotID, &triggerCtx, &job.DeduplicationKey,
		&job.State, &job.RetryCount, &job.MaxRetries, &job.TimeoutSecs, &job.CreatedAt, &claimedAt,
		&startedAt, &completedAt, &cancelRequestedAt, &nextAttemptAt, &job.AssignedRobotID, &result, &errKind, &errMsg, &errStack,
	)
	if err != nil {
		return nil, err
	}

	if len(requiredCaps) > 0 {
		_ = json.Unmarshal(requiredCaps, &job.RequiredCapabilities)
	}
	if len(triggerCtx) > 0 {
		_ = json.Unmarshal(triggerCtx, &job.TriggerContext)
	}
	if len(result) > 0 {
		_ = json.Unmarshal(result, &job.Result)
	}
	if claimedAt.Valid {
		job.ClaimedAt = claimedAt.Time
	}
	if startedAt.Valid {
		job.StartedAt = startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = completedAt.Time
	}
	if cancelRequestedAt.Valid {
		job.CancelRequestedAt = cancelRequestedAt.Time
	}
	if nextAttemptAt.Valid {
		job.NextAttemptAt = nextAttemptAt.Time
	}
	if errKind != "" {
		job.Error = &models.JobError{Kind: errKind, Message: errMsg, Stack: errStack}
	}

	return &job, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

// nonNilStrings returns s, or an empty (non-nil) slice so json.Marshal
// produces "[]" rather than "null" for an unset string slice.
func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
