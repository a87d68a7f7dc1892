// Package queue implements the Job Queue Manager (spec §4.B): job
// submission, cancellation, lifecycle transitions, retry/backoff and the
// dead-letter queue, built on the durable store's atomic claim and
// compare-and-swap primitives.
package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/metrics"
	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/services/fanout"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Manager is the Job Queue Manager: the only component that mutates job
// state, so every transition funnels through one of its methods.
type Manager struct {
	store   storage.Store
	fanout  *fanout.Fanout
	logger  *logging.Logger
	timeout config.TimeoutConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Job Queue Manager.
func New(store storage.Store, fan *fanout.Fanout, logger *logging.Logger, timeout config.TimeoutConfig) *Manager {
	return &Manager{store: store, fanout: fan, logger: logger, timeout: timeout}
}

func (m *Manager) safeGo(name string, fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in queue manager goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the background timeout sweep loop.
func (m *Manager) Start() {
	if m.cancel != nil {
		m.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.safeGo("timeout-sweep", func() { m.timeoutSweepLoop(ctx) })
	m.logger.Info().Dur("interval", m.timeout.TimeoutSweep()).Msg("job queue manager started")
}

// Stop cancels the background loop and waits for it to exit.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.wg.Wait()
	m.logger.Info().Msg("job queue manager stopped")
}

// Submit validates and persists a new job in the pending state (spec §4.B).
func (m *Manager) Submit(ctx context.Context, workflowID string, payload []byte, opts models.SubmitOptions) (*models.Job, error) {
	if workflowID == "" {
		return nil, errs.New(errs.Invalid, "workflow_id is required")
	}
	if len(payload) == 0 {
		return nil, errs.New(errs.Invalid, "workflow payload is required")
	}
	if len(payload) > models.MaxWorkflowBytes {
		return nil, errs.New(errs.Invalid, "workflow payload exceeds max_workflow_bytes")
	}
	if opts.Priority < models.MinPriority || opts.Priority > models.MaxPriority {
		return nil, errs.New(errs.Invalid, fmt.Sprintf("priority must be between %d and %d", models.MinPriority, models.MaxPriority))
	}

	job := &models.Job{
		JobID:                uuid.New().String(),
		WorkflowID:           workflowID,
		WorkflowPayload:      payload,
		Priority:             opts.Priority,
		Environment:          opts.Environment,
		RequiredCapabilities: opts.RequiredCapabilities,
		TargetRobotID:        opts.TargetRobotID,
		TriggerContext:       opts.TriggerContext,
		DeduplicationKey:     opts.DeduplicationKey,
		State:                models.JobPending,
		MaxRetries:           opts.MaxRetries,
		TimeoutSecs:          opts.TimeoutSeconds,
		CreatedAt:            time.Now().UTC(),
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = models.DefaultMaxRetries
	}
	if job.TimeoutSecs == 0 {
		job.TimeoutSecs = models.DefaultTimeoutSeconds
	}

	stored, err := m.store.InsertJob(ctx, job)
	if err != nil && !errs.Is(err, errs.Duplicate) {
		return nil, err
	}
	if errs.Is(err, errs.Duplicate) {
		return stored, err
	}

	metrics.QueueDepth.WithLabelValues(stored.Environment).Inc()
	m.recordAudit(ctx, stored.JobID, "submitted", map[string]any{"workflow_id": stored.WorkflowID, "priority": stored.Priority})
	m.publishJobEvent("job_submitted", stored)
	return stored, nil
}

// recordAudit persists an audit entry for a job transition. Audit failures
// never block the transition itself (spec §7: the audit log is a record of
// what happened, not a gate on it).
func (m *Manager) recordAudit(ctx context.Context, jobID, action string, detail map[string]any) {
	entry := &models.AuditEntry{EntityKind: "job", EntityID: jobID, Action: action, Detail: detail}
	if err := m.store.RecordAudit(ctx, entry); err != nil {
		m.logger.Warn().Str("job_id", jobID).Str("action", action).Err(err).Msg("failed to record audit entry")
	}
}

// Cancel transitions a job to cancelling (if running) or cancelled (if
// still pending/assigned), per spec §4.B.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.State.Terminal() {
		return job, errs.New(errs.Invalid, "job is already in a terminal state")
	}

	target := models.JobCancelled
	if job.State == models.JobRunning {
		target = models.JobCancelling
	}

	updated, err := m.store.UpdateJobState(ctx, jobID, job.State, target, func(j *models.Job) {
		switch target {
		case models.JobCancelled:
			j.CompletedAt = time.Now().UTC()
		case models.JobCancelling:
			j.CancelRequestedAt = time.Now().UTC()
		}
	})
	if err != nil {
		return nil, err
	}

	if updated.AssignedRobotID != "" && (job.State == models.JobPending || job.State == models.JobAssigned) {
		_ = m.store.UpdateRobotJobAssignment(ctx, updated.AssignedRobotID, jobID, false)
	}

	if target == models.JobCancelled {
		metrics.QueueDepth.WithLabelValues(updated.Environment).Dec()
		metrics.JobsCompletedTotal.WithLabelValues(updated.Environment, string(models.JobCancelled)).Inc()
	}
	m.recordAudit(ctx, jobID, "cancel_requested", map[string]any{"from_state": string(job.State), "to_state": string(target)})
	m.publishJobEvent("job_cancelled", updated)
	return updated, nil
}

// MarkRunning transitions an assigned job to running once a worker has
// accepted it (spec §4.E job_accept).
func (m *Manager) MarkRunning(ctx context.Context, jobID, robotID string) (*models.Job, error) {
	job, err := m.store.UpdateJobState(ctx, jobID, models.JobAssigned, models.JobRunning, func(j *models.Job) {
		j.StartedAt = time.Now().UTC()
		j.AssignedRobotID = robotID
	})
	if err != nil {
		return nil, err
	}
	m.recordAudit(ctx, jobID, "running", map[string]any{"robot_id": robotID})
	return job, nil
}

// ReportProgress updates the in-memory progress snapshot and fans it out;
// progress is never persisted to the durable store (spec §4.B).
func (m *Manager) ReportProgress(ctx context.Context, jobID string, progress *models.JobProgress) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Warn().Str("job_id", jobID).Err(err).Msg("failed to fetch job for progress report")
		return
	}
	job.Progress = progress
	m.publishJobEvent("job_progress", job)
}

// Complete transitions a running job to completed, recording its result.
func (m *Manager) Complete(ctx context.Context, jobID string, result map[string]any) (*models.Job, error) {
	job, err := m.store.UpdateJobState(ctx, jobID, models.JobRunning, models.JobCompleted, func(j *models.Job) {
		j.CompletedAt = time.Now().UTC()
		j.Result = result
		j.Progress = nil
	})
	if err != nil {
		return nil, err
	}
	if job.AssignedRobotID != "" {
		_ = m.store.UpdateRobotJobAssignment(ctx, job.AssignedRobotID, jobID, false)
	}
	metrics.QueueDepth.WithLabelValues(job.Environment).Dec()
	metrics.JobsCompletedTotal.WithLabelValues(job.Environment, string(models.JobCompleted)).Inc()
	m.recordAudit(ctx, jobID, "completed", nil)
	m.publishJobEvent("job_completed", job)
	return job, nil
}

// Fail records a job failure. Per spec §4.B: a retriable error kind with
// retries remaining re-enqueues to Pending with backoff; anything else (a
// non-retriable kind, or retries exhausted) moves the job to Failed, and if
// retries were specifically exhausted, additionally pushes it on to the
// dead-letter queue.
func (m *Manager) Fail(ctx context.Context, jobID string, jobErr *models.JobError) (*models.Job, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	robotID := job.AssignedRobotID
	from := job.State
	candidate := &models.Job{RetryCount: job.RetryCount, MaxRetries: job.MaxRetries, Error: jobErr}

	var updated *models.Job
	switch {
	case shouldRequeue(candidate):
		delay := BackoffFor(job.RetryCount, jobErr.Kind)
		updated, err = m.store.UpdateJobState(ctx, jobID, from, models.JobPending, func(j *models.Job) {
			j.RetryCount++
			j.Error = jobErr
			j.AssignedRobotID = ""
			j.ClaimedAt = time.Time{}
			j.StartedAt = time.Time{}
			j.NextAttemptAt = time.Now().UTC().Add(delay)
		})
		if err == nil {
			metrics.QueueDepth.WithLabelValues(updated.Environment).Inc()
			m.recordAudit(ctx, jobID, "requeued", map[string]any{"retry_count": updated.RetryCount, "error_kind": jobErr.Kind})
			m.publishJobEvent("job_requeued", updated)
		}

	default:
		updated, err = m.store.UpdateJobState(ctx, jobID, from, models.JobFailed, func(j *models.Job) {
			j.Error = jobErr
			j.CompletedAt = time.Now().UTC()
		})
		if err != nil {
			break
		}
		metrics.QueueDepth.WithLabelValues(updated.Environment).Dec()
		metrics.JobsCompletedTotal.WithLabelValues(updated.Environment, string(models.JobFailed)).Inc()
		m.recordAudit(ctx, jobID, "failed", map[string]any{"error_kind": jobErr.Kind, "error_message": jobErr.Message})
		m.publishJobEvent("job_failed", updated)

		if retriesExhausted(candidate) {
			deadLettered, dlErr := m.store.UpdateJobState(ctx, jobID, models.JobFailed, models.JobDeadLetter, nil)
			if dlErr != nil {
				m.logger.Warn().Str("job_id", jobID).Err(dlErr).Msg("failed to move exhausted job to dead-letter state")
				break
			}
			updated = deadLettered
			if dlqErr := m.store.PushDLQ(ctx, updated); dlqErr != nil {
				m.logger.Warn().Str("job_id", jobID).Err(dlqErr).Msg("failed to push job to dead-letter queue")
			}
			metrics.JobsCompletedTotal.WithLabelValues(updated.Environment, string(models.JobDeadLetter)).Inc()
			m.recordAudit(ctx, jobID, "dead_lettered", map[string]any{"retry_count": updated.RetryCount})
			m.publishJobEvent("job_dead_lettered", updated)
		}
	}
	if err != nil {
		return nil, err
	}

	if robotID != "" {
		_ = m.store.UpdateRobotJobAssignment(ctx, robotID, jobID, false)
	}
	return updated, nil
}

// BackoffFor exposes the pure backoff function. Fail uses it to stamp a
// requeued job's NextAttemptAt; PeekPending and ClaimOnePending skip the job
// until that time has passed.
func BackoffFor(retryCount int, errorKind string) time.Duration {
	return backoffDelay(retryCount, errorKind)
}

func (m *Manager) publishJobEvent(eventType string, job *models.Job) {
	if m.fanout == nil {
		return
	}
	m.fanout.Jobs().Publish(models.JobEvent{Type: eventType, Job: job, Timestamp: time.Now().UTC()})
}

// timeoutSweepLoop periodically moves overdue running jobs back to pending
// or, with retries exhausted, to dead_letter (the timed_out state is not
// written and no cancel is sent to the worker), then finishes overdue
// cancellations, mirroring the job manager's watcher loop cadence.
func (m *Manager) timeoutSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.timeout.TimeoutSweep())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := m.store.SweepTimedOutJobs(ctx, time.Now().UTC())
			if err != nil {
				m.logger.Warn().Err(err).Msg("timeout sweep failed")
			} else if count > 0 {
				m.logger.Info().Int("count", count).Msg("swept timed out jobs")
			}

			cancelCutoff := time.Now().UTC().Add(-m.timeout.CancelAck())
			cancelCount, err := m.store.SweepCancellingJobs(ctx, cancelCutoff)
			if err != nil {
				m.logger.Warn().Err(err).Msg("cancel-ack sweep failed")
				continue
			}
			if cancelCount > 0 {
				m.logger.Info().Int("count", cancelCount).Msg("swept unacknowledged cancellations")
			}
		}
	}
}
