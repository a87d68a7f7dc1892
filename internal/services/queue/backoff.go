package queue

import (
	"time"

	"github.com/casarerpa/orchestrator/internal/models"
)

// backoffDelay is a pure function of (retry_count, error_kind) (spec §4.B:
// "retry/backoff as a pure function of (retry_count, error_kind)"). It never
// touches the clock or the store, so it is trivially unit-testable.
//
// WorkerLost failures get a short delay since the cause is almost always a
// crashed/disconnected worker, not load; Transient and Timeout failures get
// exponential backoff capped at two minutes.
func backoffDelay(retryCount int, errorKind string) time.Duration {
	switch errorKind {
	case "WorkerLost":
		return 2 * time.Second
	case "Timeout", "Transient":
		d := time.Duration(1<<uint(retryCount)) * time.Second
		if d > 2*time.Minute {
			d = 2 * time.Minute
		}
		return d
	default:
		return 5 * time.Second
	}
}

// retriesExhausted reports whether a job has used up its retry budget
// (spec §4.B: "if retry_count = max_retries, additionally push to DeadLetter").
func retriesExhausted(job *models.Job) bool {
	return job.RetryCount >= job.MaxRetries
}

// isRetriableKind reports whether an error kind belongs to the retriable set
// (spec §4.B: "error kind in retriable set (Timeout, WorkerLost, Transient)").
func isRetriableKind(kind string) bool {
	return models.RetriableErrorKinds[kind]
}

// shouldRequeue reports whether a failed job should be automatically
// re-enqueued to Pending rather than moved to Failed: retries must remain
// AND the error kind must be retriable. A non-retriable kind with retries
// remaining still goes to Failed, not back to Pending (spec §4.B).
func shouldRequeue(job *models.Job) bool {
	if retriesExhausted(job) {
		return false
	}
	if job.Error == nil {
		return true
	}
	return isRetriableKind(job.Error.Kind)
}
