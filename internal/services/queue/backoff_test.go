package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/casarerpa/orchestrator/internal/models"
)

func TestBackoffDelay_WorkerLostIsShort(t *testing.T) {
	assert.Equal(t, 2*time.Second, backoffDelay(0, "WorkerLost"))
	assert.Equal(t, 2*time.Second, backoffDelay(5, "WorkerLost"))
}

func TestBackoffDelay_TransientExponential(t *testing.T) {
	assert.Equal(t, 1*time.Second, backoffDelay(0, "Transient"))
	assert.Equal(t, 2*time.Second, backoffDelay(1, "Transient"))
	assert.Equal(t, 4*time.Second, backoffDelay(2, "Timeout"))
}

func TestBackoffDelay_CapsAtTwoMinutes(t *testing.T) {
	assert.Equal(t, 2*time.Minute, backoffDelay(10, "Transient"))
}

func TestBackoffDelay_UnknownKindDefault(t *testing.T) {
	assert.Equal(t, 5*time.Second, backoffDelay(0, "Invalid"))
}

func TestRetriesExhausted_AtMaxRetries(t *testing.T) {
	assert.True(t, retriesExhausted(&models.Job{RetryCount: 3, MaxRetries: 3}))
	assert.False(t, retriesExhausted(&models.Job{RetryCount: 2, MaxRetries: 3}))
}

func TestIsRetriableKind_OnlySpecSet(t *testing.T) {
	assert.True(t, isRetriableKind("Timeout"))
	assert.True(t, isRetriableKind("WorkerLost"))
	assert.True(t, isRetriableKind("Transient"))
	assert.False(t, isRetriableKind("Invalid"))
}

func TestShouldRequeue_RespectsMaxRetries(t *testing.T) {
	job := &models.Job{RetryCount: 3, MaxRetries: 3, Error: &models.JobError{Kind: "Transient"}}
	assert.False(t, shouldRequeue(job))
}

func TestShouldRequeue_NilErrorRetries(t *testing.T) {
	job := &models.Job{RetryCount: 0, MaxRetries: 3}
	assert.True(t, shouldRequeue(job))
}

func TestShouldRequeue_OnlyRetriableKinds(t *testing.T) {
	retriable := &models.Job{RetryCount: 0, MaxRetries: 3, Error: &models.JobError{Kind: "Transient"}}
	assert.True(t, shouldRequeue(retriable))

	notRetriable := &models.Job{RetryCount: 0, MaxRetries: 3, Error: &models.JobError{Kind: "Invalid"}}
	assert.False(t, shouldRequeue(notRetriable))
}

func TestShouldRequeue_NonRetriableKindWithRetriesRemainingGoesToFailedNotRequeue(t *testing.T) {
	// Retries remain, but the kind isn't retriable: this must go to Failed,
	// never straight back to Pending.
	job := &models.Job{RetryCount: 0, MaxRetries: 3, Error: &models.JobError{Kind: "Invalid"}}
	assert.False(t, shouldRequeue(job))
	assert.False(t, retriesExhausted(job))
}

func TestBackoffFor_ExposesPureFunction(t *testing.T) {
	assert.Equal(t, backoffDelay(2, "Timeout"), BackoffFor(2, "Timeout"))
}
