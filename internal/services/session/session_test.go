package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/models"
)

func TestSession_IsDuplicate_RejectsNonIncreasingSeq(t *testing.T) {
	s := &Session{}

	assert.False(t, s.isDuplicate(1), "first frame must not be a duplicate")
	assert.False(t, s.isDuplicate(2), "strictly increasing seq must not be a duplicate")
	assert.True(t, s.isDuplicate(2), "replaying the same seq must be caught as a duplicate")
	assert.True(t, s.isDuplicate(1), "an older seq must be caught as a duplicate")
}

func TestSession_IsDuplicate_ZeroSeqNeverCountsAsSeen(t *testing.T) {
	s := &Session{}

	assert.False(t, s.isDuplicate(0))
	assert.False(t, s.isDuplicate(0), "seq 0 is the unset sentinel and must never itself be remembered")
}

func TestHub_Assign_NoSessionReturnsWorkerLost(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	err := h.Assign(context.Background(), "robot-missing", &models.Job{JobID: "job-1"}, time.Now().Add(time.Second))
	require.Error(t, err)
	assert.Equal(t, errs.WorkerLost, errs.KindOf(err))
}

func TestHub_Cancel_NoSessionReturnsWorkerLost(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	err := h.Cancel(context.Background(), "robot-missing", "job-1", time.Now().Add(time.Second))
	require.Error(t, err)
	assert.Equal(t, errs.WorkerLost, errs.KindOf(err))
}

func TestHub_Cancel_TimesOutWithoutAck(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	sess := &Session{
		hub:     h,
		robotID: "robot-1",
		send:    make(chan []byte, 8),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions["robot-1"] = sess
	h.mu.Unlock()

	err := h.Cancel(context.Background(), "robot-1", "job-1", time.Now().Add(10*time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, errs.Timeout, errs.KindOf(err))

	sess.pendingMu.Lock()
	_, stillPending := sess.pending["job-1"]
	sess.pendingMu.Unlock()
	assert.False(t, stillPending, "ack channel must be cleaned up after the deadline elapses")
}

func TestHub_Cancel_ResolvesOnAck(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	sess := &Session{
		hub:     h,
		robotID: "robot-1",
		send:    make(chan []byte, 8),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions["robot-1"] = sess
	h.mu.Unlock()

	go func() {
		// Drain the cancel frame the way writePump would, then ack it the
		// way a job_complete/job_failed frame resolves an in-flight cancel.
		<-sess.send
		h.ackAssign("robot-1", "job-1", nil)
	}()

	err := h.Cancel(context.Background(), "robot-1", "job-1", time.Now().Add(time.Second))
	assert.NoError(t, err)
}

func TestHub_SessionCount_ReflectsRegisteredSessions(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	assert.Equal(t, 0, h.SessionCount())

	h.mu.Lock()
	h.sessions["robot-1"] = &Session{hub: h, robotID: "robot-1", done: make(chan struct{})}
	h.sessions["robot-2"] = &Session{hub: h, robotID: "robot-2", done: make(chan struct{})}
	h.mu.Unlock()

	assert.Equal(t, 2, h.SessionCount())
}

func TestHub_AckAssign_DeliversToWaitingChannel(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	sess := &Session{hub: h, robotID: "robot-1", done: make(chan struct{}), pending: make(map[string]chan error)}

	ack := make(chan error, 1)
	sess.pending["job-1"] = ack

	h.mu.Lock()
	h.sessions["robot-1"] = sess
	h.mu.Unlock()

	wantErr := errs.New(errs.Invalid, "rejected by robot")
	h.ackAssign("robot-1", "job-1", wantErr)

	select {
	case got := <-ack:
		assert.Equal(t, wantErr, got)
	default:
		t.Fatal("expected ackAssign to deliver to the pending channel")
	}
}

func TestHub_AckAssign_UnknownJobIsANoop(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	sess := &Session{hub: h, robotID: "robot-1", done: make(chan struct{}), pending: make(map[string]chan error)}

	h.mu.Lock()
	h.sessions["robot-1"] = sess
	h.mu.Unlock()

	// Must not panic or block when no one is waiting on this job.
	h.ackAssign("robot-1", "job-unknown", nil)
}

func TestHub_AckAssign_UnknownRobotIsANoop(t *testing.T) {
	h := NewHub(nil, nil, logging.NewSilentLogger())
	h.ackAssign("robot-missing", "job-1", nil)
}
