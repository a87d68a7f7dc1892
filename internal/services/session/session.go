// Package session implements the Worker Session Layer (spec §4.E):
// bidirectional streaming connections to robots over gorilla/websocket,
// framed as {type, seq, robot_id, payload}, with ingress frames handled in
// arrival order and duplicate-frame detection within one connection.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/metrics"
	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/services/queue"
	"github.com/casarerpa/orchestrator/internal/services/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub tracks live robot sessions and routes frames between the dispatcher
// and connected workers.
type Hub struct {
	registry *registry.Registry
	queue    *queue.Manager
	logger   *logging.Logger

	mu       sync.RWMutex
	sessions map[string]*Session // robotID -> session
}

// NewHub creates a session Hub.
func NewHub(reg *registry.Registry, q *queue.Manager, logger *logging.Logger) *Hub {
	return &Hub{
		registry: reg,
		queue:    q,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Session is one robot's live connection.
type Session struct {
	hub     *Hub
	robotID string
	conn    *websocket.Conn
	send    chan []byte
	seq     atomic.Uint64

	pendingMu sync.Mutex
	pending   map[string]chan error // jobID -> ack channel, for in-flight Assign calls

	lastSeqMu sync.Mutex
	lastSeq   uint64 // highest ingress seq processed on this connection, for duplicate-frame detection

	closeOnce sync.Once
	done      chan struct{}
}

// ServeWS upgrades an HTTP connection to a robot session. The first frame
// received must be a register frame (spec §4.E).
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("worker session upgrade failed")
		return
	}

	sess := &Session{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, 64),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}

	go sess.writePump()
	sess.readLoop()
}

// Assign implements dispatcher.Assigner: it sends an assign frame and
// blocks until the robot acknowledges (accept/reject) or the deadline
// elapses.
func (h *Hub) Assign(ctx context.Context, robotID string, job *models.Job, deadline time.Time) error {
	h.mu.RLock()
	sess, ok := h.sessions[robotID]
	h.mu.RUnlock()
	if !ok {
		return errs.New(errs.WorkerLost, "robot has no active session")
	}

	ack := make(chan error, 1)
	sess.pendingMu.Lock()
	sess.pending[job.JobID] = ack
	sess.pendingMu.Unlock()
	defer func() {
		sess.pendingMu.Lock()
		delete(sess.pending, job.JobID)
		sess.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(models.AssignPayload{Job: job, DeadlineUnixMS: deadline.UnixMilli()})
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal assign payload", err)
	}
	if err := sess.sendFrame(models.FrameAssign, payload); err != nil {
		return errs.Wrap(errs.WorkerLost, "failed to send assign frame", err)
	}

	deadlineCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case err := <-ack:
		return err
	case <-deadlineCtx.Done():
		return errs.New(errs.Timeout, "robot did not acknowledge assign before deadline")
	case <-sess.done:
		return errs.New(errs.WorkerLost, "robot session closed before ack")
	}
}

// Cancel sends a cancel frame to the robot currently running jobID and
// blocks until the worker acknowledges by reporting a terminal frame for
// that job (job_complete or job_failed), mirroring Assign's ack tracking,
// or until deadline elapses (spec §4.B: Cancelling jobs that never get
// acked are swept to TimedOut/Cancelled by the queue manager instead).
func (h *Hub) Cancel(ctx context.Context, robotID, jobID string, deadline time.Time) error {
	h.mu.RLock()
	sess, ok := h.sessions[robotID]
	h.mu.RUnlock()
	if !ok {
		return errs.New(errs.WorkerLost, "robot has no active session")
	}

	ack := make(chan error, 1)
	sess.pendingMu.Lock()
	sess.pending[jobID] = ack
	sess.pendingMu.Unlock()
	defer func() {
		sess.pendingMu.Lock()
		delete(sess.pending, jobID)
		sess.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(models.CancelPayload{JobID: jobID})
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal cancel payload", err)
	}
	if err := sess.sendFrame(models.FrameCancel, payload); err != nil {
		return errs.Wrap(errs.WorkerLost, "failed to send cancel frame", err)
	}

	deadlineCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	select {
	case err := <-ack:
		return err
	case <-deadlineCtx.Done():
		return errs.New(errs.Timeout, "robot did not acknowledge cancel before deadline")
	case <-sess.done:
		return errs.New(errs.WorkerLost, "robot session closed before cancel ack")
	}
}

// CancelAsync sends a cancel frame and waits for the worker's ack on a
// background goroutine, logging the outcome instead of blocking the
// caller (an HTTP handler in practice). A job that never gets acked stays
// in Cancelling and is picked up by the queue manager's timeout sweep.
func (h *Hub) CancelAsync(robotID, jobID string, deadline time.Time) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error().
					Str("goroutine", "cancel-ack").
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic waiting for cancel ack")
			}
		}()
		if err := h.Cancel(context.Background(), robotID, jobID, deadline); err != nil {
			h.logger.Warn().Str("robot_id", robotID).Str("job_id", jobID).Err(err).Msg("cancel not acknowledged by worker")
		}
	}()
}

// SessionCount returns the number of connected robots.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

func (s *Session) sendFrame(frameType models.FrameType, payload json.RawMessage) error {
	frame := models.Frame{Type: frameType, Seq: s.seq.Add(1), RobotID: s.robotID, Payload: payload}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("session closed")
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case data, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(8 << 20) // matches workflow payload ceiling carried in assign frames
	s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		return nil
	})

	defer s.close()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame models.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.hub.logger.Warn().Err(err).Msg("failed to unmarshal worker frame")
			continue
		}

		if frame.Type == models.FrameRegister {
			if err := s.handleRegister(frame); err != nil {
				s.hub.logger.Warn().Err(err).Msg("worker registration failed, closing session")
				return
			}
			continue
		}

		if s.robotID == "" {
			s.hub.logger.Warn().Msg("frame received before registration, dropping")
			continue
		}

		if s.isDuplicate(frame.Seq) {
			s.hub.logger.Debug().Str("robot_id", s.robotID).Uint64("seq", frame.Seq).Msg("duplicate frame on reconnect, ignoring")
			continue
		}

		s.hub.dispatchIngress(frame)
	}
}

// isDuplicate reports whether seq has already been processed on this
// connection, and records it as processed otherwise. Sequence numbers only
// increase within a connection. Every new connection gets a fresh Session
// with lastSeq 0, so frames replayed after a reconnect are not detected as
// duplicates.
func (s *Session) isDuplicate(seq uint64) bool {
	s.lastSeqMu.Lock()
	defer s.lastSeqMu.Unlock()
	if seq != 0 && seq <= s.lastSeq {
		return true
	}
	s.lastSeq = seq
	return false
}

func (s *Session) handleRegister(frame models.Frame) error {
	var reg models.RegisterPayload
	if err := json.Unmarshal(frame.Payload, &reg); err != nil {
		return err
	}
	if frame.RobotID == "" {
		return fmt.Errorf("register frame missing robot_id")
	}

	s.robotID = frame.RobotID

	s.hub.mu.Lock()
	existing, hadExisting := s.hub.sessions[s.robotID]
	s.hub.sessions[s.robotID] = s
	metrics.WorkerSessionsActive.Set(float64(len(s.hub.sessions)))
	s.hub.mu.Unlock()

	// close() re-locks hub.mu itself, so it must run after the unlock above
	// (mu is not reentrant) — the map swap already happened, so close()'s
	// own "am I still the registered session" check is a no-op here.
	if hadExisting {
		existing.close()
	}

	s.hub.logger.Info().Str("robot_id", s.robotID).Msg("worker session registered")
	return nil
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.send)
		if s.robotID != "" {
			s.hub.mu.Lock()
			if s.hub.sessions[s.robotID] == s {
				delete(s.hub.sessions, s.robotID)
				metrics.WorkerSessionsActive.Set(float64(len(s.hub.sessions)))
			}
			s.hub.mu.Unlock()
		}
	})
}

// dispatchIngress routes an ingress frame to the queue manager / registry.
func (h *Hub) dispatchIngress(frame models.Frame) {
	ctx := context.Background()

	switch frame.Type {
	case models.FrameHeartbeat:
		var p models.HeartbeatPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			h.logger.Warn().Err(err).Msg("failed to unmarshal heartbeat payload")
			return
		}
		hb := &models.Heartbeat{
			RobotID:         frame.RobotID,
			Timestamp:       time.Now().UTC(),
			Status:          p.Status,
			CurrentJobCount: p.CurrentJobCount,
			CurrentJobIDs:   p.CurrentJobIDs,
			Telemetry:       p.Telemetry,
		}
		if _, err := h.registry.OnHeartbeat(ctx, hb); err != nil {
			h.logger.Warn().Str("robot_id", frame.RobotID).Err(err).Msg("failed to process heartbeat")
		}

	case models.FrameJobAccept:
		var p models.JobAcceptPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		h.ackAssign(frame.RobotID, p.JobID, nil)
		if _, err := h.queue.MarkRunning(ctx, p.JobID, frame.RobotID); err != nil {
			h.logger.Warn().Str("job_id", p.JobID).Err(err).Msg("failed to mark job running after accept")
		}

	case models.FrameJobReject:
		var p models.JobRejectPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		h.ackAssign(frame.RobotID, p.JobID, errs.New(errs.Invalid, p.Reason))

	case models.FrameJobProgress:
		var p models.JobProgressPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		h.queue.ReportProgress(ctx, p.JobID, &models.JobProgress{
			Percent: p.Percent, NodeID: p.NodeID, Message: p.Message, UpdatedAt: time.Now().UTC(),
		})

	case models.FrameJobComplete:
		var p models.JobCompletePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		h.ackAssign(frame.RobotID, p.JobID, nil) // also resolves a pending Cancel ack, if any
		if _, err := h.queue.Complete(ctx, p.JobID, p.Result); err != nil {
			h.logger.Warn().Str("job_id", p.JobID).Err(err).Msg("failed to complete job")
		}

	case models.FrameJobFailed:
		var p models.JobFailedPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return
		}
		h.ackAssign(frame.RobotID, p.JobID, nil) // also resolves a pending Cancel ack, if any
		if _, err := h.queue.Fail(ctx, p.JobID, &p.Error); err != nil {
			h.logger.Warn().Str("job_id", p.JobID).Err(err).Msg("failed to record job failure")
		}

	case models.FrameJobLog:
		// Job log frames are accepted and discarded: neither persisted nor fanned out.

	default:
		h.logger.Warn().Str("type", string(frame.Type)).Msg("unknown ingress frame type")
	}
}

func (h *Hub) ackAssign(robotID, jobID string, ackErr error) {
	h.mu.RLock()
	sess, ok := h.sessions[robotID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	sess.pendingMu.Lock()
	ch, ok := sess.pending[jobID]
	sess.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ackErr:
	default:
	}
}
