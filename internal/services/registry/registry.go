// Package registry implements the Robot Registry (spec §4.C): robot
// registration, heartbeat reconciliation, candidate selection for the
// dispatcher, and the liveness sweep that requeues work from dead robots.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/metrics"
	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/services/fanout"
	"github.com/casarerpa/orchestrator/internal/services/queue"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Registry tracks registered robots and their liveness.
type Registry struct {
	store   storage.Store
	queue   *queue.Manager
	fanout  *fanout.Fanout
	logger  *logging.Logger
	timeout config.TimeoutConfig

	// per-robot mutex map serializes concurrent heartbeat/assignment
	// updates for the same robot without taking a registry-wide lock
	// (spec §4.C: "per-robot mutex map for concurrency").
	robotLocks sync.Map // robotID -> *sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Robot Registry.
func New(store storage.Store, q *queue.Manager, fan *fanout.Fanout, logger *logging.Logger, timeout config.TimeoutConfig) *Registry {
	return &Registry{store: store, queue: q, fanout: fan, logger: logger, timeout: timeout}
}

func (r *Registry) lockFor(robotID string) *sync.Mutex {
	v, _ := r.robotLocks.LoadOrStore(robotID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (r *Registry) safeGo(name string, fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", rec)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in registry goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the liveness sweep loop.
func (r *Registry) Start() {
	if r.cancel != nil {
		r.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.safeGo("liveness-sweep", func() { r.livenessSweepLoop(ctx) })
	r.logger.Info().
		Dur("heartbeat_timeout", r.timeout.HeartbeatTimeout()).
		Dur("sweep_interval", r.timeout.HeartbeatInterval()/2).
		Msg("robot registry started")
}

// Stop cancels the liveness sweep and waits for it to exit.
func (r *Registry) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.wg.Wait()
	r.logger.Info().Msg("robot registry stopped")
}

// FingerprintToken returns the SHA-256 hex fingerprint of a robot session
// token. The raw token is never persisted (spec §6).
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Register creates or updates a robot's registration record.
func (r *Registry) Register(ctx context.Context, opts models.RegisterOptions) (*models.Robot, error) {
	if opts.RobotID == "" {
		return nil, errs.New(errs.Invalid, "robot_id is required")
	}
	if opts.MaxConcurrentJobs <= 0 {
		opts.MaxConcurrentJobs = 1
	}

	mu := r.lockFor(opts.RobotID)
	mu.Lock()
	defer mu.Unlock()

	robot := &models.Robot{
		RobotID:                 opts.RobotID,
		Capabilities:            opts.Capabilities,
		Environment:             opts.Environment,
		MaxConcurrentJobs:       opts.MaxConcurrentJobs,
		Status:                  models.RobotIdle,
		LastHeartbeatAt:         time.Now().UTC(),
		SessionTokenFingerprint: FingerprintToken(opts.Token),
	}

	if err := r.store.UpsertRobot(ctx, robot); err != nil {
		return nil, err
	}

	r.recordAudit(ctx, robot.RobotID, "registered", map[string]any{
		"environment":  robot.Environment,
		"capabilities": robot.Capabilities,
	})
	r.refreshRobotsOnlineMetric(ctx)
	r.publishRobotEvent("robot_online", robot)
	return robot, nil
}

// recordAudit persists an audit entry for a robot lifecycle event. Audit
// failures never block the registry's own state transition (spec §7: the
// audit log is a record of what happened, not a gate on it).
func (r *Registry) recordAudit(ctx context.Context, robotID, action string, detail map[string]any) {
	entry := &models.AuditEntry{EntityKind: "robot", EntityID: robotID, Action: action, Detail: detail}
	if err := r.store.RecordAudit(ctx, entry); err != nil {
		r.logger.Warn().Str("robot_id", robotID).Str("action", action).Err(err).Msg("failed to record audit entry")
	}
}

// OnHeartbeat records a heartbeat frame against the stored robot record and
// returns the updated robot. If the robot's self-reported job count
// disagrees with the registry's (a reconnect after missed acks), the
// disagreement is logged and the registry's record is kept; no cancel or
// requeue is issued and nothing is sent back to the robot.
func (r *Registry) OnHeartbeat(ctx context.Context, hb *models.Heartbeat) (*models.Robot, error) {
	mu := r.lockFor(hb.RobotID)
	mu.Lock()
	defer mu.Unlock()

	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	if err := r.store.RecordHeartbeat(ctx, hb); err != nil {
		return nil, err
	}

	robot, err := r.store.GetRobot(ctx, hb.RobotID)
	if err != nil {
		return nil, err
	}

	if reconciliationNeeded(hb, robot) {
		r.logger.Warn().
			Str("robot_id", hb.RobotID).
			Int("reported", hb.CurrentJobCount).
			Int("registry", len(robot.CurrentJobIDs)).
			Msg("robot heartbeat job count disagrees with registry, registry view wins")
	}

	return robot, nil
}

func reconciliationNeeded(hb *models.Heartbeat, robot *models.Robot) bool {
	return hb.CurrentJobCount != len(robot.CurrentJobIDs)
}

// SelectionPolicy picks one candidate robot from a set of eligible robots.
type SelectionPolicy func(candidates []*models.Robot) *models.Robot

// LeastLoaded picks the robot with the lowest fractional utilization,
// breaking ties by robot ID for determinism (spec §4.C default policy).
func LeastLoaded(candidates []*models.Robot) *models.Robot {
	if len(candidates) == 0 {
		return nil
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.Load() < best.Load() || (c.Load() == best.Load() && c.RobotID < best.RobotID) {
			best = c
		}
	}
	return best
}

// roundRobinState is the cursor of one RoundRobin policy value; each call
// to RoundRobin gets its own.
type roundRobinState struct {
	mu  sync.Mutex
	idx int
}

// RoundRobin returns a SelectionPolicy that cycles through candidates in
// the order given, independent of load.
func RoundRobin() SelectionPolicy {
	state := &roundRobinState{}
	return func(candidates []*models.Robot) *models.Robot {
		if len(candidates) == 0 {
			return nil
		}
		state.mu.Lock()
		defer state.mu.Unlock()
		chosen := candidates[state.idx%len(candidates)]
		state.idx++
		return chosen
	}
}

// Affinity returns a SelectionPolicy that prefers the robot matching
// preferredRobotID when present and eligible, falling back to LeastLoaded.
func Affinity(preferredRobotID string) SelectionPolicy {
	return func(candidates []*models.Robot) *models.Robot {
		for _, c := range candidates {
			if c.RobotID == preferredRobotID {
				return c
			}
		}
		return LeastLoaded(candidates)
	}
}

// PickCandidate collects the eligible, capacity-bearing robots for a job's
// environment and required capabilities and returns the one policy
// selects. Callers pass
// LeastLoaded unless the job specifies a target_robot_id (Affinity) or the
// deployment is configured for RoundRobin.
func (r *Registry) PickCandidate(ctx context.Context, environment string, requiredCapabilities []string, policy SelectionPolicy) (*models.Robot, error) {
	robots, err := r.store.ListRobots(ctx, environment)
	if err != nil {
		return nil, err
	}

	var eligible []*models.Robot
	for _, robot := range robots {
		if robot.Status == models.RobotOffline || robot.Status == models.RobotDraining {
			continue
		}
		if !robot.HasCapacity() {
			continue
		}
		if !robot.HasCapabilities(requiredCapabilities) {
			continue
		}
		eligible = append(eligible, robot)
	}

	if len(eligible) == 0 {
		return nil, errs.New(errs.NotFound, "no eligible robot with capacity")
	}
	if policy == nil {
		policy = LeastLoaded
	}
	return policy(eligible), nil
}

// Drain marks a robot as draining: it keeps its current jobs but is no
// longer offered new ones.
func (r *Registry) Drain(ctx context.Context, robotID string) error {
	mu := r.lockFor(robotID)
	mu.Lock()
	defer mu.Unlock()

	robot, err := r.store.GetRobot(ctx, robotID)
	if err != nil {
		return err
	}
	robot.Status = models.RobotDraining
	if err := r.store.UpsertRobot(ctx, robot); err != nil {
		return err
	}
	r.recordAudit(ctx, robotID, "drained", nil)
	r.refreshRobotsOnlineMetric(ctx)
	r.publishRobotEvent("robot_draining", robot)
	return nil
}

// refreshRobotsOnlineMetric recomputes the robots-by-status gauge from the
// full robot list. Simpler and less error-prone than incrementing/
// decrementing it at every individual state transition.
func (r *Registry) refreshRobotsOnlineMetric(ctx context.Context) {
	robots, err := r.store.ListRobots(ctx, "")
	if err != nil {
		return
	}
	counts := map[[2]string]int{}
	for _, robot := range robots {
		counts[[2]string{robot.Environment, string(robot.Status)}]++
	}
	metrics.RobotsOnline.Reset()
	for key, n := range counts {
		metrics.RobotsOnline.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

func (r *Registry) publishRobotEvent(eventType string, robot *models.Robot) {
	if r.fanout == nil {
		return
	}
	r.fanout.Robots().Publish(models.RobotEvent{Type: eventType, Robot: robot, Timestamp: time.Now().UTC()})
}

// livenessSweepLoop periodically marks robots with a stale heartbeat
// offline and requeues whatever work was assigned to them (spec §4.C).
func (r *Registry) livenessSweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.timeout.HeartbeatInterval() / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Registry) sweepOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.timeout.HeartbeatTimeout())
	staleIDs, err := r.store.MarkStaleRobots(ctx, cutoff)
	if err != nil {
		r.logger.Warn().Err(err).Msg("liveness sweep failed")
		return
	}

	for _, robotID := range staleIDs {
		mu := r.lockFor(robotID)
		mu.Lock()
		count, err := r.store.RequeueJobsOfRobot(ctx, robotID, "WorkerLost")
		mu.Unlock()
		if err != nil {
			r.logger.Warn().Str("robot_id", robotID).Err(err).Msg("failed to requeue jobs of lost robot")
			continue
		}
		r.logger.Warn().Str("robot_id", robotID).Int("requeued", count).Msg("robot lost, jobs requeued")
		r.recordAudit(ctx, robotID, "offline_liveness_lost", map[string]any{"requeued_jobs": count})

		if robot, getErr := r.store.GetRobot(ctx, robotID); getErr == nil {
			r.publishRobotEvent("robot_offline", robot)
		}
	}

	if len(staleIDs) > 0 {
		r.refreshRobotsOnlineMetric(ctx)
	}
}
