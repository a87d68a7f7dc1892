// Package dispatcher implements the Dispatcher (spec §4.D): the
// cooperative claim loop that pairs eligible pending jobs with eligible
// robots and hands them off over the worker session layer, circuit
// breaking per-robot assign calls so one misbehaving worker can't stall
// the whole dispatch pool.
package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/metrics"
	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/services/queue"
	"github.com/casarerpa/orchestrator/internal/services/registry"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// Assigner sends a job to a connected robot and waits for it to be
// acknowledged (accept or reject), implemented by the worker session layer.
type Assigner interface {
	Assign(ctx context.Context, robotID string, job *models.Job, deadline time.Time) error
}

// Dispatcher runs a pool of claim-loop workers.
type Dispatcher struct {
	store    storage.Store
	registry *registry.Registry
	queue    *queue.Manager
	assigner Assigner
	logger   *logging.Logger
	timeout  config.TimeoutConfig
	workers  int
	rates    config.RateLimitConfig

	// fallback is the selection policy used for jobs that carry no
	// target_robot_id. Jobs that do specify one always use
	// registry.Affinity instead, regardless of this setting.
	fallback registry.SelectionPolicy

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Dispatcher with the given worker pool size. dispatchPolicy
// selects the fallback SelectionPolicy applied to jobs with no
// target_robot_id: "round_robin" or anything else (including "") for
// registry.LeastLoaded.
func New(store storage.Store, reg *registry.Registry, q *queue.Manager, assigner Assigner, logger *logging.Logger, timeout config.TimeoutConfig, workers int, rates config.RateLimitConfig, dispatchPolicy string) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	fallback := registry.SelectionPolicy(registry.LeastLoaded)
	if dispatchPolicy == "round_robin" {
		fallback = registry.RoundRobin()
	}
	return &Dispatcher{
		store:    store,
		registry: reg,
		queue:    q,
		assigner: assigner,
		logger:   logger,
		timeout:  timeout,
		workers:  workers,
		rates:    rates,
		fallback: fallback,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the per-robot assign-rate limiter (spec §9: dispatch
// throughput), creating one lazily the first time a robot is assigned to.
func (d *Dispatcher) limiterFor(robotID string) *rate.Limiter {
	d.limitersMu.Lock()
	defer d.limitersMu.Unlock()

	lim, ok := d.limiters[robotID]
	if ok {
		return lim
	}
	perSecond := d.rates.AssignPerSecond
	burst := d.rates.AssignBurst
	if perSecond <= 0 {
		perSecond = 10
	}
	if burst <= 0 {
		burst = 20
	}
	lim = rate.NewLimiter(rate.Limit(perSecond), burst)
	d.limiters[robotID] = lim
	return lim
}

func (d *Dispatcher) breakerFor(robotID string) *gobreaker.CircuitBreaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()

	cb, ok := d.breakers[robotID]
	if ok {
		return cb
	}
	cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "assign:" + robotID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			d.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("assign circuit breaker state change")
			metrics.DispatchBreakerState.WithLabelValues(robotID).Set(float64(to))
		},
	})
	d.breakers[robotID] = cb
	return cb
}

func (d *Dispatcher) safeGo(name string, fn func()) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in dispatcher goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the dispatcher's worker pool.
func (d *Dispatcher) Start() {
	if d.cancel != nil {
		d.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	for i := 0; i < d.workers; i++ {
		name := fmt.Sprintf("dispatcher-%d", i)
		d.safeGo(name, func() { d.claimLoop(ctx) })
	}
	d.logger.Info().Int("workers", d.workers).Msg("dispatcher started")
}

// Stop cancels all worker loops and waits for them to exit.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	d.logger.Info().Msg("dispatcher stopped")
}

// claimLoop repeatedly finds an eligible robot, claims one pending job for
// it, and assigns the job, backing off when there is nothing to do.
func (d *Dispatcher) claimLoop(ctx context.Context) {
	poll := d.timeout.DispatcherPoll()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		assigned, err := d.tryDispatchOnce(ctx)
		if err != nil {
			d.logger.Warn().Err(err).Msg("dispatch attempt failed")
		}
		if !assigned {
			select {
			case <-ctx.Done():
				return
			case <-time.After(poll):
			}
		}
	}
}

// tryDispatchOnce attempts one claim+assign cycle. It peeks the
// highest-priority pending job first, then picks a candidate robot based on
// that job's target/capabilities (spec §4.D), and finally claims it with
// ClaimOnePending so a concurrent dispatcher can never double-claim the same
// row even though the peek itself holds no lock. It returns assigned=true if
// a job was claimed (whether or not assignment ultimately succeeded), so the
// caller doesn't back off when there is real work to keep pulling.
func (d *Dispatcher) tryDispatchOnce(ctx context.Context) (bool, error) {
	candidateJob, err := d.store.PeekPending(ctx)
	if err != nil {
		return false, err
	}
	if candidateJob == nil {
		return false, nil
	}

	policy := d.fallback
	if candidateJob.TargetRobotID != "" {
		policy = registry.Affinity(candidateJob.TargetRobotID)
	}
	robot, err := d.registry.PickCandidate(ctx, candidateJob.Environment, candidateJob.RequiredCapabilities, policy)
	if err != nil {
		return false, nil // no eligible robot right now, not an error condition
	}
	if d.breakerFor(robot.RobotID).State() == gobreaker.StateOpen {
		return false, nil // robot's assign breaker is open; leave the job pending
	}

	job, err := d.store.ClaimOnePending(ctx, robot.RobotID, robot.Capabilities, robot.Environment)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil // another dispatcher won the race, or the robot's no longer eligible for it
	}
	metrics.ClaimLatencySeconds.Observe(time.Since(job.CreatedAt).Seconds())
	metrics.QueueDepth.WithLabelValues(job.Environment).Dec()

	if err := d.store.UpdateRobotJobAssignment(ctx, robot.RobotID, job.JobID, true); err != nil {
		d.logger.Warn().Str("robot_id", robot.RobotID).Str("job_id", job.JobID).Err(err).Msg("failed to record robot job assignment")
	}

	if err := d.limiterFor(robot.RobotID).Wait(ctx); err != nil {
		d.handleAssignFailure(ctx, job, robot.RobotID, errs.Wrap(errs.Transient, "assign rate limit wait cancelled", err))
		return true, nil
	}

	deadline := time.Now().Add(d.timeout.AssignAck())
	cb := d.breakerFor(robot.RobotID)
	_, err = cb.Execute(func() (any, error) {
		return nil, d.assigner.Assign(ctx, robot.RobotID, job, deadline)
	})
	if err != nil {
		d.handleAssignFailure(ctx, job, robot.RobotID, err)
	} else {
		metrics.JobsDispatchedTotal.WithLabelValues(job.Environment).Inc()
	}

	return true, nil
}

func (d *Dispatcher) handleAssignFailure(ctx context.Context, job *models.Job, robotID string, assignErr error) {
	d.logger.Warn().Str("robot_id", robotID).Str("job_id", job.JobID).Err(assignErr).Msg("assign failed, requeuing job")
	kind := errs.KindOf(assignErr)
	if kind != errs.WorkerLost && kind != errs.Timeout {
		// A rejected or short-circuited assign never ran the job, so it is
		// retried as Transient rather than failed outright.
		kind = errs.Transient
	}
	_, err := d.queue.Fail(ctx, job.JobID, &models.JobError{Kind: string(kind), Message: assignErr.Error()})
	if err != nil {
		d.logger.Warn().Str("job_id", job.JobID).Err(err).Msg("failed to record assign failure")
	}
}
