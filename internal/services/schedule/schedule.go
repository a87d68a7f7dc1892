// Package schedule implements the Schedule Engine (spec §4.F): it
// materializes cron expressions into job submissions without drift or
// duplication, using a compare-and-swap advance on the durable store as
// the single serialization point across a replica fleet.
package schedule

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/casarerpa/orchestrator/internal/logging"
	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/services/queue"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// cronParser is a standard 5-field cron expression parser (minute hour dom
// month dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Engine sweeps due schedules and submits jobs for them.
type Engine struct {
	store    storage.Store
	queue    *queue.Manager
	logger   *logging.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Schedule Engine. interval is the sweep period (spec §6
// default: 1s).
func New(store storage.Store, q *queue.Manager, logger *logging.Logger, interval time.Duration) *Engine {
	if interval <= 0 {
		interval = time.Second
	}
	return &Engine{store: store, queue: q, logger: logger, interval: interval}
}

func (e *Engine) safeGo(name string, fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("recovered from panic in schedule engine goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the periodic sweep loop.
func (e *Engine) Start() {
	if e.cancel != nil {
		e.Stop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.safeGo("schedule-sweep", func() { e.sweepLoop(ctx) })
	e.logger.Info().Dur("interval", e.interval).Msg("schedule engine started")
}

// Stop cancels the sweep loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.wg.Wait()
	e.logger.Info().Msg("schedule engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepOnce(ctx)
		}
	}
}

// sweepOnce materializes every due schedule into at most one job each,
// per spec §4.F.
func (e *Engine) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()

	due, err := e.store.ScheduleLookupDue(ctx, now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("schedule lookup failed")
		return
	}

	for _, sched := range due {
		e.fireOne(ctx, sched, now)
	}
}

func (e *Engine) fireOne(ctx context.Context, sched *models.Schedule, now time.Time) {
	next, missed, err := e.nextFire(sched, now)
	if err != nil {
		e.logger.Warn().Str("schedule_id", sched.ScheduleID).Err(err).Msg("failed to compute next fire time, disabling schedule")
		_ = e.store.SetScheduleEnabled(ctx, sched.ScheduleID, false)
		return
	}

	// Single serialization point: only the replica whose CAS succeeds
	// considers this tick theirs to fire (spec §4.F, §9 "schedule
	// idempotence under replicas").
	ok, err := e.store.AdvanceSchedule(ctx, sched.ScheduleID, sched.NextFireAt, next, true, missed)
	if err != nil {
		e.logger.Warn().Str("schedule_id", sched.ScheduleID).Err(err).Msg("failed to advance schedule")
		return
	}
	if !ok {
		// Another replica already advanced this tick.
		return
	}

	dedupKey := fmt.Sprintf("%s:%d", sched.ScheduleID, now.Unix())
	_, err = e.queue.Submit(ctx, sched.WorkflowID, sched.WorkflowPayload, models.SubmitOptions{
		Priority:             sched.Priority,
		Environment:          sched.Environment,
		RequiredCapabilities: sched.RequiredCapabilities,
		TriggerContext:       sched.TriggerContext,
		DeduplicationKey:     dedupKey,
	})
	if err != nil {
		e.logger.Warn().Str("schedule_id", sched.ScheduleID).Err(err).Msg("failed to submit job for schedule fire")
		return
	}

	if missed > 0 {
		e.logger.Warn().Str("schedule_id", sched.ScheduleID).Int("missed", missed).Msg("schedule fired after drift, missed intervals skipped not caught up")
		e.recordAudit(ctx, sched.ScheduleID, "missed_fire", map[string]any{"missed_intervals": missed, "next_fire_at": next})
	}
	e.logger.Info().Str("schedule_id", sched.ScheduleID).Str("workflow_id", sched.WorkflowID).Msg("schedule fired")
}

// recordAudit persists an audit entry for a schedule lifecycle event. Audit
// failures never block the schedule engine itself.
func (e *Engine) recordAudit(ctx context.Context, scheduleID, action string, detail map[string]any) {
	entry := &models.AuditEntry{EntityKind: "schedule", EntityID: scheduleID, Action: action, Detail: detail}
	if err := e.store.RecordAudit(ctx, entry); err != nil {
		e.logger.Warn().Str("schedule_id", scheduleID).Str("action", action).Err(err).Msg("failed to record audit entry")
	}
}

// nextFire computes the next fire time after now and the number of whole
// intervals that were missed along the way (drift policy: fire once, not
// catch-up-all, per spec §4.F).
func (e *Engine) nextFire(sched *models.Schedule, now time.Time) (time.Time, int, error) {
	loc := time.UTC
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}

	parsed, err := cronParser.Parse(sched.CronExpr)
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("parse cron expression %q: %w", sched.CronExpr, err)
	}

	missed := 0
	cursor := sched.NextFireAt.In(loc)
	next := parsed.Next(cursor)
	for !next.After(now) {
		missed++
		cursor = next
		next = parsed.Next(cursor)
	}
	return next.UTC(), missed, nil
}
