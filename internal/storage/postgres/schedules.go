package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/models"
)

const scheduleColumns = `schedule_id, workflow_id, workflow_payload, cron_expr, timezone, enabled, next_fire_at,
	last_fire_at, run_count, failure_count, missed_fire_count, priority, environment, required_capabilities,
	trigger_context, execution_mode, created_at`

// CreateSchedule persists a new cron schedule.
func (s *Store) CreateSchedule(ctx context.Context, sched *models.Schedule) error {
	if sched.CreatedAt.IsZero() {
		sched.CreatedAt = time.Now().UTC()
	}

	capsJSON, err := json.Marshal(nonNilStrings(sched.RequiredCapabilities))
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal required_capabilities", err)
	}
	var triggerJSON []byte
	if sched.TriggerContext != nil {
		triggerJSON, err = json.Marshal(sched.TriggerContext)
		if err != nil {
			return errs.Wrap(errs.Invalid, "failed to marshal trigger_context", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO schedules (schedule_id, workflow_id, workflow_payload, cron_expr,
		timezone, enabled, next_fire_at, priority, environment, required_capabilities, trigger_context,
		execution_mode, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		sched.ScheduleID, sched.WorkflowID, sched.WorkflowPayload, sched.CronExpr, sched.Timezone, sched.Enabled,
		sched.NextFireAt, sched.Priority, sched.Environment, capsJSON, triggerJSON, sched.ExecutionMode, sched.CreatedAt)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to insert schedule", err)
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(ctx context.Context, scheduleID string) (*models.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE schedule_id = $1`, scheduleID)
	sched, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "schedule not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to fetch schedule", err)
	}
	return sched, nil
}

// ListSchedules returns schedules, optionally filtered to enabled ones.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to list schedules", err)
	}
	defer rows.Close()

	var scheds []*models.Schedule
	for rows.Next() {
		sched, err := scanScheduleRows(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan schedule row", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// ScheduleLookupDue returns every enabled schedule whose next_fire_at is
// <= asOf (spec §4.F sweep tick).
func (s *Store) ScheduleLookupDue(ctx context.Context, asOf time.Time) ([]*models.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled AND next_fire_at <= $1 ORDER BY next_fire_at ASC`, asOf)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to lookup due schedules", err)
	}
	defer rows.Close()

	var scheds []*models.Schedule
	for rows.Next() {
		sched, err := scanScheduleRows(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan schedule row", err)
		}
		scheds = append(scheds, sched)
	}
	return scheds, rows.Err()
}

// AdvanceSchedule performs a compare-and-swap update of next_fire_at: the
// UPDATE only applies WHERE next_fire_at = expectedNextFireAt, which is how
// a fleet of replicas racing the same sweep tick ensures a schedule fires
// exactly once (spec §4.F, §9).
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID string, expectedNextFireAt, newNextFireAt time.Time, fired bool, missedRuns int) (bool, error) {
	query := `UPDATE schedules SET next_fire_at = $1`
	args := []any{newNextFireAt}
	n := 2
	if fired {
		query += `, last_fire_at = $` + strconv.Itoa(n) + `, run_count = run_count + 1`
		args = append(args, time.Now().UTC())
		n++
	}
	if missedRuns > 0 {
		query += `, missed_fire_count = missed_fire_count + $` + strconv.Itoa(n)
		args = append(args, missedRuns)
		n++
	}
	query += ` WHERE schedule_id = $` + strconv.Itoa(n) + ` AND next_fire_at = $` + strconv.Itoa(n+1)
	args = append(args, scheduleID, expectedNextFireAt)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errs.Wrap(errs.Fatal, "failed to advance schedule", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, errs.Wrap(errs.Fatal, "failed to read rows affected", err)
	}
	return affected > 0, nil
}

// SetScheduleEnabled enables or disables a schedule.
func (s *Store) SetScheduleEnabled(ctx context.Context, scheduleID string, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET enabled = $1 WHERE schedule_id = $2`, enabled, scheduleID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to set schedule enabled", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errs.New(errs.NotFound, "schedule not found")
	}
	return nil
}

func scanSchedule(row *sql.Row) (*models.Schedule, error) {
	return scanScheduleScanner(row)
}

func scanScheduleRows(rows *sql.Rows) (*models.Schedule, error) {
	return scanScheduleScanner(rows)
}

func scanScheduleScanner(row scanner) (*models.Schedule, error) {
	var sched models.Schedule
	var lastFire sql.NullTime
	var capsJSON []byte
	var triggerJSON []byte

	err := row.Scan(&sched.ScheduleID, &sched.WorkflowID, &sched.WorkflowPayload, &sched.CronExpr, &sched.Timezone,
		&sched.Enabled, &sched.NextFireAt, &lastFire, &sched.RunCount, &sched.FailureCount, &sched.MissedFireCount,
		&sched.Priority, &sched.Environment, &capsJSON, &triggerJSON, &sched.ExecutionMode, &sched.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastFire.Valid {
		sched.LastFireAt = lastFire.Time
	}
	if len(capsJSON) > 0 {
		if err := json.Unmarshal(capsJSON, &sched.RequiredCapabilities); err != nil {
			return nil, err
		}
	}
	if len(triggerJSON) > 0 {
		if err := json.Unmarshal(triggerJSON, &sched.TriggerContext); err != nil {
			return nil, err
		}
	}
	return &sched, nil
}
