package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/casarerpa/orchestrator/internal/errs"
	"github.com/casarerpa/orchestrator/internal/models"
)

const robotColumns = `robot_id, name, capabilities, environment, max_concurrent_jobs, status,
	current_job_ids, session_token_fingerprint, last_heartbeat_at, registered_at, decommissioned`

// UpsertRobot inserts or updates a robot's registration record. The session
// token itself is never stored, only its SHA-256 fingerprint (spec §6).
func (s *Store) UpsertRobot(ctx context.Context, robot *models.Robot) error {
	if robot.RegisteredAt.IsZero() {
		robot.RegisteredAt = time.Now().UTC()
	}
	caps, err := json.Marshal(nonNilStrings(robot.Capabilities))
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal capabilities", err)
	}
	jobIDs, err := json.Marshal(nonNilStrings(robot.CurrentJobIDs))
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal current_job_ids", err)
	}

	query := `INSERT INTO robots (robot_id, name, capabilities, environment, max_concurrent_jobs,
			status, current_job_ids, session_token_fingerprint, last_heartbeat_at, registered_at, decommissioned)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (robot_id) DO UPDATE SET
			name = EXCLUDED.name,
			capabilities = EXCLUDED.capabilities,
			environment = EXCLUDED.environment,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			status = EXCLUDED.status,
			session_token_fingerprint = EXCLUDED.session_token_fingerprint,
			decommissioned = EXCLUDED.decommissioned`

	_, err = s.db.ExecContext(ctx, query,
		robot.RobotID, robot.Name, caps, robot.Environment, robot.MaxConcurrentJobs,
		robot.Status, jobIDs, robot.SessionTokenFingerprint, nullTime(robot.LastHeartbeatAt),
		robot.RegisteredAt, robot.Decommissioned,
	)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to upsert robot", err)
	}
	return nil
}

// GetRobot fetches a robot by id.
func (s *Store) GetRobot(ctx context.Context, robotID string) (*models.Robot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE robot_id = $1`, robotID)
	robot, err := scanRobot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.NotFound, "robot not found")
	}
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to fetch robot", err)
	}
	return robot, nil
}

// ListRobots returns robots, optionally filtered to one environment.
func (s *Store) ListRobots(ctx context.Context, environment string) ([]*models.Robot, error) {
	query := `SELECT ` + robotColumns + ` FROM robots WHERE NOT decommissioned`
	var args []any
	if environment != "" {
		query += ` AND environment = $1`
		args = append(args, environment)
	}
	query += ` ORDER BY registered_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to list robots", err)
	}
	defer rows.Close()

	var robots []*models.Robot
	for rows.Next() {
		robot, err := scanRobotRows(rows)
		if err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan robot row", err)
		}
		robots = append(robots, robot)
	}
	return robots, rows.Err()
}

// RecordHeartbeat updates last_heartbeat_at, status and job accounting on
// the robot row, and persists the full heartbeat (including telemetry) as
// its own row in the heartbeats table, both in one transaction (spec §4.C).
func (s *Store) RecordHeartbeat(ctx context.Context, hb *models.Heartbeat) error {
	jobIDs, err := json.Marshal(nonNilStrings(hb.CurrentJobIDs))
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal current_job_ids", err)
	}
	telemetry, err := marshalTelemetry(hb.Telemetry)
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal telemetry", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to begin heartbeat transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE robots SET last_heartbeat_at = $1, status = $2, current_job_ids = $3
		WHERE robot_id = $4`, hb.Timestamp, hb.Status, jobIDs, hb.RobotID)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to record heartbeat", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return errs.New(errs.NotFound, "robot not registered")
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO heartbeats
			(robot_id, received_at, status, current_job_count, current_job_ids, telemetry)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		hb.RobotID, hb.Timestamp, hb.Status, hb.CurrentJobCount, jobIDs, telemetry); err != nil {
		return errs.Wrap(errs.Fatal, "failed to insert heartbeat row", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Fatal, "failed to commit heartbeat", err)
	}
	return nil
}

func marshalTelemetry(telemetry map[string]any) ([]byte, error) {
	if telemetry == nil {
		return nil, nil
	}
	return json.Marshal(telemetry)
}

// MarkStaleRobots transitions every robot whose last_heartbeat_at is older
// than cutoff to offline, returning affected robot IDs so the caller can
// requeue their in-flight jobs (spec §4.C liveness sweep).
func (s *Store) MarkStaleRobots(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `UPDATE robots SET status = 'offline'
		WHERE status != 'offline' AND NOT decommissioned
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < $1)
		RETURNING robot_id`, cutoff)
	if err != nil {
		return nil, errs.Wrap(errs.Fatal, "failed to mark stale robots", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errs.Wrap(errs.Fatal, "failed to scan stale robot id", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateRobotJobAssignment adds or removes jobID from a robot's
// current_job_ids and keeps status consistent with occupancy.
func (s *Store) UpdateRobotJobAssignment(ctx context.Context, robotID, jobID string, add bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to begin assignment transaction", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+robotColumns+` FROM robots WHERE robot_id = $1 FOR UPDATE`, robotID)
	robot, err := scanRobot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.NotFound, "robot not found")
	}
	if err != nil {
		return errs.Wrap(errs.Fatal, "failed to fetch robot for assignment", err)
	}

	robot.CurrentJobIDs = toggleMember(robot.CurrentJobIDs, jobID, add)
	if len(robot.CurrentJobIDs) > 0 {
		robot.Status = models.RobotBusy
	} else if robot.Status == models.RobotBusy {
		robot.Status = models.RobotIdle
	}

	jobIDs, err := json.Marshal(nonNilStrings(robot.CurrentJobIDs))
	if err != nil {
		return errs.Wrap(errs.Invalid, "failed to marshal current_job_ids", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE robots SET current_job_ids = $1, status = $2 WHERE robot_id = $3`,
		jobIDs, robot.Status, robotID); err != nil {
		return errs.Wrap(errs.Fatal, "failed to update robot job assignment", err)
	}

	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Fatal, "failed to commit robot job assignment", err)
	}
	return nil
}

func toggleMember(set []string, member string, add bool) []string {
	out := make([]string, 0, len(set)+1)
	found := false
	for _, m := range set {
		if m == member {
			found = true
			if !add {
				continue
			}
		}
		out = append(out, m)
	}
	if add && !found {
		out = append(out, member)
	}
	return out
}

func scanRobot(row *sql.Row) (*models.Robot, error) {
	return scanRobotScanner(row)
}

func scanRobotRows(rows *sql.Rows) (*models.Robot, error) {
	return scanRobotScanner(rows)
}

func scanRobotScanner(row scanner) (*models.Robot, error) {
	var robot models.Robot
	var caps, jobIDs []byte
	var lastHeartbeat sql.NullTime

	err := row.Scan(
		&robot.RobotID, &robot.Name, &caps, &robot.Environment, &robot.MaxConcurrentJobs,
		&robot.Status, &jobIDs, &robot.SessionTokenFingerprint, &lastHeartbeat,
		&robot.RegisteredAt, &robot.Decommissioned,
	)
	if err != nil {
		return nil, err
	}

	if len(caps) > 0 {
		_ = json.Unmarshal(caps, &robot.Capabilities)
	}
	if len(jobIDs) > 0 {
		_ = json.Unmarshal(jobIDs, &robot.CurrentJobIDs)
	}
	if lastHeartbeat.Valid {
		robot.LastHeartbeatAt = lastHeartbeat.Time
	}
	return &robot, nil
}
