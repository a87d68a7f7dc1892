package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/models"
	"github.com/casarerpa/orchestrator/internal/services/registry"
	"github.com/casarerpa/orchestrator/internal/storage"
)

// fakeRobotStore implements storage.Store with only GetRobot backed by a
// fixture; every other method is unused by RobotValidator and panics if
// ever called, so a test exercising it is a bug in the test, not in here.
type fakeRobotStore struct {
	robots map[string]*models.Robot
}

func (f *fakeRobotStore) GetRobot(_ context.Context, robotID string) (*models.Robot, error) {
	robot, ok := f.robots[robotID]
	if !ok {
		return nil, &notFoundError{}
	}
	return robot, nil
}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "robot not found" }

func (f *fakeRobotStore) InsertJob(context.Context, *models.Job) (*models.Job, error) { panic("unused") }
func (f *fakeRobotStore) GetJob(context.Context, string) (*models.Job, error)         { panic("unused") }
func (f *fakeRobotStore) ListJobs(context.Context, storage.JobFilter) ([]*models.Job, error) {
	panic("unused")
}
func (f *fakeRobotStore) PeekPending(context.Context) (*models.Job, error) { panic("unused") }
func (f *fakeRobotStore) ClaimOnePending(context.Context, string, []string, string) (*models.Job, error) {
	panic("unused")
}
func (f *fakeRobotStore) UpdateJobState(context.Context, string, models.JobState, models.JobState, func(*models.Job)) (*models.Job, error) {
	panic("unused")
}
func (f *fakeRobotStore) RequeueJobsOfRobot(context.Context, string, string) (int, error) {
	panic("unused")
}
func (f *fakeRobotStore) SweepTimedOutJobs(context.Context, time.Time) (int, error) { panic("unused") }
func (f *fakeRobotStore) SweepCancellingJobs(context.Context, time.Time) (int, error) {
	panic("unused")
}
func (f *fakeRobotStore) PushDLQ(context.Context, *models.Job) error                { panic("unused") }
func (f *fakeRobotStore) ListDLQ(context.Context, int) ([]*models.Job, error)        { panic("unused") }
func (f *fakeRobotStore) UpsertRobot(context.Context, *models.Robot) error           { panic("unused") }
func (f *fakeRobotStore) ListRobots(context.Context, string) ([]*models.Robot, error) {
	panic("unused")
}
func (f *fakeRobotStore) RecordHeartbeat(context.Context, *models.Heartbeat) error { panic("unused") }
func (f *fakeRobotStore) MarkStaleRobots(context.Context, time.Time) ([]string, error) {
	panic("unused")
}
func (f *fakeRobotStore) UpdateRobotJobAssignment(context.Context, string, string, bool) error {
	panic("unused")
}
func (f *fakeRobotStore) CreateSchedule(context.Context, *models.Schedule) error { panic("unused") }
func (f *fakeRobotStore) GetSchedule(context.Context, string) (*models.Schedule, error) {
	panic("unused")
}
func (f *fakeRobotStore) ListSchedules(context.Context, bool) ([]*models.Schedule, error) {
	panic("unused")
}
func (f *fakeRobotStore) ScheduleLookupDue(context.Context, time.Time) ([]*models.Schedule, error) {
	panic("unused")
}
func (f *fakeRobotStore) AdvanceSchedule(context.Context, string, time.Time, time.Time, bool, int) (bool, error) {
	panic("unused")
}
func (f *fakeRobotStore) SetScheduleEnabled(context.Context, string, bool) error { panic("unused") }
func (f *fakeRobotStore) RecordAudit(context.Context, *models.AuditEntry) error  { panic("unused") }
func (f *fakeRobotStore) ListAudit(context.Context, string, string, int) ([]*models.AuditEntry, error) {
	panic("unused")
}
func (f *fakeRobotStore) Close() error                   { panic("unused") }
func (f *fakeRobotStore) Ping(context.Context) error      { panic("unused") }

func TestRobotValidator_DisabledAlwaysSucceeds(t *testing.T) {
	v := NewRobotValidator(&fakeRobotStore{}, false)
	assert.NoError(t, v.Validate(context.Background(), "", ""))
}

func TestRobotValidator_MatchesFingerprint(t *testing.T) {
	store := &fakeRobotStore{robots: map[string]*models.Robot{
		"robot-1": {RobotID: "robot-1", SessionTokenFingerprint: registry.FingerprintToken("secret-token")},
	}}
	v := NewRobotValidator(store, true)

	require.NoError(t, v.Validate(context.Background(), "robot-1", "secret-token"))
	assert.Error(t, v.Validate(context.Background(), "robot-1", "wrong-token"))
}

func TestRobotValidator_RejectsMissingFields(t *testing.T) {
	v := NewRobotValidator(&fakeRobotStore{}, true)
	assert.Error(t, v.Validate(context.Background(), "", "token"))
	assert.Error(t, v.Validate(context.Background(), "robot-1", ""))
}

func TestRobotValidator_RejectsUnregisteredRobot(t *testing.T) {
	store := &fakeRobotStore{robots: map[string]*models.Robot{
		"robot-1": {RobotID: "robot-1"},
	}}
	v := NewRobotValidator(store, true)
	assert.Error(t, v.Validate(context.Background(), "robot-1", "any-token"))
}
