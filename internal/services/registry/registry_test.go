package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casarerpa/orchestrator/internal/models"
)

func TestLeastLoaded_PicksLowestUtilization(t *testing.T) {
	candidates := []*models.Robot{
		{RobotID: "b", MaxConcurrentJobs: 4, CurrentJobIDs: []string{"1", "2"}},
		{RobotID: "a", MaxConcurrentJobs: 4, CurrentJobIDs: []string{"1"}},
		{RobotID: "c", MaxConcurrentJobs: 4, CurrentJobIDs: []string{"1", "2", "3"}},
	}
	picked := LeastLoaded(candidates)
	assert.Equal(t, "a", picked.RobotID)
}

func TestLeastLoaded_TiesBreakByRobotID(t *testing.T) {
	candidates := []*models.Robot{
		{RobotID: "zebra", MaxConcurrentJobs: 2, CurrentJobIDs: []string{"1"}},
		{RobotID: "alpha", MaxConcurrentJobs: 2, CurrentJobIDs: []string{"1"}},
	}
	picked := LeastLoaded(candidates)
	assert.Equal(t, "alpha", picked.RobotID)
}

func TestLeastLoaded_EmptyReturnsNil(t *testing.T) {
	assert.Nil(t, LeastLoaded(nil))
}

func TestRoundRobin_CyclesInOrder(t *testing.T) {
	candidates := []*models.Robot{{RobotID: "a"}, {RobotID: "b"}, {RobotID: "c"}}
	policy := RoundRobin()

	assert.Equal(t, "a", policy(candidates).RobotID)
	assert.Equal(t, "b", policy(candidates).RobotID)
	assert.Equal(t, "c", policy(candidates).RobotID)
	assert.Equal(t, "a", policy(candidates).RobotID)
}

func TestAffinity_PrefersTargetWhenEligible(t *testing.T) {
	candidates := []*models.Robot{
		{RobotID: "a", MaxConcurrentJobs: 1},
		{RobotID: "b", MaxConcurrentJobs: 1},
	}
	policy := Affinity("b")
	assert.Equal(t, "b", policy(candidates).RobotID)
}

func TestAffinity_FallsBackToLeastLoaded(t *testing.T) {
	candidates := []*models.Robot{
		{RobotID: "a", MaxConcurrentJobs: 4, CurrentJobIDs: []string{"1"}},
		{RobotID: "b", MaxConcurrentJobs: 4},
	}
	policy := Affinity("missing-robot")
	assert.Equal(t, "b", policy(candidates).RobotID)
}

func TestReconciliationNeeded_DetectsMismatch(t *testing.T) {
	hb := &models.Heartbeat{CurrentJobCount: 2}
	robot := &models.Robot{CurrentJobIDs: []string{"1"}}
	assert.True(t, reconciliationNeeded(hb, robot))

	robot.CurrentJobIDs = []string{"1", "2"}
	assert.False(t, reconciliationNeeded(hb, robot))
}

func TestRobot_HasCapabilities(t *testing.T) {
	robot := &models.Robot{Capabilities: []string{"excel", "sap"}}
	assert.True(t, robot.HasCapabilities(nil))
	assert.True(t, robot.HasCapabilities([]string{"excel"}))
	assert.False(t, robot.HasCapabilities([]string{"excel", "browser"}))
}

func TestRobot_HasCapacity(t *testing.T) {
	robot := &models.Robot{MaxConcurrentJobs: 2, CurrentJobIDs: []string{"1"}}
	assert.True(t, robot.HasCapacity())
	robot.CurrentJobIDs = append(robot.CurrentJobIDs, "2")
	assert.False(t, robot.HasCapacity())
}

func TestFingerprintToken_IsDeterministicAndDistinct(t *testing.T) {
	a := FingerprintToken("token-a")
	b := FingerprintToken("token-a")
	c := FingerprintToken("token-b")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
