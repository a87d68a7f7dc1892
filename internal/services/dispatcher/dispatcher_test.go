package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/casarerpa/orchestrator/internal/config"
	"github.com/casarerpa/orchestrator/internal/models"
)

func TestLimiterFor_DefaultsWhenUnconfigured(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, config.TimeoutConfig{}, 1, config.RateLimitConfig{}, "")
	lim := d.limiterFor("robot-1")
	assert.NotNil(t, lim)

	again := d.limiterFor("robot-1")
	assert.Same(t, lim, again)
}

func TestLimiterFor_DistinctPerRobot(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, config.TimeoutConfig{}, 1, config.RateLimitConfig{AssignPerSecond: 5, AssignBurst: 10}, "")
	a := d.limiterFor("robot-a")
	b := d.limiterFor("robot-b")
	assert.NotSame(t, a, b)
}

func TestNew_DefaultsWorkerCount(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, config.TimeoutConfig{}, 0, config.RateLimitConfig{}, "")
	assert.Equal(t, 4, d.workers)
}

func TestNew_FallbackPolicyDefaultsToLeastLoaded(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, config.TimeoutConfig{}, 1, config.RateLimitConfig{}, "")
	assert.NotNil(t, d.fallback)

	robots := []*models.Robot{
		{RobotID: "light", MaxConcurrentJobs: 4, CurrentJobIDs: []string{}},
		{RobotID: "busy", MaxConcurrentJobs: 4, CurrentJobIDs: []string{"j1", "j2", "j3"}},
	}
	assert.Equal(t, "light", d.fallback(robots).RobotID)
}

func TestNew_FallbackPolicyRoundRobinWhenConfigured(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, config.TimeoutConfig{}, 1, config.RateLimitConfig{}, "round_robin")

	robots := []*models.Robot{{RobotID: "a"}, {RobotID: "b"}}
	first := d.fallback(robots).RobotID
	second := d.fallback(robots).RobotID
	assert.NotEqual(t, first, second)
}
