package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casarerpa/orchestrator/internal/models"
)

func TestNextFire_AdvancesOneIntervalWithNoDrift(t *testing.T) {
	e := &Engine{}
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	sched := &models.Schedule{CronExpr: "*/5 * * * *", NextFireAt: base}

	next, missed, err := e.nextFire(sched, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, missed)
	assert.Equal(t, base.Add(5*time.Minute), next)
}

func TestNextFire_CountsMissedIntervalsUnderDrift(t *testing.T) {
	e := &Engine{}
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	sched := &models.Schedule{CronExpr: "*/5 * * * *", NextFireAt: base}

	// "now" is 17 minutes past the scheduled fire: three 5-minute ticks
	// (9:05, 9:10, 9:15) were missed before the next one (9:20).
	now := base.Add(17 * time.Minute)
	next, missed, err := e.nextFire(sched, now)
	require.NoError(t, err)
	assert.Equal(t, 3, missed)
	assert.Equal(t, base.Add(20*time.Minute), next)
}

func TestNextFire_InvalidCronExprErrors(t *testing.T) {
	e := &Engine{}
	sched := &models.Schedule{CronExpr: "not a cron expr", NextFireAt: time.Now()}
	_, _, err := e.nextFire(sched, time.Now())
	assert.Error(t, err)
}

func TestNextFire_RespectsTimezone(t *testing.T) {
	e := &Engine{}
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	base := time.Date(2026, 7, 31, 9, 0, 0, 0, loc)
	sched := &models.Schedule{CronExpr: "0 9 * * *", Timezone: "America/New_York", NextFireAt: base}

	next, missed, err := e.nextFire(sched, base.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, missed)
	assert.Equal(t, base.Add(24*time.Hour).UTC(), next)
}

func TestNew_DefaultsToOneSecondInterval(t *testing.T) {
	e := New(nil, nil, nil, 0)
	assert.Equal(t, time.Second, e.interval)
}
