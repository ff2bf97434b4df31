package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"directory-backend/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthOfClosedLayer(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	report := l.Health()
	assert.Equal(t, HealthStatusUnhealthy, report.Status)
	assert.Equal(t, "closed", report.State)
	assert.Equal(t, HealthStatusUnhealthy, report.Components["engine"].Status)
}

func TestHealthOfOpenLayer(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	report := l.Health()
	assert.Equal(t, HealthStatusHealthy, report.Status)
	assert.Len(t, report.Components, 5)

	data, err := json.Marshal(report)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"healthy"`)
}

func TestHealthDegradesOnLockPressure(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	l.lockThreshold.Store(true)
	report := l.Health()
	assert.Equal(t, HealthStatusDegraded, report.Status)
	assert.Equal(t, HealthStatusDegraded, report.Components["locks"].Status)

	l.outOfSpace.Store(true)
	assert.Equal(t, HealthStatusUnhealthy, l.Health().Status, "the worst component wins")
}

func TestHealthStatusString(t *testing.T) {
	assert.Equal(t, "degraded", HealthStatusDegraded.String())
	assert.Equal(t, "unknown", HealthStatus(9).String())
}

func TestSampleLocksTracksThreshold(t *testing.T) {
	current := int64(95)
	l, fake, logs := newObservedLayer(t, nil)
	fake.LockStatFunc = func() engine.LockStats { return engine.LockStats{Current: current, Max: 100} }
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))
	logger := l.logger

	l.sampleLocks(90, logger)
	assert.True(t, l.LockThresholdReached())
	l.sampleLocks(90, logger)
	assert.Equal(t, 1, logs.FilterMessage("lock utilization reached the threshold").Len(), "only transitions are logged")

	current = 10
	l.sampleLocks(90, logger)
	assert.False(t, l.LockThresholdReached())
	assert.Equal(t, 1, logs.FilterMessage("lock utilization back below the threshold").Len())
}

func TestLockUtilization(t *testing.T) {
	assert.Equal(t, int64(25), lockUtilization(50, 200))
	assert.Zero(t, lockUtilization(5, 0))
}

func TestDeadlockLoopCountsRejects(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	fake.DeadlockFunc = func(engine.DeadlockPolicy) (int, error) { return 2, nil }
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	assert.Eventually(t, func() bool {
		return l.RefreshPerf().Maintenance.DeadlockRejects >= 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTrickleLoopRuns(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	assert.Eventually(t, func() bool { return fake.Trickles.Load() > 0 }, 2*time.Second, 20*time.Millisecond)
}

func TestTrickleNotStartedWhenDisabled(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.TricklePercent = 0 })
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	time.Sleep(3 * SleepInterval)
	assert.Zero(t, fake.Trickles.Load())
}
