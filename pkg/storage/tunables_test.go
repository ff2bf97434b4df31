package storage

import (
	"context"
	"testing"
	"time"

	"directory-backend/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetCompaction(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	assert.Error(t, l.SetCompaction(-time.Second, ""))
	assert.Error(t, l.SetCompaction(time.Hour, "25:00"))

	require.NoError(t, l.SetCompaction(time.Hour, "03:30"))
	tun := l.Tunables()
	assert.Equal(t, time.Hour, tun.CompactionInterval)
	assert.Equal(t, "03:30", tun.CompactionTime)

	require.NoError(t, l.SetCompaction(0, ""))
	tun = l.Tunables()
	assert.Zero(t, tun.CompactionInterval)
	assert.Equal(t, "03:30", tun.CompactionTime, "an empty time of day keeps the current one")
}

func TestSetCompactionZeroCancelsPending(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	l.scheduleCompaction(l.tracker(), time.Now().Add(3*time.Hour).Format("15:04"), l.logger)
	require.True(t, l.compactPending.Load())

	require.NoError(t, l.SetCompaction(0, ""))
	assert.False(t, l.compactPending.Load())
}

func TestSetTricklePercent(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	assert.Error(t, l.SetTricklePercent(-1))
	assert.Error(t, l.SetTricklePercent(101))
	require.NoError(t, l.SetTricklePercent(20))
	assert.Equal(t, 20, l.Tunables().TricklePercent)
}

func TestSetLockMonitoring(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	assert.Error(t, l.SetLockMonitoring(true, 0, time.Second))
	assert.Error(t, l.SetLockMonitoring(true, 101, time.Second))
	assert.Error(t, l.SetLockMonitoring(true, 50, 0))

	l.lockThreshold.Store(true)
	require.NoError(t, l.SetLockMonitoring(false, 50, time.Second))
	assert.False(t, l.LockThresholdReached(), "disabling clears the flag")

	tun := l.Tunables()
	assert.False(t, tun.LockMonitoring)
	assert.Equal(t, 50, tun.LockThreshold)
	assert.Equal(t, time.Second, tun.LockPause)
}

func TestSetCheckpointIntervalAndPolicy(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	l.SetCheckpointInterval(-time.Second)
	assert.Zero(t, l.Tunables().CheckpointInterval)
	l.SetCheckpointInterval(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, l.Tunables().CheckpointInterval)

	l.SetDeadlockPolicy(engine.DeadlockOldest)
	assert.Equal(t, engine.DeadlockOldest, l.Tunables().DeadlockPolicy)
}

func TestTunablesReflectGroupCommit(t *testing.T) {
	l, _ := newTestLayer(t, nil)

	l.SetBatchLimit(4)
	l.SetBatchMaxSleep(20 * time.Millisecond)
	tun := l.Tunables()
	assert.Equal(t, 4, tun.BatchLimit)
	assert.Equal(t, 20*time.Millisecond, tun.BatchMaxSleep)
}

func TestResultCodes(t *testing.T) {
	assert.Equal(t, Success, MapError(nil))
	assert.Equal(t, KeyExists, MapError(engine.ErrKeyExists))
	assert.Equal(t, BufferSmall, MapError(engine.ErrBufferSmall))
	assert.Equal(t, NotFound, MapError(engine.ErrNotFound))
	assert.Equal(t, NeedsRecovery, MapError(engine.ErrRunRecovery))
	assert.Equal(t, Retry, MapError(engine.ErrDeadlock))
	assert.Equal(t, Other, MapError(assert.AnError))
	assert.Equal(t, "retry", Retry.String())
}

func TestLayerMapErrorLogsUnclassified(t *testing.T) {
	l, _, logs := newObservedLayer(t, nil)

	assert.Equal(t, NotFound, l.MapError("get", engine.ErrNotFound))
	assert.Zero(t, logs.FilterMessage("engine operation failed").Len())
	assert.Equal(t, Other, l.MapError("put", assert.AnError))
	assert.Equal(t, 1, logs.FilterMessage("engine operation failed").Len())
}
