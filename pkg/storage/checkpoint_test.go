package storage

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"directory-backend/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSecondsUntil(t *testing.T) {
	tests := []struct {
		name    string
		elapsed int
		target  int
		want    int
	}{
		{"midnight at midnight", 0, 0, 0},
		{"midnight from one o'clock", 3600, 0, secondsPerDay - 3600},
		{"from midnight", 0, 7200, 7200},
		{"later today", 3600, 7200, 3600},
		{"already passed", 7200, 3600, secondsPerDay - 3600},
		{"exactly now", 7200, 7200, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, secondsUntil(tt.elapsed, tt.target))
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	got, err := ParseTimeOfDay("23:59")
	require.NoError(t, err)
	assert.Equal(t, 23*3600+59*60, got)

	got, err = ParseTimeOfDay("00:00")
	require.NoError(t, err)
	assert.Zero(t, got)

	for _, bad := range []string{"24:00", "7:00", "12:60", "ab:cd", "1200", ""} {
		_, err := ParseTimeOfDay(bad)
		assert.Error(t, err, bad)
	}
}

func TestCompactionDelay(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 0, 0, 0, time.Local)
	assert.Equal(t, 59*time.Minute, compactionDelay("23:59", now, zap.NewNop()))
	assert.Equal(t, time.Hour, compactionDelay("00:00", now, zap.NewNop()))

	core, logs := observer.New(zapcore.WarnLevel)
	assert.Zero(t, compactionDelay("soon", now, zap.New(core)))
	assert.Equal(t, 1, logs.FilterMessageSnippet("invalid compaction time of day").Len())
}

func TestCheckpointSchedule(t *testing.T) {
	start := time.Now()
	s := newCheckpointSchedule(Tunables{CheckpointInterval: time.Minute}, start)

	assert.False(t, s.checkpointDue(time.Minute, start.Add(30*time.Second)))
	assert.True(t, s.checkpointDue(time.Minute, start.Add(61*time.Second)))
	assert.False(t, s.checkpointDue(time.Minute, start.Add(62*time.Second)), "the timer re-arms")

	assert.True(t, s.checkpointDue(0, start.Add(63*time.Second)), "a reconfiguration triggers once")
	assert.False(t, s.checkpointDue(0, start.Add(24*time.Hour)), "a zero interval never expires")
}

func TestCompactionSchedule(t *testing.T) {
	start := time.Now()
	s := newCheckpointSchedule(Tunables{}, start)

	assert.False(t, s.compactionDue(0, start.Add(48*time.Hour), false), "zero disables compaction")
	assert.True(t, s.compactionDue(time.Hour, start, false), "enabling schedules at once")
	assert.False(t, s.compactionDue(time.Hour, start.Add(2*time.Hour), true), "one pending compaction at a time")
	assert.True(t, s.compactionDue(time.Hour, start.Add(2*time.Hour), false))
	assert.False(t, s.compactionDue(0, start.Add(3*time.Hour), false))
}

func obsoleteLogs(paths ...string) func(engine.ArchiveKind, int) ([]string, error) {
	return func(kind engine.ArchiveKind, _ int) ([]string, error) {
		if kind == engine.ArchiveObsolete {
			return paths, nil
		}
		return nil, nil
	}
}

func TestArchiveObsoleteRemovesWithCircularLogging(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	home := l.Options().HomeDir
	writeFiles(t, home, "000001.vlog")
	fake.LogArchiveFunc = obsoleteLogs(filepath.Join(home, "000001.vlog"), filepath.Join(home, "gone.vlog"))
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	assert.True(t, l.archiveObsolete(zap.NewNop()))
	assert.NoFileExists(t, filepath.Join(home, "000001.vlog"))
	assert.NoFileExists(t, filepath.Join(home, "000001.vlog.old"))
}

func TestArchiveObsoleteRenamesWithArchivalLogging(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.CircularLogging = false })
	home := l.Options().HomeDir
	writeFiles(t, home, "000001.vlog")
	fake.LogArchiveFunc = obsoleteLogs(filepath.Join(home, "000001.vlog"))
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	assert.True(t, l.archiveObsolete(zap.NewNop()))
	assert.NoFileExists(t, filepath.Join(home, "000001.vlog"))
	assert.FileExists(t, filepath.Join(home, "000001.vlog.old"))
}

func TestArchiveObsoleteStopsOnRenameFailure(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.CircularLogging = false })
	missing := filepath.Join(l.Options().HomeDir, "nowhere", "000001.vlog")
	fake.LogArchiveFunc = obsoleteLogs(missing)
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	assert.False(t, l.archiveObsolete(zap.NewNop()))
}

func TestCheckpointRequiresOpenLayer(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	assert.ErrorIs(t, l.Checkpoint(true), ErrNotOpen)

	require.NoError(t, l.Start(context.Background(), ModeNoThreads))
	require.NoError(t, l.Checkpoint(true))
	assert.Equal(t, int64(1), fake.ForcedCheckpoints.Load())

	fake.CheckpointErr = engine.ErrBusy
	assert.ErrorIs(t, l.Checkpoint(false), engine.ErrBusy)
}

func TestCompactRefusedWithoutThreads(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	assert.ErrorIs(t, l.Compact(context.Background()), ErrCompactionRefused)
	assert.Zero(t, fake.Compactions.Load())
}

func TestCompactCheckpointsAroundCompaction(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	before := fake.ForcedCheckpoints.Load()
	require.NoError(t, l.Compact(context.Background()))
	assert.Equal(t, int64(1), fake.Compactions.Load())
	assert.GreaterOrEqual(t, fake.ForcedCheckpoints.Load()-before, int64(2))
	assert.Equal(t, int64(1), l.compactionsDone.Load())
}

func TestScheduledCompactionRuns(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	// An invalid time of day runs at the next opportunity
	l.scheduleCompaction(l.tracker(), "later", zap.NewNop())
	assert.Eventually(t, func() bool { return fake.Compactions.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return !l.compactPending.Load() }, time.Second, 10*time.Millisecond)
}

func TestCancelCompaction(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	target := time.Now().Add(2 * time.Hour)
	l.scheduleCompaction(l.tracker(), target.Format("15:04"), zap.NewNop())
	assert.True(t, l.compactPending.Load())

	l.cancelCompaction()
	assert.False(t, l.compactPending.Load())
	assert.Zero(t, fake.Compactions.Load())
}

func TestCheckpointLoopStopsOnDiskFull(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.CheckpointInterval = time.Millisecond })
	fake.CheckpointErr = syscall.ENOSPC
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	assert.Eventually(t, l.OutOfDiskSpace, 5*time.Second, 20*time.Millisecond)
}
