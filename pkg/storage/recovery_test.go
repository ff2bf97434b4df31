package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"directory-backend/pkg/engine"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGuardianRoundTrip(t *testing.T) {
	home := t.TempDir()
	g := Guardian{CacheSize: 1 << 20, NCache: 2, Version: GuardianVersion, Locks: 10000}
	require.NoError(t, writeGuardian(home, g))

	got, err := readGuardian(home, zap.NewNop())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, g, *got)

	_, err = os.Stat(guardianPath(home))
	assert.True(t, os.IsNotExist(err), "reading the guardian deletes it")

	got, err = readGuardian(home, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestInspectGuardianLeavesFileInPlace(t *testing.T) {
	home := t.TempDir()
	got, err := InspectGuardian(home)
	require.NoError(t, err)
	assert.Nil(t, got)

	g := Guardian{CacheSize: 1 << 20, NCache: 1, Version: GuardianVersion, Locks: 10000}
	require.NoError(t, writeGuardian(home, g))

	got, err = InspectGuardian(home)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, g, *got)
	assert.FileExists(t, guardianPath(home))
}

func TestParseGuardianIgnoresUnknownAttributes(t *testing.T) {
	g, err := parseGuardian([]byte("cachesize:1000\nshmkey:42\nncache:1\nversion:4\nlocks:20000\n"))
	require.NoError(t, err)
	assert.Equal(t, Guardian{CacheSize: 1000, NCache: 1, Version: 4, Locks: 20000}, *g)

	_, err = parseGuardian([]byte("cachesize:lots\n"))
	assert.Error(t, err)
}

func TestEmptyOrDamagedGuardianMeansDirty(t *testing.T) {
	for name, content := range map[string]string{
		"empty":   "",
		"damaged": "cachesize:nope\n",
	} {
		t.Run(name, func(t *testing.T) {
			home := t.TempDir()
			require.NoError(t, os.WriteFile(guardianPath(home), []byte(content), 0o600))

			got, err := readGuardian(home, zap.NewNop())
			require.NoError(t, err)
			assert.Nil(t, got)
		})
	}
}

func TestStartWithoutGuardianRunsRecovery(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	writeFiles(t, l.Options().HomeDir, "000001.sst", "000002.sst", "000003.sst", "000004.sst", "MANIFEST")

	require.NoError(t, l.Start(context.Background(), ModeNormal))
	assert.True(t, l.RecoveryRequired())
	assert.Equal(t, StateOpen, l.State())

	history := fake.OpenHistory()
	require.Len(t, history, 2)
	assert.True(t, history[0].Flags.Has(engine.FlagRecover|engine.FlagRecoveryOnly))
	assert.False(t, history[0].Flags.Has(engine.FlagRecoverFatal))
	assert.False(t, history[1].Flags.Has(engine.FlagRecover))

	_, err := os.Stat(guardianPath(l.Options().HomeDir))
	assert.NoError(t, err, "the guardian is written as soon as the engine opens")

	require.NoError(t, l.Close())
	require.NoError(t, l.Start(context.Background(), ModeNormal))
	assert.False(t, l.RecoveryRequired(), "a clean close skips recovery")
	assert.Len(t, fake.OpenHistory(), 3)
}

func TestStartOnEmptyHomeIsClean(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	assert.False(t, l.RecoveryRequired())
	assert.Len(t, fake.OpenHistory(), 1)
	assert.ErrorIs(t, l.Start(context.Background(), ModeNormal), ErrAlreadyOpen)

	version, err := readVersion(l.Options().HomeDir)
	require.NoError(t, err)
	assert.Equal(t, VersionString, version)
}

func TestStartResizesWhenCacheChanged(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	ctx := context.Background()

	require.NoError(t, l.Start(ctx, ModeNormal))
	require.NoError(t, l.Close())
	require.NoError(t, l.Start(ctx, ModeNormal))
	require.NoError(t, l.Close())
	assert.Zero(t, fake.Removes.Load(), "unchanged sizing keeps the regions")

	check, accepted, err := l.SetCacheSize(2 << 20)
	require.NoError(t, err)
	assert.Equal(t, CacheValid, check)
	assert.Equal(t, uint64(2<<20), accepted)

	require.NoError(t, l.Start(ctx, ModeNormal))
	assert.Equal(t, int64(1), fake.Removes.Load())

	history := fake.OpenHistory()
	resizeOpen := history[len(history)-2]
	assert.Equal(t, uint64(1<<20), resizeOpen.CacheSize)
	assert.True(t, resizeOpen.Flags.Has(engine.FlagRecoveryOnly))
	assert.Equal(t, uint64(2<<20), history[len(history)-1].CacheSize)
}

func TestSmallLockTableResizesOnlyOnce(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.Locks = 5000 })
	ctx := context.Background()

	require.NoError(t, l.Start(ctx, ModeNormal))
	require.NoError(t, l.Close())
	_, _, err := l.SetCacheSize(2 << 20)
	require.NoError(t, err)

	require.NoError(t, l.Start(ctx, ModeNormal))
	require.NoError(t, l.Close())
	require.Equal(t, int64(1), fake.Removes.Load())

	for i := 0; i < 2; i++ {
		require.NoError(t, l.Start(ctx, ModeNormal))
		require.NoError(t, l.Close())
	}
	assert.Equal(t, int64(1), fake.Removes.Load(), "the raised lock table matches the guardian")

	g, err := InspectGuardian(l.Options().HomeDir)
	require.NoError(t, err)
	require.NotNil(t, g)
	assert.Equal(t, LockMin, g.Locks)
	history := fake.OpenHistory()
	assert.Equal(t, LockMin, history[len(history)-1].Locks)
}

func TestCloseIsIdempotent(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Close())

	require.NoError(t, l.Start(context.Background(), ModeNormal))
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.Equal(t, StateClosed, l.State())
	assert.Equal(t, int64(1), fake.Closes.Load())
}

func TestShutdownTimeoutForcesRecovery(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.ThreadShutdownTimeout = 50 * time.Millisecond })
	ctx := context.Background()
	require.NoError(t, l.Start(ctx, ModeNormal))

	release := make(chan struct{})
	l.tracker().spawn("stuck", func() { <-release })

	err := l.Close()
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Equal(t, StateClosed, l.State())
	assert.False(t, fake.IsOpen())
	_, statErr := os.Stat(guardianPath(l.Options().HomeDir))
	assert.True(t, os.IsNotExist(statErr), "a bad run leaves no guardian")
	close(release)

	require.NoError(t, l.Start(ctx, ModeNormal))
	assert.True(t, l.RecoveryRequired())
}

func TestFailedEngineCloseForcesRecovery(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	ctx := context.Background()
	require.NoError(t, l.Start(ctx, ModeNormal))

	fake.CloseErr = assert.AnError
	assert.ErrorIs(t, l.Close(), assert.AnError)
	fake.CloseErr = nil

	require.NoError(t, l.Start(ctx, ModeNormal))
	assert.True(t, l.RecoveryRequired())
}

func TestOutOfMemoryOpenIsCatastrophic(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	fake.OpenFunc = func(engine.Settings) error { return engine.ErrNoMemory }

	err := l.Start(context.Background(), ModeNormal)
	assert.ErrorIs(t, err, ErrCatastrophic)
	assert.True(t, l.Catastrophic())
	assert.Equal(t, StateClosed, l.State())

	fake.OpenFunc = nil
	assert.ErrorIs(t, l.Start(context.Background(), ModeNormal), ErrCatastrophic)
	_, err = l.NewScope().Begin(nil, 0)
	assert.ErrorIs(t, err, ErrCatastrophic)
}

func TestDirtyStartWithoutDiskSpaceFails(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) {
		o.DiskFree = func(string) (uint64, error) { return 0, nil }
	})
	writeFiles(t, l.Options().HomeDir, "000001.sst", "MANIFEST")

	err := l.Start(context.Background(), ModeNormal)
	assert.ErrorIs(t, err, ErrNoDiskSpace)
	assert.Zero(t, fake.Opens.Load())
	assert.Equal(t, StateClosed, l.State())
}

func TestCleanStartWithLowDiskSpaceWarns(t *testing.T) {
	l, fake, logs := newObservedLayer(t, func(o *Options) {
		o.DiskFree = func(string) (uint64, error) { return 0, nil }
	})

	require.NoError(t, l.Start(context.Background(), ModeNormal))
	assert.Equal(t, int64(1), fake.Opens.Load())
	assert.Equal(t, 1, logs.FilterMessage("disk space is low for the engine regions").Len())
}

func TestNoThreadsModeStartsNoMaintenance(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	assert.Zero(t, l.tracker().running())
	assert.Zero(t, fake.Checkpoints.Load())
	assert.Equal(t, ModeNoThreads, l.Mode())
}

func TestNormalModeStartsMaintenance(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	assert.Eventually(t, func() bool { return fake.ForcedCheckpoints.Load() >= 2 },
		2*time.Second, 10*time.Millisecond, "the checkpoint loop forces two checkpoints on entry")
	assert.Positive(t, l.tracker().running())

	require.NoError(t, l.Close())
	assert.GreaterOrEqual(t, fake.ForcedCheckpoints.Load(), int64(3), "a final checkpoint runs on exit")
}

func TestArchiveModeKeepsNoGuardian(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeArchive))
	_, err := os.Stat(guardianPath(l.Options().HomeDir))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, l.Close())
	_, err = os.Stat(guardianPath(l.Options().HomeDir))
	assert.True(t, os.IsNotExist(err))
}

func TestVersionMarkersWrittenPerInstance(t *testing.T) {
	l, _ := newTestLayer(t, func(o *Options) {
		o.Instances = []Instance{{Name: "userRoot"}}
	})
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	version, err := readVersion(filepath.Join(l.Options().DataDir, "userRoot"))
	require.NoError(t, err)
	assert.Equal(t, VersionString, version)
}

func TestSegmentCount(t *testing.T) {
	assert.Equal(t, 3, segmentCount(1<<40, 3))
	assert.Equal(t, 1, segmentCount(1<<20, 0))
	assert.Equal(t, 2, segmentCount(5<<30, 0))
}

func TestLogBufSizeBelowMinimumIgnored(t *testing.T) {
	l, _, logs := newObservedLayer(t, func(o *Options) { o.LogBufSize = 1024 })
	s := l.buildSettings()
	assert.Zero(t, s.LogBufSize)
	assert.Equal(t, 1, logs.FilterMessage("log buffer size below the minimum is ignored").Len())
}
