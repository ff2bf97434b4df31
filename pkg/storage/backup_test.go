package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/engine/enginetest"
	"directory-backend/pkg/jobs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backupLayer returns an open layer with one instance holding two data files and one log
// segment in the home directory
func backupLayer(t *testing.T, mutate func(o *Options)) (*Layer, *enginetest.Engine) {
	t.Helper()
	l, fake := newTestLayer(t, func(o *Options) {
		o.Instances = []Instance{{Name: "userRoot"}}
		if mutate != nil {
			mutate(o)
		}
	})
	opts := l.Options()
	writeFiles(t, opts.Instances[0].Dir, "000001.sst", "MANIFEST")
	writeFiles(t, opts.HomeDir, "000001.vlog")
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))
	return l, fake
}

func TestBackupLayout(t *testing.T) {
	l, fake := backupLayer(t, nil)
	dest := filepath.Join(t.TempDir(), "bak")

	require.NoError(t, l.Backup(context.Background(), dest, nil))

	assert.FileExists(t, filepath.Join(dest, "userRoot", "000001.sst"))
	assert.FileExists(t, filepath.Join(dest, "userRoot", "MANIFEST"))
	assert.NoFileExists(t, filepath.Join(dest, "userRoot", VersionFile))
	assert.FileExists(t, filepath.Join(dest, "000001.vlog"))

	version, err := readVersion(dest)
	require.NoError(t, err)
	assert.Equal(t, VersionString, version)

	data, err := os.ReadFile(filepath.Join(dest, IndexConfigFile))
	require.NoError(t, err)
	var cfg IndexConfig
	require.NoError(t, json.Unmarshal(data, &cfg))
	assert.Equal(t, "fake", cfg.Engine)
	assert.Equal(t, []string{"userRoot"}, cfg.Instances)
	assert.Equal(t, uint64(1<<20), cfg.CacheSize)
	assert.NotEmpty(t, cfg.Session)

	copied, err := os.ReadFile(filepath.Join(dest, "userRoot", "000001.sst"))
	require.NoError(t, err)
	assert.Equal(t, "contents of 000001.sst", string(copied))

	assert.Equal(t, int64(1), fake.ForcedCheckpoints.Load(), "a backup starts with a forced checkpoint")
	assert.Zero(t, fake.ActiveTxns(), "the held transaction ends with the backup")
	assert.Equal(t, int64(1), l.Monitor().Maintenance.Backups)
}

// recordingReporter keeps the progress calls of a job
type recordingReporter struct {
	mu     sync.Mutex
	begins []int
	steps  int
}

func (r *recordingReporter) Begin(total int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.begins = append(r.begins, total)
}

func (r *recordingReporter) Inc() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps++
}

func (r *recordingReporter) Notice(string, ...any) {}
func (r *recordingReporter) Status(string, ...any) {}
func (r *recordingReporter) Finish(error)          {}
func (r *recordingReporter) Cancel(int)            {}

func TestBackupCopiesEngineDataFilesToRoot(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	home := l.Options().HomeDir
	require.Equal(t, home, l.Options().Instances[0].Dir, "the default instance lives in the data directory")
	writeFiles(t, home, "000001.sst", "MANIFEST", "KEYREGISTRY", "000001.vlog")
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	dest := filepath.Join(t.TempDir(), "bak")
	reporter := &recordingReporter{}
	require.NoError(t, l.Backup(context.Background(), dest, reporter))

	for _, name := range []string{"000001.sst", "MANIFEST", "KEYREGISTRY", "000001.vlog"} {
		assert.FileExists(t, filepath.Join(dest, name))
	}
	assert.DirExists(t, filepath.Join(dest, DefaultInstance))
	assert.NoFileExists(t, filepath.Join(dest, DefaultInstance, "000001.sst"), "data files are copied once")

	assert.Equal(t, []int{4}, reporter.begins)
	assert.Equal(t, 4, reporter.steps)
}

func TestBackupBeginsProgressOncePerPass(t *testing.T) {
	l, _ := backupLayer(t, nil)
	reporter := &recordingReporter{}

	require.NoError(t, l.Backup(context.Background(), t.TempDir(), reporter))
	assert.Equal(t, []int{3}, reporter.begins, "two instance files and one log segment")
	assert.Equal(t, 3, reporter.steps)
}

func TestBackupRetriesWhenLogSwiped(t *testing.T) {
	l, fake, logs := newObservedLayer(t, func(o *Options) { o.Instances = []Instance{{Name: "userRoot"}} })
	opts := l.Options()
	writeFiles(t, opts.Instances[0].Dir, "000001.sst")
	writeFiles(t, opts.HomeDir, "000002.vlog")

	swiped := filepath.Join(opts.HomeDir, "000001.vlog")
	kept := filepath.Join(opts.HomeDir, "000002.vlog")
	fake.LogArchiveFunc = func(kind engine.ArchiveKind, call int) ([]string, error) {
		if kind != engine.ArchiveLogs {
			return nil, nil
		}
		if call == 1 {
			return []string{swiped, kept}, nil
		}
		return []string{kept}, nil
	}
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	tracker, err := jobs.NewTracker(0, nil)
	require.NoError(t, err)
	_, job := tracker.Start(context.Background(), "backup")

	dest := t.TempDir()
	require.NoError(t, l.Backup(context.Background(), dest, job))

	assert.Equal(t, 1, logs.FilterMessage("log 000001.vlog has been swiped out from under me (retrying)").Len())
	assert.Contains(t, job.Snapshot().Notices, "log 000001.vlog has been swiped out from under me (retrying)")
	assert.FileExists(t, filepath.Join(dest, "000002.vlog"))
	assert.NoFileExists(t, filepath.Join(dest, "000001.vlog"))
	assert.FileExists(t, filepath.Join(dest, "userRoot", "000001.sst"))
}

func TestBackupGivesUpWhenLogKeepsChanging(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	fake.LogArchiveFunc = func(kind engine.ArchiveKind, call int) ([]string, error) {
		// Every listing names a segment the next one no longer has
		return []string{filepath.Join(l.Options().HomeDir, "seg"+string(rune('a'+call%26))+".vlog")}, nil
	}
	require.NoError(t, l.Start(context.Background(), ModeNoThreads))

	err := l.Backup(context.Background(), t.TempDir(), nil)
	assert.ErrorContains(t, err, "gave up")
}

func TestBackupWithoutTransactionsCopiesDataOnly(t *testing.T) {
	l, _ := backupLayer(t, func(o *Options) { o.Transactions = false })
	dest := t.TempDir()

	require.NoError(t, l.Backup(context.Background(), dest, nil))
	assert.FileExists(t, filepath.Join(dest, "userRoot", "000001.sst"))
	assert.NoFileExists(t, filepath.Join(dest, "000001.vlog"))
}

func TestBackupRefusedWhileAnotherRuns(t *testing.T) {
	l, _ := backupLayer(t, nil)
	l.backupActive.Store(true)

	assert.ErrorIs(t, l.Backup(context.Background(), t.TempDir(), nil), ErrBackupInProgress)
}

func TestBackupRequiresOpenLayer(t *testing.T) {
	l, _ := newTestLayer(t, nil)
	assert.ErrorIs(t, l.Backup(context.Background(), t.TempDir(), nil), ErrNotOpen)
	assert.False(t, l.backupActive.Load())
}

func TestBackupHonoursCancellation(t *testing.T) {
	l, _ := backupLayer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Backup(ctx, t.TempDir(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFirstMissing(t *testing.T) {
	assert.Empty(t, firstMissing([]string{"/a/1.vlog"}, []string{"/a/1.vlog", "/a/2.vlog"}))
	assert.Equal(t, "1.vlog", firstMissing([]string{"/a/1.vlog", "/a/2.vlog"}, []string{"/a/2.vlog"}))
	assert.Empty(t, firstMissing(nil, nil))
}

func TestCopyFileMissingSource(t *testing.T) {
	dir := t.TempDir()
	err := copyFile(context.Background(), filepath.Join(dir, "absent"), filepath.Join(dir, "dst"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
