package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/jobs"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// IndexConfigFile holds the engine and instance configuration at backup time
	IndexConfigFile = "dse_index.json"

	// ConfigBackupDir is the backup sub-directory reserved for server configuration
	ConfigBackupDir = "config"

	backupMaxPasses   = 32
	backupCopyWorkers = 4
	copyRetries       = 3
)

// IndexConfig is the configuration snapshot written with every backup and checked on restore
type IndexConfig struct {
	Session   string    `json:"session"`
	CreatedAt time.Time `json:"created_at"`
	Version   string    `json:"version"`
	Engine    string    `json:"engine"`
	CacheSize uint64    `json:"cache_size"`
	NCache    int       `json:"ncache"`
	Locks     int       `json:"locks"`
	PageSize  uint32    `json:"page_size"`
	Instances []string  `json:"instances"`
}

// Backup copies a consistent image of every instance to dest while the server keeps running.
//
// ## Backup Process:
// 1. **Checkpoint** - forced, so recovery from the image replays as little log as possible
// 2. **Held transaction** - kept open until the end so the log cannot be truncated under us
// 3. **Copy loop** - log list A, engine and instance data files, log list B; a pass repeats
// while A is not in B
// 4. **Logs** - the segments of B are copied to the root of dest
// 5. **Markers** - the version file and the index configuration snapshot
//
// ## Directory Layout:
// - `<dest>/*.sst`, `<dest>/MANIFEST`, ... - engine data files
// - `<dest>/<instance>/` - data files kept in a separate instance directory
// - `<dest>/*.vlog`, `<dest>/*.mem` - log segments
// - `<dest>/DBVERSION`, `<dest>/dse_index.json` - markers
//
// Cancelling ctx or closing the layer aborts the backup. The reporter receives one notice per
// copied file; finishing the job is left to the caller.
func (l *Layer) Backup(ctx context.Context, dest string, reporter jobs.Reporter) error {
	if reporter == nil {
		reporter = jobs.Discard
	}
	if !l.backupActive.CompareAndSwap(false, true) {
		return ErrBackupInProgress
	}
	defer l.backupActive.Store(false)

	eng, err := l.engine()
	if err != nil {
		return err
	}

	session := uuid.NewString()
	logger := l.logger.Named("backup").With(zap.String("session", session), zap.String("dest", dest))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.lifecycleContext(), cancel)
	defer stop()

	start := time.Now()
	logger.Info("backup started")
	reporter.Status("Backup %s started", session)

	if err := os.MkdirAll(dest, 0o700); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	if err := l.checkpoint(true); err != nil {
		return fmt.Errorf("failed to checkpoint before backup: %w", err)
	}

	if l.opts.Transactions {
		held, err := eng.Begin(nil, engine.TxnReadOnly)
		if err != nil {
			return fmt.Errorf("failed to begin backup transaction: %w", err)
		}
		defer func() {
			if err := held.Abort(); err != nil {
				logger.Debug("backup transaction abort", zap.Error(err))
			}
		}()
	}

	var counter atomic.Int64
	if err := l.copyImage(ctx, eng, dest, reporter, &counter, logger); err != nil {
		return err
	}

	if err := l.writeBackupMarkers(session, dest); err != nil {
		return err
	}

	l.perf.backups.Add(1)
	logger.Info("backup finished", zap.Int64("files", counter.Load()), zap.Duration("elapsed", time.Since(start)))
	reporter.Status("Backup %s finished: %d files", session, counter.Load())
	return nil
}

// copyImage repeats data-file passes until no log segment vanished during one, then copies
// the segments
func (l *Layer) copyImage(ctx context.Context, eng engine.Engine, dest string, reporter jobs.Reporter, counter *atomic.Int64, logger *zap.Logger) error {
	for pass := 1; pass <= backupMaxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backup aborted: %w", err)
		}

		var before []string
		if l.opts.Transactions {
			var err error
			before, err = eng.LogArchive(engine.ArchiveLogs)
			if err != nil {
				return fmt.Errorf("failed to list log segments: %w", err)
			}
		}

		data, err := eng.LogArchive(engine.ArchiveData)
		if err != nil {
			return fmt.Errorf("failed to list data files: %w", err)
		}
		instances, err := l.instanceFiles(l.currentSettings().DataPath())
		if err != nil {
			return err
		}

		total := len(data) + len(before)
		for _, files := range instances {
			total += len(files)
		}
		reporter.Begin(total)

		err = l.copyFiles(ctx, data, dest, reporter, counter)
		if err == nil {
			err = l.copyInstances(ctx, dest, instances, reporter, counter)
		}
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("data file removed during copy (retrying)", zap.Int("pass", pass), zap.Error(err))
			continue
		}
		if err != nil {
			return err
		}

		if !l.opts.Transactions {
			return nil
		}

		after, err := eng.LogArchive(engine.ArchiveLogs)
		if err != nil {
			return fmt.Errorf("failed to list log segments: %w", err)
		}
		if missing := firstMissing(before, after); missing != "" {
			logger.Warn(fmt.Sprintf("log %s has been swiped out from under me (retrying)", missing))
			reporter.Notice("log %s has been swiped out from under me (retrying)", missing)
			continue
		}

		err = l.copyFiles(ctx, after, dest, reporter, counter)
		if errors.Is(err, fs.ErrNotExist) {
			logger.Warn("log segment removed during copy (retrying)", zap.Int("pass", pass), zap.Error(err))
			continue
		}
		return err
	}
	return fmt.Errorf("backup gave up after %d passes: the log kept changing", backupMaxPasses)
}

func firstMissing(before, after []string) string {
	present := make(map[string]struct{}, len(after))
	for _, p := range after {
		present[p] = struct{}{}
	}
	for _, p := range before {
		if _, ok := present[p]; !ok {
			return filepath.Base(p)
		}
	}
	return ""
}

// instanceFiles lists the data files of every instance by name. An instance living in the
// engine data directory has its files copied with the engine data and gets an empty list.
func (l *Layer) instanceFiles(dataPath string) (map[string][]string, error) {
	files := make(map[string][]string, len(l.opts.Instances))
	for _, inst := range l.opts.Instances {
		if samePath(inst.Dir, dataPath) {
			files[inst.Name] = nil
			continue
		}
		list, err := engine.ListFiles(inst.Dir, engine.IsDataFile)
		if err != nil {
			return nil, err
		}
		files[inst.Name] = list
	}
	return files, nil
}

// copyInstances copies the listed data files of every instance to dest/<instance>
func (l *Layer) copyInstances(ctx context.Context, dest string, files map[string][]string, reporter jobs.Reporter, counter *atomic.Int64) error {
	for _, inst := range l.opts.Instances {
		target := filepath.Join(dest, inst.Name)
		if err := os.MkdirAll(target, 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", target, err)
		}
		if err := l.copyFiles(ctx, files[inst.Name], target, reporter, counter); err != nil {
			return err
		}
	}
	return nil
}

// copyFiles copies files into dir in parallel
func (l *Layer) copyFiles(ctx context.Context, files []string, dir string, reporter jobs.Reporter, counter *atomic.Int64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backupCopyWorkers)

	for _, src := range files {
		g.Go(func() error {
			n := counter.Add(1)
			reporter.Notice("Backing up file %d (%s)", n, src)
			if err := copyFile(gctx, src, filepath.Join(dir, filepath.Base(src))); err != nil {
				return err
			}
			reporter.Inc()
			return nil
		})
	}
	return g.Wait()
}

// copyFile copies src to dst, retrying transient failures. A vanished source or a full disk
// are returned at once.
func copyFile(ctx context.Context, src, dst string) error {
	b := retry.WithMaxRetries(copyRetries, retry.NewExponential(50*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := copyOnce(src, dst)
		if err == nil || errors.Is(err, fs.ErrNotExist) || engine.IsDiskFull(err) {
			return err
		}
		return retry.RetryableError(err)
	})
}

func copyOnce(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("failed to copy %s: %w", src, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("failed to sync %s: %w", dst, err)
	}
	return out.Close()
}

// writeBackupMarkers copies the version file and writes the configuration snapshot
func (l *Layer) writeBackupMarkers(session, dest string) error {
	version := filepath.Join(l.opts.HomeDir, VersionFile)
	if _, err := os.Stat(version); err == nil {
		if err := copyOnce(version, filepath.Join(dest, VersionFile)); err != nil {
			return err
		}
	} else if err := os.WriteFile(filepath.Join(dest, VersionFile), []byte(VersionString+"\n"), 0o600); err != nil {
		return fmt.Errorf("failed to write version marker: %w", err)
	}

	cfg := l.indexConfig(session)
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index configuration: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, IndexConfigFile), data, 0o600); err != nil {
		return fmt.Errorf("failed to write index configuration: %w", err)
	}
	return nil
}

func (l *Layer) indexConfig(session string) IndexConfig {
	s := l.currentSettings()
	cfg := IndexConfig{
		Session:   session,
		CreatedAt: time.Now().UTC(),
		Version:   VersionString,
		CacheSize: s.CacheSize,
		NCache:    s.NCache,
		Locks:     s.Locks,
		PageSize:  s.PageSize,
	}
	if eng, err := l.handle(); err == nil {
		cfg.Engine = eng.Name()
	}
	for _, inst := range l.opts.Instances {
		cfg.Instances = append(cfg.Instances, inst.Name)
	}
	return cfg
}
