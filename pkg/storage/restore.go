package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/jobs"

	"go.uber.org/zap"
)

// RestoreOptions select how a restore runs
type RestoreOptions struct {
	// CommandLine restores run without maintenance threads and close the layer when done
	CommandLine bool
}

// Restore replaces the live instances with the backup in src and starts the engine on it.
//
// ## Validation:
// - src must be a directory holding the version marker
// - every sub-directory except the configuration backup must name a live instance
// - an instance cannot be restored from its own directory
// Failed validation returns ErrUnwillingToPerform and leaves the live files untouched.
//
// ## Start Mode:
// - **Version change** - clean recovery, which drops the old log segments afterwards
// - **Log segments in the backup** - fatal recovery replays them
// - **No log segments** - opens without recovery
//
// The engine is closed for the duration. Files ending in .ldif are skipped.
func (l *Layer) Restore(ctx context.Context, src string, opts RestoreOptions, reporter jobs.Reporter) error {
	if reporter == nil {
		reporter = jobs.Discard
	}
	if l.catastrophic.Load() {
		return ErrCatastrophic
	}
	logger := l.logger.Named("restore").With(zap.String("src", src))

	plan, err := l.planRestore(src)
	if err != nil {
		logger.Error("restore refused", zap.Error(err))
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := time.Now()
	reporter.Status("Restoring from %s", src)
	if l.State() == StateOpen {
		if err := l.closeLocked(); err != nil {
			logger.Warn("close before restore reported an error", zap.Error(err))
		}
	}

	settings := l.buildSettings()
	if err := l.clearLiveFiles(settings); err != nil {
		return err
	}
	// The guardian describes regions that no longer match the restored files
	if err := removeGuardian(l.opts.HomeDir); err != nil {
		return fmt.Errorf("failed to remove guardian: %w", err)
	}

	reporter.Begin(plan.fileCount())
	copied := 0
	for _, c := range plan.copies {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore aborted: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(c.dst), 0o700); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(c.dst), err)
		}
		copied++
		reporter.Notice("Restoring file %d (%s)", copied, c.src)
		if err := copyFile(ctx, c.src, c.dst); err != nil {
			return fmt.Errorf("failed to restore %s: %w", c.src, err)
		}
		reporter.Inc()
	}

	mode := ModeRestoreNoRecovery
	switch {
	case plan.version != VersionString:
		logger.Info("backup version differs, running clean recovery",
			zap.String("backup_version", plan.version), zap.String("version", VersionString))
		mode = ModeCleanRecover
	case plan.logs > 0:
		mode = ModeRestore
	}
	if opts.CommandLine {
		mode |= ModeNoThreads
	}

	if err := l.startLocked(ctx, mode); err != nil {
		return fmt.Errorf("failed to start after restore: %w", err)
	}
	l.verifyIndexConfig(src, logger)
	l.perf.restores.Add(1)

	logger.Info("restore finished",
		zap.Stringer("mode", mode),
		zap.Int("files", copied),
		zap.Duration("elapsed", time.Since(start)),
	)
	reporter.Status("Restore finished: %d files", copied)

	if opts.CommandLine {
		return l.closeLocked()
	}
	return nil
}

type restoreCopy struct {
	src string
	dst string
}

type restorePlan struct {
	version string
	copies  []restoreCopy
	logs    int
}

func (p *restorePlan) fileCount() int {
	return len(p.copies)
}

func unwilling(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnwillingToPerform, fmt.Sprintf(format, args...))
}

// planRestore validates src and maps every backup file onto its live location
func (l *Layer) planRestore(src string) (*restorePlan, error) {
	fi, err := os.Stat(src)
	if err != nil {
		return nil, unwilling("backup directory %s: %v", src, err)
	}
	if !fi.IsDir() {
		return nil, unwilling("%s is not a directory", src)
	}
	version, err := readVersion(src)
	if err != nil {
		return nil, unwilling("%s holds no %s", src, VersionFile)
	}

	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, unwilling("cannot read %s: %v", src, err)
	}

	instances := make(map[string]Instance, len(l.opts.Instances))
	for _, inst := range l.opts.Instances {
		instances[inst.Name] = inst
	}

	settings := l.buildSettings()
	plan := &restorePlan{version: version}

	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(src, name)

		if entry.IsDir() {
			if name == ConfigBackupDir {
				continue
			}
			inst, ok := instances[name]
			if !ok {
				return nil, unwilling("backup instance %s does not exist on this server", name)
			}
			if samePath(path, inst.Dir) {
				return nil, unwilling("cannot restore instance %s from its own directory %s", name, inst.Dir)
			}
			files, err := engine.ListFiles(path, func(n string) bool { return !skipOnRestore(n) })
			if err != nil {
				return nil, unwilling("cannot read %s: %v", path, err)
			}
			for _, f := range files {
				plan.copies = append(plan.copies, restoreCopy{src: f, dst: filepath.Join(inst.Dir, filepath.Base(f))})
			}
			continue
		}

		if skipOnRestore(name) || name == VersionFile || name == IndexConfigFile {
			continue
		}

		var dst string
		switch {
		case engine.IsValueLogFile(name):
			dst = filepath.Join(settings.LogPath(), name)
			plan.logs++
		case engine.IsRegionFile(name):
			dst = filepath.Join(settings.DataPath(), name)
			plan.logs++
		case engine.IsDataFile(name):
			dst = filepath.Join(engine.DataFileDir(settings, name), name)
		default:
			dst = filepath.Join(l.opts.HomeDir, name)
		}
		plan.copies = append(plan.copies, restoreCopy{src: path, dst: dst})
	}
	return plan, nil
}

func skipOnRestore(name string) bool {
	return strings.HasSuffix(name, ".ldif")
}

func samePath(a, b string) bool {
	aa, err1 := filepath.Abs(a)
	bb, err2 := filepath.Abs(b)
	if err1 != nil || err2 != nil {
		return filepath.Clean(a) == filepath.Clean(b)
	}
	return aa == bb
}

// clearLiveFiles removes the data files of every instance and the log segments
func (l *Layer) clearLiveFiles(s engine.Settings) error {
	dirs := make(map[string]func(string) bool)
	add := func(dir string, match func(string) bool) {
		if prev, ok := dirs[dir]; ok {
			dirs[dir] = func(n string) bool { return prev(n) || match(n) }
			return
		}
		dirs[dir] = match
	}
	add(s.LogPath(), func(n string) bool { return engine.IsLogFile(n) || n == engine.DiscardFile })
	add(s.DataPath(), func(n string) bool { return engine.IsDataFile(n) || engine.IsRegionFile(n) })
	for _, inst := range l.opts.Instances {
		add(inst.Dir, engine.IsDataFile)
	}

	var errs []error
	for dir, match := range dirs {
		files, err := engine.ListFiles(dir, match)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, f := range files {
			if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
				errs = append(errs, fmt.Errorf("failed to remove %s: %w", f, err))
			}
		}
	}
	return errors.Join(errs...)
}

// verifyIndexConfig compares the configuration snapshot of the backup with the running one
func (l *Layer) verifyIndexConfig(src string, logger *zap.Logger) {
	data, err := os.ReadFile(filepath.Join(src, IndexConfigFile))
	if err != nil {
		logger.Warn("backup has no index configuration snapshot", zap.Error(err))
		return
	}
	var saved IndexConfig
	if err := json.Unmarshal(data, &saved); err != nil {
		logger.Warn("unreadable index configuration snapshot", zap.Error(err))
		return
	}

	live := l.indexConfig("")
	if saved.Engine != "" && saved.Engine != live.Engine {
		logger.Warn("backup was taken with a different engine",
			zap.String("backup", saved.Engine), zap.String("live", live.Engine))
	}
	have := make(map[string]bool, len(live.Instances))
	for _, name := range live.Instances {
		have[name] = true
	}
	for _, name := range saved.Instances {
		if !have[name] {
			logger.Warn("backup instance configuration does not match", zap.String("instance", name))
		}
	}
	if saved.PageSize != live.PageSize {
		logger.Warn("backup page size differs",
			zap.Uint32("backup", saved.PageSize), zap.Uint32("live", live.PageSize))
	}
}
