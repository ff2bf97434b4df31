package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

const (
	// VersionFile is the version marker kept at the home root and in every instance
	VersionFile = "DBVERSION"

	// VersionString identifies the on-disk layout written by this backend
	VersionString = "directory-backend/4"
)

// Start opens the engine in mode, running recovery first when the last run did not end
// cleanly.
//
// ## Startup Decision:
// - **Clean** - a non-empty guardian was found; the engine opens without recovery
// - **Dirty** - no guardian while data files exist, or the previous run was marked bad
// - **Restore** - a restore always recovers; ModeRestore runs fatal recovery
// - **Restore without recovery** - forced clean
//
// ## Startup Sequence:
// 1. **Guardian** - read and deleted; the decision is exposed by RecoveryRequired
// 2. **Disk check** - a dirty start without room for the regions fails with ErrNoDiskSpace
// 3. **Resize** - sizing that differs from the guardian recreates the regions
// 4. **Recovery** - a single-threaded recovery-only open, then close
// 5. **Open** - the normal open; the guardian is written right away
// 6. **Threads** - maintenance threads start unless the mode excludes them
//
// An out-of-memory open poisons the layer: every later call returns ErrCatastrophic.
func (l *Layer) Start(ctx context.Context, mode Mode) error {
	if l.catastrophic.Load() {
		return ErrCatastrophic
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.startLocked(ctx, mode)
}

func (l *Layer) startLocked(ctx context.Context, mode Mode) error {
	switch l.State() {
	case StateOpen, StateClosing:
		return ErrAlreadyOpen
	}

	start := time.Now()
	home := l.opts.HomeDir
	if err := os.MkdirAll(home, 0o700); err != nil {
		return l.startFailure(fmt.Errorf("failed to create home directory %s: %w", home, err))
	}

	settings := l.buildSettings()

	prev, err := readGuardian(home, l.logger)
	if err != nil {
		return l.startFailure(err)
	}
	dataFiles, err := engine.ListFiles(settings.DataPath(), engine.IsDataFile)
	if err != nil {
		return l.startFailure(err)
	}

	dirty := l.badRun.Load() || (prev == nil && len(dataFiles) > 0)
	if mode.Has(ModeRestoreNoRecovery) {
		dirty = false
	}
	l.recoveryRequired.Store(dirty)
	if dirty {
		l.setState(StateDirty)
	} else {
		l.setState(StateClean)
	}
	l.logger.Info("starting storage layer",
		zap.Stringer("mode", mode),
		zap.Bool("recovery_required", dirty),
		zap.Bool("guardian", prev != nil),
		zap.Int("data_files", len(dataFiles)),
	)

	if err := l.preOpenDiskCheck(settings, dirty); err != nil {
		return l.startFailure(err)
	}

	if !mode.Has(ModeArchive|ModeExport) && needsResize(prev, settings) {
		settings, err = l.resize(ctx, prev, settings)
		if err != nil {
			return l.startFailure(err)
		}
	}

	eng := l.opts.EngineFactory(l.logger.Named("engine"))

	if dirty || mode.Has(ModeRestore|ModeCleanRecover) {
		fmt.Print("Running recovery...")
		if err := l.recover(ctx, eng, settings, mode); err != nil {
			fmt.Printf(" FAILED (%v)\n", err)
			return l.startFailure(l.openFailure(err))
		}
		fmt.Print(" SUCCESS\n")
	}

	if err := eng.Open(ctx, settings); err != nil {
		return l.startFailure(l.openFailure(err))
	}

	l.setEngine(eng, settings, mode)
	l.badRun.Store(false)

	if mode.keepsGuardian() {
		if err := writeGuardian(home, guardianFor(settings)); err != nil {
			l.logger.Error("failed to write guardian", zap.Error(err))
		}
	}
	if err := l.writeVersionMarkers(); err != nil {
		l.logger.Warn("failed to write version markers", zap.Error(err))
	}

	l.setState(StateOpen)
	l.startThreads(mode)

	l.logger.Info("storage layer open",
		zap.String("engine", eng.Name()),
		zap.Uint64("cache_size", settings.CacheSize),
		zap.Int("ncache", settings.NCache),
		zap.Int("locks", settings.Locks),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

func (l *Layer) startFailure(err error) error {
	l.setState(StateClosed)
	return err
}

// preOpenDiskCheck verifies there is room for the regions. The check is skipped when the
// regions live in memory and the data files sit in their own directory.
func (l *Layer) preOpenDiskCheck(s engine.Settings, dirty bool) error {
	if l.opts.SkipDiskCheck {
		return nil
	}
	if (l.opts.PrivateMem || l.opts.SystemMem) && filepath.Clean(s.DataPath()) != filepath.Clean(s.HomeDir) {
		return nil
	}

	probe := l.opts.EngineFactory(l.logger.Named("engine"))
	regions, err := probe.RegionFiles(s)
	if err != nil {
		l.logger.Warn("failed to list region files for the disk check", zap.Error(err))
	}

	res, err := CheckDiskSpace(s.DataPath(), s.CacheSize, regions, l.opts.DiskFree)
	if err != nil {
		l.logger.Warn("disk space check failed", zap.Error(err))
		return nil
	}
	if res.Sufficient {
		return nil
	}

	fields := []zap.Field{
		zap.String("dir", s.DataPath()),
		zap.Uint64("required", res.Required),
		zap.Uint64("available", res.Available),
	}
	if dirty {
		l.logger.Error("not enough disk space to run recovery", fields...)
		return fmt.Errorf("%w: %d bytes required in %s, %d available",
			ErrNoDiskSpace, res.Required, s.DataPath(), res.Available)
	}
	l.logger.Warn("disk space is low for the engine regions", fields...)
	return nil
}

// recover opens the handle single-threaded with recovery flags and closes it again
func (l *Layer) recover(ctx context.Context, eng engine.Engine, s engine.Settings, mode Mode) error {
	rs := s
	rs.Flags |= engine.FlagRecover | engine.FlagRecoveryOnly
	if mode.Has(ModeRestore) {
		rs.Flags |= engine.FlagRecoverFatal
	}

	l.logger.Info("running recovery", zap.Bool("fatal", rs.Flags.Has(engine.FlagRecoverFatal)))
	if err := eng.Open(ctx, rs); err != nil {
		return fmt.Errorf("failed to run recovery: %w", err)
	}

	var obsolete []string
	if mode.Has(ModeCleanRecover) {
		var err error
		obsolete, err = eng.LogArchive(engine.ArchiveObsolete)
		if err != nil {
			l.logger.Warn("failed to list obsolete log segments", zap.Error(err))
		}
	}

	if err := eng.Close(); err != nil {
		return fmt.Errorf("failed to close after recovery: %w", err)
	}

	for _, path := range obsolete {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			l.logger.Warn("failed to remove log segment after recovery", zap.String("path", path), zap.Error(err))
		}
	}
	if len(obsolete) > 0 {
		l.logger.Info("removed log segments after recovery", zap.Int("count", len(obsolete)))
	}
	return nil
}

// openFailure poisons the layer on an out-of-memory open and adds remediation hints to the rest
func (l *Layer) openFailure(err error) error {
	if errors.Is(err, engine.ErrNoMemory) {
		l.catastrophic.Store(true)
		l.logger.Error("engine could not allocate its regions, the storage layer is unusable until restart",
			zap.Uint64("cache_size", l.runtime.get().CacheSize),
			zap.Error(err),
		)
		return fmt.Errorf("%w: %v", ErrCatastrophic, err)
	}

	hints := []string{"check the available disk space in " + l.opts.DataDir}
	if errors.Is(err, os.ErrPermission) {
		hints = append(hints, "check that the server user owns "+l.opts.HomeDir)
	}
	l.logger.Error("failed to open engine", zap.Strings("hints", hints), zap.Error(err))
	return fmt.Errorf("failed to open engine: %w", err)
}

// writeVersionMarkers writes the version file at the home root and in every instance where
// it is missing
func (l *Layer) writeVersionMarkers() error {
	dirs := []string{l.opts.HomeDir}
	for _, inst := range l.opts.Instances {
		dirs = append(dirs, inst.Dir)
	}

	var errs []error
	for _, dir := range dirs {
		path := filepath.Join(dir, VersionFile)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.WriteFile(path, []byte(VersionString+"\n"), 0o600); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// readVersion returns the version recorded in dir
func readVersion(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, VersionFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
