package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

const (
	checkpointWake = 10 * SleepInterval
	secondsPerDay  = 86400
)

// checkpointSchedule tracks when the next checkpoint and compaction are due. An interval of
// zero never expires; only a reconfiguration triggers it.
type checkpointSchedule struct {
	interval        time.Duration
	compactInterval time.Duration
	lastCheckpoint  time.Time
	lastCompaction  time.Time
}

func newCheckpointSchedule(t Tunables, now time.Time) *checkpointSchedule {
	return &checkpointSchedule{
		interval:        t.CheckpointInterval,
		compactInterval: t.CompactionInterval,
		lastCheckpoint:  now,
		lastCompaction:  now,
	}
}

// checkpointDue reports whether a checkpoint is due and re-arms the timer when it is
func (s *checkpointSchedule) checkpointDue(interval time.Duration, now time.Time) bool {
	if interval != s.interval {
		s.interval = interval
		s.lastCheckpoint = now
		return true
	}
	if interval <= 0 || now.Sub(s.lastCheckpoint) < interval {
		return false
	}
	s.lastCheckpoint = now
	return true
}

// compactionDue reports whether a compaction should be scheduled. pending is true while a
// scheduled compaction has not run yet.
func (s *checkpointSchedule) compactionDue(interval time.Duration, now time.Time, pending bool) bool {
	if interval != s.compactInterval {
		s.compactInterval = interval
		s.lastCompaction = now
		return interval > 0
	}
	if interval <= 0 || pending || now.Sub(s.lastCompaction) < interval {
		return false
	}
	s.lastCompaction = now
	return true
}

// ParseTimeOfDay parses an "HH:MM" wall-clock time into seconds after midnight
func ParseTimeOfDay(value string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(value), ":")
	if !ok || len(hh) != 2 || len(mm) != 2 {
		return 0, fmt.Errorf("invalid time of day %q: want HH:MM", value)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in time of day %q", value)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in time of day %q", value)
	}
	return h*3600 + m*60, nil
}

// secondsUntil returns the delay from elapsed seconds after midnight to the target time of day
func secondsUntil(elapsed, target int) int {
	switch {
	case target == 0:
		if elapsed == 0 {
			return 0
		}
		return secondsPerDay - elapsed
	case elapsed == 0:
		return target
	case elapsed > target:
		return secondsPerDay - (elapsed - target)
	default:
		return target - elapsed
	}
}

// compactionDelay returns how long to wait for timeOfDay. An invalid value runs at the next
// opportunity.
func compactionDelay(timeOfDay string, now time.Time, logger *zap.Logger) time.Duration {
	target, err := ParseTimeOfDay(timeOfDay)
	if err != nil {
		logger.Warn("invalid compaction time of day, compacting at the next opportunity",
			zap.String("value", timeOfDay), zap.Error(err))
		return 0
	}
	elapsed := now.Hour()*3600 + now.Minute()*60 + now.Second()
	return time.Duration(secondsUntil(elapsed, target)) * time.Second
}

// checkpointLoop forces two checkpoints on entry, then checkpoints, removes obsolete log
// segments and schedules compaction as the intervals expire. A final forced checkpoint runs
// on exit unless the disk filled up.
func (l *Layer) checkpointLoop(threads *threadTracker) {
	logger := l.logger.Named("checkpoint")

	for i := 0; i < 2; i++ {
		if err := l.checkpoint(true); err != nil {
			logger.Warn("initial checkpoint failed", zap.Error(err))
		}
	}

	sched := newCheckpointSchedule(l.runtime.get(), time.Now())

	for threads.sleep(checkpointWake) {
		t := l.runtime.get()
		now := time.Now()

		if sched.checkpointDue(t.CheckpointInterval, now) {
			err := l.checkpoint(false)
			switch {
			case err == nil:
			case errors.Is(err, engine.ErrBusy):
				logger.Debug("checkpoint skipped, engine busy")
			case engine.IsDiskFull(err):
				l.signalDiskFull(err)
				return
			default:
				logger.Error("checkpoint failed", zap.Error(err))
			}

			if !l.archiveObsolete(logger) {
				break
			}
		}

		if sched.compactionDue(t.CompactionInterval, now, l.compactPending.Load()) {
			l.scheduleCompaction(threads, t.CompactionTime, logger)
		}
	}

	if err := l.checkpoint(true); err != nil {
		logger.Warn("final checkpoint failed", zap.Error(err))
	}
}

// Checkpoint records a recovery starting point. Without force, ErrBusy is returned while
// another checkpoint runs.
func (l *Layer) Checkpoint(force bool) error {
	if err := l.checkpoint(force); err != nil {
		return fmt.Errorf("failed to checkpoint: %w", err)
	}
	return nil
}

// checkpoint also runs while the layer is closing, for the final checkpoint of the loop
func (l *Layer) checkpoint(force bool) error {
	eng, err := l.handle()
	if err != nil {
		return err
	}
	if err := eng.Checkpoint(force); err != nil {
		return err
	}
	l.perf.checkpoints.Add(1)
	return nil
}

// archiveObsolete deletes the log segments recovery no longer needs, or renames them to
// <name>.old with archival logging. It returns false when a rename failed.
func (l *Layer) archiveObsolete(logger *zap.Logger) bool {
	eng, err := l.engine()
	if err != nil {
		return true
	}
	files, err := eng.LogArchive(engine.ArchiveObsolete)
	if err != nil {
		logger.Error("failed to list obsolete log segments", zap.Error(err))
		return true
	}

	for _, path := range files {
		if l.opts.CircularLogging {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Warn("failed to remove log segment", zap.String("path", path), zap.Error(err))
			}
			continue
		}
		if err := os.Rename(path, path+".old"); err != nil {
			logger.Error("failed to archive log segment, checkpointing stops",
				zap.String("path", path), zap.Error(err))
			return false
		}
	}
	return true
}

// scheduleCompaction arms one compaction at the next occurrence of timeOfDay
func (l *Layer) scheduleCompaction(threads *threadTracker, timeOfDay string, logger *zap.Logger) {
	delay := compactionDelay(timeOfDay, time.Now(), logger)

	l.compactMu.Lock()
	defer l.compactMu.Unlock()
	if l.compactTimer != nil {
		l.compactTimer.Stop()
	}
	l.compactPending.Store(true)
	l.compactTimer = time.AfterFunc(delay, func() { l.runCompaction(threads, logger) })
	logger.Info("compaction scheduled", zap.Duration("delay", delay), zap.String("time_of_day", timeOfDay))
}

func (l *Layer) runCompaction(threads *threadTracker, logger *zap.Logger) {
	defer l.compactPending.Store(false)
	if !threads.enter() {
		return
	}
	defer threads.exit()

	if err := l.compactSequence(threads.context()); err != nil {
		logger.Error("scheduled compaction failed", zap.Error(err))
	}
}

// cancelCompaction drops a compaction that has not started yet
func (l *Layer) cancelCompaction() {
	l.compactMu.Lock()
	defer l.compactMu.Unlock()
	if l.compactTimer != nil && l.compactTimer.Stop() {
		l.compactPending.Store(false)
	}
	l.compactTimer = nil
}

// Compact checkpoints, compacts the data files and checkpoints again. It is refused while
// the layer runs for a bulk import, export, archive or a command-line tool.
func (l *Layer) Compact(ctx context.Context) error {
	if !l.Mode().runsThreads() {
		return ErrCompactionRefused
	}
	return l.compactSequence(ctx)
}

func (l *Layer) compactSequence(ctx context.Context) error {
	eng, err := l.engine()
	if err != nil {
		return err
	}
	start := time.Now()
	if err := l.checkpoint(true); err != nil {
		return fmt.Errorf("failed to checkpoint before compaction: %w", err)
	}
	if err := eng.Compact(ctx); err != nil {
		return fmt.Errorf("failed to compact: %w", err)
	}
	if err := l.checkpoint(true); err != nil {
		return fmt.Errorf("failed to checkpoint after compaction: %w", err)
	}
	l.compactionsDone.Add(1)
	l.logger.Info("compaction finished", zap.Duration("elapsed", time.Since(start)))
	return nil
}
