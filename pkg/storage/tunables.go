package storage

import (
	"fmt"
	"time"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

// Tunables returns the current runtime settings
func (l *Layer) Tunables() Tunables {
	t := l.runtime.get()
	gc := l.groupCommit.stats()
	t.BatchLimit = gc.Limit
	t.BatchMinSleep = gc.MinSleep
	t.BatchMaxSleep = gc.MaxSleep
	return t
}

// SetBatchLimit changes the number of commits flushed together. Zero stops batching right
// away; turning batching back on needs a restart.
func (l *Layer) SetBatchLimit(limit int) {
	l.groupCommit.setLimit(limit)
}

// SetBatchMinSleep changes the maximum age of a batch
func (l *Layer) SetBatchMinSleep(d time.Duration) {
	l.groupCommit.setMinSleep(d)
}

// SetBatchMaxSleep changes the wait slice of the flush thread and of committers
func (l *Layer) SetBatchMaxSleep(d time.Duration) {
	l.groupCommit.setMaxSleep(d)
}

// SetCheckpointInterval changes the checkpoint interval; zero stops periodic checkpoints.
// The checkpoint loop checkpoints once when it sees the change.
func (l *Layer) SetCheckpointInterval(d time.Duration) {
	if d < 0 {
		d = 0
	}
	l.runtime.update(func(t *Tunables) { t.CheckpointInterval = d })
}

// SetCompaction changes the compaction interval and the time of day compaction runs at.
// An interval of zero disables compaction.
func (l *Layer) SetCompaction(interval time.Duration, timeOfDay string) error {
	if interval < 0 {
		return fmt.Errorf("compaction interval must not be negative: %v", interval)
	}
	if timeOfDay != "" {
		if _, err := ParseTimeOfDay(timeOfDay); err != nil {
			return err
		}
	}
	l.runtime.update(func(t *Tunables) {
		t.CompactionInterval = interval
		if timeOfDay != "" {
			t.CompactionTime = timeOfDay
		}
	})
	if interval == 0 {
		l.cancelCompaction()
	}
	return nil
}

// SetDeadlockPolicy changes the victim selection policy
func (l *Layer) SetDeadlockPolicy(policy engine.DeadlockPolicy) {
	l.runtime.update(func(t *Tunables) { t.DeadlockPolicy = policy })
}

// SetTricklePercent changes the share of dirty pages written back per wake. A trickle thread
// that was not started because the value was zero starts at the next start.
func (l *Layer) SetTricklePercent(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("trickle percentage must be within 0-100: %d", percent)
	}
	l.runtime.update(func(t *Tunables) { t.TricklePercent = percent })
	return nil
}

// SetLockMonitoring changes the lock-pressure monitor settings
func (l *Layer) SetLockMonitoring(enabled bool, threshold int, pause time.Duration) error {
	if threshold < 1 || threshold > 100 {
		return fmt.Errorf("lock threshold must be within 1-100: %d", threshold)
	}
	if pause <= 0 {
		return fmt.Errorf("lock monitor pause must be positive: %v", pause)
	}
	l.runtime.update(func(t *Tunables) {
		t.LockMonitoring = enabled
		t.LockThreshold = threshold
		t.LockPause = pause
	})
	if !enabled {
		l.lockThreshold.Store(false)
	}
	l.logger.Debug("lock monitoring updated",
		zap.Bool("enabled", enabled), zap.Int("threshold", threshold), zap.Duration("pause", pause))
	return nil
}
