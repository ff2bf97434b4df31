package storage

import (
	"time"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

const deadlockWake = 100 * time.Millisecond

// deadlockLoop runs victim selection with the configured policy
func (l *Layer) deadlockLoop(threads *threadTracker) {
	logger := l.logger.Named("deadlock")

	for threads.sleep(deadlockWake) {
		policy := l.runtime.get().DeadlockPolicy
		if !l.opts.Locking || policy == engine.DeadlockNoRun {
			continue
		}
		eng, err := l.engine()
		if err != nil {
			continue
		}
		rejected, err := eng.DetectDeadlocks(policy)
		if err != nil {
			logger.Error("deadlock detection failed", zap.Stringer("policy", policy), zap.Error(err))
			continue
		}
		if rejected > 0 {
			l.perf.deadlockRejects.Add(int64(rejected))
			logger.Debug("rejected lock requests", zap.Int("rejected", rejected), zap.Stringer("policy", policy))
		}
	}
}
