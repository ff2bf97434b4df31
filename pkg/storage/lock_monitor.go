package storage

import (
	"go.uber.org/zap"
)

// lockUtilization returns current locks as a percentage of max
func lockUtilization(current, max int64) int64 {
	if max <= 0 {
		return 0
	}
	return current * 100 / max
}

// lockMonitorLoop raises the lock threshold flag while lock utilization is at or above the
// configured percentage. The flag is polled by the health checks.
func (l *Layer) lockMonitorLoop(threads *threadTracker) {
	logger := l.logger.Named("lock_monitor")

	for threads.sleep(l.runtime.get().LockPause) {
		t := l.runtime.get()
		if !t.LockMonitoring {
			l.lockThreshold.Store(false)
			continue
		}
		l.sampleLocks(t.LockThreshold, logger)
	}
}

func (l *Layer) sampleLocks(threshold int, logger *zap.Logger) {
	eng, err := l.engine()
	if err != nil {
		return
	}
	st, err := eng.LockStat()
	if err != nil {
		logger.Error("lock statistics unavailable", zap.Error(err))
		return
	}

	util := lockUtilization(st.Current, st.Max)
	reached := util >= int64(threshold)
	if prev := l.lockThreshold.Swap(reached); prev != reached {
		if reached {
			logger.Warn("lock utilization reached the threshold",
				zap.Int64("utilization", util), zap.Int("threshold", threshold),
				zap.Int64("current", st.Current), zap.Int64("max", st.Max))
		} else {
			logger.Info("lock utilization back below the threshold",
				zap.Int64("utilization", util), zap.Int("threshold", threshold))
		}
	}
}
