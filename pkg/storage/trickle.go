package storage

import (
	"go.uber.org/zap"
)

// trickleLoop writes back a share of the dirty pages on every wake so checkpoints stay short
func (l *Layer) trickleLoop(threads *threadTracker) {
	logger := l.logger.Named("trickle")

	for threads.sleep(SleepInterval) {
		pct := l.runtime.get().TricklePercent
		if !l.opts.Transactions || pct <= 0 {
			continue
		}
		eng, err := l.engine()
		if err != nil {
			continue
		}
		written, err := eng.Trickle(pct)
		if err != nil {
			logger.Error("trickle failed", zap.Int("percent", pct), zap.Error(err))
			continue
		}
		l.perf.tricklePages.Add(int64(written))
		l.perf.trickles.Add(1)
	}
}
