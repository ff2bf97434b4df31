package storage

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Close stops the maintenance threads, closes the engine and, when the run ended cleanly,
// writes the guardian so the next start skips recovery. Closing a closed layer is a no-op.
//
// ## Shutdown Sequence:
// 1. **State** - Closing; new transactions fail with ErrNotOpen
// 2. **Group commit** - the flush thread stops, waiting committers flush on their own
// 3. **Maintenance** - loops get the stop signal, the wait is bounded by ThreadShutdownTimeout
// 4. **Engine** - the handle is closed and released even when close fails
// 5. **Guardian** - written only after a clean run in a mode that keeps it
//
// A thread shutdown timeout or a failed engine close marks the run bad, so the guardian is
// removed and the next start recovers.
func (l *Layer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked()
}

func (l *Layer) closeLocked() error {
	switch l.State() {
	case StateClosed:
		return nil
	case StateOpen:
	default:
		// Clean or dirty without an open handle: a failed start left nothing to close
		l.setState(StateClosed)
		return nil
	}

	start := time.Now()
	l.setState(StateClosing)

	threadErr := l.stopThreads()

	l.engMu.Lock()
	eng, settings, mode := l.eng, l.settings, l.mode
	l.eng = nil
	l.engMu.Unlock()

	fmt.Print("Closing database...")
	closeErr := eng.Close()
	if closeErr != nil {
		fmt.Printf(" FAILED (%v)\n", closeErr)
		l.logger.Error("engine close failed, next start will run recovery", zap.Error(closeErr))
		l.badRun.Store(true)
	} else {
		fmt.Print(" SUCCESS\n")
	}

	if mode.keepsGuardian() {
		if l.badRun.Load() {
			// The guardian written at open would claim a clean shutdown
			if err := removeGuardian(l.opts.HomeDir); err != nil {
				l.logger.Error("failed to remove guardian after a bad run", zap.Error(err))
			}
		} else if err := writeGuardian(l.opts.HomeDir, guardianFor(settings)); err != nil {
			l.logger.Error("failed to write guardian", zap.Error(err))
		}
	}

	l.setState(StateClosed)
	l.logger.Info("storage layer closed",
		zap.Stringer("mode", mode),
		zap.Bool("bad_run", l.badRun.Load()),
		zap.Duration("elapsed", time.Since(start)),
	)

	if closeErr != nil {
		return fmt.Errorf("failed to close engine: %w", closeErr)
	}
	return threadErr
}
