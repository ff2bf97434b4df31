package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// threadTracker counts the maintenance threads of one run. Every thread registers on entry,
// deregisters on exit and polls the stop flag on each wake.
type threadTracker struct {
	mu       sync.Mutex // Orders enter against requestStop
	count    atomic.Int32
	wg       sync.WaitGroup
	stopping atomic.Bool
	stopOnce sync.Once
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
}

func newThreadTracker(logger *zap.Logger) *threadTracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &threadTracker{
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}
}

// spawn runs fn as a registered thread
func (t *threadTracker) spawn(name string, fn func()) {
	t.count.Add(1)
	t.wg.Add(1)
	go func() {
		defer func() {
			t.count.Add(-1)
			t.wg.Done()
			t.logger.Debug("maintenance thread exited", zap.String("thread", name))
		}()
		fn()
	}()
}

// enter registers a short-lived task; it fails once stop was requested
func (t *threadTracker) enter() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopping.Load() {
		return false
	}
	t.count.Add(1)
	t.wg.Add(1)
	return true
}

func (t *threadTracker) exit() {
	t.count.Add(-1)
	t.wg.Done()
}

func (t *threadTracker) stopRequested() bool {
	return t.stopping.Load()
}

func (t *threadTracker) context() context.Context {
	return t.ctx
}

// running returns the number of registered threads
func (t *threadTracker) running() int {
	return int(t.count.Load())
}

// sleep waits d or until stop; it reports whether the caller should keep running
func (t *threadTracker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stopChan:
		return false
	case <-timer.C:
		return !t.stopping.Load()
	}
}

func (t *threadTracker) requestStop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.stopping.Store(true)
		close(t.stopChan)
		t.cancel()
	})
}

// shutdown sets the stop flag and waits up to timeout for every thread to deregister
func (t *threadTracker) shutdown(timeout time.Duration) error {
	t.requestStop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: %d still running after %v", ErrShutdownTimeout, t.running(), timeout)
	}
}

func (l *Layer) tracker() *threadTracker {
	l.engMu.RLock()
	defer l.engMu.RUnlock()
	return l.threads
}

// startThreads launches the maintenance threads in their fixed order: deadlock, checkpoint,
// log flush, trickle, performance, lock monitor.
func (l *Layer) startThreads(mode Mode) {
	threads := newThreadTracker(l.logger)
	l.engMu.Lock()
	l.threads = threads
	l.engMu.Unlock()

	if !mode.runsThreads() {
		l.logger.Info("maintenance threads disabled", zap.Stringer("mode", mode))
		return
	}

	t := l.runtime.get()

	threads.spawn("deadlock", func() { l.deadlockLoop(threads) })
	threads.spawn("checkpoint", func() { l.checkpointLoop(threads) })

	if l.opts.Durable && l.opts.Transactions && l.groupCommit.limitValue() > 0 {
		l.groupCommit.start(threads, l.flushLog)
	}

	if t.TricklePercent > 0 {
		threads.spawn("trickle", func() { l.trickleLoop(threads) })
	}

	threads.spawn("perf", func() { l.perfLoop(threads) })

	if t.LockMonitoring {
		threads.spawn("lock_monitor", func() { l.lockMonitorLoop(threads) })
	}

	l.logger.Info("maintenance threads started", zap.Int("threads", threads.running()))
}

// stopThreads stops the group-commit flush thread and the maintenance loops. A timeout
// marks the run bad so the next start recovers.
func (l *Layer) stopThreads() error {
	fmt.Print("Stopping group commit...")
	l.groupCommit.stop()
	fmt.Print(" SUCCESS\n")

	l.cancelCompaction()

	threads := l.tracker()
	fmt.Print("Stopping maintenance threads...")
	if err := threads.shutdown(l.opts.ThreadShutdownTimeout); err != nil {
		fmt.Printf(" FAILED (%v)\n", err)
		l.logger.Error("maintenance threads did not stop, next start will run recovery",
			zap.Int("remaining", threads.running()),
			zap.Duration("timeout", l.opts.ThreadShutdownTimeout),
			zap.Error(err),
		)
		l.badRun.Store(true)
		return err
	}
	fmt.Print(" SUCCESS\n")
	return nil
}
