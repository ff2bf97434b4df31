package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

// Layer owns the process-wide engine handle and everything that runs around it
type Layer struct {
	opts    Options
	logger  *zap.Logger
	runtime *EngineRuntimeState

	mu       sync.Mutex   // Serializes Start, Close and Restore
	structMu sync.RWMutex // Read: outermost transactions. Write: structural changes.

	engMu    sync.RWMutex
	eng      engine.Engine
	settings engine.Settings
	mode     Mode
	state    atomic.Int32

	catastrophic     atomic.Bool
	badRun           atomic.Bool // Forces recovery on the next start
	recoveryRequired atomic.Bool
	outOfSpace       atomic.Bool
	lockThreshold    atomic.Bool
	backupActive     atomic.Bool

	threads     *threadTracker
	groupCommit *groupCommit
	perf        *perfCounters

	compactMu       sync.Mutex
	compactTimer    *time.Timer
	compactPending  atomic.Bool
	compactionsDone atomic.Int64
}

// New creates a closed layer. Nothing touches the disk until Start.
func New(opts Options, logger *zap.Logger) (*Layer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.normalize(); err != nil {
		return nil, fmt.Errorf("invalid storage options: %w", err)
	}

	l := &Layer{
		opts:    opts,
		logger:  logger.Named("storage"),
		runtime: newRuntimeState(opts),
		perf:    newPerfCounters(),
	}
	l.groupCommit = newGroupCommit(opts.TxMax, l.logger.Named("group_commit"))
	l.groupCommit.configure(opts.BatchLimit, opts.BatchMinSleep, opts.BatchMaxSleep)
	l.threads = newThreadTracker(l.logger)
	return l, nil
}

// State returns the lifecycle state
func (l *Layer) State() State {
	return State(l.state.Load())
}

func (l *Layer) setState(s State) {
	prev := State(l.state.Swap(int32(s)))
	if prev != s {
		l.logger.Debug("state transition", zap.Stringer("from", prev), zap.Stringer("to", s))
	}
}

// RecoveryRequired reports the clean/dirty decision of the last Start
func (l *Layer) RecoveryRequired() bool {
	return l.recoveryRequired.Load()
}

// OutOfDiskSpace reports whether a disk-full error was signalled
func (l *Layer) OutOfDiskSpace() bool {
	return l.outOfSpace.Load()
}

// LockThresholdReached reports whether lock utilization is at or above the threshold
func (l *Layer) LockThresholdReached() bool {
	return l.lockThreshold.Load()
}

// Catastrophic reports whether the layer was poisoned by an out-of-memory open
func (l *Layer) Catastrophic() bool {
	return l.catastrophic.Load()
}

// Mode returns the mode of the current or last run
func (l *Layer) Mode() Mode {
	l.engMu.RLock()
	defer l.engMu.RUnlock()
	return l.mode
}

// Options returns a copy of the options the layer was built with
func (l *Layer) Options() Options {
	return l.opts
}

// engine returns the open engine
func (l *Layer) engine() (engine.Engine, error) {
	if l.catastrophic.Load() {
		return nil, ErrCatastrophic
	}
	l.engMu.RLock()
	defer l.engMu.RUnlock()
	if l.eng == nil || State(l.state.Load()) != StateOpen {
		return nil, ErrNotOpen
	}
	return l.eng, nil
}

// handle returns the engine while it is open or closing
func (l *Layer) handle() (engine.Engine, error) {
	if l.catastrophic.Load() {
		return nil, ErrCatastrophic
	}
	l.engMu.RLock()
	defer l.engMu.RUnlock()
	if l.eng == nil {
		return nil, ErrNotOpen
	}
	return l.eng, nil
}

func (l *Layer) setEngine(eng engine.Engine, s engine.Settings, mode Mode) {
	l.engMu.Lock()
	defer l.engMu.Unlock()
	l.eng = eng
	l.settings = s
	l.mode = mode
}

func (l *Layer) currentSettings() engine.Settings {
	l.engMu.RLock()
	defer l.engMu.RUnlock()
	return l.settings
}

// signalDiskFull raises the server-wide out-of-space signal
func (l *Layer) signalDiskFull(err error) {
	first := l.outOfSpace.CompareAndSwap(false, true)
	if first {
		l.logger.Error("disk full, the server must be stopped and disk space freed", zap.Error(err))
	}
	if l.opts.OnDiskFull != nil {
		l.opts.OnDiskFull(err)
	}
}

// lifecycleContext is cancelled when maintenance threads are told to stop
func (l *Layer) lifecycleContext() context.Context {
	return l.tracker().context()
}
