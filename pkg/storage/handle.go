package storage

import (
	"context"
	"fmt"
	"math"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

const (
	// MinLogBufSize is the smallest log buffer the engine accepts
	MinLogBufSize = 32768

	segmentSize = 4 << 30
)

// baseFlags returns the open flags every handle of this layer shares
func (l *Layer) baseFlags() engine.OpenFlags {
	flags := engine.FlagCreate | engine.FlagThread
	if l.opts.PrivateMem {
		flags |= engine.FlagPrivate
	}
	if l.opts.SystemMem {
		flags |= engine.FlagSystemMem
	}
	if l.opts.Transactions {
		flags |= engine.FlagTxn
	}
	if l.opts.Locking {
		flags |= engine.FlagLock
	}
	return flags
}

// buildSettings derives the handle settings from the options and the runtime cache size
func (l *Layer) buildSettings() engine.Settings {
	cache := l.runtime.get().CacheSize
	s := engine.Settings{
		HomeDir:     l.opts.HomeDir,
		DataDir:     l.opts.DataDir,
		LogDir:      l.opts.LogDir,
		CacheSize:   cache,
		NCache:      segmentCount(cache, l.opts.NCache),
		Locks:       l.opts.Locks,
		TxMax:       l.opts.TxMax,
		LogBufSize:  l.opts.LogBufSize,
		LogFileSize: l.opts.LogFileSize,
		PageSize:    l.opts.PageSize,
		ShmKey:      l.opts.ShmKey,
		LockTimeout: l.opts.LockTimeout,
		Durable:     l.opts.Durable,
		Flags:       l.baseFlags(),
		Debug:       l.opts.Debug,
	}

	if s.Locks < LockMin {
		l.logger.Debug("raising lock table to the minimum", zap.Int("requested", s.Locks), zap.Int("minimum", LockMin))
		s.Locks = LockMin
	}
	if s.LogBufSize > 0 && s.LogBufSize < MinLogBufSize {
		l.logger.Warn("log buffer size below the minimum is ignored",
			zap.Uint32("requested", s.LogBufSize),
			zap.Int("minimum", MinLogBufSize),
		)
		s.LogBufSize = 0
	}
	return s
}

// segmentCount returns the number of cache segments. An explicit count wins; a cache over
// 4 GiB on a 64-bit build is split in 4 GiB segments.
func segmentCount(cache uint64, configured int) int {
	if configured > 0 {
		return configured
	}
	if math.MaxInt > math.MaxInt32 && cache > segmentSize {
		return int(cache/segmentSize) + 1
	}
	return 1
}

// needsResize reports whether the handle sizing changed since the last clean close
func needsResize(prev *Guardian, s engine.Settings) bool {
	if prev == nil {
		return false
	}
	return prev.CacheSize != s.CacheSize || prev.NCache != s.NCache || prev.Locks != s.Locks
}

// resize tears down the regions built with the previous sizing so the next open creates them
// with next. The old handle is opened recovery-only with its own sizing, closed, and removed.
// It returns the settings to open with.
func (l *Layer) resize(ctx context.Context, prev *Guardian, next engine.Settings) (engine.Settings, error) {
	if l.State() == StateOpen {
		return next, ErrHandleOpen
	}

	l.structMu.Lock()
	defer l.structMu.Unlock()

	l.logger.Info("engine sizing changed, recreating the handle",
		zap.Uint64("old_cache", prev.CacheSize),
		zap.Uint64("new_cache", next.CacheSize),
		zap.Int("old_ncache", prev.NCache),
		zap.Int("new_ncache", next.NCache),
		zap.Int("old_locks", prev.Locks),
		zap.Int("new_locks", next.Locks),
	)

	old := next
	old.CacheSize = prev.CacheSize
	old.NCache = prev.NCache
	old.Locks = prev.Locks
	old.Flags |= engine.FlagRecoveryOnly

	eng := l.opts.EngineFactory(l.logger.Named("engine"))
	if err := eng.Open(ctx, old); err != nil {
		return next, fmt.Errorf("failed to open handle with previous sizing: %w", err)
	}
	if err := eng.Close(); err != nil {
		return next, fmt.Errorf("failed to close handle with previous sizing: %w", err)
	}
	if err := eng.Remove(); err != nil {
		return next, fmt.Errorf("failed to remove handle regions: %w", err)
	}
	return next, nil
}
