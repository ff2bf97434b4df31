package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const perfWake = time.Second

// perfCounters are the counters the control plane maintains itself. Engine statistics are
// merged in when a snapshot is refreshed.
type perfCounters struct {
	txnBegins       atomic.Int64
	txnCommits      atomic.Int64
	txnAborts       atomic.Int64
	logFlushes      atomic.Int64
	checkpoints     atomic.Int64
	trickles        atomic.Int64
	tricklePages    atomic.Int64
	deadlockRejects atomic.Int64
	backups         atomic.Int64
	restores        atomic.Int64

	mu       sync.Mutex
	last     MonitorSnapshot
	lastTime time.Time
}

func newPerfCounters() *perfCounters {
	return &perfCounters{}
}

// perfLoop refreshes the exported snapshot once a second
func (l *Layer) perfLoop(threads *threadTracker) {
	for threads.sleep(perfWake) {
		l.RefreshPerf()
	}
}

// RefreshPerf samples every counter now, computes per-second rates against the previous
// sample and stores the result as the current snapshot
func (l *Layer) RefreshPerf() MonitorSnapshot {
	snap := l.collect()

	p := l.perf
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastTime.IsZero() {
		secs := snap.Timestamp.Sub(p.lastTime).Seconds()
		if secs > 0 {
			snap.Rates = Rates{
				CommitsPerSec:      rate(float64(snap.Txn.Commits), float64(p.last.Txn.Commits), secs),
				AbortsPerSec:       rate(float64(snap.Txn.Aborts), float64(p.last.Txn.Aborts), secs),
				LogFlushesPerSec:   rate(float64(snap.Log.Flushes), float64(p.last.Log.Flushes), secs),
				PagesInPerSec:      rate(float64(snap.Cache.PagesIn), float64(p.last.Cache.PagesIn), secs),
				PagesOutPerSec:     rate(float64(snap.Cache.PagesOut), float64(p.last.Cache.PagesOut), secs),
				TricklePagesPerSec: rate(float64(snap.Maintenance.TricklePages), float64(p.last.Maintenance.TricklePages), secs),
			}
		}
	}
	p.last = snap
	p.lastTime = snap.Timestamp
	return snap
}

// Monitor returns the snapshot of the last refresh, refreshing first when none was taken
func (l *Layer) Monitor() MonitorSnapshot {
	p := l.perf
	p.mu.Lock()
	taken := !p.lastTime.IsZero()
	snap := p.last
	p.mu.Unlock()

	if !taken {
		return l.RefreshPerf()
	}
	return snap
}

func (l *Layer) collect() MonitorSnapshot {
	p := l.perf
	gc := l.groupCommit.stats()

	snap := MonitorSnapshot{
		Timestamp: time.Now(),
		State:     l.State().String(),
		Mode:      l.Mode().String(),
		Txn: TxnSnapshot{
			Begins:  p.txnBegins.Load(),
			Commits: p.txnCommits.Load(),
			Aborts:  p.txnAborts.Load(),
		},
		Log: LogSnapshot{
			Flushes: p.logFlushes.Load(),
		},
		GroupCommit: GroupCommitSnapshot{
			Running:    gc.Running,
			Limit:      gc.Limit,
			Pending:    gc.Pending,
			InProgress: gc.InProgress,
			Flushes:    gc.Flushes,
			MinSleep:   gc.MinSleep.String(),
			MaxSleep:   gc.MaxSleep.String(),
		},
		Maintenance: MaintenanceSnapshot{
			Threads:         l.tracker().running(),
			Checkpoints:     p.checkpoints.Load(),
			Trickles:        p.trickles.Load(),
			TricklePages:    p.tricklePages.Load(),
			DeadlockRejects: p.deadlockRejects.Load(),
			Compactions:     l.compactionsDone.Load(),
			CompactPending:  l.compactPending.Load(),
			Backups:         p.backups.Load(),
			Restores:        p.restores.Load(),
		},
		LockThresholdReached: l.lockThreshold.Load(),
		OutOfDiskSpace:       l.outOfSpace.Load(),
		RecoveryRequired:     l.recoveryRequired.Load(),
	}

	eng, err := l.engine()
	if err != nil {
		return snap
	}
	snap.Engine = eng.Name()

	if st, err := eng.MemPoolStat(); err == nil {
		snap.Cache = CacheSnapshot{
			Size:         st.CacheSize,
			Hits:         st.CacheHits,
			Tries:        st.CacheTries,
			PagesIn:      st.PagesIn,
			PagesOut:     st.PagesOut,
			PagesCreated: st.PagesCreated,
			PagesEvicted: st.PagesEvicted,
			DirtyPages:   st.DirtyPages,
		}
		if st.CacheTries > 0 {
			snap.Cache.HitRatio = float64(st.CacheHits) / float64(st.CacheTries)
		}
	} else {
		l.logger.Debug("mempool statistics unavailable", zap.Error(err))
	}

	if st, err := eng.LockStat(); err == nil {
		snap.Locks = LockSnapshot{
			Current:     st.Current,
			Max:         st.Max,
			MaxUsed:     st.MaxUsed,
			Requests:    st.Requests,
			Conflicts:   st.Conflicts,
			Deadlocks:   st.Deadlocks,
			Timeouts:    st.Timeouts,
			Utilization: lockUtilization(st.Current, st.Max),
		}
	}

	if st, err := eng.LogStat(); err == nil {
		snap.Log.Writes = st.Writes
		snap.Log.Bytes = st.Bytes
		snap.Log.RegionWaits = st.RegionWaits
		snap.Log.EngineFlushes = st.Flushes
	}

	if st, err := eng.TxnStat(); err == nil {
		snap.Txn.Active = st.Active
		snap.Txn.MaxActive = st.MaxActive
	}
	return snap
}

// rate returns the per-second change; a counter that went backwards was reset by a reopen
func rate(cur, prev, secs float64) float64 {
	if cur < prev {
		return 0
	}
	return (cur - prev) / secs
}
