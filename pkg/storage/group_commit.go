package storage

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	// FlushRemoteOff is the batch limit stored when batching was turned off at runtime
	FlushRemoteOff = -1

	batchOffIdle = 300 * time.Millisecond
)

// wakeReason tells a timed waiter why it woke up
type wakeReason int

const (
	wakeSignalled wakeReason = iota
	wakeTimeout
	wakeStopped
)

func (r wakeReason) String() string {
	switch r {
	case wakeSignalled:
		return "signalled"
	case wakeTimeout:
		return "timeout"
	case wakeStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// flushBatch is the outcome shared by every committer of one batch
type flushBatch struct {
	err  error
	done bool
}

// groupCommit batches the log flushes of concurrent commits. A committer appends its id to
// the pending array and sleeps on flushDone until its batch is flushed; the flush thread
// flushes once the batch is full, every open transaction is waiting, or the oldest entry is
// older than minSleep.
type groupCommit struct {
	mu        sync.Mutex
	flushDue  *sync.Cond
	flushDone *sync.Cond

	pending    []uint64    // Ids waiting for the next flush
	batch      *flushBatch // Outcome of the batch being filled
	count      int         // Entries in pending
	inProgress int      // Open outermost transactions counted while the thread runs
	limit      int
	minSleep   time.Duration
	maxSleep   time.Duration

	running   bool
	stopping  bool
	gen       uint64
	doFlush   bool
	lastFlush time.Time

	flush   func() error
	flushes atomic.Int64
	logger  *zap.Logger
}

func newGroupCommit(maxThreads int, logger *zap.Logger) *groupCommit {
	if maxThreads <= 0 {
		maxThreads = DefaultTxMax
	}
	g := &groupCommit{
		pending:  make([]uint64, maxThreads),
		minSleep: DefaultBatchSleep,
		maxSleep: DefaultBatchSleep,
		logger:   logger,
	}
	g.flushDue = sync.NewCond(&g.mu)
	g.flushDone = sync.NewCond(&g.mu)
	return g
}

// configure stores the startup values without any runtime side effects
func (g *groupCommit) configure(limit int, minSleep, maxSleep time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limit = g.clampLimit(limit)
	if minSleep > 0 {
		g.minSleep = minSleep
	}
	if maxSleep > 0 {
		g.maxSleep = maxSleep
	}
}

func (g *groupCommit) clampLimit(limit int) int {
	if limit > len(g.pending) {
		return len(g.pending)
	}
	return limit
}

func (g *groupCommit) limitValue() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

func (g *groupCommit) isRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// timedWait waits on c for at most d. The caller holds g.mu.
func (g *groupCommit) timedWait(c *sync.Cond, d time.Duration) wakeReason {
	if d <= 0 {
		d = time.Millisecond
	}
	fired := false
	timer := time.AfterFunc(d, func() {
		g.mu.Lock()
		fired = true
		g.mu.Unlock()
		c.Broadcast()
	})
	c.Wait()
	timer.Stop()

	switch {
	case g.stopping:
		return wakeStopped
	case fired:
		return wakeTimeout
	default:
		return wakeSignalled
	}
}

// start launches the flush thread in threads
func (g *groupCommit) start(threads *threadTracker, flush func() error) {
	g.mu.Lock()
	if g.running || g.limit <= 0 {
		g.mu.Unlock()
		return
	}
	g.gen++
	gen := g.gen
	g.flush = flush
	g.running = true
	g.stopping = false
	g.doFlush = false
	g.inProgress = 0
	g.lastFlush = time.Now()
	g.mu.Unlock()

	threads.spawn("log_flush", func() { g.run(gen) })
}

// stop ends the flush thread and releases every waiter. Waiters still holding a slot flush
// the log themselves.
func (g *groupCommit) stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopLocked()
}

func (g *groupCommit) stopLocked() {
	g.running = false
	g.stopping = true
	g.flushDue.Broadcast()
	g.flushDone.Broadcast()
}

func (g *groupCommit) run(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for !g.stopping && g.gen == gen {
		if g.limit <= 0 {
			g.timedWait(g.flushDue, batchOffIdle)
			continue
		}

		if g.count >= g.limit || g.count >= g.inProgress || g.doFlush {
			if g.count > 0 {
				g.flushBatchLocked()
			} else {
				g.lastFlush = time.Now()
			}
			g.doFlush = false
		}

		for g.count == 0 || (g.count < g.limit && g.count < g.inProgress) {
			if g.stopping || g.gen != gen {
				return
			}
			if time.Since(g.lastFlush) > g.minSleep {
				g.doFlush = true
				break
			}
			g.timedWait(g.flushDue, g.maxSleep)
		}
	}
}

// flushBatchLocked flushes the log and completes the pending batch. The caller holds g.mu;
// waiters are woken only after the flush returned.
func (g *groupCommit) flushBatchLocked() {
	err := g.flush()
	if err != nil {
		g.logger.Error("log flush failed", zap.Int("batch", g.count), zap.Error(err))
	}
	g.finishBatchLocked(err)
	g.lastFlush = time.Now()
	g.flushes.Add(1)
}

// finishBatchLocked hands err to every committer of the current batch and opens a new one
func (g *groupCommit) finishBatchLocked(err error) {
	if g.batch != nil {
		g.batch.err = err
		g.batch.done = true
		g.batch = nil
	}
	for i := 0; i < g.count; i++ {
		g.pending[i] = 0
	}
	g.count = 0
	g.flushDone.Broadcast()
}

// enter counts a new outermost transaction while the flush thread runs
func (g *groupCommit) enter() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		return false
	}
	g.inProgress++
	return true
}

// leave uncounts a transaction that ends without waiting for a flush
func (g *groupCommit) leave(counted bool) {
	if !counted {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leaveLocked()
	// The remaining open transactions may all be waiting already
	if g.count > 0 && g.count >= g.inProgress {
		g.flushDue.Signal()
	}
}

func (g *groupCommit) leaveLocked() {
	if g.inProgress > 0 {
		g.inProgress--
	}
}

// commit returns once the log holding the already committed transaction id is flushed.
// Without a running flush thread the log is flushed synchronously.
func (g *groupCommit) commit(id uint64, counted bool, syncFlush func() error) error {
	g.mu.Lock()
	if !g.running {
		if counted {
			g.leaveLocked()
		}
		g.mu.Unlock()
		return syncFlush()
	}

	for g.count >= len(g.pending) {
		g.flushDue.Signal()
		g.timedWait(g.flushDone, g.maxSleep)
		if !g.running {
			if counted {
				g.leaveLocked()
			}
			g.mu.Unlock()
			return syncFlush()
		}
	}

	if g.batch == nil {
		g.batch = &flushBatch{}
	}
	batch := g.batch
	g.pending[g.count] = id
	g.count++
	if g.count >= g.limit || g.count >= g.inProgress {
		g.flushDue.Signal()
	}

	for !batch.done {
		if !g.running {
			// The flush thread is gone; flush the batch ourselves
			g.finishBatchLocked(syncFlush())
			break
		}
		g.timedWait(g.flushDone, g.maxSleep)
	}

	err := batch.err
	if counted {
		g.leaveLocked()
	}
	g.mu.Unlock()
	return err
}

// setLimit applies a runtime batch limit change
func (g *groupCommit) setLimit(limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if limit <= 0 {
		if g.running {
			g.limit = FlushRemoteOff
			g.stopLocked()
			g.logger.Info("batch transactions disabled")
			return
		}
		g.limit = 0
		return
	}

	switch {
	case g.limit == FlushRemoteOff:
		g.logger.Warn("Enabling batch transactions requires a server restart")
	case !g.running:
		g.logger.Warn("Batch transactions was previously disabled, enabling batch transactions requires a server restart")
	}
	g.limit = g.clampLimit(limit)
}

func (g *groupCommit) setMinSleep(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		g.logger.Warn("batch transactions is not enabled, min sleep stored for the next start")
	}
	if d > 0 {
		g.minSleep = d
	}
}

func (g *groupCommit) setMaxSleep(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.running {
		g.logger.Warn("batch transactions is not enabled, max sleep stored for the next start")
	}
	if d > 0 {
		g.maxSleep = d
	}
}

type groupCommitStats struct {
	Limit      int
	Pending    int
	InProgress int
	Running    bool
	Flushes    int64
	MinSleep   time.Duration
	MaxSleep   time.Duration
}

func (g *groupCommit) stats() groupCommitStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return groupCommitStats{
		Limit:      g.limit,
		Pending:    g.count,
		InProgress: g.inProgress,
		Running:    g.running,
		Flushes:    g.flushes.Load(),
		MinSleep:   g.minSleep,
		MaxSleep:   g.maxSleep,
	}
}
