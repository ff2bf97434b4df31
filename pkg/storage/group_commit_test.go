package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGroupCommitFlushesConcurrentCommitsOnce(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) {
		o.BatchLimit = 3
		o.BatchMinSleep = 5 * time.Second
		o.BatchMaxSleep = 10 * time.Millisecond
	})
	require.NoError(t, l.Start(context.Background(), ModeNormal))
	require.True(t, l.groupCommit.isRunning())

	var began, done sync.WaitGroup
	began.Add(3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			scope := l.NewScope()
			tx, err := scope.Begin(nil, 0)
			began.Done()
			if err != nil {
				errs[i] = err
				return
			}
			// Every transaction is open before the first commit
			began.Wait()
			if err := tx.Put([]byte(fmt.Sprintf("uid=user%d", i)), []byte("entry"), false); err != nil {
				errs[i] = err
				return
			}
			errs[i] = scope.Commit(tx)
		}(i)
	}

	finished := make(chan struct{})
	go func() {
		done.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(3 * time.Second):
		t.Fatal("commits did not return before the batch age expired")
	}

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), fake.Flushes.Load())
	assert.Equal(t, int64(1), l.groupCommit.stats().Flushes)
	for i := 0; i < 3; i++ {
		_, ok := fake.Value(fmt.Sprintf("uid=user%d", i))
		assert.True(t, ok)
	}
}

func TestBatchLimitZeroFlushesEveryCommit(t *testing.T) {
	l, fake := newTestLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))
	assert.False(t, l.groupCommit.isRunning())

	scope := l.NewScope()
	for i := 0; i < 5; i++ {
		tx, err := scope.Begin(nil, 0)
		require.NoError(t, err)
		require.NoError(t, tx.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"), false))
		require.NoError(t, scope.Commit(tx))
	}

	assert.Equal(t, int64(5), fake.Flushes.Load())
	st := l.groupCommit.stats()
	assert.Zero(t, st.Pending)
	assert.Zero(t, st.Flushes)
}

func TestNonDurableCommitDoesNotFlush(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) { o.Durable = false })
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	scope := l.NewScope()
	tx, err := scope.Begin(nil, 0)
	require.NoError(t, err)
	require.NoError(t, tx.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, scope.Commit(tx))

	assert.Zero(t, fake.Flushes.Load())
}

func TestSetBatchLimitZeroReleasesWaiters(t *testing.T) {
	l, fake := newTestLayer(t, func(o *Options) {
		o.BatchLimit = 3
		o.BatchMinSleep = 5 * time.Second
		o.BatchMaxSleep = 10 * time.Millisecond
	})
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	// A second open transaction keeps the batch from filling up
	other := l.NewScope()
	idle, err := other.Begin(nil, 0)
	require.NoError(t, err)

	result := make(chan error, 1)
	go func() {
		scope := l.NewScope()
		tx, err := scope.Begin(nil, 0)
		if err != nil {
			result <- err
			return
		}
		if err := tx.Put([]byte("k"), []byte("v"), false); err != nil {
			result <- err
			return
		}
		result <- scope.Commit(tx)
	}()

	require.Eventually(t, func() bool {
		return l.groupCommit.stats().Pending == 1
	}, 2*time.Second, 5*time.Millisecond)

	l.SetBatchLimit(0)

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released")
	}

	assert.Equal(t, int64(1), fake.Flushes.Load())
	st := l.groupCommit.stats()
	assert.False(t, st.Running)
	assert.Equal(t, FlushRemoteOff, st.Limit)
	require.NoError(t, other.Abort(idle))
}

func TestSetBatchLimitNeedsRestartAfterRuntimeDisable(t *testing.T) {
	l, _, logs := newObservedLayer(t, func(o *Options) {
		o.BatchLimit = 3
		o.BatchMaxSleep = 10 * time.Millisecond
	})
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	l.SetBatchLimit(0)
	l.SetBatchLimit(5)

	assert.Equal(t, 1, logs.FilterMessage("Enabling batch transactions requires a server restart").Len())
	assert.Equal(t, 5, l.Tunables().BatchLimit)
	assert.False(t, l.groupCommit.isRunning())
}

func TestSetBatchLimitOnNeverStartedThread(t *testing.T) {
	l, _, logs := newObservedLayer(t, nil)
	require.NoError(t, l.Start(context.Background(), ModeNormal))

	l.SetBatchLimit(10)
	assert.Equal(t, 1, logs.FilterMessageSnippet("requires a server restart").Len())
	assert.Equal(t, 10, l.Tunables().BatchLimit)
}

func TestBatchLimitClampedToTransactionSlots(t *testing.T) {
	g := newGroupCommit(4, zap.NewNop())
	g.configure(100, 0, 0)
	assert.Equal(t, 4, g.limitValue())
}

func TestSleepSettersWarnWhenBatchingOff(t *testing.T) {
	l, _, logs := newObservedLayer(t, nil)

	l.SetBatchMinSleep(20 * time.Millisecond)
	l.SetBatchMaxSleep(30 * time.Millisecond)

	assert.Equal(t, 2, logs.FilterMessageSnippet("batch transactions is not enabled").Len())
	tun := l.Tunables()
	assert.Equal(t, 20*time.Millisecond, tun.BatchMinSleep)
	assert.Equal(t, 30*time.Millisecond, tun.BatchMaxSleep)
}

func TestTimedWaitReasons(t *testing.T) {
	g := newGroupCommit(4, zap.NewNop())

	g.mu.Lock()
	assert.Equal(t, wakeTimeout, g.timedWait(g.flushDue, 5*time.Millisecond))
	g.mu.Unlock()

	g.mu.Lock()
	go func() {
		g.mu.Lock()
		g.flushDue.Signal()
		g.mu.Unlock()
	}()
	assert.Equal(t, wakeSignalled, g.timedWait(g.flushDue, 5*time.Second))
	g.mu.Unlock()

	g.mu.Lock()
	go func() {
		g.mu.Lock()
		g.stopLocked()
		g.mu.Unlock()
	}()
	assert.Equal(t, wakeStopped, g.timedWait(g.flushDone, 5*time.Second))
	g.mu.Unlock()
}

func TestCommitWithoutRunningThreadFlushesSynchronously(t *testing.T) {
	g := newGroupCommit(4, zap.NewNop())
	flushes := 0
	err := g.commit(7, false, func() error {
		flushes++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, flushes)
}

func TestFailedFlushReachesEveryCommitterOfTheBatch(t *testing.T) {
	errFlush := errors.New("log device gone")
	g := newGroupCommit(8, zap.NewNop())
	g.configure(4, time.Millisecond, time.Millisecond)
	threads := newThreadTracker(zap.NewNop())
	g.start(threads, func() error { return errFlush })

	// Committers re-enqueue as soon as they are released, so freed slots are taken by the
	// next batch while the previous one is still being reported
	var wg sync.WaitGroup
	var nextID atomic.Uint64
	var succeeded atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				counted := g.enter()
				err := g.commit(nextID.Add(1), counted, func() error { return errFlush })
				if !errors.Is(err, errFlush) {
					succeeded.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	g.stop()
	require.NoError(t, threads.shutdown(time.Second))
	assert.Zero(t, succeeded.Load(), "a commit whose flush failed was reported as durable")
	assert.Positive(t, g.flushes.Load())
}
