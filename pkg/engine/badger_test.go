package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testSettings(t *testing.T) Settings {
	t.Helper()
	home := t.TempDir()
	return Settings{
		HomeDir:     home,
		DataDir:     filepath.Join(home, "db"),
		CacheSize:   1 << 20,
		Locks:       10000,
		TxMax:       4,
		LogBufSize:  1 << 20,
		LockTimeout: 10 * time.Millisecond,
		Durable:     true,
		Flags:       FlagCreate | FlagTxn | FlagLock | FlagThread,
	}
}

func openBadger(t *testing.T, s Settings) *BadgerEngine {
	t.Helper()
	e := newBadgerEngine(zap.NewNop())
	require.NoError(t, e.Open(context.Background(), s))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestBadgerPutCommitGet(t *testing.T) {
	e := openBadger(t, testSettings(t))

	txn, err := e.Begin(nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("uid=alice"), []byte("entry-1"), false))
	assert.ErrorIs(t, txn.Put([]byte("uid=alice"), []byte("entry-2"), true), ErrKeyExists)
	require.NoError(t, txn.Commit())

	stats, err := e.LogStat()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Flushes, "a synchronous commit forces the log")

	read, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)
	defer read.Abort()

	value, err := read.Get([]byte("uid=alice"))
	require.NoError(t, err)
	assert.Equal(t, []byte("entry-1"), value)

	_, err = read.Get([]byte("uid=bob"))
	assert.ErrorIs(t, err, ErrNotFound)

	small := make([]byte, 3)
	n, err := read.GetInto([]byte("uid=alice"), small)
	assert.ErrorIs(t, err, ErrBufferSmall)
	assert.Equal(t, 7, n)

	assert.ErrorIs(t, read.Put([]byte("k"), []byte("v"), false), ErrReadOnly)
}

func TestBadgerNoSyncCommitLeavesFlushToCaller(t *testing.T) {
	e := openBadger(t, testSettings(t))

	txn, err := e.Begin(nil, TxnNoSync)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, txn.Commit())

	stats, err := e.LogStat()
	require.NoError(t, err)
	assert.Zero(t, stats.Flushes)

	require.NoError(t, e.FlushLog())
	stats, _ = e.LogStat()
	assert.Equal(t, int64(1), stats.Flushes)
}

func TestBadgerNestedAbortDoomsParent(t *testing.T) {
	e := openBadger(t, testSettings(t))

	parent, err := e.Begin(nil, 0)
	require.NoError(t, err)
	child, err := e.Begin(parent, 0)
	require.NoError(t, err)
	assert.Equal(t, parent.ID(), child.Parent().ID())

	require.NoError(t, child.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, child.Abort())

	assert.ErrorIs(t, parent.Commit(), ErrDeadlock)

	stats, err := e.TxnStat()
	require.NoError(t, err)
	assert.Zero(t, stats.Active)
	assert.Equal(t, int64(1), stats.Aborts)
}

func TestBadgerNestedCommitFoldsIntoParent(t *testing.T) {
	e := openBadger(t, testSettings(t))

	parent, err := e.Begin(nil, 0)
	require.NoError(t, err)
	child, err := e.Begin(parent, 0)
	require.NoError(t, err)
	require.NoError(t, child.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, child.Commit())
	assert.ErrorIs(t, child.Commit(), errTxnFinished)
	require.NoError(t, parent.Commit())

	read, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)
	defer read.Abort()
	value, err := read.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestBadgerCursorOperations(t *testing.T) {
	e := openBadger(t, testSettings(t))

	txn, err := e.Begin(nil, 0)
	require.NoError(t, err)
	for _, k := range []string{"a", "c", "e"} {
		require.NoError(t, txn.Put([]byte(k), []byte("v-"+k), false))
	}
	require.NoError(t, txn.Commit())

	read, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)
	defer read.Abort()

	cur := read.Cursor()
	defer cur.Close()

	// No positioning flag behaves as an exact match
	key, value, err := cur.Get([]byte("c"), CursorNoFlag)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), key)
	assert.Equal(t, []byte("v-c"), value)

	_, _, err = cur.Get([]byte("b"), CursorNoFlag)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = cur.Get([]byte("b"), CursorSet)
	assert.ErrorIs(t, err, ErrNotFound)

	key, _, err = cur.Get([]byte("b"), CursorSetRange)
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), key)

	key, _, err = cur.Get(nil, CursorNext)
	require.NoError(t, err)
	assert.Equal(t, []byte("e"), key)

	_, _, err = cur.Get(nil, CursorNext)
	assert.ErrorIs(t, err, ErrNotFound)

	key, _, err = cur.Get(nil, CursorFirst)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), key)
}

func TestBadgerFreshCursorNextStartsAtFirstKey(t *testing.T) {
	e := openBadger(t, testSettings(t))

	txn, err := e.Begin(nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("a"), []byte("1"), false))
	require.NoError(t, txn.Put([]byte("b"), []byte("2"), false))
	require.NoError(t, txn.Commit())

	read, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)
	defer read.Abort()
	cur := read.Cursor()
	defer cur.Close()

	key, _, err := cur.Get(nil, CursorNext)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), key)
}

func TestBadgerTxnSlots(t *testing.T) {
	s := testSettings(t)
	s.TxMax = 1
	e := openBadger(t, s)

	first, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)

	_, err = e.Begin(nil, TxnReadOnly)
	assert.ErrorIs(t, err, ErrTxnSlots)

	// Nested transactions do not consume a slot
	child, err := e.Begin(first, TxnReadOnly)
	require.NoError(t, err)
	require.NoError(t, child.Commit())

	require.NoError(t, first.Abort())
	second, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)
	require.NoError(t, second.Abort())
}

func TestBadgerDetectDeadlocksDoomsStalledTxn(t *testing.T) {
	e := openBadger(t, testSettings(t))

	found, err := e.DetectDeadlocks(DeadlockYoungest)
	require.NoError(t, err)
	assert.Zero(t, found)

	txn, err := e.Begin(nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v"), false))

	time.Sleep(30 * time.Millisecond)

	found, err = e.DetectDeadlocks(DeadlockNoRun)
	require.NoError(t, err)
	assert.Zero(t, found, "norun never selects a victim")

	found, err = e.DetectDeadlocks(DeadlockYoungest)
	require.NoError(t, err)
	assert.Equal(t, 1, found)

	assert.ErrorIs(t, txn.Commit(), ErrDeadlock)

	locks, err := e.LockStat()
	require.NoError(t, err)
	assert.Equal(t, int64(1), locks.Deadlocks)
	assert.Zero(t, locks.Current)
	assert.Equal(t, int64(10000), locks.Max)
}

func TestBadgerDetectDeadlocksSkipsReadOnlyTxn(t *testing.T) {
	e := openBadger(t, testSettings(t))

	write, err := e.Begin(nil, 0)
	require.NoError(t, err)
	require.NoError(t, write.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, write.Commit())

	read, err := e.Begin(nil, TxnReadOnly)
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)

	found, err := e.DetectDeadlocks(DeadlockExpire)
	require.NoError(t, err)
	assert.Zero(t, found, "a long read holds no locks")

	value, err := read.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.NoError(t, read.Abort())
}

func TestPickVictim(t *testing.T) {
	now := time.Now()
	old := &badgerTxn{id: 1, started: now.Add(-time.Minute)}
	young := &badgerTxn{id: 2, started: now}
	young.writes.Store(5)
	candidates := []*badgerTxn{old, young}

	assert.Equal(t, uint64(2), pickVictim(DeadlockYoungest, candidates).id)
	assert.Equal(t, uint64(2), pickVictim(DeadlockDefault, candidates).id)
	assert.Equal(t, uint64(1), pickVictim(DeadlockOldest, candidates).id)
	assert.Equal(t, uint64(2), pickVictim(DeadlockMaxWrite, candidates).id)
	assert.Equal(t, uint64(1), pickVictim(DeadlockMinLocks, candidates).id)
	assert.Contains(t, []uint64{1, 2}, pickVictim(DeadlockRandom, candidates).id)
}

func TestBadgerCheckpointBusy(t *testing.T) {
	e := openBadger(t, testSettings(t))

	e.ckptMu.Lock()
	assert.ErrorIs(t, e.Checkpoint(false), ErrBusy)
	e.ckptMu.Unlock()

	require.NoError(t, e.Checkpoint(false))
	require.NoError(t, e.Checkpoint(true))
	assert.Equal(t, int64(2), e.checkpoints.Load())
}

func TestBadgerArchiveLists(t *testing.T) {
	s := testSettings(t)
	e := openBadger(t, s)

	obsolete, err := e.LogArchive(ArchiveObsolete)
	require.NoError(t, err)
	assert.Empty(t, obsolete)

	data, err := e.LogArchive(ArchiveData)
	require.NoError(t, err)
	assert.Contains(t, data, filepath.Join(s.DataDir, "MANIFEST"))

	logs, err := e.LogArchive(ArchiveLogs)
	require.NoError(t, err)
	vlogs := 0
	for _, path := range logs {
		assert.True(t, IsLogFile(filepath.Base(path)), path)
		if IsValueLogFile(filepath.Base(path)) {
			vlogs++
		}
	}
	assert.Positive(t, vlogs, "the open value-log segment is listed")
}

func TestBadgerArchiveDataFollowsSeparateLogDir(t *testing.T) {
	s := testSettings(t)
	s.LogDir = filepath.Join(s.HomeDir, "logs")
	e := openBadger(t, s)

	data, err := e.LogArchive(ArchiveData)
	require.NoError(t, err)
	assert.Contains(t, data, filepath.Join(s.DataDir, "MANIFEST"))
	assert.Contains(t, data, filepath.Join(s.LogDir, DiscardFile))

	assert.Equal(t, s.LogDir, DataFileDir(s, DiscardFile))
	assert.Equal(t, s.DataDir, DataFileDir(s, "000001.sst"))
}

func TestBadgerCloseIsIdempotent(t *testing.T) {
	s := testSettings(t)
	e := newBadgerEngine(zap.NewNop())
	require.NoError(t, e.Open(context.Background(), s))
	assert.Error(t, e.Open(context.Background(), s), "double open is refused")
	assert.Error(t, e.Remove(), "regions of an open engine cannot be removed")

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
	require.NoError(t, e.Remove())

	_, err := e.Begin(nil, 0)
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, e.FlushLog(), ErrNotOpen)
}

func TestReadOnlyEngine(t *testing.T) {
	s := testSettings(t)
	rw := newBadgerEngine(zap.NewNop())
	require.NoError(t, rw.Open(context.Background(), s))
	txn, err := rw.Begin(nil, 0)
	require.NoError(t, err)
	require.NoError(t, txn.Put([]byte("k"), []byte("v"), false))
	require.NoError(t, txn.Commit())
	require.NoError(t, rw.Close())

	ro := NewReadOnlyEngine(zap.NewNop())
	require.NoError(t, ro.Open(context.Background(), s))
	defer ro.Close()

	assert.Equal(t, "badger-readonly", ro.Name())

	txn, err = ro.Begin(nil, 0)
	require.NoError(t, err)
	value, err := txn.Get([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
	assert.ErrorIs(t, txn.Put([]byte("k2"), []byte("v"), false), ErrReadOnly)
	require.NoError(t, txn.Abort())

	assert.NoError(t, ro.Checkpoint(false))
	assert.NoError(t, ro.FlushLog())
	pages, err := ro.Trickle(10)
	assert.NoError(t, err)
	assert.Zero(t, pages)
	found, err := ro.DetectDeadlocks(DeadlockYoungest)
	assert.NoError(t, err)
	assert.Zero(t, found)
	assert.ErrorIs(t, ro.Compact(context.Background()), ErrReadOnly)
}

func TestBadgerOptionsMapping(t *testing.T) {
	e := newBadgerEngine(zap.NewNop())
	s := testSettings(t)
	s.PageSize = 8192
	s.Flags |= FlagRecoveryOnly

	opts := e.getOptions(s)
	assert.Equal(t, s.DataDir, opts.Dir)
	assert.Equal(t, s.DataDir, opts.ValueDir)
	assert.Equal(t, int64(1<<20), opts.BlockCacheSize)
	assert.Equal(t, 8192, opts.BlockSize)
	assert.Equal(t, int64(1<<20), opts.MemTableSize)
	assert.LessOrEqual(t, opts.ValueThreshold, opts.MemTableSize*15/100)
	assert.Zero(t, opts.NumCompactors)
	assert.False(t, opts.SyncWrites)
	assert.True(t, opts.DetectConflicts)

	s.LogBufSize = 1024
	s.LogDir = filepath.Join(s.HomeDir, "logs")
	opts = e.getOptions(s)
	assert.NotEqual(t, int64(1024), opts.MemTableSize, "a log buffer below the minimum is ignored")
	assert.Equal(t, s.LogDir, opts.ValueDir)

	s.LogFileSize = 4 << 20
	opts = e.getOptions(s)
	assert.Equal(t, int64(4<<20), opts.ValueLogFileSize)
	s.LogFileSize = 1024
	opts = e.getOptions(s)
	assert.NotEqual(t, int64(1024), opts.ValueLogFileSize, "a segment below the minimum is ignored")
}

func TestMemPoolStatsFromNilMetrics(t *testing.T) {
	stats := memPoolStatsFrom(nil, 42)
	assert.Equal(t, uint64(42), stats.CacheSize)
	assert.Zero(t, stats.CacheHits)
}
