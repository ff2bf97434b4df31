package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

const (
	// MinLogBufSize is the smallest log buffer the engine accepts; smaller values are ignored
	MinLogBufSize = 32768
	// MinLogFileSize and MaxLogFileSize bound the value-log segment size badger accepts
	MinLogFileSize = 1 << 20
	MaxLogFileSize = 2<<30 - 1

	defaultLockTimeout = 30 * time.Second
)

// BadgerEngine implements Engine over BadgerDB
type BadgerEngine struct {
	mu       sync.RWMutex
	db       *badger.DB
	settings Settings
	readOnly bool
	logger   *zap.Logger

	ckptMu         sync.Mutex // Serializes checkpoints; non-forced ones skip when busy
	lastCheckpoint time.Time

	nextID sync.Mutex
	lastID uint64
	active sync.Map // id -> *badgerTxn, outermost transactions only

	// Counters
	activeCount  atomic.Int64
	maxActive    atomic.Int64
	heldLocks    atomic.Int64
	maxLocksUsed atomic.Int64
	lockRequests atomic.Int64
	conflicts    atomic.Int64
	deadlocks    atomic.Int64
	begins       atomic.Int64
	commits      atomic.Int64
	aborts       atomic.Int64
	logWrites    atomic.Int64
	logBytes     atomic.Int64
	logFlushes   atomic.Int64
	checkpoints  atomic.Int64
}

// NewBadgerEngine creates a closed Badger engine
func NewBadgerEngine(logger *zap.Logger) Engine {
	return newBadgerEngine(logger)
}

func newBadgerEngine(logger *zap.Logger) *BadgerEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BadgerEngine{logger: logger.Named("badger")}
}

// Name returns the engine implementation name
func (e *BadgerEngine) Name() string {
	return "badger"
}

// getOptions maps the handle settings onto badger options
func (e *BadgerEngine) getOptions(s Settings) badger.Options {
	options := badger.DefaultOptions(s.DataPath()).
		WithLogger(newBadgerLogger(e.logger, s.Debug)).
		WithSyncWrites(false). // Durability is driven by FlushLog
		WithDetectConflicts(s.Flags.Has(FlagLock)).
		WithNumVersionsToKeep(1)

	if s.LogDir != "" {
		options = options.WithValueDir(s.LogDir)
	}
	if s.CacheSize > 0 {
		options = options.WithBlockCacheSize(int64(s.CacheSize))
	}
	if s.PageSize > 0 {
		options = options.WithBlockSize(int(s.PageSize))
	}
	if s.LogBufSize >= MinLogBufSize {
		memTable := int64(s.LogBufSize)
		options = options.WithMemTableSize(memTable)
		// Transactions are batched in chunks of 15% of the memtable
		if maxThreshold := memTable * 15 / 100; options.ValueThreshold > maxThreshold {
			options = options.WithValueThreshold(maxThreshold)
		}
	}
	if s.LogFileSize >= MinLogFileSize && s.LogFileSize <= MaxLogFileSize {
		options = options.WithValueLogFileSize(s.LogFileSize)
	}
	if s.Flags.Has(FlagRecoveryOnly) {
		// Single-threaded: no compaction workers, one goroutine for streaming
		options = options.WithNumCompactors(0).WithNumGoroutines(1)
	}
	if s.Flags.Has(FlagReadOnly) {
		options = options.WithReadOnly(true)
	}
	return options
}

// Open opens the badger database described by settings
func (e *BadgerEngine) Open(ctx context.Context, s Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db != nil {
		return fmt.Errorf("badger engine already open at %s", e.settings.DataPath())
	}

	if s.Flags.Has(FlagCreate) {
		for _, dir := range []string{s.DataPath(), s.LogPath()} {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}

	db, err := badger.Open(e.getOptions(s))
	if err != nil {
		if errors.Is(err, syscall.ENOMEM) || strings.Contains(err.Error(), "cannot allocate memory") {
			return fmt.Errorf("%w: %v", ErrNoMemory, err)
		}
		return fmt.Errorf("failed to open badger at %s: %w", s.DataPath(), err)
	}

	e.db = db
	e.settings = s
	e.readOnly = s.Flags.Has(FlagReadOnly)
	e.logger.Debug("badger engine opened",
		zap.String("data_dir", s.DataPath()),
		zap.String("log_dir", s.LogPath()),
		zap.Uint64("cache_size", s.CacheSize),
		zap.Bool("recovery_only", s.Flags.Has(FlagRecoveryOnly)),
		zap.Bool("read_only", e.readOnly),
	)
	return nil
}

// Close closes the database. Closing a closed engine is a no-op.
func (e *BadgerEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.db == nil {
		return nil
	}

	// Outstanding transactions cannot commit after close
	e.active.Range(func(key, value any) bool {
		value.(*badgerTxn).doomed.Store(true)
		e.active.Delete(key)
		return true
	})
	e.activeCount.Store(0)
	e.heldLocks.Store(0)

	err := e.db.Close()
	e.db = nil
	if err != nil {
		return fmt.Errorf("failed to close badger: %w", err)
	}
	return nil
}

// Remove deletes the region files of a closed handle
func (e *BadgerEngine) Remove() error {
	e.mu.RLock()
	open := e.db != nil
	settings := e.settings
	e.mu.RUnlock()

	if open {
		return errors.New("cannot remove regions of an open badger engine")
	}

	regions, err := ListFiles(settings.DataPath(), IsRegionFile)
	if err != nil {
		return err
	}
	for _, path := range regions {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove region file %s: %w", path, err)
		}
	}
	return nil
}

func (e *BadgerEngine) handle() (*badger.DB, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.db == nil {
		return nil, ErrNotOpen
	}
	return e.db, nil
}

func (e *BadgerEngine) newID() uint64 {
	e.nextID.Lock()
	defer e.nextID.Unlock()
	e.lastID++
	return e.lastID
}

// Begin starts a transaction. A child shares the native transaction of its parent.
func (e *BadgerEngine) Begin(parent Txn, flags TxnFlags) (Txn, error) {
	db, err := e.handle()
	if err != nil {
		return nil, err
	}

	if e.readOnly {
		flags |= TxnReadOnly
	}

	if parent != nil {
		p, ok := parent.(*badgerTxn)
		if !ok {
			return nil, fmt.Errorf("parent transaction %d does not belong to the badger engine", parent.ID())
		}
		if p.finished() {
			return nil, fmt.Errorf("parent transaction %d already finished", p.id)
		}
		return &badgerTxn{
			eng:     e,
			id:      e.newID(),
			parent:  p,
			native:  p.native,
			flags:   flags | (p.flags & TxnReadOnly),
			started: time.Now(),
		}, nil
	}

	active := e.activeCount.Add(1)
	if max := e.settings.TxMax; max > 0 && active > int64(max) {
		e.activeCount.Add(-1)
		return nil, ErrTxnSlots
	}
	storeMax(&e.maxActive, active)
	storeMax(&e.maxLocksUsed, e.heldLocks.Add(1))
	e.begins.Add(1)

	t := &badgerTxn{
		eng:     e,
		id:      e.newID(),
		native:  db.NewTransaction(flags&TxnReadOnly == 0),
		flags:   flags,
		started: time.Now(),
	}
	e.active.Store(t.id, t)
	return t, nil
}

func (e *BadgerEngine) release(t *badgerTxn) {
	if _, loaded := e.active.LoadAndDelete(t.id); loaded {
		e.activeCount.Add(-1)
		e.heldLocks.Add(-(1 + t.writes.Load()))
	}
}

// FlushLog forces written data to stable storage
func (e *BadgerEngine) FlushLog() error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	if e.readOnly {
		return nil
	}
	if err := db.Sync(); err != nil {
		return fmt.Errorf("failed to sync badger: %w", err)
	}
	e.logFlushes.Add(1)
	return nil
}

// Checkpoint syncs the database and records a recovery point
func (e *BadgerEngine) Checkpoint(force bool) error {
	db, err := e.handle()
	if err != nil {
		return err
	}

	if force {
		e.ckptMu.Lock()
	} else if !e.ckptMu.TryLock() {
		return ErrBusy
	}
	defer e.ckptMu.Unlock()

	if e.readOnly {
		return nil
	}
	if err := db.Sync(); err != nil {
		return fmt.Errorf("checkpoint sync failed: %w", err)
	}
	e.lastCheckpoint = time.Now()
	e.checkpoints.Add(1)
	return nil
}

// LogArchive lists files by kind. Badger reclaims value-log files itself, so the obsolete
// list is always empty.
func (e *BadgerEngine) LogArchive(kind ArchiveKind) ([]string, error) {
	e.mu.RLock()
	settings := e.settings
	e.mu.RUnlock()

	switch kind {
	case ArchiveObsolete:
		return nil, nil
	case ArchiveLogs:
		vlogs, err := ListFiles(settings.LogPath(), IsValueLogFile)
		if err != nil {
			return nil, err
		}
		mems, err := ListFiles(settings.DataPath(), IsRegionFile)
		if err != nil {
			return nil, err
		}
		return append(vlogs, mems...), nil
	case ArchiveData:
		files, err := ListFiles(settings.DataPath(), IsDataFile)
		if err != nil {
			return nil, err
		}
		if settings.LogPath() != settings.DataPath() {
			discard, err := ListFiles(settings.LogPath(), func(name string) bool { return name == DiscardFile })
			if err != nil {
				return nil, err
			}
			files = append(files, discard...)
		}
		return files, nil
	default:
		return nil, fmt.Errorf("unknown archive kind %d", kind)
	}
}

// Trickle has nothing to write back: badger keeps no dirty page pool
func (e *BadgerEngine) Trickle(percent int) (int, error) {
	if _, err := e.handle(); err != nil {
		return 0, err
	}
	if percent < 0 || percent > 100 {
		return 0, fmt.Errorf("trickle percentage %d out of range", percent)
	}
	return 0, nil
}

// LockStat reports open transactions and their pending writes against the lock budget
func (e *BadgerEngine) LockStat() (LockStats, error) {
	if _, err := e.handle(); err != nil {
		return LockStats{}, err
	}
	return LockStats{
		Current:   e.heldLocks.Load(),
		Max:       int64(e.settings.Locks),
		MaxUsed:   e.maxLocksUsed.Load(),
		Requests:  e.lockRequests.Load(),
		Conflicts: e.conflicts.Load(),
		Deadlocks: e.deadlocks.Load(),
	}, nil
}

// DetectDeadlocks dooms a write transaction that has been open longer than the lock
// timeout. Read-only transactions hold no locks and are never picked. The victim is picked
// by policy; DeadlockExpire dooms every stalled transaction.
func (e *BadgerEngine) DetectDeadlocks(policy DeadlockPolicy) (int, error) {
	if _, err := e.handle(); err != nil {
		return 0, err
	}
	if policy == DeadlockNoRun {
		return 0, nil
	}

	timeout := e.settings.LockTimeout
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}

	var stalled []*badgerTxn
	now := time.Now()
	e.active.Range(func(_, value any) bool {
		t := value.(*badgerTxn)
		if t.flags&TxnReadOnly == 0 && !t.doomed.Load() && now.Sub(t.started) > timeout {
			stalled = append(stalled, t)
		}
		return true
	})
	if len(stalled) == 0 {
		return 0, nil
	}

	if policy == DeadlockExpire {
		for _, t := range stalled {
			t.doomed.Store(true)
		}
		e.deadlocks.Add(int64(len(stalled)))
		return len(stalled), nil
	}

	victim := pickVictim(policy, stalled)
	victim.doomed.Store(true)
	e.deadlocks.Add(1)
	e.logger.Debug("deadlock victim selected",
		zap.Uint64("txn", victim.id),
		zap.String("policy", policy.String()),
		zap.Duration("age", now.Sub(victim.started)),
	)
	return 1, nil
}

func pickVictim(policy DeadlockPolicy, candidates []*badgerTxn) *badgerTxn {
	if policy == DeadlockRandom {
		return candidates[rand.IntN(len(candidates))]
	}

	better := func(a, b *badgerTxn) bool {
		switch policy {
		case DeadlockOldest:
			return a.started.Before(b.started)
		case DeadlockMaxLocks, DeadlockMaxWrite:
			return a.writes.Load() > b.writes.Load()
		case DeadlockMinLocks, DeadlockMinWrite:
			return a.writes.Load() < b.writes.Load()
		default: // DeadlockDefault, DeadlockYoungest
			return a.started.After(b.started)
		}
	}

	victim := candidates[0]
	for _, t := range candidates[1:] {
		if better(t, victim) {
			victim = t
		}
	}
	return victim
}

// MemPoolStat reads the block cache metrics
func (e *BadgerEngine) MemPoolStat() (MemPoolStats, error) {
	db, err := e.handle()
	if err != nil {
		return MemPoolStats{}, err
	}
	return memPoolStatsFrom(db.BlockCacheMetrics(), e.settings.CacheSize), nil
}

func memPoolStatsFrom(m *ristretto.Metrics, cacheSize uint64) MemPoolStats {
	// A nil *Metrics reports zero for every counter
	return MemPoolStats{
		CacheSize:    cacheSize,
		CacheHits:    m.Hits(),
		CacheTries:   m.Hits() + m.Misses(),
		PagesIn:      m.Misses(),
		PagesCreated: m.KeysAdded(),
		PagesEvicted: m.KeysEvicted(),
		PagesOut:     m.KeysEvicted(),
	}
}

// TxnStat reports transaction counters
func (e *BadgerEngine) TxnStat() (TxnStats, error) {
	if _, err := e.handle(); err != nil {
		return TxnStats{}, err
	}
	return TxnStats{
		Active:    e.activeCount.Load(),
		MaxActive: e.maxActive.Load(),
		Begins:    e.begins.Load(),
		Commits:   e.commits.Load(),
		Aborts:    e.aborts.Load(),
	}, nil
}

// LogStat reports log counters
func (e *BadgerEngine) LogStat() (LogStats, error) {
	if _, err := e.handle(); err != nil {
		return LogStats{}, err
	}
	return LogStats{
		Writes:  e.logWrites.Load(),
		Flushes: e.logFlushes.Load(),
		Bytes:   e.logBytes.Load(),
	}, nil
}

// Compact flattens the LSM tree and rewrites value-log files until nothing is reclaimed
func (e *BadgerEngine) Compact(ctx context.Context) error {
	db, err := e.handle()
	if err != nil {
		return err
	}
	if e.readOnly {
		return ErrReadOnly
	}

	if err := db.Flatten(2); err != nil {
		return fmt.Errorf("failed to flatten badger: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := db.RunValueLogGC(0.5)
		if err == nil {
			continue
		}
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		return fmt.Errorf("value log gc failed: %w", err)
	}
}

// RegionFiles lists the memory-mapped memtable files
func (e *BadgerEngine) RegionFiles(settings Settings) ([]string, error) {
	return ListFiles(settings.DataPath(), IsRegionFile)
}

func storeMax(v *atomic.Int64, candidate int64) {
	for {
		current := v.Load()
		if candidate <= current || v.CompareAndSwap(current, candidate) {
			return
		}
	}
}

// DataPath returns the data directory, falling back to the home directory
func (s Settings) DataPath() string {
	if s.DataDir != "" {
		return s.DataDir
	}
	return s.HomeDir
}

// LogPath returns the log directory, falling back to the data directory
func (s Settings) LogPath() string {
	if s.LogDir != "" {
		return s.LogDir
	}
	return s.DataPath()
}

// IsLogFile reports whether name is a badger log segment
func IsLogFile(name string) bool {
	return IsValueLogFile(name) || IsRegionFile(name)
}

// DiscardFile holds the value-log discard statistics; badger keeps it next to the value log
const DiscardFile = "DISCARD"

// IsDataFile reports whether name is a badger data file
func IsDataFile(name string) bool {
	switch name {
	case "MANIFEST", "KEYREGISTRY", DiscardFile:
		return true
	}
	return strings.HasSuffix(name, ".sst")
}

// DataFileDir returns the directory the data file name lives in under s
func DataFileDir(s Settings, name string) string {
	if name == DiscardFile {
		return s.LogPath()
	}
	return s.DataPath()
}

// IsValueLogFile reports whether name is a badger value-log segment
func IsValueLogFile(name string) bool {
	return strings.HasSuffix(name, ".vlog")
}

// IsRegionFile reports whether name is a memtable region file
func IsRegionFile(name string) bool {
	return strings.HasSuffix(name, ".mem")
}

// ListFiles returns the sorted absolute paths of the regular files in dir accepted by match.
// A missing directory yields an empty list.
func ListFiles(dir string, match func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var files []string
	for _, entry := range entries {
		if entry.IsDir() || !match(entry.Name()) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, abs)
	}
	sort.Strings(files)
	return files, nil
}
