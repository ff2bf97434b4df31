// Package engine defines the capability interface the storage control plane drives, and the
// engines that implement it.
package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// OpenFlags select how a handle is opened
type OpenFlags uint32

const (
	FlagCreate       OpenFlags = 1 << iota // Create missing files
	FlagRecover                            // Run normal recovery before opening
	FlagRecoverFatal                       // Run catastrophic recovery (restore from backup)
	FlagPrivate                            // Regions live in process memory
	FlagSystemMem                          // Regions live in named system memory
	FlagThread                             // Handle is shared by many goroutines
	FlagTxn                                // Transactions enabled
	FlagLock                               // Locking enabled
	FlagReadOnly                           // Open read-only
	FlagRecoveryOnly                       // Single-threaded recovery open, closed right after
)

// Has reports whether all bits of f2 are set
func (f OpenFlags) Has(f2 OpenFlags) bool {
	return f&f2 == f2
}

// TxnFlags modify a single transaction
type TxnFlags uint32

const (
	TxnReadOnly TxnFlags = 1 << iota // No writes allowed
	TxnNoSync                        // Commit does not force the log; the caller flushes
)

// ArchiveKind selects which file list LogArchive returns
type ArchiveKind int

const (
	ArchiveObsolete ArchiveKind = iota // Log segments no longer needed for recovery
	ArchiveLogs                        // Every log segment currently present
	ArchiveData                        // Data files
)

// DeadlockPolicy is the tie-break rule used to pick a victim
type DeadlockPolicy int

const (
	DeadlockNoRun DeadlockPolicy = iota
	DeadlockDefault
	DeadlockExpire
	DeadlockMaxLocks
	DeadlockMaxWrite
	DeadlockMinLocks
	DeadlockMinWrite
	DeadlockOldest
	DeadlockRandom
	DeadlockYoungest
)

func (p DeadlockPolicy) String() string {
	switch p {
	case DeadlockNoRun:
		return "norun"
	case DeadlockDefault:
		return "default"
	case DeadlockExpire:
		return "expire"
	case DeadlockMaxLocks:
		return "maxlocks"
	case DeadlockMaxWrite:
		return "maxwrite"
	case DeadlockMinLocks:
		return "minlocks"
	case DeadlockMinWrite:
		return "minwrite"
	case DeadlockOldest:
		return "oldest"
	case DeadlockRandom:
		return "random"
	case DeadlockYoungest:
		return "youngest"
	default:
		return "unknown"
	}
}

// ParseDeadlockPolicy returns the policy named name, as printed by String
func ParseDeadlockPolicy(name string) (DeadlockPolicy, error) {
	for p := DeadlockNoRun; p <= DeadlockYoungest; p++ {
		if p.String() == name {
			return p, nil
		}
	}
	return DeadlockNoRun, fmt.Errorf("unknown deadlock policy %q", name)
}

// CursorOp selects how a cursor positions itself
type CursorOp int

const (
	// CursorNoFlag is the zero value. It is handled as an exact match, the same as CursorSet.
	CursorNoFlag CursorOp = iota
	CursorSet
	CursorSetRange
	CursorFirst
	CursorNext
)

// Settings carry every tunable the handle is created with. They are fixed for the lifetime
// of an open handle.
type Settings struct {
	HomeDir string // Environment home (guardian, version marker)
	DataDir string // Data files; defaults to HomeDir
	LogDir  string // Log segments; defaults to DataDir

	CacheSize   uint64        // Total cache size in bytes
	NCache      int           // Number of cache segments
	Locks       int           // Lock table size
	TxMax       int           // Maximum concurrently open transactions
	LogBufSize  uint32        // Log buffer size in bytes, 0 = engine default
	LogFileSize int64         // Value-log segment size in bytes, 0 = engine default
	PageSize    uint32        // Page size in bytes, 0 = engine default
	ShmKey      int64         // Shared memory key for system-memory regions
	LockTimeout time.Duration // Age after which a transaction is a deadlock candidate

	Durable bool      // Commits must reach stable storage
	Flags   OpenFlags // Open flags
	Debug   bool      // Verbose engine logging
}

// LockStats report the lock subsystem
type LockStats struct {
	Current   int64 // Locks currently held
	Max       int64 // Configured lock budget
	MaxUsed   int64 // Highest number of locks held at once
	Requests  int64
	Conflicts int64
	Deadlocks int64
	Timeouts  int64
}

// MemPoolStats report the buffer pool
type MemPoolStats struct {
	CacheSize    uint64
	CacheHits    uint64
	CacheTries   uint64
	PagesIn      uint64
	PagesOut     uint64
	PagesCreated uint64
	PagesEvicted uint64
	DirtyPages   uint64
}

// LogStats report the log writer
type LogStats struct {
	Writes      int64 // Records written
	Flushes     int64 // Forced flushes
	Bytes       int64 // Bytes written
	RegionWaits int64 // Waits on the log region mutex
}

// TxnStats report the transaction subsystem
type TxnStats struct {
	Active    int64
	MaxActive int64
	Begins    int64
	Commits   int64
	Aborts    int64
}

// Cursor walks the keys of a transaction
type Cursor interface {
	Get(key []byte, op CursorOp) ([]byte, []byte, error)
	Close()
}

// Txn is a native transaction. A Txn is used by one goroutine at a time.
type Txn interface {
	ID() uint64
	Parent() Txn
	Get(key []byte) ([]byte, error)
	// GetInto copies the value into buf and returns its length; ErrBufferSmall when buf is short
	GetInto(key []byte, buf []byte) (int, error)
	Put(key, value []byte, noOverwrite bool) error
	Delete(key []byte) error
	Cursor() Cursor
	Commit() error
	Abort() error
}

// Engine is the set of primitives the control plane consumes
type Engine interface {
	Name() string
	Open(ctx context.Context, settings Settings) error
	Close() error
	// Remove discards the backing regions of a closed handle
	Remove() error
	Begin(parent Txn, flags TxnFlags) (Txn, error)
	FlushLog() error
	Checkpoint(force bool) error
	LogArchive(kind ArchiveKind) ([]string, error)
	Trickle(percent int) (int, error)
	LockStat() (LockStats, error)
	DetectDeadlocks(policy DeadlockPolicy) (int, error)
	MemPoolStat() (MemPoolStats, error)
	TxnStat() (TxnStats, error)
	LogStat() (LogStats, error)
	Compact(ctx context.Context) error
	// RegionFiles lists the region files that exist for settings; the handle may be closed
	RegionFiles(settings Settings) ([]string, error)
}

// Factory builds a fresh engine. The handle manager calls it whenever a handle is recreated.
type Factory func(logger *zap.Logger) Engine
