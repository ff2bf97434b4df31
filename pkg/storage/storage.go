// Package storage is the control plane that turns an embedded transactional key-value engine
// into a multi-threaded directory backend: handle lifecycle, transactions with group commit,
// background maintenance, crash recovery, hot backup and restore, and sizing checks.
package storage

import (
	"context"
	"errors"
	"time"

	"directory-backend/pkg/engine"
	"directory-backend/pkg/jobs"
)

var (
	// ErrCatastrophic is returned by every operation once the engine failed to allocate its regions
	ErrCatastrophic = errors.New("storage layer is unusable until restart: engine out of memory")

	// ErrNotOpen is returned when an operation needs an open engine
	ErrNotOpen = errors.New("storage layer not open")

	// ErrAlreadyOpen is returned by Start on an open layer
	ErrAlreadyOpen = errors.New("storage layer already open")

	// ErrHandleOpen is returned when a structural change is requested on an open handle
	ErrHandleOpen = errors.New("engine handle is open")

	// ErrTxnFinished is returned when a transaction already reached commit or abort
	ErrTxnFinished = errors.New("transaction already finished")

	// ErrNoTransaction is returned when commit or abort finds no current transaction
	ErrNoTransaction = errors.New("no current transaction")

	// ErrTxnNotCurrent is returned when committing a transaction that has open children
	ErrTxnNotCurrent = errors.New("transaction is not the innermost open transaction")

	// ErrShutdownTimeout is returned when maintenance threads did not stop in time
	ErrShutdownTimeout = errors.New("maintenance threads shutdown timeout exceeded")

	// ErrNoDiskSpace is returned when the pre-open disk check fails on a dirty start
	ErrNoDiskSpace = errors.New("not enough disk space")

	// ErrUnwillingToPerform is returned when a restore source is unusable
	ErrUnwillingToPerform = errors.New("unwilling to perform")

	// ErrBackupInProgress is returned when a backup is requested while one runs
	ErrBackupInProgress = errors.New("backup already in progress")

	// ErrCompactionRefused is returned when compaction is requested in a mode without maintenance
	ErrCompactionRefused = errors.New("compaction is not available in bulk or command-line modes")
)

// Mode selects how the layer is started. Modes combine as a bit set.
type Mode uint32

const (
	ModeNormal            Mode = 0
	ModeImport            Mode = 1 << iota // Bulk import: no maintenance threads
	ModeExport                             // Bulk export: no threads, no resize, no guardian
	ModeArchive                            // Backup tool: no threads, no resize, no guardian
	ModeRestore                            // Restore with fatal recovery
	ModeRestoreNoRecovery                  // Restore without recovery
	ModeCleanRecover                       // Recover, then remove leftover log segments
	ModeNoThreads                          // Command-line tool: no maintenance threads
)

// Has reports whether any bit of m2 is set in m
func (m Mode) Has(m2 Mode) bool {
	return m&m2 != 0
}

// runsThreads reports whether maintenance threads belong to this mode
func (m Mode) runsThreads() bool {
	return !m.Has(ModeImport | ModeExport | ModeArchive | ModeNoThreads)
}

// keepsGuardian reports whether the guardian file is maintained in this mode
func (m Mode) keepsGuardian() bool {
	return !m.Has(ModeExport | ModeArchive)
}

func (m Mode) String() string {
	if m == ModeNormal {
		return "normal"
	}
	names := []struct {
		mode Mode
		name string
	}{
		{ModeImport, "import"},
		{ModeExport, "export"},
		{ModeArchive, "archive"},
		{ModeRestore, "restore"},
		{ModeRestoreNoRecovery, "restore-norecovery"},
		{ModeCleanRecover, "clean-recover"},
		{ModeNoThreads, "nothreads"},
	}
	out := ""
	for _, n := range names {
		if m.Has(n.mode) {
			if out != "" {
				out += "|"
			}
			out += n.name
		}
	}
	return out
}

// State of the layer lifecycle
type State int32

const (
	StateClosed State = iota
	StateClean
	StateDirty
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// Backend is the surface the server and the command line drive
type Backend interface {
	Start(ctx context.Context, mode Mode) error
	Close() error
	State() State
	RecoveryRequired() bool

	RunInTxn(ctx context.Context, fn func(tx *Txn) error) error
	NewScope() *Scope

	Checkpoint(force bool) error
	Compact(ctx context.Context) error
	Backup(ctx context.Context, dest string, reporter jobs.Reporter) error
	Restore(ctx context.Context, src string, opts RestoreOptions, reporter jobs.Reporter) error

	Monitor() MonitorSnapshot
	RefreshPerf() MonitorSnapshot
	Health() HealthReport
	LockThresholdReached() bool
	OutOfDiskSpace() bool

	SetBatchLimit(limit int)
	SetBatchMinSleep(d time.Duration)
	SetBatchMaxSleep(d time.Duration)
	SetCheckpointInterval(d time.Duration)
	SetCompaction(interval time.Duration, timeOfDay string) error
	SetDeadlockPolicy(policy engine.DeadlockPolicy)
	SetTricklePercent(percent int) error
	SetLockMonitoring(enabled bool, threshold int, pause time.Duration) error
	SetCacheSize(size uint64) (CacheCheck, uint64, error)
	Tunables() Tunables
}

var _ Backend = (*Layer)(nil)
