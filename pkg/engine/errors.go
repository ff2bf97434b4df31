package engine

import (
	"errors"
	"syscall"
)

var (
	// ErrKeyExists is returned by a no-overwrite put on an existing key
	ErrKeyExists = errors.New("key already exists")

	// ErrNotFound is returned when a key or cursor position does not exist
	ErrNotFound = errors.New("key not found")

	// ErrBufferSmall is returned when a caller supplied buffer cannot hold the value
	ErrBufferSmall = errors.New("buffer too small")

	// ErrRunRecovery is returned when the engine detected that recovery must run
	ErrRunRecovery = errors.New("engine needs recovery")

	// ErrDeadlock is returned to the victim of deadlock detection or a write conflict
	ErrDeadlock = errors.New("deadlock: transaction must be retried")

	// ErrBusy is returned by a non-forced checkpoint while another one runs
	ErrBusy = errors.New("engine busy")

	// ErrNoMemory is returned when the engine cannot allocate its regions
	ErrNoMemory = errors.New("engine out of memory")

	// ErrReadOnly is returned for writes against a read-only engine
	ErrReadOnly = errors.New("engine is read-only")

	// ErrNotOpen is returned when a primitive is used on a closed handle
	ErrNotOpen = errors.New("engine not open")

	// ErrTxnSlots is returned when every transaction slot is in use
	ErrTxnSlots = errors.New("no free transaction slots")
)

// IsDiskFull reports whether err is a disk-full class error
func IsDiskFull(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) || errors.Is(err, syscall.EFBIG)
}
