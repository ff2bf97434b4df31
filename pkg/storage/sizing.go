package storage

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// MinCacheSize is the smallest cache a non-zero request is raised to
const MinCacheSize = 500000

// ErrMemInfo is returned when the memory of the host cannot be determined
var ErrMemInfo = errors.New("memory information unavailable")

// CacheCheck is the verdict on a cache size request
type CacheCheck int

const (
	CacheValid   CacheCheck = iota
	CacheReduced            // The request exceeded available memory and was lowered
	CacheError              // Memory information was unavailable
)

func (c CacheCheck) String() string {
	switch c {
	case CacheValid:
		return "valid"
	case CacheReduced:
		return "reduced"
	case CacheError:
		return "error"
	default:
		return "unknown"
	}
}

// MemInfo describes the memory of the host and the process
type MemInfo struct {
	Total      uint64
	Available  uint64
	ProcessRSS uint64
}

// CheckCacheSize judges a change of the cache from current to requested bytes. Shrinking is
// always valid. Growth beyond the available memory is cut to current plus three quarters of
// what is available.
func CheckCacheSize(current, requested uint64, mem *MemInfo) (CacheCheck, uint64) {
	if requested > 0 && requested < MinCacheSize {
		requested = MinCacheSize
	}
	if requested <= current {
		return CacheValid, requested
	}
	if mem == nil {
		return CacheError, current
	}

	delta := requested - current
	if delta <= mem.Available {
		return CacheValid, requested
	}
	return CacheReduced, current + mem.Available/4*3
}

// SetCacheSize validates a new cache size against the host memory and stores the accepted
// value. It applies at the next start.
func (l *Layer) SetCacheSize(size uint64) (CacheCheck, uint64, error) {
	l.structMu.Lock()
	defer l.structMu.Unlock()

	current := l.runtime.get().CacheSize
	mem, err := l.opts.MemInfo()
	if err != nil {
		mem = nil
	}

	check, accepted := CheckCacheSize(current, size, mem)
	switch check {
	case CacheError:
		return check, current, fmt.Errorf("failed to validate cache size %d: %w", size, errors.Join(ErrMemInfo, err))
	case CacheReduced:
		l.logger.Warn("requested cache size exceeds available memory, reduced",
			zap.Uint64("requested", size),
			zap.Uint64("reduced", accepted),
			zap.Uint64("available", mem.Available),
		)
	}

	l.runtime.update(func(t *Tunables) { t.CacheSize = accepted })
	return check, accepted, nil
}
