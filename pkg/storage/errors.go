package storage

import (
	"errors"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

// ResultCode is the outcome class of an engine call as seen by the directory server
type ResultCode int

const (
	Success ResultCode = iota
	KeyExists
	BufferSmall
	NotFound
	NeedsRecovery
	Retry // The whole transaction must be re-issued
	Other
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "success"
	case KeyExists:
		return "key exists"
	case BufferSmall:
		return "buffer small"
	case NotFound:
		return "not found"
	case NeedsRecovery:
		return "needs recovery"
	case Retry:
		return "retry"
	default:
		return "other"
	}
}

// MapError classifies an engine error
func MapError(err error) ResultCode {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, engine.ErrKeyExists):
		return KeyExists
	case errors.Is(err, engine.ErrBufferSmall):
		return BufferSmall
	case errors.Is(err, engine.ErrNotFound):
		return NotFound
	case errors.Is(err, engine.ErrRunRecovery):
		return NeedsRecovery
	case errors.Is(err, engine.ErrDeadlock):
		return Retry
	default:
		return Other
	}
}

// MapError classifies err and logs the unclassified ones with the operation that failed
func (l *Layer) MapError(op string, err error) ResultCode {
	code := MapError(err)
	if code == Other {
		l.logger.Error("engine operation failed", zap.String("op", op), zap.Error(err))
	}
	return code
}
