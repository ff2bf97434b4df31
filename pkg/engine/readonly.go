package engine

import (
	"context"

	"go.uber.org/zap"
)

// ReadOnlyEngine opens badger read-only. Writes fail with ErrReadOnly, checkpoints and log
// flushes succeed without doing anything, and compaction is refused.
type ReadOnlyEngine struct {
	*BadgerEngine
}

// NewReadOnlyEngine creates a closed read-only engine
func NewReadOnlyEngine(logger *zap.Logger) Engine {
	return &ReadOnlyEngine{BadgerEngine: newBadgerEngine(logger)}
}

func (e *ReadOnlyEngine) Name() string {
	return "badger-readonly"
}

// Open never creates files; the database must already exist
func (e *ReadOnlyEngine) Open(ctx context.Context, s Settings) error {
	s.Flags = (s.Flags | FlagReadOnly) &^ FlagCreate
	return e.BadgerEngine.Open(ctx, s)
}

// Trickle is a no-op for a read-only engine
func (e *ReadOnlyEngine) Trickle(percent int) (int, error) {
	if _, err := e.handle(); err != nil {
		return 0, err
	}
	return 0, nil
}

// DetectDeadlocks is a no-op: read-only transactions hold no locks
func (e *ReadOnlyEngine) DetectDeadlocks(policy DeadlockPolicy) (int, error) {
	if _, err := e.handle(); err != nil {
		return 0, err
	}
	return 0, nil
}
