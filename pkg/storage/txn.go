package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"directory-backend/pkg/engine"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Txn is a transaction handed out by a Scope. Without transactions enabled it carries no
// native handle and every data access runs in its own short engine transaction.
type Txn struct {
	scope   *Scope
	native  engine.Txn
	parent  *Txn
	flags   engine.TxnFlags
	outer   bool
	locked  bool // Holds the structural read lock
	counted bool // Counted as in progress by the group-commit coordinator
	done    bool
}

// Native returns the engine transaction, nil when transactions are disabled
func (tx *Txn) Native() engine.Txn {
	return tx.native
}

// Parent returns the enclosing transaction
func (tx *Txn) Parent() *Txn {
	return tx.parent
}

// Done reports whether the transaction reached commit or abort
func (tx *Txn) Done() bool {
	return tx.done
}

func (tx *Txn) use(fn func(n engine.Txn) error) error {
	if tx.done {
		return ErrTxnFinished
	}
	if tx.native != nil {
		return fn(tx.native)
	}

	eng, err := tx.scope.layer.engine()
	if err != nil {
		return err
	}
	n, err := eng.Begin(nil, tx.flags)
	if err != nil {
		return err
	}
	if err := fn(n); err != nil {
		_ = n.Abort()
		return err
	}
	return n.Commit()
}

// Get returns the value stored under key
func (tx *Txn) Get(key []byte) ([]byte, error) {
	var out []byte
	err := tx.use(func(n engine.Txn) error {
		v, err := n.Get(key)
		out = v
		return err
	})
	return out, err
}

// Put stores value under key. With noOverwrite an existing key fails with engine.ErrKeyExists.
func (tx *Txn) Put(key, value []byte, noOverwrite bool) error {
	return tx.use(func(n engine.Txn) error {
		return n.Put(key, value, noOverwrite)
	})
}

// Delete removes key
func (tx *Txn) Delete(key []byte) error {
	return tx.use(func(n engine.Txn) error {
		return n.Delete(key)
	})
}

// Scope owns the transaction stack of one goroutine. It is not safe for concurrent use.
type Scope struct {
	layer *Layer
	stack []*Txn
}

// NewScope returns an empty transaction scope
func (l *Layer) NewScope() *Scope {
	return &Scope{layer: l}
}

type scopeKey struct{}

// WithScope attaches a fresh scope of l to ctx
func WithScope(ctx context.Context, l *Layer) (context.Context, *Scope) {
	s := l.NewScope()
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the scope attached to ctx, or nil
func ScopeFrom(ctx context.Context) *Scope {
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// Current returns the innermost open transaction, or nil
func (s *Scope) Current() *Txn {
	if len(s.stack) == 0 {
		return nil
	}
	return s.stack[len(s.stack)-1]
}

// Depth returns the number of open transactions
func (s *Scope) Depth() int {
	return len(s.stack)
}

// Begin starts a transaction nested in parent, or in the current transaction when parent is
// nil. An outermost transaction holds the structural read lock until it ends.
func (s *Scope) Begin(parent *Txn, flags engine.TxnFlags) (*Txn, error) {
	l := s.layer
	if l.catastrophic.Load() {
		return nil, ErrCatastrophic
	}
	if parent != nil && parent.done {
		return nil, ErrTxnFinished
	}
	if parent == nil {
		parent = s.Current()
	}

	tx := &Txn{scope: s, parent: parent, flags: flags, outer: parent == nil}
	if !l.opts.Transactions {
		s.stack = append(s.stack, tx)
		return tx, nil
	}

	if tx.outer {
		l.structMu.RLock()
		tx.locked = true
	}
	eng, err := l.engine()
	if err != nil {
		tx.unlock()
		return nil, err
	}

	var nativeParent engine.Txn
	if parent != nil {
		nativeParent = parent.native
	}
	native, err := eng.Begin(nativeParent, flags|engine.TxnNoSync)
	if err != nil {
		tx.unlock()
		return nil, l.txnFailure("begin", err)
	}
	tx.native = native
	if tx.outer {
		tx.counted = l.groupCommit.enter()
	}

	s.stack = append(s.stack, tx)
	l.perf.txnBegins.Add(1)
	return tx, nil
}

func (tx *Txn) unlock() {
	if tx.locked {
		tx.locked = false
		tx.scope.layer.structMu.RUnlock()
	}
}

// pop removes tx from the top of the stack. nil selects the current transaction.
func (s *Scope) pop(tx *Txn) (*Txn, error) {
	if tx != nil && tx.done {
		return nil, ErrTxnFinished
	}
	top := s.Current()
	if top == nil {
		return nil, ErrNoTransaction
	}
	if tx == nil {
		tx = top
	}
	if tx != top {
		return nil, ErrTxnNotCurrent
	}
	s.stack = s.stack[:len(s.stack)-1]
	tx.done = true
	return tx, nil
}

// Commit commits tx, or the current transaction when tx is nil. Committing an outermost
// durable transaction returns once its log records are on stable storage.
func (s *Scope) Commit(tx *Txn) error {
	tx, err := s.pop(tx)
	if err != nil {
		return err
	}
	l := s.layer
	defer tx.unlock()

	if tx.native == nil {
		return nil
	}

	id := tx.native.ID()
	if err := tx.native.Commit(); err != nil {
		l.groupCommit.leave(tx.counted)
		l.perf.txnAborts.Add(1)
		return l.txnFailure("commit", err)
	}
	l.perf.txnCommits.Add(1)

	if !tx.outer {
		return nil
	}
	if !l.opts.Durable || tx.flags&engine.TxnReadOnly != 0 {
		l.groupCommit.leave(tx.counted)
		return nil
	}
	if err := l.groupCommit.commit(id, tx.counted, l.flushLog); err != nil {
		return l.txnFailure("flush", err)
	}
	return nil
}

// Abort aborts tx, or the current transaction when tx is nil
func (s *Scope) Abort(tx *Txn) error {
	tx, err := s.pop(tx)
	if err != nil {
		return err
	}
	l := s.layer
	defer tx.unlock()

	if tx.native == nil {
		return nil
	}
	if tx.outer {
		l.groupCommit.leave(tx.counted)
	}
	l.perf.txnAborts.Add(1)
	if err := tx.native.Abort(); err != nil {
		return l.txnFailure("abort", err)
	}
	return nil
}

// Close aborts every transaction still open in the scope, innermost first
func (s *Scope) Close() error {
	var first error
	for len(s.stack) > 0 {
		if err := s.Abort(nil); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// txnFailure raises the out-of-space signal for disk-full errors and logs the rest
func (l *Layer) txnFailure(op string, err error) error {
	if engine.IsDiskFull(err) {
		l.signalDiskFull(err)
	} else if !errors.Is(err, engine.ErrDeadlock) {
		l.logger.Error("transaction failure", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("failed to %s transaction: %w", op, err)
}

// flushLog forces the log to stable storage. It also runs while the layer is closing, for
// commits that finished before the handle went away.
func (l *Layer) flushLog() error {
	eng, err := l.handle()
	if err != nil {
		return err
	}
	if err := eng.FlushLog(); err != nil {
		if engine.IsDiskFull(err) {
			l.signalDiskFull(err)
		}
		return err
	}
	l.perf.logFlushes.Add(1)
	return nil
}

// RunInTxn runs fn inside a transaction and commits it. A transaction that loses a deadlock
// is re-issued from the start with Fibonacci backoff; other failures abort and return.
// When ctx carries a scope with an open transaction, fn runs nested and is never re-issued.
func (l *Layer) RunInTxn(ctx context.Context, fn func(tx *Txn) error) error {
	scope := ScopeFrom(ctx)
	if scope == nil || scope.layer != l {
		scope = l.NewScope()
	}
	nested := scope.Depth() > 0

	attempt := 0
	b := retry.WithMaxRetries(l.opts.TxnRetries, retry.NewFibonacci(10*time.Millisecond))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		tx, err := scope.Begin(nil, 0)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			if !tx.done {
				_ = scope.Abort(tx)
			}
			return l.retryable(nested, attempt, err)
		}
		if err := scope.Commit(tx); err != nil {
			return l.retryable(nested, attempt, err)
		}
		return nil
	})
}

func (l *Layer) retryable(nested bool, attempt int, err error) error {
	if nested || MapError(err) != Retry {
		return err
	}
	l.logger.Debug("transaction lost a deadlock, retrying", zap.Int("attempt", attempt), zap.Error(err))
	return retry.RetryableError(err)
}
