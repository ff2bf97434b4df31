package engine

import (
	"bytes"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

var errTxnFinished = errors.New("transaction already finished")

type badgerTxn struct {
	eng     *BadgerEngine
	id      uint64
	parent  *badgerTxn
	native  *badger.Txn // Shared with the parent for nested transactions
	flags   TxnFlags
	started time.Time

	writes atomic.Int64
	doomed atomic.Bool
	done   atomic.Bool
}

func (t *badgerTxn) ID() uint64 {
	return t.id
}

func (t *badgerTxn) Parent() Txn {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

func (t *badgerTxn) root() *badgerTxn {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (t *badgerTxn) finished() bool {
	return t.done.Load()
}

// usable returns the error an operation on t must fail with, if any
func (t *badgerTxn) usable() error {
	if t.done.Load() {
		return errTxnFinished
	}
	if t.doomed.Load() || t.root().doomed.Load() {
		return ErrDeadlock
	}
	return nil
}

func (t *badgerTxn) writable() error {
	if err := t.usable(); err != nil {
		return err
	}
	if t.flags&TxnReadOnly != 0 {
		return ErrReadOnly
	}
	return nil
}

func (t *badgerTxn) Get(key []byte) ([]byte, error) {
	if err := t.usable(); err != nil {
		return nil, err
	}
	item, err := t.native.Get(key)
	if err != nil {
		return nil, mapBadgerError(err)
	}
	return item.ValueCopy(nil)
}

func (t *badgerTxn) GetInto(key []byte, buf []byte) (int, error) {
	if err := t.usable(); err != nil {
		return 0, err
	}
	item, err := t.native.Get(key)
	if err != nil {
		return 0, mapBadgerError(err)
	}
	size := int(item.ValueSize())
	if size > len(buf) {
		return size, ErrBufferSmall
	}
	err = item.Value(func(val []byte) error {
		copy(buf, val)
		return nil
	})
	return size, err
}

func (t *badgerTxn) Put(key, value []byte, noOverwrite bool) error {
	if err := t.writable(); err != nil {
		return err
	}
	if noOverwrite {
		if _, err := t.native.Get(key); err == nil {
			return ErrKeyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return mapBadgerError(err)
		}
	}
	if err := t.native.Set(key, value); err != nil {
		return mapBadgerError(err)
	}
	t.recordWrite(len(key) + len(value))
	return nil
}

func (t *badgerTxn) Delete(key []byte) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.native.Get(key); err != nil {
		return mapBadgerError(err)
	}
	if err := t.native.Delete(key); err != nil {
		return mapBadgerError(err)
	}
	t.recordWrite(len(key))
	return nil
}

func (t *badgerTxn) recordWrite(n int) {
	t.writes.Add(1)
	if root := t.root(); root != t {
		root.writes.Add(1)
	}
	t.eng.lockRequests.Add(1)
	storeMax(&t.eng.maxLocksUsed, t.eng.heldLocks.Add(1))
	t.eng.logWrites.Add(1)
	t.eng.logBytes.Add(int64(n))
}

// Commit of a child is folded into the parent. The outermost commit reaches badger and,
// unless TxnNoSync was requested, forces the log.
func (t *badgerTxn) Commit() error {
	if !t.done.CompareAndSwap(false, true) {
		return errTxnFinished
	}

	if t.parent != nil {
		if t.doomed.Load() {
			t.parent.doomed.Store(true)
			return ErrDeadlock
		}
		return nil
	}

	defer t.eng.release(t)

	if t.doomed.Load() {
		t.native.Discard()
		t.eng.aborts.Add(1)
		return ErrDeadlock
	}

	if err := t.native.Commit(); err != nil {
		t.eng.aborts.Add(1)
		if errors.Is(err, badger.ErrConflict) {
			t.eng.conflicts.Add(1)
		}
		return mapBadgerError(err)
	}
	t.eng.commits.Add(1)

	if t.flags&TxnNoSync == 0 && t.writes.Load() > 0 {
		return t.eng.FlushLog()
	}
	return nil
}

// Abort of a child poisons the parent because they share one native transaction
func (t *badgerTxn) Abort() error {
	if !t.done.CompareAndSwap(false, true) {
		return errTxnFinished
	}

	if t.parent != nil {
		// Writes of the child already sit in the shared native transaction
		if t.writes.Load() > 0 {
			t.parent.doomed.Store(true)
		}
		return nil
	}

	t.native.Discard()
	t.eng.aborts.Add(1)
	t.eng.release(t)
	return nil
}

func (t *badgerTxn) Cursor() Cursor {
	return &badgerCursor{txn: t}
}

// badgerCursor wraps a badger iterator. Badger allows one open iterator per update
// transaction, so a cursor must be closed before the next one is opened.
type badgerCursor struct {
	txn        *badgerTxn
	it         *badger.Iterator
	positioned bool
}

func (c *badgerCursor) iterator() *badger.Iterator {
	if c.it == nil {
		c.it = c.txn.native.NewIterator(badger.DefaultIteratorOptions)
		c.it.Rewind()
	}
	return c.it
}

func (c *badgerCursor) Get(key []byte, op CursorOp) ([]byte, []byte, error) {
	if err := c.txn.usable(); err != nil {
		return nil, nil, err
	}

	it := c.iterator()
	switch op {
	case CursorNoFlag:
		c.txn.eng.logger.Debug("cursor get with no positioning flag, using exact match",
			zap.Uint64("txn", c.txn.id))
		fallthrough
	case CursorSet:
		it.Seek(key)
		if !it.Valid() || !bytes.Equal(it.Item().Key(), key) {
			return nil, nil, ErrNotFound
		}
	case CursorSetRange:
		it.Seek(key)
	case CursorFirst:
		it.Rewind()
	case CursorNext:
		// An unpositioned cursor starts at the first key
		if c.positioned && it.Valid() {
			it.Next()
		}
	default:
		return nil, nil, fmt.Errorf("unsupported cursor operation %d", op)
	}

	c.positioned = true
	if !it.Valid() {
		return nil, nil, ErrNotFound
	}
	item := it.Item()
	value, err := item.ValueCopy(nil)
	if err != nil {
		return nil, nil, err
	}
	return item.KeyCopy(nil), value, nil
}

func (c *badgerCursor) Close() {
	if c.it != nil {
		c.it.Close()
		c.it = nil
		c.positioned = false
	}
}

func mapBadgerError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, badger.ErrKeyNotFound):
		return ErrNotFound
	case errors.Is(err, badger.ErrConflict):
		return fmt.Errorf("%w: %v", ErrDeadlock, err)
	case errors.Is(err, badger.ErrReadOnlyTxn):
		return ErrReadOnly
	default:
		return err
	}
}
