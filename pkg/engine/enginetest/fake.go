// Package enginetest provides an in-memory engine that records every primitive the control
// plane invokes, with hooks to inject failures and delays.
package enginetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"directory-backend/pkg/engine"

	"go.uber.org/zap"
)

// Engine is an in-memory engine.Engine. The key space survives Close and reopen, the way
// files survive on disk.
type Engine struct {
	mu       sync.Mutex
	open     bool
	settings engine.Settings
	data     map[string][]byte
	lastID   uint64
	active   map[uint64]*Txn
	history  []engine.Settings

	// Hooks. Set them before the engine is handed to the control plane.
	OpenFunc       func(settings engine.Settings) error
	CloseErr       error
	FlushDelay     time.Duration
	FlushErr       error
	CheckpointErr  error
	LogArchiveFunc func(kind engine.ArchiveKind, call int) ([]string, error)
	CompactFunc    func(ctx context.Context) error
	TrickleErr     error
	DeadlockFunc   func(policy engine.DeadlockPolicy) (int, error)
	LockStatFunc   func() engine.LockStats
	Regions        []string

	// Counters
	Opens             atomic.Int64
	Closes            atomic.Int64
	Removes           atomic.Int64
	Begins            atomic.Int64
	Commits           atomic.Int64
	Aborts            atomic.Int64
	Flushes           atomic.Int64
	Checkpoints       atomic.Int64
	ForcedCheckpoints atomic.Int64
	Trickles          atomic.Int64
	Detections        atomic.Int64
	Compactions       atomic.Int64

	archiveCalls atomic.Int64
}

// New creates a closed fake engine
func New() *Engine {
	return &Engine{
		data:   make(map[string][]byte),
		active: make(map[uint64]*Txn),
	}
}

// Factory returns a factory that always hands out e, so its history spans handle recreation
func Factory(e *Engine) engine.Factory {
	return func(*zap.Logger) engine.Engine {
		return e
	}
}

// OpenHistory returns the settings of every successful Open, oldest first
func (e *Engine) OpenHistory() []engine.Settings {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Settings(nil), e.history...)
}

// IsOpen reports whether the engine is open
func (e *Engine) IsOpen() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.open
}

// ActiveTxns returns the number of open outermost transactions
func (e *Engine) ActiveTxns() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Value returns a committed value
func (e *Engine) Value(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.data[key]
	return v, ok
}

// Doom marks an open transaction as a deadlock victim
func (e *Engine) Doom(id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.active[id]
	if ok {
		t.doomed.Store(true)
	}
	return ok
}

func (e *Engine) Name() string {
	return "fake"
}

func (e *Engine) Open(ctx context.Context, s engine.Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.OpenFunc != nil {
		if err := e.OpenFunc(s); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return errors.New("fake engine already open")
	}
	e.open = true
	e.settings = s
	e.history = append(e.history, s)
	e.Opens.Add(1)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil
	}
	e.open = false
	for id, t := range e.active {
		t.doomed.Store(true)
		delete(e.active, id)
	}
	e.Closes.Add(1)
	return e.CloseErr
}

func (e *Engine) Remove() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.open {
		return errors.New("fake engine is open")
	}
	e.Removes.Add(1)
	return nil
}

func (e *Engine) checkOpen() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return engine.ErrNotOpen
	}
	return nil
}

func (e *Engine) Begin(parent engine.Txn, flags engine.TxnFlags) (engine.Txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.open {
		return nil, engine.ErrNotOpen
	}

	e.lastID++
	t := &Txn{eng: e, id: e.lastID, flags: flags}
	if parent != nil {
		p, ok := parent.(*Txn)
		if !ok {
			return nil, errors.New("foreign parent transaction")
		}
		t.parent = p
		t.pending = p.pending
		return t, nil
	}

	if max := e.settings.TxMax; max > 0 && len(e.active) >= max {
		return nil, engine.ErrTxnSlots
	}
	t.pending = make(map[string][]byte)
	t.deleted = make(map[string]bool)
	e.active[t.id] = t
	e.Begins.Add(1)
	return t, nil
}

func (e *Engine) FlushLog() error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	if e.FlushDelay > 0 {
		time.Sleep(e.FlushDelay)
	}
	e.Flushes.Add(1)
	return e.FlushErr
}

func (e *Engine) Checkpoint(force bool) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.Checkpoints.Add(1)
	if force {
		e.ForcedCheckpoints.Add(1)
	}
	return e.CheckpointErr
}

// LogArchive defers to LogArchiveFunc when set. Otherwise it lists real files in the
// configured directories; the obsolete list is empty.
func (e *Engine) LogArchive(kind engine.ArchiveKind) ([]string, error) {
	if err := e.checkOpen(); err != nil {
		return nil, err
	}
	call := int(e.archiveCalls.Add(1))
	if e.LogArchiveFunc != nil {
		return e.LogArchiveFunc(kind, call)
	}

	e.mu.Lock()
	s := e.settings
	e.mu.Unlock()

	switch kind {
	case engine.ArchiveLogs:
		return engine.ListFiles(s.LogPath(), engine.IsLogFile)
	case engine.ArchiveData:
		return engine.ListFiles(s.DataPath(), engine.IsDataFile)
	default:
		return nil, nil
	}
}

func (e *Engine) Trickle(percent int) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	e.Trickles.Add(1)
	return 0, e.TrickleErr
}

func (e *Engine) LockStat() (engine.LockStats, error) {
	if err := e.checkOpen(); err != nil {
		return engine.LockStats{}, err
	}
	if e.LockStatFunc != nil {
		return e.LockStatFunc(), nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.LockStats{Current: int64(len(e.active)), Max: int64(e.settings.Locks)}, nil
}

func (e *Engine) DetectDeadlocks(policy engine.DeadlockPolicy) (int, error) {
	if err := e.checkOpen(); err != nil {
		return 0, err
	}
	e.Detections.Add(1)
	if e.DeadlockFunc != nil {
		return e.DeadlockFunc(policy)
	}
	return 0, nil
}

func (e *Engine) MemPoolStat() (engine.MemPoolStats, error) {
	if err := e.checkOpen(); err != nil {
		return engine.MemPoolStats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.MemPoolStats{CacheSize: e.settings.CacheSize}, nil
}

func (e *Engine) TxnStat() (engine.TxnStats, error) {
	if err := e.checkOpen(); err != nil {
		return engine.TxnStats{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return engine.TxnStats{
		Active:  int64(len(e.active)),
		Begins:  e.Begins.Load(),
		Commits: e.Commits.Load(),
		Aborts:  e.Aborts.Load(),
	}, nil
}

func (e *Engine) LogStat() (engine.LogStats, error) {
	if err := e.checkOpen(); err != nil {
		return engine.LogStats{}, err
	}
	return engine.LogStats{Flushes: e.Flushes.Load()}, nil
}

func (e *Engine) Compact(ctx context.Context) error {
	if err := e.checkOpen(); err != nil {
		return err
	}
	e.Compactions.Add(1)
	if e.CompactFunc != nil {
		return e.CompactFunc(ctx)
	}
	return nil
}

func (e *Engine) RegionFiles(engine.Settings) ([]string, error) {
	return append([]string(nil), e.Regions...), nil
}

// Txn is a fake transaction. Children share the pending writes of their root.
type Txn struct {
	eng     *Engine
	id      uint64
	parent  *Txn
	flags   engine.TxnFlags
	pending map[string][]byte
	deleted map[string]bool
	doomed  atomic.Bool
	done    bool
}

func (t *Txn) ID() uint64 { return t.id }

func (t *Txn) Parent() engine.Txn {
	if t.parent == nil {
		return nil
	}
	return t.parent
}

func (t *Txn) root() *Txn {
	r := t
	for r.parent != nil {
		r = r.parent
	}
	return r
}

func (t *Txn) check() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	if t.doomed.Load() || t.root().doomed.Load() {
		return engine.ErrDeadlock
	}
	return nil
}

func (t *Txn) lookup(key string) ([]byte, bool) {
	r := t.root()
	if r.deleted[key] {
		return nil, false
	}
	if v, ok := r.pending[key]; ok {
		return v, true
	}
	return t.eng.Value(key)
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	v, ok := t.lookup(string(key))
	if !ok {
		return nil, engine.ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *Txn) GetInto(key []byte, buf []byte) (int, error) {
	v, err := t.Get(key)
	if err != nil {
		return 0, err
	}
	if len(v) > len(buf) {
		return len(v), engine.ErrBufferSmall
	}
	return copy(buf, v), nil
}

func (t *Txn) Put(key, value []byte, noOverwrite bool) error {
	if err := t.check(); err != nil {
		return err
	}
	if t.flags&engine.TxnReadOnly != 0 {
		return engine.ErrReadOnly
	}
	k := string(key)
	if _, ok := t.lookup(k); ok && noOverwrite {
		return engine.ErrKeyExists
	}
	r := t.root()
	delete(r.deleted, k)
	r.pending[k] = append([]byte(nil), value...)
	return nil
}

func (t *Txn) Delete(key []byte) error {
	if err := t.check(); err != nil {
		return err
	}
	k := string(key)
	if _, ok := t.lookup(k); !ok {
		return engine.ErrNotFound
	}
	r := t.root()
	delete(r.pending, k)
	r.deleted[k] = true
	return nil
}

// Cursor is not supported by the fake; every positioning returns ErrNotFound
func (t *Txn) Cursor() engine.Cursor {
	return emptyCursor{}
}

func (t *Txn) Commit() error {
	if err := t.check(); err != nil {
		t.finish()
		t.eng.Aborts.Add(1)
		return err
	}
	t.done = true
	if t.parent != nil {
		return nil
	}

	e := t.eng
	e.mu.Lock()
	for k, v := range t.pending {
		e.data[k] = v
	}
	for k := range t.deleted {
		delete(e.data, k)
	}
	delete(e.active, t.id)
	e.mu.Unlock()
	e.Commits.Add(1)

	if t.flags&engine.TxnNoSync == 0 && len(t.pending)+len(t.deleted) > 0 {
		return e.FlushLog()
	}
	return nil
}

func (t *Txn) Abort() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.finish()
	if t.parent == nil {
		t.eng.Aborts.Add(1)
	}
	return nil
}

func (t *Txn) finish() {
	t.done = true
	if t.parent != nil {
		return
	}
	t.eng.mu.Lock()
	delete(t.eng.active, t.id)
	t.eng.mu.Unlock()
}

type emptyCursor struct{}

func (emptyCursor) Get([]byte, engine.CursorOp) ([]byte, []byte, error) {
	return nil, nil, engine.ErrNotFound
}

func (emptyCursor) Close() {}
