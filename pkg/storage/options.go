package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"directory-backend/pkg/engine"
)

const (
	// SleepInterval is the base unit every maintenance loop sleeps in
	SleepInterval = 250 * time.Millisecond

	// DefaultThreadShutdownTimeout bounds the wait for maintenance threads on close
	DefaultThreadShutdownTimeout = 100 * SleepInterval

	// LockMin is the smallest lock table a handle is opened with
	LockMin = 10000

	DefaultCheckpointInterval = 60 * time.Second
	DefaultCompactionInterval = 2592000 * time.Second // 30 days
	DefaultCompactionTime     = "23:59"
	DefaultBatchSleep         = 50 * time.Millisecond
	DefaultTricklePercent     = 5
	DefaultLockThreshold      = 90
	DefaultLockPause          = 500 * time.Millisecond
	DefaultTxMax              = 200
	DefaultShmKey             = 389389
	DefaultInstance           = "userRoot"
)

// Instance is a named backend database stored under its own directory
type Instance struct {
	Name string
	Dir  string
}

// Options configure a Layer. Fields fixed at open time apply at the next Start; the
// tunables in the second group can be changed at runtime through the Set methods.
type Options struct {
	HomeDir   string     // Guardian file and version marker
	DataDir   string     // Engine data files, defaults to HomeDir
	LogDir    string     // Log segments, defaults to DataDir
	Instances []Instance // Live instances; defaults to one instance in DataDir

	CacheSize   uint64
	NCache      int // Cache segments, 0 = derive from the cache size
	Locks       int
	TxMax       int // Concurrent transactions; also sizes the pending commit array
	LogBufSize  uint32
	LogFileSize int64 // Value-log segment size, 0 = engine default
	PageSize    uint32
	ShmKey      int64
	LockTimeout time.Duration
	PrivateMem  bool
	SystemMem   bool
	Debug       bool

	Transactions    bool
	Locking         bool
	Durable         bool
	CircularLogging bool
	SkipDiskCheck   bool

	// Runtime tunables
	BatchLimit         int
	BatchMinSleep      time.Duration
	BatchMaxSleep      time.Duration
	CheckpointInterval time.Duration
	CompactionInterval time.Duration
	CompactionTime     string
	TricklePercent     int
	DeadlockPolicy     engine.DeadlockPolicy
	LockMonitoring     bool
	LockThreshold      int
	LockPause          time.Duration

	ThreadShutdownTimeout time.Duration
	TxnRetries            uint64 // Re-issues of a transaction that lost a deadlock

	EngineFactory engine.Factory
	OnDiskFull    func(err error)
	MemInfo       func() (*MemInfo, error)
	DiskFree      func(dir string) (uint64, error)
}

// DefaultOptions returns the production defaults for a layer rooted at home
func DefaultOptions(home string) Options {
	return Options{
		HomeDir:               home,
		Locks:                 LockMin,
		TxMax:                 DefaultTxMax,
		ShmKey:                DefaultShmKey,
		Transactions:          true,
		Locking:               true,
		Durable:               true,
		CircularLogging:       true,
		BatchMinSleep:         DefaultBatchSleep,
		BatchMaxSleep:         DefaultBatchSleep,
		CheckpointInterval:    DefaultCheckpointInterval,
		CompactionInterval:    DefaultCompactionInterval,
		CompactionTime:        DefaultCompactionTime,
		TricklePercent:        DefaultTricklePercent,
		DeadlockPolicy:        engine.DeadlockYoungest,
		LockMonitoring:        true,
		LockThreshold:         DefaultLockThreshold,
		LockPause:             DefaultLockPause,
		ThreadShutdownTimeout: DefaultThreadShutdownTimeout,
		TxnRetries:            5,
		EngineFactory:         engine.NewBadgerEngine,
	}
}

// normalize fills derived defaults and validates paths
func (o *Options) normalize() error {
	if o.HomeDir == "" {
		return fmt.Errorf("home directory is required")
	}
	if o.DataDir == "" {
		o.DataDir = o.HomeDir
	}
	if o.TxMax <= 0 {
		o.TxMax = DefaultTxMax
	}
	if o.BatchMinSleep <= 0 {
		o.BatchMinSleep = DefaultBatchSleep
	}
	if o.BatchMaxSleep <= 0 {
		o.BatchMaxSleep = DefaultBatchSleep
	}
	if o.LockPause <= 0 {
		o.LockPause = DefaultLockPause
	}
	if o.ThreadShutdownTimeout <= 0 {
		o.ThreadShutdownTimeout = DefaultThreadShutdownTimeout
	}
	if o.CompactionTime == "" {
		o.CompactionTime = DefaultCompactionTime
	}
	if o.EngineFactory == nil {
		o.EngineFactory = engine.NewBadgerEngine
	}
	if o.MemInfo == nil {
		o.MemInfo = SystemMemInfo
	}
	if o.DiskFree == nil {
		o.DiskFree = FreeDiskSpace
	}
	if len(o.Instances) == 0 {
		o.Instances = []Instance{{Name: DefaultInstance, Dir: o.DataDir}}
	}
	for i := range o.Instances {
		if o.Instances[i].Dir == "" {
			o.Instances[i].Dir = filepath.Join(o.DataDir, o.Instances[i].Name)
		}
	}
	return nil
}

// Tunables are the settings the maintenance loops re-read on every wake
type Tunables struct {
	BatchLimit         int                   `json:"batch_limit"`
	BatchMinSleep      time.Duration         `json:"batch_min_sleep"`
	BatchMaxSleep      time.Duration         `json:"batch_max_sleep"`
	CheckpointInterval time.Duration         `json:"checkpoint_interval"`
	CompactionInterval time.Duration         `json:"compaction_interval"`
	CompactionTime     string                `json:"compaction_time"`
	TricklePercent     int                   `json:"trickle_percent"`
	DeadlockPolicy     engine.DeadlockPolicy `json:"deadlock_policy"`
	LockMonitoring     bool                  `json:"lock_monitoring"`
	LockThreshold      int                   `json:"lock_threshold"`
	LockPause          time.Duration         `json:"lock_pause"`
	CacheSize          uint64                `json:"cache_size"`
}

// EngineRuntimeState holds the mutable settings shared by the maintenance loops and the
// admin surface. Group-commit settings live with the coordinator under its own mutex.
type EngineRuntimeState struct {
	mu sync.RWMutex
	t  Tunables
}

func newRuntimeState(o Options) *EngineRuntimeState {
	return &EngineRuntimeState{t: Tunables{
		CheckpointInterval: o.CheckpointInterval,
		CompactionInterval: o.CompactionInterval,
		CompactionTime:     o.CompactionTime,
		TricklePercent:     o.TricklePercent,
		DeadlockPolicy:     o.DeadlockPolicy,
		LockMonitoring:     o.LockMonitoring,
		LockThreshold:      o.LockThreshold,
		LockPause:          o.LockPause,
		CacheSize:          o.CacheSize,
	}}
}

func (r *EngineRuntimeState) get() Tunables {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.t
}

func (r *EngineRuntimeState) update(fn func(t *Tunables)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.t)
}
