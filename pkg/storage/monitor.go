package storage

import "time"

// MonitorSnapshot is the exported view of the engine and control-plane counters
type MonitorSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Mode      string    `json:"mode"`
	Engine    string    `json:"engine,omitempty"`

	Cache       CacheSnapshot       `json:"cache"`
	Locks       LockSnapshot        `json:"locks"`
	Log         LogSnapshot         `json:"log"`
	Txn         TxnSnapshot         `json:"txn"`
	GroupCommit GroupCommitSnapshot `json:"group_commit"`
	Maintenance MaintenanceSnapshot `json:"maintenance"`
	Rates       Rates               `json:"rates"`

	LockThresholdReached bool `json:"lock_threshold_reached"`
	OutOfDiskSpace       bool `json:"out_of_disk_space"`
	RecoveryRequired     bool `json:"recovery_required"`
}

type CacheSnapshot struct {
	Size         uint64  `json:"size"`
	Hits         uint64  `json:"hits"`
	Tries        uint64  `json:"tries"`
	HitRatio     float64 `json:"hit_ratio"`
	PagesIn      uint64  `json:"pages_in"`
	PagesOut     uint64  `json:"pages_out"`
	PagesCreated uint64  `json:"pages_created"`
	PagesEvicted uint64  `json:"pages_evicted"`
	DirtyPages   uint64  `json:"dirty_pages"`
}

type LockSnapshot struct {
	Current     int64 `json:"current"`
	Max         int64 `json:"max"`
	MaxUsed     int64 `json:"max_used"`
	Requests    int64 `json:"requests"`
	Conflicts   int64 `json:"conflicts"`
	Deadlocks   int64 `json:"deadlocks"`
	Timeouts    int64 `json:"timeouts"`
	Utilization int64 `json:"utilization_pct"`
}

type LogSnapshot struct {
	Writes        int64 `json:"writes"`
	Bytes         int64 `json:"bytes"`
	Flushes       int64 `json:"flushes"`
	EngineFlushes int64 `json:"engine_flushes"`
	RegionWaits   int64 `json:"region_waits"`
}

type TxnSnapshot struct {
	Active    int64 `json:"active"`
	MaxActive int64 `json:"max_active"`
	Begins    int64 `json:"begins"`
	Commits   int64 `json:"commits"`
	Aborts    int64 `json:"aborts"`
}

type GroupCommitSnapshot struct {
	Running    bool   `json:"running"`
	Limit      int    `json:"limit"`
	Pending    int    `json:"pending"`
	InProgress int    `json:"in_progress"`
	Flushes    int64  `json:"flushes"`
	MinSleep   string `json:"min_sleep"`
	MaxSleep   string `json:"max_sleep"`
}

type MaintenanceSnapshot struct {
	Threads         int   `json:"threads"`
	Checkpoints     int64 `json:"checkpoints"`
	Trickles        int64 `json:"trickles"`
	TricklePages    int64 `json:"trickle_pages"`
	DeadlockRejects int64 `json:"deadlock_rejects"`
	Compactions     int64 `json:"compactions"`
	CompactPending  bool  `json:"compaction_pending"`
	Backups         int64 `json:"backups"`
	Restores        int64 `json:"restores"`
}

// Rates are per-second deltas between the last two refreshes
type Rates struct {
	CommitsPerSec      float64 `json:"commits_per_sec"`
	AbortsPerSec       float64 `json:"aborts_per_sec"`
	LogFlushesPerSec   float64 `json:"log_flushes_per_sec"`
	PagesInPerSec      float64 `json:"pages_in_per_sec"`
	PagesOutPerSec     float64 `json:"pages_out_per_sec"`
	TricklePagesPerSec float64 `json:"trickle_pages_per_sec"`
}
