package models

import (
	"time"
)

// HealthResponse is returned by the health endpoints
type HealthResponse struct {
	Status     string                 `json:"status"`
	State      string                 `json:"state"`
	Timestamp  time.Time              `json:"timestamp"`
	Uptime     string                 `json:"uptime"`
	Components map[string]interface{} `json:"components,omitempty"`
	Metrics    map[string]interface{} `json:"metrics,omitempty"`
}

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// ActionResponse acknowledges an admin action. Asynchronous actions carry the job id.
type ActionResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	JobID   string `json:"job_id,omitempty"`
}

// RuntimeConfig is the view of the settings that can change while the backend runs.
// Durations are rendered with time.Duration.String.
type RuntimeConfig struct {
	BatchLimit         int    `json:"batch_limit"`
	BatchMinSleep      string `json:"batch_min_sleep"`
	BatchMaxSleep      string `json:"batch_max_sleep"`
	CheckpointInterval string `json:"checkpoint_interval"`
	CompactionInterval string `json:"compaction_interval"`
	CompactionTime     string `json:"compaction_time"`
	TricklePercent     int    `json:"trickle_percent"`
	DeadlockPolicy     string `json:"deadlock_policy"`
	LockMonitoring     bool   `json:"lock_monitoring"`
	LockThreshold      int    `json:"lock_threshold"`
	LockPause          string `json:"lock_pause"`
	CacheSize          uint64 `json:"cache_size"`
}

// ConfigUpdate is a partial runtime configuration change; absent fields are left alone.
// Cache size changes apply at the next start.
type ConfigUpdate struct {
	BatchLimit         *int    `json:"batch_limit,omitempty" validate:"omitnil,gte=0"`
	BatchMinSleep      *string `json:"batch_min_sleep,omitempty" validate:"omitnil,duration"`
	BatchMaxSleep      *string `json:"batch_max_sleep,omitempty" validate:"omitnil,duration"`
	CheckpointInterval *string `json:"checkpoint_interval,omitempty" validate:"omitnil,duration"`
	CompactionInterval *string `json:"compaction_interval,omitempty" validate:"omitnil,duration"`
	CompactionTime     *string `json:"compaction_time,omitempty" validate:"omitnil,hhmm"`
	TricklePercent     *int    `json:"trickle_percent,omitempty" validate:"omitnil,gte=0,lte=100"`
	DeadlockPolicy     *string `json:"deadlock_policy,omitempty" validate:"omitnil,deadlock_policy"`
	LockMonitoring     *bool   `json:"lock_monitoring,omitempty"`
	LockThreshold      *int    `json:"lock_threshold,omitempty" validate:"omitnil,gte=1,lte=100"`
	LockPause          *string `json:"lock_pause,omitempty" validate:"omitnil,duration"`
	CacheSize          *uint64 `json:"cache_size,omitempty"`
}

// ConfigUpdateResponse reports the configuration after an update
type ConfigUpdateResponse struct {
	Config   RuntimeConfig `json:"config"`
	Warnings []string      `json:"warnings,omitempty"`
}

// CheckpointRequest asks for a checkpoint; without force a busy engine is reported as a conflict
type CheckpointRequest struct {
	Force bool `json:"force"`
}

// BackupRequest starts a backup into a named directory under the backup root. An empty
// name uses the current time.
type BackupRequest struct {
	Name string `json:"name,omitempty" validate:"omitempty,max=255,instance_name"`
}

// RestoreRequest starts a restore from a named directory under the backup root
type RestoreRequest struct {
	Name string `json:"name" validate:"required,max=255,instance_name"`
}
