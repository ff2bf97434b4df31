// Package jobs tracks long-running operator jobs (backup, restore) and the progress they report.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// DefaultRetainedJobs is the number of finished jobs kept for inspection
	DefaultRetainedJobs = 64

	maxNotices = 100
)

var (
	// ErrJobNotFound is returned when a job id is neither running nor retained
	ErrJobNotFound = errors.New("job not found")

	// ErrJobFinished is returned when cancelling a job that already ended
	ErrJobFinished = errors.New("job already finished")
)

// Reporter receives progress from a running job
type Reporter interface {
	// Begin announces the total number of progress steps, 0 when unknown
	Begin(total int)
	// Inc advances progress by one step
	Inc()
	// Notice appends a log line to the job
	Notice(format string, args ...any)
	// Status replaces the current status text
	Status(format string, args ...any)
	// Finish ends the job; a nil error means success
	Finish(err error)
	// Cancel ends the job with an operator supplied code
	Cancel(code int)
}

// State of a job
type State int

const (
	StateRunning State = iota
	StateSucceeded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// MarshalText lets State render as its name in JSON
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a point-in-time copy of a job
type Snapshot struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	State      State      `json:"state"`
	Total      int        `json:"total"`
	Progress   int        `json:"progress"`
	Status     string     `json:"status,omitempty"`
	Notices    []string   `json:"notices,omitempty"`
	Error      string     `json:"error,omitempty"`
	CancelCode int        `json:"cancel_code,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Job is a tracked job. It implements Reporter.
type Job struct {
	mu       sync.Mutex
	snap     Snapshot
	cancel   context.CancelFunc
	tracker  *Tracker
	finished bool
}

var _ Reporter = (*Job)(nil)

// ID returns the job id
func (j *Job) ID() string {
	return j.snap.ID
}

func (j *Job) Begin(total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.Total = total
	j.snap.Progress = 0
}

func (j *Job) Inc() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.Progress++
	if j.snap.Total > 0 && j.snap.Progress > j.snap.Total {
		j.snap.Total = j.snap.Progress
	}
}

func (j *Job) Notice(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.snap.Notices) >= maxNotices {
		j.snap.Notices = j.snap.Notices[1:]
	}
	j.snap.Notices = append(j.snap.Notices, line)
}

func (j *Job) Status(format string, args ...any) {
	status := fmt.Sprintf(format, args...)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.snap.Status = status
}

func (j *Job) Finish(err error) {
	if err != nil {
		j.end(StateFailed, err.Error(), 0)
		return
	}
	j.end(StateSucceeded, "", 0)
}

func (j *Job) Cancel(code int) {
	j.end(StateCancelled, "", code)
}

func (j *Job) end(state State, errText string, code int) {
	j.mu.Lock()
	if j.finished {
		j.mu.Unlock()
		return
	}
	j.finished = true
	now := time.Now()
	j.snap.State = state
	j.snap.Error = errText
	j.snap.CancelCode = code
	j.snap.FinishedAt = &now
	cancel := j.cancel
	j.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if j.tracker != nil {
		j.tracker.retire(j)
	}
}

// Snapshot returns a copy of the job state
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := j.snap
	s.Notices = append([]string(nil), j.snap.Notices...)
	return s
}

// Tracker keeps running jobs and the most recent finished ones
type Tracker struct {
	mu       sync.RWMutex
	running  map[string]*Job
	finished *lru.Cache[string, *Job]
	logger   *zap.Logger
}

// NewTracker creates a tracker retaining up to retain finished jobs
func NewTracker(retain int, logger *zap.Logger) (*Tracker, error) {
	if retain <= 0 {
		retain = DefaultRetainedJobs
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	finished, err := lru.New[string, *Job](retain)
	if err != nil {
		return nil, fmt.Errorf("failed to create job cache: %w", err)
	}
	return &Tracker{
		running:  make(map[string]*Job),
		finished: finished,
		logger:   logger.Named("jobs"),
	}, nil
}

// Start registers a new running job. The returned context is cancelled when the job ends
// or is cancelled through the tracker.
func (t *Tracker) Start(ctx context.Context, kind string) (context.Context, *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{
		snap: Snapshot{
			ID:        uuid.NewString(),
			Kind:      kind,
			State:     StateRunning,
			StartedAt: time.Now(),
		},
		cancel:  cancel,
		tracker: t,
	}

	t.mu.Lock()
	t.running[job.snap.ID] = job
	t.mu.Unlock()

	t.logger.Info("job started", zap.String("id", job.snap.ID), zap.String("kind", kind))
	return jobCtx, job
}

func (t *Tracker) retire(j *Job) {
	snap := j.Snapshot()

	t.mu.Lock()
	delete(t.running, snap.ID)
	t.finished.Add(snap.ID, j)
	t.mu.Unlock()

	fields := []zap.Field{
		zap.String("id", snap.ID),
		zap.String("kind", snap.Kind),
		zap.Stringer("state", snap.State),
		zap.Int("progress", snap.Progress),
	}
	if snap.Error != "" {
		t.logger.Warn("job finished", append(fields, zap.String("error", snap.Error))...)
		return
	}
	t.logger.Info("job finished", fields...)
}

// Get returns a running or retained job
func (t *Tracker) Get(id string) (Snapshot, error) {
	t.mu.RLock()
	job, ok := t.running[id]
	t.mu.RUnlock()
	if ok {
		return job.Snapshot(), nil
	}
	if job, ok := t.finished.Get(id); ok {
		return job.Snapshot(), nil
	}
	return Snapshot{}, ErrJobNotFound
}

// Cancel ends a running job with code
func (t *Tracker) Cancel(id string, code int) error {
	t.mu.RLock()
	job, ok := t.running[id]
	t.mu.RUnlock()
	if ok {
		job.Cancel(code)
		return nil
	}
	if t.finished.Contains(id) {
		return ErrJobFinished
	}
	return ErrJobNotFound
}

// List returns every running and retained job, newest first
func (t *Tracker) List() []Snapshot {
	t.mu.RLock()
	jobs := make([]Snapshot, 0, len(t.running)+t.finished.Len())
	for _, job := range t.running {
		jobs = append(jobs, job.Snapshot())
	}
	t.mu.RUnlock()

	for _, job := range t.finished.Values() {
		jobs = append(jobs, job.Snapshot())
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].StartedAt.After(jobs[k].StartedAt)
	})
	return jobs
}

type discard struct{}

func (discard) Begin(int)             {}
func (discard) Inc()                  {}
func (discard) Notice(string, ...any) {}
func (discard) Status(string, ...any) {}
func (discard) Finish(error)          {}
func (discard) Cancel(int)            {}

// Discard is a Reporter that drops everything
var Discard Reporter = discard{}
