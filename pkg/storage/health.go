package storage

import (
	"time"
)

// HealthStatus represents the health status of a component
type HealthStatus int

const (
	HealthStatusHealthy HealthStatus = iota
	HealthStatusDegraded
	HealthStatusUnhealthy
)

func (hs HealthStatus) String() string {
	switch hs {
	case HealthStatusHealthy:
		return "healthy"
	case HealthStatusDegraded:
		return "degraded"
	case HealthStatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON documents
func (hs HealthStatus) MarshalText() ([]byte, error) {
	return []byte(hs.String()), nil
}

// ComponentHealth is the verdict on one part of the layer
type ComponentHealth struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
}

// HealthReport is the health of the layer and of each component
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	State      string                     `json:"state"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// Health evaluates every component and derives the overall status.
//
// ## Health Assessment Strategy:
// - **Engine**: primary indicator, a closed or poisoned engine makes the layer unhealthy
// - **Disk**: a disk-full signal makes the layer unhealthy until restart
// - **Locks**: utilization at or above the threshold degrades the layer
// - **Maintenance**: no running threads in normal mode degrades the layer
//
// ## Health Status Hierarchy:
// 1. **Unhealthy**: any component unhealthy
// 2. **Degraded**: any component degraded
// 3. **Healthy**: all components healthy
//
// The assessment only reads flags and counters; it never calls into the engine.
func (l *Layer) Health() HealthReport {
	report := HealthReport{
		State:      l.State().String(),
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth, 5),
	}

	report.Components["engine"] = l.engineHealth()
	report.Components["disk"] = l.diskHealth()
	report.Components["locks"] = l.lockHealth()
	report.Components["maintenance"] = l.maintenanceHealth()
	report.Components["group_commit"] = l.groupCommitHealth()

	report.Status = HealthStatusHealthy
	for _, c := range report.Components {
		if c.Status > report.Status {
			report.Status = c.Status
		}
	}
	return report
}

func (l *Layer) engineHealth() ComponentHealth {
	switch {
	case l.catastrophic.Load():
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "engine out of memory, restart required"}
	case l.State() != StateOpen:
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "engine " + l.State().String()}
	case l.recoveryRequired.Load():
		return ComponentHealth{Status: HealthStatusHealthy, Message: "recovered at startup"}
	default:
		return ComponentHealth{Status: HealthStatusHealthy}
	}
}

func (l *Layer) diskHealth() ComponentHealth {
	if l.outOfSpace.Load() {
		return ComponentHealth{Status: HealthStatusUnhealthy, Message: "disk full"}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}

func (l *Layer) lockHealth() ComponentHealth {
	if l.lockThreshold.Load() {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "lock utilization above threshold"}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}

func (l *Layer) maintenanceHealth() ComponentHealth {
	if l.State() != StateOpen || !l.Mode().runsThreads() {
		return ComponentHealth{Status: HealthStatusHealthy, Message: "not running in this mode"}
	}
	if l.tracker().running() == 0 {
		return ComponentHealth{Status: HealthStatusDegraded, Message: "no maintenance threads running"}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}

func (l *Layer) groupCommitHealth() ComponentHealth {
	st := l.groupCommit.stats()
	if st.Limit == FlushRemoteOff {
		return ComponentHealth{Status: HealthStatusHealthy, Message: "batching disabled at runtime, every commit flushes"}
	}
	return ComponentHealth{Status: HealthStatusHealthy}
}
