package store

import (
	"encoding/json"
	"time"

	"github.com/fleetlab/slm/internal/protocol"
)

// Node status values.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// Code status values relative to the canonical version.
const (
	CodeCurrent  = "current"
	CodeOutdated = "outdated"
	CodeUnknown  = "unknown"
)

// Node is one managed host, registered the first time it heartbeats.
type Node struct {
	ID            string               `json:"id"`
	Hostname      string               `json:"hostname"`
	IP            string               `json:"ip,omitempty"`
	SSHUser       string               `json:"ssh_user,omitempty"`
	SSHPort       int                  `json:"ssh_port,omitempty"`
	Status        string               `json:"status"`
	LastSeen      time.Time            `json:"last_seen"`
	AgentVersion  string               `json:"agent_version"`
	OSInfo        string               `json:"os_info"`
	CPUPercent    float64              `json:"cpu_percent"`
	MemoryPercent float64              `json:"memory_percent"`
	DiskPercent   float64              `json:"disk_percent"`
	CodeVersion   protocol.CodeVersion `json:"code_version"`
	CodeStatus    string               `json:"code_status"`
	CodeSource    bool                 `json:"code_source"`
	Extra         json.RawMessage      `json:"extra,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// NodeEvent is one persisted lifecycle event.
type NodeEvent struct {
	ID        string          `json:"id"`
	NodeID    string          `json:"node_id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Update severities.
const (
	SeveritySecurity    = "security"
	SeverityBugfix      = "bugfix"
	SeverityEnhancement = "enhancement"
)

// ValidSeverity reports whether s is one of the known severities.
func ValidSeverity(s string) bool {
	switch s {
	case SeveritySecurity, SeverityBugfix, SeverityEnhancement:
		return true
	}
	return false
}

// UpdateInfo is one available package update. An empty NodeID means the
// update applies fleet-wide.
type UpdateInfo struct {
	ID               string    `json:"id"`
	NodeID           string    `json:"node_id,omitempty"`
	PackageName      string    `json:"package_name"`
	CurrentVersion   string    `json:"current_version"`
	CandidateVersion string    `json:"candidate_version"`
	Severity         string    `json:"severity"`
	IsApplied        bool      `json:"is_applied"`
	AppliedAt        time.Time `json:"applied_at,omitzero"`
	CreatedAt        time.Time `json:"created_at"`
}

// JobStatus represents the lifecycle of an update job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status ends the job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// UpdateJob is one apply-updates run against a node.
type UpdateJob struct {
	ID             string    `json:"id"`
	NodeID         string    `json:"node_id"`
	UpdateIDs      []string  `json:"update_ids"`
	Status         JobStatus `json:"status"`
	Progress       int       `json:"progress"`
	TotalSteps     int       `json:"total_steps"`
	CompletedSteps int       `json:"completed_steps"`
	CurrentStep    string    `json:"current_step,omitempty"`
	Output         string    `json:"output,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// BackupStatus represents the lifecycle of a backup.
type BackupStatus string

const (
	BackupPending    BackupStatus = "pending"
	BackupInProgress BackupStatus = "in_progress"
	BackupCompleted  BackupStatus = "completed"
	BackupFailed     BackupStatus = "failed"
)

// Backup is one service snapshot taken from a node.
type Backup struct {
	ID         string          `json:"id"`
	NodeID     string          `json:"node_id"`
	Service    string          `json:"service"`
	Status     BackupStatus    `json:"status"`
	SizeBytes  int64           `json:"size_bytes"`
	SHA256     string          `json:"sha256,omitempty"`
	Location   string          `json:"location,omitempty"`
	Error      string          `json:"error,omitempty"`
	Extra      json.RawMessage `json:"extra,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	FinishedAt time.Time       `json:"finished_at"`
}
