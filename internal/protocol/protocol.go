// Package protocol defines the HTTP payloads shared between agent and controller.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types recorded against nodes. Agent-buffered events keep whatever
// type the agent assigned; the controller persists them as-is.
const (
	EventNodeRegistered      = "node_registered"
	EventNodeOffline         = "node_offline"
	EventCodeDriftDetected   = "code_drift_detected"
	EventDeploymentStarted   = "deployment_started"
	EventDeploymentCompleted = "deployment_completed"
	EventDeploymentFailed    = "deployment_failed"
	EventBackupStarted       = "backup_started"
	EventBackupCompleted     = "backup_completed"
	EventBackupFailed        = "backup_failed"
	EventRestoreStarted      = "restore_started"
	EventRestoreCompleted    = "restore_completed"
	EventRestoreFailed       = "restore_failed"

	// EventHeartbeat doubles as a live stream frame and a buffered agent
	// event. Live ingest publishes it to the bus without persisting;
	// heartbeats an agent could not deliver arrive later through the
	// sync endpoint and are recorded like any other buffered event.
	EventHeartbeat = "heartbeat"

	// EventCodeChange is buffered by the code-source agent's git hook.
	EventCodeChange = "code_change"

	// EventJobProgress carries running-job state on jobs:{id} topics.
	EventJobProgress = "job_progress"
)

// CodeVersion identifies a checkout of the fleet configuration repo.
// The zero value means "unknown".
type CodeVersion struct {
	CommitHash string    `json:"commit_hash"`
	BranchName string    `json:"branch_name"`
	CommitTime time.Time `json:"commit_time"`
}

// IsZero reports whether the version carries no information.
func (v CodeVersion) IsZero() bool {
	return v.CommitHash == "" && v.BranchName == "" && v.CommitTime.IsZero()
}

// Equal reports whether both versions describe the same commit.
func (v CodeVersion) Equal(o CodeVersion) bool {
	return v.CommitHash == o.CommitHash &&
		v.BranchName == o.BranchName &&
		v.CommitTime.Equal(o.CommitTime)
}

// NewerThan reports whether v was committed after o.
func (v CodeVersion) NewerThan(o CodeVersion) bool {
	return v.CommitTime.After(o.CommitTime)
}

// Short returns an abbreviated commit hash for logs.
func (v CodeVersion) Short() string {
	if len(v.CommitHash) > 8 {
		return v.CommitHash[:8]
	}
	return v.CommitHash
}

// HeartbeatExtra carries the free-form portion of a heartbeat. The
// controller stores it verbatim in the node's extra column.
type HeartbeatExtra struct {
	Services           map[string]string `json:"services,omitempty"`
	DiscoveredServices []string          `json:"discovered_services,omitempty"`
	LoadAvg            []float64         `json:"load_avg,omitempty"`
	UptimeSeconds      uint64            `json:"uptime,omitempty"`
	Hostname           string            `json:"hostname,omitempty"`

	// How the controller should reach this node over SSH. Optional;
	// the controller falls back to its own SSH defaults.
	SSHUser string `json:"ssh_user,omitempty"`
	SSHPort int    `json:"ssh_port,omitempty"`
}

// HeartbeatRequest is posted by the agent on every beat.
type HeartbeatRequest struct {
	NodeID        string         `json:"node_id"`
	Hostname      string         `json:"hostname"`
	AgentVersion  string         `json:"agent_version"`
	OSInfo        string         `json:"os_info"`
	CPUPercent    float64        `json:"cpu_percent"`
	MemoryPercent float64        `json:"memory_percent"`
	DiskPercent   float64        `json:"disk_percent"`
	CodeVersion   CodeVersion    `json:"code_version"`
	CodeSource    bool           `json:"code_source"`
	BufferLen     int            `json:"buffer_len"`
	Extra         HeartbeatExtra `json:"extra"`
}

// Validate checks the fields the controller refuses to ingest without.
func (r *HeartbeatRequest) Validate() error {
	if r.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	for name, v := range map[string]float64{
		"cpu_percent":    r.CPUPercent,
		"memory_percent": r.MemoryPercent,
		"disk_percent":   r.DiskPercent,
	} {
		if v < 0 || v > 100 {
			return fmt.Errorf("%s out of range: %v", name, v)
		}
	}
	return nil
}

// HeartbeatResponse tells the agent whether work is waiting for it.
// LatestVersion is the canonical code commit, when one is known.
type HeartbeatResponse struct {
	Status        string `json:"status"`
	PendingUpdate bool   `json:"pending_update"`
	LatestVersion string `json:"latest_version,omitempty"`
	SyncHint      bool   `json:"sync_hint"`
}

// BufferedEvent is one agent-side event awaiting delivery. Seq is the
// agent's local buffer sequence and is meaningless to anyone else; ID is
// the globally unique identity used for server-side deduplication.
type BufferedEvent struct {
	Seq       uint64          `json:"seq"`
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// MaxSyncBatch bounds how many buffered events one sync request may carry.
const MaxSyncBatch = 100

// EventSyncRequest drains a slice of the agent's event buffer.
type EventSyncRequest struct {
	NodeID string          `json:"node_id"`
	Events []BufferedEvent `json:"events"`
}

// EventSyncResponse acknowledges a sync batch. AckedSeq is the highest
// buffer sequence the agent may delete; duplicates count as delivered.
type EventSyncResponse struct {
	Accepted  int    `json:"accepted"`
	Duplicate int    `json:"duplicate"`
	AckedSeq  uint64 `json:"acked_seq"`
}

// CodeSyncRequest announces a new canonical code version. Posted by the
// code-source agent's notify hook, forwarded to the controller.
type CodeSyncRequest struct {
	NodeID string `json:"node_id,omitempty"`
	CodeVersion
}

// CodeSyncResponse reports how many nodes were re-evaluated.
type CodeSyncResponse struct {
	Status       string `json:"status"`
	UpdatedNodes int    `json:"updated_nodes"`
}

// ApplyUpdatesRequest asks the controller to install updates on a node.
type ApplyUpdatesRequest struct {
	NodeID    string   `json:"node_id"`
	UpdateIDs []string `json:"update_ids"`
}

// RegisterUpdateRequest feeds one available update into the planner.
type RegisterUpdateRequest struct {
	NodeID           string `json:"node_id,omitempty"`
	PackageName      string `json:"package_name"`
	CurrentVersion   string `json:"current_version"`
	CandidateVersion string `json:"candidate_version"`
	Severity         string `json:"severity"`
}

// CreateBackupRequest asks for a service snapshot on a node.
type CreateBackupRequest struct {
	NodeID  string `json:"node_id"`
	Service string `json:"service,omitempty"`
}

// VerifyResult is the outcome of a backup checksum verification.
type VerifyResult struct {
	Status   string `json:"status"` // valid, mismatch, error
	Checksum string `json:"checksum,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Error    string `json:"error,omitempty"`
}

// RestoreBackupRequest targets a restore. An empty TargetNodeID restores
// onto the node the backup was taken from.
type RestoreBackupRequest struct {
	TargetNodeID string `json:"target_node_id,omitempty"`
}

// StreamFrame is the envelope for every WebSocket event frame.
type StreamFrame struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorResponse is the uniform error body for HTTP failures.
type ErrorResponse struct {
	Error string `json:"error"`
}
