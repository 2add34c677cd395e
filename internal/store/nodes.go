package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fleetlab/slm/internal/protocol"
)

// NodeFilter narrows ListNodes. Empty fields match everything.
type NodeFilter struct {
	Status     string
	CodeStatus string
}

// UpsertHeartbeat applies one heartbeat to the registry and returns the
// stored node plus whether this beat registered it. codeStatus is the
// drift evaluation the caller computed for this beat; ip is the address
// the beat arrived from. SSH coordinates come from the heartbeat extra
// and, like ip, keep their last known value when the beat omits them.
// Callers serialize per node, so update-then-insert is race-free here.
func (s *Store) UpsertHeartbeat(hb *protocol.HeartbeatRequest, codeStatus, ip string, now time.Time) (*Node, bool, error) {
	extraJSON, err := json.Marshal(hb.Extra)
	if err != nil {
		return nil, false, fmt.Errorf("encode extra: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE nodes SET
			hostname = ?, status = ?, last_seen = ?, agent_version = ?,
			os_info = ?, cpu_percent = ?, memory_percent = ?, disk_percent = ?,
			commit_hash = ?, branch_name = ?, commit_time = ?,
			code_status = ?, code_source = ?, extra_json = ?,
			ip = COALESCE(NULLIF(?, ''), ip),
			ssh_user = COALESCE(NULLIF(?, ''), ssh_user),
			ssh_port = COALESCE(NULLIF(?, 0), ssh_port)
		WHERE id = ?
	`, hb.Hostname, NodeOnline, now, hb.AgentVersion,
		hb.OSInfo, hb.CPUPercent, hb.MemoryPercent, hb.DiskPercent,
		hb.CodeVersion.CommitHash, hb.CodeVersion.BranchName, nullTime(hb.CodeVersion.CommitTime),
		codeStatus, hb.CodeSource, string(extraJSON),
		ip, hb.Extra.SSHUser, hb.Extra.SSHPort, hb.NodeID)
	if err != nil {
		return nil, false, fmt.Errorf("update node: %w", err)
	}

	created := false
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = s.db.Exec(`
			INSERT INTO nodes (
				id, hostname, ip, ssh_user, ssh_port,
				status, last_seen, agent_version, os_info,
				cpu_percent, memory_percent, disk_percent,
				commit_hash, branch_name, commit_time,
				code_status, code_source, extra_json, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, hb.NodeID, hb.Hostname, ip, hb.Extra.SSHUser, hb.Extra.SSHPort,
			NodeOnline, now, hb.AgentVersion, hb.OSInfo,
			hb.CPUPercent, hb.MemoryPercent, hb.DiskPercent,
			hb.CodeVersion.CommitHash, hb.CodeVersion.BranchName, nullTime(hb.CodeVersion.CommitTime),
			codeStatus, hb.CodeSource, string(extraJSON), now)
		if err != nil {
			return nil, false, fmt.Errorf("insert node: %w", err)
		}
		created = true
	}

	node, err := s.GetNode(hb.NodeID)
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

const nodeColumns = `id, hostname, ip, ssh_user, ssh_port,
	status, last_seen, agent_version, os_info,
	cpu_percent, memory_percent, disk_percent,
	commit_hash, branch_name, commit_time, code_status, code_source,
	extra_json, created_at`

// GetNode retrieves a node by ID.
func (s *Store) GetNode(id string) (*Node, error) {
	row := s.db.QueryRow(`SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	node, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return node, nil
}

// ListNodes returns nodes matching the filter, ordered by hostname then ID.
func (s *Store) ListNodes(f NodeFilter) ([]*Node, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE 1=1`
	var args []any
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.CodeStatus != "" {
		query += ` AND code_status = ?`
		args = append(args, f.CodeStatus)
	}
	query += ` ORDER BY hostname, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

// CountNodes returns how many nodes are registered.
func (s *Store) CountNodes() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM nodes`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count nodes: %w", err)
	}
	return n, nil
}

// SetNodeCodeStatus updates only the drift classification.
func (s *Store) SetNodeCodeStatus(id, status string) error {
	res, err := s.db.Exec(`UPDATE nodes SET code_status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set code status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteNode removes a node from the registry. Its events, jobs, and
// backups stay queryable by node ID.
func (s *Store) DeleteNode(id string) error {
	res, err := s.db.Exec(`DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStaleOffline flips online nodes whose last heartbeat predates the
// cutoff and returns the ones it flipped.
func (s *Store) MarkStaleOffline(cutoff time.Time) ([]*Node, error) {
	rows, err := s.db.Query(`
		SELECT `+nodeColumns+` FROM nodes
		WHERE status = ? AND last_seen IS NOT NULL AND last_seen < ?
	`, NodeOnline, cutoff)
	if err != nil {
		return nil, fmt.Errorf("find stale nodes: %w", err)
	}
	defer rows.Close()

	var stale []*Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stale node: %w", err)
		}
		stale = append(stale, node)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, node := range stale {
		if _, err := s.db.Exec(`UPDATE nodes SET status = ? WHERE id = ?`, NodeOffline, node.ID); err != nil {
			return nil, fmt.Errorf("mark node offline: %w", err)
		}
		node.Status = NodeOffline
	}
	return stale, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var node Node
	var lastSeen, commitTime sql.NullTime
	var extraJSON sql.NullString

	err := row.Scan(&node.ID, &node.Hostname, &node.IP, &node.SSHUser, &node.SSHPort,
		&node.Status, &lastSeen,
		&node.AgentVersion, &node.OSInfo,
		&node.CPUPercent, &node.MemoryPercent, &node.DiskPercent,
		&node.CodeVersion.CommitHash, &node.CodeVersion.BranchName, &commitTime,
		&node.CodeStatus, &node.CodeSource, &extraJSON, &node.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastSeen.Valid {
		node.LastSeen = lastSeen.Time
	}
	if commitTime.Valid {
		node.CodeVersion.CommitTime = commitTime.Time
	}
	if extraJSON.Valid && extraJSON.String != "" {
		node.Extra = json.RawMessage(extraJSON.String)
	}
	return &node, nil
}
