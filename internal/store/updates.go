package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InsertUpdate registers one available update.
func (s *Store) InsertUpdate(u *UpdateInfo) error {
	_, err := s.db.Exec(`
		INSERT INTO updates (id, node_id, package_name, current_version, candidate_version, severity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.NodeID, u.PackageName, u.CurrentVersion, u.CandidateVersion, u.Severity, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert update: %w", err)
	}
	return nil
}

// DeleteUpdate removes one update.
func (s *Store) DeleteUpdate(id string) error {
	res, err := s.db.Exec(`DELETE FROM updates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkUpdatesApplied flags updates as installed. Applied rows stay in the
// table as history but drop out of every pending-update view.
func (s *Store) MarkUpdatesApplied(ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := []any{at}
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	_, err := s.db.Exec(`
		UPDATE updates SET is_applied = 1, applied_at = ?
		WHERE id IN (`+placeholders+`)
	`, args...)
	if err != nil {
		return fmt.Errorf("mark updates applied: %w", err)
	}
	return nil
}

// GetUpdate retrieves one update by ID.
func (s *Store) GetUpdate(id string) (*UpdateInfo, error) {
	row := s.db.QueryRow(`
		SELECT id, node_id, package_name, current_version, candidate_version, severity, is_applied, applied_at, created_at
		FROM updates WHERE id = ?
	`, id)
	u, err := scanUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get update: %w", err)
	}
	return u, nil
}

// ListUpdatesForNode returns the node's pending updates: unapplied rows
// scoped to the node plus every unapplied fleet-wide row.
func (s *Store) ListUpdatesForNode(nodeID string) ([]*UpdateInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, package_name, current_version, candidate_version, severity, is_applied, applied_at, created_at
		FROM updates WHERE (node_id = ? OR node_id = '') AND is_applied = 0
		ORDER BY created_at, id
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list node updates: %w", err)
	}
	return collectUpdates(rows)
}

// ListGlobalUpdates returns only the unapplied fleet-wide rows.
func (s *Store) ListGlobalUpdates() ([]*UpdateInfo, error) {
	rows, err := s.db.Query(`
		SELECT id, node_id, package_name, current_version, candidate_version, severity, is_applied, applied_at, created_at
		FROM updates WHERE node_id = '' AND is_applied = 0
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list global updates: %w", err)
	}
	return collectUpdates(rows)
}

// HasUpdatesForNode reports whether any pending update applies to the
// node. Used for the pending_update flag in heartbeat responses.
func (s *Store) HasUpdatesForNode(nodeID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM updates
		WHERE (node_id = ? OR node_id = '') AND is_applied = 0
	`, nodeID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count node updates: %w", err)
	}
	return n > 0, nil
}

// NodeUpdateSummary is one node's row in the fleet summary.
type NodeUpdateSummary struct {
	NodeID              string `json:"node_id"`
	Hostname            string `json:"hostname"`
	SystemUpdates       int    `json:"system_updates"`
	CodeUpdateAvailable bool   `json:"code_update_available"`
	CodeStatus          string `json:"code_status"`
	TotalUpdates        int    `json:"total_updates"`
}

// FleetSummary breaks pending updates down per node, with fleet totals.
type FleetSummary struct {
	Nodes            []NodeUpdateSummary `json:"nodes"`
	TotalUpdates     int                 `json:"total_updates"`
	NodesWithUpdates int                 `json:"nodes_with_updates"`
	BySeverity       map[string]int      `json:"by_severity"`
}

// GetFleetSummary builds one row per registered node. A node's count is
// its scoped updates plus every fleet-wide update, plus one when its code
// is outdated; fleet totals count each fleet-wide row once, never
// multiplied per node.
func (s *Store) GetFleetSummary() (*FleetSummary, error) {
	summary := &FleetSummary{
		Nodes:      []NodeUpdateSummary{},
		BySeverity: make(map[string]int),
	}

	rows, err := s.db.Query(`
		SELECT n.id, n.hostname, n.code_status,
			(SELECT COUNT(*) FROM updates u WHERE u.node_id = n.id AND u.is_applied = 0)
		FROM nodes n ORDER BY n.id
	`)
	if err != nil {
		return nil, fmt.Errorf("summarize nodes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ns NodeUpdateSummary
		if err := rows.Scan(&ns.NodeID, &ns.Hostname, &ns.CodeStatus, &ns.SystemUpdates); err != nil {
			return nil, fmt.Errorf("scan node summary: %w", err)
		}
		summary.Nodes = append(summary.Nodes, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var global int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM updates WHERE node_id = '' AND is_applied = 0`).Scan(&global)
	if err != nil {
		return nil, fmt.Errorf("count global updates: %w", err)
	}

	sevRows, err := s.db.Query(`SELECT severity, COUNT(*) FROM updates WHERE is_applied = 0 GROUP BY severity`)
	if err != nil {
		return nil, fmt.Errorf("summarize updates: %w", err)
	}
	defer sevRows.Close()
	for sevRows.Next() {
		var severity string
		var count int
		if err := sevRows.Scan(&severity, &count); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summary.BySeverity[severity] = count
		summary.TotalUpdates += count
	}
	if err := sevRows.Err(); err != nil {
		return nil, err
	}

	for i := range summary.Nodes {
		ns := &summary.Nodes[i]
		ns.SystemUpdates += global
		ns.CodeUpdateAvailable = ns.CodeStatus == CodeOutdated
		ns.TotalUpdates = ns.SystemUpdates
		if ns.CodeUpdateAvailable {
			ns.TotalUpdates++
		}
		if ns.TotalUpdates > 0 {
			summary.NodesWithUpdates++
		}
	}
	return summary, nil
}

func collectUpdates(rows *sql.Rows) ([]*UpdateInfo, error) {
	defer rows.Close()
	var updates []*UpdateInfo
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

func scanUpdate(row rowScanner) (*UpdateInfo, error) {
	var u UpdateInfo
	var appliedAt sql.NullTime
	if err := row.Scan(&u.ID, &u.NodeID, &u.PackageName, &u.CurrentVersion,
		&u.CandidateVersion, &u.Severity, &u.IsApplied, &appliedAt, &u.CreatedAt); err != nil {
		return nil, err
	}
	if appliedAt.Valid {
		u.AppliedAt = appliedAt.Time
	}
	return &u, nil
}
