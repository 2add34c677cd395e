package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateBackup journals a new backup in pending state.
func (s *Store) CreateBackup(b *Backup) error {
	_, err := s.db.Exec(`
		INSERT INTO backups (id, node_id, service, status, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, b.ID, b.NodeID, b.Service, string(b.Status), b.CreatedAt)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	return nil
}

// SetBackupStatus moves a backup between lifecycle states.
func (s *Store) SetBackupStatus(id string, status BackupStatus) error {
	_, err := s.db.Exec(`UPDATE backups SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set backup status: %w", err)
	}
	return nil
}

// FinishBackup records the terminal outcome of a backup run.
func (s *Store) FinishBackup(b *Backup, at time.Time) error {
	var extra sql.NullString
	if len(b.Extra) > 0 {
		extra = sql.NullString{String: string(b.Extra), Valid: true}
	}
	_, err := s.db.Exec(`
		UPDATE backups SET status = ?, size_bytes = ?, sha256 = ?, location = ?,
		       error = ?, extra_json = ?, finished_at = ?
		WHERE id = ?
	`, string(b.Status), b.SizeBytes, b.SHA256, b.Location, b.Error, extra, at, b.ID)
	if err != nil {
		return fmt.Errorf("finish backup: %w", err)
	}
	return nil
}

// GetBackup retrieves a backup by ID.
func (s *Store) GetBackup(id string) (*Backup, error) {
	row := s.db.QueryRow(`
		SELECT id, node_id, service, status, size_bytes, sha256, location, error, extra_json,
		       created_at, finished_at
		FROM backups WHERE id = ?
	`, id)
	b, err := scanBackup(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup: %w", err)
	}
	return b, nil
}

// ListBackups returns backups newest-first, optionally scoped to a node.
func (s *Store) ListBackups(nodeID string, limit int) ([]*Backup, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT id, node_id, service, status, size_bytes, sha256, location, error, extra_json,
		       created_at, finished_at
		FROM backups WHERE 1=1`
	var args []any
	if nodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, nodeID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	defer rows.Close()

	var backups []*Backup
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup: %w", err)
		}
		backups = append(backups, b)
	}
	return backups, rows.Err()
}

func scanBackup(row rowScanner) (*Backup, error) {
	var b Backup
	var status string
	var extra sql.NullString
	var finishedAt sql.NullTime

	err := row.Scan(&b.ID, &b.NodeID, &b.Service, &status, &b.SizeBytes,
		&b.SHA256, &b.Location, &b.Error, &extra, &b.CreatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	b.Status = BackupStatus(status)
	if extra.Valid && extra.String != "" {
		b.Extra = []byte(extra.String)
	}
	if finishedAt.Valid {
		b.FinishedAt = finishedAt.Time
	}
	return &b, nil
}
