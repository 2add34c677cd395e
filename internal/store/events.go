package store

import (
	"database/sql"
	"fmt"
	"time"
)

// InsertEvent persists an event unless its ID was already recorded.
// Returns whether the row was inserted; false means duplicate delivery,
// which is how synced agent buffers stay idempotent.
func (s *Store) InsertEvent(ev *NodeEvent) (bool, error) {
	var details sql.NullString
	if len(ev.Details) > 0 {
		details = sql.NullString{String: string(ev.Details), Valid: true}
	}
	res, err := s.db.Exec(`
		INSERT OR IGNORE INTO node_events (id, node_id, type, message, details_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.NodeID, ev.Type, ev.Message, details, ev.Timestamp)
	if err != nil {
		return false, fmt.Errorf("insert event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	NodeID string
	Type   string
	Limit  int
}

// ListEvents returns events newest-first.
func (s *Store) ListEvents(f EventFilter) ([]*NodeEvent, error) {
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = 100
	}
	query := `SELECT id, node_id, type, message, details_json, created_at FROM node_events WHERE 1=1`
	var args []any
	if f.NodeID != "" {
		query += ` AND node_id = ?`
		args = append(args, f.NodeID)
	}
	if f.Type != "" {
		query += ` AND type = ?`
		args = append(args, f.Type)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, f.Limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []*NodeEvent
	for rows.Next() {
		var ev NodeEvent
		var details sql.NullString
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.Type, &ev.Message, &details, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if details.Valid {
			ev.Details = []byte(details.String)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// CleanupOldEvents removes events older than the retention window.
func (s *Store) CleanupOldEvents(retention time.Duration) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM node_events WHERE created_at < ?`, time.Now().UTC().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("cleanup events: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Debug().Int64("removed", n).Msg("cleaned up old events")
	}
	return n, nil
}
