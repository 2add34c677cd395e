package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlab/slm/internal/backup"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid backup payload: "+err.Error())
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "node_id is required")
		return
	}

	b, err := s.backups.Start(req.NodeID, req.Service)
	switch {
	case errors.Is(err, backup.ErrUnsupportedService):
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("node", req.NodeID).Msg("failed to start backup")
		s.writeError(w, http.StatusInternalServerError, "failed to start backup")
		return
	}
	s.writeJSON(w, http.StatusAccepted, b)
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := s.store.ListBackups(r.URL.Query().Get("node_id"), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list backups")
		s.writeError(w, http.StatusInternalServerError, "failed to list backups")
		return
	}
	if list == nil {
		list = []*store.Backup{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"backups": list, "count": len(list)})
}

func (s *Server) handleGetBackup(w http.ResponseWriter, r *http.Request) {
	b, err := s.store.GetBackup(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load backup")
		s.writeError(w, http.StatusInternalServerError, "failed to load backup")
		return
	}
	s.writeJSON(w, http.StatusOK, b)
}

// handleRestoreBackup pushes a completed snapshot back onto a node. The
// restore runs synchronously; the caller waits for the health check.
func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req protocol.RestoreBackupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid restore payload: "+err.Error())
		return
	}

	err := s.backups.Restore(r.Context(), id, req.TargetNodeID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backup.ErrNotRestorable):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		s.log.Error().Err(err).Str("backup", id).Msg("restore failed")
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "restored", "backup_id": id})
	}
}

func (s *Server) handleVerifyBackup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, err := s.backups.Verify(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "backup not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("backup", id).Msg("verification failed")
		s.writeError(w, http.StatusInternalServerError, "failed to verify backup")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
