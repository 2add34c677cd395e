package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

// handleUpdatesCheck lists applicable updates. With node_id the scope is
// the node's own rows plus the fleet-wide ones; without it, fleet-wide
// rows only.
func (s *Server) handleUpdatesCheck(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")

	var (
		updates []*store.UpdateInfo
		err     error
	)
	if nodeID != "" {
		if _, err = s.store.GetNode(nodeID); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		} else if err != nil {
			s.log.Error().Err(err).Msg("failed to load node")
			s.writeError(w, http.StatusInternalServerError, "failed to check updates")
			return
		}
		updates, err = s.store.ListUpdatesForNode(nodeID)
	} else {
		updates, err = s.store.ListGlobalUpdates()
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list updates")
		s.writeError(w, http.StatusInternalServerError, "failed to check updates")
		return
	}
	if updates == nil {
		updates = []*store.UpdateInfo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "count": len(updates)})
}

func (s *Server) handleFleetSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetFleetSummary()
	if err != nil {
		s.log.Error().Err(err).Msg("failed to build fleet summary")
		s.writeError(w, http.StatusInternalServerError, "failed to build fleet summary")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// handleRegisterUpdate feeds one available update into the planner, from
// an operator or an external scanner.
func (s *Server) handleRegisterUpdate(w http.ResponseWriter, r *http.Request) {
	var req protocol.RegisterUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid update payload: "+err.Error())
		return
	}
	if req.PackageName == "" || req.CandidateVersion == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "package_name and candidate_version are required")
		return
	}
	if !store.ValidSeverity(req.Severity) {
		s.writeError(w, http.StatusUnprocessableEntity, "severity must be security, bugfix, or enhancement")
		return
	}
	if req.NodeID != "" {
		if _, err := s.store.GetNode(req.NodeID); errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "node not found")
			return
		} else if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to register update")
			return
		}
	}

	u := &store.UpdateInfo{
		ID:               uuid.New().String(),
		NodeID:           req.NodeID,
		PackageName:      req.PackageName,
		CurrentVersion:   req.CurrentVersion,
		CandidateVersion: req.CandidateVersion,
		Severity:         req.Severity,
		CreatedAt:        time.Now().UTC(),
	}
	if err := s.store.InsertUpdate(u); err != nil {
		s.log.Error().Err(err).Msg("failed to register update")
		s.writeError(w, http.StatusInternalServerError, "failed to register update")
		return
	}
	s.log.Info().Str("update", u.ID).Str("package", u.PackageName).
		Str("node", u.NodeID).Str("severity", u.Severity).Msg("update registered")
	s.writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handleDeleteUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DeleteUpdate(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "update not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("update", id).Msg("failed to delete update")
		s.writeError(w, http.StatusInternalServerError, "failed to delete update")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
