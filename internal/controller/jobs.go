package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlab/slm/internal/jobs"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

func (s *Server) handleApplyUpdates(w http.ResponseWriter, r *http.Request) {
	var req protocol.ApplyUpdatesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid apply payload: "+err.Error())
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "node_id is required")
		return
	}
	if len(req.UpdateIDs) == 0 {
		s.writeError(w, http.StatusUnprocessableEntity, "update_ids must not be empty")
		return
	}

	job, err := s.engine.Submit(req.NodeID, req.UpdateIDs)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, jobs.ErrNodeBusy):
		s.writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.log.Error().Err(err).Str("node", req.NodeID).Msg("failed to submit job")
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{
		NodeID: r.URL.Query().Get("node_id"),
		Status: store.JobStatus(r.URL.Query().Get("status")),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}
	list, err := s.store.ListJobs(f)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list jobs")
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if list == nil {
		list = []*store.UpdateJob{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load job")
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleCancelJob requests a cooperative stop. The job turns cancelled
// at its next step boundary, so the response is 202, not 200.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.engine.Cancel(id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrJobTerminal):
		s.writeError(w, http.StatusBadRequest, "job already in a terminal state")
	case err != nil:
		s.log.Error().Err(err).Str("job", id).Msg("failed to cancel job")
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
	default:
		s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling", "job_id": id})
	}
}
