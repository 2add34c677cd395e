package controller

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fleetlab/slm/internal/store"
)

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.ListNodes(store.NodeFilter{
		Status:     r.URL.Query().Get("status"),
		CodeStatus: r.URL.Query().Get("code_status"),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list nodes")
		s.writeError(w, http.StatusInternalServerError, "failed to list nodes")
		return
	}
	if nodes == nil {
		nodes = []*store.Node{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"nodes": nodes, "count": len(nodes)})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	node, err := s.store.GetNode(chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load node")
		s.writeError(w, http.StatusInternalServerError, "failed to load node")
		return
	}
	s.writeJSON(w, http.StatusOK, node)
}

// handleDeleteNode drops the node from the registry. Its event, job, and
// backup history stays queryable by node ID.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.store.DeleteNode(id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "node not found")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("node", id).Msg("failed to delete node")
		s.writeError(w, http.StatusInternalServerError, "failed to delete node")
		return
	}
	s.log.Info().Str("node", id).Msg("node removed from registry")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodeEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{NodeID: chi.URLParam(r, "id")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			s.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = limit
	}
	events, err := s.store.ListEvents(f)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list node events")
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*store.NodeEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
