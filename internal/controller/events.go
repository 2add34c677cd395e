package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fleetlab/slm/internal/bus"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

// handleEventSync drains one batch of an agent's offline buffer. The
// event UUID dedupes replays, so the agent may resend a batch whose
// acknowledgment it never saw.
func (s *Server) handleEventSync(w http.ResponseWriter, r *http.Request) {
	var req protocol.EventSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid sync payload: "+err.Error())
		return
	}
	if req.NodeID == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "node_id is required")
		return
	}
	if len(req.Events) > protocol.MaxSyncBatch {
		s.writeError(w, http.StatusUnprocessableEntity,
			fmt.Sprintf("batch exceeds %d events", protocol.MaxSyncBatch))
		return
	}

	var resp protocol.EventSyncResponse
	for _, be := range req.Events {
		if be.ID == "" || be.Type == "" {
			s.writeError(w, http.StatusUnprocessableEntity, "events require id and type")
			return
		}
		ts := be.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		ev := &store.NodeEvent{
			ID:        be.ID,
			NodeID:    req.NodeID,
			Type:      be.Type,
			Message:   be.Message,
			Details:   be.Details,
			Timestamp: ts,
		}
		inserted, err := s.store.InsertEvent(ev)
		if err != nil {
			s.log.Error().Err(err).Str("node", req.NodeID).Str("event", be.ID).
				Msg("failed to persist synced event")
			s.writeError(w, http.StatusInternalServerError, "failed to persist events")
			return
		}
		if inserted {
			resp.Accepted++
			frame := protocol.StreamFrame{Type: ev.Type, Data: ev, Timestamp: ev.Timestamp}
			s.bus.Publish(bus.TopicGlobal, frame)
			s.bus.Publish(bus.NodeTopic(req.NodeID), frame)
		} else {
			resp.Duplicate++
		}
		if be.Seq > resp.AckedSeq {
			resp.AckedSeq = be.Seq
		}
	}

	s.log.Debug().Str("node", req.NodeID).Int("accepted", resp.Accepted).
		Int("duplicate", resp.Duplicate).Uint64("acked_seq", resp.AckedSeq).
		Msg("event batch synced")
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	f := store.EventFilter{
		NodeID: r.URL.Query().Get("node_id"),
		Type:   r.URL.Query().Get("type"),
	}
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
		s.log.Error().Err(err).Msg("failed to list events")
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []*store.NodeEvent{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}
