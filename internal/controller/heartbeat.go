package controller

import (
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/fleetlab/slm/internal/bus"
	"github.com/fleetlab/slm/internal/drift"
	"github.com/fleetlab/slm/internal/protocol"
)

// handleHeartbeat ingests one agent beat: registry upsert, drift
// re-evaluation, pending-work computation. Live heartbeats flow to the
// bus only; the durable event trail is reserved for lifecycle events.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb protocol.HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid heartbeat payload: "+err.Error())
		return
	}
	if err := hb.Validate(); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	// Serialize per node so two beats from the same agent cannot
	// interleave their read-evaluate-write cycles.
	lock := s.nodeLock(hb.NodeID)
	lock.Lock()
	defer lock.Unlock()

	if s.tracker.UpdateFromHeartbeat(hb.CodeVersion, hb.CodeSource) {
		s.persistCanonical()
	}
	codeStatus := s.tracker.Evaluate(hb.CodeVersion)

	prev, err := s.store.GetNode(hb.NodeID)
	wasOutdated := err == nil && prev.CodeStatus == drift.StatusOutdated

	node, created, err := s.store.UpsertHeartbeat(&hb, codeStatus, remoteIP(r), time.Now().UTC())
	if err != nil {
		s.log.Error().Err(err).Str("node", hb.NodeID).Msg("heartbeat upsert failed")
		s.writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}

	if created {
		s.log.Info().Str("node", node.ID).Str("hostname", node.Hostname).
			Msg("node registered")
		s.sink.Emit(node.ID, protocol.EventNodeRegistered,
			"Node registered via first heartbeat",
			map[string]any{"hostname": node.Hostname, "agent_version": node.AgentVersion})
	}

	// Drift events fire on the transition into outdated, not while a
	// node stays there.
	if codeStatus == drift.StatusOutdated && !wasOutdated {
		canonical := s.tracker.Canonical()
		s.sink.Emit(node.ID, protocol.EventCodeDriftDetected,
			"Node code version diverged from canonical",
			map[string]any{
				"node_commit":      hb.CodeVersion.Short(),
				"canonical_commit": canonical.Short(),
			})
	}

	pending, err := s.store.HasUpdatesForNode(node.ID)
	if err != nil {
		s.log.Error().Err(err).Str("node", node.ID).Msg("pending update lookup failed")
	}
	if !pending {
		pending = codeStatus == drift.StatusOutdated
	}

	// Live metrics go to the node's topic and the global firehose so
	// fleet-wide dashboards see them without subscribing per node.
	frame := protocol.StreamFrame{
		Type:      protocol.EventHeartbeat,
		Data:      node,
		Timestamp: time.Now().UTC(),
	}
	s.bus.Publish(bus.NodeTopic(node.ID), frame)
	s.bus.Publish(bus.TopicGlobal, frame)

	var latest string
	if canonical := s.tracker.Canonical(); !canonical.IsZero() {
		latest = canonical.CommitHash
	}
	s.writeJSON(w, http.StatusOK, protocol.HeartbeatResponse{
		Status:        "ok",
		PendingUpdate: pending,
		LatestVersion: latest,
		SyncHint:      hb.BufferLen > 0,
	})
}

// remoteIP strips the port from the request's remote address. The chi
// RealIP middleware already rewrote it when a proxy header was present.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// persistCanonical journals the tracker's canonical version so a
// restarted controller does not misclassify the fleet as unknown.
func (s *Server) persistCanonical() {
	if err := s.store.SetMeta(canonicalMetaKey, s.tracker.Canonical()); err != nil {
		s.log.Error().Err(err).Msg("failed to persist canonical code version")
	}
}
