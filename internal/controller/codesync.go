package controller

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/drift"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

// LoadCanonical reads the persisted canonical code version. A fresh
// database yields the zero version, which classifies everything unknown
// until the first code-sync or code-source heartbeat.
func LoadCanonical(st *store.Store, log zerolog.Logger) protocol.CodeVersion {
	var v protocol.CodeVersion
	err := st.GetMeta(canonicalMetaKey, &v)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Error().Err(err).Msg("failed to load canonical code version")
	}
	return v
}

// handleCodeSync receives the git hook's announcement of a new canonical
// version and reclassifies the whole fleet against it.
func (s *Server) handleCodeSync(w http.ResponseWriter, r *http.Request) {
	var req protocol.CodeSyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "invalid code-sync payload: "+err.Error())
		return
	}
	if req.CommitHash == "" {
		s.writeError(w, http.StatusUnprocessableEntity, "commit_hash is required")
		return
	}

	changed := s.tracker.UpdateFromHook(req.CodeVersion)
	if changed {
		s.persistCanonical()
	}

	updated, err := s.reclassifyFleet()
	if err != nil {
		s.log.Error().Err(err).Msg("fleet reclassification failed")
		s.writeError(w, http.StatusInternalServerError, "failed to re-evaluate nodes")
		return
	}

	s.log.Info().Str("commit", req.Short()).Str("source", req.NodeID).
		Int("updated_nodes", updated).Bool("changed", changed).
		Msg("canonical code version synced")
	s.writeJSON(w, http.StatusOK, protocol.CodeSyncResponse{
		Status:       "ok",
		UpdatedNodes: updated,
	})
}

// reclassifyFleet re-evaluates every node against the canonical version
// and returns how many changed classification. Transitions into
// outdated emit a drift event; staying outdated stays quiet.
func (s *Server) reclassifyFleet() (int, error) {
	nodes, err := s.store.ListNodes(store.NodeFilter{})
	if err != nil {
		return 0, err
	}

	canonical := s.tracker.Canonical()
	updated := 0
	for _, node := range nodes {
		status := s.tracker.Evaluate(node.CodeVersion)
		if status == node.CodeStatus {
			continue
		}
		if err := s.store.SetNodeCodeStatus(node.ID, status); err != nil {
			s.log.Error().Err(err).Str("node", node.ID).Msg("failed to update code status")
			continue
		}
		updated++
		if status == drift.StatusOutdated {
			s.sink.Emit(node.ID, protocol.EventCodeDriftDetected,
				"Node code version diverged from canonical",
				map[string]any{
					"node_commit":      node.CodeVersion.Short(),
					"canonical_commit": canonical.Short(),
				})
		}
	}
	return updated, nil
}
