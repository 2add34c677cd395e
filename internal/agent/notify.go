package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/fleetlab/slm/internal/protocol"
)

// notifyRouter serves the code-source agent's loopback API. The git
// post-receive hook posts here; there is no auth because the listener
// binds 127.0.0.1 only.
func (a *Agent) notifyRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/api/code-change", a.handleCodeChange)
	r.Get("/api/health", a.handleNotifyHealth)
	return r
}

func (a *Agent) handleCodeChange(w http.ResponseWriter, r *http.Request) {
	var v protocol.CodeVersion
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		notifyError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if v.CommitHash == "" {
		notifyError(w, http.StatusBadRequest, "commit_hash is required")
		return
	}
	if v.CommitTime.IsZero() {
		v.CommitTime = time.Now().UTC()
	}

	if err := a.setCodeVersion(v); err != nil {
		a.log.Error().Err(err).Msg("failed to persist code version")
	}

	details, _ := json.Marshal(v)
	_, err := a.buf.Append(protocol.BufferedEvent{
		ID:        uuid.New().String(),
		Type:      protocol.EventCodeChange,
		Message:   "code version " + v.Short() + " on " + v.BranchName,
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to buffer code change")
	}
	a.kickSync()

	// Out-of-band push so the controller learns about the commit before
	// the next heartbeat. Fire and forget: the hook must return fast,
	// and a miss self-heals via heartbeat.
	go a.pushCodeSync(v)

	writeNotifyJSON(w, http.StatusAccepted, map[string]any{
		"status": "ok",
		"commit": v.CommitHash,
	})
}

func (a *Agent) handleNotifyHealth(w http.ResponseWriter, r *http.Request) {
	writeNotifyJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"node_id": a.cfg.NodeID,
		"version": Version,
	})
}

func (a *Agent) pushCodeSync(v protocol.CodeVersion) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := a.client.PostJSON(ctx, "/api/v1/slm/code-sync",
		protocol.CodeSyncRequest{NodeID: a.cfg.NodeID, CodeVersion: v}, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("commit", v.Short()).
			Msg("code-sync push failed; next heartbeat carries the version")
	}
}

func writeNotifyJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func notifyError(w http.ResponseWriter, status int, msg string) {
	writeNotifyJSON(w, status, protocol.ErrorResponse{Error: msg})
}
