package controller

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetlab/slm/internal/drift"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
)

// TestRolloutHappyPath walks a full deployment: node joins, updates are
// registered, the job runs to completion and marks the rows applied.
func TestRolloutHappyPath(t *testing.T) {
	env := newTestEnv(t, "")
	env.beat(t, heartbeatFor("web-1"))

	var ids []string
	for _, pkg := range []struct{ name, version string }{
		{"nginx", "1.24.0-2"},
		{"openssl", "3.0.13-1"},
	} {
		rec := env.do(t, http.MethodPost, "/api/updates", protocol.RegisterUpdateRequest{
			NodeID: "web-1", PackageName: pkg.name, CandidateVersion: pkg.version,
			Severity: store.SeveritySecurity,
		})
		if rec.Code != http.StatusCreated {
			t.Fatalf("register %s: status %d", pkg.name, rec.Code)
		}
		ids = append(ids, decodeBody[store.UpdateInfo](t, rec).ID)
	}

	rec := env.do(t, http.MethodPost, "/api/updates/apply", protocol.ApplyUpdatesRequest{
		NodeID: "web-1", UpdateIDs: ids,
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("apply: status %d, body %s", rec.Code, rec.Body)
	}
	job := decodeBody[store.UpdateJob](t, rec)

	done := waitForJobStatus(t, env, job.ID, store.JobCompleted)
	if done.Progress != 100 {
		t.Fatalf("progress = %d, want 100", done.Progress)
	}
	if done.TotalSteps != 2 || done.CompletedSteps != 2 {
		t.Fatalf("steps = %d/%d, want 2/2", done.CompletedSteps, done.TotalSteps)
	}
	if done.CurrentStep != "Completed" {
		t.Fatalf("current_step = %q, want Completed", done.CurrentStep)
	}
	if env.runner.callCount() != 2 {
		t.Fatalf("install commands = %d, want 2", env.runner.callCount())
	}
	for _, cmd := range env.runner.commands() {
		if !strings.Contains(cmd, "apt-get install -y") {
			t.Fatalf("unexpected install command %q", cmd)
		}
	}

	if evs := env.eventsOfType(t, "web-1", protocol.EventDeploymentCompleted); len(evs) != 1 {
		t.Fatalf("deployment_completed events = %d, want 1", len(evs))
	}

	// Applied updates disappear from the node's pending set but stay
	// behind as history with their timestamp.
	check := decodeBody[map[string]any](t, env.do(t, http.MethodGet, "/api/updates/check?node_id=web-1", nil))
	if int(check["count"].(float64)) != 0 {
		t.Fatalf("updates remaining = %v, want 0", check["count"])
	}
	for _, id := range ids {
		u, err := env.st.GetUpdate(id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if !u.IsApplied || u.AppliedAt.IsZero() {
			t.Fatalf("%s not marked applied: %+v", id, u)
		}
	}
}

func TestRolloutContinuesPastFailedStep(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.failOn = "nginx"
	env.beat(t, heartbeatFor("web-1"))

	var ids []string
	for _, pkg := range []string{"nginx", "openssl"} {
		rec := env.do(t, http.MethodPost, "/api/updates", protocol.RegisterUpdateRequest{
			NodeID: "web-1", PackageName: pkg, CandidateVersion: "1.0-1",
			Severity: store.SeverityBugfix,
		})
		ids = append(ids, decodeBody[store.UpdateInfo](t, rec).ID)
	}
	rec := env.do(t, http.MethodPost, "/api/updates/apply", protocol.ApplyUpdatesRequest{
		NodeID: "web-1", UpdateIDs: ids,
	})
	job := decodeBody[store.UpdateJob](t, rec)

	done := waitForJobStatus(t, env, job.ID, store.JobFailed)
	if done.Error != "Failed to install 1 package(s)" {
		t.Fatalf("job error = %q", done.Error)
	}
	if done.Progress != 100 {
		t.Fatalf("progress = %d, want 100 (both steps attempted)", done.Progress)
	}
	if env.runner.callCount() != 2 {
		t.Fatalf("install commands = %d, want 2", env.runner.callCount())
	}
}

// TestCancelMidRollout blocks the first install step, cancels the job,
// then releases the step. The job must end cancelled without running
// the second step.
func TestCancelMidRollout(t *testing.T) {
	env := newTestEnv(t, "")
	env.runner.release = make(chan struct{})
	env.beat(t, heartbeatFor("web-1"))

	var ids []string
	for _, pkg := range []string{"nginx", "openssl"} {
		rec := env.do(t, http.MethodPost, "/api/updates", protocol.RegisterUpdateRequest{
			NodeID: "web-1", PackageName: pkg, CandidateVersion: "1.0-1",
			Severity: store.SeverityBugfix,
		})
		ids = append(ids, decodeBody[store.UpdateInfo](t, rec).ID)
	}
	rec := env.do(t, http.MethodPost, "/api/updates/apply", protocol.ApplyUpdatesRequest{
		NodeID: "web-1", UpdateIDs: ids,
	})
	job := decodeBody[store.UpdateJob](t, rec)

	// Wait until the first step is in flight.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && env.runner.callCount() == 0 {
		time.Sleep(2 * time.Millisecond)
	}
	if env.runner.callCount() != 1 {
		t.Fatalf("in-flight commands = %d, want 1", env.runner.callCount())
	}

	if rec := env.do(t, http.MethodPost, "/api/jobs/"+job.ID+"/cancel", nil); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: status %d, body %s", rec.Code, rec.Body)
	}

	// The in-flight step finishes; the cancel lands at the boundary.
	env.runner.release <- struct{}{}
	done := waitForJobStatus(t, env, job.ID, store.JobCancelled)
	if done.Status != store.JobCancelled {
		t.Fatalf("status = %s", done.Status)
	}
	if done.TotalSteps != 2 || done.CompletedSteps != 1 {
		t.Fatalf("steps = %d/%d, want 1/2", done.CompletedSteps, done.TotalSteps)
	}
	if env.runner.callCount() != 1 {
		t.Fatalf("commands after cancel = %d, want 1 (second step skipped)", env.runner.callCount())
	}
}

// TestBackupVerifyDetectsCorruption seeds a completed backup whose
// artefact is then corrupted on disk: verify must flip from valid to
// mismatch with both checksums reported.
func TestBackupVerifyDetectsCorruption(t *testing.T) {
	env := newTestEnv(t, "")
	env.beat(t, heartbeatFor("cache-1"))

	payload := []byte("REDIS0011-snapshot-bytes")
	sum := sha256.Sum256(payload)
	location := filepath.Join(env.backupDir, "bk-1.rdb")
	if err := os.WriteFile(location, payload, 0o600); err != nil {
		t.Fatal(err)
	}

	b := &store.Backup{ID: "bk-1", NodeID: "cache-1", Service: "redis",
		Status: store.BackupPending, CreatedAt: time.Now().UTC()}
	if err := env.st.CreateBackup(b); err != nil {
		t.Fatalf("seed backup: %v", err)
	}
	b.Status = store.BackupCompleted
	b.SHA256 = hex.EncodeToString(sum[:])
	b.Location = location
	b.SizeBytes = int64(len(payload))
	if err := env.st.FinishBackup(b, time.Now().UTC()); err != nil {
		t.Fatalf("finish backup: %v", err)
	}

	result := decodeBody[protocol.VerifyResult](t, env.do(t, http.MethodGet, "/api/backups/bk-1/verify", nil))
	if result.Status != "valid" {
		t.Fatalf("pristine verify = %+v", result)
	}

	// Verification reads state, it does not create any.
	if rec := env.do(t, http.MethodPost, "/api/backups/bk-1/verify", nil); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST verify: status %d, want 405", rec.Code)
	}

	payload[0] ^= 0xff
	if err := os.WriteFile(location, payload, 0o600); err != nil {
		t.Fatal(err)
	}
	result = decodeBody[protocol.VerifyResult](t, env.do(t, http.MethodGet, "/api/backups/bk-1/verify", nil))
	if result.Status != "mismatch" {
		t.Fatalf("corrupted verify = %+v", result)
	}
	if result.Expected != b.SHA256 || result.Actual == "" || result.Actual == result.Expected {
		t.Fatalf("checksums = %+v", result)
	}

	if err := os.Remove(location); err != nil {
		t.Fatal(err)
	}
	result = decodeBody[protocol.VerifyResult](t, env.do(t, http.MethodGet, "/api/backups/bk-1/verify", nil))
	if result.Status != "error" {
		t.Fatalf("missing artefact verify = %+v", result)
	}
}

// TestCodeDriftDetectAndClear drives the full drift cycle: hook push
// marks the fleet outdated exactly once per node, and nodes clear their
// status by heartbeating the new version.
func TestCodeDriftDetectAndClear(t *testing.T) {
	env := newTestEnv(t, "")

	v1 := protocol.CodeVersion{CommitHash: "aaaa1111", BranchName: "main",
		CommitTime: time.Now().UTC().Add(-time.Hour).Truncate(time.Second)}
	v2 := protocol.CodeVersion{CommitHash: "bbbb2222", BranchName: "main",
		CommitTime: time.Now().UTC().Truncate(time.Second)}

	for _, id := range []string{"web-1", "web-2"} {
		hb := heartbeatFor(id)
		hb.CodeVersion = v1
		env.beat(t, hb)
	}

	// Hook announces v2; both nodes are now outdated.
	rec := env.do(t, http.MethodPost, "/api/v1/slm/code-sync", protocol.CodeSyncRequest{
		NodeID: "web-1", CodeVersion: v2,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("code-sync: status %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeBody[protocol.CodeSyncResponse](t, rec)
	if resp.UpdatedNodes != 2 {
		t.Fatalf("updated_nodes = %d, want 2", resp.UpdatedNodes)
	}
	for _, id := range []string{"web-1", "web-2"} {
		node, _ := env.st.GetNode(id)
		if node.CodeStatus != drift.StatusOutdated {
			t.Fatalf("%s code_status = %s, want outdated", id, node.CodeStatus)
		}
		if evs := env.eventsOfType(t, id, protocol.EventCodeDriftDetected); len(evs) != 1 {
			t.Fatalf("%s drift events = %d, want 1", id, len(evs))
		}
	}

	// Same announcement again: nothing changes, nothing re-fires.
	resp = decodeBody[protocol.CodeSyncResponse](t, env.do(t, http.MethodPost, "/api/v1/slm/code-sync", protocol.CodeSyncRequest{CodeVersion: v2}))
	if resp.UpdatedNodes != 0 {
		t.Fatalf("repeat updated_nodes = %d, want 0", resp.UpdatedNodes)
	}
	if evs := env.eventsOfType(t, "web-1", protocol.EventCodeDriftDetected); len(evs) != 1 {
		t.Fatalf("drift events after repeat = %d, want 1", len(evs))
	}

	// web-1 deploys v2 and clears on its next beat. Staying outdated on
	// web-2's beat must not re-emit drift.
	hb := heartbeatFor("web-1")
	hb.CodeVersion = v2
	env.beat(t, hb)
	node, _ := env.st.GetNode("web-1")
	if node.CodeStatus != drift.StatusCurrent {
		t.Fatalf("web-1 code_status = %s, want current", node.CodeStatus)
	}

	hb = heartbeatFor("web-2")
	hb.CodeVersion = v1
	env.beat(t, hb)
	if evs := env.eventsOfType(t, "web-2", protocol.EventCodeDriftDetected); len(evs) != 1 {
		t.Fatalf("web-2 drift events = %d, want 1 (edge-triggered)", len(evs))
	}
}

// TestWebSocketFanout streams 50 events to two subscribers; closing one
// must not disturb the other.
func TestWebSocketFanout(t *testing.T) {
	env := newTestEnv(t, "secret")
	env.beat(t, heartbeatFor("web-1"))

	httpSrv := httptest.NewServer(env.srv)
	defer httpSrv.Close()
	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws"
	header := http.Header{"Authorization": []string{"Bearer secret"}}

	dial := func() *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		return conn
	}
	keeper := dial()
	defer keeper.Close()
	quitter := dial()

	// Both subscribed to events:global. Give the server a beat to
	// register the subscriptions before publishing.
	waitForSubscribers(t, env, 2)

	quitter.Close()

	const frames = 50
	for i := 0; i < frames; i++ {
		env.srv.sink.Emit("web-1", protocol.EventDeploymentStarted,
			"Installing 1 update(s)", map[string]any{"round": i})
	}

	for i := 0; i < frames; i++ {
		_ = keeper.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame protocol.StreamFrame
		if err := keeper.ReadJSON(&frame); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if frame.Type != protocol.EventDeploymentStarted {
			t.Fatalf("frame %d type = %s", i, frame.Type)
		}
	}
}

func waitForSubscribers(t *testing.T, env *testEnv, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if env.bus.SubscriberCount("events:global") >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("subscribers never reached %d", want)
}
