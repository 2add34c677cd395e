package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fleetlab/slm/internal/protocol"
)

func (a *Agent) codeVersion() protocol.CodeVersion {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// setCodeVersion updates the in-memory version and persists it so a
// restarted agent keeps reporting the same commit.
func (a *Agent) setCodeVersion(v protocol.CodeVersion) error {
	a.mu.Lock()
	a.version = v
	a.mu.Unlock()
	return saveVersionFile(a.versionPath, v)
}

// refreshCodeVersion re-reads the checkout on code-source nodes, so
// heartbeats carry commits even when the git hook is not installed.
func (a *Agent) refreshCodeVersion(ctx context.Context) {
	if !a.cfg.CodeSource || a.cfg.RepoDir == "" {
		return
	}
	v, err := readGitVersion(ctx, a.cfg.RepoDir)
	if err != nil {
		a.log.Debug().Err(err).Str("repo", a.cfg.RepoDir).Msg("git version probe failed")
		return
	}
	if v.Equal(a.codeVersion()) {
		return
	}
	if err := a.setCodeVersion(v); err != nil {
		a.log.Warn().Err(err).Msg("failed to persist refreshed code version")
	}
}

func loadVersionFile(path string) (protocol.CodeVersion, error) {
	var v protocol.CodeVersion
	data, err := os.ReadFile(path)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode version file %s: %w", path, err)
	}
	return v, nil
}

// saveVersionFile writes atomically: a half-written version file must
// never shadow the last good one.
func saveVersionFile(path string, v protocol.CodeVersion) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode version: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write version file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace version file: %w", err)
	}
	return nil
}

func readGitVersion(ctx context.Context, dir string) (protocol.CodeVersion, error) {
	var v protocol.CodeVersion

	out, err := exec.CommandContext(ctx, "git", "-C", dir, "log", "-1", "--format=%H%x09%cI").Output()
	if err != nil {
		return v, fmt.Errorf("git log: %w", err)
	}
	fields := strings.Split(strings.TrimSpace(string(out)), "\t")
	if len(fields) != 2 {
		return v, fmt.Errorf("unexpected git log output: %q", strings.TrimSpace(string(out)))
	}
	v.CommitHash = fields[0]
	if t, err := time.Parse(time.RFC3339, fields[1]); err == nil {
		v.CommitTime = t.UTC()
	}

	out, err = exec.CommandContext(ctx, "git", "-C", dir, "rev-parse", "--abbrev-ref", "HEAD").Output()
	if err != nil {
		return v, fmt.Errorf("git rev-parse: %w", err)
	}
	v.BranchName = strings.TrimSpace(string(out))
	return v, nil
}
