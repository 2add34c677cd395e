package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"
)

// LocalRunner executes commands through the local shell, for nodes that
// live on the controller's own host. The target address is ignored.
type LocalRunner struct {
	log zerolog.Logger
}

func NewLocalRunner(log zerolog.Logger) *LocalRunner {
	return &LocalRunner{log: log.With().Str("component", "local-runner").Logger()}
}

func (r *LocalRunner) Run(ctx context.Context, target Target, cmd string) ([]byte, error) {
	r.log.Debug().Str("cmd", cmd).Msg("Running local command")
	out, err := exec.CommandContext(ctx, "sh", "-c", cmd).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("local command %q: %w: %s", cmd, err, out)
	}
	return out, nil
}

func (r *LocalRunner) Fetch(ctx context.Context, target Target, remotePath, localPath string) (int64, error) {
	return copyFile(remotePath, localPath)
}

func (r *LocalRunner) Push(ctx context.Context, target Target, localPath, remotePath string) error {
	_, err := copyFile(localPath, remotePath)
	return err
}

func copyFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	return n, out.Close()
}
