// Package remote executes commands on fleet nodes and moves snapshot
// files between nodes and the controller. The job engine and backup
// executor depend only on Runner; production wires the dispatcher over
// SSH and the local shell, tests wire fakes.
package remote

import (
	"context"

	"github.com/fleetlab/slm/internal/store"
)

// Target identifies the node a command runs on. User and Port override
// the runner's defaults when set; LocalShell forces the local variant.
type Target struct {
	NodeID     string
	Host       string
	Port       int
	User       string
	LocalShell bool
}

// TargetFor builds the dial target for a node, preferring its recorded
// address over its hostname. A node without any address is assumed to be
// the controller's own host.
func TargetFor(node *store.Node) Target {
	host := node.IP
	if host == "" {
		host = node.Hostname
	}
	return Target{
		NodeID:     node.ID,
		Host:       host,
		Port:       node.SSHPort,
		User:       node.SSHUser,
		LocalShell: node.IP == "" && node.Hostname == "",
	}
}

// Runner is the controller's reach into a node.
type Runner interface {
	// Run executes cmd on the target and returns its combined output.
	// The error carries the output when the command exits non-zero.
	Run(ctx context.Context, target Target, cmd string) ([]byte, error)

	// Fetch copies remotePath from the target into localPath, returning
	// the number of bytes written.
	Fetch(ctx context.Context, target Target, remotePath, localPath string) (int64, error)

	// Push uploads localPath to remotePath on the target.
	Push(ctx context.Context, target Target, localPath, remotePath string) error
}

// Dispatcher picks the runner variant per target: targets with an
// address go over SSH, local ones through the shell. With no SSH runner
// configured everything runs locally.
type Dispatcher struct {
	ssh   Runner
	local Runner
}

// NewDispatcher wires the two variants. ssh may be nil for
// single-host deployments.
func NewDispatcher(ssh, local Runner) *Dispatcher {
	return &Dispatcher{ssh: ssh, local: local}
}

func (d *Dispatcher) pick(t Target) Runner {
	if d.ssh == nil || t.LocalShell || t.Host == "" || isLoopback(t.Host) {
		return d.local
	}
	return d.ssh
}

func (d *Dispatcher) Run(ctx context.Context, t Target, cmd string) ([]byte, error) {
	return d.pick(t).Run(ctx, t, cmd)
}

func (d *Dispatcher) Fetch(ctx context.Context, t Target, remotePath, localPath string) (int64, error) {
	return d.pick(t).Fetch(ctx, t, remotePath, localPath)
}

func (d *Dispatcher) Push(ctx context.Context, t Target, localPath, remotePath string) error {
	return d.pick(t).Push(ctx, t, localPath, remotePath)
}

func isLoopback(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
