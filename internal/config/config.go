// Package config handles agent configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrMissingNodeID marks the one misconfiguration with its own exit
// code: an agent without an identity must not register anything.
var ErrMissingNodeID = errors.New("node id is required: set --node-id or SLM_NODE_ID")

// Config holds all agent configuration.
type Config struct {
	// Connection
	AdminURL string // controller base URL (http:// or https://)
	NodeID   string // stable node identity, required
	Token    string // bearer token for controller calls
	Insecure bool   // skip TLS verification, pre-PKI bootstrap only

	// Reachability advertised to the controller. Optional; the
	// controller falls back to its own SSH defaults.
	SSHUser string
	SSHPort int

	// Local state
	BufferDB string // event buffer database path

	// Code-source role
	CodeSource bool   // this node's checkout is the fleet's canonical version
	NotifyPort int    // loopback port for the git-hook notify server
	RepoDir    string // checkout to read the code version from (code-source only)

	// Behavior
	HeartbeatInterval time.Duration
	SyncInterval      time.Duration
	Services          []string // systemd units to report state for
	LogLevel          string
}

// DefaultConfig returns a config with default values.
func DefaultConfig() *Config {
	return &Config{
		BufferDB:          "/var/lib/slm-agent/events.db",
		NotifyPort:        9847,
		HeartbeatInterval: 60 * time.Second,
		SyncInterval:      30 * time.Second,
		LogLevel:          "info",
	}
}

// LoadFromEnv loads configuration from environment variables. Flags in
// main override the result; required fields are checked in Validate so
// flag-only setups work.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	cfg.AdminURL = os.Getenv("SLM_ADMIN_URL")
	cfg.NodeID = os.Getenv("SLM_NODE_ID")
	cfg.Token = os.Getenv("SLM_TOKEN")
	cfg.RepoDir = os.Getenv("SLM_REPO_DIR")
	cfg.SSHUser = os.Getenv("SLM_SSH_USER")

	if v := os.Getenv("SLM_SSH_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("SLM_SSH_PORT must be a port number, got %q", v)
		}
		cfg.SSHPort = port
	}

	if v := os.Getenv("SLM_BUFFER_DB"); v != "" {
		cfg.BufferDB = v
	}
	if v := os.Getenv("SLM_NOTIFY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("SLM_NOTIFY_PORT must be a port number, got %q", v)
		}
		cfg.NotifyPort = port
	}
	if v := os.Getenv("SLM_CODE_SOURCE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("SLM_CODE_SOURCE must be a boolean, got %q", v)
		}
		cfg.CodeSource = b
	}
	if v := os.Getenv("SLM_TLS_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("SLM_TLS_INSECURE must be a boolean, got %q", v)
		}
		cfg.Insecure = b
	}
	if v := os.Getenv("SLM_HEARTBEAT_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return nil, fmt.Errorf("SLM_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
	}
	if v := os.Getenv("SLM_SYNC_INTERVAL"); v != "" {
		d, err := parseInterval(v)
		if err != nil {
			return nil, fmt.Errorf("SLM_SYNC_INTERVAL: %w", err)
		}
		cfg.SyncInterval = d
	}
	if v := os.Getenv("SLM_SERVICES"); v != "" {
		for _, unit := range strings.Split(v, ",") {
			if unit = strings.TrimSpace(unit); unit != "" {
				cfg.Services = append(cfg.Services, unit)
			}
		}
	}
	if v := os.Getenv("SLM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

// Validate checks that the configuration is complete enough to start.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return ErrMissingNodeID
	}
	if c.AdminURL == "" {
		return errors.New("admin URL is required: set --admin-url or SLM_ADMIN_URL")
	}
	u, err := url.Parse(c.AdminURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("admin URL %q must be http or https", c.AdminURL)
	}
	if c.HeartbeatInterval < 5*time.Second {
		return errors.New("heartbeat interval must be at least 5 seconds")
	}
	if c.SyncInterval < time.Second {
		return errors.New("sync interval must be at least 1 second")
	}
	if c.BufferDB == "" {
		return errors.New("buffer database path is required")
	}
	return nil
}

// parseInterval accepts a Go duration ("90s", "2m") or a bare number of
// seconds, matching how older deployments configured the agent.
func parseInterval(v string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("must be a duration or a number of seconds, got %q", v)
	}
	return d, nil
}
