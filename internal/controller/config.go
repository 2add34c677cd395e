package controller

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the controller's runtime settings. Values come from the
// environment via LoadConfigFromEnv; flags in main override them.
type Config struct {
	ListenAddr string
	DBPath     string
	Token      string
	BackupDir  string

	SSHUser       string
	SSHKeyFile    string
	SSHKnownHosts string

	StaleAfter     time.Duration
	EventRetention time.Duration

	LogLevel         string
	TraceSampleRatio float64
}

// DefaultConfig returns the controller defaults for a single-host install.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:       ":8844",
		DBPath:           "/var/lib/slm/controller.db",
		BackupDir:        "/var/lib/slm/backups",
		StaleAfter:       180 * time.Second,
		EventRetention:   30 * 24 * time.Hour,
		LogLevel:         "info",
		TraceSampleRatio: 1.0,
	}
}

// LoadConfigFromEnv overlays SLM_* environment variables onto the defaults.
func LoadConfigFromEnv() (*Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("SLM_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SLM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SLM_TOKEN"); v != "" {
		cfg.Token = v
	}
	if v := os.Getenv("SLM_BACKUP_DIR"); v != "" {
		cfg.BackupDir = v
	}
	if v := os.Getenv("SLM_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}
	if v := os.Getenv("SLM_SSH_KEY_FILE"); v != "" {
		cfg.SSHKeyFile = v
	}
	if v := os.Getenv("SLM_SSH_KNOWN_HOSTS"); v != "" {
		cfg.SSHKnownHosts = v
	}
	if v := os.Getenv("SLM_STALE_AFTER"); v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return nil, fmt.Errorf("SLM_STALE_AFTER: %w", err)
		}
		cfg.StaleAfter = d
	}
	if v := os.Getenv("SLM_EVENT_RETENTION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("SLM_EVENT_RETENTION_DAYS: invalid value %q", v)
		}
		cfg.EventRetention = time.Duration(days) * 24 * time.Hour
	}
	if v := os.Getenv("SLM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SLM_TRACE_SAMPLE_RATIO"); v != "" {
		ratio, err := strconv.ParseFloat(v, 64)
		if err != nil || ratio < 0 || ratio > 1 {
			return nil, fmt.Errorf("SLM_TRACE_SAMPLE_RATIO: invalid value %q", v)
		}
		cfg.TraceSampleRatio = ratio
	}

	return cfg, nil
}

// SSHConfigured reports whether the controller can reach nodes over SSH.
// Without it the local shell runner handles single-host installs.
func (c *Config) SSHConfigured() bool {
	return c.SSHUser != "" && c.SSHKeyFile != ""
}

// parseSeconds accepts a bare second count or a Go duration string.
func parseSeconds(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0, fmt.Errorf("must be positive, got %d", secs)
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive, got %s", d)
	}
	return d, nil
}
