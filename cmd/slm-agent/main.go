// slm-agent runs on every managed node: heartbeats, buffered event
// sync, and (on the code-source node) the git-hook notify server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/agent"
	"github.com/fleetlab/slm/internal/config"
	"github.com/fleetlab/slm/internal/telemetry"
)

// Exit codes the unit files depend on.
const (
	exitOK          = 0
	exitNoIdentity  = 1
	exitFatalConfig = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	nodeID := flag.String("node-id", "", "stable node identity (overrides SLM_NODE_ID)")
	adminURL := flag.String("admin-url", "", "controller base URL (overrides SLM_ADMIN_URL)")
	interval := flag.Duration("interval", 0, "heartbeat interval (overrides SLM_HEARTBEAT_INTERVAL)")
	bufferDB := flag.String("buffer-db", "", "event buffer database path (overrides SLM_BUFFER_DB)")
	notifyPort := flag.Int("notify-port", 0, "loopback notify port (overrides SLM_NOTIFY_PORT)")
	codeSource := flag.Bool("code-source", false, "mark this node as the fleet's code source")
	insecure := flag.Bool("insecure", false, "skip TLS verification")
	jsonLogs := flag.Bool("json", false, "log JSON instead of console format")
	flag.Parse()

	if *showVersion {
		fmt.Printf("slm-agent %s\n", agent.Version)
		return exitOK
	}

	var out zerolog.Logger
	if *jsonLogs {
		out = zerolog.New(os.Stderr)
	} else {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	log := out.With().Timestamp().Logger()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return exitFatalConfig
	}

	// Flags beat environment.
	if *nodeID != "" {
		cfg.NodeID = *nodeID
	}
	if *adminURL != "" {
		cfg.AdminURL = *adminURL
	}
	if *interval > 0 {
		cfg.HeartbeatInterval = *interval
	}
	if *bufferDB != "" {
		cfg.BufferDB = *bufferDB
	}
	if *notifyPort > 0 {
		cfg.NotifyPort = *notifyPort
	}
	if *codeSource {
		cfg.CodeSource = true
	}
	if *insecure {
		cfg.Insecure = true
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Error().Err(err).Msg("Invalid configuration")
		if errors.Is(err, config.ErrMissingNodeID) {
			return exitNoIdentity
		}
		return exitFatalConfig
	}

	shutdownTracing, err := telemetry.Setup(telemetry.Config{
		ServiceName: "slm-agent",
		NodeID:      cfg.NodeID,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Tracing disabled")
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	log.Info().
		Str("version", agent.Version).
		Str("node", cfg.NodeID).
		Str("controller", cfg.AdminURL).
		Bool("code_source", cfg.CodeSource).
		Msg("Agent starting")

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("Agent startup failed")
		return exitFatalConfig
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Agent failed")
		return exitFatalConfig
	}
	log.Info().Msg("Agent stopped")
	return exitOK
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
