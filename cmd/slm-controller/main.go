// slm-controller is the fleet's brain: node registry, update planning,
// job execution, backups, and the live event stream.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/backup"
	"github.com/fleetlab/slm/internal/bus"
	"github.com/fleetlab/slm/internal/controller"
	"github.com/fleetlab/slm/internal/drift"
	"github.com/fleetlab/slm/internal/jobs"
	"github.com/fleetlab/slm/internal/remote"
	"github.com/fleetlab/slm/internal/store"
	"github.com/fleetlab/slm/internal/telemetry"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	showVersion := flag.Bool("version", false, "print version and exit")
	listen := flag.String("listen", "", "listen address (overrides SLM_LISTEN_ADDR)")
	dbPath := flag.String("db", "", "database path (overrides SLM_DB_PATH)")
	backupDir := flag.String("backup-dir", "", "backup directory (overrides SLM_BACKUP_DIR)")
	pretty := flag.Bool("pretty", false, "log console format instead of JSON")
	flag.Parse()

	if *showVersion {
		fmt.Printf("slm-controller %s\n", version)
		return 0
	}

	var out zerolog.Logger
	if *pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		out = zerolog.New(os.Stderr)
	}
	log := out.With().Timestamp().Logger()

	cfg, err := controller.LoadConfigFromEnv()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return 1
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *backupDir != "" {
		cfg.BackupDir = *backupDir
	}
	setLogLevel(cfg.LogLevel)

	shutdownTracing, err := telemetry.Setup(telemetry.Config{
		ServiceName: "slm-controller",
		SampleRatio: cfg.TraceSampleRatio,
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

	if err := os.MkdirAll(cfg.BackupDir, 0o750); err != nil {
		log.Error().Err(err).Str("dir", cfg.BackupDir).Msg("Failed to create backup directory")
		return 1
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Error().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
		return 1
	}
	defer db.Close()
	st := store.New(log, db)

	// Jobs interrupted by the previous shutdown cannot resume; close
	// them out before accepting new work.
	if n, err := st.FailOrphanedJobs("controller restarted"); err != nil {
		log.Error().Err(err).Msg("Orphan job sweep failed")
	} else if n > 0 {
		log.Warn().Int64("jobs", n).Msg("Orphaned jobs marked failed")
	}

	// The dispatcher picks SSH or the local shell per node; without SSH
	// credentials every node is assumed to share the controller's host.
	var sshRunner remote.Runner
	if cfg.SSHConfigured() {
		sshRunner, err = remote.NewSSHRunner(remote.SSHConfig{
			User:           cfg.SSHUser,
			PrivateKeyFile: cfg.SSHKeyFile,
			KnownHostsPath: cfg.SSHKnownHosts,
		}, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to configure SSH runner")
			return 1
		}
	} else {
		log.Info().Msg("No SSH credentials configured, all nodes run through the local shell")
	}
	runner := remote.NewDispatcher(sshRunner, remote.NewLocalRunner(log))

	eventBus := bus.New(log)
	sink := controller.NewSink(log, st, eventBus)
	tracker := drift.NewTracker(controller.LoadCanonical(st, log), log)
	engine := jobs.NewEngine(log, st, runner, sink)
	backups := backup.New(log, st, runner, sink, cfg.BackupDir)

	srv := controller.New(log, controller.Deps{
		Config:  cfg,
		Store:   st,
		Bus:     eventBus,
		Tracker: tracker,
		Engine:  engine,
		Backups: backups,
		Sink:    sink,
		Auth:    controller.NewTokenAuthorizer(cfg.Token, log),
		Version: version,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", version).Str("db", cfg.DBPath).Msg("Controller starting")
	err = srv.Run(ctx)

	// Drain order matters: no new HTTP work, then workers, then the bus
	// so WebSocket clients see their channels close.
	engine.Close()
	backups.Close()
	eventBus.Close()

	if err != nil {
		log.Error().Err(err).Msg("Controller failed")
		return 1
	}
	log.Info().Msg("Controller stopped")
	return 0
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
