// Package agent implements the slm node agent: the heartbeat loop, the
// durable event buffer with its sync loop, the code-source notify server,
// and systemd watchdog integration.
package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/buffer"
	"github.com/fleetlab/slm/internal/config"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/sysinfo"
	"github.com/fleetlab/slm/internal/transport"
)

// Version is the agent version, reported in every heartbeat.
const Version = "1.0.0"

// Agent is the long-running node process.
type Agent struct {
	cfg       *config.Config
	log       zerolog.Logger
	client    *transport.Client
	collector *sysinfo.Collector
	buf       *buffer.Buffer

	versionPath string
	syncKick    chan struct{}

	mu            sync.RWMutex
	version       protocol.CodeVersion
	pendingUpdate bool
}

// New wires the agent's components. The buffer database opens here;
// a corrupt store is replaced with a fresh one so the agent still starts.
func New(cfg *config.Config, log zerolog.Logger) (*Agent, error) {
	log = log.With().Str("component", "agent").Logger()

	client, err := transport.NewClient(transport.Options{
		BaseURL:  cfg.AdminURL,
		Token:    cfg.Token,
		Insecure: cfg.Insecure,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}

	buf, err := buffer.Open(cfg.BufferDB, log)
	if err != nil {
		return nil, fmt.Errorf("open event buffer %s: %w", cfg.BufferDB, err)
	}

	a := &Agent{
		cfg:         cfg,
		log:         log,
		client:      client,
		collector:   sysinfo.NewCollector("/", cfg.Services, log),
		buf:         buf,
		versionPath: filepath.Join(filepath.Dir(cfg.BufferDB), "version.json"),
		syncKick:    make(chan struct{}, 1),
	}

	if v, err := loadVersionFile(a.versionPath); err == nil {
		a.version = v
	} else if !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", a.versionPath).Msg("could not read version file")
	}

	return a, nil
}

// Run starts the agent's loops and blocks until ctx is cancelled. A
// failing notify-server bind is the only fatal error after New.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().
		Str("node_id", a.cfg.NodeID).
		Str("admin_url", a.cfg.AdminURL).
		Dur("interval", a.cfg.HeartbeatInterval).
		Bool("code_source", a.cfg.CodeSource).
		Msg("starting agent")

	var notifySrv *http.Server
	if a.cfg.CodeSource {
		addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.NotifyPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("bind notify server on %s: %w", addr, err)
		}
		notifySrv = &http.Server{
			Handler:           a.notifyRouter(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := notifySrv.Serve(ln); err != nil && err != http.ErrServerClosed {
				a.log.Error().Err(err).Msg("notify server failed")
			}
		}()
		a.log.Info().Str("addr", addr).Msg("notify server listening")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.syncLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watchdogLoop(ctx)
	}()

	a.notifyReady()
	<-ctx.Done()
	a.notifyStopping()

	if notifySrv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := notifySrv.Shutdown(shutCtx); err != nil {
			a.log.Debug().Err(err).Msg("notify server shutdown")
		}
	}

	wg.Wait()
	if err := a.buf.Close(); err != nil {
		a.log.Debug().Err(err).Msg("buffer close")
	}
	a.log.Info().Msg("agent stopped")
	return nil
}

// PendingUpdate reports whether the controller's last heartbeat response
// announced work waiting for this node. Advisory: the controller drives
// the update itself.
func (a *Agent) PendingUpdate() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.pendingUpdate
}

func (a *Agent) setPendingUpdate(v bool) {
	a.mu.Lock()
	a.pendingUpdate = v
	a.mu.Unlock()
}
