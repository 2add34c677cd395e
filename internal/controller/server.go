// Package controller is the fleet controller's HTTP surface: agent sync
// endpoints under /api/v1/slm, operator endpoints under /api, and the
// WebSocket event stream. Handlers stay thin; state lives in the store,
// the job engine, the backup executor, and the drift tracker.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fleetlab/slm/internal/backup"
	"github.com/fleetlab/slm/internal/bus"
	"github.com/fleetlab/slm/internal/drift"
	"github.com/fleetlab/slm/internal/jobs"
	"github.com/fleetlab/slm/internal/protocol"
	"github.com/fleetlab/slm/internal/store"
	"github.com/fleetlab/slm/internal/telemetry"
)

// canonicalMetaKey is where the drift tracker's canonical version is
// persisted so it survives controller restarts.
const canonicalMetaKey = "code_version:canonical"

// heartbeatStripes sizes the per-node lock table. Beats for the same
// node serialize; beats for different nodes almost never contend.
const heartbeatStripes = 64

// Deps carries everything the server needs. All fields are required
// except Version, which defaults to "dev".
type Deps struct {
	Config  *Config
	Store   *store.Store
	Bus     *bus.Bus
	Tracker *drift.Tracker
	Engine  *jobs.Engine
	Backups *backup.Executor
	Sink    *Sink
	Auth    Authorizer
	Version string
}

// Server routes controller HTTP traffic.
type Server struct {
	log     zerolog.Logger
	cfg     *Config
	store   *store.Store
	bus     *bus.Bus
	tracker *drift.Tracker
	engine  *jobs.Engine
	backups *backup.Executor
	sink    *Sink
	auth    Authorizer
	version string
	started time.Time

	hbLocks [heartbeatStripes]sync.Mutex

	router chi.Router
}

// New wires the router. Run starts the listener and the janitor.
func New(log zerolog.Logger, deps Deps) *Server {
	s := &Server{
		log:     log.With().Str("component", "server").Logger(),
		cfg:     deps.Config,
		store:   deps.Store,
		bus:     deps.Bus,
		tracker: deps.Tracker,
		engine:  deps.Engine,
		backups: deps.Backups,
		sink:    deps.Sink,
		auth:    deps.Auth,
		version: deps.Version,
		started: time.Now(),
	}
	if s.version == "" {
		s.version = "dev"
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Route("/api/v1/slm", func(r chi.Router) {
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Post("/events/sync", s.handleEventSync)
			r.Post("/code-sync", s.handleCodeSync)
		})

		r.Route("/api", func(r chi.Router) {
			r.Get("/nodes", s.handleListNodes)
			r.Get("/nodes/{id}", s.handleGetNode)
			r.Delete("/nodes/{id}", s.handleDeleteNode)
			r.Get("/nodes/{id}/events", s.handleNodeEvents)

			r.Get("/updates/check", s.handleUpdatesCheck)
			r.Get("/updates/fleet-summary", s.handleFleetSummary)
			r.Post("/updates", s.handleRegisterUpdate)
			r.Delete("/updates/{id}", s.handleDeleteUpdate)
			r.Post("/updates/apply", s.handleApplyUpdates)

			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/cancel", s.handleCancelJob)

			r.Post("/backups", s.handleCreateBackup)
			r.Get("/backups", s.handleListBackups)
			r.Get("/backups/{id}", s.handleGetBackup)
			r.Post("/backups/{id}/restore", s.handleRestoreBackup)
			r.Get("/backups/{id}/verify", s.handleVerifyBackup)

			r.Get("/events", s.handleListEvents)
			r.Get("/ws", s.handleWebSocket)
		})
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then drains with a 10s grace
// period. The janitor loops run alongside the listener.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr: s.cfg.ListenAddr,
		Handler: otelhttp.NewHandler(s, "slm-controller",
			otelhttp.WithPropagators(telemetry.Propagator())),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.janitor(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("Controller listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("HTTP shutdown did not drain cleanly")
	}
	wg.Wait()
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.store.CountNodes()
	if err != nil {
		s.log.Error().Err(err).Msg("health check failed to count nodes")
		s.writeError(w, http.StatusInternalServerError, "store unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
		"nodes":          nodes,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error().Err(err).Msg("failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, protocol.ErrorResponse{Error: msg})
}

// nodeLock returns the stripe serializing one node's heartbeats.
func (s *Server) nodeLock(nodeID string) *sync.Mutex {
	h := fnv32(nodeID)
	return &s.hbLocks[h%heartbeatStripes]
}

func fnv32(s string) uint32 {
	const (
		offset = 2166136261
		prime  = 16777619
	)
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}
