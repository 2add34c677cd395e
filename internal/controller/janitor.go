package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetlab/slm/internal/protocol"
)

const staleSweepEvery = 30 * time.Second

// janitor runs the background hygiene loops: the stale-node sweep every
// 30s and event retention cleanup hourly. Each node transition to
// offline emits node_offline exactly once; already-offline nodes are
// not re-swept.
func (s *Server) janitor(ctx context.Context) {
	log := s.log.With().Str("component", "janitor").Logger()

	sweep := time.NewTicker(staleSweepEvery)
	defer sweep.Stop()
	retain := time.NewTicker(time.Hour)
	defer retain.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			s.sweepStaleNodes(log)
		case <-retain.C:
			deleted, err := s.store.CleanupOldEvents(s.cfg.EventRetention)
			if err != nil {
				log.Error().Err(err).Msg("event retention cleanup failed")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Msg("old events pruned")
			}
		}
	}
}

func (s *Server) sweepStaleNodes(log zerolog.Logger) {
	cutoff := time.Now().UTC().Add(-s.cfg.StaleAfter)
	stale, err := s.store.MarkStaleOffline(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("stale node sweep failed")
		return
	}
	for _, node := range stale {
		log.Warn().Str("node", node.ID).Time("last_seen", node.LastSeen).
			Msg("node went offline")
		s.sink.Emit(node.ID, protocol.EventNodeOffline,
			"No heartbeat within the stale window",
			map[string]any{"last_seen": node.LastSeen, "stale_after": s.cfg.StaleAfter.String()})
	}
}
