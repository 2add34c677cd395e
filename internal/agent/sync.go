package agent

import (
	"context"
	"time"

	"github.com/fleetlab/slm/internal/protocol"
)

const syncTimeout = 5 * time.Minute

// kickSync asks the sync loop for an immediate pass. Non-blocking; a
// pending kick covers any number of callers.
func (a *Agent) kickSync() {
	select {
	case a.syncKick <- struct{}{}:
	default:
	}
}

// syncLoop drains the event buffer on a timer and on demand after a
// heartbeat reconnects.
func (a *Agent) syncLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.SyncInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-a.syncKick:
		}
		a.drain(ctx)
	}
}

// drain ships buffered events in batches until the buffer is empty or a
// request fails. Events are only deleted after the controller acks them,
// so a crash between send and ack replays the batch; the controller
// deduplicates by event ID.
func (a *Agent) drain(ctx context.Context) {
	for {
		evs, err := a.buf.Next(protocol.MaxSyncBatch)
		if err != nil {
			a.log.Error().Err(err).Msg("failed to read event buffer")
			return
		}
		if len(evs) == 0 {
			return
		}

		var resp protocol.EventSyncResponse
		err = a.client.PostJSONWithTimeout(ctx, "/api/v1/slm/events/sync",
			protocol.EventSyncRequest{NodeID: a.cfg.NodeID, Events: evs}, &resp, syncTimeout)
		if err != nil {
			a.log.Debug().Err(err).Int("events", len(evs)).Msg("event sync failed, will retry")
			return
		}
		if resp.AckedSeq == 0 {
			a.log.Warn().Msg("controller acked nothing, keeping buffer")
			return
		}

		n, err := a.buf.Ack(resp.AckedSeq)
		if err != nil {
			a.log.Error().Err(err).Msg("failed to ack synced events")
			return
		}
		a.log.Debug().Int("synced", n).Int("duplicate", resp.Duplicate).Msg("buffer drained")
		if len(evs) < protocol.MaxSyncBatch {
			return
		}
	}
}
