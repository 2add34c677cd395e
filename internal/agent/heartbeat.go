package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlab/slm/internal/protocol"
)

const heartbeatTimeout = 10 * time.Second

// heartbeatLoop beats immediately, then on every tick. Each beat gets
// its own deadline, so a hung controller never stalls the loop past one
// interval.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	t := time.NewTicker(a.cfg.HeartbeatInterval)
	defer t.Stop()

	a.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.beat(ctx)
		}
	}
}

func (a *Agent) beat(ctx context.Context) {
	beatCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()

	snap := a.collector.Collect(beatCtx)
	a.refreshCodeVersion(beatCtx)
	bufLen, err := a.buf.Len()
	if err != nil {
		a.log.Debug().Err(err).Msg("buffer length unavailable")
	}

	hb := protocol.HeartbeatRequest{
		NodeID:        a.cfg.NodeID,
		Hostname:      snap.Hostname,
		AgentVersion:  Version,
		OSInfo:        snap.OSInfo,
		CPUPercent:    snap.CPUPercent,
		MemoryPercent: snap.MemoryPercent,
		DiskPercent:   snap.DiskPercent,
		CodeVersion:   a.codeVersion(),
		CodeSource:    a.cfg.CodeSource,
		BufferLen:     bufLen,
		Extra: protocol.HeartbeatExtra{
			Services:           snap.Services,
			DiscoveredServices: snap.Discovered,
			LoadAvg:            snap.LoadAvg,
			UptimeSeconds:      snap.UptimeSeconds,
			Hostname:           snap.Hostname,
			SSHUser:            a.cfg.SSHUser,
			SSHPort:            a.cfg.SSHPort,
		},
	}

	var resp protocol.HeartbeatResponse
	if err := a.client.PostJSON(beatCtx, "/api/v1/slm/heartbeat", hb, &resp); err != nil {
		a.log.Warn().Err(err).Msg("heartbeat failed, buffering")
		a.bufferHeartbeat(hb)
		return
	}

	a.notifyAlive()
	a.setPendingUpdate(resp.PendingUpdate)
	if resp.PendingUpdate {
		a.log.Info().Msg("controller reports pending updates for this node")
	}
	if bufLen > 0 {
		// The controller is reachable again; drain without waiting for
		// the next sync tick.
		a.kickSync()
	}
}

// bufferHeartbeat stores the undeliverable payload so the controller
// still sees the sample once connectivity returns.
func (a *Agent) bufferHeartbeat(hb protocol.HeartbeatRequest) {
	details, err := json.Marshal(hb)
	if err != nil {
		a.log.Error().Err(err).Msg("failed to encode heartbeat for buffering")
		return
	}
	_, err = a.buf.Append(protocol.BufferedEvent{
		ID:        uuid.New().String(),
		Type:      protocol.EventHeartbeat,
		Message:   "heartbeat buffered while controller unreachable",
		Timestamp: time.Now().UTC(),
		Details:   details,
	})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to buffer heartbeat")
	}
}
