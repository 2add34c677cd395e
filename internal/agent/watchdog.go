package agent

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notification seams, swapped in tests. Outside systemd both are no-ops.
var (
	sdNotify          = daemon.SdNotify
	sdWatchdogEnabled = daemon.SdWatchdogEnabled
)

func (a *Agent) notifyReady() {
	if _, err := sdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug().Err(err).Msg("watchdog ready notify failed")
	}
}

func (a *Agent) notifyAlive() {
	_, _ = sdNotify(false, daemon.SdNotifyWatchdog)
}

func (a *Agent) notifyStopping() {
	_, _ = sdNotify(false, daemon.SdNotifyStopping)
}

// watchdogLoop pets systemd at half the configured WatchdogSec, on top
// of the per-heartbeat pets, so a reachable node with an unreachable
// controller is not killed as hung.
func (a *Agent) watchdogLoop(ctx context.Context) {
	interval, err := sdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	a.log.Info().Dur("watchdog_sec", interval).Msg("systemd watchdog enabled")

	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.notifyAlive()
		}
	}
}
