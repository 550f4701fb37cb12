package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"visionguard/pkg/logx"
)

// sdNotify sends a state string to systemd. Outside a notify-type unit it is
// a no-op.
func sdNotify(log logx.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		log.Debug("sd_notify", logx.String("state", state))
	}
}

// watchdogLoop pings the systemd watchdog at half the configured interval
// while healthy reports true. It returns at once when no watchdog is set.
func watchdogLoop(ctx context.Context, log logx.Logger, healthy func() bool) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	tick := interval / 2
	if tick < 100*time.Millisecond {
		tick = 100 * time.Millisecond
	}
	log.Info("systemd watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if healthy == nil || healthy() {
				sdNotify(log, daemon.SdNotifyWatchdog)
			}
		}
	}
}
