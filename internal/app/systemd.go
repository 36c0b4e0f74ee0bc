package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "sleepchat/pkg/logx"
)

// sdNotify is a no-op outside systemd (NOTIFY_SOCKET unset).
func (a *App) sdNotify(state string) {
	if !a.cfgm.Get().Systemd.Notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		a.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		a.log.Debug("sd_notify", logx.String("state", state))
	}
}

// startWatchdog pings systemd at half the WatchdogSec interval.
func (a *App) startWatchdog() {
	if !a.cfgm.Get().Systemd.Notify {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog check failed", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	period := max(interval/2, time.Second)
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", period))
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				// skip the ping while the poller is wedged on a cycle
				if a.poll.Running() && a.pollStalled(3*interval) {
					a.log.Warn("poller stalled; withholding watchdog ping")
					continue
				}
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	})
}

func (a *App) pollStalled(limit time.Duration) bool {
	st := a.poll.Status()
	if st.LastPollAt.IsZero() {
		return false
	}
	return time.Since(st.LastPollAt) > limit+a.pollInterval()
}
