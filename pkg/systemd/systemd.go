// Package systemd speaks the sd_notify protocol for `telly serve`.
//
// Every call is a no-op when the process was not started by systemd
// (NOTIFY_SOCKET unset), so the daemon can call these unconditionally.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "telly/pkg/logx"
)

type Notifier struct {
	enabled  bool
	watchdog bool
	log      logx.Logger
}

func New(enabled, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{enabled: enabled, watchdog: watchdog, log: log.With(logx.String("comp", "systemd"))}
}

func (n *Notifier) notify(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return false
	}
	return sent
}

// Ready reports startup completion. It returns whether a message was sent.
func (n *Notifier) Ready() bool { return n.notify(daemon.SdNotifyReady) }

func (n *Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

func (n *Notifier) Reloading() bool { return n.notify(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by `systemctl status`.
func (n *Notifier) Status(msg string) bool { return n.notify("STATUS=" + msg) }

// Watchdog pings at half the configured WatchdogSec while healthy returns
// nil. A failing check withholds the ping so systemd restarts the unit.
// It returns immediately when the watchdog is not configured.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() error) error {
	if n == nil || !n.enabled || !n.watchdog {
		return nil
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return err
	}
	every := interval / 2
	n.log.Debug("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil {
				if err := healthy(); err != nil {
					n.log.Warn("watchdog ping withheld", logx.Err(err))
					continue
				}
			}
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
