// Package systemd reports service state to systemd via sd_notify.
//
// Every call is a no-op when the process is not started by systemd
// (NOTIFY_SOCKET unset).
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier sends sd_notify messages. The zero value is usable.
type Notifier struct {
	// send is daemon.SdNotify unless replaced in tests.
	send func(unsetEnv bool, state string) (bool, error)
}

func (n Notifier) notify(state string) bool {
	send := n.send
	if send == nil {
		send = daemon.SdNotify
	}
	ok, err := send(false, state)
	return ok && err == nil
}

// Ready reports READY=1 with an optional status line.
func (n Notifier) Ready(status string) bool {
	if status != "" {
		return n.notify(daemon.SdNotifyReady + "\nSTATUS=" + status)
	}
	return n.notify(daemon.SdNotifyReady)
}

func (n Notifier) Stopping() bool { return n.notify(daemon.SdNotifyStopping) }

func (n Notifier) Status(status string) bool { return n.notify("STATUS=" + status) }

// Watchdog pings WATCHDOG=1 at half the configured WatchdogSec until ctx
// ends. It returns immediately when the watchdog is disabled.
func (n Notifier) Watchdog(ctx context.Context) {
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil || every <= 0 {
		return
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.notify(daemon.SdNotifyWatchdog)
		}
	}
}
