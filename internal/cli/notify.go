package cli

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"batchq/pkg/logx"
)

// notifier reports service state to systemd when running under a
// Type=notify unit. Outside systemd every call is a no-op.
type notifier struct {
	log logx.Logger
}

func (n notifier) send(state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Trace("sd_notify", logx.String("state", state))
	}
}

func (n notifier) Ready()            { n.send(daemon.SdNotifyReady) }
func (n notifier) Stopping()         { n.send(daemon.SdNotifyStopping) }
func (n notifier) Status(msg string) { n.send("STATUS=" + msg) }

// Watchdog pings systemd at half the configured WatchdogSec until ctx ends.
func (n notifier) Watchdog(ctx context.Context) {
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
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
