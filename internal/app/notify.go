package app

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "signalbot/pkg/logx"
)

// sdNotifier reports lifecycle to systemd when NOTIFY_SOCKET is set.
// Outside systemd every call is a no-op.
type sdNotifier struct {
	log      logx.Logger
	watchdog time.Duration
}

func newSDNotifier(log logx.Logger) *sdNotifier {
	n := &sdNotifier{log: log}
	if d, err := daemon.SdWatchdogEnabled(false); err != nil {
		log.Warn("systemd watchdog config invalid", logx.Err(err))
	} else {
		n.watchdog = d
	}
	return n
}

func (n *sdNotifier) send(state string) {
	ok, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if ok {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready()    { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Ping feeds the watchdog. Callers ping after each completed consumer tick,
// so a wedged consumer lets the watchdog fire.
func (n *sdNotifier) Ping() {
	if n.watchdog > 0 {
		n.send(daemon.SdNotifyWatchdog)
	}
}
