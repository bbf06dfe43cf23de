// Package systemd sends sd_notify state updates to the service manager.
// Every call is a no-op when the process is not started by systemd
// (NOTIFY_SOCKET unset) or when notifications are disabled.
package systemd

import (
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "keepsched/pkg/logx"
)

type Notifier struct {
	enabled  bool
	watchdog time.Duration
	log      logx.Logger

	send func(unsetEnv bool, state string) (bool, error)

	mu       sync.Mutex
	lastSent time.Time
}

// NewNotifier returns a notifier. When watchdog is true the interval is read
// from WATCHDOG_USEC; pings are then rate limited to half of it.
func NewNotifier(enabled, watchdog bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	n := &Notifier{enabled: enabled, log: log.With(logx.String("comp", "systemd")), send: daemon.SdNotify}
	if enabled && watchdog {
		d, err := daemon.SdWatchdogEnabled(false)
		if err != nil {
			n.log.Warn("watchdog env invalid", logx.Err(err))
		}
		n.watchdog = d
	}
	return n
}

// WatchdogInterval is the systemd watchdog timeout, 0 when disabled.
func (n *Notifier) WatchdogInterval() time.Duration { return n.watchdog }

func (n *Notifier) Ready()    { n.notify(daemon.SdNotifyReady) }
func (n *Notifier) Stopping() { n.notify(daemon.SdNotifyStopping) }
func (n *Notifier) Status(msg string) {
	n.notify("STATUS=" + msg)
}

// Watchdog pings the watchdog at most once per half interval.
func (n *Notifier) Watchdog() {
	if n.watchdog <= 0 {
		return
	}
	now := time.Now()
	n.mu.Lock()
	if now.Sub(n.lastSent) < n.watchdog/2 {
		n.mu.Unlock()
		return
	}
	n.lastSent = now
	n.mu.Unlock()
	n.notify(daemon.SdNotifyWatchdog)
}

func (n *Notifier) notify(state string) {
	if n == nil || !n.enabled {
		return
	}
	sent, err := n.send(false, state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case !sent:
		n.log.Debug("sd_notify skipped (no socket)", logx.String("state", state))
	}
}
