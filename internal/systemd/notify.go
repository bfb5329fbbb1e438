package systemd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
)

// Notifier provides systemd integration
type Notifier struct {
	socket string

	mu   sync.Mutex
	conn net.Conn
}

// NewNotifier creates a notifier for $NOTIFY_SOCKET
func NewNotifier() *Notifier {
	return NewNotifierFor(os.Getenv("NOTIFY_SOCKET"))
}

// NewNotifierFor creates a notifier for an explicit socket address
func NewNotifierFor(socket string) *Notifier {
	return &Notifier{socket: socket}
}

// IsAvailable reports whether the service manager asked for notifications.
// Both abstract (@name) and filesystem sockets are accepted.
func (n *Notifier) IsAvailable() bool {
	return n.socket != "" && (n.socket[0] == '@' || n.socket[0] == '/')
}

// Send writes one datagram of newline-separated assignments. It is a
// no-op when notifications are unavailable.
func (n *Notifier) Send(state string) error {
	if !n.IsAvailable() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn == nil {
		addr := n.socket
		if addr[0] == '@' {
			// abstract namespace
			addr = "\x00" + addr[1:]
		}
		conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
		if err != nil {
			return fmt.Errorf("failed to connect to systemd socket: %w", err)
		}
		n.conn = conn
	}
	_, err := n.conn.Write([]byte(state + "\n"))
	return err
}

// NotifyReady notifies systemd that the service is ready
func (n *Notifier) NotifyReady() error { return n.Send("READY=1") }

// NotifyStopping notifies systemd that the service is stopping
func (n *Notifier) NotifyStopping() error { return n.Send("STOPPING=1") }

// NotifyWatchdog pets the watchdog
func (n *Notifier) NotifyWatchdog() error { return n.Send("WATCHDOG=1") }

// NotifyStatus updates the free-form status line shown by systemctl
func (n *Notifier) NotifyStatus(status string) error { return n.Send("STATUS=" + status) }

// Close closes the systemd notification connection
func (n *Notifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		err := n.conn.Close()
		n.conn = nil
		return err
	}
	return nil
}

// WatchdogInterval returns half of $WATCHDOG_USEC, or 0 when the unit has
// no watchdog configured
func WatchdogInterval() time.Duration {
	usec, err := strconv.ParseInt(os.Getenv("WATCHDOG_USEC"), 10, 64)
	if err != nil || usec <= 0 {
		return 0
	}
	return time.Duration(usec) * time.Microsecond / 2
}

// RunWatchdog pets the watchdog every interval until ctx is done
func (n *Notifier) RunWatchdog(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	if !n.IsAvailable() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.NotifyWatchdog(); err != nil {
				logger.Warn("Failed to notify systemd watchdog", "error", err)
			}
		}
	}
}
