package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
)

func listen(t *testing.T) (string, *net.UnixConn) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return path, conn
}

func receive(t *testing.T, conn *net.UnixConn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, 256)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestNotifierSends(t *testing.T) {
	path, conn := listen(t)
	n := NewNotifierFor(path)
	defer n.Close()
	require.True(t, n.IsAvailable())

	require.NoError(t, n.NotifyReady())
	assert.Equal(t, "READY=1\n", receive(t, conn))

	require.NoError(t, n.NotifyStatus("3 incidents open"))
	assert.Equal(t, "STATUS=3 incidents open\n", receive(t, conn))

	require.NoError(t, n.NotifyStopping())
	assert.Equal(t, "STOPPING=1\n", receive(t, conn))
}

func TestNotifierUnavailableIsNoop(t *testing.T) {
	n := NewNotifierFor("")
	assert.False(t, n.IsAvailable())
	assert.NoError(t, n.NotifyReady())
	assert.NoError(t, n.Close())
}

func TestWatchdog(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "2000000")
	assert.Equal(t, time.Second, WatchdogInterval())
	t.Setenv("WATCHDOG_USEC", "")
	assert.Zero(t, WatchdogInterval())

	path, conn := listen(t)
	n := NewNotifierFor(path)
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.RunWatchdog(ctx, 10*time.Millisecond, logging.Discard())
		close(done)
	}()
	assert.Equal(t, "WATCHDOG=1\n", receive(t, conn))
	cancel()
	<-done
}
