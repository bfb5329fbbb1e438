package collector

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

func TestParseDockerPS(t *testing.T) {
	out := []byte(`{"ID":"3f4e5d6c7b8a9f0e1d2c3b4a5f6e7d8c","Names":"web","Image":"nginx:1.25","Status":"Up 2 minutes"}
not json
{"ID":"aa11","Names":"/miner","Image":"xmrig","Status":"Up 1 second"}
`)
	inv := ParseDockerPS(out, time.Now())

	require.Len(t, inv.Containers, 2)
	assert.Equal(t, "web", inv.Containers[0].Name)
	assert.Equal(t, "miner", inv.Containers[1].Name)
	assert.Contains(t, inv.Errors, "line 2")
}

func TestTopProcesses(t *testing.T) {
	inv := HostInventory{Processes: []Process{
		{PID: 10, CPUPercent: 5},
		{PID: 11, CPUPercent: 97},
		{PID: 12, CPUPercent: 40},
	}}
	top := inv.TopProcesses(2)
	require.Len(t, top, 2)
	assert.Equal(t, 11, top[0].PID)
	assert.Equal(t, 12, top[1].PID)
	assert.Equal(t, 10, inv.Processes[0].PID, "source slice is not reordered")
}

func TestExecCollector_NotConfigured(t *testing.T) {
	_, err := NewExecHostCollector(nil, time.Second).CollectHost(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestExecCollector_Timeout(t *testing.T) {
	if _, err := os.Stat("/bin/sleep"); err != nil {
		t.Skip("sleep not available")
	}
	c := NewExecHostCollector([]string{"/bin/sleep", "5"}, 50*time.Millisecond)

	start := time.Now()
	_, err := c.CollectHost(context.Background())
	var tio *model.TransientIOError
	require.True(t, errors.As(err, &tio))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestLogTail_CursorLifecycle(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	logPath := filepath.Join(t.TempDir(), "auth.log")
	require.NoError(t, os.WriteFile(logPath, []byte("old line 1\nold line 2\n"), 0o644))
	tail := NewLogTail(logPath, 100, s)

	// first run seeds the cursor at the end
	batch, err := tail.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, batch.Lines)
	require.NoError(t, batch.Commit(ctx))

	appendLine(t, logPath, "Failed password for root from 203.0.113.9 port 22\npartial")

	batch, err = tail.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Failed password for root from 203.0.113.9 port 22"}, batch.Lines)

	// uncommitted batches are re-read
	again, err := tail.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, batch.Lines, again.Lines)
	require.NoError(t, again.Commit(ctx))

	appendLine(t, logPath, " line\n")
	batch, err = tail.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"partial line"}, batch.Lines)
	require.NoError(t, batch.Commit(ctx))

	// truncation restarts from the top
	require.NoError(t, os.WriteFile(logPath, []byte("fresh\n"), 0o644))
	batch, err = tail.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, batch.Lines)
}

func appendLine(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestWebRootScanner(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "uploads"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "index.php"), []byte("<?php echo 'hi';"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "uploads", "x.PHP"), []byte("<?php eval(base64_decode('aGk='));"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "style.css"), []byte("body{}"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "node_modules", "dep.php"), []byte("<?php"), 0o644))

	files, errs := NewWebRootScanner([]string{root}, 10, 16).Scan(context.Background())
	assert.Empty(t, errs)
	require.Len(t, files, 2)
	for _, f := range files {
		assert.LessOrEqual(t, len(f.Content), 16)
		assert.Len(t, f.Hash, 64)
	}
}

func TestCursorKey(t *testing.T) {
	assert.Equal(t, "cursor/var_log_auth.log", CursorKey("/var/log/auth.log"))
}
