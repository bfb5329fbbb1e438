package agent

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/audit"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/scheduler"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	watched := filepath.Join(dir, "watched.conf")
	require.NoError(t, os.WriteFile(watched, []byte("a=1\n"), 0o600))

	cfg := config.Default()
	cfg.HostID = "test-host"
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "state")
	cfg.Audit.Dir = filepath.Join(dir, "logs")
	cfg.Drift.Paths = []string{watched}
	cfg.Collectors.AuthLogPath = ""
	cfg.Collectors.DockerBinary = filepath.Join(dir, "no-docker")
	cfg.HTTP.Enabled = false
	cfg.Intervals.Host = 20 * time.Millisecond
	cfg.Intervals.Containers = 20 * time.Millisecond
	cfg.Intervals.AgentSweep = 20 * time.Millisecond
	cfg.Intervals.CycleTimeout = time.Second
	return cfg
}

type staticHost struct {
	inv collector.HostInventory
	err error
}

func (h staticHost) CollectHost(ctx context.Context) (collector.HostInventory, error) {
	return h.inv, h.err
}

func TestRunAndShutdown(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	cfg := testConfig(t)
	a, err := New(context.Background(), logging.Discard(), cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, c := range a.scheduler.Status() {
			if c.LastRun.IsZero() {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	status := a.Status()
	assert.Equal(t, false, status["agent_enabled"])
	assert.Equal(t, 1, status["tier_ceiling"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}

	report, err := audit.Verify(cfg.Audit.Dir, audit.ActivityLog)
	require.NoError(t, err)
	assert.NotZero(t, report.Records, "the drift bootstrap is on the activity trail")
}

func TestNewRejectsAgentWithoutCollaborator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Enabled = true
	cfg.Agent.LLM.APIKey = ""
	cfg.Agent.LLM.BaseURL = ""

	_, err := New(context.Background(), logging.Discard(), cfg)
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "agent.llm", ve.Field)
}

func TestNewWithAgentEnabled(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	cfg := testConfig(t)
	cfg.Agent.Enabled = true
	cfg.Agent.LLM.BaseURL = "http://127.0.0.1:1/v1"

	a, err := New(context.Background(), logging.Discard(), cfg)
	require.NoError(t, err)
	assert.Equal(t, true, a.Status()["agent_enabled"])
	require.NoError(t, a.shutdown())
}

func TestHostContext(t *testing.T) {
	host := staticHost{inv: collector.HostInventory{
		CPUPercent:    97.5,
		MemoryPercent: 40,
		Processes: []collector.Process{
			{PID: 10, Name: "sshd", User: "root", CPUPercent: 0.1},
			{PID: 4242, Name: "xmrig", User: "www-data", CPUPercent: 95, Cmdline: "xmrig --password=hunter2"},
		},
	}}
	out := HostContext(host)(context.Background())

	assert.Contains(t, out, "CPU 97.5%, memory 40.0%")
	assert.Contains(t, out, "4242 www-data 95.0")
	assert.NotContains(t, out, "hunter2")
	assert.Less(t, strings.Index(out, "4242"), strings.Index(out, "sshd"), "busiest first")

	assert.Empty(t, HostContext(staticHost{err: errors.New("down")})(context.Background()))
}

func TestNewWithScanAddsCycle(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	cfg := testConfig(t)
	cfg.Agent.Scan = true
	cfg.Agent.Summaries = true
	cfg.Agent.LLM.BaseURL = "http://127.0.0.1:1/v1"

	a, err := New(context.Background(), logging.Discard(), cfg)
	require.NoError(t, err)
	var names []string
	for _, c := range a.scheduler.Status() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, scheduler.CycleScan)
	assert.Equal(t, false, a.Status()["agent_enabled"], "scanning does not enable remediation")
	require.NoError(t, a.shutdown())
}

func TestNewRejectsScanWithoutCollaborator(t *testing.T) {
	cfg := testConfig(t)
	cfg.Agent.Scan = true
	cfg.Agent.LLM.APIKey = ""
	cfg.Agent.LLM.BaseURL = ""

	_, err := New(context.Background(), logging.Discard(), cfg)
	var ve *model.ValidationError
	require.True(t, errors.As(err, &ve), "got %v", err)
	assert.Equal(t, "agent.llm", ve.Field)
}

type staticContainers struct {
	inv collector.ContainerInventory
}

func (c staticContainers) CollectContainers(ctx context.Context) (collector.ContainerInventory, error) {
	return c.inv, nil
}

func TestScanContext(t *testing.T) {
	host := staticHost{inv: collector.HostInventory{
		CPUPercent: 12,
		Ports: []collector.ListeningPort{
			{Proto: "tcp", Address: "0.0.0.0", Port: 23, Process: "telnetd"},
		},
		AdminUsers: []string{"root", "deploy"},
	}}
	containers := staticContainers{inv: collector.ContainerInventory{Containers: []collector.Container{
		{Name: "web", Image: "nginx:1.25", Status: "running"},
		{Name: "db", Image: "postgres --password=hunter2", Status: "running"},
	}}}
	out := ScanContext(host, containers)(context.Background())

	assert.Contains(t, out, "tcp 0.0.0.0 23 telnetd")
	assert.Contains(t, out, "Admin users: root, deploy")
	assert.Contains(t, out, "web nginx:1.25 running")
	assert.NotContains(t, out, "hunter2")

	assert.NotContains(t, ScanContext(staticHost{err: errors.New("down")}, nil)(context.Background()), "Admin users")
}
