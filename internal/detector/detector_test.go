package detector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

func hostInput(now time.Time, host collector.HostInventory) Input {
	return Input{Now: now, Host: &host}
}

func TestResourceDetector_FiresEveryCycleAboveThreshold(t *testing.T) {
	d := &ResourceDetector{CPUThreshold: 90, MemoryThreshold: 90}
	host := collector.HostInventory{
		CPUPercent:    95,
		MemoryPercent: 40,
		Processes: []collector.Process{
			{PID: 100, Name: "nginx", CPUPercent: 2},
			{PID: 4242, Name: "xmrig", CPUPercent: 91},
		},
	}

	for cycle := 0; cycle < 2; cycle++ {
		res, err := d.Evaluate(hostInput(time.Now(), host), nil)
		require.NoError(t, err)
		require.Len(t, res.Incidents, 1)
		inc := res.Incidents[0]
		assert.Equal(t, model.KindHighCPU, inc.Kind)
		assert.Equal(t, "high_cpu", inc.Fingerprint)
		assert.Equal(t, 4242, inc.Targets.PIDs[0], "top offender first")
		assert.True(t, inc.Targets.HasPID(100))
	}

	host.CPUPercent = 89.9
	res, err := d.Evaluate(hostInput(time.Now(), host), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Incidents)
}

func TestResourceDetector_SkipsWithoutHost(t *testing.T) {
	d := &ResourceDetector{CPUThreshold: 90}
	prior := json.RawMessage(`{"x":1}`)
	res, err := d.Evaluate(Input{Now: time.Now()}, prior)
	require.NoError(t, err)
	assert.Empty(t, res.Incidents)
	assert.Equal(t, prior, res.State)
}

func TestPortsDetector_SeedsThenReportsNew(t *testing.T) {
	d := &PortsDetector{}
	now := time.Now()
	host := collector.HostInventory{Ports: []collector.ListeningPort{
		{Proto: "tcp", Address: "0.0.0.0", Port: 22, PID: 1},
	}}

	first, err := d.Evaluate(hostInput(now, host), nil)
	require.NoError(t, err)
	assert.Empty(t, first.Incidents, "first observation only seeds")

	host.Ports = append(host.Ports, collector.ListeningPort{Proto: "tcp", Address: "0.0.0.0", Port: 4444, PID: 777, Process: "nc"})
	second, err := d.Evaluate(hostInput(now, host), first.State)
	require.NoError(t, err)
	require.Len(t, second.Incidents, 1)
	assert.Equal(t, "new_listening_port:tcp/0.0.0.0:4444", second.Incidents[0].Fingerprint)
	assert.Equal(t, []int{777}, second.Incidents[0].Targets.PIDs)

	third, err := d.Evaluate(hostInput(now, host), second.State)
	require.NoError(t, err)
	assert.Empty(t, third.Incidents, "restart with unchanged state does not re-fire")
}

func TestUsersDetector(t *testing.T) {
	d := &UsersDetector{}
	now := time.Now()
	seed, err := d.Evaluate(hostInput(now, collector.HostInventory{AdminUsers: []string{"root"}}), nil)
	require.NoError(t, err)

	res, err := d.Evaluate(hostInput(now, collector.HostInventory{AdminUsers: []string{"root", "backdoor"}}), seed.State)
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, model.KindNewAdminUser, res.Incidents[0].Kind)
	assert.True(t, res.Incidents[0].Targets.HasUser("backdoor"))
}

func TestContainersDetector(t *testing.T) {
	d := &ContainersDetector{}
	now := time.Now()
	inv := collector.ContainerInventory{Containers: []collector.Container{{ID: "aaa", Name: "web", Image: "nginx"}}}

	seed, err := d.Evaluate(Input{Now: now, Containers: &inv}, nil)
	require.NoError(t, err)
	assert.Empty(t, seed.Incidents)

	inv.Containers = append(inv.Containers, collector.Container{ID: "bbb", Name: "miner", Image: "xmrig"})
	res, err := d.Evaluate(Input{Now: now, Containers: &inv}, seed.State)
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, []string{"bbb", "miner"}, res.Incidents[0].Targets.Containers)
}

func TestAuthDetector_SlidingWindow(t *testing.T) {
	d := &AuthDetector{Threshold: 3, Window: 5 * time.Minute}
	now := time.Now()
	line := "sshd[1]: Failed password for root from 203.0.113.9 port 51000 ssh2"

	res, err := d.Evaluate(Input{Now: now, AuthLines: []string{line, line}}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Incidents)

	res, err = d.Evaluate(Input{Now: now.Add(time.Minute), AuthLines: []string{
		"sshd[2]: Invalid user admin from 203.0.113.9 port 51001",
		"sshd[3]: Accepted publickey for deploy from 198.51.100.2",
	}}, res.State)
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, "auth_failure_burst:203.0.113.9", res.Incidents[0].Fingerprint)
	assert.True(t, res.Incidents[0].Targets.HasIP("203.0.113.9"))

	// failures age out of the window
	res, err = d.Evaluate(Input{Now: now.Add(10 * time.Minute)}, res.State)
	require.NoError(t, err)
	assert.Empty(t, res.Incidents)
	assert.JSONEq(t, `{"failures":{}}`, string(res.State))
}

func TestDriftDetector(t *testing.T) {
	d := &DriftDetector{SensitivePaths: []string{"/etc/passwd"}}
	res, err := d.Evaluate(Input{Now: time.Now(), Changes: []model.ChangeEvent{
		{Path: "/etc/passwd", PreviousHash: "a", NewHash: "b"},
		{Path: "/etc/hosts", PreviousHash: "c"},
	}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Incidents, 2)
	assert.Equal(t, model.SeverityP1, res.Incidents[0].Severity)
	assert.Equal(t, model.SeverityP2, res.Incidents[1].Severity)
	assert.Contains(t, res.Incidents[1].Title, "removed")
}

func TestPHPDetector_ReportsOncePerContent(t *testing.T) {
	d := &PHPDetector{}
	shell := collector.FileContent{Path: "/var/www/up/x.php", Hash: "h1", Content: []byte(`<?php eval(base64_decode($_POST['c'])); shell_exec($x);`)}
	clean := collector.FileContent{Path: "/var/www/index.php", Hash: "h2", Content: []byte(`<?php echo "hello";`)}

	res, err := d.Evaluate(Input{Now: time.Now(), PHPFiles: []collector.FileContent{shell, clean}}, nil)
	require.NoError(t, err)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, model.SeverityP0, res.Incidents[0].Severity)
	assert.True(t, res.Incidents[0].Targets.HasPath("/var/www/up/x.php"))

	res, err = d.Evaluate(Input{Now: time.Now(), PHPFiles: []collector.FileContent{shell, clean}}, res.State)
	require.NoError(t, err)
	assert.Empty(t, res.Incidents)

	shell.Hash = "h3"
	res, err = d.Evaluate(Input{Now: time.Now(), PHPFiles: []collector.FileContent{shell}}, res.State)
	require.NoError(t, err)
	assert.Len(t, res.Incidents, 1, "modified content is a new finding")
}

type panicDetector struct{}

func (panicDetector) Name() string { return "broken" }
func (panicDetector) Evaluate(Input, json.RawMessage) (Result, error) {
	panic("nil map")
}

type failingDetector struct{}

func (failingDetector) Name() string { return "failing" }
func (failingDetector) Evaluate(Input, json.RawMessage) (Result, error) {
	return Result{}, errors.New("bad input")
}

func TestEngine_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	engine := NewEngine([]Detector{
		panicDetector{},
		failingDetector{},
		&ResourceDetector{CPUThreshold: 90},
		&PortsDetector{},
	}, s, logging.Discard())

	host := collector.HostInventory{CPUPercent: 99, Ports: []collector.ListeningPort{{Proto: "tcp", Address: "::", Port: 80}}}
	report, err := engine.Run(ctx, hostInput(time.Now(), host))
	require.NoError(t, err)

	assert.Equal(t, []string{"broken", "failing", "ports", "resource"}, report.Ran)
	assert.Len(t, report.Failures, 2)
	assert.Contains(t, report.Failures["broken"].Error(), "panicked")
	require.Len(t, report.Incidents, 1)
	assert.Equal(t, model.KindHighCPU, report.Incidents[0].Kind)

	_, err = s.Get(ctx, StateKey("ports"))
	assert.ErrorIs(t, err, store.ErrNotFound, "state waits for Commit")
	require.NoError(t, report.Commit(ctx))

	// ports state was written back to its own partition
	raw, err := s.Get(ctx, StateKey("ports"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"items":["tcp/:::80"]}`, string(raw))

	_, err = s.Get(ctx, StateKey("resource"))
	assert.ErrorIs(t, err, store.ErrNotFound, "stateless detectors write nothing")
}

func TestEngine_UncommittedRunRepeatsFirstSighting(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	engine := NewEngine([]Detector{&PortsDetector{}}, s, logging.Discard())

	seed, err := engine.Run(ctx, hostInput(time.Now(), collector.HostInventory{}))
	require.NoError(t, err)
	require.NoError(t, seed.Commit(ctx))

	opened := collector.HostInventory{Ports: []collector.ListeningPort{{Proto: "tcp", Address: "0.0.0.0", Port: 4444}}}
	first, err := engine.Run(ctx, hostInput(time.Now(), opened))
	require.NoError(t, err)
	require.Len(t, first.Incidents, 1)

	// the incident was not recorded, so the state is not committed
	again, err := engine.Run(ctx, hostInput(time.Now(), opened))
	require.NoError(t, err)
	require.Len(t, again.Incidents, 1, "the new port is reported until committed")
	require.NoError(t, again.Commit(ctx))

	after, err := engine.Run(ctx, hostInput(time.Now(), opened))
	require.NoError(t, err)
	assert.Empty(t, after.Incidents)
}

func TestEnabled(t *testing.T) {
	names := func(ds []Detector) []string {
		var out []string
		for _, d := range ds {
			out = append(out, d.Name())
		}
		return out
	}
	got := enabled([]Detector{&PortsDetector{}, &UsersDetector{}, &PHPDetector{}}, []string{"users"})
	assert.Equal(t, []string{"ports", "php"}, names(got))
}
