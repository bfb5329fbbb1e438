package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// ErrNotConfigured is returned by collectors without a command
var ErrNotConfigured = errors.New("collector command not configured")

// runJSON runs argv with a hard timeout and decodes its stdout into v
func runJSON(ctx context.Context, argv []string, timeout time.Duration, v any) error {
	out, err := run(ctx, argv, timeout)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(out, v); err != nil {
		return &model.TransientIOError{Source: argv[0], Err: fmt.Errorf("decode output: %w", err)}
	}
	return nil
}

func run(ctx context.Context, argv []string, timeout time.Duration) ([]byte, error) {
	if len(argv) == 0 {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if ctx.Err() != nil {
		return nil, &model.TransientIOError{Source: argv[0], Err: ctx.Err()}
	}
	if err != nil {
		return nil, &model.TransientIOError{
			Source: argv[0],
			Err:    fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String())),
		}
	}
	return out, nil
}

// ExecHostCollector runs an external command that prints a HostInventory as JSON
type ExecHostCollector struct {
	argv    []string
	timeout time.Duration
}

// NewExecHostCollector creates a host collector backed by argv
func NewExecHostCollector(argv []string, timeout time.Duration) *ExecHostCollector {
	return &ExecHostCollector{argv: argv, timeout: timeout}
}

// CollectHost runs the command once
func (c *ExecHostCollector) CollectHost(ctx context.Context) (HostInventory, error) {
	var inv HostInventory
	if err := runJSON(ctx, c.argv, c.timeout, &inv); err != nil {
		return HostInventory{}, err
	}
	if inv.CollectedAt.IsZero() {
		inv.CollectedAt = time.Now().UTC()
	}
	return inv, nil
}

// ExecContainerCollector runs an external command that prints a ContainerInventory as JSON
type ExecContainerCollector struct {
	argv    []string
	timeout time.Duration
}

// NewExecContainerCollector creates a container collector backed by argv
func NewExecContainerCollector(argv []string, timeout time.Duration) *ExecContainerCollector {
	return &ExecContainerCollector{argv: argv, timeout: timeout}
}

// CollectContainers runs the command once
func (c *ExecContainerCollector) CollectContainers(ctx context.Context) (ContainerInventory, error) {
	var inv ContainerInventory
	if err := runJSON(ctx, c.argv, c.timeout, &inv); err != nil {
		return ContainerInventory{}, err
	}
	if inv.CollectedAt.IsZero() {
		inv.CollectedAt = time.Now().UTC()
	}
	return inv, nil
}

// DockerCLICollector lists running containers through the docker CLI
type DockerCLICollector struct {
	binary  string
	timeout time.Duration
}

// NewDockerCLICollector creates a collector invoking binary (usually "docker")
func NewDockerCLICollector(binary string, timeout time.Duration) *DockerCLICollector {
	return &DockerCLICollector{binary: binary, timeout: timeout}
}

// dockerPSLine is one line of `docker ps --format '{{json .}}'`
type dockerPSLine struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	Image  string `json:"Image"`
	Status string `json:"Status"`
}

// CollectContainers parses one JSON object per output line
func (c *DockerCLICollector) CollectContainers(ctx context.Context) (ContainerInventory, error) {
	out, err := run(ctx, []string{c.binary, "ps", "--no-trunc", "--format", "{{json .}}"}, c.timeout)
	if err != nil {
		return ContainerInventory{}, err
	}
	return ParseDockerPS(out, time.Now().UTC()), nil
}

// ParseDockerPS decodes docker ps JSON lines; malformed lines are recorded as errors
func ParseDockerPS(out []byte, now time.Time) ContainerInventory {
	inv := ContainerInventory{CollectedAt: now}
	scanner := bufio.NewScanner(bytes.NewReader(out))
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		var ps dockerPSLine
		if err := json.Unmarshal([]byte(text), &ps); err != nil {
			if inv.Errors == nil {
				inv.Errors = make(map[string]string)
			}
			inv.Errors[fmt.Sprintf("line %d", line)] = err.Error()
			continue
		}
		inv.Containers = append(inv.Containers, Container{
			ID:     ps.ID,
			Name:   strings.TrimPrefix(ps.Names, "/"),
			Image:  ps.Image,
			Status: ps.Status,
		})
	}
	return inv
}

func sortByCPU(procs []Process) {
	sort.SliceStable(procs, func(i, j int) bool {
		if procs[i].CPUPercent != procs[j].CPUPercent {
			return procs[i].CPUPercent > procs[j].CPUPercent
		}
		return procs[i].PID < procs[j].PID
	})
}
