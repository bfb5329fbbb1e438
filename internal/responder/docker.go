package responder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

var containerRef = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127}$`)

// Runner executes argv without a shell and returns its combined output and
// exit code. err is non-nil only when the process could not be run or was
// cut short.
type Runner func(ctx context.Context, argv []string) (output []byte, exitCode int, err error)

// ExecRunner runs argv with os/exec
func ExecRunner(ctx context.Context, argv []string) ([]byte, int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.WaitDelay = time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if ctx.Err() != nil {
		return buf.Bytes(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return buf.Bytes(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return buf.Bytes(), -1, err
	}
	return buf.Bytes(), 0, nil
}

// DockerExecutor stops or force-removes a container through the docker CLI
type DockerExecutor struct {
	Binary string
	Remove bool
	run    Runner
}

// NewDockerExecutor creates a stop (remove=false) or remove executor
func NewDockerExecutor(binary string, remove bool) *DockerExecutor {
	if binary == "" {
		binary = "docker"
	}
	return &DockerExecutor{Binary: binary, Remove: remove, run: ExecRunner}
}

func (e *DockerExecutor) Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error) {
	verb := "stop"
	argv := []string{e.Binary, "stop", "--time", "10", c.Target}
	if e.Remove {
		verb = "rm"
		argv = []string{e.Binary, "rm", "--force", c.Target}
	}
	out := Outcome{Operation: strings.Join(argv, " ")}

	if !containerRef.MatchString(c.Target) {
		return out, fmt.Errorf("invalid container reference %q", c.Target)
	}
	if !inc.Targets.HasContainer(c.Target) {
		return out, fmt.Errorf("container %s is not named by the incident", c.Target)
	}

	state, code, err := e.run(ctx, []string{e.Binary, "inspect", "--format", "{{.State.Running}}", c.Target})
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, fmt.Errorf("%w: container %s not found", ErrPrecondition, c.Target)
	}
	if !e.Remove && strings.TrimSpace(string(state)) != "true" {
		return out, fmt.Errorf("%w: container %s is not running", ErrPrecondition, c.Target)
	}

	output, code, err := e.run(ctx, argv)
	out.ExitCode = code
	if err != nil {
		return out, err
	}
	if code != 0 {
		return out, fmt.Errorf("docker %s exited %d: %s", verb, code, strings.TrimSpace(string(output)))
	}
	if e.Remove {
		out.Summary = fmt.Sprintf("container %s removed", c.Target)
	} else {
		out.Summary = fmt.Sprintf("container %s stopped", c.Target)
	}
	return out, nil
}
