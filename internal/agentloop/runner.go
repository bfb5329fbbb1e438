package agentloop

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Runner executes a validated argv
type Runner interface {
	Run(ctx context.Context, argv []string) model.ExecutionResult
}

// ExecRunner runs commands directly, without a shell. The child is killed
// when the timeout or ctx expires.
type ExecRunner struct {
	Timeout time.Duration
}

// Run implements Runner
func (r ExecRunner) Run(ctx context.Context, argv []string) model.ExecutionResult {
	if len(argv) == 0 {
		return model.ExecutionResult{ExitCode: -1, Stderr: "empty command"}
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	err := cmd.Run()
	res := model.ExecutionResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		res.TimedOut = true
		res.ExitCode = -1
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}
	return res
}
