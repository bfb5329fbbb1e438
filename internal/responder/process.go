package responder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// KillExecutor terminates a process named by the incident: SIGTERM, then
// SIGKILL once the grace period passes
type KillExecutor struct {
	Grace time.Duration

	signal func(pid int, sig unix.Signal) error
	poll   time.Duration
}

// NewKillExecutor creates a kill executor using the real process table
func NewKillExecutor(grace time.Duration) *KillExecutor {
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &KillExecutor{Grace: grace, signal: unix.Kill, poll: 100 * time.Millisecond}
}

func (e *KillExecutor) Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error) {
	out := Outcome{Operation: "kill -TERM " + c.Target}
	pid, err := strconv.Atoi(c.Target)
	if err != nil {
		return out, fmt.Errorf("invalid pid %q", c.Target)
	}
	if pid <= 1 || pid == os.Getpid() {
		return out, fmt.Errorf("refusing to signal pid %d", pid)
	}
	if !inc.Targets.HasPID(pid) {
		return out, fmt.Errorf("pid %d is not named by the incident", pid)
	}

	if err := e.signal(pid, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return out, fmt.Errorf("%w: pid %d no longer exists", ErrPrecondition, pid)
		}
		return out, err
	}
	if err := e.signal(pid, unix.SIGTERM); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return out, fmt.Errorf("%w: pid %d exited before signal", ErrPrecondition, pid)
		}
		return out, err
	}

	if e.waitGone(ctx, pid, e.Grace) {
		out.Summary = fmt.Sprintf("pid %d terminated", pid)
		return out, nil
	}

	out.Operation = "kill -KILL " + c.Target
	if err := e.signal(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return out, err
	}
	if e.waitGone(ctx, pid, e.Grace) {
		out.Summary = fmt.Sprintf("pid %d killed after ignoring SIGTERM", pid)
		return out, nil
	}
	return out, fmt.Errorf("pid %d still running after SIGKILL", pid)
}

func (e *KillExecutor) waitGone(ctx context.Context, pid int, within time.Duration) bool {
	deadline := time.NewTimer(within)
	defer deadline.Stop()
	tick := time.NewTicker(e.poll)
	defer tick.Stop()
	for {
		if errors.Is(e.signal(pid, 0), unix.ESRCH) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}
