package responder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/policy"
)

// ErrPrecondition marks an action whose target is already gone. The action
// is skipped rather than failed.
var ErrPrecondition = errors.New("precondition not met")

// Outcome is what an executor reports for one action
type Outcome struct {
	Operation string
	ExitCode  int
	Summary   string
	Delegated bool
}

// Executor carries out one kind of action
type Executor interface {
	Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error)
}

// ExecutorFunc adapts a function to Executor
type ExecutorFunc func(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error)

func (f ExecutorFunc) Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error) {
	return f(ctx, inc, c)
}

// Responder executes the allowed candidates of an action plan
type Responder struct {
	executors map[model.ActionKind]Executor
	timeout   time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

// New creates a responder. timeout bounds each action.
func New(executors map[model.ActionKind]Executor, timeout time.Duration, logger *logging.Logger) *Responder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Responder{
		executors: executors,
		timeout:   timeout,
		logger:    logger.WithComponent("responder"),
		now:       time.Now,
	}
}

// Execute runs the plan's allowed candidates in order and returns one
// result per attempted action. A destructive action is never attempted,
// and leaves no result, unless the plan is confirmed and its tier grants
// the capability. A precondition failure skips that action only.
func (r *Responder) Execute(ctx context.Context, plan model.ActionPlan, inc model.Incident) []model.ActionResult {
	var results []model.ActionResult
	for _, c := range plan.Candidates {
		if !c.Allowed {
			continue
		}
		if !r.permitted(plan, c) {
			r.logger.LogActionEvent("action_refused", plan.IncidentID, "action", c.Kind, "tier", plan.Tier)
			continue
		}
		if ctx.Err() != nil {
			break
		}
		results = append(results, r.run(ctx, plan, inc, c))
	}
	return results
}

// permitted re-checks the plan's grant independently of the Allowed flag
func (r *Responder) permitted(plan model.ActionPlan, c model.CandidateAction) bool {
	minTier, known := policy.Capabilities[c.Kind]
	if !known || minTier > plan.Tier || plan.Tier > plan.Ceiling {
		return false
	}
	if c.Kind.Destructive() && (!plan.Confirmed || plan.Tier == model.TierAlertOnly) {
		return false
	}
	return true
}

func (r *Responder) run(ctx context.Context, plan model.ActionPlan, inc model.Incident, c model.CandidateAction) model.ActionResult {
	res := model.ActionResult{
		IncidentID: plan.IncidentID,
		Kind:       c.Kind,
		Target:     c.Target,
		Operation:  string(c.Kind),
	}

	exec, ok := r.executors[c.Kind]
	if !ok {
		res.Status = model.ActionSkipped
		res.Summary = "no executor configured"
		r.logger.LogActionEvent("action_skipped", plan.IncidentID, "action", c.Kind, "reason", res.Summary)
		return res
	}

	actx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	start := r.now()
	out, err := exec.Execute(actx, inc, c)
	res.Duration = r.now().Sub(start)
	if out.Operation != "" {
		res.Operation = out.Operation
	}
	res.ExitCode = out.ExitCode
	res.Summary = out.Summary

	switch {
	case err == nil && out.Delegated:
		res.Status = model.ActionDelegated
		r.logger.LogActionEvent("action_delegated", plan.IncidentID, "action", c.Kind)
	case err == nil:
		res.Status = model.ActionSucceeded
		r.logger.LogActionEvent("action_succeeded", plan.IncidentID,
			"action", c.Kind, "target", c.Target, "duration", res.Duration)
	case errors.Is(err, ErrPrecondition):
		res.Status = model.ActionSkipped
		if res.Summary == "" {
			res.Summary = err.Error()
		}
		r.logger.LogActionEvent("action_skipped", plan.IncidentID, "action", c.Kind, "target", c.Target, "reason", err)
	default:
		if actx.Err() == context.DeadlineExceeded {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		aerr := &model.ActionExecutionError{Action: c.Kind, Target: c.Target, Err: err}
		res.Status = model.ActionFailed
		if res.Summary == "" {
			res.Summary = aerr.Error()
		}
		if res.ExitCode == 0 {
			res.ExitCode = -1
		}
		r.logger.LogActionEvent("action_failed", plan.IncidentID, "action", c.Kind, "target", c.Target, "error", aerr)
	}
	return res
}

// Cleared reports whether the results contain a successful direct
// containment, as opposed to alerts, placeholders and delegation
func Cleared(results []model.ActionResult) bool {
	for _, r := range results {
		if r.Status == model.ActionSucceeded && r.Kind.Destructive() {
			return true
		}
	}
	return false
}
