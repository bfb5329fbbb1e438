package agentloop

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/audit"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// State is a position in the per-incident state machine
type State string

const (
	StateIdle       State = "idle"
	StateProposing  State = "proposing"
	StateValidating State = "validating"
	StateExecuting  State = "executing"
	StateObserving  State = "observing"
	StateResolved   State = "resolved"
	StateAborted    State = "aborted"
)

// Limits bound one run. MaxDenials consecutive denials are tolerated; the
// next one aborts.
type Limits struct {
	MaxIterations  int
	MaxDuration    time.Duration
	MaxDenials     int
	HistorySteps   int
	MaxOutputBytes int
}

// LimitsFromConfig reads the loop bounds from the agent settings
func LimitsFromConfig(cfg config.AgentConfig) Limits {
	return Limits{
		MaxIterations:  cfg.MaxIterations,
		MaxDuration:    cfg.MaxDuration,
		MaxDenials:     cfg.MaxConsecutiveDenials,
		HistorySteps:   cfg.HistorySteps,
		MaxOutputBytes: cfg.MaxOutputBytes,
	}
}

// StepRecorder persists the loop's trail. Implemented by audit.Recorder.
type StepRecorder interface {
	CommandVerdict(step model.AgentStep) error
	CommandExecution(rec audit.CommandRecord) error
	AgentStep(step model.AgentStep) error
	LLMCall(rec audit.LLMCallRecord) error
}

// ContextFunc describes the host for the collaborator, e.g. top processes
type ContextFunc func(ctx context.Context) string

// Outcome is how a run ended
type Outcome struct {
	IncidentID string
	State      State
	Reason     string
	Steps      []model.AgentStep
	Commands   []string
	Degraded   bool
	Duration   time.Duration
}

// Loop drives the propose, validate, execute, observe cycle for one
// incident at a time. A Loop is safe for concurrent use by different
// incidents; callers must not run the same incident twice at once.
type Loop struct {
	proposer    Proposer
	whitelist   *Whitelist
	runner      Runner
	observer    Observer
	recorder    StepRecorder
	knowledge   *threats.Knowledge
	hostContext ContextFunc
	limits      Limits
	logger      *logging.Logger
	now         func() time.Time
}

// Options carries the optional collaborators
type Options struct {
	Knowledge   *threats.Knowledge
	HostContext ContextFunc
}

// New creates a loop
func New(p Proposer, w *Whitelist, r Runner, o Observer, rec StepRecorder, limits Limits, opts Options, logger *logging.Logger) *Loop {
	if limits.MaxIterations <= 0 {
		limits.MaxIterations = 10
	}
	if limits.MaxDenials <= 0 {
		limits.MaxDenials = 3
	}
	if limits.MaxOutputBytes <= 0 {
		limits.MaxOutputBytes = 1500
	}
	return &Loop{
		proposer:    p,
		whitelist:   w,
		runner:      r,
		observer:    o,
		recorder:    rec,
		knowledge:   opts.Knowledge,
		hostContext: opts.HostContext,
		limits:      limits,
		logger:      logger.WithComponent("agentloop"),
		now:         time.Now,
	}
}

// Run works inc until it is resolved or a bound is hit. Every iteration
// appends exactly one step. The returned error is non-nil only when the
// trail could not be written, in which case the run stops immediately.
func (l *Loop) Run(ctx context.Context, inc model.Incident, tier model.ActionTier) (Outcome, error) {
	start := l.now()
	out := Outcome{IncidentID: inc.ID, State: StateIdle}
	if l.limits.MaxDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.limits.MaxDuration)
		defer cancel()
	}
	l.logger.LogAgentEvent("agent_started", inc.ID, "kind", inc.Kind, "tier", tier)

	knowledge := ""
	if l.knowledge != nil {
		if list, err := l.knowledge.Recent(ctx, inc.Kind, 5); err == nil {
			knowledge = threats.Context(list)
		}
	}
	var allowed []string
	for _, p := range l.whitelist.Patterns() {
		if p.MinTier <= tier {
			allowed = append(allowed, p.re.String())
		}
	}

	denials := 0
	feedback := ""

	for iter := 1; iter <= l.limits.MaxIterations; iter++ {
		if ctx.Err() != nil {
			return l.abort(out, start, "time budget exhausted")
		}
		step := model.AgentStep{IncidentID: inc.ID, Iteration: iter, State: string(StateProposing), Timestamp: l.now().UTC()}

		req := Request{
			Incident:  inc,
			Tier:      tier,
			Iteration: iter,
			History:   lastSteps(out.Steps, l.limits.HistorySteps),
			Knowledge: knowledge,
			Feedback:  feedback,
			Allowed:   allowed,
		}
		if l.hostContext != nil {
			req.HostContext = l.hostContext(ctx)
		}
		prop, err := l.propose(ctx, req)
		if err != nil {
			var ext *model.ExternalServiceError
			if errors.As(err, &ext) || ctx.Err() != nil {
				step.State = string(StateAborted)
				step.Verdict = model.VerdictDegraded
				step.VerdictReason = err.Error()
				if rerr := l.appendStep(&out, step); rerr != nil {
					return out, rerr
				}
				out.Degraded = true
				l.logger.LogAgentEvent("agent_degraded", inc.ID, "error", err)
				return l.abort(out, start, "proposal collaborator unavailable")
			}
			// malformed reply: count it like a denial and ask again
			step.State = string(StateValidating)
			step.Verdict = model.VerdictDenied
			step.VerdictReason = err.Error()
			if err := l.recorder.CommandVerdict(step); err != nil {
				return out, err
			}
			if rerr := l.appendStep(&out, step); rerr != nil {
				return out, rerr
			}
			denials++
			feedback = "Your last reply could not be parsed: " + err.Error() + ". Reply with JSON only."
			if denials > l.limits.MaxDenials {
				return l.abort(out, start, "too many consecutive denials")
			}
			continue
		}
		step.ProposedCommand = prop.Command
		step.Rationale = prop.Rationale

		if prop.Command == "" {
			// the collaborator considers the incident finished
			step.State = string(StateObserving)
			step.Verdict = model.VerdictNone
			step.VerdictReason = "collaborator reported done"
			step.Cleared = l.observe(ctx, inc)
			if rerr := l.appendStep(&out, step); rerr != nil {
				return out, rerr
			}
			if step.Cleared {
				return l.resolve(ctx, out, inc, start)
			}
			return l.abort(out, start, "collaborator finished without clearing the incident")
		}

		step.State = string(StateValidating)
		dec := l.whitelist.Check(prop.Command, inc, tier)
		step.Verdict = model.VerdictDenied
		if dec.Allowed {
			step.Verdict = model.VerdictAllowed
		}
		step.VerdictReason = dec.Reason
		// the verdict is durable before anything runs
		if err := l.recorder.CommandVerdict(step); err != nil {
			return out, err
		}

		if !dec.Allowed {
			l.logger.LogAgentEvent("command_denied", inc.ID, "command", prop.Command, "reason", dec.Reason)
			if rerr := l.appendStep(&out, step); rerr != nil {
				return out, rerr
			}
			denials++
			feedback = fmt.Sprintf("Command %q was denied: %s. Propose a different command that matches an allowed form.", prop.Command, dec.Reason)
			if denials > l.limits.MaxDenials {
				return l.abort(out, start, "too many consecutive denials")
			}
			continue
		}
		denials = 0

		step.State = string(StateExecuting)
		res := Sanitize(l.runner.Run(ctx, dec.Argv), l.limits.MaxOutputBytes, l.limits.MaxOutputBytes/3)
		step.Result = &res
		out.Commands = append(out.Commands, prop.Command)
		l.logger.LogAgentEvent("command_executed", inc.ID, "command", prop.Command, "exit_code", res.ExitCode, "timed_out", res.TimedOut)
		if err := l.recorder.CommandExecution(audit.CommandRecord{IncidentID: inc.ID, Iteration: iter, Command: prop.Command, Result: res}); err != nil {
			return out, err
		}

		step.State = string(StateObserving)
		step.Cleared = l.observe(ctx, inc)
		if rerr := l.appendStep(&out, step); rerr != nil {
			return out, rerr
		}
		if step.Cleared {
			return l.resolve(ctx, out, inc, start)
		}
		if prop.Done {
			return l.abort(out, start, "collaborator finished without clearing the incident")
		}
		feedback = fmt.Sprintf("Command %q exited %d. The incident condition is still present.", prop.Command, res.ExitCode)
	}

	if ctx.Err() != nil {
		return l.abort(out, start, "time budget exhausted")
	}
	return l.abort(out, start, "iteration budget exhausted")
}

func (l *Loop) propose(ctx context.Context, req Request) (Proposal, error) {
	start := l.now()
	prop, err := l.proposer.Propose(ctx, req)
	rec := audit.LLMCallRecord{
		IncidentID: req.Incident.ID,
		Iteration:  req.Iteration,
		Model:      prop.Model,
		Duration:   l.now().Sub(start),
		Tokens:     prop.Tokens,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if rerr := l.recorder.LLMCall(rec); rerr != nil {
		l.logger.LogStorageEvent("storage_error", "op", "record llm call", "error", rerr)
	}
	return prop, err
}

func (l *Loop) observe(ctx context.Context, inc model.Incident) bool {
	cleared, err := l.observer.Cleared(ctx, inc)
	if err != nil {
		l.logger.Warn("Observation failed", "incident_id", inc.ID, "error", err)
		return false
	}
	return cleared
}

func (l *Loop) appendStep(out *Outcome, step model.AgentStep) error {
	out.Steps = append(out.Steps, step)
	return l.recorder.AgentStep(step)
}

func (l *Loop) resolve(ctx context.Context, out Outcome, inc model.Incident, start time.Time) (Outcome, error) {
	out.State = StateResolved
	out.Reason = "incident condition cleared"
	out.Duration = l.now().Sub(start)
	l.logger.LogAgentEvent("agent_resolved", inc.ID, "iterations", len(out.Steps), "commands", out.Commands)
	if l.knowledge != nil {
		// the run's own deadline may be spent; knowledge is best effort
		kctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.knowledge.Record(kctx, inc, out.Commands, l.now()); err != nil {
			l.logger.Warn("Failed to record resolution", "incident_id", inc.ID, "error", err)
		}
	}
	return out, nil
}

func (l *Loop) abort(out Outcome, start time.Time, reason string) (Outcome, error) {
	out.State = StateAborted
	out.Reason = reason
	out.Duration = l.now().Sub(start)
	l.logger.LogAgentEvent("agent_aborted", out.IncidentID, "reason", reason, "iterations", len(out.Steps))
	return out, nil
}
