package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/agentloop"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/audit"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/incident"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/metrics"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/notify"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/policy"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/responder"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// AgentRunner works one incident to resolution or abort. Implemented by
// agentloop.Loop.
type AgentRunner interface {
	Run(ctx context.Context, inc model.Incident, tier model.ActionTier) (agentloop.Outcome, error)
}

// Advisor is the LLM collaborator outside the remediation loop. It never
// proposes commands. Implemented by agentloop.OpenAIProposer.
type Advisor interface {
	Model() string
	Summarize(ctx context.Context, inc model.Incident) (string, error)
	Scan(ctx context.Context, req agentloop.ScanRequest) (*threats.Finding, error)
}

// PipelineConfig holds the response policy inputs
type PipelineConfig struct {
	Windows       []policy.Window
	Ceiling       model.ActionTier
	MaxConcurrent int64
	// MaxAttempts bounds agent runs per incident within one process lifetime
	MaxAttempts int
	// Advisor is optional; with Summaries set it summarizes new incidents
	Advisor   Advisor
	Summaries bool
}

// Pipeline takes detector output through the incident registry, the
// policy engine, the responder and, when the plan allows it, the agent
// loop. Every status change is recorded before the next step starts.
type Pipeline struct {
	registry  *incident.Registry
	recorder  *audit.Recorder
	responder *responder.Responder
	notifier  *notify.Notifier
	agent     AgentRunner
	cfg       PipelineConfig
	sem       *semaphore.Weighted
	metrics   *metrics.Metrics
	logger    *logging.Logger
	now       func() time.Time

	mu       sync.Mutex
	root     context.Context
	busy     map[string]bool
	attempts map[string]int
	loops    sync.WaitGroup
}

// NewPipeline wires the response path. agent may be nil, in which case
// incidents that need remediation are left open.
func NewPipeline(reg *incident.Registry, rec *audit.Recorder, resp *responder.Responder, n *notify.Notifier,
	agent AgentRunner, cfg PipelineConfig, m *metrics.Metrics, logger *logging.Logger) *Pipeline {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	return &Pipeline{
		registry:  reg,
		recorder:  rec,
		responder: resp,
		notifier:  n,
		agent:     agent,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrent),
		metrics:   m,
		logger:    logger.WithComponent("pipeline"),
		now:       time.Now,
		root:      context.Background(),
		busy:      make(map[string]bool),
		attempts:  make(map[string]int),
	}
}

// Bind sets the context agent loops run under. Loops outlive the cycle
// that started them but not ctx.
func (p *Pipeline) Bind(ctx context.Context) {
	p.mu.Lock()
	p.root = ctx
	p.mu.Unlock()
}

// Wait blocks until every dispatched agent loop has finished
func (p *Pipeline) Wait() {
	p.loops.Wait()
}

// Active returns the number of incidents currently being worked
func (p *Pipeline) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.busy)
}

func (p *Pipeline) claim(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.busy[id] {
		return false
	}
	p.busy[id] = true
	return true
}

func (p *Pipeline) release(id string) {
	p.mu.Lock()
	delete(p.busy, id)
	p.mu.Unlock()
}

// Handle registers a detection and, when it opened a new incident or found
// an open one that was never decided, runs the response path. Only storage
// failures are returned.
func (p *Pipeline) Handle(ctx context.Context, detected model.Incident) error {
	inc, created, err := p.registry.Open(ctx, detected)
	if err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			p.logger.Warn("Dropping malformed detection", "detector", detected.Detector, "error", err)
			return nil
		}
		return err
	}
	if created {
		if inc, err = p.summarize(ctx, inc); err != nil {
			return err
		}
	}
	if err := p.recorder.Incident(inc, created); err != nil {
		return err
	}
	switch {
	case created:
		if p.metrics != nil {
			p.metrics.IncidentsOpened.WithLabelValues(string(inc.Kind), string(inc.Severity)).Inc()
			p.metrics.IncidentsOpen.Inc()
		}
	default:
		if p.metrics != nil {
			p.metrics.IncidentsRefired.WithLabelValues(string(inc.Kind)).Inc()
		}
		// an earlier attempt stored the incident but failed before deciding it
		if inc.Decided || inc.Status != model.StatusOpen {
			return nil
		}
	}

	if !p.claim(inc.ID) {
		return nil
	}
	dispatched, err := p.respond(ctx, inc)
	if !dispatched {
		p.release(inc.ID)
	}
	return err
}

// summarize attaches an operator summary to a new incident. A collaborator
// failure leaves the incident without one; only storage errors are returned.
func (p *Pipeline) summarize(ctx context.Context, inc model.Incident) (model.Incident, error) {
	if p.cfg.Advisor == nil || !p.cfg.Summaries {
		return inc, nil
	}
	start := p.now()
	text, err := p.cfg.Advisor.Summarize(ctx, inc)
	rec := audit.LLMCallRecord{IncidentID: inc.ID, Purpose: audit.PurposeSummary, Model: p.cfg.Advisor.Model(), Duration: p.now().Sub(start)}
	if err != nil {
		rec.Error = err.Error()
		p.logger.Warn("Incident summary failed", "incident_id", inc.ID, "error", err)
	}
	if rerr := p.recorder.LLMCall(rec); rerr != nil {
		return inc, rerr
	}
	if err != nil || text == "" {
		return inc, nil
	}
	return p.registry.SetSummary(ctx, inc.ID, text)
}

// Plan is the dry-run form of the policy decision for a stored incident
func (p *Pipeline) Plan(inc model.Incident) model.ActionPlan {
	return policy.Decide(inc, p.now(), p.cfg.Windows, p.cfg.Ceiling)
}

// respond decides, records and executes the plan for an open incident.
// It reports whether an agent loop took over the incident.
func (p *Pipeline) respond(ctx context.Context, inc model.Incident) (bool, error) {
	plan := p.Plan(inc)
	if err := p.recorder.Plan(plan); err != nil {
		return false, err
	}
	inc, err := p.registry.SetTier(ctx, inc.ID, plan.Tier)
	if err != nil {
		return false, err
	}

	if plan.Tier == model.TierAlertOnly {
		if _, err := p.execute(ctx, plan, inc); err != nil {
			return false, err
		}
		return false, p.transition(ctx, inc.ID, model.StatusOpen, model.StatusAlertOnly, alertOnlyReason(plan))
	}

	if err := p.transition(ctx, inc.ID, model.StatusOpen, model.StatusResolving, ""); err != nil {
		return false, err
	}
	results, err := p.execute(ctx, plan, inc)
	if err != nil {
		return false, err
	}
	if responder.Cleared(results) {
		ops := containment(results)
		if err := p.transition(ctx, inc.ID, model.StatusResolving, model.StatusResolved, "contained: "+strings.Join(ops, "; ")); err != nil {
			return false, err
		}
		p.notifyResolution(ctx, inc, ops)
		return false, nil
	}

	if p.canDelegate(inc.ID, plan) {
		p.dispatch(inc, plan.Tier)
		return true, nil
	}
	return false, p.transition(ctx, inc.ID, model.StatusResolving, model.StatusOpen, "no automated response cleared the incident")
}

func (p *Pipeline) canDelegate(id string, plan model.ActionPlan) bool {
	if p.agent == nil || !plan.Allows(model.ActionAgentRemediate) {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[id] < p.cfg.MaxAttempts
}

func (p *Pipeline) execute(ctx context.Context, plan model.ActionPlan, inc model.Incident) ([]model.ActionResult, error) {
	results := p.responder.Execute(ctx, plan, inc)
	for _, res := range results {
		if p.metrics != nil {
			p.metrics.ActionsTotal.WithLabelValues(string(res.Kind), string(res.Status)).Inc()
			if res.Kind == model.ActionAlert && res.Status == model.ActionFailed {
				p.metrics.NotifyErrors.Inc()
			}
		}
		if err := p.recorder.ActionResult(res); err != nil {
			return results, err
		}
	}
	return results, nil
}

// transition moves an incident and records the change
func (p *Pipeline) transition(ctx context.Context, id string, from, to model.Status, resolution string) error {
	if _, err := p.registry.Transition(ctx, id, to, resolution); err != nil {
		return err
	}
	if to.Terminal() && p.metrics != nil {
		p.metrics.IncidentsOpen.Dec()
	}
	return p.recorder.Status(id, from, to, resolution)
}

// dispatch runs the agent loop for inc in the background. The caller has
// claimed inc and moved it to resolving.
func (p *Pipeline) dispatch(inc model.Incident, tier model.ActionTier) {
	p.mu.Lock()
	root := p.root
	p.attempts[inc.ID]++
	p.mu.Unlock()

	p.loops.Add(1)
	go func() {
		defer p.loops.Done()
		defer p.release(inc.ID)

		// finishing touches must land even when shutdown cancelled the run
		finish := func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.WithoutCancel(root), 10*time.Second)
		}

		if err := p.sem.Acquire(root, 1); err != nil {
			ctx, cancel := finish()
			defer cancel()
			p.settleAgent(ctx, inc, agentloop.Outcome{State: agentloop.StateAborted, Reason: "shutting down before the agent loop started"}, nil)
			return
		}
		defer p.sem.Release(1)

		if p.metrics != nil {
			p.metrics.AgentLoopsActive.Inc()
			defer p.metrics.AgentLoopsActive.Dec()
		}
		out, err := p.agent.Run(root, inc, tier)

		ctx, cancel := finish()
		defer cancel()
		p.settleAgent(ctx, inc, out, err)
	}()
}

// settleAgent applies an agent loop's outcome to the incident
func (p *Pipeline) settleAgent(ctx context.Context, inc model.Incident, out agentloop.Outcome, runErr error) {
	if p.metrics != nil {
		p.metrics.AgentRunsTotal.WithLabelValues(string(out.State)).Inc()
		for _, step := range out.Steps {
			p.metrics.AgentCommandsTotal.WithLabelValues(string(step.Verdict)).Inc()
		}
	}

	to, resolution := model.StatusOpen, "agent aborted: "+out.Reason
	switch {
	case runErr != nil:
		resolution = "agent stopped: trail could not be written"
		if p.metrics != nil {
			p.metrics.StorageErrors.Inc()
		}
		p.logger.LogStorageEvent("storage_error", "incident_id", inc.ID, "error", runErr)
	case out.State == agentloop.StateResolved:
		to, resolution = model.StatusResolved, "resolved by agent: "+strings.Join(out.Commands, "; ")
	}

	if err := p.transition(ctx, inc.ID, model.StatusResolving, to, resolution); err != nil {
		if p.metrics != nil {
			p.metrics.StorageErrors.Inc()
		}
		p.logger.LogStorageEvent("storage_error", "incident_id", inc.ID, "op", "settle agent outcome", "error", err)
		return
	}
	if to == model.StatusResolved {
		p.notifyResolution(ctx, inc, out.Commands)
	}
}

func (p *Pipeline) notifyResolution(ctx context.Context, inc model.Incident, how []string) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Resolution(ctx, inc, how); err != nil {
		if p.metrics != nil {
			p.metrics.NotifyErrors.Inc()
		}
		p.logger.Warn("Failed to send resolution notice", "incident_id", inc.ID, "error", err)
	}
}

// Sweep revisits unfinished incidents. Incidents left in resolving by an
// interrupted process return to open, open incidents with no recorded
// decision go through the full response path, and open incidents the agent
// may still remediate are dispatched again. The pending digest is flushed
// last.
func (p *Pipeline) Sweep(ctx context.Context) error {
	all, err := p.registry.List(ctx)
	if err != nil {
		return err
	}

	live := 0
	for _, inc := range all {
		if inc.Status.Terminal() {
			continue
		}
		live++
		if !p.claim(inc.ID) {
			continue
		}
		dispatched, err := p.revisit(ctx, inc)
		if !dispatched {
			p.release(inc.ID)
		}
		if err != nil {
			return err
		}
	}
	if p.metrics != nil {
		p.metrics.IncidentsOpen.Set(float64(live))
	}

	if p.notifier != nil {
		if err := p.notifier.FlushDigest(ctx); err != nil {
			if p.metrics != nil {
				p.metrics.NotifyErrors.Inc()
			}
			p.logger.Warn("Failed to flush notification digest", "pending", p.notifier.Pending(), "error", err)
		}
	}
	return nil
}

func (p *Pipeline) revisit(ctx context.Context, inc model.Incident) (bool, error) {
	if inc.Status == model.StatusResolving {
		return false, p.transition(ctx, inc.ID, model.StatusResolving, model.StatusOpen, "interrupted before completion")
	}
	if !inc.Decided {
		return p.respond(ctx, inc)
	}
	if inc.Tier < model.TierSoftContainment {
		return false, nil
	}
	plan := p.Plan(inc)
	if !p.canDelegate(inc.ID, plan) {
		return false, nil
	}
	if err := p.recorder.Plan(plan); err != nil {
		return false, err
	}
	if err := p.transition(ctx, inc.ID, model.StatusOpen, model.StatusResolving, ""); err != nil {
		return false, err
	}
	p.dispatch(inc, plan.Tier)
	return true, nil
}

func alertOnlyReason(plan model.ActionPlan) string {
	if len(plan.Reasons) == 0 {
		return "alert only"
	}
	return "alert only: " + plan.Reasons[0]
}

// containment lists the direct actions that succeeded
func containment(results []model.ActionResult) []string {
	var ops []string
	for _, r := range results {
		if r.Status == model.ActionSucceeded && r.Kind.Destructive() {
			ops = append(ops, r.Operation)
		}
	}
	return ops
}
