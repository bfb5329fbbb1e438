package audit

import (
	"errors"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// Log names
const (
	AuditLog    = "audit"
	ActivityLog = "activity"
)

// Record types. The audit log holds the decision trail; the activity log
// holds everything the agent did, including the audit records.
const (
	TypeIncident         = "incident"
	TypeStatus           = "status"
	TypeActionPlan       = "action_plan"
	TypeActionResult     = "action_result"
	TypeAgentStep        = "agent_step"
	TypeCollectorRun     = "collector_run"
	TypeDetectorRun      = "detector_run"
	TypePolicyDecision   = "policy_decision"
	TypeCommandVerdict   = "command_verdict"
	TypeCommandExecution = "command_execution"
	TypeLLMCall          = "llm_call"
	TypeAgentIteration   = "agent_iteration"
	TypeDegraded         = "degraded"
	TypeDriftCycle       = "drift_cycle"
	TypeScanFinding      = "scan_finding"
)

// IncidentRecord is the payload of an incident record
type IncidentRecord struct {
	Incident model.Incident `json:"incident"`
	Created  bool           `json:"created"`
}

// StatusRecord is the payload of a status transition
type StatusRecord struct {
	IncidentID string       `json:"incident_id"`
	From       model.Status `json:"from"`
	To         model.Status `json:"to"`
	Resolution string       `json:"resolution,omitempty"`
}

// RunRecord describes one collector or detector run
type RunRecord struct {
	Name      string        `json:"name"`
	Duration  time.Duration `json:"duration"`
	Items     int           `json:"items"`
	Error     string        `json:"error,omitempty"`
	Incidents int           `json:"incidents,omitempty"`
}

// LLM call purposes besides proposals
const (
	PurposeSummary = "summary"
	PurposeScan    = "scan"
)

// LLMCallRecord describes one request to the LLM collaborator. Purpose is
// empty for command proposals.
type LLMCallRecord struct {
	IncidentID string        `json:"incident_id,omitempty"`
	Purpose    string        `json:"purpose,omitempty"`
	Iteration  int           `json:"iteration"`
	Model      string        `json:"model"`
	Duration   time.Duration `json:"duration"`
	Tokens     int           `json:"tokens,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// CommandRecord describes a command the agent loop ran
type CommandRecord struct {
	IncidentID string                `json:"incident_id"`
	Iteration  int                   `json:"iteration"`
	Command    string                `json:"command"`
	Result     model.ExecutionResult `json:"result"`
}

// DriftRecord summarizes a drift cycle
type DriftRecord struct {
	Files        int                 `json:"files"`
	Changes      []model.ChangeEvent `json:"changes,omitempty"`
	Bootstrapped bool                `json:"bootstrapped,omitempty"`
	Errors       int                 `json:"errors,omitempty"`
}

// Recorder writes the audit and activity trails
type Recorder struct {
	audit    *Log
	activity *Log
	logger   *logging.Logger
}

// NewRecorder opens both logs under dir
func NewRecorder(dir string, maxSegmentBytes int64, logger *logging.Logger) (*Recorder, error) {
	auditLog, err := Open(dir, AuditLog, maxSegmentBytes, logger)
	if err != nil {
		return nil, err
	}
	activityLog, err := Open(dir, ActivityLog, maxSegmentBytes, logger)
	if err != nil {
		auditLog.Close()
		return nil, err
	}
	return &Recorder{audit: auditLog, activity: activityLog, logger: logger.WithComponent("audit")}, nil
}

// Audit returns the audit log
func (r *Recorder) Audit() *Log { return r.audit }

// Activity returns the activity log
func (r *Recorder) Activity() *Log { return r.activity }

// both appends to the audit log and then the activity log
func (r *Recorder) both(typ string, payload any) error {
	if _, err := r.audit.Append(typ, payload); err != nil {
		return err
	}
	_, err := r.activity.Append(typ, payload)
	return err
}

func (r *Recorder) activityOnly(typ string, payload any) error {
	_, err := r.activity.Append(typ, payload)
	return err
}

// Incident records a newly opened or re-fired incident. Re-fires go to
// the activity log only.
func (r *Recorder) Incident(inc model.Incident, created bool) error {
	rec := IncidentRecord{Incident: inc, Created: created}
	if !created {
		return r.activityOnly(TypeIncident, rec)
	}
	return r.both(TypeIncident, rec)
}

// Status records a status transition
func (r *Recorder) Status(id string, from, to model.Status, resolution string) error {
	return r.both(TypeStatus, StatusRecord{IncidentID: id, From: from, To: to, Resolution: resolution})
}

// Plan records an issued action plan
func (r *Recorder) Plan(plan model.ActionPlan) error {
	if _, err := r.audit.Append(TypeActionPlan, plan); err != nil {
		return err
	}
	return r.activityOnly(TypePolicyDecision, plan)
}

// ActionResult records one responder outcome
func (r *Recorder) ActionResult(res model.ActionResult) error {
	return r.both(TypeActionResult, res)
}

// CommandVerdict records the whitelist decision for a proposed command. It
// is written before the command runs.
func (r *Recorder) CommandVerdict(step model.AgentStep) error {
	return r.activityOnly(TypeCommandVerdict, step)
}

// CommandExecution records a command's captured output
func (r *Recorder) CommandExecution(rec CommandRecord) error {
	return r.activityOnly(TypeCommandExecution, rec)
}

// AgentStep records a finished iteration. Steps that executed a command
// are also part of the audit trail; degraded steps are flagged.
func (r *Recorder) AgentStep(step model.AgentStep) error {
	var errs []error
	if step.Result != nil {
		if _, err := r.audit.Append(TypeAgentStep, step); err != nil {
			errs = append(errs, err)
		}
	}
	if step.Verdict == model.VerdictDegraded {
		if err := r.activityOnly(TypeDegraded, step); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.activityOnly(TypeAgentIteration, step); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// CollectorRun records one collector invocation
func (r *Recorder) CollectorRun(rec RunRecord) error {
	return r.activityOnly(TypeCollectorRun, rec)
}

// DetectorRun records one detector evaluation
func (r *Recorder) DetectorRun(rec RunRecord) error {
	return r.activityOnly(TypeDetectorRun, rec)
}

// DriftCycle records the outcome of a drift cycle
func (r *Recorder) DriftCycle(rec DriftRecord) error {
	return r.activityOnly(TypeDriftCycle, rec)
}

// LLMCall records one collaborator request
func (r *Recorder) LLMCall(rec LLMCallRecord) error {
	return r.activityOnly(TypeLLMCall, rec)
}

// FindingRecord is the payload of a scan finding record
type FindingRecord struct {
	Finding threats.Finding `json:"finding"`
	Created bool            `json:"created"`
}

// Finding records a vulnerability a scan reported
func (r *Recorder) Finding(f threats.Finding, created bool) error {
	return r.activityOnly(TypeScanFinding, FindingRecord{Finding: f, Created: created})
}

// Close closes both logs
func (r *Recorder) Close() error {
	return errors.Join(r.audit.Close(), r.activity.Close())
}
