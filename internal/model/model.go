package model

import (
	"encoding/json"
	"time"
)

// Severity is an incident priority, P0 being the most urgent
type Severity string

const (
	SeverityP0 Severity = "P0"
	SeverityP1 Severity = "P1"
	SeverityP2 Severity = "P2"
	SeverityP3 Severity = "P3"
)

// Rank returns 0 for P0 up to 3 for P3; unknown severities rank lowest
func (s Severity) Rank() int {
	switch s {
	case SeverityP0:
		return 0
	case SeverityP1:
		return 1
	case SeverityP2:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityP0, SeverityP1, SeverityP2, SeverityP3:
		return true
	}
	return false
}

// IncidentKind identifies the condition a detector found
type IncidentKind string

const (
	KindHighCPU             IncidentKind = "high_cpu"
	KindHighMemory          IncidentKind = "high_memory"
	KindNewListeningPort    IncidentKind = "new_listening_port"
	KindNewAdminUser        IncidentKind = "new_admin_user"
	KindNewContainer        IncidentKind = "new_container"
	KindPHPMalwareSuspected IncidentKind = "php_malware_suspected"
	KindAuthFailureBurst    IncidentKind = "auth_failure_burst"
	KindDrift               IncidentKind = "drift"
)

// FileState is the recorded state of a single monitored file
type FileState struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
	UID  int    `json:"uid"`
	GID  int    `json:"gid"`
}

// Snapshot maps monitored paths to their state at a point in time.
// Unreadable paths appear in Errors and not in Files.
type Snapshot struct {
	TakenAt time.Time            `json:"taken_at"`
	Files   map[string]FileState `json:"files"`
	Errors  map[string]string    `json:"errors,omitempty"`
}

// ChangeEvent describes one path whose content differs between two snapshots.
// An empty PreviousHash means the path was absent, an empty NewHash means it was removed.
type ChangeEvent struct {
	Path         string    `json:"path"`
	PreviousHash string    `json:"previous_hash,omitempty"`
	NewHash      string    `json:"new_hash,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Change classifies the event
func (e ChangeEvent) Change() string {
	switch {
	case e.PreviousHash == "":
		return "added"
	case e.NewHash == "":
		return "removed"
	default:
		return "changed"
	}
}

// Incident is a detected security-relevant condition. Decided is set once a
// policy decision has been recorded for it; until then Tier is meaningless.
// Summary is an optional operator summary from the LLM collaborator.
type Incident struct {
	ID          string          `json:"id"`
	Kind        IncidentKind    `json:"kind"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Fingerprint string          `json:"fingerprint"`
	Evidence    json.RawMessage `json:"evidence,omitempty"`
	Targets     Targets         `json:"targets"`
	Detector    string          `json:"detector"`
	CreatedAt   time.Time       `json:"created_at"`
	LastSeen    time.Time       `json:"last_seen"`
	Occurrences int             `json:"occurrences"`
	Status      Status          `json:"status"`
	Tier        ActionTier      `json:"tier"`
	Decided     bool            `json:"decided"`
	Resolution  string          `json:"resolution,omitempty"`
	Summary     string          `json:"summary,omitempty"`
}

// Targets lists the identifiers named by an incident's evidence.
// Automated actions may only reference these.
type Targets struct {
	PIDs       []int    `json:"pids,omitempty"`
	Containers []string `json:"containers,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	IPs        []string `json:"ips,omitempty"`
	Ports      []int    `json:"ports,omitempty"`
	Users      []string `json:"users,omitempty"`
}

// HasPID reports whether pid is named in the targets
func (t Targets) HasPID(pid int) bool {
	for _, p := range t.PIDs {
		if p == pid {
			return true
		}
	}
	return false
}

// HasContainer matches a full id, a name, or an id prefix of at least 12 characters
func (t Targets) HasContainer(ref string) bool {
	if ref == "" {
		return false
	}
	for _, c := range t.Containers {
		if c == ref || (len(ref) >= 12 && len(c) > len(ref) && c[:len(ref)] == ref) {
			return true
		}
	}
	return false
}

// HasPath reports whether path is named in the targets
func (t Targets) HasPath(path string) bool {
	for _, p := range t.Paths {
		if p == path {
			return true
		}
	}
	return false
}

// HasIP reports whether ip is named in the targets
func (t Targets) HasIP(ip string) bool {
	for _, v := range t.IPs {
		if v == ip {
			return true
		}
	}
	return false
}

// HasUser reports whether user is named in the targets
func (t Targets) HasUser(user string) bool {
	for _, u := range t.Users {
		if u == user {
			return true
		}
	}
	return false
}

// ActionTier bounds how invasive automated response may be. 0 is alert-only.
type ActionTier int

const (
	TierAlertOnly         ActionTier = 0
	TierSoftContainment   ActionTier = 1
	TierStrongContainment ActionTier = 2
	TierEmergency         ActionTier = 3
)

// String returns the tier name
func (t ActionTier) String() string {
	switch t {
	case TierAlertOnly:
		return "alert_only"
	case TierSoftContainment:
		return "soft_containment"
	case TierStrongContainment:
		return "strong_containment"
	case TierEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// ActionKind is a concrete response capability
type ActionKind string

const (
	ActionAlert           ActionKind = "alert"
	ActionBlockIP         ActionKind = "block_ip"
	ActionAgentRemediate  ActionKind = "agent_remediate"
	ActionStopContainer   ActionKind = "stop_container"
	ActionKillProcess     ActionKind = "kill_process"
	ActionRemoveContainer ActionKind = "remove_container"
)

// Destructive reports whether the action changes running workloads
func (k ActionKind) Destructive() bool {
	switch k {
	case ActionStopContainer, ActionKillProcess, ActionRemoveContainer:
		return true
	}
	return false
}

// CandidateAction is one entry of an action plan
type CandidateAction struct {
	Kind    ActionKind `json:"kind"`
	Target  string     `json:"target,omitempty"`
	MinTier ActionTier `json:"min_tier"`
	Allowed bool       `json:"allowed"`
	Reason  string     `json:"reason"`
}

// ActionPlan is the policy engine's immutable output for one incident
type ActionPlan struct {
	IncidentID   string            `json:"incident_id"`
	Kind         IncidentKind      `json:"kind"`
	Severity     Severity          `json:"severity"`
	Tier         ActionTier        `json:"tier"`
	Ceiling      ActionTier        `json:"ceiling"`
	Confirmed    bool              `json:"confirmed"`
	Candidates   []CandidateAction `json:"candidates"`
	AppliedRules []string          `json:"applied_rules"`
	Reasons      []string          `json:"reasons"`
	DecidedAt    time.Time         `json:"decided_at"`
}

// Allows reports whether the plan permits an action of the given kind
func (p ActionPlan) Allows(kind ActionKind) bool {
	for _, c := range p.Candidates {
		if c.Kind == kind && c.Allowed {
			return true
		}
	}
	return false
}

// ActionStatus is the outcome of one executed candidate
type ActionStatus string

const (
	ActionSucceeded ActionStatus = "succeeded"
	ActionFailed    ActionStatus = "failed"
	ActionSkipped   ActionStatus = "skipped"
	ActionDelegated ActionStatus = "delegated"
)

// ActionResult records what the responder did for one candidate
type ActionResult struct {
	IncidentID string        `json:"incident_id"`
	Kind       ActionKind    `json:"kind"`
	Target     string        `json:"target,omitempty"`
	Operation  string        `json:"operation"`
	Status     ActionStatus  `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	Summary    string        `json:"summary"`
}

// Verdict is the whitelist decision for a proposed agent command
type Verdict string

const (
	VerdictAllowed  Verdict = "allowed"
	VerdictDenied   Verdict = "denied"
	VerdictDegraded Verdict = "degraded"
	VerdictNone     Verdict = "none" // nothing was proposed
)

// ExecutionResult is the captured, truncated and redacted output of an agent command
type ExecutionResult struct {
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// AgentStep is one iteration of the agent loop for an incident
type AgentStep struct {
	IncidentID      string           `json:"incident_id"`
	Iteration       int              `json:"iteration"`
	State           string           `json:"state"`
	ProposedCommand string           `json:"proposed_command"`
	Rationale       string           `json:"rationale,omitempty"`
	Verdict         Verdict          `json:"verdict"`
	VerdictReason   string           `json:"verdict_reason,omitempty"`
	Result          *ExecutionResult `json:"execution_result,omitempty"`
	Cleared         bool             `json:"cleared"`
	Timestamp       time.Time        `json:"timestamp"`
}
