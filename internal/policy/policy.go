package policy

import (
	"fmt"
	"strconv"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Capabilities maps each action to the lowest tier that permits it
var Capabilities = map[model.ActionKind]model.ActionTier{
	model.ActionAlert:           model.TierAlertOnly,
	model.ActionBlockIP:         model.TierSoftContainment,
	model.ActionAgentRemediate:  model.TierSoftContainment,
	model.ActionStopContainer:   model.TierSoftContainment,
	model.ActionKillProcess:     model.TierStrongContainment,
	model.ActionRemoveContainer: model.TierEmergency,
}

// SeverityTier is the static severity to tier mapping
func SeverityTier(sev model.Severity) model.ActionTier {
	switch sev {
	case model.SeverityP0:
		return model.TierEmergency
	case model.SeverityP1:
		return model.TierStrongContainment
	case model.SeverityP2:
		return model.TierSoftContainment
	default:
		return model.TierAlertOnly
	}
}

// Decide selects the action tier and the candidate actions for an incident.
// It reads nothing but its arguments: identical inputs produce identical
// plans.
//
// Rules, in order:
//  1. an active maintenance window covering the incident kind forces tier 0
//  2. otherwise severity maps to a tier, clamped to ceiling
//  3. every candidate above the selected tier is marked denied
func Decide(inc model.Incident, now time.Time, windows []Window, ceiling model.ActionTier) model.ActionPlan {
	ceiling = clampTier(ceiling)
	plan := model.ActionPlan{
		IncidentID:   inc.ID,
		Kind:         inc.Kind,
		Severity:     inc.Severity,
		Ceiling:      ceiling,
		AppliedRules: []string{},
		Reasons:      []string{},
		DecidedAt:    now.UTC(),
	}

	if w, ok := activeWindow(windows, inc.Kind, now); ok {
		plan.Tier = model.TierAlertOnly
		plan.AppliedRules = append(plan.AppliedRules, "maintenance_window")
		plan.Reasons = append(plan.Reasons, fmt.Sprintf("Maintenance window %q is active - response limited to alerts", w.Name))
	} else {
		tier := SeverityTier(inc.Severity)
		plan.AppliedRules = append(plan.AppliedRules, "severity_tier")
		plan.Reasons = append(plan.Reasons, fmt.Sprintf("Severity %s maps to tier %d (%s)", inc.Severity, tier, tier))
		if tier > ceiling {
			plan.AppliedRules = append(plan.AppliedRules, "tier_ceiling")
			plan.Reasons = append(plan.Reasons, fmt.Sprintf("Tier %d capped at ceiling %d", tier, ceiling))
			tier = ceiling
		}
		plan.Tier = tier
	}
	plan.Confirmed = plan.Tier >= model.TierSoftContainment

	for _, c := range candidates(inc) {
		c.MinTier = Capabilities[c.Kind]
		if c.MinTier <= plan.Tier {
			c.Allowed = true
			c.Reason = fmt.Sprintf("permitted at tier %d", plan.Tier)
		} else {
			c.Reason = fmt.Sprintf("requires tier %d, plan is tier %d", c.MinTier, plan.Tier)
		}
		plan.Candidates = append(plan.Candidates, c)
	}
	return plan
}

func clampTier(t model.ActionTier) model.ActionTier {
	if t < model.TierAlertOnly {
		return model.TierAlertOnly
	}
	if t > model.TierEmergency {
		return model.TierEmergency
	}
	return t
}

func activeWindow(windows []Window, kind model.IncidentKind, now time.Time) (Window, bool) {
	for _, w := range windows {
		if w.Covers(kind) && w.Active(now) {
			return w, true
		}
	}
	return Window{}, false
}

// candidates expands an incident kind into its ordered response options.
// Direct containment precedes delegation to the agent loop.
func candidates(inc model.Incident) []model.CandidateAction {
	out := []model.CandidateAction{{Kind: model.ActionAlert}}
	t := inc.Targets

	switch inc.Kind {
	case model.KindHighCPU, model.KindHighMemory:
		if len(t.PIDs) > 0 {
			out = append(out, model.CandidateAction{Kind: model.ActionKillProcess, Target: strconv.Itoa(t.PIDs[0])})
		}
		out = append(out, model.CandidateAction{Kind: model.ActionAgentRemediate})
	case model.KindNewContainer:
		if len(t.Containers) > 0 {
			out = append(out,
				model.CandidateAction{Kind: model.ActionStopContainer, Target: t.Containers[0]},
				model.CandidateAction{Kind: model.ActionRemoveContainer, Target: t.Containers[0]},
			)
		}
		out = append(out, model.CandidateAction{Kind: model.ActionAgentRemediate})
	case model.KindAuthFailureBurst:
		for _, ip := range t.IPs {
			out = append(out, model.CandidateAction{Kind: model.ActionBlockIP, Target: ip})
		}
	case model.KindNewListeningPort:
		if len(t.PIDs) > 0 {
			out = append(out, model.CandidateAction{Kind: model.ActionKillProcess, Target: strconv.Itoa(t.PIDs[0])})
		}
		out = append(out, model.CandidateAction{Kind: model.ActionAgentRemediate})
	case model.KindPHPMalwareSuspected, model.KindNewAdminUser, model.KindDrift:
		out = append(out, model.CandidateAction{Kind: model.ActionAgentRemediate})
	}
	return out
}
