package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

var noon = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func incidentOf(kind model.IncidentKind, sev model.Severity, targets model.Targets) model.Incident {
	return model.Incident{ID: "inc-1", Kind: kind, Severity: sev, Targets: targets, Status: model.StatusOpen}
}

func allowedKinds(plan model.ActionPlan) []model.ActionKind {
	var out []model.ActionKind
	for _, c := range plan.Candidates {
		if c.Allowed {
			out = append(out, c.Kind)
		}
	}
	return out
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name      string
		incident  model.Incident
		ceiling   model.ActionTier
		wantTier  model.ActionTier
		wantRules []string
		allowed   []model.ActionKind
	}{
		{
			name:      "high_cpu_capped_at_default_ceiling",
			incident:  incidentOf(model.KindHighCPU, model.SeverityP1, model.Targets{PIDs: []int{4242}}),
			ceiling:   1,
			wantTier:  1,
			wantRules: []string{"severity_tier", "tier_ceiling"},
			allowed:   []model.ActionKind{model.ActionAlert, model.ActionAgentRemediate},
		},
		{
			name:      "high_cpu_strong_containment",
			incident:  incidentOf(model.KindHighCPU, model.SeverityP1, model.Targets{PIDs: []int{4242}}),
			ceiling:   3,
			wantTier:  2,
			wantRules: []string{"severity_tier"},
			allowed:   []model.ActionKind{model.ActionAlert, model.ActionKillProcess, model.ActionAgentRemediate},
		},
		{
			name:      "new_container_soft_containment",
			incident:  incidentOf(model.KindNewContainer, model.SeverityP2, model.Targets{Containers: []string{"abc", "miner"}}),
			ceiling:   3,
			wantTier:  1,
			wantRules: []string{"severity_tier"},
			allowed:   []model.ActionKind{model.ActionAlert, model.ActionStopContainer, model.ActionAgentRemediate},
		},
		{
			name:      "p0_container_emergency",
			incident:  incidentOf(model.KindNewContainer, model.SeverityP0, model.Targets{Containers: []string{"abc"}}),
			ceiling:   3,
			wantTier:  3,
			wantRules: []string{"severity_tier"},
			allowed: []model.ActionKind{model.ActionAlert, model.ActionStopContainer,
				model.ActionRemoveContainer, model.ActionAgentRemediate},
		},
		{
			name:      "p3_alert_only",
			incident:  incidentOf(model.KindDrift, model.SeverityP3, model.Targets{Paths: []string{"/etc/motd"}}),
			ceiling:   3,
			wantTier:  0,
			wantRules: []string{"severity_tier"},
			allowed:   []model.ActionKind{model.ActionAlert},
		},
		{
			name:      "ceiling_zero",
			incident:  incidentOf(model.KindAuthFailureBurst, model.SeverityP1, model.Targets{IPs: []string{"203.0.113.9"}}),
			ceiling:   0,
			wantTier:  0,
			wantRules: []string{"severity_tier", "tier_ceiling"},
			allowed:   []model.ActionKind{model.ActionAlert},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := Decide(tt.incident, noon, nil, tt.ceiling)
			assert.Equal(t, tt.wantTier, plan.Tier)
			assert.Equal(t, tt.wantRules, plan.AppliedRules)
			assert.Equal(t, tt.allowed, allowedKinds(plan))
			assert.Equal(t, plan.Tier >= 1, plan.Confirmed)
			for _, c := range plan.Candidates {
				assert.NotEmpty(t, c.Reason)
			}
		})
	}
}

func TestDecide_KillTargetsTopPID(t *testing.T) {
	plan := Decide(incidentOf(model.KindHighCPU, model.SeverityP1, model.Targets{PIDs: []int{4242, 100}}), noon, nil, 2)
	require.True(t, plan.Allows(model.ActionKillProcess))
	for _, c := range plan.Candidates {
		if c.Kind == model.ActionKillProcess {
			assert.Equal(t, "4242", c.Target)
		}
	}
}

func TestDecide_MaintenanceWindowForcesAlertOnly(t *testing.T) {
	windows := []Window{{
		Name:  "patching",
		Start: noon.Add(-time.Hour),
		End:   noon.Add(time.Hour),
	}}
	plan := Decide(incidentOf(model.KindNewContainer, model.SeverityP0, model.Targets{Containers: []string{"abc"}}), noon, windows, 3)

	assert.Equal(t, model.TierAlertOnly, plan.Tier)
	assert.False(t, plan.Confirmed)
	assert.Equal(t, []string{"maintenance_window"}, plan.AppliedRules)
	for _, c := range plan.Candidates {
		if c.Kind.Destructive() {
			assert.False(t, c.Allowed, "%s must be denied", c.Kind)
		}
	}
}

func TestDecide_WindowScopedToOtherKind(t *testing.T) {
	windows := []Window{{
		Name:  "web deploy",
		Kinds: []model.IncidentKind{model.KindPHPMalwareSuspected},
		Start: noon.Add(-time.Hour),
		End:   noon.Add(time.Hour),
	}}
	plan := Decide(incidentOf(model.KindHighCPU, model.SeverityP1, model.Targets{PIDs: []int{1}}), noon, windows, 3)
	assert.Equal(t, model.TierStrongContainment, plan.Tier)
}

func TestWindow_Daily(t *testing.T) {
	tests := []struct {
		name   string
		start  string
		end    string
		at     string
		active bool
	}{
		{"inside", "09:00", "17:00", "10:30", true},
		{"end_exclusive", "09:00", "17:00", "17:00", false},
		{"before", "09:00", "17:00", "08:59", false},
		{"overnight_late", "22:00", "06:00", "23:15", true},
		{"overnight_early", "22:00", "06:00", "05:59", true},
		{"overnight_outside", "22:00", "06:00", "12:00", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			windows, err := ParseWindows([]config.WindowConfig{{Name: tt.name, DailyStart: tt.start, DailyEnd: tt.end}}, time.UTC)
			require.NoError(t, err)
			clock, err := time.Parse("15:04", tt.at)
			require.NoError(t, err)
			at := time.Date(2025, 3, 10, clock.Hour(), clock.Minute(), 0, 0, time.UTC)
			assert.Equal(t, tt.active, windows[0].Active(at))
		})
	}
}

func TestParseWindows(t *testing.T) {
	windows, err := ParseWindows([]config.WindowConfig{{
		Name:  "freeze",
		Start: "2025-03-10T00:00:00Z",
		End:   "2025-03-11T00:00:00Z",
		Kinds: []string{"new_container"},
	}}, time.UTC)
	require.NoError(t, err)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Active(noon))
	assert.False(t, windows[0].Active(noon.Add(24*time.Hour)))
	assert.True(t, windows[0].Covers(model.KindNewContainer))
	assert.False(t, windows[0].Covers(model.KindDrift))

	_, err = ParseWindows([]config.WindowConfig{{Name: "bad", DailyStart: "25:00", DailyEnd: "01:00"}}, time.UTC)
	assert.Error(t, err)
}

func genIncident() gopter.Gen {
	return gopter.CombineGens(
		gen.OneConstOf(model.KindHighCPU, model.KindHighMemory, model.KindNewListeningPort, model.KindNewAdminUser,
			model.KindNewContainer, model.KindPHPMalwareSuspected, model.KindAuthFailureBurst, model.KindDrift),
		gen.OneConstOf(model.SeverityP0, model.SeverityP1, model.SeverityP2, model.SeverityP3),
		gen.IntRange(1, 65535),
	).Map(func(v []interface{}) model.Incident {
		return incidentOf(v[0].(model.IncidentKind), v[1].(model.Severity), model.Targets{
			PIDs:       []int{v[2].(int)},
			Containers: []string{"c0ffee"},
			IPs:        []string{"198.51.100.7"},
		})
	})
}

func TestDecide_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("tier never exceeds ceiling", prop.ForAll(
		func(inc model.Incident, ceiling int) bool {
			plan := Decide(inc, noon, nil, model.ActionTier(ceiling))
			if plan.Tier > model.ActionTier(ceiling) {
				return false
			}
			for _, c := range plan.Candidates {
				if c.Allowed && c.MinTier > plan.Tier {
					return false
				}
			}
			return true
		},
		genIncident(),
		gen.IntRange(0, 3),
	))

	properties.Property("identical input yields byte-identical plans", prop.ForAll(
		func(inc model.Incident, ceiling int) bool {
			a, errA := json.Marshal(Decide(inc, noon, nil, model.ActionTier(ceiling)))
			b, errB := json.Marshal(Decide(inc, noon, nil, model.ActionTier(ceiling)))
			return errA == nil && errB == nil && string(a) == string(b)
		},
		genIncident(),
		gen.IntRange(0, 3),
	))

	properties.Property("tier 0 permits nothing destructive", prop.ForAll(
		func(inc model.Incident) bool {
			plan := Decide(inc, noon, nil, model.TierAlertOnly)
			for _, c := range plan.Candidates {
				if c.Allowed && c.Kind.Destructive() {
					return false
				}
			}
			return !plan.Confirmed
		},
		genIncident(),
	))

	properties.TestingRun(t)
}
