package responder

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/notify"
)

// AlertExecutor hands the incident to the notifier
type AlertExecutor struct {
	Notifier *notify.Notifier
}

func (e *AlertExecutor) Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error) {
	if err := e.Notifier.Incident(ctx, inc, nil); err != nil {
		return Outcome{Operation: "notify"}, err
	}
	summary := "queued for digest"
	if e.Notifier.Immediate(inc.Severity) {
		summary = "sent immediately"
	}
	return Outcome{Operation: "notify", Summary: summary}, nil
}

// BlockIPExecutor records the intent to block a source address. No
// firewall rule is installed.
type BlockIPExecutor struct{}

func (BlockIPExecutor) Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error) {
	addr, err := netip.ParseAddr(c.Target)
	if err != nil {
		return Outcome{Operation: "block_ip"}, fmt.Errorf("invalid address %q: %w", c.Target, err)
	}
	if !inc.Targets.HasIP(addr.String()) {
		return Outcome{Operation: "block_ip"}, fmt.Errorf("address %s is not named by the incident", addr)
	}
	return Outcome{
		Operation: "block_ip " + addr.String(),
		Summary:   fmt.Sprintf("intent to block %s recorded; no firewall change made", addr),
	}, nil
}

// DelegateExecutor marks remediation as handed to the agent loop
type DelegateExecutor struct{}

func (DelegateExecutor) Execute(ctx context.Context, inc model.Incident, c model.CandidateAction) (Outcome, error) {
	return Outcome{Operation: "agent_remediate", Summary: "delegated to agent loop", Delegated: true}, nil
}

// DefaultExecutors wires every action kind to its executor
func DefaultExecutors(notifier *notify.Notifier, dockerBinary string) map[model.ActionKind]Executor {
	return map[model.ActionKind]Executor{
		model.ActionAlert:           &AlertExecutor{Notifier: notifier},
		model.ActionBlockIP:         BlockIPExecutor{},
		model.ActionAgentRemediate:  DelegateExecutor{},
		model.ActionKillProcess:     NewKillExecutor(0),
		model.ActionStopContainer:   NewDockerExecutor(dockerBinary, false),
		model.ActionRemoveContainer: NewDockerExecutor(dockerBinary, true),
	}
}
