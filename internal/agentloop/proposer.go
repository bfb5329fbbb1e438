package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Proposal is the collaborator's suggestion for the next step
type Proposal struct {
	Command   string `json:"command"`
	Rationale string `json:"rationale"`
	Done      bool   `json:"done"`

	Model  string `json:"-"`
	Tokens int    `json:"-"`
}

// Request is everything the collaborator sees for one proposal
type Request struct {
	Incident    model.Incident
	Tier        model.ActionTier
	Iteration   int
	History     []model.AgentStep
	HostContext string
	Knowledge   string
	Feedback    string
	Allowed     []string
}

// Proposer suggests one command per call. Its output is untrusted.
type Proposer interface {
	Propose(ctx context.Context, req Request) (Proposal, error)
}

// ProposerFunc adapts a function to Proposer
type ProposerFunc func(ctx context.Context, req Request) (Proposal, error)

func (f ProposerFunc) Propose(ctx context.Context, req Request) (Proposal, error) {
	return f(ctx, req)
}

const systemPrompt = `You are a defensive remediation agent on a single Linux host. You resolve one security incident at a time by proposing exactly one shell command per turn. Commands run without a shell, so pipes, redirects, globbing and quoting are not available.

Only commands matching the allowed forms below will run, and any pid, container, path, address or user you reference must appear in the incident evidence. A denied command is reported back to you; propose a compliant alternative.

Investigate before you act. Prefer the least invasive command that resolves the incident. Never propose destructive commands against system files.

Reply with JSON only, in exactly this shape:
{"command": "<one command>", "rationale": "<why>", "done": false}

Set "done" to true with an empty command when the incident is resolved or no safe action remains.`

// BuildPrompt renders the system and user messages for req
func BuildPrompt(req Request) (system, user string) {
	var sys strings.Builder
	sys.WriteString(systemPrompt)
	if len(req.Allowed) > 0 {
		sys.WriteString("\n\nAllowed command forms:\n")
		for _, a := range req.Allowed {
			sys.WriteString("- " + a + "\n")
		}
	}
	if req.Knowledge != "" {
		sys.WriteString("\n---\n\n")
		sys.WriteString(req.Knowledge)
	}

	var b strings.Builder
	inc := req.Incident
	fmt.Fprintf(&b, "Incident %s (%s, severity %s, tier %d): %s\n", inc.ID, inc.Kind, inc.Severity, req.Tier, inc.Title)
	if len(inc.Evidence) > 0 {
		fmt.Fprintf(&b, "Evidence: %s\n", Truncate(string(inc.Evidence), 4000))
	}
	if targets, err := json.Marshal(inc.Targets); err == nil {
		fmt.Fprintf(&b, "Targets you may reference: %s\n", targets)
	}
	if req.HostContext != "" {
		fmt.Fprintf(&b, "\nHost context:\n%s\n", Truncate(req.HostContext, 4000))
	}

	if len(req.History) > 0 {
		b.WriteString("\nPrevious steps:\n")
		for _, s := range req.History {
			fmt.Fprintf(&b, "%d. %q -> %s", s.Iteration, s.ProposedCommand, s.Verdict)
			if s.VerdictReason != "" {
				fmt.Fprintf(&b, " (%s)", s.VerdictReason)
			}
			b.WriteString("\n")
			if s.Result != nil {
				fmt.Fprintf(&b, "   exit %d\n   stdout: %s\n", s.Result.ExitCode, s.Result.Stdout)
				if s.Result.Stderr != "" {
					fmt.Fprintf(&b, "   stderr: %s\n", s.Result.Stderr)
				}
			}
		}
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\n%s\n", req.Feedback)
	}
	fmt.Fprintf(&b, "\nIteration %d. Propose the next command as JSON.", req.Iteration)
	return sys.String(), b.String()
}

// lastSteps returns at most k trailing steps
func lastSteps(steps []model.AgentStep, k int) []model.AgentStep {
	if k <= 0 || len(steps) <= k {
		return steps
	}
	return steps[len(steps)-k:]
}
