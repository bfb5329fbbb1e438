package agentloop

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// MaxSummaryBytes bounds an incident summary
const MaxSummaryBytes = 1000

const summaryPrompt = `You are a defensive security assistant. Summarize the security incident below in 2-3 clear sentences for a system administrator. Do not suggest exploits or offensive actions. Mention only defensive remediation. Reply with plain text.`

const scanPrompt = `You are a defensive security auditor for a single Linux host. Review the host context below for one concrete vulnerability or dangerous misconfiguration. Do not suggest exploits or offensive actions.

Reply with JSON only, in exactly this shape:
{"vulnerability_found": true, "finding": {"title": "<short title>", "description": "<what is wrong and how to fix it>", "severity": "P0|P1|P2|P3", "evidence": {"<key>": "<value>"}}}

Reply {"vulnerability_found": false} when nothing stands out. Do not report findings that were already reported.`

const scanSchema = `{
  "type": "object",
  "required": ["vulnerability_found"],
  "properties": {
    "vulnerability_found": {"type": "boolean"},
    "finding": {
      "type": "object",
      "required": ["title"],
      "properties": {
        "title": {"type": "string", "minLength": 1, "maxLength": 200},
        "description": {"type": "string"},
        "severity": {"enum": ["P0", "P1", "P2", "P3"]},
        "evidence": {"type": "object"}
      }
    }
  }
}`

var findingSchema = mustSchema(scanSchema)

// ScanRequest is what a periodic scan sees
type ScanRequest struct {
	HostContext string
	Known       string
}

// Summarize asks for a short operator summary of inc. Evidence is redacted
// before it leaves the host.
func (p *OpenAIProposer) Summarize(ctx context.Context, inc model.Incident) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Title: %s\nKind: %s\nSeverity: %s\n", Redact(inc.Title), inc.Kind, inc.Severity)
	if len(inc.Evidence) > 0 {
		fmt.Fprintf(&b, "Evidence (sanitized): %s\n", Redact(Truncate(string(inc.Evidence), 4000)))
	}
	content, _, err := p.chat(ctx, summaryPrompt, b.String(), 0.2)
	if err != nil {
		return "", err
	}
	return Redact(Truncate(strings.TrimSpace(content), MaxSummaryBytes)), nil
}

// Scan asks for at most one vulnerability finding about the host. It
// returns nil when the reply reports nothing.
func (p *OpenAIProposer) Scan(ctx context.Context, req ScanRequest) (*threats.Finding, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Host context:\n%s\n", Truncate(req.HostContext, 8000))
	if req.Known != "" {
		fmt.Fprintf(&b, "\n%s", req.Known)
	}
	b.WriteString("\nReport one finding as JSON.")
	content, _, err := p.chat(ctx, scanPrompt, b.String(), 0.1)
	if err != nil {
		return nil, err
	}
	return ParseFinding(content)
}

// ParseFinding extracts a finding from a scan reply
func ParseFinding(text string) (*threats.Finding, error) {
	obj := firstObject(text)
	if obj == "" {
		return nil, &model.ValidationError{Field: "finding", Message: "reply contains no JSON object"}
	}
	result, err := findingSchema.Validate(gojsonschema.NewStringLoader(obj))
	if err != nil {
		return nil, &model.ValidationError{Field: "finding", Message: err.Error()}
	}
	if !result.Valid() {
		return nil, &model.ValidationError{Field: "finding", Message: schemaErrors(result)}
	}
	var reply struct {
		Found   bool `json:"vulnerability_found"`
		Finding *struct {
			Title       string          `json:"title"`
			Description string          `json:"description"`
			Severity    model.Severity  `json:"severity"`
			Evidence    json.RawMessage `json:"evidence"`
		} `json:"finding"`
	}
	if err := json.Unmarshal([]byte(obj), &reply); err != nil {
		return nil, &model.ValidationError{Field: "finding", Message: err.Error()}
	}
	if !reply.Found || reply.Finding == nil {
		return nil, nil
	}
	f := &threats.Finding{
		Title:       Redact(strings.TrimSpace(reply.Finding.Title)),
		Description: Redact(Truncate(reply.Finding.Description, 4000)),
		Severity:    reply.Finding.Severity,
	}
	if f.Severity == "" {
		f.Severity = model.SeverityP2
	}
	if len(reply.Finding.Evidence) > 0 {
		ev, err := redactEvidence(reply.Finding.Evidence)
		if err != nil {
			return nil, &model.ValidationError{Field: "finding.evidence", Message: err.Error()}
		}
		f.Evidence = ev
	}
	return f, nil
}

// redactEvidence masks string values of an evidence object
func redactEvidence(raw json.RawMessage) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		if s, ok := v.(string); ok {
			fields[k] = Redact(s)
		}
	}
	return json.Marshal(fields)
}
