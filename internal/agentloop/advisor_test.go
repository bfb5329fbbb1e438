package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

func TestSummarize_RedactsBothWays(t *testing.T) {
	chat := &fakeChat{reply: "  A miner is using most of the CPU. Stop process 4242; api_key=sk-live-123 was seen.  "}
	p := newOpenAIProposer(chat, config.LLMConfig{Model: "gpt-4o-mini"})

	inc := cpuIncident()
	inc.Evidence = json.RawMessage(`{"cmdline":"xmrig --password=hunter2"}`)
	got, err := p.Summarize(context.Background(), inc)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(got, "A miner is using most of the CPU."))
	assert.NotContains(t, got, "sk-live-123")
	require.Len(t, chat.got.Messages, 2)
	assert.Contains(t, chat.got.Messages[0].Content, "Do not suggest exploits")
	assert.Contains(t, chat.got.Messages[1].Content, "xmrig")
	assert.NotContains(t, chat.got.Messages[1].Content, "hunter2")
}

func TestSummarize_Bounded(t *testing.T) {
	p := newOpenAIProposer(&fakeChat{reply: strings.Repeat("x", 3*MaxSummaryBytes)}, config.LLMConfig{Model: "m"})
	got, err := p.Summarize(context.Background(), cpuIncident())
	require.NoError(t, err)
	assert.Less(t, len(got), MaxSummaryBytes+64)
	assert.Contains(t, got, "[truncated")
}

func TestSummarize_UnreachableIsExternal(t *testing.T) {
	p := newOpenAIProposer(&fakeChat{err: errors.New("connection refused")}, config.LLMConfig{Model: "m"})
	_, err := p.Summarize(context.Background(), cpuIncident())
	var ext *model.ExternalServiceError
	require.ErrorAs(t, err, &ext)
}

func TestScan(t *testing.T) {
	chat := &fakeChat{reply: "Here is what I found:\n" +
		`{"vulnerability_found": true, "finding": {"title": "sshd permits root login", "description": "Set PermitRootLogin no", "severity": "P1", "evidence": {"line": "PermitRootLogin yes", "note": "token=abc123"}}}`}
	p := newOpenAIProposer(chat, config.LLMConfig{Model: "m"})

	f, err := p.Scan(context.Background(), ScanRequest{HostContext: "sshd_config: PermitRootLogin yes", Known: "Already reported findings:\n- [P3] telnet listening\n"})
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "sshd permits root login", f.Title)
	assert.Equal(t, model.SeverityP1, f.Severity)
	assert.Contains(t, string(f.Evidence), "PermitRootLogin yes")
	assert.NotContains(t, string(f.Evidence), "abc123")

	user := chat.got.Messages[1].Content
	assert.Contains(t, user, "PermitRootLogin yes")
	assert.Contains(t, user, "telnet listening")
}

func TestParseFinding(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		found   bool
		wantErr bool
	}{
		{"nothing found", `{"vulnerability_found": false}`, false, false},
		{"found without finding", `{"vulnerability_found": true}`, false, false},
		{"default severity", `{"vulnerability_found": true, "finding": {"title": "weak perms"}}`, true, false},
		{"not json", "all good", false, true},
		{"bad severity", `{"vulnerability_found": true, "finding": {"title": "x", "severity": "critical"}}`, false, true},
		{"empty title", `{"vulnerability_found": true, "finding": {"title": ""}}`, false, true},
		{"missing flag", `{"finding": {"title": "x"}}`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := ParseFinding(tt.reply)
			if tt.wantErr {
				var ve *model.ValidationError
				require.ErrorAs(t, err, &ve)
				return
			}
			require.NoError(t, err)
			if !tt.found {
				assert.Nil(t, f)
				return
			}
			require.NotNil(t, f)
			assert.Equal(t, model.SeverityP2, f.Severity)
		})
	}
}
