package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

func openLog(t *testing.T, dir string, maxBytes int64) *Log {
	t.Helper()
	l, err := Open(dir, "audit", maxBytes, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func exportRecords(t *testing.T, l *Log, since time.Time) []Record {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, l.Export(&buf, since))
	var out []Record
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		out = append(out, r)
	}
	return out
}

func TestAppend_ChainsRecords(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)

	first, err := l.Append("incident", map[string]string{"id": "a"})
	require.NoError(t, err)
	second, err := l.Append("status", map[string]string{"id": "a", "to": "resolving"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), first.Seq)
	assert.Empty(t, first.PrevHash)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, first.Hash, second.PrevHash)

	report, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.Records)
	assert.Equal(t, second.Hash, report.LastHash)
}

func TestVerify_DetectsTampering(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	for i := 0; i < 3; i++ {
		_, err := l.Append("action_result", map[string]any{"n": i, "status": "failed"})
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "audit.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := strings.Replace(string(data), `"n":1,"status":"failed"`, `"n":1,"status":"succeeded"`, 1)
	require.NotEqual(t, string(data), tampered)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o640))

	_, err = Verify(dir, "audit")
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(2), chainErr.Seq)
	assert.Equal(t, "record hash mismatch", chainErr.Reason)
}

func TestVerify_DetectsDeletion(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 0)
	for i := 0; i < 3; i++ {
		_, err := l.Append("status", i)
		require.NoError(t, err)
	}
	require.NoError(t, l.Close())

	path := filepath.Join(dir, "audit.jsonl")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.SplitAfter(string(data), "\n")
	require.NoError(t, os.WriteFile(path, []byte(lines[0]+lines[2]), 0o640))

	_, err = Verify(dir, "audit")
	var chainErr *ChainError
	require.ErrorAs(t, err, &chainErr)
	assert.Equal(t, uint64(3), chainErr.Seq)
}

func TestRotation_ContinuesChain(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 512)
	for i := 0; i < 40; i++ {
		_, err := l.Append("detector_run", RunRecord{Name: "resource", Items: i})
		require.NoError(t, err)
	}

	segs, err := rotatedSegments(dir, "audit")
	require.NoError(t, err)
	require.NotEmpty(t, segs, "small segment size forces rotation")

	report, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(40), report.Records)
	assert.Equal(t, len(segs)+1, report.Segments)

	records := exportRecords(t, l, time.Time{})
	require.Len(t, records, 40)
	for i, r := range records {
		assert.Equal(t, uint64(i+1), r.Seq)
	}
}

func TestOpen_RecoversHeadAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "audit", 512, logging.Discard())
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		_, err := l.Append("status", i)
		require.NoError(t, err)
	}
	seq, hash := l.Head()
	require.NoError(t, l.Close())

	reopened := openLog(t, dir, 512)
	gotSeq, gotHash := reopened.Head()
	assert.Equal(t, seq, gotSeq)
	assert.Equal(t, hash, gotHash)

	next, err := reopened.Append("status", "after restart")
	require.NoError(t, err)
	assert.Equal(t, seq+1, next.Seq)
	assert.Equal(t, hash, next.PrevHash)

	_, err = reopened.Verify()
	require.NoError(t, err)
}

func TestOpen_TruncatesTornRecord(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, "audit", 0, logging.Discard())
	require.NoError(t, err)
	_, err = l.Append("incident", "whole")
	require.NoError(t, err)
	require.NoError(t, l.Close())

	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_APPEND|os.O_WRONLY, 0o640)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"ts":"2025-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened := openLog(t, dir, 0)
	r, err := reopened.Append("incident", "after crash")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.Seq)

	report, err := reopened.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), report.Records)
}

func TestExport_Since(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	for i := 0; i < 5; i++ {
		_, err := l.Append("status", i)
		require.NoError(t, err)
	}

	records := exportRecords(t, l, base.Add(3*time.Minute))
	require.Len(t, records, 3)
	assert.Equal(t, uint64(3), records[0].Seq)
}

func TestAppend_ConcurrentWritersKeepChain(t *testing.T) {
	l := openLog(t, t.TempDir(), 2048)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := l.Append("command_execution", map[string]int{"writer": w, "i": i})
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	report, err := l.Verify()
	require.NoError(t, err)
	assert.Equal(t, uint64(80), report.Records)
}

func TestAppend_AfterCloseIsStorageError(t *testing.T) {
	l := openLog(t, t.TempDir(), 0)
	require.NoError(t, l.Close())
	_, err := l.Append("status", 1)
	assert.True(t, model.IsStorage(err))
}

func TestRecorder_SplitsAuditAndActivity(t *testing.T) {
	dir := t.TempDir()
	rec, err := NewRecorder(dir, 0, logging.Discard())
	require.NoError(t, err)
	defer rec.Close()

	inc := model.Incident{ID: "inc-1", Kind: model.KindHighCPU, Severity: model.SeverityP1, Fingerprint: "high_cpu"}
	require.NoError(t, rec.Incident(inc, true))
	require.NoError(t, rec.Incident(inc, false))
	require.NoError(t, rec.Plan(model.ActionPlan{IncidentID: "inc-1", Tier: 1}))
	require.NoError(t, rec.CollectorRun(RunRecord{Name: "host", Items: 42}))
	require.NoError(t, rec.CommandVerdict(model.AgentStep{IncidentID: "inc-1", Iteration: 1, Verdict: model.VerdictDenied}))
	require.NoError(t, rec.AgentStep(model.AgentStep{IncidentID: "inc-1", Iteration: 1, Verdict: model.VerdictDenied}))
	require.NoError(t, rec.AgentStep(model.AgentStep{IncidentID: "inc-1", Iteration: 2, Verdict: model.VerdictAllowed,
		Result: &model.ExecutionResult{ExitCode: 0}}))
	require.NoError(t, rec.AgentStep(model.AgentStep{IncidentID: "inc-1", Iteration: 3, Verdict: model.VerdictDegraded}))
	require.NoError(t, rec.Status("inc-1", model.StatusOpen, model.StatusResolving, ""))
	require.NoError(t, rec.LLMCall(LLMCallRecord{Purpose: PurposeScan, Model: "m"}))
	require.NoError(t, rec.Finding(threats.Finding{ID: "thr-1", Title: "telnet listening"}, true))

	types := func(l *Log) []string {
		var out []string
		for _, r := range exportRecords(t, l, time.Time{}) {
			out = append(out, r.Type)
		}
		return out
	}
	assert.Equal(t, []string{TypeIncident, TypeActionPlan, TypeAgentStep, TypeStatus}, types(rec.Audit()))
	assert.Equal(t, []string{
		TypeIncident, TypeIncident, TypePolicyDecision, TypeCollectorRun, TypeCommandVerdict,
		TypeAgentIteration, TypeAgentIteration, TypeDegraded, TypeAgentIteration, TypeStatus,
		TypeLLMCall, TypeScanFinding,
	}, types(rec.Activity()))
}
