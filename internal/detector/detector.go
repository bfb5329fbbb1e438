package detector

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Input is everything a detector may look at in one cycle. Nil sections
// were not collected this cycle; detectors that need them skip.
type Input struct {
	Now        time.Time
	Host       *collector.HostInventory
	Containers *collector.ContainerInventory
	Changes    []model.ChangeEvent
	AuthLines  []string
	PHPFiles   []collector.FileContent
}

// Result is a detector's output: new incidents and its next state
type Result struct {
	Incidents []model.Incident
	State     json.RawMessage
}

// Detector is a pure rule evaluator. It owns one state partition which the
// engine loads before and stores after each evaluation.
type Detector interface {
	Name() string
	Evaluate(in Input, prior json.RawMessage) (Result, error)
}

// unchanged returns the prior state untouched
func unchanged(prior json.RawMessage) (Result, error) {
	return Result{State: prior}, nil
}

func newIncident(detector string, kind model.IncidentKind, sev model.Severity, title, fingerprint string,
	now time.Time, evidence any, targets model.Targets) model.Incident {
	raw, _ := json.Marshal(evidence)
	return model.Incident{
		Kind:        kind,
		Severity:    sev,
		Title:       title,
		Fingerprint: fingerprint,
		Evidence:    raw,
		Targets:     targets,
		Detector:    detector,
		CreatedAt:   now.UTC(),
		LastSeen:    now.UTC(),
		Occurrences: 1,
		Status:      model.StatusOpen,
	}
}

// setState is the common state shape of set-based detectors
type setState struct {
	Items []string `json:"items"`
}

func decodeSet(prior json.RawMessage) (map[string]bool, bool, error) {
	if len(prior) == 0 {
		return nil, false, nil
	}
	var st setState
	if err := json.Unmarshal(prior, &st); err != nil {
		return nil, false, err
	}
	set := make(map[string]bool, len(st.Items))
	for _, item := range st.Items {
		set[item] = true
	}
	return set, true, nil
}

func encodeSet(set map[string]bool) json.RawMessage {
	items := make([]string, 0, len(set))
	for item := range set {
		items = append(items, item)
	}
	sort.Strings(items)
	raw, _ := json.Marshal(setState{Items: items})
	return raw
}
