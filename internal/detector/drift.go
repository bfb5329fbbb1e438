package detector

import (
	"encoding/json"
	"fmt"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// DriftDetector turns change events into incidents. Sensitive paths are
// raised one severity level.
type DriftDetector struct {
	SensitivePaths []string
}

func (d *DriftDetector) Name() string { return "drift" }

func (d *DriftDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	var res Result
	for _, ev := range in.Changes {
		sev := model.SeverityP2
		if d.sensitive(ev.Path) {
			sev = model.SeverityP1
		}
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindDrift, sev,
			fmt.Sprintf("Monitored file %s was %s", ev.Path, ev.Change()),
			fmt.Sprintf("drift:%s:%s", ev.Path, ev.NewHash), in.Now,
			ev, model.Targets{Paths: []string{ev.Path}}))
	}
	return res, nil
}

func (d *DriftDetector) sensitive(path string) bool {
	for _, p := range d.SensitivePaths {
		if p == path {
			return true
		}
	}
	return false
}
