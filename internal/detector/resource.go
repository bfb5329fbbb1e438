package detector

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

const topProcessCount = 5

// ResourceDetector fires high_cpu and high_memory whenever usage is at or
// above its threshold. There is no hysteresis: every cycle above the
// threshold produces an incident and the registry folds repeats.
type ResourceDetector struct {
	CPUThreshold    float64
	MemoryThreshold float64
}

func (d *ResourceDetector) Name() string { return "resource" }

type resourceEvidence struct {
	Metric       string              `json:"metric"`
	Value        float64             `json:"value"`
	Threshold    float64             `json:"threshold"`
	TopProcesses []collector.Process `json:"top_processes"`
}

func (d *ResourceDetector) Evaluate(in Input, prior json.RawMessage) (Result, error) {
	if in.Host == nil {
		return unchanged(prior)
	}

	var res Result
	if d.CPUThreshold > 0 && in.Host.CPUPercent >= d.CPUThreshold {
		top := in.Host.TopProcesses(topProcessCount)
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindHighCPU, model.SeverityP1,
			fmt.Sprintf("CPU usage %.1f%% is at or above %.0f%%", in.Host.CPUPercent, d.CPUThreshold),
			string(model.KindHighCPU), in.Now,
			resourceEvidence{Metric: "cpu_percent", Value: in.Host.CPUPercent, Threshold: d.CPUThreshold, TopProcesses: top},
			model.Targets{PIDs: pids(top)}))
	}
	if d.MemoryThreshold > 0 && in.Host.MemoryPercent >= d.MemoryThreshold {
		top := topByMemory(in.Host.Processes, topProcessCount)
		res.Incidents = append(res.Incidents, newIncident(d.Name(), model.KindHighMemory, model.SeverityP1,
			fmt.Sprintf("Memory usage %.1f%% is at or above %.0f%%", in.Host.MemoryPercent, d.MemoryThreshold),
			string(model.KindHighMemory), in.Now,
			resourceEvidence{Metric: "memory_percent", Value: in.Host.MemoryPercent, Threshold: d.MemoryThreshold, TopProcesses: top},
			model.Targets{PIDs: pids(top)}))
	}
	return res, nil
}

func pids(procs []collector.Process) []int {
	out := make([]int, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.PID)
	}
	return out
}

func topByMemory(procs []collector.Process, n int) []collector.Process {
	sorted := append([]collector.Process(nil), procs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].MemPercent != sorted[j].MemPercent {
			return sorted[i].MemPercent > sorted[j].MemPercent
		}
		return sorted[i].PID < sorted[j].PID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}
