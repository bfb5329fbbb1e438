package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/agentloop"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/audit"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/detector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/drift"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// Cycle names
const (
	CycleHost       = "host"
	CycleContainers = "containers"
	CycleAgentSweep = "agent_sweep"
	CycleScan       = "scan"
)

// knownFindings bounds the findings shown to a scan
const knownFindings = 15

// HostSources feed the host cycle. Any source may be nil.
type HostSources struct {
	Drift     *drift.Engine
	Host      collector.HostCollector
	AuthLog   *collector.LogTail
	WebRoots  *collector.WebRootScanner
	Detectors *detector.Engine
}

// ContainerSources feed the container cycle
type ContainerSources struct {
	Containers collector.ContainerCollector
	Detectors  *detector.Engine
}

// HostCycle snapshots drift, collects host inventory, the auth log and web
// roots, then runs the host detectors over the result
func (p *Pipeline) HostCycle(interval time.Duration, src HostSources) Cycle {
	return Cycle{Name: CycleHost, Interval: interval, Run: func(ctx context.Context) error {
		in := detector.Input{Now: p.now()}

		var driftRes drift.CycleResult
		if src.Drift != nil {
			res, err := src.Drift.Cycle(ctx)
			if err != nil {
				return err
			}
			if err := p.recorder.DriftCycle(audit.DriftRecord{
				Files:        len(res.Snapshot.Files),
				Changes:      res.Events,
				Bootstrapped: res.Bootstrapped,
				Errors:       len(res.Snapshot.Errors),
			}); err != nil {
				return err
			}
			if p.metrics != nil {
				p.metrics.DriftChanges.Add(float64(len(res.Events)))
			}
			in.Changes = res.Events
			driftRes = res
		}

		if src.Host != nil {
			start := p.now()
			host, err := src.Host.CollectHost(ctx)
			if rerr := p.collected("host", start, len(host.Processes), err); rerr != nil {
				return rerr
			}
			if err == nil {
				in.Host = &host
			}
		}

		var batch collector.Batch
		if src.AuthLog != nil {
			start := p.now()
			b, err := src.AuthLog.Read(ctx)
			if rerr := p.collected("auth_log", start, len(b.Lines), err); rerr != nil {
				return rerr
			}
			if err == nil {
				batch = b
				in.AuthLines = b.Lines
			}
		}

		if src.WebRoots != nil {
			start := p.now()
			files, errs := src.WebRoots.Scan(ctx)
			var err error
			if len(errs) > 0 {
				err = fmt.Errorf("%d paths unreadable", len(errs))
			}
			if rerr := p.collected("web_roots", start, len(files), err); rerr != nil {
				return rerr
			}
			in.PHPFiles = files
		}

		if err := p.detect(ctx, src.Detectors, in); err != nil {
			return err
		}
		// drift and log lines are consumed only once their incidents are recorded
		if err := driftRes.Commit(ctx); err != nil {
			return err
		}
		return batch.Commit(ctx)
	}}
}

// ContainerCycle collects the container inventory and runs the container
// detectors over it
func (p *Pipeline) ContainerCycle(interval time.Duration, src ContainerSources) Cycle {
	return Cycle{Name: CycleContainers, Interval: interval, Run: func(ctx context.Context) error {
		if src.Containers == nil {
			return nil
		}
		in := detector.Input{Now: p.now()}
		start := p.now()
		inv, err := src.Containers.CollectContainers(ctx)
		if rerr := p.collected("containers", start, len(inv.Containers), err); rerr != nil {
			return rerr
		}
		if err != nil {
			return nil
		}
		in.Containers = &inv
		return p.detect(ctx, src.Detectors, in)
	}}
}

// ScanSources feed the periodic vulnerability scan
type ScanSources struct {
	Context   agentloop.ContextFunc
	Knowledge *threats.Knowledge
}

// ScanCycle asks the advisor for one vulnerability finding about the host
// and stores it as a threat. Nothing is executed for a finding and no
// incident is opened; new findings are notified.
func (p *Pipeline) ScanCycle(interval time.Duration, src ScanSources) Cycle {
	return Cycle{Name: CycleScan, Interval: interval, Run: func(ctx context.Context) error {
		if p.cfg.Advisor == nil || src.Knowledge == nil {
			return nil
		}
		known, err := src.Knowledge.Findings(ctx, knownFindings)
		if err != nil {
			return err
		}
		req := agentloop.ScanRequest{Known: threats.FindingsContext(known)}
		if src.Context != nil {
			req.HostContext = src.Context(ctx)
		}

		start := p.now()
		found, err := p.cfg.Advisor.Scan(ctx, req)
		rec := audit.LLMCallRecord{Purpose: audit.PurposeScan, Model: p.cfg.Advisor.Model(), Duration: p.now().Sub(start)}
		if err != nil {
			rec.Error = err.Error()
			p.logger.Warn("Vulnerability scan failed", "error", err)
		}
		if rerr := p.recorder.LLMCall(rec); rerr != nil {
			return rerr
		}
		if err != nil || found == nil {
			return nil
		}

		stored, created, err := src.Knowledge.RecordFinding(ctx, *found, p.now())
		if err != nil {
			return err
		}
		if err := p.recorder.Finding(stored, created); err != nil {
			return err
		}
		if !created {
			return nil
		}
		p.logger.LogSecurityEvent("vulnerability_found", "threat_id", stored.ID, "severity", stored.Severity, "title", stored.Title)
		if p.notifier != nil {
			if err := p.notifier.Finding(ctx, stored); err != nil {
				p.logger.Warn("Failed to notify finding", "threat_id", stored.ID, "error", err)
			}
		}
		return nil
	}}
}

// SweepCycle periodically revisits unfinished incidents
func (p *Pipeline) SweepCycle(interval time.Duration) Cycle {
	return Cycle{Name: CycleAgentSweep, Interval: interval, Run: p.Sweep}
}

// collected records one collector run. A collector failure is logged and
// recorded, never returned; only the recording itself can fail the cycle.
func (p *Pipeline) collected(name string, start time.Time, items int, err error) error {
	if errors.Is(err, collector.ErrNotConfigured) {
		return nil
	}
	rec := audit.RunRecord{Name: name, Duration: p.now().Sub(start), Items: items}
	if err != nil {
		rec.Error = err.Error()
		p.logger.LogSecurityEvent("collector_failed", "collector", name, "error", err)
	}
	return p.recorder.CollectorRun(rec)
}

// detect runs engine over in and handles every incident. Detector state is
// committed last, so a storage failure leaves the findings to be reported
// again next cycle.
func (p *Pipeline) detect(ctx context.Context, engine *detector.Engine, in detector.Input) error {
	if engine == nil {
		return nil
	}
	report, err := engine.Run(ctx, in)
	if err != nil {
		return err
	}

	found := make(map[string]int)
	for _, inc := range report.Incidents {
		found[inc.Detector]++
	}
	for _, name := range report.Ran {
		rec := audit.RunRecord{Name: name, Duration: report.Durations[name], Incidents: found[name]}
		if ferr := report.Failures[name]; ferr != nil {
			rec.Error = ferr.Error()
			if p.metrics != nil {
				p.metrics.DetectorFailures.WithLabelValues(name).Inc()
			}
		}
		if err := p.recorder.DetectorRun(rec); err != nil {
			return err
		}
	}

	for _, inc := range report.Incidents {
		if err := p.Handle(ctx, inc); err != nil {
			if model.IsStorage(err) {
				return err
			}
			p.logger.Error("Failed to handle incident", "kind", inc.Kind, "fingerprint", inc.Fingerprint, "error", err)
		}
	}
	return report.Commit(ctx)
}
