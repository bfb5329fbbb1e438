package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

// Report is the union of one engine run. Detector state changes are held
// until Commit, so a run whose incidents were not recorded can be repeated.
type Report struct {
	Incidents []model.Incident
	Ran       []string
	Failures  map[string]error
	Durations map[string]time.Duration

	store   store.Store
	pending map[string]json.RawMessage
}

// Commit writes back the new state of every detector that changed it
func (r Report) Commit(ctx context.Context) error {
	names := make([]string, 0, len(r.pending))
	for name := range r.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		next := r.pending[name]
		if err := r.store.Update(ctx, StateKey(name), func([]byte) ([]byte, error) { return next, nil }); err != nil {
			return err
		}
	}
	return nil
}

// Engine runs a fixed set of detectors concurrently
type Engine struct {
	detectors []Detector
	store     store.Store
	logger    *logging.Logger
}

// NewEngine creates an engine over detectors; names must be unique
func NewEngine(detectors []Detector, s store.Store, logger *logging.Logger) *Engine {
	return &Engine{
		detectors: detectors,
		store:     s,
		logger:    logger.WithComponent("detector"),
	}
}

// Names lists the registered detectors
func (e *Engine) Names() []string {
	names := make([]string, 0, len(e.detectors))
	for _, d := range e.detectors {
		names = append(names, d.Name())
	}
	return names
}

// StateKey is the store key of a detector's state partition
func StateKey(name string) string {
	return "detector/" + name
}

// Run evaluates every detector against in. A detector that errors or
// panics is recorded in Report.Failures and keeps its previous state; the
// others are unaffected. Only a storage failure aborts the run. New state
// is persisted by Report.Commit.
func (e *Engine) Run(ctx context.Context, in Input) (Report, error) {
	report := Report{
		Failures:  make(map[string]error),
		Durations: make(map[string]time.Duration),
		store:     e.store,
		pending:   make(map[string]json.RawMessage),
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, d := range e.detectors {
		g.Go(func() error {
			start := time.Now()
			res, changed, err := e.runOne(gctx, d, in)

			mu.Lock()
			defer mu.Unlock()
			report.Ran = append(report.Ran, d.Name())
			report.Durations[d.Name()] = time.Since(start)
			if err != nil {
				if model.IsStorage(err) {
					return err
				}
				report.Failures[d.Name()] = err
				e.logger.LogSecurityEvent("detector_failed", "detector", d.Name(), "error", err)
				return nil
			}
			report.Incidents = append(report.Incidents, res.Incidents...)
			if changed {
				report.pending[d.Name()] = res.State
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	sort.Strings(report.Ran)
	sort.SliceStable(report.Incidents, func(i, j int) bool {
		a, b := report.Incidents[i], report.Incidents[j]
		if a.Detector != b.Detector {
			return a.Detector < b.Detector
		}
		return a.Fingerprint < b.Fingerprint
	})
	return report, nil
}

// runOne evaluates d and reports whether its state changed
func (e *Engine) runOne(ctx context.Context, d Detector, in Input) (Result, bool, error) {
	prior, err := e.store.Get(ctx, StateKey(d.Name()))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, false, err
	}

	res, err := evaluate(d, in, prior)
	if err != nil {
		return Result{}, false, err
	}
	return res, res.State != nil && !bytes.Equal(prior, res.State), nil
}

// evaluate isolates a detector panic into an error
func evaluate(d Detector, in Input, prior json.RawMessage) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("detector %s panicked: %v\n%s", d.Name(), r, debug.Stack())
		}
	}()
	return d.Evaluate(in, prior)
}

// HostDetectors builds the detectors fed by the host cycle
func HostDetectors(cfg config.DetectorConfig) []Detector {
	all := []Detector{
		&ResourceDetector{CPUThreshold: cfg.CPUThreshold, MemoryThreshold: cfg.MemoryThreshold},
		&PortsDetector{},
		&UsersDetector{},
		&AuthDetector{Threshold: cfg.AuthFailureThreshold, Window: cfg.AuthWindow},
		&DriftDetector{SensitivePaths: cfg.SensitivePaths},
		&PHPDetector{},
	}
	return enabled(all, cfg.Disabled)
}

// ContainerDetectors builds the detectors fed by the container cycle
func ContainerDetectors(cfg config.DetectorConfig) []Detector {
	return enabled([]Detector{&ContainersDetector{}}, cfg.Disabled)
}

func enabled(all []Detector, disabled []string) []Detector {
	off := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		off[name] = true
	}
	var out []Detector
	for _, d := range all {
		if !off[d.Name()] {
			out = append(out, d)
		}
	}
	return out
}
