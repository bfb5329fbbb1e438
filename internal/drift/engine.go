package drift

import (
	"context"
	"errors"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
)

const (
	baselineKey = "drift/baseline"
	lastKey     = "drift/last"
)

// CycleResult is the outcome of one drift cycle. Its snapshot becomes the
// previous-cycle reference only once Commit is called, so events whose
// incidents were never recorded are reported again next cycle.
type CycleResult struct {
	Snapshot     model.Snapshot
	Events       []model.ChangeEvent
	Bootstrapped bool

	engine  *Engine
	pending bool
}

// Commit stores the snapshot as the last observed state
func (r CycleResult) Commit(ctx context.Context) error {
	if r.engine == nil || !r.pending {
		return nil
	}
	return store.PutJSON(ctx, r.engine.store, lastKey, r.Snapshot)
}

// Engine owns the drift baseline
type Engine struct {
	store  store.Store
	paths  []string
	opts   Options
	logger *logging.Logger
	now    func() time.Time
}

// NewEngine creates a drift engine over the given monitored paths
func NewEngine(s store.Store, paths []string, opts Options, logger *logging.Logger) *Engine {
	return &Engine{
		store:  s,
		paths:  append([]string(nil), paths...),
		opts:   opts,
		logger: logger.WithComponent("drift"),
		now:    time.Now,
	}
}

// Cycle snapshots the monitored paths and reports drift from the baseline.
// The first cycle creates the baseline and reports nothing. A drift that
// persists across committed cycles is reported once, when it first appears
// or changes.
func (e *Engine) Cycle(ctx context.Context) (CycleResult, error) {
	now := e.now()
	snap := ComputeSnapshot(e.paths, e.opts, now)

	var baseline model.Snapshot
	err := store.GetJSON(ctx, e.store, baselineKey, &baseline)
	if errors.Is(err, store.ErrNotFound) {
		if err := e.setBaseline(ctx, snap); err != nil {
			return CycleResult{}, err
		}
		e.logger.LogSecurityEvent("baseline_created", "files", len(snap.Files), "errors", len(snap.Errors))
		return CycleResult{Snapshot: snap, Bootstrapped: true}, nil
	}
	if err != nil {
		return CycleResult{}, err
	}

	last := baseline
	if err := store.GetJSON(ctx, e.store, lastKey, &last); err != nil && !errors.Is(err, store.ErrNotFound) {
		return CycleResult{}, err
	}

	var events []model.ChangeEvent
	for _, ev := range Diff(baseline, snap, now) {
		if hashOf(last, ev.Path) != hashOf(snap, ev.Path) {
			events = append(events, ev)
		}
	}

	return CycleResult{Snapshot: snap, Events: events, engine: e, pending: true}, nil
}

// ResetBaseline replaces the baseline with a fresh snapshot
func (e *Engine) ResetBaseline(ctx context.Context) (model.Snapshot, error) {
	snap := ComputeSnapshot(e.paths, e.opts, e.now())
	if err := e.setBaseline(ctx, snap); err != nil {
		return model.Snapshot{}, err
	}
	e.logger.LogSecurityEvent("baseline_reset", "files", len(snap.Files))
	return snap, nil
}

// Baseline returns the stored baseline
func (e *Engine) Baseline(ctx context.Context) (model.Snapshot, error) {
	var baseline model.Snapshot
	err := store.GetJSON(ctx, e.store, baselineKey, &baseline)
	return baseline, err
}

// setBaseline stores snap as both the baseline and the last observed state
func (e *Engine) setBaseline(ctx context.Context, snap model.Snapshot) error {
	if err := store.PutJSON(ctx, e.store, baselineKey, snap); err != nil {
		return err
	}
	return store.PutJSON(ctx, e.store, lastKey, snap)
}

func hashOf(s model.Snapshot, path string) string {
	return s.Files[path].Hash
}
