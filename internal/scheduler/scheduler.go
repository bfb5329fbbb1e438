// Package scheduler drives the periodic cycles and routes their incidents
// through policy, response and the agent loop
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/metrics"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
)

// Cycle is one periodic job
type Cycle struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// cycleState tracks one cycle between ticks
type cycleState struct {
	Cycle
	running atomic.Bool

	mu        sync.Mutex
	failures  int
	notBefore time.Time
	lastRun   time.Time
	lastErr   string
}

// Scheduler runs each cycle on its own ticker. A cycle never overlaps
// itself: a tick that arrives while the previous run is in flight is
// skipped. Consecutive storage failures push the next run out
// exponentially, up to maxBackoff.
type Scheduler struct {
	cycles     []*cycleState
	timeout    time.Duration
	maxBackoff time.Duration
	metrics    *metrics.Metrics
	logger     *logging.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// New creates a scheduler. timeout bounds every run.
func New(timeout, maxBackoff time.Duration, m *metrics.Metrics, logger *logging.Logger) *Scheduler {
	if maxBackoff <= 0 {
		maxBackoff = 10 * time.Minute
	}
	return &Scheduler{
		timeout:    timeout,
		maxBackoff: maxBackoff,
		metrics:    m,
		logger:     logger.WithComponent("scheduler"),
		now:        time.Now,
	}
}

// Add registers a cycle. Cycles must be added before Run.
func (s *Scheduler) Add(c Cycle) {
	s.cycles = append(s.cycles, &cycleState{Cycle: c})
}

// Run starts every cycle with an immediate first run and blocks until ctx
// is done and all in-flight runs have returned
func (s *Scheduler) Run(ctx context.Context) {
	var timers sync.WaitGroup
	for _, c := range s.cycles {
		if c.Interval <= 0 {
			continue
		}
		timers.Add(1)
		go func() {
			defer timers.Done()
			s.loop(ctx, c)
		}()
	}
	timers.Wait()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, c *cycleState) {
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	s.tick(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, c)
		}
	}
}

// tick starts a run unless one is in flight or the cycle is backing off.
// It never blocks on the run itself.
func (s *Scheduler) tick(ctx context.Context, c *cycleState) {
	c.mu.Lock()
	wait := c.notBefore.Sub(s.now())
	c.mu.Unlock()
	if wait > 0 {
		s.logger.Debug("Cycle backing off", "cycle", c.Name, "remaining", wait)
		return
	}
	if !c.running.CompareAndSwap(false, true) {
		if s.metrics != nil {
			s.metrics.CyclesSkipped.WithLabelValues(c.Name).Inc()
		}
		s.logger.LogSystemEvent("cycle_skipped", "cycle", c.Name)
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer c.running.Store(false)
		s.RunOnce(ctx, c.Name)
	}()
}

// RunOnce runs the named cycle synchronously under the cycle timeout and
// applies the backoff policy to its result. Unknown names are ignored.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	c := s.find(name)
	if c == nil {
		return nil
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := s.now()
	err := s.safeRun(runCtx, c)
	took := s.now().Sub(start)
	if s.metrics != nil {
		s.metrics.ObserveCycle(c.Name, took, err)
	}
	s.settle(c, err)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("Cycle failed", "cycle", c.Name, "duration", took, "error", err)
	} else {
		s.logger.Debug("Cycle finished", "cycle", c.Name, "duration", took)
	}
	return err
}

func (s *Scheduler) safeRun(ctx context.Context, c *cycleState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("cycle panicked")
			s.logger.Error("Cycle panicked", "cycle", c.Name, "panic", r)
		}
	}()
	return c.Run(ctx)
}

// settle records the result and computes the backoff for the next run
func (s *Scheduler) settle(c *cycleState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastRun = s.now()
	c.lastErr = ""
	if err != nil {
		c.lastErr = err.Error()
	}
	if !model.IsStorage(err) {
		c.failures = 0
		c.notBefore = time.Time{}
		if s.metrics != nil {
			s.metrics.SetBackoff(c.Name, 0)
		}
		return
	}

	c.failures++
	backoff := Backoff(c.Interval, c.failures, s.maxBackoff)
	c.notBefore = s.now().Add(backoff)
	if s.metrics != nil {
		s.metrics.SetBackoff(c.Name, backoff)
	}
	s.logger.LogSystemEvent("cycle_backoff", "cycle", c.Name, "failures", c.failures, "backoff", backoff)
}

// Backoff doubles interval for every consecutive failure after the first,
// capped at max
func Backoff(interval time.Duration, failures int, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := interval
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (s *Scheduler) find(name string) *cycleState {
	for _, c := range s.cycles {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// CycleStatus is a snapshot of one cycle for the status API
type CycleStatus struct {
	Name      string    `json:"name"`
	Interval  string    `json:"interval"`
	Running   bool      `json:"running"`
	LastRun   time.Time `json:"last_run,omitempty"`
	LastError string    `json:"last_error,omitempty"`
	Failures  int       `json:"consecutive_storage_failures,omitempty"`
	NotBefore time.Time `json:"backoff_until,omitempty"`
}

// Status describes every cycle
func (s *Scheduler) Status() []CycleStatus {
	out := make([]CycleStatus, 0, len(s.cycles))
	for _, c := range s.cycles {
		c.mu.Lock()
		out = append(out, CycleStatus{
			Name:      c.Name,
			Interval:  c.Interval.String(),
			Running:   c.running.Load(),
			LastRun:   c.lastRun,
			LastError: c.lastErr,
			Failures:  c.failures,
			NotBefore: c.notBefore,
		})
		c.mu.Unlock()
	}
	return out
}
