package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/agentloop"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/audit"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/collector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/detector"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/drift"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/httpapi"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/incident"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/metrics"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/notify"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/policy"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/responder"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/scheduler"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/store"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/systemd"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/threats"
)

// Version is overridden at build time
var Version = "dev"

// Agent owns every long-lived component of the host agent
type Agent struct {
	logger          *logging.Logger
	config          *config.Config
	store           store.Store
	recorder        *audit.Recorder
	registry        *incident.Registry
	notifier        *notify.Notifier
	pipeline        *scheduler.Pipeline
	scheduler       *scheduler.Scheduler
	metrics         *metrics.Metrics
	httpServer      *httpapi.Server
	systemdNotifier *systemd.Notifier
	startTime       time.Time
}

// Core is the state shared by the agent and the offline commands: the
// store, the audit trail and the incident registry
type Core struct {
	Store    store.Store
	Recorder *audit.Recorder
	Registry *incident.Registry
}

// OpenCore opens the state store, the audit logs and the registry
func OpenCore(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Core, error) {
	s, err := store.Open(ctx, cfg.Store, logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}
	rec, err := audit.NewRecorder(cfg.Audit.Dir, cfg.Audit.MaxSegmentBytes, logger)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open audit logs: %w", err)
	}
	reg, err := incident.NewRegistry(s, incident.DefaultIndexSize, logger)
	if err != nil {
		rec.Close()
		s.Close()
		return nil, err
	}
	return &Core{Store: s, Recorder: rec, Registry: reg}, nil
}

// Close closes the audit logs and the store
func (c *Core) Close() error {
	return errors.Join(c.Recorder.Close(), c.Store.Close())
}

// DriftEngine builds the drift engine for cfg over s
func DriftEngine(cfg *config.Config, s store.Store, logger *logging.Logger) *drift.Engine {
	return drift.NewEngine(s, cfg.Drift.Paths, drift.Options{MaxDepth: cfg.Drift.MaxDepth, MaxFiles: cfg.Drift.MaxFiles}, logger)
}

// Windows parses the configured maintenance windows in local time
func Windows(cfg *config.Config) ([]policy.Window, error) {
	return policy.ParseWindows(cfg.Policy.Windows, time.Local)
}

// New creates a new agent instance
func New(ctx context.Context, logger *logging.Logger, cfg *config.Config) (*Agent, error) {
	core, err := OpenCore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := build(logger, cfg, core)
	if err != nil {
		core.Close()
		return nil, err
	}
	return a, nil
}

func build(logger *logging.Logger, cfg *config.Config, core *Core) (*Agent, error) {
	windows, err := Windows(cfg)
	if err != nil {
		return nil, err
	}
	m := metrics.New()

	// Notification sink: NATS when configured, the log otherwise
	var sink notify.Sink = notify.NewLogSink(logger)
	if cfg.Notify.NATSURL != "" {
		natsSink, err := notify.NewNATSSink(cfg.Notify.NATSURL, cfg.Notify.Subject, logger)
		if err != nil {
			return nil, err
		}
		sink = natsSink
	}
	notifier := notify.NewNotifier(sink, cfg.HostID, cfg.Notify.ImmediateSeverities, logger)

	hostCollector := collector.NewExecHostCollector(cfg.Collectors.HostCommand, cfg.Collectors.Timeout)
	var containerCollector collector.ContainerCollector = collector.NewDockerCLICollector(cfg.Collectors.DockerBinary, cfg.Collectors.Timeout)
	if len(cfg.Collectors.ContainerCommand) > 0 {
		containerCollector = collector.NewExecContainerCollector(cfg.Collectors.ContainerCommand, cfg.Collectors.Timeout)
	}

	resp := responder.New(responder.DefaultExecutors(notifier, cfg.Collectors.DockerBinary), cfg.Agent.CommandTimeout, logger)

	knowledge := threats.New(core.Store, threats.DefaultLimit)
	var (
		runner  scheduler.AgentRunner
		advisor scheduler.Advisor
	)
	if cfg.Agent.UsesLLM() {
		if cfg.Agent.LLM.APIKey == "" && cfg.Agent.LLM.BaseURL == "" {
			notifier.Close()
			return nil, &model.ValidationError{Field: "agent.llm", Message: "an api key or base url is required when the agent, summaries or scan are enabled"}
		}
		proposer := agentloop.NewOpenAIProposer(cfg.Agent.LLM)
		advisor = proposer
		if cfg.Agent.Enabled {
			loop, err := newAgentLoop(cfg, core, proposer, knowledge, hostCollector, containerCollector, logger)
			if err != nil {
				notifier.Close()
				return nil, err
			}
			runner = loop
		}
	}

	pipeline := scheduler.NewPipeline(core.Registry, core.Recorder, resp, notifier, runner, scheduler.PipelineConfig{
		Windows:       windows,
		Ceiling:       model.ActionTier(cfg.Policy.TierCeiling),
		MaxConcurrent: int64(cfg.Agent.MaxConcurrent),
		Advisor:       advisor,
		Summaries:     cfg.Agent.Summaries,
	}, m, logger)

	sched := scheduler.New(cfg.Intervals.CycleTimeout, cfg.Intervals.MaxBackoff, m, logger)
	var authLog *collector.LogTail
	if cfg.Collectors.AuthLogPath != "" {
		authLog = collector.NewLogTail(cfg.Collectors.AuthLogPath, cfg.Collectors.AuthMaxLines, core.Store)
	}
	var webRoots *collector.WebRootScanner
	if len(cfg.Detectors.PHPRoots) > 0 {
		webRoots = collector.NewWebRootScanner(cfg.Detectors.PHPRoots, cfg.Detectors.PHPMaxFiles, cfg.Detectors.PHPMaxBytes)
	}
	sched.Add(pipeline.HostCycle(cfg.Intervals.Host, scheduler.HostSources{
		Drift:     DriftEngine(cfg, core.Store, logger),
		Host:      hostCollector,
		AuthLog:   authLog,
		WebRoots:  webRoots,
		Detectors: detector.NewEngine(detector.HostDetectors(cfg.Detectors), core.Store, logger),
	}))
	sched.Add(pipeline.ContainerCycle(cfg.Intervals.Containers, scheduler.ContainerSources{
		Containers: containerCollector,
		Detectors:  detector.NewEngine(detector.ContainerDetectors(cfg.Detectors), core.Store, logger),
	}))
	sched.Add(pipeline.SweepCycle(cfg.Intervals.AgentSweep))
	if cfg.Agent.Scan {
		sched.Add(pipeline.ScanCycle(cfg.Intervals.Scan, scheduler.ScanSources{
			Context:   ScanContext(hostCollector, containerCollector),
			Knowledge: knowledge,
		}))
	}

	a := &Agent{
		logger:          logger,
		config:          cfg,
		store:           core.Store,
		recorder:        core.Recorder,
		registry:        core.Registry,
		notifier:        notifier,
		pipeline:        pipeline,
		scheduler:       sched,
		metrics:         m,
		systemdNotifier: systemd.NewNotifier(),
		startTime:       time.Now(),
	}
	if cfg.HTTP.Enabled {
		a.httpServer = httpapi.NewServer(logger, cfg.HostID, core.Registry, m.Handler(), a.Status)
	}
	return a, nil
}

func newAgentLoop(cfg *config.Config, core *Core, proposer agentloop.Proposer, knowledge *threats.Knowledge,
	host collector.HostCollector, containers collector.ContainerCollector, logger *logging.Logger) (*agentloop.Loop, error) {
	whitelist, err := agentloop.NewWhitelist(cfg.Agent.Whitelist)
	if err != nil {
		return nil, err
	}
	observer := agentloop.NewHostObserver(host, containers, cfg.Detectors.CPUThreshold, cfg.Detectors.MemoryThreshold)
	runner := &agentloop.ExecRunner{Timeout: cfg.Agent.CommandTimeout}

	return agentloop.New(proposer, whitelist, runner, observer, core.Recorder, agentloop.LimitsFromConfig(cfg.Agent), agentloop.Options{
		Knowledge:   knowledge,
		HostContext: HostContext(host),
	}, logger), nil
}

// HostContext describes the busiest processes for the proposal collaborator
func HostContext(host collector.HostCollector) agentloop.ContextFunc {
	return func(ctx context.Context) string {
		inv, err := host.CollectHost(ctx)
		if err != nil {
			return ""
		}
		var b strings.Builder
		fmt.Fprintf(&b, "CPU %.1f%%, memory %.1f%%\n", inv.CPUPercent, inv.MemoryPercent)
		b.WriteString("Top processes (pid user cpu% mem% command):\n")
		for _, p := range inv.TopProcesses(5) {
			cmd := p.Cmdline
			if cmd == "" {
				cmd = p.Name
			}
			fmt.Fprintf(&b, "%d %s %.1f %.1f %s\n", p.PID, p.User, p.CPUPercent, p.MemPercent, agentloop.Redact(cmd))
		}
		return b.String()
	}
}

// ScanContext describes the host's exposed surface for a vulnerability scan:
// resource use, listening ports, admin accounts and running containers
func ScanContext(host collector.HostCollector, containers collector.ContainerCollector) agentloop.ContextFunc {
	return func(ctx context.Context) string {
		var b strings.Builder
		if inv, err := host.CollectHost(ctx); err == nil {
			fmt.Fprintf(&b, "CPU %.1f%%, memory %.1f%%, %d processes\n", inv.CPUPercent, inv.MemoryPercent, len(inv.Processes))
			b.WriteString("Listening ports (proto address port process):\n")
			for _, p := range inv.Ports {
				fmt.Fprintf(&b, "%s %s %d %s\n", p.Proto, p.Address, p.Port, p.Process)
			}
			fmt.Fprintf(&b, "Admin users: %s\n", strings.Join(inv.AdminUsers, ", "))
		}
		if containers != nil {
			if inv, err := containers.CollectContainers(ctx); err == nil {
				b.WriteString("Containers (name image status):\n")
				for _, c := range inv.Containers {
					fmt.Fprintf(&b, "%s %s %s\n", c.Name, c.Image, c.Status)
				}
			}
		}
		return agentloop.Redact(b.String())
	}
}

// Run starts the agent main loop and blocks until ctx is cancelled
func (a *Agent) Run(ctx context.Context) error {
	a.pipeline.Bind(ctx)

	if a.httpServer != nil {
		go func() {
			if err := a.httpServer.Start(ctx, a.config.HTTP.Address); err != nil {
				a.logger.Error("HTTP server error", "error", err)
			}
		}()
	}

	if a.systemdNotifier.IsAvailable() {
		if err := a.systemdNotifier.NotifyReady(); err != nil {
			a.logger.Warn("Failed to notify systemd ready", "error", err)
		}
		go a.systemdNotifier.RunWatchdog(ctx, systemd.WatchdogInterval(), a.logger)
	}

	a.logger.LogSystemEvent("agent_started", "version", Version, "agent_enabled", a.config.Agent.Enabled,
		"tier_ceiling", a.config.Policy.TierCeiling)
	a.scheduler.Run(ctx)
	return a.shutdown()
}

// shutdown waits for agent loops, flushes the digest and closes everything
func (a *Agent) shutdown() error {
	a.logger.Info("Shutting down agent")
	if a.systemdNotifier.IsAvailable() {
		if err := a.systemdNotifier.NotifyStopping(); err != nil {
			a.logger.Warn("Failed to notify systemd stopping", "error", err)
		}
	}

	a.pipeline.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.notifier.FlushDigest(ctx); err != nil {
		a.logger.Warn("Failed to flush notification digest", "error", err)
	}

	errs := []error{a.notifier.Close(), a.recorder.Close(), a.store.Close()}
	if err := a.systemdNotifier.Close(); err != nil {
		a.logger.Warn("Failed to close systemd connection", "error", err)
	}
	a.logger.LogSystemEvent("agent_stopped", "uptime", time.Since(a.startTime).Round(time.Second))
	return errors.Join(errs...)
}

// Status reports the scheduler and pipeline state for the status API
func (a *Agent) Status() map[string]any {
	return map[string]any{
		"version":          Version,
		"uptime":           time.Since(a.startTime).Round(time.Second).String(),
		"cycles":           a.scheduler.Status(),
		"active_incidents": a.pipeline.Active(),
		"pending_digest":   a.notifier.Pending(),
		"agent_enabled":    a.config.Agent.Enabled,
		"tier_ceiling":     a.config.Policy.TierCeiling,
	}
}
