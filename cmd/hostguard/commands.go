package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/agent"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/audit"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/logging"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/model"
	"github.com/sgerhart/aegisflux/agents/hostguard/internal/policy"
)

var (
	configPath string
	exportLog  string
	exportFrom string

	cfg    *config.Config
	logger *logging.Logger

	rootCmd = &cobra.Command{
		Use:           "hostguard",
		Short:         "Host-resident security agent",
		Long:          "hostguard watches one host for drift, suspicious processes, containers and logins, and responds within a bounded action tier.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       agent.Version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = c
			if cmd == runCmd {
				logger = logging.NewLogger(cfg)
			} else {
				// stdout carries command output
				logger = logging.New(os.Stderr, cfg.LogLevel, false)
			}
			return nil
		},
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the agent until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE:  runAgent,
	}

	baselineCmd = &cobra.Command{
		Use:   "baseline",
		Short: "Manage the drift baseline",
	}
	baselineResetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Replace the drift baseline with the current state of the watched paths",
		Args:  cobra.NoArgs,
		RunE:  resetBaseline,
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit and activity logs",
	}
	auditExportCmd = &cobra.Command{
		Use:   "export",
		Short: "Write log records as JSONL to stdout",
		Args:  cobra.NoArgs,
		RunE:  exportAudit,
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain of both logs",
		Args:  cobra.NoArgs,
		RunE:  verifyAudit,
	}

	planCmd = &cobra.Command{
		Use:   "plan <incident-id>",
		Short: "Show the action plan policy would produce for a stored incident now",
		Args:  cobra.ExactArgs(1),
		RunE:  planIncident,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default $HOSTGUARD_CONFIG)")

	auditExportCmd.Flags().StringVar(&exportLog, "log", audit.AuditLog, "log to export: audit or activity")
	auditExportCmd.Flags().StringVar(&exportFrom, "since", "", "only records at or after this RFC 3339 time")

	baselineCmd.AddCommand(baselineResetCmd)
	auditCmd.AddCommand(auditExportCmd, auditVerifyCmd)
	rootCmd.AddCommand(runCmd, baselineCmd, auditCmd, planCmd)
}

// errChainBroken marks a failed verification so main exits with status 2
var errChainBroken = errors.New("audit chain broken")

func exitCode(err error) int {
	if errors.Is(err, errChainBroken) {
		return 2
	}
	return 1
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.LogSystemEvent("config_loaded",
		"data_dir", cfg.DataDir,
		"store_backend", cfg.Store.Backend,
		"scan_level", cfg.ScanLevel,
		"tier_ceiling", cfg.Policy.TierCeiling,
		"agent_enabled", cfg.Agent.Enabled,
		"watched_paths", len(cfg.Drift.Paths))

	a, err := agent.New(ctx, logger, cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	go func() {
		<-ctx.Done()
		logger.LogSystemEvent("shutdown_signal")
	}()

	return a.Run(ctx)
}

func resetBaseline(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	core, err := agent.OpenCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	snap, err := agent.DriftEngine(cfg, core.Store, logger).ResetBaseline(ctx)
	if err != nil {
		return err
	}
	logger.LogSystemEvent("baseline_reset", "files", len(snap.Files), "errors", len(snap.Errors))
	fmt.Fprintf(cmd.OutOrStdout(), "baseline reset: %d files, %d unreadable\n", len(snap.Files), len(snap.Errors))
	return nil
}

func exportAudit(cmd *cobra.Command, args []string) error {
	if exportLog != audit.AuditLog && exportLog != audit.ActivityLog {
		return fmt.Errorf("unknown log %q: want %s or %s", exportLog, audit.AuditLog, audit.ActivityLog)
	}
	var since time.Time
	if exportFrom != "" {
		t, err := time.Parse(time.RFC3339, exportFrom)
		if err != nil {
			return fmt.Errorf("invalid --since: %w", err)
		}
		since = t
	}
	return audit.Export(cfg.Audit.Dir, exportLog, cmd.OutOrStdout(), since)
}

func verifyAudit(cmd *cobra.Command, args []string) error {
	return verifyLogs(cmd.OutOrStdout(), cfg.Audit.Dir)
}

func verifyLogs(w io.Writer, dir string) error {
	var broken bool
	for _, name := range []string{audit.AuditLog, audit.ActivityLog} {
		report, err := audit.Verify(dir, name)
		var ce *audit.ChainError
		switch {
		case errors.As(err, &ce):
			broken = true
			fmt.Fprintf(w, "%s: %v\n", name, ce)
		case err != nil:
			return fmt.Errorf("failed to verify %s log: %w", name, err)
		default:
			fmt.Fprintf(w, "%s: ok, %d records in %d segments, last seq %d\n", name, report.Records, report.Segments, report.LastSeq)
		}
	}
	if broken {
		return errChainBroken
	}
	return nil
}

func planIncident(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	windows, err := agent.Windows(cfg)
	if err != nil {
		return err
	}
	core, err := agent.OpenCore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer core.Close()

	inc, err := core.Registry.Get(ctx, args[0])
	if err != nil {
		return fmt.Errorf("incident %s: %w", args[0], err)
	}
	return printPlan(cmd.OutOrStdout(), inc, time.Now(), windows, model.ActionTier(cfg.Policy.TierCeiling))
}

func printPlan(w io.Writer, inc model.Incident, now time.Time, windows []policy.Window, ceiling model.ActionTier) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(policy.Decide(inc, now, windows, ceiling))
}
