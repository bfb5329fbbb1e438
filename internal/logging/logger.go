package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/sgerhart/aegisflux/agents/hostguard/internal/config"
)

// Logger provides structured logging with systemd integration
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new structured logger
func NewLogger(cfg *config.Config) *Logger {
	var output io.Writer = os.Stdout

	// systemd captures stderr for the journal and already provides source info
	addSource := true
	if isSystemd() {
		output = os.Stderr
		addSource = false
	}

	return New(output, cfg.LogLevel, addSource).With(
		"host_id", cfg.HostID,
		"service", "hostguard",
	)
}

// New creates a JSON logger writing to w
func New(w io.Writer, level string, addSource bool) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     parseLogLevel(level),
		AddSource: addSource,
	})
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(io.Discard, nil))}
}

// With returns a logger carrying the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// parseLogLevel parses log level string
func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// isSystemd checks if running under systemd
func isSystemd() bool {
	if os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getenv("NOTIFY_SOCKET") != "" {
		return true
	}
	return os.Getpid() == 1
}

// LogSystemEvent logs system-related events
func (l *Logger) LogSystemEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "agent_started":
		l.Info("Agent started", args...)
	case "agent_stopped":
		l.Info("Agent stopped", args...)
	case "shutdown_signal":
		l.Info("Shutdown signal received", args...)
	case "config_loaded":
		l.Info("Configuration loaded", args...)
	case "http_server_started":
		l.Info("HTTP server started", args...)
	case "http_server_stopped":
		l.Info("HTTP server stopped", args...)
	case "cycle_skipped":
		l.Warn("Cycle skipped, previous run still in flight", args...)
	case "cycle_backoff":
		l.Warn("Cycle backing off after storage failure", args...)
	case "notification":
		l.Info("Notification", args...)
	default:
		l.Info("System event", args...)
	}
}

// LogIncidentEvent logs incident lifecycle events
func (l *Logger) LogIncidentEvent(event string, incidentID string, additional ...any) {
	args := []any{
		"event", event,
		"incident_id", incidentID,
	}
	args = append(args, additional...)

	switch event {
	case "incident_opened":
		l.Warn("Incident opened", args...)
	case "incident_refired":
		l.Debug("Incident condition still present", args...)
	case "incident_resolved":
		l.Info("Incident resolved", args...)
	case "incident_alert_only":
		l.Info("Incident recorded as alert only", args...)
	case "incident_reopened":
		l.Warn("Incident left open for follow-up", args...)
	default:
		l.Info("Incident event", args...)
	}
}

// LogActionEvent logs responder actions
func (l *Logger) LogActionEvent(event string, incidentID string, additional ...any) {
	args := []any{
		"event", event,
		"incident_id", incidentID,
	}
	args = append(args, additional...)

	switch event {
	case "action_succeeded":
		l.Info("Action succeeded", args...)
	case "action_skipped":
		l.Info("Action skipped", args...)
	case "action_failed":
		l.Error("Action failed", args...)
	case "action_delegated":
		l.Info("Action delegated to agent loop", args...)
	case "action_refused":
		l.Error("Action refused, plan does not grant it", args...)
	default:
		l.Info("Action event", args...)
	}
}

// LogAgentEvent logs agent loop events
func (l *Logger) LogAgentEvent(event string, incidentID string, additional ...any) {
	args := []any{
		"event", event,
		"incident_id", incidentID,
	}
	args = append(args, additional...)

	switch event {
	case "agent_started":
		l.Info("Agent loop started", args...)
	case "command_denied":
		l.Warn("Agent command denied", args...)
	case "command_executed":
		l.Info("Agent command executed", args...)
	case "agent_resolved":
		l.Info("Agent loop resolved incident", args...)
	case "agent_aborted":
		l.Warn("Agent loop aborted", args...)
	case "agent_degraded":
		l.Error("Agent loop degraded", args...)
	default:
		l.Info("Agent event", args...)
	}
}

// LogStorageEvent logs state store and audit sink failures
func (l *Logger) LogStorageEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "storage_error":
		l.Error("Storage error, audit trail at risk", args...)
	case "segment_rotated":
		l.Info("Log segment rotated", args...)
	default:
		l.Info("Storage event", args...)
	}
}

// LogSecurityEvent logs security-related events
func (l *Logger) LogSecurityEvent(event string, additional ...any) {
	args := []any{"event", event}
	args = append(args, additional...)

	switch event {
	case "detector_failed":
		l.Error("Detector failed", args...)
	case "collector_failed":
		l.Warn("Collector failed", args...)
	case "baseline_created":
		l.Info("Drift baseline created", args...)
	case "baseline_reset":
		l.Warn("Drift baseline reset", args...)
	default:
		l.Warn("Security event", args...)
	}
}

// WithComponent creates a logger with component context
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.Logger.With("component", component)}
}
