package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration. It is built once at startup and
// handed to each component by value; nothing mutates it afterwards.
type Config struct {
	HostID    string `yaml:"host_id" json:"host_id"`
	LogLevel  string `yaml:"log_level" json:"log_level"`
	DataDir   string `yaml:"data_dir" json:"data_dir"`
	ScanLevel string `yaml:"scan_level" json:"scan_level"`

	Store      StoreConfig     `yaml:"store" json:"store"`
	Audit      AuditConfig     `yaml:"audit" json:"audit"`
	Intervals  IntervalConfig  `yaml:"intervals" json:"intervals"`
	Drift      DriftConfig     `yaml:"drift" json:"drift"`
	Detectors  DetectorConfig  `yaml:"detectors" json:"detectors"`
	Policy     PolicyConfig    `yaml:"policy" json:"policy"`
	Agent      AgentConfig     `yaml:"agent" json:"agent"`
	Collectors CollectorConfig `yaml:"collectors" json:"collectors"`
	Notify     NotifyConfig    `yaml:"notify" json:"notify"`
	HTTP       HTTPConfig      `yaml:"http" json:"http"`
}

// StoreConfig selects the state store backend
type StoreConfig struct {
	Backend     string `yaml:"backend" json:"backend"`
	Path        string `yaml:"path" json:"path"`
	PostgresDSN string `yaml:"postgres_dsn" json:"-"`
}

// AuditConfig locates the audit and activity logs
type AuditConfig struct {
	Dir             string `yaml:"dir" json:"dir"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes" json:"max_segment_bytes"`
}

// IntervalConfig holds the scheduler periods
type IntervalConfig struct {
	Host         time.Duration `yaml:"host" json:"host"`
	Containers   time.Duration `yaml:"containers" json:"containers"`
	AgentSweep   time.Duration `yaml:"agent_sweep" json:"agent_sweep"`
	Scan         time.Duration `yaml:"scan" json:"scan"`
	CycleTimeout time.Duration `yaml:"cycle_timeout" json:"cycle_timeout"`
	MaxBackoff   time.Duration `yaml:"max_backoff" json:"max_backoff"`
}

// DriftConfig lists monitored paths
type DriftConfig struct {
	Paths    []string `yaml:"paths" json:"paths"`
	MaxDepth int      `yaml:"max_depth" json:"max_depth"`
	MaxFiles int      `yaml:"max_files" json:"max_files"`
}

// DetectorConfig holds detector thresholds
type DetectorConfig struct {
	Disabled             []string      `yaml:"disabled" json:"disabled"`
	CPUThreshold         float64       `yaml:"cpu_threshold" json:"cpu_threshold"`
	MemoryThreshold      float64       `yaml:"memory_threshold" json:"memory_threshold"`
	AuthFailureThreshold int           `yaml:"auth_failure_threshold" json:"auth_failure_threshold"`
	AuthWindow           time.Duration `yaml:"auth_window" json:"auth_window"`
	PHPRoots             []string      `yaml:"php_roots" json:"php_roots"`
	PHPMaxFiles          int           `yaml:"php_max_files" json:"php_max_files"`
	PHPMaxBytes          int64         `yaml:"php_max_bytes" json:"php_max_bytes"`
	SensitivePaths       []string      `yaml:"sensitive_paths" json:"sensitive_paths"`
}

// WindowConfig is a maintenance window. Either Start/End (RFC3339) or
// DailyStart/DailyEnd (HH:MM, local time) must be set.
type WindowConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Start      string   `yaml:"start" json:"start,omitempty"`
	End        string   `yaml:"end" json:"end,omitempty"`
	DailyStart string   `yaml:"daily_start" json:"daily_start,omitempty"`
	DailyEnd   string   `yaml:"daily_end" json:"daily_end,omitempty"`
	Kinds      []string `yaml:"kinds" json:"kinds,omitempty"`
}

// PolicyConfig bounds automated response
type PolicyConfig struct {
	TierCeiling int            `yaml:"tier_ceiling" json:"tier_ceiling"`
	Windows     []WindowConfig `yaml:"maintenance_windows" json:"maintenance_windows"`
}

// PatternConfig is one whitelist entry for agent commands
type PatternConfig struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Target  string `yaml:"target" json:"target"`
	MinTier int    `yaml:"min_tier" json:"min_tier"`
}

// LLMConfig configures the proposal collaborator
type LLMConfig struct {
	Model             string        `yaml:"model" json:"model"`
	BaseURL           string        `yaml:"base_url" json:"base_url"`
	APIKey            string        `yaml:"api_key" json:"-"`
	RequestsPerMinute int           `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxTokens         int           `yaml:"max_tokens" json:"max_tokens"`
}

// AgentConfig bounds the autonomous remediation loop
type AgentConfig struct {
	Enabled               bool            `yaml:"enabled" json:"enabled"`
	MaxIterations         int             `yaml:"max_iterations" json:"max_iterations"`
	MaxDuration           time.Duration   `yaml:"max_duration" json:"max_duration"`
	MaxConsecutiveDenials int             `yaml:"max_consecutive_denials" json:"max_consecutive_denials"`
	HistorySteps          int             `yaml:"history_steps" json:"history_steps"`
	CommandTimeout        time.Duration   `yaml:"command_timeout" json:"command_timeout"`
	MaxOutputBytes        int             `yaml:"max_output_bytes" json:"max_output_bytes"`
	MaxConcurrent         int             `yaml:"max_concurrent" json:"max_concurrent"`
	Whitelist             []PatternConfig `yaml:"whitelist" json:"whitelist"`
	LLM                   LLMConfig       `yaml:"llm" json:"llm"`
	// Summaries and Scan use the LLM without the remediation loop
	Summaries bool `yaml:"summaries" json:"summaries"`
	Scan      bool `yaml:"scan" json:"scan"`
}

// UsesLLM reports whether any feature needs the LLM collaborator
func (a AgentConfig) UsesLLM() bool {
	return a.Enabled || a.Summaries || a.Scan
}

// CollectorConfig points at the external inventory sources
type CollectorConfig struct {
	HostCommand      []string      `yaml:"host_command" json:"host_command"`
	ContainerCommand []string      `yaml:"container_command" json:"container_command"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
	AuthLogPath      string        `yaml:"auth_log_path" json:"auth_log_path"`
	AuthMaxLines     int           `yaml:"auth_max_lines" json:"auth_max_lines"`
	DockerBinary     string        `yaml:"docker_binary" json:"docker_binary"`
}

// NotifyConfig configures the local notification sink
type NotifyConfig struct {
	NATSURL             string   `yaml:"nats_url" json:"nats_url"`
	Subject             string   `yaml:"subject" json:"subject"`
	ImmediateSeverities []string `yaml:"immediate_severities" json:"immediate_severities"`
}

// HTTPConfig configures the local status API
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		HostID:    hostname(),
		LogLevel:  "info",
		DataDir:   "/var/lib/hostguard",
		ScanLevel: "standard",
		Store: StoreConfig{
			Backend: "file",
		},
		Audit: AuditConfig{
			MaxSegmentBytes: 16 << 20,
		},
		Intervals: IntervalConfig{
			Host:         60 * time.Second,
			Containers:   120 * time.Second,
			AgentSweep:   300 * time.Second,
			Scan:         time.Hour,
			CycleTimeout: 45 * time.Second,
			MaxBackoff:   10 * time.Minute,
		},
		Drift: DriftConfig{
			Paths: []string{
				"/etc/passwd",
				"/etc/shadow",
				"/etc/group",
				"/etc/sudoers",
				"/etc/sudoers.d",
				"/etc/ssh/sshd_config",
				"/etc/crontab",
				"/etc/cron.d",
				"/etc/hosts",
			},
		},
		Detectors: DetectorConfig{
			CPUThreshold:         90,
			MemoryThreshold:      90,
			AuthFailureThreshold: 5,
			AuthWindow:           5 * time.Minute,
			SensitivePaths: []string{
				"/etc/passwd",
				"/etc/shadow",
				"/etc/sudoers",
				"/etc/ssh/sshd_config",
			},
		},
		Policy: PolicyConfig{
			TierCeiling: 1,
		},
		Agent: AgentConfig{
			Enabled:               false,
			MaxIterations:         10,
			MaxDuration:           5 * time.Minute,
			MaxConsecutiveDenials: 3,
			HistorySteps:          5,
			CommandTimeout:        30 * time.Second,
			MaxOutputBytes:        1500,
			MaxConcurrent:         2,
			Whitelist:             DefaultWhitelist(),
			LLM: LLMConfig{
				Model:             "gpt-4o-mini",
				RequestsPerMinute: 20,
				RequestTimeout:    60 * time.Second,
				MaxTokens:         512,
			},
		},
		Collectors: CollectorConfig{
			Timeout:      20 * time.Second,
			AuthLogPath:  "/var/log/auth.log",
			AuthMaxLines: 5000,
			DockerBinary: "docker",
		},
		Notify: NotifyConfig{
			Subject:             "hostguard.incidents",
			ImmediateSeverities: []string{"P0", "P1"},
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Address: "127.0.0.1:9477",
		},
	}
}

// DefaultWhitelist returns the built-in agent command patterns. Each pattern
// is anchored and names the referenced object in a "target" group.
func DefaultWhitelist() []PatternConfig {
	const container = `(?P<target>[a-zA-Z0-9][a-zA-Z0-9_.-]{0,127})`
	return []PatternConfig{
		{Name: "ps", Pattern: `^ps (aux|-ef)$`, Target: "none", MinTier: 1},
		{Name: "ps_pid", Pattern: `^ps -o [a-z%,]+ -p (?P<target>[0-9]+)$`, Target: "pid", MinTier: 1},
		{Name: "ss", Pattern: `^ss -[tulnp]+$`, Target: "none", MinTier: 1},
		{Name: "netstat", Pattern: `^netstat -[tulnp]+$`, Target: "none", MinTier: 1},
		{Name: "docker_ps", Pattern: `^docker ps( -a)?$`, Target: "none", MinTier: 1},
		{Name: "docker_inspect", Pattern: `^docker inspect ` + container + `$`, Target: "container", MinTier: 1},
		{Name: "docker_logs", Pattern: `^docker logs --tail [0-9]{1,4} ` + container + `$`, Target: "container", MinTier: 1},
		{Name: "ls_etc", Pattern: `^ls -la /etc(/[A-Za-z0-9_.-]+)*/?$`, Target: "none", MinTier: 1},
		{Name: "cat_evidence", Pattern: `^cat (?P<target>/[A-Za-z0-9_./-]+)$`, Target: "path", MinTier: 1},
		{Name: "sha256sum", Pattern: `^sha256sum (?P<target>/[A-Za-z0-9_./-]+)$`, Target: "path", MinTier: 1},
		{Name: "getent", Pattern: `^getent (passwd|group)( [a-z_][a-z0-9_-]*)?$`, Target: "none", MinTier: 1},
		{Name: "id_user", Pattern: `^id (?P<target>[a-z_][a-z0-9_-]*)$`, Target: "user", MinTier: 1},
		{Name: "systemctl_status", Pattern: `^systemctl status [A-Za-z0-9@_.-]+$`, Target: "none", MinTier: 1},
		{Name: "uname", Pattern: `^uname -a$`, Target: "none", MinTier: 1},
		{Name: "whoami", Pattern: `^whoami$`, Target: "none", MinTier: 1},
		{Name: "hostname", Pattern: `^hostname$`, Target: "none", MinTier: 1},
		{Name: "kill", Pattern: `^kill (-9 |-KILL |-15 |-TERM )?(?P<target>[0-9]+)$`, Target: "pid", MinTier: 1},
		{Name: "docker_stop", Pattern: `^docker stop ` + container + `$`, Target: "container", MinTier: 1},
		{Name: "docker_rm", Pattern: `^docker rm -f ` + container + `$`, Target: "container", MinTier: 2},
		{Name: "quarantine_php", Pattern: `^chmod 000 (?P<target>/[A-Za-z0-9_./-]+\.php)$`, Target: "path", MinTier: 1},
		{Name: "ufw_deny", Pattern: `^ufw deny from (?P<target>[0-9]{1,3}(\.[0-9]{1,3}){3})$`, Target: "ip", MinTier: 1},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// any), then environment overrides, then scan level presets.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv("HOSTGUARD_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyScanLevel()
	cfg.applyDataDir()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HostID = getEnv("HOSTGUARD_HOST_ID", c.HostID)
	c.LogLevel = getEnv("HOSTGUARD_LOG_LEVEL", c.LogLevel)
	c.DataDir = getEnv("HOSTGUARD_DATA_DIR", c.DataDir)
	c.ScanLevel = getEnv("HOSTGUARD_SCAN_LEVEL", c.ScanLevel)

	c.Store.Backend = getEnv("HOSTGUARD_STORE_BACKEND", c.Store.Backend)
	c.Store.PostgresDSN = getEnv("HOSTGUARD_POSTGRES_DSN", c.Store.PostgresDSN)

	c.Intervals.Host = getDurationEnv("HOSTGUARD_HOST_INTERVAL_SEC", c.Intervals.Host)
	c.Intervals.Containers = getDurationEnv("HOSTGUARD_CONTAINER_INTERVAL_SEC", c.Intervals.Containers)
	c.Intervals.AgentSweep = getDurationEnv("HOSTGUARD_AGENT_SWEEP_INTERVAL_SEC", c.Intervals.AgentSweep)
	c.Intervals.Scan = getDurationEnv("HOSTGUARD_LLM_SCAN_INTERVAL_SEC", c.Intervals.Scan)

	c.Detectors.CPUThreshold = getFloat64Env("HOSTGUARD_CPU_THRESHOLD", c.Detectors.CPUThreshold)
	c.Detectors.MemoryThreshold = getFloat64Env("HOSTGUARD_MEMORY_THRESHOLD", c.Detectors.MemoryThreshold)

	c.Policy.TierCeiling = getIntEnv("HOSTGUARD_TIER_CEILING", c.Policy.TierCeiling)

	c.Agent.Enabled = getBoolEnv("HOSTGUARD_AGENT_ENABLED", c.Agent.Enabled)
	c.Agent.MaxIterations = getIntEnv("HOSTGUARD_AGENT_MAX_ITERATIONS", c.Agent.MaxIterations)
	c.Agent.Summaries = getBoolEnv("HOSTGUARD_LLM_SUMMARIES", c.Agent.Summaries)
	c.Agent.Scan = getBoolEnv("HOSTGUARD_AGENT_SCAN", c.Agent.Scan)
	c.Agent.LLM.Model = getEnv("HOSTGUARD_LLM_MODEL", c.Agent.LLM.Model)
	c.Agent.LLM.BaseURL = getEnv("HOSTGUARD_LLM_BASE_URL", c.Agent.LLM.BaseURL)
	c.Agent.LLM.APIKey = getEnv("HOSTGUARD_OPENAI_API_KEY", getEnv("OPENAI_API_KEY", c.Agent.LLM.APIKey))

	c.Notify.NATSURL = getEnv("HOSTGUARD_NATS_URL", c.Notify.NATSURL)
	c.HTTP.Address = getEnv("HOSTGUARD_HTTP_ADDRESS", c.HTTP.Address)
	c.HTTP.Enabled = getBoolEnv("HOSTGUARD_HTTP_ENABLED", c.HTTP.Enabled)
}

// scanPreset bounds filesystem work per cycle
type scanPreset struct {
	driftMaxFiles int
	driftMaxDepth int
	phpMaxFiles   int
	phpMaxBytes   int64
}

var scanPresets = map[string]scanPreset{
	"quick":    {driftMaxFiles: 500, driftMaxDepth: 2, phpMaxFiles: 200, phpMaxBytes: 256 << 10},
	"standard": {driftMaxFiles: 5000, driftMaxDepth: 4, phpMaxFiles: 2000, phpMaxBytes: 512 << 10},
	"deep":     {driftMaxFiles: 50000, driftMaxDepth: 8, phpMaxFiles: 20000, phpMaxBytes: 2 << 20},
}

// applyScanLevel fills bounds left unset by the file from the selected preset
func (c *Config) applyScanLevel() {
	preset, ok := scanPresets[c.ScanLevel]
	if !ok {
		return
	}
	if c.Drift.MaxFiles == 0 {
		c.Drift.MaxFiles = preset.driftMaxFiles
	}
	if c.Drift.MaxDepth == 0 {
		c.Drift.MaxDepth = preset.driftMaxDepth
	}
	if c.Detectors.PHPMaxFiles == 0 {
		c.Detectors.PHPMaxFiles = preset.phpMaxFiles
	}
	if c.Detectors.PHPMaxBytes == 0 {
		c.Detectors.PHPMaxBytes = preset.phpMaxBytes
	}
}

func (c *Config) applyDataDir() {
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "state")
	}
	if c.Audit.Dir == "" {
		c.Audit.Dir = filepath.Join(c.DataDir, "logs")
	}
}

var hhmm = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.HostID == "" {
		return fmt.Errorf("host_id cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir cannot be empty")
	}
	if _, ok := scanPresets[c.ScanLevel]; !ok {
		return fmt.Errorf("scan_level must be one of quick, standard, deep")
	}
	switch c.Store.Backend {
	case "file", "badger":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("store.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of file, badger, postgres")
	}
	if c.Audit.MaxSegmentBytes <= 0 {
		return fmt.Errorf("audit.max_segment_bytes must be positive")
	}
	if c.Intervals.Host <= 0 || c.Intervals.Containers <= 0 || c.Intervals.AgentSweep <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.Agent.Scan && c.Intervals.Scan <= 0 {
		return fmt.Errorf("intervals.scan must be positive when agent.scan is set")
	}
	if c.Intervals.CycleTimeout <= 0 {
		return fmt.Errorf("intervals.cycle_timeout must be positive")
	}
	if c.Detectors.CPUThreshold <= 0 || c.Detectors.CPUThreshold > 100 {
		return fmt.Errorf("detectors.cpu_threshold must be in (0, 100]")
	}
	if c.Detectors.MemoryThreshold <= 0 || c.Detectors.MemoryThreshold > 100 {
		return fmt.Errorf("detectors.memory_threshold must be in (0, 100]")
	}
	if c.Detectors.AuthFailureThreshold <= 0 {
		return fmt.Errorf("detectors.auth_failure_threshold must be positive")
	}
	if c.Detectors.AuthWindow <= 0 {
		return fmt.Errorf("detectors.auth_window must be positive")
	}
	if c.Policy.TierCeiling < 0 || c.Policy.TierCeiling > 3 {
		return fmt.Errorf("policy.tier_ceiling must be between 0 and 3")
	}
	for i, w := range c.Policy.Windows {
		if err := w.validate(); err != nil {
			return fmt.Errorf("policy.maintenance_windows[%d]: %w", i, err)
		}
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive")
	}
	if c.Agent.MaxDuration <= 0 {
		return fmt.Errorf("agent.max_duration must be positive")
	}
	if c.Agent.MaxConsecutiveDenials <= 0 {
		return fmt.Errorf("agent.max_consecutive_denials must be positive")
	}
	if c.Agent.MaxConcurrent <= 0 {
		return fmt.Errorf("agent.max_concurrent must be positive")
	}
	if c.Agent.CommandTimeout <= 0 {
		return fmt.Errorf("agent.command_timeout must be positive")
	}
	if c.Agent.MaxOutputBytes <= 0 {
		return fmt.Errorf("agent.max_output_bytes must be positive")
	}
	for i, p := range c.Agent.Whitelist {
		if err := p.validate(); err != nil {
			return fmt.Errorf("agent.whitelist[%d]: %w", i, err)
		}
	}
	if c.Agent.UsesLLM() && c.Agent.LLM.APIKey == "" && c.Agent.LLM.BaseURL == "" {
		return fmt.Errorf("agent.llm.api_key or agent.llm.base_url is required when the agent, summaries or scan are enabled")
	}
	return nil
}

func (w WindowConfig) validate() error {
	absolute := w.Start != "" || w.End != ""
	daily := w.DailyStart != "" || w.DailyEnd != ""
	switch {
	case absolute && daily:
		return fmt.Errorf("window %q mixes absolute and daily bounds", w.Name)
	case absolute:
		start, err := time.Parse(time.RFC3339, w.Start)
		if err != nil {
			return fmt.Errorf("window %q start: %w", w.Name, err)
		}
		end, err := time.Parse(time.RFC3339, w.End)
		if err != nil {
			return fmt.Errorf("window %q end: %w", w.Name, err)
		}
		if !end.After(start) {
			return fmt.Errorf("window %q ends before it starts", w.Name)
		}
	case daily:
		if !hhmm.MatchString(w.DailyStart) || !hhmm.MatchString(w.DailyEnd) {
			return fmt.Errorf("window %q daily bounds must be HH:MM", w.Name)
		}
	default:
		return fmt.Errorf("window %q has no bounds", w.Name)
	}
	return nil
}

func (p PatternConfig) validate() error {
	if p.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if !strings.HasPrefix(p.Pattern, "^") || !strings.HasSuffix(p.Pattern, "$") {
		return fmt.Errorf("pattern %q must be anchored with ^ and $", p.Name)
	}
	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", p.Name, err)
	}
	switch p.Target {
	case "none":
	case "pid", "container", "path", "ip", "user":
		if re.SubexpIndex("target") < 0 {
			return fmt.Errorf("pattern %q needs a (?P<target>...) group", p.Name)
		}
	default:
		return fmt.Errorf("pattern %q has unknown target kind %q", p.Name, p.Target)
	}
	if p.MinTier < 0 || p.MinTier > 3 {
		return fmt.Errorf("pattern %q min_tier must be between 0 and 3", p.Name)
	}
	return nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "localhost"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv gets an integer environment variable with a default value
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getDurationEnv reads a number of seconds
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if seconds, err := strconv.Atoi(value); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return defaultValue
}

// getFloat64Env gets a float64 environment variable with a default value
func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// getBoolEnv gets a bool environment variable with a default value
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
