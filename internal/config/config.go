package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/settings"
)

const (
	DefaultBindAddr     = "127.0.0.1:18790"
	DefaultImage        = "ghcr.io/basket/clawbox-sandbox:latest"
	DefaultHealthSweep  = "@every 1m"
	defaultPullInterval = time.Hour
)

// SandboxConfig controls how session containers are built and run.
type SandboxConfig struct {
	Image               string `yaml:"image"`
	PullIntervalSeconds int    `yaml:"pull_interval_seconds"`
	MemoryMB            int64  `yaml:"memory_mb"`
	Network             string `yaml:"network"`
	// SocketRoot is the host directory holding one agent socket directory
	// per session. It must be reachable by the docker daemon.
	SocketRoot         string `yaml:"socket_root"`
	WorkspaceRoot      string `yaml:"workspace_root"`
	CacheDir           string `yaml:"cache_dir"`
	LabelPrefix        string `yaml:"label_prefix"`
	StopTimeoutSeconds int    `yaml:"stop_timeout_seconds"`
}

func (s SandboxConfig) PullInterval() time.Duration {
	return time.Duration(s.PullIntervalSeconds) * time.Second
}

func (s SandboxConfig) StopTimeout() time.Duration {
	return time.Duration(s.StopTimeoutSeconds) * time.Second
}

type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Enabled *bool             `yaml:"enabled"`
}

// AgentConfig controls how the control process talks to in-sandbox agents
// and what every agent query is given.
type AgentConfig struct {
	HealthAttempts      int `yaml:"health_attempts"`
	HealthDelayMillis   int `yaml:"health_delay_ms"`
	QueryTimeoutSeconds int `yaml:"query_timeout_seconds"`

	SystemPrompt     string            `yaml:"system_prompt"`
	SystemPromptFile string            `yaml:"system_prompt_file"`
	Env              map[string]string `yaml:"env"`
	PassEnv          []string          `yaml:"pass_env"`
	MCPServers       []MCPServerConfig `yaml:"mcp_servers"`
	GitTokenEnv      string            `yaml:"git_token_env"`
}

func (a AgentConfig) HealthDelay() time.Duration {
	return time.Duration(a.HealthDelayMillis) * time.Millisecond
}

// QueryTimeout is zero when queries may run indefinitely.
func (a AgentConfig) QueryTimeout() time.Duration {
	return time.Duration(a.QueryTimeoutSeconds) * time.Second
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr  string `yaml:"bind_addr"`
	LogLevel  string `yaml:"log_level"`
	AuthToken string `yaml:"auth_token"`
	DBPath    string `yaml:"db_path"`

	// AllowOrigins lists browser origins accepted on the websocket endpoint.
	// Empty means same-host only.
	AllowOrigins []string `yaml:"allow_origins"`

	// DrainTimeoutSeconds bounds graceful shutdown. 0 uses the default (10s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Sandbox     SandboxConfig `yaml:"sandbox"`
	Agent       AgentConfig   `yaml:"agent"`
	HealthSweep string        `yaml:"health_sweep"`
	OTel        otel.Config   `yaml:"otel"`

	// Missing is set when config.yaml does not exist yet.
	Missing bool `yaml:"-"`
}

// DrainTimeout returns the bounded shutdown window.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// SettingsSource converts the agent section into the per-query settings
// source. Relative prompt files resolve against the home directory.
func (c Config) SettingsSource() settings.Source {
	src := settings.Source{
		SystemPrompt:     c.Agent.SystemPrompt,
		SystemPromptFile: c.Agent.SystemPromptFile,
		Env:              c.Agent.Env,
		PassEnv:          c.Agent.PassEnv,
		GitTokenEnv:      c.Agent.GitTokenEnv,
	}
	if src.SystemPromptFile != "" && !filepath.IsAbs(src.SystemPromptFile) {
		src.SystemPromptFile = filepath.Join(c.HomeDir, src.SystemPromptFile)
	}
	for _, m := range c.Agent.MCPServers {
		if m.Enabled != nil && !*m.Enabled {
			continue
		}
		src.MCPServers = append(src.MCPServers, settings.MCPServer{
			Name:    m.Name,
			Type:    m.Type,
			Command: m.Command,
			Args:    m.Args,
			Env:     m.Env,
			URL:     m.URL,
			Headers: m.Headers,
		})
	}
	return src
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config. Secrets are
// excluded so the value is safe to log.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|db=%s|auth=%t|origins=%v|image=%s|pull=%d|mem=%d|net=%s|sock=%s|ws=%s|cache=%s|label=%s|stop=%d",
		c.BindAddr, c.LogLevel, c.DBPath, c.AuthToken != "", c.AllowOrigins,
		c.Sandbox.Image, c.Sandbox.PullIntervalSeconds, c.Sandbox.MemoryMB, c.Sandbox.Network,
		c.Sandbox.SocketRoot, c.Sandbox.WorkspaceRoot, c.Sandbox.CacheDir, c.Sandbox.LabelPrefix, c.Sandbox.StopTimeoutSeconds)
	fmt.Fprintf(h, "|health=%d/%d|timeout=%d|prompt=%d|prompt_file=%s|git_env=%s|sweep=%s|otel=%t/%s",
		c.Agent.HealthAttempts, c.Agent.HealthDelayMillis, c.Agent.QueryTimeoutSeconds,
		len(c.Agent.SystemPrompt), c.Agent.SystemPromptFile, c.Agent.GitTokenEnv, c.HealthSweep,
		c.OTel.Enabled, c.OTel.Exporter)
	envKeys := make([]string, 0, len(c.Agent.Env))
	for k := range c.Agent.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	fmt.Fprintf(h, "|env=%v|pass=%v", envKeys, c.Agent.PassEnv)
	for _, m := range c.Agent.MCPServers {
		fmt.Fprintf(h, "|mcp=%s:%s:%s:%s", m.Name, m.Type, m.Command, m.URL)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:            DefaultBindAddr,
		LogLevel:            "info",
		DrainTimeoutSeconds: 10,
		Sandbox: SandboxConfig{
			Image:               DefaultImage,
			PullIntervalSeconds: int(defaultPullInterval.Seconds()),
			MemoryMB:            4096,
			WorkspaceRoot:       "/workspace",
			LabelPrefix:         "clawbox",
			StopTimeoutSeconds:  10,
		},
		Agent: AgentConfig{
			HealthAttempts:    5,
			HealthDelayMillis: 500,
		},
		HealthSweep: DefaultHealthSweep,
		OTel: otel.Config{
			Exporter:    "stdout",
			ServiceName: "clawbox",
			SampleRate:  1,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("CLAWBOX_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawbox")
}

// Load reads config.yaml from the clawbox home, applies environment
// overrides and fills defaults.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create clawbox home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = DefaultBindAddr
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "clawbox.db")
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}

	sb := &cfg.Sandbox
	if strings.TrimSpace(sb.Image) == "" {
		sb.Image = DefaultImage
	}
	if sb.PullIntervalSeconds <= 0 {
		sb.PullIntervalSeconds = int(defaultPullInterval.Seconds())
	}
	if sb.MemoryMB <= 0 {
		sb.MemoryMB = 4096
	}
	if sb.SocketRoot == "" {
		sb.SocketRoot = filepath.Join(cfg.HomeDir, "sockets")
	}
	if sb.WorkspaceRoot == "" {
		sb.WorkspaceRoot = "/workspace"
	}
	if sb.CacheDir == "" {
		sb.CacheDir = filepath.Join(cfg.HomeDir, "repo-cache")
	}
	if sb.LabelPrefix == "" {
		sb.LabelPrefix = "clawbox"
	}
	if sb.StopTimeoutSeconds <= 0 {
		sb.StopTimeoutSeconds = 10
	}

	if cfg.Agent.HealthAttempts <= 0 {
		cfg.Agent.HealthAttempts = 5
	}
	if cfg.Agent.HealthDelayMillis <= 0 {
		cfg.Agent.HealthDelayMillis = 500
	}
	if cfg.Agent.QueryTimeoutSeconds < 0 {
		cfg.Agent.QueryTimeoutSeconds = 0
	}
	if strings.TrimSpace(cfg.HealthSweep) == "" {
		cfg.HealthSweep = DefaultHealthSweep
	}
}

func validate(cfg Config) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("log_level %q must be one of debug, info, warn, error", cfg.LogLevel)
	}
	seen := make(map[string]bool, len(cfg.Agent.MCPServers))
	for i, m := range cfg.Agent.MCPServers {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("agent.mcp_servers[%d]: name is required", i)
		}
		if seen[m.Name] {
			return fmt.Errorf("agent.mcp_servers: duplicate name %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWBOX_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWBOX_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWBOX_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("CLAWBOX_DB_PATH"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("CLAWBOX_SANDBOX_IMAGE"); raw != "" {
		cfg.Sandbox.Image = raw
	}
	if raw := os.Getenv("CLAWBOX_SOCKET_ROOT"); raw != "" {
		cfg.Sandbox.SocketRoot = raw
	}
	if raw := os.Getenv("CLAWBOX_SANDBOX_NETWORK"); raw != "" {
		cfg.Sandbox.Network = raw
	}
	if raw := os.Getenv("CLAWBOX_SANDBOX_MEMORY_MB"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Sandbox.MemoryMB = v
		}
	}
	if raw := os.Getenv("CLAWBOX_QUERY_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Agent.QueryTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("CLAWBOX_HEALTH_SWEEP"); raw != "" {
		cfg.HealthSweep = raw
	}
	if raw := os.Getenv("CLAWBOX_OTEL_ENDPOINT"); raw != "" {
		cfg.OTel.Enabled = true
		cfg.OTel.Exporter = "otlp-http"
		cfg.OTel.Endpoint = raw
	}
}
