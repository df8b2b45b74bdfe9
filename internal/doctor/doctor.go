package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/clawbox/internal/config"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/settings"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Pinger is the part of the container runtime doctor needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options carries the collaborators the checks inspect. A nil Docker skips
// the daemon check.
type Options struct {
	Version  string
	Docker   Pinger
	LookPath func(string) (string, error)
}

type checkFunc func(context.Context, *config.Config, Options) CheckResult

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, opts Options) Diagnosis {
	if opts.LookPath == nil {
		opts.LookPath = exec.LookPath
	}
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: opts.Version,
		},
	}

	checks := []checkFunc{
		checkConfig,
		checkAgentSettings,
		checkDatabase,
		checkDocker,
		checkGit,
		checkSocketRoot,
		checkCacheDir,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg, opts))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if cfg.Missing {
		return CheckResult{
			Name:    "Config",
			Status:  StatusWarn,
			Message: "config.yaml not found, using defaults",
			Detail:  config.ConfigPath(cfg.HomeDir),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir)),
		Detail:  cfg.Fingerprint(),
	}
}

func checkAgentSettings(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Agent Settings", Status: StatusSkip, Message: "Config missing"}
	}
	static, err := settings.NewStatic(cfg.SettingsSource())
	if err != nil {
		return CheckResult{Name: "Agent Settings", Status: StatusFail, Message: "Invalid MCP server config", Detail: err.Error()}
	}
	bundle, err := static.Resolve(ctx, "")
	if err != nil {
		return CheckResult{Name: "Agent Settings", Status: StatusFail, Message: "Cannot resolve settings", Detail: err.Error()}
	}
	msg := fmt.Sprintf("%d MCP servers, %d env vars", len(bundle.MCPServers), len(bundle.Env))
	if cfg.Agent.GitTokenEnv != "" && bundle.GitToken == "" {
		return CheckResult{
			Name:    "Agent Settings",
			Status:  StatusWarn,
			Message: msg,
			Detail:  fmt.Sprintf("%s is not set; private repositories will fail to clone", cfg.Agent.GitTokenEnv),
		}
	}
	return CheckResult{Name: "Agent Settings", Status: StatusPass, Message: msg}
}

func checkDatabase(ctx context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, 1000)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema valid, %d sessions", len(sessions)),
		Detail:  cfg.DBPath,
	}
}

func checkDocker(ctx context.Context, _ *config.Config, opts Options) CheckResult {
	if opts.Docker == nil {
		return CheckResult{Name: "Docker", Status: StatusFail, Message: "Docker client unavailable"}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	if err := opts.Docker.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:    "Docker",
			Status:  StatusFail,
			Message: "Daemon unreachable",
			Detail:  err.Error(),
		}
	}
	return CheckResult{
		Name:    "Docker",
		Status:  StatusPass,
		Message: fmt.Sprintf("Daemon reachable (%dms)", time.Since(start).Milliseconds()),
	}
}

func checkGit(_ context.Context, _ *config.Config, opts Options) CheckResult {
	path, err := opts.LookPath("git")
	if err != nil {
		return CheckResult{
			Name:    "Git",
			Status:  StatusWarn,
			Message: "git not found on PATH",
			Detail:  "The host repository cache is disabled without git; clones run without a reference",
		}
	}
	return CheckResult{Name: "Git", Status: StatusPass, Message: path}
}

func checkSocketRoot(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Socket Root", Status: StatusSkip, Message: "Config missing"}
	}
	return checkWritable("Socket Root", cfg.Sandbox.SocketRoot)
}

func checkCacheDir(_ context.Context, cfg *config.Config, _ Options) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Repo Cache", Status: StatusSkip, Message: "Config missing"}
	}
	return checkWritable("Repo Cache", cfg.Sandbox.CacheDir)
}

func checkWritable(name, dir string) CheckResult {
	if strings.TrimSpace(dir) == "" {
		return CheckResult{Name: name, Status: StatusFail, Message: "Directory not configured"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("Cannot create %s", dir), Detail: err.Error()}
	}
	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: name, Status: StatusFail, Message: fmt.Sprintf("%s is not writable", dir), Detail: err.Error()}
	}
	_ = os.Remove(testFile)
	return CheckResult{Name: name, Status: StatusPass, Message: fmt.Sprintf("%s writable", dir)}
}
