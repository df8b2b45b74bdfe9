package agentserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// RunRequest is one invocation of the underlying agent.
type RunRequest struct {
	Prompt          string
	Cwd             string
	ResumeSessionID string
	SystemPrompt    string
	MCPServers      map[string]json.RawMessage
	Env             map[string]string
}

// Runner drives the coding agent. Run calls onLine for every line the agent
// writes to stdout and returns when the agent exits. Cancelling ctx asks
// the agent to stop.
type Runner interface {
	Run(ctx context.Context, req RunRequest, onLine func([]byte)) error
}

// ClaudeRunner runs the claude CLI in print mode with stream-json output.
type ClaudeRunner struct {
	Binary string
	// ScratchDir holds per-run files such as the MCP config.
	ScratchDir string
	// StopGrace is how long the agent gets to exit after SIGINT.
	StopGrace time.Duration
	Logger    *slog.Logger
}

const maxLineSize = 16 << 20

// Args returns the command line for req, excluding the binary.
func (r *ClaudeRunner) Args(req RunRequest, mcpConfigPath string) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if mcpConfigPath != "" {
		args = append(args, "--mcp-config", mcpConfigPath)
	}
	if req.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.SystemPrompt)
	}
	return append(args, req.Prompt)
}

func (r *ClaudeRunner) Run(ctx context.Context, req RunRequest, onLine func([]byte)) error {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	binary := r.Binary
	if binary == "" {
		binary = "claude"
	}
	grace := r.StopGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}

	mcpPath, cleanup, err := r.writeMCPConfig(req.MCPServers)
	if err != nil {
		return err
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, binary, r.Args(req, mcpPath)...)
	cmd.Dir = req.Cwd
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// SIGINT lets the agent finish writing its current message.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = grace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	logger.Info("agent started", "pid", cmd.Process.Pid, "resume", req.ResumeSessionID != "")

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		onLine(append([]byte(nil), line...))
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if scanErr != nil {
		return fmt.Errorf("read agent output: %w", scanErr)
	}
	if waitErr != nil {
		return fmt.Errorf("agent exited: %w", waitErr)
	}
	return nil
}

func (r *ClaudeRunner) writeMCPConfig(servers map[string]json.RawMessage) (string, func(), error) {
	if len(servers) == 0 {
		return "", func() {}, nil
	}
	dir := r.ScratchDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("create scratch dir: %w", err)
	}
	data, err := json.Marshal(map[string]any{"mcpServers": servers})
	if err != nil {
		return "", nil, fmt.Errorf("marshal mcp config: %w", err)
	}
	f, err := os.CreateTemp(dir, "mcp-*.json")
	if err != nil {
		return "", nil, fmt.Errorf("create mcp config: %w", err)
	}
	path := f.Name()
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("write mcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", nil, fmt.Errorf("close mcp config: %w", err)
	}
	return filepath.Clean(path), func() { _ = os.Remove(path) }, nil
}
