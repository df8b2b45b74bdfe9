// Package repocache maintains bare mirrors of remote repositories that
// sandboxes use as a clone reference. Refreshes of the same repository are
// serialized; different repositories refresh concurrently.
package repocache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/clawbox/internal/shared"
)

// Runner executes git. dir may be empty for commands that do not target
// an existing repository.
type Runner interface {
	Run(ctx context.Context, dir string, env []string, args ...string) (string, error)
}

// ExecRunner runs the git binary on the host.
type ExecRunner struct {
	Binary string
}

func (r ExecRunner) Run(ctx context.Context, dir string, env []string, args ...string) (string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	fullArgs := args
	if dir != "" {
		fullArgs = append([]string{"-C", dir}, args...)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, fullArgs...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Env = append(cmd.Env, "GIT_TERMINAL_PROMPT=0")
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w (stderr: %s)",
			shared.Redact(strings.Join(args, " ")), err, shared.Redact(strings.TrimSpace(stderr.String())))
	}
	return stdout.String(), nil
}

type Config struct {
	Dir    string
	Runner Runner
	Logger *slog.Logger
}

type Cache struct {
	dir    string
	runner Runner
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(cfg Config) *Cache {
	runner := cfg.Runner
	if runner == nil {
		runner = ExecRunner{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		dir:    cfg.Dir,
		runner: runner,
		logger: logger.With("component", "repocache"),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Dir returns the cache root.
func (c *Cache) Dir() string {
	return c.dir
}

// Key returns the cache entry name for a repository URL.
func Key(repoURL string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(repoURL)))
	return hex.EncodeToString(sum[:])[:16] + ".git"
}

// PathFor returns the host path of the mirror for repoURL, whether or not
// it exists yet.
func (c *Cache) PathFor(repoURL string) string {
	return filepath.Join(c.dir, Key(repoURL))
}

func (c *Cache) lockFor(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[key]
	if !ok {
		l = &sync.Mutex{}
		c.locks[key] = l
	}
	return l
}

// Ensure creates or refreshes the mirror for repoURL and returns its path.
// Concurrent callers for the same repository wait for a single refresh.
func (c *Cache) Ensure(ctx context.Context, repoURL, token string) (string, error) {
	if c.dir == "" {
		return "", fmt.Errorf("repo cache disabled")
	}
	key := Key(repoURL)
	lock := c.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return "", fmt.Errorf("create cache dir: %w", err)
	}
	path := filepath.Join(c.dir, key)
	env := AuthEnv(token)

	if _, err := os.Stat(filepath.Join(path, "HEAD")); err == nil {
		if _, err := c.runner.Run(ctx, path, env, "fetch", "--prune", "--quiet", "origin"); err != nil {
			return "", fmt.Errorf("refresh mirror: %w", err)
		}
		c.logger.Debug("mirror refreshed", "repo", shared.RedactURL(repoURL), "path", path)
		return path, nil
	}

	tmp := path + ".tmp"
	_ = os.RemoveAll(tmp)
	if _, err := c.runner.Run(ctx, "", env, "clone", "--mirror", "--quiet", repoURL, tmp); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("create mirror: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.RemoveAll(tmp)
		return "", fmt.Errorf("install mirror: %w", err)
	}
	c.logger.Info("mirror created", "repo", shared.RedactURL(repoURL), "path", path)
	return path, nil
}

// AuthEnv returns environment entries that make git send token as HTTP
// basic credentials without writing it to a config file or the remote URL.
func AuthEnv(token string) []string {
	if token == "" {
		return nil
	}
	creds := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
	return []string{
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=http.extraHeader",
		"GIT_CONFIG_VALUE_0=" + "Authorization: Basic " + creds,
	}
}

// AuthEnvMap is AuthEnv in the map form container specs use.
func AuthEnvMap(token string) map[string]string {
	out := make(map[string]string)
	for _, kv := range AuthEnv(token) {
		k, v, _ := strings.Cut(kv, "=")
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
