package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/repocache"
	"github.com/basket/clawbox/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	containerWorkspace = "/workspace"
	containerCache     = "/cache"
	repoDir            = "repo"
	diagnosticLogLines = 50
)

// RepoCache supplies clone references. Failures are never fatal.
type RepoCache interface {
	Ensure(ctx context.Context, repoURL, token string) (string, error)
	Dir() string
}

type Config struct {
	Runtime      Runtime
	Cache        RepoCache
	Image        string
	// AgentEnv is set in every sandbox. Session env wins on conflicts.
	AgentEnv     map[string]string
	MemoryMB     int64
	NetworkMode  string
	SocketRoot   string
	AgentCommand []string
	LabelPrefix  string
	StopTimeout  time.Duration
	PullInterval time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

// Manager drives the sandbox lifecycle for sessions.
type Manager struct {
	runtime      Runtime
	cache        RepoCache
	memoryBytes  int64
	networkMode  string
	socketRoot   string
	agentCommand []string
	agentEnv     map[string]string
	labelPrefix  string
	stopTimeout  time.Duration
	puller       *ImagePuller
	logger       *slog.Logger
	metrics      *otel.Metrics
	tracer       trace.Tracer

	mu    sync.RWMutex
	image string
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sandbox")
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	memoryMB := cfg.MemoryMB
	if memoryMB <= 0 {
		memoryMB = 4096
	}
	agentCmd := cfg.AgentCommand
	if len(agentCmd) == 0 {
		agentCmd = []string{"clawbox-agent", "serve"}
	}
	labelPrefix := cfg.LabelPrefix
	if labelPrefix == "" {
		labelPrefix = "clawbox"
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	image := cfg.Image
	if image == "" {
		image = "ghcr.io/basket/clawbox-sandbox:latest"
	}
	return &Manager{
		runtime:      cfg.Runtime,
		cache:        cfg.Cache,
		memoryBytes:  memoryMB * 1024 * 1024,
		networkMode:  cfg.NetworkMode,
		socketRoot:   cfg.SocketRoot,
		agentCommand: agentCmd,
		agentEnv:     cfg.AgentEnv,
		labelPrefix:  labelPrefix,
		stopTimeout:  stopTimeout,
		puller:       NewImagePuller(cfg.Runtime, cfg.PullInterval, cfg.Now, logger, cfg.Metrics),
		logger:       logger,
		metrics:      cfg.Metrics,
		tracer:       tracer,
		image:        image,
	}
}

// Image returns the current sandbox image reference.
func (m *Manager) Image() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.image
}

// SetImage switches the image used for new sandboxes.
func (m *Manager) SetImage(ref string) {
	if ref == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.image != ref {
		m.logger.Info("sandbox image changed", "from", m.image, "to", ref)
		m.image = ref
	}
}

// SocketPath returns the host path of a session's agent socket.
func (m *Manager) SocketPath(sessionID string) string {
	return agentproto.SocketPath(m.socketRoot, sessionID)
}

func (m *Manager) labels(sessionID, role string) map[string]string {
	return map[string]string{
		m.labelPrefix + ".session": sessionID,
		m.labelPrefix + ".role":    role,
	}
}

// ContainerName returns the deterministic container name for a session.
func ContainerName(sessionID string) string {
	return "clawbox-" + sessionID
}

// VolumeName returns the deterministic workspace volume name for a session.
func VolumeName(sessionID string) string {
	return "clawbox-ws-" + sessionID
}

// WorkBranch returns the session-local branch the agent commits to.
func WorkBranch(sessionID string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return "clawbox/" + short
}

type ProvisionRequest struct {
	SessionID  string
	RepoURL    string
	BaseBranch string
	Token      string
}

// Workspace describes a provisioned session workspace.
type Workspace struct {
	VolumeName    string
	WorkspacePath string
	WorkBranch    string
	SocketPath    string
}

// Provision allocates the session volume, clones the repository into it
// and creates the working branch. Any failure removes the volume again.
func (m *Manager) Provision(ctx context.Context, req ProvisionRequest) (ws Workspace, err error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sandbox.provision", otel.AttrSessionID.String(req.SessionID))
	defer func() {
		m.metrics.RecordSandboxOp(ctx, "provision", err)
		otel.EndSpan(span, err)
	}()
	if req.SessionID == "" || req.RepoURL == "" {
		return Workspace{}, fmt.Errorf("provision: session id and repo url are required")
	}
	logger := m.logger.With("session_id", req.SessionID, "repo", shared.RedactURL(req.RepoURL))

	image := m.Image()
	if err := m.puller.Ensure(ctx, image); err != nil {
		return Workspace{}, fmt.Errorf("ensure image: %w", err)
	}

	volume := VolumeName(req.SessionID)
	if err := m.runtime.CreateVolume(ctx, volume, m.labels(req.SessionID, "workspace")); err != nil {
		return Workspace{}, err
	}
	defer func() {
		if err != nil {
			if rmErr := m.runtime.RemoveVolume(context.WithoutCancel(ctx), volume); rmErr != nil && !errors.Is(rmErr, ErrNotFound) {
				logger.Warn("rollback volume failed", "volume", volume, "error", rmErr)
			}
		}
	}()

	reference := ""
	if m.cache != nil {
		hostPath, cacheErr := m.cache.Ensure(ctx, req.RepoURL, req.Token)
		if cacheErr != nil {
			logger.Warn("repo cache unavailable; cloning without reference", "error", cacheErr)
		} else {
			reference = containerCache + "/" + filepath.Base(hostPath)
		}
	}

	res, err := m.runGit(ctx, req, volume, cloneArgs(req, reference))
	if err == nil && res.ExitCode != 0 && reference != "" {
		logger.Warn("clone with reference failed; retrying without", "stderr", shared.Redact(lastLine(res.Stderr)))
		res, err = m.runGit(ctx, req, volume, cloneArgs(req, ""))
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("clone: %w", err)
	}
	if res.ExitCode != 0 {
		return Workspace{}, fmt.Errorf("clone failed (exit %d): %s", res.ExitCode, shared.Redact(strings.TrimSpace(res.Stderr)))
	}

	branch := WorkBranch(req.SessionID)
	res, err = m.runGit(ctx, req, volume, []string{"-C", containerWorkspace + "/" + repoDir, "checkout", "-b", branch})
	if err != nil {
		return Workspace{}, fmt.Errorf("create work branch: %w", err)
	}
	if res.ExitCode != 0 {
		return Workspace{}, fmt.Errorf("create work branch failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	if m.socketRoot != "" {
		dir := agentproto.SocketDir(m.socketRoot, req.SessionID)
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return Workspace{}, fmt.Errorf("create socket dir: %w", err)
		}
		_ = os.Chmod(dir, 0o777)
	}

	logger.Info("workspace provisioned", "volume", volume, "branch", branch)
	return Workspace{
		VolumeName:    volume,
		WorkspacePath: repoDir,
		WorkBranch:    branch,
		SocketPath:    m.SocketPath(req.SessionID),
	}, nil
}

func cloneArgs(req ProvisionRequest, reference string) []string {
	args := []string{"clone"}
	if reference != "" {
		args = append(args, "--reference-if-able", reference)
	}
	if req.BaseBranch != "" {
		args = append(args, "--branch", req.BaseBranch, "--single-branch")
	}
	return append(args, req.RepoURL, containerWorkspace+"/"+repoDir)
}

func (m *Manager) runGit(ctx context.Context, req ProvisionRequest, volume string, args []string) (RunResult, error) {
	mounts := []Mount{{Type: MountVolume, Source: volume, Target: containerWorkspace}}
	if m.cache != nil && m.cache.Dir() != "" {
		mounts = append(mounts, Mount{Type: MountBind, Source: m.cache.Dir(), Target: containerCache, ReadOnly: true})
	}
	// The cache mount is owned by a different uid than the container user.
	cmd := append([]string{"git", "-c", "safe.directory=*"}, args...)
	return m.runtime.Run(ctx, ContainerSpec{
		Image:       m.Image(),
		Cmd:         cmd,
		Env:         repocache.AuthEnvMap(req.Token),
		Labels:      m.labels(req.SessionID, "helper"),
		WorkingDir:  containerWorkspace,
		Mounts:      mounts,
		MemoryBytes: m.memoryBytes,
	})
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

type StartRequest struct {
	SessionID  string
	SandboxID  string
	VolumeName string
	Env        map[string]string
}

// Start returns a running sandbox for the session. An already running
// container is returned unchanged; a stopped one is restarted; a missing
// one is created.
func (m *Manager) Start(ctx context.Context, req StartRequest) (id string, err error) {
	ctx, span := otel.StartSpan(ctx, m.tracer, "sandbox.start", otel.AttrSessionID.String(req.SessionID))
	defer func() {
		m.metrics.RecordSandboxOp(ctx, "start", err)
		otel.EndSpan(span, err)
	}()
	logger := m.logger.With("session_id", req.SessionID)

	for _, candidate := range []string{req.SandboxID, ContainerName(req.SessionID)} {
		if candidate == "" {
			continue
		}
		st, err := m.runtime.Inspect(ctx, candidate)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return "", err
		}
		if st.State == StateRunning {
			return st.ID, nil
		}
		if err := m.runtime.Start(ctx, st.ID); err != nil {
			return "", err
		}
		logger.Info("sandbox restarted", "sandbox_id", st.ID)
		return st.ID, nil
	}

	image := m.Image()
	if err := m.puller.Ensure(ctx, image); err != nil {
		return "", fmt.Errorf("ensure image: %w", err)
	}
	volume := req.VolumeName
	if volume == "" {
		volume = VolumeName(req.SessionID)
	}

	env := make(map[string]string, len(m.agentEnv)+len(req.Env)+3)
	for k, v := range m.agentEnv {
		env[k] = v
	}
	for k, v := range req.Env {
		env[k] = v
	}
	env["CLAWBOX_SESSION_ID"] = req.SessionID
	env["CLAWBOX_IMAGE"] = image
	env["CLAWBOX_SOCKET"] = agentproto.ContainerSocketPath()

	mounts := []Mount{{Type: MountVolume, Source: volume, Target: containerWorkspace}}
	if m.socketRoot != "" {
		mounts = append(mounts, Mount{Type: MountBind, Source: agentproto.SocketDir(m.socketRoot, req.SessionID), Target: agentproto.ContainerSocketDir})
	}
	if m.cache != nil && m.cache.Dir() != "" {
		mounts = append(mounts, Mount{Type: MountBind, Source: m.cache.Dir(), Target: containerCache, ReadOnly: true})
	}

	cmd := append(append([]string(nil), m.agentCommand...),
		"--socket", agentproto.ContainerSocketPath(),
		"--db", "/tmp/clawbox-agent.db",
		"--cwd", containerWorkspace+"/"+repoDir,
	)
	id, err = m.runtime.Create(ctx, ContainerSpec{
		Name:        ContainerName(req.SessionID),
		Image:       image,
		Cmd:         cmd,
		Env:         env,
		Labels:      m.labels(req.SessionID, "sandbox"),
		WorkingDir:  containerWorkspace + "/" + repoDir,
		Mounts:      mounts,
		Tmpfs:       map[string]string{"/tmp": "rw,exec,nosuid,size=1g"},
		MemoryBytes: m.memoryBytes,
		NetworkMode: m.networkMode,
	})
	if err != nil {
		return "", err
	}
	if err := m.runtime.Start(ctx, id); err != nil {
		if rmErr := m.runtime.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			logger.Warn("remove unstartable container failed", "sandbox_id", id, "error", rmErr)
		}
		return "", err
	}
	logger.Info("sandbox started", "sandbox_id", id, "image", image)
	return id, nil
}

// Stop stops a sandbox. A missing or already stopped sandbox is success.
func (m *Manager) Stop(ctx context.Context, sandboxID string) (err error) {
	if sandboxID == "" {
		return nil
	}
	defer func() { m.metrics.RecordSandboxOp(ctx, "stop", err) }()
	ctx, cancel := context.WithTimeout(ctx, m.stopTimeout+10*time.Second)
	defer cancel()
	if err := m.runtime.Stop(ctx, sandboxID, m.stopTimeout); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// Destroy removes a sandbox container, its workspace volume and its socket
// directory. Missing pieces are ignored.
func (m *Manager) Destroy(ctx context.Context, sessionID, sandboxID, volumeName string) (err error) {
	defer func() { m.metrics.RecordSandboxOp(ctx, "destroy", err) }()
	ctx, cancel := context.WithTimeout(ctx, m.stopTimeout+30*time.Second)
	defer cancel()

	var errs []error
	for _, candidate := range []string{sandboxID, ContainerName(sessionID)} {
		if candidate == "" {
			continue
		}
		if err := m.runtime.Remove(ctx, candidate); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if volumeName == "" && sessionID != "" {
		volumeName = VolumeName(sessionID)
	}
	if volumeName != "" {
		if err := m.runtime.RemoveVolume(ctx, volumeName); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if m.socketRoot != "" && sessionID != "" {
		if err := os.RemoveAll(agentproto.SocketDir(m.socketRoot, sessionID)); err != nil {
			errs = append(errs, fmt.Errorf("remove socket dir: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health reports the sandbox state. A missing container is reported as
// StateNotFound, not as an error.
func (m *Manager) Health(ctx context.Context, sandboxID string) (ContainerState, error) {
	if sandboxID == "" {
		return ContainerState{State: StateNotFound}, nil
	}
	st, err := m.runtime.Inspect(ctx, sandboxID)
	if errors.Is(err, ErrNotFound) {
		return ContainerState{ID: sandboxID, State: StateNotFound}, nil
	}
	if err != nil {
		return ContainerState{}, err
	}
	return st, nil
}

// Diagnose gathers the exit explanation and a log tail for a sandbox that
// is not running.
func (m *Manager) Diagnose(ctx context.Context, sandboxID string) (Diagnosis, error) {
	st, err := m.Health(ctx, sandboxID)
	if err != nil {
		return Diagnosis{}, err
	}
	d := Diagnosis{State: st}
	if st.State == StateNotFound {
		return d, nil
	}
	d.Explanation = ExplainExit(st.ExitCode, st.OOMKilled)
	logs, err := m.runtime.Logs(ctx, sandboxID, diagnosticLogLines)
	if err != nil {
		m.logger.Warn("capture sandbox logs failed", "sandbox_id", sandboxID, "error", err)
	} else {
		d.Logs = tailLines(logs, diagnosticLogLines)
	}
	return d, nil
}

func tailLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Ping checks that the container runtime is reachable.
func (m *Manager) Ping(ctx context.Context) error {
	return m.runtime.Ping(ctx)
}
