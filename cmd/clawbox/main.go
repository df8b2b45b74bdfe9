package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawbox/internal/agentclient"
	"github.com/basket/clawbox/internal/audit"
	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/config"
	"github.com/basket/clawbox/internal/cron"
	"github.com/basket/clawbox/internal/gateway"
	otelPkg "github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/repocache"
	"github.com/basket/clawbox/internal/sandbox"
	"github.com/basket/clawbox/internal/session"
	"github.com/basket/clawbox/internal/settings"
	"github.com/basket/clawbox/internal/telemetry"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the control daemon
  %s daemon                   Same as above

SUBCOMMANDS:
  %s sessions [-limit N]      List recorded sessions
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
                              Flags: -json for JSON output

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWBOX_HOME            Data directory (default: ~/.clawbox)
  CLAWBOX_LOG_STDOUT      Set to 1 to mirror logs to a terminal stdout
  CLAWBOX_AUTH_TOKEN      Bearer token for the HTTP API

EXAMPLES:
  Run the daemon:         %s
  Check daemon health:    %s status
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "sessions":
			os.Exit(runSessionsCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx)
}

func runDaemon(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit before the logger so a logger failure is still recorded.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	// JSON logs on an interactive terminal are noise; they still go to the
	// log file.
	quietLogs := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("CLAWBOX_LOG_STDOUT") == ""
	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, "system", cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_hash", cfg.Fingerprint(), "missing", cfg.Missing)
	if quietLogs {
		fmt.Printf("clawbox %s listening on %s (logs: %s)\n", Version, cfg.BindAddr, filepath.Join(cfg.HomeDir, "logs", "system.jsonl"))
	}
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelPkg.Init(ctx, cfg.OTel, otelPkg.Identity{Role: otelPkg.RoleDaemon, Image: cfg.Sandbox.Image})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.WithoutCancel(ctx))
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	runtime, err := sandbox.NewDockerRuntime()
	if err != nil {
		fatalStartup(logger, "E_DOCKER_CLIENT", err)
	}
	defer runtime.Close()

	manager := sandbox.NewManager(sandbox.Config{
		Runtime: runtime,
		Cache: repocache.New(repocache.Config{
			Dir:    cfg.Sandbox.CacheDir,
			Logger: logger,
		}),
		Image:        cfg.Sandbox.Image,
		AgentEnv:     otelPkg.SandboxEnv(cfg.OTel),
		MemoryMB:     cfg.Sandbox.MemoryMB,
		NetworkMode:  cfg.Sandbox.Network,
		SocketRoot:   cfg.Sandbox.SocketRoot,
		LabelPrefix:  cfg.Sandbox.LabelPrefix,
		StopTimeout:  cfg.Sandbox.StopTimeout(),
		PullInterval: cfg.Sandbox.PullInterval(),
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
	})
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	if err := manager.Ping(pingCtx); err != nil {
		// Sessions fail individually until the daemon comes back.
		logger.Warn("docker daemon unreachable at startup", "error", err)
	}
	cancelPing()

	agentSettings, err := settings.NewStatic(cfg.SettingsSource())
	if err != nil {
		fatalStartup(logger, "E_AGENT_SETTINGS", err)
	}

	svc := session.New(session.Config{
		Store:     store,
		Bus:       bus.New(),
		Sandboxes: manager,
		Settings:  agentSettings,
		Dial: session.SocketDialer(agentclient.Config{
			Logger: logger,
			OnMalformedFrame: func(error) {
				metrics.RecordMalformedFrame(context.Background())
			},
		}),
		HealthAttempts: cfg.Agent.HealthAttempts,
		HealthDelay:    cfg.Agent.HealthDelay(),
		QueryTimeout:   cfg.Agent.QueryTimeout(),
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
		Logger:         logger,
		Metrics:        metrics,
		Tracer:         otelProvider.Tracer,
	})
	defer svc.Close()
	audit.Follow(ctx, svc.Bus())

	results, err := svc.Reconcile(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECONCILE", err)
	}
	logReconcile(logger, results)
	logger.Info("startup phase", "phase", "reconcile_completed", "sessions", len(results))

	sched, err := cron.NewScheduler(cron.Config{
		Logger: logger,
		Jobs: []cron.Job{{
			Name: "health_sweep",
			Spec: cfg.HealthSweep,
			Run:  svc.Sweep,
		}},
	})
	if err != nil {
		fatalStartup(logger, "E_CRON_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		current := cfg
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.LoadFrom(cfg.HomeDir)
			if err != nil {
				logger.Error("config.yaml reload failed; retaining previous config", "error", err)
				continue
			}
			if err := agentSettings.Update(newCfg.SettingsSource()); err != nil {
				logger.Error("agent settings reload rejected; retaining previous settings", "error", err)
				continue
			}
			manager.SetImage(newCfg.Sandbox.Image)
			levelVar.Set(telemetry.ParseLevel(newCfg.LogLevel))
			if newCfg.BindAddr != current.BindAddr || newCfg.DBPath != current.DBPath || newCfg.HealthSweep != current.HealthSweep {
				logger.Warn("config change requires restart", "bind_addr", newCfg.BindAddr, "db_path", newCfg.DBPath, "health_sweep", newCfg.HealthSweep)
			}
			logger.Info("config.yaml hot-reloaded", "config_hash", newCfg.Fingerprint(), "image", newCfg.Sandbox.Image, "log_level", newCfg.LogLevel)
			current = newCfg
		}
	}()

	authToken, err := loadAuthToken(cfg)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	gw := gateway.New(gateway.Config{
		Sessions:          svc,
		AuthToken:         authToken,
		AllowOrigins:      cfg.AllowOrigins,
		ConfigFingerprint: cfg.Fingerprint(),
		Ready: func(ctx context.Context) map[string]error {
			return map[string]error{
				"database": store.Ping(ctx),
				"docker":   manager.Ping(ctx),
			}
		},
		Logger:  logger,
		Metrics: metrics,
		Tracer:  otelProvider.Tracer,
	})

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first; running queries keep persisting inside their
	// sandboxes and are picked up by the next reconcile.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout())
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("gateway shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
}

func logReconcile(logger *slog.Logger, results []session.ReconcileResult) {
	for _, res := range results {
		attrs := []any{"session_id", res.SessionID, "outcome", res.Outcome}
		if res.Replayed > 0 {
			attrs = append(attrs, "replayed", res.Replayed)
		}
		if res.Following {
			attrs = append(attrs, "following", true)
		}
		if res.Err != nil {
			logger.Warn("session reconcile failed", append(attrs, "error", res.Err)...)
			continue
		}
		logger.Info("session reconciled", attrs...)
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("daemon.startup", reasonCode, "failed", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

// loadAuthToken prefers the configured token, then <home>/auth.token, and
// generates and persists a fresh token on first run.
func loadAuthToken(cfg config.Config) (string, error) {
	if tok := strings.TrimSpace(cfg.AuthToken); tok != "" {
		return tok, nil
	}
	tokenPath := filepath.Join(cfg.HomeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: clawbox daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clawbox daemon [--help]")
	fmt.Fprintln(w, "       clawbox")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the clawbox control daemon: reconciles sessions, then serves the HTTP API.")
}
