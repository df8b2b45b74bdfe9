// Command clawbox-agent is the entrypoint of every sandbox container. It
// serves the agent protocol on a unix socket and drives the coding agent
// inside the session's workspace.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/agentserver"
	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/telemetry"
)

type serveOptions struct {
	socket    string
	db        string
	cwd       string
	claude    string
	logLevel  string
	keepAlive time.Duration
	stopGrace time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stderr))
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		printUsage(stderr)
		if len(args) == 0 {
			return 2
		}
		return 0
	}
	switch args[0] {
	case "serve":
		opts, err := parseServeArgs(args[1:], stderr)
		if err != nil {
			return 2
		}
		return serve(ctx, opts, stderr)
	default:
		fmt.Fprintf(stderr, "unknown subcommand %q\n", args[0])
		printUsage(stderr)
		return 2
	}
}

func parseServeArgs(args []string, stderr io.Writer) (serveOptions, error) {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	opts := serveOptions{}
	fs.StringVar(&opts.socket, "socket", envOr("CLAWBOX_SOCKET", agentproto.ContainerSocketPath()), "unix socket to listen on")
	fs.StringVar(&opts.db, "db", "/tmp/clawbox-agent.db", "path of the agent message log")
	fs.StringVar(&opts.cwd, "cwd", "", "default working directory for queries")
	fs.StringVar(&opts.claude, "claude", "claude", "coding agent binary")
	fs.StringVar(&opts.logLevel, "log-level", envOr("CLAWBOX_AGENT_LOG_LEVEL", "info"), "debug, info, warn or error")
	fs.DurationVar(&opts.keepAlive, "keepalive", 15*time.Second, "interval between keepalive frames on idle streams")
	fs.DurationVar(&opts.stopGrace, "stop-grace", 5*time.Second, "how long the agent gets to exit after an interrupt")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() != 0 {
		err := fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
		fmt.Fprintln(stderr, err)
		return opts, err
	}
	if opts.socket == "" {
		err := fmt.Errorf("--socket is required")
		fmt.Fprintln(stderr, err)
		return opts, err
	}
	return opts, nil
}

func serve(ctx context.Context, opts serveOptions, stderr io.Writer) int {
	logger := slog.New(telemetry.NewHandler(stderr, telemetry.ParseLevel(opts.logLevel))).
		With("session_id", os.Getenv("CLAWBOX_SESSION_ID"))
	slog.SetDefault(logger)

	// Telemetry is optional here; a bad collector setting must not keep
	// the sandbox from serving.
	provider, err := otel.Init(ctx, otel.ConfigFromEnv(os.Getenv), agentIdentity(os.Getenv))
	if err != nil {
		logger.Warn("telemetry disabled", "error", err)
		provider, _ = otel.Init(ctx, otel.Config{}, otel.Identity{})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	log, err := agentserver.OpenLog(opts.db)
	if err != nil {
		logger.Error("open agent log failed", "db", opts.db, "error", err)
		return 1
	}
	defer log.Close()

	srv := agentserver.New(agentserver.Config{
		Log: log,
		Runner: &agentserver.ClaudeRunner{
			Binary:     opts.claude,
			ScratchDir: os.TempDir(),
			StopGrace:  opts.stopGrace,
			Logger:     logger,
		},
		Logger:     logger,
		DefaultCwd: opts.cwd,
		KeepAlive:  opts.keepAlive,
		Tracer:     provider.Tracer,
	})
	if err := srv.Serve(ctx, opts.socket); err != nil {
		logger.Error("agent server failed", "socket", opts.socket, "error", err)
		return 1
	}
	logger.Info("agent server stopped")
	return 0
}

func agentIdentity(getenv func(string) string) otel.Identity {
	return otel.Identity{
		Role:      otel.RoleAgent,
		Image:     getenv("CLAWBOX_IMAGE"),
		SessionID: getenv("CLAWBOX_SESSION_ID"),
	}
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: clawbox-agent serve [--socket PATH] [--db PATH] [--cwd DIR] [--claude BIN]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Serves the agent protocol on a unix socket inside a sandbox container.")
}
