// Package agentserver is the process that runs inside each sandbox. It
// accepts one query at a time over a unix socket, drives the coding agent,
// records everything the agent emits in its own durable log, and streams
// events back to the control process.
package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/otel"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const topicQueryEvent = "query.event"

type Config struct {
	Log    *Log
	Runner Runner
	Logger *slog.Logger
	// DefaultCwd is used when a query does not name a working directory.
	DefaultCwd string
	// KeepAlive is the interval between comment frames on an idle stream.
	KeepAlive time.Duration
	// Tracer continues the control process's query trace.
	Tracer trace.Tracer
}

type Server struct {
	log        *Log
	runner     Runner
	logger     *slog.Logger
	defaultCwd string
	keepAlive  time.Duration
	events     *bus.Bus
	tracer     trace.Tracer

	mu             sync.Mutex
	running        bool
	cancel         context.CancelFunc
	commands       []string
	agentSessionID string
	done           chan struct{}
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keepAlive := cfg.KeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{
		log:        cfg.Log,
		runner:     cfg.Runner,
		logger:     logger.With("component", "agentserver"),
		defaultCwd: cfg.DefaultCwd,
		keepAlive:  keepAlive,
		events:     bus.New(),
		tracer:     tracer,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+agentproto.PathHealth, s.handleHealth)
	mux.HandleFunc("GET "+agentproto.PathStatus, s.handleStatus)
	mux.HandleFunc("POST "+agentproto.PathInterrupt, s.handleInterrupt)
	mux.HandleFunc("GET "+agentproto.PathMessages, s.handleMessages)
	mux.HandleFunc("POST "+agentproto.PathQuery, s.handleQuery)
	return mux
}

// Serve listens on socketPath until ctx is cancelled. A stale socket file
// from a previous process is replaced.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	// The control process runs as a different user on the host.
	if err := os.Chmod(socketPath, 0o666); err != nil {
		_ = ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("agent server listening", "socket", socketPath)

	select {
	case <-ctx.Done():
		s.interrupt()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		s.wait(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Status reports the server's current state.
func (s *Server) Status(ctx context.Context) (agentproto.Status, error) {
	last, err := s.log.LastSequence(ctx)
	if err != nil {
		return agentproto.Status{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return agentproto.Status{
		Running:           s.running,
		LogID:             s.log.ID(),
		LastSequence:      last,
		AvailableCommands: append([]string(nil), s.commands...),
		AgentSessionID:    s.agentSessionID,
	}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, agentproto.Health{OK: true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, agentproto.InterruptResult{Interrupted: s.interrupt()})
}

func (s *Server) interrupt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.cancel == nil {
		return false
	}
	s.cancel()
	return true
}

func (s *Server) wait(ctx context.Context) {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}
	msgs, err := s.log.After(r.Context(), after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, agentproto.MessagesResponse{Messages: msgs})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req agentproto.QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid query body")
		return
	}
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	queryID := uuid.NewString()
	// Subscribe before the query starts so no event is missed. The query
	// itself is not tied to this request and survives a disconnect.
	sub := s.events.Subscribe(r.Context(), queryID, topicQueryEvent)
	defer s.events.Unsubscribe(sub)

	if !s.begin(otel.ExtractHeaders(r.Context(), r.Header), req, queryID) {
		writeError(w, http.StatusConflict, "a query is already running")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	enc := agentproto.NewEncoder(w)

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("query stream detached", "query_id", queryID)
			return
		case <-ticker.C:
			if err := enc.Comment("keepalive"); err != nil {
				return
			}
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			payload, ok := ev.Payload.(agentproto.Event)
			if !ok {
				continue
			}
			if err := enc.Encode(payload); err != nil {
				s.logger.Debug("query stream write failed", "query_id", queryID, "error", err)
				return
			}
			if payload.Terminal() {
				return
			}
		}
	}
}

// begin marks a query as running and starts it. The run keeps parent's
// trace but not its cancellation. It returns false when a query is already
// in flight.
func (s *Server) begin(parent context.Context, req agentproto.QueryRequest, queryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	resumeID := ""
	if req.Resume {
		resumeID = s.agentSessionID
	}
	go s.run(ctx, queryID, req, resumeID, s.done)
	return true
}

func (s *Server) finish(queryID string, done chan struct{}, terminal agentproto.Event) {
	s.mu.Lock()
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = nil
	s.mu.Unlock()
	close(done)
	s.events.Publish(queryID, topicQueryEvent, terminal)
}

func (s *Server) run(ctx context.Context, queryID string, req agentproto.QueryRequest, resumeID string, done chan struct{}) {
	logger := s.logger.With("query_id", queryID)
	started := time.Now()
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "agent.run", otel.AttrResume.Bool(resumeID != ""))
	var spanErr error
	defer func() { otel.EndSpan(span, spanErr) }()

	if err := s.recordPrompt(ctx, queryID, req); err != nil {
		spanErr = err
		logger.Error("record prompt failed", "error", err)
		s.finish(queryID, done, agentproto.Event{Kind: agentproto.EventError, Error: err.Error()})
		return
	}

	cwd := req.Cwd
	if cwd == "" {
		cwd = s.defaultCwd
	}
	err := s.runner.Run(ctx, RunRequest{
		Prompt:          req.Prompt,
		Cwd:             cwd,
		ResumeSessionID: resumeID,
		SystemPrompt:    req.SystemPrompt,
		MCPServers:      req.MCPServers,
		Env:             req.Env,
	}, func(line []byte) {
		s.handleLine(queryID, line)
	})

	switch {
	case ctx.Err() != nil:
		span.SetAttributes(otel.AttrResult.String("interrupted"))
		logger.Info("query interrupted", "duration", time.Since(started))
		s.finish(queryID, done, agentproto.Event{Kind: agentproto.EventDone})
	case err != nil:
		spanErr = err
		logger.Warn("query failed", "error", err, "duration", time.Since(started))
		s.finish(queryID, done, agentproto.Event{Kind: agentproto.EventError, Error: err.Error()})
	default:
		logger.Info("query finished", "duration", time.Since(started))
		s.finish(queryID, done, agentproto.Event{Kind: agentproto.EventDone})
	}
}

func (s *Server) recordPrompt(ctx context.Context, queryID string, req agentproto.QueryRequest) error {
	payload, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": req.Prompt,
		},
	})
	if err != nil {
		return err
	}
	msg, created, err := s.log.Append(ctx, req.PromptUUID, "user", payload)
	if err != nil {
		return err
	}
	if created {
		s.events.Publish(queryID, topicQueryEvent, agentproto.Event{Kind: agentproto.EventMessage, Message: &msg})
	}
	return nil
}

type agentLine struct {
	Type          string   `json:"type"`
	Subtype       string   `json:"subtype"`
	UUID          string   `json:"uuid"`
	SessionID     string   `json:"session_id"`
	SlashCommands []string `json:"slash_commands"`
}

func (s *Server) handleLine(queryID string, line []byte) {
	var envelope agentLine
	if err := json.Unmarshal(line, &envelope); err != nil || envelope.Type == "" {
		s.logger.Warn("skipping unparseable agent output", "query_id", queryID, "bytes", len(line))
		return
	}

	if envelope.Type == "stream_event" {
		s.events.Publish(queryID, topicQueryEvent, agentproto.Event{Kind: agentproto.EventPartial, Partial: json.RawMessage(line)})
		return
	}

	if envelope.Type == "system" && envelope.Subtype == "init" {
		s.mu.Lock()
		if envelope.SessionID != "" {
			s.agentSessionID = envelope.SessionID
		}
		if envelope.SlashCommands != nil {
			s.commands = append([]string(nil), envelope.SlashCommands...)
		}
		commands := append([]string(nil), s.commands...)
		s.mu.Unlock()
		s.events.Publish(queryID, topicQueryEvent, agentproto.Event{Kind: agentproto.EventCommands, Commands: commands})
	}

	// Persisting uses a background context so an interrupt never drops
	// the agent's final messages.
	msg, created, err := s.log.Append(context.Background(), envelope.UUID, envelope.Type, json.RawMessage(line))
	if err != nil {
		s.logger.Error("persist agent message failed", "query_id", queryID, "type", envelope.Type, "error", err)
		return
	}
	if created {
		s.events.Publish(queryID, topicQueryEvent, agentproto.Event{Kind: agentproto.EventMessage, Message: &msg})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, agentproto.ErrorResponse{Error: msg})
}
