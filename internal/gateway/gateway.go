package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/session"
	"github.com/basket/clawbox/internal/shared"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	maxRequestBytes = 1 << 20
	traceHeader     = "X-Trace-Id"
)

// Sessions is the orchestration surface the gateway adapts to HTTP.
type Sessions interface {
	CreateAndLaunch(ctx context.Context, req session.CreateRequest) (persistence.Session, error)
	Get(ctx context.Context, sessionID string) (persistence.Session, error)
	List(ctx context.Context, limit int) ([]persistence.Session, error)
	Start(ctx context.Context, sessionID string) (persistence.Session, error)
	Stop(ctx context.Context, sessionID string) (persistence.Session, error)
	Archive(ctx context.Context, sessionID string) (persistence.Session, error)
	Delete(ctx context.Context, sessionID string) error
	SendPrompt(ctx context.Context, sessionID, prompt string) (persistence.Message, error)
	Interrupt(ctx context.Context, sessionID string) (bool, error)
	History(ctx context.Context, sessionID string, before, after int64, limit int) (persistence.Page, error)
	Subscribe(ctx context.Context, sessionID string) *bus.Subscription
	Running(sessionID string) bool
}

type Config struct {
	Sessions Sessions

	// AuthToken enables bearer authentication on every route except
	// /healthz. Empty disables auth.
	AuthToken string

	// AllowOrigins lists browser origins accepted for CORS and websocket
	// upgrades. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	// Ready reports dependency health for /healthz. Nil means healthy.
	Ready func(ctx context.Context) map[string]error

	// KeepAlive is the interval between SSE comment frames. Zero means 15s.
	KeepAlive time.Duration

	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 15 * time.Second
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	return &Server{cfg: cfg, logger: cfg.Logger.With("component", "gateway")}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /healthz", s.handleHealthz)
	s.route(mux, "GET /ws", s.handleWS)

	s.route(mux, "POST /api/sessions", s.handleCreateSession)
	s.route(mux, "GET /api/sessions", s.handleListSessions)
	s.route(mux, "GET /api/sessions/{id}", s.handleGetSession)
	s.route(mux, "DELETE /api/sessions/{id}", s.handleDeleteSession)
	s.route(mux, "POST /api/sessions/{id}/start", s.handleLifecycle(s.cfg.Sessions.Start))
	s.route(mux, "POST /api/sessions/{id}/stop", s.handleLifecycle(s.cfg.Sessions.Stop))
	s.route(mux, "POST /api/sessions/{id}/archive", s.handleLifecycle(s.cfg.Sessions.Archive))
	s.route(mux, "POST /api/sessions/{id}/prompt", s.handlePrompt)
	s.route(mux, "POST /api/sessions/{id}/interrupt", s.handleInterrupt)
	s.route(mux, "GET /api/sessions/{id}/messages", s.handleMessages)
	s.route(mux, "GET /api/sessions/{id}/events", s.handleEvents)

	var h http.Handler = mux
	h = NewAuthMiddleware(s.cfg.AuthToken).Wrap(h)
	h = NewCORSMiddleware(s.cfg.AllowOrigins)(h)
	h = RequestSizeLimitMiddleware(maxRequestBytes)(h)
	return h
}

// route registers a handler under a server span and records its latency
// under the pattern. Callers may supply X-Trace-Id; it is echoed back.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := strings.TrimSpace(r.Header.Get(traceHeader))
		if traceID == "" {
			traceID = shared.NewTraceID()
		}
		ctx := shared.WithTraceID(r.Context(), traceID)
		if id := r.PathValue("id"); id != "" {
			ctx = shared.WithSessionID(ctx, id)
		}
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, pattern)
		w.Header().Set(traceHeader, traceID)
		h(w, r.WithContext(ctx))
		span.End()
		s.cfg.Metrics.RecordRequest(ctx, pattern, time.Since(start))
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	healthy := true
	checks := map[string]string{}
	if s.cfg.Ready != nil {
		for name, err := range s.cfg.Ready(r.Context()) {
			if err != nil {
				healthy = false
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"healthy":     healthy,
		"checks":      checks,
		"config_hash": s.cfg.ConfigFingerprint,
	})
}

type createSessionRequest struct {
	RepoURL       string `json:"repo_url"`
	BaseBranch    string `json:"base_branch"`
	InitialPrompt string `json:"initial_prompt"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		writeError(w, http.StatusBadRequest, "repo_url is required")
		return
	}
	sess, err := s.cfg.Sessions.CreateAndLaunch(r.Context(), session.CreateRequest{
		RepoURL:       req.RepoURL,
		BaseBranch:    req.BaseBranch,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	sessions, err := s.cfg.Sessions.List(r.Context(), int(limit))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []persistence.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type sessionView struct {
	persistence.Session
	QueryRunning bool `json:"query_running"`
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.cfg.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionView{Session: sess, QueryRunning: s.cfg.Sessions.Running(id)})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Sessions.Delete(r.Context(), r.PathValue("id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLifecycle(op func(context.Context, string) (persistence.Session, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := op(r.Context(), r.PathValue("id"))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	}
}

type promptRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}
	msg, err := s.cfg.Sessions.SendPrompt(r.Context(), r.PathValue("id"), req.Prompt)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	interrupted, err := s.cfg.Sessions.Interrupt(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": interrupted})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	page, err := s.cfg.Sessions.History(r.Context(), r.PathValue("id"),
		queryInt(r, "before", 0), queryInt(r, "after", 0), int(queryInt(r, "limit", 100)))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrQueryActive),
		errors.Is(err, session.ErrArchived),
		errors.Is(err, session.ErrNoSandbox),
		errors.Is(err, persistence.ErrIllegalTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", append(shared.LogAttrs(r.Context()), "error", err)...)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return def
	}
	return n
}
