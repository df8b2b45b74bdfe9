// Package session orchestrates sessions: their sandboxes, the queries
// streamed from each sandbox's agent, and recovery after a restart.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/sandbox"
	"github.com/basket/clawbox/internal/settings"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrQueryActive is returned when a session already has a query in
	// flight.
	ErrQueryActive = errors.New("a query is already running for this session")
	// ErrArchived is returned for operations on an archived session.
	ErrArchived = errors.New("session is archived")
	// ErrNoSandbox is returned when a session has no provisioned sandbox.
	ErrNoSandbox = errors.New("session has no sandbox")
)

// Sandboxes is the lifecycle manager as seen by the service.
type Sandboxes interface {
	Provision(ctx context.Context, req sandbox.ProvisionRequest) (sandbox.Workspace, error)
	Start(ctx context.Context, req sandbox.StartRequest) (string, error)
	Stop(ctx context.Context, sandboxID string) error
	Destroy(ctx context.Context, sessionID, sandboxID, volumeName string) error
	Health(ctx context.Context, sandboxID string) (sandbox.ContainerState, error)
	Diagnose(ctx context.Context, sandboxID string) (sandbox.Diagnosis, error)
}

type Config struct {
	Store     *persistence.Store
	Bus       *bus.Bus
	Sandboxes Sandboxes
	Settings  settings.Resolver
	Dial      Dialer
	// HealthAttempts and HealthDelay bound how long the service waits for
	// an agent server to answer.
	HealthAttempts int
	HealthDelay    time.Duration
	// QueryTimeout caps one query. Zero means no limit.
	QueryTimeout time.Duration
	// FollowInterval is how often a reconcile follower polls the agent log.
	FollowInterval time.Duration
	// WorkspaceRoot is the in-container directory that holds the repo.
	WorkspaceRoot string
	Logger        *slog.Logger
	Metrics       *otel.Metrics
	Tracer        trace.Tracer
}

type Service struct {
	store          *persistence.Store
	bus            *bus.Bus
	sandboxes      Sandboxes
	settings       settings.Resolver
	clients        *clientPool
	queries        *queryRegistry
	healthAttempts int
	healthDelay    time.Duration
	queryTimeout   time.Duration
	followInterval time.Duration
	workspaceRoot  string
	logger         *slog.Logger
	metrics        *otel.Metrics
	tracer         trace.Tracer

	launches sync.WaitGroup
}

func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	attempts := cfg.HealthAttempts
	if attempts <= 0 {
		attempts = 5
	}
	delay := cfg.HealthDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	follow := cfg.FollowInterval
	if follow <= 0 {
		follow = time.Second
	}
	root := cfg.WorkspaceRoot
	if root == "" {
		root = "/workspace"
	}
	settingsResolver := cfg.Settings
	if settingsResolver == nil {
		settingsResolver = emptySettings{}
	}
	b := cfg.Bus
	if b == nil {
		b = bus.New()
	}
	return &Service{
		store:          cfg.Store,
		bus:            b,
		sandboxes:      cfg.Sandboxes,
		settings:       settingsResolver,
		clients:        newClientPool(cfg.Dial),
		queries:        newQueryRegistry(),
		healthAttempts: attempts,
		healthDelay:    delay,
		queryTimeout:   cfg.QueryTimeout,
		followInterval: follow,
		workspaceRoot:  strings.TrimRight(root, "/"),
		logger:         logger.With("component", "session"),
		metrics:        cfg.Metrics,
		tracer:         tracer,
	}
}

type emptySettings struct{}

func (emptySettings) Resolve(context.Context, string) (settings.Bundle, error) {
	return settings.Bundle{}, nil
}

// Bus returns the bus session notifications are published on.
func (s *Service) Bus() *bus.Bus {
	return s.bus
}

// Close detaches from every running query and waits for background work.
// Agents keep running; the next Reconcile picks their output up.
func (s *Service) Close() {
	s.launches.Wait()
	s.queries.cancelAll()
	s.clients.closeAll()
}

type CreateRequest struct {
	RepoURL       string
	BaseBranch    string
	InitialPrompt string
}

// Create records a new session in the creating state. Call Launch to
// provision and start it.
func (s *Service) Create(ctx context.Context, req CreateRequest) (persistence.Session, error) {
	if strings.TrimSpace(req.RepoURL) == "" {
		return persistence.Session{}, fmt.Errorf("create session: repo url is required")
	}
	sess, err := s.store.CreateSession(ctx, persistence.Session{
		RepoURL:       req.RepoURL,
		BaseBranch:    req.BaseBranch,
		InitialPrompt: req.InitialPrompt,
	})
	if err != nil {
		return persistence.Session{}, err
	}
	s.logger.Info("session created", "session_id", sess.ID)
	s.bus.Publish(sess.ID, bus.TopicSessionStatus, bus.SessionStatusEvent{
		SessionID: sess.ID,
		NewStatus: sess.Status,
	})
	return sess, nil
}

// CreateAndLaunch creates a session and launches it in the background.
func (s *Service) CreateAndLaunch(ctx context.Context, req CreateRequest) (persistence.Session, error) {
	sess, err := s.Create(ctx, req)
	if err != nil {
		return persistence.Session{}, err
	}
	s.launches.Add(1)
	go func() {
		defer s.launches.Done()
		if err := s.Launch(context.WithoutCancel(ctx), sess.ID); err != nil {
			s.logger.Warn("session launch failed", "session_id", sess.ID, "error", err)
		}
	}()
	return sess, nil
}

// Launch provisions the workspace of a creating session, starts its
// sandbox and sends the initial prompt, if any. A provisioning failure
// leaves the session stopped with the failure recorded.
func (s *Service) Launch(ctx context.Context, sessionID string) (err error) {
	ctx, span := otel.StartSpan(ctx, s.tracer, "session.launch", otel.AttrSessionID.String(sessionID))
	defer func() { otel.EndSpan(span, err) }()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != persistence.SessionCreating {
		return fmt.Errorf("launch session %s: status is %s, want %s", sessionID, sess.Status, persistence.SessionCreating)
	}
	bundle, err := s.settings.Resolve(ctx, sessionID)
	if err != nil {
		return s.failLaunch(ctx, sess, fmt.Errorf("resolve settings: %w", err))
	}

	ws, err := s.sandboxes.Provision(ctx, sandbox.ProvisionRequest{
		SessionID:  sess.ID,
		RepoURL:    sess.RepoURL,
		BaseBranch: sess.BaseBranch,
		Token:      bundle.GitToken,
	})
	if err != nil {
		return s.failLaunch(ctx, sess, fmt.Errorf("provision workspace: %w", err))
	}
	if err := s.store.SetWorkspace(ctx, sess.ID, ws.VolumeName, ws.WorkspacePath, ws.WorkBranch, ws.SocketPath); err != nil {
		return err
	}
	sess.VolumeName, sess.WorkspacePath, sess.WorkBranch, sess.SocketPath = ws.VolumeName, ws.WorkspacePath, ws.WorkBranch, ws.SocketPath

	if _, err := s.startSandbox(ctx, sess, bundle); err != nil {
		return s.failLaunch(ctx, sess, fmt.Errorf("start sandbox: %w", err))
	}
	if sess.InitialPrompt != "" {
		if _, err := s.SendPrompt(ctx, sess.ID, sess.InitialPrompt); err != nil {
			return fmt.Errorf("send initial prompt: %w", err)
		}
	}
	return nil
}

func (s *Service) failLaunch(ctx context.Context, sess persistence.Session, cause error) error {
	ctx = context.WithoutCancel(ctx)
	s.logger.Error("session launch failed", "session_id", sess.ID, "error", cause)
	s.appendSystemError(ctx, sess.ID, "Failed to prepare the sandbox: "+cause.Error())
	if _, err := s.transition(ctx, sess.ID, persistence.SessionStopped, cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// startSandbox ensures the container runs and records it on the session.
func (s *Service) startSandbox(ctx context.Context, sess persistence.Session, bundle settings.Bundle) (string, error) {
	id, err := s.sandboxes.Start(ctx, sandbox.StartRequest{
		SessionID:  sess.ID,
		SandboxID:  sess.SandboxID,
		VolumeName: sess.VolumeName,
		Env:        bundle.Env,
	})
	if err != nil {
		return "", err
	}
	if id != sess.SandboxID {
		if err := s.store.SetSandbox(ctx, sess.ID, id); err != nil {
			return "", err
		}
	}
	if _, err := s.transition(ctx, sess.ID, persistence.SessionRunning, ""); err != nil {
		return "", err
	}
	return id, nil
}

// Get returns a session record.
func (s *Service) Get(ctx context.Context, sessionID string) (persistence.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// List returns the newest sessions first.
func (s *Service) List(ctx context.Context, limit int) ([]persistence.Session, error) {
	return s.store.ListSessions(ctx, limit)
}

// Start runs the sandbox of a stopped or failed session. Starting a
// running session is a no-op; a session that never finished provisioning
// is launched.
func (s *Service) Start(ctx context.Context, sessionID string) (persistence.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.Session{}, err
	}
	switch {
	case sess.Status == persistence.SessionArchived:
		return persistence.Session{}, ErrArchived
	case sess.VolumeName == "" && sess.Status == persistence.SessionCreating:
		if err := s.Launch(ctx, sessionID); err != nil {
			return persistence.Session{}, err
		}
		return s.store.GetSession(ctx, sessionID)
	case sess.VolumeName == "":
		return persistence.Session{}, ErrNoSandbox
	}
	bundle, err := s.settings.Resolve(ctx, sessionID)
	if err != nil {
		return persistence.Session{}, fmt.Errorf("resolve settings: %w", err)
	}
	if _, err := s.startSandbox(ctx, sess, bundle); err != nil {
		return persistence.Session{}, err
	}
	return s.store.GetSession(ctx, sessionID)
}

// Stop interrupts any query, stops the sandbox and marks the session
// stopped. A missing sandbox is not an error.
func (s *Service) Stop(ctx context.Context, sessionID string) (persistence.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.Session{}, err
	}
	if sess.Status == persistence.SessionArchived {
		return persistence.Session{}, ErrArchived
	}
	s.release(ctx, sess)
	if err := s.sandboxes.Stop(ctx, sess.SandboxID); err != nil {
		s.logger.Warn("stop sandbox failed", "session_id", sessionID, "sandbox_id", sess.SandboxID, "error", err)
	}
	return s.transition(ctx, sessionID, persistence.SessionStopped, "")
}

// release interrupts and detaches from the session's agent.
func (s *Service) release(ctx context.Context, sess persistence.Session) {
	if s.queries.running(sess.ID) && sess.SocketPath != "" {
		ictx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if _, err := s.clients.get(sess.ID, sess.SocketPath).Interrupt(ictx); err != nil {
			s.logger.Debug("interrupt before stop failed", "session_id", sess.ID, "error", err)
		}
		cancel()
	}
	wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	s.queries.cancel(wctx, sess.ID)
	cancel()
	s.clients.drop(sess.ID)
}

// Archive releases the session's sandbox and volume and marks it
// archived. The message history is kept.
func (s *Service) Archive(ctx context.Context, sessionID string) (persistence.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.Session{}, err
	}
	if sess.Status == persistence.SessionArchived {
		return sess, nil
	}
	s.release(ctx, sess)
	if err := s.sandboxes.Destroy(ctx, sess.ID, sess.SandboxID, sess.VolumeName); err != nil {
		s.logger.Warn("destroy sandbox failed", "session_id", sessionID, "error", err)
	}
	if err := s.store.SetSandbox(ctx, sessionID, ""); err != nil {
		return persistence.Session{}, err
	}
	return s.transition(ctx, sessionID, persistence.SessionArchived, "")
}

// Delete destroys the sandbox and removes the session with its history.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	s.release(ctx, sess)
	if err := s.sandboxes.Destroy(ctx, sess.ID, sess.SandboxID, sess.VolumeName); err != nil {
		s.logger.Warn("destroy sandbox failed", "session_id", sessionID, "error", err)
	}
	if err := s.store.DeleteSession(ctx, sessionID); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", sessionID)
	return nil
}

// History returns one page of durable messages. A positive after pages
// forward from that sequence; otherwise the page ends before before, or
// at the newest message when before is zero.
func (s *Service) History(ctx context.Context, sessionID string, before, after int64, limit int) (persistence.Page, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return persistence.Page{}, err
	}
	if after > 0 {
		return s.store.PageAfter(ctx, sessionID, after, limit)
	}
	return s.store.PageBefore(ctx, sessionID, before, limit)
}

// Subscribe returns a subscription to every notification for the session.
// It ends when ctx is cancelled; the session's queries are unaffected.
func (s *Service) Subscribe(ctx context.Context, sessionID string) *bus.Subscription {
	s.metrics.RecordSubscriber(ctx)
	return s.bus.Subscribe(ctx, sessionID, "session.")
}

// Running reports whether the session has a query in flight.
func (s *Service) Running(sessionID string) bool {
	return s.queries.running(sessionID)
}

func (s *Service) transition(ctx context.Context, sessionID string, to persistence.SessionStatus, message string) (persistence.Session, error) {
	sess, prev, err := s.store.TransitionSession(ctx, sessionID, to, message)
	if err != nil {
		return persistence.Session{}, err
	}
	if prev != to {
		s.logger.Info("session status changed", "session_id", sessionID, "from", prev, "to", to)
		s.bus.Publish(sessionID, bus.TopicSessionStatus, bus.SessionStatusEvent{
			SessionID: sessionID,
			OldStatus: prev,
			NewStatus: to,
			Message:   message,
		})
	}
	return sess, nil
}

// persist appends one message and publishes it when it is new.
func (s *Service) persist(ctx context.Context, in persistence.NewMessage) (persistence.Message, bool, error) {
	msg, created, err := s.store.AppendMessage(ctx, in)
	if err != nil {
		return persistence.Message{}, false, err
	}
	s.metrics.RecordMessage(ctx, msg.Type, created)
	if created {
		s.bus.Publish(in.SessionID, bus.TopicSessionMessage, bus.SessionMessageEvent{Message: msg})
	}
	return msg, created, nil
}

type systemError struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Message string `json:"message"`
}

// appendSystemError records a human-readable error in the conversation.
func (s *Service) appendSystemError(ctx context.Context, sessionID, text string) {
	payload, _ := json.Marshal(systemError{Type: persistence.MessageTypeSystem, Subtype: "error", Message: text})
	if _, _, err := s.persist(ctx, persistence.NewMessage{
		SessionID: sessionID,
		Type:      persistence.MessageTypeSystem,
		Payload:   payload,
	}); err != nil {
		s.logger.Error("record system error failed", "session_id", sessionID, "error", err)
	}
}

func (s *Service) setRunning(sessionID string, running bool) {
	s.bus.Publish(sessionID, bus.TopicSessionRunning, bus.SessionRunningEvent{SessionID: sessionID, Running: running})
}
