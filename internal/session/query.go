package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/basket/clawbox/internal/agentclient"
	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/partial"
	"github.com/basket/clawbox/internal/persistence"
)

const interruptSettle = 10 * time.Second

type userPrompt struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// SendPrompt starts a query on the session's agent and returns the
// persisted user message. The query keeps running after SendPrompt
// returns; its output arrives through Subscribe. A second prompt while
// one is in flight fails with ErrQueryActive before anything is written.
func (s *Service) SendPrompt(ctx context.Context, sessionID, prompt string) (msg persistence.Message, err error) {
	if strings.TrimSpace(prompt) == "" {
		return persistence.Message{}, fmt.Errorf("send prompt: prompt is empty")
	}
	q, ok := s.queries.reserve(sessionID, false)
	if !ok {
		return persistence.Message{}, ErrQueryActive
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.queries.release(sessionID, q)
		}
	}()

	ctx, span := otel.StartSpan(ctx, s.tracer, "session.query", otel.AttrSessionID.String(sessionID))
	defer func() { otel.EndSpan(span, err) }()

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.Message{}, err
	}
	if sess.Status == persistence.SessionArchived {
		return persistence.Message{}, ErrArchived
	}
	if sess.SocketPath == "" {
		return persistence.Message{}, ErrNoSandbox
	}
	bundle, err := s.settings.Resolve(ctx, sessionID)
	if err != nil {
		return persistence.Message{}, fmt.Errorf("resolve settings: %w", err)
	}
	if sess.Status != persistence.SessionRunning {
		if _, err := s.startSandbox(ctx, sess, bundle); err != nil {
			return persistence.Message{}, fmt.Errorf("start sandbox: %w", err)
		}
	}

	client := s.clients.get(sessionID, sess.SocketPath)
	if err := client.WaitHealthy(ctx, s.healthAttempts, s.healthDelay); err != nil {
		return persistence.Message{}, err
	}
	status, err := client.Status(ctx)
	if err != nil {
		return persistence.Message{}, err
	}
	if status.Running {
		return persistence.Message{}, ErrQueryActive
	}
	controlLast, err := s.store.LastSequence(ctx, sessionID)
	if err != nil {
		return persistence.Message{}, err
	}
	// Pick up anything the agent logged after an earlier stream was lost,
	// before the new query's output lands behind it.
	if n, err := s.replay(ctx, sessionID, client, status); err != nil {
		return persistence.Message{}, fmt.Errorf("replay agent log: %w", err)
	} else if n > 0 {
		s.logger.Info("replayed missed agent messages", "session_id", sessionID, "replayed", n)
	}
	// A fresh agent process has an empty log and nothing to resume, even
	// when our own history is long.
	resume := status.LastSequence > 0 && controlLast > 0
	span.SetAttributes(otel.AttrResume.Bool(resume))

	// The query outlives the caller's request.
	var qctx context.Context
	var cancel context.CancelFunc
	if s.queryTimeout > 0 {
		qctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), s.queryTimeout)
	} else {
		qctx, cancel = context.WithCancel(context.WithoutCancel(ctx))
	}
	s.queries.attach(q, cancel)

	promptUUID := uuid.NewString()
	openCtx, openSpan := otel.StartClientSpan(qctx, s.tracer, "agent.query", otel.AttrSessionID.String(sessionID))
	stream, err := client.Query(openCtx, agentproto.QueryRequest{
		Prompt:       prompt,
		PromptUUID:   promptUUID,
		Resume:       resume,
		Cwd:          s.workspaceRoot + "/" + sess.WorkspacePath,
		MCPServers:   bundle.MCPServers,
		SystemPrompt: bundle.SystemPrompt,
		Env:          bundle.Env,
	})
	otel.EndSpan(openSpan, err)
	if err != nil {
		cancel()
		if errors.Is(err, agentclient.ErrConflict) {
			return persistence.Message{}, ErrQueryActive
		}
		return persistence.Message{}, err
	}

	var payload userPrompt
	payload.Type = persistence.MessageTypeUser
	payload.Message.Role = "user"
	payload.Message.Content = prompt
	raw, _ := json.Marshal(payload)
	msg, _, err = s.persist(context.WithoutCancel(ctx), persistence.NewMessage{
		SessionID: sessionID,
		UUID:      promptUUID,
		Type:      persistence.MessageTypeUser,
		Payload:   raw,
	})
	if err != nil {
		// The agent already has the prompt; its own copy arrives on the
		// stream and is persisted there.
		s.logger.Error("persist prompt failed", "session_id", sessionID, "error", err)
	}

	handedOff = true
	s.logger.Info("query started", "session_id", sessionID, "resume", resume, "prompt_len", len(prompt))
	go s.pump(qctx, sessionID, q, client, stream, resume)
	return msg, nil
}

// pump consumes one query stream until its terminal event, persisting
// durable messages and publishing everything to subscribers.
func (s *Service) pump(ctx context.Context, sessionID string, q *activeQuery, client AgentClient, stream EventStream, resume bool) {
	started := time.Now()
	result := "done"
	logger := s.logger.With("session_id", sessionID)
	persistCtx := context.WithoutCancel(ctx)

	s.metrics.QueryStarted(persistCtx)
	s.setRunning(sessionID, true)
	handedOff := false
	defer func() {
		_ = stream.Close()
		if !handedOff {
			q.cancel()
			s.queries.release(sessionID, q)
			s.setRunning(sessionID, false)
		}
		s.metrics.QueryFinished(persistCtx)
		s.metrics.RecordQuery(persistCtx, time.Since(started), result)
		logger.Info("query finished", "result", result, "duration", time.Since(started), "resume", resume)
	}()

	acc := partial.New()
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					result = "timeout"
					s.appendSystemError(persistCtx, sessionID, "The query exceeded its time limit and was detached.")
					return
				}
				result = "detached"
				return
			}
			result = "lost"
			logger.Warn("agent stream lost", "error", err)
			handedOff = s.recoverLostStream(ctx, sessionID, q, client, err)
			if handedOff {
				result = "followed"
			}
			return
		}

		switch ev.Kind {
		case agentproto.EventMessage:
			if ev.Message == nil {
				continue
			}
			msg, _, err := s.persistAgentMessage(persistCtx, sessionID, *ev.Message)
			if err != nil {
				logger.Error("persist agent message failed", "agent_seq", ev.Message.Sequence, "error", err)
				continue
			}
			if resetsPartial(msg.Type, acc) {
				acc.Reset()
				s.bus.Publish(sessionID, bus.TopicSessionPartial, bus.SessionPartialEvent{SessionID: sessionID})
			}
		case agentproto.EventPartial:
			if snap, ok := acc.Apply(ev.Partial); ok {
				s.metrics.RecordPartial(persistCtx)
				s.bus.Publish(sessionID, bus.TopicSessionPartial, bus.SessionPartialEvent{SessionID: sessionID, Snapshot: snap})
			}
		case agentproto.EventCommands:
			s.bus.Publish(sessionID, bus.TopicSessionCommands, bus.SessionCommandsEvent{SessionID: sessionID, Commands: ev.Commands})
		case agentproto.EventError:
			result = "error"
			logger.Warn("agent reported query error", "error", ev.Error)
			s.appendSystemError(persistCtx, sessionID, "The agent stopped with an error: "+ev.Error)
		case agentproto.EventDone:
		default:
			logger.Debug("ignoring unknown event kind", "kind", ev.Kind)
		}
	}
}

// recoverLostStream runs after a live stream dropped while the agent may
// still be working. A running agent is handed to a follower that polls its
// log; otherwise whatever it logged is replayed now. It reports whether the
// writer slot was handed off.
func (s *Service) recoverLostStream(qctx context.Context, sessionID string, q *activeQuery, client AgentClient, cause error) bool {
	ctx := context.WithoutCancel(qctx)
	status, err := client.Status(ctx)
	if err == nil && status.Running {
		queryCancel := q.cancel
		fctx, cancel := context.WithCancel(ctx)
		s.queries.attach(q, cancel)
		// A detach that raced the handoff already cancelled the query.
		if qctx.Err() != nil {
			cancel()
		}
		queryCancel()
		s.logger.Info("following agent log after lost stream", "session_id", sessionID)
		go s.follow(fctx, sessionID, q, client)
		return true
	}
	if err == nil {
		_, err = s.replay(ctx, sessionID, client, status)
	}
	if err != nil {
		s.logger.Warn("recover lost stream failed", "session_id", sessionID, "error", err)
	}
	s.appendSystemError(ctx, sessionID, "Lost the connection to the agent: "+cause.Error())
	return false
}

// resetsPartial reports whether a durable message finalizes the turn being
// accumulated.
func resetsPartial(msgType string, acc *partial.Accumulator) bool {
	switch msgType {
	case persistence.MessageTypeResult:
		return acc.Active()
	case persistence.MessageTypeAssistant:
		return acc.Stopped()
	}
	return false
}

func (s *Service) persistAgentMessage(ctx context.Context, sessionID string, m agentproto.Message) (persistence.Message, bool, error) {
	return s.persist(ctx, persistence.NewMessage{
		SessionID:     sessionID,
		UUID:          m.UUID,
		Type:          m.Type,
		Payload:       m.Payload,
		AgentSequence: m.Sequence,
		AgentLogID:    m.LogID,
	})
}

// Interrupt asks the session's agent to cancel its query and reports
// whether anything was running. The last agent message is flagged as
// interrupted.
func (s *Service) Interrupt(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess.SocketPath == "" {
		return false, ErrNoSandbox
	}
	interrupted, err := s.clients.get(sessionID, sess.SocketPath).Interrupt(ctx)
	if err != nil {
		return false, err
	}
	if interrupted {
		// Let the pump persist the agent's final messages first.
		if q, ok := s.queries.get(sessionID); ok && !q.follower {
			select {
			case <-q.done:
			case <-time.After(interruptSettle):
			case <-ctx.Done():
			}
		}
		if _, err := s.store.MarkLastInterrupted(ctx, sessionID); err != nil {
			s.logger.Warn("mark interrupted failed", "session_id", sessionID, "error", err)
		}
		s.logger.Info("query interrupted", "session_id", sessionID)
	}
	return interrupted, nil
}
