package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/otel"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/sandbox"
)

// Reconcile outcomes, one per running session.
const (
	OutcomeReattached  = "reattached"
	OutcomeDead        = "dead"
	OutcomeUnreachable = "unreachable"
	OutcomeSkipped     = "skipped"
	OutcomeError       = "error"
)

const reconcileConcurrency = 4

type ReconcileResult struct {
	SessionID string
	Outcome   string
	Replayed  int
	// Following is set when the agent was still mid-query and a follower
	// keeps replaying its output.
	Following bool
	Err       error
}

// Reconcile brings every session recorded as running back in line with
// reality after a restart. Dead sandboxes get a diagnostic message and a
// failed status; unreachable agents are stopped; reachable agents have
// their missed output replayed.
func (s *Service) Reconcile(ctx context.Context) ([]ReconcileResult, error) {
	sessions, err := s.store.ListSessionsByStatus(ctx, persistence.SessionRunning)
	if err != nil {
		return nil, fmt.Errorf("list running sessions: %w", err)
	}
	results := make([]ReconcileResult, len(sessions))
	sem := make(chan struct{}, reconcileConcurrency)
	var wg sync.WaitGroup
	for i, sess := range sessions {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = s.reconcileSession(ctx, sess)
		}()
	}
	wg.Wait()

	counts := map[string]int{}
	for _, r := range results {
		counts[r.Outcome]++
	}
	s.logger.Info("reconcile finished", "sessions", len(sessions), "outcomes", counts)
	return results, nil
}

func (s *Service) reconcileSession(ctx context.Context, sess persistence.Session) (res ReconcileResult) {
	res.SessionID = sess.ID
	ctx, span := otel.StartSpan(ctx, s.tracer, "session.reconcile", otel.AttrSessionID.String(sess.ID))
	defer func() {
		span.SetAttributes(otel.AttrOutcome.String(res.Outcome))
		s.metrics.RecordReconcile(ctx, res.Outcome)
		otel.EndSpan(span, res.Err)
	}()
	logger := s.logger.With("session_id", sess.ID)

	q, ok := s.queries.reserve(sess.ID, true)
	if !ok {
		res.Outcome = OutcomeSkipped
		return res
	}
	handedOff := false
	defer func() {
		if !handedOff {
			s.queries.release(sess.ID, q)
		}
	}()

	st, err := s.sandboxes.Health(ctx, sess.SandboxID)
	if err != nil {
		res.Outcome, res.Err = OutcomeError, err
		logger.Warn("reconcile health check failed", "error", err)
		return res
	}
	if st.State != sandbox.StateRunning {
		res.Outcome, res.Err = OutcomeDead, s.markDead(ctx, sess, st)
		return res
	}

	client := s.clients.get(sess.ID, sess.SocketPath)
	if err := client.WaitHealthy(ctx, s.healthAttempts, s.healthDelay); err != nil {
		res.Outcome = OutcomeUnreachable
		logger.Warn("agent unreachable during reconcile", "error", err)
		s.appendSystemError(ctx, sess.ID, fmt.Sprintf(
			"The agent did not respond after %d attempts, so the sandbox was stopped. Start the session again to continue.",
			s.healthAttempts))
		if err := s.sandboxes.Stop(ctx, sess.SandboxID); err != nil {
			logger.Warn("stop unreachable sandbox failed", "error", err)
		}
		s.clients.drop(sess.ID)
		_, res.Err = s.transition(ctx, sess.ID, persistence.SessionStopped, "agent unreachable")
		return res
	}

	status, err := client.Status(ctx)
	if err != nil {
		res.Outcome, res.Err = OutcomeError, err
		return res
	}
	res.Outcome = OutcomeReattached
	res.Replayed, res.Err = s.replay(ctx, sess.ID, client, status)
	if len(status.AvailableCommands) > 0 {
		s.bus.Publish(sess.ID, bus.TopicSessionCommands, bus.SessionCommandsEvent{SessionID: sess.ID, Commands: status.AvailableCommands})
	}
	logger.Info("session reattached", "replayed", res.Replayed, "agent_running", status.Running)

	if status.Running && res.Err == nil {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.queries.attach(q, cancel)
		handedOff = true
		res.Following = true
		s.setRunning(sess.ID, true)
		go s.follow(fctx, sess.ID, q, client)
	}
	return res
}

// replay persists every agent message we have not seen yet. Each new
// message is published exactly as if it had arrived live.
func (s *Service) replay(ctx context.Context, sessionID string, client AgentClient, status agentproto.Status) (int, error) {
	// Sequences restart with every agent log, so the cursor only counts
	// messages from the log the agent is writing now.
	last, err := s.store.LastAgentSequence(ctx, sessionID, status.LogID)
	if err != nil {
		return 0, err
	}
	msgs, err := client.MessagesAfter(ctx, last)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, m := range msgs {
		_, isNew, err := s.persistAgentMessage(context.WithoutCancel(ctx), sessionID, m)
		if err != nil {
			return created, fmt.Errorf("replay agent message %d: %w", m.Sequence, err)
		}
		if isNew {
			created++
		}
	}
	return created, nil
}

// follow polls the agent log while a query we have no live stream for is
// still running. The caller announces the session as running.
func (s *Service) follow(ctx context.Context, sessionID string, q *activeQuery, client AgentClient) {
	logger := s.logger.With("session_id", sessionID)
	defer func() {
		q.cancel()
		s.queries.release(sessionID, q)
		s.setRunning(sessionID, false)
	}()

	ticker := time.NewTicker(s.followInterval)
	defer ticker.Stop()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		status, err := client.Status(ctx)
		if err == nil {
			_, err = s.replay(ctx, sessionID, client, status)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			logger.Warn("follow poll failed", "error", err, "failures", failures)
			if failures >= s.healthAttempts {
				s.appendSystemError(context.WithoutCancel(ctx), sessionID, "Lost the connection to the agent: "+err.Error())
				return
			}
			continue
		}
		failures = 0
		if !status.Running {
			logger.Info("followed query finished")
			return
		}
	}
}

// markDead records why the sandbox is gone and fails the session.
func (s *Service) markDead(ctx context.Context, sess persistence.Session, st sandbox.ContainerState) error {
	ctx = context.WithoutCancel(ctx)
	diag, err := s.sandboxes.Diagnose(ctx, sess.SandboxID)
	if err != nil {
		s.logger.Warn("diagnose sandbox failed", "session_id", sess.ID, "error", err)
		diag = sandbox.Diagnosis{State: st, Explanation: sandbox.ExplainExit(st.ExitCode, st.OOMKilled)}
	}
	s.appendSystemError(ctx, sess.ID, diag.Message())
	s.clients.drop(sess.ID)
	reason := "sandbox not found"
	if diag.State.State != sandbox.StateNotFound {
		reason = "sandbox " + diag.Explanation
	}
	s.logger.Warn("sandbox is not running", "session_id", sess.ID, "sandbox_id", sess.SandboxID, "reason", reason)
	_, err = s.transition(ctx, sess.ID, persistence.SessionFailed, reason)
	return err
}

// Sweep checks the sandbox of every running session without an active
// query and fails the ones whose container has died.
func (s *Service) Sweep(ctx context.Context) error {
	sessions, err := s.store.ListSessionsByStatus(ctx, persistence.SessionRunning)
	if err != nil {
		return fmt.Errorf("list running sessions: %w", err)
	}
	var errs []error
	for _, sess := range sessions {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.queries.running(sess.ID) {
			continue
		}
		st, err := s.sandboxes.Health(ctx, sess.SandboxID)
		if err != nil {
			errs = append(errs, fmt.Errorf("health of %s: %w", sess.ID, err))
			continue
		}
		if st.State == sandbox.StateRunning {
			continue
		}
		q, ok := s.queries.reserve(sess.ID, true)
		if !ok {
			continue
		}
		err = s.markDead(ctx, sess, st)
		s.queries.release(sess.ID, q)
		s.metrics.RecordReconcile(ctx, OutcomeDead)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
