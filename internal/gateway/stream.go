package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/persistence"
)

const replayPageSize = 500

// Frame is one live notification as delivered to SSE and websocket
// clients.
type Frame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	// Sequence is set on message frames.
	Sequence int64 `json:"sequence,omitempty"`
	Data     any   `json:"data"`
}

type statusData struct {
	OldStatus persistence.SessionStatus `json:"old_status"`
	NewStatus persistence.SessionStatus `json:"new_status"`
	Message   string                    `json:"message,omitempty"`
}

// frameFor converts a bus event into a client frame. Unknown payloads are
// dropped.
func frameFor(ev bus.Event) (Frame, bool) {
	f := Frame{SessionID: ev.Key}
	switch p := ev.Payload.(type) {
	case bus.SessionStatusEvent:
		f.Type = "status"
		f.Data = statusData{OldStatus: p.OldStatus, NewStatus: p.NewStatus, Message: p.Message}
	case bus.SessionMessageEvent:
		f.Type = "message"
		f.Sequence = p.Message.Sequence
		f.Data = p.Message
	case bus.SessionRunningEvent:
		f.Type = "running"
		f.Data = map[string]bool{"running": p.Running}
	case bus.SessionPartialEvent:
		// A nil snapshot tells clients to drop the in-progress turn.
		f.Type = "partial"
		f.Data = map[string]any{"message": p.Snapshot}
	case bus.SessionCommandsEvent:
		f.Type = "commands"
		f.Data = map[string]any{"commands": p.Commands}
	default:
		return Frame{}, false
	}
	return f, true
}

func messageFrame(msg persistence.Message) Frame {
	return Frame{Type: "message", SessionID: msg.SessionID, Sequence: msg.Sequence, Data: msg}
}

// resumeFrom returns the sequence a reconnecting client last saw, from
// Last-Event-ID or the after query parameter.
func resumeFrom(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return queryInt(r, "after", 0)
}

// replay calls emit for every durable message after the cursor and
// returns the last sequence sent.
func (s *Server) replay(ctx context.Context, sessionID string, after int64, emit func(Frame) error) (int64, error) {
	last := after
	for {
		page, err := s.cfg.Sessions.History(ctx, sessionID, 0, last, replayPageSize)
		if err != nil {
			return last, err
		}
		for _, msg := range page.Messages {
			if err := emit(messageFrame(msg)); err != nil {
				return last, err
			}
			last = msg.Sequence
		}
		if !page.HasMore || len(page.Messages) == 0 {
			return last, nil
		}
	}
}

// handleEvents streams a session's notifications as server-sent events.
// Message frames carry their sequence as the event id so a reconnecting
// EventSource resumes without gaps.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	sess, err := s.cfg.Sessions.Get(ctx, id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before replaying so nothing persisted in between is lost.
	sub := s.cfg.Sessions.Subscribe(ctx, id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	emit := func(f Frame) error {
		if err := writeSSE(w, f); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := emit(Frame{Type: "session", SessionID: id, Data: sessionView{Session: sess, QueryRunning: s.cfg.Sessions.Running(id)}}); err != nil {
		return
	}
	var last int64
	if after := resumeFrom(r); after > 0 {
		if last, err = s.replay(ctx, id, after, emit); err != nil {
			s.logger.Debug("sse replay stopped", "session_id", id, "error", err)
			return
		}
	}

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("sse client disconnected", "session_id", id)
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			f, ok := frameFor(ev)
			if !ok {
				continue
			}
			if f.Type == "message" && f.Sequence <= last {
				continue
			}
			if err := emit(f); err != nil {
				s.logger.Debug("sse write failed", "session_id", id, "error", err)
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if f.Type == "message" {
		if _, err := fmt.Fprintf(w, "id: %d\n", f.Sequence); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", f.Type, data)
	return err
}
