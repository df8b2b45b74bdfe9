package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// wsCommand is a client-to-server websocket message.
type wsCommand struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Prompt string `json:"prompt,omitempty"`
}

type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, v)
}

// handleWS serves one session's notifications over a websocket and
// accepts prompt and interrupt commands on the same connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session_id query parameter is required")
		return
	}
	sess, err := s.cfg.Sessions.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &wsConn{conn: conn}
	logger := s.logger.With("session_id", id)
	logger.Info("ws client connected")
	defer func() {
		logger.Info("ws client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.cfg.Sessions.Subscribe(ctx, id)

	emit := func(f Frame) error { return c.write(ctx, f) }
	if err := emit(Frame{Type: "session", SessionID: id, Data: sessionView{Session: sess, QueryRunning: s.cfg.Sessions.Running(id)}}); err != nil {
		return
	}
	var last int64
	if after := queryInt(r, "after", 0); after > 0 {
		if last, err = s.replay(ctx, id, after, emit); err != nil {
			return
		}
	}

	go func() {
		defer cancel()
		for {
			var cmd wsCommand
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
					logger.Debug("ws read failed", "error", err)
				}
				return
			}
			reply := s.handleWSCommand(ctx, id, cmd)
			if err := c.write(ctx, reply); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
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
				logger.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

type wsReply struct {
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func (s *Server) handleWSCommand(ctx context.Context, sessionID string, cmd wsCommand) wsReply {
	reply := wsReply{Type: "ack", ID: cmd.ID}
	switch cmd.Type {
	case "prompt":
		if cmd.Prompt == "" {
			reply.Type, reply.Error = "error", "prompt is required"
			return reply
		}
		msg, err := s.cfg.Sessions.SendPrompt(ctx, sessionID, cmd.Prompt)
		if err != nil {
			reply.Type, reply.Error = "error", err.Error()
			return reply
		}
		reply.Data = map[string]int64{"sequence": msg.Sequence}
	case "interrupt":
		interrupted, err := s.cfg.Sessions.Interrupt(ctx, sessionID)
		if err != nil {
			reply.Type, reply.Error = "error", err.Error()
			return reply
		}
		reply.Data = map[string]bool{"interrupted": interrupted}
	case "ping":
		reply.Type = "pong"
	default:
		reply.Type, reply.Error = "error", "unknown command "+cmd.Type
	}
	return reply
}
