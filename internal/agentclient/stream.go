package agentclient

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/basket/clawbox/internal/agentproto"
)

// ErrStreamClosed is returned when the stream ended without a terminal frame.
var ErrStreamClosed = errors.New("agent stream closed before completion")

// Stream iterates the events of one query.
type Stream struct {
	body        io.ReadCloser
	dec         *agentproto.Decoder
	logger      *slog.Logger
	onMalformed func(error)
	finished    bool
}

// NewStream wraps an event-stream body. Malformed frames are logged,
// reported to onMalformed when set, and skipped.
func NewStream(body io.ReadCloser, logger *slog.Logger, onMalformed func(error)) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		body:        body,
		dec:         agentproto.NewDecoder(body),
		logger:      logger,
		onMalformed: onMalformed,
	}
}

// Next returns the next event. After a terminal event it returns io.EOF.
// A stream that ends without a terminal event yields ErrStreamClosed.
func (s *Stream) Next() (agentproto.Event, error) {
	if s.finished {
		return agentproto.Event{}, io.EOF
	}
	for {
		ev, err := s.dec.Next()
		if err == nil {
			if ev.Terminal() {
				s.finished = true
			}
			return ev, nil
		}
		var frameErr *agentproto.FrameError
		if errors.As(err, &frameErr) {
			s.logger.Warn("skipping malformed event frame", "error", frameErr.Err, "bytes", len(frameErr.Raw))
			if s.onMalformed != nil {
				s.onMalformed(err)
			}
			continue
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return agentproto.Event{}, ErrStreamClosed
		}
		return agentproto.Event{}, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
}

func (s *Stream) Close() error {
	return s.body.Close()
}
