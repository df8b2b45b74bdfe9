package agentproto

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
)

const (
	dataPrefix   = "data:"
	maxFrameSize = 16 << 20
)

// ErrFrameTooLarge is returned when a frame exceeds the decoder limit.
var ErrFrameTooLarge = errors.New("event frame too large")

// FrameError reports a frame that could not be decoded. The stream remains
// usable; callers log it and keep reading.
type FrameError struct {
	Raw string
	Err error
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("malformed event frame: %v", e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Encoder writes events as "data: <json>" frames terminated by a blank
// line, flushing after each frame when the writer supports it.
type Encoder struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
}

func NewEncoder(w io.Writer) *Encoder {
	enc := &Encoder{w: w}
	if f, ok := w.(http.Flusher); ok {
		enc.flusher = f
	}
	return enc
}

func (e *Encoder) Encode(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "%s %s\n\n", dataPrefix, data); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Comment writes a comment frame, used as a keepalive.
func (e *Encoder) Comment(text string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return err
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
	return nil
}

// Decoder reads frames incrementally.
type Decoder struct {
	r *bufio.Reader
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next event. It returns io.EOF when the stream ends
// cleanly between frames and io.ErrUnexpectedEOF when it ends mid-frame.
// A *FrameError means one frame was skipped and Next may be called again.
func (d *Decoder) Next() (Event, error) {
	var data bytes.Buffer
	inFrame := false
	for {
		line, err := d.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			return Event{}, endOfStream(err, inFrame)
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if inFrame {
				return decodeFrame(data.Bytes())
			}
		case line[0] == ':':
			// comment or keepalive
		case bytes.HasPrefix(line, []byte(dataPrefix)):
			inFrame = true
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.Write(bytes.TrimPrefix(line[len(dataPrefix):], []byte(" ")))
			if data.Len() > maxFrameSize {
				return Event{}, ErrFrameTooLarge
			}
		default:
			// Other fields (event:, id:, retry:) carry nothing we use.
			inFrame = true
		}

		if err != nil {
			return Event{}, endOfStream(err, inFrame)
		}
	}
}

func endOfStream(err error, inFrame bool) error {
	if !errors.Is(err, io.EOF) {
		return err
	}
	if inFrame {
		return io.ErrUnexpectedEOF
	}
	return io.EOF
}

func decodeFrame(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, &FrameError{Err: errors.New("frame has no data")}
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, &FrameError{Raw: string(data), Err: err}
	}
	if ev.Kind == "" {
		return Event{}, &FrameError{Raw: string(data), Err: errors.New("missing event kind")}
	}
	return ev, nil
}
