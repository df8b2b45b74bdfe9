// Package stdstream decodes the multiplexed stdout/stderr framing the
// container runtime uses for non-TTY attach and log streams.
package stdstream

import (
	"encoding/binary"
	"strings"
	"sync"
)

// StreamType is the first byte of a frame header.
type StreamType byte

const (
	Stdin  StreamType = 0
	Stdout StreamType = 1
	Stderr StreamType = 2
)

const headerLen = 8

// Demuxer incrementally decodes framed output. Chunks may split a frame
// anywhere; only complete frames are consumed. When a header carries an
// unknown stream type the input is assumed not to be framed at all and
// everything from that point on is kept as raw stdout text.
type Demuxer struct {
	mu       sync.Mutex
	buf      []byte
	raw      bool
	stdout   strings.Builder
	stderr   strings.Builder
	combined strings.Builder
}

func New() *Demuxer {
	return &Demuxer{}
}

// Write implements io.Writer so a Demuxer can be the target of io.Copy.
func (d *Demuxer) Write(p []byte) (int, error) {
	d.Push(p)
	return len(p), nil
}

// Push feeds one chunk of input.
func (d *Demuxer) Push(chunk []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.raw {
		d.emit(Stdout, chunk)
		return
	}
	d.buf = append(d.buf, chunk...)
	for len(d.buf) >= headerLen {
		typ := StreamType(d.buf[0])
		if typ > Stderr {
			d.raw = true
			d.emit(Stdout, d.buf)
			d.buf = nil
			return
		}
		size := int(binary.BigEndian.Uint32(d.buf[4:headerLen]))
		if len(d.buf) < headerLen+size {
			return
		}
		d.emit(typ, d.buf[headerLen:headerLen+size])
		d.buf = d.buf[headerLen+size:]
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
}

// Flush treats any incomplete trailing bytes as raw stdout text. Call it
// once the underlying stream has ended.
func (d *Demuxer) Flush() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.buf) == 0 {
		return
	}
	d.emit(Stdout, d.buf)
	d.buf = nil
}

func (d *Demuxer) emit(typ StreamType, payload []byte) {
	if len(payload) == 0 {
		return
	}
	switch typ {
	case Stderr:
		d.stderr.Write(payload)
	default:
		d.stdout.Write(payload)
	}
	d.combined.Write(payload)
}

// Raw reports whether the input was detected as unframed.
func (d *Demuxer) Raw() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.raw
}

func (d *Demuxer) Stdout() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stdout.String()
}

func (d *Demuxer) Stderr() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stderr.String()
}

// Combined returns stdout and stderr interleaved in arrival order.
func (d *Demuxer) Combined() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.combined.String()
}

// Frame encodes payload as a single frame. It is the inverse of Push and is
// mostly useful for tests and fakes.
func Frame(typ StreamType, payload []byte) []byte {
	out := make([]byte, headerLen+len(payload))
	out[0] = byte(typ)
	binary.BigEndian.PutUint32(out[4:headerLen], uint32(len(payload)))
	copy(out[headerLen:], payload)
	return out
}
