package agentproto

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"
)

func TestEncoderDecoder_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	events := []Event{
		{Kind: EventMessage, Message: &Message{Sequence: 1, UUID: "u1", Type: "assistant", Payload: json.RawMessage(`{"a":1}`)}},
		{Kind: EventPartial, Partial: json.RawMessage(`{"type":"stream_event"}`)},
		{Kind: EventCommands, Commands: []string{"/compact", "/review"}},
		{Kind: EventDone},
	}
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	if err := enc.Comment("keepalive"); err != nil {
		t.Fatalf("comment: %v", err)
	}

	dec := NewDecoder(&buf)
	for i, want := range events {
		got, err := dec.Next()
		if err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
		if got.Kind != want.Kind {
			t.Fatalf("event %d kind = %q, want %q", i, got.Kind, want.Kind)
		}
	}
	if _, err := dec.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after last frame, got %v", err)
	}
}

func TestDecoder_OneByteReads(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	_ = enc.Encode(Event{Kind: EventMessage, Message: &Message{Sequence: 7, Type: "result"}})
	_ = enc.Encode(Event{Kind: EventDone})

	dec := NewDecoder(iotest.OneByteReader(&buf))
	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Message == nil || ev.Message.Sequence != 7 {
		t.Fatalf("unexpected event %+v", ev)
	}
	ev, err = dec.Next()
	if err != nil || ev.Kind != EventDone {
		t.Fatalf("expected done, got %+v, %v", ev, err)
	}
}

func TestDecoder_SkipsMalformedFrame(t *testing.T) {
	input := "data: {not json\n\n" +
		"data: {\"kind\":\"done\"}\n\n"
	dec := NewDecoder(strings.NewReader(input))

	_, err := dec.Next()
	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", err)
	}
	if frameErr.Raw != "{not json" {
		t.Fatalf("raw = %q", frameErr.Raw)
	}

	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("stream not usable after malformed frame: %v", err)
	}
	if !ev.Terminal() {
		t.Fatalf("expected terminal event, got %+v", ev)
	}
}

func TestDecoder_MissingKindIsMalformed(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: {\"message\":null}\n\n"))
	var frameErr *FrameError
	if _, err := dec.Next(); !errors.As(err, &frameErr) {
		t.Fatalf("expected FrameError, got %v", err)
	}
}

func TestDecoder_MultiLineDataAndExtraFields(t *testing.T) {
	input := ": hello\n" +
		"event: message\n" +
		"data: {\"kind\":\n" +
		"data: \"error\",\"error\":\"boom\"}\r\n" +
		"\r\n"
	ev, err := NewDecoder(strings.NewReader(input)).Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != EventError || ev.Error != "boom" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestDecoder_TruncatedStream(t *testing.T) {
	dec := NewDecoder(strings.NewReader("data: {\"kind\":\"done\"}"))
	if _, err := dec.Next(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestSocketPaths(t *testing.T) {
	if got := SocketPath("/var/run/clawbox", "abc"); got != "/var/run/clawbox/abc/agent.sock" {
		t.Fatalf("SocketPath = %q", got)
	}
	if got := ContainerSocketPath(); got != "/run/clawbox/agent.sock" {
		t.Fatalf("ContainerSocketPath = %q", got)
	}
}
