package agentserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawbox/internal/agentproto"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

type scriptedRunner struct {
	mu      sync.Mutex
	lines   []string
	block   chan struct{}
	err     error
	lastReq RunRequest
	calls   int
}

func (r *scriptedRunner) Run(ctx context.Context, req RunRequest, onLine func([]byte)) error {
	r.mu.Lock()
	r.lastReq = req
	r.calls++
	lines := append([]string(nil), r.lines...)
	block := r.block
	err := r.err
	r.mu.Unlock()

	for _, line := range lines {
		onLine([]byte(line))
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (r *scriptedRunner) request() RunRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReq
}

func newTestServer(t *testing.T, runner Runner) (*Server, *httptest.Server) {
	t.Helper()
	log, err := OpenLog(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	srv := New(Config{Log: log, Runner: runner, DefaultCwd: "/workspace/repo"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postQuery(t *testing.T, ts *httptest.Server, req agentproto.QueryRequest) *http.Response {
	t.Helper()
	body, _ := json.Marshal(req)
	resp, err := http.Post(ts.URL+agentproto.PathQuery, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post query: %v", err)
	}
	return resp
}

func readEvents(t *testing.T, r io.Reader) []agentproto.Event {
	t.Helper()
	dec := agentproto.NewDecoder(r)
	var out []agentproto.Event
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, ev)
		if ev.Terminal() {
			return out
		}
	}
}

func getStatus(t *testing.T, ts *httptest.Server) agentproto.Status {
	t.Helper()
	resp, err := http.Get(ts.URL + agentproto.PathStatus)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	defer resp.Body.Close()
	var st agentproto.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func TestServer_QueryStreamsAndPersists(t *testing.T) {
	runner := &scriptedRunner{lines: []string{
		`{"type":"system","subtype":"init","session_id":"agent-1","uuid":"m-init","slash_commands":["/compact","/review"]}`,
		`{"type":"stream_event","uuid":"p-1","event":{"type":"message_start","message":{"model":"m"}}}`,
		`not json at all`,
		`{"type":"assistant","uuid":"m-asst","message":{"content":[{"type":"text","text":"hi"}]}}`,
		`{"type":"result","subtype":"success","uuid":"m-result"}`,
	}}
	_, ts := newTestServer(t, runner)

	resp := postQuery(t, ts, agentproto.QueryRequest{Prompt: "hello", PromptUUID: "u-prompt"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	events := readEvents(t, resp.Body)

	var kinds []string
	var seqs []int64
	for _, ev := range events {
		kinds = append(kinds, string(ev.Kind))
		if ev.Message != nil {
			seqs = append(seqs, ev.Message.Sequence)
		}
	}
	wantKinds := "message,commands,message,partial,message,message,done"
	if got := strings.Join(kinds, ","); got != wantKinds {
		t.Fatalf("kinds = %s, want %s", got, wantKinds)
	}
	for i, seq := range seqs {
		if seq != int64(i+1) {
			t.Fatalf("sequences = %v, want 1..n", seqs)
		}
	}
	if events[0].Message.UUID != "u-prompt" {
		t.Fatalf("prompt uuid = %q", events[0].Message.UUID)
	}

	st := getStatus(t, ts)
	if st.Running {
		t.Fatal("still running after done")
	}
	if st.LastSequence != 4 {
		t.Fatalf("last sequence = %d, want 4", st.LastSequence)
	}
	if st.LogID == "" || events[0].Message.LogID != st.LogID {
		t.Fatalf("log id = %q, message log id = %q", st.LogID, events[0].Message.LogID)
	}
	if strings.Join(st.AvailableCommands, " ") != "/compact /review" {
		t.Fatalf("commands = %v", st.AvailableCommands)
	}
	if st.AgentSessionID != "agent-1" {
		t.Fatalf("agent session = %q", st.AgentSessionID)
	}
	if runner.request().Cwd != "/workspace/repo" {
		t.Fatalf("cwd = %q", runner.request().Cwd)
	}
}

func TestServer_SecondQueryConflicts(t *testing.T) {
	runner := &scriptedRunner{block: make(chan struct{})}
	_, ts := newTestServer(t, runner)

	first := postQuery(t, ts, agentproto.QueryRequest{Prompt: "one"})
	defer first.Body.Close()
	dec := agentproto.NewDecoder(first.Body)
	if ev, err := dec.Next(); err != nil || ev.Kind != agentproto.EventMessage {
		t.Fatalf("first event = %+v, %v", ev, err)
	}

	second := postQuery(t, ts, agentproto.QueryRequest{Prompt: "two"})
	second.Body.Close()
	if second.StatusCode != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", second.StatusCode)
	}

	if st := getStatus(t, ts); !st.Running || st.LastSequence != 1 {
		t.Fatalf("status = %+v, want running with 1 message", st)
	}

	close(runner.block)
	for {
		ev, err := dec.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if ev.Terminal() {
			break
		}
	}
}

func TestServer_InterruptCancelsRunningQuery(t *testing.T) {
	runner := &scriptedRunner{block: make(chan struct{})}
	_, ts := newTestServer(t, runner)

	resp, err := http.Post(ts.URL+agentproto.PathInterrupt, "application/json", nil)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	var idle agentproto.InterruptResult
	_ = json.NewDecoder(resp.Body).Decode(&idle)
	resp.Body.Close()
	if idle.Interrupted {
		t.Fatal("interrupt reported success with nothing running")
	}

	q := postQuery(t, ts, agentproto.QueryRequest{Prompt: "long"})
	defer q.Body.Close()
	dec := agentproto.NewDecoder(q.Body)
	if _, err := dec.Next(); err != nil {
		t.Fatalf("first event: %v", err)
	}

	resp, err = http.Post(ts.URL+agentproto.PathInterrupt, "application/json", nil)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	var res agentproto.InterruptResult
	_ = json.NewDecoder(resp.Body).Decode(&res)
	resp.Body.Close()
	if !res.Interrupted {
		t.Fatal("interrupt did not report a running query")
	}

	ev, err := dec.Next()
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if ev.Kind != agentproto.EventDone {
		t.Fatalf("terminal = %+v, want done", ev)
	}
}

func TestServer_RunnerErrorEndsWithErrorEvent(t *testing.T) {
	runner := &scriptedRunner{err: errors.New("agent crashed")}
	_, ts := newTestServer(t, runner)

	resp := postQuery(t, ts, agentproto.QueryRequest{Prompt: "x"})
	defer resp.Body.Close()
	events := readEvents(t, resp.Body)
	last := events[len(events)-1]
	if last.Kind != agentproto.EventError || !strings.Contains(last.Error, "agent crashed") {
		t.Fatalf("last event = %+v", last)
	}
}

func TestServer_QueryContinuesAfterClientDisconnect(t *testing.T) {
	runner := &scriptedRunner{block: make(chan struct{})}
	srv, ts := newTestServer(t, runner)

	ctx, cancel := context.WithCancel(context.Background())
	body, _ := json.Marshal(agentproto.QueryRequest{Prompt: "bg"})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, ts.URL+agentproto.PathQuery, bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	dec := agentproto.NewDecoder(resp.Body)
	if _, err := dec.Next(); err != nil {
		t.Fatalf("first event: %v", err)
	}
	cancel()
	resp.Body.Close()

	time.Sleep(20 * time.Millisecond)
	st, err := srv.Status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !st.Running {
		t.Fatal("query stopped when the client went away")
	}
	close(runner.block)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st, _ = srv.Status(context.Background())
		if !st.Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("query never finished")
}

func TestServer_ResumeUsesCapturedSessionID(t *testing.T) {
	runner := &scriptedRunner{lines: []string{
		`{"type":"system","subtype":"init","session_id":"agent-xyz","uuid":"init-1"}`,
	}}
	_, ts := newTestServer(t, runner)

	resp := postQuery(t, ts, agentproto.QueryRequest{Prompt: "first"})
	readEvents(t, resp.Body)
	resp.Body.Close()
	if got := runner.request().ResumeSessionID; got != "" {
		t.Fatalf("first query resumed %q", got)
	}

	runner.mu.Lock()
	runner.lines = nil
	runner.mu.Unlock()
	resp = postQuery(t, ts, agentproto.QueryRequest{Prompt: "second", Resume: true})
	readEvents(t, resp.Body)
	resp.Body.Close()
	if got := runner.request().ResumeSessionID; got != "agent-xyz" {
		t.Fatalf("resume id = %q, want agent-xyz", got)
	}
}

func TestServer_MessagesAfter(t *testing.T) {
	runner := &scriptedRunner{lines: []string{
		`{"type":"assistant","uuid":"a1"}`,
		`{"type":"assistant","uuid":"a1"}`,
		`{"type":"result","uuid":"r1"}`,
	}}
	_, ts := newTestServer(t, runner)
	resp := postQuery(t, ts, agentproto.QueryRequest{Prompt: "x"})
	readEvents(t, resp.Body)
	resp.Body.Close()

	get, err := http.Get(ts.URL + agentproto.PathMessages + "?after=1")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	defer get.Body.Close()
	var out agentproto.MessagesResponse
	if err := json.NewDecoder(get.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Messages) != 2 {
		t.Fatalf("messages = %+v, want the two after the prompt", out.Messages)
	}
	if out.Messages[0].Sequence != 2 || out.Messages[1].Sequence != 3 {
		t.Fatalf("sequences = %d,%d", out.Messages[0].Sequence, out.Messages[1].Sequence)
	}

	bad, err := http.Get(ts.URL + agentproto.PathMessages + "?after=-3")
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", bad.StatusCode)
	}
}

func TestServer_QueryContinuesCallerTrace(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	log, err := OpenLog(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })
	srv := New(Config{Log: log, Runner: &scriptedRunner{err: errors.New("exit status 1")}, Tracer: tp.Tracer("test")})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	body, _ := json.Marshal(agentproto.QueryRequest{Prompt: "hi", PromptUUID: "p-1", Resume: true})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+agentproto.PathQuery, bytes.NewReader(body))
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post query: %v", err)
	}
	readEvents(t, resp.Body)
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for len(rec.Ended()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if got := s.SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s", got)
	}
	if got := s.Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span = %s", got)
	}
	if s.Status().Description != "exit status 1" {
		t.Errorf("status = %+v", s.Status())
	}
}
