package agentclient_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawbox/internal/agentclient"
	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/agentserver"
)

type gatedRunner struct {
	mu    sync.Mutex
	lines []string
	gate  chan struct{}
}

func (r *gatedRunner) Run(ctx context.Context, _ agentserver.RunRequest, onLine func([]byte)) error {
	r.mu.Lock()
	lines := r.lines
	gate := r.gate
	r.mu.Unlock()
	for _, l := range lines {
		onLine([]byte(l))
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// shortSocketPath keeps the path under the unix socket length limit.
func shortSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "cb")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, agentproto.SocketName)
}

func startAgent(t *testing.T, runner agentserver.Runner) *agentclient.Client {
	t.Helper()
	log, err := agentserver.OpenLog(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	socket := shortSocketPath(t)
	srv := agentserver.New(agentserver.Config{Log: log, Runner: runner})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, socket)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = log.Close()
	})

	client := agentclient.New(agentclient.Config{SocketPath: socket, RequestTimeout: time.Second})
	t.Cleanup(client.Close)
	if err := client.WaitHealthy(context.Background(), 20, 10*time.Millisecond); err != nil {
		t.Fatalf("agent never became healthy: %v", err)
	}
	return client
}

func drain(t *testing.T, stream *agentclient.Stream) []agentproto.Event {
	t.Helper()
	var out []agentproto.Event
	for {
		ev, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		out = append(out, ev)
	}
}

func TestClient_QueryOverUnixSocket(t *testing.T) {
	client := startAgent(t, &gatedRunner{lines: []string{
		`{"type":"assistant","uuid":"a-1"}`,
		`{"type":"result","uuid":"r-1"}`,
	}})
	ctx := context.Background()

	stream, err := client.Query(ctx, agentproto.QueryRequest{Prompt: "hi", PromptUUID: "p-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	events := drain(t, stream)
	stream.Close()

	if len(events) != 4 || events[3].Kind != agentproto.EventDone {
		t.Fatalf("events = %+v", events)
	}

	st, err := client.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Running || st.LastSequence != 3 {
		t.Fatalf("status = %+v", st)
	}

	msgs, err := client.MessagesAfter(ctx, 1)
	if err != nil {
		t.Fatalf("messages after: %v", err)
	}
	if len(msgs) != 2 || msgs[0].UUID != "a-1" || msgs[1].UUID != "r-1" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestClient_ConflictAndInterrupt(t *testing.T) {
	runner := &gatedRunner{gate: make(chan struct{})}
	client := startAgent(t, runner)
	ctx := context.Background()

	stream, err := client.Query(ctx, agentproto.QueryRequest{Prompt: "one"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer stream.Close()
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first event: %v", err)
	}

	if _, err := client.Query(ctx, agentproto.QueryRequest{Prompt: "two"}); !errors.Is(err, agentclient.ErrConflict) {
		t.Fatalf("second query err = %v, want ErrConflict", err)
	}

	interrupted, err := client.Interrupt(ctx)
	if err != nil || !interrupted {
		t.Fatalf("interrupt = %v, %v", interrupted, err)
	}
	ev, err := stream.Next()
	if err != nil || ev.Kind != agentproto.EventDone {
		t.Fatalf("after interrupt: %+v, %v", ev, err)
	}
}

func TestClient_Unreachable(t *testing.T) {
	client := agentclient.New(agentclient.Config{SocketPath: shortSocketPath(t)})
	defer client.Close()

	if _, err := client.Health(context.Background()); !errors.Is(err, agentclient.ErrUnreachable) {
		t.Fatalf("health err = %v, want ErrUnreachable", err)
	}
	err := client.WaitHealthy(context.Background(), 3, time.Millisecond)
	if !errors.Is(err, agentclient.ErrUnreachable) {
		t.Fatalf("wait err = %v, want ErrUnreachable", err)
	}
}

func TestStream_SkipsMalformedFrames(t *testing.T) {
	body := "data: {\"kind\":\"message\",\"message\":{\"sequence\":1,\"uuid\":\"x\",\"type\":\"assistant\"}}\n\n" +
		"data: {{{\n\n" +
		"data: {\"kind\":\"done\"}\n\n"
	var malformed int
	stream := agentclient.NewStream(io.NopCloser(strings.NewReader(body)), nil, func(error) { malformed++ })

	events := drain(t, stream)
	if len(events) != 2 {
		t.Fatalf("events = %+v", events)
	}
	if malformed != 1 {
		t.Fatalf("malformed = %d, want 1", malformed)
	}
}

func TestStream_EndsWithoutTerminal(t *testing.T) {
	body := "data: {\"kind\":\"partial\",\"partial\":{}}\n\n"
	stream := agentclient.NewStream(io.NopCloser(strings.NewReader(body)), nil, nil)
	if _, err := stream.Next(); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := stream.Next(); !errors.Is(err, agentclient.ErrStreamClosed) {
		t.Fatalf("err = %v, want ErrStreamClosed", err)
	}
}
