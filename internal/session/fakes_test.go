package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawbox/internal/agentclient"
	"github.com/basket/clawbox/internal/agentproto"
	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/sandbox"
)

type fakeSandboxes struct {
	mu           sync.Mutex
	provisionErr error
	startErr     error
	state        map[string]sandbox.ContainerState
	started      []sandbox.StartRequest
	stopped      []string
	destroyed    []string
	diagnoses    int
}

func newFakeSandboxes() *fakeSandboxes {
	return &fakeSandboxes{state: make(map[string]sandbox.ContainerState)}
}

func (f *fakeSandboxes) Provision(_ context.Context, req sandbox.ProvisionRequest) (sandbox.Workspace, error) {
	if f.provisionErr != nil {
		return sandbox.Workspace{}, f.provisionErr
	}
	return sandbox.Workspace{
		VolumeName:    sandbox.VolumeName(req.SessionID),
		WorkspacePath: "repo",
		WorkBranch:    sandbox.WorkBranch(req.SessionID),
		SocketPath:    "/run/test/" + req.SessionID + "/agent.sock",
	}, nil
}

func (f *fakeSandboxes) Start(_ context.Context, req sandbox.StartRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, req)
	id := req.SandboxID
	if id == "" {
		id = "ctr-" + req.SessionID[:8]
	}
	f.state[id] = sandbox.ContainerState{ID: id, State: sandbox.StateRunning}
	return id, nil
}

func (f *fakeSandboxes) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	if st, ok := f.state[id]; ok {
		st.State = sandbox.StateStopped
		f.state[id] = st
	}
	return nil
}

func (f *fakeSandboxes) Destroy(_ context.Context, sessionID, id, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, sessionID)
	delete(f.state, id)
	return nil
}

func (f *fakeSandboxes) Health(_ context.Context, id string) (sandbox.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[id]
	if !ok {
		return sandbox.ContainerState{ID: id, State: sandbox.StateNotFound}, nil
	}
	return st, nil
}

func (f *fakeSandboxes) Diagnose(ctx context.Context, id string) (sandbox.Diagnosis, error) {
	st, _ := f.Health(ctx, id)
	f.mu.Lock()
	f.diagnoses++
	f.mu.Unlock()
	d := sandbox.Diagnosis{State: st}
	if st.State != sandbox.StateNotFound {
		d.Explanation = sandbox.ExplainExit(st.ExitCode, st.OOMKilled)
		d.Logs = "npm ERR! Killed"
	}
	return d, nil
}

func (f *fakeSandboxes) set(id string, st sandbox.ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st.ID = id
	f.state[id] = st
}

// fakeStream hands out events pushed by the test.
type fakeStream struct {
	events   chan agentproto.Event
	closed   chan struct{}
	once     sync.Once
	finished bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{events: make(chan agentproto.Event, 64), closed: make(chan struct{})}
}

func (s *fakeStream) Next() (agentproto.Event, error) {
	if s.finished {
		return agentproto.Event{}, io.EOF
	}
	select {
	case ev, ok := <-s.events:
		if !ok {
			return agentproto.Event{}, agentclient.ErrStreamClosed
		}
		if ev.Terminal() {
			s.finished = true
		}
		return ev, nil
	case <-s.closed:
		return agentproto.Event{}, fmt.Errorf("%w: stream closed", agentclient.ErrUnreachable)
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) push(evs ...agentproto.Event) {
	for _, ev := range evs {
		s.events <- ev
	}
}

// fakeAgent is an in-memory agent server.
type fakeAgent struct {
	mu          sync.Mutex
	unreachable bool
	status      agentproto.Status
	logID       string
	log         []agentproto.Message
	queries     []agentproto.QueryRequest
	streams     chan *fakeStream
	queryErr    error
	interrupted bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{streams: make(chan *fakeStream, 8), logID: "agent-log-1"}
}

func (a *fakeAgent) Health(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return false, agentclient.ErrUnreachable
	}
	return true, nil
}

func (a *fakeAgent) WaitHealthy(ctx context.Context, _ int, _ time.Duration) error {
	_, err := a.Health(ctx)
	return err
}

func (a *fakeAgent) Status(context.Context) (agentproto.Status, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unreachable {
		return agentproto.Status{}, agentclient.ErrUnreachable
	}
	st := a.status
	st.LogID = a.logID
	st.LastSequence = int64(len(a.log))
	return st, nil
}

func (a *fakeAgent) Interrupt(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.interrupted = true
	return a.status.Running, nil
}

func (a *fakeAgent) MessagesAfter(_ context.Context, seq int64) ([]agentproto.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []agentproto.Message
	for _, m := range a.log {
		if m.Sequence > seq {
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *fakeAgent) Query(_ context.Context, req agentproto.QueryRequest) (EventStream, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queryErr != nil {
		return nil, a.queryErr
	}
	a.queries = append(a.queries, req)
	select {
	case s := <-a.streams:
		return s, nil
	default:
		s := newFakeStream()
		s.push(agentproto.Event{Kind: agentproto.EventDone})
		return s, nil
	}
}

func (a *fakeAgent) Close() {}

// record appends a message to the agent's own log and returns it.
func (a *fakeAgent) record(uuid, typ, payload string) agentproto.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := agentproto.Message{
		LogID:     a.logID,
		Sequence:  int64(len(a.log) + 1),
		UUID:      uuid,
		Type:      typ,
		Payload:   []byte(payload),
		CreatedAt: time.Now(),
	}
	a.log = append(a.log, m)
	return m
}

// restart replaces the agent process: its log starts over under a new id.
func (a *fakeAgent) restart(logID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logID = logID
	a.log = nil
	a.status.Running = false
}

func (a *fakeAgent) setUnreachable(down bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.unreachable = down
}

func (a *fakeAgent) setRunning(running bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.Running = running
}

func (a *fakeAgent) lastQuery() agentproto.QueryRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.queries[len(a.queries)-1]
}

type harness struct {
	svc       *Service
	store     *persistence.Store
	sandboxes *fakeSandboxes
	agent     *fakeAgent
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawbox.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	h := &harness{store: store, sandboxes: newFakeSandboxes(), agent: newFakeAgent()}
	h.svc = New(Config{
		Store:          store,
		Bus:            bus.New(),
		Sandboxes:      h.sandboxes,
		Dial:           func(string) AgentClient { return h.agent },
		HealthAttempts: 2,
		HealthDelay:    time.Millisecond,
		FollowInterval: 10 * time.Millisecond,
	})
	t.Cleanup(h.svc.Close)
	return h
}

// launched returns a running session with a sandbox.
func (h *harness) launched(t *testing.T) persistence.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.Create(ctx, CreateRequest{RepoURL: "https://github.com/basket/widgets.git", BaseBranch: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.svc.Launch(ctx, sess.ID); err != nil {
		t.Fatalf("launch: %v", err)
	}
	sess, err = h.store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (h *harness) messages(t *testing.T, sessionID string) []persistence.Message {
	t.Helper()
	msgs, err := h.store.ReadAfter(context.Background(), sessionID, 0, 0)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	return msgs
}

func (h *harness) waitIdle(t *testing.T, sessionID string) {
	t.Helper()
	waitFor(t, 2*time.Second, func() bool { return !h.svc.Running(sessionID) })
}

func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

// collect drains a subscription until it has n events or times out.
func collect(t *testing.T, sub *bus.Subscription, n int) []bus.Event {
	t.Helper()
	var out []bus.Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-sub.Ch():
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("got %d events, want %d: %+v", len(out), n, out)
		}
	}
	return out
}

var errBoom = errors.New("boom")

func agentMessage(seq int64, uuid string) agentproto.Message {
	return agentproto.Message{Sequence: seq, UUID: uuid, Type: "assistant", Payload: []byte(`{}`), CreatedAt: time.Now()}
}
