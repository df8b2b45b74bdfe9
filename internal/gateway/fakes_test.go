package gateway_test

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/basket/clawbox/internal/session"
)

const testSessionID = "6f0c1c1e-4a57-4e43-9d43-0b8f1f6f2a11"

type fakeSessions struct {
	mu          sync.Mutex
	bus         *bus.Bus
	sessions    map[string]persistence.Session
	messages    []persistence.Message
	created     []session.CreateRequest
	prompts     []string
	promptErr   error
	interrupted int
	lifecycle   []string
	lastHistory [3]int64
}

func newFakeSessions() *fakeSessions {
	f := &fakeSessions{bus: bus.New(), sessions: map[string]persistence.Session{}}
	f.sessions[testSessionID] = persistence.Session{
		ID:      testSessionID,
		RepoURL: "https://github.com/basket/widgets.git",
		Status:  persistence.SessionRunning,
	}
	return f
}

func (f *fakeSessions) addMessages(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		seq := int64(len(f.messages) + 1)
		f.messages = append(f.messages, persistence.Message{
			SessionID: testSessionID,
			Sequence:  seq,
			UUID:      "m-" + string(rune('a'+i)),
			Type:      persistence.MessageTypeAssistant,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Unix(0, 0).UTC(),
		})
	}
}

func (f *fakeSessions) get(id string) (persistence.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return persistence.Session{}, persistence.ErrNotFound
	}
	return sess, nil
}

func (f *fakeSessions) CreateAndLaunch(_ context.Context, req session.CreateRequest) (persistence.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	sess := persistence.Session{ID: "new-session", RepoURL: req.RepoURL, Status: persistence.SessionCreating}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeSessions) Get(_ context.Context, id string) (persistence.Session, error) {
	return f.get(id)
}

func (f *fakeSessions) List(context.Context, int) ([]persistence.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.Session
	for _, s := range f.sessions {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessions) lifecycleOp(op string, status persistence.SessionStatus) func(context.Context, string) (persistence.Session, error) {
	return func(_ context.Context, id string) (persistence.Session, error) {
		sess, err := f.get(id)
		if err != nil {
			return sess, err
		}
		if sess.Status == persistence.SessionArchived {
			return persistence.Session{}, session.ErrArchived
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.lifecycle = append(f.lifecycle, op)
		sess.Status = status
		f.sessions[id] = sess
		return sess, nil
	}
}

func (f *fakeSessions) Start(ctx context.Context, id string) (persistence.Session, error) {
	return f.lifecycleOp("start", persistence.SessionRunning)(ctx, id)
}

func (f *fakeSessions) Stop(ctx context.Context, id string) (persistence.Session, error) {
	return f.lifecycleOp("stop", persistence.SessionStopped)(ctx, id)
}

func (f *fakeSessions) Archive(ctx context.Context, id string) (persistence.Session, error) {
	return f.lifecycleOp("archive", persistence.SessionArchived)(ctx, id)
}

func (f *fakeSessions) Delete(_ context.Context, id string) error {
	if _, err := f.get(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, id)
	return nil
}

func (f *fakeSessions) SendPrompt(_ context.Context, id, prompt string) (persistence.Message, error) {
	if _, err := f.get(id); err != nil {
		return persistence.Message{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promptErr != nil {
		return persistence.Message{}, f.promptErr
	}
	f.prompts = append(f.prompts, prompt)
	return persistence.Message{SessionID: id, Sequence: int64(len(f.messages) + 1), Type: persistence.MessageTypeUser}, nil
}

func (f *fakeSessions) Interrupt(_ context.Context, id string) (bool, error) {
	if _, err := f.get(id); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupted++
	return true, nil
}

func (f *fakeSessions) History(_ context.Context, id string, before, after int64, limit int) (persistence.Page, error) {
	if _, err := f.get(id); err != nil {
		return persistence.Page{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastHistory = [3]int64{before, after, int64(limit)}
	var page persistence.Page
	for _, m := range f.messages {
		if m.Sequence <= after {
			continue
		}
		if len(page.Messages) == limit {
			page.HasMore = true
			break
		}
		page.Messages = append(page.Messages, m)
	}
	return page, nil
}

func (f *fakeSessions) Subscribe(ctx context.Context, id string) *bus.Subscription {
	return f.bus.Subscribe(ctx, id, "session.")
}

func (f *fakeSessions) Running(string) bool { return false }

func (f *fakeSessions) setPromptErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.promptErr = err
}

// locked runs fn with the fake's state lock held.
func (f *fakeSessions) locked(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}
