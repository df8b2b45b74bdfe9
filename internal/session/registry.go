package session

import (
	"context"
	"sync"
)

// activeQuery marks a session whose durable log currently has a writer:
// a live query pump or a reconcile follower.
type activeQuery struct {
	cancel context.CancelFunc
	done   chan struct{}
	// follower is set when the writer polls the agent log after a restart
	// instead of consuming a live stream.
	follower bool
}

// queryRegistry enforces at most one writer per session.
type queryRegistry struct {
	mu     sync.Mutex
	active map[string]*activeQuery
	wg     sync.WaitGroup
}

func newQueryRegistry() *queryRegistry {
	return &queryRegistry{active: make(map[string]*activeQuery)}
}

// reserve claims the session. It returns false when another writer holds it.
func (r *queryRegistry) reserve(sessionID string, follower bool) (*activeQuery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[sessionID]; busy {
		return nil, false
	}
	q := &activeQuery{cancel: func() {}, done: make(chan struct{}), follower: follower}
	r.active[sessionID] = q
	r.wg.Add(1)
	return q, true
}

// release frees the claim. It must run on every exit path of the writer.
func (r *queryRegistry) release(sessionID string, q *activeQuery) {
	r.mu.Lock()
	if r.active[sessionID] == q {
		delete(r.active, sessionID)
	}
	r.mu.Unlock()
	close(q.done)
	r.wg.Done()
}

// attach records how to detach the writer.
func (r *queryRegistry) attach(q *activeQuery, cancel context.CancelFunc) {
	r.mu.Lock()
	q.cancel = cancel
	r.mu.Unlock()
}

func (r *queryRegistry) get(sessionID string) (*activeQuery, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.active[sessionID]
	return q, ok
}

func (r *queryRegistry) running(sessionID string) bool {
	_, ok := r.get(sessionID)
	return ok
}

// cancel detaches the session's writer and waits for it to exit.
func (r *queryRegistry) cancel(ctx context.Context, sessionID string) {
	r.mu.Lock()
	q, ok := r.active[sessionID]
	var cancel context.CancelFunc
	if ok {
		cancel = q.cancel
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	cancel()
	select {
	case <-q.done:
	case <-ctx.Done():
	}
}

// cancelAll detaches every writer and waits for them.
func (r *queryRegistry) cancelAll() {
	r.mu.Lock()
	for _, q := range r.active {
		q.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *queryRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
