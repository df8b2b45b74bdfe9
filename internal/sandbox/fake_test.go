package sandbox

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"
)

// fakeRuntime is an in-memory Runtime. Run results are scripted by a
// function of the command line.
type fakeRuntime struct {
	mu         sync.Mutex
	volumes    map[string]bool
	containers map[string]*fakeContainer
	images     map[string]bool
	runs       [][]string
	runSpecs   []ContainerSpec
	pulls      int
	nextID     int

	runFn      func(cmd []string) (RunResult, error)
	pullErr    error
	createErr  error
	startErr   error
	removeErrs map[string]error
	logs       string
}

type fakeContainer struct {
	spec  ContainerSpec
	state ContainerState
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		volumes:    make(map[string]bool),
		containers: make(map[string]*fakeContainer),
		images:     make(map[string]bool),
		removeErrs: make(map[string]error),
	}
}

func (f *fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) CreateVolume(_ context.Context, name string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volumes[name] = true
	return nil
}

func (f *fakeRuntime) RemoveVolume(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.volumes[name] {
		return fmt.Errorf("volume %s: %w", name, ErrNotFound)
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, spec ContainerSpec) (RunResult, error) {
	f.mu.Lock()
	f.runs = append(f.runs, slices.Clone(spec.Cmd))
	f.runSpecs = append(f.runSpecs, spec)
	fn := f.runFn
	f.mu.Unlock()
	if fn == nil {
		return RunResult{}, nil
	}
	return fn(spec.Cmd)
}

func (f *fakeRuntime) Create(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%d", f.nextID)
	f.containers[id] = &fakeContainer{
		spec:  spec,
		state: ContainerState{ID: id, Name: spec.Name, State: StateStopped},
	}
	return id, nil
}

func (f *fakeRuntime) lookup(idOrName string) *fakeContainer {
	if c, ok := f.containers[idOrName]; ok {
		return c
	}
	for _, c := range f.containers {
		if c.state.Name == idOrName {
			return c
		}
	}
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c := f.lookup(id)
	if c == nil {
		return ErrNotFound
	}
	c.state.State = StateRunning
	return nil
}

func (f *fakeRuntime) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(id)
	if c == nil {
		return ErrNotFound
	}
	c.state.State = StateStopped
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.removeErrs[id]; err != nil {
		return err
	}
	c := f.lookup(id)
	if c == nil {
		return ErrNotFound
	}
	delete(f.containers, c.state.ID)
	return nil
}

func (f *fakeRuntime) Inspect(_ context.Context, idOrName string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.lookup(idOrName)
	if c == nil {
		return ContainerState{}, ErrNotFound
	}
	return c.state, nil
}

func (f *fakeRuntime) Logs(context.Context, string, int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return f.pullErr
	}
	f.images[ref] = true
	return nil
}

func (f *fakeRuntime) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) setState(id string, st ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.containers[id]
	st.ID = id
	st.Name = c.state.Name
	c.state = st
}

func (f *fakeRuntime) runCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, strings.Join(r, " "))
	}
	return out
}

type fakeCache struct {
	dir string
	err error
}

func (c fakeCache) Ensure(_ context.Context, repoURL, _ string) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	return c.dir + "/abc123.git", nil
}

func (c fakeCache) Dir() string { return c.dir }
