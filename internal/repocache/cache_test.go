package repocache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    [][]string
	envs     [][]string
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	delay    time.Duration
	err      error
}

func (f *fakeRunner) Run(_ context.Context, dir string, env []string, args ...string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.calls = append(f.calls, append([]string{dir}, args...))
	f.envs = append(f.envs, env)
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	if args[0] == "clone" {
		target := args[len(args)-1]
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(target, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644); err != nil {
			return "", err
		}
	}
	return "", nil
}

func TestKey_StableAndDistinct(t *testing.T) {
	a := Key("https://github.com/o/a.git")
	if a != Key(" https://github.com/o/a.git ") {
		t.Fatal("key should ignore surrounding whitespace")
	}
	if a == Key("https://github.com/o/b.git") {
		t.Fatal("different repos share a key")
	}
	if len(a) != 16+len(".git") || !strings.HasSuffix(a, ".git") {
		t.Fatalf("unexpected key %q", a)
	}
}

func TestEnsure_ClonesThenFetches(t *testing.T) {
	runner := &fakeRunner{}
	cache := New(Config{Dir: t.TempDir(), Runner: runner})
	ctx := context.Background()
	url := "https://github.com/o/r.git"

	path, err := cache.Ensure(ctx, url, "")
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if path != cache.PathFor(url) {
		t.Fatalf("path = %q, want %q", path, cache.PathFor(url))
	}
	if _, err := cache.Ensure(ctx, url, ""); err != nil {
		t.Fatalf("second ensure: %v", err)
	}

	if len(runner.calls) != 2 {
		t.Fatalf("calls = %v", runner.calls)
	}
	if runner.calls[0][1] != "clone" || runner.calls[0][2] != "--mirror" {
		t.Fatalf("first call = %v, want clone --mirror", runner.calls[0])
	}
	if runner.calls[1][0] != path || runner.calls[1][1] != "fetch" {
		t.Fatalf("second call = %v, want fetch in %s", runner.calls[1], path)
	}
}

func TestEnsure_SerializesSameRepo(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	cache := New(Config{Dir: t.TempDir(), Runner: runner})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Ensure(context.Background(), "https://github.com/o/r.git", ""); err != nil {
				t.Errorf("ensure: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := runner.maxSeen.Load(); got != 1 {
		t.Fatalf("max concurrent git runs = %d, want 1", got)
	}
	clones := 0
	for _, call := range runner.calls {
		if call[1] == "clone" {
			clones++
		}
	}
	if clones != 1 {
		t.Fatalf("clones = %d, want 1", clones)
	}
}

func TestEnsure_DifferentReposRunConcurrently(t *testing.T) {
	runner := &fakeRunner{delay: 50 * time.Millisecond}
	cache := New(Config{Dir: t.TempDir(), Runner: runner})

	var wg sync.WaitGroup
	for _, url := range []string{"https://a/x.git", "https://b/y.git"} {
		wg.Add(1)
		go func(url string) {
			defer wg.Done()
			_, _ = cache.Ensure(context.Background(), url, "")
		}(url)
	}
	wg.Wait()

	if got := runner.maxSeen.Load(); got != 2 {
		t.Fatalf("max concurrent git runs = %d, want 2", got)
	}
}

func TestEnsure_FailureLeavesNoMirror(t *testing.T) {
	runner := &fakeRunner{err: errors.New("network down")}
	cache := New(Config{Dir: t.TempDir(), Runner: runner})
	url := "https://github.com/o/r.git"

	if _, err := cache.Ensure(context.Background(), url, ""); err == nil {
		t.Fatal("expected error")
	}
	if _, err := os.Stat(cache.PathFor(url)); !os.IsNotExist(err) {
		t.Fatalf("mirror left behind: %v", err)
	}
}

func TestEnsure_DisabledWithoutDir(t *testing.T) {
	cache := New(Config{Runner: &fakeRunner{}})
	if _, err := cache.Ensure(context.Background(), "https://x/y.git", ""); err == nil {
		t.Fatal("expected error for disabled cache")
	}
}

func TestAuthEnv(t *testing.T) {
	if env := AuthEnv(""); env != nil {
		t.Fatalf("expected nil env without token, got %v", env)
	}
	env := AuthEnv("secret")
	if len(env) != 3 || env[0] != "GIT_CONFIG_COUNT=1" {
		t.Fatalf("unexpected env %v", env)
	}
	for _, kv := range env {
		if strings.Contains(kv, "secret") {
			t.Fatalf("token appears in clear text: %q", kv)
		}
	}

	m := AuthEnvMap("secret")
	if m["GIT_CONFIG_KEY_0"] != "http.extraHeader" {
		t.Fatalf("map = %v", m)
	}
	if AuthEnvMap("") != nil {
		t.Fatal("expected nil map without token")
	}
}

func TestEnsure_PassesTokenViaEnv(t *testing.T) {
	runner := &fakeRunner{}
	cache := New(Config{Dir: t.TempDir(), Runner: runner})
	if _, err := cache.Ensure(context.Background(), "https://github.com/o/r.git", "tkn-9f3"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(runner.envs[0]) == 0 {
		t.Fatal("expected auth env on clone")
	}
	for _, arg := range runner.calls[0] {
		if strings.Contains(arg, "tkn-9f3") {
			t.Fatalf("token leaked into args: %v", runner.calls[0])
		}
	}
}
