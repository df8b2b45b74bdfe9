package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawbox/internal/persistence"
)

func TestRenderSessions(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	sessions := []persistence.Session{
		{
			ID:            "0b5c7f1e-8a4e-4bd5-9d0e-1f2a3b4c5d6e",
			Status:        persistence.SessionRunning,
			RepoURL:       "https://github.com/acme/widgets.git",
			WorkBranch:    "clawbox/0b5c7f1e",
			UpdatedAt:     now.Add(-5 * time.Minute),
			StatusMessage: "",
		},
		{
			ID:            "9f8e7d6c-5b4a-4321-8765-0fedcba98765",
			Status:        persistence.SessionFailed,
			RepoURL:       "https://github.com/acme/gadgets.git",
			UpdatedAt:     now.Add(-3 * time.Hour),
			StatusMessage: "sandbox exited with code 137 (out of memory)",
		},
	}

	var buf bytes.Buffer
	renderSessions(&buf, sessions, now)
	out := buf.String()
	for _, want := range []string{"ID", "STATUS", "0b5c7f1e", "9f8e7d6c", "running", "failed", "acme/widgets", "5m ago", "3h ago", "out of memory"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "0b5c7f1e-8a4e") {
		t.Errorf("full session id should be shortened:\n%s", out)
	}
}

func TestRenderSessions_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderSessions(&buf, nil, time.Now())
	if !strings.Contains(buf.String(), "no sessions") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestAge(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		t    time.Time
		want string
	}{
		{time.Time{}, "-"},
		{now.Add(-10 * time.Second), "just now"},
		{now.Add(-42 * time.Minute), "42m ago"},
		{now.Add(-5 * time.Hour), "5h ago"},
		{now.Add(-72 * time.Hour), "3d ago"},
	}
	for _, tt := range tests {
		if got := age(now, tt.t); got != tt.want {
			t.Errorf("age(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}

func TestRunSessionsCommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("CLAWBOX_HOME", home)
	t.Setenv("CLAWBOX_DB_PATH", "")

	store, err := persistence.Open(home + "/clawbox.db")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := store.CreateSession(context.Background(), persistence.Session{RepoURL: "https://github.com/acme/widgets.git"}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	if code := runSessionsCommand(context.Background(), []string{"-limit", "5"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	if code := runSessionsCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0 for -json", code)
	}
	if code := runSessionsCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2 for stray argument", code)
	}
}
