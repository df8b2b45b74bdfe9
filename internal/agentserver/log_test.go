package agentserver

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
)

func TestLog_SequencesStartAtOne(t *testing.T) {
	log, err := OpenLog(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	last, err := log.LastSequence(ctx)
	if err != nil || last != 0 {
		t.Fatalf("empty log last = %d, %v", last, err)
	}

	for i := 1; i <= 3; i++ {
		msg, created, err := log.Append(ctx, "", "assistant", json.RawMessage(`{}`))
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if !created || msg.Sequence != int64(i) {
			t.Fatalf("append %d: seq %d created %v", i, msg.Sequence, created)
		}
	}

	msgs, err := log.After(ctx, 0)
	if err != nil {
		t.Fatalf("after: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d", len(msgs))
	}
}

func TestLog_DuplicateUUID(t *testing.T) {
	log, err := OpenLog(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer log.Close()
	ctx := context.Background()

	first, _, err := log.Append(ctx, "same", "assistant", json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	second, created, err := log.Append(ctx, "same", "assistant", json.RawMessage(`{"n":2}`))
	if err != nil {
		t.Fatalf("duplicate append: %v", err)
	}
	if created || second.Sequence != first.Sequence || string(second.Payload) != `{"n":1}` {
		t.Fatalf("duplicate = %+v created %v", second, created)
	}
	if last, _ := log.LastSequence(ctx); last != 1 {
		t.Fatalf("last = %d, want 1", last)
	}
}

func TestLog_IDSurvivesReopenAndChangesWithNewFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agent.db")
	first, err := OpenLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id := first.ID()
	msg, _, err := first.Append(context.Background(), "", "assistant", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == "" || msg.LogID != id {
		t.Fatalf("log id = %q, message log id = %q", id, msg.LogID)
	}
	_ = first.Close()

	reopened, err := OpenLog(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.ID() != id {
		t.Fatalf("reopened id = %q, want %q", reopened.ID(), id)
	}

	fresh, err := OpenLog(filepath.Join(dir, "other.db"))
	if err != nil {
		t.Fatalf("open fresh: %v", err)
	}
	defer fresh.Close()
	if fresh.ID() == id {
		t.Fatal("a new log file reused the previous id")
	}
}
