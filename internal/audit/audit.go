// Package audit keeps an append-only trail of session lifecycle changes and
// daemon startup failures in <home>/logs/audit.jsonl.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawbox/internal/bus"
	"github.com/basket/clawbox/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	failedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// FailedCount returns the number of entries recorded with outcome "failed"
// since startup.
func FailedCount() int64 {
	return failedCount.Load()
}

// Record appends one entry. It is a no-op before Init.
func Record(action, subject, outcome, detail string) {
	if outcome == "failed" {
		failedCount.Add(1)
	}
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		Subject:   subject,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}

// Follow records every session status change published on b until ctx is
// cancelled.
func Follow(ctx context.Context, b *bus.Bus) {
	sub := b.Subscribe(ctx, "", bus.TopicSessionStatus)
	go func() {
		for ev := range sub.Ch() {
			st, ok := ev.Payload.(bus.SessionStatusEvent)
			if !ok {
				continue
			}
			Record("session.status", st.SessionID, string(st.NewStatus), string(st.OldStatus)+" -> "+string(st.NewStatus)+statusSuffix(st.Message))
		}
	}()
}

func statusSuffix(msg string) string {
	if msg == "" {
		return ""
	}
	return ": " + msg
}
