// backup_restore_drill writes sessions and messages to a scratch store,
// backs it up, opens the copy and checks every message survived with its
// sequence intact.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/clawbox/internal/persistence"
)

const (
	drillSessions = 4
	drillMessages = 25
	drillLogID    = "drill-agent-log"
)

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "clawbox-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "clawbox.db")
	backupPath := filepath.Join(baseDir, "backup", "clawbox.db")

	store, err := persistence.Open(dbPath)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ids := make([]string, 0, drillSessions)
	for i := 0; i < drillSessions; i++ {
		sess, err := store.CreateSession(ctx, persistence.Session{
			RepoURL:    fmt.Sprintf("https://github.com/acme/drill-%d.git", i),
			BaseBranch: "main",
		})
		if err != nil {
			fmt.Printf("create_session_error=%v\n", err)
			os.Exit(1)
		}
		ids = append(ids, sess.ID)
		for j := 0; j < drillMessages; j++ {
			payload, _ := json.Marshal(map[string]any{"type": "assistant", "text": fmt.Sprintf("drill-%d-%d", i, j)})
			if _, _, err := store.AppendMessage(ctx, persistence.NewMessage{
				SessionID:     sess.ID,
				Type:          persistence.MessageTypeAssistant,
				Payload:       payload,
				AgentSequence: int64(j + 1),
				AgentLogID:    drillLogID,
			}); err != nil {
				fmt.Printf("append_message_error=%v\n", err)
				os.Exit(1)
			}
		}
	}

	backupStart := time.Now().UTC()
	if err := store.Backup(ctx, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	restoreStart := time.Now().UTC()
	restored, err := persistence.Open(backupPath)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	total := 0
	for _, id := range ids {
		count, err := restored.CountMessages(ctx, id)
		if err != nil {
			fmt.Printf("count_messages_error=%v\n", err)
			os.Exit(1)
		}
		last, err := restored.LastSequence(ctx, id)
		if err != nil {
			fmt.Printf("last_sequence_error=%v\n", err)
			os.Exit(1)
		}
		agentLast, err := restored.LastAgentSequence(ctx, id, drillLogID)
		if err != nil {
			fmt.Printf("last_agent_sequence_error=%v\n", err)
			os.Exit(1)
		}
		if count != drillMessages || last != drillMessages || agentLast != drillMessages {
			fmt.Printf("session=%s messages=%d last_seq=%d last_agent_seq=%d\n", id, count, last, agentLast)
			fmt.Println("VERDICT FAIL")
			os.Exit(1)
		}
		total += count
	}

	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", backupEnd.Sub(backupStart))
	fmt.Printf("rto_duration=%s\n", restoreEnd.Sub(restoreStart))
	fmt.Printf("restored_sessions=%d\n", len(ids))
	fmt.Printf("restored_messages=%d\n", total)
	fmt.Println("VERDICT PASS")
}
