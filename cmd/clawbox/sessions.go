package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/clawbox/internal/config"
	"github.com/basket/clawbox/internal/persistence"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

var statusColors = map[persistence.SessionStatus]lipgloss.Color{
	persistence.SessionCreating: lipgloss.Color("214"),
	persistence.SessionRunning:  lipgloss.Color("86"),
	persistence.SessionStopped:  lipgloss.Color("252"),
	persistence.SessionFailed:   lipgloss.Color("196"),
	persistence.SessionArchived: lipgloss.Color("240"),
}

func runSessionsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("sessions", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("limit", 50, "maximum number of sessions to list")
	jsonOutput := fs.Bool("json", false, "print sessions as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawbox sessions [-limit N] [-json]")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return 1
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list sessions: %v\n", err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if sessions == nil {
			sessions = []persistence.Session{}
		}
		if err := enc.Encode(sessions); err != nil {
			fmt.Fprintf(os.Stderr, "encode sessions: %v\n", err)
			return 1
		}
		return 0
	}
	renderSessions(os.Stdout, sessions, time.Now())
	return 0
}

func renderSessions(w io.Writer, sessions []persistence.Session, now time.Time) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no sessions"))
		return
	}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		rows = append(rows, []string{
			shortID(s.ID),
			string(s.Status),
			s.RepoURL,
			s.WorkBranch,
			age(now, s.UpdatedAt),
			truncate(s.StatusMessage, 48),
		})
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(dimStyle).
		Headers("ID", "STATUS", "REPO", "BRANCH", "UPDATED", "MESSAGE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			if col == 1 && row >= 0 && row < len(sessions) {
				if c, ok := statusColors[sessions[row].Status]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})
	fmt.Fprintln(w, t.Render())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func age(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
