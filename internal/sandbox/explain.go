package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// ExplainExit turns a container exit into a sentence for humans.
func ExplainExit(code int, oomKilled bool) string {
	if oomKilled {
		return fmt.Sprintf("killed by the OOM killer (exit code %d); the sandbox ran out of memory", code)
	}
	switch code {
	case 0:
		return "exited cleanly (exit code 0)"
	case 1:
		return "exited with a general error (exit code 1)"
	case 137:
		return "killed by SIGKILL (exit code 137), likely an out-of-memory kill"
	case 139:
		return "crashed with a segmentation fault (exit code 139)"
	case 143:
		return "terminated by SIGTERM (exit code 143)"
	}
	if code > 128 && code < 160 {
		return fmt.Sprintf("killed by signal %d (exit code %d)", code-128, code)
	}
	return fmt.Sprintf("exited with code %d", code)
}

// Diagnosis is what is known about a sandbox that is not running.
type Diagnosis struct {
	State       ContainerState
	Explanation string
	Logs        string
}

// Message renders the diagnosis as a single block of text suitable for a
// system message in the conversation.
func (d Diagnosis) Message() string {
	var b strings.Builder
	if d.State.State == StateNotFound {
		b.WriteString("The sandbox container no longer exists.")
	} else {
		fmt.Fprintf(&b, "The sandbox container stopped: %s.", d.Explanation)
		if d.State.Error != "" {
			fmt.Fprintf(&b, "\nRuntime error: %s", d.State.Error)
		}
		if !d.State.FinishedAt.IsZero() {
			fmt.Fprintf(&b, "\nStopped at %s", d.State.FinishedAt.UTC().Format(time.RFC3339))
			if !d.State.StartedAt.IsZero() && d.State.FinishedAt.After(d.State.StartedAt) {
				fmt.Fprintf(&b, " after running for %s", d.State.FinishedAt.Sub(d.State.StartedAt).Round(time.Second))
			}
			b.WriteString(".")
		}
	}
	if logs := strings.TrimRight(d.Logs, "\n"); logs != "" {
		fmt.Fprintf(&b, "\n\nLast log lines:\n%s", logs)
	}
	return b.String()
}
