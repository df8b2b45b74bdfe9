package bus

import "github.com/basket/clawbox/internal/persistence"

// Session notification topics. Every event is keyed by session ID.
const (
	TopicSessionStatus   = "session.status"
	TopicSessionMessage  = "session.message"
	TopicSessionRunning  = "session.running"
	TopicSessionPartial  = "session.partial"
	TopicSessionCommands = "session.commands"
)

// SessionStatusEvent is published when a session's status changes.
type SessionStatusEvent struct {
	SessionID string
	OldStatus persistence.SessionStatus
	NewStatus persistence.SessionStatus
	Message   string
}

// SessionMessageEvent carries a newly persisted durable message.
type SessionMessageEvent struct {
	Message persistence.Message
}

// SessionRunningEvent is published when a query starts or stops.
type SessionRunningEvent struct {
	SessionID string
	Running   bool
}

// SessionPartialEvent carries a best-effort in-progress assistant turn.
// Snapshot is the JSON encoding of the accumulated partial message.
type SessionPartialEvent struct {
	SessionID string
	Snapshot  any
}

// SessionCommandsEvent carries the agent's supported command list.
type SessionCommandsEvent struct {
	SessionID string
	Commands  []string
}
