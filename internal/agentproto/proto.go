// Package agentproto defines the request/response types and the event
// stream framing spoken between the control process and the agent server
// running inside each sandbox.
package agentproto

import (
	"encoding/json"
	"path/filepath"
	"time"
)

const (
	// SocketName is the agent server's unix socket file name.
	SocketName = "agent.sock"
	// ContainerSocketDir is where a session's socket directory is mounted
	// inside its sandbox.
	ContainerSocketDir = "/run/clawbox"
)

// HTTP routes served by the agent server.
const (
	PathHealth    = "/health"
	PathStatus    = "/status"
	PathInterrupt = "/interrupt"
	PathMessages  = "/messages"
	PathQuery     = "/query"
)

// SocketDir returns the host directory holding a session's socket.
func SocketDir(root, sessionID string) string {
	return filepath.Join(root, sessionID)
}

// SocketPath returns the host path of a session's agent socket.
func SocketPath(root, sessionID string) string {
	return filepath.Join(SocketDir(root, sessionID), SocketName)
}

// ContainerSocketPath returns the socket path as seen from inside a sandbox.
func ContainerSocketPath() string {
	return ContainerSocketDir + "/" + SocketName
}

type Health struct {
	OK bool `json:"ok"`
}

// Status describes the agent server. LogID identifies its durable log;
// sequences from logs with different ids are unrelated.
type Status struct {
	Running           bool     `json:"running"`
	LogID             string   `json:"log_id"`
	LastSequence      int64    `json:"last_sequence"`
	AvailableCommands []string `json:"available_commands,omitempty"`
	AgentSessionID    string   `json:"agent_session_id,omitempty"`
}

type InterruptResult struct {
	Interrupted bool `json:"interrupted"`
}

// QueryRequest starts a query. MCPServers and Env come from the settings
// bundle and are passed through uninterpreted.
type QueryRequest struct {
	Prompt       string                     `json:"prompt"`
	PromptUUID   string                     `json:"prompt_uuid,omitempty"`
	Resume       bool                       `json:"resume"`
	Cwd          string                     `json:"cwd,omitempty"`
	MCPServers   map[string]json.RawMessage `json:"mcp_servers,omitempty"`
	SystemPrompt string                     `json:"system_prompt,omitempty"`
	Env          map[string]string          `json:"env,omitempty"`
}

// Message is one entry of the agent server's durable log.
type Message struct {
	LogID     string          `json:"log_id"`
	Sequence  int64           `json:"sequence"`
	UUID      string          `json:"uuid"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

type MessagesResponse struct {
	Messages []Message `json:"messages"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type EventKind string

const (
	EventMessage  EventKind = "message"
	EventPartial  EventKind = "partial"
	EventCommands EventKind = "commands"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Event is one frame of a query stream. Exactly one of the payload fields
// is set, matching Kind. Done and error frames are terminal.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Message  *Message        `json:"message,omitempty"`
	Partial  json.RawMessage `json:"partial,omitempty"`
	Commands []string        `json:"commands,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// Terminal reports whether no further frames follow e.
func (e Event) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}
