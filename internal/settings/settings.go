// Package settings resolves the per-session bundle of prompt text,
// environment and tool configuration handed to the agent.
package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"sync"
)

// Bundle is the opaque per-session configuration passed to the agent.
// Values are forwarded, never interpreted.
type Bundle struct {
	SystemPrompt string
	Env          map[string]string
	MCPServers   map[string]json.RawMessage
	GitToken     string
}

// Clone returns a deep copy so callers can add entries safely.
func (b Bundle) Clone() Bundle {
	out := Bundle{SystemPrompt: b.SystemPrompt, GitToken: b.GitToken}
	if b.Env != nil {
		out.Env = maps.Clone(b.Env)
	}
	if b.MCPServers != nil {
		out.MCPServers = make(map[string]json.RawMessage, len(b.MCPServers))
		for k, v := range b.MCPServers {
			out.MCPServers[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// Resolver supplies the bundle for a session.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string) (Bundle, error)
}

// MCPServer is the config-file form of one external tool server.
type MCPServer struct {
	Name    string
	Type    string
	Command string
	Args    []string
	Env     map[string]string
	URL     string
	Headers map[string]string
}

// JSON renders the server in the shape the agent's --mcp-config expects.
func (s MCPServer) JSON() (json.RawMessage, error) {
	m := map[string]any{}
	switch s.Type {
	case "http", "sse":
		m["type"] = s.Type
		m["url"] = s.URL
		if len(s.Headers) > 0 {
			m["headers"] = s.Headers
		}
	default:
		if s.Type != "" {
			m["type"] = s.Type
		}
		m["command"] = s.Command
		if len(s.Args) > 0 {
			m["args"] = s.Args
		}
		if len(s.Env) > 0 {
			m["env"] = s.Env
		}
	}
	return json.Marshal(m)
}

// Source is the static input a Static resolver is built from.
type Source struct {
	SystemPrompt string
	// SystemPromptFile is read on every Resolve when set, so edits apply
	// to the next query.
	SystemPromptFile string
	Env              map[string]string
	// PassEnv names host environment variables copied into the bundle
	// when present.
	PassEnv    []string
	MCPServers []MCPServer
	// GitTokenEnv names the host environment variable holding the token
	// used for clones.
	GitTokenEnv string
}

// Static resolves the same bundle for every session.
type Static struct {
	mu     sync.RWMutex
	src    Source
	mcp    map[string]json.RawMessage
	lookup func(string) (string, bool)
}

// NewStatic validates src and returns a resolver for it.
func NewStatic(src Source) (*Static, error) {
	s := &Static{lookup: os.LookupEnv}
	if err := s.Update(src); err != nil {
		return nil, err
	}
	return s, nil
}

// Update swaps in a new source after validating it. On error the previous
// source stays active.
func (s *Static) Update(src Source) error {
	mcp := make(map[string]json.RawMessage, len(src.MCPServers))
	for _, srv := range src.MCPServers {
		if _, dup := mcp[srv.Name]; dup {
			return fmt.Errorf("mcp server %q defined twice", srv.Name)
		}
		raw, err := srv.JSON()
		if err != nil {
			return fmt.Errorf("encode mcp server %q: %w", srv.Name, err)
		}
		mcp[srv.Name] = raw
	}
	if err := ValidateMCPServers(mcp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.src = src
	s.mcp = mcp
	return nil
}

func (s *Static) Resolve(ctx context.Context, _ string) (Bundle, error) {
	if err := ctx.Err(); err != nil {
		return Bundle{}, err
	}
	s.mu.RLock()
	src := s.src
	mcp := s.mcp
	s.mu.RUnlock()

	b := Bundle{SystemPrompt: src.SystemPrompt, Env: map[string]string{}}
	if src.SystemPromptFile != "" {
		data, err := os.ReadFile(src.SystemPromptFile)
		if err != nil && !os.IsNotExist(err) {
			return Bundle{}, fmt.Errorf("read system prompt: %w", err)
		}
		if len(data) > 0 {
			b.SystemPrompt = string(data)
		}
	}
	for _, name := range src.PassEnv {
		if v, ok := s.lookup(name); ok && v != "" {
			b.Env[name] = v
		}
	}
	maps.Copy(b.Env, src.Env)
	if src.GitTokenEnv != "" {
		b.GitToken, _ = s.lookup(src.GitTokenEnv)
	}
	if len(mcp) > 0 {
		b.MCPServers = mcp
	}
	return b.Clone(), nil
}
