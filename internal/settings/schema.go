package settings

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// mcpServerSchema accepts the two server shapes the agent understands:
// a local command speaking stdio, or a remote http/sse endpoint.
const mcpServerSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "oneOf": [
    {
      "type": "object",
      "properties": {
        "type":    {"const": "stdio"},
        "command": {"type": "string", "minLength": 1},
        "args":    {"type": "array", "items": {"type": "string"}},
        "env":     {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "required": ["command"],
      "additionalProperties": false
    },
    {
      "type": "object",
      "properties": {
        "type":    {"enum": ["http", "sse"]},
        "url":     {"type": "string", "pattern": "^https?://"},
        "headers": {"type": "object", "additionalProperties": {"type": "string"}}
      },
      "required": ["type", "url"],
      "additionalProperties": false
    }
  ]
}`

var compiledMCPSchema = mustCompile(mcpServerSchema)

func mustCompile(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("unmarshal mcp schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("mcp-server.json", doc); err != nil {
		panic(fmt.Sprintf("add mcp schema resource: %v", err))
	}
	schema, err := c.Compile("mcp-server.json")
	if err != nil {
		panic(fmt.Sprintf("compile mcp schema: %v", err))
	}
	return schema
}

// ValidateMCPServers checks every server config against the accepted
// shapes. Errors name the offending server.
func ValidateMCPServers(servers map[string]json.RawMessage) error {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("mcp server with empty name")
		}
		// jsonschema.UnmarshalJSON keeps numbers as json.Number.
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(servers[name])))
		if err != nil {
			return fmt.Errorf("mcp server %q: invalid JSON: %w", name, err)
		}
		if err := compiledMCPSchema.Validate(doc); err != nil {
			return fmt.Errorf("mcp server %q: %w", name, err)
		}
	}
	return nil
}
