package partial

import "encoding/json"

// ToolInput is a tool invocation's arguments as they stream in. While the
// accumulated JSON is incomplete it holds the raw text; once the text
// parses it holds the decoded value.
type ToolInput struct {
	value  any
	raw    string
	parsed bool
}

// ParseToolInput speculatively parses raw. When raw is empty the block's
// initial input (usually {}) is used instead.
func ParseToolInput(raw string, initial json.RawMessage) ToolInput {
	if raw == "" {
		if len(initial) == 0 {
			return ToolInput{value: map[string]any{}, parsed: true}
		}
		raw = string(initial)
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return ToolInput{raw: raw}
	}
	return ToolInput{value: v, raw: raw, parsed: true}
}

// Parsed returns the decoded value and true once the input is complete JSON.
func (t ToolInput) Parsed() (any, bool) {
	return t.value, t.parsed
}

// Raw returns the accumulated text.
func (t ToolInput) Raw() string {
	return t.raw
}

type rawPartial struct {
	Partial bool   `json:"__partial"`
	Raw     string `json:"raw"`
}

// MarshalJSON encodes parsed input as itself and incomplete input as
// {"__partial": true, "raw": "..."}.
func (t ToolInput) MarshalJSON() ([]byte, error) {
	if t.parsed {
		return json.Marshal(t.value)
	}
	return json.Marshal(rawPartial{Partial: true, Raw: t.raw})
}
