// Package partial rebuilds an in-progress assistant turn from the
// token-level stream events the agent emits, producing renderable
// snapshots for live display. Nothing here is persisted.
package partial

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// Stream event types the accumulator understands. Anything else is ignored.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
)

const (
	BlockText     = "text"
	BlockToolUse  = "tool_use"
	BlockThinking = "thinking"
)

// Wrapper is the envelope the agent puts around each stream event.
type Wrapper struct {
	Type            string          `json:"type"`
	UUID            string          `json:"uuid,omitempty"`
	SessionID       string          `json:"session_id,omitempty"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
}

type streamEvent struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Message *struct {
		Model string `json:"model"`
	} `json:"message,omitempty"`
	ContentBlock *struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		Thinking string          `json:"thinking"`
		ID       string          `json:"id"`
		Name     string          `json:"name"`
		Input    json.RawMessage `json:"input"`
	} `json:"content_block,omitempty"`
	Delta *struct {
		Type        string  `json:"type"`
		Text        string  `json:"text"`
		Thinking    string  `json:"thinking"`
		PartialJSON string  `json:"partial_json"`
		StopReason  *string `json:"stop_reason"`
	} `json:"delta,omitempty"`
}

// Block is one content block of a snapshot.
type Block struct {
	Type     string     `json:"type"`
	Text     string     `json:"text,omitempty"`
	Thinking string     `json:"thinking,omitempty"`
	ID       string     `json:"id,omitempty"`
	Name     string     `json:"name,omitempty"`
	Input    *ToolInput `json:"input,omitempty"`
}

// Snapshot is the renderable state of the turn so far.
type Snapshot struct {
	// ID is a transient identifier for the turn, not a durable sequence.
	ID              string  `json:"id"`
	UUID            string  `json:"uuid,omitempty"`
	SessionID       string  `json:"session_id,omitempty"`
	ParentToolUseID *string `json:"parent_tool_use_id"`
	Model           string  `json:"model,omitempty"`
	StopReason      *string `json:"stop_reason"`
	Content         []Block `json:"content"`
}

type blockState struct {
	index    int
	typ      string
	text     strings.Builder
	thinking strings.Builder
	id       string
	name     string
	initial  json.RawMessage
	rawInput strings.Builder
}

// Accumulator is the per-query state machine. It is not safe for
// concurrent use; the query pump owns it.
type Accumulator struct {
	started    bool
	stopped    bool
	id         string
	model      string
	stopReason *string
	blocks     []*blockState
	newID      func() string
}

func New() *Accumulator {
	return &Accumulator{newID: uuid.NewString}
}

// Active reports whether a turn is being accumulated.
func (a *Accumulator) Active() bool {
	return a.started
}

// Stopped reports whether message_stop was seen for the current turn,
// meaning the next durable assistant message completes it.
func (a *Accumulator) Stopped() bool {
	return a.started && a.stopped
}

// Reset discards the current turn. Call it when the durable message for
// the turn arrives.
func (a *Accumulator) Reset() {
	a.started = false
	a.stopped = false
	a.id = ""
	a.model = ""
	a.stopReason = nil
	a.blocks = nil
}

// Apply decodes a raw stream_event line and applies it. Undecodable input
// yields no snapshot.
func (a *Accumulator) Apply(raw []byte) (Snapshot, bool) {
	var w Wrapper
	if err := json.Unmarshal(raw, &w); err != nil {
		return Snapshot{}, false
	}
	return a.ApplyWrapper(w)
}

// ApplyWrapper applies one stream event and returns a snapshot when the
// event changed renderable state.
func (a *Accumulator) ApplyWrapper(w Wrapper) (Snapshot, bool) {
	if len(w.Event) == 0 {
		return Snapshot{}, false
	}
	var ev streamEvent
	if err := json.Unmarshal(w.Event, &ev); err != nil {
		return Snapshot{}, false
	}

	if ev.Type == EventMessageStart {
		a.Reset()
		a.started = true
		a.id = a.newID()
		if ev.Message != nil {
			a.model = ev.Message.Model
		}
		return Snapshot{}, false
	}
	if !a.started {
		return Snapshot{}, false
	}

	switch ev.Type {
	case EventContentBlockStart:
		if ev.ContentBlock == nil {
			return Snapshot{}, false
		}
		b := &blockState{
			index:   ev.Index,
			typ:     ev.ContentBlock.Type,
			id:      ev.ContentBlock.ID,
			name:    ev.ContentBlock.Name,
			initial: ev.ContentBlock.Input,
		}
		b.text.WriteString(ev.ContentBlock.Text)
		b.thinking.WriteString(ev.ContentBlock.Thinking)
		a.blocks = append(a.blocks, b)
	case EventContentBlockDelta:
		if ev.Delta == nil {
			return Snapshot{}, false
		}
		b := a.block(ev.Index)
		if b == nil {
			return Snapshot{}, false
		}
		switch ev.Delta.Type {
		case "text_delta":
			b.text.WriteString(ev.Delta.Text)
		case "thinking_delta":
			b.thinking.WriteString(ev.Delta.Thinking)
		case "input_json_delta":
			b.rawInput.WriteString(ev.Delta.PartialJSON)
		default:
			return Snapshot{}, false
		}
	case EventContentBlockStop:
	case EventMessageDelta:
		if ev.Delta != nil && ev.Delta.StopReason != nil {
			reason := *ev.Delta.StopReason
			a.stopReason = &reason
		}
	case EventMessageStop:
		a.stopped = true
	default:
		return Snapshot{}, false
	}
	return a.snapshot(w), true
}

func (a *Accumulator) block(index int) *blockState {
	for i := len(a.blocks) - 1; i >= 0; i-- {
		if a.blocks[i].index == index {
			return a.blocks[i]
		}
	}
	return nil
}

func (a *Accumulator) snapshot(w Wrapper) Snapshot {
	snap := Snapshot{
		ID:              a.id,
		UUID:            w.UUID,
		SessionID:       w.SessionID,
		ParentToolUseID: w.ParentToolUseID,
		Model:           a.model,
		StopReason:      a.stopReason,
		Content:         make([]Block, 0, len(a.blocks)),
	}
	for _, b := range a.blocks {
		out := Block{
			Type:     b.typ,
			Text:     b.text.String(),
			Thinking: b.thinking.String(),
			ID:       b.id,
			Name:     b.name,
		}
		if b.typ == BlockToolUse {
			input := ParseToolInput(b.rawInput.String(), b.initial)
			out.Input = &input
		}
		snap.Content = append(snap.Content, out)
	}
	return snap
}
