package session

import (
	"strings"
	"time"
)

// Role identifies who authored a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags the variant held by a Part
type PartKind int

const (
	PartText PartKind = iota
	PartToolCall
	PartToolResult
)

// String returns the wire name of the part kind.
func (k PartKind) String() string {
	switch k {
	case PartText:
		return "text"
	case PartToolCall:
		return "tool_call"
	case PartToolResult:
		return "tool_result"
	default:
		return "unknown"
	}
}

// Part is one ordered piece of message content.
// Text is set for PartText; Name and Args for PartToolCall; Name and Payload for PartToolResult.
type Part struct {
	Kind    PartKind       `json:"kind"`
	Text    string         `json:"text,omitempty"`
	Name    string         `json:"name,omitempty"`
	CallID  string         `json:"call_id,omitempty"`
	Args    map[string]any `json:"args,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// TextPart builds a text part
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// ToolCallPart builds a tool call part
func ToolCallPart(callID, name string, args map[string]any) Part {
	return Part{Kind: PartToolCall, CallID: callID, Name: name, Args: args}
}

// ToolResultPart builds a tool result part
func ToolResultPart(callID, name string, payload map[string]any) Part {
	return Part{Kind: PartToolResult, CallID: callID, Name: name, Payload: payload}
}

// Message represents a single chat message
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Parts     []Part    `json:"parts"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	// Display overrides Text() for rendering when the text sent to the model differs
	// from what the user typed.
	Display string `json:"display,omitempty"`
	// Streaming is true while the assistant turn that owns the message is still active.
	Streaming bool `json:"streaming,omitempty"`
}

// Text concatenates the text parts of the message in order.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		switch p.Kind {
		case PartText:
			b.WriteString(p.Text)
		case PartToolCall, PartToolResult:
		}
	}
	return b.String()
}

// DisplayText returns the text a renderer should show for the message.
func (m Message) DisplayText() string {
	if m.Display != "" {
		return m.Display
	}
	return m.Text()
}

// ToolCall returns the first tool call part, if any.
func (m Message) ToolCall() (Part, bool) {
	for _, p := range m.Parts {
		switch p.Kind {
		case PartToolCall:
			return p, true
		case PartText, PartToolResult:
		}
	}
	return Part{}, false
}

func (m Message) clone() Message {
	out := m
	out.Parts = make([]Part, len(m.Parts))
	for i, p := range m.Parts {
		out.Parts[i] = p
		out.Parts[i].Args = cloneMap(p.Args)
		out.Parts[i].Payload = cloneMap(p.Payload)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
