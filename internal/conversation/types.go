// Package conversation defines the message model shared by the session
// controller, the persisted store and the host runtime, together with the
// engine that rebuilds a message timeline from a replayed event stream.
package conversation

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// PartType discriminates the Part union.
type PartType string

const (
	PartTypeText           PartType = "text"
	PartTypeReasoning      PartType = "reasoning"
	PartTypeToolInvocation PartType = "tool-invocation"
)

// ToolState is the lifecycle state of a tool-invocation part. A part moves
// from input-available to output-available at most once.
type ToolState string

const (
	ToolStateInputAvailable  ToolState = "input-available"
	ToolStateOutputAvailable ToolState = "output-available"
)

// Part is one piece of a message. It is a flattened tagged union: Type
// selects which of the remaining fields are meaningful. Text carries the
// content for both text and reasoning parts; the tool fields are only set
// for tool-invocation parts.
type Part struct {
	Type PartType `json:"type"`

	// Text content for text and reasoning parts.
	Text string `json:"text,omitempty"`

	// Tool invocation fields.
	ToolCallID string    `json:"tool_call_id,omitempty"`
	ToolName   string    `json:"tool_name,omitempty"`
	State      ToolState `json:"state,omitempty"`
	Input      any       `json:"input,omitempty"`
	Output     any       `json:"output,omitempty"`
}

// TextPart returns a text part with the given content.
func TextPart(text string) Part {
	return Part{Type: PartTypeText, Text: text}
}

// ReasoningPart returns a reasoning part with the given content.
func ReasoningPart(text string) Part {
	return Part{Type: PartTypeReasoning, Text: text}
}

// Message is a single conversation turn. Ordering of messages within a
// conversation, and of parts within a message, is the display order.
type Message struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// Text concatenates the content of all text parts in display order.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			out += p.Text
		}
	}
	return out
}
