package conversation

// HistoryEventType identifies the kind of a replayed protocol event.
type HistoryEventType string

const (
	EventUserMessageChunk  HistoryEventType = "user_message_chunk"
	EventAgentMessageChunk HistoryEventType = "agent_message_chunk"
	EventAgentThoughtChunk HistoryEventType = "agent_thought_chunk"
	EventToolCall          HistoryEventType = "tool_call"
	EventToolCallUpdate    HistoryEventType = "tool_call_update"
)

// Tool call statuses carried by tool_call_update events. Only the terminal
// ones change a reconstructed part; everything else is progress noise.
const (
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// HistoryEvent is a single replayed protocol event, emitted by the host when
// a session is resumed. It is a flattened tagged union: Type selects which
// fields are meaningful. Event kinds other than the constants above are
// ignored by the reconstruction engine.
type HistoryEvent struct {
	Type HistoryEventType `json:"type"`

	// Text content for the chunk event kinds.
	Text string `json:"text,omitempty"`

	// Tool call fields.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	ToolStatus string `json:"tool_status,omitempty"`
	RawInput   any    `json:"raw_input,omitempty"`
	RawOutput  any    `json:"raw_output,omitempty"`

	// Content is displayable output extracted from a tool_call_update,
	// used when the event carries no raw output.
	Content string `json:"content,omitempty"`
}

// UserChunk returns a user_message_chunk event.
func UserChunk(text string) HistoryEvent {
	return HistoryEvent{Type: EventUserMessageChunk, Text: text}
}

// AgentChunk returns an agent_message_chunk event.
func AgentChunk(text string) HistoryEvent {
	return HistoryEvent{Type: EventAgentMessageChunk, Text: text}
}

// ThoughtChunk returns an agent_thought_chunk event.
func ThoughtChunk(text string) HistoryEvent {
	return HistoryEvent{Type: EventAgentThoughtChunk, Text: text}
}
