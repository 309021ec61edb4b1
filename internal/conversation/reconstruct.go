package conversation

import (
	"fmt"
	"strings"
)

// Reconstruct folds an ordered replay stream into an ordered message list.
//
// The stream carries no explicit message boundaries: a boundary is inferred
// whenever the author role changes. Within an assistant message, reasoning
// and running text never share a part, so an agent_message_chunk closes any
// open reasoning accumulator (and vice versa) before accumulating. A
// tool_call closes both accumulators and opens a tool-invocation part in the
// input-available state; a terminal tool_call_update flips that part to
// output-available in place. Updates with no matching open call, and event
// kinds this engine does not know, are dropped silently.
//
// The function is pure: for a fixed input it produces the same output on
// every call, including generated ids.
func Reconstruct(events []HistoryEvent) []Message {
	b := &replayBuilder{}

	for _, ev := range events {
		switch ev.Type {
		case EventUserMessageChunk:
			if ev.Text == "" {
				continue
			}
			b.setRole(RoleUser)
			b.text.WriteString(ev.Text)

		case EventAgentMessageChunk:
			if ev.Text == "" {
				continue
			}
			b.setRole(RoleAssistant)
			b.flushReasoning()
			b.text.WriteString(ev.Text)

		case EventAgentThoughtChunk:
			if ev.Text == "" {
				continue
			}
			b.setRole(RoleAssistant)
			b.flushText()
			b.reasoning.WriteString(ev.Text)

		case EventToolCall:
			b.setRole(RoleAssistant)
			b.flushText()
			b.flushReasoning()
			id := ev.ToolCallID
			if id == "" {
				b.generatedCalls++
				id = fmt.Sprintf("call-%d", b.generatedCalls)
			}
			b.parts = append(b.parts, Part{
				Type:       PartTypeToolInvocation,
				ToolCallID: id,
				ToolName:   ev.ToolName,
				State:      ToolStateInputAvailable,
				Input:      ev.RawInput,
			})

		case EventToolCallUpdate:
			if ev.ToolStatus != ToolStatusCompleted && ev.ToolStatus != ToolStatusFailed {
				continue
			}
			b.completeToolCall(ev)
		}
	}

	b.flushMessage()
	return b.messages
}

// replayBuilder accumulates parts for the message currently being inferred.
type replayBuilder struct {
	role      Role // "" until the first role-bearing event
	parts     []Part
	text      strings.Builder
	reasoning strings.Builder
	messages  []Message

	generatedCalls int
}

// setRole switches the open message to the given role, flushing the previous
// message first. Two adjacent events with the same role never split.
func (b *replayBuilder) setRole(role Role) {
	if b.role == role {
		return
	}
	b.flushMessage()
	b.role = role
}

func (b *replayBuilder) flushText() {
	if b.text.Len() == 0 {
		return
	}
	b.parts = append(b.parts, TextPart(b.text.String()))
	b.text.Reset()
}

func (b *replayBuilder) flushReasoning() {
	if b.reasoning.Len() == 0 {
		return
	}
	b.parts = append(b.parts, ReasoningPart(b.reasoning.String()))
	b.reasoning.Reset()
}

// flushMessage pushes the pending accumulators as trailing parts and emits
// the open message, if any.
func (b *replayBuilder) flushMessage() {
	b.flushReasoning()
	b.flushText()
	if b.role == "" || len(b.parts) == 0 {
		b.role = ""
		b.parts = nil
		return
	}
	b.messages = append(b.messages, Message{
		ID:    fmt.Sprintf("replay-%d", len(b.messages)+1),
		Role:  b.role,
		Parts: b.parts,
	})
	b.role = ""
	b.parts = nil
}

// completeToolCall flips the matching open tool-invocation part to
// output-available. The transition happens at most once per call id; a
// second terminal update, or an update for an unknown id, is a no-op.
func (b *replayBuilder) completeToolCall(ev HistoryEvent) {
	for i := len(b.parts) - 1; i >= 0; i-- {
		p := &b.parts[i]
		if p.Type != PartTypeToolInvocation || p.ToolCallID != ev.ToolCallID {
			continue
		}
		if p.State != ToolStateInputAvailable {
			return
		}
		p.State = ToolStateOutputAvailable
		p.Output = toolOutput(ev)
		return
	}
}

// toolOutput picks the displayed output for a completed call: the raw
// output when present, then any extracted content, then a failure
// placeholder for calls that ended in failure with nothing to show.
func toolOutput(ev HistoryEvent) any {
	if ev.RawOutput != nil {
		return ev.RawOutput
	}
	if ev.Content != "" {
		return ev.Content
	}
	if ev.ToolStatus == ToolStatusFailed {
		return "Tool call failed"
	}
	return nil
}
