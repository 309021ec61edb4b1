package acphost

import (
	"strings"

	"github.com/coder/acp-go-sdk"

	"github.com/tetherhq/tether/internal/conversation"
)

// historyEventFromUpdate maps one protocol session update onto the event
// model consumed by the reconstruction engine. Side-channel kinds (plans,
// mode changes, command lists) report ok=false and are dropped.
func historyEventFromUpdate(u acp.SessionUpdate) (conversation.HistoryEvent, bool) {
	switch {
	case u.UserMessageChunk != nil:
		if t := u.UserMessageChunk.Content.Text; t != nil {
			return conversation.UserChunk(t.Text), true
		}
	case u.AgentMessageChunk != nil:
		if t := u.AgentMessageChunk.Content.Text; t != nil {
			return conversation.AgentChunk(t.Text), true
		}
	case u.AgentThoughtChunk != nil:
		if t := u.AgentThoughtChunk.Content.Text; t != nil {
			return conversation.ThoughtChunk(t.Text), true
		}
	case u.ToolCall != nil:
		return conversation.HistoryEvent{
			Type:       conversation.EventToolCall,
			ToolCallID: string(u.ToolCall.ToolCallId),
			ToolName:   u.ToolCall.Title,
			ToolStatus: string(u.ToolCall.Status),
			RawInput:   u.ToolCall.RawInput,
		}, true
	case u.ToolCallUpdate != nil:
		ev := conversation.HistoryEvent{
			Type:       conversation.EventToolCallUpdate,
			ToolCallID: string(u.ToolCallUpdate.ToolCallId),
			RawOutput:  u.ToolCallUpdate.RawOutput,
			Content:    toolCallContentText(u.ToolCallUpdate.Content),
		}
		if u.ToolCallUpdate.Status != nil {
			ev.ToolStatus = string(*u.ToolCallUpdate.Status)
		}
		return ev, true
	}
	return conversation.HistoryEvent{}, false
}

// toolCallContentText concatenates the text blocks of a tool call's
// content. Diff and terminal content have no inline text to show.
func toolCallContentText(content []acp.ToolCallContent) string {
	var b strings.Builder
	for _, cc := range content {
		if cc.Content == nil {
			continue
		}
		if t := cc.Content.Content.Text; t != nil {
			b.WriteString(t.Text)
		}
	}
	return b.String()
}
