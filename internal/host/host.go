// Package host defines the boundary between the session controller and the
// runtime that actually owns agent processes and persisted conversations.
//
// The controller receives a Runtime as an injected capability, never a
// package-level singleton, so tests substitute a fake implementation. The
// production implementation lives in internal/acphost.
package host

import (
	"context"

	"github.com/tetherhq/tether/internal/conversation"
)

// StartRequest identifies the session the controller wants started or
// resumed. ProjectPath is optional and passed through to the runtime.
type StartRequest struct {
	ConversationID string
	ProviderID     string
	WorkingDir     string
	ProjectPath    string
}

// StartResponse describes a session the runtime created or resumed.
type StartResponse struct {
	// SessionKey is the runtime-assigned handle for this session; unique
	// per start, never reused across restarts.
	SessionKey string

	// AgentSessionID is the identifier the agent protocol itself uses.
	// May be empty until the agent confirms it, and may differ from
	// SessionKey.
	AgentSessionID string

	// Resumed reports whether the runtime attached to a pre-existing
	// agent-side session. Nil means the runtime could not tell.
	Resumed *bool

	// Modes and Models are capability descriptors surfaced by the agent
	// at start time, passed through unmodified.
	Modes  any
	Models any

	// HistoryEvents is the ordered replay stream for a resumed session.
	// Empty for fresh sessions.
	HistoryEvents []conversation.HistoryEvent
}

// Transport is the send half of a live session. Send blocks until the
// agent has finished responding to the message; streamed output is
// delivered out of band by the runtime.
type Transport interface {
	Send(ctx context.Context, text string) error
}

// Runtime is the host boundary consumed by the controller.
//
// StartSession is load-bearing: its failure is surfaced to the caller.
// LoadMessages is advisory: its failure degrades to an empty history.
// DetachSession and KillSession are best-effort cleanup: callers log and
// swallow their errors, and they must never block teardown.
type Runtime interface {
	// LoadMessages returns the persisted messages for a conversation, in
	// display order.
	LoadMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)

	// StartSession creates or resumes a session for the request tuple.
	StartSession(ctx context.Context, req StartRequest) (*StartResponse, error)

	// DetachSession releases the controller's claim on a session while
	// leaving the agent-side session resumable.
	DetachSession(ctx context.Context, sessionKey string) error

	// KillSession releases a session with prejudice.
	KillSession(ctx context.Context, sessionKey string) error

	// SessionTransport returns the send handle for a started session.
	SessionTransport(sessionKey string) Transport

	// SubscribeStatus registers a callback for status pushes on the given
	// session. The callback fires zero or more times, in arrival order,
	// until the returned function is called. Status values are opaque
	// strings owned by the runtime.
	SubscribeStatus(sessionKey string, fn func(status string)) (unsubscribe func())
}
