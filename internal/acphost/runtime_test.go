package acphost

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tetherhq/tether/internal/conversation"
	"github.com/tetherhq/tether/internal/host"
	"github.com/tetherhq/tether/internal/providers"
	"github.com/tetherhq/tether/internal/store"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		command string
		want    []string
		wantErr bool
	}{
		{"simple", "claude-code-acp", []string{"claude-code-acp"}, false},
		{"with flags", "gemini --experimental-acp", []string{"gemini", "--experimental-acp"}, false},
		{"quoted argument", `sh -c 'cd /dir && cmd'`, []string{"sh", "-c", "cd /dir && cmd"}, false},
		{"empty", "", nil, true},
		{"unclosed quote", `agent --name "oops`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseCommand(tt.command)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseCommand(%q) error = %v, wantErr %v", tt.command, err, tt.wantErr)
			}
			if err == nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseCommand(%q) = %v, want %v", tt.command, got, tt.want)
			}
		})
	}
}

func newTestRuntime(t *testing.T) (*Runtime, *store.Store) {
	t.Helper()
	s, err := store.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	registry, err := providers.NewRegistry(filepath.Join(t.TempDir(), "providers.yaml"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	rt := New(Config{Registry: registry, Store: s})
	t.Cleanup(func() { rt.Close() })
	return rt, s
}

func TestLoadMessagesUnknownConversation(t *testing.T) {
	rt, _ := newTestRuntime(t)

	messages, err := rt.LoadMessages(context.Background(), "missing")
	if err != nil {
		t.Fatalf("LoadMessages() error = %v, want nil for unknown conversation", err)
	}
	if len(messages) != 0 {
		t.Errorf("LoadMessages() = %v, want empty", messages)
	}
}

func TestLoadMessagesReadsStore(t *testing.T) {
	rt, s := newTestRuntime(t)

	if err := s.Create(store.Metadata{ConversationID: "conv-1", ProviderID: "claude"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	msg := conversation.Message{
		ID:    "m1",
		Role:  conversation.RoleUser,
		Parts: []conversation.Part{conversation.TextPart("Hi")},
	}
	if err := s.AppendMessage("conv-1", msg); err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}

	messages, err := rt.LoadMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("LoadMessages() error = %v", err)
	}
	if len(messages) != 1 || messages[0].Text() != "Hi" {
		t.Errorf("LoadMessages() = %+v, want the stored message", messages)
	}
}

func TestStartSessionUnknownProvider(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, err := rt.StartSession(context.Background(), host.StartRequest{
		ConversationID: "conv-1",
		ProviderID:     "nope",
	})
	if !errors.Is(err, providers.ErrProviderNotFound) {
		t.Errorf("StartSession() error = %v, want ErrProviderNotFound", err)
	}
}

func TestSessionTransportUnknownSession(t *testing.T) {
	rt, _ := newTestRuntime(t)

	tr := rt.SessionTransport("gone")
	if err := tr.Send(context.Background(), "hello"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Send() error = %v, want ErrSessionNotFound", err)
	}
}

func TestDetachUnknownSession(t *testing.T) {
	rt, _ := newTestRuntime(t)

	if err := rt.DetachSession(context.Background(), "gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("DetachSession() error = %v, want ErrSessionNotFound", err)
	}
	if err := rt.KillSession(context.Background(), "gone"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("KillSession() error = %v, want ErrSessionNotFound", err)
	}
}

func TestSubscribeStatus(t *testing.T) {
	rt, _ := newTestRuntime(t)

	var got []string
	unsub := rt.SubscribeStatus("sess-1", func(status string) {
		got = append(got, status)
	})

	rt.pushStatus("sess-1", StatusBusy)
	rt.pushStatus("other", "ignored")
	rt.pushStatus("sess-1", StatusIdle)

	if !reflect.DeepEqual(got, []string{StatusBusy, StatusIdle}) {
		t.Errorf("statuses = %v, want [busy idle]", got)
	}

	unsub()
	rt.pushStatus("sess-1", StatusBusy)
	if len(got) != 2 {
		t.Errorf("received %d statuses after unsubscribe, want 2", len(got))
	}
}

func TestHandleEventRouting(t *testing.T) {
	var live []conversation.HistoryEvent
	rt := New(Config{
		Registry: mustRegistry(t),
		OnEvent: func(sessionKey string, ev conversation.HistoryEvent) {
			live = append(live, ev)
		},
	})
	defer rt.Close()

	sess := &agentSession{rt: rt, key: "sess-1", log: rt.log}
	sess.ctx, sess.cancel = context.WithCancel(context.Background())

	// During replay, events accumulate in the replay buffer.
	sess.replaying.Store(true)
	sess.handleEvent(conversation.UserChunk("Hi"))
	sess.handleEvent(conversation.AgentChunk("Hello"))
	sess.replaying.Store(false)

	if len(sess.replayEvents) != 2 {
		t.Errorf("replayEvents = %d, want 2", len(sess.replayEvents))
	}
	if len(live) != 0 {
		t.Errorf("live events during replay = %d, want 0", len(live))
	}

	// Live agent events go to the turn buffer and the observer.
	sess.handleEvent(conversation.AgentChunk("streamed"))
	if len(sess.turnEvents) != 1 {
		t.Errorf("turnEvents = %d, want 1", len(sess.turnEvents))
	}
	if len(live) != 1 || live[0].Text != "streamed" {
		t.Errorf("live = %+v, want the streamed chunk", live)
	}

	// Live user chunks are dropped; prompts are persisted at send time.
	sess.handleEvent(conversation.UserChunk("echo"))
	if len(sess.turnEvents) != 1 {
		t.Errorf("turnEvents after user chunk = %d, want 1", len(sess.turnEvents))
	}

	// A closed session drops everything.
	sess.closed.Store(true)
	sess.handleEvent(conversation.AgentChunk("late"))
	if len(sess.turnEvents) != 1 {
		t.Errorf("turnEvents after close = %d, want 1", len(sess.turnEvents))
	}
}

func mustRegistry(t *testing.T) *providers.Registry {
	t.Helper()
	registry, err := providers.NewRegistry(filepath.Join(t.TempDir(), "providers.yaml"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return registry
}
