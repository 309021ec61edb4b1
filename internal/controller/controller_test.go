package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tetherhq/tether/internal/conversation"
	"github.com/tetherhq/tether/internal/host"
	"github.com/tetherhq/tether/internal/transport"
)

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Send(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeTransport) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeRuntime implements host.Runtime with controllable behavior.
type fakeRuntime struct {
	mu sync.Mutex

	persisted []conversation.Message
	loadErr   error

	history  []conversation.HistoryEvent
	startErr error
	// startGate, when non-nil, blocks StartSession until it receives.
	startGate chan struct{}

	nextKey    int
	startCalls int
	transports map[string]*fakeTransport
	subs       map[string]func(string)
	detached   []string
	killed     []string
	unsubCount int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		transports: make(map[string]*fakeTransport),
		subs:       make(map[string]func(string)),
	}
}

func (f *fakeRuntime) LoadMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.persisted, f.loadErr
}

func (f *fakeRuntime) StartSession(ctx context.Context, req host.StartRequest) (*host.StartResponse, error) {
	f.mu.Lock()
	f.startCalls++
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.nextKey++
	key := fmt.Sprintf("sess-%d", f.nextKey)
	f.transports[key] = &fakeTransport{}
	return &host.StartResponse{
		SessionKey:     key,
		AgentSessionID: "agent-" + key,
		HistoryEvents:  f.history,
	}, nil
}

func (f *fakeRuntime) DetachSession(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detached = append(f.detached, sessionKey)
	return nil
}

func (f *fakeRuntime) KillSession(ctx context.Context, sessionKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, sessionKey)
	return nil
}

func (f *fakeRuntime) SessionTransport(sessionKey string) host.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transports[sessionKey]
}

func (f *fakeRuntime) SubscribeStatus(sessionKey string, fn func(status string)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[sessionKey] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs, sessionKey)
		f.unsubCount++
	}
}

func (f *fakeRuntime) push(sessionKey, status string) {
	f.mu.Lock()
	fn := f.subs[sessionKey]
	f.mu.Unlock()
	if fn != nil {
		fn(status)
	}
}

func (f *fakeRuntime) detachedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.detached...)
}

func (f *fakeRuntime) killedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.killed...)
}

func (f *fakeRuntime) startCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.startCalls
}

func (f *fakeRuntime) createdSessions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextKey
}

func (f *fakeRuntime) liveSubCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestController(rt *fakeRuntime) *Controller {
	return New(Config{
		Runtime:        rt,
		ConversationID: "conv-1",
		ProviderID:     "claude",
		WorkingDir:     "/tmp/project",
	})
}

func TestStartSuccessUsesPersistedMessages(t *testing.T) {
	rt := newFakeRuntime()
	rt.persisted = []conversation.Message{
		{ID: "m1", Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("Hi")}},
	}

	c := newTestController(rt)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.Status() != StatusReady {
		t.Errorf("Status() = %q, want %q", c.Status(), StatusReady)
	}

	messages := c.Messages()
	if len(messages) != 1 || messages[0].ID != "m1" {
		t.Errorf("Messages() = %+v, want the persisted message", messages)
	}

	sess := c.Session()
	if sess == nil || sess.Key != "sess-1" {
		t.Errorf("Session() = %+v, want key sess-1", sess)
	}
}

func TestStartPrefersReplayOverPersisted(t *testing.T) {
	rt := newFakeRuntime()
	rt.persisted = []conversation.Message{
		{ID: "old", Role: conversation.RoleUser, Parts: []conversation.Part{conversation.TextPart("stale")}},
	}
	rt.history = []conversation.HistoryEvent{
		conversation.UserChunk("Hi"),
		conversation.AgentChunk("Hello"),
	}

	c := newTestController(rt)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	messages := c.Messages()
	if len(messages) != 2 {
		t.Fatalf("Messages() returned %d messages, want 2 reconstructed", len(messages))
	}
	if messages[0].Text() != "Hi" || messages[1].Text() != "Hello" {
		t.Errorf("Messages() = %+v, want reconstructed replay", messages)
	}
}

func TestStartLoadFailureDegradesToEmpty(t *testing.T) {
	rt := newFakeRuntime()
	rt.loadErr = errors.New("store unavailable")

	c := newTestController(rt)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v, want nil despite load failure", err)
	}
	if c.Status() != StatusReady {
		t.Errorf("Status() = %q, want %q", c.Status(), StatusReady)
	}
	if len(c.Messages()) != 0 {
		t.Errorf("Messages() = %+v, want empty", c.Messages())
	}
}

func TestStartFailurePropagatesToTransport(t *testing.T) {
	rt := newFakeRuntime()
	rt.startErr = errors.New("provider not installed")

	c := newTestController(rt)
	defer c.Close()

	err := c.Start(context.Background())
	if !errors.Is(err, rt.startErr) {
		t.Fatalf("Start() error = %v, want %v", err, rt.startErr)
	}
	if c.Status() != StatusError {
		t.Errorf("Status() = %q, want %q", c.Status(), StatusError)
	}
	if !errors.Is(c.Err(), rt.startErr) {
		t.Errorf("Err() = %v, want %v", c.Err(), rt.startErr)
	}

	// A send issued after the failure fails fast with the same error.
	sendErr := c.Transport().Send(context.Background(), "hello")
	if !errors.Is(sendErr, rt.startErr) {
		t.Errorf("Send() error = %v, want %v", sendErr, rt.startErr)
	}
}

func TestSendBufferedBeforeStartForwardsAfterBind(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestController(rt)
	defer c.Close()

	lz := c.Transport().(*transport.Lazy)
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- lz.Send(context.Background(), "early")
	}()

	// Let the send buffer before starting.
	waitFor(t, "buffered send", lz.Pending)

	if err := lz.Send(context.Background(), "dup"); !errors.Is(err, transport.ErrSendPending) {
		t.Fatalf("second send error = %v, want ErrSendPending", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-sendDone:
		if err != nil {
			t.Fatalf("buffered Send() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("buffered send never settled")
	}

	rt.mu.Lock()
	tr := rt.transports["sess-1"]
	rt.mu.Unlock()
	if tr.sentCount() != 1 {
		t.Errorf("real transport received %d sends, want 1", tr.sentCount())
	}
}

func TestStatusPushApplied(t *testing.T) {
	rt := newFakeRuntime()

	var mu sync.Mutex
	var observed []string
	c := New(Config{
		Runtime:        rt,
		ConversationID: "conv-1",
		ProviderID:     "claude",
		WorkingDir:     "/tmp/project",
		OnStatusChange: func(status string) {
			mu.Lock()
			observed = append(observed, status)
			mu.Unlock()
		},
	})
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	rt.push("sess-1", "busy")
	if c.Status() != "busy" {
		t.Errorf("Status() = %q, want %q", c.Status(), "busy")
	}

	// A push for a key that is not the current session is discarded.
	rt.subs["stale"] = func(s string) {}
	c.applyStatus("stale", "idle")
	if c.Status() != "busy" {
		t.Errorf("Status() = %q after stale push, want %q", c.Status(), "busy")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) == 0 || observed[len(observed)-1] != "busy" {
		t.Errorf("observed statuses = %v, want trailing busy", observed)
	}
}

func TestRestartFreshness(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestController(rt)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	first := c.Session().Key
	oldTransport := c.Transport()

	if err := c.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	second := c.Session().Key
	if second == first {
		t.Errorf("session key after restart = %q, want a fresh key", second)
	}
	if c.Transport() == oldTransport {
		t.Error("Transport() after restart is the old handle, want a fresh one")
	}

	// The old session is killed, not detached.
	waitFor(t, "kill of old session", func() bool {
		killed := rt.killedKeys()
		return len(killed) == 1 && killed[0] == first
	})

	// The old transport is disposed.
	var disposed *transport.DisposedError
	err := oldTransport.Send(context.Background(), "late")
	if !errors.As(err, &disposed) {
		t.Errorf("old transport Send() error = %v, want DisposedError", err)
	}

	// Exactly one subscription remains live.
	rt.mu.Lock()
	subCount := len(rt.subs)
	unsubCount := rt.unsubCount
	rt.mu.Unlock()
	if subCount != 1 {
		t.Errorf("live subscriptions = %d, want 1", subCount)
	}
	if unsubCount != 1 {
		t.Errorf("released subscriptions = %d, want 1", unsubCount)
	}
}

func TestRestartDuringPendingStartDiscardsStaleResult(t *testing.T) {
	rt := newFakeRuntime()
	// Buffered: the pending start may be coalesced away, leaving only one
	// session start to consume a token.
	rt.startGate = make(chan struct{}, 2)

	c := newTestController(rt)
	defer c.Close()

	startDone := make(chan error, 1)
	go func() {
		startDone <- c.Start(context.Background())
	}()

	// Wait until the first start attempt is blocked inside the runtime,
	// then restart underneath it.
	waitFor(t, "first start in flight", func() bool {
		return rt.startCallCount() == 1
	})

	restartDone := make(chan error, 1)
	go func() {
		restartDone <- c.Restart(context.Background())
	}()

	// Release both starts. The first to pass the gate may belong to
	// either generation; only the current generation's result sticks.
	rt.startGate <- struct{}{}
	rt.startGate <- struct{}{}

	if err := <-startDone; err != nil {
		t.Fatalf("stale Start() error = %v, want nil (discarded)", err)
	}
	if err := <-restartDone; err != nil {
		t.Fatalf("Restart() error = %v", err)
	}

	sess := c.Session()
	if sess == nil {
		t.Fatal("Session() = nil after restart")
	}

	// Every session other than the current one is released one way or the
	// other: detached if its result arrived after the restart superseded
	// it, killed if it managed to apply first and the restart replaced it.
	waitFor(t, "stale session release", func() bool {
		released := make(map[string]bool)
		for _, k := range append(rt.detachedKeys(), rt.killedKeys()...) {
			released[k] = true
		}
		for i := 1; i <= rt.createdSessions(); i++ {
			key := fmt.Sprintf("sess-%d", i)
			if key != sess.Key && !released[key] {
				return false
			}
		}
		return true
	})

	// Exactly the current session's subscription survives.
	if got := rt.liveSubCount(); got != 1 {
		t.Errorf("live subscriptions = %d, want 1", got)
	}
}

func TestStartWhileStartInFlightCoalesces(t *testing.T) {
	rt := newFakeRuntime()
	rt.startGate = make(chan struct{})

	c := newTestController(rt)
	defer c.Close()

	startDone := make(chan error, 1)
	go func() {
		startDone <- c.Start(context.Background())
	}()
	waitFor(t, "first start in flight", func() bool {
		return rt.startCallCount() == 1
	})

	// A second Start for the same generation is a no-op, not a second
	// session.
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("concurrent Start() error = %v, want nil", err)
	}

	rt.startGate <- struct{}{}
	if err := <-startDone; err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if got := rt.startCallCount(); got != 1 {
		t.Errorf("StartSession calls = %d, want 1", got)
	}
	if got := rt.createdSessions(); got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
	if got := rt.liveSubCount(); got != 1 {
		t.Errorf("live subscriptions = %d, want 1", got)
	}
}

func TestStartAfterStartKeepsSession(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestController(rt)
	defer c.Close()

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	key := c.Session().Key

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("second Start() error = %v, want nil", err)
	}
	if got := c.Session().Key; got != key {
		t.Errorf("session key after second Start = %q, want %q", got, key)
	}
	if got := rt.createdSessions(); got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
}

func TestCloseDetachesAndRejectsPendingSend(t *testing.T) {
	rt := newFakeRuntime()
	rt.startGate = make(chan struct{})

	c := newTestController(rt)

	lz := c.Transport().(*transport.Lazy)
	sendDone := make(chan error, 1)
	go func() {
		sendDone <- lz.Send(context.Background(), "pending")
	}()
	waitFor(t, "buffered send", lz.Pending)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	var disposed *transport.DisposedError
	select {
	case err := <-sendDone:
		if !errors.As(err, &disposed) {
			t.Errorf("pending Send() error = %v, want DisposedError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending send never settled after Close")
	}

	if err := c.Start(context.Background()); !errors.Is(err, ErrControllerClosed) {
		t.Errorf("Start() after Close error = %v, want ErrControllerClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}

func TestCloseDetachesCurrentSession(t *testing.T) {
	rt := newFakeRuntime()
	c := newTestController(rt)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	key := c.Session().Key

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	detached := rt.detachedKeys()
	if len(detached) != 1 || detached[0] != key {
		t.Errorf("detached = %v, want [%s]", detached, key)
	}
	if len(rt.killedKeys()) != 0 {
		t.Errorf("killed = %v, want none on normal close", rt.killedKeys())
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(rt.subs) != 0 {
		t.Errorf("live subscriptions after Close = %d, want 0", len(rt.subs))
	}
}
