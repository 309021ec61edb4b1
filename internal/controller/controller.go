// Package controller owns the lifecycle of one agent session per
// conversation: the parallel start calls, the reconciliation of persisted
// and replayed history, transport binding, status subscription, and
// restart/teardown.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tetherhq/tether/internal/conversation"
	"github.com/tetherhq/tether/internal/host"
	"github.com/tetherhq/tether/internal/logging"
	"github.com/tetherhq/tether/internal/transport"
)

// Core statuses owned by the controller. The host pushes further statuses
// (busy, idle, waiting) which pass through as opaque strings.
const (
	StatusInitializing = "initializing"
	StatusReady        = "ready"
	StatusError        = "error"
)

var ErrControllerClosed = errors.New("controller is closed")

// Session is the controller's view of the currently started session.
type Session struct {
	Key            string
	AgentSessionID string
	Resumed        *bool
	Modes          any
	Models         any
}

// Config configures a Controller. Runtime is required; the rest identify
// the conversation the controller drives.
type Config struct {
	Runtime        host.Runtime
	ConversationID string
	ProviderID     string
	WorkingDir     string
	ProjectPath    string

	// Logger defaults to the controller component logger.
	Logger *slog.Logger

	// OnStatusChange, when set, observes every status transition. It is
	// called without internal locks held and may re-enter the controller.
	OnStatusChange func(status string)
}

// Controller drives exactly one current session at a time. A restart
// supersedes the running generation: results of in-flight calls from an
// older generation are discarded on arrival, and a stale successful start
// is detached so the host does not leak a session nobody references.
//
// Controller is safe for concurrent use.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	generation  uint64
	starting    bool
	closed      bool
	status      string
	startErr    error
	session     *Session
	lazy        *transport.Lazy
	messages    []conversation.Message
	unsubscribe func()
}

// New creates a controller. The transport handle exists immediately so
// callers can issue sends before Start has completed.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = logging.Controller()
	}
	log = logging.WithSessionContext(log, "", cfg.ConversationID, cfg.WorkingDir)

	return &Controller{
		cfg:    cfg,
		log:    log,
		status: StatusInitializing,
		lazy:   transport.NewLazy(),
	}
}

// Start creates or resumes the session. It issues the persisted-message
// load and the session start concurrently and applies neither result
// until both have settled. A load failure degrades to an empty history;
// a start failure is returned, sets the error status and fails the
// transport so a buffered send receives the same error.
//
// The current generation admits one attempt: Start returns nil without
// doing anything when a session is already running or another attempt is
// in flight. Only a restart, which moves the generation, starts over.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	if c.starting || c.session != nil {
		c.mu.Unlock()
		return nil
	}
	c.starting = true
	gen := c.generation
	lazy := c.lazy
	c.mu.Unlock()

	var (
		persisted []conversation.Message
		loadErr   error
		resp      *host.StartResponse
		startErr  error
	)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		persisted, loadErr = c.cfg.Runtime.LoadMessages(ctx, c.cfg.ConversationID)
	}()
	go func() {
		defer wg.Done()
		resp, startErr = c.cfg.Runtime.StartSession(ctx, host.StartRequest{
			ConversationID: c.cfg.ConversationID,
			ProviderID:     c.cfg.ProviderID,
			WorkingDir:     c.cfg.WorkingDir,
			ProjectPath:    c.cfg.ProjectPath,
		})
	}()
	wg.Wait()

	c.mu.Lock()
	if c.closed || gen != c.generation {
		// This generation was superseded while the calls were in flight;
		// the supersede already released the starting claim. A successful
		// start still produced a live session on the host; release it so
		// it is not orphaned.
		c.mu.Unlock()
		if startErr == nil && resp != nil {
			c.detachStale(resp.SessionKey)
		}
		return nil
	}
	c.starting = false

	if startErr != nil {
		c.status = StatusError
		c.startErr = startErr
		c.mu.Unlock()

		lazy.Fail(startErr)
		c.log.Error("session start failed", "error", startErr)
		c.notifyStatus(StatusError)
		return startErr
	}

	sess := &Session{
		Key:            resp.SessionKey,
		AgentSessionID: resp.AgentSessionID,
		Resumed:        resp.Resumed,
		Modes:          resp.Modes,
		Models:         resp.Models,
	}
	c.session = sess
	c.status = StatusReady
	c.startErr = nil
	c.messages = c.resolveHistoryLocked(resp.HistoryEvents, persisted, loadErr)
	c.mu.Unlock()

	lazy.Bind(c.cfg.Runtime.SessionTransport(sess.Key))

	key := sess.Key
	unsub := c.cfg.Runtime.SubscribeStatus(key, func(status string) {
		c.applyStatus(key, status)
	})

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		// Superseded between apply and subscribe. The session itself was
		// already released by the restart or close that moved the
		// generation; only the fresh subscription is ours to undo.
		unsub()
		return nil
	}
	c.unsubscribe = unsub
	c.mu.Unlock()

	c.log.Debug("session started",
		"agent_session_id", sess.AgentSessionID,
		"resumed", resp.Resumed != nil && *resp.Resumed)
	c.notifyStatus(StatusReady)
	return nil
}

// resolveHistoryLocked picks the initial message list. Replay events win
// when present because only they reconstruct the user's own messages in
// order; persisted messages are the fallback for sessions that were never
// actually resumed.
func (c *Controller) resolveHistoryLocked(events []conversation.HistoryEvent, persisted []conversation.Message, loadErr error) []conversation.Message {
	if len(events) > 0 {
		if len(persisted) > 0 {
			c.log.Debug("replayed history supersedes persisted messages",
				"persisted_count", len(persisted), "event_count", len(events))
		}
		return conversation.Reconstruct(events)
	}
	if loadErr != nil {
		c.log.Warn("failed to load persisted messages", "error", loadErr)
		return nil
	}
	return persisted
}

// Restart kills the current session with prejudice and runs a fresh start
// under a new generation with a brand-new transport handle. A caller
// buffered on the old transport is rejected with a disposal error.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	old := c.session
	oldUnsub := c.unsubscribe
	oldLazy := c.lazy
	c.session = nil
	c.unsubscribe = nil
	c.generation++
	c.starting = false
	c.status = StatusInitializing
	c.startErr = nil
	c.messages = nil
	c.lazy = transport.NewLazy()
	c.mu.Unlock()

	if oldUnsub != nil {
		oldUnsub()
	}
	if oldLazy != nil {
		oldLazy.Fail(&transport.DisposedError{Reason: "session restarted"})
	}
	if old != nil {
		key := old.Key
		go func() {
			if err := c.cfg.Runtime.KillSession(context.Background(), key); err != nil {
				c.log.Warn("failed to kill session during restart",
					"session_key", key, "error", err)
			}
		}()
	}

	c.notifyStatus(StatusInitializing)
	return c.Start(ctx)
}

// Close releases the controller. The current session is detached, not
// killed, so the agent-side session stays resumable. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.generation++
	c.starting = false
	old := c.session
	oldUnsub := c.unsubscribe
	oldLazy := c.lazy
	c.session = nil
	c.unsubscribe = nil
	c.mu.Unlock()

	if oldUnsub != nil {
		oldUnsub()
	}
	if oldLazy != nil {
		oldLazy.Fail(&transport.DisposedError{Reason: "controller closed"})
	}
	if old != nil {
		if err := c.cfg.Runtime.DetachSession(context.Background(), old.Key); err != nil {
			c.log.Warn("failed to detach session during close",
				"session_key", old.Key, "error", err)
		}
	}
	return nil
}

// detachStale releases a session whose start result arrived after its
// generation was superseded. Fire and forget: the session belongs to no
// one, so nothing can wait on the outcome.
func (c *Controller) detachStale(sessionKey string) {
	c.log.Debug("discarding stale session start", "session_key", sessionKey)
	go func() {
		if err := c.cfg.Runtime.DetachSession(context.Background(), sessionKey); err != nil {
			c.log.Debug("failed to detach stale session",
				"session_key", sessionKey, "error", err)
		}
	}()
}

// applyStatus handles one status push. Pushes from a subscription that
// outlived its session are discarded.
func (c *Controller) applyStatus(sessionKey, status string) {
	c.mu.Lock()
	if c.closed || c.session == nil || c.session.Key != sessionKey {
		c.mu.Unlock()
		return
	}
	c.status = status
	c.mu.Unlock()
	c.notifyStatus(status)
}

func (c *Controller) notifyStatus(status string) {
	if c.cfg.OnStatusChange != nil {
		c.cfg.OnStatusChange(status)
	}
}

// Status returns the current observable status.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Err returns the stored start failure, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startErr
}

// Messages returns the initial message list resolved by the last
// successful start.
func (c *Controller) Messages() []conversation.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]conversation.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Transport returns the send handle for the current generation. It is
// usable immediately; sends issued before the session is ready are
// buffered by the lazy transport.
func (c *Controller) Transport() host.Transport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lazy
}

// Session returns a copy of the current session, or nil if none is
// started.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	s := *c.session
	return &s
}
