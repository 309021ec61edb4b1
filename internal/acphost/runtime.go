// Package acphost implements the host runtime over ACP agent subprocesses.
// Each started session owns one spawned agent process, speaks the Agent
// Client Protocol over its stdio, and persists the resulting conversation
// turns to the store.
package acphost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/coder/acp-go-sdk"
	"github.com/google/uuid"

	"github.com/tetherhq/tether/internal/conversation"
	"github.com/tetherhq/tether/internal/host"
	"github.com/tetherhq/tether/internal/logging"
	"github.com/tetherhq/tether/internal/providers"
	"github.com/tetherhq/tether/internal/store"
)

// Statuses pushed to subscribers around each prompt turn.
const (
	StatusBusy = "busy"
	StatusIdle = "idle"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrPromptInProgress = errors.New("a prompt is already in progress")
	ErrSessionClosed    = errors.New("session is closed")
	ErrRuntimeClosed    = errors.New("runtime is closed")
)

// Config configures the runtime. Registry is required; Store is optional
// and disables persistence when nil.
type Config struct {
	Registry *providers.Registry
	Store    *store.Store
	Logger   *slog.Logger

	// AutoApprove answers agent permission prompts with the first allow
	// option. When false, permission requests are cancelled.
	AutoApprove bool

	// OnEvent, when set, observes live session events as they stream in.
	// It is called from the connection's receive loop and must not block.
	OnEvent func(sessionKey string, ev conversation.HistoryEvent)
}

// Runtime implements host.Runtime over ACP agent subprocesses.
type Runtime struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	closed   bool
	sessions map[string]*agentSession
	subs     map[string]map[int]func(string)
	nextSub  int
}

var _ host.Runtime = (*Runtime)(nil)

// New creates a runtime.
func New(cfg Config) *Runtime {
	log := cfg.Logger
	if log == nil {
		log = logging.Host()
	}
	return &Runtime{
		cfg:      cfg,
		log:      log,
		sessions: make(map[string]*agentSession),
		subs:     make(map[string]map[int]func(string)),
	}
}

// LoadMessages returns the persisted messages for a conversation. A
// conversation that does not exist yet has an empty history.
func (r *Runtime) LoadMessages(ctx context.Context, conversationID string) ([]conversation.Message, error) {
	if r.cfg.Store == nil || !r.cfg.Store.Exists(conversationID) {
		return nil, nil
	}
	return r.cfg.Store.ReadMessages(conversationID)
}

// StartSession spawns the provider's agent process and creates or resumes
// an agent-side session. When the conversation has a stored agent session
// id and the agent supports loading, the session is resumed and the
// replayed events are returned; otherwise a fresh session is created.
func (r *Runtime) StartSession(ctx context.Context, req host.StartRequest) (*host.StartResponse, error) {
	provider, err := r.cfg.Registry.Get(req.ProviderID)
	if err != nil {
		return nil, err
	}

	storedAgentID := ""
	if r.cfg.Store != nil {
		if !r.cfg.Store.Exists(req.ConversationID) {
			err := r.cfg.Store.Create(store.Metadata{
				ConversationID: req.ConversationID,
				ProviderID:     req.ProviderID,
				WorkingDir:     req.WorkingDir,
			})
			if err != nil {
				return nil, fmt.Errorf("failed to create conversation: %w", err)
			}
		} else if meta, err := r.cfg.Store.GetMetadata(req.ConversationID); err == nil {
			storedAgentID = meta.AgentSessionID
		}
	}

	key := uuid.NewString()
	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &agentSession{
		rt:             r,
		key:            key,
		conversationID: req.ConversationID,
		ctx:            sessCtx,
		cancel:         cancel,
		log:            logging.WithSessionContext(r.log, key, req.ConversationID, req.WorkingDir),
	}

	resp, err := sess.start(ctx, provider, req, storedAgentID)
	if err != nil {
		sess.shutdown()
		return nil, err
	}

	if r.cfg.Store != nil && sess.agentID != "" && sess.agentID != storedAgentID {
		err := r.cfg.Store.UpdateMetadata(req.ConversationID, func(m *store.Metadata) {
			m.AgentSessionID = sess.agentID
		})
		if err != nil {
			sess.log.Warn("failed to store agent session id", "error", err)
		}
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		sess.shutdown()
		return nil, ErrRuntimeClosed
	}
	r.sessions[key] = sess
	r.mu.Unlock()

	return resp, nil
}

// DetachSession releases the session's process while keeping the stored
// agent session id, so a later start can resume the agent-side session.
func (r *Runtime) DetachSession(ctx context.Context, sessionKey string) error {
	sess := r.takeSession(sessionKey)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.log.Debug("detaching session")
	sess.shutdown()
	return nil
}

// KillSession releases the session with prejudice: the stored agent
// session id is forgotten so the next start creates a fresh session.
func (r *Runtime) KillSession(ctx context.Context, sessionKey string) error {
	sess := r.takeSession(sessionKey)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.log.Debug("killing session")
	sess.shutdown()

	if r.cfg.Store != nil {
		err := r.cfg.Store.UpdateMetadata(sess.conversationID, func(m *store.Metadata) {
			m.AgentSessionID = ""
		})
		if err != nil && !errors.Is(err, store.ErrConversationNotFound) {
			sess.log.Warn("failed to clear agent session id", "error", err)
		}
	}
	return nil
}

// SessionTransport returns the send handle for a session. The handle
// resolves the session on every send, so it stays valid to hold after the
// session is gone and fails with ErrSessionNotFound instead.
func (r *Runtime) SessionTransport(sessionKey string) host.Transport {
	return &promptTransport{rt: r, key: sessionKey}
}

// SubscribeStatus registers a status callback for a session.
func (r *Runtime) SubscribeStatus(sessionKey string, fn func(status string)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.subs[sessionKey] == nil {
		r.subs[sessionKey] = make(map[int]func(string))
	}
	r.nextSub++
	id := r.nextSub
	r.subs[sessionKey][id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if subs, ok := r.subs[sessionKey]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(r.subs, sessionKey)
			}
		}
	}
}

// CancelPrompt interrupts the in-flight prompt on a session, if any.
func (r *Runtime) CancelPrompt(ctx context.Context, sessionKey string) error {
	sess := r.session(sessionKey)
	if sess == nil {
		return ErrSessionNotFound
	}
	return sess.conn.Cancel(ctx, acp.CancelNotification{
		SessionId: acp.SessionId(sess.agentID),
	})
}

// Close shuts down every live session.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*agentSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*agentSession)
	r.subs = make(map[string]map[int]func(string))
	r.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	return nil
}

func (r *Runtime) session(sessionKey string) *agentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionKey]
}

// takeSession removes a session and its subscriptions from the runtime.
func (r *Runtime) takeSession(sessionKey string) *agentSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess := r.sessions[sessionKey]
	delete(r.sessions, sessionKey)
	delete(r.subs, sessionKey)
	return sess
}

func (r *Runtime) pushStatus(sessionKey, status string) {
	r.mu.Lock()
	fns := make([]func(string), 0, len(r.subs[sessionKey]))
	for _, fn := range r.subs[sessionKey] {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

// agentSession is one spawned agent process and its protocol connection.
type agentSession struct {
	rt             *Runtime
	key            string
	conversationID string
	agentID        string
	cmd            *exec.Cmd
	conn           *acp.ClientSideConnection
	ctx            context.Context
	cancel         context.CancelFunc
	log            *slog.Logger
	closed         atomic.Bool

	// replaying marks the window during session loading when updates are
	// replayed history rather than live output.
	replaying atomic.Bool

	eventsMu     sync.Mutex
	replayEvents []conversation.HistoryEvent
	turnEvents   []conversation.HistoryEvent

	promptMu  sync.Mutex
	prompting bool
}

// start spawns the agent process, initializes the protocol and creates or
// resumes the agent-side session.
func (s *agentSession) start(ctx context.Context, provider providers.Provider, req host.StartRequest, storedAgentID string) (*host.StartResponse, error) {
	args, err := parseCommand(provider.Command)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(s.ctx, args[0], args[1:]...)
	cmd.Stderr = os.Stderr
	if req.WorkingDir != "" {
		cmd.Dir = req.WorkingDir
	}
	if len(provider.Env) > 0 {
		cmd.Env = append(os.Environ(), provider.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe error: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe error: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start agent process: %w", err)
	}
	s.cmd = cmd

	client := &agentClient{session: s, autoApprove: s.rt.cfg.AutoApprove}
	s.conn = acp.NewClientSideConnection(client, stdin, stdout)
	// The SDK logs connection chatter at INFO; downgrade it so it only
	// shows up when debugging.
	s.conn.SetLogger(logging.DowngradeInfoToDebug(s.log))

	initResp, err := s.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize agent: %w", err)
	}

	cwd := req.WorkingDir
	if cwd == "" {
		cwd = "."
	}

	// Try to resume the stored agent-side session if the agent supports it.
	if storedAgentID != "" && initResp.AgentCapabilities.LoadSession {
		resp, err := s.loadSession(ctx, storedAgentID, cwd)
		if err == nil {
			return resp, nil
		}
		s.log.Warn("failed to load agent session, creating a new one",
			"agent_session_id", storedAgentID, "error", err)
	}

	sessResp, err := s.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent session: %w", err)
	}
	s.agentID = string(sessResp.SessionId)
	s.log.Debug("created agent session", "agent_session_id", s.agentID)

	resumed := false
	return &host.StartResponse{
		SessionKey:     s.key,
		AgentSessionID: s.agentID,
		Resumed:        &resumed,
	}, nil
}

// loadSession resumes an existing agent-side session, collecting the
// replayed history events delivered during the load call.
func (s *agentSession) loadSession(ctx context.Context, agentSessionID, cwd string) (*host.StartResponse, error) {
	s.replaying.Store(true)
	defer s.replaying.Store(false)

	loadResp, err := s.conn.LoadSession(ctx, acp.LoadSessionRequest{
		SessionId:  acp.SessionId(agentSessionID),
		Cwd:        cwd,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return nil, err
	}
	s.agentID = agentSessionID

	s.eventsMu.Lock()
	events := s.replayEvents
	s.replayEvents = nil
	s.eventsMu.Unlock()

	s.log.Debug("resumed agent session",
		"agent_session_id", agentSessionID, "replayed_events", len(events))

	resumed := true
	return &host.StartResponse{
		SessionKey:     s.key,
		AgentSessionID: s.agentID,
		Resumed:        &resumed,
		Modes:          loadResp.Modes,
		Models:         loadResp.Models,
		HistoryEvents:  events,
	}, nil
}

// handleEvent routes one converted session update. During a load call the
// event belongs to the replay stream; afterwards it belongs to the current
// prompt turn.
func (s *agentSession) handleEvent(ev conversation.HistoryEvent) {
	if s.closed.Load() {
		return
	}
	if s.replaying.Load() {
		s.eventsMu.Lock()
		s.replayEvents = append(s.replayEvents, ev)
		s.eventsMu.Unlock()
		return
	}

	// User prompts are persisted at send time, not echoed back.
	if ev.Type == conversation.EventUserMessageChunk {
		return
	}

	s.eventsMu.Lock()
	s.turnEvents = append(s.turnEvents, ev)
	s.eventsMu.Unlock()

	if s.rt.cfg.OnEvent != nil {
		s.rt.cfg.OnEvent(s.key, ev)
	}
}

// prompt sends one user message and blocks until the agent finishes the
// turn. The user message and the reconstructed agent turn are persisted.
func (s *agentSession) prompt(ctx context.Context, text string) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	s.promptMu.Lock()
	if s.prompting {
		s.promptMu.Unlock()
		return ErrPromptInProgress
	}
	s.prompting = true
	s.promptMu.Unlock()
	defer func() {
		s.promptMu.Lock()
		s.prompting = false
		s.promptMu.Unlock()
	}()

	s.persistMessage(conversation.Message{
		ID:    uuid.NewString(),
		Role:  conversation.RoleUser,
		Parts: []conversation.Part{conversation.TextPart(text)},
	})

	s.eventsMu.Lock()
	s.turnEvents = nil
	s.eventsMu.Unlock()

	s.rt.pushStatus(s.key, StatusBusy)
	defer s.rt.pushStatus(s.key, StatusIdle)

	_, err := s.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: acp.SessionId(s.agentID),
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})

	s.persistTurn()

	if err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}
	return nil
}

// persistTurn reconstructs the accumulated turn events into messages and
// appends them to the store.
func (s *agentSession) persistTurn() {
	s.eventsMu.Lock()
	events := s.turnEvents
	s.turnEvents = nil
	s.eventsMu.Unlock()

	if len(events) == 0 {
		return
	}
	for _, msg := range conversation.Reconstruct(events) {
		msg.ID = uuid.NewString()
		s.persistMessage(msg)
	}
}

func (s *agentSession) persistMessage(msg conversation.Message) {
	if s.rt.cfg.Store == nil {
		return
	}
	if err := s.rt.cfg.Store.AppendMessage(s.conversationID, msg); err != nil {
		s.log.Error("failed to persist message", "role", msg.Role, "error", err)
	}
}

// shutdown terminates the agent process. Idempotent.
func (s *agentSession) shutdown() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.cancel()
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		go s.cmd.Wait()
	}
}

// promptTransport is the host.Transport for one session key. It resolves
// the session on every send so a stale handle fails instead of dangling.
type promptTransport struct {
	rt  *Runtime
	key string
}

func (t *promptTransport) Send(ctx context.Context, text string) error {
	sess := t.rt.session(t.key)
	if sess == nil {
		return ErrSessionNotFound
	}
	return sess.prompt(ctx, text)
}
