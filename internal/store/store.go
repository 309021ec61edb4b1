// Package store provides durable conversation persistence for Tether.
// Each conversation occupies one directory under the base directory with a
// messages.jsonl append-only log and a metadata.json file.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tetherhq/tether/internal/conversation"
	"github.com/tetherhq/tether/internal/logging"
)

const (
	messagesFileName = "messages.jsonl"
	metadataFileName = "metadata.json"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrStoreClosed          = errors.New("store is closed")
)

// Metadata contains conversation metadata stored separately from the
// message log.
type Metadata struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	ProviderID     string    `json:"provider_id"`
	WorkingDir     string    `json:"working_dir"`
	AgentSessionID string    `json:"agent_session_id,omitempty"` // agent-assigned id for resumption
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MessageCount   int       `json:"message_count"`
}

// storedMessage is the on-disk message format. Text carries the
// concatenated plain-text content alongside the structured parts, so a
// reader can fall back to something displayable when the parts cannot be
// decoded.
type storedMessage struct {
	ID    string            `json:"id"`
	Role  conversation.Role `json:"role"`
	Parts json.RawMessage   `json:"parts,omitempty"`
	Text  string            `json:"text,omitempty"`
}

// Store provides conversation persistence operations.
// It is safe for concurrent use.
type Store struct {
	baseDir string
	mu      sync.RWMutex
	closed  bool
}

// NewStore creates a new conversation store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	log := logging.Store()
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create conversations directory: %w", err)
	}
	log.Debug("conversation store initialized", "base_dir", baseDir)
	return &Store{baseDir: baseDir}, nil
}

// conversationDir returns the directory path for a conversation.
func (s *Store) conversationDir(conversationID string) string {
	return filepath.Join(s.baseDir, conversationID)
}

// messagesPath returns the message log path for a conversation.
func (s *Store) messagesPath(conversationID string) string {
	return filepath.Join(s.conversationDir(conversationID), messagesFileName)
}

// metadataPath returns the metadata file path for a conversation.
func (s *Store) metadataPath(conversationID string) string {
	return filepath.Join(s.conversationDir(conversationID), metadataFileName)
}

// Create creates a new conversation with the given metadata.
func (s *Store) Create(meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}

	dir := s.conversationDir(meta.ConversationID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create conversation directory: %w", err)
	}

	// Create empty message log
	f, err := os.Create(s.messagesPath(meta.ConversationID))
	if err != nil {
		return fmt.Errorf("failed to create messages file: %w", err)
	}
	f.Close()

	meta.CreatedAt = time.Now()
	meta.UpdatedAt = meta.CreatedAt
	meta.MessageCount = 0

	if err := s.writeMetadata(meta); err != nil {
		return err
	}

	logging.Store().Debug("conversation created",
		"conversation_id", meta.ConversationID,
		"provider_id", meta.ProviderID,
		"working_dir", meta.WorkingDir)
	return nil
}

// AppendMessage appends a message to the conversation's log and bumps the
// metadata counters.
func (s *Store) AppendMessage(conversationID string, msg conversation.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if !s.existsLocked(conversationID) {
		return ErrConversationNotFound
	}

	parts, err := json.Marshal(msg.Parts)
	if err != nil {
		return fmt.Errorf("failed to marshal message parts: %w", err)
	}
	line, err := json.Marshal(storedMessage{
		ID:    msg.ID,
		Role:  msg.Role,
		Parts: parts,
		Text:  msg.Text(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	f, err := os.OpenFile(s.messagesPath(conversationID), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	return s.updateMetadataLocked(conversationID, func(meta *Metadata) {
		meta.MessageCount++
	})
}

// ReadMessages reads all messages from a conversation's log in display
// order. A line whose parts cannot be decoded degrades to a single text
// part carrying the stored plain text; it is never an error.
func (s *Store) ReadMessages(conversationID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	if !s.existsLocked(conversationID) {
		return nil, ErrConversationNotFound
	}

	f, err := os.Open(s.messagesPath(conversationID))
	if err != nil {
		return nil, fmt.Errorf("failed to open messages file: %w", err)
	}
	defer f.Close()

	log := logging.Store()
	var messages []conversation.Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, ok := decodeStoredLine(line)
		if !ok {
			log.Warn("skipping undecodable message line",
				"conversation_id", conversationID)
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	return messages, nil
}

// decodeStoredLine decodes one message log line. Malformed parts degrade
// to a single text part; only a line that is not valid JSON at all is
// reported as undecodable.
func decodeStoredLine(line []byte) (conversation.Message, bool) {
	var stored storedMessage
	if err := json.Unmarshal(line, &stored); err != nil {
		return conversation.Message{}, false
	}

	msg := conversation.Message{ID: stored.ID, Role: stored.Role}
	if len(stored.Parts) > 0 {
		var parts []conversation.Part
		if err := json.Unmarshal(stored.Parts, &parts); err == nil {
			msg.Parts = parts
			return msg, true
		}
	}

	// Parts missing or unparseable: fall back to the raw text content.
	text := stored.Text
	if text == "" && len(stored.Parts) > 0 {
		text = string(stored.Parts)
	}
	if text != "" {
		msg.Parts = []conversation.Part{conversation.TextPart(text)}
	}
	return msg, true
}

// GetMetadata retrieves the metadata for a conversation.
func (s *Store) GetMetadata(conversationID string) (Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Metadata{}, ErrStoreClosed
	}
	return s.readMetadata(conversationID)
}

// UpdateMetadata updates the metadata for a conversation using the
// provided update function.
func (s *Store) UpdateMetadata(conversationID string, updateFn func(*Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	return s.updateMetadataLocked(conversationID, updateFn)
}

func (s *Store) updateMetadataLocked(conversationID string, updateFn func(*Metadata)) error {
	meta, err := s.readMetadata(conversationID)
	if err != nil {
		return err
	}
	updateFn(&meta)
	meta.UpdatedAt = time.Now()
	return s.writeMetadata(meta)
}

// List returns metadata for all conversations, newest first.
func (s *Store) List() ([]Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read conversations directory: %w", err)
	}

	var result []Metadata
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.readMetadata(entry.Name())
		if err != nil {
			logging.Store().Warn("skipping conversation with unreadable metadata",
				"conversation_id", entry.Name(), "error", err)
			continue
		}
		result = append(result, meta)
	}

	// Newest first by update time.
	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

// Delete removes a conversation and all its data.
func (s *Store) Delete(conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if !s.existsLocked(conversationID) {
		return ErrConversationNotFound
	}
	return os.RemoveAll(s.conversationDir(conversationID))
}

// Exists checks if a conversation exists.
func (s *Store) Exists(conversationID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.existsLocked(conversationID)
}

func (s *Store) existsLocked(conversationID string) bool {
	if conversationID == "" {
		return false
	}
	_, err := os.Stat(s.metadataPath(conversationID))
	return err == nil
}

// Close closes the store. Further operations return ErrStoreClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) readMetadata(conversationID string) (Metadata, error) {
	data, err := os.ReadFile(s.metadataPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return Metadata{}, ErrConversationNotFound
		}
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	return meta, nil
}

func (s *Store) writeMetadata(meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Write to a temp file and rename for atomicity.
	path := s.metadataPath(meta.ConversationID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename metadata: %w", err)
	}
	return nil
}
