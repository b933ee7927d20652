// Package storage persists chat messages and session metadata for the
// delivery pipeline. The pipeline consumes it through the narrow Store
// interface; the backing implementation here is JSONL files, one session
// per file, fsynced on append.
package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrInvalidSessionID = errors.New("invalid session id")
)

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

func validateSessionID(id string) error {
	if !sessionIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %s", ErrInvalidSessionID, id)
	}
	return nil
}

// Message is one persisted chat message.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is the persisted session record.
type Session struct {
	ID             string    `json:"id"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Title          string    `json:"title,omitempty"`
	AgentSessionID string    `json:"agent_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store is the persistence collaborator consumed by the pipeline.
type Store interface {
	CreateMessage(ctx context.Context, sessionID, role, content string) (Message, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	UpdateSessionAgentID(ctx context.Context, sessionID, agentSessionID string) error
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error
}

// Opener yields a freshly scoped Store handle per call. Turns can run long
// enough that a handle held from stream start goes stale; callers acquire
// one immediately before each persistence operation and release it after.
type Opener interface {
	Open(ctx context.Context) (Store, func(), error)
}

// FileStore implements Store over per-session JSONL message logs plus a
// JSON metadata file. It is also its own Opener: file handles are opened
// per operation, so the fresh-handle discipline holds trivially.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
}

func NewFileStore(baseDir string) (*FileStore, error) {
	sessionsDir := filepath.Join(baseDir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	if info, err := os.Stat(sessionsDir); err == nil && info.Mode().Perm()&0o077 != 0 {
		_ = os.Chmod(sessionsDir, 0o700)
	}
	return &FileStore{baseDir: baseDir}, nil
}

// Open implements Opener.
func (s *FileStore) Open(ctx context.Context) (Store, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return s, func() {}, nil
}

func (s *FileStore) messagesPath(id string) string {
	return filepath.Join(s.baseDir, "sessions", id+".messages.jsonl")
}

func (s *FileStore) sessionPath(id string) string {
	return filepath.Join(s.baseDir, "sessions", id+".json")
}

// CreateMessage appends one message record to the session's JSONL log.
func (s *FileStore) CreateMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}

	line, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.messagesPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return Message{}, fmt.Errorf("failed to open message log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Message{}, fmt.Errorf("failed to write message: %w", err)
	}
	if err := f.Sync(); err != nil {
		return Message{}, fmt.Errorf("failed to sync message log: %w", err)
	}

	return msg, nil
}

// ListMessages reads the session's message log, skipping corrupt lines.
func (s *FileStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	if err := validateSessionID(sessionID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.messagesPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var messages []Message
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// SaveSession writes the session metadata record.
func (s *FileStore) SaveSession(ctx context.Context, session Session) error {
	if err := validateSessionID(session.ID); err != nil {
		return err
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	session.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeSessionLocked(session)
}

func (s *FileStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if err := validateSessionID(sessionID); err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readSessionLocked(sessionID)
}

// UpdateSessionAgentID stores the externally assigned agent conversation id.
func (s *FileStore) UpdateSessionAgentID(ctx context.Context, sessionID, agentSessionID string) error {
	return s.mutateSession(sessionID, func(session *Session) {
		session.AgentSessionID = agentSessionID
	})
}

func (s *FileStore) UpdateSessionTitle(ctx context.Context, sessionID, title string) error {
	return s.mutateSession(sessionID, func(session *Session) {
		session.Title = title
	})
}

func (s *FileStore) mutateSession(sessionID string, fn func(*Session)) error {
	if err := validateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.readSessionLocked(sessionID)
	if errors.Is(err, ErrSessionNotFound) {
		session = Session{ID: sessionID, CreatedAt: time.Now()}
	} else if err != nil {
		return err
	}

	fn(&session)
	session.UpdatedAt = time.Now()
	return s.writeSessionLocked(session)
}

func (s *FileStore) readSessionLocked(sessionID string) (Session, error) {
	data, err := os.ReadFile(s.sessionPath(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return Session{}, err
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return Session{}, fmt.Errorf("failed to unmarshal session %s: %w", sessionID, err)
	}
	return session, nil
}

func (s *FileStore) writeSessionLocked(session Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	path := s.sessionPath(session.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}
