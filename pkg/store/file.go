package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// FileStore is a Store backed by the state directory: one JSON file per
// session plus one NDJSON append log of messages per session. All reads are
// served from memory; writes go through to disk.
type FileStore struct {
	dir      string
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	logs     map[string]*os.File
	nextSeq  int64
}

// NewFileStore opens (or creates) the store rooted at dir and loads all
// existing sessions and message logs.
func NewFileStore(dir string) (*FileStore, error) {
	sessionsDir := filepath.Join(dir, "sessions")
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions dir: %w", err)
	}

	fs := &FileStore{
		dir:      dir,
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
		logs:     make(map[string]*os.File),
	}
	if err := fs.load(sessionsDir); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileStore) load(sessionsDir string) error {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return fmt.Errorf("failed to read sessions dir: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(sessionsDir, name))
		if err != nil {
			return fmt.Errorf("failed to read session file %q: %w", name, err)
		}
		var sess Session
		if err := json.Unmarshal(data, &sess); err != nil {
			// A corrupt session file should not take down the whole store.
			continue
		}
		fs.sessions[sess.ID] = &sess
		if err := fs.loadMessages(sess.ID); err != nil {
			return err
		}
	}
	return nil
}

func (fs *FileStore) loadMessages(sessionID string) error {
	path := fs.messagesPath(sessionID)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open message log for %q: %w", sessionID, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 128*1024), 10*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			// Skip torn or corrupt records; the rest of the log is still good.
			continue
		}
		fs.messages[sessionID] = append(fs.messages[sessionID], &m)
		if m.Seq > fs.nextSeq {
			fs.nextSeq = m.Seq
		}
	}
	return scanner.Err()
}

func (fs *FileStore) sessionPath(id string) string {
	return filepath.Join(fs.dir, "sessions", id+".json")
}

func (fs *FileStore) messagesPath(id string) string {
	return filepath.Join(fs.dir, "sessions", id+".messages.ndjson")
}

// writeSessionLocked persists a session atomically via temp file + rename.
func (fs *FileStore) writeSessionLocked(sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Join(fs.dir, "sessions")
	tmp, err := os.CreateTemp(dir, ".session-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp session file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp session file: %w", err)
	}
	if err := os.Rename(tmpPath, fs.sessionPath(sess.ID)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (fs *FileStore) logLocked(sessionID string) (*os.File, error) {
	if f, ok := fs.logs[sessionID]; ok {
		return f, nil
	}
	f, err := os.OpenFile(fs.messagesPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open message log: %w", err)
	}
	fs.logs[sessionID] = f
	return f, nil
}

// CreateSession stores a new session.
func (fs *FileStore) CreateSession(sess *Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, exists := fs.sessions[sess.ID]; exists {
		return ErrSessionExists
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	cp := *sess
	if err := fs.writeSessionLocked(&cp); err != nil {
		return err
	}
	fs.sessions[sess.ID] = &cp
	return nil
}

// GetSession returns a copy of the stored session.
func (fs *FileStore) GetSession(id string) (*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	sess, ok := fs.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// UpdateSession replaces the stored session.
func (fs *FileStore) UpdateSession(sess *Session) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	cp := *sess
	if err := fs.writeSessionLocked(&cp); err != nil {
		return err
	}
	fs.sessions[sess.ID] = &cp
	return nil
}

// ListSessions returns all sessions.
func (fs *FileStore) ListSessions() ([]*Session, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	out := make([]*Session, 0, len(fs.sessions))
	for _, sess := range fs.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	return out, nil
}

// AppendMessage assigns the next sequence number and appends to the log.
func (fs *FileStore) AppendMessage(m *Message) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.sessions[m.SessionID]; !ok {
		return ErrSessionNotFound
	}
	fs.nextSeq++
	m.Seq = fs.nextSeq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	f, err := fs.logLocked(m.SessionID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}

	cp := *m
	fs.messages[m.SessionID] = append(fs.messages[m.SessionID], &cp)
	return nil
}

// ListMessages pages backwards through a session's messages.
func (fs *FileStore) ListMessages(sessionID string, limit int, before int64) ([]*Message, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	if _, ok := fs.sessions[sessionID]; !ok {
		return nil, false, ErrSessionNotFound
	}
	return pageMessages(fs.messages[sessionID], limit, before)
}

// Close closes all open message logs.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var firstErr error
	for id, f := range fs.logs {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(fs.logs, id)
	}
	return firstErr
}
