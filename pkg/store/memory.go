package store

import (
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store used by tests and ephemeral servers.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	messages map[string][]*Message
	nextSeq  int64
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

// CreateSession stores a new session.
func (s *MemoryStore) CreateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.ID]; exists {
		return ErrSessionExists
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	sess.UpdatedAt = sess.CreatedAt
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession returns a copy of the stored session.
func (s *MemoryStore) GetSession(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// UpdateSession replaces the stored session.
func (s *MemoryStore) UpdateSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return ErrSessionNotFound
	}
	sess.UpdatedAt = time.Now().UTC()
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

// ListSessions returns all sessions, newest first.
func (s *MemoryStore) ListSessions() ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// AppendMessage assigns the next sequence number and stores the message.
func (s *MemoryStore) AppendMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[m.SessionID]; !ok {
		return ErrSessionNotFound
	}
	s.nextSeq++
	m.Seq = s.nextSeq
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

// ListMessages pages backwards through a session's messages.
func (s *MemoryStore) ListMessages(sessionID string, limit int, before int64) ([]*Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[sessionID]; !ok {
		return nil, false, ErrSessionNotFound
	}
	return pageMessages(s.messages[sessionID], limit, before)
}

// pageMessages selects the newest `limit` messages with Seq < before from an
// ascending-ordered slice, preserving ascending order in the result.
func pageMessages(all []*Message, limit int, before int64) ([]*Message, bool, error) {
	var eligible []*Message
	for _, m := range all {
		if before > 0 && m.Seq >= before {
			continue
		}
		eligible = append(eligible, m)
	}
	if limit <= 0 || limit > len(eligible) {
		limit = len(eligible)
	}
	page := eligible[len(eligible)-limit:]
	out := make([]*Message, len(page))
	for i, m := range page {
		cp := *m
		out[i] = &cp
	}
	return out, len(eligible) > limit, nil
}
