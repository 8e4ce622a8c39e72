// Package store holds the durable session and message model the turn
// machinery reads and writes, with in-memory and file-backed backends.
package store

import (
	"errors"
	"time"

	"github.com/hatch-run/hatch/pkg/event"
)

// Sentinel errors shared by all backends.
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
)

// Mode selects the interaction mode for a session.
type Mode string

const (
	// ModeCode auto-accepts file edits.
	ModeCode Mode = "code"
	// ModePlan forces a stricter permission stance.
	ModePlan Mode = "plan"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is the durable per-conversation record. The turn machinery only
// touches the subset needed to run a turn and to set the title once.
type Session struct {
	ID                string    `json:"id"`
	WorkDir           string    `json:"work_dir"`
	Model             string    `json:"model,omitempty"`
	Mode              Mode      `json:"mode"`
	UpstreamSessionID string    `json:"upstream_session_id,omitempty"`
	SkipPermissions   bool      `json:"skip_permissions,omitempty"`
	Title             string    `json:"title,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Message is one persisted unit of conversation. Content is plain text when
// the turn produced no tool blocks, otherwise a JSON-encoded block list,
// never a mix.
type Message struct {
	// Seq is a monotonic row identifier used as pagination cursor.
	Seq       int64        `json:"seq"`
	SessionID string       `json:"session_id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Usage     *event.Usage `json:"usage,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// SessionStore persists sessions.
type SessionStore interface {
	CreateSession(s *Session) error
	GetSession(id string) (*Session, error)
	UpdateSession(s *Session) error
	ListSessions() ([]*Session, error)
}

// MessageStore persists messages in append order.
type MessageStore interface {
	// AppendMessage assigns the next sequence number and stores the message.
	AppendMessage(m *Message) error
	// ListMessages returns up to limit messages for the session, newest page
	// last, restricted to Seq < before when before > 0. hasMore reports
	// whether older messages remain beyond the returned page.
	ListMessages(sessionID string, limit int, before int64) (msgs []*Message, hasMore bool, err error)
}

// Store bundles both stores; every backend implements it.
type Store interface {
	SessionStore
	MessageStore
}
