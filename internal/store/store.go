// ABOUTME: Store interface and data types for hearth-gateway persistence
// ABOUTME: Defines Session, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SessionKind classifies a business session's lifecycle.
type SessionKind string

// Session kinds. Chat sessions are long-lived; scheduled and system sessions
// are ephemeral and their backends never survive a turn.
const (
	SessionKindChat      SessionKind = "chat"
	SessionKindScheduled SessionKind = "scheduled"
	SessionKindSystem    SessionKind = "system"
)

// Session represents a business session: the user-visible conversation
// identity, independent of which agent currently answers it.
type Session struct {
	ID           string
	AgentID      string
	Kind         SessionKind
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// Message roles
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message within a business session.
type Message struct {
	ID        string
	SessionID string
	Role      string // "user" or "assistant"
	Author    string // platform user id, or "agent:<id>"
	Content   string
	CreatedAt time.Time
}

// Credential is a stored provider API key.
type Credential struct {
	Provider  string
	APIKey    string
	UpdatedAt time.Time
}

// Store defines the interface for session, message and credential persistence
type Store interface {
	// Sessions
	UpsertSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	BindAgent(ctx context.Context, sessionID, agentID string) error
	TouchSession(ctx context.Context, id string) error
	DeleteSession(ctx context.Context, id string) error

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)

	// Credentials
	GetCredential(ctx context.Context, provider string) (*Credential, error)
	PutCredential(ctx context.Context, cred *Credential) error

	Close() error
}
