// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides session/message/credential persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'chat',
			created_at DATETIME NOT NULL,
			last_active_at DATETIME NOT NULL,

			CHECK (kind IN ('chat', 'scheduled', 'system'))
		);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			author TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,

			CHECK (role IN ('user', 'assistant'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session_created
			ON messages(session_id, created_at);

		CREATE TABLE IF NOT EXISTS credentials (
			provider TEXT PRIMARY KEY,
			api_key TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertSession inserts the session, or refreshes agent binding and activity
// time if a session with the same id already exists.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_id, kind, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			agent_id = excluded.agent_id,
			last_active_at = excluded.last_active_at`,
		session.ID, session.AgentID, string(session.Kind), session.CreatedAt, session.LastActiveAt)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id. Returns ErrNotFound if absent.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, kind, created_at, last_active_at
		FROM sessions WHERE id = ?`, id)

	var session Session
	err := row.Scan(&session.ID, &session.AgentID, &session.Kind, &session.CreatedAt, &session.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &session, nil
}

// BindAgent updates the active agent for a session.
// Returns ErrNotFound if the session does not exist.
func (s *SQLiteStore) BindAgent(ctx context.Context, sessionID, agentID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET agent_id = ?, last_active_at = ? WHERE id = ?`,
		agentID, time.Now(), sessionID)
	if err != nil {
		return fmt.Errorf("binding agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("binding agent: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchSession updates the last-active timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_active_at = ? WHERE id = ?`, time.Now(), id)
	if err != nil {
		return fmt.Errorf("touching session: %w", err)
	}
	return nil
}

// DeleteSession removes a session row. Messages referencing it are kept;
// transcript deletion is a separate administrative action.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// SaveMessage persists one chat message.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, author, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.SessionID, msg.Role, msg.Author, msg.Content, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// GetMessages returns up to limit messages for a session, oldest first.
// A limit of zero or less returns all messages.
func (s *SQLiteStore) GetMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, session_id, role, author, content, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`
	args := []any{sessionID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Author, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return messages, nil
}

// GetCredential returns the stored API key for a provider.
// Returns ErrNotFound if no credential is stored.
func (s *SQLiteStore) GetCredential(ctx context.Context, provider string) (*Credential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT provider, api_key, updated_at FROM credentials WHERE provider = ?`, provider)

	var cred Credential
	err := row.Scan(&cred.Provider, &cred.APIKey, &cred.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}
	return &cred, nil
}

// PutCredential stores or replaces a provider API key.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *Credential) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (provider, api_key, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			api_key = excluded.api_key,
			updated_at = excluded.updated_at`,
		cred.Provider, cred.APIKey, time.Now())
	if err != nil {
		return fmt.Errorf("storing credential: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
