// Package postgres implements steward.Store using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stewardhq/steward"
)

// Store implements steward.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ steward.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables and indexes.
// Safe to call multiple times (all statements are idempotent).
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			memory TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			UNIQUE(user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			uploaded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}
	return nil
}

// GetOrCreateUser upserts a user row by username.
func (s *Store) GetOrCreateUser(ctx context.Context, username string) (steward.User, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, username, memory, created_at) VALUES ($1, $2, '', $3)
		 ON CONFLICT (username) DO NOTHING`,
		steward.NewID(), username, steward.NowUnix(),
	)
	if err != nil {
		return steward.User{}, fmt.Errorf("create user: %w", err)
	}
	var u steward.User
	err = s.pool.QueryRow(ctx,
		`SELECT id, username, memory, created_at FROM users WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Memory, &u.CreatedAt)
	if err != nil {
		return steward.User{}, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// UserMemory returns the raw memory blob for username, "" when unset.
func (s *Store) UserMemory(ctx context.Context, username string) (string, error) {
	var mem string
	err := s.pool.QueryRow(ctx,
		`SELECT memory FROM users WHERE username = $1`, username,
	).Scan(&mem)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("user memory: %w", err)
	}
	return mem, nil
}

// SetUserMemory replaces the memory blob, creating the user row if needed.
func (s *Store) SetUserMemory(ctx context.Context, username, memory string) error {
	if _, err := s.GetOrCreateUser(ctx, username); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE users SET memory = $1 WHERE username = $2`, memory, username,
	)
	if err != nil {
		return fmt.Errorf("set user memory: %w", err)
	}
	return nil
}

// GetOrCreateSession upserts a session row by (username, name).
func (s *Store) GetOrCreateSession(ctx context.Context, username, name string) (steward.Session, error) {
	u, err := s.GetOrCreateUser(ctx, username)
	if err != nil {
		return steward.Session{}, err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, user_id, name, created_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id, name) DO NOTHING`,
		steward.NewID(), u.ID, name, steward.NowUnix(),
	)
	if err != nil {
		return steward.Session{}, fmt.Errorf("create session: %w", err)
	}
	var sess steward.Session
	err = s.pool.QueryRow(ctx,
		`SELECT id, user_id, name, created_at FROM sessions WHERE user_id = $1 AND name = $2`, u.ID, name,
	).Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.CreatedAt)
	if err != nil {
		return steward.Session{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// AppendMessage appends one message to a session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		steward.NewID(), sessionID, role, content, steward.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns a session's full history in insertion order.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]steward.StoredMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = $1
		 ORDER BY created_at, id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}
	defer rows.Close()

	var msgs []steward.StoredMessage
	for rows.Next() {
		var m steward.StoredMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ResetHistory deletes a session's messages and the session row. The user
// row goes too once no sessions remain.
func (s *Store) ResetHistory(ctx context.Context, username, session string) error {
	var userID, sessionID string
	err := s.pool.QueryRow(ctx,
		`SELECT s.id, s.user_id FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.username = $1 AND s.name = $2`,
		username, session,
	).Scan(&sessionID, &userID)
	if err == pgx.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reset history: %w", err)
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("reset history: delete messages: %w", err)
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID); err != nil {
		return fmt.Errorf("reset history: delete session: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM users WHERE id = $1
		 AND NOT EXISTS (SELECT 1 FROM sessions WHERE user_id = $1)`, userID); err != nil {
		return fmt.Errorf("reset history: delete user: %w", err)
	}
	return nil
}

// AddDocument records an uploaded file.
func (s *Store) AddDocument(ctx context.Context, username, path, name string) (steward.Document, error) {
	u, err := s.GetOrCreateUser(ctx, username)
	if err != nil {
		return steward.Document{}, err
	}
	doc := steward.Document{
		ID:         steward.NewID(),
		UserID:     u.ID,
		Path:       path,
		Name:       name,
		UploadedAt: steward.NowUnix(),
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO documents (id, user_id, path, name, uploaded_at) VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.UserID, doc.Path, doc.Name, doc.UploadedAt,
	)
	if err != nil {
		return steward.Document{}, fmt.Errorf("add document: %w", err)
	}
	return doc, nil
}

// Documents lists a user's uploaded documents, newest first.
func (s *Store) Documents(ctx context.Context, username string) ([]steward.Document, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT d.id, d.user_id, d.path, d.name, d.uploaded_at
		 FROM documents d
		 JOIN users u ON u.id = d.user_id
		 WHERE u.username = $1
		 ORDER BY d.uploaded_at DESC, d.id DESC`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("get documents: %w", err)
	}
	defer rows.Close()

	var docs []steward.Document
	for rows.Next() {
		var d steward.Document
		if err := rows.Scan(&d.ID, &d.UserID, &d.Path, &d.Name, &d.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// ListSessions returns the names of a user's sessions.
func (s *Store) ListSessions(ctx context.Context, username string) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.name FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.username = $1
		 ORDER BY s.created_at, s.id`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ListSessionsInfo returns session names with their last message.
func (s *Store) ListSessionsInfo(ctx context.Context, username string) ([]steward.SessionInfo, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT s.name,
		        COALESCE((SELECT m.content FROM messages m
		                  WHERE m.session_id = s.id
		                  ORDER BY m.created_at DESC, m.id DESC LIMIT 1), '')
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.username = $1
		 ORDER BY s.created_at, s.id`,
		username,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions info: %w", err)
	}
	defer rows.Close()

	var infos []steward.SessionInfo
	for rows.Next() {
		var info steward.SessionInfo
		if err := rows.Scan(&info.Name, &info.LastMessage); err != nil {
			return nil, fmt.Errorf("scan session info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

// Close is a no-op: the pool is owned by the caller.
func (s *Store) Close() error { return nil }
