// Package sqlite implements steward.Store using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/stewardhq/steward"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing, row counts, and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements steward.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ steward.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			memory TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE(user_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			path TEXT NOT NULL,
			name TEXT NOT NULL,
			uploaded_at INTEGER NOT NULL
		)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	// Indexes on frequently queried columns.
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_documents_user ON documents(user_id)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// GetOrCreateUser upserts a user row by username.
func (s *Store) GetOrCreateUser(ctx context.Context, username string) (steward.User, error) {
	start := time.Now()
	s.logger.Debug("sqlite: get or create user", "username", username)

	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, username, memory, created_at) VALUES (?, ?, '', ?)`,
		steward.NewID(), username, steward.NowUnix(),
	)
	if err != nil {
		return steward.User{}, fmt.Errorf("create user: %w", err)
	}

	var u steward.User
	err = s.db.QueryRowContext(ctx,
		`SELECT id, username, memory, created_at FROM users WHERE username = ?`, username,
	).Scan(&u.ID, &u.Username, &u.Memory, &u.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: get user failed", "username", username, "error", err, "duration", time.Since(start))
		return steward.User{}, fmt.Errorf("get user: %w", err)
	}
	s.logger.Debug("sqlite: get or create user ok", "username", username, "duration", time.Since(start))
	return u, nil
}

// UserMemory returns the raw memory blob for username, "" when unset or
// the user does not exist yet.
func (s *Store) UserMemory(ctx context.Context, username string) (string, error) {
	var mem string
	err := s.db.QueryRowContext(ctx,
		`SELECT memory FROM users WHERE username = ?`, username,
	).Scan(&mem)
	if err == sql.ErrNoRows {
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
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET memory = ? WHERE username = ?`, memory, username,
	)
	if err != nil {
		return fmt.Errorf("set user memory: %w", err)
	}
	return nil
}

// GetOrCreateSession upserts a session row by (username, name).
func (s *Store) GetOrCreateSession(ctx context.Context, username, name string) (steward.Session, error) {
	start := time.Now()
	u, err := s.GetOrCreateUser(ctx, username)
	if err != nil {
		return steward.Session{}, err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (id, user_id, name, created_at) VALUES (?, ?, ?, ?)`,
		steward.NewID(), u.ID, name, steward.NowUnix(),
	)
	if err != nil {
		return steward.Session{}, fmt.Errorf("create session: %w", err)
	}

	var sess steward.Session
	err = s.db.QueryRowContext(ctx,
		`SELECT id, user_id, name, created_at FROM sessions WHERE user_id = ? AND name = ?`, u.ID, name,
	).Scan(&sess.ID, &sess.UserID, &sess.Name, &sess.CreatedAt)
	if err != nil {
		s.logger.Error("sqlite: get session failed", "username", username, "name", name, "error", err, "duration", time.Since(start))
		return steward.Session{}, fmt.Errorf("get session: %w", err)
	}
	s.logger.Debug("sqlite: get or create session ok", "username", username, "name", name, "duration", time.Since(start))
	return sess, nil
}

// AppendMessage appends one message to a session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		steward.NewID(), sessionID, role, content, steward.NowUnix(),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Messages returns a session's full history in insertion order. Message
// ids are UUIDv7 so the id tiebreak preserves order within one second.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]steward.StoredMessage, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at
		 FROM messages WHERE session_id = ?
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	s.logger.Debug("sqlite: get messages ok", "session_id", sessionID, "count", len(msgs), "duration", time.Since(start))
	return msgs, nil
}

// ResetHistory deletes a session's messages and the session row. The user
// row goes too once no sessions remain, so a fresh user starts clean.
func (s *Store) ResetHistory(ctx context.Context, username, session string) error {
	start := time.Now()
	var userID, sessionID string
	err := s.db.QueryRowContext(ctx,
		`SELECT s.id, s.user_id FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.username = ? AND s.name = ?`,
		username, session,
	).Scan(&sessionID, &userID)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reset history: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("reset history: delete messages: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("reset history: delete session: %w", err)
	}

	var remaining int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ?`, userID,
	).Scan(&remaining); err != nil {
		return fmt.Errorf("reset history: count sessions: %w", err)
	}
	if remaining == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID); err != nil {
			return fmt.Errorf("reset history: delete user: %w", err)
		}
	}
	s.logger.Info("sqlite: history reset", "username", username, "session", session, "duration", time.Since(start))
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, path, name, uploaded_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, doc.Path, doc.Name, doc.UploadedAt,
	)
	if err != nil {
		return steward.Document{}, fmt.Errorf("add document: %w", err)
	}
	return doc, nil
}

// Documents lists a user's uploaded documents, newest first.
func (s *Store) Documents(ctx context.Context, username string) ([]steward.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT d.id, d.user_id, d.path, d.name, d.uploaded_at
		 FROM documents d
		 JOIN users u ON u.id = d.user_id
		 WHERE u.username = ?
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
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}

// ListSessions returns the names of a user's sessions.
func (s *Store) ListSessions(ctx context.Context, username string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.name FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.username = ?
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
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.name,
		        COALESCE((SELECT m.content FROM messages m
		                  WHERE m.session_id = s.id
		                  ORDER BY m.created_at DESC, m.id DESC LIMIT 1), '')
		 FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE u.username = ?
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

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
