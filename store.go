package steward

import "context"

// Store persists users, sessions, messages, memory blobs, and document
// records. Implementations must be safe for concurrent appends from one
// process; cross-process safety is not required.
type Store interface {
	// GetOrCreateUser upserts a user by username.
	GetOrCreateUser(ctx context.Context, username string) (User, error)
	// UserMemory returns the raw memory blob for username ("" when unset).
	UserMemory(ctx context.Context, username string) (string, error)
	// SetUserMemory replaces the memory blob for username.
	SetUserMemory(ctx context.Context, username, memory string) error

	// GetOrCreateSession upserts a session by (username, name).
	GetOrCreateSession(ctx context.Context, username, name string) (Session, error)
	// AppendMessage appends one message to a session's history.
	AppendMessage(ctx context.Context, sessionID, role, content string) error
	// Messages returns a session's history ordered by timestamp.
	Messages(ctx context.Context, sessionID string) ([]StoredMessage, error)
	// ResetHistory deletes a session's messages and the session row; the
	// user row is removed when no sessions remain.
	ResetHistory(ctx context.Context, username, session string) error

	// AddDocument records an uploaded file.
	AddDocument(ctx context.Context, username, path, name string) (Document, error)
	// Documents lists a user's uploaded documents.
	Documents(ctx context.Context, username string) ([]Document, error)

	// ListSessions returns the names of a user's sessions.
	ListSessions(ctx context.Context, username string) ([]string, error)
	// ListSessionsInfo returns session names with last-message snippets.
	ListSessionsInfo(ctx context.Context, username string) ([]SessionInfo, error)

	Init(ctx context.Context) error
	Close() error
}
