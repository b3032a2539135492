// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package commitlog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tether-foundation/tether/lib/clock"
	"github.com/tether-foundation/tether/lib/sqlitepool"
)

// Errors returned by the log operations.
var (
	ErrRepositoryNotFound = errors.New("commitlog: repository not found")
	ErrSessionNotFound    = errors.New("commitlog: session not found")
	ErrSessionClosed      = errors.New("commitlog: session is closed")
)

// Repository is a tracked local working copy.
type Repository struct {
	ID          uuid.UUID `json:"id"`
	Path        string    `json:"path"`
	CreatedAtMS int64     `json:"createdAtMs"`
}

// Session is a coding-agent session inside a repository.
type Session struct {
	ID           uuid.UUID `json:"id"`
	RepositoryID uuid.UUID `json:"repositoryId"`
	Title        string    `json:"title"`
	AgentStatus  string    `json:"agentStatus"`
	CreatedAtMS  int64     `json:"createdAtMs"`
	Closed       bool      `json:"closed"`
}

// Message is one conversation entry within a session. SequenceNumber
// is gapless and monotonic per session, assigned at commit time.
type Message struct {
	ID             uuid.UUID `json:"id"`
	SessionID      uuid.UUID `json:"sessionId"`
	SequenceNumber int64     `json:"sequenceNumber"`
	SenderDeviceID uuid.UUID `json:"senderDeviceId"`
	Content        []byte    `json:"content"`
	CreatedAtMS    int64     `json:"createdAtMs"`
}

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	created_at_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
	id            TEXT PRIMARY KEY,
	repository_id TEXT NOT NULL REFERENCES repositories(id),
	title         TEXT NOT NULL,
	agent_status  TEXT NOT NULL DEFAULT 'idle',
	created_at_ms INTEGER NOT NULL,
	closed        INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
	id               TEXT PRIMARY KEY,
	session_id       TEXT NOT NULL REFERENCES sessions(id),
	sequence_number  INTEGER NOT NULL,
	sender_device_id TEXT NOT NULL,
	content          BLOB NOT NULL,
	created_at_ms    INTEGER NOT NULL,
	UNIQUE (session_id, sequence_number)
);
CREATE INDEX IF NOT EXISTS messages_by_session
	ON messages (session_id, sequence_number);
`

// SchemaHook creates the commit log tables. Suitable as a sqlitepool
// OnConnect hook.
func SchemaHook(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, schema, nil)
}

// Config configures a Log.
type Config struct {
	// Pool is the SQLite connection pool. Its OnConnect hook must
	// apply [SchemaHook].
	Pool *sqlitepool.Pool

	// Sink receives one effect per committed mutation. Nil defaults
	// to NullSink.
	Sink Sink

	// Clock supplies commit timestamps.
	Clock clock.Clock

	// Logger receives operational warnings. Nil discards.
	Logger *slog.Logger
}

// Log is the single durable write path for repositories, sessions,
// and messages.
type Log struct {
	pool   *sqlitepool.Pool
	sink   Sink
	clk    clock.Clock
	logger *slog.Logger

	// writeMu spans each mutation's transaction and its effect
	// emission, so the sink observes effects in commit order.
	writeMu sync.Mutex
}

// New validates the configuration.
func New(cfg Config) (*Log, error) {
	if cfg.Pool == nil {
		return nil, fmt.Errorf("commitlog: Config.Pool is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("commitlog: Config.Clock is required")
	}
	if cfg.Sink == nil {
		cfg.Sink = NullSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Log{
		pool:   cfg.Pool,
		sink:   cfg.Sink,
		clk:    cfg.Clock,
		logger: cfg.Logger,
	}, nil
}

// withConn runs fn on a pooled connection without a transaction.
// Read paths use this directly.
func (l *Log) withConn(ctx context.Context, fn func(conn *sqlite.Conn) error) error {
	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)
	return fn(conn)
}

// mutate runs fn inside one immediate transaction on a pooled
// connection and, once the transaction has committed, hands the effect
// fn returned to the sink with a fresh effect id. BEGIN IMMEDIATE
// takes the database write lock up front; a deferred transaction that
// reads before writing can hit SQLITE_BUSY_SNAPSHOT under WAL, which
// busy_timeout cannot retry. The write mutex extends the serialization
// through the emit, so effects reach the sink in commit order.
func (l *Log) mutate(ctx context.Context, fn func(conn *sqlite.Conn) (Effect, error)) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	conn, err := l.pool.Take(ctx)
	if err != nil {
		return err
	}
	defer l.pool.Put(conn)

	var effect Effect
	err = func() (err error) {
		endTransaction, err := sqlitex.ImmediateTransaction(conn)
		if err != nil {
			return err
		}
		defer endTransaction(&err)
		effect, err = fn(conn)
		return err
	}()
	if err != nil {
		return err
	}

	effect.EffectID = uuid.New()
	l.sink.Emit(effect)
	return nil
}

// CreateRepository registers a local repository path.
func (l *Log) CreateRepository(ctx context.Context, path string) (Repository, error) {
	if path == "" {
		return Repository{}, fmt.Errorf("commitlog: repository path is required")
	}
	repo := Repository{
		ID:          uuid.New(),
		Path:        path,
		CreatedAtMS: l.clk.Now().UnixMilli(),
	}
	err := l.mutate(ctx, func(conn *sqlite.Conn) (Effect, error) {
		if err := sqlitex.Execute(conn,
			`INSERT INTO repositories (id, path, created_at_ms) VALUES (?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{repo.ID.String(), repo.Path, repo.CreatedAtMS}}); err != nil {
			return Effect{}, err
		}
		return Effect{Type: EffectRepositoryCreated, Repository: &repo}, nil
	})
	if err != nil {
		return Repository{}, fmt.Errorf("commitlog: creating repository: %w", err)
	}
	return repo, nil
}

// DeleteRepository removes a repository together with its sessions and
// messages. A single repository_deleted effect is emitted; the remote
// store cascades the same way.
func (l *Log) DeleteRepository(ctx context.Context, id uuid.UUID) error {
	err := l.mutate(ctx, func(conn *sqlite.Conn) (Effect, error) {
		var repo Repository
		found, err := loadRepository(conn, id, &repo)
		if err != nil {
			return Effect{}, err
		}
		if !found {
			return Effect{}, ErrRepositoryNotFound
		}
		if err := sqlitex.Execute(conn,
			`DELETE FROM messages WHERE session_id IN
			   (SELECT id FROM sessions WHERE repository_id = ?)`,
			&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
			return Effect{}, err
		}
		if err := sqlitex.Execute(conn,
			`DELETE FROM sessions WHERE repository_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
			return Effect{}, err
		}
		if err := sqlitex.Execute(conn,
			`DELETE FROM repositories WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
			return Effect{}, err
		}
		return Effect{Type: EffectRepositoryDeleted, Repository: &repo}, nil
	})
	if err != nil {
		if errors.Is(err, ErrRepositoryNotFound) {
			return err
		}
		return fmt.Errorf("commitlog: deleting repository %s: %w", id, err)
	}
	return nil
}

// CreateSession opens a new session in a repository.
func (l *Log) CreateSession(ctx context.Context, repositoryID uuid.UUID, title string) (Session, error) {
	session := Session{
		ID:           uuid.New(),
		RepositoryID: repositoryID,
		Title:        title,
		AgentStatus:  "idle",
		CreatedAtMS:  l.clk.Now().UnixMilli(),
	}
	err := l.mutate(ctx, func(conn *sqlite.Conn) (Effect, error) {
		var repo Repository
		found, err := loadRepository(conn, repositoryID, &repo)
		if err != nil {
			return Effect{}, err
		}
		if !found {
			return Effect{}, ErrRepositoryNotFound
		}
		if err := sqlitex.Execute(conn,
			`INSERT INTO sessions (id, repository_id, title, agent_status, created_at_ms, closed)
			 VALUES (?, ?, ?, ?, ?, 0)`,
			&sqlitex.ExecOptions{Args: []any{
				session.ID.String(), repositoryID.String(), session.Title,
				session.AgentStatus, session.CreatedAtMS,
			}}); err != nil {
			return Effect{}, err
		}
		return Effect{Type: EffectSessionCreated, Session: &session}, nil
	})
	if err != nil {
		if errors.Is(err, ErrRepositoryNotFound) {
			return Session{}, err
		}
		return Session{}, fmt.Errorf("commitlog: creating session: %w", err)
	}
	return session, nil
}

// UpdateSessionTitle renames a session.
func (l *Log) UpdateSessionTitle(ctx context.Context, id uuid.UUID, title string) error {
	return l.mutateSession(ctx, id, EffectSessionUpdated, func(session *Session) error {
		session.Title = title
		return nil
	})
}

// SetAgentStatus records the coding agent's current status for a
// session.
func (l *Log) SetAgentStatus(ctx context.Context, id uuid.UUID, status string) error {
	return l.mutateSession(ctx, id, EffectAgentStatusChanged, func(session *Session) error {
		session.AgentStatus = status
		return nil
	})
}

// CloseSession marks a session closed. Closed sessions reject new
// messages but remain readable.
func (l *Log) CloseSession(ctx context.Context, id uuid.UUID) error {
	return l.mutateSession(ctx, id, EffectSessionClosed, func(session *Session) error {
		session.Closed = true
		return nil
	})
}

// DeleteSession removes a session and its messages.
func (l *Log) DeleteSession(ctx context.Context, id uuid.UUID) error {
	err := l.mutate(ctx, func(conn *sqlite.Conn) (Effect, error) {
		var session Session
		found, err := loadSession(conn, id, &session)
		if err != nil {
			return Effect{}, err
		}
		if !found {
			return Effect{}, ErrSessionNotFound
		}
		if err := sqlitex.Execute(conn,
			`DELETE FROM messages WHERE session_id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
			return Effect{}, err
		}
		if err := sqlitex.Execute(conn,
			`DELETE FROM sessions WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{id.String()}}); err != nil {
			return Effect{}, err
		}
		return Effect{Type: EffectSessionDeleted, Session: &session}, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("commitlog: deleting session %s: %w", id, err)
	}
	return nil
}

// AppendMessage appends a message to an open session. The sequence
// number is assigned inside the transaction, so concurrent appends to
// the same session serialize with gapless, monotonic numbering.
func (l *Log) AppendMessage(ctx context.Context, sessionID, senderDeviceID uuid.UUID, content []byte) (Message, error) {
	message := Message{
		ID:             uuid.New(),
		SessionID:      sessionID,
		SenderDeviceID: senderDeviceID,
		Content:        content,
		CreatedAtMS:    l.clk.Now().UnixMilli(),
	}
	err := l.mutate(ctx, func(conn *sqlite.Conn) (Effect, error) {
		var session Session
		found, err := loadSession(conn, sessionID, &session)
		if err != nil {
			return Effect{}, err
		}
		if !found {
			return Effect{}, ErrSessionNotFound
		}
		if session.Closed {
			return Effect{}, ErrSessionClosed
		}
		err = sqlitex.Execute(conn,
			`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					message.SequenceNumber = stmt.ColumnInt64(0)
					return nil
				},
			})
		if err != nil {
			return Effect{}, err
		}
		if err := sqlitex.Execute(conn,
			`INSERT INTO messages
			   (id, session_id, sequence_number, sender_device_id, content, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			&sqlitex.ExecOptions{Args: []any{
				message.ID.String(), sessionID.String(), message.SequenceNumber,
				senderDeviceID.String(), content, message.CreatedAtMS,
			}}); err != nil {
			return Effect{}, err
		}
		return Effect{Type: EffectMessageAppended, Message: &message}, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionClosed) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("commitlog: appending message to %s: %w", sessionID, err)
	}
	return message, nil
}

// mutateSession loads a session, applies fn, and persists the result
// in one transaction, emitting an effect of the given type.
func (l *Log) mutateSession(ctx context.Context, id uuid.UUID, effectType EffectType, fn func(session *Session) error) error {
	err := l.mutate(ctx, func(conn *sqlite.Conn) (Effect, error) {
		var session Session
		found, err := loadSession(conn, id, &session)
		if err != nil {
			return Effect{}, err
		}
		if !found {
			return Effect{}, ErrSessionNotFound
		}
		if err := fn(&session); err != nil {
			return Effect{}, err
		}
		if err := sqlitex.Execute(conn,
			`UPDATE sessions SET title = ?, agent_status = ?, closed = ? WHERE id = ?`,
			&sqlitex.ExecOptions{Args: []any{
				session.Title, session.AgentStatus, boolToInt(session.Closed), id.String(),
			}}); err != nil {
			return Effect{}, err
		}
		return Effect{Type: effectType, Session: &session}, nil
	})
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return err
		}
		return fmt.Errorf("commitlog: updating session %s: %w", id, err)
	}
	return nil
}

// GetSession returns one session.
func (l *Log) GetSession(ctx context.Context, id uuid.UUID) (Session, error) {
	var session Session
	var found bool
	err := l.withConn(ctx, func(conn *sqlite.Conn) error {
		var err error
		found, err = loadSession(conn, id, &session)
		return err
	})
	if err != nil {
		return Session{}, fmt.Errorf("commitlog: loading session %s: %w", id, err)
	}
	if !found {
		return Session{}, ErrSessionNotFound
	}
	return session, nil
}

// ListSessions returns a repository's sessions, newest first.
func (l *Log) ListSessions(ctx context.Context, repositoryID uuid.UUID) ([]Session, error) {
	var sessions []Session
	err := l.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, repository_id, title, agent_status, created_at_ms, closed
			 FROM sessions WHERE repository_id = ?
			 ORDER BY created_at_ms DESC, id`,
			&sqlitex.ExecOptions{
				Args: []any{repositoryID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					session, err := scanSession(stmt)
					if err != nil {
						return err
					}
					sessions = append(sessions, session)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("commitlog: listing sessions for %s: %w", repositoryID, err)
	}
	return sessions, nil
}

// ListMessages returns a session's messages in sequence order.
func (l *Log) ListMessages(ctx context.Context, sessionID uuid.UUID) ([]Message, error) {
	var messages []Message
	err := l.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT id, session_id, sequence_number, sender_device_id, content, created_at_ms
			 FROM messages WHERE session_id = ?
			 ORDER BY sequence_number`,
			&sqlitex.ExecOptions{
				Args: []any{sessionID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					var message Message
					id, err := uuid.Parse(stmt.ColumnText(0))
					if err != nil {
						return fmt.Errorf("row id %q: %w", stmt.ColumnText(0), err)
					}
					sid, err := uuid.Parse(stmt.ColumnText(1))
					if err != nil {
						return fmt.Errorf("row session_id %q: %w", stmt.ColumnText(1), err)
					}
					sender, err := uuid.Parse(stmt.ColumnText(3))
					if err != nil {
						return fmt.Errorf("row sender_device_id %q: %w", stmt.ColumnText(3), err)
					}
					message.ID = id
					message.SessionID = sid
					message.SequenceNumber = stmt.ColumnInt64(2)
					message.SenderDeviceID = sender
					message.Content = make([]byte, stmt.ColumnLen(4))
					stmt.ColumnBytes(4, message.Content)
					message.CreatedAtMS = stmt.ColumnInt64(5)
					messages = append(messages, message)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("commitlog: listing messages for %s: %w", sessionID, err)
	}
	return messages, nil
}

func loadRepository(conn *sqlite.Conn, id uuid.UUID, out *Repository) (bool, error) {
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, path, created_at_ms FROM repositories WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				parsed, err := uuid.Parse(stmt.ColumnText(0))
				if err != nil {
					return fmt.Errorf("row id %q: %w", stmt.ColumnText(0), err)
				}
				out.ID = parsed
				out.Path = stmt.ColumnText(1)
				out.CreatedAtMS = stmt.ColumnInt64(2)
				found = true
				return nil
			},
		})
	return found, err
}

func loadSession(conn *sqlite.Conn, id uuid.UUID, out *Session) (bool, error) {
	found := false
	err := sqlitex.Execute(conn,
		`SELECT id, repository_id, title, agent_status, created_at_ms, closed
		 FROM sessions WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id.String()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				session, err := scanSession(stmt)
				if err != nil {
					return err
				}
				*out = session
				found = true
				return nil
			},
		})
	return found, err
}

func scanSession(stmt *sqlite.Stmt) (Session, error) {
	id, err := uuid.Parse(stmt.ColumnText(0))
	if err != nil {
		return Session{}, fmt.Errorf("row id %q: %w", stmt.ColumnText(0), err)
	}
	repositoryID, err := uuid.Parse(stmt.ColumnText(1))
	if err != nil {
		return Session{}, fmt.Errorf("row repository_id %q: %w", stmt.ColumnText(1), err)
	}
	return Session{
		ID:           id,
		RepositoryID: repositoryID,
		Title:        stmt.ColumnText(2),
		AgentStatus:  stmt.ColumnText(3),
		CreatedAtMS:  stmt.ColumnInt64(4),
		Closed:       stmt.ColumnInt64(5) != 0,
	}, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
