package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/IMBotPlatform/OpenAIService/ai"
)

// SessionStore keeps conversation contexts in the context_sessions table.
// Each session is one row holding its messages as a JSON array.
//
// Extend runs in an IMMEDIATE transaction, so concurrent appends to the
// same session are serialized by the database write lock and none is lost.
type SessionStore struct {
	db          *DB
	maxMessages int
	logger      *slog.Logger
	now         func() time.Time
}

var _ ai.SessionStore = (*SessionStore)(nil)

// NewSessionStore returns a SessionStore backed by db. maxMessages > 0
// keeps only the newest messages of each session.
func NewSessionStore(db *DB, maxMessages int) *SessionStore {
	return &SessionStore{db: db, maxMessages: maxMessages, logger: db.logger, now: time.Now}
}

func (s *SessionStore) Extend(ctx context.Context, sessionID string, messages []ai.Message) (history []ai.Message, err error) {
	if sessionID == "" {
		return nil, ai.ErrEmptySession
	}

	conn, err := s.db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return nil, fmt.Errorf("storage: begin transaction: %w", err)
	}
	defer endTransaction(&err)

	history, _, err = loadSession(conn, sessionID)
	if err != nil {
		return nil, err
	}
	history = ai.TrimHistory(append(history, messages...), s.maxMessages)

	data, err := json.Marshal(history)
	if err != nil {
		return nil, fmt.Errorf("storage: encode session %s: %w", sessionID, err)
	}
	now := s.now().UnixMilli()
	err = sqlitex.Execute(conn, `INSERT INTO context_sessions (session_id, context, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET context = excluded.context, updated_at = excluded.updated_at`,
		&sqlitex.ExecOptions{Args: []any{sessionID, string(data), now, now}})
	if err != nil {
		return nil, fmt.Errorf("storage: save session %s: %w", sessionID, err)
	}
	return history, nil
}

func (s *SessionStore) History(ctx context.Context, sessionID string) ([]ai.Message, error) {
	conn, err := s.db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.db.pool.Put(conn)

	history, _, err := loadSession(conn, sessionID)
	return history, err
}

func (s *SessionStore) Clear(ctx context.Context, sessionID string) error {
	conn, err := s.db.take(ctx)
	if err != nil {
		return err
	}
	defer s.db.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM context_sessions WHERE session_id = ?`,
		&sqlitex.ExecOptions{Args: []any{sessionID}}); err != nil {
		return fmt.Errorf("storage: clear session %s: %w", sessionID, err)
	}
	return nil
}

func (s *SessionStore) Len(ctx context.Context) (int, error) {
	conn, err := s.db.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.db.pool.Put(conn)

	n := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM context_sessions`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			n = stmt.ColumnInt(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("storage: count sessions: %w", err)
	}
	return n, nil
}

// Sweep deletes sessions not updated within retention and returns how many
// were removed.
func (s *SessionStore) Sweep(ctx context.Context, retention time.Duration) (int, error) {
	conn, err := s.db.take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.db.pool.Put(conn)

	cutoff := s.now().Add(-retention).UnixMilli()
	if err := sqlitex.Execute(conn, `DELETE FROM context_sessions WHERE updated_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
		return 0, fmt.Errorf("storage: sweep sessions: %w", err)
	}
	return conn.Changes(), nil
}

// RunRetention sweeps expired sessions every interval until ctx is done.
// Sweep failures are logged and retried on the next tick.
func (s *SessionStore) RunRetention(ctx context.Context, interval, retention time.Duration) error {
	if retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := s.Sweep(ctx, retention)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("session retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired sessions removed", "count", n, "retention", retention)
			}
		}
	}
}

// loadSession returns the stored history and whether the row exists.
func loadSession(conn *sqlite.Conn, sessionID string) ([]ai.Message, bool, error) {
	var raw string
	found := false
	err := sqlitex.Execute(conn, `SELECT context FROM context_sessions WHERE session_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				raw = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	if err != nil {
		return nil, false, fmt.Errorf("storage: load session %s: %w", sessionID, err)
	}

	history := []ai.Message{}
	if found && raw != "" {
		if err := json.Unmarshal([]byte(raw), &history); err != nil {
			return nil, false, fmt.Errorf("storage: decode session %s: %w", sessionID, err)
		}
	}
	return history, found, nil
}
