// Package storage persists chat history, conversation sessions and log
// records in a single SQLite database.
//
// All access goes through a fixed-size connection pool. Each connection gets
// WAL pragmas and the schema on first use, so opening a fresh file is enough
// to get a working database.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: record not found")

// Config holds the parameters for opening the database.
type Config struct {
	// Path is the SQLite database file.
	Path string
	// PoolSize defaults to 4.
	PoolSize int
	Logger   *slog.Logger
}

// DB is a pool of SQLite connections with the service schema applied.
type DB struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

const schema = `
CREATE TABLE IF NOT EXISTS chat_history (
	id               TEXT PRIMARY KEY,
	model            TEXT NOT NULL,
	request          TEXT NOT NULL,
	response         TEXT NOT NULL,
	tokens_used      INTEGER NOT NULL DEFAULT 0,
	response_time_ms INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	session_id       TEXT
);
CREATE INDEX IF NOT EXISTS idx_chat_history_created ON chat_history(created_at);
CREATE INDEX IF NOT EXISTS idx_chat_history_model ON chat_history(model, created_at);
CREATE INDEX IF NOT EXISTS idx_chat_history_session ON chat_history(session_id, created_at);

CREATE TABLE IF NOT EXISTS context_sessions (
	session_id TEXT PRIMARY KEY,
	context    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_context_sessions_updated ON context_sessions(updated_at);

CREATE TABLE IF NOT EXISTS json_data (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	created_at INTEGER NOT NULL,
	data       TEXT NOT NULL
);
`

// Open creates the connection pool. The database file is created if it does
// not exist; its parent directory must exist.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("storage: Path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	poolSize := cfg.PoolSize
	if poolSize <= 0 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening %s: %w", cfg.Path, err)
	}

	db := &DB{pool: pool, logger: logger, path: cfg.Path}

	// Apply the schema eagerly so that a broken file fails at startup.
	conn, err := db.take(context.Background())
	if err != nil {
		pool.Close()
		return nil, err
	}
	db.pool.Put(conn)

	logger.Info("database opened", "path", cfg.Path, "pool_size", poolSize)
	return db, nil
}

// Close closes all connections. Blocks until borrowed connections return.
func (db *DB) Close() error {
	if err := db.pool.Close(); err != nil {
		db.logger.Error("database close error", "path", db.path, "error", err)
		return fmt.Errorf("storage: closing %s: %w", db.path, err)
	}
	db.logger.Info("database closed", "path", db.path)
	return nil
}

func (db *DB) take(ctx context.Context) (*sqlite.Conn, error) {
	conn, err := db.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: take connection: %w", err)
	}
	return conn, nil
}

func prepareConn(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("storage: %s: %w", pragma, err)
		}
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("storage: applying schema: %w", err)
	}
	return nil
}
