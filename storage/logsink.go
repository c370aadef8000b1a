package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// LogEntry is a log record read back from the json_data table.
type LogEntry struct {
	ID        int64          `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

// LogSink is a slog.Handler that stores records as JSON documents in the
// json_data table. Each document carries level, message and the record
// attributes; grouped attributes use dotted keys.
type LogSink struct {
	db     *DB
	level  slog.Leveler
	attrs  []slog.Attr
	prefix string
}

var _ slog.Handler = (*LogSink)(nil)

// NewLogSink returns a handler persisting records at or above level.
func NewLogSink(db *DB, level slog.Leveler) *LogSink {
	return &LogSink{db: db, level: level}
}

func (h *LogSink) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *LogSink) Handle(ctx context.Context, r slog.Record) error {
	doc := map[string]any{
		"level":   strings.ToLower(r.Level.String()),
		"message": r.Message,
	}
	for _, a := range h.attrs {
		addAttr(doc, "", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		addAttr(doc, h.prefix, a)
		return true
	})

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("storage: encode log record: %w", err)
	}

	created := r.Time
	if created.IsZero() {
		created = time.Now()
	}

	// Stored even when the request context is already cancelled.
	conn, err := h.db.take(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	defer h.db.pool.Put(conn)

	return sqlitex.Execute(conn, `INSERT INTO json_data (created_at, data) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{created.UnixMilli(), string(data)}})
}

func (h *LogSink) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &clone
}

func (h *LogSink) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func addAttr(doc map[string]any, prefix string, a slog.Attr) {
	v := a.Value.Resolve()
	if v.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p = prefix + a.Key + "."
		}
		for _, ga := range v.Group() {
			addAttr(doc, p, ga)
		}
		return
	}
	if a.Key == "" {
		return
	}
	switch v.Kind() {
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			doc[prefix+a.Key] = err.Error()
			return
		}
		doc[prefix+a.Key] = v.Any()
	case slog.KindDuration:
		doc[prefix+a.Key] = v.Duration().String()
	case slog.KindTime:
		doc[prefix+a.Key] = v.Time().Format(time.RFC3339Nano)
	default:
		doc[prefix+a.Key] = v.Any()
	}
}

// RecentLogs returns up to limit stored log records, newest first.
func (db *DB) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	conn, err := db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer db.pool.Put(conn)

	var entries []LogEntry
	err = sqlitex.Execute(conn, `SELECT id, created_at, data FROM json_data ORDER BY id DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entry := LogEntry{
					ID:        stmt.ColumnInt64(0),
					CreatedAt: time.UnixMilli(stmt.ColumnInt64(1)),
				}
				if err := json.Unmarshal([]byte(stmt.ColumnText(2)), &entry.Data); err != nil {
					return fmt.Errorf("decode log %d: %w", entry.ID, err)
				}
				entries = append(entries, entry)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: recent logs: %w", err)
	}
	return entries, nil
}
