package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// MaxPageSize bounds a single history page.
const MaxPageSize = 100

// ErrInvalidPage is returned for page < 1 or a page size outside [1, MaxPageSize].
var ErrInvalidPage = errors.New("storage: invalid page or page size")

// Record is one completed chat exchange.
type Record struct {
	ID             string    `json:"id"`
	Model          string    `json:"model"`
	Request        string    `json:"request"`
	Response       string    `json:"response"`
	TokensUsed     int       `json:"tokens_used"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	CreatedAt      time.Time `json:"created_at"`
	SessionID      string    `json:"session_id,omitempty"`
}

// HistoryFilter narrows a history query. Zero fields match everything.
type HistoryFilter struct {
	Model     string
	SessionID string
	Start     time.Time
	End       time.Time
}

// Statistics aggregates the chat history.
type Statistics struct {
	TotalRequests   int64            `json:"total_requests"`
	RequestsByModel map[string]int64 `json:"requests_by_model"`
	TotalTokens     int64            `json:"total_tokens"`
	// AverageResponseTime is in milliseconds.
	AverageResponseTime float64 `json:"average_response_time"`
}

// HistoryStore reads and writes the chat_history table.
type HistoryStore struct {
	db  *DB
	now func() time.Time
}

// NewHistoryStore returns a HistoryStore backed by db.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db, now: time.Now}
}

// Upsert inserts the record or replaces the one with the same ID. An empty
// ID is filled with a new UUID and a zero CreatedAt with the current time.
func (h *HistoryStore) Upsert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.Must(uuid.NewV7()).String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = h.now()
	}

	conn, err := h.db.take(ctx)
	if err != nil {
		return err
	}
	defer h.db.pool.Put(conn)

	var sessionID any
	if rec.SessionID != "" {
		sessionID = rec.SessionID
	}

	err = sqlitex.Execute(conn, `INSERT INTO chat_history
		(id, model, request, response, tokens_used, response_time_ms, created_at, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			model = excluded.model,
			request = excluded.request,
			response = excluded.response,
			tokens_used = excluded.tokens_used,
			response_time_ms = excluded.response_time_ms,
			session_id = excluded.session_id`,
		&sqlitex.ExecOptions{
			Args: []any{
				rec.ID,
				rec.Model,
				rec.Request,
				rec.Response,
				rec.TokensUsed,
				rec.ResponseTimeMS,
				rec.CreatedAt.UnixMilli(),
				sessionID,
			},
		})
	if err != nil {
		return fmt.Errorf("storage: upsert history %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the record with the given ID or ErrNotFound.
func (h *HistoryStore) Get(ctx context.Context, id string) (*Record, error) {
	conn, err := h.db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer h.db.pool.Put(conn)

	var found *Record
	err = sqlitex.Execute(conn, `SELECT `+recordColumns+` FROM chat_history WHERE id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{id},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				rec := scanRecord(stmt)
				found = &rec
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: get history %s: %w", id, err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Delete removes the record with the given ID or returns ErrNotFound.
func (h *HistoryStore) Delete(ctx context.Context, id string) error {
	conn, err := h.db.take(ctx)
	if err != nil {
		return err
	}
	defer h.db.pool.Put(conn)

	if err := sqlitex.Execute(conn, `DELETE FROM chat_history WHERE id = ?`,
		&sqlitex.ExecOptions{Args: []any{id}}); err != nil {
		return fmt.Errorf("storage: delete history %s: %w", id, err)
	}
	if conn.Changes() == 0 {
		return ErrNotFound
	}
	return nil
}

// Query returns one page of matching records, newest first, and the total
// number of matches.
func (h *HistoryStore) Query(ctx context.Context, filter HistoryFilter, page, pageSize int) ([]Record, int, error) {
	if page < 1 || pageSize < 1 || pageSize > MaxPageSize {
		return nil, 0, ErrInvalidPage
	}

	where, args := filter.clause()

	conn, err := h.db.take(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer h.db.pool.Put(conn)

	total := 0
	err = sqlitex.Execute(conn, `SELECT COUNT(*) FROM chat_history`+where,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				total = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: count history: %w", err)
	}

	records := make([]Record, 0, pageSize)
	pageArgs := append(append([]any(nil), args...), pageSize, (page-1)*pageSize)
	err = sqlitex.Execute(conn,
		`SELECT `+recordColumns+` FROM chat_history`+where+
			` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		&sqlitex.ExecOptions{
			Args: pageArgs,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, scanRecord(stmt))
				return nil
			},
		})
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query history: %w", err)
	}
	return records, total, nil
}

// Statistics aggregates request counts, token usage and latency.
func (h *HistoryStore) Statistics(ctx context.Context) (*Statistics, error) {
	conn, err := h.db.take(ctx)
	if err != nil {
		return nil, err
	}
	defer h.db.pool.Put(conn)

	stats := &Statistics{RequestsByModel: make(map[string]int64)}
	err = sqlitex.Execute(conn,
		`SELECT COUNT(*), COALESCE(SUM(tokens_used), 0), COALESCE(AVG(response_time_ms), 0) FROM chat_history`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.TotalRequests = stmt.ColumnInt64(0)
				stats.TotalTokens = stmt.ColumnInt64(1)
				stats.AverageResponseTime = stmt.ColumnFloat(2)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: history totals: %w", err)
	}

	err = sqlitex.Execute(conn,
		`SELECT model, COUNT(*) FROM chat_history GROUP BY model`,
		&sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				stats.RequestsByModel[stmt.ColumnText(0)] = stmt.ColumnInt64(1)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("storage: history by model: %w", err)
	}
	return stats, nil
}

const recordColumns = `id, model, request, response, tokens_used, response_time_ms, created_at, session_id`

func scanRecord(stmt *sqlite.Stmt) Record {
	return Record{
		ID:             stmt.ColumnText(0),
		Model:          stmt.ColumnText(1),
		Request:        stmt.ColumnText(2),
		Response:       stmt.ColumnText(3),
		TokensUsed:     stmt.ColumnInt(4),
		ResponseTimeMS: stmt.ColumnInt64(5),
		CreatedAt:      time.UnixMilli(stmt.ColumnInt64(6)),
		SessionID:      stmt.ColumnText(7),
	}
}

func (f HistoryFilter) clause() (string, []any) {
	var conds []string
	var args []any
	if f.Model != "" {
		conds = append(conds, "model = ?")
		args = append(args, f.Model)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if !f.Start.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Start.UnixMilli())
	}
	if !f.End.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, f.End.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}
