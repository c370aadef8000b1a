package ai

import (
	"context"
)

// SessionStore manages the per-session conversation context.
//
// Implementations must serialize Extend calls for the same session while
// letting different sessions proceed in parallel.
type SessionStore interface {
	// Extend appends messages to the session, creating it when absent, and
	// returns a snapshot of the full history. The append and the snapshot are
	// atomic with respect to other writers of the same session.
	Extend(ctx context.Context, sessionID string, messages []Message) ([]Message, error)

	// History returns a snapshot of the session history. Absent sessions
	// yield an empty history.
	History(ctx context.Context, sessionID string) ([]Message, error)

	// Clear removes the session.
	Clear(ctx context.Context, sessionID string) error

	// Len reports the number of sessions currently held.
	Len(ctx context.Context) (int, error)
}

// TrimHistory keeps the newest max messages. max <= 0 keeps everything.
func TrimHistory(messages []Message, max int) []Message {
	if max <= 0 || len(messages) <= max {
		return messages
	}
	return append([]Message(nil), messages[len(messages)-max:]...)
}
