// Package audit writes the append-only audit trail: tool calls, file
// access, blocked attempts, and lifecycle events, keyed by task id and API
// key. Audit failures never fail the request; they are logged and dropped.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
)

// Event kinds written to the trail.
const (
	KindToolCall       = "tool_call"
	KindFileAccess     = "file_access"
	KindBlockedAttempt = "blocked_attempt"
	KindTaskSubmitted  = "task_submitted"
	KindTaskFinished   = "task_finished"
	KindKeyCreated     = "key_created"
	KindKeyRevoked     = "key_revoked"
)

// Logger appends entries to the audit_log table.
type Logger struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewLogger creates the audit logger.
func NewLogger(db *sqlx.DB) *Logger {
	return &Logger{db: db, now: time.Now}
}

// Entry is one audit record.
type Entry struct {
	ID        int64     `db:"id" json:"id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`
	TaskID    string    `db:"task_id" json:"task_id"`
	APIKey    string    `db:"api_key" json:"api_key"`
	Kind      string    `db:"kind" json:"kind"`
	Detail    string    `db:"detail" json:"detail"`
}

// Write appends one entry. Best effort: errors are logged, not returned,
// so audit cannot take down the request path.
func (l *Logger) Write(ctx context.Context, taskID, apiKey, kind, detail string) {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp, task_id, api_key, kind, detail) VALUES (?, ?, ?, ?, ?)`,
		l.now().UTC(), taskID, apiKey, kind, detail)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to write audit entry",
			"task_id", taskID, "kind", kind, "error", err)
	}
}

// ForTask returns a task's trail in insertion order.
func (l *Logger) ForTask(ctx context.Context, taskID string) ([]Entry, error) {
	var entries []Entry
	err := l.db.SelectContext(ctx, &entries,
		`SELECT * FROM audit_log WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return entries, nil
}
