// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides thread/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS threads (
			id            TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'active',
			created_at    TEXT NOT NULL,
			last_activity TEXT NOT NULL,

			CHECK (status IN ('active', 'archived'))
		);

		CREATE INDEX IF NOT EXISTS idx_threads_status_activity
			ON threads(status, last_activity);

		CREATE TABLE IF NOT EXISTS messages (
			thread_id    TEXT NOT NULL,
			ordinal      INTEGER NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'ok',
			tool_name    TEXT,
			tool_call_id TEXT,
			created_at   TEXT NOT NULL,

			PRIMARY KEY (thread_id, ordinal),
			FOREIGN KEY (thread_id) REFERENCES threads(id),
			CHECK (role IN ('user', 'assistant', 'tool')),
			CHECK (status IN ('ok', 'cancelled', 'failed'))
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping reports whether the database is reachable
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// isForeignKeyViolation checks for a SQLite FOREIGN KEY failure, which
// on the messages table means the referenced thread does not exist.
func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// CreateThread creates a new thread in the database.
// Returns ErrDuplicateThread if a thread with the same ID already exists.
func (s *SQLiteStore) CreateThread(ctx context.Context, thread *Thread) error {
	status := thread.Status
	if status == "" {
		status = ThreadStatusActive
	}

	query := `
		INSERT INTO threads (id, status, created_at, last_activity)
		VALUES (?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		thread.ID,
		status,
		thread.CreatedAt.UTC().Format(time.RFC3339),
		thread.LastActivity.UTC().Format(time.RFC3339),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateThread
		}
		return fmt.Errorf("inserting thread: %w", err)
	}

	s.logger.Debug("created thread", "id", thread.ID)
	return nil
}

// GetThread retrieves a thread by ID.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) GetThread(ctx context.Context, id string) (*Thread, error) {
	query := `
		SELECT id, status, created_at, last_activity
		FROM threads
		WHERE id = ?
	`

	var thread Thread
	var createdAtStr, lastActivityStr string

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&thread.ID,
		&thread.Status,
		&createdAtStr,
		&lastActivityStr,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying thread: %w", err)
	}

	thread.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	thread.LastActivity, err = time.Parse(time.RFC3339, lastActivityStr)
	if err != nil {
		return nil, fmt.Errorf("parsing last_activity: %w", err)
	}

	return &thread, nil
}

// TouchThread updates a thread's last-activity timestamp.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) TouchThread(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET last_activity = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("touching thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveThread marks a thread as archived.
// Returns ErrNotFound if the thread doesn't exist.
func (s *SQLiteStore) ArchiveThread(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ? WHERE id = ?`,
		ThreadStatusArchived, id,
	)
	if err != nil {
		return fmt.Errorf("archiving thread: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	s.logger.Debug("archived thread", "id", id)
	return nil
}

// ListThreads retrieves threads ordered by most recent activity.
// If limit is 0 or negative, a default limit of 100 is used.
func (s *SQLiteStore) ListThreads(ctx context.Context, limit int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, status, created_at, last_activity
		FROM threads
		ORDER BY last_activity DESC
		LIMIT ?
	`

	return s.queryThreads(ctx, query, limit)
}

// ListActiveThreads retrieves active threads whose last activity is at or
// before idleSince, ordered by last activity ascending (stalest first).
// Used by housekeeping to find threads eligible for archival.
func (s *SQLiteStore) ListActiveThreads(ctx context.Context, idleSince time.Time, limit int) ([]*Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, status, created_at, last_activity
		FROM threads
		WHERE status = 'active' AND last_activity <= ?
		ORDER BY last_activity ASC
		LIMIT ?
	`

	return s.queryThreads(ctx, query, idleSince.UTC().Format(time.RFC3339), limit)
}

// queryThreads is a helper that executes a query and scans thread rows
func (s *SQLiteStore) queryThreads(ctx context.Context, query string, args ...any) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying threads: %w", err)
	}
	defer rows.Close()

	var threads []*Thread
	for rows.Next() {
		var thread Thread
		var createdAtStr, lastActivityStr string

		if err := rows.Scan(
			&thread.ID,
			&thread.Status,
			&createdAtStr,
			&lastActivityStr,
		); err != nil {
			return nil, fmt.Errorf("scanning thread row: %w", err)
		}

		thread.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}

		thread.LastActivity, err = time.Parse(time.RFC3339, lastActivityStr)
		if err != nil {
			return nil, fmt.Errorf("parsing last_activity: %w", err)
		}

		threads = append(threads, &thread)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating thread rows: %w", err)
	}

	return threads, nil
}

// AppendMessage commits a message at the ordinal the caller expects to be
// next. The insert is guarded so it only lands when msg.Ordinal equals the
// thread's current head + 1; any mismatch returns ErrOrdinalConflict and
// nothing is written. Appending to a thread that does not exist returns
// ErrNotFound. The thread's last_activity is bumped in the same
// transaction.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	status := msg.Status
	if status == "" {
		status = MessageStatusOK
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning append transaction: %w", err)
	}
	defer tx.Rollback()

	// The WHERE clause enforces gapless, strictly increasing ordinals:
	// the row is only inserted when the expected ordinal is exactly the
	// current MAX(ordinal) + 1 (or 0 for an empty thread).
	query := `
		INSERT INTO messages (thread_id, ordinal, role, content, status, tool_name, tool_call_id, created_at)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?
		WHERE (SELECT COALESCE(MAX(ordinal), -1) + 1 FROM messages WHERE thread_id = ?) = ?
	`

	result, err := tx.ExecContext(ctx, query,
		msg.ThreadID,
		msg.Ordinal,
		msg.Role,
		msg.Content,
		status,
		nullString(msg.ToolName),
		nullString(msg.ToolCallID),
		msg.CreatedAt.UTC().Format(time.RFC3339),
		msg.ThreadID,
		msg.Ordinal,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		if isConstraintViolation(err) {
			return ErrOrdinalConflict
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrOrdinalConflict
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET last_activity = ? WHERE id = ?`,
		msg.CreatedAt.UTC().Format(time.RFC3339), msg.ThreadID,
	); err != nil {
		return fmt.Errorf("updating thread activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing append: %w", err)
	}

	s.logger.Debug("appended message",
		"thread_id", msg.ThreadID,
		"ordinal", msg.Ordinal,
		"role", msg.Role,
		"status", status,
	)
	return nil
}

// NextOrdinal returns the ordinal the next appended message must carry:
// the current head + 1, or 0 for an empty thread.
func (s *SQLiteStore) NextOrdinal(ctx context.Context, threadID string) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ordinal), -1) + 1 FROM messages WHERE thread_id = ?`,
		threadID,
	).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("querying next ordinal: %w", err)
	}
	return next, nil
}

// ReadMessages retrieves a thread's committed messages from fromOrdinal
// onward, in ordinal order. The result is gapless: only committed rows are
// visible, and ordinals are contiguous by construction.
func (s *SQLiteStore) ReadMessages(ctx context.Context, threadID string, fromOrdinal int64) ([]*Message, error) {
	query := `
		SELECT thread_id, ordinal, role, content, status, tool_name, tool_call_id, created_at
		FROM messages
		WHERE thread_id = ? AND ordinal >= ?
		ORDER BY ordinal ASC
	`

	rows, err := s.db.QueryContext(ctx, query, threadID, fromOrdinal)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var createdAtStr string
		var toolName, toolCallID *string

		if err := rows.Scan(
			&msg.ThreadID,
			&msg.Ordinal,
			&msg.Role,
			&msg.Content,
			&msg.Status,
			&toolName,
			&toolCallID,
			&createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		if toolName != nil {
			msg.ToolName = *toolName
		}
		if toolCallID != nil {
			msg.ToolCallID = *toolCallID
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// nullString returns nil for empty strings, otherwise the string itself
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
