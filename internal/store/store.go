// ABOUTME: Store interface and data types for threadline persistence
// ABOUTME: Defines Thread, Message structs and the Store interface for database operations

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateThread is returned when trying to create a thread that already exists
var ErrDuplicateThread = errors.New("thread already exists")

// ErrOrdinalConflict is returned when an append's expected ordinal does not
// match the thread's current head. The caller raced another writer and must
// re-read before retrying.
var ErrOrdinalConflict = errors.New("ordinal conflict")

// ThreadStatus constants for thread lifecycle states
const (
	ThreadStatusActive   = "active"
	ThreadStatusArchived = "archived"
)

// Role constants for message authorship
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// MessageStatus constants. A non-ok status marks a terminal marker message:
// the turn ended without a normal assistant reply.
const (
	MessageStatusOK        = "ok"
	MessageStatusCancelled = "cancelled"
	MessageStatusFailed    = "failed"
)

// Thread represents a single logical conversation
type Thread struct {
	ID           string
	Status       string // "active" or "archived"
	CreatedAt    time.Time
	LastActivity time.Time
}

// Message represents one committed entry in a thread's history.
// Messages are immutable once written; Ordinal is the gapless, strictly
// increasing position within the thread.
type Message struct {
	ThreadID   string
	Ordinal    int64
	Role       string // "user", "assistant", "tool"
	Content    string
	Status     string // "ok", "cancelled", "failed"
	ToolName   string // for tool messages: name of the invoked tool
	ToolCallID string // links a tool call to its result
	CreatedAt  time.Time
}

// Store defines the interface for thread and message persistence
type Store interface {
	// Threads
	CreateThread(ctx context.Context, thread *Thread) error
	GetThread(ctx context.Context, id string) (*Thread, error)
	TouchThread(ctx context.Context, id string, at time.Time) error
	ArchiveThread(ctx context.Context, id string) error
	ListThreads(ctx context.Context, limit int) ([]*Thread, error)
	ListActiveThreads(ctx context.Context, idleSince time.Time, limit int) ([]*Thread, error)

	// Messages
	AppendMessage(ctx context.Context, msg *Message) error
	NextOrdinal(ctx context.Context, threadID string) (int64, error)
	ReadMessages(ctx context.Context, threadID string, fromOrdinal int64) ([]*Message, error)

	// Ping reports whether the underlying database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
