// Package store provides persistent storage for threadline using SQLite.
//
// # Data Models
//
//   - Thread: a single logical conversation with lifecycle status and
//     activity timestamps
//   - Message: an immutable entry in a thread's history, positioned by a
//     gapless, strictly increasing ordinal
//
// # Ordinal Discipline
//
// The message table is keyed by (thread_id, ordinal). AppendMessage uses a
// guarded INSERT so a row only lands when the caller's expected ordinal is
// exactly the current head + 1; any race surfaces as ErrOrdinalConflict
// instead of a gap or a reorder. Readers therefore always observe a
// contiguous, append-only sequence per thread.
//
// # Marker Messages
//
// Turns that end without a normal assistant reply still leave a record: an
// assistant-role message with status "cancelled" (empty content) or "failed"
// (error text). History is self-explanatory without consulting logs.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Use NewSQLiteStore(":memory:") for tests that don't need restart
// durability, or a t.TempDir() path for ones that do.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateThread: thread already exists
//   - ErrOrdinalConflict: append raced another writer; re-read and retry
//
// All methods accept context.Context for cancellation support.
package store
