// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Verifies ordinal discipline, thread lifecycle, and restart durability

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newThread(t *testing.T, s *SQLiteStore, id string) *Thread {
	t.Helper()
	now := time.Now()
	thread := &Thread{ID: id, Status: ThreadStatusActive, CreatedAt: now, LastActivity: now}
	require.NoError(t, s.CreateThread(context.Background(), thread))
	return thread
}

func TestCreateThread_Duplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newThread(t, s, "t1")

	err := s.CreateThread(ctx, &Thread{ID: "t1", CreatedAt: time.Now(), LastActivity: time.Now()})
	assert.ErrorIs(t, err, ErrDuplicateThread)
}

func TestGetThread_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetThread(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_OrdinalsAreGapless(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newThread(t, s, "t1")

	for i := int64(0); i < 5; i++ {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		err := s.AppendMessage(ctx, &Message{
			ThreadID:  "t1",
			Ordinal:   i,
			Role:      role,
			Content:   "msg",
			CreatedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	messages, err := s.ReadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 5)
	for i, msg := range messages {
		assert.Equal(t, int64(i), msg.Ordinal)
	}
}

func TestAppendMessage_OrdinalConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newThread(t, s, "t1")

	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 0, Role: RoleUser, Content: "first", CreatedAt: time.Now(),
	}))

	// Re-appending at the same ordinal conflicts
	err := s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 0, Role: RoleUser, Content: "dup", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrOrdinalConflict)

	// Skipping ahead would create a gap - also a conflict
	err = s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 5, Role: RoleUser, Content: "gap", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrOrdinalConflict)

	// Nothing extra was written
	messages, err := s.ReadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "first", messages[0].Content)
}

func TestAppendMessage_UnknownThread(t *testing.T) {
	s := newTestStore(t)

	err := s.AppendMessage(context.Background(), &Message{
		ThreadID: "nope", Ordinal: 0, Role: RoleUser, Content: "hi", CreatedAt: time.Now(),
	})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAppendMessage_BumpsLastActivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateThread(ctx, &Thread{
		ID: "t1", Status: ThreadStatusActive, CreatedAt: created, LastActivity: created,
	}))

	appendedAt := time.Now()
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 0, Role: RoleUser, Content: "hi", CreatedAt: appendedAt,
	}))

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, thread.LastActivity.After(created), "last_activity should advance on append")
}

func TestTouchThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateThread(ctx, &Thread{
		ID: "t1", Status: ThreadStatusActive, CreatedAt: created, LastActivity: created,
	}))

	require.NoError(t, s.TouchThread(ctx, "t1", time.Now()))

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, thread.LastActivity.After(created))

	assert.ErrorIs(t, s.TouchThread(ctx, "missing", time.Now()), ErrNotFound)
}

func TestNextOrdinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newThread(t, s, "t1")

	next, err := s.NextOrdinal(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), next)

	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 0, Role: RoleUser, Content: "hi", CreatedAt: time.Now(),
	}))

	next, err = s.NextOrdinal(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestReadMessages_FromOrdinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newThread(t, s, "t1")

	for i := int64(0); i < 4; i++ {
		require.NoError(t, s.AppendMessage(ctx, &Message{
			ThreadID: "t1", Ordinal: i, Role: RoleUser, Content: "m", CreatedAt: time.Now(),
		}))
	}

	messages, err := s.ReadMessages(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, int64(2), messages[0].Ordinal)
	assert.Equal(t, int64(3), messages[1].Ordinal)
}

func TestReadMessages_PreservesMarkerFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newThread(t, s, "t1")

	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 0, Role: RoleUser, Content: "run the tool", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 1, Role: RoleTool, Content: `{"path":"/tmp/x"}`,
		ToolName: "read_file", ToolCallID: "call-1", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 2, Role: RoleAssistant, Content: "",
		Status: MessageStatusCancelled, CreatedAt: time.Now(),
	}))

	messages, err := s.ReadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 3)

	assert.Equal(t, "read_file", messages[1].ToolName)
	assert.Equal(t, "call-1", messages[1].ToolCallID)
	assert.Equal(t, MessageStatusCancelled, messages[2].Status)
	assert.Empty(t, messages[2].Content)
}

func TestStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "durable.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateThread(ctx, &Thread{
		ID: "t1", Status: ThreadStatusActive, CreatedAt: time.Now(), LastActivity: time.Now(),
	}))
	require.NoError(t, s.AppendMessage(ctx, &Message{
		ThreadID: "t1", Ordinal: 0, Role: RoleUser, Content: "persisted", CreatedAt: time.Now(),
	}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer reopened.Close()

	messages, err := reopened.ReadMessages(ctx, "t1", 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "persisted", messages[0].Content)

	next, err := reopened.NextOrdinal(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)
}

func TestArchiveThread(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newThread(t, s, "t1")

	require.NoError(t, s.ArchiveThread(ctx, "t1"))

	thread, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, ThreadStatusArchived, thread.Status)

	assert.ErrorIs(t, s.ArchiveThread(ctx, "missing"), ErrNotFound)
}

func TestListActiveThreads_StalestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-3 * time.Hour)
	for i, id := range []string{"old", "older", "oldest"} {
		// oldest gets the earliest activity
		at := base.Add(time.Duration(2-i) * time.Hour)
		require.NoError(t, s.CreateThread(ctx, &Thread{
			ID: id, Status: ThreadStatusActive, CreatedAt: at, LastActivity: at,
		}))
	}
	// A fresh thread should not appear below the cutoff
	newThread(t, s, "fresh")
	// Archived threads are excluded regardless of age
	require.NoError(t, s.CreateThread(ctx, &Thread{
		ID: "archived", Status: ThreadStatusArchived,
		CreatedAt: base, LastActivity: base,
	}))

	threads, err := s.ListActiveThreads(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, threads, 3)
	assert.Equal(t, "oldest", threads[0].ID)
	assert.Equal(t, "older", threads[1].ID)
	assert.Equal(t, "old", threads[2].ID)
}

func TestListThreads_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Hour)
	for i, id := range []string{"a", "b", "c"} {
		at := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, s.CreateThread(ctx, &Thread{
			ID: id, Status: ThreadStatusActive, CreatedAt: at, LastActivity: at,
		}))
	}

	threads, err := s.ListThreads(ctx, 2)
	require.NoError(t, err)
	require.Len(t, threads, 2)
	assert.Equal(t, "c", threads[0].ID)
	assert.Equal(t, "b", threads[1].ID)
}
