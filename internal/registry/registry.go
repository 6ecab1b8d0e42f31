// ABOUTME: Thread registry managing thread identity and per-thread turn locks
// ABOUTME: Guarantees at most one in-flight turn per thread via non-blocking acquire

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loopwork/threadline/internal/store"
)

// ErrThreadBusy is returned by Acquire when the thread already has a
// turn in flight.
var ErrThreadBusy = errors.New("thread busy: turn already in flight")

// Registry resolves thread identity and serializes turns per thread.
// The keyed lock lives in memory only; on restart all threads come up
// unlocked, which matches the store holding no in-flight state.
type Registry struct {
	store  store.Store
	logger *slog.Logger

	mu     sync.Mutex
	locked map[string]struct{}
}

// New creates a registry backed by the given store.
func New(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "registry"),
		locked: make(map[string]struct{}),
	}
}

// GetOrCreate resolves a thread by ID, creating it when absent. An
// empty threadID mints a fresh UUID. Archived threads are returned
// as-is; callers decide whether archived threads accept new turns.
func (r *Registry) GetOrCreate(ctx context.Context, threadID string) (*store.Thread, error) {
	if threadID == "" {
		threadID = uuid.NewString()
	}

	thread, err := r.store.GetThread(ctx, threadID)
	if err == nil {
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	now := time.Now().UTC()
	thread = &store.Thread{
		ID:           threadID,
		Status:       store.ThreadStatusActive,
		CreatedAt:    now,
		LastActivity: now,
	}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		// Another caller may have created it between our get and create.
		if errors.Is(err, store.ErrDuplicateThread) {
			return r.store.GetThread(ctx, threadID)
		}
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}

	r.logger.Info("created thread", "thread_id", threadID)
	return thread, nil
}

// Acquire takes the turn lock for a thread without blocking. On
// success it returns a release func; callers must invoke it exactly
// once when the turn reaches a terminal state.
func (r *Registry) Acquire(threadID string) (func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, held := r.locked[threadID]; held {
		return nil, ErrThreadBusy
	}
	r.locked[threadID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.locked, threadID)
			r.mu.Unlock()
		})
	}
	return release, nil
}

// Locked reports whether a thread currently has a turn in flight.
func (r *Registry) Locked(threadID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, held := r.locked[threadID]
	return held
}

// Archive marks a thread archived. Archiving a thread with a turn in
// flight is refused; the sweeper and admin callers both rely on this.
func (r *Registry) Archive(ctx context.Context, threadID string) error {
	if r.Locked(threadID) {
		return ErrThreadBusy
	}
	if err := r.store.ArchiveThread(ctx, threadID); err != nil {
		return fmt.Errorf("failed to archive thread: %w", err)
	}
	r.logger.Info("archived thread", "thread_id", threadID)
	return nil
}
