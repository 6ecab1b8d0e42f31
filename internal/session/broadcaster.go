// ABOUTME: In-memory fan-out broadcaster for persisted thread messages
// ABOUTME: Lets concurrent watchers of a thread observe the same ordered history

package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/loopwork/threadline/internal/store"
)

// subscriberBufferSize is the channel buffer for each watcher. Slow
// watchers fall back to re-reading history from the store.
const subscriberBufferSize = 64

// Broadcaster provides in-memory pub/sub for persisted messages keyed
// by thread ID. Watchers (reconnecting or concurrent tabs) receive
// messages in the order they commit; since ordinals are gapless, a
// watcher that drops an event can detect the gap and re-read.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *store.Message // threadID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *store.Message),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a watcher for messages on the given thread.
// Returns a receive channel and a subscription ID. The subscription is
// cleaned up automatically when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, threadID string) (<-chan *store.Message, string) {
	subID := uuid.NewString()
	ch := make(chan *store.Message, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan *store.Message)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "thread_id", threadID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(threadID, subID)
	}()

	return ch, subID
}

// Publish sends a persisted message to all watchers of its thread.
// Non-blocking: messages are dropped for watchers whose channels are
// full.
func (b *Broadcaster) Publish(msg *store.Message) {
	b.mu.RLock()
	subs, ok := b.subscribers[msg.ThreadID]
	if !ok || len(subs) == 0 {
		b.mu.RUnlock()
		return
	}

	targets := make([]chan *store.Message, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	b.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped message for slow watcher",
				"thread_id", msg.ThreadID, "ordinal", msg.Ordinal)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(threadID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)

	if len(subs) == 0 {
		delete(b.subscribers, threadID)
	}
}

// Close shuts down the broadcaster and closes all watcher channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for threadID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, threadID)
	}
}
