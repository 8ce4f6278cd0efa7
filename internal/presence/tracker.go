// Package presence tracks short-lived typing indicators per conversation.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

// DefaultTTL bounds how long a typing flag survives without a refresh.
const DefaultTTL = 5 * time.Second

// Tracker records who is currently typing in a conversation.
type Tracker interface {
	SetTyping(ctx context.Context, conversationID, userID int, typing bool) error
	// Typing returns the subset of candidates with a live typing flag.
	Typing(ctx context.Context, conversationID int, candidates []int) ([]int, error)
}

type memberKey struct {
	conversationID int
	userID         int
}

// MemoryTracker is the single-node Tracker used when Redis is not configured.
type MemoryTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[memberKey]time.Time
}

var _ Tracker = (*MemoryTracker)(nil)

func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryTracker{ttl: ttl, now: time.Now, expires: make(map[memberKey]time.Time)}
}

func (t *MemoryTracker) SetTyping(_ context.Context, conversationID, userID int, typing bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := memberKey{conversationID, userID}
	if !typing {
		delete(t.expires, key)
		return nil
	}
	t.expires[key] = t.now().Add(t.ttl)
	return nil
}

func (t *MemoryTracker) Typing(_ context.Context, conversationID int, candidates []int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var typing []int
	for _, userID := range candidates {
		key := memberKey{conversationID, userID}
		exp, ok := t.expires[key]
		if !ok {
			continue
		}
		if !now.Before(exp) {
			delete(t.expires, key)
			continue
		}
		typing = append(typing, userID)
	}
	sort.Ints(typing)
	return typing, nil
}
