package genlock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

type memoryLock struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[uuid.UUID]*memoryEntry
	now func() time.Time
}

// NewMemoryLock returns an in-process Lock with the same lease semantics as
// the redis implementation. Used in tests and single-node runs.
func NewMemoryLock(ttl time.Duration) Lock {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &memoryLock{
		ttl: ttl,
		m:   make(map[uuid.UUID]*memoryEntry),
		now: time.Now,
	}
}

func (l *memoryLock) Acquire(_ context.Context, conversationID, holderUserID uuid.UUID, comparisonGroupID *uuid.UUID, expected int) (uuid.UUID, bool, error) {
	if expected < 1 {
		expected = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if e, ok := l.m[conversationID]; ok && e.expiresAt.After(now) {
		return uuid.Nil, false, nil
	}
	token := uuid.New()
	l.m[conversationID] = &memoryEntry{
		state: State{
			Token:             token,
			HolderUserID:      holderUserID,
			ComparisonGroupID: comparisonGroupID,
			Expected:          expected,
			AcquiredAt:        now.UTC(),
		},
		expiresAt: now.Add(l.ttl),
	}
	return token, true, nil
}

func (l *memoryLock) MarkDone(_ context.Context, conversationID, token uuid.UUID) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[conversationID]
	if !ok || !e.expiresAt.After(l.now()) {
		delete(l.m, conversationID)
		return true, nil
	}
	if e.state.Token != token {
		// A completion from an earlier acquisition; the current holder keeps it.
		return false, nil
	}
	e.state.Expected--
	if e.state.Expected <= 0 {
		delete(l.m, conversationID)
		return true, nil
	}
	e.expiresAt = l.now().Add(l.ttl)
	return false, nil
}

func (l *memoryLock) ForceRelease(_ context.Context, conversationID uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, conversationID)
	return nil
}

func (l *memoryLock) Holder(_ context.Context, conversationID uuid.UUID) (*State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[conversationID]
	if !ok || !e.expiresAt.After(l.now()) {
		return nil, nil
	}
	st := e.state
	return &st, nil
}
