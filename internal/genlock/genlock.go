// Package genlock provides the per-conversation generation lock: a
// non-blocking mutual-exclusion primitive that spans the asynchronous
// create -> schedule -> complete lifecycle of a generation turn.
//
// The lock carries an expected-completions count (one per scheduled model);
// workers call MarkDone as they finish and the lock releases when the count
// reaches zero. Every implementation attaches a lease TTL so a crashed worker
// cannot hold a conversation forever.
package genlock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State describes a held lock. Token identifies the acquisition: completions
// carrying a different token belong to an earlier turn and are ignored.
type State struct {
	Token             uuid.UUID  `json:"token"`
	HolderUserID      uuid.UUID  `json:"holder_user_id"`
	ComparisonGroupID *uuid.UUID `json:"comparison_group_id,omitempty"`
	Expected          int        `json:"expected"`
	AcquiredAt        time.Time  `json:"acquired_at"`
}

type Lock interface {
	// Acquire returns ok=false without blocking when the conversation is
	// already locked. expected is the number of MarkDone calls that will
	// release it; the returned token must accompany each of them.
	Acquire(ctx context.Context, conversationID, holderUserID uuid.UUID, comparisonGroupID *uuid.UUID, expected int) (token uuid.UUID, ok bool, err error)

	// MarkDone decrements the expected-completions count and reports whether
	// the lock was fully released. A token from a previous acquisition is a
	// no-op: a stale worker must not release a newer turn's lock. Unheld
	// locks report released.
	MarkDone(ctx context.Context, conversationID, token uuid.UUID) (bool, error)

	// ForceRelease drops the lock unconditionally. Safe on an unheld lock.
	ForceRelease(ctx context.Context, conversationID uuid.UUID) error

	// Holder returns the current state, or nil when unlocked.
	Holder(ctx context.Context, conversationID uuid.UUID) (*State, error)
}
