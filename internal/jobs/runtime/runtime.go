// Package runtime holds the job handler contract and the type registry the
// worker pool dispatches through.
package runtime

import (
	"context"
	"fmt"
	"sync"

	types "github.com/strandchat/strand-backend/internal/domain"
)

// Handler executes one claimed job run. A returned error marks the run failed
// and eligible for retry; nil marks it succeeded.
type Handler interface {
	Run(ctx context.Context, run *types.JobRun) error
}

type HandlerFunc func(ctx context.Context, run *types.JobRun) error

func (f HandlerFunc) Run(ctx context.Context, run *types.JobRun) error { return f(ctx, run) }

// Abandoner is implemented by handlers that hold external resources across
// attempts. The pool calls Abandon once, after the final failed attempt, when
// no retry will follow.
type Abandoner interface {
	Abandon(ctx context.Context, run *types.JobRun, cause error)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(jobType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[jobType] = h
}

func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}
	return h, nil
}
