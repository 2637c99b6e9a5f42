// Package worker runs the polling pool that drains the job_run queue.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	jobrepo "github.com/strandchat/strand-backend/internal/data/repos/jobs"
	types "github.com/strandchat/strand-backend/internal/domain"
	jobdomain "github.com/strandchat/strand-backend/internal/domain/jobs"
	"github.com/strandchat/strand-backend/internal/jobs/runtime"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
)

type Config struct {
	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
	RetryDelay        time.Duration
	StaleRunning      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 5 * time.Minute
	}
	return c
}

type Pool struct {
	log      *logger.Logger
	runs     jobrepo.JobRunRepo
	registry *runtime.Registry
	cfg      Config
}

func NewPool(log *logger.Logger, runs jobrepo.JobRunRepo, registry *runtime.Registry, cfg Config) *Pool {
	return &Pool{
		log:      log.With("service", "JobWorkerPool"),
		runs:     runs,
		registry: registry,
		cfg:      cfg.withDefaults(),
	}
}

// Start blocks until ctx is canceled, running cfg.Concurrency claim loops.
func (p *Pool) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		worker := i
		g.Go(func() error {
			p.loop(gctx, worker)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, worker int) {
	log := p.log.With("worker", worker)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Drain until the queue is empty, then go back to polling.
		for {
			run, err := p.runs.ClaimNextRunnable(
				dbctx.Context{Ctx: ctx},
				p.cfg.MaxAttempts, p.cfg.RetryDelay, p.cfg.StaleRunning,
			)
			if err != nil {
				log.Error("Failed to claim job run", "error", err)
				break
			}
			if run == nil {
				break
			}
			p.execute(ctx, log, run)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (p *Pool) execute(ctx context.Context, log *logger.Logger, run *types.JobRun) {
	log = log.With("job_id", run.ID, "job_type", run.JobType, "attempt", run.Attempts)

	handler, err := p.registry.Resolve(run.JobType)
	if err != nil {
		p.finish(ctx, log, run, err)
		return
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go p.heartbeat(hbCtx, run.ID)

	started := time.Now()
	err = p.runSafely(ctx, handler, run)
	stopHeartbeat()

	log.Info("Job run finished", "duration", time.Since(started), "error", err)
	p.finish(ctx, log, run, err)

	// Attempts was bumped on claim, so reaching MaxAttempts means this failure
	// is final and the handler gets its one chance to clean up.
	if err != nil && run.Attempts >= p.cfg.MaxAttempts {
		if a, ok := handler.(runtime.Abandoner); ok {
			a.Abandon(ctx, run, err)
		}
	}
}

// runSafely converts a handler panic into a failed run instead of taking the
// whole worker down.
func (p *Pool) runSafely(ctx context.Context, handler runtime.Handler, run *types.JobRun) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler.Run(ctx, run)
}

func (p *Pool) heartbeat(ctx context.Context, id uuid.UUID) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.runs.Heartbeat(dbctx.Context{Ctx: ctx}, id); err != nil {
				p.log.Warn("Job heartbeat failed", "job_id", id, "error", err)
			}
		}
	}
}

func (p *Pool) finish(ctx context.Context, log *logger.Logger, run *types.JobRun, runErr error) {
	now := time.Now().UTC()
	updates := map[string]interface{}{}
	if runErr != nil {
		updates["status"] = jobdomain.StatusFailed
		updates["error"] = runErr.Error()
		updates["last_error_at"] = now
	} else {
		updates["status"] = jobdomain.StatusSucceeded
		updates["error"] = ""
	}
	if err := p.runs.UpdateFields(dbctx.Context{Ctx: ctx}, run.ID, updates); err != nil {
		log.Error("Failed to finalize job run", "error", err)
	}
}
