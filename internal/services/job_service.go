package services

import (
	"time"

	"github.com/google/uuid"

	jobrepo "github.com/strandchat/strand-backend/internal/data/repos/jobs"
	types "github.com/strandchat/strand-backend/internal/domain"
	jobdomain "github.com/strandchat/strand-backend/internal/domain/jobs"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
)

// GenerationTask describes one assistant message awaiting generation.
// LockToken ties the task to the lock acquisition that reserved its slot; the
// worker hands it back on MarkDone.
type GenerationTask struct {
	ConversationID    uuid.UUID
	MessageID         uuid.UUID
	UserID            uuid.UUID
	Model             string
	ExcludedModels    []string
	ThinkingEffort    string
	ComparisonGroupID *uuid.UUID
	LockToken         uuid.UUID
}

// Scheduler enqueues background work. Enqueueing participates in the caller's
// transaction (dbc.Tx), so a rolled-back mutation never leaves orphan jobs.
type Scheduler interface {
	ScheduleGeneration(dbc dbctx.Context, task GenerationTask) (*types.JobRun, error)
	ScheduleHousekeeping(dbc dbctx.Context, userID, conversationID uuid.UUID) (*types.JobRun, error)
}

type jobService struct {
	log  *logger.Logger
	runs jobrepo.JobRunRepo
}

func NewJobService(runs jobrepo.JobRunRepo, log *logger.Logger) Scheduler {
	return &jobService{log: log.With("service", "JobService"), runs: runs}
}

func (s *jobService) ScheduleGeneration(dbc dbctx.Context, task GenerationTask) (*types.JobRun, error) {
	convID := task.ConversationID
	now := time.Now().UTC()
	run := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: task.UserID,
		JobType:     jobdomain.TypeGenerate,
		EntityType:  "conversation",
		EntityID:    &convID,
		Status:      jobdomain.StatusQueued,
		Payload: jobdomain.EncodePayload(jobdomain.GeneratePayload{
			ConversationID:    task.ConversationID,
			MessageID:         task.MessageID,
			UserID:            task.UserID,
			Model:             task.Model,
			ExcludedModels:    task.ExcludedModels,
			ThinkingEffort:    task.ThinkingEffort,
			ComparisonGroupID: task.ComparisonGroupID,
			LockToken:         task.LockToken,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.runs.Create(dbc, []*types.JobRun{run})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}

// ScheduleHousekeeping enqueues the post-turn maintenance run (rate counters,
// memory extraction). Deduped per conversation: an already queued or running
// housekeeping run absorbs this turn's work.
func (s *jobService) ScheduleHousekeeping(dbc dbctx.Context, userID, conversationID uuid.UUID) (*types.JobRun, error) {
	has, err := s.runs.HasRunnableForEntity(dbc, userID, "conversation", conversationID, jobdomain.TypeHousekeeping)
	if err != nil {
		return nil, err
	}
	if has {
		return nil, nil
	}
	convID := conversationID
	now := time.Now().UTC()
	run := &types.JobRun{
		ID:          uuid.New(),
		OwnerUserID: userID,
		JobType:     jobdomain.TypeHousekeeping,
		EntityType:  "conversation",
		EntityID:    &convID,
		Status:      jobdomain.StatusQueued,
		Payload: jobdomain.EncodePayload(jobdomain.HousekeepingPayload{
			UserID:         userID,
			ConversationID: conversationID,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
	created, err := s.runs.Create(dbc, []*types.JobRun{run})
	if err != nil {
		return nil, err
	}
	return created[0], nil
}
