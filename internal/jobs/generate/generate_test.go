package generate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	chatrepo "github.com/strandchat/strand-backend/internal/data/repos/chat"
	types "github.com/strandchat/strand-backend/internal/domain"
	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	jobdomain "github.com/strandchat/strand-backend/internal/domain/jobs"
	"github.com/strandchat/strand-backend/internal/generation"
	"github.com/strandchat/strand-backend/internal/genlock"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/services"
)

type engineFunc func(ctx context.Context, req generation.Request, onDelta func(d generation.Delta) error) error

func (f engineFunc) Stream(ctx context.Context, req generation.Request, onDelta func(d generation.Delta) error) error {
	return f(ctx, req, onDelta)
}

type fixture struct {
	h      *Handler
	msgs   *chatrepo.MemoryMessageRepo
	lock   genlock.Lock
	token  uuid.UUID
	conv   uuid.UUID
	user   *types.ChatMessage
	target *types.ChatMessage
	run    *types.JobRun
}

func newFixture(t *testing.T, engine generation.Engine) *fixture {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	f := &fixture{
		msgs: chatrepo.NewMemoryMessageRepo(),
		lock: genlock.NewMemoryLock(time.Minute),
		conv: uuid.New(),
	}
	dbc := dbctx.Context{Ctx: context.Background()}
	now := time.Now().UTC()
	userID := uuid.New()

	f.user = &types.ChatMessage{
		ID:             uuid.New(),
		ConversationID: f.conv,
		UserID:         userID,
		Role:           chatdomain.RoleUser,
		Status:         chatdomain.StatusComplete,
		Content:        "what is the answer?",
		IsActiveBranch: true,
		CreatedAt:      now,
	}
	f.user.RootMessageID = f.user.ID
	parentID := f.user.ID
	f.target = &types.ChatMessage{
		ID:              uuid.New(),
		ConversationID:  f.conv,
		UserID:          userID,
		Role:            chatdomain.RoleAssistant,
		Status:          chatdomain.StatusPending,
		Model:           "gpt-4o",
		ParentMessageID: &parentID,
		RootMessageID:   f.user.ID,
		IsActiveBranch:  true,
		CreatedAt:       now.Add(time.Millisecond),
	}
	if _, err := f.msgs.Create(dbc, []*types.ChatMessage{f.user, f.target}); err != nil {
		t.Fatalf("seed messages: %v", err)
	}
	token, ok, err := f.lock.Acquire(context.Background(), f.conv, userID, nil, 1)
	if err != nil || !ok {
		t.Fatalf("acquire lock: ok=%v err=%v", ok, err)
	}
	f.token = token

	f.run = &types.JobRun{
		ID:      uuid.New(),
		JobType: jobdomain.TypeGenerate,
		Payload: jobdomain.EncodePayload(jobdomain.GeneratePayload{
			ConversationID: f.conv,
			MessageID:      f.target.ID,
			UserID:         userID,
			Model:          "gpt-4o",
			LockToken:      token,
		}),
	}
	f.h = NewHandler(log, f.msgs, f.lock, engine, services.NewStaticCatalog(), services.NopNotifier{})
	return f
}

func (f *fixture) reload(t *testing.T) *types.ChatMessage {
	t.Helper()
	rows, err := f.msgs.GetByIDs(dbctx.Context{Ctx: context.Background()}, []uuid.UUID{f.target.ID})
	if err != nil || len(rows) == 0 {
		t.Fatalf("reload target: err=%v rows=%d", err, len(rows))
	}
	return rows[0]
}

func TestRunStreamsToCompletion(t *testing.T) {
	var gotReq generation.Request
	engine := engineFunc(func(_ context.Context, req generation.Request, onDelta func(generation.Delta) error) error {
		gotReq = req
		for _, chunk := range []string{"The answer ", "is 42."} {
			if err := onDelta(generation.Delta{Text: chunk}); err != nil {
				return err
			}
		}
		return onDelta(generation.Delta{Done: true})
	})
	f := newFixture(t, engine)

	if err := f.h.Run(context.Background(), f.run); err != nil {
		t.Fatalf("Run: %v", err)
	}

	got := f.reload(t)
	if got.Status != chatdomain.StatusComplete {
		t.Fatalf("status = %s, want complete", got.Status)
	}
	if got.Content != "The answer is 42." {
		t.Fatalf("content = %q", got.Content)
	}
	if got.PartialContent != "" {
		t.Fatalf("partial content not cleared: %q", got.PartialContent)
	}
	if got.GenerationCompletedAt == nil {
		t.Fatal("generation_completed_at not set")
	}
	if st, _ := f.lock.Holder(context.Background(), f.conv); st != nil {
		t.Fatal("lock not released after completion")
	}

	// The prompt came from the ancestor path, root first.
	if len(gotReq.Messages) != 1 || gotReq.Messages[0].Content != "what is the answer?" {
		t.Fatalf("prompt = %+v", gotReq.Messages)
	}
	if gotReq.Model != "gpt-4o" {
		t.Fatalf("model = %q", gotReq.Model)
	}
}

func TestRunRecordsFailure(t *testing.T) {
	engine := engineFunc(func(context.Context, generation.Request, func(generation.Delta) error) error {
		return errors.New("upstream overloaded")
	})
	f := newFixture(t, engine)

	if err := f.h.Run(context.Background(), f.run); err == nil {
		t.Fatal("expected Run to fail")
	}

	got := f.reload(t)
	if got.Status != chatdomain.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	failed := chatdomain.DecodeStrings(got.FailedModels)
	if len(failed) != 1 || failed[0] != "gpt-4o" {
		t.Fatalf("failed_models = %v", failed)
	}
	// The lock share is still surrendered so siblings can release it.
	if st, _ := f.lock.Holder(context.Background(), f.conv); st != nil {
		t.Fatal("lock not released after failure")
	}
}

func TestRunSkipsNonPendingMessage(t *testing.T) {
	engine := engineFunc(func(context.Context, generation.Request, func(generation.Delta) error) error {
		t.Fatal("engine should not be called")
		return nil
	})
	f := newFixture(t, engine)
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := f.msgs.UpdateFields(dbc, f.target.ID, map[string]interface{}{
		"status": chatdomain.StatusStopped,
	}); err != nil {
		t.Fatalf("mark stopped: %v", err)
	}

	if err := f.h.Run(context.Background(), f.run); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// A skipped run must not touch the lock; it does not own a share of it.
	if st, _ := f.lock.Holder(context.Background(), f.conv); st == nil {
		t.Fatal("skip path released a lock it did not own")
	}
}

func TestRunObservesAdvisoryStop(t *testing.T) {
	var f *fixture
	engine := engineFunc(func(_ context.Context, _ generation.Request, onDelta func(generation.Delta) error) error {
		// A stop lands while the stream is mid-flight.
		dbc := dbctx.Context{Ctx: context.Background()}
		if err := f.msgs.UpdateFields(dbc, f.target.ID, map[string]interface{}{
			"status": chatdomain.StatusStopped,
		}); err != nil {
			return err
		}
		_ = f.lock.ForceRelease(context.Background(), f.conv)
		return onDelta(generation.Delta{Text: "partial out", Done: true})
	})
	f = newFixture(t, engine)

	if err := f.h.Run(context.Background(), f.run); err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := f.reload(t)
	if got.Status != chatdomain.StatusStopped {
		t.Fatalf("status = %s, want stopped (not overwritten)", got.Status)
	}
	// The stop already released the lock; a fresh turn can start.
	if _, ok, _ := f.lock.Acquire(context.Background(), f.conv, uuid.New(), nil, 1); !ok {
		t.Fatal("conversation still locked after stop")
	}
}

func TestAbandonSurrendersLockShare(t *testing.T) {
	engine := engineFunc(func(context.Context, generation.Request, func(generation.Delta) error) error {
		return errors.New("transient")
	})
	f := newFixture(t, engine)

	// The pool gave up retrying while the message was still in flight.
	f.h.Abandon(context.Background(), f.run, errors.New("attempts exhausted"))

	got := f.reload(t)
	if got.Status != chatdomain.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.GenerationCompletedAt == nil {
		t.Fatal("generation_completed_at not set on abandon")
	}
	if st, _ := f.lock.Holder(context.Background(), f.conv); st != nil {
		t.Fatal("abandoned run left the lock held")
	}

	// A second abandon sees the finalized message and leaves the (now free)
	// lock alone.
	_, ok, err := f.lock.Acquire(context.Background(), f.conv, uuid.New(), nil, 1)
	if err != nil || !ok {
		t.Fatalf("reacquire: ok=%v err=%v", ok, err)
	}
	f.h.Abandon(context.Background(), f.run, errors.New("attempts exhausted"))
	if st, _ := f.lock.Holder(context.Background(), f.conv); st == nil {
		t.Fatal("repeat abandon released a lock it did not own")
	}
}

func TestRunSkipsDeletedMessage(t *testing.T) {
	engine := engineFunc(func(context.Context, generation.Request, func(generation.Delta) error) error {
		t.Fatal("engine should not be called")
		return nil
	})
	f := newFixture(t, engine)
	dbc := dbctx.Context{Ctx: context.Background()}
	if err := f.msgs.DeleteByIDs(dbc, []uuid.UUID{f.target.ID}); err != nil {
		t.Fatalf("delete target: %v", err)
	}
	if err := f.h.Run(context.Background(), f.run); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
