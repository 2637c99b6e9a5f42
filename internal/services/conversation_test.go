package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	chatrepo "github.com/strandchat/strand-backend/internal/data/repos/chat"
	"github.com/strandchat/strand-backend/internal/data/repos/testutil"
	types "github.com/strandchat/strand-backend/internal/domain"
	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/genlock"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/requestdata"
)

type fakeScheduler struct {
	generations  []GenerationTask
	housekeeping int
}

func (f *fakeScheduler) ScheduleGeneration(_ dbctx.Context, task GenerationTask) (*types.JobRun, error) {
	f.generations = append(f.generations, task)
	return &types.JobRun{ID: uuid.New()}, nil
}

func (f *fakeScheduler) ScheduleHousekeeping(_ dbctx.Context, _, _ uuid.UUID) (*types.JobRun, error) {
	f.housekeeping++
	return &types.JobRun{ID: uuid.New()}, nil
}

type harness struct {
	svc   ConversationService
	convs *chatrepo.MemoryConversationRepo
	msgs  *chatrepo.MemoryMessageRepo
	parts *chatrepo.MemoryParticipantRepo
	lock  genlock.Lock
	sched *fakeScheduler
	txr   *testutil.InjectedTxRunner
	user  uuid.UUID
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger: %v", err)
	}
	h := &harness{
		convs: chatrepo.NewMemoryConversationRepo(),
		msgs:  chatrepo.NewMemoryMessageRepo(),
		parts: chatrepo.NewMemoryParticipantRepo(),
		lock:  genlock.NewMemoryLock(time.Minute),
		sched: &fakeScheduler{},
		txr:   &testutil.InjectedTxRunner{},
		user:  uuid.New(),
	}
	h.svc = NewConversationService(log, h.txr, h.convs, h.msgs, h.parts, h.lock, h.sched, NewStaticCatalog(), NopNotifier{})
	return h
}

func (h *harness) dbc(userID uuid.UUID) dbctx.Context {
	ctx := requestdata.WithRequestData(context.Background(), &requestdata.RequestData{UserID: userID})
	return dbctx.Context{Ctx: ctx}
}

// lockToken looks up the token the scheduler recorded for a message's
// generation task.
func (h *harness) lockToken(t *testing.T, messageID uuid.UUID) uuid.UUID {
	t.Helper()
	for _, task := range h.sched.generations {
		if task.MessageID == messageID {
			return task.LockToken
		}
	}
	t.Fatalf("no generation scheduled for message %s", messageID)
	return uuid.Nil
}

// finishGeneration plays the worker's completion step for one assistant message.
func (h *harness) finishGeneration(t *testing.T, dbc dbctx.Context, conversationID, messageID uuid.UUID, content string) {
	t.Helper()
	if err := h.msgs.UpdateFields(dbc, messageID, map[string]interface{}{
		"status":  chatdomain.StatusComplete,
		"content": content,
	}); err != nil {
		t.Fatalf("finish generation: %v", err)
	}
	if _, err := h.lock.MarkDone(dbc.Ctx, conversationID, h.lockToken(t, messageID)); err != nil {
		t.Fatalf("mark done: %v", err)
	}
}

func (h *harness) message(t *testing.T, dbc dbctx.Context, id uuid.UUID) *types.ChatMessage {
	t.Helper()
	rows, err := h.msgs.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil || len(rows) == 0 {
		t.Fatalf("load message %s: err=%v rows=%d", id, err, len(rows))
	}
	return rows[0]
}

func (h *harness) conversation(t *testing.T, dbc dbctx.Context, id uuid.UUID) *types.Conversation {
	t.Helper()
	rows, err := h.convs.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil || len(rows) == 0 {
		t.Fatalf("load conversation %s: err=%v rows=%d", id, err, len(rows))
	}
	return rows[0]
}

func TestSendStartsConversation(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "hello there\nsecond line"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Conversation == nil || res.Conversation.Title != "hello there" {
		t.Fatalf("conversation title = %q, want first line", res.Conversation.Title)
	}
	if res.UserMessage.ParentMessageID != nil {
		t.Fatal("first user message should be the root")
	}
	if res.UserMessage.RootMessageID != res.UserMessage.ID {
		t.Fatal("root message should anchor its own tree")
	}
	if len(res.AssistantMessages) != 1 {
		t.Fatalf("assistants = %d, want 1", len(res.AssistantMessages))
	}
	am := res.AssistantMessages[0]
	if am.Status != chatdomain.StatusPending || !am.IsActiveBranch {
		t.Fatalf("assistant status=%s active=%v, want pending/active", am.Status, am.IsActiveBranch)
	}

	conv := h.conversation(t, dbc, res.Conversation.ID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != am.ID {
		t.Fatal("active leaf should be the pending assistant")
	}
	if conv.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", conv.MessageCount)
	}
	if len(h.sched.generations) != 1 || h.sched.housekeeping != 1 {
		t.Fatalf("scheduled %d generations %d housekeeping, want 1/1", len(h.sched.generations), h.sched.housekeeping)
	}

	// The turn holds the lock until the worker marks done.
	st, _ := h.lock.Holder(dbc.Ctx, conv.ID)
	if st == nil || st.Expected != 1 {
		t.Fatalf("lock state = %+v, want held with expected=1", st)
	}
}

func TestSendModelComparison(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)
	models := []string{"gpt-4o", "gpt-5", "o3-mini"}

	res, err := h.svc.Send(dbc, SendInput{Content: "compare", Models: models})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(res.AssistantMessages) != 3 {
		t.Fatalf("assistants = %d, want 3", len(res.AssistantMessages))
	}
	group := res.AssistantMessages[0].ComparisonGroupID
	if group == nil {
		t.Fatal("missing comparison group id")
	}
	for i, am := range res.AssistantMessages {
		if am.SiblingIndex != i {
			t.Fatalf("assistant %d sibling index = %d", i, am.SiblingIndex)
		}
		if am.ComparisonGroupID == nil || *am.ComparisonGroupID != *group {
			t.Fatalf("assistant %d not in comparison group", i)
		}
		if am.ForkReason != chatdomain.ForkModelCompare {
			t.Fatalf("assistant %d fork reason = %q", i, am.ForkReason)
		}
		if am.IsActiveBranch != (i == 0) {
			t.Fatalf("assistant %d active = %v", i, am.IsActiveBranch)
		}
		if am.Model != models[i] {
			t.Fatalf("assistant %d model = %q, want %q", i, am.Model, models[i])
		}
	}

	conv := h.conversation(t, dbc, res.Conversation.ID)
	if conv.BranchCount != 2 {
		t.Fatalf("branch_count = %d, want 2", conv.BranchCount)
	}

	// The lock releases only after all three generations finish.
	for i, am := range res.AssistantMessages {
		st, _ := h.lock.Holder(dbc.Ctx, conv.ID)
		if st == nil {
			t.Fatalf("lock released after %d of 3 completions", i)
		}
		h.finishGeneration(t, dbc, conv.ID, am.ID, "answer")
	}
	if st, _ := h.lock.Holder(dbc.Ctx, conv.ID); st != nil {
		t.Fatal("lock still held after all completions")
	}
}

func TestSendLockContention(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "first"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID

	before := len(h.sched.generations)
	_, err = h.svc.Send(dbc, SendInput{ConversationID: &convID, Content: "second"})
	if !chatdomain.IsCode(err, chatdomain.CodeLockContention) {
		t.Fatalf("second send: got %v, want lock_contention", err)
	}
	if len(h.sched.generations) != before {
		t.Fatal("contended send scheduled a generation")
	}
	msgs, _ := h.msgs.ListByConversation(dbc, convID)
	if len(msgs) != 2 {
		t.Fatalf("message count after contention = %d, want 2", len(msgs))
	}
}

func TestSendRollbackReleasesLock(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "seed"})
	if err != nil {
		t.Fatalf("seed send: %v", err)
	}
	convID := res.Conversation.ID
	h.finishGeneration(t, dbc, convID, res.AssistantMessages[0].ID, "ok")

	h.txr.Err = context.DeadlineExceeded
	if _, err := h.svc.Send(dbc, SendInput{ConversationID: &convID, Content: "will fail"}); err == nil {
		t.Fatal("expected send to fail")
	}
	h.txr.Err = nil

	// The failed turn must not leave the conversation locked.
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st != nil {
		t.Fatal("lock leaked after rolled-back send")
	}
	if _, err := h.svc.Send(dbc, SendInput{ConversationID: &convID, Content: "retry"}); err != nil {
		t.Fatalf("send after rollback: %v", err)
	}
}

func TestSendRollbackLeavesNoConversation(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	h.txr.Err = context.DeadlineExceeded
	if _, err := h.svc.Send(dbc, SendInput{Content: "doomed"}); err == nil {
		t.Fatal("expected send to fail")
	}
	h.txr.Err = nil

	// The conversation row rides the same transaction as the first messages.
	convs, err := h.convs.ListByUser(dbc, h.user, 10)
	if err != nil {
		t.Fatalf("ListByUser: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("orphan conversations after rollback = %d, want 0", len(convs))
	}
	if _, err := h.svc.Send(dbc, SendInput{Content: "fresh start"}); err != nil {
		t.Fatalf("send after rollback: %v", err)
	}
}

func TestSendRejectsEmptyContentAndUnknownModel(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	if _, err := h.svc.Send(dbc, SendInput{Content: "   "}); !chatdomain.IsCode(err, chatdomain.CodeValidation) {
		t.Fatalf("empty content: got %v, want validation", err)
	}
	if _, err := h.svc.Send(dbc, SendInput{Content: "hi", Models: []string{"made-up-model"}}); !chatdomain.IsCode(err, chatdomain.CodeValidation) {
		t.Fatalf("unknown model: got %v, want validation", err)
	}
}

func TestSendRequiresIdentity(t *testing.T) {
	h := newHarness(t)
	dbc := dbctx.Context{Ctx: context.Background()}

	if _, err := h.svc.Send(dbc, SendInput{Content: "hi"}); !chatdomain.IsCode(err, chatdomain.CodeUnauthorized) {
		t.Fatalf("got %v, want unauthorized", err)
	}
}

func TestRegenerateForksSibling(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	orig := res.AssistantMessages[0]
	h.finishGeneration(t, dbc, convID, orig.ID, "first answer")

	reg, err := h.svc.Regenerate(dbc, orig.ID, RegenerateInput{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if reg.Message.SiblingIndex != orig.SiblingIndex+1 {
		t.Fatalf("sibling index = %d, want %d", reg.Message.SiblingIndex, orig.SiblingIndex+1)
	}
	if reg.Message.ForkReason != chatdomain.ForkRegenerate {
		t.Fatalf("fork reason = %q", reg.Message.ForkReason)
	}
	if *reg.Message.ParentMessageID != *orig.ParentMessageID {
		t.Fatal("regenerated sibling has a different parent")
	}

	if h.message(t, dbc, orig.ID).IsActiveBranch {
		t.Fatal("original assistant still on the active path")
	}
	if !h.message(t, dbc, reg.Message.ID).IsActiveBranch {
		t.Fatal("new assistant not on the active path")
	}
	conv := h.conversation(t, dbc, convID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != reg.Message.ID {
		t.Fatal("active leaf should be the regenerated assistant")
	}
}

func TestRegenerateRejectsUserMessage(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	_, err = h.svc.Regenerate(dbc, res.UserMessage.ID, RegenerateInput{})
	if !chatdomain.IsCode(err, chatdomain.CodeUnauthorized) {
		t.Fatalf("got %v, want unauthorized", err)
	}
}

func TestEditInPlace(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "original"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	h.finishGeneration(t, dbc, convID, res.AssistantMessages[0].ID, "a")

	edit, err := h.svc.EditMessage(dbc, res.UserMessage.ID, "fixed typo", false)
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if edit.BranchCreated {
		t.Fatal("in-place edit must not branch")
	}
	if got := h.message(t, dbc, res.UserMessage.ID).Content; got != "fixed typo" {
		t.Fatalf("content = %q", got)
	}
	msgs, _ := h.msgs.ListByConversation(dbc, convID)
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2 (no new rows)", len(msgs))
	}
	// No generation lock involved.
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st != nil {
		t.Fatal("in-place edit took the lock")
	}
}

func TestEditCreatesBranch(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "v1"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	h.finishGeneration(t, dbc, convID, res.AssistantMessages[0].ID, "answer to v1")

	edit, err := h.svc.EditMessage(dbc, res.UserMessage.ID, "v2", true)
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	if !edit.BranchCreated || edit.AssistantMessage == nil {
		t.Fatal("branching edit should create a pending assistant")
	}
	if edit.Message.ForkReason != chatdomain.ForkEdit {
		t.Fatalf("fork reason = %q", edit.Message.ForkReason)
	}
	if edit.Message.SiblingIndex != res.UserMessage.SiblingIndex+1 {
		t.Fatalf("edited copy sibling index = %d", edit.Message.SiblingIndex)
	}

	// Old subtree is off the active path; original content is preserved.
	if h.message(t, dbc, res.UserMessage.ID).IsActiveBranch {
		t.Fatal("original user message still active")
	}
	if h.message(t, dbc, res.AssistantMessages[0].ID).IsActiveBranch {
		t.Fatal("original assistant still active")
	}
	if got := h.message(t, dbc, res.UserMessage.ID).Content; got != "v1" {
		t.Fatalf("original content = %q, want untouched", got)
	}
	conv := h.conversation(t, dbc, convID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != edit.AssistantMessage.ID {
		t.Fatal("active leaf should be the new pending assistant")
	}
}

func TestEditRejectsForeignMessage(t *testing.T) {
	h := newHarness(t)
	owner := h.dbc(h.user)

	res, err := h.svc.Send(owner, SendInput{Content: "mine"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.finishGeneration(t, owner, res.Conversation.ID, res.AssistantMessages[0].ID, "a")

	other := uuid.New()
	if err := h.svc.AddParticipant(owner, res.Conversation.ID, other, ""); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	_, err = h.svc.EditMessage(h.dbc(other), res.UserMessage.ID, "hijack", false)
	if !chatdomain.IsCode(err, chatdomain.CodeUnauthorized) {
		t.Fatalf("got %v, want unauthorized", err)
	}
}

func TestRetryMessage(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "flaky"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	failed := res.AssistantMessages[0]

	// Worker fails the generation and releases its lock share.
	if err := h.msgs.UpdateFields(dbc, failed.ID, map[string]interface{}{
		"status":        chatdomain.StatusError,
		"failed_models": chatdomain.EncodeStrings([]string{failed.Model}),
	}); err != nil {
		t.Fatalf("fail assistant: %v", err)
	}
	if _, err := h.lock.MarkDone(dbc.Ctx, convID, h.lockToken(t, failed.ID)); err != nil {
		t.Fatalf("mark done: %v", err)
	}

	retry, err := h.svc.RetryMessage(dbc, res.UserMessage.ID)
	if err != nil {
		t.Fatalf("RetryMessage: %v", err)
	}
	if retry.Message.Status != chatdomain.StatusPending {
		t.Fatalf("retry placeholder status = %s", retry.Message.Status)
	}
	if *retry.Message.ParentMessageID != res.UserMessage.ID {
		t.Fatal("retry placeholder not under the original user message")
	}

	// The failed suffix is gone; the tree is user + fresh placeholder.
	msgs, _ := h.msgs.ListByConversation(dbc, convID)
	if len(msgs) != 2 {
		t.Fatalf("message count = %d, want 2", len(msgs))
	}
	for _, m := range msgs {
		if m.ID == failed.ID {
			t.Fatal("failed assistant survived retry")
		}
	}
	conv := h.conversation(t, dbc, convID)
	if conv.MessageCount != 2 {
		t.Fatalf("message_count = %d, want 2", conv.MessageCount)
	}

	// Excluded models carry over to the new generation task.
	last := h.sched.generations[len(h.sched.generations)-1]
	if len(last.ExcludedModels) != 1 || last.ExcludedModels[0] != failed.Model {
		t.Fatalf("excluded models = %v", last.ExcludedModels)
	}
}

func TestRetryWithoutFailureIsValidationError(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "fine"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	h.finishGeneration(t, dbc, res.Conversation.ID, res.AssistantMessages[0].ID, "ok")

	_, err = h.svc.RetryMessage(dbc, res.UserMessage.ID)
	if !chatdomain.IsCode(err, chatdomain.CodeValidation) {
		t.Fatalf("got %v, want validation", err)
	}
}

func TestSwitchBranchRoundTrip(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	first := res.AssistantMessages[0]
	h.finishGeneration(t, dbc, convID, first.ID, "answer one")

	reg, err := h.svc.Regenerate(dbc, first.ID, RegenerateInput{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	h.finishGeneration(t, dbc, convID, reg.Message.ID, "answer two")

	// Switch back to the first answer.
	sw, err := h.svc.SwitchBranch(dbc, convID, first.ID)
	if err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if sw.LeafMessageID != first.ID {
		t.Fatalf("leaf = %s, want %s", sw.LeafMessageID, first.ID)
	}
	if !h.message(t, dbc, first.ID).IsActiveBranch || h.message(t, dbc, reg.Message.ID).IsActiveBranch {
		t.Fatal("flags not flipped to the first branch")
	}

	// And forward again; flags return to the regenerated branch.
	if _, err := h.svc.SwitchBranch(dbc, convID, reg.Message.ID); err != nil {
		t.Fatalf("switch back: %v", err)
	}
	if h.message(t, dbc, first.ID).IsActiveBranch || !h.message(t, dbc, reg.Message.ID).IsActiveBranch {
		t.Fatal("round trip did not restore the regenerated branch")
	}
	conv := h.conversation(t, dbc, convID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != reg.Message.ID {
		t.Fatal("active leaf out of sync after round trip")
	}
}

func TestBranchFromMessageRepointsLeaf(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "first"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	h.finishGeneration(t, dbc, convID, res.AssistantMessages[0].ID, "a1")

	second, err := h.svc.Send(dbc, SendInput{ConversationID: &convID, Content: "followup"})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	h.finishGeneration(t, dbc, convID, second.AssistantMessages[0].ID, "a2")

	// Branch from the first assistant: deeper messages leave the active path.
	br, err := h.svc.BranchFromMessage(dbc, res.AssistantMessages[0].ID)
	if err != nil {
		t.Fatalf("BranchFromMessage: %v", err)
	}
	if br.LeafMessageID != res.AssistantMessages[0].ID {
		t.Fatalf("leaf = %s, want branch point", br.LeafMessageID)
	}
	if h.message(t, dbc, second.UserMessage.ID).IsActiveBranch {
		t.Fatal("downstream user message still active")
	}
	conv := h.conversation(t, dbc, convID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != res.AssistantMessages[0].ID {
		t.Fatal("active leaf not repointed")
	}

	// The next send forks a sibling under the branch point.
	third, err := h.svc.Send(dbc, SendInput{ConversationID: &convID, Content: "alternate"})
	if err != nil {
		t.Fatalf("third send: %v", err)
	}
	if *third.UserMessage.ParentMessageID != res.AssistantMessages[0].ID {
		t.Fatal("new user message not parented at the branch point")
	}
	if third.UserMessage.SiblingIndex != second.UserMessage.SiblingIndex+1 {
		t.Fatalf("fork sibling index = %d, want %d", third.UserMessage.SiblingIndex, second.UserMessage.SiblingIndex+1)
	}
}

func TestMergeBranches(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	tipA := res.AssistantMessages[0]
	h.finishGeneration(t, dbc, convID, tipA.ID, "answer a")

	reg, err := h.svc.Regenerate(dbc, tipA.ID, RegenerateInput{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	tipB := reg.Message
	h.finishGeneration(t, dbc, convID, tipB.ID, "answer b")

	merged, err := h.svc.MergeBranches(dbc, convID, MergeInput{
		ParentMessageIDs: []uuid.UUID{tipA.ID, tipB.ID},
		Content:          "combine both answers",
	})
	if err != nil {
		t.Fatalf("MergeBranches: %v", err)
	}
	mm := merged.MergeMessage
	if *mm.ParentMessageID != tipA.ID {
		t.Fatal("primary parent should be the first listed tip")
	}
	extras := mm.MergedParents()
	if len(extras) != 1 || extras[0] != tipB.ID {
		t.Fatalf("merged parents = %v, want [%s]", extras, tipB.ID)
	}
	if mm.ForkReason != chatdomain.ForkMerge {
		t.Fatalf("fork reason = %q", mm.ForkReason)
	}

	// Without a generated response the lock is free again immediately.
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st != nil {
		t.Fatal("merge without generation left the lock held")
	}
	conv := h.conversation(t, dbc, convID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != mm.ID {
		t.Fatal("active leaf should be the merge message")
	}
	if conv.BranchCount != 0 {
		t.Fatalf("branch_count = %d, want 0 after merge", conv.BranchCount)
	}
}

func TestSwitchBranchToMergedParent(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	tipA := res.AssistantMessages[0]
	h.finishGeneration(t, dbc, convID, tipA.ID, "answer a")

	reg, err := h.svc.Regenerate(dbc, tipA.ID, RegenerateInput{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	tipB := reg.Message
	h.finishGeneration(t, dbc, convID, tipB.ID, "answer b")

	merged, err := h.svc.MergeBranches(dbc, convID, MergeInput{
		ParentMessageIDs: []uuid.UUID{tipA.ID, tipB.ID},
		Content:          "combine",
	})
	if err != nil {
		t.Fatalf("MergeBranches: %v", err)
	}
	mm := merged.MergeMessage

	// Switching to the merged-in tip descends its merge link to the merge
	// node, but the activated path must still run through the chosen tip, not
	// through the merge node's primary parent on the other branch.
	sw, err := h.svc.SwitchBranch(dbc, convID, tipB.ID)
	if err != nil {
		t.Fatalf("SwitchBranch: %v", err)
	}
	if sw.LeafMessageID != mm.ID {
		t.Fatalf("leaf = %s, want the merge node %s", sw.LeafMessageID, mm.ID)
	}
	if !h.message(t, dbc, tipB.ID).IsActiveBranch {
		t.Fatal("switch target left the active path")
	}
	if h.message(t, dbc, tipA.ID).IsActiveBranch {
		t.Fatal("active path stayed on the branch switched away from")
	}
	if !h.message(t, dbc, mm.ID).IsActiveBranch {
		t.Fatal("merge node dropped from the active path")
	}
	conv := h.conversation(t, dbc, convID)
	if conv.ActiveLeafMessageID == nil || *conv.ActiveLeafMessageID != mm.ID {
		t.Fatal("active leaf not at the merge node")
	}
}

func TestMergeBranchesWithResponse(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	tipA := res.AssistantMessages[0]
	h.finishGeneration(t, dbc, convID, tipA.ID, "a")
	reg, err := h.svc.Regenerate(dbc, tipA.ID, RegenerateInput{})
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	h.finishGeneration(t, dbc, convID, reg.Message.ID, "b")

	before := len(h.sched.generations)
	merged, err := h.svc.MergeBranches(dbc, convID, MergeInput{
		ParentMessageIDs: []uuid.UUID{tipA.ID, reg.Message.ID},
		Content:          "synthesize",
		GenerateResponse: true,
	})
	if err != nil {
		t.Fatalf("MergeBranches: %v", err)
	}
	if merged.AssistantMessage == nil || merged.AssistantMessage.Status != chatdomain.StatusPending {
		t.Fatal("expected a pending assistant under the merge message")
	}
	if len(h.sched.generations) != before+1 {
		t.Fatal("merge with response did not schedule a generation")
	}
	// The lock stays held for the pending generation.
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st == nil {
		t.Fatal("lock should be held until the merge response completes")
	}
}

func TestMergeBranchesValidation(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "q"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	h.finishGeneration(t, dbc, convID, res.AssistantMessages[0].ID, "a")

	_, err = h.svc.MergeBranches(dbc, convID, MergeInput{
		ParentMessageIDs: []uuid.UUID{res.AssistantMessages[0].ID},
		Content:          "just one",
	})
	if !chatdomain.IsCode(err, chatdomain.CodeValidation) {
		t.Fatalf("single parent: got %v, want validation", err)
	}
}

func TestStopGeneration(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	res, err := h.svc.Send(dbc, SendInput{Content: "long question"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	am := res.AssistantMessages[0]

	// Worker has streamed some partial output.
	if err := h.msgs.UpdateFields(dbc, am.ID, map[string]interface{}{
		"status":          chatdomain.StatusGenerating,
		"partial_content": "half an ans",
	}); err != nil {
		t.Fatalf("stream partial: %v", err)
	}

	stopped, err := h.svc.StopGeneration(dbc, convID)
	if err != nil {
		t.Fatalf("StopGeneration: %v", err)
	}
	if stopped.ID != am.ID {
		t.Fatalf("stopped %s, want %s", stopped.ID, am.ID)
	}
	got := h.message(t, dbc, am.ID)
	if got.Status != chatdomain.StatusStopped {
		t.Fatalf("status = %s, want stopped", got.Status)
	}
	if got.Content != "half an ans" || got.PartialContent != "" {
		t.Fatalf("content = %q partial = %q; partial should be promoted", got.Content, got.PartialContent)
	}
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st != nil {
		t.Fatal("stop did not release the lock")
	}

	// Nothing left to stop.
	if _, err := h.svc.StopGeneration(dbc, convID); !chatdomain.IsCode(err, chatdomain.CodeNotFound) {
		t.Fatalf("second stop: got %v, want not_found", err)
	}
}

func TestStaleCompletionCannotReleaseNextTurn(t *testing.T) {
	h := newHarness(t)
	dbc := h.dbc(h.user)

	// A comparison turn holds two lock shares.
	res, err := h.svc.Send(dbc, SendInput{Content: "compare", Models: []string{"gpt-4o", "gpt-5"}})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	staleToken := h.lockToken(t, res.AssistantMessages[1].ID)

	// The user stops the turn; the lock is force-released while the second
	// sibling's worker is still in flight.
	if _, err := h.svc.StopGeneration(dbc, convID); err != nil {
		t.Fatalf("StopGeneration: %v", err)
	}

	next, err := h.svc.Send(dbc, SendInput{ConversationID: &convID, Content: "next question"})
	if err != nil {
		t.Fatalf("next send: %v", err)
	}

	// The straggler from the stopped turn reports done. The new turn's lock
	// must survive it.
	released, err := h.lock.MarkDone(dbc.Ctx, convID, staleToken)
	if err != nil {
		t.Fatalf("stale MarkDone: %v", err)
	}
	if released {
		t.Fatal("stale completion released the new turn's lock")
	}
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st == nil {
		t.Fatal("new turn lost its lock to a stale completion")
	}

	// The new turn's own completion still releases it.
	h.finishGeneration(t, dbc, convID, next.AssistantMessages[0].ID, "answer")
	if st, _ := h.lock.Holder(dbc.Ctx, convID); st != nil {
		t.Fatal("lock still held after the new turn completed")
	}
}

func TestParticipantAccess(t *testing.T) {
	h := newHarness(t)
	owner := h.dbc(h.user)

	res, err := h.svc.Send(owner, SendInput{Content: "private"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	convID := res.Conversation.ID
	h.finishGeneration(t, owner, convID, res.AssistantMessages[0].ID, "a")

	stranger := uuid.New()
	if _, _, err := h.svc.GetConversation(h.dbc(stranger), convID); !chatdomain.IsCode(err, chatdomain.CodeUnauthorized) {
		t.Fatalf("stranger access: got %v, want unauthorized", err)
	}

	if err := h.svc.AddParticipant(owner, convID, stranger, ""); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if _, _, err := h.svc.GetConversation(h.dbc(stranger), convID); err != nil {
		t.Fatalf("participant access: %v", err)
	}

	// Participants can send into the shared conversation.
	if _, err := h.svc.Send(h.dbc(stranger), SendInput{ConversationID: &convID, Content: "hi from guest"}); err != nil {
		t.Fatalf("participant send: %v", err)
	}

	if err := h.svc.RemoveParticipant(owner, convID, stranger); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	if _, _, err := h.svc.GetConversation(h.dbc(stranger), convID); !chatdomain.IsCode(err, chatdomain.CodeUnauthorized) {
		t.Fatalf("removed participant access: got %v, want unauthorized", err)
	}
}
