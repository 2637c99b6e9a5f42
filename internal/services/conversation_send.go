package services

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandchat/strand-backend/internal/chat/tree"
	types "github.com/strandchat/strand-backend/internal/domain"
	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
)

// Send appends a user message at the active leaf and fans out one pending
// assistant message per requested model. The lock is taken before any row is
// written and carries one expected completion per scheduled model; if the
// transaction fails the lock is force-released and nothing persists.
func (s *conversationService) Send(dbc dbctx.Context, in SendInput) (*SendResult, error) {
	const op = "Conversation.Send"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "message content is empty", nil)
	}

	// A fresh conversation row is written inside the same transaction as its
	// first messages, so a failed turn cannot strand an empty conversation.
	var conv *types.Conversation
	createConv := false
	if in.ConversationID == nil {
		now := time.Now().UTC()
		conv = &types.Conversation{
			ID:            uuid.New(),
			OwnerUserID:   rd.UserID,
			Title:         titleFromContent(content),
			Status:        "active",
			LastMessageAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		createConv = true
	} else {
		conv, err = s.loadConversation(dbc, op, *in.ConversationID)
		if err != nil {
			return nil, err
		}
		if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
			return nil, err
		}
	}

	models := dedupeModels(in.Models)
	if len(models) == 0 {
		models = []string{s.catalog.Resolve("", "", conv.Model, "")}
	}
	for _, m := range models {
		if !s.catalog.Supports(m) {
			return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "unsupported model: "+m, nil)
		}
	}
	var groupID *uuid.UUID
	if len(models) > 1 {
		g := uuid.New()
		groupID = &g
	}

	token, err := s.acquireLock(dbc, op, conv.ID, rd.UserID, groupID, len(models))
	if err != nil {
		return nil, err
	}

	res := &SendResult{Conversation: conv}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		if createConv {
			if _, err := s.convs.Create(inner, []*types.Conversation{conv}); err != nil {
				return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
			}
		}
		ix, existing, err := s.loadIndex(inner, op, conv.ID)
		if err != nil {
			return err
		}
		parent := conv.ActiveLeafMessageID
		now := time.Now().UTC()

		userMsg := &types.ChatMessage{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          rd.UserID,
			Role:            chatdomain.RoleUser,
			Status:          chatdomain.StatusComplete,
			Content:         content,
			Attachments:     in.Attachments,
			ParentMessageID: parent,
			SiblingIndex:    ix.NextSiblingIndex(parent),
			IsActiveBranch:  true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if parent == nil {
			userMsg.RootMessageID = userMsg.ID
		} else {
			pm, ok := ix.Get(*parent)
			if !ok {
				return chatdomain.NewError(chatdomain.CodeInvariantViolation, op, "active leaf not in message set", nil)
			}
			userMsg.RootMessageID = pm.RootMessageID
		}

		// Assistant rows sort strictly after the user turn in creation order.
		asstAt := now.Add(time.Millisecond)
		assistants := make([]*types.ChatMessage, 0, len(models))
		for i, model := range models {
			parentID := userMsg.ID
			am := &types.ChatMessage{
				ID:                uuid.New(),
				ConversationID:    conv.ID,
				UserID:            rd.UserID,
				Role:              chatdomain.RoleAssistant,
				Status:            chatdomain.StatusPending,
				Model:             model,
				ParentMessageID:   &parentID,
				RootMessageID:     userMsg.RootMessageID,
				SiblingIndex:      i,
				IsActiveBranch:    i == 0,
				ComparisonGroupID: groupID,
				CreatedAt:         asstAt,
				UpdatedAt:         asstAt,
			}
			if groupID != nil {
				am.ForkReason = chatdomain.ForkModelCompare
			}
			assistants = append(assistants, am)
		}

		rows := append([]*types.ChatMessage{userMsg}, assistants...)
		if _, err := s.msgs.Create(inner, rows); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		all := append(append([]*types.ChatMessage{}, existing...), rows...)
		ix2 := tree.NewIndex(all)
		activeSet, err := ix2.ActiveSet(assistants[0].ID)
		if err != nil {
			return err
		}
		if err := s.applyFlagPatches(inner, ix2.DiffActivePath(activeSet)); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		convUpdates := map[string]interface{}{
			"active_leaf_message_id": assistants[0].ID,
			"message_count":          conv.MessageCount + len(rows),
			"last_message_at":        now,
		}
		if len(models) > 1 {
			convUpdates["branch_count"] = conv.BranchCount + len(models) - 1
		}
		if conv.Model == "" {
			convUpdates["model"] = models[0]
		}
		if err := s.convs.UpdateFields(inner, conv.ID, convUpdates); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		for _, am := range assistants {
			run, err := s.sched.ScheduleGeneration(inner, GenerationTask{
				ConversationID:    conv.ID,
				MessageID:         am.ID,
				UserID:            rd.UserID,
				Model:             am.Model,
				ThinkingEffort:    in.ThinkingEffort,
				ComparisonGroupID: groupID,
				LockToken:         token,
			})
			if err != nil {
				return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
			}
			res.JobIDs = append(res.JobIDs, run.ID)
		}
		if _, err := s.sched.ScheduleHousekeeping(inner, rd.UserID, conv.ID); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		res.UserMessage = userMsg
		res.AssistantMessages = assistants
		return nil
	})
	if txErr != nil {
		_ = s.lock.ForceRelease(dbc.Ctx, conv.ID)
		return nil, txErr
	}

	s.notify.MessageUpdated(dbc.Ctx, res.UserMessage)
	s.notify.ActivePathChanged(dbc.Ctx, conv.ID, res.AssistantMessages[0].ID)
	return res, nil
}

// Regenerate forks a fresh assistant sibling next to an existing assistant
// message and schedules one generation for it.
func (s *conversationService) Regenerate(dbc dbctx.Context, messageID uuid.UUID, in RegenerateInput) (*RegenerateResult, error) {
	const op = "Conversation.Regenerate"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	msg, err := s.loadMessage(dbc, op, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != chatdomain.RoleAssistant {
		return nil, chatdomain.NewError(chatdomain.CodeUnauthorized, op, "only assistant messages can be regenerated", nil)
	}
	conv, err := s.loadConversation(dbc, op, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, err
	}

	model := s.catalog.Resolve(in.Model, msg.Model, conv.Model, "")
	var excluded []string
	if in.ExcludeFailedModels {
		excluded = chatdomain.DecodeStrings(msg.FailedModels)
	}

	token, err := s.acquireLock(dbc, op, conv.ID, rd.UserID, nil, 1)
	if err != nil {
		return nil, err
	}

	res := &RegenerateResult{}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		ix, existing, err := s.loadIndex(inner, op, conv.ID)
		if err != nil {
			return err
		}
		if _, ok := ix.Get(msg.ID); !ok {
			return chatdomain.NewError(chatdomain.CodeNotFound, op, "message no longer exists", nil)
		}
		now := time.Now().UTC()
		am := &types.ChatMessage{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          rd.UserID,
			Role:            chatdomain.RoleAssistant,
			Status:          chatdomain.StatusPending,
			Model:           model,
			ParentMessageID: msg.ParentMessageID,
			RootMessageID:   msg.RootMessageID,
			SiblingIndex:    ix.NextSiblingIndex(msg.ParentMessageID),
			IsActiveBranch:  true,
			ForkReason:      chatdomain.ForkRegenerate,
			ForkMetadata: forkMetadata(map[string]interface{}{
				"original_message_id": msg.ID,
				"original_model":      msg.Model,
				"actor_user_id":       rd.UserID,
				"forked_at":           now,
			}),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := s.msgs.Create(inner, []*types.ChatMessage{am}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		ix2 := tree.NewIndex(append(append([]*types.ChatMessage{}, existing...), am))
		activeSet, err := ix2.ActiveSet(am.ID)
		if err != nil {
			return err
		}
		if err := s.applyFlagPatches(inner, ix2.DiffActivePath(activeSet)); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		if err := s.convs.UpdateFields(inner, conv.ID, map[string]interface{}{
			"active_leaf_message_id": am.ID,
			"message_count":          conv.MessageCount + 1,
			"branch_count":           conv.BranchCount + 1,
			"last_message_at":        now,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		run, err := s.sched.ScheduleGeneration(inner, GenerationTask{
			ConversationID: conv.ID,
			MessageID:      am.ID,
			UserID:         rd.UserID,
			Model:          model,
			ExcludedModels: excluded,
			ThinkingEffort: in.ThinkingEffort,
			LockToken:      token,
		})
		if err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		res.Message = am
		res.JobID = run.ID
		return nil
	})
	if txErr != nil {
		_ = s.lock.ForceRelease(dbc.Ctx, conv.ID)
		return nil, txErr
	}

	s.notify.ActivePathChanged(dbc.Ctx, conv.ID, res.Message.ID)
	return res, nil
}

// EditMessage patches a user message in place, or forks a sibling branch with
// the new content and a pending assistant reply when createBranch is set.
func (s *conversationService) EditMessage(dbc dbctx.Context, messageID uuid.UUID, newContent string, createBranch bool) (*EditResult, error) {
	const op = "Conversation.EditMessage"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(newContent)
	if content == "" {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "message content is empty", nil)
	}
	msg, err := s.loadMessage(dbc, op, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != chatdomain.RoleUser {
		return nil, chatdomain.NewError(chatdomain.CodeUnauthorized, op, "only user messages can be edited", nil)
	}
	if msg.UserID != rd.UserID {
		return nil, chatdomain.NewError(chatdomain.CodeUnauthorized, op, "cannot edit another user's message", nil)
	}
	conv, err := s.loadConversation(dbc, op, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, err
	}

	if !createBranch {
		if err := s.msgs.UpdateFields(dbc, msg.ID, map[string]interface{}{
			"content": content,
			"fork_metadata": forkMetadata(map[string]interface{}{
				"edited_at":        time.Now().UTC(),
				"original_content": msg.Content,
			}),
		}); err != nil {
			return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		msg.Content = content
		s.notify.MessageUpdated(dbc.Ctx, msg)
		return &EditResult{Message: msg}, nil
	}

	model := s.catalog.Resolve("", "", conv.Model, "")
	token, err := s.acquireLock(dbc, op, conv.ID, rd.UserID, nil, 1)
	if err != nil {
		return nil, err
	}

	res := &EditResult{BranchCreated: true}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		ix, existing, err := s.loadIndex(inner, op, conv.ID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		edited := &types.ChatMessage{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          rd.UserID,
			Role:            chatdomain.RoleUser,
			Status:          chatdomain.StatusComplete,
			Content:         content,
			Attachments:     msg.Attachments,
			ParentMessageID: msg.ParentMessageID,
			RootMessageID:   msg.RootMessageID,
			SiblingIndex:    ix.NextSiblingIndex(msg.ParentMessageID),
			IsActiveBranch:  true,
			ForkReason:      chatdomain.ForkEdit,
			ForkMetadata: forkMetadata(map[string]interface{}{
				"original_message_id": msg.ID,
				"actor_user_id":       rd.UserID,
				"forked_at":           now,
			}),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if msg.ParentMessageID == nil {
			// Editing the root forks a new root; the copy anchors its own tree line.
			edited.RootMessageID = edited.ID
		}
		editedID := edited.ID
		asstAt := now.Add(time.Millisecond)
		am := &types.ChatMessage{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          rd.UserID,
			Role:            chatdomain.RoleAssistant,
			Status:          chatdomain.StatusPending,
			Model:           model,
			ParentMessageID: &editedID,
			RootMessageID:   edited.RootMessageID,
			SiblingIndex:    0,
			IsActiveBranch:  true,
			CreatedAt:       asstAt,
			UpdatedAt:       asstAt,
		}
		if _, err := s.msgs.Create(inner, []*types.ChatMessage{edited, am}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		ix2 := tree.NewIndex(append(append([]*types.ChatMessage{}, existing...), edited, am))
		activeSet, err := ix2.ActiveSet(am.ID)
		if err != nil {
			return err
		}
		if err := s.applyFlagPatches(inner, ix2.DiffActivePath(activeSet)); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		if err := s.convs.UpdateFields(inner, conv.ID, map[string]interface{}{
			"active_leaf_message_id": am.ID,
			"message_count":          conv.MessageCount + 2,
			"branch_count":           conv.BranchCount + 1,
			"last_message_at":        now,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		if _, err := s.sched.ScheduleGeneration(inner, GenerationTask{
			ConversationID: conv.ID,
			MessageID:      am.ID,
			UserID:         rd.UserID,
			Model:          model,
			LockToken:      token,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		res.Message = edited
		res.AssistantMessage = am
		return nil
	})
	if txErr != nil {
		_ = s.lock.ForceRelease(dbc.Ctx, conv.ID)
		return nil, txErr
	}

	s.notify.ActivePathChanged(dbc.Ctx, conv.ID, res.AssistantMessage.ID)
	return res, nil
}

// RetryMessage recovers from a failed reply to a user message: every message
// from the failed assistant onward (in creation order) is deleted and a fresh
// pending assistant is scheduled under the same user message.
func (s *conversationService) RetryMessage(dbc dbctx.Context, messageID uuid.UUID) (*RegenerateResult, error) {
	const op = "Conversation.RetryMessage"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	msg, err := s.loadMessage(dbc, op, messageID)
	if err != nil {
		return nil, err
	}
	if msg.Role != chatdomain.RoleUser {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "retry targets a user message", nil)
	}
	conv, err := s.loadConversation(dbc, op, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, err
	}

	token, err := s.acquireLock(dbc, op, conv.ID, rd.UserID, nil, 1)
	if err != nil {
		return nil, err
	}

	res := &RegenerateResult{}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		ix, existing, err := s.loadIndex(inner, op, conv.ID)
		if err != nil {
			return err
		}
		var failed *types.ChatMessage
		for _, child := range ix.PrimaryChildren(msg.ID) {
			if child.Role == chatdomain.RoleAssistant && child.Status == chatdomain.StatusError {
				failed = child
				break
			}
		}
		if failed == nil {
			return chatdomain.NewError(chatdomain.CodeValidation, op, "no failed assistant reply to retry", nil)
		}

		ordered := append([]*types.ChatMessage{}, existing...)
		sort.Slice(ordered, func(i, j int) bool {
			a, b := ordered[i], ordered[j]
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		})
		var deleteIDs []uuid.UUID
		keep := make([]*types.ChatMessage, 0, len(ordered))
		cut := false
		for _, m := range ordered {
			if m.ID == failed.ID {
				cut = true
			}
			if cut && m.ID != msg.ID {
				deleteIDs = append(deleteIDs, m.ID)
				continue
			}
			keep = append(keep, m)
		}
		if err := s.msgs.DeleteByIDs(inner, deleteIDs); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		now := time.Now().UTC()
		model := s.catalog.Resolve("", failed.Model, conv.Model, "")
		parentID := msg.ID
		keepIx := tree.NewIndex(keep)
		am := &types.ChatMessage{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          rd.UserID,
			Role:            chatdomain.RoleAssistant,
			Status:          chatdomain.StatusPending,
			Model:           model,
			ParentMessageID: &parentID,
			RootMessageID:   msg.RootMessageID,
			SiblingIndex:    keepIx.NextSiblingIndex(&parentID),
			IsActiveBranch:  true,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if _, err := s.msgs.Create(inner, []*types.ChatMessage{am}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		ix2 := tree.NewIndex(append(append([]*types.ChatMessage{}, keep...), am))
		activeSet, err := ix2.ActiveSet(am.ID)
		if err != nil {
			return err
		}
		if err := s.applyFlagPatches(inner, ix2.DiffActivePath(activeSet)); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		if err := s.convs.UpdateFields(inner, conv.ID, map[string]interface{}{
			"active_leaf_message_id": am.ID,
			"message_count":          conv.MessageCount - len(deleteIDs) + 1,
			"last_message_at":        now,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		run, err := s.sched.ScheduleGeneration(inner, GenerationTask{
			ConversationID: conv.ID,
			MessageID:      am.ID,
			UserID:         rd.UserID,
			Model:          model,
			ExcludedModels: chatdomain.DecodeStrings(failed.FailedModels),
			LockToken:      token,
		})
		if err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		res.Message = am
		res.JobID = run.ID
		return nil
	})
	if txErr != nil {
		_ = s.lock.ForceRelease(dbc.Ctx, conv.ID)
		return nil, txErr
	}

	s.notify.ActivePathChanged(dbc.Ctx, conv.ID, res.Message.ID)
	return res, nil
}
