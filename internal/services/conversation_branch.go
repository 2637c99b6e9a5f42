package services

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandchat/strand-backend/internal/chat/tree"
	types "github.com/strandchat/strand-backend/internal/domain"
	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
)

// BranchFromMessage repoints the active path so the given message becomes the
// leaf. The next Send then forks a sibling under it. No rows are created.
func (s *conversationService) BranchFromMessage(dbc dbctx.Context, messageID uuid.UUID) (*SwitchResult, error) {
	const op = "Conversation.BranchFrom"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	msg, err := s.loadMessage(dbc, op, messageID)
	if err != nil {
		return nil, err
	}
	conv, err := s.loadConversation(dbc, op, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, err
	}

	res := &SwitchResult{LeafMessageID: messageID}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		ix, _, err := s.loadIndex(inner, op, conv.ID)
		if err != nil {
			return err
		}
		activeSet, err := ix.ActiveSet(messageID)
		if err != nil {
			return err
		}
		patches := ix.DiffActivePath(activeSet)
		if err := s.applyFlagPatches(inner, patches); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		if err := s.convs.UpdateFields(inner, conv.ID, map[string]interface{}{
			"active_leaf_message_id": messageID,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		res.FlagsChanged = len(patches)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.notify.ActivePathChanged(dbc.Ctx, conv.ID, messageID)
	return res, nil
}

// SwitchBranch moves the active path to the deepest descendant of the target,
// descending through lowest sibling ranks and merge links.
func (s *conversationService) SwitchBranch(dbc dbctx.Context, conversationID, targetMessageID uuid.UUID) (*SwitchResult, error) {
	const op = "Conversation.SwitchBranch"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	conv, err := s.loadConversation(dbc, op, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, err
	}

	res := &SwitchResult{}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		ix, _, err := s.loadIndex(inner, op, conversationID)
		if err != nil {
			return err
		}
		forward, err := ix.DescentPath(targetMessageID)
		if err != nil {
			return err
		}
		leaf := forward[len(forward)-1]
		// The new active set is the target's ancestry plus the forward walk to
		// the leaf. Anchoring on the leaf's own ancestry would be wrong when
		// the descent crosses a merge link: the merge node's primary lineage
		// runs up the other branch and would deactivate the chosen target.
		activeSet, err := ix.ActiveSet(targetMessageID)
		if err != nil {
			return err
		}
		for _, id := range forward {
			activeSet[id] = true
		}
		patches := ix.DiffActivePath(activeSet)
		if err := s.applyFlagPatches(inner, patches); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		if err := s.convs.UpdateFields(inner, conversationID, map[string]interface{}{
			"active_leaf_message_id": leaf,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}
		res.LeafMessageID = leaf
		res.FlagsChanged = len(patches)
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}

	s.notify.ActivePathChanged(dbc.Ctx, conversationID, res.LeafMessageID)
	return res, nil
}

// MergeBranches joins two or more branch tips under a new user message. The
// first parent becomes the primary lineage; the rest are recorded as merge
// parents and contribute context but never ancestry.
func (s *conversationService) MergeBranches(dbc dbctx.Context, conversationID uuid.UUID, in MergeInput) (*MergeResult, error) {
	const op = "Conversation.MergeBranches"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	parents := dedupeIDs(in.ParentMessageIDs)
	if len(parents) < 2 {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "merge requires at least two distinct parent messages", nil)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "merge content is empty", nil)
	}
	conv, err := s.loadConversation(dbc, op, conversationID)
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

	model := s.catalog.Resolve(in.Model, "", conv.Model, "")
	res := &MergeResult{}
	txErr := s.txr.InTx(dbc.Ctx, func(inner dbctx.Context) error {
		ix, existing, err := s.loadIndex(inner, op, conversationID)
		if err != nil {
			return err
		}
		first, ok := ix.Get(parents[0])
		if !ok {
			return chatdomain.NewError(chatdomain.CodeNotFound, op, "merge parent not in conversation: "+parents[0].String(), nil)
		}
		for _, pid := range parents[1:] {
			pm, ok := ix.Get(pid)
			if !ok {
				return chatdomain.NewError(chatdomain.CodeNotFound, op, "merge parent not in conversation: "+pid.String(), nil)
			}
			if pm.RootMessageID != first.RootMessageID {
				return chatdomain.NewError(chatdomain.CodeInvariantViolation, op, "merge parents span different trees", nil)
			}
		}

		now := time.Now().UTC()
		primary := parents[0]
		mergeMsg := &types.ChatMessage{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          rd.UserID,
			Role:            chatdomain.RoleUser,
			Status:          chatdomain.StatusComplete,
			Content:         content,
			ParentMessageID: &primary,
			MergedParentIDs: chatdomain.EncodeUUIDs(parents[1:]),
			RootMessageID:   first.RootMessageID,
			SiblingIndex:    ix.NextSiblingIndex(&primary),
			IsActiveBranch:  true,
			ForkReason:      chatdomain.ForkMerge,
			ForkMetadata: forkMetadata(map[string]interface{}{
				"merged_parent_ids": parents,
				"actor_user_id":     rd.UserID,
				"merged_at":         now,
			}),
			CreatedAt: now,
			UpdatedAt: now,
		}
		rows := []*types.ChatMessage{mergeMsg}
		leafID := mergeMsg.ID
		messageDelta := 1

		if in.GenerateResponse {
			mergeID := mergeMsg.ID
			asstAt := now.Add(time.Millisecond)
			am := &types.ChatMessage{
				ID:              uuid.New(),
				ConversationID:  conv.ID,
				UserID:          rd.UserID,
				Role:            chatdomain.RoleAssistant,
				Status:          chatdomain.StatusPending,
				Model:           model,
				ParentMessageID: &mergeID,
				RootMessageID:   mergeMsg.RootMessageID,
				SiblingIndex:    0,
				IsActiveBranch:  true,
				CreatedAt:       asstAt,
				UpdatedAt:       asstAt,
			}
			rows = append(rows, am)
			leafID = am.ID
			messageDelta = 2
			res.AssistantMessage = am
		}
		if _, err := s.msgs.Create(inner, rows); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		ix2 := tree.NewIndex(append(append([]*types.ChatMessage{}, existing...), rows...))
		activeSet, err := ix2.ActiveSet(leafID)
		if err != nil {
			return err
		}
		if err := s.applyFlagPatches(inner, ix2.DiffActivePath(activeSet)); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		branchCount := conv.BranchCount - (len(parents) - 1)
		if branchCount < 0 {
			branchCount = 0
		}
		if err := s.convs.UpdateFields(inner, conv.ID, map[string]interface{}{
			"active_leaf_message_id": leafID,
			"message_count":          conv.MessageCount + messageDelta,
			"branch_count":           branchCount,
			"last_message_at":        now,
		}); err != nil {
			return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
		}

		if in.GenerateResponse {
			if _, err := s.sched.ScheduleGeneration(inner, GenerationTask{
				ConversationID: conv.ID,
				MessageID:      res.AssistantMessage.ID,
				UserID:         rd.UserID,
				Model:          model,
				LockToken:      token,
			}); err != nil {
				return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
			}
		}
		res.MergeMessage = mergeMsg
		return nil
	})
	if txErr != nil {
		_ = s.lock.ForceRelease(dbc.Ctx, conv.ID)
		return nil, txErr
	}
	if !in.GenerateResponse {
		// No worker will MarkDone for a merge without a reply.
		_ = s.lock.ForceRelease(dbc.Ctx, conv.ID)
	}

	s.notify.MessageUpdated(dbc.Ctx, res.MergeMessage)
	leaf := res.MergeMessage.ID
	if res.AssistantMessage != nil {
		leaf = res.AssistantMessage.ID
	}
	s.notify.ActivePathChanged(dbc.Ctx, conversationID, leaf)
	return res, nil
}

// StopGeneration finalizes the newest in-flight assistant message as stopped,
// promotes its partial content, and force-releases the conversation lock. The
// running worker observes the status flip and abandons its stream.
func (s *conversationService) StopGeneration(dbc dbctx.Context, conversationID uuid.UUID) (*types.ChatMessage, error) {
	const op = "Conversation.StopGeneration"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	conv, err := s.loadConversation(dbc, op, conversationID)
	if err != nil {
		return nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, err
	}

	msg, err := s.msgs.LatestRunnable(dbc, conversationID)
	if err != nil {
		return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	if msg == nil {
		return nil, chatdomain.NewError(chatdomain.CodeNotFound, op, "no generation in progress", nil)
	}

	now := time.Now().UTC()
	content := msg.Content
	if content == "" {
		content = msg.PartialContent
	}
	if err := s.msgs.UpdateFields(dbc, msg.ID, map[string]interface{}{
		"status":                  chatdomain.StatusStopped,
		"content":                 content,
		"partial_content":         "",
		"generation_completed_at": now,
	}); err != nil {
		return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	if err := s.lock.ForceRelease(dbc.Ctx, conversationID); err != nil {
		s.log.Warn("Failed to release generation lock on stop", "conversation_id", conversationID, "error", err)
	}

	msg.Status = chatdomain.StatusStopped
	msg.Content = content
	msg.PartialContent = ""
	msg.GenerationCompletedAt = &now
	s.notify.MessageUpdated(dbc.Ctx, msg)
	s.notify.GenerationFinished(dbc.Ctx, msg)
	return msg, nil
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
