// Package housekeeping executes the post-turn maintenance run: usage counters
// and counter reconciliation for the conversation that just finished a turn.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/strandchat/strand-backend/internal/chat/tree"
	chatrepo "github.com/strandchat/strand-backend/internal/data/repos/chat"
	types "github.com/strandchat/strand-backend/internal/domain"
	jobdomain "github.com/strandchat/strand-backend/internal/domain/jobs"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
)

const usageKeyPrefix = "strand:usage:turns:"

type Handler struct {
	log   *logger.Logger
	convs chatrepo.ConversationRepo
	msgs  chatrepo.MessageRepo
	rdb   *goredis.Client
}

func NewHandler(log *logger.Logger, convs chatrepo.ConversationRepo, msgs chatrepo.MessageRepo, rdb *goredis.Client) *Handler {
	return &Handler{
		log:   log.With("job", "ChatHousekeeping"),
		convs: convs,
		msgs:  msgs,
		rdb:   rdb,
	}
}

func (h *Handler) Run(ctx context.Context, run *types.JobRun) error {
	var payload jobdomain.HousekeepingPayload
	if err := jobdomain.DecodePayload(run.Payload, &payload); err != nil {
		return fmt.Errorf("decode housekeeping payload: %w", err)
	}
	log := h.log.With("conversation_id", payload.ConversationID, "user_id", payload.UserID)

	if err := h.bumpUsage(ctx, payload.UserID); err != nil {
		// Usage counters are advisory; do not fail the run over them.
		log.Warn("Failed to bump usage counter", "error", err)
	}
	return h.reconcileCounters(ctx, log, payload.ConversationID)
}

// bumpUsage increments the caller's daily turn counter. The key expires two
// days out so quota checks always see yesterday and today.
func (h *Handler) bumpUsage(ctx context.Context, userID uuid.UUID) error {
	if h.rdb == nil {
		return nil
	}
	key := usageKeyPrefix + userID.String() + ":" + time.Now().UTC().Format("2006-01-02")
	pipe := h.rdb.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 48*time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// reconcileCounters recomputes message_count and the active leaf from the
// stored rows and repairs drift left by crashed turns.
func (h *Handler) reconcileCounters(ctx context.Context, log *logger.Logger, conversationID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	rows, err := h.convs.GetByIDs(dbc, []uuid.UUID{conversationID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		log.Info("Conversation gone before housekeeping ran")
		return nil
	}
	conv := rows[0]

	msgs, err := h.msgs.ListByConversation(dbc, conversationID)
	if err != nil {
		return err
	}
	updates := map[string]interface{}{}
	if conv.MessageCount != len(msgs) {
		updates["message_count"] = len(msgs)
	}
	if conv.ActiveLeafMessageID != nil {
		ix := tree.NewIndex(msgs)
		if _, ok := ix.Get(*conv.ActiveLeafMessageID); !ok {
			// The recorded leaf was deleted; fall back to the newest message.
			var newest *types.ChatMessage
			for _, m := range msgs {
				if newest == nil || m.CreatedAt.After(newest.CreatedAt) {
					newest = m
				}
			}
			if newest != nil {
				leaf, err := ix.LeafOf(newest.ID)
				if err == nil {
					updates["active_leaf_message_id"] = leaf
				}
			} else {
				updates["active_leaf_message_id"] = nil
			}
		}
	}
	if len(updates) == 0 {
		return nil
	}
	log.Info("Repairing conversation counters", "updates", len(updates))
	return h.convs.UpdateFields(dbc, conversationID, updates)
}
