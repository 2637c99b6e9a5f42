// Package generate executes chat_generate job runs: it streams model output
// into the pending assistant message created by the conversation service.
package generate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strandchat/strand-backend/internal/chat/tree"
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

// flushInterval bounds how often streamed partial content is persisted and
// the advisory stop flag is checked.
const flushInterval = 750 * time.Millisecond

type Handler struct {
	log     *logger.Logger
	msgs    chatrepo.MessageRepo
	lock    genlock.Lock
	engine  generation.Engine
	catalog services.ModelCatalog
	notify  services.ConversationNotifier
}

func NewHandler(
	log *logger.Logger,
	msgs chatrepo.MessageRepo,
	lock genlock.Lock,
	engine generation.Engine,
	catalog services.ModelCatalog,
	notify services.ConversationNotifier,
) *Handler {
	if notify == nil {
		notify = services.NopNotifier{}
	}
	return &Handler{
		log:     log.With("job", "ChatGenerate"),
		msgs:    msgs,
		lock:    lock,
		engine:  engine,
		catalog: catalog,
		notify:  notify,
	}
}

func (h *Handler) Run(ctx context.Context, run *types.JobRun) error {
	var payload jobdomain.GeneratePayload
	if err := jobdomain.DecodePayload(run.Payload, &payload); err != nil {
		return fmt.Errorf("decode generate payload: %w", err)
	}
	log := h.log.With("conversation_id", payload.ConversationID, "message_id", payload.MessageID)
	dbc := dbctx.Context{Ctx: ctx}

	rows, err := h.msgs.GetByIDs(dbc, []uuid.UUID{payload.MessageID})
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		// The target was deleted (retry cleanup) before we claimed the run.
		log.Info("Skipping generation for deleted message")
		return nil
	}
	msg := rows[0]
	if msg.Status != chatdomain.StatusPending {
		// Stopped or already handled by another attempt. The lock is not ours
		// to decrement in either case.
		log.Info("Skipping generation for non-pending message", "status", msg.Status)
		return nil
	}

	model, err := h.pickModel(payload)
	if err != nil {
		return h.fail(dbc, log, msg, payload, payload.Model, err)
	}

	updates := map[string]interface{}{"status": chatdomain.StatusGenerating}
	if model != msg.Model {
		updates["model"] = model
	}
	if err := h.msgs.UpdateFields(dbc, msg.ID, updates); err != nil {
		return err
	}
	msg.Status = chatdomain.StatusGenerating
	msg.Model = model
	h.notify.MessageUpdated(ctx, msg)

	req, err := h.buildRequest(dbc, msg, model, payload.ThinkingEffort)
	if err != nil {
		return h.fail(dbc, log, msg, payload, model, err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var sb strings.Builder
	lastFlush := time.Now()
	stopped := false

	streamErr := h.engine.Stream(streamCtx, req, func(d generation.Delta) error {
		sb.WriteString(d.Text)
		if d.Done || time.Since(lastFlush) >= flushInterval {
			lastFlush = time.Now()
			if err := h.msgs.UpdateFields(dbc, msg.ID, map[string]interface{}{
				"partial_content": sb.String(),
			}); err != nil {
				return err
			}
			cur, err := h.currentStatus(dbc, msg.ID)
			if err != nil {
				return err
			}
			if cur != chatdomain.StatusGenerating {
				// An advisory stop (or another finalizer) won the race.
				stopped = true
				cancel()
				return context.Canceled
			}
			msg.PartialContent = sb.String()
			h.notify.MessageUpdated(ctx, msg)
		}
		return nil
	})

	if stopped {
		// StopGeneration already finalized the row and released the lock.
		log.Info("Generation stopped by user", "chars", sb.Len())
		return nil
	}
	if streamErr != nil {
		return h.fail(dbc, log, msg, payload, model, streamErr)
	}

	done := time.Now().UTC()
	if err := h.msgs.UpdateFields(dbc, msg.ID, map[string]interface{}{
		"status":                  chatdomain.StatusComplete,
		"content":                 sb.String(),
		"partial_content":         "",
		"generation_completed_at": done,
	}); err != nil {
		return err
	}
	released, err := h.lock.MarkDone(ctx, payload.ConversationID, payload.LockToken)
	if err != nil {
		log.Warn("Failed to mark generation done on lock", "error", err)
	}
	msg.Status = chatdomain.StatusComplete
	msg.Content = sb.String()
	msg.PartialContent = ""
	msg.GenerationCompletedAt = &done
	h.notify.GenerationFinished(ctx, msg)
	log.Info("Generation complete", "model", model, "chars", sb.Len(), "lock_released", released)
	return nil
}

// fail finalizes the message as errored, records the model in failed_models,
// and decrements the lock so sibling generations can still release it.
func (h *Handler) fail(dbc dbctx.Context, log *logger.Logger, msg *types.ChatMessage, payload jobdomain.GeneratePayload, model string, cause error) error {
	failed := chatdomain.DecodeStrings(msg.FailedModels)
	if model != "" && !contains(failed, model) {
		failed = append(failed, model)
	}
	now := time.Now().UTC()
	if err := h.msgs.UpdateFields(dbc, msg.ID, map[string]interface{}{
		"status":                  chatdomain.StatusError,
		"failed_models":           chatdomain.EncodeStrings(failed),
		"generation_completed_at": now,
	}); err != nil {
		log.Error("Failed to finalize errored message", "error", err)
	}
	if _, err := h.lock.MarkDone(dbc.Ctx, msg.ConversationID, payload.LockToken); err != nil {
		log.Warn("Failed to mark generation done on lock", "error", err)
	}
	msg.Status = chatdomain.StatusError
	h.notify.GenerationFinished(dbc.Ctx, msg)
	return fmt.Errorf("generation failed for model %s: %w", model, cause)
}

// Abandon runs when the pool stops retrying a generate run. The turn's lock
// share still has to be surrendered here, or the conversation stays blocked
// until the lease expires.
func (h *Handler) Abandon(ctx context.Context, run *types.JobRun, cause error) {
	var payload jobdomain.GeneratePayload
	if err := jobdomain.DecodePayload(run.Payload, &payload); err != nil {
		h.log.Error("Failed to decode abandoned generate payload", "error", err)
		return
	}
	log := h.log.With("conversation_id", payload.ConversationID, "message_id", payload.MessageID)
	dbc := dbctx.Context{Ctx: ctx}

	rows, err := h.msgs.GetByIDs(dbc, []uuid.UUID{payload.MessageID})
	if err != nil || len(rows) == 0 {
		return
	}
	msg := rows[0]
	if msg.Status != chatdomain.StatusPending && msg.Status != chatdomain.StatusGenerating {
		// Another path finalized the message and settled its lock share.
		return
	}
	if err := h.msgs.UpdateFields(dbc, msg.ID, map[string]interface{}{
		"status":                  chatdomain.StatusError,
		"generation_completed_at": time.Now().UTC(),
	}); err != nil {
		log.Error("Failed to finalize abandoned message", "error", err)
	}
	if _, err := h.lock.MarkDone(ctx, payload.ConversationID, payload.LockToken); err != nil {
		log.Warn("Failed to mark abandoned generation done on lock", "error", err)
	}
	msg.Status = chatdomain.StatusError
	h.notify.GenerationFinished(ctx, msg)
	log.Warn("Generation abandoned after final attempt", "error", cause)
}

// pickModel honors the payload's exclusion list, falling back to any supported
// model not yet tried.
func (h *Handler) pickModel(payload jobdomain.GeneratePayload) (string, error) {
	model := payload.Model
	if model == "" {
		model = h.catalog.Default()
	}
	if !contains(payload.ExcludedModels, model) {
		return model, nil
	}
	if def := h.catalog.Default(); !contains(payload.ExcludedModels, def) {
		return def, nil
	}
	return "", fmt.Errorf("all candidate models are excluded")
}

// buildRequest assembles the prompt from the target's ancestor path, root
// first. Merge nodes inline the content of their extra parents so joined
// branches contribute context without contributing ancestry.
func (h *Handler) buildRequest(dbc dbctx.Context, msg *types.ChatMessage, model, thinkingEffort string) (generation.Request, error) {
	all, err := h.msgs.ListByConversation(dbc, msg.ConversationID)
	if err != nil {
		return generation.Request{}, err
	}
	ix := tree.NewIndex(all)
	if msg.ParentMessageID == nil {
		return generation.Request{}, fmt.Errorf("assistant message has no parent")
	}
	path, err := ix.AncestorPath(*msg.ParentMessageID)
	if err != nil {
		return generation.Request{}, err
	}

	req := generation.Request{Model: model}
	if mi, ok := h.catalog.Info(model); ok {
		req.MaxTokens = mi.MaxOutputTokens
		if mi.SupportsThinking {
			req.ThinkingEffort = thinkingEffort
		}
	}
	// path is leaf-to-root; walk it backwards.
	for i := len(path) - 1; i >= 0; i-- {
		node, ok := ix.Get(path[i])
		if !ok {
			continue
		}
		if node.Status != chatdomain.StatusComplete && node.Status != chatdomain.StatusStopped {
			continue
		}
		content := node.Content
		if extras := node.MergedParents(); len(extras) > 0 {
			var ctxParts []string
			for _, pid := range extras {
				if pm, ok := ix.Get(pid); ok && pm.Content != "" {
					ctxParts = append(ctxParts, pm.Content)
				}
			}
			if len(ctxParts) > 0 {
				content = "Context from merged branches:\n" + strings.Join(ctxParts, "\n---\n") + "\n\n" + content
			}
		}
		if content == "" {
			continue
		}
		req.Messages = append(req.Messages, generation.Message{Role: node.Role, Content: content})
	}
	if len(req.Messages) == 0 {
		return generation.Request{}, fmt.Errorf("empty prompt for message %s", msg.ID)
	}
	return req, nil
}

func (h *Handler) currentStatus(dbc dbctx.Context, id uuid.UUID) (string, error) {
	rows, err := h.msgs.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("message disappeared mid-generation: %s", id)
	}
	return rows[0].Status, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
