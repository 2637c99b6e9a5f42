package services

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/strandchat/strand-backend/internal/chat/tree"
	"github.com/strandchat/strand-backend/internal/data/repos"
	chatrepo "github.com/strandchat/strand-backend/internal/data/repos/chat"
	types "github.com/strandchat/strand-backend/internal/domain"
	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/genlock"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/requestdata"
)

// SendInput starts a new turn. Empty Models resolves to a single model via the
// catalog fallback chain; more than one model fans out into sibling assistant
// messages under the same user message.
type SendInput struct {
	ConversationID *uuid.UUID
	Content        string
	Models         []string
	Attachments    datatypes.JSON
	ThinkingEffort string
}

type SendResult struct {
	Conversation      *types.Conversation
	UserMessage       *types.ChatMessage
	AssistantMessages []*types.ChatMessage
	JobIDs            []uuid.UUID
}

type RegenerateInput struct {
	Model               string
	ExcludeFailedModels bool
	ThinkingEffort      string
}

type RegenerateResult struct {
	Message *types.ChatMessage
	JobID   uuid.UUID
}

type EditResult struct {
	// Message is the patched message for in-place edits, or the new user
	// message when a branch was created.
	Message          *types.ChatMessage
	AssistantMessage *types.ChatMessage
	BranchCreated    bool
}

type SwitchResult struct {
	LeafMessageID uuid.UUID
	FlagsChanged  int
}

type MergeInput struct {
	ParentMessageIDs []uuid.UUID
	Content          string
	GenerateResponse bool
	Model            string
}

type MergeResult struct {
	MergeMessage     *types.ChatMessage
	AssistantMessage *types.ChatMessage
}

// ConversationService is the single write path for conversation trees. Every
// mutation recomputes branch flags through the tree index and commits all row
// writes in one transaction; the generation lock is the only resource that
// outlives the transaction and is compensated on failure.
type ConversationService interface {
	CreateConversation(dbc dbctx.Context, title, model string) (*types.Conversation, error)
	GetConversation(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, []*types.ChatMessage, error)
	ListConversations(dbc dbctx.Context, limit int) ([]*types.Conversation, error)
	DeleteConversation(dbc dbctx.Context, id uuid.UUID) error
	AddParticipant(dbc dbctx.Context, conversationID, userID uuid.UUID, role string) error
	RemoveParticipant(dbc dbctx.Context, conversationID, userID uuid.UUID) error

	Send(dbc dbctx.Context, in SendInput) (*SendResult, error)
	Regenerate(dbc dbctx.Context, messageID uuid.UUID, in RegenerateInput) (*RegenerateResult, error)
	EditMessage(dbc dbctx.Context, messageID uuid.UUID, newContent string, createBranch bool) (*EditResult, error)
	RetryMessage(dbc dbctx.Context, messageID uuid.UUID) (*RegenerateResult, error)
	BranchFromMessage(dbc dbctx.Context, messageID uuid.UUID) (*SwitchResult, error)
	SwitchBranch(dbc dbctx.Context, conversationID, targetMessageID uuid.UUID) (*SwitchResult, error)
	MergeBranches(dbc dbctx.Context, conversationID uuid.UUID, in MergeInput) (*MergeResult, error)
	StopGeneration(dbc dbctx.Context, conversationID uuid.UUID) (*types.ChatMessage, error)
}

type conversationService struct {
	log     *logger.Logger
	txr     repos.TxRunner
	convs   chatrepo.ConversationRepo
	msgs    chatrepo.MessageRepo
	parts   chatrepo.ParticipantRepo
	lock    genlock.Lock
	sched   Scheduler
	catalog ModelCatalog
	notify  ConversationNotifier
}

func NewConversationService(
	log *logger.Logger,
	txr repos.TxRunner,
	convs chatrepo.ConversationRepo,
	msgs chatrepo.MessageRepo,
	parts chatrepo.ParticipantRepo,
	lock genlock.Lock,
	sched Scheduler,
	catalog ModelCatalog,
	notify ConversationNotifier,
) ConversationService {
	if notify == nil {
		notify = NopNotifier{}
	}
	return &conversationService{
		log:     log.With("service", "ConversationService"),
		txr:     txr,
		convs:   convs,
		msgs:    msgs,
		parts:   parts,
		lock:    lock,
		sched:   sched,
		catalog: catalog,
		notify:  notify,
	}
}

func (s *conversationService) CreateConversation(dbc dbctx.Context, title, model string) (*types.Conversation, error) {
	const op = "Conversation.Create"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	conv := &types.Conversation{
		ID:            uuid.New(),
		OwnerUserID:   rd.UserID,
		Title:         strings.TrimSpace(title),
		Status:        "active",
		Model:         strings.TrimSpace(model),
		LastMessageAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if _, err := s.convs.Create(dbc, []*types.Conversation{conv}); err != nil {
		return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	return conv, nil
}

func (s *conversationService) GetConversation(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, []*types.ChatMessage, error) {
	const op = "Conversation.Get"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, nil, err
	}
	conv, err := s.loadConversation(dbc, op, id)
	if err != nil {
		return nil, nil, err
	}
	if err := s.ensureAccess(dbc, op, conv, rd.UserID); err != nil {
		return nil, nil, err
	}
	msgs, err := s.msgs.ListByConversation(dbc, id)
	if err != nil {
		return nil, nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	return conv, msgs, nil
}

func (s *conversationService) ListConversations(dbc dbctx.Context, limit int) ([]*types.Conversation, error) {
	const op = "Conversation.List"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return nil, err
	}
	out, err := s.convs.ListByUser(dbc, rd.UserID, limit)
	if err != nil {
		return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	return out, nil
}

func (s *conversationService) DeleteConversation(dbc dbctx.Context, id uuid.UUID) error {
	const op = "Conversation.Delete"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return err
	}
	conv, err := s.loadConversation(dbc, op, id)
	if err != nil {
		return err
	}
	if conv.OwnerUserID != rd.UserID {
		return chatdomain.NewError(chatdomain.CodeUnauthorized, op, "only the owner may delete a conversation", nil)
	}
	if err := s.convs.SoftDelete(dbc, id); err != nil {
		return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	// Drop any lingering lock so a future restore cannot start blocked.
	_ = s.lock.ForceRelease(dbc.Ctx, id)
	return nil
}

func (s *conversationService) AddParticipant(dbc dbctx.Context, conversationID, userID uuid.UUID, role string) error {
	const op = "Conversation.AddParticipant"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return err
	}
	conv, err := s.loadConversation(dbc, op, conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerUserID != rd.UserID {
		return chatdomain.NewError(chatdomain.CodeUnauthorized, op, "only the owner may add participants", nil)
	}
	if userID == uuid.Nil {
		return chatdomain.NewError(chatdomain.CodeValidation, op, "missing user id", nil)
	}
	if role == "" {
		role = "collaborator"
	}
	p := &types.ConversationParticipant{
		ID:             uuid.New(),
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.parts.Add(dbc, []*types.ConversationParticipant{p}); err != nil {
		return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	return nil
}

func (s *conversationService) RemoveParticipant(dbc dbctx.Context, conversationID, userID uuid.UUID) error {
	const op = "Conversation.RemoveParticipant"
	rd, err := s.caller(dbc, op)
	if err != nil {
		return err
	}
	conv, err := s.loadConversation(dbc, op, conversationID)
	if err != nil {
		return err
	}
	if conv.OwnerUserID != rd.UserID && userID != rd.UserID {
		return chatdomain.NewError(chatdomain.CodeUnauthorized, op, "cannot remove another participant", nil)
	}
	if err := s.parts.Remove(dbc, conversationID, userID); err != nil {
		return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	return nil
}

func (s *conversationService) caller(dbc dbctx.Context, op string) (*requestdata.RequestData, error) {
	rd := requestdata.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return nil, chatdomain.NewError(chatdomain.CodeUnauthorized, op, "missing request identity", nil)
	}
	return rd, nil
}

func (s *conversationService) loadConversation(dbc dbctx.Context, op string, id uuid.UUID) (*types.Conversation, error) {
	if id == uuid.Nil {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "missing conversation id", nil)
	}
	rows, err := s.convs.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil {
		return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	if len(rows) == 0 {
		return nil, chatdomain.NewError(chatdomain.CodeNotFound, op, "conversation not found: "+id.String(), nil)
	}
	return rows[0], nil
}

func (s *conversationService) loadMessage(dbc dbctx.Context, op string, id uuid.UUID) (*types.ChatMessage, error) {
	if id == uuid.Nil {
		return nil, chatdomain.NewError(chatdomain.CodeValidation, op, "missing message id", nil)
	}
	rows, err := s.msgs.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil {
		return nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	if len(rows) == 0 {
		return nil, chatdomain.NewError(chatdomain.CodeNotFound, op, "message not found: "+id.String(), nil)
	}
	return rows[0], nil
}

// ensureAccess admits the owner and any participant.
func (s *conversationService) ensureAccess(dbc dbctx.Context, op string, conv *types.Conversation, userID uuid.UUID) error {
	if conv.OwnerUserID == userID {
		return nil
	}
	ok, err := s.parts.IsParticipant(dbc, conv.ID, userID)
	if err != nil {
		return chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	if !ok {
		return chatdomain.NewError(chatdomain.CodeUnauthorized, op, "not a participant of this conversation", nil)
	}
	return nil
}

// loadIndex fetches the live message set and builds the branch index over it.
func (s *conversationService) loadIndex(dbc dbctx.Context, op string, conversationID uuid.UUID) (*tree.Index, []*types.ChatMessage, error) {
	msgs, err := s.msgs.ListByConversation(dbc, conversationID)
	if err != nil {
		return nil, nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	return tree.NewIndex(msgs), msgs, nil
}

// applyFlagPatches groups the resolver's flips into at most two SetActive
// writes.
func (s *conversationService) applyFlagPatches(dbc dbctx.Context, patches []tree.FlagPatch) error {
	if len(patches) == 0 {
		return nil
	}
	var on, off []uuid.UUID
	for _, p := range patches {
		if p.Active {
			on = append(on, p.ID)
		} else {
			off = append(off, p.ID)
		}
	}
	if err := s.msgs.SetActive(dbc, off, false); err != nil {
		return err
	}
	return s.msgs.SetActive(dbc, on, true)
}

// acquireLock maps the non-blocking acquire outcome to the coded error space.
// The returned token travels with every scheduled generation so completions
// from this turn cannot release a later turn's lock.
func (s *conversationService) acquireLock(dbc dbctx.Context, op string, conversationID, holder uuid.UUID, groupID *uuid.UUID, expected int) (uuid.UUID, error) {
	token, ok, err := s.lock.Acquire(dbc.Ctx, conversationID, holder, groupID, expected)
	if err != nil {
		return uuid.Nil, chatdomain.Wrap(chatdomain.CodeInternal, op, err)
	}
	if !ok {
		return uuid.Nil, chatdomain.NewError(chatdomain.CodeLockContention, op, "a generation is already in progress", nil)
	}
	return token, nil
}

func forkMetadata(fields map[string]interface{}) datatypes.JSON {
	raw, _ := json.Marshal(fields)
	return datatypes.JSON(raw)
}

// titleFromContent derives a conversation title from the first message.
func titleFromContent(content string) string {
	line := strings.TrimSpace(content)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	const max = 80
	if len(line) > max {
		line = strings.TrimSpace(line[:max]) + "…"
	}
	if line == "" {
		line = "New conversation"
	}
	return line
}

func dedupeModels(models []string) []string {
	seen := make(map[string]bool, len(models))
	out := make([]string, 0, len(models))
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}
