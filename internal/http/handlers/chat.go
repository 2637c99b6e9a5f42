package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/http/response"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/services"
)

type ChatHandler struct {
	log *logger.Logger
	svc services.ConversationService
}

func NewChatHandler(log *logger.Logger, svc services.ConversationService) *ChatHandler {
	return &ChatHandler{log: log.With("handler", "Chat"), svc: svc}
}

func (h *ChatHandler) dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid "+name, err))
		return uuid.Nil, false
	}
	return id, true
}

type createConversationRequest struct {
	Title string `json:"title"`
	Model string `json:"model"`
}

func (h *ChatHandler) CreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	conv, err := h.svc.CreateConversation(h.dbc(c), req.Title, req.Model)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, conv)
}

func (h *ChatHandler) ListConversations(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	out, err := h.svc.ListConversations(h.dbc(c), limit)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, out)
}

func (h *ChatHandler) GetConversation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	conv, msgs, err := h.svc.GetConversation(h.dbc(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"conversation": conv, "messages": msgs})
}

func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteConversation(h.dbc(c), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

type addParticipantRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
	Role   string    `json:"role"`
}

func (h *ChatHandler) AddParticipant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req addParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	if err := h.svc.AddParticipant(h.dbc(c), id, req.UserID, req.Role); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *ChatHandler) RemoveParticipant(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	userID, ok := pathID(c, "userID")
	if !ok {
		return
	}
	if err := h.svc.RemoveParticipant(h.dbc(c), id, userID); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

type sendRequest struct {
	ConversationID *uuid.UUID     `json:"conversation_id"`
	Content        string         `json:"content" binding:"required"`
	Models         []string       `json:"models"`
	Attachments    datatypes.JSON `json:"attachments"`
	ThinkingEffort string         `json:"thinking_effort"`
}

func (h *ChatHandler) Send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	res, err := h.svc.Send(h.dbc(c), services.SendInput{
		ConversationID: req.ConversationID,
		Content:        req.Content,
		Models:         req.Models,
		Attachments:    req.Attachments,
		ThinkingEffort: req.ThinkingEffort,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{
		"conversation":       res.Conversation,
		"user_message":       res.UserMessage,
		"assistant_messages": res.AssistantMessages,
		"job_ids":            res.JobIDs,
	})
}

type regenerateRequest struct {
	Model               string `json:"model"`
	ExcludeFailedModels bool   `json:"exclude_failed_models"`
	ThinkingEffort      string `json:"thinking_effort"`
}

func (h *ChatHandler) Regenerate(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req regenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	res, err := h.svc.Regenerate(h.dbc(c), id, services.RegenerateInput{
		Model:               req.Model,
		ExcludeFailedModels: req.ExcludeFailedModels,
		ThinkingEffort:      req.ThinkingEffort,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"message": res.Message, "job_id": res.JobID})
}

type editRequest struct {
	Content      string `json:"content" binding:"required"`
	CreateBranch bool   `json:"create_branch"`
}

func (h *ChatHandler) EditMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	res, err := h.svc.EditMessage(h.dbc(c), id, req.Content, req.CreateBranch)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{
		"message":           res.Message,
		"assistant_message": res.AssistantMessage,
		"branch_created":    res.BranchCreated,
	})
}

func (h *ChatHandler) RetryMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.RetryMessage(h.dbc(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{"message": res.Message, "job_id": res.JobID})
}

func (h *ChatHandler) BranchFromMessage(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.BranchFromMessage(h.dbc(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"leaf_message_id": res.LeafMessageID, "flags_changed": res.FlagsChanged})
}

type switchBranchRequest struct {
	TargetMessageID uuid.UUID `json:"target_message_id" binding:"required"`
}

func (h *ChatHandler) SwitchBranch(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req switchBranchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	res, err := h.svc.SwitchBranch(h.dbc(c), id, req.TargetMessageID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"leaf_message_id": res.LeafMessageID, "flags_changed": res.FlagsChanged})
}

type mergeRequest struct {
	ParentMessageIDs []uuid.UUID `json:"parent_message_ids" binding:"required"`
	Content          string      `json:"content" binding:"required"`
	GenerateResponse bool        `json:"generate_response"`
	Model            string      `json:"model"`
}

func (h *ChatHandler) MergeBranches(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var req mergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, chatdomain.NewError(chatdomain.CodeValidation, "http", "invalid request body", err))
		return
	}
	res, err := h.svc.MergeBranches(h.dbc(c), id, services.MergeInput{
		ParentMessageIDs: req.ParentMessageIDs,
		Content:          req.Content,
		GenerateResponse: req.GenerateResponse,
		Model:            req.Model,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, gin.H{
		"merge_message":     res.MergeMessage,
		"assistant_message": res.AssistantMessage,
	})
}

func (h *ChatHandler) StopGeneration(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	msg, err := h.svc.StopGeneration(h.dbc(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, msg)
}
