package chat

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/strandchat/strand-backend/internal/domain"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
	"github.com/strandchat/strand-backend/internal/platform/logger"
)

type ParticipantRepo interface {
	Add(dbc dbctx.Context, rows []*types.ConversationParticipant) error
	Remove(dbc dbctx.Context, conversationID, userID uuid.UUID) error
	IsParticipant(dbc dbctx.Context, conversationID, userID uuid.UUID) (bool, error)
	ListByConversation(dbc dbctx.Context, conversationID uuid.UUID) ([]*types.ConversationParticipant, error)
}

type participantRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewParticipantRepo(db *gorm.DB, log *logger.Logger) ParticipantRepo {
	return &participantRepo{db: db, log: log.With("repo", "ParticipantRepo")}
}

func (r *participantRepo) Add(dbc dbctx.Context, rows []*types.ConversationParticipant) error {
	if len(rows) == 0 {
		return nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).Create(&rows).Error
}

func (r *participantRepo) Remove(dbc dbctx.Context, conversationID, userID uuid.UUID) error {
	if conversationID == uuid.Nil || userID == uuid.Nil {
		return fmt.Errorf("missing ids")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	return txx.WithContext(dbc.Ctx).
		Delete(&types.ConversationParticipant{}, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
}

func (r *participantRepo) IsParticipant(dbc dbctx.Context, conversationID, userID uuid.UUID) (bool, error) {
	if conversationID == uuid.Nil || userID == uuid.Nil {
		return false, nil
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var n int64
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *participantRepo) ListByConversation(dbc dbctx.Context, conversationID uuid.UUID) ([]*types.ConversationParticipant, error) {
	if conversationID == uuid.Nil {
		return nil, fmt.Errorf("missing conversation_id")
	}
	txx := dbc.Tx
	if txx == nil {
		txx = r.db
	}
	var out []*types.ConversationParticipant
	if err := txx.WithContext(dbc.Ctx).
		Model(&types.ConversationParticipant{}).
		Where("conversation_id = ?", conversationID).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
