package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationParticipant grants a collaborator access to a conversation.
// The owner is implicit and has no participant row.
type ConversationParticipant struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index:idx_participant_conv_user,unique,priority:1" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index:idx_participant_conv_user,unique,priority:2" json:"user_id"`

	Role string `gorm:"column:role;not null;default:'collaborator'" json:"role"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ConversationParticipant) TableName() string { return "conversation_participant" }
