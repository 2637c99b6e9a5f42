package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Conversation struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	OwnerUserID uuid.UUID `gorm:"type:uuid;not null;index" json:"owner_user_id"`

	Title  string `gorm:"column:title;not null;default:'New chat'" json:"title"`
	Status string `gorm:"column:status;not null;default:'active';index" json:"status"`

	// Model is the conversation-level default; per-message models override it.
	Model string `gorm:"column:model" json:"model,omitempty"`

	// ActiveLeafMessageID is the tip of the currently displayed path.
	ActiveLeafMessageID *uuid.UUID `gorm:"type:uuid;column:active_leaf_message_id" json:"active_leaf_message_id,omitempty"`

	// BranchCount is a coarse metric: forks created minus merges performed.
	BranchCount  int `gorm:"column:branch_count;not null;default:0" json:"branch_count"`
	MessageCount int `gorm:"column:message_count;not null;default:0" json:"message_count"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	LastMessageAt time.Time `gorm:"column:last_message_at;not null;default:now();index" json:"last_message_at"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Conversation) TableName() string { return "conversation" }
