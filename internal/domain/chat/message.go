package chat

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusPending    = "pending"
	StatusGenerating = "generating"
	StatusComplete   = "complete"
	StatusStopped    = "stopped"
	StatusError      = "error"

	ForkModelCompare = "model_compare"
	ForkRegenerate   = "regenerate"
	ForkEdit         = "edit"
	ForkMerge        = "merge"
)

// ChatMessage is a node in a conversation tree. The primary lineage runs
// through ParentMessageID; MergedParentIDs holds the extra parents of a merge
// node and never participates in ancestry computation.
type ChatMessage struct {
	ID             uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Role   string `gorm:"column:role;not null;index" json:"role"`
	Status string `gorm:"column:status;not null;default:'complete';index" json:"status"`

	Content        string         `gorm:"column:content;type:text;not null;default:''" json:"content"`
	PartialContent string         `gorm:"column:partial_content;type:text;not null;default:''" json:"partial_content,omitempty"`
	Attachments    datatypes.JSON `gorm:"type:jsonb;column:attachments" json:"attachments,omitempty"`
	Model          string         `gorm:"column:model" json:"model,omitempty"`

	// ParentMessageID is nil only for the tree root.
	ParentMessageID *uuid.UUID     `gorm:"type:uuid;column:parent_message_id;index" json:"parent_message_id,omitempty"`
	MergedParentIDs datatypes.JSON `gorm:"type:jsonb;column:merged_parent_ids" json:"merged_parent_ids,omitempty"`
	RootMessageID   uuid.UUID      `gorm:"type:uuid;column:root_message_id;not null;index" json:"root_message_id"`

	// SiblingIndex ranks messages sharing the same primary parent, assigned by
	// insertion order and never reordered.
	SiblingIndex   int  `gorm:"column:sibling_index;not null;default:0" json:"sibling_index"`
	IsActiveBranch bool `gorm:"column:is_active_branch;not null;default:false;index" json:"is_active_branch"`

	ForkReason        string         `gorm:"column:fork_reason;index" json:"fork_reason,omitempty"`
	ForkMetadata      datatypes.JSON `gorm:"type:jsonb;column:fork_metadata" json:"fork_metadata,omitempty"`
	ComparisonGroupID *uuid.UUID     `gorm:"type:uuid;column:comparison_group_id;index" json:"comparison_group_id,omitempty"`
	FailedModels      datatypes.JSON `gorm:"type:jsonb;column:failed_models" json:"failed_models,omitempty"`

	GenerationCompletedAt *time.Time `gorm:"column:generation_completed_at" json:"generation_completed_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (ChatMessage) TableName() string { return "chat_message" }

// MergedParents decodes the additional merge parents. Empty for non-merge nodes.
func (m *ChatMessage) MergedParents() []uuid.UUID {
	if len(m.MergedParentIDs) == 0 {
		return nil
	}
	var out []uuid.UUID
	if err := json.Unmarshal(m.MergedParentIDs, &out); err != nil {
		return nil
	}
	return out
}

// IsRunnable reports whether a generation is still owed for this message.
func (m *ChatMessage) IsRunnable() bool {
	return m.Status == StatusPending || m.Status == StatusGenerating
}

// EncodeUUIDs marshals a uuid list for a jsonb column.
func EncodeUUIDs(ids []uuid.UUID) datatypes.JSON {
	if len(ids) == 0 {
		return nil
	}
	raw, _ := json.Marshal(ids)
	return datatypes.JSON(raw)
}

// DecodeStrings unmarshals a jsonb string list (e.g. failed models).
func DecodeStrings(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

// EncodeStrings marshals a string list for a jsonb column.
func EncodeStrings(vals []string) datatypes.JSON {
	if len(vals) == 0 {
		return nil
	}
	raw, _ := json.Marshal(vals)
	return datatypes.JSON(raw)
}
