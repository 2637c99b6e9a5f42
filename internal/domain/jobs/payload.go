package jobs

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// GeneratePayload is the job_run payload for a chat_generate run. The target
// message row already exists in status pending when the job is enqueued.
type GeneratePayload struct {
	ConversationID    uuid.UUID  `json:"conversation_id"`
	MessageID         uuid.UUID  `json:"message_id"`
	UserID            uuid.UUID  `json:"user_id"`
	Model             string     `json:"model"`
	ExcludedModels    []string   `json:"excluded_models,omitempty"`
	ThinkingEffort    string     `json:"thinking_effort,omitempty"`
	ComparisonGroupID *uuid.UUID `json:"comparison_group_id,omitempty"`
	LockToken         uuid.UUID  `json:"lock_token"`
}

// HousekeepingPayload is the job_run payload for a chat_housekeeping run.
type HousekeepingPayload struct {
	UserID         uuid.UUID `json:"user_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
}

func EncodePayload(v interface{}) datatypes.JSON {
	raw, _ := json.Marshal(v)
	return datatypes.JSON(raw)
}

func DecodePayload(raw datatypes.JSON, out interface{}) error {
	return json.Unmarshal(raw, out)
}
