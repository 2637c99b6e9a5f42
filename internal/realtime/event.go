package realtime

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventMessageUpdated      = "message.updated"
	EventActivePathChanged   = "conversation.active_path_changed"
	EventGenerationFinished  = "generation.finished"
	EventConversationUpdated = "conversation.updated"
)

// Event is the wire shape pushed to clients over the realtime bus. Delivery is
// best-effort; clients reconcile by refetching.
type Event struct {
	Type           string                 `json:"type"`
	ConversationID uuid.UUID              `json:"conversation_id"`
	MessageID      *uuid.UUID             `json:"message_id,omitempty"`
	UserID         uuid.UUID              `json:"user_id,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	At             time.Time              `json:"at"`
}
