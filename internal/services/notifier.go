package services

import (
	"context"

	"github.com/google/uuid"

	redisclient "github.com/strandchat/strand-backend/internal/clients/redis"
	types "github.com/strandchat/strand-backend/internal/domain"
	"github.com/strandchat/strand-backend/internal/platform/logger"
	"github.com/strandchat/strand-backend/internal/realtime"
)

// ConversationNotifier pushes best-effort realtime events after conversation
// mutations commit. Failures are logged, never surfaced to callers.
type ConversationNotifier interface {
	MessageUpdated(ctx context.Context, msg *types.ChatMessage)
	ActivePathChanged(ctx context.Context, conversationID, leafMessageID uuid.UUID)
	GenerationFinished(ctx context.Context, msg *types.ChatMessage)
}

type busNotifier struct {
	log *logger.Logger
	bus redisclient.EventBus
}

func NewBusNotifier(bus redisclient.EventBus, log *logger.Logger) ConversationNotifier {
	return &busNotifier{log: log.With("service", "ConversationNotifier"), bus: bus}
}

func (n *busNotifier) publish(ctx context.Context, ev realtime.Event) {
	if n == nil || n.bus == nil {
		return
	}
	if err := n.bus.Publish(ctx, ev); err != nil {
		n.log.Warn("Failed to publish realtime event", "type", ev.Type, "error", err)
	}
}

func (n *busNotifier) MessageUpdated(ctx context.Context, msg *types.ChatMessage) {
	if msg == nil {
		return
	}
	id := msg.ID
	n.publish(ctx, realtime.Event{
		Type:           realtime.EventMessageUpdated,
		ConversationID: msg.ConversationID,
		MessageID:      &id,
		Payload: map[string]interface{}{
			"status": msg.Status,
			"role":   msg.Role,
		},
	})
}

func (n *busNotifier) ActivePathChanged(ctx context.Context, conversationID, leafMessageID uuid.UUID) {
	leaf := leafMessageID
	n.publish(ctx, realtime.Event{
		Type:           realtime.EventActivePathChanged,
		ConversationID: conversationID,
		MessageID:      &leaf,
	})
}

func (n *busNotifier) GenerationFinished(ctx context.Context, msg *types.ChatMessage) {
	if msg == nil {
		return
	}
	id := msg.ID
	n.publish(ctx, realtime.Event{
		Type:           realtime.EventGenerationFinished,
		ConversationID: msg.ConversationID,
		MessageID:      &id,
		Payload: map[string]interface{}{
			"status": msg.Status,
			"model":  msg.Model,
		},
	})
}

// NopNotifier is used in tests and when the event bus is disabled.
type NopNotifier struct{}

func (NopNotifier) MessageUpdated(context.Context, *types.ChatMessage)      {}
func (NopNotifier) ActivePathChanged(context.Context, uuid.UUID, uuid.UUID) {}
func (NopNotifier) GenerationFinished(context.Context, *types.ChatMessage)  {}

var _ ConversationNotifier = NopNotifier{}
