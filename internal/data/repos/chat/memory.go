package chat

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/strandchat/strand-backend/internal/domain"
	chatdomain "github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/platform/dbctx"
)

// In-memory implementations of the chat repos. They mirror the gorm repos'
// observable semantics (soft deletes, UpdateFields column keys) and back the
// orchestrator scenario tests.

type MemoryConversationRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]types.Conversation
}

func NewMemoryConversationRepo() *MemoryConversationRepo {
	return &MemoryConversationRepo{rows: make(map[uuid.UUID]types.Conversation)}
}

func (r *MemoryConversationRepo) Create(_ dbctx.Context, rows []*types.Conversation) ([]*types.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range rows {
		if c.ID == uuid.Nil {
			c.ID = uuid.New()
		}
		r.rows[c.ID] = *c
	}
	return rows, nil
}

func (r *MemoryConversationRepo) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*types.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Conversation, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.rows[id]; ok && !c.DeletedAt.Valid {
			cc := c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (r *MemoryConversationRepo) ListByUser(_ dbctx.Context, userID uuid.UUID, limit int) ([]*types.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.Conversation, 0)
	for _, c := range r.rows {
		if c.OwnerUserID == userID && c.Status == "active" && !c.DeletedAt.Valid {
			cc := c
			out = append(out, &cc)
		}
	}
	return out, nil
}

func (r *MemoryConversationRepo) LockByID(dbc dbctx.Context, id uuid.UUID) (*types.Conversation, error) {
	rows, err := r.GetByIDs(dbc, []uuid.UUID{id})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (r *MemoryConversationRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("conversation not found: %s", id)
	}
	for k, v := range updates {
		switch k {
		case "title":
			c.Title, _ = v.(string)
		case "status":
			c.Status, _ = v.(string)
		case "model":
			c.Model, _ = v.(string)
		case "active_leaf_message_id":
			switch vv := v.(type) {
			case uuid.UUID:
				id := vv
				c.ActiveLeafMessageID = &id
			case *uuid.UUID:
				c.ActiveLeafMessageID = vv
			case nil:
				c.ActiveLeafMessageID = nil
			}
		case "branch_count":
			if n, ok := v.(int); ok {
				c.BranchCount = n
			}
		case "message_count":
			if n, ok := v.(int); ok {
				c.MessageCount = n
			}
		case "last_message_at":
			if t, ok := v.(time.Time); ok {
				c.LastMessageAt = t
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				c.UpdatedAt = t
			}
		}
	}
	r.rows[id] = c
	return nil
}

func (r *MemoryConversationRepo) SoftDelete(_ dbctx.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.rows[id]
	if !ok {
		return nil
	}
	c.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
	r.rows[id] = c
	return nil
}

type MemoryMessageRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]types.ChatMessage
}

func NewMemoryMessageRepo() *MemoryMessageRepo {
	return &MemoryMessageRepo{rows: make(map[uuid.UUID]types.ChatMessage)}
}

func (r *MemoryMessageRepo) Create(_ dbctx.Context, rows []*types.ChatMessage) ([]*types.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range rows {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		r.rows[m.ID] = *m
	}
	return rows, nil
}

func (r *MemoryMessageRepo) GetByIDs(_ dbctx.Context, ids []uuid.UUID) ([]*types.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ChatMessage, 0, len(ids))
	for _, id := range ids {
		if m, ok := r.rows[id]; ok && !m.DeletedAt.Valid {
			mm := m
			out = append(out, &mm)
		}
	}
	return out, nil
}

func (r *MemoryMessageRepo) ListByConversation(_ dbctx.Context, conversationID uuid.UUID) ([]*types.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ChatMessage, 0)
	for _, m := range r.rows {
		if m.ConversationID == conversationID && !m.DeletedAt.Valid {
			mm := m
			out = append(out, &mm)
		}
	}
	return out, nil
}

func (r *MemoryMessageRepo) UpdateFields(_ dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.rows[id]
	if !ok {
		return fmt.Errorf("message not found: %s", id)
	}
	for k, v := range updates {
		switch k {
		case "content":
			m.Content, _ = v.(string)
		case "partial_content":
			m.PartialContent, _ = v.(string)
		case "status":
			m.Status, _ = v.(string)
		case "model":
			m.Model, _ = v.(string)
		case "is_active_branch":
			m.IsActiveBranch, _ = v.(bool)
		case "fork_metadata":
			if raw, ok := v.(datatypes.JSON); ok {
				m.ForkMetadata = raw
			}
		case "failed_models":
			if raw, ok := v.(datatypes.JSON); ok {
				m.FailedModels = raw
			}
		case "generation_completed_at":
			switch vv := v.(type) {
			case time.Time:
				t := vv
				m.GenerationCompletedAt = &t
			case *time.Time:
				m.GenerationCompletedAt = vv
			}
		case "updated_at":
			if t, ok := v.(time.Time); ok {
				m.UpdatedAt = t
			}
		}
	}
	r.rows[id] = m
	return nil
}

func (r *MemoryMessageRepo) SetActive(_ dbctx.Context, ids []uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if m, ok := r.rows[id]; ok {
			m.IsActiveBranch = active
			r.rows[id] = m
		}
	}
	return nil
}

func (r *MemoryMessageRepo) DeleteByIDs(_ dbctx.Context, ids []uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if m, ok := r.rows[id]; ok {
			m.DeletedAt = gorm.DeletedAt{Time: time.Now().UTC(), Valid: true}
			r.rows[id] = m
		}
	}
	return nil
}

func (r *MemoryMessageRepo) LatestRunnable(_ dbctx.Context, conversationID uuid.UUID) (*types.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *types.ChatMessage
	for _, m := range r.rows {
		if m.ConversationID != conversationID || m.DeletedAt.Valid {
			continue
		}
		if m.Status != chatdomain.StatusPending && m.Status != chatdomain.StatusGenerating {
			continue
		}
		mm := m
		if latest == nil || mm.CreatedAt.After(latest.CreatedAt) {
			latest = &mm
		}
	}
	return latest, nil
}

type MemoryParticipantRepo struct {
	mu   sync.RWMutex
	rows map[uuid.UUID]types.ConversationParticipant
}

func NewMemoryParticipantRepo() *MemoryParticipantRepo {
	return &MemoryParticipantRepo{rows: make(map[uuid.UUID]types.ConversationParticipant)}
}

func (r *MemoryParticipantRepo) Add(_ dbctx.Context, rows []*types.ConversationParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range rows {
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		r.rows[p.ID] = *p
	}
	return nil
}

func (r *MemoryParticipantRepo) Remove(_ dbctx.Context, conversationID, userID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.rows {
		if p.ConversationID == conversationID && p.UserID == userID {
			delete(r.rows, id)
		}
	}
	return nil
}

func (r *MemoryParticipantRepo) IsParticipant(_ dbctx.Context, conversationID, userID uuid.UUID) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.rows {
		if p.ConversationID == conversationID && p.UserID == userID && !p.DeletedAt.Valid {
			return true, nil
		}
	}
	return false, nil
}

func (r *MemoryParticipantRepo) ListByConversation(_ dbctx.Context, conversationID uuid.UUID) ([]*types.ConversationParticipant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.ConversationParticipant, 0)
	for _, p := range r.rows {
		if p.ConversationID == conversationID && !p.DeletedAt.Valid {
			pp := p
			out = append(out, &pp)
		}
	}
	return out, nil
}

var (
	_ ConversationRepo = (*MemoryConversationRepo)(nil)
	_ MessageRepo      = (*MemoryMessageRepo)(nil)
	_ ParticipantRepo  = (*MemoryParticipantRepo)(nil)
)
