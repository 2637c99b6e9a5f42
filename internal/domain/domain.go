package domain

import (
	"github.com/strandchat/strand-backend/internal/domain/chat"
	"github.com/strandchat/strand-backend/internal/domain/jobs"
)

type Conversation = chat.Conversation
type ChatMessage = chat.ChatMessage
type ConversationParticipant = chat.ConversationParticipant
type JobRun = jobs.JobRun
