package db

import (
	"gorm.io/gorm"

	types "github.com/strandchat/strand-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Conversation{},
		&types.ChatMessage{},
		&types.ConversationParticipant{},
		&types.JobRun{},
	)
}
