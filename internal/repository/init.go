package repository

import (
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/models"
)

type Repositories struct {
	MailboxRepository         interfaces.MailboxRepository
	SyncStateRepository       interfaces.SyncStateRepository
	MessageIdentityRepository interfaces.MessageIdentityRepository
	UserFolderRepository      interfaces.UserFolderRepository
	MessageStore              interfaces.MessageStore
}

func InitRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		MailboxRepository:         NewMailboxRepository(db),
		SyncStateRepository:       NewSyncStateRepository(db),
		MessageIdentityRepository: NewMessageIdentityRepository(db),
		UserFolderRepository:      NewUserFolderRepository(db),
		MessageStore:              NewMessageStore(db),
	}
}

func MigrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Mailbox{},
		&models.Message{},
		&models.FolderSyncState{},
		&models.MessageIdentity{},
		&models.UserFolder{},
	)
}
