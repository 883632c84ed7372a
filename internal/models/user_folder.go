package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/internal/utils"
)

// UserFolder is a user-created folder. The synchronizer never creates,
// renames or deletes these; only explicit user actions do.
type UserFolder struct {
	ID        string         `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	MailboxID string         `gorm:"column:mailbox_id;type:varchar(50);index;not null" json:"mailboxId"`
	Name      string         `gorm:"column:name;type:varchar(255);not null" json:"name"`
	ParentID  *string        `gorm:"column:parent_id;type:varchar(50);index" json:"parentId"`
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (UserFolder) TableName() string {
	return "user_folders"
}

func (f *UserFolder) BeforeCreate(tx *gorm.DB) error {
	if f.ID == "" {
		f.ID = utils.GenerateNanoIDWithPrefix("fold", 16)
	}
	return nil
}
