package models

import (
	"time"
)

// FolderSyncState is the persisted synchronization state for one
// (mailbox, folder) pair. HandledRanges is the serialized set of closed
// UID intervals already reconciled within the current UIDVALIDITY epoch.
type FolderSyncState struct {
	ID          string    `gorm:"column:id;type:uuid;primaryKey;default:gen_random_uuid()"`
	MailboxID   string    `gorm:"column:mailbox_id;type:varchar(50);index:idx_folder_sync,unique;not null"`
	FolderName  string    `gorm:"column:folder_name;type:varchar(255);index:idx_folder_sync,unique;not null"`
	UidValidity uint32    `gorm:"column:uid_validity;not null"`
	// JSON array of {from,to} pairs, kept sorted and disjoint
	HandledRanges string    `gorm:"column:handled_ranges;type:jsonb;not null;default:'[]'"`
	BeginIndex    uint32    `gorm:"column:begin_index;not null;default:0"`
	LastSync      time.Time `gorm:"column:last_sync;type:timestamp;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt     time.Time `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
}

func (FolderSyncState) TableName() string {
	return "folder_sync_states"
}
