package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/utils"
)

// Message is the local copy of a mirrored email. It is the reference
// implementation of the message store contract; deployments embedding the
// engine substitute their own persistence.
type Message struct {
	ID        string `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	MailboxID string `gorm:"column:mailbox_id;type:varchar(50);index:idx_messages_mailbox_mail_id,priority:1;not null" json:"mailboxId"`
	// MailID is the content-derived identifier; stable across draft edits
	// and folder moves.
	MailID     string          `gorm:"column:mail_id;type:varchar(500);index:idx_messages_mailbox_mail_id,priority:2;not null" json:"mailId"`
	RemoteRef  string          `gorm:"column:remote_ref;type:varchar(100);index" json:"remoteRef"`
	FolderRole enum.FolderRole `gorm:"column:folder_role;type:varchar(20);index" json:"folderRole"`
	FolderName string          `gorm:"column:folder_name;type:varchar(255)" json:"folderName"`

	Subject     string         `gorm:"column:subject;type:varchar(1000)" json:"subject"`
	FromAddress string         `gorm:"column:from_address;type:varchar(255)" json:"fromAddress"`
	ToAddresses pq.StringArray `gorm:"column:to_addresses;type:text[]" json:"toAddresses"`
	CcAddresses pq.StringArray `gorm:"column:cc_addresses;type:text[]" json:"ccAddresses"`

	Unread    bool `gorm:"column:unread;not null;default:false" json:"unread"`
	Important bool `gorm:"column:important;not null;default:false" json:"important"`
	Removed   bool `gorm:"column:removed;not null;default:false" json:"removed"`

	BodyText   string     `gorm:"column:body_text;type:text" json:"bodyText"`
	BodyHTML   string     `gorm:"column:body_html;type:text" json:"bodyHtml"`
	SizeBytes  int64      `gorm:"column:size_bytes" json:"sizeBytes"`
	ReceivedAt *time.Time `gorm:"column:received_at;type:timestamp;index" json:"receivedAt"`

	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Message) TableName() string {
	return "messages"
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("msg", 21)
	}
	return nil
}
