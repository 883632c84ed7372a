package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/internal/utils"
)

// MessageIdentity binds a remote message reference to a local message row.
// The remote reference is opaque outside this package; both sync paths look
// identities up before persisting so the same message is never inserted twice.
type MessageIdentity struct {
	ID             string         `gorm:"column:id;type:varchar(50);primaryKey"`
	MailboxID      string         `gorm:"column:mailbox_id;type:varchar(50);index:idx_msg_identity_remote,unique;not null"`
	RemoteRef      string         `gorm:"column:remote_ref;type:varchar(100);index:idx_msg_identity_remote,unique;not null"`
	LocalMessageID string         `gorm:"column:local_message_id;type:varchar(50);index;not null"`
	// Content-derived identifier, stable across draft edits
	MailID    string         `gorm:"column:mail_id;type:varchar(255);index"`
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (MessageIdentity) TableName() string {
	return "message_identities"
}

func (m *MessageIdentity) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("mid", 16)
	}
	return nil
}

// EncodeRemoteRef packs a concrete folder name and a native identifier into
// the single opaque token stored on MessageIdentity. The folder name, not its
// role, keys the ref: several folders can share a role and their identifier
// spaces are independent.
func EncodeRemoteRef(folderName string, uid uint32) string {
	return fmt.Sprintf("%s:%d", folderName, uid)
}

// ParseRemoteRef reverses EncodeRemoteRef. Folder names may themselves
// contain colons, so the uid is taken after the last one.
func ParseRemoteRef(ref string) (string, uint32, error) {
	sep := strings.LastIndex(ref, ":")
	if sep <= 0 {
		return "", 0, fmt.Errorf("malformed remote ref: %s", ref)
	}
	uid, err := strconv.ParseUint(ref[sep+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("malformed remote ref uid: %s", ref)
	}
	return ref[:sep], uint32(uid), nil
}
