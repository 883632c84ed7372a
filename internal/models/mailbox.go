package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/utils"
)

type Mailbox struct {
	ID           string        `gorm:"column:id;type:varchar(50);primaryKey" json:"id"`
	Tenant       string        `gorm:"column:tenant;type:varchar(255);index;not null" json:"tenant"`
	UserID       string        `gorm:"column:user_id;type:varchar(50);index" json:"userId"`
	EmailAddress string        `gorm:"column:email_address;type:varchar(255);index;not null" json:"emailAddress"`
	Protocol     enum.Protocol `gorm:"column:protocol;type:varchar(10);not null;default:imap" json:"protocol"`
	// Inbound configuration (IMAP or POP3)
	InServer   string             `gorm:"column:in_server;type:varchar(255);not null" json:"inServer"`
	InPort     int                `gorm:"column:in_port;not null" json:"inPort"`
	InUsername string             `gorm:"column:in_username;type:varchar(255);not null" json:"inUsername"`
	InPassword string             `gorm:"column:in_password;type:varchar(255)" json:"-"`
	InSecurity enum.EmailSecurity `gorm:"column:in_security;type:varchar(20);not null;default:tls" json:"inSecurity"`
	// SMTP configuration
	SmtpServer   string             `gorm:"column:smtp_server;type:varchar(255)" json:"smtpServer"`
	SmtpPort     int                `gorm:"column:smtp_port" json:"smtpPort"`
	SmtpUsername string             `gorm:"column:smtp_username;type:varchar(255)" json:"smtpUsername"`
	SmtpPassword string             `gorm:"column:smtp_password;type:varchar(255)" json:"-"`
	SmtpSecurity enum.EmailSecurity `gorm:"column:smtp_security;type:varchar(20);not null;default:tls" json:"smtpSecurity"`
	// Authentication
	AuthMethod  enum.AuthMethod `gorm:"column:auth_method;type:varchar(20);not null;default:password" json:"authMethod"`
	OAuth2Token string          `gorm:"column:oauth2_token;type:text" json:"-"`
	// Sync behaviour
	SyncFolders pq.StringArray `gorm:"column:sync_folders;type:text[]" json:"syncFolders"`
	BeginDate   *time.Time     `gorm:"column:begin_date;type:timestamp" json:"beginDate"`
	Active      bool           `gorm:"column:active;not null;default:true" json:"active"`
	// Status information, mutated by the sync paths
	ConnectionStatus    enum.ConnectionStatus `gorm:"column:connection_status;type:varchar(20)" json:"connectionStatus"`
	ErrorMessage        string                `gorm:"column:error_message;type:text" json:"errorMessage"`
	LastSyncAt          *time.Time            `gorm:"column:last_sync_at;type:timestamp" json:"lastSyncAt"`
	LastActivityAt      *time.Time            `gorm:"column:last_activity_at;type:timestamp" json:"lastActivityAt"`
	AuthErrorAt         *time.Time            `gorm:"column:auth_error_at;type:timestamp" json:"authErrorAt"`
	LastConnectionCheck *time.Time            `gorm:"column:last_connection_check;type:timestamp" json:"lastConnectionCheck"`
	// Exclusive lease preventing the batch and realtime paths from
	// processing the same mailbox simultaneously
	LeaseOwner   string     `gorm:"column:lease_owner;type:varchar(100)" json:"-"`
	LeaseExpires *time.Time `gorm:"column:lease_expires;type:timestamp" json:"-"`
	// Standard timestamps
	CreatedAt time.Time      `gorm:"column:created_at;type:timestamp;default:current_timestamp" json:"createdAt"`
	UpdatedAt time.Time      `gorm:"column:updated_at;type:timestamp;default:current_timestamp" json:"updatedAt"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index" json:"-"`
}

func (Mailbox) TableName() string {
	return "mailboxes"
}

func (m *Mailbox) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = utils.GenerateNanoIDWithPrefix("mbox", 16)
	}
	return nil
}
