package interfaces

import (
	"context"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/models"
)

// LogicalFolder is a classified remote folder. Computed per sync pass;
// only user-created folders outlive the pass (models.UserFolder).
type LogicalFolder struct {
	Role          enum.FolderRole
	Name          string
	DisplayName   string
	LocalFolderID string
	Tags          []string
}

// LocalMessage is the engine's view of a persisted message row.
type LocalMessage struct {
	ID         string
	MailboxID  string
	FolderID   string
	MailID     string
	RemoteRef  string
	Unread     bool
	Important  bool
	Removed    bool
	ReceivedAt time.Time
}

// MessageStore is the external message persistence collaborator. The engine
// hands over MIME-parsed messages and flag mutations; it never manages
// message storage itself. Both sync paths write through the same store so a
// message can never be inserted twice.
type MessageStore interface {
	Save(ctx context.Context, mailbox *models.Mailbox, env *enmime.Envelope, remoteRef string, folder LogicalFolder, unread bool) (*LocalMessage, error)
	SetUnread(ctx context.Context, ids []string, unread bool) error
	SetImportant(ctx context.Context, ids []string, important bool) error
	SetRemoved(ctx context.Context, ids []string) error
	ChangeRemoteRef(ctx context.Context, id string, newRemoteRef string) error
	// FindByMailID looks a message up by its content-derived identifier,
	// used for draft re-identification and duplicate suppression.
	FindByMailID(ctx context.Context, mailboxID, mailID string) (*LocalMessage, error)
}
