package interfaces

import (
	"context"
	"time"

	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/models"
)

type MailboxRepository interface {
	GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error)
	GetActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error)
	Create(ctx context.Context, mailbox *models.Mailbox) error
	UpdateConnectionStatus(ctx context.Context, mailboxID string, status enum.ConnectionStatus, errorMessage string) error
	SetAuthError(ctx context.Context, mailboxID string, at *time.Time) error
	SetLastSyncAt(ctx context.Context, mailboxID string, at time.Time) error
	SetLastActivityAt(ctx context.Context, mailboxID string, at time.Time) error
	// AcquireLease attempts to take the exclusive sync lease. It returns
	// false when another owner holds an unexpired lease.
	AcquireLease(ctx context.Context, mailboxID, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, mailboxID, owner string) error
}

type SyncStateRepository interface {
	GetSyncState(ctx context.Context, mailboxID, folderName string) (*models.FolderSyncState, error)
	SaveSyncState(ctx context.Context, state *models.FolderSyncState) error
	DeleteSyncState(ctx context.Context, mailboxID, folderName string) error
	DeleteMailboxSyncStates(ctx context.Context, mailboxID string) error
	GetAllSyncStates(ctx context.Context) ([]models.FolderSyncState, error)
}

type MessageIdentityRepository interface {
	GetByMailID(ctx context.Context, mailboxID, mailID string) (*models.MessageIdentity, error)
	GetByLocalMessageID(ctx context.Context, mailboxID, localMessageID string) (*models.MessageIdentity, error)
	// ListByFolder returns known identities for one concrete folder keyed by
	// remote ref, the shape delta diffing consumes.
	ListByFolder(ctx context.Context, mailboxID, folderName string) (map[string]*models.MessageIdentity, error)
	Save(ctx context.Context, identity *models.MessageIdentity) error
	UpdateRemoteRef(ctx context.Context, mailboxID, oldRef, newRef string) error
	Delete(ctx context.Context, mailboxID, remoteRef string) error
}

type UserFolderRepository interface {
	GetByMailbox(ctx context.Context, mailboxID string) ([]*models.UserFolder, error)
	Create(ctx context.Context, folder *models.UserFolder) error
	Rename(ctx context.Context, folderID, newName string) error
	Delete(ctx context.Context, folderID string) error
}
