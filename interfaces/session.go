package interfaces

import (
	"context"
	"time"

	"github.com/jhillyerd/enmime"

	"github.com/mailwell/mailmirror/internal/enum"
)

// RemoteFolder is a folder as reported by the server, before classification.
type RemoteFolder struct {
	Name       string
	Delimiter  string
	Attributes []string
}

// FolderStatus is the state of a selected folder.
type FolderStatus struct {
	Name        string
	UidValidity uint32
	UidNext     uint32
	Messages    uint32
}

// MessageMeta is the minimal per-message metadata fetched ahead of full
// message download.
type MessageMeta struct {
	UID   uint32
	Size  uint32
	Flags []string
	Date  time.Time
}

// AuthListener is notified when a session reaches the authenticated state,
// so dependent systems (e.g. clearing a recorded auth error) can react.
type AuthListener interface {
	OnAuthenticated(ctx context.Context, mailboxID string)
}

// InboundSession is a connected inbound mail session (IMAP or POP3) as the
// batch synchronizer consumes it. Connect, Authenticate and Negotiate each
// carry their own phase timeout inside the implementation.
type InboundSession interface {
	Protocol() enum.Protocol
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	ListFolders(ctx context.Context) ([]RemoteFolder, error)
	SelectFolder(ctx context.Context, name string) (*FolderStatus, error)
	ListUIDs(ctx context.Context) ([]uint32, error)
	FetchMeta(ctx context.Context, uids []uint32) ([]MessageMeta, error)
	FetchFull(ctx context.Context, uid uint32) (*enmime.Envelope, *MessageMeta, error)
	// FetchHeaderDate fetches only the Date header of one message. Used by
	// the POP3 order-inference pass.
	FetchHeaderDate(ctx context.Context, uid uint32) (time.Time, error)
	Close() error
}

// ReconcileSession extends InboundSession with the mutation primitives the
// realtime reconciler needs to push local actions to the server.
type ReconcileSession interface {
	InboundSession
	AddFlags(ctx context.Context, uids []uint32, flags []string) error
	RemoveFlags(ctx context.Context, uids []uint32, flags []string) error
	Move(ctx context.Context, uids []uint32, folder string) error
	Expunge(ctx context.Context) error
	Append(ctx context.Context, folder string, flags []string, raw []byte) error
	CreateFolder(ctx context.Context, name string) error
}

// SessionFactory builds sessions for a mailbox. Implementations pick the
// concrete protocol client from the mailbox configuration.
type SessionFactory interface {
	NewInboundSession(mailboxID string) (InboundSession, error)
	NewReconcileSession(mailboxID string) (ReconcileSession, error)
}
