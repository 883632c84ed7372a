package services

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/config"
	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/services/imapclient"
	"github.com/mailwell/mailmirror/services/pop3client"
	"github.com/mailwell/mailmirror/services/protocol"
)

// sessionFactory builds protocol sessions from stored mailbox configuration.
// Every session it hands out carries an auth listener that clears the
// mailbox's recorded auth error once a login succeeds again.
type sessionFactory struct {
	mailboxes interfaces.MailboxRepository
	timeouts  protocol.Timeouts
	clearer   *authErrorClearer
	log       logger.Logger
}

func NewSessionFactory(cfg *config.SyncConfig, mailboxes interfaces.MailboxRepository, log logger.Logger) interfaces.SessionFactory {
	return &sessionFactory{
		mailboxes: mailboxes,
		timeouts: protocol.Timeouts{
			Connect:    cfg.ConnectTimeout,
			Auth:       cfg.AuthTimeout,
			Capability: cfg.CapabilityTimeout,
		},
		clearer: newAuthErrorClearer(mailboxes, log),
		log:     log,
	}
}

// authErrorClearer resets the persisted auth-error timestamp when a session
// authenticates, so a mailbox with fixed credentials stops reporting stale
// failures.
type authErrorClearer struct {
	mailboxes interfaces.MailboxRepository
	log       logger.Logger
}

func newAuthErrorClearer(mailboxes interfaces.MailboxRepository, log logger.Logger) *authErrorClearer {
	return &authErrorClearer{mailboxes: mailboxes, log: log}
}

func (c *authErrorClearer) OnAuthenticated(ctx context.Context, mailboxID string) {
	if err := c.mailboxes.SetAuthError(ctx, mailboxID, nil); err != nil {
		c.log.Errorf("failed to clear auth error for mailbox %s: %v", mailboxID, err)
	}
}

func (f *sessionFactory) NewInboundSession(mailboxID string) (interfaces.InboundSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mailbox, err := f.mailboxes.GetByID(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	if mailbox == nil {
		return nil, errors.Wrapf(mirrorerrors.ErrMailboxNotFound, "mailbox %s", mailboxID)
	}

	switch mailbox.Protocol {
	case enum.ProtocolIMAP:
		session := imapclient.NewSession(mailbox, f.timeouts, f.log)
		session.AddAuthListener(f.clearer)
		return session, nil
	case enum.ProtocolPOP3:
		session := pop3client.NewSession(mailbox, f.timeouts, f.log)
		session.AddAuthListener(f.clearer)
		return session, nil
	default:
		return nil, errors.Errorf("mailbox %s has unsupported inbound protocol %s", mailboxID, mailbox.Protocol)
	}
}

// NewReconcileSession builds a session with mutation support. POP3 has no
// server-side mutation surface, so only IMAP mailboxes qualify.
func (f *sessionFactory) NewReconcileSession(mailboxID string) (interfaces.ReconcileSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	mailbox, err := f.mailboxes.GetByID(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	if mailbox == nil {
		return nil, errors.Wrapf(mirrorerrors.ErrMailboxNotFound, "mailbox %s", mailboxID)
	}

	if mailbox.Protocol != enum.ProtocolIMAP {
		return nil, errors.Errorf("mailbox %s protocol %s does not support reconciliation", mailboxID, mailbox.Protocol)
	}
	session := imapclient.NewSession(mailbox, f.timeouts, f.log)
	session.AddAuthListener(f.clearer)
	return session, nil
}
