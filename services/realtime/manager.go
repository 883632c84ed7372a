package realtime

import (
	"context"
	"sync"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/dto"
	"github.com/mailwell/mailmirror/interfaces"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/tracing"
	mailsync "github.com/mailwell/mailmirror/services/sync"
)

// Manager owns the realtime reconcilers of this instance. Activity pings
// create and tear them down; actions are routed to the reconciler of the
// addressed mailbox, creating one on demand.
type Manager struct {
	cfg        Config
	sessions   interfaces.SessionFactory
	store      interfaces.MessageStore
	identities interfaces.MessageIdentityRepository
	folders    interfaces.UserFolderRepository
	mailboxes  interfaces.MailboxRepository
	classifier *mailsync.FolderClassifier
	drafts     DraftProvider
	log        logger.Logger

	mu           sync.Mutex
	reconcilers  map[string]*Reconciler
	shuttingDown bool
}

func NewManager(
	cfg Config,
	sessions interfaces.SessionFactory,
	store interfaces.MessageStore,
	identities interfaces.MessageIdentityRepository,
	folders interfaces.UserFolderRepository,
	mailboxes interfaces.MailboxRepository,
	classifier *mailsync.FolderClassifier,
	drafts DraftProvider,
	log logger.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		sessions:    sessions,
		store:       store,
		identities:  identities,
		folders:     folders,
		mailboxes:   mailboxes,
		classifier:  classifier,
		drafts:      drafts,
		log:         log,
		reconcilers: map[string]*Reconciler{},
	}
}

// HandleActivity reacts to a mailbox activity signal. An active ping ensures
// a running reconciler; an inactive ping retires it.
func (m *Manager) HandleActivity(ctx context.Context, ping dto.ActivityPing) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Manager.HandleActivity")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, ping.MailboxID)
	span.SetTag("active", ping.Active)

	if !ping.Active {
		m.retire(ping.MailboxID)
		return nil
	}

	_, err := m.ensureReconciler(ctx, ping.MailboxID)
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

// EnqueueAction routes one action to its mailbox's reconciler. An action is
// itself proof of activity, so a missing reconciler is created first.
func (m *Manager) EnqueueAction(ctx context.Context, action dto.ActionRecord) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Manager.EnqueueAction")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, action.MailboxID)
	span.SetTag("action.type", action.Type.String())

	reconciler, err := m.ensureReconciler(ctx, action.MailboxID)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	reconciler.EnqueueAction(action)
	return nil
}

func (m *Manager) ensureReconciler(ctx context.Context, mailboxID string) (*Reconciler, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, errors.New("manager is shutting down")
	}
	if existing, ok := m.reconcilers[mailboxID]; ok {
		m.mu.Unlock()
		existing.markActive()
		existing.reviveWorkers()
		return existing, nil
	}
	m.mu.Unlock()

	mailbox, err := m.mailboxes.GetByID(ctx, mailboxID)
	if err != nil {
		return nil, err
	}
	if mailbox == nil {
		return nil, errors.Wrapf(mirrorerrors.ErrMailboxNotFound, "mailbox %s", mailboxID)
	}

	acquired, err := m.mailboxes.AcquireLease(ctx, mailboxID, m.cfg.leaseOwner(), m.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, errors.Wrapf(mirrorerrors.ErrLeaseHeld, "mailbox %s", mailboxID)
	}

	reconciler := NewReconciler(
		m.cfg, mailbox, m.sessions, m.store, m.identities, m.folders,
		m.mailboxes, m.classifier, m.drafts, m.log, m.onCritical, m.retire,
	)

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		m.releaseLease(mailboxID)
		return nil, errors.New("manager is shutting down")
	}
	if existing, ok := m.reconcilers[mailboxID]; ok {
		// Lost the race; keep the winner.
		m.mu.Unlock()
		m.releaseLease(mailboxID)
		return existing, nil
	}
	m.reconcilers[mailboxID] = reconciler
	m.mu.Unlock()

	if err := reconciler.Start(ctx); err != nil {
		m.mu.Lock()
		delete(m.reconcilers, mailboxID)
		m.mu.Unlock()
		m.releaseLease(mailboxID)
		return nil, errors.Wrapf(err, "failed to start reconciler for mailbox %s", mailboxID)
	}

	m.log.Infof("started realtime reconciler for mailbox %s", mailboxID)
	return reconciler, nil
}

// onCritical retires a reconciler that lost all of its folder workers.
func (m *Manager) onCritical(mailboxID string) {
	m.log.Errorf("mailbox %s reconciler is in a critical state, retiring", mailboxID)
	m.retire(mailboxID)
}

func (m *Manager) retire(mailboxID string) {
	m.mu.Lock()
	reconciler, ok := m.reconcilers[mailboxID]
	delete(m.reconcilers, mailboxID)
	m.mu.Unlock()
	if !ok {
		return
	}

	reconciler.Stop()
	m.releaseLease(mailboxID)
	m.log.Infof("retired realtime reconciler for mailbox %s", mailboxID)
}

func (m *Manager) releaseLease(mailboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	if err := m.mailboxes.ReleaseLease(ctx, mailboxID, m.cfg.leaseOwner()); err != nil {
		m.log.Errorf("failed to release lease for mailbox %s: %v", mailboxID, err)
	}
}

// IsActive reports whether this instance runs a reconciler for the mailbox.
// The batch orchestrator consults it to keep both paths off the same mailbox.
func (m *Manager) IsActive(mailboxID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.reconcilers[mailboxID]
	return ok
}

// ActiveMailboxes lists the mailbox ids with a running reconciler.
func (m *Manager) ActiveMailboxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.reconcilers))
	for id := range m.reconcilers {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops every reconciler and blocks until they are done.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	reconcilers := make(map[string]*Reconciler, len(m.reconcilers))
	for id, r := range m.reconcilers {
		reconcilers[id] = r
	}
	m.reconcilers = map[string]*Reconciler{}
	m.mu.Unlock()

	for id, reconciler := range reconcilers {
		reconciler.Stop()
		m.releaseLease(id)
	}
}
