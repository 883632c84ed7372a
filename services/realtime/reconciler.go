package realtime

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/dto"
	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/internal/utils"
	"github.com/mailwell/mailmirror/services/smtpclient"
	mailsync "github.com/mailwell/mailmirror/services/sync"
)

const (
	flagSeen    = "\\Seen"
	flagFlagged = "\\Flagged"
	flagDeleted = "\\Deleted"

	leaseReleaseTimeout = 10 * time.Second
)

// Config tunes one mailbox reconciler.
type Config struct {
	// PollInterval is how often folder workers re-list their folder.
	PollInterval time.Duration
	// IdleRetireAfter retires the reconciler when neither local actions nor
	// remote changes are observed for this long.
	IdleRetireAfter time.Duration
	// LeaseTTL is the renewal period of the exclusive mailbox lease.
	LeaseTTL time.Duration
	// InstanceID identifies this process as the lease owner.
	InstanceID string
}

// leaseOwner is the owner token written to the mailbox lease row. The path
// suffix keeps it distinct from the batch orchestrator's token, so the
// conditional re-grant for the same owner never crosses paths within one
// process.
func (c Config) leaseOwner() string {
	return c.InstanceID + ":realtime"
}

// DraftProvider supplies the raw content of a locally stored draft for
// resending.
type DraftProvider interface {
	GetDraft(ctx context.Context, mailboxID, draftID string) (raw []byte, mailID string, from string, recipients []string, err error)
}

// Reconciler keeps one actively used mailbox convergent with its server. It
// owns one session per synchronized folder and merges locally sourced
// actions with remotely detected deltas in a single serialized loop.
type Reconciler struct {
	cfg        Config
	mailbox    *models.Mailbox
	sessions   interfaces.SessionFactory
	store      interfaces.MessageStore
	identities interfaces.MessageIdentityRepository
	folders    interfaces.UserFolderRepository
	mailboxes  interfaces.MailboxRepository
	classifier *mailsync.FolderClassifier
	drafts     DraftProvider
	smtp       *smtpclient.Client
	log        logger.Logger

	// onCritical fires when the last folder worker dies.
	onCritical func(mailboxID string)
	// onRetire fires when the idle window elapses.
	onRetire func(mailboxID string)

	actions chan dto.ActionRecord
	deltas  chan folderDelta

	// reconcileMu is the gate serializing the reconcile loop; folder workers
	// and the action feed never mutate state themselves.
	reconcileMu sync.Mutex

	mu           sync.Mutex
	workers      map[string]*folderWorker
	lastActivity time.Time

	runCtx context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(
	cfg Config,
	mailbox *models.Mailbox,
	sessions interfaces.SessionFactory,
	store interfaces.MessageStore,
	identities interfaces.MessageIdentityRepository,
	folders interfaces.UserFolderRepository,
	mailboxes interfaces.MailboxRepository,
	classifier *mailsync.FolderClassifier,
	drafts DraftProvider,
	log logger.Logger,
	onCritical func(mailboxID string),
	onRetire func(mailboxID string),
) *Reconciler {
	return &Reconciler{
		cfg:          cfg,
		mailbox:      mailbox,
		sessions:     sessions,
		store:        store,
		identities:   identities,
		folders:      folders,
		mailboxes:    mailboxes,
		classifier:   classifier,
		drafts:       drafts,
		smtp:         smtpclient.NewClient(mailbox),
		log:          log,
		onCritical:   onCritical,
		onRetire:     onRetire,
		actions:      make(chan dto.ActionRecord, 64),
		deltas:       make(chan folderDelta, 16),
		workers:      map[string]*folderWorker{},
		lastActivity: utils.Now(),
		done:         make(chan struct{}),
	}
}

// Start discovers the mailbox's folders, spawns one worker per folder and
// runs the reconcile loop until Stop or idle retirement.
func (r *Reconciler) Start(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Reconciler.Start")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, r.mailbox.ID)

	folders, err := r.discoverFolders(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	if len(folders) == 0 {
		err := errors.New("no synchronizable folders discovered")
		tracing.TraceErr(span, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.runCtx = runCtx
	r.cancel = cancel

	r.mu.Lock()
	for _, folder := range folders {
		worker := newFolderWorker(r.mailbox.ID, folder, r.sessions, r.cfg.PollInterval, r.deltas, r.handleAuthFailure, r.log)
		r.workers[folder.Name] = worker
		worker.start(runCtx)
	}
	r.mu.Unlock()

	go r.loop(runCtx)
	return nil
}

func (r *Reconciler) discoverFolders(ctx context.Context) ([]interfaces.LogicalFolder, error) {
	session, err := r.sessions.NewInboundSession(r.mailbox.ID)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	if err := session.Connect(ctx); err != nil {
		return nil, err
	}
	if err := session.Authenticate(ctx); err != nil {
		return nil, err
	}
	remote, err := session.ListFolders(ctx)
	if err != nil {
		return nil, err
	}

	domain := ""
	if at := strings.LastIndex(r.mailbox.EmailAddress, "@"); at >= 0 {
		domain = r.mailbox.EmailAddress[at+1:]
	}

	var folders []interfaces.LogicalFolder
	for _, rf := range remote {
		lf, ok := r.classifier.Classify(rf, domain)
		if !ok {
			continue
		}
		folders = append(folders, lf)
	}
	return folders, nil
}

// reviveWorkers recreates folder workers that terminated permanently, e.g.
// after an authentication failure. Called on each activity signal so a
// mailbox with fixed credentials recovers without a full retire cycle.
func (r *Reconciler) reviveWorkers() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.runCtx == nil || r.runCtx.Err() != nil {
		return
	}
	for name, worker := range r.workers {
		select {
		case <-worker.done:
		default:
			continue
		}
		replacement := newFolderWorker(r.mailbox.ID, worker.folder, r.sessions, r.cfg.PollInterval, r.deltas, r.handleAuthFailure, r.log)
		r.workers[name] = replacement
		replacement.start(r.runCtx)
		r.log.Infof("revived folder worker %s/%s", r.mailbox.ID, name)
	}
}

// EnqueueAction feeds a dequeued action into the reconcile loop. Safe to
// call from any goroutine; delivery is at-least-once so application must be
// idempotent.
func (r *Reconciler) EnqueueAction(action dto.ActionRecord) {
	select {
	case r.actions <- action:
	case <-r.done:
	}
}

// Stop tears down all folder workers and ends the reconcile loop.
func (r *Reconciler) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done

	r.mu.Lock()
	workers := make([]*folderWorker, 0, len(r.workers))
	for _, w := range r.workers {
		workers = append(workers, w)
	}
	r.workers = map[string]*folderWorker{}
	r.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	defer tracing.RecoverAndLogToJaeger(r.log)

	leaseTicker := time.NewTicker(r.cfg.LeaseTTL / 2)
	defer leaseTicker.Stop()
	idleTicker := time.NewTicker(time.Minute)
	defer idleTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case action := <-r.actions:
			r.markActive()
			r.reconcile(ctx, func(ctx context.Context) {
				r.applyAction(ctx, action)
			})
		case delta := <-r.deltas:
			r.reconcile(ctx, func(ctx context.Context) {
				r.applyDelta(ctx, delta)
			})
		case <-leaseTicker.C:
			r.renewLease(ctx)
		case <-idleTicker.C:
			if r.idleFor() > r.cfg.IdleRetireAfter {
				r.log.Infof("reconciler for mailbox %s idle, retiring", r.mailbox.ID)
				go r.onRetire(r.mailbox.ID)
				return
			}
		}
	}
}

// reconcile is the single mutual-exclusion gate: no two reconciliation steps
// ever run concurrently for the same mailbox.
func (r *Reconciler) reconcile(ctx context.Context, step func(ctx context.Context)) {
	r.reconcileMu.Lock()
	defer r.reconcileMu.Unlock()
	step(ctx)
}

func (r *Reconciler) markActive() {
	r.mu.Lock()
	r.lastActivity = utils.Now()
	r.mu.Unlock()
}

func (r *Reconciler) idleFor() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivity)
}

func (r *Reconciler) renewLease(ctx context.Context) {
	acquired, err := r.mailboxes.AcquireLease(ctx, r.mailbox.ID, r.cfg.leaseOwner(), r.cfg.LeaseTTL)
	if err != nil {
		r.log.Errorf("failed to renew lease for mailbox %s: %v", r.mailbox.ID, err)
		return
	}
	if !acquired {
		r.log.Warnf("lost lease for mailbox %s, retiring reconciler", r.mailbox.ID)
		go r.onRetire(r.mailbox.ID)
	}
}

// handleAuthFailure flags the mailbox and checks whether any workers are
// still alive. Zero living workers is a critical condition.
func (r *Reconciler) handleAuthFailure(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if repoErr := r.mailboxes.SetAuthError(ctx, r.mailbox.ID, utils.NowPtr()); repoErr != nil {
		r.log.Errorf("failed to record auth error for mailbox %s: %v", r.mailbox.ID, repoErr)
	}

	r.mu.Lock()
	living := 0
	for _, w := range r.workers {
		select {
		case <-w.done:
		default:
			living++
		}
	}
	r.mu.Unlock()

	// The failed worker is still closing; it counts as dead.
	if living <= 1 {
		r.log.Errorf("mailbox %s has no living folder workers, escalating", r.mailbox.ID)
		go r.onCritical(r.mailbox.ID)
	}
}

// applyDelta diffs one remote listing against the recorded identities.
func (r *Reconciler) applyDelta(ctx context.Context, delta folderDelta) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Reconciler.applyDelta")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, r.mailbox.ID)
	tracing.TagFolder(span, delta.folder.Name)

	// Scoped to the emitting folder by name: folders sharing a role have
	// independent identifier spaces and must never see each other's diffs.
	known, err := r.identities.ListByFolder(ctx, r.mailbox.ID, delta.folder.Name)
	if err != nil {
		tracing.TraceErr(span, err)
		return
	}

	changed := false
	for uid, flags := range delta.listing {
		ref := models.EncodeRemoteRef(delta.folder.Name, uid)
		identity, seen := known[ref]
		if !seen {
			if r.handleNewMessage(ctx, delta, uid, flags) {
				changed = true
			}
			continue
		}
		r.reconcileFlags(ctx, identity, flags)
	}

	for ref, identity := range known {
		_, uid, err := models.ParseRemoteRef(ref)
		if err != nil {
			continue
		}
		if _, present := delta.listing[uid]; present {
			continue
		}
		if r.handleDisappeared(ctx, delta.folder, identity) {
			changed = true
		}
	}

	if changed {
		r.markActive()
		if err := r.mailboxes.SetLastActivityAt(ctx, r.mailbox.ID, utils.Now()); err != nil {
			r.log.Errorf("failed to record activity for mailbox %s: %v", r.mailbox.ID, err)
		}
	}
}

// handleNewMessage routes a remote identifier with no local counterpart to
// the message creation path, suppressing duplicates by content-derived id.
func (r *Reconciler) handleNewMessage(ctx context.Context, delta folderDelta, uid uint32, flags []string) bool {
	if delta.session == nil {
		return false
	}

	envelope, _, err := delta.session.FetchFull(ctx, uid)
	if err != nil {
		r.log.Warnf("failed to fetch new message %d in %s/%s: %v", uid, r.mailbox.ID, delta.folder.Name, err)
		return false
	}

	ref := models.EncodeRemoteRef(delta.folder.Name, uid)
	mailID := contentMailID(envelope)

	// A concurrent local action may already have created this message, e.g.
	// a sent draft re-appearing in the Sent folder.
	if existing, err := r.store.FindByMailID(ctx, r.mailbox.ID, mailID); err == nil && existing != nil {
		current, err := r.identities.GetByMailID(ctx, r.mailbox.ID, mailID)
		if err == nil && current != nil && current.RemoteRef != ref {
			// Same content under a fresh identifier, e.g. an edited draft:
			// move the binding instead of growing a second one.
			if err := r.identities.UpdateRemoteRef(ctx, r.mailbox.ID, current.RemoteRef, ref); err != nil {
				r.log.Errorf("failed to rebind identity for message %s: %v", mailID, err)
			}
			return true
		}
		if err := r.identities.Save(ctx, &models.MessageIdentity{
			MailboxID:      r.mailbox.ID,
			RemoteRef:      ref,
			LocalMessageID: existing.ID,
			MailID:         mailID,
		}); err != nil {
			r.log.Errorf("failed to bind identity for message %s: %v", mailID, err)
		}
		return true
	}

	unread := !hasFlag(flags, flagSeen)
	local, err := r.store.Save(ctx, r.mailbox, envelope, ref, delta.folder, unread)
	if err != nil {
		r.log.Warnf("failed to persist new message %d in %s/%s: %v", uid, r.mailbox.ID, delta.folder.Name, err)
		return false
	}
	if err := r.identities.Save(ctx, &models.MessageIdentity{
		MailboxID:      r.mailbox.ID,
		RemoteRef:      ref,
		LocalMessageID: local.ID,
		MailID:         mailID,
	}); err != nil {
		r.log.Errorf("failed to save identity for message %d: %v", uid, err)
	}
	return true
}

// handleDisappeared marks a vanished message removed. Drafts get a second
// look: an edited draft re-uploads under a new identifier while keeping its
// content-derived id, and must not be deleted.
func (r *Reconciler) handleDisappeared(ctx context.Context, folder interfaces.LogicalFolder, identity *models.MessageIdentity) bool {
	if err := r.identities.Delete(ctx, r.mailbox.ID, identity.RemoteRef); err != nil {
		r.log.Errorf("failed to delete identity %s: %v", identity.RemoteRef, err)
		return false
	}

	// New identifiers in the same delta are bound before disappearances are
	// handled, so a rebound draft is already visible under its fresh ref.
	if folder.Role == enum.FolderDrafts && identity.MailID != "" {
		current, err := r.identities.GetByMailID(ctx, r.mailbox.ID, identity.MailID)
		if err == nil && current != nil {
			return false
		}
	}

	if err := r.store.SetRemoved(ctx, []string{identity.LocalMessageID}); err != nil {
		r.log.Errorf("failed to mark message %s removed: %v", identity.LocalMessageID, err)
		return false
	}
	return true
}

// reconcileFlags propagates remote flag state to the local message. A
// deleted flag on the remote side always wins.
func (r *Reconciler) reconcileFlags(ctx context.Context, identity *models.MessageIdentity, flags []string) {
	if hasFlag(flags, flagDeleted) {
		if err := r.store.SetRemoved(ctx, []string{identity.LocalMessageID}); err != nil {
			r.log.Errorf("failed to mark message %s removed: %v", identity.LocalMessageID, err)
		}
		return
	}
	if err := r.store.SetUnread(ctx, []string{identity.LocalMessageID}, !hasFlag(flags, flagSeen)); err != nil {
		r.log.Errorf("failed to reconcile unread flag for %s: %v", identity.LocalMessageID, err)
	}
	if err := r.store.SetImportant(ctx, []string{identity.LocalMessageID}, hasFlag(flags, flagFlagged)); err != nil {
		r.log.Errorf("failed to reconcile important flag for %s: %v", identity.LocalMessageID, err)
	}
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// contentMailID derives the stable content identifier of a message. Drafts
// keep it across edits even though their remote identifier changes.
func contentMailID(envelope *enmime.Envelope) string {
	if id := strings.Trim(envelope.GetHeader("Message-Id"), "<> "); id != "" {
		return id
	}
	return strings.TrimSpace(envelope.GetHeader("Subject")) + "|" + strings.TrimSpace(envelope.GetHeader("Date"))
}
