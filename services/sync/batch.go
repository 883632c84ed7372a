package sync

import (
	"context"
	"strings"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/internal/utils"
)

// BatchConfig tunes one synchronization pass.
type BatchConfig struct {
	// MaxMessageSize in bytes; larger messages are skipped, not fetched.
	MaxMessageSize int64
	// MessagesPerPass caps how many messages one pass may load across all
	// folders of a mailbox.
	MessagesPerPass int
	// MetaPrefetchMultiple bounds metadata fetches to a multiple of the
	// remaining pass budget.
	MetaPrefetchMultiple int
}

// PassStats summarizes one mailbox pass.
type PassStats struct {
	Folders int
	Loaded  int
	Skipped int
	Failed  int
}

// BatchSynchronizer runs one full pass over a mailbox's folders: classify,
// diff identifier ranges against persisted state, fetch what is missing
// newest first, and hand every message to the message store.
type BatchSynchronizer struct {
	cfg        BatchConfig
	classifier *FolderClassifier
	store      interfaces.MessageStore
	syncStates interfaces.SyncStateRepository
	mailboxes  interfaces.MailboxRepository
	log        logger.Logger
}

func NewBatchSynchronizer(
	cfg BatchConfig,
	classifier *FolderClassifier,
	store interfaces.MessageStore,
	syncStates interfaces.SyncStateRepository,
	mailboxes interfaces.MailboxRepository,
	log logger.Logger,
) *BatchSynchronizer {
	return &BatchSynchronizer{
		cfg:        cfg,
		classifier: classifier,
		store:      store,
		syncStates: syncStates,
		mailboxes:  mailboxes,
		log:        log,
	}
}

// SyncMailbox executes one pass. Failures inside the pass never escalate
// beyond the returned error; the caller only decides what to do with the
// whole mailbox.
func (b *BatchSynchronizer) SyncMailbox(ctx context.Context, mailbox *models.Mailbox, session interfaces.InboundSession) (*PassStats, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BatchSynchronizer.SyncMailbox")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailbox.ID)

	stats := &PassStats{}

	if err := session.Connect(ctx); err != nil {
		tracing.TraceErr(span, err)
		b.recordConnectionFailure(ctx, mailbox.ID, err)
		return stats, err
	}
	defer session.Close()

	if err := session.Authenticate(ctx); err != nil {
		tracing.TraceErr(span, err)
		if mirrorerrors.IsAuthFailure(err) {
			if repoErr := b.mailboxes.SetAuthError(ctx, mailbox.ID, utils.NowPtr()); repoErr != nil {
				b.log.Errorf("failed to record auth error for mailbox %s: %v", mailbox.ID, repoErr)
			}
		}
		return stats, err
	}

	folders, err := b.discoverFolders(ctx, mailbox, session)
	if err != nil {
		tracing.TraceErr(span, err)
		return stats, err
	}

	budget := b.cfg.MessagesPerPass
	for _, folder := range folders {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if budget <= 0 {
			b.log.Infof("pass budget spent for mailbox %s, stopping early", mailbox.ID)
			break
		}

		used, err := b.syncFolder(ctx, mailbox, session, folder, budget, stats)
		budget -= used
		if err != nil {
			if errors.Is(err, mirrorerrors.ErrPassBudgetSpent) {
				stats.Folders++
				b.log.Infof("pass budget spent in folder %s of mailbox %s, stopping early", folder.Name, mailbox.ID)
				break
			}
			if mirrorerrors.IsConnectionError(err) {
				// A dead connection aborts the whole mailbox pass.
				tracing.TraceErr(span, err)
				b.recordConnectionFailure(ctx, mailbox.ID, err)
				return stats, err
			}
			b.log.Warnf("folder %s of mailbox %s failed, continuing with next folder: %v", folder.Name, mailbox.ID, err)
			continue
		}
		stats.Folders++
	}

	if err := b.mailboxes.SetLastSyncAt(ctx, mailbox.ID, utils.Now()); err != nil {
		b.log.Errorf("failed to record sync time for mailbox %s: %v", mailbox.ID, err)
	}
	if err := b.mailboxes.UpdateConnectionStatus(ctx, mailbox.ID, enum.ConnectionActive, ""); err != nil {
		b.log.Errorf("failed to update connection status for mailbox %s: %v", mailbox.ID, err)
	}

	span.SetTag("folders", stats.Folders)
	span.SetTag("loaded", stats.Loaded)
	span.SetTag("skipped", stats.Skipped)
	span.SetTag("failed", stats.Failed)
	return stats, nil
}

func (b *BatchSynchronizer) discoverFolders(ctx context.Context, mailbox *models.Mailbox, session interfaces.InboundSession) ([]interfaces.LogicalFolder, error) {
	remote, err := session.ListFolders(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list folders")
	}

	domain := emailDomain(mailbox.EmailAddress)
	explicit := make(map[string]struct{}, len(mailbox.SyncFolders))
	for _, name := range mailbox.SyncFolders {
		explicit[strings.ToLower(name)] = struct{}{}
	}

	var folders []interfaces.LogicalFolder
	for _, rf := range remote {
		if len(explicit) > 0 {
			if _, ok := explicit[strings.ToLower(rf.Name)]; !ok {
				continue
			}
		}
		lf, ok := b.classifier.Classify(rf, domain)
		if !ok {
			continue
		}
		folders = append(folders, lf)
	}
	return OrderForSync(folders), nil
}

// syncFolder mirrors one folder within the given budget. Returns how much of
// the budget it consumed.
func (b *BatchSynchronizer) syncFolder(ctx context.Context, mailbox *models.Mailbox, session interfaces.InboundSession, folder interfaces.LogicalFolder, budget int, stats *PassStats) (int, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "BatchSynchronizer.syncFolder")
	defer span.Finish()
	tracing.TagComponentService(span)
	tracing.TagMailbox(span, mailbox.ID)
	tracing.TagFolder(span, folder.Name)

	status, err := session.SelectFolder(ctx, folder.Name)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	tracker, err := b.loadTracker(ctx, mailbox.ID, folder.Name, status.UidValidity)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}

	uids, err := session.ListUIDs(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return 0, err
	}
	if len(uids) == 0 {
		return 0, b.saveTracker(ctx, mailbox.ID, folder.Name, tracker)
	}

	var maxUid uint32
	for _, uid := range uids {
		if uid > maxUid {
			maxUid = uid
		}
	}

	pending := b.pendingUIDs(ctx, session, tracker, uids, maxUid)
	span.SetTag("pending.count", len(pending))
	if len(pending) == 0 {
		return 0, b.saveTracker(ctx, mailbox.ID, folder.Name, tracker)
	}

	used, fetchErr := b.fetchPending(ctx, mailbox, session, folder, tracker, pending, budget, stats)

	if saveErr := b.saveTracker(ctx, mailbox.ID, folder.Name, tracker); saveErr != nil {
		b.log.Errorf("failed to persist sync state for %s/%s: %v", mailbox.ID, folder.Name, saveErr)
		if fetchErr == nil {
			fetchErr = saveErr
		}
	}
	return used, fetchErr
}

// pendingUIDs flattens the unhandled intervals into the concrete fetch order
// for this pass.
func (b *BatchSynchronizer) pendingUIDs(ctx context.Context, session interfaces.InboundSession, tracker *Tracker, uids []uint32, maxUid uint32) []uint32 {
	present := make(map[uint32]struct{}, len(uids))
	for _, uid := range uids {
		present[uid] = struct{}{}
	}

	var pending []uint32
	for _, interval := range tracker.UnhandledIntervals(maxUid) {
		for uid := interval.upper(); uid >= interval.From; uid-- {
			if _, ok := present[uid]; ok {
				pending = append(pending, uid)
			}
			if uid == interval.From {
				break
			}
		}
	}

	if session.Protocol() == enum.ProtocolPOP3 && len(pending) >= 2 {
		pending = InferPop3FetchOrder(ctx, session, pending, b.log)
	}
	return pending
}

func (b *BatchSynchronizer) fetchPending(ctx context.Context, mailbox *models.Mailbox, session interfaces.InboundSession, folder interfaces.LogicalFolder, tracker *Tracker, pending []uint32, budget int, stats *PassStats) (int, error) {
	prefetchCap := budget
	if b.cfg.MetaPrefetchMultiple > 0 {
		prefetchCap = budget * b.cfg.MetaPrefetchMultiple
	}
	if prefetchCap > len(pending) {
		prefetchCap = len(pending)
	}

	metas, err := session.FetchMeta(ctx, pending[:prefetchCap])
	if err != nil {
		return 0, errors.Wrap(err, "failed to prefetch metadata")
	}
	metaByUID := make(map[uint32]interfaces.MessageMeta, len(metas))
	for _, m := range metas {
		metaByUID[m.UID] = m
	}

	used := 0
	for _, uid := range pending {
		if ctx.Err() != nil {
			return used, ctx.Err()
		}
		if used >= budget {
			return used, mirrorerrors.ErrPassBudgetSpent
		}

		if meta, ok := metaByUID[uid]; ok {
			if sizeErr := b.checkMessageSize(meta); sizeErr != nil {
				// Deliberate exclusion: counted, logged, and marked handled so
				// the message is never re-attempted.
				b.log.Infof("skipping message %d in %s/%s: %v", uid, mailbox.ID, folder.Name, sizeErr)
				tracker.AddHandledInterval(uid, uid)
				stats.Skipped++
				used++
				continue
			}
		}

		envelope, meta, err := session.FetchFull(ctx, uid)
		if err != nil {
			if mirrorerrors.IsConnectionError(err) {
				return used, err
			}
			// Transient failure: leave the identifier unhandled and move on.
			b.log.Warnf("transient failure fetching message %d in %s/%s: %v", uid, mailbox.ID, folder.Name, err)
			stats.Failed++
			continue
		}

		if mailbox.BeginDate != nil && !meta.Date.IsZero() && meta.Date.Before(*mailbox.BeginDate) {
			// Identifiers are assumed monotonic with time; everything below
			// this one is older still.
			tracker.SetBeginIndex(uid)
			b.log.Infof("reached begin date at message %d in %s/%s", uid, mailbox.ID, folder.Name)
			return used, nil
		}

		unread := !hasFlag(meta.Flags, "\\Seen")
		remoteRef := models.EncodeRemoteRef(folder.Name, uid)
		if _, err := b.store.Save(ctx, mailbox, envelope, remoteRef, folder, unread); err != nil {
			if mirrorerrors.IsConnectionError(err) {
				return used, err
			}
			b.log.Warnf("failed to persist message %d in %s/%s: %v", uid, mailbox.ID, folder.Name, err)
			stats.Failed++
			continue
		}

		tracker.AddHandledInterval(uid, uid)
		stats.Loaded++
		used++
	}
	return used, nil
}

func (b *BatchSynchronizer) checkMessageSize(meta interfaces.MessageMeta) error {
	if b.cfg.MaxMessageSize > 0 && int64(meta.Size) > b.cfg.MaxMessageSize {
		return errors.Wrapf(mirrorerrors.ErrMessageTooLarge, "%d bytes", meta.Size)
	}
	return nil
}

func (b *BatchSynchronizer) loadTracker(ctx context.Context, mailboxID, folderName string, validity uint32) (*Tracker, error) {
	state, err := b.syncStates.GetSyncState(ctx, mailboxID, folderName)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return NewTracker(validity), nil
	}

	tracker, err := LoadTracker(state.UidValidity, state.BeginIndex, state.HandledRanges)
	if err != nil {
		b.log.Warnf("corrupt sync state for %s/%s, starting over: %v", mailboxID, folderName, err)
		return NewTracker(validity), nil
	}
	if tracker.CheckValidity(validity) {
		b.log.Infof("validity token changed for %s/%s, full resync", mailboxID, folderName)
	}
	return tracker, nil
}

func (b *BatchSynchronizer) saveTracker(ctx context.Context, mailboxID, folderName string, tracker *Tracker) error {
	handled, err := tracker.HandledJSON()
	if err != nil {
		return err
	}
	return b.syncStates.SaveSyncState(ctx, &models.FolderSyncState{
		MailboxID:     mailboxID,
		FolderName:    folderName,
		UidValidity:   tracker.Validity(),
		HandledRanges: handled,
		BeginIndex:    tracker.BeginIndex(),
	})
}

func (b *BatchSynchronizer) recordConnectionFailure(ctx context.Context, mailboxID string, err error) {
	if repoErr := b.mailboxes.UpdateConnectionStatus(ctx, mailboxID, enum.ConnectionNotActive, err.Error()); repoErr != nil {
		b.log.Errorf("failed to update connection status for mailbox %s: %v", mailboxID, repoErr)
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

func emailDomain(address string) string {
	if at := strings.LastIndex(address, "@"); at >= 0 {
		return address[at+1:]
	}
	return ""
}
