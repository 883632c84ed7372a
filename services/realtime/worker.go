package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"github.com/mailwell/mailmirror/interfaces"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/utils"
)

// folderDelta is one remote listing snapshot, produced by a folder worker and
// consumed by the serialized reconcile loop. The session is pinned at emit
// time so the loop never reads a worker field the worker goroutine may be
// rewriting.
type folderDelta struct {
	folder  interfaces.LogicalFolder
	listing map[uint32][]string
	session interfaces.ReconcileSession
}

// folderWorker owns one persistent session for one folder and periodically
// re-lists it. Workers never touch local state themselves; they only feed
// deltas into the reconcile loop.
type folderWorker struct {
	mailboxID string
	folder    interfaces.LogicalFolder
	sessions  interfaces.SessionFactory
	interval  time.Duration
	deltas    chan<- folderDelta
	onAuthErr func(error)
	log       logger.Logger

	// session is published for the action path and crossed between the
	// worker goroutine and the reconcile loop, hence the lock.
	sessionMu sync.Mutex
	session   interfaces.ReconcileSession

	cancel context.CancelFunc
	done   chan struct{}
}

func newFolderWorker(
	mailboxID string,
	folder interfaces.LogicalFolder,
	sessions interfaces.SessionFactory,
	interval time.Duration,
	deltas chan<- folderDelta,
	onAuthErr func(error),
	log logger.Logger,
) *folderWorker {
	return &folderWorker{
		mailboxID: mailboxID,
		folder:    folder,
		sessions:  sessions,
		interval:  interval,
		deltas:    deltas,
		onAuthErr: onAuthErr,
		log:       log,
		done:      make(chan struct{}),
	}
}

func (w *folderWorker) start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
}

func (w *folderWorker) stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// run reconnects with exponential backoff. An authentication failure
// terminates the worker permanently; it is only recreated on the next
// activity signal.
func (w *folderWorker) run(ctx context.Context) {
	defer close(w.done)
	defer func() {
		if session := w.liveSession(); session != nil {
			w.closeSession(session)
		}
	}()

	b := &backoff.Backoff{
		Min:    2 * time.Second,
		Max:    2 * time.Minute,
		Factor: 2,
		Jitter: true,
	}

	for {
		if ctx.Err() != nil {
			return
		}

		session, err := w.connect(ctx)
		if err != nil {
			if mirrorerrors.IsAuthFailure(err) {
				w.log.Warnf("folder worker %s/%s: authentication failed, terminating", w.mailboxID, w.folder.Name)
				w.onAuthErr(err)
				return
			}
			wait := b.Duration()
			w.log.Warnf("folder worker %s/%s: connect failed, retrying in %s: %v", w.mailboxID, w.folder.Name, wait, err)
			if !utils.SleepWithContext(ctx, wait) {
				return
			}
			continue
		}
		b.Reset()
		w.setSession(session)

		err = w.poll(ctx, session)
		w.closeSession(session)
		if err == nil || ctx.Err() != nil {
			return
		}
		w.log.Warnf("folder worker %s/%s: session lost, reconnecting: %v", w.mailboxID, w.folder.Name, err)
	}
}

func (w *folderWorker) connect(ctx context.Context) (interfaces.ReconcileSession, error) {
	session, err := w.sessions.NewReconcileSession(w.mailboxID)
	if err != nil {
		return nil, err
	}
	if err := session.Connect(ctx); err != nil {
		session.Close()
		return nil, err
	}
	if err := session.Authenticate(ctx); err != nil {
		session.Close()
		return nil, err
	}
	if _, err := session.SelectFolder(ctx, w.folder.Name); err != nil {
		session.Close()
		return nil, err
	}
	return session, nil
}

// poll re-lists the folder on every tick and emits a delta. Returns nil only
// on cancellation.
func (w *folderWorker) poll(ctx context.Context, session interfaces.ReconcileSession) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// First listing immediately, so an activity signal converges fast.
	if err := w.emitListing(ctx, session); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.emitListing(ctx, session); err != nil {
				return err
			}
		}
	}
}

func (w *folderWorker) emitListing(ctx context.Context, session interfaces.ReconcileSession) error {
	uids, err := session.ListUIDs(ctx)
	if err != nil {
		return err
	}

	listing := make(map[uint32][]string, len(uids))
	if len(uids) > 0 {
		metas, err := session.FetchMeta(ctx, uids)
		if err != nil {
			return err
		}
		for _, meta := range metas {
			listing[meta.UID] = meta.Flags
		}
	}

	select {
	case w.deltas <- folderDelta{folder: w.folder, listing: listing, session: session}:
	case <-ctx.Done():
	}
	return nil
}

func (w *folderWorker) setSession(session interfaces.ReconcileSession) {
	w.sessionMu.Lock()
	w.session = session
	w.sessionMu.Unlock()
}

// liveSession returns the current session or nil while the worker is
// reconnecting.
func (w *folderWorker) liveSession() interfaces.ReconcileSession {
	w.sessionMu.Lock()
	defer w.sessionMu.Unlock()
	return w.session
}

func (w *folderWorker) closeSession(session interfaces.ReconcileSession) {
	w.setSession(nil)
	if err := session.Close(); err != nil {
		w.log.Debugf("folder worker %s/%s: close error: %v", w.mailboxID, w.folder.Name, err)
	}
}
