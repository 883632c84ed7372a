package orchestrator

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/opentracing/opentracing-go"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/internal/tracing"
	"github.com/mailwell/mailmirror/internal/utils"
	mailsync "github.com/mailwell/mailmirror/services/sync"
)

const lastRunCacheSize = 4096

// Config tunes the worker pool.
type Config struct {
	// Workers bounds how many mailboxes sync concurrently.
	Workers int
	// RunTimeout is the lifetime deadline of one mailbox pass, independent
	// of the caller's cancellation.
	RunTimeout time.Duration
	// MinRecheckInterval keeps a recently synced mailbox out of the backlog.
	MinRecheckInterval time.Duration
	// LeaseTTL bounds how long a crashed worker can block a mailbox.
	LeaseTTL time.Duration
	// InstanceID identifies this process as a lease owner.
	InstanceID string
}

// Orchestrator schedules batch synchronization passes over all active
// mailboxes with bounded concurrency. Each pass runs under an exclusive
// mailbox lease so the realtime path can never work the same mailbox at the
// same time.
type Orchestrator struct {
	cfg          Config
	synchronizer *mailsync.BatchSynchronizer
	sessions     interfaces.SessionFactory
	mailboxes    interfaces.MailboxRepository
	log          logger.Logger

	// leaseOwner carries a path suffix so the realtime path's lease, held
	// under its own token, is never re-granted to a batch pass.
	leaseOwner string
	// busy reports mailboxes the realtime path currently works in-process.
	busy func(mailboxID string) bool

	slots   chan struct{}
	wg      sync.WaitGroup
	lastRun *lru.Cache[string, time.Time]

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	stopped bool
}

func NewOrchestrator(
	cfg Config,
	synchronizer *mailsync.BatchSynchronizer,
	sessions interfaces.SessionFactory,
	mailboxes interfaces.MailboxRepository,
	log logger.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	lastRun, _ := lru.New[string, time.Time](lastRunCacheSize)
	return &Orchestrator{
		cfg:          cfg,
		synchronizer: synchronizer,
		sessions:     sessions,
		mailboxes:    mailboxes,
		log:          log,
		leaseOwner:   cfg.InstanceID + ":batch",
		slots:        make(chan struct{}, cfg.Workers),
		lastRun:      lastRun,
		active:       map[string]context.CancelFunc{},
	}
}

// SetBusyFilter registers a predicate consulted before a mailbox is claimed.
// Mailboxes it reports busy, typically those with a running realtime
// reconciler, are left out of the pass.
func (o *Orchestrator) SetBusyFilter(busy func(mailboxID string) bool) {
	o.busy = busy
}

// RunPass fills worker slots from the current backlog of eligible mailboxes
// and returns once every eligible mailbox has been dispatched. Slot limits
// make this block when the pool is saturated.
func (o *Orchestrator) RunPass(ctx context.Context) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "Orchestrator.RunPass")
	defer span.Finish()
	tracing.TagComponentService(span)

	mailboxes, err := o.mailboxes.GetActiveMailboxes(ctx)
	if err != nil {
		tracing.TraceErr(span, err)
		return err
	}
	span.SetTag("mailboxes.count", len(mailboxes))

	dispatched := 0
	for _, mailbox := range mailboxes {
		if ctx.Err() != nil {
			break
		}
		if !o.eligible(mailbox.ID) {
			continue
		}

		select {
		case o.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		if !o.claim(ctx, mailbox) {
			<-o.slots
			continue
		}
		dispatched++
	}

	span.SetTag("dispatched", dispatched)
	return nil
}

// eligible applies the per-mailbox minimum re-check interval and skips
// mailboxes already being worked by this process.
func (o *Orchestrator) eligible(mailboxID string) bool {
	o.mu.Lock()
	_, running := o.active[mailboxID]
	o.mu.Unlock()
	if running {
		return false
	}
	if o.busy != nil && o.busy(mailboxID) {
		return false
	}

	if at, ok := o.lastRun.Get(mailboxID); ok {
		if time.Since(at) < o.cfg.MinRecheckInterval {
			return false
		}
	}
	return true
}

// claim takes the mailbox lease and starts the worker goroutine. The caller
// already holds a slot; claim gives it back on any failure.
func (o *Orchestrator) claim(ctx context.Context, mailbox *models.Mailbox) bool {
	acquired, err := o.mailboxes.AcquireLease(ctx, mailbox.ID, o.leaseOwner, o.cfg.LeaseTTL)
	if err != nil {
		o.log.Errorf("failed to acquire lease for mailbox %s: %v", mailbox.ID, err)
		return false
	}
	if !acquired {
		o.log.Debugf("mailbox %s lease held elsewhere, skipping", mailbox.ID)
		return false
	}

	// The run gets its own lifetime deadline layered on the caller's
	// cancellation; whichever fires first ends the run.
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunTimeout)

	o.mu.Lock()
	if o.stopped {
		o.mu.Unlock()
		cancel()
		o.releaseLease(mailbox.ID)
		return false
	}
	o.active[mailbox.ID] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runMailbox(runCtx, cancel, mailbox)
	return true
}

func (o *Orchestrator) runMailbox(ctx context.Context, cancel context.CancelFunc, mailbox *models.Mailbox) {
	defer o.wg.Done()
	defer cancel()
	defer func() {
		o.mu.Lock()
		delete(o.active, mailbox.ID)
		o.mu.Unlock()
		o.releaseLease(mailbox.ID)
		<-o.slots
	}()
	defer tracing.RecoverAndLogToJaeger(o.log)

	o.lastRun.Add(mailbox.ID, utils.Now())

	session, err := o.sessions.NewInboundSession(mailbox.ID)
	if err != nil {
		o.log.Errorf("failed to build session for mailbox %s: %v", mailbox.ID, err)
		return
	}

	stats, err := o.synchronizer.SyncMailbox(ctx, mailbox, session)
	if err != nil {
		// Pass faults stay at the pass boundary; the pool only logs them.
		o.log.Warnf("sync pass failed for mailbox %s: %v", mailbox.ID, err)
		return
	}
	o.log.Infof("sync pass for mailbox %s: %d folders, %d loaded, %d skipped, %d failed",
		mailbox.ID, stats.Folders, stats.Loaded, stats.Skipped, stats.Failed)
}

func (o *Orchestrator) releaseLease(mailboxID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.mailboxes.ReleaseLease(ctx, mailboxID, o.leaseOwner); err != nil {
		o.log.Errorf("failed to release lease for mailbox %s: %v", mailboxID, err)
	}
}

// Stop cancels all in-flight passes and blocks until every worker has
// reported completion and released its lease.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.stopped = true
	for _, cancel := range o.active {
		cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
	o.log.Info("sync orchestrator stopped")
}

// Status is a point-in-time snapshot for the health endpoint.
type Status struct {
	Workers int      `json:"workers"`
	Active  []string `json:"active"`
}

func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	active := make([]string, 0, len(o.active))
	for id := range o.active {
		active = append(active, id)
	}
	return Status{Workers: o.cfg.Workers, Active: active}
}
