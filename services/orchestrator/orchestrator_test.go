package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
	mailsync "github.com/mailwell/mailmirror/services/sync"
)

// stubSession is an empty inbound session whose Connect tracks concurrency.
type stubSession struct {
	tracker *concurrencyTracker
	delay   time.Duration
}

type concurrencyTracker struct {
	current int32
	max     int32
}

func (t *concurrencyTracker) enter() {
	cur := atomic.AddInt32(&t.current, 1)
	for {
		max := atomic.LoadInt32(&t.max)
		if cur <= max || atomic.CompareAndSwapInt32(&t.max, max, cur) {
			return
		}
	}
}

func (t *concurrencyTracker) leave() {
	atomic.AddInt32(&t.current, -1)
}

func (s *stubSession) Protocol() enum.Protocol { return enum.ProtocolIMAP }
func (s *stubSession) Connect(ctx context.Context) error {
	if s.tracker != nil {
		s.tracker.enter()
	}
	return nil
}
func (s *stubSession) Authenticate(ctx context.Context) error { return nil }
func (s *stubSession) ListFolders(ctx context.Context) ([]interfaces.RemoteFolder, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return nil, nil
}
func (s *stubSession) SelectFolder(ctx context.Context, name string) (*interfaces.FolderStatus, error) {
	return &interfaces.FolderStatus{Name: name}, nil
}
func (s *stubSession) ListUIDs(ctx context.Context) ([]uint32, error) { return nil, nil }
func (s *stubSession) FetchMeta(ctx context.Context, uids []uint32) ([]interfaces.MessageMeta, error) {
	return nil, nil
}
func (s *stubSession) FetchFull(ctx context.Context, uid uint32) (*enmime.Envelope, *interfaces.MessageMeta, error) {
	return nil, nil, nil
}
func (s *stubSession) FetchHeaderDate(ctx context.Context, uid uint32) (time.Time, error) {
	return time.Time{}, nil
}
func (s *stubSession) Close() error {
	if s.tracker != nil {
		s.tracker.leave()
	}
	return nil
}

type stubFactory struct {
	tracker *concurrencyTracker
	delay   time.Duration
	builds  int32
}

func (f *stubFactory) NewInboundSession(mailboxID string) (interfaces.InboundSession, error) {
	atomic.AddInt32(&f.builds, 1)
	return &stubSession{tracker: f.tracker, delay: f.delay}, nil
}

func (f *stubFactory) NewReconcileSession(mailboxID string) (interfaces.ReconcileSession, error) {
	return nil, nil
}

// leaseTrackingRepo simulates the lease table.
type leaseTrackingRepo struct {
	mu         sync.Mutex
	mailboxes  []*models.Mailbox
	leases     map[string]string
	denyLease  map[string]bool
	syncs      map[string]int
	acquiredBy []string
}

func newLeaseTrackingRepo(ids ...string) *leaseTrackingRepo {
	repo := &leaseTrackingRepo{
		leases:    map[string]string{},
		denyLease: map[string]bool{},
		syncs:     map[string]int{},
	}
	for _, id := range ids {
		repo.mailboxes = append(repo.mailboxes, &models.Mailbox{
			ID:           id,
			EmailAddress: id + "@example.com",
			Active:       true,
		})
	}
	return repo
}

func (r *leaseTrackingRepo) GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	for _, m := range r.mailboxes {
		if m.ID == mailboxID {
			return m, nil
		}
	}
	return nil, nil
}

func (r *leaseTrackingRepo) GetActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error) {
	return r.mailboxes, nil
}

func (r *leaseTrackingRepo) Create(ctx context.Context, mailbox *models.Mailbox) error { return nil }

func (r *leaseTrackingRepo) UpdateConnectionStatus(ctx context.Context, mailboxID string, status enum.ConnectionStatus, errorMessage string) error {
	return nil
}

func (r *leaseTrackingRepo) SetAuthError(ctx context.Context, mailboxID string, at *time.Time) error {
	return nil
}

func (r *leaseTrackingRepo) SetLastSyncAt(ctx context.Context, mailboxID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.syncs[mailboxID]++
	return nil
}

func (r *leaseTrackingRepo) SetLastActivityAt(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}

func (r *leaseTrackingRepo) AcquireLease(ctx context.Context, mailboxID, owner string, ttl time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.denyLease[mailboxID] {
		return false, nil
	}
	if holder, held := r.leases[mailboxID]; held && holder != owner {
		return false, nil
	}
	r.leases[mailboxID] = owner
	r.acquiredBy = append(r.acquiredBy, owner)
	return true, nil
}

func (r *leaseTrackingRepo) ReleaseLease(ctx context.Context, mailboxID, owner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.leases[mailboxID] == owner {
		delete(r.leases, mailboxID)
	}
	return nil
}

type nullSyncStates struct{}

func (nullSyncStates) GetSyncState(ctx context.Context, mailboxID, folderName string) (*models.FolderSyncState, error) {
	return nil, nil
}
func (nullSyncStates) SaveSyncState(ctx context.Context, state *models.FolderSyncState) error {
	return nil
}
func (nullSyncStates) DeleteSyncState(ctx context.Context, mailboxID, folderName string) error {
	return nil
}
func (nullSyncStates) DeleteMailboxSyncStates(ctx context.Context, mailboxID string) error {
	return nil
}
func (nullSyncStates) GetAllSyncStates(ctx context.Context) ([]models.FolderSyncState, error) {
	return nil, nil
}

type nullStore struct{}

func (nullStore) Save(ctx context.Context, mailbox *models.Mailbox, env *enmime.Envelope, remoteRef string, folder interfaces.LogicalFolder, unread bool) (*interfaces.LocalMessage, error) {
	return &interfaces.LocalMessage{}, nil
}
func (nullStore) SetUnread(ctx context.Context, ids []string, unread bool) error       { return nil }
func (nullStore) SetImportant(ctx context.Context, ids []string, important bool) error { return nil }
func (nullStore) SetRemoved(ctx context.Context, ids []string) error                   { return nil }
func (nullStore) ChangeRemoteRef(ctx context.Context, id, newRemoteRef string) error   { return nil }
func (nullStore) FindByMailID(ctx context.Context, mailboxID, mailID string) (*interfaces.LocalMessage, error) {
	return nil, nil
}

func testLogger() logger.Logger {
	log := logger.NewAppLogger(&logger.Config{DevMode: true})
	log.InitLogger()
	return log
}

func newTestOrchestrator(cfg Config, repo *leaseTrackingRepo, factory *stubFactory) *Orchestrator {
	log := testLogger()
	synchronizer := mailsync.NewBatchSynchronizer(
		mailsync.BatchConfig{MessagesPerPass: 100},
		mailsync.NewFolderClassifier(nil, nil),
		nullStore{},
		nullSyncStates{},
		repo,
		log,
	)
	return NewOrchestrator(cfg, synchronizer, factory, repo, log)
}

func defaultConfig() Config {
	return Config{
		Workers:            2,
		RunTimeout:         5 * time.Second,
		MinRecheckInterval: time.Minute,
		LeaseTTL:           time.Minute,
		InstanceID:         "test-instance",
	}
}

func TestRunPass_SyncsAllMailboxesAndReleasesLeases(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a", "mbox_b", "mbox_c")
	factory := &stubFactory{}
	o := newTestOrchestrator(defaultConfig(), repo, factory)

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	assert.Equal(t, int32(3), atomic.LoadInt32(&factory.builds))
	assert.Equal(t, 1, repo.syncs["mbox_a"])
	assert.Equal(t, 1, repo.syncs["mbox_b"])
	assert.Equal(t, 1, repo.syncs["mbox_c"])
	assert.Empty(t, repo.leases)
}

func TestRunPass_MinRecheckIntervalSkipsFreshMailboxes(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a")
	factory := &stubFactory{}
	o := newTestOrchestrator(defaultConfig(), repo, factory)

	require.NoError(t, o.RunPass(context.Background()))
	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&factory.builds))
}

func TestRunPass_LeaseHeldElsewhereIsSkipped(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a", "mbox_b")
	repo.denyLease["mbox_a"] = true
	factory := &stubFactory{}
	o := newTestOrchestrator(defaultConfig(), repo, factory)

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	assert.Equal(t, 0, repo.syncs["mbox_a"])
	assert.Equal(t, 1, repo.syncs["mbox_b"])
}

func TestRunPass_UsesBatchLeaseOwnerToken(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a")
	o := newTestOrchestrator(defaultConfig(), repo, &stubFactory{})

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	require.NotEmpty(t, repo.acquiredBy)
	assert.Equal(t, "test-instance:batch", repo.acquiredBy[0])
}

func TestRunPass_SkipsMailboxLeasedByRealtimePath(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a", "mbox_b")
	// The same instance reconciles mbox_a in realtime; its lease is held
	// under a different owner token and must not be re-granted to batch.
	repo.leases["mbox_a"] = "test-instance:realtime"
	factory := &stubFactory{}
	o := newTestOrchestrator(defaultConfig(), repo, factory)

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	assert.Equal(t, 0, repo.syncs["mbox_a"])
	assert.Equal(t, 1, repo.syncs["mbox_b"])
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, "test-instance:realtime", repo.leases["mbox_a"])
}

func TestRunPass_BusyFilterSkipsRealtimeMailboxes(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a", "mbox_b")
	factory := &stubFactory{}
	o := newTestOrchestrator(defaultConfig(), repo, factory)
	o.SetBusyFilter(func(mailboxID string) bool { return mailboxID == "mbox_a" })

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	assert.Equal(t, 0, repo.syncs["mbox_a"])
	assert.Equal(t, 1, repo.syncs["mbox_b"])
}

func TestRunPass_BoundedConcurrency(t *testing.T) {
	ids := []string{"mbox_1", "mbox_2", "mbox_3", "mbox_4", "mbox_5", "mbox_6"}
	repo := newLeaseTrackingRepo(ids...)

	tracker := &concurrencyTracker{}
	factory := &stubFactory{tracker: tracker, delay: 30 * time.Millisecond}

	cfg := defaultConfig()
	cfg.Workers = 2
	o := newTestOrchestrator(cfg, repo, factory)

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	assert.LessOrEqual(t, atomic.LoadInt32(&tracker.max), int32(2))
	assert.Equal(t, int32(6), atomic.LoadInt32(&factory.builds))
}

func TestStop_WaitsForInFlightPasses(t *testing.T) {
	repo := newLeaseTrackingRepo("mbox_a")
	factory := &stubFactory{delay: 50 * time.Millisecond}
	o := newTestOrchestrator(defaultConfig(), repo, factory)

	require.NoError(t, o.RunPass(context.Background()))
	o.Stop()

	// After Stop returns, the pass has completed and the lease is free.
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Empty(t, repo.leases)
}

func TestStatus_ReportsWorkers(t *testing.T) {
	repo := newLeaseTrackingRepo()
	o := newTestOrchestrator(defaultConfig(), repo, &stubFactory{})

	status := o.Status()
	assert.Equal(t, 2, status.Workers)
	assert.Empty(t, status.Active)
}
