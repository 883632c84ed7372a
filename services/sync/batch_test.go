package sync

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jhillyerd/enmime"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwell/mailmirror/interfaces"
	"github.com/mailwell/mailmirror/internal/enum"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
)

// fakeSession is an in-memory inbound session.
type fakeSession struct {
	protocol enum.Protocol
	folders  []interfaces.RemoteFolder
	validity map[string]uint32
	uids     map[string][]uint32
	sizes    map[uint32]uint32
	dates    map[uint32]time.Time
	failOn   map[uint32]error

	selected string
	fetched  []uint32
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		protocol: enum.ProtocolIMAP,
		folders:  []interfaces.RemoteFolder{{Name: "INBOX"}},
		validity: map[string]uint32{"INBOX": 1},
		uids:     map[string][]uint32{},
		sizes:    map[uint32]uint32{},
		dates:    map[uint32]time.Time{},
		failOn:   map[uint32]error{},
	}
}

func (f *fakeSession) Protocol() enum.Protocol             { return f.protocol }
func (f *fakeSession) Connect(ctx context.Context) error   { return nil }
func (f *fakeSession) Authenticate(ctx context.Context) error { return nil }
func (f *fakeSession) Close() error                        { return nil }

func (f *fakeSession) ListFolders(ctx context.Context) ([]interfaces.RemoteFolder, error) {
	return f.folders, nil
}

func (f *fakeSession) SelectFolder(ctx context.Context, name string) (*interfaces.FolderStatus, error) {
	f.selected = name
	return &interfaces.FolderStatus{
		Name:        name,
		UidValidity: f.validity[name],
		Messages:    uint32(len(f.uids[name])),
	}, nil
}

func (f *fakeSession) ListUIDs(ctx context.Context) ([]uint32, error) {
	return f.uids[f.selected], nil
}

func (f *fakeSession) FetchMeta(ctx context.Context, uids []uint32) ([]interfaces.MessageMeta, error) {
	metas := make([]interfaces.MessageMeta, 0, len(uids))
	for _, uid := range uids {
		metas = append(metas, interfaces.MessageMeta{
			UID:  uid,
			Size: f.sizes[uid],
			Date: f.dates[uid],
		})
	}
	return metas, nil
}

func (f *fakeSession) FetchFull(ctx context.Context, uid uint32) (*enmime.Envelope, *interfaces.MessageMeta, error) {
	if err, ok := f.failOn[uid]; ok {
		return nil, nil, err
	}
	f.fetched = append(f.fetched, uid)
	raw := fmt.Sprintf("From: sender@example.com\r\nSubject: msg %d\r\n\r\nbody\r\n", uid)
	envelope, err := enmime.ReadEnvelope(strings.NewReader(raw))
	if err != nil {
		return nil, nil, err
	}
	return envelope, &interfaces.MessageMeta{UID: uid, Size: f.sizes[uid], Date: f.dates[uid]}, nil
}

func (f *fakeSession) FetchHeaderDate(ctx context.Context, uid uint32) (time.Time, error) {
	date, ok := f.dates[uid]
	if !ok {
		return time.Time{}, errors.New("no date")
	}
	return date, nil
}

// fakeStore records saved remote refs.
type fakeStore struct {
	saved []string
}

func (f *fakeStore) Save(ctx context.Context, mailbox *models.Mailbox, env *enmime.Envelope, remoteRef string, folder interfaces.LogicalFolder, unread bool) (*interfaces.LocalMessage, error) {
	f.saved = append(f.saved, remoteRef)
	return &interfaces.LocalMessage{ID: remoteRef, RemoteRef: remoteRef}, nil
}
func (f *fakeStore) SetUnread(ctx context.Context, ids []string, unread bool) error      { return nil }
func (f *fakeStore) SetImportant(ctx context.Context, ids []string, important bool) error { return nil }
func (f *fakeStore) SetRemoved(ctx context.Context, ids []string) error                   { return nil }
func (f *fakeStore) ChangeRemoteRef(ctx context.Context, id, newRemoteRef string) error   { return nil }
func (f *fakeStore) FindByMailID(ctx context.Context, mailboxID, mailID string) (*interfaces.LocalMessage, error) {
	return nil, nil
}

// fakeSyncStates is an in-memory sync state repository.
type fakeSyncStates struct {
	states map[string]*models.FolderSyncState
}

func newFakeSyncStates() *fakeSyncStates {
	return &fakeSyncStates{states: map[string]*models.FolderSyncState{}}
}

func (f *fakeSyncStates) key(mailboxID, folderName string) string {
	return mailboxID + "/" + folderName
}

func (f *fakeSyncStates) GetSyncState(ctx context.Context, mailboxID, folderName string) (*models.FolderSyncState, error) {
	return f.states[f.key(mailboxID, folderName)], nil
}

func (f *fakeSyncStates) SaveSyncState(ctx context.Context, state *models.FolderSyncState) error {
	f.states[f.key(state.MailboxID, state.FolderName)] = state
	return nil
}

func (f *fakeSyncStates) DeleteSyncState(ctx context.Context, mailboxID, folderName string) error {
	delete(f.states, f.key(mailboxID, folderName))
	return nil
}

func (f *fakeSyncStates) DeleteMailboxSyncStates(ctx context.Context, mailboxID string) error {
	for k := range f.states {
		if strings.HasPrefix(k, mailboxID+"/") {
			delete(f.states, k)
		}
	}
	return nil
}

func (f *fakeSyncStates) GetAllSyncStates(ctx context.Context) ([]models.FolderSyncState, error) {
	var out []models.FolderSyncState
	for _, s := range f.states {
		out = append(out, *s)
	}
	return out, nil
}

// fakeMailboxes records status mutations.
type fakeMailboxes struct {
	authErrors   int
	connStatuses []enum.ConnectionStatus
}

func (f *fakeMailboxes) GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	return nil, nil
}
func (f *fakeMailboxes) GetActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error) {
	return nil, nil
}
func (f *fakeMailboxes) Create(ctx context.Context, mailbox *models.Mailbox) error { return nil }
func (f *fakeMailboxes) UpdateConnectionStatus(ctx context.Context, mailboxID string, status enum.ConnectionStatus, errorMessage string) error {
	f.connStatuses = append(f.connStatuses, status)
	return nil
}
func (f *fakeMailboxes) SetAuthError(ctx context.Context, mailboxID string, at *time.Time) error {
	f.authErrors++
	return nil
}
func (f *fakeMailboxes) SetLastSyncAt(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}
func (f *fakeMailboxes) SetLastActivityAt(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}
func (f *fakeMailboxes) AcquireLease(ctx context.Context, mailboxID, owner string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeMailboxes) ReleaseLease(ctx context.Context, mailboxID, owner string) error { return nil }

func testLogger() logger.Logger {
	log := logger.NewAppLogger(&logger.Config{DevMode: true})
	log.InitLogger()
	return log
}

func testMailbox() *models.Mailbox {
	return &models.Mailbox{
		ID:           "mbox_test",
		EmailAddress: "user@example.com",
		Protocol:     enum.ProtocolIMAP,
	}
}

func newTestSynchronizer(cfg BatchConfig, store *fakeStore, states *fakeSyncStates, boxes *fakeMailboxes) *BatchSynchronizer {
	return NewBatchSynchronizer(
		cfg,
		NewFolderClassifier(nil, nil),
		store,
		states,
		boxes,
		testLogger(),
	)
}

func uidRange(from, to uint32) []uint32 {
	var out []uint32
	for uid := from; uid <= to; uid++ {
		out = append(out, uid)
	}
	return out
}

func TestSyncMailbox_ResumeFetchesNewestFirst(t *testing.T) {
	session := newFakeSession()
	session.uids["INBOX"] = uidRange(1, 80)

	store := &fakeStore{}
	states := newFakeSyncStates()
	states.states["mbox_test/INBOX"] = &models.FolderSyncState{
		MailboxID:     "mbox_test",
		FolderName:    "INBOX",
		UidValidity:   1,
		HandledRanges: `[{"from":1,"to":50}]`,
	}

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, states, &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.NoError(t, err)

	assert.Equal(t, 30, stats.Loaded)
	require.Len(t, session.fetched, 30)
	assert.Equal(t, uint32(80), session.fetched[0])
	assert.Equal(t, uint32(51), session.fetched[29])

	// Recomputing against the persisted state yields nothing new.
	state := states.states["mbox_test/INBOX"]
	tracker, err := LoadTracker(state.UidValidity, state.BeginIndex, state.HandledRanges)
	require.NoError(t, err)
	assert.Empty(t, tracker.UnhandledIntervals(80))
}

func TestSyncMailbox_ValidityChangeForcesFullResync(t *testing.T) {
	session := newFakeSession()
	session.validity["INBOX"] = 2
	session.uids["INBOX"] = uidRange(1, 10)

	store := &fakeStore{}
	states := newFakeSyncStates()
	states.states["mbox_test/INBOX"] = &models.FolderSyncState{
		MailboxID:     "mbox_test",
		FolderName:    "INBOX",
		UidValidity:   1,
		HandledRanges: `[{"from":1,"to":50}]`,
	}

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, states, &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Loaded)
	assert.Equal(t, uint32(2), states.states["mbox_test/INBOX"].UidValidity)
}

func TestSyncMailbox_OversizedMessageSkippedButHandled(t *testing.T) {
	session := newFakeSession()
	session.uids["INBOX"] = uidRange(40, 44)
	session.sizes[42] = 50_000_000

	store := &fakeStore{}
	states := newFakeSyncStates()

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100, MaxMessageSize: 26_214_400, MetaPrefetchMultiple: 3}, store, states, &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Loaded)
	assert.Equal(t, 1, stats.Skipped)
	assert.NotContains(t, session.fetched, uint32(42))

	state := states.states["mbox_test/INBOX"]
	tracker, err := LoadTracker(state.UidValidity, state.BeginIndex, state.HandledRanges)
	require.NoError(t, err)
	assert.True(t, tracker.IsHandled(42))
}

func TestSyncMailbox_ConnectionFailureAbortsPassKeepingProgress(t *testing.T) {
	session := newFakeSession()
	session.uids["INBOX"] = uidRange(10, 20)
	session.failOn[17] = mirrorerrors.ErrConnectionLost

	store := &fakeStore{}
	states := newFakeSyncStates()
	boxes := &fakeMailboxes{}

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, states, boxes)
	_, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.Error(t, err)

	// Newer messages 18..20 were processed before the failure at 17.
	state := states.states["mbox_test/INBOX"]
	require.NotNil(t, state)
	tracker, err := LoadTracker(state.UidValidity, state.BeginIndex, state.HandledRanges)
	require.NoError(t, err)
	for uid := uint32(18); uid <= 20; uid++ {
		assert.True(t, tracker.IsHandled(uid), "uid %d should be handled", uid)
	}
	for uid := uint32(10); uid <= 17; uid++ {
		assert.False(t, tracker.IsHandled(uid), "uid %d should remain unhandled", uid)
	}
	assert.Contains(t, boxes.connStatuses, enum.ConnectionNotActive)
}

func TestSyncMailbox_TransientFailureSkipsMessageOnly(t *testing.T) {
	session := newFakeSession()
	session.uids["INBOX"] = uidRange(1, 5)
	session.failOn[3] = errors.New("unexpected parse error")

	store := &fakeStore{}
	states := newFakeSyncStates()

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, states, &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.NoError(t, err)

	assert.Equal(t, 4, stats.Loaded)
	assert.Equal(t, 1, stats.Failed)

	state := states.states["mbox_test/INBOX"]
	tracker, lerr := LoadTracker(state.UidValidity, state.BeginIndex, state.HandledRanges)
	require.NoError(t, lerr)
	assert.False(t, tracker.IsHandled(3))
	assert.True(t, tracker.IsHandled(4))
}

func TestSyncMailbox_BeginDateStopsFolder(t *testing.T) {
	beginDate := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	mailbox := testMailbox()
	mailbox.BeginDate = &beginDate

	session := newFakeSession()
	session.uids["INBOX"] = uidRange(1, 10)
	for uid := uint32(1); uid <= 10; uid++ {
		// uids 1..5 predate the begin date
		if uid <= 5 {
			session.dates[uid] = beginDate.AddDate(0, -1, 0)
		} else {
			session.dates[uid] = beginDate.AddDate(0, 1, 0)
		}
	}

	store := &fakeStore{}
	states := newFakeSyncStates()

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, states, &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), mailbox, session)
	require.NoError(t, err)

	assert.Equal(t, 5, stats.Loaded)

	state := states.states["mbox_test/INBOX"]
	assert.Equal(t, uint32(5), state.BeginIndex)
}

func TestSyncMailbox_PassBudgetStopsEarly(t *testing.T) {
	session := newFakeSession()
	session.uids["INBOX"] = uidRange(1, 50)

	store := &fakeStore{}
	states := newFakeSyncStates()

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 10}, store, states, &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.NoError(t, err)

	assert.Equal(t, 10, stats.Loaded)
	// Newest messages were loaded inside the budget.
	assert.Equal(t, uint32(50), session.fetched[0])
	assert.Equal(t, uint32(41), session.fetched[9])
}

func TestSyncMailbox_Pop3OrderInference(t *testing.T) {
	session := newFakeSession()
	session.protocol = enum.ProtocolPOP3
	session.uids["INBOX"] = []uint32{5, 9}
	session.dates[5] = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	session.dates[9] = time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)

	store := &fakeStore{}
	states := newFakeSyncStates()

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, states, &fakeMailboxes{})
	_, err := sync.SyncMailbox(context.Background(), testMailbox(), session)
	require.NoError(t, err)

	// Ascending dates imply ascending identifier order.
	require.Len(t, session.fetched, 2)
	assert.Equal(t, uint32(5), session.fetched[0])
	assert.Equal(t, uint32(9), session.fetched[1])
}

func TestSyncMailbox_AuthFailureFlagsMailbox(t *testing.T) {
	session := newFakeSession()
	boxes := &fakeMailboxes{}

	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, &fakeStore{}, newFakeSyncStates(), boxes)

	failing := &authFailingSession{fakeSession: session}
	_, err := sync.SyncMailbox(context.Background(), testMailbox(), failing)
	require.Error(t, err)
	assert.Equal(t, 1, boxes.authErrors)
}

type authFailingSession struct {
	*fakeSession
}

func (a *authFailingSession) Authenticate(ctx context.Context) error {
	return mirrorerrors.ErrAuthenticationFail
}

func TestSyncMailbox_ExplicitFolderListRestrictsSync(t *testing.T) {
	session := newFakeSession()
	session.folders = []interfaces.RemoteFolder{
		{Name: "INBOX"},
		{Name: "Receipts"},
	}
	session.validity["Receipts"] = 1
	session.uids["INBOX"] = uidRange(1, 3)
	session.uids["Receipts"] = uidRange(1, 3)

	mailbox := testMailbox()
	mailbox.SyncFolders = []string{"INBOX"}

	store := &fakeStore{}
	sync := newTestSynchronizer(BatchConfig{MessagesPerPass: 100}, store, newFakeSyncStates(), &fakeMailboxes{})
	stats, err := sync.SyncMailbox(context.Background(), mailbox, session)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Folders)
	assert.Equal(t, 3, stats.Loaded)
}
