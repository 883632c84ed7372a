package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailwell/mailmirror/internal/enum"
	"github.com/mailwell/mailmirror/internal/logger"
	"github.com/mailwell/mailmirror/internal/models"
	"github.com/mailwell/mailmirror/services/protocol"
)

type authRecordingMailboxes struct {
	authErrorSets []*time.Time
}

func (f *authRecordingMailboxes) GetByID(ctx context.Context, mailboxID string) (*models.Mailbox, error) {
	return &models.Mailbox{ID: mailboxID, Protocol: enum.ProtocolIMAP}, nil
}
func (f *authRecordingMailboxes) GetActiveMailboxes(ctx context.Context) ([]*models.Mailbox, error) {
	return nil, nil
}
func (f *authRecordingMailboxes) Create(ctx context.Context, mailbox *models.Mailbox) error {
	return nil
}
func (f *authRecordingMailboxes) UpdateConnectionStatus(ctx context.Context, mailboxID string, status enum.ConnectionStatus, errorMessage string) error {
	return nil
}
func (f *authRecordingMailboxes) SetAuthError(ctx context.Context, mailboxID string, at *time.Time) error {
	f.authErrorSets = append(f.authErrorSets, at)
	return nil
}
func (f *authRecordingMailboxes) SetLastSyncAt(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}
func (f *authRecordingMailboxes) SetLastActivityAt(ctx context.Context, mailboxID string, at time.Time) error {
	return nil
}
func (f *authRecordingMailboxes) AcquireLease(ctx context.Context, mailboxID, owner string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *authRecordingMailboxes) ReleaseLease(ctx context.Context, mailboxID, owner string) error {
	return nil
}

func factoryTestLogger() logger.Logger {
	log := logger.NewAppLogger(&logger.Config{DevMode: true})
	log.InitLogger()
	return log
}

func TestAuthErrorClearerResetsTimestamp(t *testing.T) {
	repo := &authRecordingMailboxes{}
	clearer := newAuthErrorClearer(repo, factoryTestLogger())

	clearer.OnAuthenticated(context.Background(), "mb1")

	require.Len(t, repo.authErrorSets, 1)
	assert.Nil(t, repo.authErrorSets[0])
}

func TestAuthErrorClearedOnSuccessfulLogin(t *testing.T) {
	repo := &authRecordingMailboxes{}
	clearer := newAuthErrorClearer(repo, factoryTestLogger())

	timeouts := protocol.Timeouts{Connect: time.Second, Auth: time.Second, Capability: time.Second}
	machine := protocol.NewMachine("mb1", timeouts, factoryTestLogger())
	machine.AddAuthListener(clearer)

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, machine.Connect(context.Background(), noop))
	require.NoError(t, machine.Authenticate(context.Background(), noop))

	require.Len(t, repo.authErrorSets, 1)
	assert.Nil(t, repo.authErrorSets[0], "a successful login clears the recorded auth error")
}
