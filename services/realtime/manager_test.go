package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
)

func newTestManager(mailboxes *fakeLeaseMailboxes) *Manager {
	log := logger.NewAppLogger(&logger.Config{DevMode: true})
	log.InitLogger()
	return NewManager(
		Config{PollInterval: time.Minute, IdleRetireAfter: time.Hour, LeaseTTL: time.Minute, InstanceID: "test"},
		nil, newFakeMessageStore(), newFakeIdentities(), &fakeUserFolders{}, mailboxes, nil, nil, log,
	)
}

func TestEnsureReconcilerLeaseHeldElsewhere(t *testing.T) {
	mailboxes := &fakeLeaseMailboxes{denyLease: true}
	m := newTestManager(mailboxes)

	_, err := m.ensureReconciler(context.Background(), "mb1")

	require.Error(t, err)
	assert.True(t, errors.Is(err, mirrorerrors.ErrLeaseHeld))
	assert.False(t, m.IsActive("mb1"))
}

func TestEnsureReconcilerAcquiresRealtimeOwnerToken(t *testing.T) {
	mailboxes := &fakeLeaseMailboxes{denyLease: true}
	m := newTestManager(mailboxes)

	_, _ = m.ensureReconciler(context.Background(), "mb1")

	require.Len(t, mailboxes.leaseOwners, 1)
	assert.Equal(t, "test:realtime", mailboxes.leaseOwners[0])
}
