package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
)

func testTimeouts() Timeouts {
	return Timeouts{
		Connect:    100 * time.Millisecond,
		Auth:       100 * time.Millisecond,
		Capability: 50 * time.Millisecond,
	}
}

func newTestMachine() *Machine {
	log := logger.NewAppLogger(&logger.Config{DevMode: true})
	log.InitLogger()
	return NewMachine("mbox_test", testTimeouts(), log)
}

func noop(ctx context.Context) error { return nil }

type recordingAuthListener struct {
	mailboxID string
}

func (r *recordingAuthListener) OnAuthenticated(ctx context.Context, mailboxID string) {
	r.mailboxID = mailboxID
}

func TestMachine_HappyPath(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	assert.Equal(t, StateDisconnected, m.State())

	require.NoError(t, m.Connect(ctx, noop))
	assert.Equal(t, StateConnected, m.State())

	require.NoError(t, m.Authenticate(ctx, noop))
	assert.Equal(t, StateAuthenticated, m.State())

	require.NoError(t, m.Negotiate(ctx, noop))
	assert.Equal(t, StateReady, m.State())
	assert.NoError(t, m.RequireReady())

	m.Disconnect()
	assert.Equal(t, StateDisconnected, m.State())
	assert.ErrorIs(t, m.RequireReady(), mirrorerrors.ErrSessionNotReady)
}

func TestMachine_ConnectTimeout(t *testing.T) {
	m := newTestMachine()

	err := m.Connect(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, mirrorerrors.ErrConnectionTimeout)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestMachine_AuthTimeoutIsDistinctFromConnectTimeout(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, noop))

	err := m.Authenticate(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, mirrorerrors.ErrAuthTimeout)
	assert.NotErrorIs(t, err, mirrorerrors.ErrConnectionTimeout)
}

func TestMachine_AuthRejectionPassesThrough(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, noop))

	err := m.Authenticate(ctx, func(ctx context.Context) error {
		return mirrorerrors.ErrAuthenticationFail
	})
	assert.ErrorIs(t, err, mirrorerrors.ErrAuthenticationFail)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestMachine_PhasesRequireOrder(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()

	assert.ErrorIs(t, m.Authenticate(ctx, noop), mirrorerrors.ErrSessionNotReady)
	assert.ErrorIs(t, m.Negotiate(ctx, noop), mirrorerrors.ErrSessionNotReady)
}

func TestMachine_NegotiateFailureStillReachesReady(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, noop))
	require.NoError(t, m.Authenticate(ctx, noop))

	err := m.Negotiate(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.NoError(t, err)
	assert.Equal(t, StateReady, m.State())
}

func TestMachine_NilNegotiateSkipsPhase(t *testing.T) {
	m := newTestMachine()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, noop))
	require.NoError(t, m.Authenticate(ctx, noop))

	require.NoError(t, m.Negotiate(ctx, nil))
	assert.Equal(t, StateReady, m.State())
}

func TestMachine_AuthListenerNotified(t *testing.T) {
	m := newTestMachine()
	listener := &recordingAuthListener{}
	m.AddAuthListener(listener)

	ctx := context.Background()
	require.NoError(t, m.Connect(ctx, noop))
	require.NoError(t, m.Authenticate(ctx, noop))

	assert.Equal(t, "mbox_test", listener.mailboxID)
}

func TestMachine_CallerCancellationWinsOverTimeout(t *testing.T) {
	m := newTestMachine()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := m.Connect(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, mirrorerrors.ErrConnectionTimeout)
}
