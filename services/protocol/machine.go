package protocol

import (
	"context"
	"sync"
	"time"

	"github.com/mailwell/mailmirror/interfaces"
	mirrorerrors "github.com/mailwell/mailmirror/internal/errors"
	"github.com/mailwell/mailmirror/internal/logger"
)

// State is the lifecycle position of a protocol session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateEnhancing
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateEnhancing:
		return "enhancing"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Timeouts carries the per-phase budgets. Each phase gets its own budget so a
// slow connect cannot consume the authentication window.
type Timeouts struct {
	Connect    time.Duration
	Auth       time.Duration
	Capability time.Duration
}

// Machine drives a session through
// disconnected -> connecting -> connected -> authenticating -> authenticated
// -> [enhancing] -> ready, enforcing one timeout per phase. Protocol clients
// embed a Machine and hand it their blocking phase functions.
type Machine struct {
	mu        sync.Mutex
	state     State
	mailboxID string
	timeouts  Timeouts
	log       logger.Logger
	listeners []interfaces.AuthListener
}

func NewMachine(mailboxID string, timeouts Timeouts, log logger.Logger) *Machine {
	return &Machine{
		mailboxID: mailboxID,
		timeouts:  timeouts,
		log:       log,
	}
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) AddAuthListener(listener interfaces.AuthListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// Connect runs the dial function under the connect budget.
func (m *Machine) Connect(ctx context.Context, dial func(ctx context.Context) error) error {
	m.setState(StateConnecting)
	if err := m.runPhase(ctx, m.timeouts.Connect, mirrorerrors.ErrConnectionTimeout, dial); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	m.setState(StateConnected)
	return nil
}

// Authenticate runs the login function under the auth budget and notifies
// listeners on success.
func (m *Machine) Authenticate(ctx context.Context, login func(ctx context.Context) error) error {
	if m.State() != StateConnected {
		return mirrorerrors.ErrSessionNotReady
	}
	m.setState(StateAuthenticating)
	if err := m.runPhase(ctx, m.timeouts.Auth, mirrorerrors.ErrAuthTimeout, login); err != nil {
		m.setState(StateDisconnected)
		return err
	}
	m.setState(StateAuthenticated)

	m.mu.Lock()
	listeners := make([]interfaces.AuthListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()
	for _, listener := range listeners {
		listener.OnAuthenticated(ctx, m.mailboxID)
	}
	return nil
}

// Negotiate runs the optional capability phase. Capability failures degrade
// rather than fail: the session still becomes ready, without the extras.
func (m *Machine) Negotiate(ctx context.Context, negotiate func(ctx context.Context) error) error {
	if m.State() != StateAuthenticated {
		return mirrorerrors.ErrSessionNotReady
	}
	if negotiate != nil {
		m.setState(StateEnhancing)
		if err := m.runPhase(ctx, m.timeouts.Capability, mirrorerrors.ErrCapabilityTimeout, negotiate); err != nil {
			m.log.Warnf("capability negotiation failed for mailbox %s: %v", m.mailboxID, err)
		}
	}
	m.setState(StateReady)
	return nil
}

// RequireReady guards operations that need a fully established session.
func (m *Machine) RequireReady() error {
	if m.State() != StateReady {
		return mirrorerrors.ErrSessionNotReady
	}
	return nil
}

func (m *Machine) Disconnect() {
	m.setState(StateDisconnected)
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// runPhase executes fn with a phase deadline layered on the caller's context.
// A blown deadline surfaces as the phase's timeout error, distinct from a
// protocol-level rejection.
func (m *Machine) runPhase(ctx context.Context, timeout time.Duration, timeoutErr error, fn func(ctx context.Context) error) error {
	phaseCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		phaseCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(phaseCtx)
	}()

	select {
	case err := <-done:
		if err != nil && phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return timeoutErr
		}
		return err
	case <-phaseCtx.Done():
		if phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return timeoutErr
		}
		return phaseCtx.Err()
	}
}
