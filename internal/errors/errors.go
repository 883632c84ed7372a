package errors

import (
	"strings"

	"github.com/pkg/errors"
)

var (
	// session errors
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrAuthTimeout        = errors.New("authentication timeout")
	ErrCapabilityTimeout  = errors.New("capability negotiation timeout")
	ErrAuthenticationFail = errors.New("authentication failed")
	ErrSessionNotReady    = errors.New("session is not ready")
	ErrConnectionLost     = errors.New("connection lost")

	// mailbox errors
	ErrMailboxExists   = errors.New("mailbox already exists")
	ErrMailboxNotFound = errors.New("mailbox not found")
	ErrLeaseHeld       = errors.New("mailbox lease held by another owner")

	// sync errors
	ErrMessageTooLarge = errors.New("message exceeds size cap")
	ErrPassBudgetSpent = errors.New("per-pass message budget spent")
)

// IsTimeout reports whether err is one of the phase timeout sentinels.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrAuthTimeout) ||
		errors.Is(err, ErrCapabilityTimeout)
}

// IsAuthFailure reports whether err is an authentication rejection.
func IsAuthFailure(err error) bool {
	if errors.Is(err, ErrAuthenticationFail) {
		return true
	}
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "authentication failed") ||
		strings.Contains(msg, "invalid credentials") ||
		strings.Contains(msg, "login failed")
}

// IsConnectionError reports whether err indicates a dead or broken connection,
// which aborts the whole mailbox pass rather than a single message.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConnectionLost) {
		return true
	}
	errorMsg := err.Error()
	return strings.Contains(errorMsg, "connection closed") ||
		strings.Contains(errorMsg, "i/o timeout") ||
		strings.Contains(errorMsg, "EOF") ||
		strings.Contains(errorMsg, "broken pipe") ||
		strings.Contains(errorMsg, "connection reset")
}
