package ubuf

import (
	"errors"
	"fmt"
)

var (
	// ErrHandshakeFailure is returned when the nonce exchange or the hello
	// exchange does not complete.
	ErrHandshakeFailure = errors.New("handshake failure")
	// ErrDecryptionFailure is returned when a sealed message fails to open.
	ErrDecryptionFailure = errors.New("decryption failure")
	// ErrProtocolViolation is returned for malformed headers, oversized
	// length fields and messages that arrive in the wrong state.
	ErrProtocolViolation = errors.New("protocol violation")
	// ErrTransport wraps failures of the underlying connection.
	ErrTransport = errors.New("transport error")
	// ErrSessionUsed is returned when a session is run a second time.
	ErrSessionUsed = errors.New("session already used")
)

// Phase names the part of a session in which an error occurred.
type Phase int

const (
	PhaseHandshake Phase = iota
	PhaseTransfer
	PhaseTeardown
)

func (p Phase) String() string {
	switch p {
	case PhaseHandshake:
		return "handshake"
	case PhaseTransfer:
		return "transfer"
	case PhaseTeardown:
		return "teardown"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// SessionError reports which phase of a session failed.
type SessionError struct {
	Phase Phase
	Err   error
}

func (e *SessionError) Error() string {
	return e.Phase.String() + ": " + e.Err.Error()
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// PhaseOf returns the phase recorded in err, if any.
func PhaseOf(err error) (Phase, bool) {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Phase, true
	}
	return 0, false
}

// joinedError matches two sentinels under errors.Is while keeping the
// underlying cause in its message.
type joinedError struct {
	kind  error
	cause error
}

func (e *joinedError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *joinedError) Is(target error) bool {
	return target == e.kind
}

func (e *joinedError) Unwrap() error {
	return e.cause
}

func wrapErr(kind, cause error) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, kind) {
		return cause
	}
	return &joinedError{kind: kind, cause: cause}
}

// transportErr classifies a raw I/O error that is not already a protocol error.
func transportErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProtocolViolation) || errors.Is(err, ErrDecryptionFailure) || errors.Is(err, ErrTransport) {
		return err
	}
	return wrapErr(ErrTransport, fmt.Errorf("%s: %w", op, err))
}
