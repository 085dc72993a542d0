package session

import (
	"errors"
	"fmt"
)

var (
	// ErrDialTimeout indicates dial plus handshake did not finish in time
	ErrDialTimeout = errors.New("dial timed out")

	// ErrDialRefused indicates the remote end refused the connection
	ErrDialRefused = errors.New("connection refused")

	// ErrDialBackoff indicates the address failed recently and is throttled
	ErrDialBackoff = errors.New("address in dial backoff")

	// ErrPeerLimitExceeded indicates the session table is full
	ErrPeerLimitExceeded = errors.New("peer limit exceeded")

	// ErrInvalidTransition indicates a session status change the state machine forbids
	ErrInvalidTransition = errors.New("invalid session transition")

	// ErrSessionNotFound indicates no connected session for the peer
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed indicates the session shut down before the operation finished
	ErrSessionClosed = errors.New("session closed")

	// ErrManagerClosed indicates the manager has been shut down
	ErrManagerClosed = errors.New("session manager closed")
)

// PortBindError is returned by Start when no listening port could be bound.
type PortBindError struct {
	Addr     string // first address tried
	Attempts int    // total bind attempts
	Err      error  // last bind error
}

func (e *PortBindError) Error() string {
	return fmt.Sprintf("bind %s: gave up after %d attempts: %v", e.Addr, e.Attempts, e.Err)
}

func (e *PortBindError) Unwrap() error {
	return e.Err
}

// DialError carries the address of a failed dial. It unwraps to one of the
// dial sentinels when the failure was classified.
type DialError struct {
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %v", e.Addr, e.Err)
}

func (e *DialError) Unwrap() error {
	return e.Err
}
