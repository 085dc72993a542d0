package router

import (
	"errors"
	"fmt"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/transport"
)

var (
	// ErrRequestTimeout indicates no response arrived before the deadline
	ErrRequestTimeout = errors.New("request timed out")

	// ErrNoPeers indicates a lookup had no connected peer to ask
	ErrNoPeers = errors.New("no connected peers")

	// ErrNotRequest indicates a payload that cannot be sent as a request
	ErrNotRequest = errors.New("payload is not a request")
)

// RequestTimeoutError reports a request that went unanswered. It matches
// ErrRequestTimeout.
type RequestTimeoutError struct {
	Type  transport.MessageType
	Peer  dht.NodeID
	After time.Duration
}

func (e *RequestTimeoutError) Error() string {
	return fmt.Sprintf("%s request to %s: no response after %s", e.Type, e.Peer.Short(), e.After)
}

// Is lets errors.Is match ErrRequestTimeout.
func (e *RequestTimeoutError) Is(target error) bool {
	return target == ErrRequestTimeout
}
