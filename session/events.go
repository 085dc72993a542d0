package session

import (
	"time"

	"github.com/opd-ai/peerlink/dht"
)

// EventKind distinguishes lifecycle events.
type EventKind uint8

const (
	// EventConnected is posted when a session reaches Connected.
	EventConnected EventKind = iota + 1
	// EventClosed is posted when a registered session is torn down.
	EventClosed
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one session lifecycle transition.
type Event struct {
	Kind     EventKind
	PeerID   dht.NodeID
	Address  string
	Outbound bool
	Reason   string
	At       time.Time
}
