package transport

import (
	"encoding/json"

	"github.com/opd-ai/peerlink/dht"
)

// MessageType is the wire tag of an envelope.
type MessageType string

const (
	TypePing             MessageType = "ping"
	TypePong             MessageType = "pong"
	TypePeerInfo         MessageType = "peer-info-exchange"
	TypeFindNode         MessageType = "find-node"
	TypeFindNodeResponse MessageType = "find-node-response"
	TypeBroadcast        MessageType = "broadcast"
)

// Payload is the closed set of message bodies. Only types in this package
// implement it, so a type switch over Payload is exhaustive.
type Payload interface {
	Type() MessageType
	sealed()
}

// Correlated is implemented by request and response payloads.
type Correlated interface {
	Payload
	CorrelationID() string
	IsResponse() bool
}

// PeerRecord is the wire form of a routing entry.
type PeerRecord struct {
	ID       dht.NodeID   `json:"id"`
	Host     string       `json:"host"`
	Port     uint16       `json:"port"`
	Metadata dht.Metadata `json:"metadata"`
	Online   bool         `json:"online"`
}

// RecordFromEntry converts a routing entry to its wire form.
func RecordFromEntry(e dht.RoutingEntry) PeerRecord {
	return PeerRecord{
		ID:       e.PeerID,
		Host:     e.Address.Host,
		Port:     e.Address.Port,
		Metadata: e.Metadata,
		Online:   e.Online,
	}
}

// Entry converts the record to a routing entry. LastSeen is left zero so the
// table stamps it with its own clock.
func (r PeerRecord) Entry() dht.RoutingEntry {
	return dht.RoutingEntry{
		PeerID:   r.ID,
		Address:  dht.Address{Host: r.Host, Port: r.Port},
		Metadata: r.Metadata,
	}
}

// Ping is a liveness probe.
type Ping struct {
	RequestID string `json:"requestId"`
}

// Pong answers a Ping.
type Pong struct {
	RequestID string `json:"requestId"`
}

// PeerInfo exchanges the sender's own record and a sample of the peers it
// knows. The side that opens the exchange sends Response=false.
type PeerInfo struct {
	RequestID string       `json:"requestId"`
	Response  bool         `json:"response"`
	Self      PeerRecord   `json:"self"`
	Known     []PeerRecord `json:"known,omitempty"`
}

// FindNode asks for the Count entries closest to Target.
type FindNode struct {
	RequestID string     `json:"requestId"`
	Target    dht.NodeID `json:"target"`
	Count     int        `json:"count"`
}

// FindNodeResponse answers a FindNode.
type FindNodeResponse struct {
	RequestID string       `json:"requestId"`
	Target    dht.NodeID   `json:"target"`
	Peers     []PeerRecord `json:"peers"`
}

// Broadcast carries an opaque upstream message.
type Broadcast struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

func (Ping) Type() MessageType             { return TypePing }
func (Pong) Type() MessageType             { return TypePong }
func (PeerInfo) Type() MessageType         { return TypePeerInfo }
func (FindNode) Type() MessageType         { return TypeFindNode }
func (FindNodeResponse) Type() MessageType { return TypeFindNodeResponse }
func (Broadcast) Type() MessageType        { return TypeBroadcast }

func (Ping) sealed()             {}
func (Pong) sealed()             {}
func (PeerInfo) sealed()         {}
func (FindNode) sealed()         {}
func (FindNodeResponse) sealed() {}
func (Broadcast) sealed()        {}

func (p Ping) CorrelationID() string             { return p.RequestID }
func (p Pong) CorrelationID() string             { return p.RequestID }
func (p PeerInfo) CorrelationID() string         { return p.RequestID }
func (p FindNode) CorrelationID() string         { return p.RequestID }
func (p FindNodeResponse) CorrelationID() string { return p.RequestID }

func (Ping) IsResponse() bool             { return false }
func (Pong) IsResponse() bool             { return true }
func (p PeerInfo) IsResponse() bool       { return p.Response }
func (FindNode) IsResponse() bool         { return false }
func (FindNodeResponse) IsResponse() bool { return true }

// newPayload returns an empty payload of the given type for decoding.
func newPayload(t MessageType) (Payload, bool) {
	switch t {
	case TypePing:
		return &Ping{}, true
	case TypePong:
		return &Pong{}, true
	case TypePeerInfo:
		return &PeerInfo{}, true
	case TypeFindNode:
		return &FindNode{}, true
	case TypeFindNodeResponse:
		return &FindNodeResponse{}, true
	case TypeBroadcast:
		return &Broadcast{}, true
	}
	return nil, false
}

// deref turns the pointer produced by newPayload back into a value.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Ping:
		return *v
	case *Pong:
		return *v
	case *PeerInfo:
		return *v
	case *FindNode:
		return *v
	case *FindNodeResponse:
		return *v
	case *Broadcast:
		return *v
	}
	return p
}
