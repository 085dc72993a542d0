package router

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
)

// PendingRequest is a request waiting for its response.
type PendingRequest struct {
	ID       string
	Type     transport.MessageType
	Peer     dht.NodeID
	IssuedAt time.Time

	response chan transport.Correlated
}

// expects reports whether resp is a valid answer to this request.
func (p *PendingRequest) expects(resp transport.Correlated) bool {
	switch p.Type {
	case transport.TypePing:
		return resp.Type() == transport.TypePong
	case transport.TypeFindNode:
		return resp.Type() == transport.TypeFindNodeResponse
	case transport.TypePeerInfo:
		return resp.Type() == transport.TypePeerInfo
	}
	return false
}

// pendingTable correlates responses with outstanding requests.
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*PendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[string]*PendingRequest)}
}

// add registers a request under a fresh correlation id.
func (t *pendingTable) add(peer dht.NodeID, typ transport.MessageType) *PendingRequest {
	p := &PendingRequest{
		ID:       uuid.NewString(),
		Type:     typ,
		Peer:     peer,
		IssuedAt: time.Now(),
		response: make(chan transport.Correlated, 1),
	}
	t.mu.Lock()
	t.requests[p.ID] = p
	t.mu.Unlock()
	return p
}

func (t *pendingTable) remove(id string) {
	t.mu.Lock()
	delete(t.requests, id)
	t.mu.Unlock()
}

// resolve delivers resp to its request. Responses nobody waits for, from the
// wrong peer, or of the wrong type are dropped and reported false.
func (t *pendingTable) resolve(from dht.NodeID, resp transport.Correlated) bool {
	t.mu.Lock()
	p, ok := t.requests[resp.CorrelationID()]
	if ok && p.Peer == from && p.expects(resp) {
		delete(t.requests, p.ID)
	} else {
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "resolve",
			"peer":      from.Short(),
			"type":      resp.Type(),
			"requestId": resp.CorrelationID(),
		}).Debug("Dropping unsolicited or late response")
		return false
	}

	p.response <- resp
	return true
}

// Len returns the number of outstanding requests.
func (t *pendingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.requests)
}
