package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memNet delivers envelopes between routers without sockets.
type memNet struct {
	mu      sync.Mutex
	routers map[dht.NodeID]*Router
	links   map[dht.NodeID][]dht.NodeID
	silent  map[dht.NodeID]bool
}

func newMemNet() *memNet {
	return &memNet{
		routers: make(map[dht.NodeID]*Router),
		links:   make(map[dht.NodeID][]dht.NodeID),
		silent:  make(map[dht.NodeID]bool),
	}
}

type memSender struct {
	net  *memNet
	self dht.NodeID
}

func (s memSender) Send(ctx context.Context, peer dht.NodeID, env *transport.Envelope) error {
	s.net.mu.Lock()
	dst, ok := s.net.routers[peer]
	silent := s.net.silent[peer]
	s.net.mu.Unlock()
	if !ok {
		return fmt.Errorf("no session with %s", peer.Short())
	}
	if silent {
		return nil
	}
	go dst.HandleEnvelope(s.self, "127.0.0.1:40000", env) //nolint:errcheck
	return nil
}

func (s memSender) Peers() []dht.NodeID {
	s.net.mu.Lock()
	defer s.net.mu.Unlock()
	return append([]dht.NodeID(nil), s.net.links[s.self]...)
}

func (s memSender) IsConnected(peer dht.NodeID) bool {
	for _, p := range s.Peers() {
		if p == peer {
			return true
		}
	}
	return false
}

func nodeID(prefix, n byte) dht.NodeID {
	var id dht.NodeID
	id[0] = prefix
	id[dht.IDLength-1] = n
	return id
}

func (n *memNet) add(t *testing.T, id dht.NodeID, opts ...Option) *Router {
	t.Helper()
	table := dht.NewRoutingTable(id)
	t.Cleanup(table.Close)
	r, err := New(table, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	r.SetSender(memSender{net: n, self: id})
	n.mu.Lock()
	n.routers[id] = r
	n.mu.Unlock()
	return r
}

func (n *memNet) connect(a, b dht.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.links[a] = append(n.links[a], b)
	n.links[b] = append(n.links[b], a)
}

func entry(id dht.NodeID, port uint16) dht.RoutingEntry {
	return dht.RoutingEntry{PeerID: id, Address: dht.Address{Host: "10.0.0.1", Port: port}, Online: true}
}

func TestNewRequiresTable(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestPing(t *testing.T) {
	net := newMemNet()
	a := net.add(t, nodeID(1, 1))
	net.add(t, nodeID(2, 2))
	net.connect(nodeID(1, 1), nodeID(2, 2))

	rtt, err := a.Ping(context.Background(), nodeID(2, 2))
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Zero(t, a.Pending())
}

func TestRequestTimeout(t *testing.T) {
	net := newMemNet()
	a := net.add(t, nodeID(1, 1), WithRequestTimeout(50*time.Millisecond))
	net.add(t, nodeID(2, 2))
	net.silent[nodeID(2, 2)] = true

	_, err := a.Ping(context.Background(), nodeID(2, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRequestTimeout))

	var rte *RequestTimeoutError
	require.ErrorAs(t, err, &rte)
	assert.Equal(t, transport.TypePing, rte.Type)
	assert.Equal(t, nodeID(2, 2), rte.Peer)
	assert.Zero(t, a.Pending())
}

func TestRequestRejectsResponses(t *testing.T) {
	net := newMemNet()
	a := net.add(t, nodeID(1, 1))

	_, err := a.Request(context.Background(), nodeID(2, 2), transport.Pong{})
	assert.ErrorIs(t, err, ErrNotRequest)
}

func TestLateAndMismatchedResponsesDropped(t *testing.T) {
	table := dht.NewRoutingTable(nodeID(1, 1))
	defer table.Close()
	r, err := New(table)
	require.NoError(t, err)

	pr := r.pending.add(nodeID(2, 2), transport.TypePing)

	tests := []struct {
		name string
		from dht.NodeID
		resp transport.Correlated
	}{
		{"unknown id", nodeID(2, 2), transport.Pong{RequestID: "nope"}},
		{"wrong peer", nodeID(3, 3), transport.Pong{RequestID: pr.ID}},
		{"wrong type", nodeID(2, 2), transport.FindNodeResponse{RequestID: pr.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := transport.NewEnvelope(tt.from, tt.resp)
			require.NoError(t, r.HandleEnvelope(tt.from, "", env))
			assert.Equal(t, 1, r.Pending())
		})
	}

	require.NoError(t, r.HandleEnvelope(nodeID(2, 2), "", transport.NewEnvelope(nodeID(2, 2), transport.Pong{RequestID: pr.ID})))
	assert.Zero(t, r.Pending())

	// A second copy of the same response finds nothing to resolve.
	assert.False(t, r.pending.resolve(nodeID(2, 2), transport.Pong{RequestID: pr.ID}))
}

func TestUnknownPayloadType(t *testing.T) {
	table := dht.NewRoutingTable(nodeID(1, 1))
	defer table.Close()
	r, err := New(table)
	require.NoError(t, err)

	err = r.HandleEnvelope(nodeID(2, 2), "", &transport.Envelope{Sender: nodeID(2, 2)})
	assert.ErrorIs(t, err, transport.ErrUnknownType)
}

func TestBroadcastDelivered(t *testing.T) {
	got := make(chan transport.Broadcast, 1)
	table := dht.NewRoutingTable(nodeID(1, 1))
	defer table.Close()
	r, err := New(table, WithBroadcastHandler(func(from dht.NodeID, msg transport.Broadcast) {
		assert.Equal(t, nodeID(2, 2), from)
		got <- msg
	}))
	require.NoError(t, err)
	defer r.Close()

	msg := transport.Broadcast{Topic: "chat", Data: []byte(`{"text":"hi"}`)}
	require.NoError(t, r.HandleEnvelope(nodeID(2, 2), "", transport.NewEnvelope(nodeID(2, 2), msg)))
	assert.Equal(t, "chat", (<-got).Topic)
}

func TestSlowBroadcastHandlerDoesNotStallRequests(t *testing.T) {
	net := newMemNet()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var delivered atomic.Int32

	a := net.add(t, nodeID(1, 1))
	b := net.add(t, nodeID(2, 2), WithBroadcastHandler(func(dht.NodeID, transport.Broadcast) {
		delivered.Add(1)
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	}))
	// Runs before b's Close cleanup.
	t.Cleanup(func() { close(release) })
	net.connect(nodeID(1, 1), nodeID(2, 2))

	send := func() error {
		msg := transport.Broadcast{Topic: "blocks", Data: []byte(`{}`)}
		return b.HandleEnvelope(nodeID(1, 1), "", transport.NewEnvelope(nodeID(1, 1), msg))
	}
	require.NoError(t, send())
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never invoked")
	}

	flooded := make(chan struct{})
	go func() {
		defer close(flooded)
		for i := 0; i < BroadcastQueueSize+10; i++ {
			assert.NoError(t, send())
		}
	}()
	select {
	case <-flooded:
	case <-time.After(5 * time.Second):
		t.Fatal("HandleEnvelope blocked behind a slow broadcast handler")
	}

	rtt, err := a.Ping(context.Background(), nodeID(2, 2))
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Equal(t, int32(1), delivered.Load())
}

func TestCloseWithoutBroadcastHandler(t *testing.T) {
	table := dht.NewRoutingTable(nodeID(1, 1))
	defer table.Close()
	r, err := New(table)
	require.NoError(t, err)

	r.Close()
	msg := transport.Broadcast{Topic: "chat", Data: []byte(`{}`)}
	assert.NoError(t, r.HandleEnvelope(nodeID(2, 2), "", transport.NewEnvelope(nodeID(2, 2), msg)))
}

func TestExchangePeerInfo(t *testing.T) {
	net := newMemNet()
	a := net.add(t, nodeID(1, 1))
	b := net.add(t, nodeID(2, 2))
	net.connect(nodeID(1, 1), nodeID(2, 2))

	// b advertises an unspecified host, which a replaces with the observed one.
	b.SetLocalRecord(transport.PeerRecord{Host: "0.0.0.0", Port: 7002, Metadata: dht.Metadata{Version: "1"}})
	a.SetLocalRecord(transport.PeerRecord{Host: "10.9.9.9", Port: 7001})
	b.table.AddNode(entry(nodeID(3, 3), 7003))

	require.NoError(t, a.ExchangePeerInfo(context.Background(), nodeID(2, 2)))

	learned, ok := a.table.Get(nodeID(2, 2))
	require.True(t, ok)
	assert.Equal(t, dht.Address{Host: "127.0.0.1", Port: 7002}, learned.Address)
	assert.True(t, learned.Online)
	assert.Equal(t, "1", learned.Metadata.Version)

	third, ok := a.table.Get(nodeID(3, 3))
	require.True(t, ok, "peers known by b are learned as discovered")
	assert.False(t, third.Online)

	assert.Eventually(t, func() bool {
		e, ok := b.table.Get(nodeID(1, 1))
		return ok && e.Address.Host == "10.9.9.9"
	}, time.Second, 10*time.Millisecond)
}

func TestFindNodeUnion(t *testing.T) {
	net := newMemNet()
	self := nodeID(1, 1)
	a := net.add(t, self)

	peers := []dht.NodeID{nodeID(2, 1), nodeID(2, 2), nodeID(2, 3)}
	for i, p := range peers {
		r := net.add(t, p)
		net.connect(self, p)
		// Each peer knows one shared entry and one of its own.
		r.table.AddNode(entry(nodeID(9, 9), 9000))
		r.table.AddNode(entry(nodeID(byte(10+i), 1), uint16(9100+i)))
	}

	target := nodeID(9, 0)
	found, err := a.FindNode(context.Background(), target, 0)
	require.NoError(t, err)

	ids := make(map[dht.NodeID]int)
	for _, e := range found {
		ids[e.PeerID]++
	}
	assert.Equal(t, 1, ids[nodeID(9, 9)], "entries are deduplicated")
	for i := range peers {
		assert.Contains(t, ids, nodeID(byte(10+i), 1))
	}
	assert.NotContains(t, ids, self)
	assert.Equal(t, nodeID(9, 9), found[0].PeerID, "closest to the target first")

	_, ok := a.table.Get(nodeID(9, 9))
	assert.True(t, ok, "results are added to the routing table")
}

func TestFindNodePartialAndTotalTimeout(t *testing.T) {
	net := newMemNet()
	self := nodeID(1, 1)
	a := net.add(t, self, WithRequestTimeout(50*time.Millisecond))

	p1, p2 := nodeID(2, 1), nodeID(2, 2)
	r1 := net.add(t, p1)
	net.add(t, p2)
	net.connect(self, p1)
	net.connect(self, p2)
	r1.table.AddNode(entry(nodeID(7, 7), 7700))

	t.Run("one silent peer", func(t *testing.T) {
		net.mu.Lock()
		net.silent[p2] = true
		net.mu.Unlock()

		found, err := a.FindNode(context.Background(), nodeID(7, 0), 5)
		require.NoError(t, err)
		require.NotEmpty(t, found)
		assert.Equal(t, nodeID(7, 7), found[0].PeerID)
	})

	t.Run("all silent", func(t *testing.T) {
		net.mu.Lock()
		net.silent[p1] = true
		net.silent[p2] = true
		net.mu.Unlock()

		_, err := a.FindNode(context.Background(), nodeID(7, 0), 5)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrRequestTimeout))
	})
}

func TestFindNodeNoPeers(t *testing.T) {
	net := newMemNet()
	a := net.add(t, nodeID(1, 1))

	_, err := a.FindNode(context.Background(), nodeID(5, 5), 5)
	assert.ErrorIs(t, err, ErrNoPeers)
}

func TestFindNodeAnswersIncludeOffline(t *testing.T) {
	net := newMemNet()
	a := net.add(t, nodeID(1, 1))
	b := net.add(t, nodeID(2, 2))
	net.connect(nodeID(1, 1), nodeID(2, 2))

	offline := entry(nodeID(4, 4), 4400)
	offline.Online = false
	b.table.AddNode(offline)

	found, err := a.QueryPeers(context.Background(), nodeID(2, 2))
	require.NoError(t, err)

	var seen bool
	for _, e := range found {
		if e.PeerID == nodeID(4, 4) {
			seen = true
			assert.False(t, e.Online)
		}
	}
	assert.True(t, seen)
}

func TestAdvertisedHost(t *testing.T) {
	tests := []struct {
		host, remote, want string
	}{
		{"10.0.0.5", "192.0.2.1:5000", "10.0.0.5"},
		{"", "192.0.2.1:5000", "192.0.2.1"},
		{"0.0.0.0", "192.0.2.1:5000", "192.0.2.1"},
		{"::", "[2001:db8::1]:5000", "2001:db8::1"},
		{"", "garbage", ""},
	}
	for _, tt := range tests {
		t.Run(tt.host+"_"+tt.remote, func(t *testing.T) {
			assert.Equal(t, tt.want, advertisedHost(tt.host, tt.remote))
		})
	}
}
