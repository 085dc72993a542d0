// Package router dispatches decoded envelopes to their handlers and
// correlates request/response pairs for the peerlink control protocol.
package router

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

const (
	// DefaultRequestTimeout bounds every correlated request.
	DefaultRequestTimeout = 5 * time.Second

	// FindNodeFanout is how many connected peers a lookup queries at once.
	FindNodeFanout = 3

	// PeerInfoSample bounds the known peers shared in a peer-info exchange.
	PeerInfoSample = 16

	// replyTimeout bounds writing a reply from a session's reader goroutine.
	replyTimeout = 5 * time.Second

	// BroadcastQueueSize bounds broadcasts waiting for the upstream handler.
	BroadcastQueueSize = 256
)

// Sender is the part of the session layer the router needs.
type Sender interface {
	Send(ctx context.Context, peer dht.NodeID, env *transport.Envelope) error
	Peers() []dht.NodeID
	IsConnected(peer dht.NodeID) bool
}

// BroadcastHandler receives opaque broadcast payloads for upstream consumers.
type BroadcastHandler func(from dht.NodeID, msg transport.Broadcast)

// Option configures a Router.
type Option func(*Router)

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(r *Router) { r.timeout = d }
}

// WithBroadcastHandler installs the upstream broadcast consumer. h runs on a
// single delivery goroutine owned by the router, never on a session's reader,
// so a slow handler cannot delay pings or responses. Broadcasts arriving while
// BroadcastQueueSize are already waiting are dropped. Call Close to stop
// delivery.
func WithBroadcastHandler(h BroadcastHandler) Option {
	return func(r *Router) { r.onBroadcast = h }
}

// WithMetrics records request and message activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router owns the handler table and the pending-request registry.
type Router struct {
	table       *dht.RoutingTable
	sender      Sender
	onBroadcast BroadcastHandler
	timeout     time.Duration
	metrics     *metrics.Metrics
	pending     *pendingTable

	broadcasts chan inboundBroadcast
	done       chan struct{}
	closeOnce  sync.Once
	wg         sync.WaitGroup

	mu    sync.RWMutex
	local transport.PeerRecord
}

type inboundBroadcast struct {
	from dht.NodeID
	msg  transport.Broadcast
}

// New creates a router over table. The sender may be attached later with
// SetSender because the session layer itself needs the router's handler.
func New(table *dht.RoutingTable, opts ...Option) (*Router, error) {
	if table == nil {
		return nil, errors.New("router requires a routing table")
	}
	r := &Router{
		table:   table,
		timeout: DefaultRequestTimeout,
		pending: newPendingTable(),
		local:   transport.PeerRecord{ID: table.Self()},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.onBroadcast != nil {
		r.broadcasts = make(chan inboundBroadcast, BroadcastQueueSize)
		r.done = make(chan struct{})
		r.wg.Add(1)
		go r.deliverBroadcasts()
	}
	return r, nil
}

// Close stops broadcast delivery and waits for the handler to return.
// Broadcasts still queued are discarded.
func (r *Router) Close() {
	if r.done == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
}

func (r *Router) deliverBroadcasts() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case b := <-r.broadcasts:
			r.onBroadcast(b.from, b.msg)
		}
	}
}

// enqueueBroadcast hands msg to the delivery goroutine without blocking.
func (r *Router) enqueueBroadcast(from dht.NodeID, msg transport.Broadcast) {
	if r.onBroadcast == nil {
		return
	}
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.broadcasts <- inboundBroadcast{from: from, msg: msg}:
	default:
		r.metrics.BroadcastDropped()
		logrus.WithFields(logrus.Fields{
			"function": "enqueueBroadcast",
			"peer":     from.Short(),
			"topic":    msg.Topic,
		}).Warn("Broadcast queue full, dropping broadcast")
	}
}

// SetSender attaches the session layer.
func (r *Router) SetSender(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sender = s
}

func (r *Router) getSender() (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.sender == nil {
		return nil, errors.New("router has no sender attached")
	}
	return r.sender, nil
}

// SetLocalRecord sets the record advertised in peer-info exchanges. The id is
// always the table's own id.
func (r *Router) SetLocalRecord(rec transport.PeerRecord) {
	rec.ID = r.table.Self()
	r.mu.Lock()
	r.local = rec
	r.mu.Unlock()
}

// LocalRecord returns the advertised record.
func (r *Router) LocalRecord() transport.PeerRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.local
}

// Pending returns the number of outstanding requests.
func (r *Router) Pending() int {
	return r.pending.Len()
}

// HandleFrame is the session.FrameHandler of the node.
func (r *Router) HandleFrame(s *session.Session, env *transport.Envelope) {
	if err := r.HandleEnvelope(s.PeerID(), s.RemoteAddr(), env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleFrame",
			"peer":     s.PeerID().Short(),
			"type":     env.Type(),
			"error":    err.Error(),
		}).Debug("Message handling failed")
	}
}

// HandleEnvelope dispatches one inbound envelope from an authenticated peer.
// remoteAddr is the observed transport address of the peer.
func (r *Router) HandleEnvelope(from dht.NodeID, remoteAddr string, env *transport.Envelope) error {
	r.table.Touch(from)

	switch p := env.Payload.(type) {
	case transport.Ping:
		return r.reply(from, transport.Pong{RequestID: p.RequestID})

	case transport.Pong:
		r.pending.resolve(from, p)
		return nil

	case transport.PeerInfo:
		r.learn(from, remoteAddr, p)
		if p.Response {
			r.pending.resolve(from, p)
			return nil
		}
		return r.reply(from, transport.PeerInfo{
			RequestID: p.RequestID,
			Response:  true,
			Self:      r.LocalRecord(),
			Known:     r.sample(from),
		})

	case transport.FindNode:
		count := p.Count
		if count <= 0 || count > dht.BucketSize {
			count = dht.BucketSize
		}
		closest := r.table.GetClosestNodes(p.Target, count)
		peers := make([]transport.PeerRecord, 0, len(closest))
		for _, e := range closest {
			peers = append(peers, transport.RecordFromEntry(e))
		}
		return r.reply(from, transport.FindNodeResponse{
			RequestID: p.RequestID,
			Target:    p.Target,
			Peers:     peers,
		})

	case transport.FindNodeResponse:
		r.pending.resolve(from, p)
		return nil

	case transport.Broadcast:
		r.enqueueBroadcast(from, p)
		return nil

	default:
		return fmt.Errorf("%w: %T", transport.ErrUnknownType, env.Payload)
	}
}

func (r *Router) reply(to dht.NodeID, p transport.Payload) error {
	sender, err := r.getSender()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	return sender.Send(ctx, to, transport.NewEnvelope(r.table.Self(), p))
}

// sample returns up to PeerInfoSample known entries near peer, excluding it.
func (r *Router) sample(peer dht.NodeID) []transport.PeerRecord {
	closest := r.table.GetClosestNodes(peer, PeerInfoSample+1)
	out := make([]transport.PeerRecord, 0, len(closest))
	for _, e := range closest {
		if e.PeerID == peer || e.Address.IsZero() {
			continue
		}
		out = append(out, transport.RecordFromEntry(e))
		if len(out) == PeerInfoSample {
			break
		}
	}
	return out
}

// learn records what a peer-info message tells us: the sender's advertised
// address and metadata, and any peers it knows.
func (r *Router) learn(from dht.NodeID, remoteAddr string, p transport.PeerInfo) {
	self := r.table.Self()

	if p.Self.ID == from {
		entry := p.Self.Entry()
		entry.Online = true
		entry.Address.Host = advertisedHost(entry.Address.Host, remoteAddr)
		if entry.Address.Port == 0 {
			entry.Address = dht.Address{}
		}
		// Bootstrap status is our own classification, not the peer's claim.
		// AddNode keeps a flag we already set.
		entry.Metadata.IsBootstrap = false
		r.table.AddNode(entry)
	}

	for _, rec := range p.Known {
		if rec.ID == self || rec.ID == from || rec.Port == 0 {
			continue
		}
		r.table.AddDiscovered(rec.Entry())
	}
}

// advertisedHost replaces an unspecified advertised host with the address
// the peer was observed on.
func advertisedHost(host, remoteAddr string) string {
	if host != "" {
		if ip := net.ParseIP(host); ip == nil || !ip.IsUnspecified() {
			return host
		}
	}
	observed, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return host
	}
	return observed
}

// Request sends p to peer and waits for the matching response. The
// correlation id is assigned here.
func (r *Router) Request(ctx context.Context, peer dht.NodeID, p transport.Correlated) (transport.Correlated, error) {
	if p.IsResponse() {
		return nil, fmt.Errorf("%w: %s", ErrNotRequest, p.Type())
	}
	sender, err := r.getSender()
	if err != nil {
		return nil, err
	}

	pr := r.pending.add(peer, p.Type())
	defer r.pending.remove(pr.ID)

	req, err := withRequestID(p, pr.ID)
	if err != nil {
		return nil, err
	}

	if err := sender.Send(ctx, peer, transport.NewEnvelope(r.table.Self(), req)); err != nil {
		r.metrics.Request(string(p.Type()), "send_error", 0)
		return nil, fmt.Errorf("send %s to %s: %w", p.Type(), peer.Short(), err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case resp := <-pr.response:
		rtt := time.Since(pr.IssuedAt)
		r.metrics.Request(string(p.Type()), "ok", rtt)
		return resp, nil
	case <-timer.C:
		r.metrics.Request(string(p.Type()), "timeout", 0)
		return nil, &RequestTimeoutError{Type: p.Type(), Peer: peer, After: r.timeout}
	case <-ctx.Done():
		r.metrics.Request(string(p.Type()), "cancelled", 0)
		return nil, ctx.Err()
	}
}

func withRequestID(p transport.Correlated, id string) (transport.Correlated, error) {
	switch v := p.(type) {
	case transport.Ping:
		v.RequestID = id
		return v, nil
	case transport.PeerInfo:
		v.RequestID = id
		return v, nil
	case transport.FindNode:
		v.RequestID = id
		return v, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotRequest, p.Type())
}

// Ping measures the round-trip time to peer.
func (r *Router) Ping(ctx context.Context, peer dht.NodeID) (time.Duration, error) {
	start := time.Now()
	if _, err := r.Request(ctx, peer, transport.Ping{}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Probe implements dht.Prober by pinging the entry's peer.
func (r *Router) Probe(ctx context.Context, entry dht.RoutingEntry) error {
	_, err := r.Ping(ctx, entry.PeerID)
	return err
}

// ExchangePeerInfo sends our record and a sample of our table to peer and
// merges its answer into the routing table.
func (r *Router) ExchangePeerInfo(ctx context.Context, peer dht.NodeID) error {
	_, err := r.Request(ctx, peer, transport.PeerInfo{
		Self:  r.LocalRecord(),
		Known: r.sample(peer),
	})
	return err
}

// QueryPeers asks one peer for the entries it knows closest to us and adds
// them to the table as discovered.
func (r *Router) QueryPeers(ctx context.Context, peer dht.NodeID) ([]dht.RoutingEntry, error) {
	return r.queryNode(ctx, peer, r.table.Self(), dht.BucketSize)
}

func (r *Router) queryNode(ctx context.Context, peer, target dht.NodeID, count int) ([]dht.RoutingEntry, error) {
	resp, err := r.Request(ctx, peer, transport.FindNode{Target: target, Count: count})
	if err != nil {
		return nil, err
	}
	found := resp.(transport.FindNodeResponse)

	self := r.table.Self()
	out := make([]dht.RoutingEntry, 0, len(found.Peers))
	for _, rec := range found.Peers {
		if rec.ID == self || rec.Port == 0 {
			continue
		}
		entry := rec.Entry()
		r.table.AddDiscovered(entry)
		entry.Online = rec.Online
		out = append(out, entry)
	}
	return out, nil
}

// FindNode asks the FindNodeFanout connected peers closest to target for
// their closest entries and returns the union of the replies, closest first.
// It fails with *RequestTimeoutError when no queried peer answers in time.
func (r *Router) FindNode(ctx context.Context, target dht.NodeID, count int) ([]dht.RoutingEntry, error) {
	sender, err := r.getSender()
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = dht.BucketSize
	}

	peers := sender.Peers()
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}
	slices.SortFunc(peers, func(a, b dht.NodeID) int {
		return dht.CompareDistance(a, b, target)
	})
	if len(peers) > FindNodeFanout {
		peers = peers[:FindNodeFanout]
	}

	type result struct {
		entries []dht.RoutingEntry
		err     error
	}
	results := make(chan result, len(peers))
	for _, p := range peers {
		go func(p dht.NodeID) {
			entries, err := r.queryNode(ctx, p, target, count)
			results <- result{entries, err}
		}(p)
	}

	union := make(map[dht.NodeID]dht.RoutingEntry)
	replies := 0
	var errs error
	for range peers {
		res := <-results
		if res.err != nil {
			errs = multierr.Append(errs, res.err)
			continue
		}
		replies++
		for _, e := range res.entries {
			if _, ok := union[e.PeerID]; !ok {
				union[e.PeerID] = e
			}
		}
	}

	if replies == 0 {
		logrus.WithFields(logrus.Fields{
			"function": "FindNode",
			"target":   target.Short(),
			"queried":  len(peers),
			"error":    errs.Error(),
		}).Debug("Lookup got no replies")
		return nil, errs
	}

	out := make([]dht.RoutingEntry, 0, len(union))
	for _, e := range union {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b dht.RoutingEntry) int {
		return dht.CompareDistance(a.PeerID, b.PeerID, target)
	})
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}
