// Package node wires identity, routing table, sessions, message routing and
// maintenance into a running peerlink node.
//
// Upstream code uses a Node for exactly two things: sending to one peer and
// broadcasting to all connected peers.
//
//	n, err := node.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := n.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Stop()
//	delivered := n.Broadcast(ctx, "blocks", payload)
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/config"
	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/router"
	"github.com/opd-ai/peerlink/session"
	"github.com/opd-ai/peerlink/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// peerInfoTimeout bounds the peer-info exchange after a session connects.
const peerInfoTimeout = 10 * time.Second

var (
	// ErrNotStarted is returned by operations that need a running node.
	ErrNotStarted = errors.New("node not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("node already started")
)

type options struct {
	clock          clock.Clock
	registerer     prometheus.Registerer
	onBroadcast    router.BroadcastHandler
	requestTimeout time.Duration
	sessionConfig  *session.Config
}

// Option configures a Node.
type Option func(*options)

// WithClock injects the clock used by the routing table, cache and maintainer.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithRegisterer enables metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithBroadcastHandler delivers inbound broadcasts to h on a dedicated
// goroutine; see router.WithBroadcastHandler for the queueing rules.
func WithBroadcastHandler(h router.BroadcastHandler) Option {
	return func(o *options) { o.onBroadcast = h }
}

// WithRequestTimeout overrides the router's request timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *options) { o.requestTimeout = d }
}

// WithSessionConfig overrides session tuning. MaxPeers always comes from the
// node configuration.
func WithSessionConfig(cfg session.Config) Option {
	return func(o *options) { o.sessionConfig = &cfg }
}

// Node is one running peerlink participant.
type Node struct {
	cfg      config.Config
	id       *identity.Identity
	clock    clock.Clock
	table    *dht.RoutingTable
	cache    *dht.KnownPeersCache
	resolver *dht.BootstrapResolver
	metrics  *metrics.Metrics
	sessions *session.Manager
	router   *router.Router
	maint    *Maintainer

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool
}

// New builds a node from cfg. Every collaborator is created here so a
// misconfiguration fails before anything touches the network.
func New(cfg config.Config, opts ...Option) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{clock: clock.New(), requestTimeout: router.DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	id, err := loadIdentity(cfg)
	if err != nil {
		return nil, err
	}

	var m *metrics.Metrics
	if o.registerer != nil {
		m = metrics.New(o.registerer)
	}

	table := dht.NewRoutingTable(id.ID, dht.WithClock(o.clock))
	cache := dht.NewKnownPeersCache(cfg.KnownPeersPath(), o.clock)

	r, err := router.New(table,
		router.WithRequestTimeout(o.requestTimeout),
		router.WithBroadcastHandler(o.onBroadcast),
		router.WithMetrics(m),
	)
	if err != nil {
		table.Close()
		return nil, err
	}

	scfg := session.DefaultConfig()
	if o.sessionConfig != nil {
		scfg = *o.sessionConfig
	}
	scfg.MaxPeers = cfg.MaxPeers
	mgr, err := session.NewManager(id, r.HandleFrame, scfg, session.WithMetrics(m))
	if err != nil {
		r.Close()
		table.Close()
		return nil, err
	}
	r.SetSender(mgr)
	table.SetProber(r)

	maint, err := NewMaintainer(table, mgr, r, cache, o.clock, cfg.MaintenanceInterval, m)
	if err != nil {
		r.Close()
		table.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		cfg:      cfg,
		id:       id,
		clock:    o.clock,
		table:    table,
		cache:    cache,
		resolver: dht.NewBootstrapResolver(cfg.Seeds, cfg.BootstrapAddresses, cache),
		metrics:  m,
		sessions: mgr,
		router:   r,
		maint:    maint,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func loadIdentity(cfg config.Config) (*identity.Identity, error) {
	path := cfg.IdentityPath()
	id, err := identity.LoadOrCreate(path)
	if err == nil {
		return id, nil
	}
	if errors.Is(err, identity.ErrIdentityCorrupt) && cfg.RegenerateIdentity {
		logrus.WithFields(logrus.Fields{
			"function": "loadIdentity",
			"path":     path,
			"error":    err.Error(),
		}).Warn("Identity corrupt, regenerating as configured")
		return identity.Regenerate(path)
	}
	return nil, err
}

// ID returns the node's id.
func (n *Node) ID() dht.NodeID {
	return n.id.ID
}

// Identity returns the node's identity.
func (n *Node) Identity() *identity.Identity {
	return n.id
}

// Table exposes the routing table for inspection.
func (n *Node) Table() *dht.RoutingTable {
	return n.table
}

// Maintainer exposes the maintenance scheduler.
func (n *Node) Maintainer() *Maintainer {
	return n.maint
}

// ListenAddr returns the bound address, or nil before Start.
func (n *Node) ListenAddr() net.Addr {
	return n.sessions.ListenAddr()
}

// Start binds the listener, begins consuming session events, dials the
// bootstrap candidates and starts maintenance. Bootstrap dials run in the
// background; failures are logged.
func (n *Node) Start(ctx context.Context) error {
	if n.stopped.Load() {
		return session.ErrManagerClosed
	}
	if !n.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := n.sessions.Start(ctx, n.cfg.ListenAddr()); err != nil {
		return err
	}

	port := 0
	if tcp, ok := n.sessions.ListenAddr().(*net.TCPAddr); ok {
		port = tcp.Port
	}
	n.router.SetLocalRecord(transport.PeerRecord{
		Port: uint16(port),
		Metadata: dht.Metadata{
			Version: transport.WireVersion,
			Name:    n.cfg.Name,
		},
	})

	n.wg.Add(2)
	go n.consumeEvents()
	go n.bootstrap()

	n.maint.Start()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"id":       n.id.ID.String(),
		"address":  n.ListenAddr().String(),
	}).Info("Node started")
	return nil
}

// consumeEvents keeps the routing table in step with session lifecycle
// events until the session manager closes the stream.
func (n *Node) consumeEvents() {
	defer n.wg.Done()
	for ev := range n.sessions.Events() {
		switch ev.Kind {
		case session.EventConnected:
			n.onConnected(ev)
		case session.EventClosed:
			n.table.MarkOnline(ev.PeerID, false)
			logrus.WithFields(logrus.Fields{
				"function": "consumeEvents",
				"peer":     ev.PeerID.Short(),
				"reason":   ev.Reason,
			}).Debug("Peer disconnected")
		}
	}
}

func (n *Node) onConnected(ev session.Event) {
	entry := dht.RoutingEntry{PeerID: ev.PeerID, Online: true}
	// Only an outbound address is dialable; inbound peers advertise theirs
	// in the peer-info exchange.
	if ev.Outbound {
		if addr, err := dht.ParseAddress(ev.Address); err == nil {
			entry.Address = addr
		}
	}
	if _, known := n.table.Get(ev.PeerID); known && !ev.Outbound {
		n.table.MarkOnline(ev.PeerID, true)
	} else {
		n.table.AddNode(entry)
	}

	if !ev.Outbound {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, peerInfoTimeout)
		defer cancel()
		if err := n.router.ExchangePeerInfo(ctx, ev.PeerID); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "onConnected",
				"peer":     ev.PeerID.Short(),
				"error":    err.Error(),
			}).Debug("Peer-info exchange failed")
		}
	}()
}

// bootstrap dials every resolved candidate concurrently. The addresses of a
// single candidate are tried in order and the first success wins, so one
// endpoint never yields two sessions.
func (n *Node) bootstrap() {
	defer n.wg.Done()

	candidates := n.resolver.Resolve()
	if len(candidates) == 0 {
		logrus.WithField("function", "bootstrap").Info("No bootstrap candidates, waiting for inbound peers")
		return
	}

	var wg sync.WaitGroup
	var connected atomic.Int32
	for _, c := range candidates {
		wg.Add(1)
		go func(c dht.Candidate) {
			defer wg.Done()
			s, addr, err := n.dialCandidate(c)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "bootstrap",
					"address":  c.Address,
					"source":   c.Source.String(),
					"error":    err.Error(),
				}).Debug("Bootstrap dial failed")
				return
			}
			connected.Add(1)
			if c.IsBootstrap() {
				n.markBootstrap(s.PeerID(), addr)
			}
		}(c)
	}
	wg.Wait()

	logrus.WithFields(logrus.Fields{
		"function":   "bootstrap",
		"candidates": len(candidates),
		"connected":  connected.Load(),
	}).Info("Bootstrap complete")
}

// dialCandidate tries each address of c until one connects.
func (n *Node) dialCandidate(c dht.Candidate) (*session.Session, string, error) {
	var errs error
	for _, addr := range c.Addresses() {
		s, err := n.sessions.Dial(n.ctx, addr)
		if err == nil {
			return s, addr, nil
		}
		errs = multierr.Append(errs, err)
		if n.ctx.Err() != nil {
			break
		}
	}
	return nil, "", errs
}

func (n *Node) markBootstrap(peer dht.NodeID, address string) {
	if n.table.SetBootstrap(peer, true) {
		return
	}
	e := dht.RoutingEntry{PeerID: peer, Online: n.sessions.IsConnected(peer)}
	if addr, err := dht.ParseAddress(address); err == nil {
		e.Address = addr
	}
	e.Metadata.IsBootstrap = true
	n.table.AddNode(e)
}

// Connect dials addr and returns the remote peer id.
func (n *Node) Connect(ctx context.Context, addr string) (dht.NodeID, error) {
	if !n.started.Load() {
		return dht.NodeID{}, ErrNotStarted
	}
	s, err := n.sessions.Dial(ctx, addr)
	if err != nil {
		return dht.NodeID{}, err
	}
	return s.PeerID(), nil
}

// Send delivers an opaque payload to one connected peer as a broadcast
// frame under topic.
func (n *Node) Send(ctx context.Context, peer dht.NodeID, topic string, data json.RawMessage) error {
	if !n.started.Load() {
		return ErrNotStarted
	}
	env := transport.NewEnvelope(n.id.ID, transport.Broadcast{Topic: topic, Data: data})
	return n.sessions.Send(ctx, peer, env)
}

// Broadcast delivers an opaque payload to every connected peer and returns
// how many deliveries succeeded.
func (n *Node) Broadcast(ctx context.Context, topic string, data json.RawMessage) int {
	if !n.started.Load() {
		return 0
	}
	env := transport.NewEnvelope(n.id.ID, transport.Broadcast{Topic: topic, Data: data})
	return n.sessions.Broadcast(ctx, env)
}

// Peers returns the ids of connected peers.
func (n *Node) Peers() []dht.NodeID {
	return n.sessions.Peers()
}

// Sessions describes every live session.
func (n *Node) Sessions() []session.Info {
	return n.sessions.Sessions()
}

// ClosestPeers returns up to count routing entries closest to target.
func (n *Node) ClosestPeers(target dht.NodeID, count int) []dht.RoutingEntry {
	return n.table.GetClosestNodes(target, count)
}

// Ping measures the round-trip time to a connected peer.
func (n *Node) Ping(ctx context.Context, peer dht.NodeID) (time.Duration, error) {
	return n.router.Ping(ctx, peer)
}

// FindNode looks target up in the local table and among connected peers.
// Online entries come before offline ones; within each group entries are
// ordered by distance to target. A remote failure is only returned when the
// local table has nothing to offer either.
func (n *Node) FindNode(ctx context.Context, target dht.NodeID, count int) ([]dht.RoutingEntry, error) {
	if count <= 0 {
		count = dht.BucketSize
	}

	union := make(map[dht.NodeID]dht.RoutingEntry)
	for _, e := range n.table.GetClosestNodes(target, count) {
		union[e.PeerID] = e
	}

	remote, err := n.router.FindNode(ctx, target, count)
	for _, e := range remote {
		if e.PeerID == n.id.ID {
			continue
		}
		if _, ok := union[e.PeerID]; !ok {
			union[e.PeerID] = e
		}
	}

	if len(union) == 0 {
		if err != nil {
			return nil, fmt.Errorf("find node %s: %w", target.Short(), err)
		}
		return []dht.RoutingEntry{}, nil
	}

	out := make([]dht.RoutingEntry, 0, len(union))
	for _, e := range union {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b dht.RoutingEntry) int {
		if a.Online != b.Online {
			if a.Online {
				return -1
			}
			return 1
		}
		return dht.CompareDistance(a.PeerID, b.PeerID, target)
	})
	if len(out) > count {
		out = out[:count]
	}
	return out, nil
}

// Stop shuts the node down: maintenance, sessions, then a final save of the
// known-peers cache. It waits for every goroutine the node started.
func (n *Node) Stop() error {
	if !n.stopped.CompareAndSwap(false, true) {
		return nil
	}
	n.cancel()
	n.maint.Stop()

	var err error
	err = multierr.Append(err, n.sessions.Shutdown())
	n.wg.Wait()
	n.router.Close()

	if n.started.Load() {
		if serr := n.cache.Save(dht.FromEntries(n.table.Snapshot())); serr != nil {
			err = multierr.Append(err, fmt.Errorf("save known peers: %w", serr))
		}
	}
	n.table.Close()

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"id":       n.id.ID.Short(),
	}).Info("Node stopped")
	return err
}
