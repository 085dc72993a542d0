// Package session owns the live connections of a peerlink node: listening,
// dialing, the session registry, per-session I/O goroutines and lifecycle
// events.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/noise"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Config tunes a Manager. Zero fields take the DefaultConfig value.
type Config struct {
	MaxPeers        int
	DialTimeout     time.Duration
	WriteTimeout    time.Duration
	BindRetries     int
	PortRangeMin    int
	PortRangeMax    int
	DialBackoff     time.Duration
	BackoffEntries  int
	EventBuffer     int
	SendQueueSize   int
	MaxDecodeErrors int
	BroadcastFanout int
}

// DefaultConfig returns the standard session settings.
func DefaultConfig() Config {
	return Config{
		MaxPeers:        50,
		DialTimeout:     5 * time.Second,
		WriteTimeout:    5 * time.Second,
		BindRetries:     3,
		PortRangeMin:    20000,
		PortRangeMax:    60000,
		DialBackoff:     30 * time.Second,
		BackoffEntries:  1024,
		EventBuffer:     1024,
		SendQueueSize:   64,
		MaxDecodeErrors: 5,
		BroadcastFanout: 16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxPeers <= 0 {
		c.MaxPeers = d.MaxPeers
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BindRetries <= 0 {
		c.BindRetries = d.BindRetries
	}
	if c.PortRangeMin <= 0 || c.PortRangeMax < c.PortRangeMin {
		c.PortRangeMin, c.PortRangeMax = d.PortRangeMin, d.PortRangeMax
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = d.DialBackoff
	}
	if c.BackoffEntries <= 0 {
		c.BackoffEntries = d.BackoffEntries
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.MaxDecodeErrors <= 0 {
		c.MaxDecodeErrors = d.MaxDecodeErrors
	}
	if c.BroadcastFanout <= 0 {
		c.BroadcastFanout = d.BroadcastFanout
	}
	return c
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithMetrics records session activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// Manager owns every session of the local node.
type Manager struct {
	id      *identity.Identity
	cfg     Config
	handler FrameHandler
	metrics *metrics.Metrics
	dialer  net.Dialer

	mu       sync.RWMutex
	sessions map[dht.NodeID]*Session
	pending  int
	listener net.Listener

	dials   singleflight.Group
	backoff *expirable.LRU[string, error]

	eventsMu     sync.RWMutex
	events       chan Event
	eventsClosed bool

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager creates a manager for the given identity. Every decoded inbound
// envelope is passed to handler.
func NewManager(id *identity.Identity, handler FrameHandler, cfg Config, opts ...Option) (*Manager, error) {
	if id == nil {
		return nil, errors.New("session manager requires an identity")
	}
	if handler == nil {
		return nil, errors.New("session manager requires a frame handler")
	}

	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		id:       id,
		cfg:      cfg,
		handler:  handler,
		sessions: make(map[dht.NodeID]*Session),
		backoff:  expirable.NewLRU[string, error](cfg.BackoffEntries, nil, cfg.DialBackoff),
		events:   make(chan Event, cfg.EventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Events returns the lifecycle event stream. It is closed by Shutdown.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// Start binds the listening socket and begins accepting connections. If the
// address cannot be bound it retries on random ports in the configured range
// and fails with *PortBindError once the retries are exhausted.
func (m *Manager) Start(ctx context.Context, listenAddr string) error {
	if m.closed.Load() {
		return ErrManagerClosed
	}

	host, _, err := net.SplitHostPort(listenAddr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", listenAddr, err)
	}

	var lc net.ListenConfig
	addr := listenAddr
	attempts := 0
	var ln net.Listener
	for {
		attempts++
		ln, err = lc.Listen(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if attempts > m.cfg.BindRetries || ctx.Err() != nil {
			return &PortBindError{Addr: listenAddr, Attempts: attempts, Err: err}
		}

		port := m.cfg.PortRangeMin + rand.IntN(m.cfg.PortRangeMax-m.cfg.PortRangeMin+1)
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"address":  addr,
			"next":     port,
			"error":    err.Error(),
		}).Warn("Bind failed, retrying on a random port")
		addr = net.JoinHostPort(host, strconv.Itoa(port))
	}

	m.mu.Lock()
	m.listener = ln
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"address":  ln.Addr().String(),
		"id":       m.id.ID.Short(),
	}).Info("Listening for peers")

	m.wg.Add(1)
	go m.acceptLoop(ln)
	return nil
}

// ListenAddr returns the bound address, or nil before Start.
func (m *Manager) ListenAddr() net.Addr {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.listener == nil {
		return nil
	}
	return m.listener.Addr()
}

func (m *Manager) acceptLoop(ln net.Listener) {
	defer m.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if m.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logrus.WithFields(logrus.Fields{
				"function": "acceptLoop",
				"error":    err.Error(),
			}).Warn("Accept failed")
			continue
		}

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if _, err := m.Accept(conn); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "acceptLoop",
					"address":  conn.RemoteAddr().String(),
					"error":    err.Error(),
				}).Debug("Inbound connection rejected")
			}
		}()
	}
}

// reserve claims a slot for a connection in progress.
func (m *Manager) reserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions)+m.pending >= m.cfg.MaxPeers {
		return false
	}
	m.pending++
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	m.pending--
	m.mu.Unlock()
}

// Accept takes ownership of an inbound connection: it enforces the peer
// limit, runs the responder handshake and registers the session. conn is
// closed on any failure.
func (m *Manager) Accept(conn net.Conn) (*Session, error) {
	addr := conn.RemoteAddr().String()

	if m.closed.Load() {
		conn.Close()
		return nil, ErrManagerClosed
	}
	if !m.reserve() {
		conn.Close()
		m.metrics.InboundRejected()
		logrus.WithFields(logrus.Fields{
			"function": "Accept",
			"address":  addr,
			"maxPeers": m.cfg.MaxPeers,
		}).Warn("Rejecting inbound connection at peer limit")
		return nil, ErrPeerLimitExceeded
	}
	defer m.release()

	s := newSession(addr, false, m.cfg, m.metrics)
	if err := s.transition(StatusConnecting); err != nil {
		conn.Close()
		return nil, err
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	sc, err := transport.Handshake(ctx, conn, m.id, noise.Responder)
	if err != nil {
		conn.Close()
		s.transition(StatusClosed)
		return nil, err
	}
	s.attach(sc)

	return m.register(s)
}

// Dial connects to addr, or joins an in-flight dial to the same address. The
// whole dial and handshake is bounded by the configured dial timeout.
func (m *Manager) Dial(ctx context.Context, addr string) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if prev, ok := m.backoff.Get(addr); ok {
		m.metrics.Dial("backoff")
		return nil, &DialError{Addr: addr, Err: fmt.Errorf("%w: last error: %v", ErrDialBackoff, prev)}
	}

	ch := m.dials.DoChan(addr, func() (any, error) {
		return m.dial(addr)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Session), nil
	case <-ctx.Done():
		return nil, &DialError{Addr: addr, Err: ctx.Err()}
	}
}

func (m *Manager) dial(addr string) (*Session, error) {
	if !m.reserve() {
		m.metrics.Dial("limit")
		return nil, &DialError{Addr: addr, Err: ErrPeerLimitExceeded}
	}
	defer m.release()

	s := newSession(addr, true, m.cfg, m.metrics)
	if err := s.transition(StatusConnecting); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	defer cancel()

	fail := func(err error) (*Session, error) {
		s.transition(StatusClosed)
		err = classifyDialError(ctx, err)
		m.backoff.Add(addr, err)
		m.metrics.Dial(dialResult(err))
		logrus.WithFields(logrus.Fields{
			"function": "Dial",
			"address":  addr,
			"error":    err.Error(),
		}).Debug("Dial failed")
		return nil, &DialError{Addr: addr, Err: err}
	}

	conn, err := m.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fail(err)
	}

	sc, err := transport.Handshake(ctx, conn, m.id, noise.Initiator)
	if err != nil {
		conn.Close()
		return fail(err)
	}
	s.attach(sc)

	registered, err := m.register(s)
	if err != nil {
		m.metrics.Dial("error")
		return nil, &DialError{Addr: addr, Err: err}
	}
	m.metrics.Dial("ok")
	return registered, nil
}

// classifyDialError maps low-level failures onto the dial sentinels.
func classifyDialError(ctx context.Context, err error) error {
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %v", ErrDialRefused, err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %v", ErrDialTimeout, err)
	}
	return err
}

// supersedes reports whether candidate should replace existing for the same
// peer. Connections dialed from opposite ends keep the one whose initiator has
// the smaller id. Connections dialed from the same end keep the one with the
// smaller handshake hash.
func supersedes(candidate, existing *Session) bool {
	if candidate.outbound != existing.outbound {
		return candidate.initiator().Less(existing.initiator())
	}
	return bytes.Compare(candidate.conn.HandshakeHash(), existing.conn.HandshakeHash()) < 0
}

func dialResult(err error) string {
	switch {
	case errors.Is(err, ErrDialTimeout):
		return "timeout"
	case errors.Is(err, ErrDialRefused):
		return "refused"
	default:
		return "error"
	}
}

// register inserts an authenticated session, resolving duplicates with
// supersedes. Both ends of a pair of connections reach the same verdict, so
// they keep the same one.
func (m *Manager) register(s *Session) (*Session, error) {
	m.mu.Lock()

	if m.closed.Load() {
		m.mu.Unlock()
		s.transition(StatusClosed)
		s.conn.Close()
		return nil, ErrManagerClosed
	}

	var loser *Session
	existing, dup := m.sessions[s.peerID]
	if dup {
		if !supersedes(s, existing) {
			m.mu.Unlock()
			s.transition(StatusClosed)
			s.conn.Close()
			logrus.WithFields(logrus.Fields{
				"function": "register",
				"peer":     s.peerID.Short(),
				"address":  s.remoteAddr,
			}).Debug("Dropping duplicate connection")
			return existing, nil
		}
		loser = existing
	}

	if err := s.transition(StatusConnected); err != nil {
		m.mu.Unlock()
		s.conn.Close()
		return nil, err
	}
	s.onClose = m.onSessionClosed
	m.sessions[s.peerID] = s
	s.run(&m.wg, m.handler)
	m.mu.Unlock()

	if loser != nil {
		loser.close("replaced by duplicate connection")
		logrus.WithFields(logrus.Fields{
			"function": "register",
			"peer":     s.peerID.Short(),
			"address":  s.remoteAddr,
		}).Debug("Replaced duplicate connection")
		return s, nil
	}

	m.metrics.SessionOpened()
	m.emit(Event{
		Kind:     EventConnected,
		PeerID:   s.peerID,
		Address:  s.remoteAddr,
		Outbound: s.outbound,
		At:       time.Now(),
	})

	logrus.WithFields(logrus.Fields{
		"function": "register",
		"peer":     s.peerID.Short(),
		"address":  s.remoteAddr,
		"outbound": s.outbound,
	}).Info("Session connected")
	return s, nil
}

// onSessionClosed removes s from the registry if it is still the registered
// session for its peer.
func (m *Manager) onSessionClosed(s *Session) {
	m.mu.Lock()
	current, ok := m.sessions[s.peerID]
	registered := ok && current == s
	if registered {
		delete(m.sessions, s.peerID)
	}
	m.mu.Unlock()

	if !registered {
		return
	}
	m.metrics.SessionClosed()
	m.emit(Event{
		Kind:     EventClosed,
		PeerID:   s.peerID,
		Address:  s.remoteAddr,
		Outbound: s.outbound,
		Reason:   s.CloseReason(),
		At:       time.Now(),
	})
}

// emit posts an event without blocking. A full queue drops the event; the
// maintenance pass reconciles routing state with the registry instead.
func (m *Manager) emit(ev Event) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	if m.eventsClosed {
		return
	}

	select {
	case m.events <- ev:
	default:
		m.metrics.EventDropped()
		logrus.WithFields(logrus.Fields{
			"function": "emit",
			"event":    ev.Kind.String(),
			"peer":     ev.PeerID.Short(),
		}).Warn("Session event queue full, dropping event")
	}
}

// Get returns the connected session for peer.
func (m *Manager) Get(peer dht.NodeID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// IsConnected reports whether a session to peer exists.
func (m *Manager) IsConnected(peer dht.NodeID) bool {
	_, ok := m.Get(peer)
	return ok
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Peers returns the ids of all registered sessions.
func (m *Manager) Peers() []dht.NodeID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]dht.NodeID, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Sessions returns a snapshot of every registered session.
func (m *Manager) Sessions() []Info {
	m.mu.RLock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	m.mu.RUnlock()

	out := make([]Info, len(list))
	for i, s := range list {
		out[i] = s.Info()
	}
	return out
}

// Send writes env to one peer.
func (m *Manager) Send(ctx context.Context, peer dht.NodeID, env *transport.Envelope) error {
	s, ok := m.Get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, peer.Short())
	}
	return s.Send(ctx, env)
}

// Broadcast writes env to every connected peer and returns how many writes
// succeeded. Individual failures are logged and do not stop delivery to the
// remaining peers.
func (m *Manager) Broadcast(ctx context.Context, env *transport.Envelope) int {
	m.mu.RLock()
	targets := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		targets = append(targets, s)
	}
	m.mu.RUnlock()

	var delivered atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.cfg.BroadcastFanout)
	for _, s := range targets {
		g.Go(func() error {
			if err := s.Send(ctx, env); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Broadcast",
					"peer":     s.PeerID().Short(),
					"error":    err.Error(),
				}).Debug("Broadcast delivery failed")
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	g.Wait()
	return int(delivered.Load())
}

// Close tears down the session with peer.
func (m *Manager) Close(peer dht.NodeID, reason string) error {
	s, ok := m.Get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, peer.Short())
	}
	return s.close(reason)
}

// Shutdown stops accepting, aborts in-flight dials, closes every session and
// waits for all session goroutines. The event channel is closed last.
func (m *Manager) Shutdown() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.cancel()

	var err error
	m.mu.Lock()
	ln := m.listener
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if ln != nil {
		err = multierr.Append(err, ln.Close())
	}
	for _, s := range sessions {
		if cerr := s.close("shutdown"); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("close %s: %w", s.peerID.Short(), cerr))
		}
	}

	m.wg.Wait()

	m.eventsMu.Lock()
	m.eventsClosed = true
	close(m.events)
	m.eventsMu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Shutdown",
		"sessions": len(sessions),
	}).Info("Session manager stopped")
	return err
}
