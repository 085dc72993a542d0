package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/transport"
	"github.com/sirupsen/logrus"
)

// Status is the lifecycle state of a session.
type Status uint8

const (
	StatusIdle Status = iota
	StatusConnecting
	StatusConnected
	StatusClosing
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal next states of each state.
var transitions = map[Status][]Status{
	StatusIdle:       {StatusConnecting},
	StatusConnecting: {StatusConnected, StatusClosed},
	StatusConnected:  {StatusClosing, StatusClosed},
	StatusClosing:    {StatusClosed},
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// FrameHandler receives every decoded envelope of every session. It runs on
// the session's reader goroutine, so it must not wait for replies from the
// same peer.
type FrameHandler func(s *Session, env *transport.Envelope)

// Info is a point-in-time view of a session.
type Info struct {
	PeerID           dht.NodeID
	RemoteAddr       string
	Outbound         bool
	Status           Status
	LastActivity     time.Time
	MessagesSent     uint64
	MessagesReceived uint64
}

type outboundMsg struct {
	data    []byte
	msgType transport.MessageType
	done    chan error
}

// Session is one live connection to a remote peer.
type Session struct {
	peerID     dht.NodeID
	remoteAddr string
	outbound   bool
	conn       *transport.SecureConn

	mu           sync.Mutex
	status       Status
	lastActivity time.Time
	closeReason  string
	closeErr     error

	sent     atomic.Uint64
	received atomic.Uint64

	queue     chan outboundMsg
	done      chan struct{}
	closeOnce sync.Once

	writeTimeout    time.Duration
	maxDecodeErrors int
	metrics         *metrics.Metrics
	onClose         func(*Session)
}

func newSession(addr string, outbound bool, cfg Config, m *metrics.Metrics) *Session {
	return &Session{
		remoteAddr:      addr,
		outbound:        outbound,
		status:          StatusIdle,
		queue:           make(chan outboundMsg, cfg.SendQueueSize),
		done:            make(chan struct{}),
		writeTimeout:    cfg.WriteTimeout,
		maxDecodeErrors: cfg.MaxDecodeErrors,
		metrics:         m,
	}
}

// transition moves the session to next or returns ErrInvalidTransition.
func (s *Session) transition(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(next)
}

func (s *Session) transitionLocked(next Status) error {
	if !s.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.status, next)
	}
	s.status = next
	if next == StatusConnected {
		s.lastActivity = time.Now()
	}
	return nil
}

// attach binds the authenticated connection to the session.
func (s *Session) attach(conn *transport.SecureConn) {
	s.conn = conn
	s.peerID = conn.RemoteID()
}

// PeerID returns the authenticated id of the remote peer.
func (s *Session) PeerID() dht.NodeID {
	return s.peerID
}

// RemoteAddr returns the address the connection was made to or from.
func (s *Session) RemoteAddr() string {
	return s.remoteAddr
}

// Outbound reports whether we dialed this session.
func (s *Session) Outbound() bool {
	return s.outbound
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// LastActivity returns when a message was last sent or received.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseReason returns why the session was closed, if it was.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Done is closed when the session starts shutting down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		PeerID:           s.peerID,
		RemoteAddr:       s.remoteAddr,
		Outbound:         s.outbound,
		Status:           s.status,
		LastActivity:     s.lastActivity,
		MessagesSent:     s.sent.Load(),
		MessagesReceived: s.received.Load(),
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// initiator returns the id of the side that opened the connection.
func (s *Session) initiator() dht.NodeID {
	if s.outbound {
		return s.conn.LocalID()
	}
	return s.peerID
}

// Send queues env behind earlier sends and waits until it has been written.
func (s *Session) Send(ctx context.Context, env *transport.Envelope) error {
	if s.Status() != StatusConnected {
		return ErrSessionClosed
	}

	data, err := transport.Encode(env)
	if err != nil {
		return err
	}
	msg := outboundMsg{data: data, msgType: env.Type(), done: make(chan error, 1)}

	select {
	case s.queue <- msg:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-msg.done:
		return err
	case <-s.done:
		select {
		case err := <-msg.done:
			return err
		default:
			return ErrSessionClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run starts the reader and writer goroutines.
func (s *Session) run(wg *sync.WaitGroup, handler FrameHandler) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer wg.Done()
		s.readLoop(handler)
	}()
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
				msg.done <- err
				s.close("set write deadline: " + err.Error())
				return
			}
			if err := s.conn.WriteMessage(msg.data); err != nil {
				msg.done <- err
				s.close("write failed: " + err.Error())
				return
			}
			s.sent.Add(1)
			s.touch()
			s.metrics.MessageSent(string(msg.msgType))
			msg.done <- nil
		}
	}
}

func (s *Session) readLoop(handler FrameHandler) {
	decodeErrors := 0

	for {
		env, err := s.conn.Receive()
		if err == nil && env.Sender != s.peerID {
			err = &transport.DecodeError{Type: env.Type(), Reason: "sender does not match session peer"}
		}

		switch {
		case err == nil:
		case errors.Is(err, transport.ErrUnknownType):
			logrus.WithFields(logrus.Fields{
				"function": "readLoop",
				"peer":     s.peerID.Short(),
				"error":    err.Error(),
			}).Debug("Dropping message of unknown type")
			continue
		case errors.Is(err, transport.ErrProtocolDecode):
			decodeErrors++
			s.metrics.DecodeError()
			logrus.WithFields(logrus.Fields{
				"function":    "readLoop",
				"peer":        s.peerID.Short(),
				"consecutive": decodeErrors,
				"error":       err.Error(),
			}).Debug("Dropping undecodable frame")
			if decodeErrors > s.maxDecodeErrors {
				s.close("too many decode errors")
				return
			}
			continue
		default:
			s.close("read failed: " + err.Error())
			return
		}

		decodeErrors = 0
		s.received.Add(1)
		s.touch()
		s.metrics.MessageReceived(string(env.Type()))
		handler(s, env)
	}
}

// close tears the session down once. It is safe to call from any goroutine,
// including the session's own loops.
func (s *Session) close(reason string) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.status == StatusConnected {
			s.status = StatusClosing
		}
		s.closeReason = reason
		s.mu.Unlock()

		close(s.done)
		if s.conn != nil {
			s.closeErr = s.conn.Close()
		}

		s.mu.Lock()
		if err := s.transitionLocked(StatusClosed); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "close",
				"peer":     s.peerID.Short(),
				"error":    err.Error(),
			}).Warn("Unexpected session state on close")
			s.status = StatusClosed
		}
		s.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "close",
			"peer":     s.peerID.Short(),
			"address":  s.remoteAddr,
			"reason":   reason,
		}).Debug("Session closed")

		if s.onClose != nil {
			s.onClose(s)
		}
	})
	return s.closeErr
}
