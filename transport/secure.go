package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/identity"
	"github.com/opd-ai/peerlink/noise"
	"github.com/sirupsen/logrus"
)

// WireVersion is exchanged in the handshake payloads; peers speaking another
// version are refused.
const WireVersion = "peerlink/1"

// SecureConn is an authenticated, encrypted connection to one peer. Reads and
// writes may happen concurrently with each other but not with themselves.
type SecureConn struct {
	conn      net.Conn
	send      *noise.CipherState
	recv      *noise.CipherState
	localID   dht.NodeID
	remoteID  dht.NodeID
	remoteKey []byte
	initiator bool
	hash      []byte

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// Handshake runs the Noise XX handshake over conn and returns the secured
// connection. The context deadline bounds the whole exchange; cancelling ctx
// aborts it. conn is not closed on failure.
func Handshake(ctx context.Context, conn net.Conn, id *identity.Identity, role noise.HandshakeRole) (*SecureConn, error) {
	addr := conn.RemoteAddr().String()

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			return nil, &HandshakeError{Op: "deadline", Addr: addr, Err: err}
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	hs, err := noise.NewXXHandshake(id.NoiseKey(), role)
	if err != nil {
		return nil, &HandshakeError{Op: "init", Addr: addr, Err: err}
	}

	var remoteVersion []byte
	if role == noise.Initiator {
		remoteVersion, err = initiatorFlow(conn, hs)
	} else {
		remoteVersion, err = responderFlow(conn, hs)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w: %v", ctxErr, err)
		}
		return nil, &HandshakeError{Op: role.String(), Addr: addr, Err: err}
	}

	if string(remoteVersion) != WireVersion {
		return nil, &HandshakeError{Op: "version", Addr: addr,
			Err: fmt.Errorf("%w: remote %q, local %q", ErrVersionMismatch, remoteVersion, WireVersion)}
	}

	remoteKey, err := hs.RemoteStaticKey()
	if err != nil {
		return nil, &HandshakeError{Op: "remote key", Addr: addr, Err: err}
	}
	remoteID := identity.DeriveID(remoteKey)
	if remoteID == id.ID {
		return nil, &HandshakeError{Op: "verify", Addr: addr, Err: ErrSelfConnection}
	}

	send, recv, err := hs.CipherStates()
	if err != nil {
		return nil, &HandshakeError{Op: "cipher states", Addr: addr, Err: err}
	}
	hash, err := hs.ChannelBinding()
	if err != nil {
		return nil, &HandshakeError{Op: "channel binding", Addr: addr, Err: err}
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, &HandshakeError{Op: "deadline", Addr: addr, Err: err}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Handshake",
		"role":     role.String(),
		"remote":   remoteID.Short(),
		"address":  addr,
	}).Debug("Secure channel established")

	return &SecureConn{
		conn:      conn,
		send:      send,
		recv:      recv,
		localID:   id.ID,
		remoteID:  remoteID,
		remoteKey: remoteKey,
		initiator: role == noise.Initiator,
		hash:      hash,
	}, nil
}

// initiatorFlow: -> e, <- e ee s es, -> s se.
func initiatorFlow(conn net.Conn, hs *noise.XXHandshake) ([]byte, error) {
	msg1, err := hs.WriteMessage(nil)
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, msg1); err != nil {
		return nil, fmt.Errorf("send message 1: %w", err)
	}

	msg2, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("receive message 2: %w", err)
	}
	remoteVersion, err := hs.ReadMessage(msg2)
	if err != nil {
		return nil, err
	}

	msg3, err := hs.WriteMessage([]byte(WireVersion))
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, msg3); err != nil {
		return nil, fmt.Errorf("send message 3: %w", err)
	}
	return remoteVersion, nil
}

func responderFlow(conn net.Conn, hs *noise.XXHandshake) ([]byte, error) {
	msg1, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, err := hs.ReadMessage(msg1); err != nil {
		return nil, err
	}

	msg2, err := hs.WriteMessage([]byte(WireVersion))
	if err != nil {
		return nil, err
	}
	if err := WriteFrame(conn, msg2); err != nil {
		return nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := ReadFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("receive message 3: %w", err)
	}
	return hs.ReadMessage(msg3)
}

// RemoteID returns the id derived from the peer's authenticated static key.
func (c *SecureConn) RemoteID() dht.NodeID {
	return c.remoteID
}

// LocalID returns our own id.
func (c *SecureConn) LocalID() dht.NodeID {
	return c.localID
}

// RemoteKey returns a copy of the peer's static public key.
func (c *SecureConn) RemoteKey() []byte {
	return append([]byte(nil), c.remoteKey...)
}

// HandshakeHash returns the handshake hash, identical on both ends of the
// connection.
func (c *SecureConn) HandshakeHash() []byte {
	return append([]byte(nil), c.hash...)
}

// Initiator reports whether we dialed this connection.
func (c *SecureConn) Initiator() bool {
	return c.initiator
}

// RemoteAddr returns the remote network address.
func (c *SecureConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// LocalAddr returns the local network address.
func (c *SecureConn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// SetWriteDeadline sets the deadline for future WriteMessage calls.
func (c *SecureConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// Close closes the underlying connection.
func (c *SecureConn) Close() error {
	return c.conn.Close()
}

// WriteMessage encrypts plaintext and writes it as one frame.
func (c *SecureConn) WriteMessage(plaintext []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ct, err := c.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	return WriteFrame(c.conn, ct)
}

// ReadMessage reads and decrypts one frame. A frame that fails authentication
// is reported as a *DecodeError; I/O and framing errors are returned as-is
// and leave the connection unusable.
func (c *SecureConn) ReadMessage() ([]byte, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	ct, err := ReadFrame(c.conn)
	if err != nil {
		return nil, err
	}
	pt, err := c.recv.Decrypt(nil, nil, ct)
	if err != nil {
		return nil, &DecodeError{Reason: "decrypt failed", Err: err}
	}
	return pt, nil
}

// Send encodes and writes an envelope.
func (c *SecureConn) Send(e *Envelope) error {
	data, err := Encode(e)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// Receive reads and decodes the next envelope. Errors matching
// ErrProtocolDecode or ErrUnknownType concern only that frame.
func (c *SecureConn) Receive() (*Envelope, error) {
	data, err := c.ReadMessage()
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
