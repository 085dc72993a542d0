// Package noise provides the Noise XX handshake used to secure peerlink
// sessions.
package noise

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
)

var (
	// ErrHandshakeNotComplete indicates handshake is still in progress
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates handshake is already complete
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrInvalidKey indicates a static key of the wrong size
	ErrInvalidKey = errors.New("invalid static key")
)

// KeySize is the Curve25519 key length.
const KeySize = 32

// HandshakeRole defines whether we're initiating or responding to handshake
type HandshakeRole uint8

const (
	// Initiator dialed the connection and sends the first message
	Initiator HandshakeRole = iota
	// Responder accepted the connection
	Responder
)

func (r HandshakeRole) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// CipherState encrypts or decrypts one direction of an established session.
type CipherState = noise.CipherState

// CipherSuite is the suite every peerlink session negotiates.
var CipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// XXHandshake implements the Noise XX pattern: mutual authentication without
// either side knowing the other's static key in advance.
//
//	-> e
//	<- e, ee, s, es
//	-> s, se
type XXHandshake struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// NewXXHandshake creates a handshake using the given static key pair.
func NewXXHandshake(static noise.DHKey, role HandshakeRole) (*XXHandshake, error) {
	if len(static.Private) != KeySize || len(static.Public) != KeySize {
		return nil, fmt.Errorf("%w: private %d bytes, public %d bytes", ErrInvalidKey, len(static.Private), len(static.Public))
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   CipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     role == Initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create XX handshake state: %w", err)
	}

	return &XXHandshake{role: role, state: hs}, nil
}

// Role returns the side of the handshake this state plays.
func (xx *XXHandshake) Role() HandshakeRole {
	return xx.role
}

// WriteMessage produces the next outgoing handshake message carrying payload.
func (xx *XXHandshake) WriteMessage(payload []byte) ([]byte, error) {
	if xx.complete {
		return nil, ErrHandshakeComplete
	}

	message, cs1, cs2, err := xx.state.WriteMessage(nil, payload)
	if err != nil {
		return nil, fmt.Errorf("XX handshake write failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return message, nil
}

// ReadMessage consumes an incoming handshake message and returns its payload.
func (xx *XXHandshake) ReadMessage(message []byte) ([]byte, error) {
	if xx.complete {
		return nil, ErrHandshakeComplete
	}

	payload, cs1, cs2, err := xx.state.ReadMessage(nil, message)
	if err != nil {
		return nil, fmt.Errorf("XX handshake read failed: %w", err)
	}
	xx.finish(cs1, cs2)
	return payload, nil
}

// finish records the cipher states once the last message has been processed.
// cs1 protects initiator-to-responder traffic and cs2 the reverse.
func (xx *XXHandshake) finish(cs1, cs2 *noise.CipherState) {
	if cs1 == nil || cs2 == nil {
		return
	}
	if xx.role == Initiator {
		xx.sendCipher, xx.recvCipher = cs1, cs2
	} else {
		xx.sendCipher, xx.recvCipher = cs2, cs1
	}
	xx.complete = true
}

// IsComplete returns whether the XX handshake is complete.
func (xx *XXHandshake) IsComplete() bool {
	return xx.complete
}

// CipherStates returns the send and receive cipher states.
func (xx *XXHandshake) CipherStates() (send, recv *CipherState, err error) {
	if !xx.complete {
		return nil, nil, ErrHandshakeNotComplete
	}
	return xx.sendCipher, xx.recvCipher, nil
}

// ChannelBinding returns a copy of the final handshake hash. Both ends of a
// completed handshake hold the same value and no other session shares it.
func (xx *XXHandshake) ChannelBinding() ([]byte, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	return append([]byte(nil), xx.state.ChannelBinding()...), nil
}

// RemoteStaticKey returns a copy of the peer's authenticated static key.
func (xx *XXHandshake) RemoteStaticKey() ([]byte, error) {
	if !xx.complete {
		return nil, ErrHandshakeNotComplete
	}
	remote := xx.state.PeerStatic()
	if len(remote) != KeySize {
		return nil, fmt.Errorf("remote static key not available")
	}
	return append([]byte(nil), remote...), nil
}
