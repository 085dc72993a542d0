package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrProtocolDecode indicates a frame could not be decoded into an envelope
	ErrProtocolDecode = errors.New("protocol decode error")

	// ErrUnknownType indicates a well-formed envelope with an unrecognised tag
	ErrUnknownType = errors.New("unknown message type")

	// ErrSelfConnection indicates the remote end authenticated with our own key
	ErrSelfConnection = errors.New("connection to self")

	// ErrVersionMismatch indicates the peer speaks another wire version
	ErrVersionMismatch = errors.New("wire version mismatch")
)

// DecodeError describes a malformed frame. It matches ErrProtocolDecode.
type DecodeError struct {
	Type   MessageType // tag, if it was readable
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	msg := e.Reason
	if e.Type != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Type)
	}
	if e.Err != nil {
		return fmt.Sprintf("decode: %s: %v", msg, e.Err)
	}
	return "decode: " + msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match ErrProtocolDecode.
func (e *DecodeError) Is(target error) bool {
	return target == ErrProtocolDecode
}

// HandshakeError wraps a failure while establishing the secure channel.
type HandshakeError struct {
	Op   string // handshake step
	Addr string // remote address
	Err  error
}

func (e *HandshakeError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("handshake %s %s: %v", e.Op, e.Addr, e.Err)
	}
	return fmt.Sprintf("handshake %s: %v", e.Op, e.Err)
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}
