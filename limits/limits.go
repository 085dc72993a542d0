// Package limits provides the frame and payload size limits shared by the
// wire codec and the session layer.
package limits

import (
	"errors"
	"fmt"
)

const (
	// MaxFrameSize is the largest ciphertext carried by one frame. It is also
	// the Noise transport message limit.
	MaxFrameSize = 65535

	// EncryptionOverhead is the ChaChaPoly authentication tag added to every
	// Noise transport message.
	EncryptionOverhead = 16

	// MaxPlaintextMessage is the largest encoded envelope that still fits in
	// one frame after encryption.
	MaxPlaintextMessage = MaxFrameSize - EncryptionOverhead

	// FrameHeaderSize is the big-endian length prefix in front of each frame.
	FrameHeaderSize = 4
)

var (
	// ErrMessageEmpty indicates an empty message was provided
	ErrMessageEmpty = errors.New("empty message")

	// ErrMessageTooLarge indicates message exceeds maximum size
	ErrMessageTooLarge = errors.New("message too large")
)

// ValidateMessageSize checks that message is non-empty and at most maxSize
// bytes.
func ValidateMessageSize(message []byte, maxSize int) error {
	if len(message) == 0 {
		return ErrMessageEmpty
	}
	if len(message) > maxSize {
		return fmt.Errorf("%w: size %d exceeds limit %d", ErrMessageTooLarge, len(message), maxSize)
	}
	return nil
}

// ValidatePlaintextMessage checks an encoded envelope before encryption.
func ValidatePlaintextMessage(message []byte) error {
	return ValidateMessageSize(message, MaxPlaintextMessage)
}

// ValidateFrame checks an outgoing frame body before it is written.
func ValidateFrame(frame []byte) error {
	return ValidateMessageSize(frame, MaxFrameSize)
}

// ValidateFrameLength checks a length prefix read off the wire before the
// frame body is allocated.
func ValidateFrameLength(n uint32) error {
	if n == 0 {
		return ErrMessageEmpty
	}
	if n > MaxFrameSize {
		return fmt.Errorf("%w: frame length %d exceeds limit %d", ErrMessageTooLarge, n, MaxFrameSize)
	}
	return nil
}
