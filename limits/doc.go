// Package limits centralises the size limits of the peerlink wire format.
//
// # Frame Size Hierarchy
//
//   - MaxFrameSize (65535 bytes): the largest Noise ciphertext carried by one
//     length-prefixed frame.
//
//   - MaxPlaintextMessage (65519 bytes): the largest encoded envelope, i.e.
//     MaxFrameSize minus the 16-byte ChaChaPoly tag.
//
// # Validation Functions
//
//	if err := limits.ValidatePlaintextMessage(encoded); err != nil {
//	    // ErrMessageEmpty or ErrMessageTooLarge
//	}
//
// Length prefixes read off the wire are checked with ValidateFrameLength before
// any buffer is allocated, so a hostile peer cannot make a session allocate
// more than MaxFrameSize bytes per frame.
package limits
