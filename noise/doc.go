// Package noise implements the Noise XX handshake that authenticates every
// peerlink session, using flynn/noise with Curve25519, ChaCha20-Poly1305 and
// BLAKE2b.
//
// XX is used because peers learn each other's keys during the handshake:
// a bootstrap address carries no key, and the remote node id is derived from
// the static key the peer proves ownership of.
//
// Message flow:
//
//	Initiator                              Responder
//	─────────                              ─────────
//	-> e
//	                                       <- e, ee, s, es
//	-> s, se
//	[session established]
//
// Usage:
//
//	hs, err := noise.NewXXHandshake(identity.NoiseKey(), noise.Initiator)
//	msg1, _ := hs.WriteMessage(nil)
//	// send msg1, receive msg2
//	payload, _ := hs.ReadMessage(msg2)
//	msg3, _ := hs.WriteMessage(localPayload)
//	send, recv, _ := hs.CipherStates()
//
// The state machine does no I/O; transport.Handshake drives it over a framed
// connection.
package noise
