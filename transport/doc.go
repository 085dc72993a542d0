// Package transport defines the peerlink wire format and secure channel.
//
// # Wire Format
//
// Every frame is a 4-byte big-endian length followed by a Noise transport
// message of at most limits.MaxFrameSize bytes. The plaintext of each frame is
// one JSON envelope:
//
//	{"type": "find-node", "payload": {...}, "timestamp": 1700000000000, "sender": "<hex id>"}
//
// # Payloads
//
// Payload is a sealed interface; the variants are Ping, Pong, PeerInfo,
// FindNode, FindNodeResponse and Broadcast. Request and response variants
// implement Correlated and carry a RequestID.
//
//	switch p := env.Payload.(type) {
//	case transport.Ping:
//	case transport.FindNode:
//	    _ = p.Target
//	}
//
// Decode reports malformed frames as *DecodeError (matching ErrProtocolDecode)
// and unrecognised tags as ErrUnknownType, so callers can drop a single frame
// without tearing down the session.
//
// # Secure Channel
//
//	sc, err := transport.Handshake(ctx, conn, id, noise.Initiator)
//	if err != nil {
//	    conn.Close()
//	    return err
//	}
//	err = sc.Send(transport.NewEnvelope(id.ID, transport.Ping{RequestID: rid}))
//
// The remote id is derived from the static key the peer authenticated with,
// never from anything it claims in an envelope.
package transport
