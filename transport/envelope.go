package transport

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/limits"
)

// Envelope is one logical message on a session.
type Envelope struct {
	Payload   Payload
	Timestamp time.Time
	Sender    dht.NodeID
}

// NewEnvelope wraps a payload stamped with the current time.
func NewEnvelope(sender dht.NodeID, p Payload) *Envelope {
	return &Envelope{
		Payload:   p,
		Timestamp: time.Now(),
		Sender:    sender,
	}
}

// Type returns the tag of the carried payload.
func (e *Envelope) Type() MessageType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Type()
}

// wireEnvelope is the JSON form: {type, payload, timestamp(epoch-ms), sender}.
type wireEnvelope struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	Sender    dht.NodeID      `json:"sender"`
}

// Encode serialises an envelope and checks it fits in one frame.
func Encode(e *Envelope) ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("encode envelope: nil payload")
	}
	body, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.Type(), err)
	}
	data, err := json.Marshal(wireEnvelope{
		Type:      e.Type(),
		Payload:   body,
		Timestamp: e.Timestamp.UnixMilli(),
		Sender:    e.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if err := limits.ValidatePlaintextMessage(data); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode parses an envelope. Malformed input yields a *DecodeError; a
// well-formed envelope with an unrecognised tag yields an error matching
// ErrUnknownType.
func Decode(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Reason: "malformed envelope", Err: err}
	}
	if w.Type == "" {
		return nil, &DecodeError{Reason: "missing type"}
	}

	p, ok := newPayload(w.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, w.Type)
	}
	if len(w.Payload) == 0 {
		return nil, &DecodeError{Type: w.Type, Reason: "missing payload"}
	}
	if err := json.Unmarshal(w.Payload, p); err != nil {
		return nil, &DecodeError{Type: w.Type, Reason: "malformed payload", Err: err}
	}

	return &Envelope{
		Payload:   deref(p),
		Timestamp: time.UnixMilli(w.Timestamp),
		Sender:    w.Sender,
	}, nil
}
