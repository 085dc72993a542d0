package transport

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/limits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testID(b byte) dht.NodeID {
	var id dht.NodeID
	id[0] = b
	id[dht.IDLength-1] = b
	return id
}

func TestEncodeDecode(t *testing.T) {
	sender := testID(7)
	ts := time.UnixMilli(1_700_000_123_456)

	payloads := []Payload{
		Ping{RequestID: "r1"},
		Pong{RequestID: "r1"},
		PeerInfo{
			RequestID: "r2",
			Self:      PeerRecord{ID: sender, Host: "10.0.0.1", Port: 4000, Metadata: dht.Metadata{Version: "1"}},
			Known:     []PeerRecord{{ID: testID(9), Host: "10.0.0.9", Port: 4009}},
		},
		FindNode{RequestID: "r3", Target: testID(1), Count: 20},
		FindNodeResponse{RequestID: "r3", Target: testID(1), Peers: []PeerRecord{{ID: testID(2), Host: "h", Port: 1}}},
		Broadcast{Topic: "blocks", Data: json.RawMessage(`{"height":12}`)},
	}

	for _, p := range payloads {
		t.Run(string(p.Type()), func(t *testing.T) {
			data, err := Encode(&Envelope{Payload: p, Timestamp: ts, Sender: sender})
			require.NoError(t, err)

			env, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, p, env.Payload)
			assert.Equal(t, p.Type(), env.Type())
			assert.Equal(t, ts.UnixMilli(), env.Timestamp.UnixMilli())
			assert.Equal(t, sender, env.Sender)
		})
	}
}

func TestEnvelopeWireShape(t *testing.T) {
	data, err := Encode(&Envelope{Payload: Ping{RequestID: "x"}, Timestamp: time.UnixMilli(42), Sender: testID(3)})
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "ping", m["type"])
	assert.EqualValues(t, 42, m["timestamp"])
	assert.Equal(t, testID(3).String(), m["sender"])
	assert.IsType(t, map[string]any{}, m["payload"])
}

func TestWireTags(t *testing.T) {
	tests := []struct {
		payload Payload
		tag     string
	}{
		{Ping{}, "ping"},
		{Pong{}, "pong"},
		{PeerInfo{}, "peer-info-exchange"},
		{FindNode{}, "find-node"},
		{FindNodeResponse{}, "find-node-response"},
		{Broadcast{Data: json.RawMessage(`{}`)}, "broadcast"},
	}
	for _, tt := range tests {
		t.Run(tt.tag, func(t *testing.T) {
			data, err := Encode(&Envelope{Payload: tt.payload, Timestamp: time.UnixMilli(1), Sender: testID(1)})
			require.NoError(t, err)

			var m map[string]any
			require.NoError(t, json.Unmarshal(data, &m))
			assert.Equal(t, tt.tag, m["type"])

			env, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, MessageType(tt.tag), env.Type())
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{"not json", `{"type":`, ErrProtocolDecode},
		{"missing type", `{"payload":{}}`, ErrProtocolDecode},
		{"missing payload", `{"type":"ping"}`, ErrProtocolDecode},
		{"payload wrong shape", `{"type":"find-node","payload":{"count":"many"}}`, ErrProtocolDecode},
		{"bad sender", `{"type":"ping","payload":{},"sender":"zz"}`, ErrProtocolDecode},
		{"unknown tag", `{"type":"get-blocks","payload":{}}`, ErrUnknownType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestEncodeTooLarge(t *testing.T) {
	big := `"` + strings.Repeat("a", limits.MaxPlaintextMessage) + `"`
	_, err := Encode(&Envelope{Payload: Broadcast{Topic: "t", Data: json.RawMessage(big)}, Timestamp: time.Now()})
	assert.ErrorIs(t, err, limits.ErrMessageTooLarge)
}

func TestPeerRecordEntry(t *testing.T) {
	e := dht.RoutingEntry{
		PeerID:   testID(5),
		Address:  dht.Address{Host: "192.0.2.5", Port: 5555},
		LastSeen: time.Now(),
		Metadata: dht.Metadata{IsBootstrap: true},
		Online:   true,
	}

	back := RecordFromEntry(e).Entry()
	assert.Equal(t, e.PeerID, back.PeerID)
	assert.Equal(t, e.Address, back.Address)
	assert.Equal(t, e.Metadata, back.Metadata)
	assert.True(t, back.LastSeen.IsZero())
	assert.False(t, back.Online)
}
