package dht

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"
)

const (
	// IDLength is the width of a node identifier in bytes.
	IDLength = 20

	// IDBits is the width of a node identifier in bits, and the number of
	// buckets in a routing table.
	IDBits = IDLength * 8
)

// ErrInvalidNodeID is returned when a textual id cannot be decoded into a NodeID.
var ErrInvalidNodeID = errors.New("invalid node id")

// NodeID is an opaque fixed-width peer identifier. The width is fixed by the
// type so XOR distance never has to reconcile ids of different lengths.
type NodeID [IDLength]byte

// ParseNodeID decodes a hex encoded node id.
func ParseNodeID(s string) (NodeID, error) {
	var id NodeID
	if len(s) != IDLength*2 {
		return id, fmt.Errorf("%w: length %d, want %d hex chars", ErrInvalidNodeID, len(s), IDLength*2)
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("%w: %v", ErrInvalidNodeID, err)
	}
	copy(id[:], decoded)
	return id, nil
}

// String returns the hex encoding of the id.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns an abbreviated form for log fields.
func (id NodeID) Short() string {
	return hex.EncodeToString(id[:4])
}

// IsZero reports whether the id is all zeros.
func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

// Less orders ids numerically (big-endian).
func (id NodeID) Less(other NodeID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Distance returns the XOR distance between two ids. The result is itself
// interpreted as a big-endian unsigned magnitude.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := 0; i < IDLength; i++ {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// CompareDistance reports whether a is closer to target than b (-1), equally
// far (0), or farther (1).
func CompareDistance(a, b, target NodeID) int {
	for i := 0; i < IDLength; i++ {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da < db {
			return -1
		}
		if da > db {
			return 1
		}
	}
	return 0
}

// LogDistance returns floor(log2(a XOR b)), i.e. the index of the highest set
// bit of the distance. Identical ids return -1.
func LogDistance(a, b NodeID) int {
	for i := 0; i < IDLength; i++ {
		x := a[i] ^ b[i]
		if x != 0 {
			return (IDLength-i)*8 - bits.LeadingZeros8(x) - 1
		}
	}
	return -1
}
