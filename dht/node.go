package dht

import (
	"net"
	"strconv"
	"time"
)

// Address is the dialable TCP endpoint of a peer.
type Address struct {
	Host string `json:"host"`
	Port uint16 `json:"port"`
}

// ParseAddress splits a host:port string.
func ParseAddress(hostport string) (Address, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Address{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Address{}, err
	}
	return Address{Host: host, Port: uint16(port)}, nil
}

// String renders the address in host:port form, bracketing IPv6 hosts.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// Metadata carries descriptive peer information exchanged during peer-info
// exchange.
type Metadata struct {
	IsBootstrap bool   `json:"isBootstrap"`
	Version     string `json:"version"`
	Name        string `json:"name,omitempty"`
}

// RoutingEntry is one peer known to the routing table.
type RoutingEntry struct {
	PeerID   NodeID
	Address  Address
	LastSeen time.Time
	Metadata Metadata
	Online   bool

	// contested is set while the entry is being probed for eviction.
	contested bool
}

// NewRoutingEntry creates an entry seen at the given time.
func NewRoutingEntry(id NodeID, addr Address, seen time.Time) *RoutingEntry {
	return &RoutingEntry{
		PeerID:   id,
		Address:  addr,
		LastSeen: seen,
	}
}

// IsStale reports whether the entry has not been refreshed within ttl.
func (e *RoutingEntry) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.LastSeen) > ttl
}

// clone returns a detached copy safe to hand out of the table.
func (e *RoutingEntry) clone() RoutingEntry {
	c := *e
	c.contested = false
	return c
}
