package dht

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// KnownPeersMaxAge is how old a cached peer may be before it is ignored.
	KnownPeersMaxAge = 7 * 24 * time.Hour

	// MaxKnownPeers bounds the size of the on-disk snapshot.
	MaxKnownPeers = 256
)

// KnownPeer is one record of the known-peers cache file.
type KnownPeer struct {
	ID       NodeID `json:"id"`
	Host     string `json:"host"`
	Port     uint16 `json:"port"`
	LastSeen int64  `json:"lastSeen"` // epoch milliseconds
}

// Address returns the dialable address of the record.
func (p KnownPeer) Address() Address {
	return Address{Host: p.Host, Port: p.Port}
}

// SeenAt returns LastSeen as a time.
func (p KnownPeer) SeenAt() time.Time {
	return time.UnixMilli(p.LastSeen)
}

// KnownPeersCache is the on-disk snapshot of recently seen peers, used to
// seed discovery when no bootstrap address is configured.
type KnownPeersCache struct {
	path  string
	clock clock.Clock
	mu    sync.Mutex
}

// NewKnownPeersCache creates a cache backed by path. A nil clock uses wall time.
func NewKnownPeersCache(path string, c clock.Clock) *KnownPeersCache {
	if c == nil {
		c = clock.New()
	}
	return &KnownPeersCache{path: path, clock: c}
}

// Path returns the backing file.
func (c *KnownPeersCache) Path() string {
	return c.path
}

// Load reads the cache, dropping records older than KnownPeersMaxAge. A missing
// file yields an empty list. Records are returned most recently seen first.
func (c *KnownPeersCache) Load() ([]KnownPeer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []KnownPeer{}, nil
		}
		return nil, fmt.Errorf("read known peers: %w", err)
	}

	var records []KnownPeer
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode known peers %s: %w", c.path, err)
	}

	cutoff := c.clock.Now().Add(-KnownPeersMaxAge)
	fresh := make([]KnownPeer, 0, len(records))
	for _, r := range records {
		if r.Host == "" || r.Port == 0 || r.SeenAt().Before(cutoff) {
			continue
		}
		fresh = append(fresh, r)
	}
	sortNewestFirst(fresh)

	logrus.WithFields(logrus.Fields{
		"function":  "Load",
		"path":      c.path,
		"total":     len(records),
		"retained":  len(fresh),
		"discarded": len(records) - len(fresh),
	}).Debug("Loaded known peers cache")

	return fresh, nil
}

// Save rewrites the cache atomically with at most MaxKnownPeers records.
func (c *KnownPeersCache) Save(records []KnownPeer) error {
	out := slices.Clone(records)
	sortNewestFirst(out)
	if len(out) > MaxKnownPeers {
		out = out[:MaxKnownPeers]
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode known peers: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeFileAtomic(c.path, data, 0o600); err != nil {
		return fmt.Errorf("write known peers: %w", err)
	}
	return nil
}

// FromEntries converts routing entries into cache records.
func FromEntries(entries []RoutingEntry) []KnownPeer {
	out := make([]KnownPeer, 0, len(entries))
	for _, e := range entries {
		if e.Address.IsZero() {
			continue
		}
		out = append(out, KnownPeer{
			ID:       e.PeerID,
			Host:     e.Address.Host,
			Port:     e.Address.Port,
			LastSeen: e.LastSeen.UnixMilli(),
		})
	}
	return out
}

func sortNewestFirst(records []KnownPeer) {
	slices.SortStableFunc(records, func(a, b KnownPeer) int {
		switch {
		case a.LastSeen > b.LastSeen:
			return -1
		case a.LastSeen < b.LastSeen:
			return 1
		}
		return 0
	})
}

// writeFileAtomic writes to a temporary sibling and renames it into place.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
