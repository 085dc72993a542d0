package dht

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// BucketSize is the Kademlia k parameter: the capacity of one bucket.
	BucketSize = 20

	// MaxReplacements bounds the per-bucket list of candidates waiting for a slot.
	MaxReplacements = 10

	// DefaultTTL is how long an entry may go without being seen before it is stale.
	DefaultTTL = 30 * time.Minute

	// DefaultProbeTimeout bounds a single liveness probe of an eviction candidate.
	DefaultProbeTimeout = 5 * time.Second
)

// Prober checks whether a routing entry is still reachable. It is used to
// ping the least-recently-seen entry of a full bucket before evicting it.
type Prober interface {
	Probe(ctx context.Context, entry RoutingEntry) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context, entry RoutingEntry) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context, entry RoutingEntry) error {
	return f(ctx, entry)
}

// AddResult describes what AddNode did with a candidate.
type AddResult uint8

const (
	// AddRejected means the candidate was not stored (e.g. it is the local id).
	AddRejected AddResult = iota
	// AddInserted means the candidate took a bucket slot.
	AddInserted
	// AddUpdated means an existing entry was refreshed.
	AddUpdated
	// AddPending means the bucket was full; the candidate waits in the
	// replacement list while the oldest entry is probed.
	AddPending
)

func (r AddResult) String() string {
	switch r {
	case AddInserted:
		return "inserted"
	case AddUpdated:
		return "updated"
	case AddPending:
		return "pending"
	default:
		return "rejected"
	}
}

// KBucket holds up to BucketSize entries ordered from least to most recently
// seen. It is not safe for concurrent use; the RoutingTable lock guards it.
type KBucket struct {
	entries      []*RoutingEntry
	replacements []*RoutingEntry
}

func newKBucket() *KBucket {
	return &KBucket{
		entries: make([]*RoutingEntry, 0, BucketSize),
	}
}

func (kb *KBucket) indexOf(id NodeID) int {
	for i, e := range kb.entries {
		if e.PeerID == id {
			return i
		}
	}
	return -1
}

// bump moves the entry at i to the most-recently-seen end.
func (kb *KBucket) bump(i int) {
	e := kb.entries[i]
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	kb.entries = append(kb.entries, e)
}

func (kb *KBucket) remove(i int) *RoutingEntry {
	e := kb.entries[i]
	kb.entries = append(kb.entries[:i], kb.entries[i+1:]...)
	return e
}

func (kb *KBucket) removeReplacement(id NodeID) {
	for i, e := range kb.replacements {
		if e.PeerID == id {
			kb.replacements = append(kb.replacements[:i], kb.replacements[i+1:]...)
			return
		}
	}
}

func (kb *KBucket) pushReplacement(e *RoutingEntry) {
	kb.removeReplacement(e.PeerID)
	kb.replacements = append(kb.replacements, e)
	if len(kb.replacements) > MaxReplacements {
		kb.replacements = kb.replacements[len(kb.replacements)-MaxReplacements:]
	}
}

// popReplacement removes and returns the most recently seen replacement.
func (kb *KBucket) popReplacement() *RoutingEntry {
	n := len(kb.replacements)
	if n == 0 {
		return nil
	}
	e := kb.replacements[n-1]
	kb.replacements = kb.replacements[:n-1]
	return e
}

// TableOption configures a RoutingTable.
type TableOption func(*RoutingTable)

// WithClock sets the time source used for LastSeen and staleness.
func WithClock(c clock.Clock) TableOption {
	return func(rt *RoutingTable) { rt.clock = c }
}

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) TableOption {
	return func(rt *RoutingTable) { rt.ttl = ttl }
}

// WithProber enables ping-oldest-before-evict for full buckets.
func WithProber(p Prober) TableOption {
	return func(rt *RoutingTable) { rt.prober = p }
}

// WithProbeTimeout overrides DefaultProbeTimeout.
func WithProbeTimeout(d time.Duration) TableOption {
	return func(rt *RoutingTable) { rt.probeTimeout = d }
}

// RoutingTable manages the k-buckets of the local node.
type RoutingTable struct {
	self         NodeID
	buckets      [IDBits]*KBucket
	ttl          time.Duration
	clock        clock.Clock
	prober       Prober
	probeTimeout time.Duration
	mu           sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRoutingTable creates an empty routing table centred on self.
func NewRoutingTable(self NodeID, opts ...TableOption) *RoutingTable {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &RoutingTable{
		self:         self,
		ttl:          DefaultTTL,
		clock:        clock.New(),
		probeTimeout: DefaultProbeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(rt)
	}
	for i := range rt.buckets {
		rt.buckets[i] = newKBucket()
	}
	return rt
}

// Self returns the id the table is centred on.
func (rt *RoutingTable) Self() NodeID {
	return rt.self
}

// TTL returns the staleness window.
func (rt *RoutingTable) TTL() time.Duration {
	return rt.ttl
}

// SetProber installs the prober after construction. The node wires the
// router in here because the router itself depends on the table.
func (rt *RoutingTable) SetProber(p Prober) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.prober = p
}

// bucketFor returns the bucket index of id, or -1 for the local id.
func (rt *RoutingTable) bucketFor(id NodeID) int {
	return LogDistance(rt.self, id)
}

// AddNode inserts a directly observed peer or refreshes it if already known.
// A zero LastSeen is replaced with the current time. Refreshing never clears
// Metadata.IsBootstrap; only SetBootstrap does.
func (rt *RoutingTable) AddNode(entry RoutingEntry) AddResult {
	return rt.add(entry, true)
}

// AddDiscovered inserts a peer learned second-hand (e.g. from a find-node
// reply). Existing entries are left untouched so a third party cannot refresh
// or take offline a peer we observe ourselves.
func (rt *RoutingTable) AddDiscovered(entry RoutingEntry) AddResult {
	entry.Online = false
	return rt.add(entry, false)
}

func (rt *RoutingTable) add(entry RoutingEntry, refresh bool) AddResult {
	idx := rt.bucketFor(entry.PeerID)
	if idx < 0 || entry.PeerID.IsZero() {
		return AddRejected
	}
	if entry.LastSeen.IsZero() {
		entry.LastSeen = rt.clock.Now()
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	if i := b.indexOf(entry.PeerID); i >= 0 {
		if !refresh {
			return AddUpdated
		}
		existing := b.entries[i]
		if !entry.Address.IsZero() {
			existing.Address = entry.Address
		}
		if entry.Metadata != (Metadata{}) {
			bootstrap := existing.Metadata.IsBootstrap
			existing.Metadata = entry.Metadata
			existing.Metadata.IsBootstrap = bootstrap || entry.Metadata.IsBootstrap
		}
		if entry.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = entry.LastSeen
		}
		existing.Online = entry.Online
		b.bump(i)
		return AddUpdated
	}

	e := entry
	e.contested = false
	b.removeReplacement(e.PeerID)

	if len(b.entries) < BucketSize {
		b.entries = append(b.entries, &e)
		return AddInserted
	}

	oldest := b.entries[0]
	if rt.prober == nil || !oldest.Online {
		evicted := b.remove(0)
		b.entries = append(b.entries, &e)
		logrus.WithFields(logrus.Fields{
			"function": "AddNode",
			"bucket":   idx,
			"evicted":  evicted.PeerID.Short(),
			"inserted": e.PeerID.Short(),
		}).Debug("Evicted least recently seen entry from full bucket")
		return AddInserted
	}

	b.pushReplacement(&e)
	if !oldest.contested {
		oldest.contested = true
		rt.wg.Add(1)
		go rt.probeOldest(idx, oldest.clone())
	}
	return AddPending
}

// probeOldest pings a contested entry and evicts it in favour of the freshest
// replacement if it does not answer.
func (rt *RoutingTable) probeOldest(idx int, oldest RoutingEntry) {
	defer rt.wg.Done()

	rt.mu.RLock()
	prober := rt.prober
	rt.mu.RUnlock()

	ctx, cancel := context.WithTimeout(rt.ctx, rt.probeTimeout)
	err := prober.Probe(ctx, oldest)
	cancel()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	i := b.indexOf(oldest.PeerID)
	if i < 0 {
		return
	}
	e := b.entries[i]
	e.contested = false

	if err == nil {
		e.LastSeen = rt.clock.Now()
		b.bump(i)
		return
	}

	e.Online = false
	repl := b.popReplacement()
	if repl == nil {
		return
	}
	b.remove(i)
	b.entries = append(b.entries, repl)
	logrus.WithFields(logrus.Fields{
		"function": "probeOldest",
		"bucket":   idx,
		"evicted":  oldest.PeerID.Short(),
		"promoted": repl.PeerID.Short(),
		"error":    err.Error(),
	}).Debug("Replaced unresponsive entry")
}

// GetClosestNodes returns up to count entries ordered by ascending XOR
// distance to target; equal distances prefer the more recently seen entry.
func (rt *RoutingTable) GetClosestNodes(target NodeID, count int) []RoutingEntry {
	if count <= 0 {
		return []RoutingEntry{}
	}

	rt.mu.RLock()
	candidates := make([]RoutingEntry, 0, count)
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			candidates = append(candidates, e.clone())
		}
	}
	rt.mu.RUnlock()

	slices.SortFunc(candidates, func(a, b RoutingEntry) int {
		if c := CompareDistance(a.PeerID, b.PeerID, target); c != 0 {
			return c
		}
		return b.LastSeen.Compare(a.LastSeen)
	})

	if len(candidates) > count {
		candidates = candidates[:count]
	}
	return candidates
}

// CleanupStale removes every entry not seen within the TTL and returns how
// many were removed. Only the maintenance scheduler calls this.
func (rt *RoutingTable) CleanupStale() int {
	now := rt.clock.Now()

	rt.mu.Lock()
	defer rt.mu.Unlock()

	removed := 0
	for _, b := range rt.buckets {
		kept := b.entries[:0]
		for _, e := range b.entries {
			if e.IsStale(now, rt.ttl) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		for i := len(kept); i < len(b.entries); i++ {
			b.entries[i] = nil
		}
		b.entries = kept

		repl := b.replacements[:0]
		for _, e := range b.replacements {
			if !e.IsStale(now, rt.ttl) {
				repl = append(repl, e)
			}
		}
		b.replacements = repl
	}
	return removed
}

// MarkOnline flips the Online flag of a known entry. Going online also counts
// as being seen. It reports whether the entry exists.
func (rt *RoutingTable) MarkOnline(id NodeID, online bool) bool {
	idx := rt.bucketFor(id)
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries[i].Online = online
	if online {
		b.entries[i].LastSeen = rt.clock.Now()
		b.bump(i)
	}
	return true
}

// SetBootstrap sets the bootstrap flag of a known entry and leaves the rest
// of its metadata alone. It reports whether the entry exists.
func (rt *RoutingTable) SetBootstrap(id NodeID, bootstrap bool) bool {
	idx := rt.bucketFor(id)
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	i := rt.buckets[idx].indexOf(id)
	if i < 0 {
		return false
	}
	rt.buckets[idx].entries[i].Metadata.IsBootstrap = bootstrap
	return true
}

// Touch refreshes LastSeen of a known entry without changing anything else.
func (rt *RoutingTable) Touch(id NodeID) bool {
	idx := rt.bucketFor(id)
	if idx < 0 {
		return false
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.buckets[idx]
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries[i].LastSeen = rt.clock.Now()
	b.bump(i)
	return true
}

// Get returns a copy of the entry for id.
func (rt *RoutingTable) Get(id NodeID) (RoutingEntry, bool) {
	idx := rt.bucketFor(id)
	if idx < 0 {
		return RoutingEntry{}, false
	}

	rt.mu.RLock()
	defer rt.mu.RUnlock()

	b := rt.buckets[idx]
	if i := b.indexOf(id); i >= 0 {
		return b.entries[i].clone(), true
	}
	return RoutingEntry{}, false
}

// Len returns the number of entries across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	n := 0
	for _, b := range rt.buckets {
		n += len(b.entries)
	}
	return n
}

// BucketLen returns the number of entries in bucket i.
func (rt *RoutingTable) BucketLen(i int) int {
	if i < 0 || i >= IDBits {
		return 0
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.buckets[i].entries)
}

// Snapshot returns copies of all entries, most recently seen first.
func (rt *RoutingTable) Snapshot() []RoutingEntry {
	rt.mu.RLock()
	all := make([]RoutingEntry, 0)
	for _, b := range rt.buckets {
		for _, e := range b.entries {
			all = append(all, e.clone())
		}
	}
	rt.mu.RUnlock()

	slices.SortFunc(all, func(a, b RoutingEntry) int {
		return b.LastSeen.Compare(a.LastSeen)
	})
	return all
}

// Close aborts outstanding eviction probes and waits for them to finish.
func (rt *RoutingTable) Close() {
	rt.cancel()
	rt.wg.Wait()
}
