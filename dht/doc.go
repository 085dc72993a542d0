// Package dht implements the Kademlia-style membership view of a peerlink
// node: fixed-width node ids with an XOR metric, a bucketed routing table,
// the on-disk known-peers cache, and the bootstrap candidate resolver.
//
// # Architecture
//
// Each node keeps a routing table of IDBits k-buckets. A peer lands in bucket
// floor(log2(self XOR peer)); each bucket holds at most BucketSize entries,
// ordered from least to most recently seen.
//
// Key components:
//
//   - RoutingTable: bucket maintenance, closest-N queries, stale cleanup
//   - KnownPeersCache: JSON snapshot of recently seen peers
//   - BootstrapResolver: ordered initial dial targets
//
// # Routing Table
//
//	table := dht.NewRoutingTable(selfID)
//	table.AddNode(dht.RoutingEntry{PeerID: id, Address: addr, Online: true})
//	closest := table.GetClosestNodes(target, dht.BucketSize)
//
// When a bucket is full the least recently seen entry is evicted. With a
// Prober installed an online oldest entry is pinged first and only replaced
// if it fails to answer; the candidate waits in the bucket's replacement
// list meanwhile.
//
// Entries are never removed when a session closes; they are marked offline so
// a returning peer is recognised. Only CleanupStale deletes entries, and only
// the maintenance scheduler calls it.
//
// # Bootstrap
//
//	cache := dht.NewKnownPeersCache(filepath.Join(dataDir, "known_peers.json"), nil)
//	resolver := dht.NewBootstrapResolver(seeds, cfg.BootstrapAddresses, cache)
//	for _, c := range resolver.Resolve() {
//	    // dial c.Address
//	}
//
// # Thread Safety
//
// RoutingTable serialises mutation behind a single RWMutex; reads take the
// read lock and return copies. KnownPeersCache serialises file access.
package dht
