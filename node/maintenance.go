package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/opd-ai/peerlink/dht"
	"github.com/opd-ai/peerlink/metrics"
	"github.com/opd-ai/peerlink/router"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// maintenanceQueryLimit bounds concurrent peer queries in one pass.
const maintenanceQueryLimit = 8

// SessionRegistry is the view of the session layer maintenance needs.
type SessionRegistry interface {
	Peers() []dht.NodeID
	IsConnected(peer dht.NodeID) bool
	Close(peer dht.NodeID, reason string) error
}

// PeerQuerier asks one peer for the entries it knows.
type PeerQuerier interface {
	QueryPeers(ctx context.Context, peer dht.NodeID) ([]dht.RoutingEntry, error)
}

// Maintainer periodically prunes the routing table, reconciles it with the
// live sessions, refreshes it from connected peers and persists it.
type Maintainer struct {
	table    *dht.RoutingTable
	sessions SessionRegistry
	querier  PeerQuerier
	cache    *dht.KnownPeersCache
	clock    clock.Clock
	interval time.Duration
	metrics  *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// NewMaintainer creates a maintainer. cache and m may be nil.
func NewMaintainer(table *dht.RoutingTable, sessions SessionRegistry, querier PeerQuerier,
	cache *dht.KnownPeersCache, c clock.Clock, interval time.Duration, m *metrics.Metrics,
) (*Maintainer, error) {
	if table == nil || sessions == nil || querier == nil {
		return nil, errors.New("maintainer requires a routing table, session registry and querier")
	}
	if interval <= 0 {
		return nil, errors.New("maintenance interval must be positive")
	}
	if c == nil {
		c = clock.New()
	}
	return &Maintainer{
		table:    table,
		sessions: sessions,
		querier:  querier,
		cache:    cache,
		clock:    c,
		interval: interval,
		metrics:  m,
	}, nil
}

// Start runs a pass every interval until Stop.
func (m *Maintainer) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	ticker := m.clock.Ticker(m.interval)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels any pass in progress and waits for the loop to exit.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	m.mu.Unlock()

	m.wg.Wait()
}

// PassResult summarises one maintenance pass.
type PassResult struct {
	StaleRemoved  int
	MarkedOnline  int
	MarkedOffline int
	Queried       int
	Unresponsive  int
	Discovered    int
}

// RunOnce performs a single maintenance pass.
func (m *Maintainer) RunOnce(ctx context.Context) PassResult {
	var res PassResult
	res.StaleRemoved = m.table.CleanupStale()

	for _, e := range m.table.Snapshot() {
		connected := m.sessions.IsConnected(e.PeerID)
		if e.Online == connected {
			continue
		}
		m.table.MarkOnline(e.PeerID, connected)
		if connected {
			res.MarkedOnline++
		} else {
			res.MarkedOffline++
		}
	}

	m.queryPeers(ctx, &res)

	if m.cache != nil {
		if err := m.cache.Save(dht.FromEntries(m.table.Snapshot())); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "RunOnce",
				"path":     m.cache.Path(),
				"error":    err.Error(),
			}).Warn("Failed to persist known peers")
		}
	}

	m.metrics.Maintenance(res.StaleRemoved)
	m.reportTable()

	logrus.WithFields(logrus.Fields{
		"function":       "RunOnce",
		"stale_removed":  res.StaleRemoved,
		"marked_online":  res.MarkedOnline,
		"marked_offline": res.MarkedOffline,
		"queried":        res.Queried,
		"unresponsive":   res.Unresponsive,
		"discovered":     res.Discovered,
		"table_size":     m.table.Len(),
	}).Debug("Maintenance pass complete")
	return res
}

// queryPeers refreshes the table from every connected peer. A peer that does
// not answer in time has its session closed and is marked offline; its entry
// stays in the table.
func (m *Maintainer) queryPeers(ctx context.Context, res *PassResult) {
	peers := m.sessions.Peers()
	res.Queried = len(peers)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maintenanceQueryLimit)
	for _, peer := range peers {
		g.Go(func() error {
			found, err := m.querier.QueryPeers(gctx, peer)
			if err == nil {
				mu.Lock()
				res.Discovered += len(found)
				mu.Unlock()
				return nil
			}

			logrus.WithFields(logrus.Fields{
				"function": "queryPeers",
				"peer":     peer.Short(),
				"error":    err.Error(),
			}).Debug("Peer query failed")

			if errors.Is(err, router.ErrRequestTimeout) {
				mu.Lock()
				res.Unresponsive++
				mu.Unlock()
				m.sessions.Close(peer, "unresponsive") //nolint:errcheck
				m.table.MarkOnline(peer, false)
			}
			// Per-peer failures never abort the pass.
			return nil
		})
	}
	g.Wait() //nolint:errcheck
}

func (m *Maintainer) reportTable() {
	if m.metrics == nil {
		return
	}
	snapshot := m.table.Snapshot()
	online := 0
	for _, e := range snapshot {
		if e.Online {
			online++
		}
	}
	m.metrics.RoutingTable(len(snapshot), online)
}
