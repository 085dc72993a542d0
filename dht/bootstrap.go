package dht

import (
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// MaxBootstrapCandidates bounds connection fan-out during startup.
const MaxBootstrapCandidates = 4

// CandidateSource records where a bootstrap candidate came from.
type CandidateSource uint8

const (
	// SourceSeed is a statically configured seed node.
	SourceSeed CandidateSource = iota + 1
	// SourceConfig is an operator-supplied bootstrap peer.
	SourceConfig
	// SourceCache is a peer remembered in the known-peers cache.
	SourceCache
)

func (s CandidateSource) String() string {
	switch s {
	case SourceSeed:
		return "seed"
	case SourceConfig:
		return "config"
	case SourceCache:
		return "cache"
	default:
		return "unknown"
	}
}

// Candidate is one initial dial target. Fallbacks are alternative forms of
// the same endpoint, tried in order only when Address cannot be dialed.
type Candidate struct {
	Address   string
	Fallbacks []string
	Source    CandidateSource
}

// IsBootstrap reports whether the candidate came from a seed or operator list.
func (c Candidate) IsBootstrap() bool {
	return c.Source == SourceSeed || c.Source == SourceConfig
}

// Addresses returns the primary address followed by its fallbacks.
func (c Candidate) Addresses() []string {
	return append([]string{c.Address}, c.Fallbacks...)
}

// BootstrapResolver produces the ordered list of initial dial targets.
type BootstrapResolver struct {
	seeds      []string
	configured []string
	cache      *KnownPeersCache
}

// NewBootstrapResolver creates a resolver. cache may be nil.
func NewBootstrapResolver(seeds, configured []string, cache *KnownPeersCache) *BootstrapResolver {
	return &BootstrapResolver{
		seeds:      append([]string(nil), seeds...),
		configured: append([]string(nil), configured...),
		cache:      cache,
	}
}

// Resolve returns at most MaxBootstrapCandidates dial targets: seeds first,
// then configured peers, and only when both are empty the freshest
// known-peers cache records. Each endpoint appears once however many forms
// it was listed under.
func (r *BootstrapResolver) Resolve() []Candidate {
	seen := make(map[string]bool)
	out := make([]Candidate, 0, MaxBootstrapCandidates)

	push := func(c Candidate) bool {
		if len(out) >= MaxBootstrapCandidates {
			return false
		}
		key := EndpointKey(c.Address)
		if seen[key] {
			return true
		}
		seen[key] = true
		out = append(out, c)
		return true
	}

	for _, seed := range r.seeds {
		variants := AddressVariants(seed)
		if len(variants) == 0 {
			continue
		}
		if !push(Candidate{Address: variants[0], Fallbacks: variants[1:], Source: SourceSeed}) {
			return out
		}
	}

	for _, peer := range r.configured {
		addr, err := ParseAddress(peer)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Resolve",
				"address":  peer,
				"error":    err.Error(),
			}).Warn("Skipping malformed bootstrap address")
			continue
		}
		if !push(Candidate{Address: addr.String(), Source: SourceConfig}) {
			return out
		}
	}

	if len(out) > 0 || r.cache == nil {
		return out
	}

	cached, err := r.cache.Load()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Resolve",
			"path":     r.cache.Path(),
			"error":    err.Error(),
		}).Warn("Known peers cache unreadable, continuing without it")
		return out
	}
	for _, p := range cached {
		if !push(Candidate{Address: p.Address().String(), Source: SourceCache}) {
			break
		}
	}

	logrus.WithFields(logrus.Fields{
		"function":   "Resolve",
		"candidates": len(out),
	}).Debug("Resolved bootstrap candidates from cache")

	return out
}

// EndpointKey canonicalises host:port so that an IPv4 address and its
// IPv4-mapped IPv6 form compare equal. Unparseable input is returned as-is.
func EndpointKey(hostport string) string {
	addr, err := ParseAddress(hostport)
	if err != nil {
		return hostport
	}
	host := strings.ToLower(addr.Host)
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			host = v4.String()
		} else {
			host = ip.String()
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(int(addr.Port)))
}

// AddressVariants renders a seed address in the forms most likely to be
// dialable across network setups. IPv4 literals also yield their
// IPv4-mapped IPv6 form; hostnames and IPv6 literals are returned as-is.
// Malformed input yields nothing.
func AddressVariants(hostport string) []string {
	addr, err := ParseAddress(hostport)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "AddressVariants",
			"address":  hostport,
			"error":    err.Error(),
		}).Warn("Skipping malformed seed address")
		return nil
	}

	variants := []string{addr.String()}
	ip := net.ParseIP(addr.Host)
	if ip == nil {
		return variants
	}
	if v4 := ip.To4(); v4 != nil && !strings.Contains(addr.Host, ":") {
		mapped := net.JoinHostPort("::ffff:"+v4.String(), strconv.Itoa(int(addr.Port)))
		variants = append(variants, mapped)
	}
	return variants
}
