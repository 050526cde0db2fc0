// Package constants defines cross-cutting protocol and tuning constants.
package constants

import "time"

// DHT configuration
const (
	// Kademlia bucket size K=8, lookup parallelism alpha=8
	DHTBucketSize = 8
	DHTAlpha      = 8

	// Number of closest contacts that hold a swarm's peer list or
	// a BEP-44 value.
	ResponsibleTrackers = 8

	// Replies slower than this are treated as lost.
	DHTDefaultQueryTimeout = 10 * time.Second

	// Adaptive per-query-type timeout cap (mean + 3 sigma, at most this).
	DHTAdaptiveTimeoutCap = 3 * time.Second

	// Rolling window of reply times per query type.
	DHTStatsWindow = 10

	// Minimum samples before the adaptive timeout kicks in.
	DHTStatsMinSamples = 5

	// BEP-44 values must bencode to fewer than this many bytes.
	DHTMaxValueSize = 1000

	// Announce token rotation period; the previous token is still accepted.
	DHTTokenRotate = 5 * time.Minute

	DHTBootstrapPort    = 6881
	DHTBootstrapBackoff = 10 * time.Second
)

// Announcer timing
const (
	AnnounceIntervalMin = 5 * time.Minute
	AnnounceIntervalMax = 30 * time.Minute

	AnnounceFailureBackoffMin = 1 * time.Second
	AnnounceFailureBackoffMax = 1 * time.Minute
)

// Signed response format
const (
	// Protocol version carried in X-Ouinet-Version.
	ProtocolVersionMin = 4
	ProtocolVersion    = 5

	// Body block size, the unit of signing.
	BlockSize = 64 * 1024

	// Largest block size accepted from a remote head.
	MaxBlockSize = 1024 * 1024
)

// Fetch and lookup tuning
const (
	// A cached peer-set lookup result is served without a new search
	// while younger than this.
	DhtLookupFreshness = 5 * time.Minute

	// Outstanding lookup jobs are aborted after this.
	DhtLookupTimeout = 5 * time.Minute

	DhtLookupCacheSize = 256

	// Per-peer connect + head deadline in the multi-peer reader.
	PeerConnectTimeout = 30 * time.Second
	PeerLoadTimeout    = 10 * time.Second
)

// Store maintenance
const (
	// Temporary entries younger than this survive the startup scan.
	StoreTempGracePeriod = 10 * time.Minute
)
