// Package fetch retrieves signed responses from cooperating peers:
// swarm lookups on the DHT, verified multi-peer downloads over uTP and
// the serving side handing stored entries to other peers.
package fetch

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ouinet/ouicache/internal/dht"
	"github.com/ouinet/ouicache/pkg/constants"
)

// PeerFinder resolves a swarm infohash to peer endpoints.
type PeerFinder interface {
	TrackerGetPeers(ctx context.Context, infohash dht.NodeID) ([]*net.UDPAddr, error)
}

// Lookup caches swarm lookups. At most one DHT traversal runs per
// infohash; concurrent callers share it, and a caller backing out never
// aborts it. A result is served without a new traversal while fresh.
type Lookup struct {
	finder PeerFinder
	clk    clock.Clock
	logger *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[dht.NodeID, *lookupEntry]
}

type lookupEntry struct {
	peers []*net.UDPAddr
	err   error
	at    time.Time
	valid bool

	job *lookupJob
}

type lookupJob struct {
	done   chan struct{}
	cancel context.CancelFunc
	peers  []*net.UDPAddr
	err    error
}

// NewLookup builds a lookup cache over the given finder.
func NewLookup(finder PeerFinder, clk clock.Clock, logger *zap.Logger) *Lookup {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lookup{finder: finder, clk: clk, logger: logger.Named("lookup")}
	// Evicting an entry is the one thing that aborts its job.
	l.cache, _ = lru.NewWithEvict(constants.DhtLookupCacheSize,
		func(_ dht.NodeID, e *lookupEntry) {
			if e.job != nil {
				e.job.cancel()
			}
		})
	return l
}

// Get returns peers for the infohash, waiting on the shared traversal
// when one is needed. Cancelling ctx releases only this caller.
func (l *Lookup) Get(ctx context.Context, infohash dht.NodeID) ([]*net.UDPAddr, error) {
	l.mu.Lock()
	e, ok := l.cache.Get(infohash)
	if !ok {
		e = &lookupEntry{}
		l.cache.Add(infohash, e)
	}
	job := e.job
	if job == nil {
		if e.valid && e.err == nil && l.clk.Since(e.at) <= constants.DhtLookupFreshness {
			peers := e.peers
			l.mu.Unlock()
			return peers, nil
		}
		jctx, cancel := context.WithTimeout(context.Background(), constants.DhtLookupTimeout)
		job = &lookupJob{done: make(chan struct{}), cancel: cancel}
		e.job = job
		go l.run(jctx, infohash, e, job)
	}
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-job.done:
		return job.peers, job.err
	}
}

func (l *Lookup) run(ctx context.Context, infohash dht.NodeID, e *lookupEntry, job *lookupJob) {
	defer job.cancel()
	peers, err := l.finder.TrackerGetPeers(ctx, infohash)
	if err != nil && ctx.Err() != nil {
		err = dht.ErrNotFound
	}
	if err != nil {
		l.logger.Debug("swarm lookup failed",
			zap.String("infohash", infohash.String()), zap.Error(err))
	}

	l.mu.Lock()
	job.peers, job.err = peers, err
	if e.job == job {
		e.peers, e.err, e.at, e.valid = peers, err, l.clk.Now(), true
		e.job = nil
	}
	l.mu.Unlock()
	close(job.done)
}
