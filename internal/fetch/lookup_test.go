package fetch

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/internal/dht"
	"github.com/ouinet/ouicache/pkg/constants"
)

// fakeFinder counts traversals and blocks each one until released.
type fakeFinder struct {
	calls   atomic.Int64
	release chan struct{}
	peers   []*net.UDPAddr
	err     error
}

func (f *fakeFinder) TrackerGetPeers(ctx context.Context, _ dht.NodeID) ([]*net.UDPAddr, error) {
	f.calls.Add(1)
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.peers, f.err
}

func testPeers() []*net.UDPAddr {
	return []*net.UDPAddr{{IP: net.IPv4(203, 0, 113, 5), Port: 6881}}
}

func TestLookupCachesFreshResult(t *testing.T) {
	clk := clock.NewMock()
	finder := &fakeFinder{peers: testPeers()}
	l := NewLookup(finder, clk, nil)
	infohash := dht.RandomNodeID()

	peers, err := l.Get(context.Background(), infohash)
	require.NoError(t, err)
	assert.Equal(t, testPeers(), peers)
	assert.Equal(t, int64(1), finder.calls.Load())

	// A second call within the freshness window hits the cache.
	_, err = l.Get(context.Background(), infohash)
	require.NoError(t, err)
	assert.Equal(t, int64(1), finder.calls.Load())

	// A stale entry triggers a new traversal.
	clk.Add(constants.DhtLookupFreshness + time.Second)
	_, err = l.Get(context.Background(), infohash)
	require.NoError(t, err)
	assert.Equal(t, int64(2), finder.calls.Load())
}

func TestLookupSharesTraversal(t *testing.T) {
	finder := &fakeFinder{peers: testPeers(), release: make(chan struct{})}
	l := NewLookup(finder, clock.NewMock(), nil)
	infohash := dht.RandomNodeID()

	const callers = 4
	var wg sync.WaitGroup
	results := make([][]*net.UDPAddr, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			peers, err := l.Get(context.Background(), infohash)
			assert.NoError(t, err)
			results[i] = peers
		}(i)
	}

	// Give all callers time to join the running job, then release it.
	time.Sleep(50 * time.Millisecond)
	close(finder.release)
	wg.Wait()

	assert.Equal(t, int64(1), finder.calls.Load())
	for _, peers := range results {
		assert.Equal(t, testPeers(), peers)
	}
}

func TestLookupCallerCancelKeepsJobAlive(t *testing.T) {
	finder := &fakeFinder{peers: testPeers(), release: make(chan struct{})}
	l := NewLookup(finder, clock.NewMock(), nil)
	infohash := dht.RandomNodeID()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := l.Get(ctx, infohash)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	// The traversal keeps running and its result lands in the cache, so
	// the next caller gets it without a second traversal.
	close(finder.release)
	peers, err := l.Get(context.Background(), infohash)
	require.NoError(t, err)
	assert.Equal(t, testPeers(), peers)
	assert.Equal(t, int64(1), finder.calls.Load())
}

func TestLookupFailureNotCached(t *testing.T) {
	finder := &fakeFinder{err: dht.ErrNotFound}
	l := NewLookup(finder, clock.NewMock(), nil)
	infohash := dht.RandomNodeID()

	_, err := l.Get(context.Background(), infohash)
	assert.Error(t, err)

	finder.err = nil
	finder.peers = testPeers()
	peers, err := l.Get(context.Background(), infohash)
	require.NoError(t, err)
	assert.Equal(t, testPeers(), peers)
	assert.Equal(t, int64(2), finder.calls.Load())
}
