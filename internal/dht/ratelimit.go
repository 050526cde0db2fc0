package dht

import (
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Inbound query budget per sender address.
const (
	limiterCapacity = 30
	limiterRefill   = time.Second
	limiterCleanup  = 10 * time.Minute
)

// queryLimiter is a token bucket per sender, shielding the query
// handlers from floods. Buckets idle past the cleanup interval are
// dropped.
type queryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*limiterBucket
	swept   time.Time
	clk     clock.Clock
}

type limiterBucket struct {
	tokens   float64
	lastSeen time.Time
}

func newQueryLimiter(clk clock.Clock) *queryLimiter {
	return &queryLimiter{
		buckets: make(map[string]*limiterBucket),
		swept:   clk.Now(),
		clk:     clk,
	}
}

// allow reports whether a query from ep fits its sender's budget.
func (l *queryLimiter) allow(ep *net.UDPAddr) bool {
	key := ep.IP.String()

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	if now.Sub(l.swept) > limiterCleanup {
		l.sweep(now)
	}

	b := l.buckets[key]
	if b == nil {
		l.buckets[key] = &limiterBucket{tokens: limiterCapacity - 1, lastSeen: now}
		return true
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() / limiterRefill.Seconds()
	if b.tokens > limiterCapacity {
		b.tokens = limiterCapacity
	}
	b.lastSeen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// sweep drops buckets idle long enough to be full again. Caller holds
// the lock.
func (l *queryLimiter) sweep(now time.Time) {
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > limiterCleanup {
			delete(l.buckets, key)
		}
	}
	l.swept = now
}
