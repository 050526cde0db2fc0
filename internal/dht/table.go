package dht

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ouinet/ouicache/pkg/constants"
)

// PingFunc probes a contact and reports whether it replied. The routing
// table calls it from its own goroutines when deciding evictions, so the
// owning node injects it at construction and no back-reference is needed.
type PingFunc func(ctx context.Context, c NodeContact) bool

// Contact liveness thresholds.
const (
	contactFreshFor  = 15 * time.Minute
	contactMaxFails  = 2
	pingProbeTimeout = 10 * time.Second
)

type tableEntry struct {
	contact   NodeContact
	lastReply time.Time
	lastQuery time.Time
	fails     int
	pinging   bool
}

func (e *tableEntry) good(now time.Time) bool {
	if e.lastReply.IsZero() {
		return false
	}
	if now.Sub(e.lastReply) < contactFreshFor {
		return true
	}
	return now.Sub(e.lastQuery) < contactFreshFor
}

func (e *tableEntry) bad() bool {
	return e.fails >= contactMaxFails
}

type tableBucket struct {
	entries      []*tableEntry
	replacements []NodeContact
}

// Table is the Kademlia routing table: one bucket per shared-prefix
// length with the local id, K=8 entries each plus a replacement cache.
type Table struct {
	mu      sync.Mutex
	local   NodeID
	buckets [160]tableBucket
	ping    PingFunc
	clk     clock.Clock
	logger  *zap.Logger
}

// TableConfig configures a routing table.
type TableConfig struct {
	Local  NodeID
	Ping   PingFunc
	Clock  clock.Clock
	Logger *zap.Logger
}

// NewTable creates a routing table for the given local id.
func NewTable(config TableConfig) *Table {
	clk := config.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		local:  config.Local,
		ping:   config.Ping,
		clk:    clk,
		logger: logger,
	}
}

// SetLocalID rebuilds the table around a new local id, re-observing the
// known contacts under the new bucket layout. Bootstrap calls this once
// the external endpoint is known.
func (t *Table) SetLocalID(id NodeID) {
	t.mu.Lock()
	var kept []NodeContact
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			if !e.bad() {
				kept = append(kept, e.contact)
			}
		}
		t.buckets[i] = tableBucket{}
	}
	t.local = id
	t.mu.Unlock()

	for _, c := range kept {
		t.OnReply(c)
	}
}

func (t *Table) bucketFor(id NodeID) *tableBucket {
	i := t.local.CommonPrefixLen(id)
	if i >= len(t.buckets) {
		i = len(t.buckets) - 1
	}
	return &t.buckets[i]
}

// OnReply records that a contact answered one of our queries.
func (t *Table) OnReply(c NodeContact) {
	t.observe(c, true)
}

// OnQuery records that a contact sent us a query. Read-only senders must
// not be passed here.
func (t *Table) OnQuery(c NodeContact) {
	t.observe(c, false)
}

func (t *Table) observe(c NodeContact, replied bool) {
	if c.ID == t.local || c.ID.IsZero() || IsMartian(c.Endpoint) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clk.Now()
	b := t.bucketFor(c.ID)

	for _, e := range b.entries {
		if e.contact.ID != c.ID {
			continue
		}
		if !udpAddrEqual(e.contact.Endpoint, c.Endpoint) {
			// Same id from a new endpoint wins only over a
			// non-good holder of the old one.
			if e.good(now) {
				return
			}
			e.contact.Endpoint = c.Endpoint
			e.fails = 0
		}
		if replied {
			e.lastReply = now
			e.fails = 0
		} else {
			e.lastQuery = now
		}
		return
	}

	fresh := &tableEntry{contact: c}
	if replied {
		fresh.lastReply = now
	} else {
		fresh.lastQuery = now
	}

	if len(b.entries) < constants.DHTBucketSize {
		b.entries = append(b.entries, fresh)
		return
	}

	for i, e := range b.entries {
		if e.bad() {
			b.entries[i] = fresh
			return
		}
	}

	t.addReplacement(b, c)
	t.probeQuestionable(b)
}

func (t *Table) addReplacement(b *tableBucket, c NodeContact) {
	for i, r := range b.replacements {
		if r.ID == c.ID {
			b.replacements[i] = c
			return
		}
	}
	if len(b.replacements) >= constants.DHTBucketSize {
		copy(b.replacements, b.replacements[1:])
		b.replacements = b.replacements[:len(b.replacements)-1]
	}
	b.replacements = append(b.replacements, c)
}

// probeQuestionable pings the least recently active questionable entry.
// Caller holds the lock.
func (t *Table) probeQuestionable(b *tableBucket) {
	if t.ping == nil {
		return
	}
	now := t.clk.Now()
	var victim *tableEntry
	for _, e := range b.entries {
		if e.good(now) || e.pinging {
			continue
		}
		if victim == nil || e.lastReply.Before(victim.lastReply) {
			victim = e
		}
	}
	if victim == nil {
		return
	}
	victim.pinging = true
	contact := victim.contact

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pingProbeTimeout)
		defer cancel()
		ok := t.ping(ctx, contact)

		t.mu.Lock()
		defer t.mu.Unlock()
		bkt := t.bucketFor(contact.ID)
		for i, e := range bkt.entries {
			if e.contact.ID != contact.ID {
				continue
			}
			e.pinging = false
			if ok {
				e.lastReply = t.clk.Now()
				e.fails = 0
				return
			}
			e.fails++
			if e.bad() {
				t.logger.Debug("evicting unresponsive contact",
					zap.String("contact", contact.String()))
				bkt.entries = append(bkt.entries[:i], bkt.entries[i+1:]...)
				t.promote(bkt)
			}
			return
		}
	}()
}

// promote moves the freshest replacement into the bucket. Caller holds
// the lock.
func (t *Table) promote(b *tableBucket) {
	for len(b.replacements) > 0 && len(b.entries) < constants.DHTBucketSize {
		c := b.replacements[len(b.replacements)-1]
		b.replacements = b.replacements[:len(b.replacements)-1]
		e := &tableEntry{contact: c, lastQuery: t.clk.Now()}
		b.entries = append(b.entries, e)
	}
}

// OnFailure records a failed query to a contact.
func (t *Table) OnFailure(c NodeContact) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b := t.bucketFor(c.ID)
	for i, e := range b.entries {
		if e.contact.ID != c.ID {
			continue
		}
		e.fails++
		if e.bad() {
			b.entries = append(b.entries[:i], b.entries[i+1:]...)
			t.promote(b)
		}
		return
	}
}

// Closest returns up to k known non-bad contacts closest to target.
func (t *Table) Closest(target NodeID, k int) []NodeContact {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.local.CommonPrefixLen(target)
	if start >= len(t.buckets) {
		start = len(t.buckets) - 1
	}

	var out []NodeContact
	appendBucket := func(i int) {
		for _, e := range t.buckets[i].entries {
			if !e.bad() {
				out = append(out, e.contact)
			}
		}
	}

	appendBucket(start)
	for d := 1; len(out) < k && (start-d >= 0 || start+d < len(t.buckets)); d++ {
		if start+d < len(t.buckets) {
			appendBucket(start + d)
		}
		if start-d >= 0 {
			appendBucket(start - d)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.CloserTo(target, out[j].ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Contacts returns every non-bad contact in the table.
func (t *Table) Contacts() []NodeContact {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []NodeContact
	for i := range t.buckets {
		for _, e := range t.buckets[i].entries {
			if !e.bad() {
				out = append(out, e.contact)
			}
		}
	}
	return out
}

// Count returns the number of live entries.
func (t *Table) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i].entries)
	}
	return n
}

func udpAddrEqual(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
