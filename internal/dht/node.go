// Package dht implements a Mainline DHT node: Kademlia routing,
// iterative lookups, tracker announces and mutable/immutable storage.
package dht

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/bencode"
)

// Config configures a Node.
type Config struct {
	// Mux is the bound socket the node shares with the stream transport.
	Mux *transport.Mux
	// Bootstraps are extra bootstrap endpoints, tried alongside the
	// well-known routers. Entries are "host", "host:port", "ip" or
	// "ip:port".
	Bootstraps []string
	// Resolver resolves bootstrap hostnames. Defaults to the system
	// resolver.
	Resolver Resolver
	// ReadOnly marks outgoing queries with the BEP-43 flag and rejects
	// inbound queries.
	ReadOnly bool
	// StatePath, when set, persists the routing table between runs.
	StatePath string
	Logger    *zap.Logger
	Clock     clock.Clock
}

func (c *Config) validate() error {
	if c.Mux == nil {
		return fmt.Errorf("dht: config requires a transport mux")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Resolver == nil {
		c.Resolver = SystemResolver{}
	}
	return nil
}

// Node is one DHT node bound to a single UDP endpoint.
type Node struct {
	config Config
	logger *zap.Logger
	clk    clock.Clock
	mux    *transport.Mux

	table   *Table
	stats   *replyStats
	txs     *transactions
	tokens  *tokenIssuer
	tracker *trackerStore
	data    *dataStore
	limiter *queryLimiter

	mu          sync.RWMutex
	localID     NodeID
	wanEndpoint *net.UDPAddr
	ready       bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a node on the mux's socket. The node id is provisional
// until bootstrap learns the external endpoint.
func New(config Config) (*Node, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	n := &Node{
		config:  config,
		logger:  config.Logger.Named("dht"),
		clk:     config.Clock,
		mux:     config.Mux,
		stats:   newReplyStats(),
		txs:     newTransactions(),
		tokens:  newTokenIssuer(config.Clock),
		tracker: newTrackerStore(config.Clock),
		data:    newDataStore(),
		limiter: newQueryLimiter(config.Clock),
		localID: RandomNodeID(),
		done:    make(chan struct{}),
	}
	n.table = NewTable(TableConfig{
		Local:  n.localID,
		Ping:   n.pingProbe,
		Clock:  config.Clock,
		Logger: n.logger,
	})
	return n, nil
}

// Start begins serving the socket and bootstrapping in the background.
func (n *Node) Start(ctx context.Context) {
	n.ctx, n.cancel = context.WithCancel(ctx)
	go n.receiveLoop()
	go func() {
		defer close(n.done)
		n.bootstrap(n.ctx)
	}()
}

// Stop terminates the node, then persists the routing table if bootstrap
// had completed. The socket itself belongs to the mux and stays open.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	<-n.done
	if n.Ready() {
		n.saveSnapshot()
	}
}

// Ready reports whether bootstrap completed. Operations called before
// that fail with ErrTryAgain.
func (n *Node) Ready() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ready
}

// ID returns the current node id.
func (n *Node) ID() NodeID {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.localID
}

// WanEndpoint returns the external endpoint learned during bootstrap,
// or nil before that.
func (n *Node) WanEndpoint() *net.UDPAddr {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.wanEndpoint
}

// LocalEndpoint returns the bound socket address.
func (n *Node) LocalEndpoint() *net.UDPAddr {
	return n.mux.LocalAddr()
}

func (n *Node) receiveLoop() {
	buf := make([]byte, 65536)
	for {
		nr, from, err := n.mux.ReadFrom(buf)
		if err != nil {
			if n.ctx.Err() == nil {
				n.logger.Debug("socket read failed", zap.Error(err))
			}
			return
		}
		if n.ctx.Err() != nil {
			return
		}
		m, err := DecodeMessage(buf[:nr])
		if err != nil {
			continue
		}
		switch m.Type {
		case "r", "e":
			n.txs.deliver(from, m)
		case "q":
			if !n.config.ReadOnly {
				n.handleQuery(from, m)
			}
		}
	}
}

// sendQueryAwaitReply issues one query and waits for the matching reply,
// bounded by the adaptive per-method timeout. The routing table learns
// from both outcomes.
func (n *Node) sendQueryAwaitReply(ctx context.Context, c Contact, method string, args *bencode.Dict) (*Message, error) {
	args.Set("id", bencode.Bytes(n.ID().Bytes()))

	tid, reply := n.txs.open(c.Endpoint)
	defer n.txs.close(tid)

	data := EncodeQuery(tid, method, args, n.config.ReadOnly)
	if _, err := n.mux.WriteTo(data, c.Endpoint); err != nil {
		n.noteFailure(c)
		return nil, fmt.Errorf("send %s query: %w", method, err)
	}

	wait := n.stats.maxWaitTime(method)
	timer := n.clk.Timer(wait)
	defer timer.Stop()
	start := n.clk.Now()

	select {
	case m := <-reply:
		if m.Err != nil {
			n.noteFailure(c)
			return nil, m.Err
		}
		n.stats.addReplyTime(method, n.clk.Since(start))
		if id, ok := m.NodeID(); ok {
			n.table.OnReply(NodeContact{ID: id, Endpoint: c.Endpoint})
		}
		return m, nil
	case <-timer.C:
		n.noteFailure(c)
		return nil, ErrTimedOut
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) noteFailure(c Contact) {
	if c.ID != nil {
		n.table.OnFailure(NodeContact{ID: *c.ID, Endpoint: c.Endpoint})
	}
}

// pingProbe is the routing table's eviction check.
func (n *Node) pingProbe(ctx context.Context, nc NodeContact) bool {
	id := nc.ID
	_, err := n.sendQueryAwaitReply(ctx, Contact{ID: &id, Endpoint: nc.Endpoint}, "ping", bencode.NewDict())
	return err == nil
}

// Ping queries a contact and returns its reported view of our external
// endpoint.
func (n *Node) Ping(ctx context.Context, c Contact) (*Message, error) {
	return n.sendQueryAwaitReply(ctx, c, "ping", bencode.NewDict())
}

func (n *Node) setIdentity(id NodeID, wan *net.UDPAddr) {
	n.mu.Lock()
	n.localID = id
	n.wanEndpoint = wan
	n.mu.Unlock()
	n.table.SetLocalID(id)
}

func (n *Node) markReady() {
	n.mu.Lock()
	n.ready = true
	n.mu.Unlock()
}
