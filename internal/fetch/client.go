package fetch

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ouinet/ouicache/internal/dht"
	"github.com/ouinet/ouicache/internal/groups"
	"github.com/ouinet/ouicache/internal/store"
	"github.com/ouinet/ouicache/internal/transport"
	"github.com/ouinet/ouicache/pkg/response"
	"github.com/ouinet/ouicache/pkg/swarm"
)

// peerCacheSize bounds the host-to-endpoint cache of recent successes.
const peerCacheSize = 128

// Config assembles a Client.
type Config struct {
	DHT    *dht.Node
	Muxes  *transport.Set
	Store  *store.Store
	Groups *groups.Store
	// PubKey is the trusted cache signing key.
	PubKey ed25519.PublicKey
	Logger *zap.Logger
	Clock  clock.Clock
}

func (c *Config) validate() error {
	if c.DHT == nil || c.Muxes == nil || c.Store == nil {
		return fmt.Errorf("fetch client needs a DHT node, transports and a store")
	}
	if len(c.PubKey) != ed25519.PublicKeySize {
		return fmt.Errorf("fetch client needs the cache public key")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return nil
}

// Client fetches URLs from the distributed cache and keeps the local
// store and its swarm announcements in step.
type Client struct {
	config Config
	logger *zap.Logger
	lookup *Lookup

	peerCache *lru.Cache[string, *net.UDPAddr]

	mu         sync.Mutex
	announcers map[string]*dht.Announcer
}

// New builds a client, restoring announcements for every group already
// in the index.
func New(config Config) (*Client, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	c := &Client{
		config:     config,
		logger:     config.Logger.Named("fetch"),
		lookup:     NewLookup(config.DHT, config.Clock, config.Logger),
		announcers: make(map[string]*dht.Announcer),
	}
	c.peerCache, _ = lru.New[string, *net.UDPAddr](peerCacheSize)
	if config.Groups != nil {
		gs, err := config.Groups.Groups()
		if err != nil {
			return nil, fmt.Errorf("restore announced groups: %w", err)
		}
		for _, g := range gs {
			c.ensureAnnouncer(g)
		}
	}
	return c, nil
}

// Stop halts all announcements.
func (c *Client) Stop() {
	c.mu.Lock()
	announcers := c.announcers
	c.announcers = make(map[string]*dht.Announcer)
	c.mu.Unlock()
	for _, a := range announcers {
		a.Stop()
	}
}

// group names the announce group a URL belongs to.
func group(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Hostname() == "" {
		return "", fmt.Errorf("malformed url %q", uri)
	}
	return u.Hostname(), nil
}

// Load fetches uri from the swarm. Verified parts stream to the caller
// and into the local store as they arrive.
func (c *Client) Load(ctx context.Context, uri string) (response.PartReader, error) {
	g, err := group(uri)
	if err != nil {
		return nil, err
	}

	var peers []*net.UDPAddr
	if ep, ok := c.peerCache.Get(g); ok {
		peers = append(peers, ep)
	}
	infohash := dht.NodeID(swarm.Hash(swarm.URI(c.config.PubKey, g)))
	found, err := c.lookup.Get(ctx, infohash)
	if err != nil {
		c.logger.Debug("peer lookup failed", zap.String("group", g), zap.Error(err))
	}
	peers = append(peers, c.dropOwn(found)...)
	if len(peers) == 0 {
		return nil, ErrNotFound
	}

	mpr := NewMultiPeerReader(ctx, c.config.Muxes, uri, peers, c.config.PubKey, c.config.Logger)
	return c.storeThrough(ctx, uri, g, mpr), nil
}

// dropOwn removes our own endpoints from a peer list.
func (c *Client) dropOwn(peers []*net.UDPAddr) []*net.UDPAddr {
	own := make(map[string]bool)
	for _, a := range c.config.Muxes.LocalAddrs() {
		own[a.String()] = true
	}
	if wan := c.config.DHT.WanEndpoint(); wan != nil {
		own[wan.String()] = true
	}
	out := peers[:0]
	for _, ep := range peers {
		if ep != nil && !own[ep.String()] {
			out = append(out, ep)
		}
	}
	return out
}

// Store persists a signed response stream under uri and announces its
// group.
func (c *Client) Store(ctx context.Context, uri string, in response.PartReader) error {
	g, err := group(uri)
	if err != nil {
		return err
	}
	if err := c.config.Store.Store(ctx, uri, in); err != nil {
		return err
	}
	c.noteStored(uri, g)
	return nil
}

func (c *Client) noteStored(uri, g string) {
	if c.config.Groups != nil {
		if err := c.config.Groups.Add(g, uri); err != nil {
			c.logger.Warn("group index update failed", zap.String("group", g), zap.Error(err))
		}
	}
	c.ensureAnnouncer(g)
}

// Remove evicts uri from the store and stops announcing groups it
// emptied.
func (c *Client) Remove(uri string) error {
	if err := c.config.Store.Remove(uri); err != nil {
		return err
	}
	if c.config.Groups == nil {
		return nil
	}
	emptied, err := c.config.Groups.Remove(uri)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, g := range emptied {
		if a, ok := c.announcers[g]; ok {
			a.Stop()
			delete(c.announcers, g)
		}
	}
	return nil
}

func (c *Client) ensureAnnouncer(g string) {
	infohash := dht.NodeID(swarm.Hash(swarm.URI(c.config.PubKey, g)))
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.announcers[g]; ok {
		a.Update()
		return
	}
	c.announcers[g] = dht.NewAnnouncer(c.config.DHT, infohash, dht.AnnouncePeriodic)
}

// storeThrough tees the verified stream into the store while the caller
// drains it. A download the caller abandons leaves a shorter entry.
func (c *Client) storeThrough(ctx context.Context, uri, g string, mpr *MultiPeerReader) response.PartReader {
	sctx, cancel := context.WithCancel(ctx)
	parts := make(chan response.Part, 16)
	storeDone := make(chan struct{})
	go func() {
		defer close(storeDone)
		// Unblock the tee if storing stops before the stream does.
		defer cancel()
		err := c.config.Store.Store(sctx, uri, &chanPartReader{ch: parts})
		if err != nil && sctx.Err() == nil {
			c.logger.Warn("write-through store failed", zap.String("uri", uri), zap.Error(err))
		}
	}()

	return &teeReader{
		in: mpr,
		tee: func(p response.Part) {
			select {
			case parts <- p:
			case <-sctx.Done():
			}
		},
		finish: func(complete bool) {
			close(parts)
			if !complete {
				cancel()
			}
			<-storeDone
			cancel()
			if complete {
				c.noteStored(uri, g)
				if ep := mpr.GoodPeer(); ep != nil {
					c.peerCache.Add(g, ep)
				}
			}
		},
	}
}

// teeReader forwards parts from in, copying each to tee; finish runs
// once at stream end with whether the stream completed.
type teeReader struct {
	in       *MultiPeerReader
	tee      func(response.Part)
	finish   func(complete bool)
	finished bool
	complete bool
}

func (t *teeReader) ReadPart() (response.Part, error) {
	p, err := t.in.ReadPart()
	if err == io.EOF {
		t.end()
		return nil, io.EOF
	}
	if err != nil {
		t.end()
		return nil, err
	}
	if _, ok := p.(response.Trailer); ok {
		t.complete = true
	}
	t.tee(p)
	return p, nil
}

func (t *teeReader) end() {
	if t.finished {
		return
	}
	t.finished = true
	t.in.Close()
	t.finish(t.complete)
}

// chanPartReader adapts a channel of parts to a PartReader.
type chanPartReader struct {
	ch <-chan response.Part
}

func (r *chanPartReader) ReadPart() (response.Part, error) {
	p, ok := <-r.ch
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}
