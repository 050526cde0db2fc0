package dht

import (
	"context"
	"crypto/ed25519"
	"crypto/sha1"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/pkg/bencode"
	"github.com/ouinet/ouicache/pkg/constants"
)

// closerNodes extracts the compact contact lists a reply may carry,
// keeping only those this node's socket can reach.
func (n *Node) closerNodes(r *bencode.Dict) []NodeContact {
	var out []NodeContact
	if raw := r.GetBytes("nodes"); len(raw) > 0 {
		out = append(out, DecodeContacts4(raw)...)
	}
	if raw := r.GetBytes("nodes6"); len(raw) > 0 {
		out = append(out, DecodeContacts6(raw)...)
	}
	kept := out[:0]
	for _, c := range out {
		if n.mux.Matches(c.Endpoint) {
			kept = append(kept, c)
		}
	}
	return kept
}

// FindClosestNodes walks the network toward target and returns the
// closest responding nodes.
func (n *Node) FindClosestNodes(ctx context.Context, target NodeID) ([]NodeContact, error) {
	if !n.Ready() {
		return nil, ErrTryAgain
	}
	return n.findClosestNodes(ctx, target)
}

func (n *Node) findClosestNodes(ctx context.Context, target NodeID) ([]NodeContact, error) {
	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("target", bencode.Bytes(target.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "find_node", args)
		if err != nil {
			return visitResult{}
		}
		return visitResult{closer: n.closerNodes(m.Response), accept: true}
	}
	return n.collect(ctx, target, n.seedContacts(target), visit)
}

// TrackerGetPeers queries the swarm under infohash and returns every
// peer endpoint the responsible trackers reported.
func (n *Node) TrackerGetPeers(ctx context.Context, infohash NodeID) ([]*net.UDPAddr, error) {
	if !n.Ready() {
		return nil, ErrTryAgain
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var peers []*net.UDPAddr

	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("info_hash", bencode.Bytes(infohash.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "get_peers", args)
		if err != nil {
			return visitResult{}
		}
		for _, raw := range m.Response.GetList("values") {
			b, ok := raw.(bencode.Bytes)
			if !ok {
				continue
			}
			ep, err := DecodeEndpoint(b)
			if err != nil || IsMartian(ep) {
				continue
			}
			mu.Lock()
			if !seen[ep.String()] {
				seen[ep.String()] = true
				peers = append(peers, ep)
			}
			mu.Unlock()
		}
		return visitResult{closer: n.closerNodes(m.Response), accept: true}
	}

	if _, err := n.collect(ctx, infohash, n.seedContacts(infohash), visit); err != nil {
		return nil, err
	}
	return peers, nil
}

// announceTarget is a responder that granted us a write token.
type announceTarget struct {
	endpoint *net.UDPAddr
	token    []byte
}

// TrackerAnnounce registers this node in the swarm under infohash. With
// a nil port the responders record the query's source port instead. The
// announce succeeds when at least one responsible tracker accepted it.
func (n *Node) TrackerAnnounce(ctx context.Context, infohash NodeID, port *int) error {
	if !n.Ready() {
		return ErrTryAgain
	}

	var mu sync.Mutex
	granted := newProximityMap[announceTarget](infohash, constants.ResponsibleTrackers)

	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("info_hash", bencode.Bytes(infohash.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "get_peers", args)
		if err != nil {
			return visitResult{}
		}
		if token := m.Response.GetBytes("token"); len(token) > 0 && c.ID != nil {
			mu.Lock()
			granted.insert(*c.ID, announceTarget{endpoint: c.Endpoint, token: token})
			mu.Unlock()
		}
		return visitResult{closer: n.closerNodes(m.Response), accept: true}
	}

	if _, err := n.collect(ctx, infohash, n.seedContacts(infohash), visit); err != nil {
		return err
	}

	var wg sync.WaitGroup
	var okMu sync.Mutex
	accepted := 0
	for _, e := range granted.items() {
		target := e.value
		id := e.id
		wg.Add(1)
		go func() {
			defer wg.Done()
			args := bencode.NewDict()
			args.Set("info_hash", bencode.Bytes(infohash.Bytes()))
			args.Set("token", bencode.Bytes(target.token))
			if port != nil {
				args.Set("port", bencode.Int(*port))
				args.Set("implied_port", bencode.Int(0))
			} else {
				args.Set("port", bencode.Int(0))
				args.Set("implied_port", bencode.Int(1))
			}
			c := Contact{ID: &id, Endpoint: target.endpoint}
			if _, err := n.sendQueryAwaitReply(ctx, c, "announce_peer", args); err == nil {
				okMu.Lock()
				accepted++
				okMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return ErrNetworkDown
	}
	n.logger.Debug("announced to swarm",
		zap.Stringer("infohash", infohash), zap.Int("trackers", accepted))
	return nil
}

// DataGetImmutable retrieves a BEP-44 immutable value. The traversal
// stops at the first responder whose value hashes to key.
func (n *Node) DataGetImmutable(ctx context.Context, key NodeID) (bencode.Value, error) {
	if !n.Ready() {
		return nil, ErrTryAgain
	}

	var mu sync.Mutex
	var found bencode.Value

	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("target", bencode.Bytes(key.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "get", args)
		if err != nil {
			return visitResult{}
		}
		res := visitResult{closer: n.closerNodes(m.Response), accept: true}
		if v := m.Response.Get("v"); v != nil {
			if sha1.Sum(bencode.Encode(v)) == key {
				mu.Lock()
				found = v
				mu.Unlock()
				res.stop = true
			}
		}
		return res
	}

	if _, err := n.collect(ctx, key, n.seedContacts(key), visit); err != nil {
		return nil, err
	}
	mu.Lock()
	defer mu.Unlock()
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// DataPutImmutable stores a BEP-44 immutable value on the responsible
// nodes and returns its key.
func (n *Node) DataPutImmutable(ctx context.Context, v bencode.Value) (NodeID, error) {
	if !n.Ready() {
		return NodeID{}, ErrTryAgain
	}
	key := ImmutableKey(v)

	var mu sync.Mutex
	granted := newProximityMap[announceTarget](key, constants.ResponsibleTrackers)

	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("target", bencode.Bytes(key.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "get", args)
		if err != nil {
			return visitResult{}
		}
		if token := m.Response.GetBytes("token"); len(token) > 0 && c.ID != nil {
			mu.Lock()
			granted.insert(*c.ID, announceTarget{endpoint: c.Endpoint, token: token})
			mu.Unlock()
		}
		return visitResult{closer: n.closerNodes(m.Response), accept: true}
	}

	if _, err := n.collect(ctx, key, n.seedContacts(key), visit); err != nil {
		return NodeID{}, err
	}

	var wg sync.WaitGroup
	var okMu sync.Mutex
	accepted := 0
	for _, e := range granted.items() {
		target := e.value
		id := e.id
		wg.Add(1)
		go func() {
			defer wg.Done()
			args := bencode.NewDict()
			args.Set("v", v)
			args.Set("token", bencode.Bytes(target.token))
			c := Contact{ID: &id, Endpoint: target.endpoint}
			if _, err := n.sendQueryAwaitReply(ctx, c, "put", args); err == nil {
				okMu.Lock()
				accepted++
				okMu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted == 0 {
		if err := ctx.Err(); err != nil {
			return NodeID{}, err
		}
		return NodeID{}, ErrNetworkDown
	}
	return key, nil
}

// mutableGetGrace bounds how long a mutable lookup keeps searching for a
// fresher sequence number once any valid item has been seen.
const mutableGetGrace = 5 * time.Second

// DataGetMutable retrieves the freshest valid BEP-44 mutable item
// published under pub and salt. Once a valid item arrives the remaining
// traversal is bounded, trading completeness for latency.
func (n *Node) DataGetMutable(ctx context.Context, pub ed25519.PublicKey, salt []byte) (*MutableItem, error) {
	if !n.Ready() {
		return nil, ErrTryAgain
	}
	target := MutableKey(pub, salt)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var best *MutableItem
	graceArmed := false

	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("target", bencode.Bytes(target.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "get", args)
		if err != nil {
			return visitResult{}
		}
		res := visitResult{closer: n.closerNodes(m.Response), accept: true}

		v := m.Response.Get("v")
		if v == nil {
			return res
		}
		seq, _ := m.Response.GetInt("seq")
		item := &MutableItem{
			Key:       pub,
			Salt:      salt,
			Value:     v,
			Seq:       seq,
			Signature: m.Response.GetBytes("sig"),
		}
		if !item.Verify() {
			return res
		}

		mu.Lock()
		if best == nil || item.Seq > best.Seq {
			best = item
		}
		if !graceArmed {
			graceArmed = true
			timer := n.clk.Timer(mutableGetGrace)
			go func() {
				defer timer.Stop()
				select {
				case <-timer.C:
					cancel()
				case <-ctx.Done():
				}
			}()
		}
		mu.Unlock()
		return res
	}

	_, err := n.collect(ctx, target, n.seedContacts(target), visit)

	mu.Lock()
	defer mu.Unlock()
	if best != nil {
		return best, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, ErrNotFound
}

// DataPutMutable stores a signed mutable item on the responsible nodes.
// Nodes that reject or fail the write are retried against the next
// closest responders.
func (n *Node) DataPutMutable(ctx context.Context, item *MutableItem) error {
	if !n.Ready() {
		return ErrTryAgain
	}
	if !item.Verify() {
		return &RPCError{Code: ErrCodeInvalidSig, Message: "item signature invalid"}
	}
	target := item.Target()

	var mu sync.Mutex
	accepted := 0
	blacklist := make(map[string]bool)

	// Writes happen inside the traversal so a rejected responder does
	// not occupy one of the responsible slots.
	visit := func(ctx context.Context, c Contact) visitResult {
		args := bencode.NewDict()
		args.Set("target", bencode.Bytes(target.Bytes()))
		m, err := n.sendQueryAwaitReply(ctx, c, "get", args)
		if err != nil {
			return visitResult{}
		}
		res := visitResult{closer: n.closerNodes(m.Response)}

		token := m.Response.GetBytes("token")
		if len(token) == 0 {
			return res
		}

		mu.Lock()
		banned := blacklist[c.Endpoint.String()]
		mu.Unlock()
		if banned {
			return res
		}

		put := bencode.NewDict()
		put.Set("k", bencode.Bytes(item.Key))
		if len(item.Salt) > 0 {
			put.Set("salt", bencode.Bytes(item.Salt))
		}
		put.Set("seq", bencode.Int(item.Seq))
		put.Set("sig", bencode.Bytes(item.Signature))
		put.Set("v", item.Value)
		put.Set("token", bencode.Bytes(token))
		if _, err := n.sendQueryAwaitReply(ctx, c, "put", put); err != nil {
			mu.Lock()
			blacklist[c.Endpoint.String()] = true
			mu.Unlock()
			return res
		}

		mu.Lock()
		accepted++
		mu.Unlock()
		res.accept = true
		return res
	}

	if _, err := n.collect(ctx, target, n.seedContacts(target), visit); err != nil {
		return err
	}
	if accepted == 0 {
		return ErrNetworkDown
	}
	return nil
}
