package dht

import (
	"crypto/ed25519"
	"net"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/pkg/bencode"
	"github.com/ouinet/ouicache/pkg/constants"
)

func (n *Node) reply(from *net.UDPAddr, tid []byte, resp *bencode.Dict) {
	resp.Set("id", bencode.Bytes(n.ID().Bytes()))
	if _, err := n.mux.WriteTo(EncodeResponse(tid, resp, from), from); err != nil {
		n.logger.Debug("send reply failed", zap.Error(err))
	}
}

func (n *Node) replyError(from *net.UDPAddr, tid []byte, code int, msg string) {
	if _, err := n.mux.WriteTo(EncodeError(tid, code, msg), from); err != nil {
		n.logger.Debug("send error reply failed", zap.Error(err))
	}
}

// responsibleFor reports whether this node should accept a write for
// target: it must be among the closest known ids.
func (n *Node) responsibleFor(target NodeID) bool {
	closest := n.table.Closest(target, constants.ResponsibleTrackers)
	if len(closest) < constants.ResponsibleTrackers {
		return true
	}
	local := n.ID()
	for _, c := range closest {
		if local.CloserTo(target, c.ID) {
			return true
		}
	}
	return false
}

// compactNodes encodes the closest contacts to target in the compact
// format matching this socket's address family.
func (n *Node) compactNodes(target NodeID) (key string, value []byte) {
	closest := n.table.Closest(target, constants.DHTBucketSize)
	v4 := n.mux.LocalAddr().IP.To4() != nil
	var buf []byte
	for _, c := range closest {
		buf = append(buf, EncodeContact(c)...)
	}
	if v4 {
		return "nodes", buf
	}
	return "nodes6", buf
}

func (n *Node) handleQuery(from *net.UDPAddr, m *Message) {
	if !n.limiter.allow(from) {
		return
	}
	sender, ok := m.NodeID()
	if !ok {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid node id")
		return
	}
	if !m.ReadOnly && !IsMartian(from) {
		n.table.OnQuery(NodeContact{ID: sender, Endpoint: from})
	}

	switch m.Method {
	case "ping":
		n.reply(from, m.TID, bencode.NewDict())
	case "find_node":
		n.handleFindNode(from, m)
	case "get_peers":
		n.handleGetPeers(from, m)
	case "announce_peer":
		n.handleAnnouncePeer(from, m)
	case "get":
		n.handleGet(from, m)
	case "put":
		n.handlePut(from, m)
	default:
		n.replyError(from, m.TID, ErrCodeUnknownMethod, "unknown method")
	}
}

func (n *Node) handleFindNode(from *net.UDPAddr, m *Message) {
	target, err := NodeIDFromBytes(m.Args.GetBytes("target"))
	if err != nil {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid target")
		return
	}
	resp := bencode.NewDict()
	key, nodes := n.compactNodes(target)
	resp.Set(key, bencode.Bytes(nodes))
	n.reply(from, m.TID, resp)
}

func (n *Node) handleGetPeers(from *net.UDPAddr, m *Message) {
	infohash, err := NodeIDFromBytes(m.Args.GetBytes("info_hash"))
	if err != nil {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid info_hash")
		return
	}
	resp := bencode.NewDict()
	resp.Set("token", bencode.Bytes(n.tokens.issue(from)))
	if peers := n.tracker.peers(infohash); len(peers) > 0 {
		var values bencode.List
		for _, ep := range peers {
			values = append(values, bencode.Bytes(EncodeEndpoint(ep)))
		}
		resp.Set("values", values)
	}
	key, nodes := n.compactNodes(infohash)
	resp.Set(key, bencode.Bytes(nodes))
	n.reply(from, m.TID, resp)
}

func (n *Node) handleAnnouncePeer(from *net.UDPAddr, m *Message) {
	infohash, err := NodeIDFromBytes(m.Args.GetBytes("info_hash"))
	if err != nil {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid info_hash")
		return
	}
	if !n.tokens.validate(from, m.Args.GetBytes("token")) {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid token")
		return
	}
	if !n.responsibleFor(infohash) {
		n.replyError(from, m.TID, ErrCodeGeneric, "not responsible for this target")
		return
	}

	peer := &net.UDPAddr{IP: from.IP, Port: from.Port}
	if implied, ok := m.Args.GetInt("implied_port"); !ok || implied != 1 {
		port, ok := m.Args.GetInt("port")
		if !ok || port <= 0 || port > 65535 {
			n.replyError(from, m.TID, ErrCodeProtocol, "invalid port")
			return
		}
		peer.Port = int(port)
	}
	n.tracker.announce(infohash, peer)
	n.reply(from, m.TID, bencode.NewDict())
}

func (n *Node) handleGet(from *net.UDPAddr, m *Message) {
	target, err := NodeIDFromBytes(m.Args.GetBytes("target"))
	if err != nil {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid target")
		return
	}
	resp := bencode.NewDict()
	resp.Set("token", bencode.Bytes(n.tokens.issue(from)))
	key, nodes := n.compactNodes(target)
	resp.Set(key, bencode.Bytes(nodes))

	if v, ok := n.data.getImmutable(target); ok {
		resp.Set("v", v)
	} else if item, ok := n.data.getMutable(target); ok {
		resp.Set("v", item.Value)
		resp.Set("seq", bencode.Int(item.Seq))
		resp.Set("sig", bencode.Bytes(item.Signature))
		resp.Set("k", bencode.Bytes(item.Key))
	}
	n.reply(from, m.TID, resp)
}

func (n *Node) handlePut(from *net.UDPAddr, m *Message) {
	v := m.Args.Get("v")
	if v == nil {
		n.replyError(from, m.TID, ErrCodeProtocol, "missing value")
		return
	}
	if len(bencode.Encode(v)) >= constants.DHTMaxValueSize {
		n.replyError(from, m.TID, ErrCodeMessageTooBig, "value too big")
		return
	}
	if !n.tokens.validate(from, m.Args.GetBytes("token")) {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid token")
		return
	}

	pub := m.Args.GetBytes("k")
	if len(pub) == 0 {
		// Immutable put.
		key := ImmutableKey(v)
		if !n.responsibleFor(key) {
			n.replyError(from, m.TID, ErrCodeGeneric, "not responsible for this target")
			return
		}
		n.data.putImmutable(key, v)
		n.reply(from, m.TID, bencode.NewDict())
		return
	}

	if len(pub) != ed25519.PublicKeySize {
		n.replyError(from, m.TID, ErrCodeProtocol, "invalid public key")
		return
	}
	salt := m.Args.GetBytes("salt")
	if len(salt) > 64 {
		n.replyError(from, m.TID, ErrCodeSaltTooLong, "salt too long")
		return
	}
	seq, ok := m.Args.GetInt("seq")
	if !ok {
		n.replyError(from, m.TID, ErrCodeProtocol, "missing seq")
		return
	}
	item := &MutableItem{
		Key:       ed25519.PublicKey(pub),
		Salt:      salt,
		Value:     v,
		Seq:       seq,
		Signature: m.Args.GetBytes("sig"),
	}
	if !item.Verify() {
		n.replyError(from, m.TID, ErrCodeInvalidSig, "invalid signature")
		return
	}
	if !n.responsibleFor(item.Target()) {
		n.replyError(from, m.TID, ErrCodeGeneric, "not responsible for this target")
		return
	}

	var cas *int64
	if c, ok := m.Args.GetInt("cas"); ok {
		cas = &c
	}
	if code, err := n.data.putMutable(item, cas); code != 0 {
		n.replyError(from, m.TID, code, err.Error())
		return
	}
	n.reply(from, m.TID, bencode.NewDict())
}
