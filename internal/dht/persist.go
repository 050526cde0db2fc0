package dht

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"
)

// routingSnapshot is the on-disk form of the routing table, enough to
// rejoin the network without the public routers.
type routingSnapshot struct {
	ID       []byte   `cbor:"1,keyasint"`
	WAN      []byte   `cbor:"2,keyasint"`
	Contacts [][]byte `cbor:"3,keyasint"`
}

// saveSnapshot writes the current contacts to the configured state
// path. A missing path disables persistence.
func (n *Node) saveSnapshot() {
	path := n.config.StatePath
	if path == "" {
		return
	}
	snap := routingSnapshot{ID: n.ID().Bytes()}
	if wan := n.WanEndpoint(); wan != nil {
		snap.WAN = EncodeEndpoint(wan)
	}
	for _, c := range n.table.Contacts() {
		snap.Contacts = append(snap.Contacts, EncodeContact(c))
	}

	data, err := cbor.Marshal(snap)
	if err != nil {
		n.logger.Warn("encode routing snapshot failed", zap.Error(err))
		return
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		n.logger.Warn("create state directory failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		n.logger.Warn("write routing snapshot failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		n.logger.Warn("replace routing snapshot failed", zap.Error(err))
	}
}

// loadSnapshot returns the endpoints stored by a previous run.
func (n *Node) loadSnapshot() []*net.UDPAddr {
	path := n.config.StatePath
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			n.logger.Warn("read routing snapshot failed", zap.Error(err))
		}
		return nil
	}
	var snap routingSnapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		n.logger.Warn("decode routing snapshot failed", zap.Error(err))
		return nil
	}

	var out []*net.UDPAddr
	for _, raw := range snap.Contacts {
		nc, err := decodeContactEntry(raw)
		if err != nil {
			continue
		}
		out = append(out, nc.Endpoint)
	}
	n.logger.Debug("loaded routing snapshot", zap.Int("contacts", len(out)))
	return out
}

func decodeContactEntry(raw []byte) (NodeContact, error) {
	switch len(raw) {
	case 26:
		cs := DecodeContacts4(raw)
		if len(cs) != 1 {
			return NodeContact{}, fmt.Errorf("invalid compact contact")
		}
		return cs[0], nil
	case 38:
		cs := DecodeContacts6(raw)
		if len(cs) != 1 {
			return NodeContact{}, fmt.Errorf("invalid compact contact")
		}
		return cs[0], nil
	default:
		return NodeContact{}, fmt.Errorf("invalid compact contact length %d", len(raw))
	}
}
