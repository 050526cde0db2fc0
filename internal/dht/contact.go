package dht

import (
	"encoding/binary"
	"fmt"
	"net"
)

// NodeContact identifies a remote DHT node by id and UDP endpoint.
type NodeContact struct {
	ID       NodeID
	Endpoint *net.UDPAddr
}

// String returns "hexid at host:port".
func (c NodeContact) String() string {
	return fmt.Sprintf("%s at %s", c.ID, c.Endpoint)
}

// EncodeEndpoint writes the compact 6-byte (IPv4) or 18-byte (IPv6)
// address form.
func EncodeEndpoint(ep *net.UDPAddr) []byte {
	var out []byte
	if ip4 := ep.IP.To4(); ip4 != nil {
		out = append(out, ip4...)
	} else {
		out = append(out, ep.IP.To16()...)
	}
	return binary.BigEndian.AppendUint16(out, uint16(ep.Port))
}

// DecodeEndpoint parses a compact 6- or 18-byte address.
func DecodeEndpoint(b []byte) (*net.UDPAddr, error) {
	switch len(b) {
	case 6:
		return &net.UDPAddr{
			IP:   net.IPv4(b[0], b[1], b[2], b[3]),
			Port: int(binary.BigEndian.Uint16(b[4:])),
		}, nil
	case 18:
		ip := make(net.IP, 16)
		copy(ip, b[:16])
		return &net.UDPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(b[16:]))}, nil
	default:
		return nil, fmt.Errorf("compact endpoint must be 6 or 18 bytes, got %d", len(b))
	}
}

// EncodeContact writes the compact 26- or 38-byte id+address form.
func EncodeContact(c NodeContact) []byte {
	return append(append([]byte{}, c.ID[:]...), EncodeEndpoint(c.Endpoint)...)
}

// DecodeContacts4 parses a concatenation of compact IPv4 contacts from
// a "nodes" blob. Malformed trailing data is dropped.
func DecodeContacts4(b []byte) []NodeContact {
	return decodeContacts(b, 6)
}

// DecodeContacts6 parses a concatenation of compact IPv6 contacts from
// a "nodes6" blob.
func DecodeContacts6(b []byte) []NodeContact {
	return decodeContacts(b, 18)
}

func decodeContacts(b []byte, epLen int) []NodeContact {
	entry := 20 + epLen
	contacts := make([]NodeContact, 0, len(b)/entry)
	for len(b) >= entry {
		var id NodeID
		copy(id[:], b[:20])
		ep, err := DecodeEndpoint(b[20:entry])
		if err == nil {
			contacts = append(contacts, NodeContact{ID: id, Endpoint: ep})
		}
		b = b[entry:]
	}
	return contacts
}

// IsMartian reports whether an endpoint is unroutable or reserved and
// must never enter the routing table or be handed to clients.
func IsMartian(ep *net.UDPAddr) bool {
	if ep == nil || ep.Port == 0 {
		return true
	}
	ip := ep.IP
	switch {
	case ip.IsUnspecified(), ip.IsLoopback(), ip.IsMulticast(), ip.IsLinkLocalUnicast():
		return true
	case ip.IsPrivate():
		return true
	}
	return false
}
