package dht

import (
	"fmt"
	"net"

	"github.com/ouinet/ouicache/pkg/bencode"
)

// KRPC error codes, including the BEP-44 storage extensions.
const (
	ErrCodeGeneric        = 201
	ErrCodeProtocol       = 203
	ErrCodeMessageTooBig  = 205
	ErrCodeInvalidSig     = 206
	ErrCodeCasMismatch    = 301
	ErrCodeSeqNotUpdated  = 302
	ErrCodeUnknownMethod  = 204
	ErrCodeSaltTooLong    = 207
)

// RPCError is a remote "y":"e" reply.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("dht error %d: %s", e.Code, e.Message)
}

// Message is a decoded KRPC datagram.
type Message struct {
	TID    []byte
	Type   string // "q", "r" or "e"
	Method string // for queries
	Args   *bencode.Dict
	// ReadOnly is the BEP-43 flag; such senders never enter the
	// routing table.
	ReadOnly bool
	Response *bencode.Dict
	Err      *RPCError
	// ExternalAddr is the optional top-level "ip" field: the queried
	// node's view of our external endpoint.
	ExternalAddr *net.UDPAddr
}

// NodeID returns the sender id carried in the query args or reply body.
func (m *Message) NodeID() (NodeID, bool) {
	var src *bencode.Dict
	switch m.Type {
	case "q":
		src = m.Args
	case "r":
		src = m.Response
	default:
		return NodeID{}, false
	}
	raw := src.GetBytes("id")
	if len(raw) != 20 {
		return NodeID{}, false
	}
	id, _ := NodeIDFromBytes(raw)
	return id, true
}

// EncodeQuery builds a "y":"q" datagram.
func EncodeQuery(tid []byte, method string, args *bencode.Dict, readOnly bool) []byte {
	d := bencode.NewDict()
	d.Set("t", bencode.Bytes(tid))
	d.Set("y", bencode.String("q"))
	d.Set("q", bencode.String(method))
	d.Set("a", args)
	if readOnly {
		d.Set("ro", bencode.Int(1))
	}
	return bencode.Encode(d)
}

// EncodeResponse builds a "y":"r" datagram. to is the requester's
// endpoint as seen by this node, echoed in compact form in the "ip"
// field so peers learn their own external address.
func EncodeResponse(tid []byte, resp *bencode.Dict, to *net.UDPAddr) []byte {
	d := bencode.NewDict()
	d.Set("t", bencode.Bytes(tid))
	d.Set("y", bencode.String("r"))
	d.Set("r", resp)
	if to != nil {
		d.Set("ip", bencode.Bytes(EncodeEndpoint(to)))
	}
	return bencode.Encode(d)
}

// EncodeError builds a "y":"e" datagram.
func EncodeError(tid []byte, code int, msg string) []byte {
	d := bencode.NewDict()
	d.Set("t", bencode.Bytes(tid))
	d.Set("y", bencode.String("e"))
	d.Set("e", bencode.List{bencode.Int(code), bencode.String(msg)})
	return bencode.Encode(d)
}

// DecodeMessage parses a raw datagram into a Message.
func DecodeMessage(data []byte) (*Message, error) {
	v, err := bencode.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode datagram: %w", err)
	}
	d, ok := v.(*bencode.Dict)
	if !ok {
		return nil, fmt.Errorf("datagram is not a dictionary")
	}

	m := &Message{TID: d.GetBytes("t")}
	y, _ := d.GetString("y")
	m.Type = y
	if ipRaw := d.GetBytes("ip"); len(ipRaw) == 6 || len(ipRaw) == 18 {
		m.ExternalAddr, _ = DecodeEndpoint(ipRaw)
	}

	switch y {
	case "q":
		method, ok := d.GetString("q")
		if !ok {
			return nil, fmt.Errorf("query without method")
		}
		m.Method = method
		m.Args = d.GetDict("a")
		if m.Args == nil {
			return nil, fmt.Errorf("query without arguments")
		}
		if ro, ok := d.GetInt("ro"); ok && ro == 1 {
			m.ReadOnly = true
		}
	case "r":
		m.Response = d.GetDict("r")
		if m.Response == nil {
			return nil, fmt.Errorf("reply without body")
		}
	case "e":
		l := d.GetList("e")
		rpcErr := &RPCError{Code: ErrCodeGeneric}
		if len(l) > 0 {
			if code, ok := l[0].(bencode.Int); ok {
				rpcErr.Code = int(code)
			}
		}
		if len(l) > 1 {
			if msg, ok := l[1].(bencode.Bytes); ok {
				rpcErr.Message = string(msg)
			}
		}
		m.Err = rpcErr
	default:
		return nil, fmt.Errorf("unknown message type %q", y)
	}
	return m, nil
}
