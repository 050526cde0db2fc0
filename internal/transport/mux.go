// Package transport multiplexes one UDP socket per address family
// between uTP streams and raw DHT datagrams. The uTP socket recognises
// its own packets; everything else surfaces through ReadFrom, so the
// DHT node and the peer transport share a single port.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/anacrolix/utp"
	"go.uber.org/zap"
)

// Mux owns one bound UDP socket serving both stream and datagram
// traffic.
type Mux struct {
	sock    *utp.Socket
	logger  *zap.Logger
	network string
}

// Config configures a Mux.
type Config struct {
	// Network is "udp", "udp4" or "udp6".
	Network string
	// Addr is the local address to bind, e.g. ":0".
	Addr   string
	Logger *zap.Logger
}

// New binds a multiplexed socket.
func New(config Config) (*Mux, error) {
	if config.Network == "" {
		config.Network = "udp"
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sock, err := utp.NewSocket(config.Network, config.Addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s %s: %w", config.Network, config.Addr, err)
	}
	logger.Debug("transport bound", zap.Stringer("addr", sock.Addr()))
	return &Mux{sock: sock, logger: logger, network: config.Network}, nil
}

// LocalAddr returns the bound UDP address.
func (m *Mux) LocalAddr() *net.UDPAddr {
	return m.sock.Addr().(*net.UDPAddr)
}

// ReadFrom receives the next non-uTP datagram.
func (m *Mux) ReadFrom(p []byte) (int, *net.UDPAddr, error) {
	n, addr, err := m.sock.ReadFrom(p)
	if err != nil {
		return n, nil, err
	}
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return n, nil, fmt.Errorf("unexpected address type %T", addr)
	}
	return n, ua, nil
}

// WriteTo sends a raw datagram.
func (m *Mux) WriteTo(p []byte, addr *net.UDPAddr) (int, error) {
	return m.sock.WriteTo(p, addr)
}

// Accept waits for an inbound uTP stream.
func (m *Mux) Accept() (net.Conn, error) {
	return m.sock.Accept()
}

// Dial opens a uTP stream to addr, honouring the context deadline.
func (m *Mux) Dial(ctx context.Context, addr *net.UDPAddr) (net.Conn, error) {
	return m.sock.DialContext(ctx, m.network, addr.String())
}

// DialTimeout opens a uTP stream with an explicit connect timeout.
func (m *Mux) DialTimeout(ctx context.Context, addr *net.UDPAddr, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Dial(ctx, addr)
}

// Matches reports whether the mux serves the same address family as ep.
func (m *Mux) Matches(ep *net.UDPAddr) bool {
	return (m.LocalAddr().IP.To4() != nil) == (ep.IP.To4() != nil)
}

// Close releases the socket. Outstanding streams are torn down.
func (m *Mux) Close() error {
	return m.sock.Close()
}

// Set selects between an IPv4 and an IPv6 mux by peer address family.
type Set struct {
	muxes []*Mux
}

// NewSet wraps the given muxes, ignoring nils.
func NewSet(muxes ...*Mux) *Set {
	s := &Set{}
	for _, m := range muxes {
		if m != nil {
			s.muxes = append(s.muxes, m)
		}
	}
	return s
}

// For returns a mux able to reach ep, or nil.
func (s *Set) For(ep *net.UDPAddr) *Mux {
	for _, m := range s.muxes {
		if m.Matches(ep) {
			return m
		}
	}
	return nil
}

// All returns every mux in the set.
func (s *Set) All() []*Mux {
	return s.muxes
}

// LocalAddrs returns the bound addresses.
func (s *Set) LocalAddrs() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(s.muxes))
	for _, m := range s.muxes {
		out = append(out, m.LocalAddr())
	}
	return out
}

// Close closes all muxes.
func (s *Set) Close() error {
	var first error
	for _, m := range s.muxes {
		if err := m.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
