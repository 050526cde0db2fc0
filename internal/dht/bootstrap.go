package dht

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/pkg/constants"
)

// Resolver turns a bootstrap hostname into addresses. A DNS-over-HTTPS
// implementation lives in the doh package; the default uses the system
// resolver.
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]net.IP, error)
}

// SystemResolver resolves through the operating system.
type SystemResolver struct{}

func (SystemResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// wellKnownRouters are the public bootstrap nodes tried on every
// attempt, in random order.
var wellKnownRouters = []string{
	"router.bittorrent.com",
	"dht.transmissionbt.com",
	"router.utorrent.com",
}

var hostnameRe = regexp.MustCompile(`^[_0-9a-z]+(\.[_0-9a-z]+)*$`)

// bootstrapEndpoint is one parsed bootstrap entry: either a literal
// address or a hostname still to resolve.
type bootstrapEndpoint struct {
	host string
	addr *net.UDPAddr
	port int
}

// parseBootstrap parses "host", "host:port", "ip" or "ip:port". The
// default DHT port applies when none is given.
func parseBootstrap(s string) (bootstrapEndpoint, error) {
	s = strings.TrimSpace(s)
	port := constants.DHTBootstrapPort

	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	} else {
		p, err := strconv.Atoi(portStr)
		if err != nil || p <= 0 || p > 65535 {
			return bootstrapEndpoint{}, fmt.Errorf("invalid bootstrap port %q", portStr)
		}
		port = p
	}

	if ip := net.ParseIP(host); ip != nil {
		return bootstrapEndpoint{addr: &net.UDPAddr{IP: ip, Port: port}, port: port}, nil
	}
	if !hostnameRe.MatchString(host) {
		return bootstrapEndpoint{}, fmt.Errorf("invalid bootstrap address %q", s)
	}
	return bootstrapEndpoint{host: host, port: port}, nil
}

// bootstrap pings bootstrap nodes until one reveals our external
// endpoint, adopts the address-derived node id and fills the routing
// table by walking toward it. Retries until the context is cancelled.
func (n *Node) bootstrap(ctx context.Context) {
	for ctx.Err() == nil {
		if n.bootstrapOnce(ctx) {
			n.logger.Info("bootstrapped",
				zap.Stringer("id", n.ID()),
				zap.Stringer("wan", n.WanEndpoint()),
				zap.Int("contacts", n.table.Count()))
			return
		}
		n.logger.Debug("bootstrap attempt failed, backing off")
		timer := n.clk.Timer(constants.DHTBootstrapBackoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (n *Node) bootstrapOnce(ctx context.Context) bool {
	var wan *net.UDPAddr
	candidates := append(n.loadSnapshot(), n.bootstrapCandidates(ctx)...)
	for _, ep := range candidates {
		if !n.mux.Matches(ep) {
			continue
		}
		m, err := n.Ping(ctx, Contact{Endpoint: ep})
		if err != nil {
			continue
		}
		if m.ExternalAddr == nil || IsMartian(m.ExternalAddr) {
			continue
		}
		wan = m.ExternalAddr
		break
	}
	if wan == nil {
		return false
	}

	id := GenerateNodeID(wan.IP)
	n.setIdentity(id, wan)

	if _, err := n.findClosestNodes(ctx, id); err != nil {
		return false
	}
	if n.table.Count() == 0 {
		return false
	}
	n.markReady()
	return true
}

// bootstrapCandidates resolves the well-known routers plus any
// configured extras into a shuffled endpoint list.
func (n *Node) bootstrapCandidates(ctx context.Context) []*net.UDPAddr {
	entries := make([]bootstrapEndpoint, 0, len(wellKnownRouters)+len(n.config.Bootstraps))
	for _, h := range wellKnownRouters {
		entries = append(entries, bootstrapEndpoint{host: h, port: constants.DHTBootstrapPort})
	}
	for _, s := range n.config.Bootstraps {
		ep, err := parseBootstrap(s)
		if err != nil {
			n.logger.Warn("ignoring bootstrap entry", zap.String("entry", s), zap.Error(err))
			continue
		}
		entries = append(entries, ep)
	}
	rand.Shuffle(len(entries), func(i, j int) {
		entries[i], entries[j] = entries[j], entries[i]
	})

	var out []*net.UDPAddr
	for _, e := range entries {
		if e.addr != nil {
			out = append(out, e.addr)
			continue
		}
		ips, err := n.config.Resolver.Resolve(ctx, e.host)
		if err != nil {
			n.logger.Debug("bootstrap resolve failed",
				zap.String("host", e.host), zap.Error(err))
			continue
		}
		for _, ip := range ips {
			out = append(out, &net.UDPAddr{IP: ip, Port: e.port})
		}
	}
	return out
}
