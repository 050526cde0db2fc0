// Package doh resolves hostnames over DNS-over-HTTPS (RFC 8484), so
// bootstrap lookups work where plain DNS is filtered.
package doh

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const contentType = "application/dns-message"

// maxResponseSize bounds a DoH reply body.
const maxResponseSize = 64 * 1024

// ErrNoAddresses means the query succeeded but returned no usable
// records. Callers may retry later.
var ErrNoAddresses = fmt.Errorf("doh: host has no addresses, try again")

// Client resolves names against one DoH endpoint.
type Client struct {
	endpoint string
	http     *http.Client
	ipv6     bool
	logger   *zap.Logger
}

// Config configures a Client.
type Config struct {
	// Endpoint is the DoH URL, e.g. "https://1.1.1.1/dns-query".
	Endpoint string
	// IPv6 queries AAAA records instead of A records.
	IPv6       bool
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New creates a DoH client.
func New(config Config) (*Client, error) {
	u, err := url.Parse(config.Endpoint)
	if err != nil || u.Scheme != "https" {
		return nil, fmt.Errorf("doh: invalid endpoint %q", config.Endpoint)
	}
	hc := config.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: config.Endpoint,
		http:     hc,
		ipv6:     config.IPv6,
		logger:   logger.Named("doh"),
	}, nil
}

// buildQuery encodes a minimal question with a zero transaction id.
// Keeping the encoding deterministic makes the GET URL cacheable by
// intermediaries.
func buildQuery(host string, ipv6 bool) ([]byte, error) {
	qtype := dns.TypeA
	if ipv6 {
		qtype = dns.TypeAAAA
	}
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(host), qtype)
	m.Id = 0
	m.RecursionDesired = true
	return m.Pack()
}

// Resolve implements the dht.Resolver interface.
func (c *Client) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	q, err := buildQuery(host, c.ipv6)
	if err != nil {
		return nil, fmt.Errorf("doh: build query for %q: %w", host, err)
	}

	u := c.endpoint + "?dns=" + base64.RawURLEncoding.EncodeToString(q)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("doh: build request: %w", err)
	}
	req.Header.Set("Accept", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh: query %q: %w", host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: query %q: unexpected status %s", host, resp.Status)
	}
	if ct := resp.Header.Get("Content-Type"); ct != contentType {
		return nil, fmt.Errorf("doh: query %q: unexpected content type %q", host, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("doh: read reply: %w", err)
	}

	var answer dns.Msg
	if err := answer.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh: parse reply: %w", err)
	}
	if answer.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("doh: query %q: rcode %s", host, dns.RcodeToString[answer.Rcode])
	}

	var ips []net.IP
	for _, rr := range answer.Answer {
		switch r := rr.(type) {
		case *dns.A:
			ips = append(ips, r.A)
		case *dns.AAAA:
			ips = append(ips, r.AAAA)
		}
	}
	if len(ips) == 0 {
		return nil, ErrNoAddresses
	}
	c.logger.Debug("resolved", zap.String("host", host), zap.Int("addresses", len(ips)))
	return ips, nil
}
