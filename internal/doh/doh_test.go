package doh

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dohHandler answers A queries for the given host with addr.
func dohHandler(t *testing.T, host string, addr net.IP) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := base64.RawURLEncoding.DecodeString(r.URL.Query().Get("dns"))
		require.NoError(t, err)

		var msg dns.Msg
		require.NoError(t, msg.Unpack(q))
		require.Len(t, msg.Question, 1)
		assert.Equal(t, uint16(0), msg.Id)

		reply := new(dns.Msg)
		reply.SetReply(&msg)
		if msg.Question[0].Name == dns.Fqdn(host) && addr != nil {
			reply.Answer = append(reply.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   msg.Question[0].Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    300,
				},
				A: addr,
			})
		}
		packed, err := reply.Pack()
		require.NoError(t, err)
		w.Header().Set("Content-Type", "application/dns-message")
		w.Write(packed)
	}
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewTLSServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(Config{Endpoint: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	return c
}

func TestResolve(t *testing.T) {
	want := net.IPv4(203, 0, 113, 80)
	c := testClient(t, dohHandler(t, "router.example.com", want))

	ips, err := c.Resolve(context.Background(), "router.example.com")
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.True(t, ips[0].Equal(want))
}

func TestResolveNoAddresses(t *testing.T) {
	c := testClient(t, dohHandler(t, "router.example.com", nil))

	_, err := c.Resolve(context.Background(), "router.example.com")
	assert.ErrorIs(t, err, ErrNoAddresses)
}

func TestResolveBadStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))

	_, err := c.Resolve(context.Background(), "router.example.com")
	assert.Error(t, err)
}

func TestResolveBadContentType(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello"))
	}))

	_, err := c.Resolve(context.Background(), "router.example.com")
	assert.Error(t, err)
}

func TestNewRejectsPlainHTTP(t *testing.T) {
	_, err := New(Config{Endpoint: "http://1.1.1.1/dns-query"})
	assert.Error(t, err)
	_, err = New(Config{Endpoint: "::bad::"})
	assert.Error(t, err)
}
