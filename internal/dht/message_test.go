package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/pkg/bencode"
)

func TestQueryRoundTrip(t *testing.T) {
	id := RandomNodeID()
	args := bencode.NewDict()
	args.Set("id", bencode.Bytes(id.Bytes()))
	args.Set("target", bencode.Bytes(id.Bytes()))

	data := EncodeQuery([]byte("aa"), "find_node", args, false)
	m, err := DecodeMessage(data)
	require.NoError(t, err)

	assert.Equal(t, []byte("aa"), m.TID)
	assert.Equal(t, "q", m.Type)
	assert.Equal(t, "find_node", m.Method)
	assert.False(t, m.ReadOnly)

	got, ok := m.NodeID()
	require.True(t, ok)
	assert.Equal(t, id, got)
}

func TestQueryReadOnlyFlag(t *testing.T) {
	args := bencode.NewDict()
	args.Set("id", bencode.Bytes(RandomNodeID().Bytes()))

	m, err := DecodeMessage(EncodeQuery([]byte("ro"), "ping", args, true))
	require.NoError(t, err)
	assert.True(t, m.ReadOnly)
}

func TestResponseRoundTrip(t *testing.T) {
	id := RandomNodeID()
	resp := bencode.NewDict()
	resp.Set("id", bencode.Bytes(id.Bytes()))
	to := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 6881}

	m, err := DecodeMessage(EncodeResponse([]byte("bb"), resp, to))
	require.NoError(t, err)

	assert.Equal(t, "r", m.Type)
	got, ok := m.NodeID()
	require.True(t, ok)
	assert.Equal(t, id, got)
	require.NotNil(t, m.ExternalAddr)
	assert.True(t, m.ExternalAddr.IP.Equal(to.IP))
	assert.Equal(t, to.Port, m.ExternalAddr.Port)
}

func TestErrorRoundTrip(t *testing.T) {
	m, err := DecodeMessage(EncodeError([]byte("ee"), ErrCodeCasMismatch, "cas mismatch"))
	require.NoError(t, err)

	assert.Equal(t, "e", m.Type)
	require.NotNil(t, m.Err)
	assert.Equal(t, ErrCodeCasMismatch, m.Err.Code)
	assert.Equal(t, "cas mismatch", m.Err.Message)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, bad := range [][]byte{
		nil,
		[]byte("not bencode"),
		[]byte("le"),
		[]byte("d1:t2:aa1:y1:qe"),          // query without method
		[]byte("d1:t2:aa1:y1:q1:q4:pinge"), // query without args
		[]byte("d1:t2:aa1:y1:re"),          // reply without body
		[]byte("d1:t2:aa1:y1:xe"),          // unknown type
	} {
		_, err := DecodeMessage(bad)
		assert.Error(t, err, "%q", bad)
	}
}

func TestContactCompactRoundTrip(t *testing.T) {
	c := NodeContact{
		ID:       RandomNodeID(),
		Endpoint: &net.UDPAddr{IP: net.IPv4(198, 51, 100, 4), Port: 51413},
	}
	blob := EncodeContact(c)
	require.Len(t, blob, 26)

	parsed := DecodeContacts4(blob)
	require.Len(t, parsed, 1)
	assert.Equal(t, c.ID, parsed[0].ID)
	assert.True(t, parsed[0].Endpoint.IP.Equal(c.Endpoint.IP))
	assert.Equal(t, c.Endpoint.Port, parsed[0].Endpoint.Port)

	// Trailing partial entries are dropped.
	assert.Len(t, DecodeContacts4(append(blob, blob[:10]...)), 1)
}

func TestEndpointCompactV6(t *testing.T) {
	ep := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881}
	b := EncodeEndpoint(ep)
	require.Len(t, b, 18)

	parsed, err := DecodeEndpoint(b)
	require.NoError(t, err)
	assert.True(t, parsed.IP.Equal(ep.IP))
	assert.Equal(t, ep.Port, parsed.Port)

	_, err = DecodeEndpoint(b[:5])
	assert.Error(t, err)
}

func TestIsMartian(t *testing.T) {
	martians := []*net.UDPAddr{
		nil,
		{IP: net.IPv4(203, 0, 113, 7), Port: 0},
		{IP: net.IPv4zero, Port: 6881},
		{IP: net.IPv4(127, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(10, 0, 0, 1), Port: 6881},
		{IP: net.IPv4(192, 168, 1, 1), Port: 6881},
		{IP: net.IPv4(224, 0, 0, 1), Port: 6881},
	}
	for _, ep := range martians {
		assert.True(t, IsMartian(ep), "%v", ep)
	}
	assert.False(t, IsMartian(&net.UDPAddr{IP: net.IPv4(203, 0, 113, 7), Port: 6881}))
}
