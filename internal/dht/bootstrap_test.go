package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/pkg/constants"
)

func TestParseBootstrap(t *testing.T) {
	ep, err := parseBootstrap("router.example.com")
	require.NoError(t, err)
	assert.Equal(t, "router.example.com", ep.host)
	assert.Equal(t, constants.DHTBootstrapPort, ep.port)
	assert.Nil(t, ep.addr)

	ep, err = parseBootstrap("router.example.com:7000")
	require.NoError(t, err)
	assert.Equal(t, "router.example.com", ep.host)
	assert.Equal(t, 7000, ep.port)

	ep, err = parseBootstrap("203.0.113.7")
	require.NoError(t, err)
	require.NotNil(t, ep.addr)
	assert.True(t, ep.addr.IP.Equal(net.IPv4(203, 0, 113, 7)))
	assert.Equal(t, constants.DHTBootstrapPort, ep.addr.Port)

	ep, err = parseBootstrap(" 203.0.113.7:7001 ")
	require.NoError(t, err)
	require.NotNil(t, ep.addr)
	assert.Equal(t, 7001, ep.addr.Port)

	ep, err = parseBootstrap("[2001:db8::1]:7002")
	require.NoError(t, err)
	require.NotNil(t, ep.addr)
	assert.True(t, ep.addr.IP.Equal(net.ParseIP("2001:db8::1")))

	for _, bad := range []string{
		"router.example.com:0",
		"router.example.com:70000",
		"router.example.com:abc",
		"bad host!",
	} {
		_, err := parseBootstrap(bad)
		assert.Error(t, err, bad)
	}
}
