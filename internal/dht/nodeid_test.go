package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithPrefix(b ...byte) NodeID {
	var id NodeID
	copy(id[:], b)
	return id
}

func TestNodeIDFromBytes(t *testing.T) {
	raw := make([]byte, 20)
	raw[0] = 0xab
	id, err := NodeIDFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, raw, id.Bytes())

	_, err = NodeIDFromBytes(raw[:19])
	assert.Error(t, err)
}

func TestDistanceOrdering(t *testing.T) {
	target := idWithPrefix(0x00)
	near := idWithPrefix(0x01)
	far := idWithPrefix(0xf0)

	assert.True(t, near.CloserTo(target, far))
	assert.False(t, far.CloserTo(target, near))
	assert.False(t, near.CloserTo(target, near))

	d := near.Distance(far)
	assert.Equal(t, byte(0xf1), d[0])
}

func TestCommonPrefixLen(t *testing.T) {
	a := idWithPrefix(0xff, 0x00)
	assert.Equal(t, 0, a.CommonPrefixLen(idWithPrefix(0x00)))
	assert.Equal(t, 8, a.CommonPrefixLen(idWithPrefix(0xff, 0x80)))
	assert.Equal(t, 160, a.CommonPrefixLen(a))
}

func TestNodeIDBit(t *testing.T) {
	id := idWithPrefix(0x80, 0x01)
	assert.Equal(t, byte(1), id.Bit(0))
	assert.Equal(t, byte(0), id.Bit(1))
	assert.Equal(t, byte(1), id.Bit(15))
}

func TestGenerateNodeIDVerifies(t *testing.T) {
	for _, ip := range []net.IP{
		net.IPv4(203, 0, 113, 7),
		net.ParseIP("2001:db8::1"),
	} {
		id := GenerateNodeID(ip)
		assert.True(t, id.VerifiesAddress(ip), "%s", ip)
		assert.False(t, id.VerifiesAddress(net.IPv4(198, 51, 100, 99)), "%s", ip)
	}
}

func TestIsZero(t *testing.T) {
	assert.True(t, NodeID{}.IsZero())
	assert.False(t, idWithPrefix(0x01).IsZero())
}
