package dht

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/pkg/bencode"
	"github.com/ouinet/ouicache/pkg/constants"
)

func testMutableItem(t *testing.T, priv ed25519.PrivateKey, seq int64, value string) *MutableItem {
	t.Helper()
	item := &MutableItem{
		Key:   priv.Public().(ed25519.PublicKey),
		Value: bencode.Bytes(value),
		Seq:   seq,
	}
	item.Sign(priv)
	return item
}

func TestMutableItemSignVerify(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	item := testMutableItem(t, priv, 3, "payload")
	assert.True(t, item.Verify())

	item.Seq = 4
	assert.False(t, item.Verify())

	salted := &MutableItem{
		Key:   priv.Public().(ed25519.PublicKey),
		Salt:  []byte("foobar"),
		Value: bencode.Bytes("payload"),
		Seq:   1,
	}
	salted.Sign(priv)
	assert.True(t, salted.Verify())
	assert.NotEqual(t, item.Target(), salted.Target())
}

func TestDataStoreMutableMonotonic(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := newDataStore()

	code, err := s.putMutable(testMutableItem(t, priv, 2, "two"), nil)
	require.NoError(t, err)
	assert.Zero(t, code)

	// Older sequence numbers are refused.
	code, err = s.putMutable(testMutableItem(t, priv, 1, "one"), nil)
	assert.Error(t, err)
	assert.Equal(t, ErrCodeSeqNotUpdated, code)

	// Reusing the stored seq with a different value is refused.
	code, err = s.putMutable(testMutableItem(t, priv, 2, "other"), nil)
	assert.Error(t, err)
	assert.Equal(t, ErrCodeSeqNotUpdated, code)

	// Re-publishing the same seq and value is fine.
	code, err = s.putMutable(testMutableItem(t, priv, 2, "two"), nil)
	require.NoError(t, err)
	assert.Zero(t, code)

	code, err = s.putMutable(testMutableItem(t, priv, 3, "three"), nil)
	require.NoError(t, err)
	assert.Zero(t, code)

	got, ok := s.getMutable(testMutableItem(t, priv, 0, "").Target())
	require.True(t, ok)
	assert.Equal(t, int64(3), got.Seq)
}

func TestDataStoreMutableCas(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	s := newDataStore()

	_, err = s.putMutable(testMutableItem(t, priv, 5, "five"), nil)
	require.NoError(t, err)

	wrong := int64(4)
	code, err := s.putMutable(testMutableItem(t, priv, 6, "six"), &wrong)
	assert.Error(t, err)
	assert.Equal(t, ErrCodeCasMismatch, code)

	right := int64(5)
	code, err = s.putMutable(testMutableItem(t, priv, 6, "six"), &right)
	require.NoError(t, err)
	assert.Zero(t, code)
}

func TestDataStoreImmutable(t *testing.T) {
	s := newDataStore()
	v := bencode.Bytes("immutable value")
	key := ImmutableKey(v)

	_, ok := s.getImmutable(key)
	assert.False(t, ok)

	s.putImmutable(key, v)
	got, ok := s.getImmutable(key)
	require.True(t, ok)
	assert.Equal(t, v, got)
}

func TestTokenRotation(t *testing.T) {
	clk := clock.NewMock()
	issuer := newTokenIssuer(clk)
	ep := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 9), Port: 6881}
	other := &net.UDPAddr{IP: net.IPv4(203, 0, 113, 10), Port: 6881}

	token := issuer.issue(ep)
	assert.True(t, issuer.validate(ep, token))
	assert.False(t, issuer.validate(other, token))
	assert.False(t, issuer.validate(ep, []byte("bogus")))

	// One rotation later the old token still validates.
	clk.Add(constants.DHTTokenRotate + time.Second)
	assert.True(t, issuer.validate(ep, token))

	// Two rotations later it does not.
	clk.Add(constants.DHTTokenRotate + time.Second)
	issuer.issue(ep)
	assert.False(t, issuer.validate(ep, token))
}

func TestTrackerStoreExpiry(t *testing.T) {
	clk := clock.NewMock()
	s := newTrackerStore(clk)
	infohash := RandomNodeID()
	ep := &net.UDPAddr{IP: net.IPv4(198, 51, 100, 1), Port: 1234}

	s.announce(infohash, ep)
	require.Len(t, s.peers(infohash), 1)

	clk.Add(trackerPeerTTL + time.Minute)
	assert.Empty(t, s.peers(infohash))

	// Re-announcing refreshes the entry.
	s.announce(infohash, ep)
	clk.Add(trackerPeerTTL / 2)
	s.announce(infohash, ep)
	clk.Add(trackerPeerTTL / 2)
	assert.Len(t, s.peers(infohash), 1)
}
