package swarm

import (
	"crypto/ed25519"
	"crypto/sha1"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	return ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
}

func TestNameForms(t *testing.T) {
	pub := testKey(t)

	inj := Injectors(pub)
	assert.True(t, strings.HasPrefix(inj, "ed25519:"))
	assert.True(t, strings.HasSuffix(inj, "/v5/injectors"))
	assert.NotContains(t, inj, "=", "base32 must be unpadded")

	brd := Bridges(pub)
	assert.True(t, strings.HasSuffix(brd, "/v5/bridges"))

	uri := URI(pub, "https://example.com/index.html")
	assert.True(t, strings.HasSuffix(uri, "/v5/uri/https://example.com/index.html"))

	// All three share the key prefix.
	prefix := inj[:strings.Index(inj, "/v5/")]
	assert.True(t, strings.HasPrefix(brd, prefix))
	assert.True(t, strings.HasPrefix(uri, prefix))
}

func TestHash(t *testing.T) {
	name := "ed25519:ABCD/v5/injectors"
	h := Hash(name)
	require.Equal(t, [20]byte(sha1.Sum([]byte(name))), [20]byte(h))
	assert.Len(t, h.String(), 40)
	assert.Equal(t, h[:], h.Bytes())
}
