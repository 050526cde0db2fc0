package httpsig

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/pkg/response"
)

// testBody is 131 076 bytes: three signing blocks, the last one short.
func testBody() []byte {
	return []byte("0123" + strings.Repeat("x", 65528) + "4567" +
		"89AB" + strings.Repeat("x", 65528) + "CDEF" + "abcd")
}

const testURI = "https://example.com/hello"

func testInjection() Injection {
	return Injection{ID: "d6076384-2295-462b-a047-fe2c9274e58d", TS: 1516048310}
}

func testKey(t *testing.T) ed25519.PrivateKey {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return priv
}

// partsReader replays a fixed part sequence.
type partsReader struct {
	parts []response.Part
}

func (r *partsReader) ReadPart() (response.Part, error) {
	if len(r.parts) == 0 {
		return nil, io.EOF
	}
	p := r.parts[0]
	r.parts = r.parts[1:]
	return p, nil
}

func originParts(body []byte) []response.Part {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("Date", "Mon, 15 Jan 2018 20:31:50 GMT")
	parts := []response.Part{response.NewHead(200, h)}
	for len(body) > 0 {
		n := 10000
		if n > len(body) {
			n = len(body)
		}
		parts = append(parts, response.ChunkBody(body[:n]))
		body = body[n:]
	}
	return parts
}

func drain(t *testing.T, r response.PartReader) []response.Part {
	t.Helper()
	var parts []response.Part
	for {
		p, err := r.ReadPart()
		if err == io.EOF {
			return parts
		}
		require.NoError(t, err)
		parts = append(parts, p)
	}
}

func collectBody(parts []response.Part) []byte {
	var out []byte
	for _, p := range parts {
		if b, ok := p.(response.ChunkBody); ok {
			out = append(out, b...)
		}
	}
	return out
}

func signedStream(t *testing.T, priv ed25519.PrivateKey, body []byte) []response.Part {
	t.Helper()
	sr := NewSigningReader(&partsReader{parts: originParts(body)}, testURI, testInjection(), priv)
	return drain(t, sr)
}

func TestSignProducesExpectedShape(t *testing.T) {
	priv := testKey(t)
	parts := signedStream(t, priv, testBody())

	head, ok := parts[0].(response.Head)
	require.True(t, ok)
	assert.Equal(t, "5", head.Header.Get(HdrVersion))
	assert.Equal(t, testURI, head.Header.Get(HdrURI))
	assert.NotEmpty(t, head.Header.Get(HdrSig0))
	assert.True(t, head.Chunked())

	var hdrs []response.ChunkHdr
	for _, p := range parts {
		if h, ok := p.(response.ChunkHdr); ok {
			hdrs = append(hdrs, h)
		}
	}
	// Three data chunks plus the final zero-length one.
	require.Len(t, hdrs, 4)
	assert.Equal(t, int64(65536), hdrs[0].Size)
	assert.Equal(t, int64(65536), hdrs[1].Size)
	assert.Equal(t, int64(4), hdrs[2].Size)
	assert.Equal(t, int64(0), hdrs[3].Size)

	_, ok = response.ExtValue(hdrs[0].Exts, ExtSig)
	assert.False(t, ok)
	for _, h := range hdrs[1:] {
		_, ok := response.ExtValue(h.Exts, ExtSig)
		assert.True(t, ok)
	}

	trailer, ok := parts[len(parts)-1].(response.Trailer)
	require.True(t, ok)
	assert.Equal(t, "131076", trailer.Header.Get(HdrDataSize))
	assert.Equal(t, "SHA-256=E4RswXyAONCaILm5T/ZezbHI87EKvKIdxURKxiVHwKE=",
		trailer.Header.Get("Digest"))
	assert.NotEmpty(t, trailer.Header.Get(HdrSig1))
}

func TestSignVerifyRoundTrip(t *testing.T) {
	priv := testKey(t)
	body := testBody()
	parts := signedStream(t, priv, body)

	vr := NewVerifyingReader(&partsReader{parts: parts}, priv.Public().(ed25519.PublicKey))
	out := drain(t, vr)

	assert.Equal(t, body, collectBody(out))
	require.NotNil(t, vr.Head())
	assert.True(t, vr.Head().Complete)
	assert.Equal(t, int64(131076), vr.Head().DataSize)
	assert.Equal(t, testURI, vr.Head().URI)
	_, ok := out[len(out)-1].(response.Trailer)
	assert.True(t, ok)
}

func TestSignVerifyEmptyBody(t *testing.T) {
	priv := testKey(t)
	parts := signedStream(t, priv, nil)

	vr := NewVerifyingReader(&partsReader{parts: parts}, priv.Public().(ed25519.PublicKey))
	out := drain(t, vr)
	assert.Empty(t, collectBody(out))
	assert.True(t, vr.Head().Complete)
	assert.Equal(t, int64(0), vr.Head().DataSize)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	priv := testKey(t)
	other := testKey(t)
	parts := signedStream(t, priv, []byte("data"))

	vr := NewVerifyingReader(&partsReader{parts: parts}, other.Public().(ed25519.PublicKey))
	_, err := vr.ReadPart()
	assert.Error(t, err)
}

func failsVerification(t *testing.T, parts []response.Part, pub ed25519.PublicKey) bool {
	t.Helper()
	vr := NewVerifyingReader(&partsReader{parts: parts}, pub)
	for {
		_, err := vr.ReadPart()
		if err == io.EOF {
			return false
		}
		if err != nil {
			return true
		}
	}
}

func TestVerifyRejectsTamperedBody(t *testing.T) {
	priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	parts := signedStream(t, priv, testBody())

	for i, p := range parts {
		if b, ok := p.(response.ChunkBody); ok {
			mutated := append(response.ChunkBody(nil), b...)
			mutated[len(mutated)/2] ^= 1
			tampered := append([]response.Part(nil), parts...)
			tampered[i] = mutated
			assert.True(t, failsVerification(t, tampered, pub), "chunk body %d", i)
			break
		}
	}
}

func TestVerifyRejectsTamperedHead(t *testing.T) {
	priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	parts := signedStream(t, priv, []byte("data"))

	head := parts[0].(response.Head).Clone()
	head.Header.Set("Date", "Tue, 16 Jan 2018 20:31:50 GMT")
	tampered := append([]response.Part(nil), parts...)
	tampered[0] = head
	assert.True(t, failsVerification(t, tampered, pub))
}

func TestVerifyRejectsTamperedTrailer(t *testing.T) {
	priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	parts := signedStream(t, priv, []byte("data"))

	last := parts[len(parts)-1].(response.Trailer)
	trailer := response.Trailer{Header: last.Header.Clone()}
	trailer.Header.Set(HdrDataSize, "5")
	tampered := append([]response.Part(nil), parts...)
	tampered[len(tampered)-1] = trailer
	assert.True(t, failsVerification(t, tampered, pub))
}

func TestVerifyRejectsTamperedBlockSignature(t *testing.T) {
	priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	parts := signedStream(t, priv, testBody())

	tampered := append([]response.Part(nil), parts...)
	for i, p := range tampered {
		h, ok := p.(response.ChunkHdr)
		if !ok {
			continue
		}
		if _, ok := response.ExtValue(h.Exts, ExtSig); !ok {
			continue
		}
		// Swap the signature for one over different bytes.
		var chain ChainHasher
		bogus := chain.AppendBlock([]byte("bogus")).Sign(priv, testInjection().ID)
		h.Exts = response.Ext(ExtSig, base64.StdEncoding.EncodeToString(bogus))
		tampered[i] = h
		break
	}
	assert.True(t, failsVerification(t, tampered, pub))
}

func TestChainHash(t *testing.T) {
	d0 := BlockDigest([]byte("block zero"))
	d1 := BlockDigest([]byte("block one"))

	var h ChainHasher
	c0 := h.AppendDigest(d0, 10)
	assert.Equal(t, int64(0), c0.Offset)
	assert.Equal(t, d0, c0.Digest)

	c1 := h.AppendDigest(d1, 9)
	assert.Equal(t, int64(10), c1.Offset)
	want := sha512.New()
	want.Write(c0.Digest[:])
	want.Write(d1[:])
	assert.Equal(t, want.Sum(nil), c1.Digest[:])
}

func TestChainHasherResume(t *testing.T) {
	d0 := BlockDigest([]byte("a"))
	d1 := BlockDigest([]byte("b"))

	var full ChainHasher
	full.AppendDigest(d0, 65536)
	want := full.AppendDigest(d1, 65536)

	var resumed ChainHasher
	resumed.Resume(65536, d0)
	got := resumed.AppendDigest(d1, 65536)
	assert.Equal(t, want, got)
}

func TestBlockSignatureRoundTrip(t *testing.T) {
	priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)

	var h ChainHasher
	ch := h.AppendBlock([]byte("payload"))
	sig := ch.Sign(priv, "some-injection")
	assert.True(t, ch.Verify(pub, "some-injection", sig))
	assert.False(t, ch.Verify(pub, "other-injection", sig))
	assert.False(t, ch.Verify(pub, "some-injection", sig[:10]))
}

func TestInjectionRoundTrip(t *testing.T) {
	inj := testInjection()
	parsed, err := ParseInjection(inj.String())
	require.NoError(t, err)
	assert.Equal(t, inj, parsed)

	_, err = ParseInjection("")
	assert.Error(t, err)
	_, err = ParseInjection("id=x")
	assert.Error(t, err)
}

func TestBlockParamsRoundTrip(t *testing.T) {
	priv := testKey(t)
	bp := BlockParams{Key: priv.Public().(ed25519.PublicKey), Size: 65536}
	parsed, err := ParseBlockParams(bp.String())
	require.NoError(t, err)
	assert.True(t, parsed.Key.Equal(bp.Key))
	assert.Equal(t, int64(65536), parsed.Size)

	huge := BlockParams{Key: bp.Key, Size: 2 * 1024 * 1024}
	_, err = ParseBlockParams(huge.String())
	assert.Error(t, err)
}

func TestHashListRoundTrip(t *testing.T) {
	priv := testKey(t)
	pub := priv.Public().(ed25519.PublicKey)
	const inj = "list-injection"

	blocks := [][]byte{
		[]byte(strings.Repeat("a", 65536)),
		[]byte(strings.Repeat("b", 65536)),
		[]byte("tail"),
	}
	var chain ChainHasher
	l := &HashList{}
	var last ChainHash
	for _, b := range blocks {
		d := BlockDigest(b)
		l.Digests = append(l.Digests, d)
		last = chain.AppendDigest(d, 65536)
	}
	l.Sig = last.Sign(priv, inj)

	parsed, err := ParseHashList(l.Encode())
	require.NoError(t, err)
	assert.Equal(t, l.Digests, parsed.Digests)
	require.NoError(t, parsed.Verify(pub, inj, 65536))

	parsed.Digests[1][0] ^= 1
	assert.Error(t, parsed.Verify(pub, inj, 65536))

	_, err = ParseHashList([]byte("bogus"))
	assert.Error(t, err)
}
