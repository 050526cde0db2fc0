package store

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ouinet/ouicache/pkg/httpsig"
	"github.com/ouinet/ouicache/pkg/response"
)

const testURI = "https://example.com/hello"

// testBody is 131 076 bytes: two full blocks and a 4-byte tail.
func testBody() []byte {
	return []byte("0123" + strings.Repeat("x", 65528) + "4567" +
		"89AB" + strings.Repeat("x", 65528) + "CDEF" + "abcd")
}

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

func signedParts(t *testing.T, priv ed25519.PrivateKey, body []byte) []response.Part {
	t.Helper()
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	origin := []response.Part{response.NewHead(200, h)}
	if len(body) > 0 {
		origin = append(origin, response.ChunkBody(body))
	}
	inj := httpsig.Injection{ID: "93b2e86c-e379-4ab3-9d5a-ab3ec4d5f6ac", TS: 1516048310}
	sr := httpsig.NewSigningReader(&partsReader{parts: origin}, testURI, inj, priv)
	return drain(t, sr)
}

func newTestStore(t *testing.T) (*Store, ed25519.PrivateKey) {
	t.Helper()
	s, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return s, priv
}

func storeBody(t *testing.T, s *Store, priv ed25519.PrivateKey, body []byte) {
	t.Helper()
	parts := signedParts(t, priv, body)
	require.NoError(t, s.Store(context.Background(), testURI, &partsReader{parts: parts}))
}

func verifyStream(t *testing.T, r response.PartReader, pub ed25519.PublicKey) ([]response.Part, *httpsig.SignedHead) {
	t.Helper()
	vr := httpsig.NewVerifyingReader(r, pub)
	parts := drain(t, vr)
	return parts, vr.Head()
}

func TestStoreReaderRoundTrip(t *testing.T) {
	s, priv := newTestStore(t)
	body := testBody()
	storeBody(t, s, priv, body)

	r, err := s.Reader(testURI)
	require.NoError(t, err)
	defer r.Close()

	parts, head := verifyStream(t, r, priv.Public().(ed25519.PublicKey))
	assert.Equal(t, body, collectBody(parts))
	assert.True(t, head.Complete)
	assert.Equal(t, int64(len(body)), head.DataSize)

	var hdrs []response.ChunkHdr
	for _, p := range parts {
		if h, ok := p.(response.ChunkHdr); ok {
			hdrs = append(hdrs, h)
		}
	}
	require.Len(t, hdrs, 4)
	_, ok := response.ExtValue(hdrs[0].Exts, httpsig.ExtSig)
	assert.False(t, ok)
	for _, h := range hdrs[1:] {
		_, ok := response.ExtValue(h.Exts, httpsig.ExtSig)
		assert.True(t, ok)
	}
	_, ok = parts[len(parts)-1].(response.Trailer)
	assert.True(t, ok)
}

func TestRangeReader(t *testing.T) {
	s, priv := newTestStore(t)
	body := testBody()
	storeBody(t, s, priv, body)

	r, err := s.RangeReader(testURI, 32768, 98308)
	require.NoError(t, err)
	defer r.Close()

	raw := drain(t, &recordingReader{in: r})
	head := raw[0].(response.Head)
	assert.Equal(t, 206, head.StatusCode)
	assert.Equal(t, "200", head.Header.Get(httpsig.HdrHTTPStatus))
	assert.Equal(t, "bytes 0-131071/131076", head.Header.Get("Content-Range"))

	var hdrs []response.ChunkHdr
	for _, p := range raw {
		if h, ok := p.(response.ChunkHdr); ok {
			hdrs = append(hdrs, h)
		}
	}
	require.Len(t, hdrs, 3)
	_, ok := response.ExtValue(hdrs[0].Exts, httpsig.ExtSig)
	assert.False(t, ok)
	_, ok = response.ExtValue(hdrs[1].Exts, httpsig.ExtSig)
	assert.True(t, ok)
	_, ok = response.ExtValue(hdrs[1].Exts, httpsig.ExtHash)
	assert.True(t, ok)

	assert.Equal(t, body[:131072], collectBody(raw))
}

// recordingReader lets drain helpers treat a Stream as a PartReader.
type recordingReader struct {
	in *Stream
}

func (r *recordingReader) ReadPart() (response.Part, error) {
	return r.in.ReadPart()
}

func TestRangeReaderVerifies(t *testing.T) {
	s, priv := newTestStore(t)
	body := testBody()
	storeBody(t, s, priv, body)

	// A mid-body range must verify standalone via the carried chain
	// hash.
	r, err := s.RangeReader(testURI, 65536, 131075)
	require.NoError(t, err)
	defer r.Close()

	parts, head := verifyStream(t, r, priv.Public().(ed25519.PublicKey))
	assert.Equal(t, body[65536:], collectBody(parts))
	assert.True(t, head.Complete)
}

func TestRangeReaderOutOfBounds(t *testing.T) {
	s, priv := newTestStore(t)
	storeBody(t, s, priv, testBody())

	_, err := s.RangeReader(testURI, 0, int64(len(testBody())))
	assert.ErrorIs(t, err, ErrInvalidSeek)
	_, err = s.RangeReader(testURI, 200000, 200001)
	assert.ErrorIs(t, err, ErrInvalidSeek)
}

// truncateAfterRecords cuts a signed stream right after the chunk
// header delivering the n-th block signature.
func truncateAfterRecords(parts []response.Part, n int) []response.Part {
	sigs := 0
	for i, p := range parts {
		h, ok := p.(response.ChunkHdr)
		if !ok {
			continue
		}
		if _, ok := response.ExtValue(h.Exts, httpsig.ExtSig); ok {
			sigs++
			if sigs == n {
				return parts[:i+1]
			}
		}
	}
	return parts
}

func TestIncompleteEntry(t *testing.T) {
	s, priv := newTestStore(t)
	pub := priv.Public().(ed25519.PublicKey)
	body := testBody()
	parts := truncateAfterRecords(signedParts(t, priv, body), 2)
	require.NoError(t, s.Store(context.Background(), testURI, &partsReader{parts: parts}))

	r, err := s.Reader(testURI)
	require.NoError(t, err)
	defer r.Close()

	out, head := verifyStream(t, r, pub)
	assert.Equal(t, body[:131072], collectBody(out))
	assert.False(t, head.Complete)
	for _, p := range out {
		_, isTrailer := p.(response.Trailer)
		assert.False(t, isTrailer)
	}

	stored, err := s.Head(testURI)
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-131071/*", stored.Header.Get(httpsig.HdrAvailData))
}

func TestHeadComplete(t *testing.T) {
	s, priv := newTestStore(t)
	storeBody(t, s, priv, testBody())

	head, err := s.Head(testURI)
	require.NoError(t, err)
	assert.Equal(t, "bytes 0-131075/131076", head.Header.Get(httpsig.HdrAvailData))
	assert.NotEmpty(t, head.Header.Get(httpsig.HdrSig1))
}

func TestHashList(t *testing.T) {
	s, priv := newTestStore(t)
	storeBody(t, s, priv, testBody())

	l, err := s.HashList(testURI)
	require.NoError(t, err)
	require.Len(t, l.Digests, 3)
	require.NoError(t, l.Verify(priv.Public().(ed25519.PublicKey),
		"93b2e86c-e379-4ab3-9d5a-ab3ec4d5f6ac", 65536))
}

func TestRemove(t *testing.T) {
	s, priv := newTestStore(t)
	storeBody(t, s, priv, testBody())

	require.NoError(t, s.Remove(testURI))
	_, err := s.Reader(testURI)
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestNotStored(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Reader("https://example.com/absent")
	assert.ErrorIs(t, err, ErrNotStored)
	_, err = s.Head("https://example.com/absent")
	assert.ErrorIs(t, err, ErrNotStored)
}

func TestSigRecordRoundTrip(t *testing.T) {
	rec := sigRecord{Offset: 131072}
	copy(rec.Digest[:], strings.Repeat("d", 64))
	copy(rec.PrevChain[:], strings.Repeat("c", 64))
	rec.Sig = []byte(strings.Repeat("s", 64))

	encoded := rec.encode()
	require.Len(t, encoded, sigRecordSize)

	parsed, err := parseSigRecord(encoded)
	require.NoError(t, err)
	assert.Equal(t, rec, parsed)

	_, err = parseSigRecord(encoded[:len(encoded)-1])
	assert.Error(t, err)
}
