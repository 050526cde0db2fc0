package httpsig

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha512"
	"strconv"
)

// DigestSize is the size of block and chain digests.
const DigestSize = sha512.Size

// BlockDigest hashes one body block.
func BlockDigest(data []byte) [DigestSize]byte {
	return sha512.Sum512(data)
}

// ChainHash is the chained digest of a block together with its offset,
// the unit covered by one block signature.
type ChainHash struct {
	Offset int64
	Digest [DigestSize]byte
}

// blockSigString is the byte string a block signature covers. The
// offset is rendered in decimal.
func blockSigString(injectionID string, offset int64, digest []byte) []byte {
	var b bytes.Buffer
	b.WriteString(injectionID)
	b.WriteByte(0)
	b.WriteString(strconv.FormatInt(offset, 10))
	b.WriteByte(0)
	b.Write(digest)
	return b.Bytes()
}

// Sign produces the block signature for this chain hash.
func (c ChainHash) Sign(priv ed25519.PrivateKey, injectionID string) []byte {
	return ed25519.Sign(priv, blockSigString(injectionID, c.Offset, c.Digest[:]))
}

// Verify checks a block signature against this chain hash.
func (c ChainHash) Verify(pub ed25519.PublicKey, injectionID string, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, blockSigString(injectionID, c.Offset, c.Digest[:]), sig)
}

// ChainHasher folds block digests into the signature chain: the first
// block's chain hash is its own digest, later ones hash the previous
// chain hash with the block digest.
type ChainHasher struct {
	offset  int64
	prev    [DigestSize]byte
	hasPrev bool
}

// AppendDigest folds the digest of a size-byte block into the chain and
// returns the chain hash covering it.
func (h *ChainHasher) AppendDigest(digest [DigestSize]byte, size int64) ChainHash {
	var chained [DigestSize]byte
	if h.hasPrev {
		s := sha512.New()
		s.Write(h.prev[:])
		s.Write(digest[:])
		copy(chained[:], s.Sum(nil))
	} else {
		chained = digest
	}
	ch := ChainHash{Offset: h.offset, Digest: chained}
	h.offset += size
	h.prev = chained
	h.hasPrev = true
	return ch
}

// AppendBlock hashes data and folds it into the chain.
func (h *ChainHasher) AppendBlock(data []byte) ChainHash {
	return h.AppendDigest(BlockDigest(data), int64(len(data)))
}

// Resume positions the chain at offset with the given previous chain
// hash, for verifying a stream that starts mid-body.
func (h *ChainHasher) Resume(offset int64, prev [DigestSize]byte) {
	h.offset = offset
	h.prev = prev
	h.hasPrev = true
}

// Offset returns the offset the next block will be recorded at.
func (h *ChainHasher) Offset() int64 {
	return h.offset
}

// PrevDigest returns the last chain hash, if any.
func (h *ChainHasher) PrevDigest() ([DigestSize]byte, bool) {
	return h.prev, h.hasPrev
}
