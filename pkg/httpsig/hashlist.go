package httpsig

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
)

// HashListMagic is the first line of an encoded hash list.
const HashListMagic = "OUINET_HASH_LIST_V1"

// HashList is a compact manifest of a signed body: the digest of every
// block plus the signature of the last chain hash. It lets a receiver
// verify any block out of order once the list itself checks out.
type HashList struct {
	Digests [][DigestSize]byte
	// Sig signs the last chain hash, i.e. it equals the stream's final
	// block signature.
	Sig []byte
}

// Encode renders the manifest: magic line, signature line and the raw
// concatenated block digests.
func (l *HashList) Encode() []byte {
	var b bytes.Buffer
	b.WriteString(HashListMagic)
	b.WriteByte('\n')
	b.Write(l.Sig)
	b.WriteByte('\n')
	for _, d := range l.Digests {
		b.Write(d[:])
	}
	return b.Bytes()
}

// ParseHashList decodes an encoded manifest.
func ParseHashList(data []byte) (*HashList, error) {
	rest, ok := bytes.CutPrefix(data, []byte(HashListMagic+"\n"))
	if !ok {
		return nil, fmt.Errorf("hash list without magic")
	}
	if len(rest) < ed25519.SignatureSize+1 || rest[ed25519.SignatureSize] != '\n' {
		return nil, fmt.Errorf("malformed hash list signature")
	}
	sig := append([]byte(nil), rest[:ed25519.SignatureSize]...)
	rest = rest[ed25519.SignatureSize+1:]
	if len(rest) == 0 || len(rest)%DigestSize != 0 {
		return nil, fmt.Errorf("hash list of %d digest bytes", len(rest))
	}
	l := &HashList{Sig: sig}
	for len(rest) > 0 {
		var d [DigestSize]byte
		copy(d[:], rest[:DigestSize])
		l.Digests = append(l.Digests, d)
		rest = rest[DigestSize:]
	}
	return l, nil
}

// Verify recomputes the chain over the listed digests, all blocks being
// blockSize bytes except possibly the last, and checks the signature of
// the final chain hash.
func (l *HashList) Verify(pub ed25519.PublicKey, injectionID string, blockSize int64) error {
	if len(l.Digests) == 0 {
		return fmt.Errorf("empty hash list")
	}
	var chain ChainHasher
	var last ChainHash
	for _, d := range l.Digests {
		last = chain.AppendDigest(d, blockSize)
	}
	if !last.Verify(pub, injectionID, l.Sig) {
		return fmt.Errorf("bad hash list signature")
	}
	return nil
}
