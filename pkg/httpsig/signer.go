package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"hash"
	"io"

	"github.com/ouinet/ouicache/pkg/constants"
	"github.com/ouinet/ouicache/pkg/response"
)

// SigningReader transforms an origin response stream into a signed
// cache stream: decorated head, block-sized chunks whose extensions
// carry the previous block's signature, and a signing trailer.
type SigningReader struct {
	in   response.PartReader
	uri  string
	inj  Injection
	priv ed25519.PrivateKey

	head     response.Head
	inputEOF bool
	done     bool

	buf      []byte
	bodySize int64
	bodyHash hash.Hash
	chain    ChainHasher
	lastSig  []byte

	pending []response.Part
}

// NewSigningReader signs the response arriving on in as an injection of
// uri identified by inj.
func NewSigningReader(in response.PartReader, uri string, inj Injection, priv ed25519.PrivateKey) *SigningReader {
	return &SigningReader{in: in, uri: uri, inj: inj, priv: priv, bodyHash: sha256.New()}
}

// ReadPart returns the next signed part.
func (r *SigningReader) ReadPart() (response.Part, error) {
	for {
		if len(r.pending) > 0 {
			p := r.pending[0]
			r.pending = r.pending[1:]
			return p, nil
		}
		if r.done {
			return nil, io.EOF
		}
		if r.inputEOF {
			r.finish()
			continue
		}

		p, err := r.in.ReadPart()
		if err == io.EOF {
			r.inputEOF = true
			continue
		}
		if err != nil {
			return nil, err
		}

		switch v := p.(type) {
		case response.Head:
			r.head = NewSignedHead(v, r.uri, r.inj, r.priv)
			return r.head, nil
		case response.ChunkBody:
			r.consume(v)
		case response.ChunkHdr, response.Trailer:
			// Origin framing and trailers are replaced by ours.
		}
	}
}

// consume buffers body bytes and emits every completed block.
func (r *SigningReader) consume(data []byte) {
	r.bodySize += int64(len(data))
	r.bodyHash.Write(data)
	r.buf = append(r.buf, data...)
	for int64(len(r.buf)) >= constants.BlockSize {
		block := r.buf[:constants.BlockSize]
		r.emitBlock(block)
		r.buf = r.buf[constants.BlockSize:]
	}
}

// emitBlock queues the chunk for one block, carrying the previous
// block's signature, and signs this block.
func (r *SigningReader) emitBlock(block []byte) {
	exts := ""
	if r.lastSig != nil {
		exts = response.Ext(ExtSig, base64.StdEncoding.EncodeToString(r.lastSig))
	}
	body := append([]byte(nil), block...)
	r.pending = append(r.pending,
		response.ChunkHdr{Size: int64(len(body)), Exts: exts},
		response.ChunkBody(body))

	ch := r.chain.AppendBlock(block)
	r.lastSig = ch.Sign(r.priv, r.inj.ID)
}

// finish flushes the short last block, the final chunk carrying its
// signature and the signing trailer.
func (r *SigningReader) finish() {
	if len(r.buf) > 0 {
		r.emitBlock(r.buf)
		r.buf = nil
	}

	exts := ""
	if r.lastSig != nil {
		exts = response.Ext(ExtSig, base64.StdEncoding.EncodeToString(r.lastSig))
	}
	var digest [sha256.Size]byte
	copy(digest[:], r.bodyHash.Sum(nil))
	trailer := SignTrailer(r.head, r.bodySize, digest, r.priv, r.inj.TS)
	r.pending = append(r.pending,
		response.ChunkHdr{Size: 0, Exts: exts},
		response.Trailer{Header: trailer})
	r.done = true
}
