package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
	"io"

	"github.com/ouinet/ouicache/pkg/response"
)

// VerifyingReader validates a signed cache stream as it passes through:
// the head signature, every block signature and finally the trailer.
// Emission lags verification by one block, so a consumer never sees
// bytes whose signature has not been checked.
type VerifyingReader struct {
	in  response.PartReader
	pub ed25519.PublicKey

	signed *SignedHead
	rng    *response.ContentRange

	chain    ChainHasher
	bodyHash hash.Hash
	bodySize int64

	// buf holds the block awaiting the next chunk's signature; bufExts
	// are the extensions of the chunk header that introduced it.
	buf      []byte
	bufExts  string
	firstHdr bool

	inputEOF bool
	done     bool
	pending  []response.Part
}

// NewVerifyingReader verifies the stream arriving on in against the
// trusted public key.
func NewVerifyingReader(in response.PartReader, pub ed25519.PublicKey) *VerifyingReader {
	return &VerifyingReader{in: in, pub: pub, bodyHash: sha256.New(), firstHdr: true}
}

// Head returns the verified head, once the head part has been read.
func (r *VerifyingReader) Head() *SignedHead {
	return r.signed
}

// ReadPart returns the next verified part.
func (r *VerifyingReader) ReadPart() (response.Part, error) {
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
			// The stream stopped before its trailer. Everything emitted
			// so far was verified, so this is a short but valid read.
			r.done = true
			return nil, io.EOF
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
			if err := r.onHead(v); err != nil {
				return nil, err
			}
		case response.ChunkHdr:
			if err := r.onChunkHdr(v); err != nil {
				return nil, err
			}
		case response.ChunkBody:
			if err := r.onChunkBody(v); err != nil {
				return nil, err
			}
		case response.Trailer:
			if err := r.onTrailer(v); err != nil {
				return nil, err
			}
		}
	}
}

func (r *VerifyingReader) onHead(head response.Head) error {
	if r.signed != nil {
		return fmt.Errorf("unexpected second head")
	}
	signed, err := VerifySignedHead(head, r.pub)
	if err != nil {
		return err
	}
	if cr := head.Header.Get("Content-Range"); cr != "" {
		parsed, err := response.ParseContentRange(cr)
		if err != nil {
			return err
		}
		if parsed.First%signed.Block.Size != 0 {
			return fmt.Errorf("range start %d not block aligned", parsed.First)
		}
		r.rng = &parsed
	}
	r.signed = signed
	r.pending = append(r.pending, signed.Head)
	return nil
}

func (r *VerifyingReader) onChunkHdr(hdr response.ChunkHdr) error {
	if r.signed == nil {
		return fmt.Errorf("chunk before head")
	}

	if r.firstHdr {
		r.firstHdr = false
		if r.rng != nil && r.rng.First > 0 {
			prevB64, ok := response.ExtValue(hdr.Exts, ExtHash)
			if !ok {
				return fmt.Errorf("range stream without chain hash")
			}
			prev, err := base64.StdEncoding.DecodeString(prevB64)
			if err != nil || len(prev) != DigestSize {
				return fmt.Errorf("malformed chain hash extension")
			}
			var digest [DigestSize]byte
			copy(digest[:], prev)
			r.chain.Resume(r.rng.First, digest)
		}
		if hdr.Size != 0 {
			if hdr.Size > r.signed.Block.Size {
				return fmt.Errorf("chunk of %d bytes exceeds block size %d", hdr.Size, r.signed.Block.Size)
			}
			r.bufExts = hdr.Exts
			return nil
		}
		// Zero-length body: fall through to the final chunk handling
		// with nothing buffered.
	}

	if hdr.Size != 0 {
		if hdr.Size > r.signed.Block.Size {
			return fmt.Errorf("chunk of %d bytes exceeds block size %d", hdr.Size, r.signed.Block.Size)
		}
		if int64(len(r.buf)) != r.signed.Block.Size {
			return fmt.Errorf("chunk of %d bytes where a full %d byte block was expected", len(r.buf), r.signed.Block.Size)
		}
		if err := r.flushBlock(hdr.Exts); err != nil {
			return err
		}
		r.bufExts = hdr.Exts
		return nil
	}

	// Final chunk: its signature covers whatever remains, full or short.
	if len(r.buf) > 0 {
		if err := r.flushBlock(hdr.Exts); err != nil {
			return err
		}
	}
	r.pending = append(r.pending, response.ChunkHdr{Size: 0, Exts: hdr.Exts})
	return nil
}

func (r *VerifyingReader) onChunkBody(data []byte) error {
	if r.signed == nil {
		return fmt.Errorf("chunk body before head")
	}
	if int64(len(r.buf)+len(data)) > r.signed.Block.Size {
		return fmt.Errorf("chunk body exceeds block size %d", r.signed.Block.Size)
	}
	r.buf = append(r.buf, data...)
	return nil
}

// flushBlock verifies the buffered block against the signature carried
// by the next chunk's extensions and emits it.
func (r *VerifyingReader) flushBlock(nextExts string) error {
	sigB64, ok := response.ExtValue(nextExts, ExtSig)
	if !ok {
		return fmt.Errorf("block at offset %d without signature", r.chain.Offset())
	}
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		return fmt.Errorf("malformed block signature: %w", err)
	}
	ch := r.chain.AppendBlock(r.buf)
	if !ch.Verify(r.pub, r.signed.Injection.ID, sig) {
		return fmt.Errorf("bad block signature at offset %d", ch.Offset)
	}

	body := r.buf
	r.buf = nil
	r.bodySize += int64(len(body))
	r.bodyHash.Write(body)
	r.pending = append(r.pending,
		response.ChunkHdr{Size: int64(len(body)), Exts: r.bufExts},
		response.ChunkBody(body))
	return nil
}

func (r *VerifyingReader) onTrailer(t response.Trailer) error {
	if r.signed == nil {
		return fmt.Errorf("trailer before head")
	}
	merged := MergeTrailer(r.signed.Head, t.Header)
	signed, err := VerifySignedHead(merged, r.pub)
	if err != nil {
		return fmt.Errorf("verify trailer: %w", err)
	}
	if !signed.Complete {
		return fmt.Errorf("trailer without final signature")
	}
	if signed.DataSize < 0 {
		return fmt.Errorf("trailer without data size")
	}

	wantLen := signed.DataSize
	if r.rng != nil {
		if r.rng.Total >= 0 && r.rng.Total != signed.DataSize {
			return fmt.Errorf("range total %d does not match data size %d", r.rng.Total, signed.DataSize)
		}
		wantLen = r.rng.Length()
	}
	if r.bodySize != wantLen {
		return fmt.Errorf("body of %d bytes where %d were signed", r.bodySize, wantLen)
	}

	// The digest covers the whole body, so it is only checkable when
	// the stream carried all of it.
	if r.rng == nil || (r.rng.First == 0 && r.rng.Last == signed.DataSize-1) {
		if err := r.checkDigest(merged); err != nil {
			return err
		}
	}

	r.signed = signed
	r.pending = append(r.pending, response.Trailer{Header: t.Header})
	r.done = true
	return nil
}

func (r *VerifyingReader) checkDigest(head response.Head) error {
	want, err := parseSHA256Digest(head.Header.Get("Digest"))
	if err != nil {
		return err
	}
	got := r.bodyHash.Sum(nil)
	if subtle.ConstantTimeCompare(want, got) != 1 {
		return fmt.Errorf("body digest mismatch")
	}
	return nil
}

func parseSHA256Digest(v string) ([]byte, error) {
	const prefix = "SHA-256="
	if len(v) <= len(prefix) || v[:len(prefix)] != prefix {
		return nil, fmt.Errorf("unsupported digest %q", v)
	}
	d, err := base64.StdEncoding.DecodeString(v[len(prefix):])
	if err != nil || len(d) != sha256.Size {
		return nil, fmt.Errorf("malformed digest %q", v)
	}
	return d, nil
}
