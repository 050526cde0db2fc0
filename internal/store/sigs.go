package store

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/ouinet/ouicache/pkg/httpsig"
)

// sigRecord is one fixed-width line of the sigs file, covering one body
// block: its offset, its signature, its digest and the chain hash of
// the preceding block (zero for the first).
type sigRecord struct {
	Offset    int64
	Sig       []byte
	Digest    [httpsig.DigestSize]byte
	PrevChain [httpsig.DigestSize]byte
}

const (
	hexOffsetLen  = 16
	b64SigLen     = (ed25519.SignatureSize + 2) / 3 * 4
	b64DigestLen  = (httpsig.DigestSize + 2) / 3 * 4
	sigRecordSize = hexOffsetLen + 1 + b64SigLen + 1 + b64DigestLen + 1 + b64DigestLen + 1
)

func appendB64Encode(dst, src []byte) []byte {
	n := base64.StdEncoding.EncodedLen(len(src))
	dst = append(dst, make([]byte, n)...)
	base64.StdEncoding.Encode(dst[len(dst)-n:], src)
	return dst
}

func appendB64Decode(dst, src []byte) ([]byte, error) {
	buf := make([]byte, base64.StdEncoding.DecodedLen(len(src)))
	n, err := base64.StdEncoding.Decode(buf, src)
	if err != nil {
		return dst, err
	}
	return append(dst, buf[:n]...), nil
}

func (r sigRecord) encode() []byte {
	out := make([]byte, 0, sigRecordSize)
	out = fmt.Appendf(out, "%016x ", uint64(r.Offset))
	out = appendB64Encode(out, r.Sig)
	out = append(out, ' ')
	out = appendB64Encode(out, r.Digest[:])
	out = append(out, ' ')
	out = appendB64Encode(out, r.PrevChain[:])
	out = append(out, '\n')
	return out
}

func parseSigRecord(line []byte) (sigRecord, error) {
	var rec sigRecord
	if len(line) != sigRecordSize || line[sigRecordSize-1] != '\n' {
		return rec, fmt.Errorf("signature record of %d bytes", len(line))
	}
	off, err := strconv.ParseUint(string(line[:hexOffsetLen]), 16, 64)
	if err != nil {
		return rec, fmt.Errorf("malformed record offset: %w", err)
	}
	rec.Offset = int64(off)
	fields := [3][]byte{
		line[hexOffsetLen+1 : hexOffsetLen+1+b64SigLen],
		line[hexOffsetLen+2+b64SigLen : hexOffsetLen+2+b64SigLen+b64DigestLen],
		line[hexOffsetLen+3+b64SigLen+b64DigestLen : sigRecordSize-1],
	}
	sig, err := appendB64Decode(nil, fields[0])
	if err != nil || len(sig) != ed25519.SignatureSize {
		return rec, fmt.Errorf("malformed record signature")
	}
	rec.Sig = sig
	for i, dst := range []*[httpsig.DigestSize]byte{&rec.Digest, &rec.PrevChain} {
		d, err := appendB64Decode(nil, fields[1+i])
		if err != nil || len(d) != httpsig.DigestSize {
			return rec, fmt.Errorf("malformed record digest")
		}
		copy(dst[:], d)
	}
	return rec, nil
}
