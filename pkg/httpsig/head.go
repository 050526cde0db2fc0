package httpsig

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ouinet/ouicache/pkg/constants"
	"github.com/ouinet/ouicache/pkg/response"
)

// trailerFields lists the headers announced for the signing trailer.
var trailerFields = []string{HdrDataSize, "Digest", HdrSig1}

// NewSignedHead decorates an origin response head for injection: cache
// headers, block signature parameters, the initial head signature and
// chunked framing with the signing trailer announced.
func NewSignedHead(origin response.Head, uri string, inj Injection, priv ed25519.PrivateKey) response.Head {
	keyID := EncodeKeyID(priv.Public().(ed25519.PublicKey))

	head := withoutFraming(origin)
	head.Header.Set(HdrVersion, strconv.Itoa(constants.ProtocolVersion))
	head.Header.Set(HdrURI, uri)
	head.Header.Set(HdrInjection, inj.String())
	head.Header.Set(HdrBSigs, BlockParams{
		Key:  priv.Public().(ed25519.PublicKey),
		Size: constants.BlockSize,
	}.String())
	head.Header.Set(HdrSig0, SignHead(head, priv, keyID, inj.TS))

	head.Header.Set("Transfer-Encoding", "chunked")
	head.Header.Set("Trailer", strings.Join(trailerFields, ", "))
	return head
}

// SignTrailer builds the trailer closing a signed stream: the body
// size, its digest and the final head signature covering both.
func SignTrailer(head response.Head, dataSize int64, bodyDigest [sha256.Size]byte, priv ed25519.PrivateKey, created int64) http.Header {
	keyID := EncodeKeyID(priv.Public().(ed25519.PublicKey))

	trailer := make(http.Header)
	trailer.Set(HdrDataSize, strconv.FormatInt(dataSize, 10))
	trailer.Set("Digest", "SHA-256="+base64.StdEncoding.EncodeToString(bodyDigest[:]))

	toSign := withoutFraming(head)
	toSign.Header.Del(HdrSig0)
	for k, vs := range trailer {
		toSign.Header[k] = append([]string(nil), vs...)
	}
	trailer.Set(HdrSig1, SignHead(toSign, priv, keyID, created))
	return trailer
}

// SignedHead is a verified cache response head.
type SignedHead struct {
	Head      response.Head
	URI       string
	Injection Injection
	Block     BlockParams
	// DataSize is the signed body length, or -1 while unknown.
	DataSize int64
	// Complete reports whether the final signature was present, i.e.
	// the head covers the whole body.
	Complete bool
}

// MergeTrailer folds signed trailer fields into a head, as the verifier
// does once the trailer arrives.
func MergeTrailer(head response.Head, trailer http.Header) response.Head {
	out := head.Clone()
	for k, vs := range trailer {
		out.Header[k] = append([]string(nil), vs...)
	}
	out.Header.Del("Trailer")
	return out
}

// VerifySignedHead validates a head against the given public key. It
// prefers the final signature when present, falls back to the initial
// one, and returns the head stripped to its signed headers.
func VerifySignedHead(head response.Head, pub ed25519.PublicKey) (*SignedHead, error) {
	version, err := strconv.Atoi(head.Header.Get(HdrVersion))
	if err != nil || version < constants.ProtocolVersionMin || version > constants.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %q", head.Header.Get(HdrVersion))
	}
	uri := head.Header.Get(HdrURI)
	if uri == "" {
		return nil, fmt.Errorf("head without uri")
	}
	inj, err := ParseInjection(head.Header.Get(HdrInjection))
	if err != nil {
		return nil, fmt.Errorf("parse injection: %w", err)
	}
	block, err := ParseBlockParams(head.Header.Get(HdrBSigs))
	if err != nil {
		return nil, fmt.Errorf("parse block parameters: %w", err)
	}
	if !block.Key.Equal(pub) {
		return nil, fmt.Errorf("block signing key does not match trusted key")
	}

	// A range response carries the original status aside; verification
	// runs against the head as originally signed.
	toVerify := head.Clone()
	if inner := toVerify.Header.Get(HdrHTTPStatus); inner != "" {
		status, err := strconv.Atoi(inner)
		if err != nil {
			return nil, fmt.Errorf("malformed inner status %q", inner)
		}
		toVerify.StatusCode = status
		toVerify.Header.Del(HdrHTTPStatus)
		toVerify.Header.Del("Content-Range")
	}

	sig, complete, err := pickSignature(toVerify, pub)
	if err != nil {
		return nil, err
	}
	verifyHead := toVerify.Clone()
	verifyHead.Header.Del(HdrSig0)
	verifyHead.Header.Del(HdrSig1)
	verifyHead = withoutFraming(verifyHead)
	if err := VerifyHead(verifyHead, sig, pub); err != nil {
		return nil, err
	}

	out := &SignedHead{
		Head:      filterToSigned(head, sig),
		URI:       uri,
		Injection: inj,
		Block:     block,
		DataSize:  -1,
		Complete:  complete,
	}
	if ds := head.Header.Get(HdrDataSize); ds != "" {
		size, err := strconv.ParseInt(ds, 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed data size %q", ds)
		}
		out.DataSize = size
	}
	return out, nil
}

// pickSignature selects the strongest signature made with the trusted
// key: the final one when available, else the initial one.
func pickSignature(head response.Head, pub ed25519.PublicKey) (Signature, bool, error) {
	for _, probe := range []struct {
		header   string
		complete bool
	}{{HdrSig1, true}, {HdrSig0, false}} {
		for _, v := range head.Header.Values(probe.header) {
			sig, err := ParseSignature(v)
			if err != nil {
				continue
			}
			if sig.Algorithm != "" && sig.Algorithm != sigAlgorithm {
				continue
			}
			key, err := sig.PublicKey()
			if err != nil || !key.Equal(pub) {
				continue
			}
			return sig, probe.complete, nil
		}
	}
	return Signature{}, false, fmt.Errorf("no signature by the trusted key")
}

// filterToSigned drops headers the signature does not cover, keeping
// the signature and framing fields the stream still needs.
func filterToSigned(head response.Head, sig Signature) response.Head {
	signed := sig.SignedHeaderSet()
	keep := map[string]bool{
		strings.ToLower(HdrSig0):       true,
		strings.ToLower(HdrSig1):       true,
		strings.ToLower(HdrHTTPStatus): true,
		"transfer-encoding":            true,
		"trailer":                      true,
		"content-range":                true,
	}
	out := response.Head{Proto: head.Proto, StatusCode: head.StatusCode, Header: make(http.Header)}
	for name, vs := range head.Header {
		lname := strings.ToLower(name)
		if signed[lname] || keep[lname] {
			out.Header[name] = append([]string(nil), vs...)
		}
	}
	return out
}
