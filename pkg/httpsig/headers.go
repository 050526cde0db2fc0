// Package httpsig implements the signed HTTP response scheme used by
// the distributed cache: a head signature in draft-cavage format plus
// chained Ed25519 signatures over fixed-size body blocks, carried in
// chunk extensions.
package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/ouinet/ouicache/pkg/constants"
)

// Cache protocol headers.
const (
	HdrVersion    = "X-Ouinet-Version"
	HdrURI        = "X-Ouinet-URI"
	HdrInjection  = "X-Ouinet-Injection"
	HdrBSigs      = "X-Ouinet-BSigs"
	HdrSig0       = "X-Ouinet-Sig0"
	HdrSig1       = "X-Ouinet-Sig1"
	HdrDataSize   = "X-Ouinet-Data-Size"
	HdrHTTPStatus = "X-Ouinet-HTTP-Status"
	HdrAvailData  = "X-Ouinet-Avail-Data"
)

// Chunk extension names.
const (
	ExtSig  = "ouisig"
	ExtHash = "ouihash"
)

const sigAlgorithm = "hs2019"

const keyIDPrefix = "ed25519="

// EncodeKeyID renders a public key as a draft-cavage key id.
func EncodeKeyID(pub ed25519.PublicKey) string {
	return keyIDPrefix + base64.StdEncoding.EncodeToString(pub)
}

// DecodeKeyID parses a key id back into a public key.
func DecodeKeyID(keyID string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(keyID, keyIDPrefix) {
		return nil, fmt.Errorf("unsupported key id %q", keyID)
	}
	raw, err := base64.StdEncoding.DecodeString(keyID[len(keyIDPrefix):])
	if err != nil {
		return nil, fmt.Errorf("decode key id: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key id has %d key bytes, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// Injection identifies one cache insertion of a URI.
type Injection struct {
	ID string
	TS int64
}

// String renders the X-Ouinet-Injection value.
func (i Injection) String() string {
	return fmt.Sprintf("id=%s,ts=%d", i.ID, i.TS)
}

// ParseInjection parses an X-Ouinet-Injection value.
func ParseInjection(s string) (Injection, error) {
	var inj Injection
	hasTS := false
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(kv), "=")
		if !ok {
			return Injection{}, fmt.Errorf("malformed injection field %q", kv)
		}
		switch k {
		case "id":
			inj.ID = v
		case "ts":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return Injection{}, fmt.Errorf("malformed injection ts %q", v)
			}
			inj.TS = ts
			hasTS = true
		}
	}
	if inj.ID == "" {
		return Injection{}, fmt.Errorf("injection without id")
	}
	if !hasTS {
		return Injection{}, fmt.Errorf("injection without ts")
	}
	return inj, nil
}

// BlockParams describes the block signature scheme announced in the
// X-Ouinet-BSigs header.
type BlockParams struct {
	Key  ed25519.PublicKey
	Size int64
}

// String renders the X-Ouinet-BSigs value.
func (p BlockParams) String() string {
	return fmt.Sprintf("keyId=%q,algorithm=%q,size=%d", EncodeKeyID(p.Key), sigAlgorithm, p.Size)
}

// ParseBlockParams parses an X-Ouinet-BSigs value.
func ParseBlockParams(s string) (BlockParams, error) {
	fields, err := parseQuotedFields(s)
	if err != nil {
		return BlockParams{}, err
	}
	if alg, ok := fields["algorithm"]; ok && alg != sigAlgorithm {
		return BlockParams{}, fmt.Errorf("unsupported block signature algorithm %q", alg)
	}
	key, err := DecodeKeyID(fields["keyId"])
	if err != nil {
		return BlockParams{}, err
	}
	size, err := strconv.ParseInt(fields["size"], 10, 64)
	if err != nil || size <= 0 || size > constants.MaxBlockSize {
		return BlockParams{}, fmt.Errorf("invalid block size %q", fields["size"])
	}
	return BlockParams{Key: key, Size: size}, nil
}

// parseQuotedFields parses `k="v",k2=v2` lists as used by the signature
// and block-signature headers.
func parseQuotedFields(s string) (map[string]string, error) {
	out := make(map[string]string)
	rest := s
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t,")
		if rest == "" {
			break
		}
		eq := strings.IndexByte(rest, '=')
		if eq < 0 {
			return nil, fmt.Errorf("malformed field list %q", s)
		}
		key := strings.TrimSpace(rest[:eq])
		rest = rest[eq+1:]
		var val string
		if strings.HasPrefix(rest, `"`) {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote in %q", s)
			}
			val = rest[1 : 1+end]
			rest = rest[end+2:]
		} else {
			end := strings.IndexByte(rest, ',')
			if end < 0 {
				val, rest = rest, ""
			} else {
				val, rest = rest[:end], rest[end:]
			}
		}
		out[key] = val
	}
	return out, nil
}
