package httpsig

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ouinet/ouicache/pkg/response"
)

// Pseudo-headers defined by the HTTP signatures draft.
const (
	phResponseStatus = "(response-status)"
	phCreated        = "(created)"
)

// Signature is a parsed draft-cavage signature header value.
type Signature struct {
	KeyID     string
	Algorithm string
	Created   int64
	Headers   []string
	Value     []byte
}

// String renders the signature header value.
func (s Signature) String() string {
	return fmt.Sprintf("keyId=%q,algorithm=%q,created=%d,headers=%q,signature=%q",
		s.KeyID, sigAlgorithm, s.Created,
		strings.Join(s.Headers, " "),
		base64.StdEncoding.EncodeToString(s.Value))
}

// ParseSignature parses a signature header value.
func ParseSignature(v string) (Signature, error) {
	fields, err := parseQuotedFields(v)
	if err != nil {
		return Signature{}, err
	}
	sig := Signature{
		KeyID:     fields["keyId"],
		Algorithm: fields["algorithm"],
	}
	if sig.KeyID == "" {
		return Signature{}, fmt.Errorf("signature without keyId")
	}
	if created := fields["created"]; created != "" {
		ts, err := strconv.ParseInt(created, 10, 64)
		if err != nil {
			return Signature{}, fmt.Errorf("malformed created %q", created)
		}
		sig.Created = ts
	}
	if hs := fields["headers"]; hs != "" {
		sig.Headers = strings.Fields(hs)
	} else {
		sig.Headers = []string{phCreated}
	}
	raw, err := base64.StdEncoding.DecodeString(fields["signature"])
	if err != nil {
		return Signature{}, fmt.Errorf("decode signature: %w", err)
	}
	sig.Value = raw
	return sig, nil
}

// PublicKey decodes the key carried in the key id.
func (s Signature) PublicKey() (ed25519.PublicKey, error) {
	return DecodeKeyID(s.KeyID)
}

// headerLine is one entry of a signing string.
type headerLine struct {
	name  string
	value string
}

// signableLines flattens a head into lowercased, trimmed, unique header
// lines. Duplicate headers concatenate with ", "; names sort so signer
// and verifier agree on the order.
func signableLines(head response.Head) []headerLine {
	values := make(map[string][]string)
	for name, vs := range head.Header {
		lname := strings.ToLower(name)
		for _, v := range vs {
			values[lname] = append(values[lname], strings.TrimSpace(v))
		}
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]headerLine, 0, len(names))
	for _, name := range names {
		out = append(out, headerLine{name: name, value: strings.Join(values[name], ", ")})
	}
	return out
}

func signingString(lines []headerLine) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(l.name)
		b.WriteString(": ")
		b.WriteString(l.value)
	}
	return b.String()
}

// withoutFraming strips the transfer framing headers, which change
// between the wire and the store, from a head before signing.
func withoutFraming(head response.Head) response.Head {
	out := head.Clone()
	out.Header.Del("Transfer-Encoding")
	out.Header.Del("Content-Length")
	out.Header.Del("Trailer")
	return out
}

// SignHead signs head (sans framing) and returns the signature header
// value.
func SignHead(head response.Head, priv ed25519.PrivateKey, keyID string, created int64) string {
	lines := []headerLine{
		{name: phResponseStatus, value: strconv.Itoa(head.StatusCode)},
		{name: phCreated, value: strconv.FormatInt(created, 10)},
	}
	lines = append(lines, signableLines(withoutFraming(head))...)

	names := make([]string, len(lines))
	for i, l := range lines {
		names[i] = l.name
	}
	sig := Signature{
		KeyID:   keyID,
		Created: created,
		Headers: names,
		Value:   ed25519.Sign(priv, []byte(signingString(lines))),
	}
	return sig.String()
}

// VerifyHead checks a parsed signature against head. Every header the
// signature lists must be present; extra unsigned headers are ignored
// by the check but should be dropped by the caller.
func VerifyHead(head response.Head, sig Signature, pub ed25519.PublicKey) error {
	if sig.Algorithm != "" && sig.Algorithm != sigAlgorithm {
		return fmt.Errorf("unsupported signature algorithm %q", sig.Algorithm)
	}
	available := make(map[string]string)
	for _, l := range signableLines(head) {
		available[l.name] = l.value
	}

	lines := make([]headerLine, 0, len(sig.Headers))
	for _, name := range sig.Headers {
		switch name {
		case phResponseStatus:
			lines = append(lines, headerLine{name: name, value: strconv.Itoa(head.StatusCode)})
		case phCreated:
			lines = append(lines, headerLine{name: name, value: strconv.FormatInt(sig.Created, 10)})
		default:
			if strings.HasPrefix(name, "(") {
				return fmt.Errorf("unsupported pseudo-header %q", name)
			}
			v, ok := available[name]
			if !ok {
				return fmt.Errorf("signed header %q missing", name)
			}
			lines = append(lines, headerLine{name: name, value: v})
		}
	}

	if !ed25519.Verify(pub, []byte(signingString(lines)), sig.Value) {
		return fmt.Errorf("head signature mismatch")
	}
	return nil
}

// SignedHeaderSet returns the lowercased header names covered by sig,
// for filtering unsigned headers out of a verified head.
func (s Signature) SignedHeaderSet() map[string]bool {
	out := make(map[string]bool, len(s.Headers))
	for _, h := range s.Headers {
		out[h] = true
	}
	return out
}
