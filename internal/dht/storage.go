package dht

import (
	"bytes"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ouinet/ouicache/pkg/bencode"
	"github.com/ouinet/ouicache/pkg/constants"
)

// ImmutableKey returns the BEP-44 target id of an immutable value.
func ImmutableKey(v bencode.Value) NodeID {
	return sha1.Sum(bencode.Encode(v))
}

// MutableKey returns the BEP-44 target id for a public key and salt.
func MutableKey(pub ed25519.PublicKey, salt []byte) NodeID {
	h := sha1.New()
	h.Write(pub)
	h.Write(salt)
	var id NodeID
	copy(id[:], h.Sum(nil))
	return id
}

// MutableItem is a signed BEP-44 mutable value.
type MutableItem struct {
	Key       ed25519.PublicKey
	Salt      []byte
	Value     bencode.Value
	Seq       int64
	Signature []byte
}

// mutableSigningString builds the bencoded fragment covered by the item
// signature per BEP-44.
func mutableSigningString(salt []byte, seq int64, v bencode.Value) []byte {
	var buf bytes.Buffer
	if len(salt) > 0 {
		buf.WriteString("4:salt")
		buf.Write(bencode.Encode(bencode.Bytes(salt)))
	}
	buf.WriteString(fmt.Sprintf("3:seqi%de1:v", seq))
	buf.Write(bencode.Encode(v))
	return buf.Bytes()
}

// Sign signs the item with the matching private key.
func (m *MutableItem) Sign(priv ed25519.PrivateKey) {
	m.Signature = ed25519.Sign(priv, mutableSigningString(m.Salt, m.Seq, m.Value))
}

// Verify checks the item signature.
func (m *MutableItem) Verify() bool {
	if len(m.Key) != ed25519.PublicKeySize || len(m.Signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(m.Key, mutableSigningString(m.Salt, m.Seq, m.Value), m.Signature)
}

// Target returns the DHT id the item is stored under.
func (m *MutableItem) Target() NodeID {
	return MutableKey(m.Key, m.Salt)
}

// tokenIssuer mints and validates announce/put tokens bound to the
// requester's endpoint. The secret rotates; the previous one is still
// accepted so tokens stay valid across one rotation.
type tokenIssuer struct {
	mu         sync.Mutex
	secret     [16]byte
	prevSecret [16]byte
	rotated    time.Time
	clk        clock.Clock
}

func newTokenIssuer(clk clock.Clock) *tokenIssuer {
	t := &tokenIssuer{clk: clk, rotated: clk.Now()}
	rand.Read(t.secret[:])
	rand.Read(t.prevSecret[:])
	return t
}

func tokenFor(secret []byte, ep *net.UDPAddr) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(EncodeEndpoint(ep))
	return mac.Sum(nil)[:8]
}

func (t *tokenIssuer) issue(ep *net.UDPAddr) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	return tokenFor(t.secret[:], ep)
}

func (t *tokenIssuer) validate(ep *net.UDPAddr, token []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maybeRotate()
	if hmac.Equal(token, tokenFor(t.secret[:], ep)) {
		return true
	}
	return hmac.Equal(token, tokenFor(t.prevSecret[:], ep))
}

func (t *tokenIssuer) maybeRotate() {
	now := t.clk.Now()
	if now.Sub(t.rotated) < constants.DHTTokenRotate {
		return
	}
	t.prevSecret = t.secret
	rand.Read(t.secret[:])
	t.rotated = now
}

// trackerStore holds announced peers per infohash.
type trackerStore struct {
	mu    sync.Mutex
	swarm map[NodeID]map[string]trackerPeer
	clk   clock.Clock
}

type trackerPeer struct {
	endpoint *net.UDPAddr
	seen     time.Time
}

const trackerPeerTTL = 30 * time.Minute

func newTrackerStore(clk clock.Clock) *trackerStore {
	return &trackerStore{swarm: make(map[NodeID]map[string]trackerPeer), clk: clk}
}

func (s *trackerStore) announce(infohash NodeID, peer *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.swarm[infohash]
	if peers == nil {
		peers = make(map[string]trackerPeer)
		s.swarm[infohash] = peers
	}
	peers[peer.String()] = trackerPeer{endpoint: peer, seen: s.clk.Now()}
}

func (s *trackerStore) peers(infohash NodeID) []*net.UDPAddr {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	var out []*net.UDPAddr
	for key, p := range s.swarm[infohash] {
		if now.Sub(p.seen) > trackerPeerTTL {
			delete(s.swarm[infohash], key)
			continue
		}
		out = append(out, p.endpoint)
	}
	if len(s.swarm[infohash]) == 0 {
		delete(s.swarm, infohash)
	}
	return out
}

// dataStore holds BEP-44 values served by this node.
type dataStore struct {
	mu        sync.Mutex
	immutable map[NodeID]bencode.Value
	mutable   map[NodeID]*MutableItem
}

func newDataStore() *dataStore {
	return &dataStore{
		immutable: make(map[NodeID]bencode.Value),
		mutable:   make(map[NodeID]*MutableItem),
	}
}

func (s *dataStore) getImmutable(key NodeID) (bencode.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.immutable[key]
	return v, ok
}

func (s *dataStore) putImmutable(key NodeID, v bencode.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.immutable[key] = v
}

func (s *dataStore) getMutable(target NodeID) (*MutableItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.mutable[target]
	return item, ok
}

// putMutable applies BEP-44 monotonicity: a compare-and-swap value must
// equal the currently stored seq, and the new seq must not go backwards.
// Returns the KRPC error code on rejection.
func (s *dataStore) putMutable(item *MutableItem, cas *int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := item.Target()
	stored, exists := s.mutable[target]
	if exists {
		if cas != nil && *cas != stored.Seq {
			return ErrCodeCasMismatch, fmt.Errorf("cas %d does not match stored seq %d", *cas, stored.Seq)
		}
		if item.Seq < stored.Seq {
			return ErrCodeSeqNotUpdated, fmt.Errorf("seq %d older than stored %d", item.Seq, stored.Seq)
		}
		if item.Seq == stored.Seq &&
			!bytes.Equal(bencode.Encode(item.Value), bencode.Encode(stored.Value)) {
			return ErrCodeSeqNotUpdated, fmt.Errorf("seq %d reused with different value", item.Seq)
		}
	}
	s.mutable[target] = item
	return 0, nil
}
