// Package swarm derives BEP-5 swarm names and their DHT infohashes.
//
// A swarm name is a UTF-8 string naming a group of cooperating peers
// under one cache public key; its 20-byte SHA-1 is the infohash the
// peers announce on.
package swarm

import (
	"crypto/ed25519"
	"crypto/sha1"
	"encoding/base32"
	"fmt"

	"github.com/ouinet/ouicache/pkg/constants"
)

// Infohash is a 20-byte DHT key.
type Infohash [20]byte

var base32up = base32.StdEncoding.WithPadding(base32.NoPadding)

func keyPrefix(pub ed25519.PublicKey) string {
	return "ed25519:" + base32up.EncodeToString(pub)
}

// Injectors returns the swarm name under which injectors of the given
// cache key announce themselves.
func Injectors(pub ed25519.PublicKey) string {
	return fmt.Sprintf("%s/v%d/injectors", keyPrefix(pub), constants.ProtocolVersion)
}

// Bridges returns the swarm name for bridge nodes of the given cache key.
func Bridges(pub ed25519.PublicKey) string {
	return fmt.Sprintf("%s/v%d/bridges", keyPrefix(pub), constants.ProtocolVersion)
}

// URI returns the swarm name for holders of one cached entry.
func URI(pub ed25519.PublicKey, key string) string {
	return fmt.Sprintf("%s/v%d/uri/%s", keyPrefix(pub), constants.ProtocolVersion, key)
}

// Hash returns the infohash of a swarm name.
func Hash(name string) Infohash {
	return sha1.Sum([]byte(name))
}

// String returns the lowercase hex form of the infohash.
func (h Infohash) String() string {
	return fmt.Sprintf("%x", h[:])
}

// Bytes returns the infohash as a byte slice.
func (h Infohash) Bytes() []byte {
	return h[:]
}
