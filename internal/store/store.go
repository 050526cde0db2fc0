// Package store persists signed HTTP responses on disk, one directory
// per URL holding the signed head, the raw body and a fixed-width
// signature record per block. Entries remain readable while still being
// written: readers serve every block whose signature has landed.
package store

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ouinet/ouicache/pkg/constants"
)

const (
	headFile = "head"
	bodyFile = "body"
	sigsFile = "sigs"

	tmpSuffix = ".tmp"
)

// Store is an on-disk cache of signed responses keyed by URL.
type Store struct {
	root   string
	logger *zap.Logger
}

// Open prepares the store root, removing malformed entries and stale
// temporary files left by interrupted writers.
func Open(root string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	s := &Store{root: root, logger: logger.Named("store")}
	s.scan()
	return s, nil
}

// entryDir maps a key to its directory: the SHA-1 of the key in lower
// hex, split after two characters.
func (s *Store) entryDir(key string) string {
	sum := sha1.Sum([]byte(key))
	h := hex.EncodeToString(sum[:])
	return filepath.Join(s.root, h[:2], h[2:])
}

// Remove evicts the entry for key, if present.
func (s *Store) Remove(key string) error {
	dir := s.entryDir(key)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove entry: %w", err)
	}
	// Drop the prefix directory once its last entry goes.
	os.Remove(filepath.Dir(dir))
	return nil
}

// scan walks the root once at startup, dropping entries with no head
// and temporary files older than the grace period.
func (s *Store) scan() {
	cutoff := time.Now().Add(-constants.StoreTempGracePeriod)
	prefixes, err := os.ReadDir(s.root)
	if err != nil {
		return
	}
	for _, prefix := range prefixes {
		if !prefix.IsDir() {
			continue
		}
		prefixDir := filepath.Join(s.root, prefix.Name())
		entries, err := os.ReadDir(prefixDir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			dir := filepath.Join(prefixDir, entry.Name())
			if !entry.IsDir() {
				continue
			}
			if s.cleanEntry(dir, cutoff) {
				s.logger.Warn("removed malformed entry", zap.String("dir", dir))
			}
		}
		if remaining, err := os.ReadDir(prefixDir); err == nil && len(remaining) == 0 {
			os.Remove(prefixDir)
		}
	}
}

// cleanEntry removes stale temporaries in dir and reports whether the
// entry itself was dropped.
func (s *Store) cleanEntry(dir string, cutoff time.Time) bool {
	files, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, f := range files {
		if !strings.HasSuffix(f.Name(), tmpSuffix) {
			continue
		}
		if info, err := f.Info(); err == nil && info.ModTime().Before(cutoff) {
			os.Remove(filepath.Join(dir, f.Name()))
		}
	}
	if _, err := os.Stat(filepath.Join(dir, headFile)); err != nil {
		os.RemoveAll(dir)
		return true
	}
	return false
}
