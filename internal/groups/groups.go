// Package groups persists the mapping from announced swarm groups to
// the cached entries belonging to them. The set of group names is what
// the client announces on the DHT; when a group loses its last entry
// its announcement can stop.
package groups

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Store is a bbolt-backed group registry. Each group is a bucket whose
// keys are the entries cached under it.
type Store struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// Open opens or creates the registry at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open group registry %s: %w", path, err)
	}
	return &Store{db: db, logger: logger.Named("groups")}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add records item under group, creating the group as needed.
func (s *Store) Add(group, item string) error {
	if group == "" || item == "" {
		return fmt.Errorf("group and item must be non-empty")
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(group))
		if err != nil {
			return err
		}
		return b.Put([]byte(item), nil)
	})
	if err != nil {
		return fmt.Errorf("add %q to group %q: %w", item, group, err)
	}
	s.logger.Debug("added group entry",
		zap.String("group", group), zap.String("item", item))
	return nil
}

// Remove deletes item from every group and returns the groups left
// empty by the removal. Those no longer need announcing.
func (s *Store) Remove(item string) ([]string, error) {
	var emptied []string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		var drop [][]byte
		err := tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			if !hasKey(b, item) {
				return nil
			}
			if err := b.Delete([]byte(item)); err != nil {
				return err
			}
			if first, _ := b.Cursor().First(); first == nil {
				drop = append(drop, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, name := range drop {
			if err := tx.DeleteBucket(name); err != nil {
				return err
			}
			emptied = append(emptied, string(name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("remove %q: %w", item, err)
	}
	return emptied, nil
}

// hasKey distinguishes a stored nil value from a missing key.
func hasKey(b *bbolt.Bucket, key string) bool {
	k, _ := b.Cursor().Seek([]byte(key))
	return string(k) == key
}

// Groups returns every group name with at least one entry.
func (s *Store) Groups() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, b *bbolt.Bucket) error {
			out = append(out, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return out, nil
}

// Items returns the entries recorded under group.
func (s *Store) Items(group string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(group))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			out = append(out, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list group %q: %w", group, err)
	}
	return out, nil
}
