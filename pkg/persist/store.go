package persist

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/gridcache/gridcache/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// Store is the write-behind/read-through interface
type Store interface {
	Load(part types.PartitionID, key string) (types.SuppliedEntry, bool, error)
	Put(part types.PartitionID, entry types.SuppliedEntry) error
	Remove(part types.PartitionID, key string) error
	Close() error
}

// BoltStore implements Store with one bbolt bucket per partition,
// adapted from this repository's cluster-state BoltDB store: open once,
// a bucket-per-concern layout, JSON-encoded values.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if absent) a bbolt database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "gridcache-data.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open persist store: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func bucketName(part types.PartitionID) []byte {
	return []byte("part-" + strconv.FormatUint(uint64(part), 10))
}

func (s *BoltStore) bucket(tx *bolt.Tx, part types.PartitionID, create bool) (*bolt.Bucket, error) {
	name := bucketName(part)
	if create {
		return tx.CreateBucketIfNotExists(name)
	}
	return tx.Bucket(name), nil
}

// Load reads a persisted entry for read-through on a cold miss.
func (s *BoltStore) Load(part types.PartitionID, key string) (types.SuppliedEntry, bool, error) {
	var out types.SuppliedEntry
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, part, false)
		if err != nil || b == nil {
			return err
		}
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &out)
	})
	return out, found, err
}

// Put writes an entry for write-behind persistence after a commit.
func (s *BoltStore) Put(part types.PartitionID, entry types.SuppliedEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, part, true)
		if err != nil {
			return err
		}
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		return b.Put([]byte(entry.Key), data)
	})
}

// Remove deletes a persisted entry, for write-behind tombstone propagation.
func (s *BoltStore) Remove(part types.PartitionID, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := s.bucket(tx, part, true)
		if err != nil {
			return err
		}
		return b.Delete([]byte(key))
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
