package store

import (
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var kvBucket = []byte("aquachat")

// BoltKV implements the KV interface on a BoltDB file. Bolt's transactional
// writes give the atomic-replace guarantee the ChatStore relies on: a crash
// mid-write leaves the previous value intact, never a torn blob.
type BoltKV struct {
	db *bolt.DB
}

// NewBoltKV opens (creating if needed, with 0600 permissions) the database
// at path and ensures the backing bucket exists.
func NewBoltKV(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltKV{db: db}, nil
}

// Get returns the value stored under key, with ok=false when absent.
func (b *BoltKV) Get(key string) (string, bool, error) {
	var val []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)
		if bk == nil {
			return nil
		}
		if v := bk.Get([]byte(key)); v != nil {
			val = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to read key %q: %w", key, err)
	}
	if val == nil {
		return "", false, nil
	}
	return string(val), true, nil
}

// Set stores value under key, replacing any previous value atomically.
func (b *BoltKV) Set(key, value string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)
		if bk == nil {
			return fmt.Errorf("bucket %q is missing", kvBucket)
		}
		return bk.Put([]byte(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("failed to write key %q: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (b *BoltKV) Delete(key string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(kvBucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("failed to delete key %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying database file.
func (b *BoltKV) Close() error {
	return b.db.Close()
}
