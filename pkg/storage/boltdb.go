package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cctools-go/workqueue/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketWorkers       = []byte("workers")
	bucketCacheDigests  = []byte("cache_digests")
	bucketCA            = []byte("ca")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "workqueue.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkers, bucketCacheDigests, bucketCA} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Worker operations

func (s *BoltStore) SaveWorker(worker *types.WorkerInfo) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data, err := json.Marshal(worker)
		if err != nil {
			return err
		}
		return b.Put([]byte(worker.ID), data)
	})
}

func (s *BoltStore) GetWorker(id string) (*types.WorkerInfo, error) {
	var worker types.WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("worker not found: %s", id)
		}
		return json.Unmarshal(data, &worker)
	})
	return &worker, err
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerInfo, error) {
	var workers []*types.WorkerInfo
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.ForEach(func(k, v []byte) error {
			var worker types.WorkerInfo
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	return workers, err
}

func (s *BoltStore) DeleteWorker(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		return b.Delete([]byte(id))
	})
}

// Cache digest operations. Keys are "workerID/remoteName" so digests
// for one worker sort and iterate together.

func cacheDigestKey(workerID, remoteName string) []byte {
	return []byte(workerID + "/" + remoteName)
}

func (s *BoltStore) SaveCacheDigest(d *CacheDigest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCacheDigests)
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		return b.Put(cacheDigestKey(d.WorkerID, d.RemoteName), data)
	})
}

func (s *BoltStore) GetCacheDigest(workerID, remoteName string) (*CacheDigest, error) {
	var d CacheDigest
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCacheDigests)
		data := b.Get(cacheDigestKey(workerID, remoteName))
		if data == nil {
			return fmt.Errorf("cache digest not found: %s/%s", workerID, remoteName)
		}
		return json.Unmarshal(data, &d)
	})
	return &d, err
}

func (s *BoltStore) ListCacheDigests(workerID string) ([]*CacheDigest, error) {
	var digests []*CacheDigest
	prefix := []byte(workerID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCacheDigests)
		c := b.Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var d CacheDigest
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			digests = append(digests, &d)
		}
		return nil
	})
	return digests, err
}

func (s *BoltStore) DeleteCacheDigest(workerID, remoteName string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCacheDigests)
		return b.Delete(cacheDigestKey(workerID, remoteName))
	})
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

// Certificate Authority operations

func (s *BoltStore) SaveCA(data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		return b.Put([]byte("ca"), data)
	})
}

func (s *BoltStore) GetCA() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCA)
		v := b.Get([]byte("ca"))
		if v == nil {
			return fmt.Errorf("CA not found")
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}
