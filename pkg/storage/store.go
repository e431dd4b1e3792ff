// Package storage persists the queue's durable state: the worker
// roster (so a restarted master recognizes reconnecting workers), the
// per-worker cache digest table, and the transport certificate
// authority.
package storage

import (
	"github.com/cctools-go/workqueue/pkg/types"
)

// CacheDigest is the queue's record of one file a worker's cache
// holds, keyed by the remote name the worker knows it by.
type CacheDigest struct {
	WorkerID   string
	RemoteName string
	Digest     string
	Bytes      int64
}

// Store defines the interface for queue state storage, implemented by
// a BoltDB-backed store.
type Store interface {
	// Workers
	SaveWorker(worker *types.WorkerInfo) error
	GetWorker(id string) (*types.WorkerInfo, error)
	ListWorkers() ([]*types.WorkerInfo, error)
	DeleteWorker(id string) error

	// Cache digests
	SaveCacheDigest(d *CacheDigest) error
	GetCacheDigest(workerID, remoteName string) (*CacheDigest, error)
	ListCacheDigests(workerID string) ([]*CacheDigest, error)
	DeleteCacheDigest(workerID, remoteName string) error

	// Certificate Authority
	SaveCA(data []byte) error
	GetCA() ([]byte, error)

	// Utility
	Close() error
}
