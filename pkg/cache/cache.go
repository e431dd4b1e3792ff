// Package cache implements a worker's local content-addressed file
// cache: input files marked CachePolicyCache are stored once under a
// digest-derived path and reused across tasks that declare the same
// remote name and digest, instead of being re-transferred.
//
// The on-disk layout is a two-level hex fan-out directory keyed by the
// xxhash64 digest of the file's contents, the same shape used by the
// GROW filesystem's blob cache: digest ab12cd34... lives at
// ab/12/ab12cd34....  Fan-out keeps any one directory from holding
// more entries than common filesystems handle well.
package cache

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Entry describes one cached blob.
type Entry struct {
	Digest string
	Bytes  int64
}

// Cache is a worker's local content-addressed blob store.
type Cache struct {
	baseDir string

	mu      sync.RWMutex
	byName  map[string]Entry // remote name -> entry, last ensure() wins
}

// New creates a cache rooted at baseDir, creating it if necessary.
func New(baseDir string) (*Cache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{
		baseDir: baseDir,
		byName:  make(map[string]Entry),
	}, nil
}

// Digest computes the content digest used to address a blob.
func Digest(data []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(data))
}

// DigestReader computes the content digest of a stream without
// buffering it all in memory first.
func DigestReader(r io.Reader) (string, int64, error) {
	h := xxhash.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return fmt.Sprintf("%016x", h.Sum64()), n, nil
}

func (c *Cache) blobPath(digest string) string {
	if len(digest) < 4 {
		return filepath.Join(c.baseDir, digest)
	}
	return filepath.Join(c.baseDir, digest[0:2], digest[2:4], digest)
}

// Has reports whether the given digest is already stored.
func (c *Cache) Has(digest string) bool {
	_, err := os.Stat(c.blobPath(digest))
	return err == nil
}

// Put stores data under its digest and returns the digest. If the
// blob is already present, Put is a no-op beyond recomputing the
// digest.
func (c *Cache) Put(data []byte) (string, error) {
	digest := Digest(data)
	path := c.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create cache fan-out dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write cache blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to commit cache blob: %w", err)
	}
	return digest, nil
}

// PutFile stores the contents of srcPath under its digest.
func (c *Cache) PutFile(srcPath string) (string, int64, error) {
	f, err := os.Open(srcPath)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	digest, n, err := DigestReader(f)
	if err != nil {
		return "", 0, err
	}

	path := c.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return digest, n, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create cache fan-out dir: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", 0, err
	}

	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return "", 0, err
	}
	if _, err := io.Copy(out, f); err != nil {
		out.Close()
		os.Remove(tmp)
		return "", 0, err
	}
	out.Close()

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", 0, fmt.Errorf("failed to commit cache blob: %w", err)
	}
	return digest, n, nil
}

// Path returns the on-disk path of a stored digest, for the caller to
// hardlink or open directly.
func (c *Cache) Path(digest string) string {
	return c.blobPath(digest)
}

// Ensure records that remoteName currently resolves to digest,
// satisfying a FileSpec with CachePolicyCache. Returns true if the
// blob was already present (a cache hit).
func (c *Cache) Ensure(remoteName, digest string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	hit := c.Has(digest)
	c.byName[remoteName] = Entry{Digest: digest}
	return hit
}

// Lookup returns the digest currently bound to remoteName, if any.
func (c *Cache) Lookup(remoteName string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[remoteName]
	return e, ok
}

// Invalidate forgets the binding for remoteName without removing the
// underlying blob, which may still be referenced by another name.
func (c *Cache) Invalidate(remoteName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byName, remoteName)
}

// Drop removes a blob from disk entirely. Callers are responsible for
// ensuring no remaining name references it.
func (c *Cache) Drop(digest string) error {
	err := os.Remove(c.blobPath(digest))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Names returns the remote names currently bound, for diagnostics.
func (c *Cache) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.byName))
	for n := range c.byName {
		names = append(names, n)
	}
	return names
}
