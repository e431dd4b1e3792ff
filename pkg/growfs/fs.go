package growfs

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/cctools-go/workqueue/pkg/cache"
)

// Fetcher retrieves a blob by content hash, e.g. from a queue's `get`
// reply or from object storage. FS never assumes the blob is local.
type Fetcher interface {
	Fetch(contentHash string) (io.ReadCloser, error)
}

// ErrReadOnly is returned by every mutating operation: the adapter
// mirrors an immutable index and never accepts writes.
var ErrReadOnly = fmt.Errorf("growfs: read-only filesystem")

// FS is a read-only view over an Index, backed by a Fetcher and an
// optional local blob cache. Reads never traverse a symlink entry
// that would resolve outside the index's root.
type FS struct {
	index   *Index
	fetcher Fetcher
	blobs   *cache.Cache // nil disables local caching; every Open re-fetches
}

// New constructs an adapter over idx, fetching blobs through fetcher.
// If cacheDir is non-empty, fetched blobs are kept under it keyed by
// content hash so a repeat Open of the same entry does not re-fetch.
func New(idx *Index, fetcher Fetcher, cacheDir string) (*FS, error) {
	fs := &FS{index: idx, fetcher: fetcher}
	if cacheDir != "" {
		c, err := cache.New(cacheDir)
		if err != nil {
			return nil, err
		}
		fs.blobs = c
	}
	return fs, nil
}

// Stat returns the index entry for a path, resolving one symlink hop.
func (fs *FS) Stat(p string) (Entry, error) {
	if err := fs.rejectEscape(p); err != nil {
		return Entry{}, err
	}
	e, ok := fs.index.Lookup(p)
	if !ok {
		return Entry{}, os.ErrNotExist
	}
	if e.IsSymlink() {
		return fs.resolveSymlink(e)
	}
	return e, nil
}

// resolveSymlink follows a single symlink hop and rejects a target
// that would resolve outside the index root. Index entries are not
// expected to chain symlinks, so only one hop is followed; a target
// that is itself a symlink is reported as an escape.
func (fs *FS) resolveSymlink(e Entry) (Entry, error) {
	if err := fs.rejectEscape(e.Target); err != nil {
		return Entry{}, fmt.Errorf("growfs: symlink %s escapes root: %w", e.Path, err)
	}
	target, ok := fs.index.Lookup(e.Target)
	if !ok {
		return Entry{}, fmt.Errorf("growfs: symlink %s targets missing entry %s", e.Path, e.Target)
	}
	if target.IsSymlink() {
		return Entry{}, fmt.Errorf("growfs: symlink %s chains to another symlink, rejected", e.Path)
	}
	return target, nil
}

// Readdir lists the direct children of a directory path.
func (fs *FS) Readdir(dir string) ([]Entry, error) {
	if err := fs.rejectEscape(dir); err != nil {
		return nil, err
	}
	entries, ok := fs.index.Readdir(dir)
	if !ok {
		return nil, os.ErrNotExist
	}
	return entries, nil
}

// Open streams a file's content. Directories cannot be opened.
func (fs *FS) Open(p string) (io.ReadCloser, error) {
	if err := fs.rejectEscape(p); err != nil {
		return nil, err
	}
	e, ok := fs.index.Lookup(p)
	if !ok {
		return nil, os.ErrNotExist
	}
	if e.IsSymlink() {
		resolved, err := fs.resolveSymlink(e)
		if err != nil {
			return nil, err
		}
		e = resolved
	}
	if e.IsDir() {
		return nil, fmt.Errorf("growfs: %s is a directory", p)
	}

	if fs.blobs != nil && fs.blobs.Has(e.ContentHash) {
		f, err := os.Open(fs.blobs.Path(e.ContentHash))
		if err == nil {
			return f, nil
		}
	}

	rc, err := fs.fetcher.Fetch(e.ContentHash)
	if err != nil {
		return nil, err
	}
	if fs.blobs == nil {
		return rc, nil
	}

	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	if got := cache.Digest(data); got != e.ContentHash {
		return nil, fmt.Errorf("growfs: content hash mismatch for %s: index says %s, fetched %s", p, e.ContentHash, got)
	}
	if _, err := fs.blobs.Put(data); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Create, Remove and Mkdir report ErrReadOnly: the adapter mirrors an
// immutable index and offers no other mutating operation.
func (fs *FS) Create(string) error { return ErrReadOnly }
func (fs *FS) Remove(string) error { return ErrReadOnly }
func (fs *FS) Mkdir(string) error  { return ErrReadOnly }

// rejectEscape refuses any caller-supplied path that climbs above the
// index root via "..", the same subtree-escape rejection the spec
// requires of symbolic links.
func (fs *FS) rejectEscape(p string) error {
	if escapesRoot(p) {
		return fmt.Errorf("growfs: path escapes root: %s", p)
	}
	return nil
}
