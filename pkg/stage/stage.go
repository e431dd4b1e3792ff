// Package stage manages the worker's per-task sandbox directories: a
// fresh directory per task attempt, populated with its input files
// (hardlinked from the cache when possible, copied or written
// otherwise) before the command line runs, and harvested for declared
// outputs afterward.
//
// This is the worker-side counterpart of a volume driver: instead of
// creating a long-lived named volume, it creates and tears down one
// throwaway directory per task attempt.
package stage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/cctools-go/workqueue/pkg/cache"
	"github.com/cctools-go/workqueue/pkg/types"
)

// DefaultSandboxPath is the base directory under which task sandboxes
// are created.
const DefaultSandboxPath = "/var/lib/workqueue/worker/tasks"

// Sandbox is one task attempt's working directory.
type Sandbox struct {
	Path string
}

// Manager creates and tears down task sandboxes and wires their input
// and output files against the worker's cache.
type Manager struct {
	basePath string
	cache    *cache.Cache
}

// NewManager creates a sandbox manager rooted at basePath (using
// DefaultSandboxPath if empty), wired to the given cache.
func NewManager(basePath string, c *cache.Cache) (*Manager, error) {
	if basePath == "" {
		basePath = DefaultSandboxPath
	}
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox base directory: %w", err)
	}
	return &Manager{basePath: basePath, cache: c}, nil
}

// Create allocates a fresh sandbox directory for a task attempt.
func (m *Manager) Create(taskID int64, attempt int) (*Sandbox, error) {
	path := filepath.Join(m.basePath, fmt.Sprintf("task-%d-%d", taskID, attempt))
	if err := os.RemoveAll(path); err != nil {
		return nil, fmt.Errorf("failed to clear stale sandbox: %w", err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox: %w", err)
	}
	return &Sandbox{Path: path}, nil
}

// Destroy removes a sandbox and everything in it.
func (m *Manager) Destroy(sb *Sandbox) error {
	return os.RemoveAll(sb.Path)
}

// PlaceInput materializes one input FileSpec inside the sandbox. If
// the file is cached, it is hardlinked from the cache blob; otherwise
// it is written from the supplied buffer.
func (m *Manager) PlaceInput(sb *Sandbox, fs types.FileSpec, buf []byte) error {
	dest := filepath.Join(sb.Path, fs.RemoteName)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create input parent directory: %w", err)
	}

	if fs.CachePolicy == types.CachePolicyCache && m.cache != nil {
		digest := cache.Digest(buf)
		if !m.cache.Has(digest) {
			if _, err := m.cache.Put(buf); err != nil {
				return fmt.Errorf("failed to seed cache: %w", err)
			}
		}
		m.cache.Ensure(fs.RemoteName, digest)
		if err := os.Link(m.cache.Path(digest), dest); err == nil {
			return nil
		}
		// Fall through to a plain copy if hardlinking across
		// filesystems isn't possible.
	}

	return os.WriteFile(dest, buf, 0644)
}

// CollectOutput reads back one output FileSpec after the task's
// command line has run.
func (m *Manager) CollectOutput(sb *Sandbox, fs types.FileSpec) ([]byte, error) {
	src := filepath.Join(sb.Path, fs.RemoteName)
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("output missing: %w", err)
	}
	defer f.Close()
	return io.ReadAll(f)
}
