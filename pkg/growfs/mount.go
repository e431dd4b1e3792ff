//go:build fuse

package growfs

import (
	"context"
	"io"
	"os"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Mount exposes fs as an actual mounted filesystem at opts.MountPath.
// The mount is read-only: every write-capable FUSE operation returns
// EROFS via rootNode's embedded fs.Inode defaults.
func Mount(gfs *FS, opts MountOptions) (Server, error) {
	if err := os.MkdirAll(opts.MountPath, 0o755); err != nil {
		return nil, err
	}

	root := &rootNode{fs: gfs, path: ""}
	mountOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     "growfs",
			Name:       "growfs",
			ReadOnly:   true,
		},
	}

	return fs.Mount(opts.MountPath, root, mountOpts)
}

// rootNode and growNode implement the minimal go-fuse InodeEmbedder
// surface (Lookup/Readdir/Open/Read) needed for a read-only,
// on-demand-streamed tree; every other FUSE operation falls back to
// the library's read-only defaults.
type rootNode struct {
	fs.Inode
	fs   *FS
	path string
}

var _ fs.NodeLookuper = (*rootNode)(nil)
var _ fs.NodeReaddirer = (*rootNode)(nil)
var _ fs.NodeOpener = (*rootNode)(nil)

func (n *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	child := joinPath(n.path, name)
	e, err := n.fs.Stat(child)
	if err != nil {
		return nil, syscall.ENOENT
	}
	out.Mode = uint32(e.Mode.Perm())
	out.Size = uint64(e.Length)

	stable := fs.StableAttr{Mode: modeToFuseType(e.Mode)}
	childNode := &rootNode{fs: n.fs, path: child}
	return n.NewInode(ctx, childNode, stable), 0
}

func (n *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	entries, err := n.fs.Readdir(n.path)
	if err != nil {
		return nil, syscall.ENOENT
	}
	list := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		list = append(list, fuse.DirEntry{Name: baseName(e.Path), Mode: modeToFuseType(e.Mode)})
	}
	return fs.NewListDirStream(list), 0
}

func (n *rootNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	rc, err := n.fs.Open(n.path)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, 0, syscall.EIO
	}
	return &growFile{data: data}, fuse.FOPEN_KEEP_CACHE, 0
}

type growFile struct {
	fs.FileHandle
	data []byte
}

func (f *growFile) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if off >= int64(len(f.data)) {
		return fuse.ReadResultData(nil), 0
	}
	end := off + int64(len(dest))
	if end > int64(len(f.data)) {
		end = int64(len(f.data))
	}
	return fuse.ReadResultData(f.data[off:end]), 0
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}

func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' {
			return p[i+1:]
		}
	}
	return p
}

func modeToFuseType(m os.FileMode) uint32 {
	if m.IsDir() {
		return fuse.S_IFDIR
	}
	if m&os.ModeSymlink != 0 {
		return fuse.S_IFLNK
	}
	return fuse.S_IFREG
}
