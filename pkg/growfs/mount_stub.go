//go:build !fuse

package growfs

import "fmt"

// Mount is a stub used when this module is built without the fuse
// build tag. The core Open/Stat/Readdir API works standalone and does
// not require a mount.
func Mount(gfs *FS, opts MountOptions) (Server, error) {
	return nil, fmt.Errorf("growfs: built without FUSE support, rebuild with -tags fuse")
}
