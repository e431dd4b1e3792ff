package growfs

// Server is the subset of *fuse.Server this package exposes to
// callers that don't need the rest of go-fuse's API, so cmd-level code
// can call Mount the same way whether or not this module was built
// with the fuse tag.
type Server interface {
	Unmount() error
}

// MountOptions configures an optional FUSE mount of an FS.
type MountOptions struct {
	MountPath  string
	AllowOther bool
	Debug      bool
}
