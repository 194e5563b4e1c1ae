// mount.go
//
// FUSE front-end for an overlay.
// The mount mirrors the real SqPack directory through a loopback file system
// and intercepts lookups of the virtual files: the overlaid .index of every
// archive with overrides and its synthetic data file. Those are served from
// the overlay's handle table; every other path is passed through untouched.

package fusefs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	vsqpack "github.com/ahrav/go-vsqpack"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the overlaid SqPack directory is
	// exposed. It is created if it does not exist.
	Mountpoint string

	// Overlay serves the virtual files. Its package's base directory is the
	// directory mirrored by the mount.
	Overlay *vsqpack.Overlay

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, errors go to stderr.
	Logger *slog.Logger
}

// Mount mounts the overlay at the configured mountpoint. The caller must
// call Unmount on the returned server when done.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Overlay == nil {
		return nil, fmt.Errorf("overlay is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	base := options.Overlay.Package().BaseDir()
	var st syscall.Stat_t
	if err := syscall.Stat(base, &st); err != nil {
		return nil, fmt.Errorf("stat SqPack directory %s: %w", base, err)
	}

	loopback := &gofuse.LoopbackRoot{
		Path: base,
		Dev:  uint64(st.Dev),
	}
	loopback.NewNode = func(rootData *gofuse.LoopbackRoot, _ *gofuse.Inode, _ string, _ *syscall.Stat_t) gofuse.InodeEmbedder {
		return &overlayNode{
			LoopbackNode: gofuse.LoopbackNode{RootData: rootData},
			options:      &options,
		}
	}
	root := loopback.NewNode(loopback, nil, "", &st)
	loopback.RootNode = root

	// Virtual sizes change when overrides are added at runtime, so
	// attributes are cached only briefly.
	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "vsqpack",
			Name:       "vsqpack",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("overlay mounted", "mountpoint", options.Mountpoint, "sqpack", base)
	return server, nil
}

// overlayNode is a loopback node that answers lookups of virtual files
// itself. Directory listings are not augmented: a synthetic data file is
// reachable by name only, which is how the game opens it.
type overlayNode struct {
	gofuse.LoopbackNode
	options *Options
}

var _ gofuse.InodeEmbedder = (*overlayNode)(nil)
var _ gofuse.NodeLookuper = (*overlayNode)(nil)

func (n *overlayNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	path := filepath.Join(n.RootData.Path, n.Path(n.Root()), name)

	id, kind, ok := n.options.Overlay.Package().Resolve(path)
	if !ok {
		return n.LoopbackNode.Lookup(ctx, name, out)
	}

	child := &virtualNode{
		options: n.options,
		path:    path,
		id:      id,
		kind:    kind,
	}
	// The synthetic data file has no counterpart on disk; it borrows the
	// ownership and timestamps of the archive's first data file.
	child.statPath = path
	if kind == vsqpack.SubFileData {
		child.statPath = filepath.Join(filepath.Dir(path), id.DatFileName(0))
	}

	if errno := child.fill(&out.Attr); errno != 0 {
		return nil, errno
	}
	return n.NewInode(ctx, child, gofuse.StableAttr{Mode: syscall.S_IFREG}), 0
}

// virtualNode is an overlaid .index or a synthetic data file.
type virtualNode struct {
	gofuse.Inode
	options *Options

	// path is the absolute path the game would open.
	path string

	// statPath is the real file whose metadata the node reports.
	statPath string

	id   vsqpack.ArchiveID
	kind vsqpack.SubFile
}

var _ gofuse.InodeEmbedder = (*virtualNode)(nil)
var _ gofuse.NodeGetattrer = (*virtualNode)(nil)
var _ gofuse.NodeSetattrer = (*virtualNode)(nil)
var _ gofuse.NodeOpener = (*virtualNode)(nil)

// fill writes the node's attributes into out.
func (v *virtualNode) fill(out *fuse.Attr) syscall.Errno {
	var st syscall.Stat_t
	if err := syscall.Stat(v.statPath, &st); err != nil {
		return gofuse.ToErrno(err)
	}
	size, err := v.options.Overlay.Package().Size(v.id, v.kind)
	if err != nil {
		v.options.Logger.Error("virtual file size", "path", v.path, "error", err)
		return syscall.EIO
	}

	out.FromStat(&st)
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = size
	out.Blocks = (size + 511) / 512
	return 0
}

func (v *virtualNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	return v.fill(&out.Attr)
}

// Setattr rejects every change; virtual files are read-only.
func (v *virtualNode) Setattr(_ context.Context, _ gofuse.FileHandle, _ *fuse.SetAttrIn, _ *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

func (v *virtualNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR|syscall.O_TRUNC) != 0 {
		return nil, 0, syscall.EROFS
	}

	table := v.options.Overlay.Handles()
	h, ok, err := table.Open(v.path)
	switch {
	case errors.Is(err, vsqpack.ErrClosed):
		return nil, 0, syscall.ESHUTDOWN
	case err != nil:
		v.options.Logger.Error("open virtual file", "path", v.path, "error", err)
		return nil, 0, syscall.EMFILE
	case !ok:
		return nil, 0, syscall.ENOENT
	}

	v.options.Logger.Debug("opened virtual file", "path", v.path, "handle", h.String())
	return &virtualHandle{options: v.options, table: table, handle: h}, 0, 0
}

// virtualHandle is one open of a virtual file. The kernel always passes
// explicit offsets, so reads never move the handle's cursor.
type virtualHandle struct {
	options *Options
	table   *vsqpack.HandleTable
	handle  vsqpack.Handle
}

var _ gofuse.FileReader = (*virtualHandle)(nil)
var _ gofuse.FileReleaser = (*virtualHandle)(nil)

func (h *virtualHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := h.table.ReadAt(h.handle, dest, off)
	if errors.Is(err, vsqpack.ErrOutOfRange) {
		return fuse.ReadResultData(nil), 0
	}
	if err != nil {
		h.options.Logger.Warn("read virtual file", "handle", h.handle.String(), "offset", off, "error", err)
		return nil, syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (h *virtualHandle) Release(ctx context.Context) syscall.Errno {
	if err := h.table.Close(h.handle); err != nil && !errors.Is(err, vsqpack.ErrUnknownHandle) {
		return syscall.EIO
	}
	return 0
}
