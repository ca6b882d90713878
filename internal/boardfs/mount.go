package boardfs

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/agentworkforce/fleetboard/internal/roster"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Options struct {
	Mountpoint string
	Source     Source

	// AllowOther requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	Logger Logger
}

// Mount exposes the board read-only at the mountpoint. Every lookup and
// listing renders a fresh snapshot. The caller must Unmount the returned
// server.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Source == nil {
		return nil, fmt.Errorf("board source is required")
	}
	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("creating mountpoint %s: %w", options.Mountpoint, err)
	}

	entryTimeout := 200 * time.Millisecond
	attrTimeout := 200 * time.Millisecond
	negativeTimeout := 100 * time.Millisecond

	root := &rootNode{options: &options}
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "fleetboard",
			Name:       "fleetboard",
			AllowOther: options.AllowOther,
			Options:    []string{"ro"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting board at %s: %w", options.Mountpoint, err)
	}
	options.logf("board mounted at %s", options.Mountpoint)
	return server, nil
}

func (o *Options) logf(format string, args ...any) {
	if o.Logger == nil {
		return
	}
	o.Logger.Printf(format, args...)
}

func (o *Options) tree() (Tree, syscall.Errno) {
	tree, err := Build(o.Source)
	if err != nil {
		o.logf("render board: %v", err)
		return Tree{}, syscall.EIO
	}
	return tree, 0
}

type rootNode struct {
	gofuse.Inode
	options *Options
}

var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	tree, errno := r.options.tree()
	if errno != 0 {
		return nil, errno
	}
	if cat, ok := roster.ParseCategory(name); ok && string(cat) == name {
		if _, present := tree.Dirs[cat]; present {
			out.Mode = syscall.S_IFDIR | 0o555
			return r.NewInode(ctx, &categoryNode{options: r.options, category: cat}, gofuse.StableAttr{Mode: syscall.S_IFDIR}), 0
		}
	}
	if f, ok := tree.file(name); ok {
		return fileInode(ctx, &r.Inode, f, out), 0
	}
	return nil, syscall.ENOENT
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	tree, errno := r.options.tree()
	if errno != 0 {
		return nil, errno
	}
	var entries []fuse.DirEntry
	for _, f := range tree.Files {
		entries = append(entries, fuse.DirEntry{Name: f.Name, Mode: syscall.S_IFREG})
	}
	for _, cat := range roster.Categories {
		if _, ok := tree.Dirs[cat]; ok {
			entries = append(entries, fuse.DirEntry{Name: string(cat), Mode: syscall.S_IFDIR})
		}
	}
	return gofuse.NewListDirStream(entries), 0
}

type categoryNode struct {
	gofuse.Inode
	options  *Options
	category roster.Category
}

var _ gofuse.NodeLookuper = (*categoryNode)(nil)
var _ gofuse.NodeReaddirer = (*categoryNode)(nil)

func (c *categoryNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	tree, errno := c.options.tree()
	if errno != 0 {
		return nil, errno
	}
	f, ok := tree.dirFile(c.category, name)
	if !ok {
		return nil, syscall.ENOENT
	}
	return fileInode(ctx, &c.Inode, f, out), 0
}

func (c *categoryNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	tree, errno := c.options.tree()
	if errno != 0 {
		return nil, errno
	}
	files := tree.Dirs[c.category]
	entries := make([]fuse.DirEntry, 0, len(files))
	for _, f := range files {
		entries = append(entries, fuse.DirEntry{Name: f.Name, Mode: syscall.S_IFREG})
	}
	return gofuse.NewListDirStream(entries), 0
}

// fileInode freezes f's content into a fresh in-memory file; later lookups
// produce new inodes with newer content.
func fileInode(ctx context.Context, parent *gofuse.Inode, f File, out *fuse.EntryOut) *gofuse.Inode {
	node := &gofuse.MemRegularFile{
		Data: f.Data,
		Attr: fuse.Attr{Mode: 0o444},
	}
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(len(f.Data))
	return parent.NewInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
}
