package fs

import (
	"context"
	"os"
	"time"

	"pagefs/internal/disk"
	"pagefs/internal/engine"
	"pagefs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	dirLogger = logging.GetLogger().WithPrefix("dir")
)

// Dir is a directory node, identified by the head of its child chain.
type Dir struct {
	fs    *PageFS
	head  disk.PageID
	mtime time.Time
}

// Attr implements the Node interface, returning directory attributes.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	dirLogger.Trace("Getting attributes for directory at page %d", d.head)

	a.Inode = inode(d.head)
	a.Mode = os.ModeDir | 0755
	a.Size = uint64(d.fs.pageSize())
	a.Mtime = d.mtime
	a.Ctime = d.mtime
	a.Atime = d.mtime
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.BlockSize = d.fs.pageSize()
	return nil
}

func (d *Dir) node(ent engine.Entry) fusefs.Node {
	if ent.IsDir() {
		return &Dir{fs: d.fs, head: ent.Head(), mtime: ent.Record.ModTime()}
	}
	return &File{fs: d.fs, parent: d.head, name: ent.Name()}
}

// Lookup implements the NodeStringLookuper interface, finding a child node.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	dirLogger.Debug("Looking up %q in directory %d", name, d.head)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	ent, err := d.fs.eng.LookupIn(d.head, name)
	if err != nil {
		return nil, ToFuseError(err)
	}
	return d.node(ent), nil
}

// ReadDirAll implements the HandleReadDirAller interface, listing directory contents.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	dirLogger.Debug("Reading directory %d", d.head)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	children, err := d.fs.eng.ListDir(d.head)
	if err != nil {
		return nil, ToFuseError(err)
	}

	entries := make([]fuse.Dirent, 0, len(children)+2)
	entries = append(entries, fuse.Dirent{Inode: inode(d.head), Name: ".", Type: fuse.DT_Dir})
	entries = append(entries, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})
	for _, ent := range children {
		dirent := fuse.Dirent{Name: ent.Name(), Type: fuse.DT_File, Inode: inode(ent.Head())}
		if ent.IsDir() {
			dirent.Type = fuse.DT_Dir
		}
		entries = append(entries, dirent)
	}

	dirLogger.Debug("Directory %d contains %d entries", d.head, len(children))
	return entries, nil
}

// Mkdir implements the NodeMkdirer interface, creating a new directory.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	dirLogger.Info("Creating directory %q in %d", req.Name, d.head)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	ent, err := d.fs.eng.MkdirIn(d.head, req.Name)
	if err != nil {
		dirLogger.Warn("Mkdir %q failed: %v", req.Name, err)
		return nil, ToFuseError(err)
	}
	if err := d.fs.flush(); err != nil {
		return nil, ToFuseError(err)
	}
	return d.node(ent), nil
}

// Create implements the NodeCreater interface, creating an empty file and
// returning it as both node and handle.
func (d *Dir) Create(_ context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	dirLogger.Info("Creating file %q in %d", req.Name, d.head)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	ent, err := d.fs.eng.CreateIn(d.head, req.Name)
	if err != nil {
		dirLogger.Warn("Create %q failed: %v", req.Name, err)
		return nil, nil, ToFuseError(err)
	}
	if err := d.fs.flush(); err != nil {
		return nil, nil, ToFuseError(err)
	}

	resp.Flags |= fuse.OpenDirectIO
	f := &File{fs: d.fs, parent: d.head, name: ent.Name()}
	return f, f, nil
}

// Remove implements the NodeRemover interface. Directories must be empty.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	dirLogger.Info("Removing %q from directory %d (isDir=%v)", req.Name, d.head, req.Dir)
	d.fs.mu.Lock()
	defer d.fs.mu.Unlock()

	var err error
	if req.Dir {
		err = d.fs.eng.RmdirIn(d.head, req.Name)
	} else {
		err = d.fs.eng.RmIn(d.head, req.Name)
	}
	if err != nil {
		dirLogger.Warn("Remove %q failed: %v", req.Name, err)
		return ToFuseError(err)
	}
	return ToFuseError(d.fs.flush())
}
