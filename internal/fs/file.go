package fs

import (
	"context"
	"syscall"

	"pagefs/internal/disk"
	"pagefs/internal/engine"
	"pagefs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	fileLogger = logging.GetLogger().WithPrefix("file")
)

// File is a file node and its own handle. It is addressed by name within
// its parent so every call sees the current record.
type File struct {
	fs     *PageFS
	parent disk.PageID
	name   string
}

// entry resolves the file's current record. Callers hold fs.mu.
func (f *File) entry() (engine.Entry, error) {
	ent, err := f.fs.eng.LookupIn(f.parent, f.name)
	if err != nil {
		return engine.Entry{}, err
	}
	if ent.IsDir() {
		return engine.Entry{}, engine.NewError(engine.OpLookup, f.name, engine.ErrIsADirectory)
	}
	return ent, nil
}

func (f *File) fill(ent engine.Entry, a *fuse.Attr) {
	size := f.fs.eng.Size(ent)
	a.Inode = inode(ent.Head())
	a.Mode = 0644
	a.Size = safeInt64ToUint64(size)
	a.Mtime = ent.Record.ModTime()
	a.Atime = a.Mtime // access time is not tracked
	a.Ctime = a.Mtime
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.BlockSize = f.fs.pageSize()
	a.Blocks = f.fs.blocks(size)
}

// Attr implements the Node interface, returning the file's attributes.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	ent, err := f.entry()
	if err != nil {
		return ToFuseError(err)
	}
	f.fill(ent, a)
	fileLogger.Trace("File attributes for %q: size=%d, mtime=%v", f.name, a.Size, a.Mtime)
	return nil
}

// Open implements the NodeOpener interface.
func (f *File) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	fileLogger.Debug("Opening file %q with flags %v", f.name, req.Flags)
	resp.Flags |= fuse.OpenDirectIO
	return f, nil
}

// Read implements the HandleReader interface.
func (f *File) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	fileLogger.Trace("Reading %d bytes from file %q at offset %d", req.Size, f.name, req.Offset)
	ent, err := f.entry()
	if err != nil {
		return ToFuseError(err)
	}
	data, err := f.fs.eng.ReadFileAt(ent, req.Offset, int64(req.Size))
	if err != nil {
		fileLogger.Error("Failed to read %q: %v", f.name, err)
		return ToFuseError(err)
	}
	resp.Data = data
	return nil
}

// Write implements the HandleWriter interface. The engine replaces whole
// files, so the write is spliced into the current content first.
func (f *File) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	fileLogger.Trace("Writing %d bytes to file %q at offset %d", len(req.Data), f.name, req.Offset)
	if req.Offset < 0 {
		return syscall.EINVAL
	}
	// the whole file is materialised below, so bound it first
	if limit := f.fs.eng.MaxFileSize(); req.Offset > limit || int64(len(req.Data)) > limit-req.Offset {
		fileLogger.Warn("Write to %q ending past %d bytes rejected", f.name, limit)
		return syscall.EFBIG
	}
	ent, err := f.entry()
	if err != nil {
		return ToFuseError(err)
	}
	content, err := f.fs.eng.ReadFile(ent)
	if err != nil {
		return ToFuseError(err)
	}

	end := int(req.Offset) + len(req.Data)
	if end > len(content) {
		grown := make([]byte, end)
		copy(grown, content)
		content = grown
	}
	copy(content[req.Offset:], req.Data)

	if _, err := f.fs.eng.WriteIn(f.parent, f.name, content); err != nil {
		fileLogger.Warn("Write to %q failed: %v", f.name, err)
		return ToFuseError(err)
	}
	if err := f.fs.flush(); err != nil {
		return ToFuseError(err)
	}
	resp.Size = len(req.Data)
	return nil
}

// Setattr implements the NodeSetattrer interface. Only size changes are
// stored; other attributes are accepted and ignored.
func (f *File) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	ent, err := f.entry()
	if err != nil {
		return ToFuseError(err)
	}

	if req.Valid.Size() {
		fileLogger.Debug("Resizing %q to %d bytes", f.name, req.Size)
		if req.Size > safeInt64ToUint64(f.fs.eng.MaxFileSize()) {
			return syscall.EFBIG
		}
		content, err := f.fs.eng.ReadFile(ent)
		if err != nil {
			return ToFuseError(err)
		}
		resized := make([]byte, req.Size)
		copy(resized, content)
		if ent, err = f.fs.eng.WriteIn(f.parent, f.name, resized); err != nil {
			return ToFuseError(err)
		}
		if err := f.fs.flush(); err != nil {
			return ToFuseError(err)
		}
	}

	f.fill(ent, &resp.Attr)
	return nil
}

// Flush implements the HandleFlusher interface.
func (f *File) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	return ToFuseError(f.fs.flush())
}

// Fsync implements the NodeFsyncer interface.
func (f *File) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()

	fileLogger.Debug("Syncing file %q", f.name)
	return ToFuseError(f.fs.flush())
}
