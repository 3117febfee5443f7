// Package engine implements the filesystem on top of the page store:
// directory and file chains, the working-directory stack, and the orphan
// scanner.
//
// Directories are singly linked chains of metadata records that start with
// the reserved "." and ".." entries. The root directory's records live in
// the fixed root slots, every other record lives in a pool page. Files keep
// their bytes in a separate chain of content pages.
//
// An Engine is not safe for concurrent use; callers serialize access and
// call Flush after each mutating operation.
package engine

import (
	"strings"
	"time"

	"pagefs/internal/disk"
	"pagefs/internal/logging"
)

var (
	engineLogger  = logging.GetLogger().WithPrefix("engine")
	chainLogger   = engineLogger.WithPrefix("chain")
	contentLogger = engineLogger.WithPrefix("content")
)

// Options configures an Engine.
type Options struct {
	MaxDepth int              // working-directory stack bound, DefaultMaxDepth if zero
	Clock    func() time.Time // modify-time source, time.Now if nil
}

// Engine is one filesystem session over an image.
type Engine struct {
	disk *disk.Store
	geom disk.Geometry
	cwd  *DirStack
	now  func() time.Time
}

// New opens the filesystem held by store. A zeroed image is formatted by
// seeding the root directory with its reserved entries.
func New(store *disk.Store, opts Options) (*Engine, error) {
	e := &Engine{
		disk: store,
		geom: store.Geometry(),
		now:  opts.Clock,
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.cwd = NewDirStack(e.geom.RootStart(), opts.MaxDepth)

	dot := decodeRecord(store.ReadRoot(0))
	switch {
	case dot.IsFree():
		engineLogger.Info("Formatting empty image")
		if err := e.format(); err != nil {
			return nil, err
		}
	case !dot.IsInternal() || dot.Head != e.geom.RootStart():
		return nil, corruptf("root slot 0 is not the root directory: %s", dot)
	}

	engineLogger.Debug("Engine ready: %d of %d pool pages in use", store.UsedPages(), e.geom.PoolPages)
	return e, nil
}

func (e *Engine) format() error {
	root := e.geom.RootStart()
	dot := newReserved(".", root, root+1, e.geom.PageSize)
	dotdot := newReserved("..", root, disk.NoPage, e.geom.PageSize)
	now := e.now()
	dot.touch(now)
	dotdot.touch(now)

	if err := e.saveRecord(root, dot); err != nil {
		return err
	}
	if err := e.saveRecord(root+1, dotdot); err != nil {
		return err
	}
	return e.disk.Flush()
}

// Geometry returns the image geometry.
func (e *Engine) Geometry() disk.Geometry {
	return e.geom
}

// MaxNameLen returns the longest name an entry can carry.
func (e *Engine) MaxNameLen() int {
	return maxNameLen(e.geom.PageSize)
}

// MaxFileSize returns the largest content a single file can hold, with
// every pool page in its content chain.
func (e *Engine) MaxFileSize() int64 {
	return int64(e.geom.PoolPages) * int64(e.payloadSize())
}

// RootHead returns the content head of the root directory.
func (e *Engine) RootHead() disk.PageID {
	return e.geom.RootStart()
}

// Cwd returns the content head of the working directory.
func (e *Engine) Cwd() disk.PageID {
	return e.cwd.Top()
}

// Flush makes all changes durable.
func (e *Engine) Flush() error {
	if err := e.disk.Flush(); err != nil {
		return NewError(OpFlush, "", err)
	}
	return nil
}

// Cd changes the working directory. The path may be absolute or relative
// and may hold several segments; on failure the working directory is left
// unchanged.
func (e *Engine) Cd(path string) error {
	saved := e.cwd.Levels()
	if strings.HasPrefix(path, "/") {
		e.cwd.Reset()
	}

	for _, seg := range strings.Split(path, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			e.cwd.Pop()
			continue
		}

		ent, err := e.find(e.cwd.Top(), seg, anyKind)
		if err == nil && !ent.IsDir() {
			err = ErrNotADirectory
		}
		if err == nil {
			err = e.cwd.Push(ent.Head())
		}
		if err != nil {
			e.cwd.restore(saved)
			return NewError(OpCd, path, err)
		}
	}

	engineLogger.Debug("Changed directory to %q (depth %d)", path, e.cwd.Depth())
	return nil
}

// Pwd reconstructs the absolute path of the working directory by looking up
// each level's name in the level below. The result ends with "/".
func (e *Engine) Pwd() (string, error) {
	levels := e.cwd.Levels()
	var b strings.Builder
	b.WriteString("/")
	for i := 1; i < len(levels); i++ {
		ent, err := e.findByHead(levels[i-1], levels[i])
		if err != nil {
			return "", NewError(OpPwd, "", err)
		}
		b.WriteString(ent.Name())
		b.WriteString("/")
	}
	return b.String(), nil
}

// Usage summarises space consumption.
type Usage struct {
	RootRegionBytes int64 // bitmap plus root slots
	RootRegionUsed  int64 // bitmap plus live root slots
	PoolBytes       int64
	PoolUsed        int64
	PoolAvailable   int64
}

// Usage reports how much of each region is in use.
func (e *Engine) Usage() Usage {
	page := int64(e.geom.PageSize)
	live := 0
	for i := 0; i < e.geom.RootEntries; i++ {
		if decodeRecord(e.disk.ReadRoot(i)).IsLive() {
			live++
		}
	}

	u := Usage{
		RootRegionBytes: int64(e.geom.BitmapPages+e.geom.RootEntries) * page,
		RootRegionUsed:  int64(e.geom.BitmapPages+live) * page,
		PoolBytes:       int64(e.geom.PoolPages) * page,
		PoolUsed:        int64(e.disk.UsedPages()) * page,
	}
	u.PoolAvailable = u.PoolBytes - u.PoolUsed
	return u
}

// Dump returns the current bytes of page p. Bitmap and root pages come from
// the in-memory snapshots, so they reflect unflushed changes too.
func (e *Engine) Dump(p disk.PageID) ([]byte, error) {
	switch {
	case p < 0 || p >= e.geom.PoolEnd():
		return nil, NewError(OpDump, "", ErrInvalidPage)
	case p < e.geom.RootStart():
		size := e.geom.PageSize
		return e.disk.Bitmap()[int(p)*size : int(p+1)*size], nil
	case e.geom.IsRoot(p):
		return e.disk.ReadRoot(e.geom.RootSlot(p)), nil
	}
	return e.disk.Read(p), nil
}

// GetPages lists the pages backing name in the working directory: the
// entry's own record followed by its content chain (files) or child
// record chain (directories).
func (e *Engine) GetPages(name string) ([]disk.PageID, error) {
	ent, err := e.find(e.cwd.Top(), name, anyKind)
	if err != nil {
		return nil, NewError(OpGetPages, name, err)
	}

	pages := []disk.PageID{ent.Page}
	if !ent.IsDir() {
		content, err := e.contentChain(ent.Head())
		if err != nil {
			return nil, NewError(OpGetPages, name, err)
		}
		return append(pages, content...), nil
	}

	err = e.walk(ent.Head(), func(child Entry) bool {
		pages = append(pages, child.Page)
		return false
	})
	if err != nil {
		return nil, NewError(OpGetPages, name, err)
	}
	return pages, nil
}
