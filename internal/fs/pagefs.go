package fs

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"pagefs/internal/disk"
	"pagefs/internal/engine"
	"pagefs/internal/logging"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
)

var (
	pfsLogger = logging.GetLogger().WithPrefix("fuse")
)

// PageFS exposes an engine through FUSE. The engine is single-threaded, so
// every node serializes its calls through mu and flushes after each
// mutation.
type PageFS struct {
	eng     *engine.Engine
	conn    *fuse.Conn
	uid     uint32
	gid     uint32
	mounted time.Time
	mu      sync.Mutex
}

// NewPageFS wraps eng for mounting. PUID and PGID override the owner
// reported for every node.
func NewPageFS(eng *engine.Engine) *PageFS {
	uid := safeIntToUint32(os.Getuid())
	gid := safeIntToUint32(os.Getgid())

	if puidStr := os.Getenv("PUID"); puidStr != "" {
		if puid, err := strconv.ParseUint(puidStr, 10, 32); err == nil {
			uid = uint32(puid)
			pfsLogger.Debug("Using PUID from environment: %d", uid)
		}
	}
	if pgidStr := os.Getenv("PGID"); pgidStr != "" {
		if pgid, err := strconv.ParseUint(pgidStr, 10, 32); err == nil {
			gid = uint32(pgid)
			pfsLogger.Debug("Using PGID from environment: %d", gid)
		}
	}

	return &PageFS{
		eng:     eng,
		uid:     uid,
		gid:     gid,
		mounted: time.Now(),
	}
}

// Root implements the fusefs.FS interface, returning the root directory node.
func (pfs *PageFS) Root() (fusefs.Node, error) {
	pfsLogger.Trace("Getting root directory node")
	return &Dir{fs: pfs, head: pfs.eng.RootHead(), mtime: pfs.mounted}, nil
}

// Statfs implements the FSStatfser interface from pool usage.
func (pfs *PageFS) Statfs(_ context.Context, _ *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	pfs.mu.Lock()
	defer pfs.mu.Unlock()

	geom := pfs.eng.Geometry()
	u := pfs.eng.Usage()
	page := int64(geom.PageSize)

	resp.Bsize = uint32(geom.PageSize)
	resp.Frsize = uint32(geom.PageSize)
	resp.Blocks = safeInt64ToUint64(u.PoolBytes / page)
	resp.Bfree = safeInt64ToUint64(u.PoolAvailable / page)
	resp.Bavail = resp.Bfree
	// every entry outside the root slots costs at least one page
	resp.Files = uint64(geom.PoolPages + geom.RootEntries)
	resp.Ffree = resp.Bfree
	resp.Namelen = uint32(pfs.eng.MaxNameLen())
	return nil
}

// flush persists the engine after a mutation. Callers hold mu.
func (pfs *PageFS) flush() error {
	if err := pfs.eng.Flush(); err != nil {
		pfsLogger.Error("Flush failed: %v", err)
		return err
	}
	return nil
}

func (pfs *PageFS) blocks(size int64) uint64 {
	page := int64(pfs.eng.Geometry().PageSize)
	return safeInt64ToUint64((size + page - 1) / page)
}

func (pfs *PageFS) pageSize() uint32 {
	return uint32(pfs.eng.Geometry().PageSize)
}

func inode(p disk.PageID) uint64 {
	return safeInt64ToUint64(int64(p))
}

func waitForMount(mountpoint string) error {
	for i := 0; i < 30; i++ {
		info, err := os.Stat(mountpoint)
		if err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not available after 3 seconds")
}

// Mount mounts the filesystem at mountPoint and serves it in the background.
func (pfs *PageFS) Mount(mountPoint string) error {
	pfsLogger.Info("Mounting page filesystem")
	pfsLogger.Debug("Mount point: %s", mountPoint)
	pfsLogger.Debug("UID: %d, GID: %d", pfs.uid, pfs.gid)

	mountOpts := []fuse.MountOption{
		fuse.FSName("pagefs"),
		fuse.Subtype("pagefs"),
		fuse.DefaultPermissions(),
	}

	c, err := fuse.Mount(mountPoint, mountOpts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	pfs.conn = c

	go func() {
		if err := fusefs.Serve(c, pfs); err != nil {
			pfsLogger.Error("FUSE server error: %v", err)
		}
	}()

	if err := waitForMount(mountPoint); err != nil {
		c.Close()
		pfsLogger.Error("Mount point not ready: %v", err)
		return fmt.Errorf("mount point failed to initialize: %w", err)
	}

	pfsLogger.Info("Filesystem mounted successfully")
	return nil
}

// Unmount cleanly unmounts the filesystem.
func (pfs *PageFS) Unmount(mountPoint string) error {
	pfsLogger.Info("Unmounting filesystem from: %s", mountPoint)
	if pfs.conn == nil {
		return nil
	}
	if err := fuse.Unmount(mountPoint); err != nil {
		pfsLogger.Error("Unmount failed: %v", err)
		return err
	}
	pfsLogger.Info("Unmount completed successfully")
	return pfs.conn.Close()
}

func safeInt64ToUint64(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func safeIntToUint32(n int) uint32 {
	if n < 0 {
		return 0
	}
	return uint32(n)
}
