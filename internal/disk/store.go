package disk

import (
	"errors"
	"fmt"

	"pagefs/internal/logging"
)

var (
	storeLogger = logging.GetLogger().WithPrefix("disk")

	// ErrOutOfSpace indicates the bitmap has no free pool page left
	ErrOutOfSpace = errors.New("no free pages")

	// ErrNotPoolPage indicates a page write outside the pool region
	ErrNotPoolPage = errors.New("page is not in the pool region")

	// ErrImageSize indicates the backing image does not match the geometry
	ErrImageSize = errors.New("image size does not match geometry")
)

// Backing is the byte image a Store operates on. Bytes must return the same
// slice for the lifetime of the store; Sync makes it durable.
type Backing interface {
	Bytes() []byte
	Sync() error
}

// Memory is a Backing held entirely in memory.
type Memory struct {
	data []byte
}

// NewMemory returns a zeroed in-memory image of the given size.
func NewMemory(size int) *Memory {
	return &Memory{data: make([]byte, size)}
}

// Bytes implements Backing.
func (m *Memory) Bytes() []byte { return m.data }

// Sync implements Backing.
func (m *Memory) Sync() error { return nil }

// Store provides page access and pool allocation over a Backing.
// The bitmap and root region are worked on as in-memory copies and only
// written into the image by Flush.
type Store struct {
	geom    Geometry
	backing Backing
	image   []byte
	bitmap  []byte
	root    []byte
}

// NewStore loads the bitmap and root region of backing into memory.
func NewStore(geom Geometry, backing Backing) (*Store, error) {
	if err := geom.Validate(); err != nil {
		return nil, err
	}
	image := backing.Bytes()
	if len(image) != geom.ImageSize() {
		return nil, fmt.Errorf("%w: have %d bytes, want %d", ErrImageSize, len(image), geom.ImageSize())
	}

	s := &Store{
		geom:    geom,
		backing: backing,
		image:   image,
		bitmap:  make([]byte, geom.BitmapSize()),
		root:    make([]byte, geom.RootEntries*geom.PageSize),
	}
	copy(s.bitmap, image[:geom.BitmapSize()])
	copy(s.root, image[s.offset(geom.RootStart()):s.offset(geom.PoolStart())])

	storeLogger.Debug("Loaded image: %d pages of %d bytes, %d pool pages in use",
		geom.TotalPages(), geom.PageSize, s.UsedPages())
	return s, nil
}

// Geometry returns the store's geometry.
func (s *Store) Geometry() Geometry {
	return s.geom
}

func (s *Store) offset(p PageID) int {
	return int(p) * s.geom.PageSize
}

func (s *Store) bit(p PageID) int {
	return int(p - s.geom.PoolStart())
}

// Allocate claims the first free pool page.
func (s *Store) Allocate() (PageID, error) {
	for i := 0; i < s.geom.PoolPages; i++ {
		if s.bitmap[i] == 0 {
			s.bitmap[i] = 1
			p := s.geom.PoolStart() + PageID(i)
			storeLogger.Trace("Allocated page %d", p)
			return p, nil
		}
	}
	storeLogger.Warn("Allocation failed: all %d pool pages in use", s.geom.PoolPages)
	return NoPage, ErrOutOfSpace
}

// Free returns a pool page to the bitmap. The page content is left as is.
// It reports false for pages outside the pool.
func (s *Store) Free(p PageID) bool {
	if !s.geom.IsPool(p) {
		return false
	}
	s.bitmap[s.bit(p)] = 0
	storeLogger.Trace("Freed page %d", p)
	return true
}

// IsAllocated reports whether p is a pool page marked used.
func (s *Store) IsAllocated(p PageID) bool {
	return s.geom.IsPool(p) && s.bitmap[s.bit(p)] != 0
}

// UsedPages counts allocated pool pages.
func (s *Store) UsedPages() int {
	n := 0
	for i := 0; i < s.geom.PoolPages; i++ {
		if s.bitmap[i] != 0 {
			n++
		}
	}
	return n
}

// Bitmap returns a copy of the in-memory bitmap region.
func (s *Store) Bitmap() []byte {
	out := make([]byte, len(s.bitmap))
	copy(out, s.bitmap)
	return out
}

// Read returns a copy of page p as stored in the image. Non-positive and
// out-of-range ids yield nil.
func (s *Store) Read(p PageID) []byte {
	if IsTerminator(p) || p >= s.geom.PoolEnd() {
		return nil
	}
	buf := make([]byte, s.geom.PageSize)
	copy(buf, s.image[s.offset(p):])
	return buf
}

// Write copies buf into pool page p. Non-positive ids are ignored.
func (s *Store) Write(p PageID, buf []byte) error {
	if IsTerminator(p) {
		return nil
	}
	if !s.geom.IsPool(p) {
		return fmt.Errorf("write page %d: %w", p, ErrNotPoolPage)
	}
	page := s.image[s.offset(p) : s.offset(p)+s.geom.PageSize]
	n := copy(page, buf)
	clear(page[n:])
	return nil
}

// ReadRoot returns a copy of root slot i from the in-memory snapshot.
func (s *Store) ReadRoot(i int) []byte {
	buf := make([]byte, s.geom.PageSize)
	copy(buf, s.root[i*s.geom.PageSize:])
	return buf
}

// WriteRoot replaces root slot i in the in-memory snapshot.
func (s *Store) WriteRoot(i int, buf []byte) {
	slot := s.root[i*s.geom.PageSize : (i+1)*s.geom.PageSize]
	n := copy(slot, buf)
	clear(slot[n:])
}

// Flush writes the bitmap and root snapshot into the image and syncs it.
func (s *Store) Flush() error {
	copy(s.image, s.bitmap)
	copy(s.image[s.offset(s.geom.RootStart()):], s.root)
	if err := s.backing.Sync(); err != nil {
		storeLogger.Error("Failed to sync image: %v", err)
		return fmt.Errorf("sync image: %w", err)
	}
	storeLogger.Trace("Flushed bitmap and root region")
	return nil
}
