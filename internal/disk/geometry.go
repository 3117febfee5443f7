// Package disk implements the page store underneath the filesystem engine:
// fixed-size pages over a backing image, the pool allocation bitmap, and
// the in-memory snapshot of the root-directory region.
//
// An image is laid out as
//
//	[bitmap pages][root slot pages][pool pages]
//
// and every page is addressed by its absolute page number.
package disk

import (
	"errors"
	"fmt"
)

// PageID is the absolute number of a page within the image.
type PageID int32

// NoPage terminates every chain. Any non-positive id is treated the same way.
const NoPage PageID = -1

// Default geometry constants.
const (
	DefaultPageSize    = 512
	DefaultBitmapPages = 4
	DefaultRootEntries = 20
	DefaultPoolPages   = DefaultBitmapPages * DefaultPageSize

	minPageSize = 64
)

// ErrInvalidGeometry is returned when a geometry cannot describe an image.
var ErrInvalidGeometry = errors.New("invalid image geometry")

// Geometry fixes the page size and region sizes shared by every reader and
// writer of an image.
type Geometry struct {
	PageSize    int // bytes per page
	BitmapPages int // pages holding the one-byte-per-page pool bitmap
	RootEntries int // root directory slots, one page each
	PoolPages   int // allocatable pages
}

// DefaultGeometry returns the standard image geometry.
func DefaultGeometry() Geometry {
	return Geometry{
		PageSize:    DefaultPageSize,
		BitmapPages: DefaultBitmapPages,
		RootEntries: DefaultRootEntries,
		PoolPages:   DefaultPoolPages,
	}
}

// Validate reports whether the geometry is usable.
func (g Geometry) Validate() error {
	switch {
	case g.PageSize < minPageSize:
		return fmt.Errorf("%w: page size %d below %d", ErrInvalidGeometry, g.PageSize, minPageSize)
	case g.BitmapPages < 1:
		return fmt.Errorf("%w: need at least one bitmap page", ErrInvalidGeometry)
	case g.RootEntries < 2:
		return fmt.Errorf("%w: root needs room for its two reserved entries", ErrInvalidGeometry)
	case g.PoolPages < 1:
		return fmt.Errorf("%w: empty pool", ErrInvalidGeometry)
	case g.PoolPages > g.BitmapPages*g.PageSize:
		return fmt.Errorf("%w: %d pool pages exceed bitmap capacity %d",
			ErrInvalidGeometry, g.PoolPages, g.BitmapPages*g.PageSize)
	}
	return nil
}

// TotalPages is the number of pages in the image.
func (g Geometry) TotalPages() int {
	return g.BitmapPages + g.RootEntries + g.PoolPages
}

// ImageSize is the size of the image in bytes.
func (g Geometry) ImageSize() int {
	return g.TotalPages() * g.PageSize
}

// BitmapSize is the size of the bitmap region in bytes.
func (g Geometry) BitmapSize() int {
	return g.BitmapPages * g.PageSize
}

// RootStart is the page of root slot 0, which is also the root directory's
// content head.
func (g Geometry) RootStart() PageID {
	return PageID(g.BitmapPages)
}

// PoolStart is the first allocatable page.
func (g Geometry) PoolStart() PageID {
	return PageID(g.BitmapPages + g.RootEntries)
}

// PoolEnd is one past the last allocatable page.
func (g Geometry) PoolEnd() PageID {
	return PageID(g.TotalPages())
}

// IsRoot reports whether p addresses a root-directory slot.
func (g Geometry) IsRoot(p PageID) bool {
	return p >= g.RootStart() && p < g.PoolStart()
}

// IsPool reports whether p addresses a pool page.
func (g Geometry) IsPool(p PageID) bool {
	return p >= g.PoolStart() && p < g.PoolEnd()
}

// RootSlot converts a root-region page into its slot index.
func (g Geometry) RootSlot(p PageID) int {
	return int(p - g.RootStart())
}

// IsTerminator reports whether p ends a chain.
func IsTerminator(p PageID) bool {
	return p <= 0
}
