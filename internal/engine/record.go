package engine

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"pagefs/internal/disk"
)

// Name sentinels stored in the first byte of a record name.
const (
	markerFree      = 0x00
	markerDeleted   = 0xE5
	markerRealE5    = 0x05
	markerDirectory = 0x2E
)

// Attribute flags.
const (
	AttrFile      uint16 = 0x01
	AttrDirectory uint16 = 0x02
	AttrInternal  uint16 = 0x10 // reserved "." and ".." entries
)

// recordFixed is the encoded size of every field after the name.
const recordFixed = 4 + 4 + 4 + 2 + 4 + 4

// Record is an in-memory copy of one metadata page. Mutating a Record never
// touches the image; it has to be saved back explicitly.
type Record struct {
	raw  string // stored name including its sentinel/marker byte
	Size uint32
	Time uint32
	Date uint32
	Attr uint16
	Head disk.PageID // first content page, or first child record
	Next disk.PageID // next sibling record
}

func newDirRecord(name string, head disk.PageID, pageSize int) Record {
	return Record{
		raw:  string(rune(markerDirectory)) + name,
		Size: uint32(pageSize),
		Attr: AttrDirectory,
		Head: head,
		Next: disk.NoPage,
	}
}

func newFileRecord(name string, head disk.PageID, pageSize int) Record {
	raw := name
	if raw[0] == markerDeleted {
		raw = string([]byte{markerRealE5}) + raw[1:]
	}
	return Record{
		raw:  raw,
		Size: uint32(pageSize),
		Attr: AttrFile,
		Head: head,
		Next: disk.NoPage,
	}
}

// newReserved builds the "." or ".." entry of a directory chain.
func newReserved(name string, head, next disk.PageID, pageSize int) Record {
	rec := newDirRecord(name, head, pageSize)
	rec.Attr |= AttrInternal
	rec.Next = next
	return rec
}

// Name returns the entry name without its directory marker.
func (r Record) Name() string {
	if r.raw == "" {
		return ""
	}
	if r.IsDir() && r.raw[0] == markerDirectory {
		return r.raw[1:]
	}
	if r.raw[0] == markerRealE5 {
		return string([]byte{markerDeleted}) + r.raw[1:]
	}
	return r.raw
}

// IsDir reports whether the record describes a directory.
func (r Record) IsDir() bool { return r.Attr&AttrDirectory != 0 }

// IsInternal reports whether the record is a reserved "." or ".." entry.
func (r Record) IsInternal() bool { return r.Attr&AttrInternal != 0 }

// IsFree reports whether the slot has never been used.
func (r Record) IsFree() bool { return r.raw == "" }

// IsDeleted reports whether the slot holds a tombstoned record.
func (r Record) IsDeleted() bool { return r.raw != "" && r.raw[0] == markerDeleted }

// IsLive reports whether the slot holds an entry.
func (r Record) IsLive() bool { return !r.IsFree() && !r.IsDeleted() }

// recognized reports whether the record carries a known file/directory tag.
func (r Record) recognized() bool {
	if !r.IsLive() {
		return false
	}
	switch r.Attr {
	case AttrFile, AttrDirectory, AttrDirectory | AttrInternal:
		return true
	}
	return false
}

// ContentSize is the file length without the metadata overhead folded into
// the stored size. Directories report their stored size.
func (r Record) ContentSize(pageSize int) int64 {
	if r.IsDir() || r.Size < uint32(pageSize) {
		return int64(r.Size)
	}
	return int64(r.Size) - int64(pageSize)
}

// ModTime decodes the packed modify time and date.
func (r Record) ModTime() time.Time {
	if r.Date == 0 {
		return time.Time{}
	}
	return time.Date(
		int(r.Date>>9), time.Month((r.Date>>5)&0xF), int(r.Date&0x1F),
		int(r.Time>>11), int((r.Time>>5)&0x3F), int(r.Time&0x1F)*2,
		0, time.Local)
}

func (r *Record) touch(now time.Time) {
	r.Time = uint32(now.Hour())<<11 | uint32(now.Minute())<<5 | uint32(now.Second()/2)
	r.Date = uint32(now.Year())<<9 | uint32(now.Month())<<5 | uint32(now.Day())
}

func (r *Record) markDeleted() {
	b := []byte(r.raw)
	b[0] = markerDeleted
	r.raw = string(b)
}

func (r Record) String() string {
	return fmt.Sprintf("%q size=%d attr=%#x head=%d next=%d", r.Name(), r.Size, r.Attr, r.Head, r.Next)
}

// encode serialises the record into one page.
func (r Record) encode(pageSize int) []byte {
	buf := make([]byte, pageSize)
	nameLen := pageSize - recordFixed
	copy(buf[:nameLen-1], r.raw)

	off := nameLen
	binary.LittleEndian.PutUint32(buf[off:], r.Size)
	binary.LittleEndian.PutUint32(buf[off+4:], r.Time)
	binary.LittleEndian.PutUint32(buf[off+8:], r.Date)
	binary.LittleEndian.PutUint16(buf[off+12:], r.Attr)
	binary.LittleEndian.PutUint32(buf[off+14:], uint32(r.Head))
	binary.LittleEndian.PutUint32(buf[off+18:], uint32(r.Next))
	return buf
}

func decodeRecord(buf []byte) Record {
	nameLen := len(buf) - recordFixed
	name := buf[:nameLen]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}

	off := nameLen
	return Record{
		raw:  string(name),
		Size: binary.LittleEndian.Uint32(buf[off:]),
		Time: binary.LittleEndian.Uint32(buf[off+4:]),
		Date: binary.LittleEndian.Uint32(buf[off+8:]),
		Attr: binary.LittleEndian.Uint16(buf[off+12:]),
		Head: disk.PageID(int32(binary.LittleEndian.Uint32(buf[off+14:]))),
		Next: disk.PageID(int32(binary.LittleEndian.Uint32(buf[off+18:]))),
	}
}

// maxNameLen is the longest name a record can hold next to its marker
// byte and the terminating NUL.
func maxNameLen(pageSize int) int {
	return pageSize - recordFixed - 2
}

// validateName rejects names that cannot be stored or that address the
// reserved entries.
func validateName(name string, pageSize int) error {
	switch {
	case name == "", name == ".", name == "..":
		return ErrInvalidName
	case len(name) > maxNameLen(pageSize):
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidName, maxNameLen(pageSize))
	case strings.ContainsRune(name, '/'):
		return fmt.Errorf("%w: contains '/'", ErrInvalidName)
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 {
			return fmt.Errorf("%w: control byte %#x", ErrInvalidName, name[i])
		}
	}
	return nil
}
