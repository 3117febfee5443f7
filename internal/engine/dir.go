package engine

import (
	"bytes"
	"errors"
	"io"

	"pagefs/internal/disk"
)

// Mkdir creates a directory in the working directory.
func (e *Engine) Mkdir(name string) error {
	_, err := e.MkdirIn(e.cwd.Top(), name)
	return err
}

// MkdirIn creates directory name inside dir and returns its entry.
func (e *Engine) MkdirIn(dir disk.PageID, name string) (Entry, error) {
	if err := validateName(name, e.geom.PageSize); err != nil {
		return Entry{}, NewError(OpMkdir, name, err)
	}
	if _, err := e.find(dir, name, anyKind); err == nil {
		return Entry{}, NewError(OpMkdir, name, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return Entry{}, NewError(OpMkdir, name, err)
	}

	reserved, err := e.allocateN(2)
	if err != nil {
		return Entry{}, NewError(OpMkdir, name, err)
	}
	dotPage, dotdotPage := reserved[0], reserved[1]

	now := e.now()
	dot := newReserved(".", dotPage, dotdotPage, e.geom.PageSize)
	dotdot := newReserved("..", dir, disk.NoPage, e.geom.PageSize)
	rec := newDirRecord(name, dotPage, e.geom.PageSize)
	dot.touch(now)
	dotdot.touch(now)
	rec.touch(now)

	if err := e.saveRecord(dotPage, dot); err != nil {
		e.release(reserved...)
		return Entry{}, NewError(OpMkdir, name, err)
	}
	if err := e.saveRecord(dotdotPage, dotdot); err != nil {
		e.release(reserved...)
		return Entry{}, NewError(OpMkdir, name, err)
	}

	ent, err := e.appendRecord(dir, rec)
	if err != nil {
		e.release(reserved...)
		return Entry{}, NewError(OpMkdir, name, err)
	}

	engineLogger.Debug("Created directory %q at page %d (children at %d)", name, ent.Page, dotPage)
	return ent, nil
}

func (e *Engine) release(pages ...disk.PageID) {
	for _, p := range pages {
		e.disk.Free(p)
	}
}

// Rmdir removes an empty directory from the working directory.
func (e *Engine) Rmdir(name string) error {
	return e.RmdirIn(e.cwd.Top(), name)
}

// RmdirIn removes the empty directory name from dir.
func (e *Engine) RmdirIn(dir disk.PageID, name string) error {
	if name == "." || name == ".." {
		return NewError(OpRmdir, name, ErrInvalidName)
	}
	ent, err := e.find(dir, name, anyKind)
	if err != nil {
		return NewError(OpRmdir, name, err)
	}
	if !ent.IsDir() {
		return NewError(OpRmdir, name, ErrNotADirectory)
	}

	// Anything past "." and ".." makes the directory non-empty.
	count := 0
	err = e.walk(ent.Head(), func(Entry) bool {
		count++
		return count > 2
	})
	if err != nil {
		return NewError(OpRmdir, name, err)
	}
	if count > 2 {
		return NewError(OpRmdir, name, ErrNotEmpty)
	}

	dot, err := e.loadRecord(ent.Head())
	if err != nil {
		return NewError(OpRmdir, name, err)
	}
	if err := e.unlink(ent); err != nil {
		return NewError(OpRmdir, name, err)
	}
	e.release(ent.Head(), dot.Next)

	engineLogger.Debug("Removed directory %q (page %d)", name, ent.Page)
	return nil
}

// Rm removes a file from the working directory.
func (e *Engine) Rm(name string) error {
	return e.RmIn(e.cwd.Top(), name)
}

// RmIn removes file name from dir, releasing its content chain.
func (e *Engine) RmIn(dir disk.PageID, name string) error {
	ent, err := e.find(dir, name, fileKind)
	if err != nil {
		return NewError(OpRm, name, err)
	}
	if err := e.freeContent(ent.Head()); err != nil {
		return NewError(OpRm, name, err)
	}
	if err := e.unlink(ent); err != nil {
		return NewError(OpRm, name, err)
	}

	engineLogger.Debug("Removed file %q (page %d)", name, ent.Page)
	return nil
}

// RmForce removes a file, or a directory with everything below it, from
// the working directory.
func (e *Engine) RmForce(name string) error {
	return e.RmForceIn(e.cwd.Top(), name)
}

// RmForceIn removes name from dir recursively. Removal is not transactional:
// when the depth bound stops it, entries already removed stay removed.
func (e *Engine) RmForceIn(dir disk.PageID, name string) error {
	ent, err := e.find(dir, name, anyKind)
	if err != nil {
		return NewError(OpRmForce, name, err)
	}
	if !ent.IsDir() {
		return e.RmIn(dir, name)
	}
	if err := e.emptyDirectory(ent.Head()); err != nil {
		return NewError(OpRmForce, name, err)
	}
	return e.RmdirIn(dir, name)
}

// emptyDirectory removes every child of the directory at head, depth first,
// using the working-directory stack as the traversal stack. The stack is
// restored to its original depth on return.
func (e *Engine) emptyDirectory(head disk.PageID) error {
	base := e.cwd.Depth()
	if err := e.cwd.Push(head); err != nil {
		return err
	}
	defer e.cwd.Truncate(base)

	for e.cwd.Depth() > base {
		top := e.cwd.Top()
		child, found, err := e.firstChild(top)
		if err != nil {
			return err
		}

		if !found {
			done, _ := e.cwd.Pop()
			if e.cwd.Depth() == base {
				return nil
			}
			parent := e.cwd.Top()
			ent, err := e.findByHead(parent, done)
			if err != nil {
				return err
			}
			if err := e.RmdirIn(parent, ent.Name()); err != nil {
				return err
			}
			continue
		}

		if child.IsDir() {
			if err := e.cwd.Push(child.Head()); err != nil {
				engineLogger.Warn("Stopped removing below %q: %v", child.Name(), err)
				return err
			}
			continue
		}
		if err := e.RmIn(top, child.Name()); err != nil {
			return err
		}
	}
	return nil
}

// firstChild returns the first live, non-reserved entry of dir.
func (e *Engine) firstChild(dir disk.PageID) (Entry, bool, error) {
	var found Entry
	ok := false
	err := e.walk(dir, func(ent Entry) bool {
		if ent.Record.IsLive() && !ent.Record.IsInternal() {
			found, ok = ent, true
			return true
		}
		return false
	})
	return found, ok, err
}

// Ls lists the working directory.
func (e *Engine) Ls() ([]Entry, error) {
	return e.ListDir(e.cwd.Top())
}

// ListDir returns the live entries of dir in chain order, without the
// reserved "." and "..".
func (e *Engine) ListDir(dir disk.PageID) ([]Entry, error) {
	var entries []Entry
	err := e.walk(dir, func(ent Entry) bool {
		if ent.Record.IsLive() && !ent.Record.IsInternal() {
			entries = append(entries, ent)
		}
		return false
	})
	if err != nil {
		return nil, NewError(OpLs, "", err)
	}
	return entries, nil
}

// LookupIn resolves name inside dir.
func (e *Engine) LookupIn(dir disk.PageID, name string) (Entry, error) {
	ent, err := e.find(dir, name, anyKind)
	if err != nil {
		return Entry{}, NewError(OpLookup, name, err)
	}
	return ent, nil
}

// Stat resolves name in the working directory.
func (e *Engine) Stat(name string) (Entry, error) {
	return e.LookupIn(e.cwd.Top(), name)
}

// Size returns the entry's reported size: content length for files,
// stored size for directories.
func (e *Engine) Size(ent Entry) int64 {
	return ent.Record.ContentSize(e.geom.PageSize)
}

// Cat returns the full content of file name in the working directory.
func (e *Engine) Cat(name string) ([]byte, error) {
	r, err := e.OpenReader(name)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, NewError(OpCat, name, err)
	}
	return data, nil
}

// OpenReader returns a reader that walks the content chain of file name in
// the working directory lazily.
func (e *Engine) OpenReader(name string) (io.Reader, error) {
	ent, err := e.find(e.cwd.Top(), name, anyKind)
	if err != nil {
		return nil, NewError(OpCat, name, err)
	}
	if ent.IsDir() {
		return nil, NewError(OpCat, name, ErrIsADirectory)
	}
	return e.newContentReader(ent.Record), nil
}

// ReadFile returns the full content of a file entry.
func (e *Engine) ReadFile(ent Entry) ([]byte, error) {
	if ent.IsDir() {
		return nil, NewError(OpCat, ent.Name(), ErrIsADirectory)
	}
	data, err := io.ReadAll(e.newContentReader(ent.Record))
	if err != nil {
		return nil, NewError(OpCat, ent.Name(), err)
	}
	return data, nil
}

// ReadFileAt reads up to n bytes of a file entry starting at off.
func (e *Engine) ReadFileAt(ent Entry, off, n int64) ([]byte, error) {
	if ent.IsDir() {
		return nil, NewError(OpGet, ent.Name(), ErrIsADirectory)
	}
	size := e.Size(ent)
	if off < 0 || n <= 0 || off >= size {
		return []byte{}, nil
	}
	n = min(n, size-off)

	r := e.newContentReader(ent.Record)
	if err := r.skip(off); err != nil {
		return nil, NewError(OpGet, ent.Name(), err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, NewError(OpGet, ent.Name(), err)
	}
	return buf, nil
}

// ReadRange returns bytes [start, end) of file name in the working directory.
func (e *Engine) ReadRange(name string, start, end int64) ([]byte, error) {
	ent, err := e.find(e.cwd.Top(), name, anyKind)
	if err != nil {
		return nil, NewError(OpGet, name, err)
	}
	return e.ReadFileAt(ent, start, end-start)
}

// Write replaces the content of file name in the working directory,
// creating the file if needed.
func (e *Engine) Write(name string, data []byte) error {
	_, err := e.WriteIn(e.cwd.Top(), name, data)
	return err
}

// WriteIn replaces the content of file name in dir, creating it if needed.
// A file created by this call is removed again if its content does not fit.
func (e *Engine) WriteIn(dir disk.PageID, name string, data []byte) (Entry, error) {
	if int64(len(data)) > e.MaxFileSize() {
		return Entry{}, NewError(OpWrite, name, ErrFileTooLarge)
	}
	ent, err := e.find(dir, name, anyKind)
	created := false
	switch {
	case errors.Is(err, ErrNotFound):
		if err := validateName(name, e.geom.PageSize); err != nil {
			return Entry{}, NewError(OpWrite, name, err)
		}
		if ent, err = e.createFile(dir, name); err != nil {
			return Entry{}, NewError(OpWrite, name, err)
		}
		created = true
	case err != nil:
		return Entry{}, NewError(OpWrite, name, err)
	case ent.IsDir():
		return Entry{}, NewError(OpWrite, name, ErrIsADirectory)
	}

	ent, werr := e.writeContent(ent, data)
	if werr != nil {
		if created {
			if err := e.RmIn(dir, name); err != nil {
				engineLogger.Error("Failed to roll back %q: %v", name, err)
			}
		}
		return Entry{}, NewError(OpWrite, name, werr)
	}
	return ent, nil
}

// CreateIn creates an empty file in dir.
func (e *Engine) CreateIn(dir disk.PageID, name string) (Entry, error) {
	if _, err := e.find(dir, name, anyKind); err == nil {
		return Entry{}, NewError(OpWrite, name, ErrAlreadyExists)
	}
	return e.WriteIn(dir, name, nil)
}

// Append adds data to the end of file name in the working directory,
// creating the file if needed.
func (e *Engine) Append(name string, data []byte) error {
	var current []byte
	ent, err := e.find(e.cwd.Top(), name, anyKind)
	switch {
	case err == nil:
		if current, err = e.ReadFile(ent); err != nil {
			return NewError(OpAppend, name, err)
		}
	case !errors.Is(err, ErrNotFound):
		return NewError(OpAppend, name, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(current) + len(data))
	buf.Write(current)
	buf.Write(data)
	if _, err := e.WriteIn(e.cwd.Top(), name, buf.Bytes()); err != nil {
		return NewError(OpAppend, name, err)
	}
	return nil
}
