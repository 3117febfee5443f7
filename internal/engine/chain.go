package engine

import (
	"pagefs/internal/disk"
)

// Entry is a record together with its position in a directory chain.
type Entry struct {
	Page   disk.PageID // where the record lives (root slot page or pool page)
	Prev   disk.PageID // preceding record in the same chain
	Record Record
}

// Name returns the entry name.
func (e Entry) Name() string { return e.Record.Name() }

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return e.Record.IsDir() }

// Head returns the entry's content head.
func (e Entry) Head() disk.PageID { return e.Record.Head }

type kind int

const (
	anyKind kind = iota
	fileKind
	dirKind
)

func (k kind) matches(rec Record) bool {
	switch k {
	case fileKind:
		return !rec.IsDir()
	case dirKind:
		return rec.IsDir()
	}
	return true
}

// loadRecord reads the record at p, dispatching between the root snapshot
// and the page pool.
func (e *Engine) loadRecord(p disk.PageID) (Record, error) {
	switch {
	case e.geom.IsRoot(p):
		return decodeRecord(e.disk.ReadRoot(e.geom.RootSlot(p))), nil
	case e.geom.IsPool(p):
		return decodeRecord(e.disk.Read(p)), nil
	}
	return Record{}, corruptf("record link to page %d", p)
}

// saveRecord writes rec at p, dispatching like loadRecord.
func (e *Engine) saveRecord(p disk.PageID, rec Record) error {
	buf := rec.encode(e.geom.PageSize)
	switch {
	case e.geom.IsRoot(p):
		e.disk.WriteRoot(e.geom.RootSlot(p), buf)
		return nil
	case e.geom.IsPool(p):
		return e.disk.Write(p, buf)
	}
	return corruptf("record write to page %d", p)
}

// walk visits the chain starting at head. fn returns true to stop.
func (e *Engine) walk(head disk.PageID, fn func(ent Entry) bool) error {
	prev := disk.NoPage
	steps := e.geom.TotalPages()
	for p := head; !disk.IsTerminator(p); {
		if steps == 0 {
			return corruptf("cycle in chain starting at page %d", head)
		}
		steps--

		rec, err := e.loadRecord(p)
		if err != nil {
			return err
		}
		if fn(Entry{Page: p, Prev: prev, Record: rec}) {
			return nil
		}
		prev = p
		p = rec.Next
	}
	return nil
}

// find returns the first live, non-reserved entry of dir called name.
func (e *Engine) find(dir disk.PageID, name string, k kind) (Entry, error) {
	var found Entry
	ok := false
	err := e.walk(dir, func(ent Entry) bool {
		rec := ent.Record
		if rec.IsLive() && !rec.IsInternal() && rec.Name() == name && k.matches(rec) {
			found, ok = ent, true
			return true
		}
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, ErrNotFound
	}
	chainLogger.Trace("Found %q at page %d in directory %d", name, found.Page, dir)
	return found, nil
}

// findByHead returns the directory entry of dir whose content head is head.
func (e *Engine) findByHead(dir, head disk.PageID) (Entry, error) {
	var found Entry
	ok := false
	err := e.walk(dir, func(ent Entry) bool {
		rec := ent.Record
		if rec.IsLive() && rec.IsDir() && !rec.IsInternal() && rec.Head == head {
			found, ok = ent, true
			return true
		}
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if !ok {
		return Entry{}, corruptf("no entry in directory %d points at %d", dir, head)
	}
	return found, nil
}

// tail returns the last record of the chain.
func (e *Engine) tail(dir disk.PageID) (Entry, error) {
	var last Entry
	err := e.walk(dir, func(ent Entry) bool {
		last = ent
		return false
	})
	if err != nil {
		return Entry{}, err
	}
	if last.Record.IsFree() {
		return Entry{}, corruptf("directory %d has no records", dir)
	}
	return last, nil
}

// freeRootSlot returns the page of an unused or tombstoned root slot.
func (e *Engine) freeRootSlot() (disk.PageID, bool) {
	for i := 2; i < e.geom.RootEntries; i++ {
		rec := decodeRecord(e.disk.ReadRoot(i))
		if !rec.IsLive() {
			return e.geom.RootStart() + disk.PageID(i), true
		}
	}
	return disk.NoPage, false
}

// appendRecord links rec at the tail of dir. Root entries take a root slot
// while one is free and spill into the pool afterwards.
func (e *Engine) appendRecord(dir disk.PageID, rec Record) (Entry, error) {
	last, err := e.tail(dir)
	if err != nil {
		return Entry{}, err
	}

	pos, inRoot := disk.NoPage, false
	if dir == e.geom.RootStart() {
		pos, inRoot = e.freeRootSlot()
	}
	if !inRoot {
		if pos, err = e.disk.Allocate(); err != nil {
			return Entry{}, err
		}
	}

	rec.Next = disk.NoPage
	if err := e.saveRecord(pos, rec); err != nil {
		e.disk.Free(pos)
		return Entry{}, err
	}
	last.Record.Next = pos
	if err := e.saveRecord(last.Page, last.Record); err != nil {
		e.disk.Free(pos)
		return Entry{}, err
	}

	chainLogger.Trace("Appended %s at page %d after %d", rec, pos, last.Page)
	return Entry{Page: pos, Prev: last.Page, Record: rec}, nil
}

// unlink splices ent out of its chain and releases its slot: root slots are
// tombstoned in place, pool pages are tombstoned and returned to the pool.
func (e *Engine) unlink(ent Entry) error {
	if disk.IsTerminator(ent.Prev) {
		return corruptf("record at page %d has no predecessor", ent.Page)
	}
	prev, err := e.loadRecord(ent.Prev)
	if err != nil {
		return err
	}
	if prev.Next != ent.Page {
		return corruptf("page %d does not link to %d", ent.Prev, ent.Page)
	}

	prev.Next = ent.Record.Next
	if err := e.saveRecord(ent.Prev, prev); err != nil {
		return err
	}

	dead := ent.Record
	dead.markDeleted()
	if err := e.saveRecord(ent.Page, dead); err != nil {
		return err
	}
	e.disk.Free(ent.Page)

	chainLogger.Trace("Unlinked page %d (prev %d, next %d)", ent.Page, ent.Prev, ent.Record.Next)
	return nil
}
