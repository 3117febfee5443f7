package engine

import (
	"encoding/binary"
	"io"

	"pagefs/internal/disk"
)

// Content pages carry a next pointer followed by the payload.
const contentHeader = 4

func (e *Engine) payloadSize() int {
	return e.geom.PageSize - contentHeader
}

func (e *Engine) encodeContent(next disk.PageID, data []byte) []byte {
	buf := make([]byte, e.geom.PageSize)
	binary.LittleEndian.PutUint32(buf, uint32(next))
	copy(buf[contentHeader:], data)
	return buf
}

func contentNext(page []byte) disk.PageID {
	return disk.PageID(int32(binary.LittleEndian.Uint32(page)))
}

// contentChain lists the pages of the content chain starting at head.
func (e *Engine) contentChain(head disk.PageID) ([]disk.PageID, error) {
	var pages []disk.PageID
	for p := head; !disk.IsTerminator(p); p = contentNext(e.disk.Read(p)) {
		if !e.geom.IsPool(p) {
			return nil, corruptf("content link to page %d", p)
		}
		if len(pages) == e.geom.PoolPages {
			return nil, corruptf("cycle in content chain starting at page %d", head)
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// allocateN claims n pages or none at all.
func (e *Engine) allocateN(n int) ([]disk.PageID, error) {
	pages := make([]disk.PageID, 0, n)
	for i := 0; i < n; i++ {
		p, err := e.disk.Allocate()
		if err != nil {
			for _, q := range pages {
				e.disk.Free(q)
			}
			return nil, err
		}
		pages = append(pages, p)
	}
	return pages, nil
}

// createFile adds an empty file to dir with one zeroed content page.
func (e *Engine) createFile(dir disk.PageID, name string) (Entry, error) {
	head, err := e.disk.Allocate()
	if err != nil {
		return Entry{}, err
	}
	if err := e.disk.Write(head, e.encodeContent(disk.NoPage, nil)); err != nil {
		e.disk.Free(head)
		return Entry{}, err
	}

	rec := newFileRecord(name, head, e.geom.PageSize)
	rec.touch(e.now())
	ent, err := e.appendRecord(dir, rec)
	if err != nil {
		e.disk.Free(head)
		return Entry{}, err
	}
	contentLogger.Debug("Created file %q (record %d, content %d)", name, ent.Page, head)
	return ent, nil
}

// writeContent replaces the file's content with data, growing or shrinking
// the chain as needed. Missing pages are claimed before anything is written,
// so running out of space leaves the file untouched.
func (e *Engine) writeContent(ent Entry, data []byte) (Entry, error) {
	pages, err := e.contentChain(ent.Record.Head)
	if err != nil {
		return Entry{}, err
	}
	if len(pages) == 0 {
		return Entry{}, corruptf("file %q has no content page", ent.Name())
	}

	payload := e.payloadSize()
	need := (len(data) + payload - 1) / payload
	if need == 0 {
		need = 1
	}

	var surplus []disk.PageID
	if len(pages) < need {
		extra, err := e.allocateN(need - len(pages))
		if err != nil {
			return Entry{}, err
		}
		pages = append(pages, extra...)
	} else {
		pages, surplus = pages[:need], pages[need:]
	}

	for i, p := range pages {
		next := disk.NoPage
		if i+1 < len(pages) {
			next = pages[i+1]
		}
		start := i * payload
		end := min(start+payload, len(data))
		if err := e.disk.Write(p, e.encodeContent(next, data[start:end])); err != nil {
			return Entry{}, err
		}
	}
	for _, p := range surplus {
		e.disk.Free(p)
	}

	ent.Record.Size = uint32(e.geom.PageSize + len(data))
	ent.Record.touch(e.now())
	if err := e.saveRecord(ent.Page, ent.Record); err != nil {
		return Entry{}, err
	}
	contentLogger.Debug("Wrote %d bytes to %q across %d pages (%d released)",
		len(data), ent.Name(), len(pages), len(surplus))
	return ent, nil
}

// freeContent returns every page of the content chain to the pool.
func (e *Engine) freeContent(head disk.PageID) error {
	pages, err := e.contentChain(head)
	if err != nil {
		return err
	}
	for _, p := range pages {
		e.disk.Free(p)
	}
	return nil
}

// contentReader streams a file's bytes by walking its content chain one
// page at a time. It is not a live view: mutations after creation are not
// reflected consistently.
type contentReader struct {
	e         *Engine
	next      disk.PageID
	remaining int64
	buf       []byte
	steps     int
}

func (e *Engine) newContentReader(rec Record) *contentReader {
	return &contentReader{
		e:         e,
		next:      rec.Head,
		remaining: rec.ContentSize(e.geom.PageSize),
		steps:     e.geom.PoolPages,
	}
}

// advance loads the next page of the chain into buf.
func (r *contentReader) advance() error {
	if disk.IsTerminator(r.next) {
		return corruptf("content chain ends with %d bytes unread", r.remaining)
	}
	if !r.e.geom.IsPool(r.next) || r.steps == 0 {
		return corruptf("content link to page %d", r.next)
	}
	r.steps--

	page := r.e.disk.Read(r.next)
	data := page[contentHeader:]
	if int64(len(data)) > r.remaining {
		data = data[:r.remaining]
	}
	r.buf = data
	r.remaining -= int64(len(data))
	r.next = contentNext(page)
	return nil
}

// Read implements io.Reader.
func (r *contentReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		if r.remaining == 0 {
			return 0, io.EOF
		}
		if err := r.advance(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// skip discards n bytes, stepping over whole pages where possible.
func (r *contentReader) skip(n int64) error {
	payload := int64(r.e.payloadSize())
	for n > 0 {
		if len(r.buf) == 0 {
			if r.remaining == 0 {
				return nil
			}
			if n >= payload && r.remaining > payload {
				if err := r.advance(); err != nil {
					return err
				}
				r.buf = nil
				n -= payload
				continue
			}
			if err := r.advance(); err != nil {
				return err
			}
		}
		k := min(n, int64(len(r.buf)))
		r.buf = r.buf[k:]
		n -= k
	}
	return nil
}
