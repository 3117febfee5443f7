package engine

import (
	"pagefs/internal/disk"
)

// ScanReport describes one Scandisk pass.
type ScanReport struct {
	Records   int           // pages recognized as live metadata records
	Reclaimed []disk.PageID // allocated pages freed as orphans
}

// Scandisk reclaims allocated pool pages that no live record refers to.
//
// It is a reference count, not a reachability walk: every live record in
// the root slots or in an allocated pool page counts its next and content
// head links, and file records additionally count the links of their
// content chain. Allocated pages that end with no reference are freed.
// Records that are themselves orphaned still keep their targets alive, so
// an unreachable subtree is only reclaimed from the top, one pass per level.
func (e *Engine) Scandisk() ScanReport {
	var report ScanReport
	start := e.geom.PoolStart()

	counts := make([]int, e.geom.PoolPages)
	for i, used := range e.disk.Bitmap()[:e.geom.PoolPages] {
		counts[i] = int(used)
	}
	ref := func(p disk.PageID) {
		if e.geom.IsPool(p) {
			counts[p-start]++
		}
	}

	count := func(self disk.PageID, rec Record) {
		if !rec.recognized() {
			return
		}
		report.Records++
		if !disk.IsTerminator(rec.Next) {
			ref(rec.Next)
		}
		// "." points at its own page
		if !disk.IsTerminator(rec.Head) && rec.Head != self {
			ref(rec.Head)
		}
		if rec.Attr == AttrFile {
			e.countContent(rec.Head, ref)
		}
	}

	for i := 0; i < e.geom.RootEntries; i++ {
		count(e.geom.RootStart()+disk.PageID(i), decodeRecord(e.disk.ReadRoot(i)))
	}
	for p := start; p < e.geom.PoolEnd(); p++ {
		if e.disk.IsAllocated(p) {
			count(p, decodeRecord(e.disk.Read(p)))
		}
	}

	for i, c := range counts {
		p := start + disk.PageID(i)
		if e.disk.IsAllocated(p) && c <= 1 {
			e.disk.Free(p)
			report.Reclaimed = append(report.Reclaimed, p)
		}
	}

	engineLogger.Info("Scandisk: %d records, %d orphaned pages reclaimed", report.Records, len(report.Reclaimed))
	return report
}

// countContent counts the next links along an allocated content chain.
func (e *Engine) countContent(head disk.PageID, ref func(disk.PageID)) {
	p := head
	for steps := e.geom.PoolPages; steps > 0 && e.disk.IsAllocated(p); steps-- {
		next := contentNext(e.disk.Read(p))
		if disk.IsTerminator(next) {
			return
		}
		ref(next)
		p = next
	}
}
