package alloc

import (
	"container/list"
	"time"
)

// page is one page-sized slot of the reserved range. data is nil until a
// buffer allocation first covers the page. A committed page whose bytes are
// no longer covered by any allocated buffer sits on the reclaim LRU until a
// shrink pass releases it or a new allocation pulls it back into use.
type page struct {
	data      []byte
	freeSince time.Time
	lruElem   *list.Element // non-nil while on the reclaim LRU
}

// committed reports whether the page has backing memory.
func (p *page) committed() bool { return p.data != nil }

// pageRange returns the indexes [first, last] of pages overlapping the byte
// range [off, off+size).
func (a *Allocator) pageRange(off, size int) (int, int) {
	return off / a.pageSize, (off + size - 1) / a.pageSize
}

// commitPages backs every uncommitted page overlapping [off, off+size) and
// pulls any reclaimable page in the range back off the LRU. Returns the
// number of pages newly committed. Caller holds a.mu.
func (a *Allocator) commitPages(off, size int) int {
	first, last := a.pageRange(off, size)
	committed := 0
	for i := first; i <= last; i++ {
		p := &a.pages[i]
		if p.lruElem != nil {
			a.lru.Remove(p.lruElem)
			p.lruElem = nil
			p.freeSince = time.Time{}
		}
		if !p.committed() {
			p.data = make([]byte, a.pageSize)
			a.committedPages++
			committed++
		}
	}
	return committed
}

// retirePages walks the pages overlapping [off, off+size) and parks every
// committed page that no allocated buffer still covers on the reclaim LRU.
// Caller holds a.mu.
func (a *Allocator) retirePages(off, size int) {
	if size <= 0 {
		return
	}
	now := time.Now()
	first, last := a.pageRange(off, size)
	for i := first; i <= last; i++ {
		p := &a.pages[i]
		if !p.committed() || p.lruElem != nil {
			continue
		}
		if a.pageCovered(i) {
			continue
		}
		p.freeSince = now
		p.lruElem = a.lru.PushBack(i)
	}
}

// pageCovered reports whether any allocated buffer covers a byte of page i.
// Caller holds a.mu.
func (a *Allocator) pageCovered(i int) bool {
	start := i * a.pageSize
	end := start + a.pageSize
	covered := false
	// Start from the last buffer beginning at or before the page end and
	// walk left; buffers are contiguous so the first hit decides.
	a.buffers.DescendLessOrEqual(&Buffer{Offset: end - 1}, func(b *Buffer) bool {
		if b.End() <= start {
			return false
		}
		if !b.free {
			covered = true
			return false
		}
		return true
	})
	return covered
}

// reclaimPage releases the backing memory of page i. The page must not be
// covered by an allocated buffer; that would be bookkeeping corruption.
// Caller holds a.mu.
func (a *Allocator) reclaimPage(i int) {
	p := &a.pages[i]
	if a.pageCovered(i) {
		panic("alloc: reclaiming page covered by allocated buffer")
	}
	p.data = nil
	p.freeSince = time.Time{}
	p.lruElem = nil
	a.committedPages--
}
