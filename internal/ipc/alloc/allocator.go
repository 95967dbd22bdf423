package alloc

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/tether/internal/logging"
)

// DefaultPageSize is the page granularity used when none is configured.
const DefaultPageSize = 4096

var (
	// ErrAlreadyReserved is returned when Reserve is called twice.
	ErrAlreadyReserved = errors.New("alloc: range already reserved")
	// ErrBadSize is returned for non-positive or misaligned sizes.
	ErrBadSize = errors.New("alloc: bad size")
	// ErrNotReserved is returned when allocating before Reserve.
	ErrNotReserved = errors.New("alloc: no reserved range")
	// ErrOutOfBuffers is returned when no free buffer can fit the request.
	ErrOutOfBuffers = errors.New("alloc: out of buffer space")
	// ErrNotAllocated is returned when freeing an offset that does not name
	// an allocated buffer.
	ErrNotAllocated = errors.New("alloc: not an allocated buffer")
	// ErrOutOfRange is returned for out-of-bounds payload copies.
	ErrOutOfRange = errors.New("alloc: offset out of range")
	// ErrTornDown is returned once the allocator has been torn down.
	ErrTornDown = errors.New("alloc: torn down")
)

// Allocator manages one proc's reserved transaction buffer range.
//
// Buffers are indexed two ways at once: an address-ordered tree of every
// buffer (coalescing, tiling checks) and a size-ordered tree of free buffers
// (best-fit lookup). Page backing is tracked separately from buffers, so one
// page may back the tails of two adjacent buffers.
type Allocator struct {
	mu  sync.Mutex
	log *logging.Logger

	pageSize int
	size     int // reserved range length, 0 until Reserve

	buffers     *btree.BTreeG[*Buffer] // all buffers, by offset
	freeBuffers *btree.BTreeG[*Buffer] // free buffers, by (size, offset)

	pages          []page
	lru            list.List // page indexes, oldest free first
	committedPages int

	freeAsync  int // remaining async allocation budget
	asyncLimit int

	allocated int
	nextID    uint64
	allocs    uint64
	frees     uint64

	space chan struct{} // closed and replaced whenever space frees up
	done  chan struct{} // closed on teardown
	torn  bool
}

// Stats is a point-in-time snapshot of allocator state.
type Stats struct {
	Reserved         int    `json:"reserved"`
	PageSize         int    `json:"page_size"`
	CommittedPages   int    `json:"committed_pages"`
	ReclaimablePages int    `json:"reclaimable_pages"`
	AllocatedBuffers int    `json:"allocated_buffers"`
	FreeBuffers      int    `json:"free_buffers"`
	FreeAsync        int    `json:"free_async"`
	Allocs           uint64 `json:"allocs"`
	Frees            uint64 `json:"frees"`
}

// New creates an allocator with the given page size (DefaultPageSize if
// non-positive). Reserve must be called before any allocation.
func New(log *logging.Logger, pageSize int) *Allocator {
	if log == nil {
		log = logging.NewDefault()
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Allocator{
		log:         log,
		pageSize:    pageSize,
		buffers:     btree.NewG(8, byOffset),
		freeBuffers: btree.NewG(8, bySize),
		space:       make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// PageSize returns the page granularity.
func (a *Allocator) PageSize() int { return a.pageSize }

// Reserve establishes the proc's single buffer range. The size must be a
// positive multiple of the page size. No pages are committed yet. Half of
// the range is budgeted for asynchronous transactions.
func (a *Allocator) Reserve(size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.torn {
		return ErrTornDown
	}
	if a.size != 0 {
		return ErrAlreadyReserved
	}
	if size <= 0 || size%a.pageSize != 0 {
		return fmt.Errorf("%w: %d", ErrBadSize, size)
	}

	a.size = size
	a.pages = make([]page, size/a.pageSize)
	a.asyncLimit = size / 2
	a.freeAsync = a.asyncLimit

	whole := &Buffer{ID: a.nextID, Offset: 0, Size: size, free: true}
	a.nextID++
	a.buffers.ReplaceOrInsert(whole)
	a.freeBuffers.ReplaceOrInsert(whole)

	a.log.Debug("buffer range reserved",
		zap.Int("size", size),
		zap.Int("pages", len(a.pages)),
		zap.Int("async_limit", a.asyncLimit))
	return nil
}

// Allocate carves a buffer big enough for the three aligned size components
// out of the best-fitting free buffer, committing any pages the chosen range
// covers that lack backing. Async allocations are additionally debited from
// the async budget.
func (a *Allocator) Allocate(dataSize, offsetsSize, extraSize int, async bool) (*Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateLocked(dataSize, offsetsSize, extraSize, async)
}

// AllocateWait behaves like Allocate but blocks while the range is exhausted,
// retrying each time space frees up, until the context expires or the
// allocator is torn down. The allocator lock is never held while waiting.
func (a *Allocator) AllocateWait(ctx context.Context, dataSize, offsetsSize, extraSize int, async bool) (*Buffer, error) {
	for {
		a.mu.Lock()
		b, err := a.allocateLocked(dataSize, offsetsSize, extraSize, async)
		space := a.space
		a.mu.Unlock()

		if !errors.Is(err, ErrOutOfBuffers) {
			return b, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrOutOfBuffers, ctx.Err())
		case <-a.done:
			return nil, ErrTornDown
		case <-space:
		}
	}
}

func (a *Allocator) allocateLocked(dataSize, offsetsSize, extraSize int, async bool) (*Buffer, error) {
	if a.torn {
		return nil, ErrTornDown
	}
	if a.size == 0 {
		return nil, ErrNotReserved
	}
	if dataSize < 0 || offsetsSize < 0 || extraSize < 0 {
		return nil, fmt.Errorf("%w: negative component", ErrBadSize)
	}

	total := alignSize(dataSize) + alignSize(offsetsSize) + alignSize(extraSize)
	if total == 0 {
		// Empty payloads still get a distinct buffer identity.
		total = bufferAlign
	}
	if total < 0 || total > a.size {
		return nil, fmt.Errorf("%w: total %d", ErrBadSize, total)
	}
	if async && a.freeAsync < total+bufferOverhead {
		return nil, fmt.Errorf("%w: async budget exhausted (%d free, %d needed)",
			ErrOutOfBuffers, a.freeAsync, total+bufferOverhead)
	}

	best := a.bestFit(total)
	if best == nil {
		return nil, fmt.Errorf("%w: no free buffer fits %d", ErrOutOfBuffers, total)
	}
	a.freeBuffers.Delete(best)

	if rem := best.Size - total; rem > 0 {
		remainder := &Buffer{
			ID:     a.nextID,
			Offset: best.Offset + total,
			Size:   rem,
			free:   true,
		}
		a.nextID++
		a.buffers.ReplaceOrInsert(remainder)
		a.freeBuffers.ReplaceOrInsert(remainder)
		best.Size = total
	}

	newPages := a.commitPages(best.Offset, best.Size)

	best.free = false
	best.Async = async
	best.DataSize = dataSize
	best.OffsetsSize = offsetsSize
	best.ExtraSize = extraSize
	if async {
		a.freeAsync -= total + bufferOverhead
	}
	a.allocated++
	a.allocs++

	a.log.Debug("buffer allocated",
		zap.Uint64("buffer", best.ID),
		zap.Int("offset", best.Offset),
		zap.Int("size", best.Size),
		zap.Bool("async", async),
		zap.Int("pages_committed", newPages))
	return best, nil
}

// bestFit returns the smallest free buffer with at least total bytes.
// Caller holds a.mu.
func (a *Allocator) bestFit(total int) *Buffer {
	var found *Buffer
	a.freeBuffers.AscendGreaterOrEqual(&Buffer{Size: total, Offset: -1}, func(b *Buffer) bool {
		found = b
		return false
	})
	return found
}

// Free releases the allocated buffer starting at offset, coalesces it with
// adjacent free buffers, and parks any page left wholly uncovered by
// allocated buffers on the reclaim LRU.
func (a *Allocator) Free(offset int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.torn {
		return ErrTornDown
	}
	b, ok := a.buffers.Get(&Buffer{Offset: offset})
	if !ok || b.free {
		return fmt.Errorf("%w: offset %d", ErrNotAllocated, offset)
	}

	if b.Async {
		a.freeAsync += b.Size + bufferOverhead
		if a.freeAsync > a.asyncLimit {
			panic("alloc: async budget over-credited")
		}
	}

	b.free = true
	b.Async = false
	b.DataSize, b.OffsetsSize, b.ExtraSize = 0, 0, 0
	a.allocated--
	a.frees++

	merged := a.coalesce(b)
	a.freeBuffers.ReplaceOrInsert(merged)
	a.retirePages(merged.Offset, merged.Size)
	a.notifySpace()

	a.log.Debug("buffer freed",
		zap.Int("offset", offset),
		zap.Int("coalesced_size", merged.Size))
	return nil
}

// coalesce merges b with free neighbors on both sides, returning the merged
// buffer. All involved buffers are replaced in the address tree by the
// result. Caller holds a.mu; b must already be marked free and must not be
// in the free-size tree.
func (a *Allocator) coalesce(b *Buffer) *Buffer {
	// Merge the next buffer in.
	if next, ok := a.buffers.Get(&Buffer{Offset: b.End()}); ok && next.free {
		a.buffers.Delete(next)
		a.freeBuffers.Delete(next)
		b.Size += next.Size
	}
	// Merge into the previous buffer.
	var prev *Buffer
	a.buffers.DescendLessOrEqual(&Buffer{Offset: b.Offset - 1}, func(p *Buffer) bool {
		prev = p
		return false
	})
	if prev != nil && prev.free {
		if prev.End() != b.Offset {
			panic("alloc: address tree not contiguous")
		}
		a.buffers.Delete(b)
		a.freeBuffers.Delete(prev)
		prev.Size += b.Size
		return prev
	}
	return b
}

// notifySpace wakes every AllocateWait waiter. Caller holds a.mu.
func (a *Allocator) notifySpace() {
	close(a.space)
	a.space = make(chan struct{})
}

// Shrink reclaims up to target committed pages from the reclaim LRU, oldest
// free first, and reports how many were released. Pages under allocated
// buffers are never touched.
func (a *Allocator) Shrink(target int) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	reclaimed := 0
	for reclaimed < target {
		front := a.lru.Front()
		if front == nil {
			break
		}
		idx := front.Value.(int)
		a.lru.Remove(front)
		a.pages[idx].lruElem = nil
		a.reclaimPage(idx)
		reclaimed++
	}
	if reclaimed > 0 {
		a.log.Debug("pages reclaimed", zap.Int("count", reclaimed))
	}
	return reclaimed
}

// Teardown releases all pages and the reservation. Safe to call twice.
// Buffers still allocated are logged and released; the owning proc is gone,
// so nothing can free them later.
func (a *Allocator) Teardown() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.torn {
		return nil
	}
	a.torn = true
	close(a.done)

	if a.allocated > 0 {
		a.log.Warn("teardown with live buffers", zap.Int("count", a.allocated))
	}
	a.buffers.Clear(false)
	a.freeBuffers.Clear(false)
	a.pages = nil
	a.lru.Init()
	a.committedPages = 0
	a.allocated = 0
	a.size = 0
	return nil
}

// CopyIn copies src into the buffer at the given intra-buffer offset,
// scattering across the committed page slabs.
func (a *Allocator) CopyIn(b *Buffer, off int, src []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.torn {
		return ErrTornDown
	}
	if off < 0 || off+len(src) > b.Size {
		return fmt.Errorf("%w: copy [%d,%d) into %d-byte buffer", ErrOutOfRange, off, off+len(src), b.Size)
	}
	pos := b.Offset + off
	for len(src) > 0 {
		pi, po := pos/a.pageSize, pos%a.pageSize
		p := &a.pages[pi]
		if !p.committed() {
			panic("alloc: allocated buffer over uncommitted page")
		}
		n := copy(p.data[po:], src)
		src = src[n:]
		pos += n
	}
	return nil
}

// CopyOut reads n bytes from the buffer at the given intra-buffer offset.
// This is the target's in-place read of a delivered payload.
func (a *Allocator) CopyOut(b *Buffer, off, n int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.torn {
		return nil, ErrTornDown
	}
	if off < 0 || n < 0 || off+n > b.Size {
		return nil, fmt.Errorf("%w: copy [%d,%d) from %d-byte buffer", ErrOutOfRange, off, off+n, b.Size)
	}
	out := make([]byte, 0, n)
	pos := b.Offset + off
	for len(out) < n {
		pi, po := pos/a.pageSize, pos%a.pageSize
		p := &a.pages[pi]
		if !p.committed() {
			panic("alloc: allocated buffer over uncommitted page")
		}
		chunk := a.pageSize - po
		if rem := n - len(out); chunk > rem {
			chunk = rem
		}
		out = append(out, p.data[po:po+chunk]...)
		pos += chunk
	}
	return out, nil
}

// Stats returns a snapshot of allocator state.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Reserved:         a.size,
		PageSize:         a.pageSize,
		CommittedPages:   a.committedPages,
		ReclaimablePages: a.lru.Len(),
		AllocatedBuffers: a.allocated,
		FreeBuffers:      a.freeBuffers.Len(),
		FreeAsync:        a.freeAsync,
		Allocs:           a.allocs,
		Frees:            a.frees,
	}
}

// Verify checks the structural invariants: buffers exactly tile the reserved
// range with no overlap, the free-size tree matches the free buffers in the
// address tree, and every page under an allocated buffer is committed.
func (a *Allocator) Verify() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.torn || a.size == 0 {
		return nil
	}
	pos := 0
	freeSeen := 0
	var err error
	a.buffers.Ascend(func(b *Buffer) bool {
		if b.Offset != pos {
			err = fmt.Errorf("tiling violation at %d: buffer starts at %d", pos, b.Offset)
			return false
		}
		if b.Size <= 0 {
			err = fmt.Errorf("empty buffer at %d", b.Offset)
			return false
		}
		if b.free {
			freeSeen++
			if _, ok := a.freeBuffers.Get(b); !ok {
				err = fmt.Errorf("free buffer at %d missing from size tree", b.Offset)
				return false
			}
		} else {
			first, last := a.pageRange(b.Offset, b.Size)
			for i := first; i <= last; i++ {
				if !a.pages[i].committed() {
					err = fmt.Errorf("allocated buffer at %d over uncommitted page %d", b.Offset, i)
					return false
				}
			}
		}
		pos = b.End()
		return true
	})
	if err != nil {
		return err
	}
	if pos != a.size {
		return fmt.Errorf("buffers end at %d, reserved %d", pos, a.size)
	}
	if freeSeen != a.freeBuffers.Len() {
		return fmt.Errorf("free-size tree has %d entries, address tree has %d free", a.freeBuffers.Len(), freeSeen)
	}
	return nil
}
