package alloc

import "fmt"

// bufferAlign is the alignment applied to each size component of a buffer.
const bufferAlign = 8

// bufferOverhead approximates the per-buffer metadata cost debited from the
// async budget alongside the payload itself, so tiny oneway transactions
// cannot allocate an unbounded number of buffers.
const bufferOverhead = 64

// Buffer is one contiguous region inside a proc's reserved range, holding a
// single transaction payload: data section, offsets section, extra section.
type Buffer struct {
	ID     uint64
	Offset int
	Size   int

	DataSize    int
	OffsetsSize int
	ExtraSize   int

	Async bool

	free bool
}

// End returns the first offset past the buffer.
func (b *Buffer) End() int { return b.Offset + b.Size }

// Free reports whether the buffer is on the free list.
func (b *Buffer) Free() bool { return b.free }

func (b *Buffer) String() string {
	state := "alloc"
	if b.free {
		state = "free"
	}
	return fmt.Sprintf("buffer %d [%d,%d) %s", b.ID, b.Offset, b.End(), state)
}

// byOffset orders buffers by their position in the reserved range.
func byOffset(a, b *Buffer) bool { return a.Offset < b.Offset }

// bySize orders free buffers by size, then offset, so the best-fit search is
// an ascend from the requested size.
func bySize(a, b *Buffer) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Offset < b.Offset
}

// Align rounds n up to the buffer alignment; the offsets section of a
// buffer begins at Align(DataSize).
func Align(n int) int {
	return (n + bufferAlign - 1) &^ (bufferAlign - 1)
}

func alignSize(n int) int { return Align(n) }
