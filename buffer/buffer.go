// Package buffer defines the scratch memory handed to a TCP handle for each
// read and the Allocator contract that supplies it.
package buffer

import "sync"

const (
	// DefaultSize is the size a handle suggests to its Allocator per read.
	DefaultSize = 64 * 1024
	// MaxSize caps the capacity any allocator in this package hands out.
	MaxSize = 1024 * 1024
)

// Buffer is a capacity/length pair over scratch memory. Base holds the full
// capacity; Len is the number of bytes filled by the last read.
type Buffer struct {
	Base []byte
	Len  int
}

// Cap returns the capacity available for a read.
func (b Buffer) Cap() int {
	return len(b.Base)
}

// Bytes returns the filled portion of the buffer.
func (b Buffer) Bytes() []byte {
	return b.Base[:b.Len]
}

// IsEmpty reports whether the buffer has no capacity. A handle treats an
// empty buffer as "skip this read".
func (b Buffer) IsEmpty() bool {
	return len(b.Base) == 0
}

// Allocator supplies scratch memory for incoming reads.
type Allocator interface {
	// Allocate returns a buffer with capacity in [0, MaxSize]. The size is a
	// hint; returning a zero-capacity buffer skips the pending read.
	//
	// Readiness is level-triggered, so unread data makes the loop ask again
	// on every iteration: a zero-capacity buffer keeps the loop busy until
	// the allocator recovers. Use it only as a short backpressure signal;
	// call ReadStop on the handle to pause reading for longer.
	Allocate(suggestedSize int) Buffer
}

// AllocatorFunc adapts an ordinary function to the Allocator interface.
type AllocatorFunc func(suggestedSize int) Buffer

// Allocate implements Allocator.
func (f AllocatorFunc) Allocate(suggestedSize int) Buffer {
	return f(suggestedSize)
}

// Zero is an Allocator that always returns an empty buffer.
var Zero Allocator = AllocatorFunc(func(int) Buffer { return Buffer{} })

func clamp(size int) int {
	if size < 0 {
		return 0
	}

	if size > MaxSize {
		return MaxSize
	}

	return size
}

// FixedAllocator returns a freshly allocated slice of a fixed size on every
// call, ignoring the suggested size.
type FixedAllocator struct {
	size int
}

// NewFixedAllocator creates a FixedAllocator. Sizes outside [0, MaxSize] are
// clamped.
func NewFixedAllocator(size int) *FixedAllocator {
	return &FixedAllocator{size: clamp(size)}
}

// Allocate implements Allocator.
func (a *FixedAllocator) Allocate(int) Buffer {
	if a.size == 0 {
		return Buffer{}
	}

	return Buffer{Base: make([]byte, a.size)}
}

// PoolAllocator recycles fixed-size buffers through a sync.Pool. Callers
// that are done with a buffer's bytes hand it back with Release.
type PoolAllocator struct {
	size int
	pool sync.Pool
}

// NewPoolAllocator creates a PoolAllocator handing out buffers of size bytes.
// Sizes outside [0, MaxSize] are clamped.
func NewPoolAllocator(size int) *PoolAllocator {
	p := &PoolAllocator{size: clamp(size)}
	p.pool.New = func() any {
		b := make([]byte, p.size)
		return &b
	}

	return p
}

// Allocate implements Allocator.
func (p *PoolAllocator) Allocate(int) Buffer {
	if p.size == 0 {
		return Buffer{}
	}

	b := p.pool.Get().(*[]byte)
	return Buffer{Base: *b}
}

// Release returns buf's memory to the pool. Buffers of a foreign size are
// dropped.
func (p *PoolAllocator) Release(buf Buffer) {
	if len(buf.Base) != p.size || p.size == 0 {
		return
	}

	b := buf.Base[:p.size]
	p.pool.Put(&b)
}
