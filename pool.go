package pgas

import (
	"errors"
	"fmt"

	"github.com/raskyld/pgas/pkg/buddy"
)

// LocalPool is the fixed capacity arena of a unit, exposed to every other
// unit through the static window. Allocations are purely local.
type LocalPool struct {
	alloc *buddy.Allocator
	mem   []byte
}

func newLocalPool(capacity, minBlock int64) (*LocalPool, error) {
	alloc, err := buddy.New(capacity, minBlock)
	if err != nil {
		return nil, err
	}
	return &LocalPool{alloc: alloc}, nil
}

// bind sets the arena memory once the window manager has allocated it.
func (p *LocalPool) bind(mem []byte) {
	p.mem = mem[:p.alloc.Capacity():p.alloc.Capacity()]
}

// Allocate reserves at least size bytes and returns their offset in the
// arena.
func (p *LocalPool) Allocate(size int64) (int64, error) {
	off, err := p.alloc.Allocate(size)
	if err != nil {
		return 0, poolErr(err)
	}
	return off, nil
}

// Free releases the block allocated at offset.
func (p *LocalPool) Free(offset int64) error {
	return poolErr(p.alloc.Free(offset))
}

func (p *LocalPool) Capacity() int64 {
	return p.alloc.Capacity()
}

// Used is the number of bytes held by outstanding blocks, rounded to their
// size class.
func (p *LocalPool) Used() int64 {
	return p.alloc.Used()
}

// Outstanding is the number of allocated blocks.
func (p *LocalPool) Outstanding() int {
	return p.alloc.Outstanding()
}

// SizeClass is the block size serving a request of size bytes.
func (p *LocalPool) SizeClass(size int64) int64 {
	return p.alloc.SizeClass(size)
}

// BlockSize is the size of the block allocated at offset.
func (p *LocalPool) BlockSize(offset int64) (int64, error) {
	size, err := p.alloc.BlockSize(offset)
	return size, poolErr(err)
}

// Base is the whole arena, nil until the pool memory is allocated.
func (p *LocalPool) Base() []byte {
	return p.mem
}

// Bytes is a view of n bytes of the arena starting at offset.
func (p *LocalPool) Bytes(offset, n int64) ([]byte, error) {
	if p.mem == nil {
		return nil, ErrNoSharedMem
	}
	if offset < 0 || n < 0 || offset > int64(len(p.mem)) || n > int64(len(p.mem))-offset {
		return nil, fmt.Errorf("%w: [%d,%d) outside of a %d bytes pool",
			ErrInvalidArgument, offset, offset+n, len(p.mem))
	}
	return p.mem[offset : offset+n : offset+n], nil
}

func (p *LocalPool) reset() {
	p.alloc.Reset()
	p.mem = nil
}

func poolErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, buddy.ErrNoSpace):
		return fmt.Errorf("%w: %w", ErrOutOfMemory, err)
	case errors.Is(err, buddy.ErrInvalidSize), errors.Is(err, buddy.ErrNotAllocated):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	default:
		return err
	}
}
