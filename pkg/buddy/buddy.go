// Package buddy implements a power-of-two buddy allocator over a fixed
// capacity arena.
//
// The allocator never touches the arena itself: it only hands out offsets.
// Block bookkeeping lives in side tables indexed by the arena offset divided
// by the minimum block size, so the state can be relocated or copied freely.
package buddy

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

var (
	ErrInvalidConfig = errors.New("buddy: capacity and minimum block size must be powers of two")
	ErrInvalidSize   = errors.New("buddy: requested size must be positive")
	ErrNoSpace       = errors.New("buddy: no free block large enough")
	ErrNotAllocated  = errors.New("buddy: offset is not an allocated block")
)

const (
	// DefaultMinBlockSize is the smallest size class handed out.
	DefaultMinBlockSize = 8

	// MaxCapacity keeps slot indices within int32.
	MaxCapacity = 1 << 40

	nilSlot = int32(-1)

	tagFree  uint8 = 0x40
	tagAlloc uint8 = 0x80
	tagOrder uint8 = 0x3f
)

// Allocator hands out blocks of a fixed capacity arena. All methods are safe
// for concurrent use.
type Allocator struct {
	capacity int64
	minBlock int64
	minShift uint
	maxOrder int

	// heads[o] is the first free block of size minBlock<<o.
	heads []int32
	next  []int32
	prev  []int32
	tags  []uint8

	used   int64
	blocks int

	lk sync.Mutex
}

// New creates an Allocator managing capacity bytes, with blocks no smaller
// than minBlock bytes. A zero minBlock selects DefaultMinBlockSize.
func New(capacity, minBlock int64) (*Allocator, error) {
	if minBlock == 0 {
		minBlock = DefaultMinBlockSize
	}
	if !isPow2(capacity) || !isPow2(minBlock) || capacity < minBlock {
		return nil, fmt.Errorf("%w: capacity=%d min_block=%d", ErrInvalidConfig, capacity, minBlock)
	}
	if capacity > MaxCapacity || capacity/minBlock > 1<<31-1 {
		return nil, fmt.Errorf("%w: capacity %d too large", ErrInvalidConfig, capacity)
	}

	slots := capacity / minBlock
	a := &Allocator{
		capacity: capacity,
		minBlock: minBlock,
		minShift: uint(bits.TrailingZeros64(uint64(minBlock))),
		maxOrder: bits.TrailingZeros64(uint64(slots)),
		next:     make([]int32, slots),
		prev:     make([]int32, slots),
		tags:     make([]uint8, slots),
	}
	a.heads = make([]int32, a.maxOrder+1)
	for i := range a.heads {
		a.heads[i] = nilSlot
	}
	a.push(0, a.maxOrder)
	return a, nil
}

// Capacity returns the arena size in bytes.
func (a *Allocator) Capacity() int64 {
	return a.capacity
}

// MinBlockSize returns the smallest size class.
func (a *Allocator) MinBlockSize() int64 {
	return a.minBlock
}

// Used returns the bytes held by outstanding blocks, counted by size class.
func (a *Allocator) Used() int64 {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.used
}

// Outstanding returns the number of allocated blocks.
func (a *Allocator) Outstanding() int {
	a.lk.Lock()
	defer a.lk.Unlock()
	return a.blocks
}

// SizeClass returns the block size that would serve a request of size bytes.
func (a *Allocator) SizeClass(size int64) int64 {
	return a.blockSize(a.orderFor(size))
}

// Allocate reserves a block of at least size bytes and returns its offset.
func (a *Allocator) Allocate(size int64) (int64, error) {
	if size <= 0 {
		return 0, ErrInvalidSize
	}
	if size > a.capacity {
		return 0, fmt.Errorf("%w: %d bytes requested, capacity is %d", ErrNoSpace, size, a.capacity)
	}

	order := a.orderFor(size)

	a.lk.Lock()
	defer a.lk.Unlock()

	o := order
	for o <= a.maxOrder && a.heads[o] == nilSlot {
		o++
	}
	if o > a.maxOrder {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrNoSpace, size, a.used, a.capacity)
	}

	slot := a.heads[o]
	a.remove(slot, o)
	// Keep the lower half, release the upper halves.
	for o > order {
		o--
		a.push(slot+int32(1)<<o, o)
	}

	a.tags[slot] = tagAlloc | uint8(order)
	a.used += a.blockSize(order)
	a.blocks++
	return int64(slot) << a.minShift, nil
}

// Free releases the block starting at offset and coalesces it with its free
// buddies.
func (a *Allocator) Free(offset int64) error {
	if offset < 0 || offset >= a.capacity || offset&(a.minBlock-1) != 0 {
		return fmt.Errorf("%w: offset %d", ErrNotAllocated, offset)
	}
	slot := int32(offset >> a.minShift)

	a.lk.Lock()
	defer a.lk.Unlock()

	tag := a.tags[slot]
	if tag&tagAlloc == 0 {
		return fmt.Errorf("%w: offset %d", ErrNotAllocated, offset)
	}

	order := int(tag & tagOrder)
	a.tags[slot] = 0
	a.used -= a.blockSize(order)
	a.blocks--

	for order < a.maxOrder {
		buddy := slot ^ int32(1)<<order
		if a.tags[buddy] != tagFree|uint8(order) {
			break
		}
		a.remove(buddy, order)
		slot = min(slot, buddy)
		order++
	}
	a.push(slot, order)
	return nil
}

// BlockSize returns the size class of the allocated block at offset.
func (a *Allocator) BlockSize(offset int64) (int64, error) {
	if offset < 0 || offset >= a.capacity || offset&(a.minBlock-1) != 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrNotAllocated, offset)
	}

	a.lk.Lock()
	defer a.lk.Unlock()
	tag := a.tags[offset>>a.minShift]
	if tag&tagAlloc == 0 {
		return 0, fmt.Errorf("%w: offset %d", ErrNotAllocated, offset)
	}
	return a.blockSize(int(tag & tagOrder)), nil
}

// LargestFree returns the size of the largest block that can currently be
// allocated, or 0 when the arena is full.
func (a *Allocator) LargestFree() int64 {
	a.lk.Lock()
	defer a.lk.Unlock()
	for o := a.maxOrder; o >= 0; o-- {
		if a.heads[o] != nilSlot {
			return a.blockSize(o)
		}
	}
	return 0
}

// Reset drops every allocation and returns the arena to a single free block.
func (a *Allocator) Reset() {
	a.lk.Lock()
	defer a.lk.Unlock()
	clear(a.tags)
	for i := range a.heads {
		a.heads[i] = nilSlot
	}
	a.used = 0
	a.blocks = 0
	a.push(0, a.maxOrder)
}

func (a *Allocator) orderFor(size int64) int {
	if size <= a.minBlock {
		return 0
	}
	return bits.Len64(uint64(size-1)) - int(a.minShift)
}

func (a *Allocator) blockSize(order int) int64 {
	return a.minBlock << order
}

func (a *Allocator) push(slot int32, order int) {
	head := a.heads[order]
	a.next[slot] = head
	a.prev[slot] = nilSlot
	if head != nilSlot {
		a.prev[head] = slot
	}
	a.heads[order] = slot
	a.tags[slot] = tagFree | uint8(order)
}

func (a *Allocator) remove(slot int32, order int) {
	prev, next := a.prev[slot], a.next[slot]
	if prev != nilSlot {
		a.next[prev] = next
	} else {
		a.heads[order] = next
	}
	if next != nilSlot {
		a.prev[next] = prev
	}
	a.tags[slot] = 0
}

func isPow2(v int64) bool {
	return v > 0 && v&(v-1) == 0
}
