package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/raskyld/pgas/pkg/transport"
)

const (
	// dynamicBaseDisp keeps displacement 0 invalid on dynamic windows.
	dynamicBaseDisp uint64 = 1 << 12
	dynamicAlign    uint64 = 64
)

type winState struct {
	key string

	// segs holds the exposed memory of static and shared windows.
	segs [][]byte

	// attached holds, per target, the memory attached to dynamic windows
	// keyed by displacement.
	attached []map[uint64][]byte
	nextDisp []uint64

	lks []sync.RWMutex
}

func newWinState(key string, segs [][]byte) *winState {
	return &winState{
		key:  key,
		segs: segs,
		lks:  make([]sync.RWMutex, len(segs)),
	}
}

func newDynamicWinState(key string, size int) *winState {
	st := &winState{
		key:      key,
		attached: make([]map[uint64][]byte, size),
		nextDisp: make([]uint64, size),
		lks:      make([]sync.RWMutex, size),
	}
	for rank := range st.attached {
		st.attached[rank] = make(map[uint64][]byte)
		st.nextDisp[rank] = dynamicBaseDisp
	}
	return st
}

// resolve returns the n bytes of target's memory at disp. The caller holds
// the target lock.
func (st *winState) resolve(target int, disp uint64, n int) ([]byte, error) {
	if st.attached == nil {
		seg := st.segs[target]
		if disp > uint64(len(seg)) || uint64(n) > uint64(len(seg))-disp {
			return nil, fmt.Errorf("%w: %d bytes at %d on target %d exposing %d bytes",
				transport.ErrOutOfBounds, n, disp, target, len(seg))
		}
		return seg[disp : disp+uint64(n)], nil
	}

	for base, mem := range st.attached[target] {
		if disp >= base && disp-base <= uint64(len(mem)) && uint64(n) <= uint64(len(mem))-(disp-base) {
			off := disp - base
			return mem[off : off+uint64(n)], nil
		}
	}
	return nil, fmt.Errorf("%w: %d bytes at %d are not attached on target %d",
		transport.ErrOutOfBounds, n, disp, target)
}

// window implements transport.Window for one member.
type window struct {
	st *winState
	c  *comm

	lk     sync.Mutex
	locked bool
	freed  bool
}

var _ transport.Window = (*window)(nil)

func (win *window) LockAll() error {
	win.lk.Lock()
	defer win.lk.Unlock()
	if win.freed {
		return transport.ErrFreed
	}
	if win.locked {
		return transport.ErrEpochOpen
	}
	win.locked = true
	return nil
}

func (win *window) UnlockAll() error {
	if err := win.c.st.w.inject(win.c.unit.rank, "win_unlock_all"); err != nil {
		return err
	}

	win.lk.Lock()
	defer win.lk.Unlock()
	if win.freed {
		return transport.ErrFreed
	}
	if !win.locked {
		return transport.ErrNoEpoch
	}
	win.locked = false
	return nil
}

func (win *window) access(target int) error {
	win.lk.Lock()
	defer win.lk.Unlock()
	if win.freed {
		return transport.ErrFreed
	}
	if !win.locked {
		return transport.ErrNoEpoch
	}
	if target < 0 || target >= len(win.st.lks) {
		return fmt.Errorf("%w: %d", transport.ErrInvalidRank, target)
	}
	return nil
}

func (win *window) Put(ctx context.Context, target int, disp uint64, src []byte) error {
	if err := win.access(target); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	win.st.lks[target].Lock()
	dst, err := win.st.resolve(target, disp, len(src))
	if err == nil {
		copy(dst, src)
	}
	win.st.lks[target].Unlock()
	if err != nil {
		return err
	}

	w := win.c.st.w
	w.msink.IncrCounterWithLabels(MetricPutBytes, float32(len(src)), w.cfg.metricLabels)
	return nil
}

func (win *window) Get(ctx context.Context, target int, disp uint64, dst []byte) error {
	if err := win.access(target); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	win.st.lks[target].RLock()
	src, err := win.st.resolve(target, disp, len(dst))
	if err == nil {
		copy(dst, src)
	}
	win.st.lks[target].RUnlock()
	if err != nil {
		return err
	}

	w := win.c.st.w
	w.msink.IncrCounterWithLabels(MetricGetBytes, float32(len(dst)), w.cfg.metricLabels)
	return nil
}

// Flush has nothing to wait for: every access completes before returning.
func (win *window) Flush(ctx context.Context, target int) error {
	if err := win.access(target); err != nil {
		return err
	}
	return ctx.Err()
}

func (win *window) Free() error {
	win.lk.Lock()
	if win.freed {
		win.lk.Unlock()
		return transport.ErrFreed
	}
	if win.locked {
		win.lk.Unlock()
		return fmt.Errorf("%w: cannot free %s", transport.ErrEpochOpen, win.st.key)
	}
	win.lk.Unlock()

	if _, _, err := win.c.exchange(context.Background(), "win_free", nil); err != nil {
		return err
	}

	win.lk.Lock()
	win.freed = true
	win.lk.Unlock()
	if win.c.rank == 0 {
		win.c.st.w.release(win.st.key)
	}
	return nil
}

type dynamicWindow struct {
	window
}

var _ transport.DynamicWindow = (*dynamicWindow)(nil)

func (win *dynamicWindow) Attach(mem []byte) (uint64, error) {
	win.lk.Lock()
	freed := win.freed
	win.lk.Unlock()
	if freed {
		return 0, transport.ErrFreed
	}

	rank := win.c.rank
	win.st.lks[rank].Lock()
	defer win.st.lks[rank].Unlock()

	disp := win.st.nextDisp[rank]
	win.st.attached[rank][disp] = mem
	span := (uint64(len(mem)) + dynamicAlign) &^ (dynamicAlign - 1)
	win.st.nextDisp[rank] = disp + span
	return disp, nil
}

func (win *dynamicWindow) Detach(disp uint64) error {
	rank := win.c.rank
	win.st.lks[rank].Lock()
	defer win.st.lks[rank].Unlock()

	if _, has := win.st.attached[rank][disp]; !has {
		return fmt.Errorf("%w: nothing attached at %d", transport.ErrOutOfBounds, disp)
	}
	delete(win.st.attached[rank], disp)
	return nil
}

type sharedWindow struct {
	window
}

var _ transport.SharedWindow = (*sharedWindow)(nil)

func (win *sharedWindow) Local() []byte {
	return win.st.segs[win.c.rank]
}

func (win *sharedWindow) SharedQuery(rank int) ([]byte, error) {
	if rank < 0 || rank >= len(win.st.segs) {
		return nil, fmt.Errorf("%w: %d", transport.ErrInvalidRank, rank)
	}
	return win.st.segs[rank], nil
}

func (win *sharedWindow) Free() error {
	local := win.Local()
	if err := win.window.Free(); err != nil {
		return err
	}
	return unmap(local)
}
