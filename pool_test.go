package pgas

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/raskyld/pgas/pkg/transport/inproc"
	"github.com/stretchr/testify/require"
)

func TestLocalPool(t *testing.T) {
	pool, err := newLocalPool(256, 16)
	require.NoError(t, err)
	pool.bind(make([]byte, 256))

	off, err := pool.Allocate(20)
	require.NoError(t, err)
	size, err := pool.BlockSize(off)
	require.NoError(t, err)
	require.EqualValues(t, 32, size)
	require.EqualValues(t, 32, pool.SizeClass(20))

	view, err := pool.Bytes(off, 20)
	require.NoError(t, err)
	require.Len(t, view, 20)

	_, err = pool.Bytes(250, 16)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = pool.Allocate(512)
	require.ErrorIs(t, err, ErrOutOfMemory)
	_, err = pool.Allocate(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.ErrorIs(t, pool.Free(off+16), ErrInvalidArgument)

	require.NoError(t, pool.Free(off))
	require.ErrorIs(t, pool.Free(off), ErrInvalidArgument)
	require.Zero(t, pool.Used())

	pool.reset()
	require.Nil(t, pool.Base())
	_, err = pool.Bytes(0, 1)
	require.ErrorIs(t, err, ErrNoSharedMem)
}

// Four units with a 1 KiB pool each: unit 0 allocates 100 bytes, frees
// them, then allocates 200 bytes from the coalesced arena.
func TestRuntime_PoolScenario(t *testing.T) {
	w := newTestWorld(t, 4)

	runUnits(t, w, []Option{WithLocalAllocSize(1024)}, func(ctx context.Context, rt *Runtime) error {
		pool, err := rt.Pool()
		if err != nil {
			return err
		}
		if pool.Capacity() != 1024 {
			return fmt.Errorf("capacity %d", pool.Capacity())
		}
		if rt.MyID() != 0 {
			return nil
		}

		small, err := rt.MemAlloc(100)
		if err != nil {
			return err
		}
		if small.Offset != 0 || small.Unit != 0 || small.Team != TeamAll || small.Segment != SegmentLocal {
			return fmt.Errorf("unexpected pointer %s", small)
		}
		if size, _ := pool.BlockSize(0); size != 128 {
			return fmt.Errorf("100 bytes served by a %d bytes block", size)
		}
		if err := rt.MemFree(small); err != nil {
			return err
		}

		large, err := rt.MemAlloc(200)
		if err != nil {
			return err
		}
		if large.Offset != 0 {
			return fmt.Errorf("200 bytes at offset %d after coalescing", large.Offset)
		}
		if size, _ := pool.BlockSize(0); size != 256 {
			return fmt.Errorf("200 bytes served by a %d bytes block", size)
		}
		if pool.Used() > pool.Capacity() {
			return fmt.Errorf("%d bytes used out of %d", pool.Used(), pool.Capacity())
		}

		if _, err := rt.MemAlloc(2048); !errors.Is(err, ErrOutOfMemory) {
			return fmt.Errorf("expected the pool to be exhausted, got %v", err)
		}
		if err := rt.MemFree(large.WithUnit(1)); !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("freeing another unit's memory must fail, got %v", err)
		}
		if err := rt.MemFree(large.Add(8)); !errors.Is(err, ErrInvalidArgument) {
			return fmt.Errorf("freeing inside a block must fail, got %v", err)
		}
		return nil
	})
}

func TestRuntime_PoolMemoryBacking(t *testing.T) {
	cases := []struct {
		name   string
		world  []inproc.Option
		opts   []Option
		shared bool
	}{
		{
			name:   "shared",
			shared: true,
		},
		{
			name: "disabled by configuration",
			opts: []Option{WithSharedWindows(false)},
		},
		{
			name:  "unsupported by the backend",
			world: []inproc.Option{inproc.WithSharedWindows(false)},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := newTestWorld(t, 2, tc.world...)
			opts := append([]Option{WithLocalAllocSize(1024)}, tc.opts...)

			runUnits(t, w, opts, func(ctx context.Context, rt *Runtime) error {
				if rt.SharedMemory() != tc.shared {
					return fmt.Errorf("shared memory is %v", rt.SharedMemory())
				}
				_, err := rt.NodeBase(0)
				if tc.shared && err != nil {
					return err
				}
				if !tc.shared && !errors.Is(err, ErrNoSharedMem) {
					return fmt.Errorf("expected no shared table, got %v", err)
				}
				return nil
			})
		})
	}
}
