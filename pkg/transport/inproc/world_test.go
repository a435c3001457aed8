package inproc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/pgas/pkg/transport"
	"github.com/stretchr/testify/require"
)

func TestNewWorld(t *testing.T) {
	_, err := NewWorld(0)
	require.ErrorIs(t, err, ErrInvalidWorld)

	_, err = NewWorld(2, WithNodes([]string{"a"}))
	require.ErrorIs(t, err, ErrInvalidCfg)

	_, err = NewWorld(2, WithUnitsPerNode(0))
	require.ErrorIs(t, err, ErrInvalidCfg)

	w, err := NewWorld(5, WithUnitsPerNode(2))
	require.NoError(t, err)
	require.Equal(t, "node0", w.Node(1))
	require.Equal(t, "node1", w.Node(2))
	require.Equal(t, "node2", w.Node(4))
}

func TestUnit_InitFinalize(t *testing.T) {
	w, err := NewWorld(1, WithMaxThreadLevel(transport.ThreadSingle))
	require.NoError(t, err)
	b := w.Backend(0)

	require.False(t, b.Initialized())
	_, err = b.QueryThread()
	require.ErrorIs(t, err, transport.ErrNotInitialized)

	lvl, err := b.Init(context.Background(), transport.ThreadMultiple)
	require.NoError(t, err)
	require.Equal(t, transport.ThreadSingle, lvl, "capped by the world")

	_, err = b.Init(context.Background(), transport.ThreadSingle)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	require.NoError(t, b.Finalize())
	require.ErrorIs(t, b.Finalize(), transport.ErrNotInitialized)
}

func TestComm_Collectives(t *testing.T) {
	w, err := NewWorld(4, WithUnitsPerNode(2))
	require.NoError(t, err)

	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		world := b.World()
		me := world.Rank()

		dup, err := world.Dup(ctx)
		if err != nil {
			return err
		}
		if dup.Rank() != me || dup.Size() != 4 {
			return errors.New("dup changed rank or size")
		}

		all, err := transport.AllgatherInts(ctx, dup, int64(me*10))
		if err != nil {
			return err
		}
		if diff := cmp.Diff([][]int64{{0}, {10}, {20}, {30}}, all); diff != "" {
			return errors.New("allgather mismatch: " + diff)
		}

		// Reverse the order within even and odd groups.
		half, err := dup.Split(ctx, me%2, -me)
		if err != nil {
			return err
		}
		wantGroup := []int{2, 0}
		if me%2 == 1 {
			wantGroup = []int{3, 1}
		}
		if diff := cmp.Diff(wantGroup, half.Group()); diff != "" {
			return errors.New("split group mismatch: " + diff)
		}

		none, err := dup.Split(ctx, transport.Undefined, 0)
		if err != nil || none != nil {
			return errors.New("undefined color should yield no communicator")
		}

		node, err := dup.SplitShared(ctx)
		if err != nil {
			return err
		}
		wantNode := []int{0, 1}
		if me >= 2 {
			wantNode = []int{2, 3}
		}
		if diff := cmp.Diff(wantNode, node.Group()); diff != "" {
			return errors.New("shared split mismatch: " + diff)
		}

		if err := half.Barrier(ctx); err != nil {
			return err
		}
		for _, c := range []transport.Comm{node, half, dup} {
			if err := c.Free(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestComm_CollectiveMismatch(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)

	var mismatches atomic.Int32
	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		world := b.World()
		var err error
		if world.Rank() == 0 {
			err = world.Barrier(ctx)
		} else {
			_, err = world.Dup(ctx)
		}
		if errors.Is(err, ErrCollectiveMismatch) {
			mismatches.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, int32(2), mismatches.Load())
}

func TestWindow_PutGet(t *testing.T) {
	sink := metrics.NewInmemSink(time.Second, time.Minute)
	w, err := NewWorld(3, WithMetricSink(sink))
	require.NoError(t, err)

	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		world := b.World()
		me := world.Rank()
		mem := make([]byte, 16)

		win, err := world.CreateWindow(ctx, mem)
		if err != nil {
			return err
		}
		if err := win.Put(ctx, 0, 0, []byte{1}); !errors.Is(err, transport.ErrNoEpoch) {
			return errors.New("put outside of an epoch must fail")
		}
		if err := win.LockAll(); err != nil {
			return err
		}
		if err := win.LockAll(); !errors.Is(err, transport.ErrEpochOpen) {
			return errors.New("nested epoch must fail")
		}

		next := (me + 1) % world.Size()
		if err := win.Put(ctx, next, uint64(me), []byte{byte(me + 1)}); err != nil {
			return err
		}
		if err := win.Put(ctx, next, 15, []byte{1, 2}); !errors.Is(err, transport.ErrOutOfBounds) {
			return errors.New("put past the window must fail")
		}
		if err := win.Flush(ctx, next); err != nil {
			return err
		}
		if err := world.Barrier(ctx); err != nil {
			return err
		}

		prev := (me + world.Size() - 1) % world.Size()
		if mem[prev] != byte(prev+1) {
			return errors.New("missing put from previous unit")
		}
		buf := make([]byte, 1)
		if err := win.Get(ctx, next, uint64(me), buf); err != nil {
			return err
		}
		if buf[0] != byte(me+1) {
			return errors.New("get returned unexpected data")
		}

		if err := win.Free(); !errors.Is(err, transport.ErrEpochOpen) {
			return errors.New("free with an open epoch must fail")
		}
		if err := win.UnlockAll(); err != nil {
			return err
		}
		return win.Free()
	})
	require.NoError(t, err)
	require.NotEmpty(t, sink.Data())
}

func TestDynamicWindow_AttachDetach(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)

	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		world := b.World()
		win, err := world.CreateDynamicWindow(ctx)
		if err != nil {
			return err
		}
		if err := win.LockAll(); err != nil {
			return err
		}

		mem := make([]byte, 8)
		disp, err := win.Attach(mem)
		if err != nil {
			return err
		}
		disps, err := transport.AllgatherInts(ctx, world, int64(disp))
		if err != nil {
			return err
		}

		peer := 1 - world.Rank()
		if err := win.Put(ctx, peer, uint64(disps[peer][0])+4, []byte{42}); err != nil {
			return err
		}
		if err := world.Barrier(ctx); err != nil {
			return err
		}
		if mem[4] != 42 {
			return errors.New("put through dynamic window not visible")
		}

		if err := win.Detach(disp); err != nil {
			return err
		}
		if err := win.Detach(disp); !errors.Is(err, transport.ErrOutOfBounds) {
			return errors.New("double detach must fail")
		}
		if err := world.Barrier(ctx); err != nil {
			return err
		}
		if err := win.Put(ctx, peer, uint64(disps[peer][0]), []byte{1}); !errors.Is(err, transport.ErrOutOfBounds) {
			return errors.New("put to detached memory must fail")
		}
		if err := win.UnlockAll(); err != nil {
			return err
		}
		return win.Free()
	})
	require.NoError(t, err)
}

func TestSharedWindow(t *testing.T) {
	w, err := NewWorld(4, WithUnitsPerNode(2))
	require.NoError(t, err)

	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		world := b.World()
		if _, err := world.AllocateSharedWindow(ctx, 8); !errors.Is(err, transport.ErrUnsupported) {
			return errors.New("shared window needs a node-local communicator")
		}

		node, err := world.SplitShared(ctx)
		if err != nil {
			return err
		}
		win, err := node.AllocateSharedWindow(ctx, 8)
		if err != nil {
			return err
		}
		win.Local()[0] = byte(world.Rank())
		if err := node.Barrier(ctx); err != nil {
			return err
		}

		peer := 1 - node.Rank()
		seg, err := win.SharedQuery(peer)
		if err != nil {
			return err
		}
		if int(seg[0]) != node.Group()[peer] {
			return errors.New("shared query returned the wrong segment")
		}
		if _, err := win.SharedQuery(2); !errors.Is(err, transport.ErrInvalidRank) {
			return errors.New("shared query out of range must fail")
		}
		if err := win.Free(); err != nil {
			return err
		}
		return node.Free()
	})
	require.NoError(t, err)
}

func TestSharedWindow_Disabled(t *testing.T) {
	w, err := NewWorld(1, WithSharedWindows(false))
	require.NoError(t, err)

	b := w.Backend(0)
	require.False(t, b.SharedWindowsSupported())
	node, err := b.World().SplitShared(context.Background())
	require.NoError(t, err)
	_, err = node.AllocateSharedWindow(context.Background(), 8)
	require.ErrorIs(t, err, transport.ErrUnsupported)
}

func TestWorld_Abort(t *testing.T) {
	w, err := NewWorld(2)
	require.NoError(t, err)

	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		world := b.World()
		if world.Rank() == 0 {
			return b.Abort(3)
		}
		// Never matched: only the abort releases it.
		return world.Barrier(ctx)
	})
	require.ErrorIs(t, err, transport.ErrAborted)

	code, aborted := w.Aborted()
	require.True(t, aborted)
	require.Equal(t, 3, code)
}

func TestWorld_Fault(t *testing.T) {
	boom := errors.New("boom")
	w, err := NewWorld(2, WithFault(func(_ int, op string) error {
		if op == "dup" {
			return boom
		}
		return nil
	}))
	require.NoError(t, err)

	err = Run(context.Background(), w, func(ctx context.Context, b transport.Backend) error {
		_, err := b.World().Dup(ctx)
		return err
	})
	require.ErrorIs(t, err, boom)
}
